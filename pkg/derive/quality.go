package derive

import "github.com/jakobscode/gnss-tracker/pkg/models"

// DOPQuality is the display bucket for a dilution-of-precision value.
type DOPQuality string

const (
	DOPIdeal     DOPQuality = "ideal"
	DOPExcellent DOPQuality = "excellent"
	DOPGood      DOPQuality = "good"
	DOPMedium    DOPQuality = "medium"
	DOPMarginal  DOPQuality = "marginal"
	DOPPoor      DOPQuality = "poor"
)

// ClassifyDOP buckets a PDOP, HDOP or VDOP value. Each upper bound is
// inclusive.
func ClassifyDOP(dop float64) DOPQuality {
	switch {
	case dop <= 1:
		return DOPIdeal
	case dop <= 2:
		return DOPExcellent
	case dop <= 5:
		return DOPGood
	case dop <= 10:
		return DOPMedium
	case dop <= 20:
		return DOPMarginal
	default:
		return DOPPoor
	}
}

// FixStatus returns the display label for a fix quality.
func FixStatus(fix models.FixQuality) string {
	switch fix {
	case models.Fix3D:
		return "3D fix"
	case models.Fix2D:
		return "2D fix"
	default:
		return "no fix"
	}
}
