package derive

import (
	"net/url"
	"strconv"
	"time"

	"github.com/jakobscode/gnss-tracker/pkg/models"
)

// Snapshot is the presentation view of one stored reading. It is recomputed
// on demand and never persisted.
type Snapshot struct {
	AccuracyRadiusMeters float64    `json:"accuracy_radius_m"`
	PDOPQuality          DOPQuality `json:"pdop_quality"`
	HDOPQuality          DOPQuality `json:"hdop_quality"`
	VDOPQuality          DOPQuality `json:"vdop_quality"`
	FixStatus            string     `json:"fix_status"`
	BatteryPercent       float64    `json:"battery_pct"`
	BatteryMillivolts    float64    `json:"battery_mv"`
	SolarMillivolts      float64    `json:"solar_mv"`
	SpeedKmh             float64    `json:"speed_kmh"`
	Age                  Age        `json:"age"`
	MapsURL              string     `json:"maps_url"`
}

// Snapshot derives every presentation metric for r as observed at now. Only
// the Age field depends on now.
func (e *Engine) Snapshot(r models.StoredReading, now time.Time) Snapshot {
	return Snapshot{
		AccuracyRadiusMeters: e.AccuracyRadius(r.HDOP),
		PDOPQuality:          ClassifyDOP(r.PDOP),
		HDOPQuality:          ClassifyDOP(r.HDOP),
		VDOPQuality:          ClassifyDOP(r.VDOP),
		FixStatus:            FixStatus(r.FixQuality),
		BatteryPercent:       e.BatteryPercent(r.BattMillivolts),
		BatteryMillivolts:    e.CorrectedMillivolts(r.BattMillivolts),
		SolarMillivolts:      e.CorrectedMillivolts(r.SolarMillivolts),
		SpeedKmh:             KnotsToKmh(r.Speed),
		Age:                  AgeOf(r.RecordedAt, now),
		MapsURL:              MapsURL(r.Latitude, r.Longitude),
	}
}

// MapsURL links a coordinate pair to a Google Maps search.
func MapsURL(lat, lon float64) string {
	q := url.Values{}
	q.Set("api", "1")
	q.Set("query", strconv.FormatFloat(lat, 'f', -1, 64)+","+strconv.FormatFloat(lon, 'f', -1, 64))
	return "https://www.google.com/maps/search/?" + q.Encode()
}
