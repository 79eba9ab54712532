package derive

import (
	"strconv"
	"time"

	"github.com/jakobscode/gnss-tracker/pkg/models"
)

// AgeUnit is the coarsest unit used to display an age.
type AgeUnit string

const (
	UnitSeconds AgeUnit = "seconds"
	UnitMinutes AgeUnit = "minutes"
	UnitHours   AgeUnit = "hours"
	UnitDays    AgeUnit = "days"
)

// Urgency colors the "last seen" indicator.
type Urgency string

const (
	UrgencyFresh Urgency = "fresh"
	UrgencyWarn  Urgency = "warn"
	UrgencyStale Urgency = "stale"
	UrgencyDead  Urgency = "dead"
	// UrgencyNever marks a credential that has never reported. It is not an
	// extreme of UrgencyDead.
	UrgencyNever Urgency = "never"
)

const (
	freshBefore = 5 * time.Minute
	warnBefore  = 30 * time.Minute
	staleBefore = 24 * time.Hour
)

// Age is the elapsed time since a reading was recorded, bucketed for display.
type Age struct {
	Reported bool    `json:"reported"`
	Unit     AgeUnit `json:"unit,omitempty"`
	Value    int64   `json:"value"`
	Label    string  `json:"label"`
	Urgency  Urgency `json:"urgency"`
}

// AgeOf buckets now - recordedAt. Counts are floored; a recordedAt in the
// future is treated as zero seconds old.
func AgeOf(recordedAt, now time.Time) Age {
	elapsed := now.Sub(recordedAt)
	if elapsed < 0 {
		elapsed = 0
	}
	secs := int64(elapsed / time.Second)
	mins := secs / 60
	hours := mins / 60

	a := Age{Reported: true}
	switch {
	case secs < 60:
		a.Unit, a.Value, a.Label = UnitSeconds, secs, strconv.FormatInt(secs, 10)+"s"
	case mins < 60:
		a.Unit, a.Value, a.Label = UnitMinutes, mins, strconv.FormatInt(mins, 10)+"m"
	case hours < 24:
		a.Unit, a.Value, a.Label = UnitHours, hours, strconv.FormatInt(hours, 10)+"h"
	default:
		days := hours / 24
		a.Unit, a.Value, a.Label = UnitDays, days, strconv.FormatInt(days, 10)+"d"
	}

	switch {
	case elapsed < freshBefore:
		a.Urgency = UrgencyFresh
	case elapsed < warnBefore:
		a.Urgency = UrgencyWarn
	case elapsed < staleBefore:
		a.Urgency = UrgencyStale
	default:
		a.Urgency = UrgencyDead
	}
	return a
}

// NeverReported is the "last seen" state of a credential without readings.
func NeverReported() Age {
	return Age{Label: "never", Urgency: UrgencyNever}
}

// LastSeen returns the age of the newest reading, or NeverReported when
// latest is nil.
func LastSeen(latest *models.StoredReading, now time.Time) Age {
	if latest == nil {
		return NeverReported()
	}
	return AgeOf(latest.RecordedAt, now)
}
