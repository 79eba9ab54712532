package models

import "time"

// FixQuality is the GNSS fix dimensionality reported by the tracker.
type FixQuality int

const (
	FixNone FixQuality = 0
	Fix2D   FixQuality = 2
	Fix3D   FixQuality = 3
)

// RawTelemetryInput is an untrusted, decoded device payload keyed by wire
// field name. Values are whatever the JSON decoder produced; nothing has been
// checked yet.
type RawTelemetryInput map[string]any

// Reading is a validated tracker fix. Every field is within the bounds
// enforced by Validate; code downstream of Validate does not re-check them.
//
// Latitude and longitude are carried together with their hemisphere
// indicators exactly as reported. The indicator is independent of the sign.
type Reading struct {
	FixQuality FixQuality `json:"isFix"`

	GPSSatellites     int `json:"gps_satellite_num"`
	BeidouSatellites  int `json:"beidou_satellite_num"`
	GlonassSatellites int `json:"glonass_satellite_num"`
	GalileoSatellites int `json:"galileo_satellite_num"`

	Latitude    float64 `json:"latitude"`
	NSIndicator string  `json:"NS_indicator"`
	Longitude   float64 `json:"longitude"`
	EWIndicator string  `json:"EW_indicator"`

	Year   int `json:"year"`
	Month  int `json:"month"`
	Day    int `json:"day"`
	Hour   int `json:"hour"`
	Minute int `json:"minute"`
	Second int `json:"second"`

	Altitude float64 `json:"altitude"` // meters
	Speed    float64 `json:"speed"`    // knots
	Course   float64 `json:"course"`   // degrees

	PDOP float64 `json:"PDOP"`
	HDOP float64 `json:"HDOP"`
	VDOP float64 `json:"VDOP"`

	SatellitesInView float64 `json:"GSV"`
	SatellitesUsed   float64 `json:"GSU"`

	BattMillivolts  int `json:"batt_mv"`
	SolarMillivolts int `json:"solar_mv"`
}

// StoredReading is a Reading plus the provenance stamped by the ingestion
// pipeline. It is immutable once appended.
type StoredReading struct {
	Reading

	ID           int64     `json:"id"`
	CredentialID string    `json:"credential_id"`
	RecordedAt   time.Time `json:"recorded_at"`
}
