package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
)

// Bounds applied by Validate.
const (
	MaxSatelliteCount = 65535
	MinYear           = 2000
	MaxYear           = 2100
	MinAltitude       = -1000.0
	MaxAltitude       = 20000.0
	MaxMillivolts     = 100000
)

// DecodeRaw parses a device payload into a RawTelemetryInput. Anything that is
// not exactly one JSON object yields ErrMalformedPayload. Numbers are kept as
// json.Number so that integral checks see the literal the device sent.
func DecodeRaw(data []byte) (RawTelemetryInput, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var raw RawTelemetryInput
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if raw == nil {
		return nil, fmt.Errorf("%w: payload is null", ErrMalformedPayload)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("%w: trailing data after object", ErrMalformedPayload)
	}
	return raw, nil
}

// Validate checks every field of raw independently and returns the validated
// reading, or a *ValidationError listing one issue per offending field.
// Values are never coerced: a string where a number is expected is an issue.
//
// Calendar fields are range-checked one by one only. Day 31 in April passes.
func Validate(raw RawTelemetryInput) (Reading, error) {
	c := &checker{raw: raw}
	r := Reading{
		FixQuality: c.fixQuality("isFix"),

		GPSSatellites:     c.intIn("gps_satellite_num", 0, MaxSatelliteCount),
		BeidouSatellites:  c.intIn("beidou_satellite_num", 0, MaxSatelliteCount),
		GlonassSatellites: c.intIn("glonass_satellite_num", 0, MaxSatelliteCount),
		GalileoSatellites: c.intIn("galileo_satellite_num", 0, MaxSatelliteCount),

		Latitude:    c.numberIn("latitude", -90, 90),
		NSIndicator: c.oneOf("NS_indicator", "N", "S"),
		Longitude:   c.numberIn("longitude", -180, 180),
		EWIndicator: c.oneOf("EW_indicator", "E", "W"),

		Year:   c.intIn("year", MinYear, MaxYear),
		Month:  c.intIn("month", 1, 12),
		Day:    c.intIn("day", 1, 31),
		Hour:   c.intIn("hour", 0, 23),
		Minute: c.intIn("minute", 0, 59),
		Second: c.intIn("second", 0, 59),

		Altitude: c.numberIn("altitude", MinAltitude, MaxAltitude),
		Speed:    c.numberMin("speed", 0),
		Course:   c.numberIn("course", 0, 360),

		PDOP: c.numberMin("PDOP", 0),
		HDOP: c.numberMin("HDOP", 0),
		VDOP: c.numberMin("VDOP", 0),

		SatellitesInView: c.numberMin("GSV", 0),
		SatellitesUsed:   c.numberMin("GSU", 0),

		BattMillivolts:  c.intIn("batt_mv", 0, MaxMillivolts),
		SolarMillivolts: c.intIn("solar_mv", 0, MaxMillivolts),
	}
	if len(c.issues) > 0 {
		return Reading{}, &ValidationError{Issues: c.issues}
	}
	return r, nil
}

// checker collects issues; each method records at most one issue per field.
type checker struct {
	raw    RawTelemetryInput
	issues []Issue
}

func (c *checker) fail(field, reason string) {
	c.issues = append(c.issues, Issue{Field: field, Reason: reason})
}

func (c *checker) number(field string) (float64, bool) {
	v, ok := c.raw[field]
	if !ok {
		c.fail(field, "required")
		return 0, false
	}
	f, ok := toFloat(v)
	if !ok {
		c.fail(field, "expected number")
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		c.fail(field, "expected finite number")
		return 0, false
	}
	return f, true
}

func (c *checker) numberIn(field string, lo, hi float64) float64 {
	f, ok := c.number(field)
	if !ok {
		return 0
	}
	if f < lo || f > hi {
		c.fail(field, fmt.Sprintf("must be between %g and %g", lo, hi))
		return 0
	}
	return f
}

func (c *checker) numberMin(field string, lo float64) float64 {
	f, ok := c.number(field)
	if !ok {
		return 0
	}
	if f < lo {
		c.fail(field, fmt.Sprintf("must be >= %g", lo))
		return 0
	}
	return f
}

func (c *checker) intIn(field string, lo, hi int) int {
	f, ok := c.number(field)
	if !ok {
		return 0
	}
	if f != math.Trunc(f) {
		c.fail(field, "expected integer")
		return 0
	}
	if f < float64(lo) || f > float64(hi) {
		c.fail(field, fmt.Sprintf("must be between %d and %d", lo, hi))
		return 0
	}
	return int(f)
}

func (c *checker) oneOf(field string, allowed ...string) string {
	v, ok := c.raw[field]
	if !ok {
		c.fail(field, "required")
		return ""
	}
	s, ok := v.(string)
	if ok {
		for _, a := range allowed {
			if s == a {
				return s
			}
		}
	}
	c.fail(field, "expected one of "+strings.Join(allowed, ", "))
	return ""
}

func (c *checker) fixQuality(field string) FixQuality {
	if _, ok := c.raw[field]; !ok {
		c.fail(field, "required")
		return FixNone
	}
	f, ok := toFloat(c.raw[field])
	switch {
	case ok && f == float64(FixNone):
		return FixNone
	case ok && f == float64(Fix2D):
		return Fix2D
	case ok && f == float64(Fix3D):
		return Fix3D
	}
	c.fail(field, "expected one of 0, 2, 3")
	return FixNone
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := strconv.ParseFloat(string(n), 64)
		if err != nil {
			// Out-of-range literals parse to ±Inf with an error; surface them
			// as non-finite rather than as a type mismatch.
			if ne, ok := err.(*strconv.NumError); ok && ne.Err == strconv.ErrRange {
				return f, true
			}
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}
