// Package derive turns stored tracker readings into presentation-ready
// metrics. Every function is pure; time-dependent results take "now" as an
// argument.
package derive

import (
	"errors"
	"fmt"
	"math"
)

// AccuracyFactor scales HDOP x UERE into the displayed horizontal error
// radius. 1.732 (sqrt 3) is a rough 95% circle approximation, not a rigorous
// R95 derivation from the error distribution.
const AccuracyFactor = 1.732

// KnotsToKmhFactor is the exact knots to km/h conversion.
const KnotsToKmhFactor = 1.852

// Config holds the hardware- and receiver-specific constants of the engine.
type Config struct {
	// UEREMeters is the user equivalent range error: the assumed raw
	// per-satellite ranging error in meters that DOP multiplies.
	UEREMeters float64

	// BatteryEmptyMillivolts and BatteryFullMillivolts are the cell voltages
	// mapped to 0% and 100%.
	BatteryEmptyMillivolts float64
	BatteryFullMillivolts  float64

	// SensorOffsetMillivolts is subtracted from raw battery and solar readings
	// before use. It compensates the tracker's measuring circuit and must be
	// set to 0 for hardware that reports true voltages.
	SensorOffsetMillivolts float64
}

// DefaultConfig returns the constants for the reference tracker hardware.
func DefaultConfig() Config {
	return Config{
		UEREMeters:             7,
		BatteryEmptyMillivolts: 2500,
		BatteryFullMillivolts:  4200,
		SensorOffsetMillivolts: 284,
	}
}

// Validate rejects configurations that would make the derivations undefined.
func (c Config) Validate() error {
	if c.UEREMeters < 0 || math.IsNaN(c.UEREMeters) {
		return fmt.Errorf("uere must be >= 0, got %v", c.UEREMeters)
	}
	if !(c.BatteryFullMillivolts > c.BatteryEmptyMillivolts) {
		return errors.New("battery full reference must be above the empty reference")
	}
	if math.IsNaN(c.SensorOffsetMillivolts) || math.IsInf(c.SensorOffsetMillivolts, 0) {
		return errors.New("sensor offset must be finite")
	}
	return nil
}

// Engine computes derived metrics with a fixed Config. It holds no mutable
// state and is safe for concurrent use.
type Engine struct {
	cfg Config
}

// New returns an Engine for cfg.
func New(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("derive config: %w", err)
	}
	return &Engine{cfg: cfg}, nil
}

// Config returns the engine's configuration.
func (e *Engine) Config() Config { return e.cfg }

// AccuracyRadius returns the approximate horizontal error radius in meters.
func (e *Engine) AccuracyRadius(hdop float64) float64 {
	return AccuracyFactor * hdop * e.cfg.UEREMeters
}

// CorrectedMillivolts removes the sensor offset from a raw voltage reading.
func (e *Engine) CorrectedMillivolts(raw int) float64 {
	return float64(raw) - e.cfg.SensorOffsetMillivolts
}

// BatteryPercent linearly maps the corrected battery voltage between the
// empty and full references, clamped to [0, 100].
func (e *Engine) BatteryPercent(rawMillivolts int) float64 {
	mv := e.CorrectedMillivolts(rawMillivolts)
	span := e.cfg.BatteryFullMillivolts - e.cfg.BatteryEmptyMillivolts
	pct := (mv - e.cfg.BatteryEmptyMillivolts) / span * 100
	return math.Max(0, math.Min(100, pct))
}

// KnotsToKmh converts a speed over ground from knots to km/h.
func KnotsToKmh(knots float64) float64 {
	return knots * KnotsToKmhFactor
}

// Round rounds n to the given number of decimal places for display.
func Round(n float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(n*p) / p
}
