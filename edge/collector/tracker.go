package main

import (
	"math"
	"math/rand"
	"time"

	"github.com/jakobscode/gnss-tracker/pkg/models"
)

// simulator produces a plausible sequence of tracker fixes: a random walk
// around a start position, slowly draining battery, daylight solar input and
// occasional loss of fix.
type simulator struct {
	rng *rand.Rand

	lat, lon  float64 // signed degrees
	altitude  float64
	speedKn   float64
	courseDeg float64
	battMV    float64
}

func newSimulator(rng *rand.Rand, lat, lon float64) *simulator {
	return &simulator{
		rng:       rng,
		lat:       lat,
		lon:       lon,
		altitude:  520,
		courseDeg: rng.Float64() * 360,
		battMV:    4100,
	}
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

// next advances the walk by dt and returns the fix the firmware would report
// at now.
func (s *simulator) next(now time.Time, dt time.Duration) models.Reading {
	s.speedKn = clamp(s.speedKn+s.rng.NormFloat64()*0.8, 0, 30)
	s.courseDeg = math.Mod(s.courseDeg+s.rng.NormFloat64()*15+360, 360)

	// 1 kn = 1852 m/h; ~111 km per degree of latitude.
	meters := s.speedKn * 1852 * dt.Hours()
	rad := s.courseDeg * math.Pi / 180
	s.lat = clamp(s.lat+meters*math.Cos(rad)/111_000, -89.9, 89.9)
	s.lon += meters * math.Sin(rad) / (111_000 * math.Cos(s.lat*math.Pi/180))
	if s.lon > 180 {
		s.lon -= 360
	} else if s.lon < -180 {
		s.lon += 360
	}
	s.altitude = clamp(s.altitude+s.rng.NormFloat64()*2, models.MinAltitude, models.MaxAltitude)

	solar := solarMillivolts(now, s.rng)
	if solar > 4500 {
		s.battMV += 2 * dt.Minutes()
	} else {
		s.battMV -= 0.5 * dt.Minutes()
	}
	s.battMV = clamp(s.battMV, 2600, 4200)

	fix := models.Fix3D
	switch p := s.rng.Float64(); {
	case p < 0.03:
		fix = models.FixNone
	case p < 0.10:
		fix = models.Fix2D
	}

	gps, beidou, glonass, galileo := 4+s.rng.Intn(8), s.rng.Intn(8), s.rng.Intn(8), s.rng.Intn(8)
	used := gps + beidou + glonass + galileo
	hdop := 0.6 + s.rng.Float64()*2.5
	vdop := 0.8 + s.rng.Float64()*3
	if fix == models.FixNone {
		used = s.rng.Intn(3)
		hdop, vdop = 99.99, 99.99
	}
	pdop := math.Sqrt(hdop*hdop + vdop*vdop)

	utc := now.UTC()
	r := models.Reading{
		FixQuality:        fix,
		GPSSatellites:     gps,
		BeidouSatellites:  beidou,
		GlonassSatellites: glonass,
		GalileoSatellites: galileo,
		Latitude:          round6(s.lat),
		NSIndicator:       "N",
		Longitude:         round6(s.lon),
		EWIndicator:       "E",
		Year:              utc.Year(),
		Month:             int(utc.Month()),
		Day:               utc.Day(),
		Hour:              utc.Hour(),
		Minute:            utc.Minute(),
		Second:            utc.Second(),
		Altitude:          math.Round(s.altitude*10) / 10,
		Speed:             math.Round(s.speedKn*10) / 10,
		Course:            math.Round(s.courseDeg*10) / 10,
		PDOP:              math.Round(pdop*100) / 100,
		HDOP:              math.Round(hdop*100) / 100,
		VDOP:              math.Round(vdop*100) / 100,
		SatellitesInView:  float64(used + s.rng.Intn(10)),
		SatellitesUsed:    float64(used),
		BattMillivolts:    int(s.battMV),
		SolarMillivolts:   solar,
	}
	if s.lat < 0 {
		r.NSIndicator = "S"
	}
	if s.lon < 0 {
		r.EWIndicator = "W"
	}
	return r
}

// solarMillivolts follows a crude daylight curve peaking at local noon.
func solarMillivolts(now time.Time, rng *rand.Rand) int {
	h := float64(now.Hour()) + float64(now.Minute())/60
	sun := math.Max(0, math.Sin((h-6)/12*math.Pi))
	v := sun*5800 + rng.Float64()*150
	return int(clamp(v, 0, models.MaxMillivolts))
}

func round6(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}
