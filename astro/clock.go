// Package astro provides the UTC/MJD/sidereal conversions the scheduler needs
// to reason about calibrator transits at the observatory.
package astro

import (
	"math"

	"github.com/deepsynoptic/mosaicd"
)

// Observatory holds the site geodetics used for local sidereal time.
type Observatory struct {
	Name         string
	LongitudeDeg float64 // east-positive
	LatitudeDeg  float64
}

// OVRO is the default site (Owens Valley Radio Observatory).
var OVRO = Observatory{
	Name:         "OVRO",
	LongitudeDeg: -118.2817,
	LatitudeDeg:  37.2339,
}

// Sidereal rate in degrees of GMST per solar day.
const siderealRateDegPerDay = 360.98564736629

// GMSTDeg returns Greenwich mean sidereal time in degrees at the given MJD (UT).
// IAU 1982 series; good to well under one second of time for this century.
func GMSTDeg(mjd float64) float64 {
	d := mjd - 51544.5 // days since J2000.0
	t := d / 36525.0
	gmst := 280.46061837 + siderealRateDegPerDay*d + 0.000387933*t*t - t*t*t/38710000.0
	return wrap360(gmst)
}

// LSTDeg returns local mean sidereal time in degrees at the observatory.
func (o Observatory) LSTDeg(mjd float64) float64 {
	return wrap360(GMSTDeg(mjd) + o.LongitudeDeg)
}

// TransitMJD returns the MJD at which the local sidereal time equals raDeg,
// nearest to atMJD. The hour angle is wrapped into (-180, +180] before the day
// correction so the result never lands a sidereal day away.
func (o Observatory) TransitMJD(raDeg, atMJD float64) (float64, error) {
	if math.IsNaN(raDeg) || math.IsNaN(atMJD) || math.IsInf(raDeg, 0) || math.IsInf(atMJD, 0) {
		return 0, mosaicd.Errorf(mosaicd.Validation, "transit: bad input ra=%v at=%v", raDeg, atMJD)
	}
	t := atMJD
	// Newton steps on HA(t); the rate is constant so two passes land within
	// microseconds, a third guards the wrap boundary.
	for i := 0; i < 3; i++ {
		ha := wrap180(o.LSTDeg(t) - raDeg)
		t -= ha / siderealRateDegPerDay
	}
	return t, nil
}

// MJDRange returns the window of the given half width centered on mid.
func MJDRange(mid float64, halfWidthSec float64) (start, end float64) {
	half := halfWidthSec / 86400.0
	return mid - half, mid + half
}

func wrap360(deg float64) float64 {
	d := math.Mod(deg, 360.0)
	if d < 0 {
		d += 360.0
	}
	return d
}

// wrap180 folds an angle into (-180, +180].
func wrap180(deg float64) float64 {
	d := math.Mod(deg, 360.0)
	if d > 180.0 {
		d -= 360.0
	}
	if d <= -180.0 {
		d += 360.0
	}
	return d
}
