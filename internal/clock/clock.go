// Package clock provides the monotonic/wall-clock time source and the
// dawn/dusk ephemeris used by the Schedule Evaluator. A sun-position
// library proper is an external collaborator; this package implements a
// self-contained NOAA-style approximation so dawn/dusk resolve to
// something real without that dependency, behind a narrow
// interface a caller can swap out.
package clock

import (
	"math"
	"time"
)

// Clock is the time source the rest of the system depends on, so tests
// can substitute a fixed instant instead of wall-clock time.
type Clock interface {
	Now() time.Time
}

// Real is the production Clock, backed by time.Now in a fixed location.
type Real struct {
	Loc *time.Location
}

func NewReal(loc *time.Location) Real { return Real{Loc: loc} }

func (r Real) Now() time.Time { return time.Now().In(r.Loc) }

// Ephemeris resolves the symbolic "dawn"/"dusk" schedule times to
// concrete local times for a given calendar date.
type Ephemeris interface {
	Dawn(date time.Time) time.Time
	Dusk(date time.Time) time.Time
}

// SolarEphemeris computes dawn (sunrise) and dusk (sunset) for a fixed
// latitude/longitude using the standard low-precision solar position
// algorithm (Meeus-derived approximation, accurate to a few minutes,
// which is all a schedule window boundary needs).
type SolarEphemeris struct {
	Latitude  float64
	Longitude float64
	Loc       *time.Location
}

func NewSolarEphemeris(lat, lon float64, loc *time.Location) SolarEphemeris {
	return SolarEphemeris{Latitude: lat, Longitude: lon, Loc: loc}
}

func (e SolarEphemeris) Dawn(date time.Time) time.Time {
	return e.sunEvent(date, true)
}

func (e SolarEphemeris) Dusk(date time.Time) time.Time {
	return e.sunEvent(date, false)
}

// sunEvent returns local sunrise (rising=true) or sunset (rising=false)
// for the given date at the configured lat/long.
func (e SolarEphemeris) sunEvent(date time.Time, rising bool) time.Time {
	y, m, d := date.Date()
	midnightUTC := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	dayOfYear := float64(midnightUTC.YearDay())

	zenith := 90.833 // official sunrise/sunset zenith, degrees
	lngHour := e.Longitude / 15.0

	var t float64
	if rising {
		t = dayOfYear + ((6 - lngHour) / 24)
	} else {
		t = dayOfYear + ((18 - lngHour) / 24)
	}

	meanAnomaly := (0.9856 * t) - 3.289
	trueLong := meanAnomaly + (1.916 * sinDeg(meanAnomaly)) + (0.020 * sinDeg(2*meanAnomaly)) + 282.634
	trueLong = normalizeDegrees(trueLong)

	rightAscension := atanDeg(0.91764 * tanDeg(trueLong))
	rightAscension = normalizeDegrees(rightAscension)
	rightAscension += (math.Floor(trueLong/90) * 90) - (math.Floor(rightAscension/90) * 90)
	rightAscension /= 15

	sinDecl := 0.39782 * sinDeg(trueLong)
	cosDecl := cosDeg(asinDeg(sinDecl))

	cosH := (cosDeg(zenith) - (sinDecl * sinDeg(e.Latitude))) / (cosDecl * cosDeg(e.Latitude))
	if cosH > 1 || cosH < -1 {
		// Sun never rises/sets on this date at this latitude; fall back
		// to a fixed 06:00/18:00 local so callers still get a usable
		// window boundary rather than a zero time.
		hour := 6
		if !rising {
			hour = 18
		}
		return time.Date(y, m, d, hour, 0, 0, 0, e.Loc)
	}

	var h float64
	if rising {
		h = 360 - acosDeg(cosH)
	} else {
		h = acosDeg(cosH)
	}
	h /= 15

	localMeanTime := h + rightAscension - (0.06571 * t) - 6.622
	utcTime := localMeanTime - lngHour
	utcTime = math.Mod(utcTime+24, 24)

	hour := int(utcTime)
	minute := int((utcTime - float64(hour)) * 60)
	sec := int((((utcTime - float64(hour)) * 60) - float64(minute)) * 60)

	result := time.Date(y, m, d, hour, minute, sec, 0, time.UTC)
	return result.In(e.Loc)
}

func sinDeg(deg float64) float64  { return math.Sin(deg * math.Pi / 180) }
func cosDeg(deg float64) float64  { return math.Cos(deg * math.Pi / 180) }
func tanDeg(deg float64) float64  { return math.Tan(deg * math.Pi / 180) }
func asinDeg(x float64) float64   { return math.Asin(x) * 180 / math.Pi }
func acosDeg(x float64) float64   { return math.Acos(x) * 180 / math.Pi }
func atanDeg(x float64) float64   { return math.Atan(x) * 180 / math.Pi }
func normalizeDegrees(deg float64) float64 {
	for deg < 0 {
		deg += 360
	}
	for deg >= 360 {
		deg -= 360
	}
	return deg
}
