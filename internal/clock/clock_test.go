package clock

import (
	"testing"
	"time"
)

func TestSolarEphemerisDawnPrecedesDusk(t *testing.T) {
	loc := time.UTC
	e := NewSolarEphemeris(51.5, -0.12, loc) // London
	date := time.Date(2026, 6, 21, 0, 0, 0, 0, loc)

	dawn := e.Dawn(date)
	dusk := e.Dusk(date)
	if !dawn.Before(dusk) {
		t.Fatalf("expected dawn before dusk on a normal day, got dawn=%v dusk=%v", dawn, dusk)
	}
}

func TestSolarEphemerisSummerDaysAreLongerThanWinter(t *testing.T) {
	loc := time.UTC
	e := NewSolarEphemeris(51.5, -0.12, loc)

	summer := time.Date(2026, 6, 21, 0, 0, 0, 0, loc)
	winter := time.Date(2026, 12, 21, 0, 0, 0, 0, loc)

	summerDaylight := e.Dusk(summer).Sub(e.Dawn(summer))
	winterDaylight := e.Dusk(winter).Sub(e.Dawn(winter))

	if summerDaylight <= winterDaylight {
		t.Fatalf("expected longer daylight in June than December at this latitude, got summer=%v winter=%v", summerDaylight, winterDaylight)
	}
}

func TestSolarEphemerisHandlesPolarDayWithoutPanicking(t *testing.T) {
	loc := time.UTC
	e := NewSolarEphemeris(78.0, 15.0, loc) // Svalbard, midsummer
	date := time.Date(2026, 6, 21, 0, 0, 0, 0, loc)

	dawn := e.Dawn(date)
	dusk := e.Dusk(date)
	if dawn.IsZero() || dusk.IsZero() {
		t.Fatal("expected a fallback time even when the sun never sets")
	}
}

func TestRealClockReflectsConfiguredLocation(t *testing.T) {
	loc, err := time.LoadLocation("UTC")
	if err != nil {
		t.Fatalf("LoadLocation: %v", err)
	}
	r := NewReal(loc)
	if r.Now().Location().String() != loc.String() {
		t.Fatalf("expected Now() to report the configured location, got %v", r.Now().Location())
	}
}
