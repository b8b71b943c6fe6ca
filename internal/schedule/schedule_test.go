package schedule

import (
	"testing"
	"time"

	"nrgchamp/powercontroller/internal/config"
)

type fixedEphemeris struct{ dawn, dusk time.Time }

func (f fixedEphemeris) Dawn(time.Time) time.Time { return f.dawn }
func (f fixedEphemeris) Dusk(time.Time) time.Time { return f.dusk }

func mustEvaluator(t *testing.T, schedules []config.Schedule) *Evaluator {
	e, err := New(fixedEphemeris{}, schedules)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e
}

func TestInWindowSimpleDailyWindow(t *testing.T) {
	price := 5.0
	e := mustEvaluator(t, []config.Schedule{{
		Name: "night",
		Windows: []config.ScheduleWindow{
			{StartTime: "22:00", EndTime: "23:00", DaysOfWeek: "All", Price: &price},
		},
	}})

	at := time.Date(2026, 1, 5, 22, 30, 0, 0, time.UTC)
	hit, p, err := e.InWindow("night", at)
	if err != nil {
		t.Fatalf("InWindow: %v", err)
	}
	if !hit {
		t.Fatal("expected hit inside window")
	}
	if p == nil || *p != price {
		t.Fatalf("expected price %v, got %v", price, p)
	}

	outside := time.Date(2026, 1, 5, 23, 30, 0, 0, time.UTC)
	hit, _, err = e.InWindow("night", outside)
	if err != nil {
		t.Fatalf("InWindow: %v", err)
	}
	if hit {
		t.Fatal("expected no hit outside window")
	}
}

func TestInWindowMidnightWrap(t *testing.T) {
	e := mustEvaluator(t, []config.Schedule{{
		Name: "overnight",
		Windows: []config.ScheduleWindow{
			{StartTime: "23:00", EndTime: "06:00", DaysOfWeek: "All"},
		},
	}})

	late := time.Date(2026, 1, 5, 23, 30, 0, 0, time.UTC)
	if hit, _, err := e.InWindow("overnight", late); err != nil || !hit {
		t.Fatalf("expected hit late at night, hit=%v err=%v", hit, err)
	}

	early := time.Date(2026, 1, 6, 2, 0, 0, 0, time.UTC)
	if hit, _, err := e.InWindow("overnight", early); err != nil || !hit {
		t.Fatalf("expected hit in early morning tail of wrapped window, hit=%v err=%v", hit, err)
	}

	midday := time.Date(2026, 1, 6, 12, 0, 0, 0, time.UTC)
	if hit, _, err := e.InWindow("overnight", midday); err != nil || hit {
		t.Fatalf("expected no hit midday, hit=%v err=%v", hit, err)
	}
}

func TestInWindowTiesReturnLowestPrice(t *testing.T) {
	low, high := 3.0, 9.0
	e := mustEvaluator(t, []config.Schedule{{
		Name: "overlap",
		Windows: []config.ScheduleWindow{
			{StartTime: "10:00", EndTime: "14:00", DaysOfWeek: "All", Price: &high},
			{StartTime: "12:00", EndTime: "16:00", DaysOfWeek: "All", Price: &low},
		},
	}})

	at := time.Date(2026, 1, 5, 13, 0, 0, 0, time.UTC)
	hit, p, err := e.InWindow("overlap", at)
	if err != nil || !hit {
		t.Fatalf("expected hit, hit=%v err=%v", hit, err)
	}
	if p == nil || *p != low {
		t.Fatalf("expected lowest overlapping price %v, got %v", low, p)
	}
}

func TestInWindowUnknownScheduleErrors(t *testing.T) {
	e := mustEvaluator(t, nil)
	if _, _, err := e.InWindow("missing", time.Now()); err == nil {
		t.Fatal("expected error for unknown schedule")
	}
}

func TestInWindowDawnDusk(t *testing.T) {
	dawn := time.Date(2026, 6, 1, 6, 15, 0, 0, time.UTC)
	dusk := time.Date(2026, 6, 1, 20, 45, 0, 0, time.UTC)
	e, err := New(fixedEphemeris{dawn: dawn, dusk: dusk}, []config.Schedule{{
		Name: "daylight",
		Windows: []config.ScheduleWindow{{StartTime: "dawn", EndTime: "dusk", DaysOfWeek: "All"}},
	}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if hit, _, err := e.InWindow("daylight", dawn.Add(time.Hour)); err != nil || !hit {
		t.Fatalf("expected hit between dawn and dusk, hit=%v err=%v", hit, err)
	}
	if hit, _, err := e.InWindow("daylight", dusk.Add(time.Hour)); err != nil || hit {
		t.Fatalf("expected no hit after dusk, hit=%v err=%v", hit, err)
	}
}
