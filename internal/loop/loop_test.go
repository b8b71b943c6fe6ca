package loop

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"nrgchamp/powercontroller/internal/config"
	"nrgchamp/powercontroller/internal/control"
	"nrgchamp/powercontroller/internal/model"
	"nrgchamp/powercontroller/internal/runplan"
	"nrgchamp/powercontroller/internal/statestore"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type noopSwitcher struct{}

func (noopSwitcher) SetOutput(ctx context.Context, deviceName string, on bool) error { return nil }

func TestTopoOrderPlacesParentsBeforeChildren(t *testing.T) {
	outputs := []config.Output{
		{Name: "pump", ParentOutput: "tank"},
		{Name: "tank"},
		{Name: "valve", ParentOutput: "pump"},
	}
	order := topoOrder(outputs)

	pos := map[string]int{}
	for i, n := range order {
		pos[n] = i
	}
	if pos["tank"] > pos["pump"] {
		t.Fatalf("expected tank before pump, got order %v", order)
	}
	if pos["pump"] > pos["valve"] {
		t.Fatalf("expected pump before valve, got order %v", order)
	}
}

func TestTopoOrderHandlesNoParents(t *testing.T) {
	outputs := []config.Output{{Name: "a"}, {Name: "b"}, {Name: "c"}}
	order := topoOrder(outputs)
	if len(order) != 3 {
		t.Fatalf("expected all three outputs in order, got %v", order)
	}
}

func TestCurrentSlotReturnsMatchingSlot(t *testing.T) {
	now := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	plan := runplan.Plan{Slots: []model.PlanSlot{
		{Start: now.Add(-30 * time.Minute), End: now, Decision: model.DecisionOff, Reason: model.ReasonPriceAboveCeiling},
		{Start: now, End: now.Add(30 * time.Minute), Decision: model.DecisionOn, Reason: model.ReasonPriceBelowCeiling},
	}}
	decision, reason := currentSlot(plan, now)
	if decision != model.DecisionOn || reason != model.ReasonPriceBelowCeiling {
		t.Fatalf("expected the slot starting at now to match, got %v/%v", decision, reason)
	}
}

func TestCurrentSlotFallsBackToOffWhenNoSlotCoversNow(t *testing.T) {
	now := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	decision, reason := currentSlot(runplan.Plan{}, now)
	if decision != model.DecisionOff || reason != model.ReasonConstrainedOff {
		t.Fatalf("expected a safe OFF default, got %v/%v", decision, reason)
	}
}

func TestSameDayComparesCalendarDateOnly(t *testing.T) {
	a := time.Date(2026, 1, 1, 23, 59, 0, 0, time.UTC)
	b := time.Date(2026, 1, 1, 0, 1, 0, 0, time.UTC)
	if !sameDay(a, b) {
		t.Fatal("expected same calendar day regardless of time-of-day")
	}
	c := time.Date(2026, 1, 2, 0, 1, 0, 0, time.UTC)
	if sameDay(a, c) {
		t.Fatal("expected different calendar days to not match")
	}
}

func newTestLoop(t *testing.T, out *config.Output, initial model.OutputState) (*Loop, *control.Controller) {
	cfg := &config.Config{Outputs: []config.Output{*out}, PollingIntervalSecs: 30}
	store := statestore.New(filepath.Join(t.TempDir(), "state.json"), discardLogger())
	initial.Name = out.Name
	store.Put(out.Name, initial)
	ctrl := control.New(&cfg.Outputs[0], noopSwitcher{}, nil, nil, control.Gates{}, discardLogger(), initial)
	controllers := map[string]*control.Controller{out.Name: ctrl}
	l := New(cfg, discardLogger(), nil, nil, nil, store, nil, nil, nil, controllers)
	return l, ctrl
}

func TestPersistAccruesOnSecondsWhileControllerIsOn(t *testing.T) {
	now := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	l, _ := newTestLoop(t, &config.Output{Name: "pump"}, model.OutputState{Relay: model.RelayOn, Day: now, LastChanged: now})

	l.persist("pump", now)
	st, _ := l.store.Get("pump")
	if st.OnSecondsToday != 30 {
		t.Fatalf("expected the polling interval to accrue on the first tick, got %d", st.OnSecondsToday)
	}

	l.persist("pump", now.Add(90*time.Second))
	st, _ = l.store.Get("pump")
	if st.OnSecondsToday != 120 {
		t.Fatalf("expected elapsed wall-clock time to accrue on subsequent ticks, got %d", st.OnSecondsToday)
	}
}

func TestPersistDoesNotAccrueWhileControllerIsOff(t *testing.T) {
	now := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	l, _ := newTestLoop(t, &config.Output{Name: "pump"}, model.OutputState{Relay: model.RelayOff, Day: now, LastChanged: now})

	l.persist("pump", now)
	l.persist("pump", now.Add(90*time.Second))
	st, _ := l.store.Get("pump")
	if st.OnSecondsToday != 0 {
		t.Fatalf("expected no accrual while the controller is OFF, got %d", st.OnSecondsToday)
	}
}

func TestPersistResetsOnSecondsAtMidnightRollover(t *testing.T) {
	day1 := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	out := &config.Output{Name: "pump", TargetHours: 4, MaxShortfallHours: 10}
	l, _ := newTestLoop(t, out, model.OutputState{Relay: model.RelayOn, Day: day1, LastChanged: day1})

	l.persist("pump", day1)

	day2 := time.Date(2026, 1, 2, 1, 0, 0, 0, time.UTC)
	l.persist("pump", day2)

	st, _ := l.store.Get("pump")
	if !sameDay(st.Day, day2) {
		t.Fatalf("expected the stored day to roll over to %v, got %v", day2, st.Day)
	}
	if st.OnSecondsToday != 0 {
		t.Fatalf("expected OnSecondsToday to reset to zero at the day boundary, got %d", st.OnSecondsToday)
	}
}
