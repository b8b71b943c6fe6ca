// Package loop wires the Price Cache, Run-Plan Builder, Output
// Controllers and Device Worker into the Control Loop: the single
// goroutine that ticks on the polling interval or on an external wake
// (see Wake). Prices, probe readings, input levels and UPS health are
// read from the snapshots their owners already hold, but a relay change
// a controller makes during a tick is awaited: the tick waits until the
// Device Worker has attempted it, retries and sequence steps included.
package loop

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"nrgchamp/powercontroller/internal/clock"
	"nrgchamp/powercontroller/internal/config"
	"nrgchamp/powercontroller/internal/control"
	"nrgchamp/powercontroller/internal/device"
	"nrgchamp/powercontroller/internal/gpio"
	"nrgchamp/powercontroller/internal/metrics"
	"nrgchamp/powercontroller/internal/model"
	"nrgchamp/powercontroller/internal/priceapi"
	"nrgchamp/powercontroller/internal/runplan"
	"nrgchamp/powercontroller/internal/schedule"
	"nrgchamp/powercontroller/internal/statestore"
)

// UPSHealthSource is fed by the external UPS script collaborator
// over whatever channel the deployment wires (webhook,
// file tail); the loop only ever reads the latest snapshot.
type UPSHealthSource struct {
	mu     sync.RWMutex
	health map[string]model.UPSHealth
}

func NewUPSHealthSource() *UPSHealthSource {
	return &UPSHealthSource{health: map[string]model.UPSHealth{}}
}

func (u *UPSHealthSource) Report(h model.UPSHealth) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.health[h.Name] = h
}

func (u *UPSHealthSource) Healthy(name string) (bool, bool) {
	u.mu.RLock()
	defer u.mu.RUnlock()
	h, ok := u.health[name]
	if !ok || h.Healthy == nil {
		return false, false
	}
	return *h.Healthy, true
}

// Loop is the Control Loop.
type Loop struct {
	cfg    *config.Config
	log    *slog.Logger
	clock  clock.Clock
	prices *priceapi.Cache
	sched  *schedule.Evaluator
	store  *statestore.Store
	devs   *device.Worker
	input  *gpio.Poller
	ups    *UPSHealthSource

	wake chan struct{}

	mu          sync.RWMutex
	controllers map[string]*control.Controller
	plans       map[string]runplan.Plan
	order       []string // topological, parents before children
	lastTick    map[string]time.Time
}

// New wires a Loop. Controllers must already be constructed by the
// caller (they need Device Worker/sequence.Runner references this
// package does not own) and are supplied keyed by output name.
func New(cfg *config.Config, log *slog.Logger, clk clock.Clock, prices *priceapi.Cache, sched *schedule.Evaluator, store *statestore.Store, devs *device.Worker, input *gpio.Poller, ups *UPSHealthSource, controllers map[string]*control.Controller) *Loop {
	return &Loop{
		cfg:         cfg,
		log:         log.With("component", "loop"),
		clock:       clk,
		prices:      prices,
		sched:       sched,
		store:       store,
		devs:        devs,
		input:       input,
		ups:         ups,
		wake:        make(chan struct{}, 1),
		controllers: controllers,
		plans:       map[string]runplan.Plan{},
		order:       topoOrder(cfg.Outputs),
		lastTick:    map[string]time.Time{},
	}
}

// Wake schedules an out-of-cycle tick. Its callers are the HTTP override
// and refresh handlers and the periodic price refresh in
// cmd/powercontrolld; device events and UPS reports do not call it. It
// never blocks the caller.
func (l *Loop) Wake() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Run ticks until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) {
	interval := time.Duration(l.cfg.PollingIntervalSecs) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	l.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			l.log.Info("loop_stopping")
			return
		case <-ticker.C:
			l.tick(ctx)
		case <-l.wake:
			l.tick(ctx)
		}
	}
}

func (l *Loop) tick(ctx context.Context) {
	now := l.clock.Now()
	metrics.LoopIterations.Inc()
	metrics.ControllerState.Reset()

	for _, name := range l.order {
		out, ok := l.cfg.FindOutput(name)
		if !ok {
			continue
		}
		plan := l.buildPlan(out, now)

		l.mu.Lock()
		l.plans[name] = plan
		l.mu.Unlock()

		metrics.PlanRebuilds.WithLabelValues(name, string(plan.Status)).Inc()

		ctrl, ok := l.controllers[name]
		if !ok {
			continue
		}
		decision, reason := currentSlot(plan, now)
		if err := ctrl.Tick(ctx, now, decision, reason); err != nil {
			l.log.Error("controller_tick_failed", "output", name, "error", err)
		}
		metrics.ControllerState.WithLabelValues(name, string(ctrl.State())).Set(1)

		l.persist(name, now)
	}
}

func currentSlot(plan runplan.Plan, now time.Time) (model.Decision, model.ReasonCode) {
	for _, s := range plan.Slots {
		if !now.Before(s.Start) && now.Before(s.End) {
			return s.Decision, s.Reason
		}
	}
	return model.DecisionOff, model.ReasonConstrainedOff
}

func (l *Loop) buildPlan(out *config.Output, now time.Time) runplan.Plan {
	st, _ := l.store.Get(out.Name)

	var parentPlan map[int64]model.Decision
	if out.ParentOutput != "" {
		l.mu.RLock()
		if pp, ok := l.plans[out.ParentOutput]; ok {
			parentPlan = map[int64]model.Decision{}
			for _, s := range pp.Slots {
				parentPlan[s.Start.Unix()] = s.Decision
			}
		}
		l.mu.RUnlock()
	}

	in := runplan.Input{
		Output:                out,
		Now:                   now,
		Lookback:              2 * time.Hour,
		Horizon:               36 * time.Hour,
		TodayAccumulatedHours: float64(st.OnSecondsToday) / 3600.0,
		CarriedShortfallHours: st.CarriedShortfallHrs,
		PriceSeries:           l.prices.Forecast(out.PriceChannel, now.Add(-2*time.Hour), now.Add(36*time.Hour), l.sched, out.Schedule),
		Schedules:             l.sched,
		AppOverride:           st.Override,
		TempProbes:            l.tempProbeSnapshot(out),
		ParentPlan:            parentPlan,
	}
	if out.UPS.UPSName != "" {
		healthy, known := l.ups.Healthy(out.UPS.UPSName)
		if known {
			in.UPSHealthy = &healthy
		}
	}

	plan := runplan.Build(in)
	plan.Slots = runplan.Consolidate(plan.Slots, out.MinOnMinutes, 0)
	return plan
}

func (l *Loop) tempProbeSnapshot(out *config.Output) map[string]runplan.TempProbeReading {
	if len(out.TempProbeConstraints) == 0 || l.devs == nil {
		return nil
	}
	readings := map[string]runplan.TempProbeReading{}
	for _, c := range out.TempProbeConstraints {
		r, err := l.devs.ReadTemp(context.Background(), c.Probe)
		if err != nil {
			readings[c.Probe] = runplan.TempProbeReading{Stale: true}
			continue
		}
		readings[c.Probe] = runplan.TempProbeReading{Value: r.Celsius, Stale: l.devs.IsStale(r.At)}
	}
	return readings
}

func (l *Loop) persist(name string, now time.Time) {
	ctrl := l.controllers[name]
	state := ctrl.State()
	st, _ := l.store.Get(name)
	st.Name = name

	l.mu.Lock()
	last, known := l.lastTick[name]
	l.lastTick[name] = now
	l.mu.Unlock()
	if state == control.StateOn {
		elapsed := time.Duration(l.cfg.PollingIntervalSecs) * time.Second
		if known && now.After(last) {
			elapsed = now.Sub(last)
		}
		st.OnSecondsToday += int64(elapsed.Seconds())
		st.Relay = model.RelayOn
	} else if state == control.StateOff {
		st.Relay = model.RelayOff
	}
	if !sameDay(st.Day, now) {
		out, _ := l.cfg.FindOutput(name)
		target := out.TargetHours
		if v, ok := out.MonthlyTargetHours[now.Month()]; ok {
			target = v
		}
		st.CarriedShortfallHrs = runplan.RolloverShortfall(target, float64(st.OnSecondsToday)/3600.0, st.CarriedShortfallHrs, out.MaxShortfallHours)
		st.OnSecondsToday = 0
		st.Day = now
	}
	st.Override = ctrl.AppOverride()
	l.store.Put(name, st)
	metrics.OutputOnSeconds.WithLabelValues(name).Set(float64(st.OnSecondsToday))
	if err := l.store.Flush(); err != nil {
		l.log.Error("state_flush_failed", "error", err)
	}
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

// Snapshot returns a copy of the latest run plan for every output, for
// the HTTP status surface; controller state is read separately via
// Controller.
func (l *Loop) Snapshot() map[string]runplan.Plan {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[string]runplan.Plan, len(l.plans))
	for k, v := range l.plans {
		out[k] = v
	}
	return out
}

func (l *Loop) Controller(name string) (*control.Controller, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	c, ok := l.controllers[name]
	return c, ok
}

// topoOrder returns output names ordered so every parent precedes its
// children.
func topoOrder(outputs []config.Output) []string {
	parentOf := make(map[string]string, len(outputs))
	for _, o := range outputs {
		parentOf[o.Name] = o.ParentOutput
	}
	depth := func(name string) int {
		d := 0
		for cur := parentOf[name]; cur != ""; cur = parentOf[cur] {
			d++
			if d > len(outputs) {
				break // cycle guard; Validate() already rejects cycles
			}
		}
		return d
	}
	names := make([]string, len(outputs))
	for i, o := range outputs {
		names[i] = o.Name
	}
	depths := make(map[string]int, len(names))
	for _, n := range names {
		depths[n] = depth(n)
	}
	for i := 1; i < len(names); i++ {
		for j := i; j > 0 && depths[names[j-1]] > depths[names[j]]; j-- {
			names[j-1], names[j] = names[j], names[j-1]
		}
	}
	return names
}
