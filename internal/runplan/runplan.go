// Package runplan implements the Run-Plan Builder: the
// heart of the PowerController. Given an output's configuration, a
// price forecast (or schedule fallback), today's accumulated runtime
// and the cross-output/environmental constraints, it produces an
// ordered sequence of half-hour slots marked ON/OFF with a reason code.
package runplan

import (
	"math"
	"sort"
	"time"

	"nrgchamp/powercontroller/internal/config"
	"nrgchamp/powercontroller/internal/model"
)

// Status mirrors the original RunPlanner's outcome tagging
// (original_source/src/run_plan.py RunPlanStatus) — kept here for
// observability only; it never changes the WARN-and-continue behaviour
// required when a plan can't meet its required hours.
type Status string

const (
	StatusNothing Status = "NOTHING" // nothing was required (need == 0)
	StatusReady   Status = "READY"   // full required hours planned
	StatusPartial Status = "PARTIAL" // fewer than required, but priority hours met
	StatusFailed  Status = "FAILED"  // could not even meet priority hours
)

// ScheduleEvaluator is the subset of schedule.Evaluator the builder needs.
type ScheduleEvaluator interface {
	InWindow(scheduleName string, at time.Time) (bool, *float64, error)
}

// TempProbeReading is the last known reading for a named probe.
type TempProbeReading struct {
	Value float64
	Stale bool
}

// Input bundles everything the slot-eligibility-then-best-price
// selection algorithm needs for one output, for one tick.
type Input struct {
	Output *config.Output

	Now      time.Time
	Lookback time.Duration
	Horizon  time.Duration

	TodayAccumulatedHours float64
	CarriedShortfallHours float64

	// PriceSeries is the forecast for the output's channel, already
	// resolved (actual price feed, or synthesised fallback — the caller
	// decides which). It must cover the slots being planned; missing
	// slots are treated as ineligible on price grounds.
	PriceSeries []model.PricePoint

	Schedules ScheduleEvaluator

	UPSHealthy *bool // nil == unknown; unknown is NOT unhealthy

	AppOverride *model.AppOverride

	TempProbes map[string]TempProbeReading

	// ParentPlan, if the output has a parent, must already be computed
	// and is keyed by slot start.
	ParentPlan map[int64]model.Decision
}

// Plan is the Run-Plan Builder's output for one output.
type Plan struct {
	Slots  []model.PlanSlot
	Status Status
	// TodayTarget is the resolved target for today (month-overridden, or
	// -1 for "all eligible").
	TodayTarget float64
}

// Build runs the full eligibility-then-best-price planning algorithm
// for one output over the lookback/horizon window in Input.
func Build(in Input) Plan {
	slots := buildSlotGrid(in.Now, in.Lookback, in.Horizon)
	elig := make([]bool, len(slots))
	prices := make([]float64, len(slots))
	haveParentSlot := make([]bool, len(slots))

	priceByStart := indexPrices(in.PriceSeries)

	for i, s := range slots {
		e := evalEligibility(in, s.Start)
		elig[i] = e
		if p, ok := priceByStart[s.Start.Unix()]; ok {
			prices[i] = p.PriceC
		} else {
			prices[i] = math.Inf(1)
		}
		if in.ParentPlan != nil {
			haveParentSlot[i] = in.ParentPlan[s.Start.Unix()] == model.DecisionOn
		}
	}

	todayTarget := resolveTodayTarget(in.Output, in.Now)

	var plan Plan
	plan.TodayTarget = todayTarget

	decisions := make([]model.Decision, len(slots))
	reasons := make([]model.ReasonCode, len(slots))
	for i := range decisions {
		decisions[i] = model.DecisionOff
		if elig[i] {
			reasons[i] = model.ReasonPriceAboveCeiling
		} else {
			reasons[i] = model.ReasonConstrainedOff
		}
	}

	if todayTarget == -1 {
		// "the plan selects every eligible slot whose price <= MaxBestPrice
		// (BestPrice) or whose schedule hit is true (Schedule)" — skips
		// steps 3-5 (need/selection) entirely.
		for i, s := range slots {
			if !elig[i] || isPast(s, in.Now) {
				continue
			}
			switch in.Output.Mode {
			case model.ModeBestPrice:
				if prices[i] <= in.Output.MaxBestPrice {
					decisions[i] = model.DecisionOn
					reasons[i] = model.ReasonPriceBelowCeiling
				}
			case model.ModeSchedule:
				hit, _, err := in.Schedules.InWindow(in.Output.Schedule, s.Start)
				if err == nil && hit {
					decisions[i] = model.DecisionOn
					reasons[i] = model.ReasonScheduleHit
				}
			}
		}
		plan.Status = StatusReady
	} else {
		need := math.Max(0, todayTarget-in.TodayAccumulatedHours) + math.Min(in.CarriedShortfallHours, in.Output.MaxShortfallHours)
		need = math.Min(need, math.Max(0, in.Output.MaxHours-in.TodayAccumulatedHours))

		switch in.Output.Mode {
		case model.ModeBestPrice:
			selected, status := selectBestPrice(slots, elig, prices, haveParentSlot, in.Now, need, in.Output)
			for i, on := range selected {
				if on {
					decisions[i] = model.DecisionOn
					if prices[i] <= in.Output.MaxBestPrice {
						reasons[i] = model.ReasonPriceBelowCeiling
					} else {
						reasons[i] = model.ReasonPriority
					}
				}
			}
			plan.Status = status
		case model.ModeSchedule:
			count := 0.0
			maxSlots := in.Output.MaxHours * 2
			for i, s := range slots {
				if !elig[i] || isPast(s, in.Now) {
					continue
				}
				hit, _, err := in.Schedules.InWindow(in.Output.Schedule, s.Start)
				if err != nil || !hit {
					continue
				}
				if count >= maxSlots {
					break
				}
				decisions[i] = model.DecisionOn
				reasons[i] = model.ReasonScheduleHit
				count += 0.5
			}
			if count <= 0 && need > 0 {
				plan.Status = StatusFailed
			} else if count*1.0 < need {
				plan.Status = StatusPartial
			} else {
				plan.Status = StatusReady
			}
		}
	}

	// Step 6: parent gating is applied by the caller across outputs in
	// topological order, by passing ParentPlan in; apply it here so a
	// single Build call is authoritative for this output.
	if in.ParentPlan != nil {
		for i := range slots {
			if decisions[i] == model.DecisionOn && !haveParentSlot[i] {
				decisions[i] = model.DecisionOff
				reasons[i] = model.ReasonParentGated
			}
		}
	}

	// Step 7: app override forces ON/OFF regardless of eligibility,
	// except DatesOff/UPS=TurnOff which already forced ineligibility
	// above and are not overridden here.
	if in.AppOverride != nil && !in.AppOverride.Expired(in.Now) {
		for i, s := range slots {
			if isDateOff(in.Output, s.Start) || upsForcedOff(in) {
				continue
			}
			decisions[i] = in.AppOverride.Target
			reasons[i] = model.ReasonAppOverride
		}
	}

	plan.Slots = make([]model.PlanSlot, len(slots))
	for i, s := range slots {
		plan.Slots[i] = model.PlanSlot{Start: s.Start, End: s.End, Decision: decisions[i], Reason: reasons[i], PriceC: prices[i]}
	}
	return plan
}

func isDateOff(o *config.Output, at time.Time) bool {
	for _, dr := range o.DatesOff {
		if dr.Contains(at) {
			return true
		}
	}
	return false
}

func upsForcedOff(in Input) bool {
	return in.Output.UPS.ActionIfUnhealthy == model.UPSActionTurnOff && in.UPSHealthy != nil && !*in.UPSHealthy
}

// resolveTodayTarget applies month overrides.
func resolveTodayTarget(o *config.Output, now time.Time) float64 {
	if v, ok := o.MonthlyTargetHours[now.Month()]; ok {
		return v
	}
	return o.TargetHours
}

type gridSlot struct {
	Start time.Time
	End   time.Time
}

// buildSlotGrid partitions [now-lookback, now+horizon) into the
// half-hour grid. The first slot starts at the truncated start instant and
// each later slot starts where the previous one ended (fixed 30-minute
// steps of absolute time), so the grid has no gaps or overlaps, across DST
// transitions included.
func buildSlotGrid(now time.Time, lookback, horizon time.Duration) []gridSlot {
	start := now.Add(-lookback).Truncate(model.SlotDuration)
	end := now.Add(horizon)
	var out []gridSlot
	for t := start; t.Before(end); t = t.Add(model.SlotDuration) {
		out = append(out, gridSlot{Start: t, End: t.Add(model.SlotDuration)})
	}
	return out
}

func isPast(s gridSlot, now time.Time) bool { return s.End.Before(now) || s.End.Equal(now) }

func indexPrices(points []model.PricePoint) map[int64]model.PricePoint {
	m := make(map[int64]model.PricePoint, len(points))
	for _, p := range points {
		m[p.Start.Unix()] = p
	}
	return m
}

// evalEligibility decides whether a single slot is a candidate to run at
// all, before price ranks candidates against each other.
func evalEligibility(in Input, slotStart time.Time) bool {
	o := in.Output

	if isDateOff(o, slotStart) {
		return false
	}
	if upsForcedOff(in) {
		return false
	}
	if o.ConstraintSchedule != "" {
		hit, _, err := in.Schedules.InWindow(o.ConstraintSchedule, slotStart)
		if err != nil || !hit {
			return false
		}
	}
	if o.Mode == model.ModeSchedule {
		hit, _, err := in.Schedules.InWindow(o.Schedule, slotStart)
		if err != nil || !hit {
			return false
		}
	}
	if in.AppOverride != nil && !in.AppOverride.Expired(in.Now) && in.AppOverride.Target == model.DecisionOff {
		return false
	}
	for _, c := range o.TempProbeConstraints {
		reading, ok := in.TempProbes[c.Probe]
		if !ok || reading.Stale {
			// Unknown/stale: eligible only if no other constraint fails,
			// and we've already passed every other check above, so it
			// does not block here.
			continue
		}
		violated := false
		switch c.Condition {
		case model.CondGreaterThan:
			violated = reading.Value > c.Temperature
		case model.CondLessThan:
			violated = reading.Value < c.Temperature
		}
		if violated {
			return false
		}
	}
	return true
}

// selectBestPrice does cheapest-first selection up to `need` half-hours
// at or below MaxBestPrice, then priority-ceiling promotion until
// MinHours is met.
func selectBestPrice(slots []gridSlot, elig []bool, prices []float64, parentOn []bool, now time.Time, need float64, o *config.Output) ([]bool, Status) {
	type idxPrice struct {
		idx   int
		price float64
		start time.Time
		parentOn bool
	}
	var candidates []idxPrice
	for i, s := range slots {
		if !elig[i] || isPast(s, now) {
			continue
		}
		if prices[i] > o.MaxPriorityPrice {
			continue
		}
		candidates = append(candidates, idxPrice{idx: i, price: prices[i], start: s.Start, parentOn: parentOn[i]})
	}

	// Stable sort by (price, start); tie-break earlier slot wins, then
	// parent-available wins.
	sort.SliceStable(candidates, func(a, b int) bool {
		ca, cb := candidates[a], candidates[b]
		if ca.price != cb.price {
			return ca.price < cb.price
		}
		if !ca.start.Equal(cb.start) {
			return ca.start.Before(cb.start)
		}
		return ca.parentOn && !cb.parentOn
	})

	selected := make([]bool, len(slots))
	neededSlots := int(math.Round(need * 2))
	filled := 0
	for _, c := range candidates {
		if filled >= neededSlots {
			break
		}
		if c.price > o.MaxBestPrice {
			continue
		}
		selected[c.idx] = true
		filled++
	}

	minSlots := int(math.Ceil(o.MinHours * 2))
	if filled < minSlots {
		for _, c := range candidates {
			if filled >= minSlots {
				break
			}
			if selected[c.idx] {
				continue
			}
			selected[c.idx] = true
			filled++
		}
	}

	status := StatusReady
	switch {
	case neededSlots == 0 && minSlots == 0:
		status = StatusNothing
	case filled < minSlots:
		status = StatusFailed
	case filled < neededSlots:
		status = StatusPartial
	}
	return selected, status
}

// RolloverShortfall computes the carried shortfall at local midnight:
// newShortfall = clamp(yesterdayTarget - yesterdayActual + oldShortfall,
// 0, maxShortfallHours), reset to 0 when target is -1.
func RolloverShortfall(yesterdayTarget, yesterdayActualHours, oldShortfall, maxShortfallHours float64) float64 {
	if yesterdayTarget == -1 {
		return 0
	}
	v := yesterdayTarget - yesterdayActualHours + oldShortfall
	if v < 0 {
		v = 0
	}
	if v > maxShortfallHours {
		v = maxShortfallHours
	}
	return v
}

// Consolidate merges selected slots across gaps smaller than
// slotGapMinutes and folds runs shorter than slotMinMinutes into a
// neighbour, mirroring original_source/src/run_plan.py's
// _merge_by_gap/_enforce_minimum_slot_length. It only ever turns OFF
// slots ON to bridge a small gap or extend a short run; it never turns
// an ON slot OFF. A zero slotMinMinutes/slotGapMinutes is a no-op.
func Consolidate(slots []model.PlanSlot, slotMinMinutes, slotGapMinutes int) []model.PlanSlot {
	if slotGapMinutes <= 0 && slotMinMinutes <= 0 {
		return slots
	}
	out := make([]model.PlanSlot, len(slots))
	copy(out, slots)

	if slotGapMinutes > 0 {
		bridgeGaps(out, slotGapMinutes)
	}
	if slotMinMinutes > 0 {
		enforceMinRun(out, slotMinMinutes)
	}
	return out
}

func bridgeGaps(slots []model.PlanSlot, gapMinutes int) {
	maxGapSlots := gapMinutes / 30
	if maxGapSlots <= 0 {
		return
	}
	i := 0
	for i < len(slots) {
		if slots[i].Decision != model.DecisionOn {
			i++
			continue
		}
		j := i + 1
		gapCount := 0
		for j < len(slots) && slots[j].Decision != model.DecisionOn && gapCount < maxGapSlots {
			gapCount++
			j++
		}
		if j < len(slots) && slots[j].Decision == model.DecisionOn && gapCount > 0 {
			for k := i + 1; k < j; k++ {
				slots[k].Decision = model.DecisionOn
				slots[k].Reason = slots[i].Reason
			}
		}
		i++
	}
}

func enforceMinRun(slots []model.PlanSlot, minMinutes int) {
	minSlots := (minMinutes + 29) / 30
	i := 0
	for i < len(slots) {
		if slots[i].Decision != model.DecisionOn {
			i++
			continue
		}
		j := i
		for j < len(slots) && slots[j].Decision == model.DecisionOn {
			j++
		}
		runLen := j - i
		if runLen < minSlots {
			extendEnd := i + minSlots
			if extendEnd > len(slots) {
				extendEnd = len(slots)
			}
			for k := j; k < extendEnd; k++ {
				slots[k].Decision = model.DecisionOn
				slots[k].Reason = slots[i].Reason
			}
			j = extendEnd
		}
		i = j
	}
}
