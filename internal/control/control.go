// Package control implements the Output Controller: the
// per-output state machine that turns a Run-Plan Builder decision into
// an actual relay command, honouring anti-chatter timers, parent
// gating, input-pin/UPS/temperature-probe gates, and app overrides.
package control

import (
	"context"
	"log/slog"
	"time"

	"nrgchamp/powercontroller/internal/config"
	"nrgchamp/powercontroller/internal/model"
	"nrgchamp/powercontroller/internal/sequence"
)

// State is one node of the controller's state machine.
type State string

const (
	StateOff        State = "OFF"
	StateOn         State = "ON"
	StateTurningOn  State = "TURNING_ON"
	StateTurningOff State = "TURNING_OFF"
	StateLockedOn   State = "LOCKED_ON"
	StateLockedOff  State = "LOCKED_OFF"
	StateFault      State = "FAULT"
)

// Switcher is the subset of the Device Worker a controller drives
// directly (outside of sequences, which go through sequence.Runner).
type Switcher interface {
	SetOutput(ctx context.Context, deviceName string, on bool) error
}

// Gates bundles the environmental signals a controller consults every
// tick but does not own.
type Gates struct {
	InputLevel   func(line string) (level bool, known bool)
	UPSHealthy   func(name string) (healthy bool, known bool)
	ParentOn     func(parentOutput string) (on bool, known bool)
	TempProbe    func(probe string) (celsius float64, stale bool, known bool)
}

// Controller owns one output's state machine and its timers.
type Controller struct {
	name string
	cfg  *config.Output
	log  *slog.Logger

	switcher Switcher
	runner   *sequence.Runner
	resolveSequence func(name string) (config.Sequence, bool)
	gates    Gates

	state       State
	lastChanged time.Time
	appOverride *model.AppOverride
}

func New(cfg *config.Output, switcher Switcher, runner *sequence.Runner, resolveSequence func(name string) (config.Sequence, bool), gates Gates, log *slog.Logger, initial model.OutputState) *Controller {
	c := &Controller{
		name:     cfg.Name,
		cfg:      cfg,
		log:      log.With("component", "control", "output", cfg.Name),
		switcher: switcher,
		runner:   runner,
		resolveSequence: resolveSequence,
		gates:    gates,
		state:    relayToState(initial.Relay),
		lastChanged: initial.LastChanged,
		appOverride: initial.Override,
	}
	return c
}

func relayToState(r model.RelayState) State {
	switch r {
	case model.RelayOn:
		return StateOn
	case model.RelayOff:
		return StateOff
	default:
		return StateFault
	}
}

// State returns the controller's current state, for status reporting.
func (c *Controller) State() State { return c.state }

// SetAppOverride installs a forced target with optional expiry. A nil
// target clears it.
func (c *Controller) SetAppOverride(ov *model.AppOverride) { c.appOverride = ov }

// AppOverride returns the controller's active override, or nil.
func (c *Controller) AppOverride() *model.AppOverride { return c.appOverride }

// Tick evaluates the desired decision from the run plan against every
// gate and timer, and drives at most one state transition. The gating
// order is: app override re-check, then input pin, then the MaxOffMinutes
// forced-exercise override, then parent/UPS/temperature-probe safety
// trips (which can still veto a forced exercise), then anti-chatter
// timers against the resulting decision.
func (c *Controller) Tick(ctx context.Context, now time.Time, planDecision model.Decision, planReason model.ReasonCode) error {
	if c.state == StateFault || c.state == StateLockedOn || c.state == StateLockedOff {
		// FAULT and LOCKED_* stay put until an operator intervenes
		// (ClearFault/Unlock); the control loop never overrides either
		// from the plan.
		return nil
	}

	if c.appOverride != nil {
		if c.appOverride.Expired(now) {
			c.log.Info("app_override_expired")
			c.appOverride = nil
		} else {
			planDecision = c.appOverride.Target
			planReason = model.ReasonAppOverride
		}
	}

	if desired, known := c.inputPinOverride(); known {
		planDecision = desired
		planReason = model.ReasonForcedOff
		if desired == model.DecisionOn {
			planReason = model.ReasonPriority
		}
	}

	if c.MaxOffExceeded(now) {
		planDecision = model.DecisionOn
		planReason = model.ReasonMaxOffExercise
	}

	if c.cfg.ParentOutput != "" && c.gates.ParentOn != nil {
		if on, known := c.gates.ParentOn(c.cfg.ParentOutput); known && !on && planDecision == model.DecisionOn {
			planDecision = model.DecisionOff
			planReason = model.ReasonParentGated
		}
	}

	if c.cfg.UPS.UPSName != "" && c.cfg.UPS.ActionIfUnhealthy == model.UPSActionTurnOff && c.gates.UPSHealthy != nil {
		if healthy, known := c.gates.UPSHealthy(c.cfg.UPS.UPSName); known && !healthy {
			planDecision = model.DecisionOff
			planReason = model.ReasonForcedOff
		}
	}

	if breach, known := c.tempProbeBreach(); known && breach {
		planDecision = model.DecisionOff
		planReason = model.ReasonForcedOff
	}

	want := c.state == StateOn || c.state == StateTurningOn
	wantNext := planDecision == model.DecisionOn

	if wantNext == want {
		return nil // no transition needed
	}

	if wantNext && !want {
		return c.turnOn(ctx, now)
	}
	return c.turnOff(ctx, now)
}

func (c *Controller) inputPinOverride() (model.Decision, bool) {
	if c.cfg.DeviceInputMode == model.InputIgnore || c.cfg.DeviceInput == "" || c.gates.InputLevel == nil {
		return "", false
	}
	level, known := c.gates.InputLevel(c.cfg.DeviceInput)
	if !known {
		return "", false
	}
	switch c.cfg.DeviceInputMode {
	case model.InputTurnOn:
		if level {
			return model.DecisionOn, true
		}
	case model.InputTurnOff:
		if level {
			return model.DecisionOff, true
		}
	}
	return "", false
}

// tempProbeBreach reports whether any of the output's temperature-probe
// constraints is currently violated against a live (non-stale) reading.
// This is a faster trip than waiting for the next plan rebuild to mark
// the slot ineligible.
func (c *Controller) tempProbeBreach() (bool, bool) {
	if c.gates.TempProbe == nil {
		return false, false
	}
	known := false
	for _, cons := range c.cfg.TempProbeConstraints {
		celsius, stale, ok := c.gates.TempProbe(cons.Probe)
		if !ok || stale {
			continue
		}
		known = true
		switch cons.Condition {
		case model.CondGreaterThan:
			if celsius > cons.Temperature {
				return true, true
			}
		case model.CondLessThan:
			if celsius < cons.Temperature {
				return true, true
			}
		}
	}
	return false, known
}

// turnOn applies MinOffTime (can't leave OFF early) and anti-chatter
// into a relay command or a TurnOnSequence.
func (c *Controller) turnOn(ctx context.Context, now time.Time) error {
	if c.cfg.MinOffMinutes > 0 && c.sinceChanged(now) < time.Duration(c.cfg.MinOffMinutes)*time.Minute {
		c.log.Debug("min_off_time_holding", "remaining", (time.Duration(c.cfg.MinOffMinutes)*time.Minute - c.sinceChanged(now)).String())
		return nil
	}
	c.state = StateTurningOn
	if err := c.runSequenceOrSwitch(ctx, c.cfg.TurnOnSequence, true); err != nil {
		c.log.Error("turn_on_failed", "error", err)
		c.state = StateFault
		return err
	}
	c.state = StateOn
	c.lastChanged = now
	return nil
}

// turnOff applies MinOnTime (can't leave ON early) before committing to
// a relay command or a TurnOffSequence. The MaxOffMinutes forced turn-on
// is handled in Tick, not here.
func (c *Controller) turnOff(ctx context.Context, now time.Time) error {
	if c.cfg.MinOnMinutes > 0 && c.sinceChanged(now) < time.Duration(c.cfg.MinOnMinutes)*time.Minute {
		c.log.Debug("min_on_time_holding", "remaining", (time.Duration(c.cfg.MinOnMinutes)*time.Minute - c.sinceChanged(now)).String())
		return nil
	}
	c.state = StateTurningOff
	if err := c.runSequenceOrSwitch(ctx, c.cfg.TurnOffSequence, false); err != nil {
		c.log.Error("turn_off_failed", "error", err)
		c.state = StateFault
		return err
	}
	c.state = StateOff
	c.lastChanged = now
	return nil
}

// MaxOffExceeded reports whether the output has exceeded MaxOffMinutes
// while OFF. Tick treats this as a forced ON regardless of plan/price,
// subject to the safety gates (parent, UPS, temperature probe) that run
// after it.
func (c *Controller) MaxOffExceeded(now time.Time) bool {
	return c.cfg.MaxOffMinutes > 0 && c.state == StateOff && c.sinceChanged(now) >= time.Duration(c.cfg.MaxOffMinutes)*time.Minute
}

func (c *Controller) sinceChanged(now time.Time) time.Duration {
	if c.lastChanged.IsZero() {
		return time.Hour * 24 * 365 // "forever": no timer held against a never-changed output
	}
	return now.Sub(c.lastChanged)
}

func (c *Controller) runSequenceOrSwitch(ctx context.Context, seqName string, on bool) error {
	if seqName != "" && c.runner != nil && c.resolveSequence != nil {
		if seq, ok := c.resolveSequence(seqName); ok {
			return c.runner.Run(ctx, seq)
		}
		c.log.Warn("sequence_not_found_falling_back_to_direct_switch", "sequence", seqName)
	}
	return c.switcher.SetOutput(ctx, c.cfg.DeviceOutput, on)
}

// Lock forces the controller into LOCKED_ON/LOCKED_OFF, bypassing the
// plan entirely until Unlock is called. Used for maintenance holds,
// distinct from a timed AppOverride.
func (c *Controller) Lock(on bool) {
	if on {
		c.state = StateLockedOn
	} else {
		c.state = StateLockedOff
	}
}

func (c *Controller) Unlock(actual model.RelayState) {
	c.state = relayToState(actual)
}

// ClearFault resets a FAULTed controller back to a known state after an
// operator-triggered recovery.
func (c *Controller) ClearFault(actual model.RelayState) {
	if c.state == StateFault {
		c.state = relayToState(actual)
	}
}
