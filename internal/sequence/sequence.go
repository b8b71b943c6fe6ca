// Package sequence implements the Sequence Runner: an
// interpreter for the ordered CHANGE_OUTPUT/SLEEP/GET_LOCATION/
// REFRESH_STATUS steps an output's TurnOnSequence/TurnOffSequence may
// name instead of a bare relay flip. Each step gets its own retry
// budget; the sequence as a whole is bounded by an overall timeout that
// cancels whatever step is still running.
package sequence

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"nrgchamp/powercontroller/internal/config"
)

// Actions is what the runner needs from the rest of the system to carry
// out a step; cmd/powercontrolld wires these to the Device Worker (its
// GetLocation does nothing, since the location is fixed config).
type Actions interface {
	ChangeOutput(ctx context.Context, outputOrDevice string, on bool) error
	RefreshStatus(ctx context.Context, outputOrDevice string) error
	GetLocation(ctx context.Context) error
}

// Runner executes config.Sequence values.
type Runner struct {
	actions Actions
	log     *slog.Logger
}

func New(actions Actions, log *slog.Logger) *Runner {
	return &Runner{actions: actions, log: log.With("component", "sequence")}
}

// Run executes every step of seq in order. The whole run is bounded by
// seq.Timeout;
// a step that exhausts its own Retries fails the whole sequence.
func (r *Runner) Run(ctx context.Context, seq config.Sequence) error {
	if seq.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, seq.Timeout)
		defer cancel()
	}

	for i, step := range seq.Steps {
		if err := r.runStep(ctx, step); err != nil {
			return fmt.Errorf("sequence %q: step %d (%s): %w", seq.Name, i, step.Kind, err)
		}
	}
	return nil
}

func (r *Runner) runStep(ctx context.Context, step config.SequenceStep) error {
	var lastErr error
	for try := 0; try <= step.Retries; try++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = r.doStep(ctx, step)
		if lastErr == nil {
			return nil
		}
		r.log.Warn("step_failed", "kind", step.Kind, "attempt", try, "error", lastErr)
		if try < step.Retries && step.RetryBackoffSec > 0 {
			select {
			case <-time.After(time.Duration(step.RetryBackoffSec) * time.Second):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return lastErr
}

func (r *Runner) doStep(ctx context.Context, step config.SequenceStep) error {
	switch step.Kind {
	case config.StepChangeOutput:
		target := step.OutputName
		if target == "" {
			target = step.DeviceName
		}
		return r.actions.ChangeOutput(ctx, target, step.TargetState)
	case config.StepSleep:
		select {
		case <-time.After(time.Duration(step.Seconds) * time.Second):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	case config.StepGetLocation:
		return r.actions.GetLocation(ctx)
	case config.StepRefreshStatus:
		target := step.OutputName
		if target == "" {
			target = step.DeviceName
		}
		return r.actions.RefreshStatus(ctx, target)
	default:
		return fmt.Errorf("sequence: unknown step kind %q", step.Kind)
	}
}
