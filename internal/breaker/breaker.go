// Package breaker implements a small circuit breaker used by the Device
// Worker and Price Cache to stop hammering an unreachable relay or price
// API, and to report a "DOWN" transition after MaxConcurrentErrors
// consecutive failures. Adapted from the
// teacher's circuit_breaker package, which guards outbound Kafka/HTTP
// calls the same way.
package breaker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// ErrOpen is returned when a call is fast-failed because the breaker is open.
var ErrOpen = errors.New("breaker: circuit open, fast-fail")

// Config tunes the breaker's failure threshold and cool-down.
type Config struct {
	// MaxFailures is the consecutive-failure threshold before the breaker
	// opens and the owner is told the device/source is DOWN.
	MaxFailures int
	ResetTimeout time.Duration
}

// Breaker guards a single downstream dependency (one device, or the price API).
type Breaker struct {
	name string
	cfg  Config
	log  *slog.Logger

	mu          sync.Mutex
	state       State
	recentFails int
	openedAt    time.Time

	onDown func() // fired exactly once per Closed->Open transition
}

func New(name string, cfg Config, log *slog.Logger, onDown func()) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 1
	}
	return &Breaker{name: name, cfg: cfg, log: log.With("breaker", name), state: Closed, onDown: onDown}
}

// Execute runs op, fast-failing with ErrOpen while the breaker is open and
// the reset timeout hasn't elapsed; otherwise it probes once (half-open)
// before deciding whether to close again.
func (b *Breaker) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	b.mu.Lock()
	state := b.state
	openedAt := b.openedAt
	b.mu.Unlock()

	if state == Open {
		if time.Since(openedAt) < b.cfg.ResetTimeout {
			b.log.Warn("fast_fail", "since_open", time.Since(openedAt).String())
			return ErrOpen
		}
		return b.halfOpenTry(ctx, op)
	}

	err := op(ctx)
	if err == nil {
		b.onSuccess()
		return nil
	}
	opened := b.onFailure(err)
	if opened {
		return ErrOpen
	}
	return err
}

func (b *Breaker) halfOpenTry(ctx context.Context, op func(ctx context.Context) error) error {
	b.mu.Lock()
	b.state = HalfOpen
	b.mu.Unlock()

	if err := op(ctx); err != nil {
		b.mu.Lock()
		b.state = Open
		b.openedAt = time.Now()
		b.recentFails++
		b.mu.Unlock()
		b.log.Warn("half_open_probe_failed", "error", err.Error())
		return ErrOpen
	}

	b.mu.Lock()
	b.state = Closed
	b.recentFails = 0
	b.mu.Unlock()
	b.log.Info("closed_after_probe")
	return nil
}

func (b *Breaker) onSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != Closed {
		b.log.Info("state_to_closed", "from", b.state.String())
	}
	b.state = Closed
	b.recentFails = 0
}

// onFailure records a failure and returns true if this failure opened the breaker.
func (b *Breaker) onFailure(err error) bool {
	b.mu.Lock()
	b.recentFails++
	fails := b.recentFails
	alreadyOpen := b.state == Open
	var justOpened bool
	if fails >= b.cfg.MaxFailures && !alreadyOpen {
		b.state = Open
		b.openedAt = time.Now()
		justOpened = true
	}
	b.mu.Unlock()

	b.log.Warn("operation_failed", "failures", fails, "error", err.Error())
	if justOpened {
		b.log.Error("breaker_opened", "max_failures", b.cfg.MaxFailures)
		if b.onDown != nil {
			b.onDown()
		}
	}
	return justOpened || alreadyOpen
}

// State returns the breaker's current state for diagnostics/metrics.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset forces the breaker back to Closed, e.g. after a successful manual reconnect.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = Closed
	b.recentFails = 0
}
