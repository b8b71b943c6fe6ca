// Package gpio reads the override input pins referenced by outputs'
// DeviceInput handles. It follows
// the same hardware-abstraction split as the boiler sensor it's
// grounded on: a Reader interface with a Linux gpiocdev-backed
// implementation, so the control loop never needs a build tag to run
// its tests off-hardware.
package gpio

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/warthog618/go-gpiocdev"
)

// Reader reads the logical level of one or more named GPIO lines.
// Implementations invert raw-active-low wiring, matching common relay
// board/optocoupler modules, so callers always see "on means asserted".
type Reader interface {
	Read(line string) (bool, error)
	Close() error
}

// Chip is the default Reader, wired to the kernel gpiocdev character
// device. Lines are requested as pulled-down inputs, matching the Pi
// boot defaults the original hardware was built against.
type Chip struct {
	chip *gpiocdev.Chip

	mu    sync.Mutex
	lines map[string]*gpiocdev.Line
	pins  map[string]int
}

// NewChip opens chipName (e.g. "gpiochip0") and requests the given
// name->BCM-pin mapping as inputs.
func NewChip(chipName string, pins map[string]int) (*Chip, error) {
	chip, err := gpiocdev.NewChip(chipName)
	if err != nil {
		return nil, fmt.Errorf("gpio: open %s: %w", chipName, err)
	}
	c := &Chip{chip: chip, lines: map[string]*gpiocdev.Line{}, pins: pins}
	for name, pin := range pins {
		line, err := chip.RequestLine(pin, gpiocdev.AsInput, gpiocdev.WithPullDown)
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("gpio: request line %q (pin %d): %w", name, pin, err)
		}
		c.lines[name] = line
	}
	return c, nil
}

// Read returns the logical level of the named line: raw active (1) is
// logical off, raw inactive (0) is logical on, mirroring the wiring
// convention of the reference hardware.
func (c *Chip) Read(line string) (bool, error) {
	c.mu.Lock()
	l, ok := c.lines[line]
	c.mu.Unlock()
	if !ok {
		return false, fmt.Errorf("gpio: unknown line %q", line)
	}
	raw, err := l.Value()
	if err != nil {
		return false, fmt.Errorf("gpio: read %q: %w", line, err)
	}
	return raw == 0, nil
}

// Close reconfigures every line back to the boot-default pulled-down
// input state before releasing it, then closes the chip.
func (c *Chip) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var firstErr error
	for name, l := range c.lines {
		if err := l.Reconfigure(gpiocdev.AsInput, gpiocdev.WithPullDown); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("gpio: reconfigure %q: %w", name, err)
		}
		if err := l.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("gpio: close %q: %w", name, err)
		}
	}
	if c.chip != nil {
		if err := c.chip.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Poller samples a Reader on an interval and caches the last-known
// level per line, so the control loop (which must never block on I/O)
// reads a snapshot instead of hitting the kernel directly.
type Poller struct {
	reader   Reader
	interval time.Duration
	log      *slog.Logger

	mu     sync.RWMutex
	levels map[string]bool
	stop   chan struct{}
}

func NewPoller(reader Reader, interval time.Duration, log *slog.Logger) *Poller {
	return &Poller{reader: reader, interval: interval, log: log.With("component", "gpiopoller"), levels: map[string]bool{}, stop: make(chan struct{})}
}

// Run samples every configured line once per interval until Stop is
// called. Intended to run in its own goroutine.
func (p *Poller) Run(lines []string) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			for _, line := range lines {
				v, err := p.reader.Read(line)
				if err != nil {
					p.log.Warn("read_failed", "line", line, "error", err)
					continue
				}
				p.mu.Lock()
				p.levels[line] = v
				p.mu.Unlock()
			}
		case <-p.stop:
			return
		}
	}
}

func (p *Poller) Stop() { close(p.stop) }

// Level returns the last-sampled logical level for a line, or
// ok=false if it has never been read.
func (p *Poller) Level(line string) (bool, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	v, ok := p.levels[line]
	return v, ok
}
