// Package device implements the Device Worker: the only
// component allowed to talk to physical relays, meters, temperature
// probes and input pins. It serialises commands per device (so two
// controllers never race a relay), retries transient failures, and
// trips a per-device circuit breaker that reports a device as DOWN
// after MaxConcurrentErrors consecutive failures.
package device

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"nrgchamp/powercontroller/internal/breaker"
)

// RelayStatus is the last-known physical state of a switched output.
type RelayStatus struct {
	On        bool
	At        time.Time
}

// MeterReading is the last-known reading from a metered output.
type MeterReading struct {
	WattHours float64
	Watts     float64
	At        time.Time
}

// TempReading is the last-known reading from a temperature probe.
type TempReading struct {
	Celsius float64
	At      time.Time
}

// Client is the transport contract the Device Worker drives: a
// {deviceId, relayIndex, targetState, correlationId} command and the
// status/meter/temp query side. The production implementation is
// MQTTClient; tests supply a fake.
type Client interface {
	SetOutput(ctx context.Context, deviceName string, on bool, correlationID string) error
	GetStatus(ctx context.Context, deviceName string) (RelayStatus, error)
	ReadMeter(ctx context.Context, deviceName string) (MeterReading, error)
	ReadTemp(ctx context.Context, probeName string) (TempReading, error)
}

// Config tunes retry and breaker behaviour: RetryCount, RetryDelay,
// MaxConcurrentErrors, per-device breaker cool-down.
type Config struct {
	ResponseTimeout     time.Duration
	RetryCount          int
	RetryDelay          time.Duration
	MaxConcurrentErrors int
	BreakerResetTimeout time.Duration
	MeterStaleness      time.Duration
}

// Worker is the Device Worker. One Worker instance serves every device
// handle the config references.
type Worker struct {
	client Client
	cfg    Config
	log    *slog.Logger

	onDeviceDown func(deviceName string)

	mu       sync.Mutex
	queues   map[string]chan command
	breakers map[string]*breaker.Breaker
}

type command struct {
	ctx           context.Context
	deviceName    string
	on            bool
	correlationID string
	resp          chan error
}

func New(client Client, cfg Config, log *slog.Logger, onDeviceDown func(deviceName string)) *Worker {
	return &Worker{
		client:       client,
		cfg:          cfg,
		log:          log.With("component", "deviceworker"),
		onDeviceDown: onDeviceDown,
		queues:       map[string]chan command{},
		breakers:     map[string]*breaker.Breaker{},
	}
}

// SetOutput enqueues a relay change and blocks until it has been
// attempted (with retries) or the context is cancelled. Two calls for
// the same device are never in flight concurrently: each device has its
// own single-consumer queue.
func (w *Worker) SetOutput(ctx context.Context, deviceName string, on bool) error {
	q := w.queueFor(deviceName)
	resp := make(chan error, 1)
	cmd := command{ctx: ctx, deviceName: deviceName, on: on, correlationID: uuid.NewString(), resp: resp}

	select {
	case q <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-resp:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker) queueFor(deviceName string) chan command {
	w.mu.Lock()
	defer w.mu.Unlock()
	q, ok := w.queues[deviceName]
	if ok {
		return q
	}
	q = make(chan command, 8)
	w.queues[deviceName] = q
	go w.run(deviceName, q)
	return q
}

func (w *Worker) breakerFor(deviceName string) *breaker.Breaker {
	w.mu.Lock()
	defer w.mu.Unlock()
	b, ok := w.breakers[deviceName]
	if ok {
		return b
	}
	name := deviceName
	b = breaker.New("device:"+name, breaker.Config{MaxFailures: w.cfg.MaxConcurrentErrors, ResetTimeout: w.cfg.BreakerResetTimeout}, w.log, func() {
		w.log.Error("device_down", "device", name)
		if w.onDeviceDown != nil {
			w.onDeviceDown(name)
		}
	})
	w.breakers[deviceName] = b
	return b
}

func (w *Worker) run(deviceName string, q chan command) {
	for cmd := range q {
		cmd.resp <- w.attempt(cmd)
	}
}

// attempt runs the command through the device's breaker with
// RetryCount retries at RetryDelay spacing.
func (w *Worker) attempt(cmd command) error {
	b := w.breakerFor(cmd.deviceName)
	var lastErr error
	for try := 0; try <= w.cfg.RetryCount; try++ {
		ctx, cancel := context.WithTimeout(cmd.ctx, w.cfg.ResponseTimeout)
		err := b.Execute(ctx, func(ctx context.Context) error {
			return w.client.SetOutput(ctx, cmd.deviceName, cmd.on, cmd.correlationID)
		})
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		if err == breaker.ErrOpen {
			return err
		}
		if try < w.cfg.RetryCount {
			select {
			case <-time.After(w.cfg.RetryDelay):
			case <-cmd.ctx.Done():
				return cmd.ctx.Err()
			}
		}
	}
	return fmt.Errorf("device %s: %w", cmd.deviceName, lastErr)
}

// GetStatus, ReadMeter and ReadTemp are read paths; they are not queued
// per-device since they don't mutate physical state, but they still run
// through the device's breaker so a down device doesn't stall callers.
func (w *Worker) GetStatus(ctx context.Context, deviceName string) (RelayStatus, error) {
	b := w.breakerFor(deviceName)
	var st RelayStatus
	err := b.Execute(ctx, func(ctx context.Context) error {
		s, err := w.client.GetStatus(ctx, deviceName)
		st = s
		return err
	})
	return st, err
}

func (w *Worker) ReadMeter(ctx context.Context, deviceName string) (MeterReading, error) {
	b := w.breakerFor(deviceName)
	var r MeterReading
	err := b.Execute(ctx, func(ctx context.Context) error {
		m, err := w.client.ReadMeter(ctx, deviceName)
		r = m
		return err
	})
	return r, err
}

func (w *Worker) ReadTemp(ctx context.Context, probeName string) (TempReading, error) {
	b := w.breakerFor(probeName)
	var r TempReading
	err := b.Execute(ctx, func(ctx context.Context) error {
		t, err := w.client.ReadTemp(ctx, probeName)
		r = t
		return err
	})
	return r, err
}

// IsStale reports whether a reading's timestamp is older than the
// configured meter staleness window.
func (w *Worker) IsStale(at time.Time) bool {
	return !at.IsZero() && time.Since(at) > w.cfg.MeterStaleness
}

// --- MQTT transport ---------------------------------------------------

// MQTTClient is the default Client, standing in for the out-of-scope
// low-level Shelly RPC client: it publishes "set" commands
// and subscribes to status/meter/temp topics, coalescing the latest
// reading per device under a mutex rather than blocking on a round trip.
type MQTTClient struct {
	cli    mqtt.Client
	log    *slog.Logger
	prefix string

	mu       sync.RWMutex
	statuses map[string]RelayStatus
	meters   map[string]MeterReading
	temps    map[string]TempReading
}

type setPayload struct {
	State         bool   `json:"state"`
	CorrelationID string `json:"correlationId"`
}

type statusPayload struct {
	On            bool   `json:"on"`
	CorrelationID string `json:"correlationId"`
}

type meterPayload struct {
	WattHours float64 `json:"wattHours"`
	Watts     float64 `json:"watts"`
}

type tempPayload struct {
	Celsius float64 `json:"celsius"`
}

func NewMQTTClient(broker, clientID string, log *slog.Logger) *MQTTClient {
	c := &MQTTClient{
		log:      log.With("component", "mqttclient"),
		prefix:   "powercontrol",
		statuses: map[string]RelayStatus{},
		meters:   map[string]MeterReading{},
		temps:    map[string]TempReading{},
	}

	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetOnConnectHandler(c.onConnect)
	c.cli = mqtt.NewClient(opts)
	return c
}

// Connect blocks until the MQTT session is established or the context
// is cancelled.
func (c *MQTTClient) Connect(ctx context.Context) error {
	token := c.cli.Connect()
	done := make(chan struct{})
	go func() { token.Wait(); close(done) }()
	select {
	case <-done:
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *MQTTClient) onConnect(cli mqtt.Client) {
	topics := map[string]byte{
		c.prefix + "/+/status": 0,
		c.prefix + "/+/meter":  0,
		c.prefix + "/+/temp":   0,
	}
	token := cli.SubscribeMultiple(topics, c.onMessage)
	token.Wait()
	if err := token.Error(); err != nil {
		c.log.Error("subscribe_failed", "error", err)
	}
}

func (c *MQTTClient) onMessage(_ mqtt.Client, msg mqtt.Message) {
	device, kind, ok := splitTopic(c.prefix, msg.Topic())
	if !ok {
		return
	}
	now := time.Now()
	switch kind {
	case "status":
		var p statusPayload
		if err := json.Unmarshal(msg.Payload(), &p); err != nil {
			c.log.Warn("bad_status_payload", "device", device, "error", err)
			return
		}
		c.mu.Lock()
		c.statuses[device] = RelayStatus{On: p.On, At: now}
		c.mu.Unlock()
	case "meter":
		var p meterPayload
		if err := json.Unmarshal(msg.Payload(), &p); err != nil {
			c.log.Warn("bad_meter_payload", "device", device, "error", err)
			return
		}
		c.mu.Lock()
		c.meters[device] = MeterReading{WattHours: p.WattHours, Watts: p.Watts, At: now}
		c.mu.Unlock()
	case "temp":
		var p tempPayload
		if err := json.Unmarshal(msg.Payload(), &p); err != nil {
			c.log.Warn("bad_temp_payload", "device", device, "error", err)
			return
		}
		c.mu.Lock()
		c.temps[device] = TempReading{Celsius: p.Celsius, At: now}
		c.mu.Unlock()
	}
}

func splitTopic(prefix, topic string) (device, kind string, ok bool) {
	rest := topic[len(prefix)+1:]
	for i := len(rest) - 1; i >= 0; i-- {
		if rest[i] == '/' {
			return rest[:i], rest[i+1:], true
		}
	}
	return "", "", false
}

func (c *MQTTClient) SetOutput(ctx context.Context, deviceName string, on bool, correlationID string) error {
	payload, err := json.Marshal(setPayload{State: on, CorrelationID: correlationID})
	if err != nil {
		return fmt.Errorf("mqttclient: marshal: %w", err)
	}
	topic := fmt.Sprintf("%s/%s/set", c.prefix, deviceName)
	token := c.cli.Publish(topic, 0, false, payload)

	done := make(chan struct{})
	go func() { token.Wait(); close(done) }()
	select {
	case <-done:
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *MQTTClient) GetStatus(ctx context.Context, deviceName string) (RelayStatus, error) {
	c.mu.RLock()
	s, ok := c.statuses[deviceName]
	c.mu.RUnlock()
	if !ok {
		return RelayStatus{}, fmt.Errorf("mqttclient: no status seen yet for %q", deviceName)
	}
	return s, nil
}

func (c *MQTTClient) ReadMeter(ctx context.Context, deviceName string) (MeterReading, error) {
	c.mu.RLock()
	m, ok := c.meters[deviceName]
	c.mu.RUnlock()
	if !ok {
		return MeterReading{}, fmt.Errorf("mqttclient: no meter reading seen yet for %q", deviceName)
	}
	return m, nil
}

func (c *MQTTClient) ReadTemp(ctx context.Context, probeName string) (TempReading, error) {
	c.mu.RLock()
	t, ok := c.temps[probeName]
	c.mu.RUnlock()
	if !ok {
		return TempReading{}, fmt.Errorf("mqttclient: no temp reading seen yet for %q", probeName)
	}
	return t, nil
}

// Disconnect closes the MQTT session cleanly.
func (c *MQTTClient) Disconnect() {
	c.cli.Disconnect(250)
}
