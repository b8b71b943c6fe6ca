package device

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type flakyClient struct {
	failures int32
	attempts atomic.Int32
}

func (f *flakyClient) SetOutput(ctx context.Context, deviceName string, on bool, correlationID string) error {
	n := f.attempts.Add(1)
	if int32(n) <= f.failures {
		return errors.New("transient failure")
	}
	return nil
}
func (f *flakyClient) GetStatus(ctx context.Context, deviceName string) (RelayStatus, error) { return RelayStatus{}, nil }
func (f *flakyClient) ReadMeter(ctx context.Context, deviceName string) (MeterReading, error) { return MeterReading{}, nil }
func (f *flakyClient) ReadTemp(ctx context.Context, probeName string) (TempReading, error)    { return TempReading{}, nil }

func TestSetOutputRetriesUntilSuccess(t *testing.T) {
	client := &flakyClient{failures: 2}
	w := New(client, Config{ResponseTimeout: time.Second, RetryCount: 3, RetryDelay: time.Millisecond, MaxConcurrentErrors: 5}, discardLogger(), nil)

	if err := w.SetOutput(context.Background(), "relay-1", true); err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if client.attempts.Load() != 3 {
		t.Fatalf("expected 3 attempts (2 failures + 1 success), got %d", client.attempts.Load())
	}
}

func TestSetOutputFiresDeviceDownAfterMaxConcurrentErrors(t *testing.T) {
	client := &flakyClient{failures: 100}
	var down string
	w := New(client, Config{ResponseTimeout: time.Second, RetryCount: 0, RetryDelay: time.Millisecond, MaxConcurrentErrors: 1}, discardLogger(), func(name string) { down = name })

	_ = w.SetOutput(context.Background(), "relay-1", true)
	if down != "relay-1" {
		t.Fatalf("expected device-down callback for relay-1, got %q", down)
	}
}

func TestSetOutputSerialisesPerDevice(t *testing.T) {
	client := &flakyClient{}
	w := New(client, Config{ResponseTimeout: time.Second, RetryCount: 0, RetryDelay: 0, MaxConcurrentErrors: 5}, discardLogger(), nil)

	done := make(chan error, 2)
	go func() { done <- w.SetOutput(context.Background(), "relay-1", true) }()
	go func() { done <- w.SetOutput(context.Background(), "relay-1", false) }()

	for i := 0; i < 2; i++ {
		if err := <-done; err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if client.attempts.Load() != 2 {
		t.Fatalf("expected both commands to complete, got %d attempts", client.attempts.Load())
	}
}
