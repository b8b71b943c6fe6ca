package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegisterExposesCollectorsOnAFreshRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	Register(reg)

	LoopIterations.Inc()
	DeviceCommandOutcomes.WithLabelValues("relay-1", "ok").Inc()
	// Vec collectors only appear in Gather once a label set has been observed.
	PlanRebuilds.WithLabelValues("tank", "READY").Inc()
	PriceRefreshOutcomes.WithLabelValues("ok").Inc()
	OutputOnSeconds.WithLabelValues("tank").Set(0)
	ControllerState.WithLabelValues("tank", "OFF").Set(1)

	if got := testutil.ToFloat64(LoopIterations); got < 1 {
		t.Fatalf("expected loop_iterations_total >= 1, got %v", got)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, want := range []string{
		"powercontroller_loop_iterations_total",
		"powercontroller_plan_rebuilds_total",
		"powercontroller_device_command_outcomes_total",
		"powercontroller_price_refresh_outcomes_total",
		"powercontroller_output_on_seconds_today",
		"powercontroller_controller_state",
	} {
		if !names[want] {
			t.Fatalf("expected registry to expose %q, got %v", want, names)
		}
	}
}

func TestRegisterOnASecondRegistryDoesNotPanic(t *testing.T) {
	reg := prometheus.NewRegistry()
	Register(reg)
}
