// Package metrics exposes the PowerController's Prometheus collectors
//. Grounded on the pack's other MQTT daemons
// (anupcshan-powerwall2mqtt, sweeney-boiler-sensor), which both expose
// client_golang counters/gauges directly rather than through a custom
// registry wrapper.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	LoopIterations = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "powercontroller",
		Name:      "loop_iterations_total",
		Help:      "Number of control loop ticks completed.",
	})

	PlanRebuilds = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "powercontroller",
		Name:      "plan_rebuilds_total",
		Help:      "Run plans built, by output and resulting status.",
	}, []string{"output", "status"})

	DeviceCommandOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "powercontroller",
		Name:      "device_command_outcomes_total",
		Help:      "Device Worker relay commands, by device and outcome (ok/error).",
	}, []string{"device", "outcome"})

	PriceRefreshOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "powercontroller",
		Name:      "price_refresh_outcomes_total",
		Help:      "Price Cache refresh attempts, by outcome (ok/error).",
	}, []string{"outcome"})

	OutputOnSeconds = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "powercontroller",
		Name:      "output_on_seconds_today",
		Help:      "Accumulated on-time for the current calendar day, by output.",
	}, []string{"output"})

	ControllerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "powercontroller",
		Name:      "controller_state",
		Help:      "1 for the currently active state of each output's controller; other states have no series.",
	}, []string{"output", "state"})
)

// Register adds every collector to reg (usually prometheus.DefaultRegisterer).
func Register(reg prometheus.Registerer) {
	reg.MustRegister(LoopIterations, PlanRebuilds, DeviceCommandOutcomes, PriceRefreshOutcomes, OutputOnSeconds, ControllerState)
}
