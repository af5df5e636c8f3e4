package orchestrator

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for intent dispatch.
// All metrics use the switchboard_dispatch_ namespace.
type Metrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	StepsTotal      *prometheus.CounterVec
	StepDuration    *prometheus.HistogramVec
	RetriesTotal    *prometheus.CounterVec
}

// NewMetrics creates and registers dispatch metrics on the given registry.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "switchboard",
			Subsystem: "dispatch",
			Name:      "requests_total",
			Help:      "Total dispatched messages by overall status.",
		}, []string{"status"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "switchboard",
			Subsystem: "dispatch",
			Name:      "request_duration_seconds",
			Help:      "Dispatch duration in seconds, extraction included.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"status"}),

		StepsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "switchboard",
			Subsystem: "dispatch",
			Name:      "steps_total",
			Help:      "Total steps by intent kind and status.",
		}, []string{"kind", "status"}),

		StepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "switchboard",
			Subsystem: "dispatch",
			Name:      "step_duration_seconds",
			Help:      "Agent step duration in seconds by intent kind.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),

		RetriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "switchboard",
			Subsystem: "dispatch",
			Name:      "retries_total",
			Help:      "Retries of read-only steps after a transient failure.",
		}, []string{"kind"}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.StepsTotal,
		m.StepDuration,
		m.RetriesTotal,
	)

	return m
}
