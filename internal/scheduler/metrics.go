package scheduler

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the maintenance scheduler.
type Metrics struct {
	JobsFired     prometheus.Counter
	JobsSucceeded prometheus.Counter
	JobsFailed    prometheus.Counter
	JobsMissed    prometheus.Counter
	RunDuration   prometheus.Histogram
}

// NewMetrics creates and registers scheduler metrics.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		JobsFired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "switchboard",
			Subsystem: "scheduler",
			Name:      "jobs_fired_total",
			Help:      "Total scheduled jobs started.",
		}),
		JobsSucceeded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "switchboard",
			Subsystem: "scheduler",
			Name:      "jobs_succeeded_total",
			Help:      "Total scheduled jobs that returned without error.",
		}),
		JobsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "switchboard",
			Subsystem: "scheduler",
			Name:      "jobs_failed_total",
			Help:      "Total scheduled jobs that returned an error.",
		}),
		JobsMissed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "switchboard",
			Subsystem: "scheduler",
			Name:      "jobs_missed_total",
			Help:      "Total slots skipped because the previous run was still in progress.",
		}),
		RunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "switchboard",
			Subsystem: "scheduler",
			Name:      "run_duration_seconds",
			Help:      "Duration of each scheduled job run.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		}),
	}

	reg.MustRegister(
		m.JobsFired,
		m.JobsSucceeded,
		m.JobsFailed,
		m.JobsMissed,
		m.RunDuration,
	)

	return m
}
