package metrics

import "github.com/prometheus/client_golang/prometheus"

// SchedulerMetrics holds Prometheus metrics for dashboard sessions and stream polling.
type SchedulerMetrics struct {
	ActiveSessions prometheus.Gauge
	ActivePollers  prometheus.Gauge
	PollsTotal     *prometheus.CounterVec
	Transitions    *prometheus.CounterVec
}

// NewSchedulerMetrics creates and registers scheduler metrics on the given registry.
func NewSchedulerMetrics(reg prometheus.Registerer) *SchedulerMetrics {
	m := &SchedulerMetrics{
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "dashboard",
			Name:      "active_sessions",
			Help:      "Number of session scopes currently held in memory.",
		}),
		ActivePollers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "dashboard",
			Name:      "active_pollers",
			Help:      "Number of sessions whose refresh scheduler is polling.",
		}),
		PollsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dashboard",
			Name:      "polls_total",
			Help:      "Total number of scheduled stream polls, by result (live, offline, error).",
		}, []string{"result"}),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dashboard",
			Name:      "scheduler_transitions_total",
			Help:      "Total number of refresh scheduler state transitions, by target state.",
		}, []string{"to"}),
	}

	reg.MustRegister(m.ActiveSessions, m.ActivePollers, m.PollsTotal, m.Transitions)
	return m
}
