package metrics

import "github.com/prometheus/client_golang/prometheus"

// WebSocketMetrics holds Prometheus metrics for dashboard WebSocket connections.
type WebSocketMetrics struct {
	ActiveConnections prometheus.Gauge
	MountedSessions   prometheus.Gauge
	MessagesPublished prometheus.Counter
	SlowClients       prometheus.Counter

	ConnectionsRejected *prometheus.CounterVec // reason
}

// NewWebSocketMetrics creates and registers WebSocket metrics on the given registry.
func NewWebSocketMetrics(reg prometheus.Registerer) *WebSocketMetrics {
	m := &WebSocketMetrics{
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "active_connections",
			Help:      "Number of active WebSocket connections.",
		}),
		MountedSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "mounted_sessions",
			Help:      "Number of sessions with at least one connected dashboard view.",
		}),
		MessagesPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "messages_published_total",
			Help:      "Total number of state snapshots written to WebSocket clients.",
		}),
		SlowClients: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "slow_clients_evicted_total",
			Help:      "Total number of clients disconnected because their send buffer was full.",
		}),
		ConnectionsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "connections_rejected_total",
			Help:      "Total number of WebSocket connections refused by connection limits.",
		}, []string{"reason"}),
	}

	reg.MustRegister(m.ActiveConnections, m.MountedSessions, m.MessagesPublished, m.SlowClients, m.ConnectionsRejected)
	return m
}
