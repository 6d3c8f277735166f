package chatsync

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the sync core's Prometheus collectors.
type Metrics struct {
	ReconnectAttempts prometheus.Counter
	ConnectionState   prometheus.Gauge
	Degraded          prometheus.Gauge
	Reconciled        *prometheus.CounterVec
	PollFetches       *prometheus.CounterVec
	Sends             *prometheus.CounterVec
	PersistenceErrors *prometheus.CounterVec
	DroppedMessages   *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// leaves them unregistered, which is what tests and embedded uses want.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ReconnectAttempts: f.NewCounter(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "reconnect_attempts_total",
			Help:      "Push transport reconnect attempts",
		}),
		ConnectionState: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "chatsync",
			Name:      "connection_state",
			Help:      "Push connection state (0 disconnected, 1 connecting, 2 connected, 3 reconnecting)",
		}),
		Degraded: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "chatsync",
			Name:      "push_degraded",
			Help:      "1 while push delivery is degraded and polling covers rooms",
		}),
		Reconciled: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "reconciled_messages_total",
			Help:      "Messages applied to room timelines by source and outcome",
		}, []string{"source", "outcome"}),
		PollFetches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "poll_fetches_total",
			Help:      "Polling fallback fetches by result",
		}, []string{"result"}),
		Sends: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "sends_total",
			Help:      "Optimistic sends by final outcome",
		}, []string{"outcome"}),
		PersistenceErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "persistence_errors_total",
			Help:      "Snapshot cache failures by operation",
		}, []string{"op"}),
		DroppedMessages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "dropped_messages_total",
			Help:      "Wire messages skipped because they could not be decoded, by source",
		}, []string{"source"}),
	}
}
