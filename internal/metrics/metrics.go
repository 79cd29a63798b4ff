// ABOUTME: Prometheus counters for delivery and replay activity
// ABOUTME: Exposes a promhttp handler gated by config in the entry point

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the broadcast-path counters.
type Metrics struct {
	registry *prometheus.Registry

	EventsDelivered    prometheus.Counter
	DeliveryFailures   prometheus.Counter
	DeliveryRetries    prometheus.Counter
	Replays            prometheus.Counter
	TruncatedReplays   prometheus.Counter
	DroppedConnections prometheus.Counter
}

// New creates a Metrics with its own registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		EventsDelivered: factory.NewCounter(prometheus.CounterOpts{
			Name: "saga_events_delivered_total",
			Help: "Turn events successfully pushed to a connection.",
		}),
		DeliveryFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "saga_delivery_failures_total",
			Help: "Pushes that failed after exhausting retries.",
		}),
		DeliveryRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "saga_delivery_retries_total",
			Help: "Individual push attempts that failed and were retried.",
		}),
		Replays: factory.NewCounter(prometheus.CounterOpts{
			Name: "saga_replays_total",
			Help: "Reconnect replays computed, warm or cold.",
		}),
		TruncatedReplays: factory.NewCounter(prometheus.CounterOpts{
			Name: "saga_truncated_replays_total",
			Help: "Replays truncated to the configured backlog limit.",
		}),
		DroppedConnections: factory.NewCounter(prometheus.CounterOpts{
			Name: "saga_dropped_connections_total",
			Help: "Connections disconnected because their delivery queue overflowed or pushes kept failing.",
		}),
	}
}

// Handler returns the scrape endpoint for this metrics registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
