// Package metrics defines the Prometheus collectors exported by pourlinkd.
package metrics

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Connection metrics
	ConnectionState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pourlink_connection_state",
			Help: "Realtime connection state (0 = disconnected, 1 = connecting, 2 = connected)",
		},
	)

	ReconnectsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pourlink_reconnects_total",
			Help: "Total number of scheduled reconnect attempts",
		},
	)

	ReconnectDelay = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pourlink_reconnect_delay_seconds",
			Help: "Delay of the most recently scheduled reconnect",
		},
	)

	// Multiplexer metrics
	TopicsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pourlink_topics_active",
			Help: "Number of topics with at least one local subscriber",
		},
	)

	MessagesDispatched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pourlink_messages_dispatched_total",
			Help: "Messages fanned out to local subscribers by topic kind",
		},
		[]string{"topic_kind"},
	)

	SubscriberPanics = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pourlink_subscriber_panics_total",
			Help: "Subscriber callbacks that panicked during dispatch",
		},
	)

	// Appliance API metrics
	OrderRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pourlink_order_requests_total",
			Help: "Appliance API calls by operation and result kind",
		},
		[]string{"op", "result"},
	)

	OrderRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pourlink_order_request_duration_seconds",
			Help:    "Appliance API call duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	// Production metrics
	ProductionTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pourlink_production_transitions_total",
			Help: "Production session state transitions by target state",
		},
		[]string{"to"},
	)
)

func init() {
	prometheus.MustRegister(ConnectionState)
	prometheus.MustRegister(ReconnectsTotal)
	prometheus.MustRegister(ReconnectDelay)
	prometheus.MustRegister(TopicsActive)
	prometheus.MustRegister(MessagesDispatched)
	prometheus.MustRegister(SubscriberPanics)
	prometheus.MustRegister(OrderRequestsTotal)
	prometheus.MustRegister(OrderRequestDuration)
	prometheus.MustRegister(ProductionTransitions)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures one operation for a histogram.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time on h.
func (t *Timer) ObserveDuration(h prometheus.Observer) {
	h.Observe(time.Since(t.start).Seconds())
}

// TopicKind buckets a topic name into a low-cardinality label.
func TopicKind(topic string) string {
	switch {
	case strings.Contains(topic, "/pump/"):
		return "pump"
	case strings.Contains(topic, "progress"):
		return "production"
	default:
		return "other"
	}
}
