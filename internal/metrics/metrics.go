// Package metrics holds the Prometheus registry shared by the hub, the broker
// bridge and the sync engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus metrics registry and standard meters.
// All methods are safe on a nil receiver so components can run unmetered.
type Metrics struct {
	Registry       *prometheus.Registry
	Connections    *prometheus.GaugeVec
	Subscriptions  prometheus.Gauge
	Deliveries     *prometheus.CounterVec
	BrokerMessages *prometheus.CounterVec
	SyncOutcomes   *prometheus.CounterVec
	QueueDegraded  prometheus.Counter
	DrainDuration  prometheus.Histogram
}

// New creates a custom Prometheus registry with the courier meters.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	connections := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "courier_hub_connections",
		Help: "Live registered connections by role.",
	}, []string{"role"})

	subscriptions := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "courier_hub_subscriptions",
		Help: "Live (connection, topic) subscriptions.",
	})

	deliveries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "courier_hub_deliveries_total",
		Help: "Envelope deliveries attempted by the hub.",
	}, []string{"result"})

	brokerMessages := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "courier_broker_messages_total",
		Help: "Messages exchanged with the external broker.",
	}, []string{"direction", "status"})

	syncOutcomes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "courier_sync_operations_total",
		Help: "Sync operation attempts by outcome.",
	}, []string{"outcome"})

	queueDegraded := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "courier_queue_degraded_total",
		Help: "Transitions of the offline queue into degraded (memory-only) mode.",
	})

	drainDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "courier_sync_drain_duration_seconds",
		Help:    "Duration of sync engine drains.",
		Buckets: prometheus.DefBuckets,
	})

	reg.MustRegister(connections, subscriptions, deliveries, brokerMessages, syncOutcomes, queueDegraded, drainDuration)

	return &Metrics{
		Registry:       reg,
		Connections:    connections,
		Subscriptions:  subscriptions,
		Deliveries:     deliveries,
		BrokerMessages: brokerMessages,
		SyncOutcomes:   syncOutcomes,
		QueueDegraded:  queueDegraded,
		DrainDuration:  drainDuration,
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ConnectionOpened(role string) {
	if m == nil {
		return
	}
	m.Connections.WithLabelValues(role).Inc()
}

func (m *Metrics) ConnectionClosed(role string) {
	if m == nil {
		return
	}
	m.Connections.WithLabelValues(role).Dec()
}

func (m *Metrics) SubscriptionsChanged(delta int) {
	if m == nil {
		return
	}
	m.Subscriptions.Add(float64(delta))
}

// Delivery records one delivery attempt: "delivered", "skipped" or "failed".
func (m *Metrics) Delivery(result string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.Deliveries.WithLabelValues(result).Add(float64(n))
}

// Broker records a broker message; direction is "in" or "out".
func (m *Metrics) Broker(direction, status string) {
	if m == nil {
		return
	}
	m.BrokerMessages.WithLabelValues(direction, status).Inc()
}

func (m *Metrics) SyncOutcome(outcome string) {
	if m == nil {
		return
	}
	m.SyncOutcomes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Degraded() {
	if m == nil {
		return
	}
	m.QueueDegraded.Inc()
}

func (m *Metrics) ObserveDrain(seconds float64) {
	if m == nil {
		return
	}
	m.DrainDuration.Observe(seconds)
}
