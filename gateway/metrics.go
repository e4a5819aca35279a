package gateway

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics for the gateway
type Metrics struct {
	clientsConnected   prometheus.Gauge
	connectionTotal    prometheus.Counter
	disconnectionTotal *prometheus.CounterVec
	messagesReceived   *prometheus.CounterVec
	eventsSent         *prometheus.CounterVec
	protocolErrors     *prometheus.CounterVec
	broadcastDuration  *prometheus.HistogramVec
	rateLimited        *prometheus.CounterVec
}

// newMetrics creates and registers gateway metrics. A nil registry yields
// nil metrics; every recording method is nil-safe.
func newMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		return nil
	}

	m := &Metrics{
		clientsConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "zentvoice",
			Subsystem: "gateway",
			Name:      "clients_connected",
			Help:      "Number of currently connected clients",
		}),

		connectionTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "zentvoice",
			Subsystem: "gateway",
			Name:      "client_connections_total",
			Help:      "Total client connections (including disconnected)",
		}),

		disconnectionTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "zentvoice",
			Subsystem: "gateway",
			Name:      "client_disconnections_total",
			Help:      "Total client disconnections",
		}, []string{"disconnect_reason"}),

		messagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "zentvoice",
			Subsystem: "gateway",
			Name:      "messages_received_total",
			Help:      "Total client messages received",
		}, []string{"type"}),

		eventsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "zentvoice",
			Subsystem: "gateway",
			Name:      "events_sent_total",
			Help:      "Total voice events delivered to clients",
		}, []string{"event"}),

		protocolErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "zentvoice",
			Subsystem: "gateway",
			Name:      "protocol_errors_total",
			Help:      "Protocol errors sent to clients",
		}, []string{"code"}),

		broadcastDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "zentvoice",
			Subsystem: "gateway",
			Name:      "broadcast_duration_seconds",
			Help:      "Time to deliver one event to all guild subscribers",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		}, []string{"event"}),

		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "zentvoice",
			Subsystem: "gateway",
			Name:      "rate_limited_total",
			Help:      "Messages rejected by the admission rate limiter",
		}, []string{"class"}),
	}

	registry.MustRegister(
		m.clientsConnected,
		m.connectionTotal,
		m.disconnectionTotal,
		m.messagesReceived,
		m.eventsSent,
		m.protocolErrors,
		m.broadcastDuration,
		m.rateLimited,
	)
	return m
}

func (m *Metrics) connected() {
	if m == nil {
		return
	}
	m.clientsConnected.Inc()
	m.connectionTotal.Inc()
}

func (m *Metrics) disconnected(reason string) {
	if m == nil {
		return
	}
	m.clientsConnected.Dec()
	m.disconnectionTotal.WithLabelValues(reason).Inc()
}

func (m *Metrics) received(msgType string) {
	if m == nil {
		return
	}
	m.messagesReceived.WithLabelValues(msgType).Inc()
}

func (m *Metrics) sent(event string, n int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.eventsSent.WithLabelValues(event).Add(float64(n))
	m.broadcastDuration.WithLabelValues(event).Observe(elapsed.Seconds())
}

func (m *Metrics) protocolError(code string) {
	if m == nil {
		return
	}
	m.protocolErrors.WithLabelValues(code).Inc()
}

func (m *Metrics) limited(class string) {
	if m == nil {
		return
	}
	m.rateLimited.WithLabelValues(class).Inc()
}
