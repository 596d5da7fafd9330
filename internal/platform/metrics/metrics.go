// Package metrics holds the Prometheus collectors for the HTTP layer, the
// appointment and ledger services, and notification delivery.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is nil-safe: every recording method is a no-op on a nil receiver,
// so services can be built without it in tests.
type Metrics struct {
	registry *prometheus.Registry

	HTTPRequests *prometheus.CounterVec
	HTTPLatency  *prometheus.HistogramVec

	Bookings    *prometheus.CounterVec
	Transitions *prometheus.CounterVec
	LedgerOps   *prometheus.CounterVec

	NotificationsPersisted *prometheus.CounterVec
	NotificationsDelivered *prometheus.CounterVec
	LiveSessions           prometheus.Gauge
	RelayMessages          *prometheus.CounterVec
}

func New(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests by route and status",
		}, []string{"method", "route", "status"}),
		HTTPLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}, []string{"method", "route"}),
		Bookings: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "appointments",
			Name:      "bookings_total",
			Help:      "Booking attempts by outcome",
		}, []string{"result"}),
		Transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "appointments",
			Name:      "transitions_total",
			Help:      "Applied status transitions",
		}, []string{"from", "to"}),
		LedgerOps: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "operations_total",
			Help:      "Ledger mutations by operation and whether the invoice was finalized",
		}, []string{"op", "finalized"}),
		NotificationsPersisted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notifications",
			Name:      "persisted_total",
			Help:      "Notification rows written, by dispatch mode",
		}, []string{"mode"}),
		NotificationsDelivered: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notifications",
			Name:      "delivery_attempts_total",
			Help:      "Live delivery attempts by event and result",
		}, []string{"event", "result"}),
		LiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "live_sessions",
			Help:      "Users holding a live session on this instance",
		}),
		RelayMessages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "relay_messages_total",
			Help:      "Cross-instance relay messages by direction and result",
		}, []string{"direction", "result"}),
	}
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) ObserveHTTP(method, route, status string, seconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, route, status).Inc()
	m.HTTPLatency.WithLabelValues(method, route).Observe(seconds)
}

func (m *Metrics) Booking(result string) {
	if m == nil {
		return
	}
	m.Bookings.WithLabelValues(result).Inc()
}

func (m *Metrics) Transition(from, to string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) LedgerOp(op string, finalized bool) {
	if m == nil {
		return
	}
	f := "false"
	if finalized {
		f = "true"
	}
	m.LedgerOps.WithLabelValues(op, f).Inc()
}

func (m *Metrics) Persisted(mode string, n int) {
	if m == nil {
		return
	}
	m.NotificationsPersisted.WithLabelValues(mode).Add(float64(n))
}

func (m *Metrics) Delivery(event, result string) {
	if m == nil {
		return
	}
	m.NotificationsDelivered.WithLabelValues(event, result).Inc()
}

func (m *Metrics) SetLiveSessions(n int) {
	if m == nil {
		return
	}
	m.LiveSessions.Set(float64(n))
}

func (m *Metrics) Relay(direction, result string) {
	if m == nil {
		return
	}
	m.RelayMessages.WithLabelValues(direction, result).Inc()
}
