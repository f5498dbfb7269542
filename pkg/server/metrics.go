package server

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// serverMetrics holds the Prometheus instruments for the realtime server.
// A nil *serverMetrics is valid and records nothing, so tests can construct
// a Server without touching a registry.
type serverMetrics struct {
	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	rateLimitedTotal *prometheus.CounterVec

	syncTotal      *prometheus.CounterVec
	syncDuration   *prometheus.HistogramVec
	syncRecipients *prometheus.HistogramVec

	connections     prometheus.Gauge
	pendingTimers   prometheus.GaugeFunc
	disconnectTotal *prometheus.CounterVec
}

// newServerMetrics registers the instruments with the given registerer.
func newServerMetrics(reg prometheus.Registerer, pendingTimers func() float64) *serverMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	m := &serverMetrics{
		requestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "requests_total",
			Help:      "Unary calls processed, by route and outcome.",
		}, []string{"route", "status"}),

		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "relay",
			Name:      "request_duration_seconds",
			Help:      "Unary call duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),

		rateLimitedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "rate_limited_total",
			Help:      "Calls rejected by the per-route rate limiter.",
		}, []string{"route"}),

		syncTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "sync_total",
			Help:      "Broadcast calls that reached fan-out, by route.",
		}, []string{"route"}),

		syncDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "relay",
			Name:      "sync_duration_seconds",
			Help:      "Broadcast call duration in seconds, fan-out included.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),

		syncRecipients: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "relay",
			Name:      "sync_recipients",
			Help:      "Recipients per broadcast fan-out.",
			Buckets:   []float64{1, 2, 5, 10, 25, 50, 100, 250, 500, 1000},
		}, []string{"route"}),

		connections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "relay",
			Name:      "connections",
			Help:      "Live WebSocket connections.",
		}),

		disconnectTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "disconnects_total",
			Help:      "Connection losses, by reason.",
		}, []string{"reason"}),
	}

	if pendingTimers != nil {
		m.pendingTimers = factory.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "relay",
			Name:      "pending_grace_timers",
			Help:      "Identities in the disconnect grace window.",
		}, pendingTimers)
	}

	return m
}

func (m *serverMetrics) observeRequest(route, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(route, status).Inc()
	m.requestDuration.WithLabelValues(route).Observe(d.Seconds())
}

func (m *serverMetrics) rateLimited(route string) {
	if m == nil {
		return
	}
	m.rateLimitedTotal.WithLabelValues(route).Inc()
}

func (m *serverMetrics) observeSync(route string, recipients int, d time.Duration) {
	if m == nil {
		return
	}
	m.syncTotal.WithLabelValues(route).Inc()
	m.syncDuration.WithLabelValues(route).Observe(d.Seconds())
	m.syncRecipients.WithLabelValues(route).Observe(float64(recipients))
}

func (m *serverMetrics) connOpened() {
	if m == nil {
		return
	}
	m.connections.Inc()
}

func (m *serverMetrics) connClosed(reason string) {
	if m == nil {
		return
	}
	m.connections.Dec()
	m.disconnectTotal.WithLabelValues(reason).Inc()
}
