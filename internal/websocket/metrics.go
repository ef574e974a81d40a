package websocket

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Label values for webmesh_messages_total and webmesh_client_calls_total.
const (
	statusOK       = "ok"
	statusError    = "error"
	statusNotFound = "not_found"

	// target label for messages no route matched, keeping label cardinality bounded
	unmatchedTarget = "unmatched"
)

// MetricsOption configures NewMetrics.
type MetricsOption func(*metricsConfig)

type metricsConfig struct {
	namespace string
	registry  prometheus.Registerer
}

// WithNamespace replaces the "webmesh" metric name prefix.
func WithNamespace(namespace string) MetricsOption {
	return func(c *metricsConfig) { c.namespace = namespace }
}

// WithRegistry registers the collectors on registry instead of prometheus.DefaultRegisterer.
func WithRegistry(registry prometheus.Registerer) MetricsOption {
	return func(c *metricsConfig) { c.registry = registry }
}

// handlerBuckets spans fast in-memory handlers up to multi-second ones.
var handlerBuckets = []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 2.5, 5, 10}

// Metrics holds the Prometheus collectors shared by servers and clients.
//
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	connectionsActive prometheus.Gauge
	messagesTotal     *prometheus.CounterVec
	handlerDuration   *prometheus.HistogramVec
	decodeErrors      prometheus.Counter
	rateLimited       prometheus.Counter
	reconnectsTotal   prometheus.Counter
	callsTotal        *prometheus.CounterVec
}

// NewMetrics registers the collectors with the configured registry.
//
// Metrics collected:
//   - webmesh_connections_active: Gauge of open server connections
//   - webmesh_messages_total: Counter of dispatched messages by target and status
//   - webmesh_handler_duration_seconds: Histogram of handler duration by target
//   - webmesh_decode_errors_total: Counter of dropped malformed messages
//   - webmesh_rate_limited_total: Counter of connections closed for exceeding the rate limit
//   - webmesh_client_reconnects_total: Counter of client reconnect attempts
//   - webmesh_client_calls_total: Counter of client emits and calls by kind and status
//
// Registering twice on the same registry panics, as with promauto.
func NewMetrics(opts ...MetricsOption) *Metrics {
	config := metricsConfig{namespace: "webmesh", registry: prometheus.DefaultRegisterer}
	for _, opt := range opts {
		opt(&config)
	}
	factory := promauto.With(config.registry)
	ns := config.namespace

	return &Metrics{
		connectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "connections_active",
			Help:      "Number of open server connections",
		}),

		messagesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "messages_total",
			Help:      "Total number of dispatched messages",
		}, []string{"target", "status"}),

		handlerDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "handler_duration_seconds",
			Help:      "Route handler duration in seconds",
			Buckets:   handlerBuckets,
		}, []string{"target"}),

		decodeErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "decode_errors_total",
			Help:      "Total number of malformed messages dropped",
		}),

		rateLimited: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "rate_limited_total",
			Help:      "Total number of connections closed for exceeding the rate limit",
		}),

		reconnectsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "client_reconnects_total",
			Help:      "Total number of client reconnect attempts",
		}),

		callsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "client_calls_total",
			Help:      "Total number of client emits and calls",
		}, []string{"kind", "status"}),
	}
}

func (m *Metrics) connOpened() {
	if m == nil {
		return
	}
	m.connectionsActive.Inc()
}

func (m *Metrics) connClosed() {
	if m == nil {
		return
	}
	m.connectionsActive.Dec()
}

func (m *Metrics) messageHandled(target, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.messagesTotal.WithLabelValues(target, status).Inc()
	m.handlerDuration.WithLabelValues(target).Observe(d.Seconds())
}

func (m *Metrics) decodeError() {
	if m == nil {
		return
	}
	m.decodeErrors.Inc()
}

func (m *Metrics) rateLimitExceeded() {
	if m == nil {
		return
	}
	m.rateLimited.Inc()
}

func (m *Metrics) reconnect() {
	if m == nil {
		return
	}
	m.reconnectsTotal.Inc()
}

func (m *Metrics) call(kind string, err error) {
	if m == nil {
		return
	}
	status := statusOK
	if err != nil {
		status = statusError
	}
	m.callsTotal.WithLabelValues(kind, status).Inc()
}
