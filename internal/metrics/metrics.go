package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"warehouse-allocator/internal/allocator"
)

// Metrics holds all application metrics.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge

	// Allocation metrics
	AllocationsTotal   prometheus.Counter
	RejectionsTotal    *prometheus.CounterVec
	AllocationDuration *prometheus.HistogramVec

	// WebSocket metrics
	WSConnections  prometheus.Gauge
	WSMessagesSent *prometheus.CounterVec

	// Broker metrics
	MQMessagesPublished *prometheus.CounterVec
	MQPublishFailures   *prometheus.CounterVec
	MQMessagesConsumed  *prometheus.CounterVec
	BreakerState        *prometheus.GaugeVec

	// Cache metrics
	CacheHits   prometheus.Counter
	CacheMisses prometheus.Counter
}

// NewMetrics creates all application metrics and registers them with reg.
// A nil reg uses the default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		// HTTP metrics
		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		HTTPRequestsInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Current number of HTTP requests being processed",
			},
		),

		// Allocation metrics
		AllocationsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "allocations_total",
				Help: "Total number of committed allocations",
			},
		),
		RejectionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "allocation_rejections_total",
				Help: "Allocation requests that did not commit, by reason",
			},
			[]string{"reason"},
		),
		AllocationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "allocation_duration_seconds",
				Help:    "Allocation transaction duration in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
			},
			[]string{"outcome"},
		),

		// WebSocket metrics
		WSConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "ws_connections_active",
				Help: "Current number of active WebSocket connections",
			},
		),
		WSMessagesSent: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ws_messages_sent_total",
				Help: "Total number of WebSocket messages sent",
			},
			[]string{"type"},
		),

		// Broker metrics
		MQMessagesPublished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mq_messages_published_total",
				Help: "Total number of events published",
			},
			[]string{"broker", "event_type"},
		),
		MQPublishFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mq_publish_failures_total",
				Help: "Total number of events that could not be published",
			},
			[]string{"broker", "event_type"},
		),
		MQMessagesConsumed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mq_messages_consumed_total",
				Help: "Total number of messages consumed, by result",
			},
			[]string{"queue", "result"},
		),
		BreakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "circuit_breaker_state",
				Help: "Circuit breaker state (0 closed, 1 half-open, 2 open)",
			},
			[]string{"name"},
		),

		// Cache metrics
		CacheHits: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "cache_hits_total",
				Help: "Total number of cache hits",
			},
		),
		CacheMisses: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "cache_misses_total",
				Help: "Total number of cache misses",
			},
		),
	}
}

// ObserveAllocation implements allocator.Observer.
func (m *Metrics) ObserveAllocation(reason allocator.Reason, duration time.Duration) {
	outcome := "committed"
	if reason != "" {
		outcome = "rejected"
		if reason == allocator.ReasonInternal {
			outcome = "failed"
		}
		m.RejectionsTotal.WithLabelValues(string(reason)).Inc()
	} else {
		m.AllocationsTotal.Inc()
	}
	m.AllocationDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// RecordWSSent records a WebSocket message sent.
func (m *Metrics) RecordWSSent(msgType string) {
	m.WSMessagesSent.WithLabelValues(msgType).Inc()
}

// RecordPublish records the result of one event publish.
func (m *Metrics) RecordPublish(broker, eventType string, err error) {
	if err != nil {
		m.MQPublishFailures.WithLabelValues(broker, eventType).Inc()
		return
	}
	m.MQMessagesPublished.WithLabelValues(broker, eventType).Inc()
}

// RecordConsumed records a consumed message and how it was settled.
func (m *Metrics) RecordConsumed(queue, result string) {
	m.MQMessagesConsumed.WithLabelValues(queue, result).Inc()
}

// RecordBreakerState records the state of a named circuit breaker.
func (m *Metrics) RecordBreakerState(name string, state int) {
	m.BreakerState.WithLabelValues(name).Set(float64(state))
}

// RecordCacheHit records a cache hit.
func (m *Metrics) RecordCacheHit() {
	m.CacheHits.Inc()
}

// RecordCacheMiss records a cache miss.
func (m *Metrics) RecordCacheMiss() {
	m.CacheMisses.Inc()
}

// RecordHTTPRequest records an HTTP request.
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration float64) {
	m.HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration)
}
