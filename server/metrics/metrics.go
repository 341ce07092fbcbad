// Package metrics exposes the Prometheus collectors of the webhook service.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics encapsulates Prometheus metrics for the server.
type Metrics struct {
	registry        *prometheus.Registry
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	ActiveRequests  *prometheus.GaugeVec
	ErrorsTotal     *prometheus.CounterVec
	RateLimitHits   *prometheus.CounterVec

	// Upstream calls by outcome kind (success, protocol, transport, unexpected).
	UpstreamRequests *prometheus.CounterVec
	UpstreamDuration *prometheus.HistogramVec
	UpstreamRetries  prometheus.Counter
	BreakerState     prometheus.Gauge

	// Deferred tasks by outcome, plus dispatcher occupancy.
	DeferredTasks  *prometheus.CounterVec
	DispatchQueued prometheus.Gauge
	DispatchActive prometheus.Gauge
}

// NewMetrics creates a new Metrics instance with its own registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	m := &Metrics{
		registry: registry,
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "medora_http_requests_total",
				Help: "Total number of HTTP requests by endpoint and status",
			},
			[]string{"endpoint", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "medora_http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"endpoint"},
		),
		ActiveRequests: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "medora_http_active_requests",
				Help: "Number of currently active HTTP requests",
			},
			[]string{"endpoint"},
		),
		ErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "medora_errors_total",
				Help: "Total number of errors by type",
			},
			[]string{"type"},
		),
		RateLimitHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "medora_rate_limit_hits_total",
				Help: "Total number of rate limited requests by endpoint",
			},
			[]string{"endpoint"},
		),
		UpstreamRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "medora_upstream_requests_total",
				Help: "Chat-completion calls by outcome",
			},
			[]string{"outcome"},
		),
		UpstreamDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "medora_upstream_request_duration_seconds",
				Help:    "Duration of chat-completion calls including retries",
				Buckets: []float64{0.25, 0.5, 1, 2.5, 5, 10, 20, 40, 60, 120},
			},
			[]string{"outcome"},
		),
		UpstreamRetries: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "medora_upstream_retries_total",
				Help: "Retried chat-completion attempts",
			},
		),
		BreakerState: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "medora_upstream_breaker_state",
				Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
			},
		),
		DeferredTasks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "medora_deferred_tasks_total",
				Help: "Deferred upstream tasks by outcome, including rejected submissions",
			},
			[]string{"outcome"},
		),
		DispatchQueued: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "medora_dispatch_queued_tasks",
				Help: "Deferred tasks accepted but not started",
			},
		),
		DispatchActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "medora_dispatch_active_tasks",
				Help: "Deferred tasks currently calling the upstream",
			},
		),
	}

	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m.RequestsTotal.WithLabelValues("/test", "200").Add(0)
	m.RequestsTotal.WithLabelValues("/webhook", "200").Add(0)

	return m
}

// Registry returns the registry the collectors are registered with.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns a handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: false,
	})
}
