// Package metrics defines the Prometheus metric collectors used across the
// service and exposes an HTTP handler for scraping.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics holds the Prometheus collectors of one process and the registry
// they are scraped from.
type Metrics struct {
	registry *prometheus.Registry


	HTTPRequestsTotal        *prometheus.CounterVec
	HTTPRequestDuration      *prometheus.HistogramVec
	HTTPRequestsInFlight     prometheus.Gauge
	AttributionRequestsTotal *prometheus.CounterVec
	AttributionLatency       *prometheus.HistogramVec
	AttributionStageLatency  *prometheus.HistogramVec
	SpansPerResponse         *prometheus.HistogramVec
	CacheHitsTotal           prometheus.Counter
	CacheMissesTotal         prometheus.Counter
	IndexState               *prometheus.GaugeVec
	IndexDocuments           *prometheus.GaugeVec
	RateLimitedTotal         prometheus.Counter
	CircuitBreakerState      *prometheus.GaugeVec
}

// New creates the collectors on a fresh registry that also exports Go
// runtime and process metrics.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return NewWithRegistry(reg)
}

// NewWithRegistry creates the collectors and registers them with reg.
func NewWithRegistry(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		registry: reg,
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests by method, path, and status.",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request latency in seconds.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
			[]string{"method", "path"},
		),
		HTTPRequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Number of HTTP requests currently being processed.",
			},
		),
		AttributionRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "attribution_requests_total",
				Help: "Total attribution requests by index and outcome (ok, empty, invalid, timeout, error).",
			},
			[]string{"index", "outcome"},
		),
		AttributionLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "attribution_latency_seconds",
				Help:    "End-to-end attribution latency in seconds.",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"index", "cache_status"},
		),
		AttributionStageLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "attribution_stage_latency_seconds",
				Help:    "Attribution pipeline latency per stage in seconds.",
				Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"stage"},
		),
		SpansPerResponse: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "attribution_spans_per_response",
				Help:    "Number of top-level spans returned per attribution.",
				Buckets: []float64{0, 1, 2, 5, 10, 25, 50},
			},
			[]string{"index"},
		),
		CacheHitsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "cache_hits_total",
				Help: "Total number of response cache hits.",
			},
		),
		CacheMissesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "cache_misses_total",
				Help: "Total number of response cache misses.",
			},
		),
		IndexState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "corpus_index_state",
				Help: "Corpus index state (0=ready, 1=unavailable, 2=corrupt).",
			},
			[]string{"index"},
		),
		IndexDocuments: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "corpus_index_documents",
				Help: "Number of documents per loaded corpus index.",
			},
			[]string{"index"},
		),
		RateLimitedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "rate_limited_requests_total",
				Help: "Total requests rejected by the rate limiter.",
			},
		),
		CircuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "circuit_breaker_state",
				Help: "Circuit breaker state (0=closed, 1=open, 2=half-open).",
			},
			[]string{"name"},
		),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestsInFlight,
		m.AttributionRequestsTotal,
		m.AttributionLatency,
		m.AttributionStageLatency,
		m.SpansPerResponse,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.IndexState,
		m.IndexDocuments,
		m.RateLimitedTotal,
		m.CircuitBreakerState,
	)

	return m
}
