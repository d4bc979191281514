// Package metrics defines the Prometheus metric collectors used across the
// service and exposes an HTTP handler for scraping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors for the service.
type Metrics struct {
	HTTPRequestsTotal       *prometheus.CounterVec
	HTTPRequestDuration     *prometheus.HistogramVec
	HTTPRequestsInFlight    prometheus.Gauge
	CompilesTotal           *prometheus.CounterVec
	CompileLatency          *prometheus.HistogramVec
	PlanAutomatons          prometheus.Histogram
	PlanGroups              prometheus.Histogram
	SynonymExpansionsTotal  prometheus.Counter
	WordSplitsTotal         prometheus.Counter
	StoreRetriesTotal       prometheus.Counter
	CacheHitsTotal          prometheus.Counter
	CacheMissesTotal        prometheus.Counter
	CacheInvalidationsTotal prometheus.Counter
	EventsDroppedTotal      prometheus.Counter
}

// New creates all metrics and registers them with the default registry.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates all metrics and registers them with reg.
func NewWithRegistry(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
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
		CompilesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "query_compiles_total",
				Help: "Total query compilations by result (ok, invalid, unavailable, timeout, error).",
			},
			[]string{"result"},
		),
		CompileLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "query_compile_latency_seconds",
				Help:    "Query compilation latency in seconds.",
				Buckets: []float64{0.0001, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
			},
			[]string{"cache_status"},
		),
		PlanAutomatons: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "query_plan_automatons",
				Help:    "Number of automatons per compiled query.",
				Buckets: []float64{1, 2, 4, 8, 16, 32, 64, 128},
			},
		),
		PlanGroups: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "query_plan_groups",
				Help:    "Number of automaton groups per compiled query.",
				Buckets: []float64{1, 2, 4, 8, 16, 32, 64},
			},
		),
		SynonymExpansionsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "synonym_expansions_total",
				Help: "Total synonym expansions emitted.",
			},
		),
		WordSplitsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "word_splits_total",
				Help: "Total single words split into a phrase query.",
			},
		),
		StoreRetriesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "store_retries_total",
				Help: "Total compilations retried after the store was unavailable.",
			},
		),
		CacheHitsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "cache_hits_total",
				Help: "Total number of plan cache hits.",
			},
		),
		CacheMissesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "cache_misses_total",
				Help: "Total number of plan cache misses.",
			},
		),
		CacheInvalidationsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "cache_invalidations_total",
				Help: "Total plan cache invalidations.",
			},
		),
		EventsDroppedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "compile_events_dropped_total",
				Help: "Compile events dropped because the publish buffer was full.",
			},
		),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestsInFlight,
		m.CompilesTotal,
		m.CompileLatency,
		m.PlanAutomatons,
		m.PlanGroups,
		m.SynonymExpansionsTotal,
		m.WordSplitsTotal,
		m.StoreRetriesTotal,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.CacheInvalidationsTotal,
		m.EventsDroppedTotal,
	)

	return m
}

// Handler serves the metrics gathered by g in the Prometheus exposition
// format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{EnableOpenMetrics: true})
}
