// Package metrics declares the Prometheus collectors exported on /metrics:
// HTTP traffic and latency, rate limiter occupancy, resolver cache
// behavior, comparison refresh outcomes, and gauges for the catalog and
// cart sessions. Everything registers against the default registry at
// package init, so importing the package is enough.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	HTTPRequestTotals = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_request_total",
			Help: "HTTP requests served, by method, path and status",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Time spent serving an HTTP request",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		[]string{"method", "path"},
	)

	HTTPRequestInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "http_request_in_flight",
			Help: "Requests currently being served",
		},
	)

	RateLimiterBucketsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "rate_limiter_buckets_total",
			Help: "Client IPs currently holding a rate limiter bucket",
		},
	)

	ResolverCacheHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "resolver_cache_hits_total",
			Help: "Biomarker resolutions served from the in-memory cache",
		},
	)

	ResolverCacheMisses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "resolver_cache_misses_total",
			Help: "Biomarker resolutions that required a remote lookup",
		},
	)

	ResolverBatches = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "resolver_remote_batches_total",
			Help: "Remote resolution batches sent to the pricing service",
		},
	)

	ResolverFallbacks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "resolver_fallbacks_total",
			Help: "Biomarker codes degraded to fallback records after a failed batch",
		},
	)

	ComparisonRefreshTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "comparison_refresh_total",
			Help: "Price comparison refreshes by outcome",
		},
		[]string{"outcome"},
	)

	ComparisonRefreshDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "comparison_refresh_duration_seconds",
			Help:    "Latency of a full price comparison refresh",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
	)

	ActiveCartSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cart_sessions_active",
			Help: "Cart sessions currently held in memory",
		},
	)

	CatalogEntriesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "catalog_entries_total",
			Help: "Biomarker catalog entries currently served",
		},
	)
)

func init() {
	prometheus.MustRegister(
		HTTPRequestTotals,
		HTTPRequestDuration,
		HTTPRequestInFlight,
		RateLimiterBucketsTotal,
		ResolverCacheHits,
		ResolverCacheMisses,
		ResolverBatches,
		ResolverFallbacks,
		ComparisonRefreshTotal,
		ComparisonRefreshDuration,
		ActiveCartSessions,
		CatalogEntriesTotal,
	)
}
