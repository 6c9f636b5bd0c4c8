// Package metrics defines the Prometheus metrics exported by pixcache.
package metrics

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/pixcache/pixcache/internal/sizespec"
)

// registerOnce ensures Register() is idempotent.
var registerOnce sync.Once

// sizeBuckets are exponential buckets for response size histograms (bytes).
var sizeBuckets = []float64{256, 1024, 4096, 16384, 65536, 262144, 1048576, 4194304, 16777216, 67108864}

// transformBuckets cover end-to-end transform latency in seconds.
var transformBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// HTTP metrics (RED: Rate, Errors, Duration).
var (
	// HTTPRequestsTotal counts total HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pixcache_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency in seconds by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pixcache_http_request_duration_seconds",
			Help:    "Request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// HTTPResponseSize observes response body size in bytes.
	HTTPResponseSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pixcache_http_response_size_bytes",
			Help:    "Response body size in bytes",
			Buckets: sizeBuckets,
		},
		[]string{"method", "path"},
	)

	// BytesSentTotal counts total bytes sent in response bodies.
	BytesSentTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pixcache_bytes_sent_total",
			Help: "Total bytes sent (response bodies)",
		},
	)
)

// Pipeline metrics.
var (
	// CacheLookupsTotal counts derivative lookups by tier (ephemeral,
	// durable) and result (hit, miss, error).
	CacheLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pixcache_cache_lookups_total",
			Help: "Derivative cache lookups by tier and result",
		},
		[]string{"tier", "result"},
	)

	// TransformsTotal counts transform attempts by mode (fit, cover) and
	// status (success, decode_error, transform_error).
	TransformsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pixcache_transforms_total",
			Help: "Image transforms by mode and outcome",
		},
		[]string{"mode", "status"},
	)

	// TransformDuration observes decode+resize+encode latency by mode.
	TransformDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pixcache_transform_duration_seconds",
			Help:    "Image transform latency in seconds",
			Buckets: transformBuckets,
		},
		[]string{"mode"},
	)

	// PersistFailuresTotal counts best-effort write failures by tier
	// (durable, ephemeral, catalog).
	PersistFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pixcache_preview_persist_failures_total",
			Help: "Failed best-effort preview writes by tier",
		},
		[]string{"tier"},
	)

	// CoalescedTotal counts requests that shared another request's transform.
	CoalescedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pixcache_coalesced_requests_total",
			Help: "Requests served by an in-flight identical transform",
		},
	)

	// RateLimitedTotal counts requests rejected by the rate limiter.
	RateLimitedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pixcache_rate_limited_total",
			Help: "Requests rejected with 429",
		},
	)

	// RateLimitClients tracks the number of clients with live limiter state.
	RateLimitClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pixcache_rate_limit_clients",
			Help: "Clients tracked by the rate limiter",
		},
	)
)

// Register registers all Prometheus collectors with the default registry.
// This must be called explicitly (typically from main) so that metrics
// registration can be made conditional on configuration. It is safe to call
// multiple times; subsequent calls are no-ops.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			HTTPRequestsTotal,
			HTTPRequestDuration,
			HTTPResponseSize,
			BytesSentTotal,
			CacheLookupsTotal,
			TransformsTotal,
			TransformDuration,
			PersistFailuresTotal,
			CoalescedTotal,
			RateLimitedTotal,
			RateLimitClients,
		)
		// Pre-create the common series so dashboards see zeros, not gaps.
		for _, tier := range []string{"ephemeral", "durable"} {
			for _, result := range []string{"hit", "miss"} {
				CacheLookupsTotal.WithLabelValues(tier, result)
			}
		}
		TransformsTotal.WithLabelValues("fit", "success")
		TransformsTotal.WithLabelValues("cover", "success")
	})
}

// NormalizePath maps actual request paths to normalized path templates
// suitable for use as Prometheus metric labels. This avoids high-cardinality
// labels from individual bucket/object names.
func NormalizePath(path string) string {
	switch path {
	case "/health":
		return "/health"
	case "/readyz":
		return "/readyz"
	case "/metrics":
		return "/metrics"
	case "/docs", "/docs/":
		return "/docs"
	case "/openapi.json", "/openapi.yaml":
		return "/openapi"
	case "/", "":
		return "/"
	}
	if strings.HasPrefix(path, "/docs") {
		return "/docs"
	}

	trimmed := strings.TrimPrefix(path, "/")
	bucket, rest, found := strings.Cut(trimmed, "/")
	if bucket == "" {
		return "/"
	}
	if !found || rest == "" {
		return "/{bucket}"
	}
	size, tail, found := strings.Cut(rest, "/")
	if found && tail != "" && sizespec.Match(size) {
		return "/{bucket}/{size}/{path}"
	}
	return "/{bucket}/{path}"
}
