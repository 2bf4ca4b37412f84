// Package metrics provides Prometheus instrumentation for perch.
//
// The service registers its metrics at init time then mounts
// metrics.Handler() at GET /metrics (Prometheus scrape endpoint).
//
// Standard metrics exposed automatically by prometheus/client_golang:
//   - go_goroutines, go_gc_duration_seconds, etc. (Go runtime)
//   - process_cpu_seconds_total, process_open_fds, etc. (process)
//
// Perch-specific metrics registered here:
//
//	perch_http_requests_total         — counter: HTTP requests by method/path/status
//	perch_http_request_duration_secs  — histogram: HTTP latency by method/path
//	perch_tokens_charged_total        — counter: upstream tokens charged to tenants
//	perch_rate_limited_total          — counter: admissions rejected over budget
//	perch_cache_hits_total            — counter: credential cache hits
//	perch_cache_misses_total          — counter: credential cache misses
//	perch_upstream_errors_total       — counter: upstream transport/5xx failures
//	perch_pool_connections            — gauge: pool connections by state
//	perch_storage_fallback            — gauge: 1 while serving from the file backend
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ── Counters ──────────────────────────────────────────────────────────────────

// HTTPRequests counts HTTP requests by method, path, and status code.
var HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "perch_http_requests_total",
	Help: "Total HTTP requests handled.",
}, []string{"method", "path", "status"})

// TokensCharged counts upstream tokens charged against tenant budgets.
var TokensCharged = promauto.NewCounter(prometheus.CounterOpts{
	Name: "perch_tokens_charged_total",
	Help: "Upstream tokens charged to tenant rolling windows.",
})

// RateLimited counts admissions rejected for exceeding the token budget.
var RateLimited = promauto.NewCounter(prometheus.CounterOpts{
	Name: "perch_rate_limited_total",
	Help: "Requests rejected by the rolling-window token limiter.",
})

// CacheHits counts credential cache hits (negative hits included).
var CacheHits = promauto.NewCounter(prometheus.CounterOpts{
	Name: "perch_cache_hits_total",
	Help: "Credential cache hits.",
})

// CacheMisses counts credential cache misses.
var CacheMisses = promauto.NewCounter(prometheus.CounterOpts{
	Name: "perch_cache_misses_total",
	Help: "Credential cache misses.",
})

// UpstreamErrors counts upstream transport failures and non-2xx responses.
var UpstreamErrors = promauto.NewCounter(prometheus.CounterOpts{
	Name: "perch_upstream_errors_total",
	Help: "Upstream transport errors and error responses.",
})

// ── Gauges ────────────────────────────────────────────────────────────────────

// PoolConnections tracks upstream pool connections by state
// (active, idle, waiting).
var PoolConnections = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "perch_pool_connections",
	Help: "Upstream pool connections by state.",
}, []string{"state"})

// StorageFallback is 1 while the fallback controller serves from the file
// backend, 0 on the SQL primary.
var StorageFallback = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "perch_storage_fallback",
	Help: "1 when credential storage is demoted to the file backend.",
})

// ── Histograms ────────────────────────────────────────────────────────────────

// HTTPDuration tracks HTTP request latency.
var HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "perch_http_request_duration_seconds",
	Help:    "HTTP request latency in seconds.",
	Buckets: prometheus.DefBuckets, // .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10
}, []string{"method", "path"})

// ── Handler ───────────────────────────────────────────────────────────────────

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ── Middleware ────────────────────────────────────────────────────────────────

// Middleware wraps an HTTP handler to record request counts and latency.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		dur := time.Since(start).Seconds()
		path := sanitizePath(r.URL.Path)
		status := strconv.Itoa(rw.status)
		HTTPRequests.WithLabelValues(r.Method, path, status).Inc()
		HTTPDuration.WithLabelValues(r.Method, path).Observe(dur)
	})
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Flush keeps the wrapped writer streamable for SSE responses.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// sanitizePath keeps label cardinality bounded. The proxy surface is a
// handful of fixed paths, so truncation is the only guard needed.
func sanitizePath(path string) string {
	if len(path) > 64 {
		return path[:64] + "..."
	}
	return path
}
