// Package metrics provides Prometheus metrics for the wpic server.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP request metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wpic_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wpic_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// Upload metrics
	uploadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wpic_uploads_total",
			Help: "Total number of uploads",
		},
		[]string{"status"},
	)

	uploadBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "wpic_upload_bytes_total",
			Help: "Total bytes accepted from uploads",
		},
	)

	dedupHitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "wpic_dedup_hits_total",
			Help: "Uploads satisfied by an existing stored object",
		},
	)

	// Download metrics
	downloadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wpic_downloads_total",
			Help: "Total number of downloads",
		},
		[]string{"variant", "status"},
	)

	downloadBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "wpic_download_bytes_total",
			Help: "Total bytes served to clients",
		},
	)

	// Cache metrics
	cacheRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wpic_cache_requests_total",
			Help: "Cache lookups by outcome",
		},
		[]string{"kind", "result"},
	)

	// Derivative metrics
	derivativeBuildsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wpic_derivative_builds_total",
			Help: "Derivative renders by spec",
		},
		[]string{"spec"},
	)

	derivativeBuildDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wpic_derivative_build_duration_seconds",
			Help:    "Derivative render duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"spec"},
	)

	// Quota metrics
	quotaRejectionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "wpic_quota_rejections_total",
			Help: "Uploads rejected for exceeding quota",
		},
	)

	// Backend metrics
	backendOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wpic_backend_operation_duration_seconds",
			Help:    "Storage backend operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend", "operation"},
	)

	backendOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wpic_backend_operations_total",
			Help: "Total storage backend operations",
		},
		[]string{"backend", "operation", "status"},
	)

	// GC metrics
	gcReclaimedObjectsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "wpic_gc_reclaimed_objects_total",
			Help: "Orphaned objects reclaimed by garbage collection",
		},
	)

	gcExpiredFilesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "wpic_gc_expired_files_total",
			Help: "Expired file records removed by garbage collection",
		},
	)

	// Auth metrics
	authAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wpic_auth_attempts_total",
			Help: "Total authentication attempts",
		},
		[]string{"result"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordUpload records an upload attempt.
func RecordUpload(bytes int64, deduplicated, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	uploadsTotal.WithLabelValues(status).Inc()
	if success {
		uploadBytesTotal.Add(float64(bytes))
		if deduplicated {
			dedupHitsTotal.Inc()
		}
	}
}

// RecordDownload records a download of an original or derivative.
func RecordDownload(variant string, bytes int64, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	downloadsTotal.WithLabelValues(variant, status).Inc()
	if success {
		downloadBytesTotal.Add(float64(bytes))
	}
}

// RecordCacheLookup records a cache hit or miss for a cache kind
// (blob, derivative, meta, owner).
func RecordCacheLookup(kind string, hit bool) {
	result := "hit"
	if !hit {
		result = "miss"
	}
	cacheRequestsTotal.WithLabelValues(kind, result).Inc()
}

// RecordDerivativeBuild records a derivative render.
func RecordDerivativeBuild(spec string, duration time.Duration) {
	derivativeBuildsTotal.WithLabelValues(spec).Inc()
	derivativeBuildDuration.WithLabelValues(spec).Observe(duration.Seconds())
}

// RecordQuotaRejection records an upload rejected for quota.
func RecordQuotaRejection() {
	quotaRejectionsTotal.Inc()
}

// RecordBackendOperation records a storage backend operation.
func RecordBackendOperation(backend, operation string, duration time.Duration, success bool) {
	backendOperationDuration.WithLabelValues(backend, operation).Observe(duration.Seconds())
	status := "success"
	if !success {
		status = "error"
	}
	backendOperationsTotal.WithLabelValues(backend, operation, status).Inc()
}

// RecordGCReclaim records objects reclaimed by a GC sweep.
func RecordGCReclaim(objects, expiredFiles int) {
	gcReclaimedObjectsTotal.Add(float64(objects))
	gcExpiredFilesTotal.Add(float64(expiredFiles))
}

// RecordAuthAttempt records an authentication attempt.
func RecordAuthAttempt(success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	authAttemptsTotal.WithLabelValues(result).Inc()
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Middleware returns HTTP middleware that records request metrics.
// Requests are labeled with the chi route pattern to keep cardinality
// bounded.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}

		httpRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rw.statusCode)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}
