// Package metrics provides Prometheus metrics for the securedrop server.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP request metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "securedrop_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "securedrop_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// File lifecycle metrics
	uploadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "securedrop_uploads_total",
			Help: "Total number of file uploads",
		},
		[]string{"status"},
	)

	uploadBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "securedrop_upload_bytes_total",
			Help: "Total plaintext bytes uploaded",
		},
	)

	downloadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "securedrop_downloads_total",
			Help: "Total number of download attempts",
		},
		[]string{"status"},
	)

	downloadBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "securedrop_download_bytes_total",
			Help: "Total plaintext bytes served",
		},
	)

	codeCollisionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "securedrop_access_code_collisions_total",
			Help: "Total access code collisions during allocation",
		},
	)

	// Cleanup metrics
	cleanupRunsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "securedrop_cleanup_runs_total",
			Help: "Total number of cleanup sweeps",
		},
	)

	cleanupReclaimedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "securedrop_cleanup_reclaimed_total",
			Help: "Total number of records reclaimed by cleanup sweeps",
		},
	)

	cleanupFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "securedrop_cleanup_failures_total",
			Help: "Total number of per-record cleanup failures",
		},
	)

	cleanupDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "securedrop_cleanup_duration_seconds",
			Help:    "Cleanup sweep duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Database metrics
	dbQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "securedrop_db_query_duration_seconds",
			Help:    "Database query duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"query"},
	)

	dbConnectionsOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "securedrop_db_connections_open",
			Help: "Number of open database connections",
		},
	)

	// Storage backend metrics
	storageOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "securedrop_storage_operation_duration_seconds",
			Help:    "Storage backend operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	storageOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "securedrop_storage_operations_total",
			Help: "Total storage backend operations",
		},
		[]string{"operation", "status"},
	)

	// Auth metrics
	authAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "securedrop_auth_attempts_total",
			Help: "Total authentication attempts",
		},
		[]string{"result"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordHTTPRequest records an HTTP request metric.
func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordUpload records a file upload.
func RecordUpload(bytes int64, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	uploadsTotal.WithLabelValues(status).Inc()
	if success {
		uploadBytesTotal.Add(float64(bytes))
	}
}

// RecordDownload records a download attempt with its outcome label.
func RecordDownload(bytes int64, status string) {
	downloadsTotal.WithLabelValues(status).Inc()
	if bytes > 0 {
		downloadBytesTotal.Add(float64(bytes))
	}
}

// RecordCodeCollision records an access code allocation collision.
func RecordCodeCollision() {
	codeCollisionsTotal.Inc()
}

// RecordCleanupRun records a completed cleanup sweep.
func RecordCleanupRun(reclaimed, failures int, duration time.Duration) {
	cleanupRunsTotal.Inc()
	cleanupReclaimedTotal.Add(float64(reclaimed))
	cleanupFailuresTotal.Add(float64(failures))
	cleanupDuration.Observe(duration.Seconds())
}

// RecordDBQuery records a database query duration.
func RecordDBQuery(query string, duration time.Duration) {
	dbQueryDuration.WithLabelValues(query).Observe(duration.Seconds())
}

// SetDBConnectionsOpen sets the number of open database connections.
func SetDBConnectionsOpen(count int) {
	dbConnectionsOpen.Set(float64(count))
}

// RecordStorageOperation records a storage backend operation.
func RecordStorageOperation(operation string, duration time.Duration, success bool) {
	storageOperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
	status := "success"
	if !success {
		status = "error"
	}
	storageOperationsTotal.WithLabelValues(operation, status).Inc()
}

// RecordAuthAttempt records an authentication attempt.
func RecordAuthAttempt(success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	authAttemptsTotal.WithLabelValues(result).Inc()
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Middleware returns HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		RecordHTTPRequest(r.Method, r.URL.Path, rw.statusCode, time.Since(start))
	})
}
