// Package metrics provides Prometheus metrics for the docbox client.
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
	// Gateway metrics
	gatewayRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docbox_gateway_requests_total",
			Help: "Total backend calls by operation and result",
		},
		[]string{"operation", "result"},
	)

	gatewayRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "docbox_gateway_request_duration_seconds",
			Help:    "Backend call duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	// Content transfer metrics
	contentBytesDownloaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "docbox_content_bytes_downloaded_total",
			Help: "Total document content bytes fetched from the backend",
		},
	)

	contentBytesUploaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "docbox_content_bytes_uploaded_total",
			Help: "Total bytes sent in document uploads",
		},
	)

	contentUploadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docbox_content_uploads_total",
			Help: "Total number of document uploads",
		},
		[]string{"status"},
	)

	contentCacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docbox_content_cache_lookups_total",
			Help: "Content cache lookups by outcome",
		},
		[]string{"outcome"},
	)

	// Entity cache metrics
	cacheLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docbox_cache_lookups_total",
			Help: "Entity cache fetches by outcome (hit, miss, stale, join)",
		},
		[]string{"outcome"},
	)

	cacheInvalidationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "docbox_cache_invalidated_entries_total",
			Help: "Entries marked stale by invalidation",
		},
	)

	cacheEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "docbox_cache_entries",
			Help: "Number of entries in the entity cache",
		},
	)

	// Tree metrics
	treeNodes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "docbox_tree_nodes",
			Help: "Number of nodes held by the tree projection",
		},
	)

	treeDiscardedResponses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "docbox_tree_discarded_responses_total",
			Help: "Listings that arrived for a folder no longer in the tree",
		},
	)

	// Mutation metrics
	mutationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docbox_mutations_total",
			Help: "Mutations by operation and outcome (confirmed, rolled_back, rejected)",
		},
		[]string{"operation", "outcome"},
	)

	// Auth metrics
	authAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docbox_auth_attempts_total",
			Help: "Total login attempts",
		},
		[]string{"result"},
	)

	// Web front metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docbox_http_requests_total",
			Help: "Total number of HTTP requests served by the web front",
		},
		[]string{"method", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "docbox_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	sseConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "docbox_sse_connections_active",
			Help: "Number of active event stream subscribers",
		},
	)

	eventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docbox_events_total",
			Help: "Total change events published",
		},
		[]string{"type"},
	)

	// Hot folder metrics
	hotfolderUploadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docbox_hotfolder_uploads_total",
			Help: "Hot folder uploads by status",
		},
		[]string{"status"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

func status(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

// RecordGatewayRequest records one backend call.
func RecordGatewayRequest(operation string, success bool, duration time.Duration) {
	gatewayRequestsTotal.WithLabelValues(operation, status(success)).Inc()
	gatewayRequestDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordContentDownload records fetched content bytes.
func RecordContentDownload(bytes int64) {
	contentBytesDownloaded.Add(float64(bytes))
}

// RecordContentUpload records a document upload.
func RecordContentUpload(bytes int64, success bool) {
	contentBytesUploaded.Add(float64(bytes))
	contentUploadsTotal.WithLabelValues(status(success)).Inc()
}

// RecordContentCacheLookup records a content cache hit or miss.
func RecordContentCacheLookup(hit bool) {
	outcome := "hit"
	if !hit {
		outcome = "miss"
	}
	contentCacheLookups.WithLabelValues(outcome).Inc()
}

// RecordCacheLookup records an entity cache fetch outcome.
func RecordCacheLookup(outcome string) {
	cacheLookupsTotal.WithLabelValues(outcome).Inc()
}

// RecordInvalidations records entries marked stale.
func RecordInvalidations(n int) {
	cacheInvalidationsTotal.Add(float64(n))
}

// SetCacheEntries sets the number of entity cache entries.
func SetCacheEntries(n int) {
	cacheEntries.Set(float64(n))
}

// SetTreeNodes sets the number of nodes in the tree projection.
func SetTreeNodes(n int) {
	treeNodes.Set(float64(n))
}

// RecordDiscardedResponse records a listing dropped as irrelevant.
func RecordDiscardedResponse() {
	treeDiscardedResponses.Inc()
}

// RecordMutation records a mutation outcome.
func RecordMutation(operation, outcome string) {
	mutationsTotal.WithLabelValues(operation, outcome).Inc()
}

// RecordAuthAttempt records a login attempt.
func RecordAuthAttempt(success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	authAttemptsTotal.WithLabelValues(result).Inc()
}

// RecordHTTPRequest records a request served by the web front.
func RecordHTTPRequest(method string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// SetSSEConnectionsActive sets the number of active event subscribers.
func SetSSEConnectionsActive(count int64) {
	sseConnectionsActive.Set(float64(count))
}

// RecordEvent records a published change event.
func RecordEvent(eventType string) {
	eventsTotal.WithLabelValues(eventType).Inc()
}

// RecordHotfolderUpload records a hot folder upload.
func RecordHotfolderUpload(success bool) {
	hotfolderUploadsTotal.WithLabelValues(status(success)).Inc()
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

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Middleware returns HTTP middleware that records request metrics.
// Paths are not used as labels: folder and document ids are unbounded.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		RecordHTTPRequest(r.Method, rw.statusCode, time.Since(start))
	})
}
