// Package metrics defines custom Prometheus metrics for TeleCloud.
package metrics

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// registerOnce ensures Register() is idempotent.
var registerOnce sync.Once

// sizeBuckets are exponential buckets for request/response size histograms (bytes).
var sizeBuckets = []float64{256, 1024, 4096, 16384, 65536, 262144, 1048576, 4194304, 16777216, 67108864}

// HTTP metrics (RED: Rate, Errors, Duration).
var (
	// HTTPRequestsTotal counts total HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telecloud_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency in seconds by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "telecloud_http_request_duration_seconds",
			Help:    "Request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// HTTPResponseSize observes response body size in bytes.
	HTTPResponseSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "telecloud_http_response_size_bytes",
			Help:    "Response body size in bytes",
			Buckets: sizeBuckets,
		},
		[]string{"method", "path"},
	)
)

// File engine metrics.
var (
	// UploadsTotal counts completed upload attempts by outcome ("ok" or "failed").
	UploadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telecloud_uploads_total",
			Help: "File uploads by outcome",
		},
		[]string{"outcome"},
	)

	// DownloadsTotal counts completed download attempts by outcome.
	DownloadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telecloud_downloads_total",
			Help: "File downloads by outcome",
		},
		[]string{"outcome"},
	)

	// DeletesTotal counts permanently deleted files.
	DeletesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "telecloud_deletes_total",
			Help: "Files permanently deleted",
		},
	)

	// ChunksSentTotal counts chunks successfully stored on the transport.
	ChunksSentTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "telecloud_chunks_sent_total",
			Help: "Chunks successfully sent to the transport",
		},
	)

	// BytesUploadedTotal counts payload bytes accepted into completed uploads.
	BytesUploadedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "telecloud_bytes_uploaded_total",
			Help: "Total payload bytes of committed files",
		},
	)
)

// Register registers all Prometheus collectors with the default registry.
// Called explicitly from main so registration can be made conditional on
// configuration. Safe to call multiple times; subsequent calls are no-ops.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			HTTPRequestsTotal,
			HTTPRequestDuration,
			HTTPResponseSize,
			UploadsTotal,
			DownloadsTotal,
			DeletesTotal,
			ChunksSentTotal,
			BytesUploadedTotal,
		)
		// Initialize the vecs so the series appear in /metrics output
		// before the first upload or download happens.
		UploadsTotal.WithLabelValues("ok")
		DownloadsTotal.WithLabelValues("ok")
	})
}

// NormalizePath maps request paths to path templates suitable for Prometheus
// labels, avoiding high-cardinality labels from individual file IDs.
func NormalizePath(path string) string {
	switch path {
	case "/healthz":
		return "/healthz"
	case "/metrics":
		return "/metrics"
	case "/api/files":
		return "/api/files"
	case "/api/trash":
		return "/api/trash"
	case "/api/trash/empty":
		return "/api/trash/empty"
	case "/", "":
		return "/"
	}

	if rest, ok := strings.CutPrefix(path, "/api/files/"); ok {
		if idx := strings.IndexByte(rest, '/'); idx >= 0 {
			return "/api/files/{id}/" + rest[idx+1:]
		}
		return "/api/files/{id}"
	}
	return "/other"
}
