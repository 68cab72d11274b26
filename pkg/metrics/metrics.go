// Package metrics exposes Prometheus instrumentation for the VAU transport,
// token verification, QES signature checking, the Task engine, and the
// persistence layer.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// VAU transport metrics
	VAURequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fd_vau_requests_total",
			Help: "Total number of VAU envelope requests by outcome",
		},
		[]string{"outcome"},
	)

	VAUDecryptDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fd_vau_decrypt_duration_seconds",
			Help:    "Time taken to decrypt a VAU envelope in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	VAUEncryptDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fd_vau_encrypt_duration_seconds",
			Help:    "Time taken to encrypt a VAU response envelope in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	VAUWorkerPoolSaturation = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fd_vau_worker_pool_in_flight",
			Help: "Number of VAU envelope operations currently in flight",
		},
	)

	// Access-token metrics
	TokenVerificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fd_token_verifications_total",
			Help: "Total number of access-token verifications by outcome",
		},
		[]string{"outcome"},
	)

	// Trust store metrics
	TrustRefreshTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fd_trust_refresh_total",
			Help: "Total number of trust store refresh attempts by outcome",
		},
		[]string{"outcome"},
	)

	TrustRefreshDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fd_trust_refresh_duration_seconds",
			Help:    "Time taken for a trust store refresh cycle in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	TrustSnapshotAge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fd_trust_snapshot_age_seconds",
			Help: "Age in seconds of the currently active trust snapshot",
		},
	)

	// QES metrics
	QESVerificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fd_qes_verifications_total",
			Help: "Total number of QES signature verifications by outcome",
		},
		[]string{"outcome"},
	)

	QESThrottledTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fd_qes_throttled_total",
			Help: "Total number of QES verifications rejected due to throttling",
		},
	)

	// Task engine metrics
	TasksTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fd_tasks_total",
			Help: "Total number of Task resources by status",
		},
		[]string{"status"},
	)

	TaskTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fd_task_transitions_total",
			Help: "Total number of Task state transitions by operation and outcome",
		},
		[]string{"operation", "outcome"},
	)

	TaskOperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fd_task_operation_duration_seconds",
			Help:    "Time taken for a Task engine operation in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	// Store metrics
	StoreFlushDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fd_store_flush_duration_seconds",
			Help:    "Time taken to flush the in-memory store to disk in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	StoreFlushesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fd_store_flushes_total",
			Help: "Total number of coalesced flush-to-disk cycles",
		},
	)

	StoreExpiryScansTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fd_store_expiry_scans_total",
			Help: "Total number of auto-expiry scan cycles completed",
		},
	)

	// HTTP surface metrics
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fd_http_requests_total",
			Help: "Total number of HTTP requests by route and status",
		},
		[]string{"route", "status"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fd_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
)

func init() {
	prometheus.MustRegister(
		VAURequestsTotal,
		VAUDecryptDuration,
		VAUEncryptDuration,
		VAUWorkerPoolSaturation,
		TokenVerificationsTotal,
		TrustRefreshTotal,
		TrustRefreshDuration,
		TrustSnapshotAge,
		QESVerificationsTotal,
		QESThrottledTotal,
		TasksTotal,
		TaskTransitionsTotal,
		TaskOperationDuration,
		StoreFlushDuration,
		StoreFlushesTotal,
		StoreExpiryScansTotal,
		HTTPRequestsTotal,
		HTTPRequestDuration,
	)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed duration to a histogram vec.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
