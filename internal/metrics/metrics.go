// Package metrics exposes Prometheus instrumentation for the copy/dedup
// engine: queue depth, claim throughput, commit/error counts, and CAS
// write activity.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// QueueDepth tracks pending/claimed/success/failed counts per medium,
	// refreshed by the queue-stat reconciler.
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "copyengine_queue_depth",
			Help: "Inode rows per medium by processing status",
		},
		[]string{"medium_hash", "status"},
	)

	InodesClaimedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "copyengine_inodes_claimed_total",
			Help: "Total inodes claimed from the work queue",
		},
		[]string{"medium_hash"},
	)

	InodesCommittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "copyengine_inodes_committed_total",
			Help: "Total inodes committed as successful",
		},
		[]string{"medium_hash"},
	)

	InodeErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "copyengine_inode_errors_total",
			Help: "Total inode processing errors by classification",
		},
		[]string{"medium_hash", "error_kind"},
	)

	DiagnosticCheckpointsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "copyengine_diagnostic_checkpoints_total",
			Help: "Total diagnostic checkpoints emitted after repeated retries",
		},
		[]string{"medium_hash"},
	)

	CASBytesWrittenTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "copyengine_cas_bytes_written_total",
			Help: "Total bytes written to the content-addressable store",
		},
		[]string{"medium_hash"},
	)

	CASBlobsCreatedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "copyengine_cas_blobs_created_total",
			Help: "Total distinct content blobs committed to the store",
		},
		[]string{"medium_hash"},
	)

	HardlinksCreatedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "copyengine_hardlinks_created_total",
			Help: "Total archive-tree hardlinks materialized against CAS blobs",
		},
		[]string{"medium_hash"},
	)

	HashDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "copyengine_hash_duration_seconds",
			Help:    "Time spent reading and hashing one inode's content",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"medium_hash"},
	)

	CommitDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "copyengine_commit_duration_seconds",
			Help:    "Time spent committing one batch transactionally",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"medium_hash"},
	)

	WorkersActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "copyengine_workers_active",
			Help: "Number of worker goroutines currently processing a batch",
		},
		[]string{"medium_hash"},
	)
)

func init() {
	prometheus.MustRegister(
		QueueDepth,
		InodesClaimedTotal,
		InodesCommittedTotal,
		InodeErrorsTotal,
		DiagnosticCheckpointsTotal,
		CASBytesWrittenTotal,
		CASBlobsCreatedTotal,
		HardlinksCreatedTotal,
		HashDuration,
		CommitDuration,
		WorkersActive,
	)
}

// Handler returns the Prometheus scrape endpoint handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures elapsed wall-clock time for a single operation.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records elapsed time into histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records elapsed time into a labeled histogram.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
