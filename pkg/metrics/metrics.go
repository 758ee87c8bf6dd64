package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Storage directory / document metrics
	StorageDirsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "notecove_storage_dirs_total",
			Help: "Total number of storage directories registered with this coordinator",
		},
	)

	DocumentsLoaded = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "notecove_documents_loaded",
			Help: "Documents currently held open by a Document Manager, by kind",
		},
		[]string{"kind"},
	)

	// Log (WAL) metrics
	RecordsAppendedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notecove_records_appended_total",
			Help: "Total number of log records appended, by document kind",
		},
		[]string{"kind"},
	)

	RecordsReadTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notecove_records_read_total",
			Help: "Total number of log records read during sync or load, by source",
		},
		[]string{"source"},
	)

	BytesReadTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "notecove_bytes_read_total",
			Help: "Total bytes read from log and snapshot files",
		},
	)

	LogRolloversTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "notecove_log_rollovers_total",
			Help: "Total number of log file rollovers performed",
		},
	)

	// Snapshot metrics
	SnapshotsWrittenTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notecove_snapshots_written_total",
			Help: "Total number of snapshots written, by target (file, db)",
		},
		[]string{"target"},
	)

	SnapshotWriteDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "notecove_snapshot_write_duration_seconds",
			Help:    "Time taken to write and finalize a snapshot",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Sync metrics
	SyncCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "notecove_sync_cycles_total",
			Help: "Total number of LogSync tailing cycles completed",
		},
	)

	SyncCycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "notecove_sync_cycle_duration_seconds",
			Help:    "Time taken for one LogSync tailing cycle",
			Buckets: prometheus.DefBuckets,
		},
	)

	SyncErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notecove_sync_errors_total",
			Help: "Total number of errors encountered during sync, by class",
		},
		[]string{"class"},
	)

	// Deletion log metrics
	TombstonesProcessedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "notecove_tombstones_processed_total",
			Help: "Total number of deletion tombstones applied from peer logs",
		},
	)

	// Cache metrics
	CacheRebuildsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "notecove_cache_rebuilds_total",
			Help: "Total number of full local cache rebuilds performed",
		},
	)

	CacheRebuildDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "notecove_cache_rebuild_duration_seconds",
			Help:    "Time taken to rebuild the local relational cache",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(
		StorageDirsTotal,
		DocumentsLoaded,
		RecordsAppendedTotal,
		RecordsReadTotal,
		BytesReadTotal,
		LogRolloversTotal,
		SnapshotsWrittenTotal,
		SnapshotWriteDuration,
		SyncCyclesTotal,
		SyncCycleDuration,
		SyncErrorsTotal,
		TombstonesProcessedTotal,
		CacheRebuildsTotal,
		CacheRebuildDuration,
	)
}

// Handler returns the Prometheus HTTP handler.
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

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
