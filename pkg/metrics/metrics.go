package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// WAL metrics
	WALFlushedLSN = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dbcore_wal_flushed_lsn",
			Help: "Highest LSN known to be durable on disk",
		},
	)

	WALCurrentLSN = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dbcore_wal_current_lsn",
			Help: "Next LSN to be allocated",
		},
	)

	WALGroupCommitBatchSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dbcore_wal_group_commit_batch_size",
			Help:    "Number of WAL entries flushed together in one group commit",
			Buckets: []float64{1, 2, 4, 8, 16, 32, 64, 128, 256},
		},
	)

	WALFlushDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dbcore_wal_flush_duration_seconds",
			Help:    "Time spent in a single group-commit flush, including fsync",
			Buckets: prometheus.DefBuckets,
		},
	)

	WALAppendErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dbcore_wal_append_errors_total",
			Help: "Total WAL append failures by kind",
		},
		[]string{"kind"},
	)

	// Checkpoint metrics
	CheckpointsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dbcore_checkpoints_total",
			Help: "Total number of checkpoints completed",
		},
	)

	CheckpointDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dbcore_checkpoint_duration_seconds",
			Help:    "Time taken to complete a checkpoint cycle",
			Buckets: prometheus.DefBuckets,
		},
	)

	LastCheckpointLSN = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dbcore_last_checkpoint_lsn",
			Help: "LSN recorded by the most recent completed checkpoint",
		},
	)

	// Log shipper metrics
	ShipperStandbyApplyLSN = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dbcore_shipper_standby_apply_lsn",
			Help: "Last applied LSN acknowledged by each standby",
		},
		[]string{"standby"},
	)

	ShipperStandbyLagEntries = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dbcore_shipper_standby_lag_entries",
			Help: "Entries buffered but not yet acknowledged by each standby",
		},
		[]string{"standby"},
	)

	// Raft metrics
	RaftIsLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dbcore_raft_is_leader",
			Help: "Whether this node is the Raft leader (1 = leader, 0 = not)",
		},
	)

	RaftTerm = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dbcore_raft_term",
			Help: "Current Raft term",
		},
	)

	RaftCommitIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dbcore_raft_commit_index",
			Help: "Current Raft commit index",
		},
	)

	RaftElectionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dbcore_raft_elections_total",
			Help: "Total number of elections this node has started",
		},
	)

	// HCC metrics
	HCCCUsCreatedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dbcore_hcc_cus_created_total",
			Help: "Total number of compression units assembled",
		},
	)

	HCCCompressionRatio = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dbcore_hcc_compression_ratio",
			Help:    "Uncompressed-to-compressed size ratio of completed CUs",
			Buckets: []float64{1, 2, 3, 4, 5, 8, 10, 20, 50},
		},
	)

	HCCCreateCUDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dbcore_hcc_create_cu_duration_seconds",
			Help:    "Time taken to assemble one compression unit",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Conflict resolver metrics
	ConflictsDetectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dbcore_conflicts_detected_total",
			Help: "Total conflicts detected by type",
		},
		[]string{"type"},
	)

	ConflictsResolvedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dbcore_conflicts_resolved_total",
			Help: "Total conflicts resolved by strategy",
		},
		[]string{"strategy"},
	)

	ConflictsPending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dbcore_conflicts_pending",
			Help: "Conflicts currently awaiting resolution across all shards",
		},
	)

	// CDC metrics
	CDCEventsEmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dbcore_cdc_events_emitted_total",
			Help: "Total change events emitted by change type",
		},
		[]string{"change_type"},
	)

	CDCEventsFilteredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dbcore_cdc_events_filtered_total",
			Help: "Total change events dropped by filters",
		},
	)

	CDCBatchesBroadcastTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dbcore_cdc_batches_broadcast_total",
			Help: "Total sealed batches broadcast to subscribers",
		},
	)

	CDCSubscriberDropsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dbcore_cdc_subscriber_drops_total",
			Help: "Total events dropped because a subscriber channel was full",
		},
	)

	CDCLastProcessedLSN = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dbcore_cdc_last_processed_lsn",
			Help: "Last WAL LSN processed by the CDC engine",
		},
	)
)

func init() {
	prometheus.MustRegister(
		WALFlushedLSN,
		WALCurrentLSN,
		WALGroupCommitBatchSize,
		WALFlushDuration,
		WALAppendErrorsTotal,
		CheckpointsTotal,
		CheckpointDuration,
		LastCheckpointLSN,
		ShipperStandbyApplyLSN,
		ShipperStandbyLagEntries,
		RaftIsLeader,
		RaftTerm,
		RaftCommitIndex,
		RaftElectionsTotal,
		HCCCUsCreatedTotal,
		HCCCompressionRatio,
		HCCCreateCUDuration,
		ConflictsDetectedTotal,
		ConflictsResolvedTotal,
		ConflictsPending,
		CDCEventsEmittedTotal,
		CDCEventsFilteredTotal,
		CDCBatchesBroadcastTotal,
		CDCSubscriberDropsTotal,
		CDCLastProcessedLSN,
	)
}

// Handler returns the Prometheus HTTP handler for scraping.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a small helper for timing operations into a histogram.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer started at the current time.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time into a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed time into a labeled histogram.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
