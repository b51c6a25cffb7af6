package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Index metrics
	IndexCommitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tangram_index_commit_duration_seconds",
			Help:    "Time taken to commit a batch of index updates through raft",
			Buckets: prometheus.DefBuckets,
		},
	)

	IndexConflictRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tangram_index_conflict_retries_total",
			Help: "Total number of index batches retried after a raft leadership conflict",
		},
	)

	IndexTooLargeTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tangram_index_too_large_total",
			Help: "Total number of index batches halved after exceeding the transaction size limit",
		},
	)

	IndexTransactionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tangram_index_transactions_total",
			Help: "Total number of index batches committed",
		},
	)

	// Raft metrics
	RaftLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tangram_raft_is_leader",
			Help: "Whether this node is the Raft leader (1 = leader, 0 = follower)",
		},
	)

	RaftPeers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tangram_raft_peers_total",
			Help: "Total number of Raft peers in the cluster",
		},
	)

	RaftAppliedIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tangram_raft_applied_index",
			Help: "Last applied Raft log index",
		},
	)

	RaftApplyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tangram_raft_apply_duration_seconds",
			Help:    "Time taken to apply a Raft log entry in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Cache materializer metrics
	CacheMaterializeDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tangram_cache_materialize_duration_seconds",
			Help:    "Time taken to materialize a cache entry",
			Buckets: prometheus.DefBuckets,
		},
	)

	CacheHitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tangram_cache_hits_total",
			Help: "Total number of materialize requests that found an existing cache entry",
		},
	)

	CacheMissesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tangram_cache_misses_total",
			Help: "Total number of materialize requests that built a new cache entry",
		},
	)

	// Sandbox / process metrics
	ProcessesStartedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tangram_processes_started_total",
			Help: "Total number of sandboxed processes started",
		},
	)

	ProcessesFailedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tangram_processes_failed_total",
			Help: "Total number of sandboxed processes that exited with a failure",
		},
	)

	ProcessDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tangram_process_duration_seconds",
			Help:    "Wall time a sandboxed process ran for",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Replication metrics
	ReplicationObjectsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tangram_replication_objects_total",
			Help: "Total number of objects replicated, by direction",
		},
		[]string{"direction"},
	)

	ReplicationLagSeconds = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tangram_replication_lag_seconds",
			Help: "Seconds since the last successful sync with a peer",
		},
		[]string{"peer"},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tangram_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tangram_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func init() {
	// Register index metrics
	prometheus.MustRegister(IndexCommitDuration)
	prometheus.MustRegister(IndexConflictRetriesTotal)
	prometheus.MustRegister(IndexTooLargeTotal)
	prometheus.MustRegister(IndexTransactionsTotal)

	// Register raft metrics
	prometheus.MustRegister(RaftLeader)
	prometheus.MustRegister(RaftPeers)
	prometheus.MustRegister(RaftAppliedIndex)
	prometheus.MustRegister(RaftApplyDuration)

	// Register cache metrics
	prometheus.MustRegister(CacheMaterializeDuration)
	prometheus.MustRegister(CacheHitsTotal)
	prometheus.MustRegister(CacheMissesTotal)

	// Register sandbox metrics
	prometheus.MustRegister(ProcessesStartedTotal)
	prometheus.MustRegister(ProcessesFailedTotal)
	prometheus.MustRegister(ProcessDuration)

	// Register replication metrics
	prometheus.MustRegister(ReplicationObjectsTotal)
	prometheus.MustRegister(ReplicationLagSeconds)

	// Register API metrics
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
