package walredo

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the redo path's prometheus instruments, named after the
// wal_redo_time / wal_redo_bytes_histogram / wal_redo_wait_time the original
// implementation tracks for its own child-process applier.
var (
	ApplyDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "wal_redo_apply_seconds",
		Help:    "Time spent applying a WAL redo batch, including both in-process and external runs.",
		Buckets: prometheus.ExponentialBuckets(0.0001, 4, 12),
	}, []string{"tenant_id"})

	RecordBytes = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "wal_redo_record_bytes",
		Help:    "Size in bytes of opaque records sent to the external wal-redo process.",
		Buckets: prometheus.ExponentialBuckets(16, 4, 10),
	}, []string{"tenant_id"})

	WaitDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "wal_redo_wait_seconds",
		Help:    "Time a caller spent waiting to acquire a tenant's redo mutex.",
		Buckets: prometheus.DefBuckets,
	}, []string{"tenant_id"})

	ProcessLaunches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "wal_redo_process_launches_total",
		Help: "Number of times a wal-redo child process was launched, per tenant.",
	}, []string{"tenant_id"})

	ProcessKills = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "wal_redo_process_kills_total",
		Help: "Number of times a wal-redo child process was killed following an error.",
	}, []string{"tenant_id"})
)

func init() {
	prometheus.MustRegister(ApplyDuration, RecordBytes, WaitDuration, ProcessLaunches, ProcessKills)
}
