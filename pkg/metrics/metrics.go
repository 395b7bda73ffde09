// Package metrics exposes Prometheus instrumentation for the transaction log.
//
// Collectors are created against an injected Registerer so several embedded
// database instances in one process never collide; pass nil to keep the
// metrics unregistered (tests, throwaway instances).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Log struct {
	AppendedTransactions prometheus.Counter
	AppendedBytes        prometheus.Counter
	Rotations            prometheus.Counter
	Checkpoints          prometheus.Counter

	RecoveredTransactions prometheus.Counter
	TruncationEvents      prometheus.Counter
	RecoveryDuration      prometheus.Histogram
}

func New(reg prometheus.Registerer) *Log {
	factory := promauto.With(reg)

	return &Log{
		AppendedTransactions: factory.NewCounter(prometheus.CounterOpts{
			Name: "loomdb_txlog_appended_transactions_total",
			Help: "Total number of transactions appended to the log",
		}),
		AppendedBytes: factory.NewCounter(prometheus.CounterOpts{
			Name: "loomdb_txlog_appended_bytes_total",
			Help: "Total bytes appended to the log",
		}),
		Rotations: factory.NewCounter(prometheus.CounterOpts{
			Name: "loomdb_txlog_rotations_total",
			Help: "Total number of segment rotations",
		}),
		Checkpoints: factory.NewCounter(prometheus.CounterOpts{
			Name: "loomdb_txlog_checkpoints_total",
			Help: "Total number of checkpoints written",
		}),
		RecoveredTransactions: factory.NewCounter(prometheus.CounterOpts{
			Name: "loomdb_recovery_transactions_total",
			Help: "Total number of transactions replayed during crash recovery",
		}),
		TruncationEvents: factory.NewCounter(prometheus.CounterOpts{
			Name: "loomdb_recovery_truncations_total",
			Help: "Total number of corrupted log truncation events",
		}),
		RecoveryDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "loomdb_recovery_duration_seconds",
			Help:    "Duration of crash recovery runs",
			Buckets: prometheus.DefBuckets,
		}),
	}
}
