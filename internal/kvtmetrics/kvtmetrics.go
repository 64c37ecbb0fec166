// Package kvtmetrics wires github.com/prometheus/client_golang collectors
// for the engine's ambient operational concerns: commit/rollback counts
// per backend, conflict counts, WAL append latency, and checkpoint
// duration. This is side-channel instrumentation, not part of KVT's
// public (code, value, message) operation contract; every exported
// Engine method works identically whether or not a caller ever reads
// these collectors.
package kvtmetrics

import "github.com/prometheus/client_golang/prometheus"

// Collectors bundles every metric the engine registers.
type Collectors struct {
	Commits          *prometheus.CounterVec
	Rollbacks        *prometheus.CounterVec
	KeyLockedTotal   prometheus.Counter
	StaleDataTotal   prometheus.Counter
	WALAppendSeconds prometheus.Histogram
	CheckpointSeconds prometheus.Histogram
}

// New builds a fresh, unregistered set of collectors. Callers that want
// process-wide /metrics exposure register them with
// prometheus.DefaultRegisterer (or a private Registry in tests) via
// Register.
func New() *Collectors {
	return &Collectors{
		Commits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kvt",
			Name:      "commits_total",
			Help:      "Total committed transactions, by backend.",
		}, []string{"backend"}),
		Rollbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kvt",
			Name:      "rollbacks_total",
			Help:      "Total rolled-back transactions, by backend.",
		}, []string{"backend"}),
		KeyLockedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kvt",
			Name:      "key_is_locked_total",
			Help:      "Total KEY_IS_LOCKED conflicts returned to callers (2PL).",
		}),
		StaleDataTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kvt",
			Name:      "transaction_stale_data_total",
			Help:      "Total TRANSACTION_HAS_STALE_DATA conflicts returned to callers (OCC).",
		}),
		WALAppendSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "kvt",
			Name:      "wal_append_seconds",
			Help:      "Latency of a single WAL record append, including fsync when enabled.",
			Buckets:   prometheus.DefBuckets,
		}),
		CheckpointSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "kvt",
			Name:      "checkpoint_seconds",
			Help:      "Duration of a full checkpoint write.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}

// Register adds every collector to reg. Safe to call with
// prometheus.DefaultRegisterer or a test-local prometheus.Registry.
func (c *Collectors) Register(reg prometheus.Registerer) error {
	for _, coll := range []prometheus.Collector{
		c.Commits, c.Rollbacks, c.KeyLockedTotal, c.StaleDataTotal,
		c.WALAppendSeconds, c.CheckpointSeconds,
	} {
		if err := reg.Register(coll); err != nil {
			return err
		}
	}
	return nil
}
