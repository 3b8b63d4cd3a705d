package exec

import "github.com/prometheus/client_golang/prometheus"

var (
	batchCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tinyrm",
			Subsystem: "exec",
			Name:      "batch_total",
			Help:      "Counter of statement batches run under a global transaction.",
		}, []string{"result"})

	undoLogCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tinyrm",
			Subsystem: "exec",
			Name:      "undo_log_total",
			Help:      "Counter of undo logs built.",
		}, []string{"type"})

	lockKeyCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "tinyrm",
			Subsystem: "exec",
			Name:      "lock_key_total",
			Help:      "Counter of row lock keys built.",
		})

	undoLogRowsHistogram = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "tinyrm",
			Subsystem: "exec",
			Name:      "undo_log_rows",
			Help:      "Bucketed histogram of before image rows per undo log.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		})
)

func init() {
	prometheus.MustRegister(batchCounter)
	prometheus.MustRegister(undoLogCounter)
	prometheus.MustRegister(lockKeyCounter)
	prometheus.MustRegister(undoLogRowsHistogram)
}
