package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type engineMetrics struct {
	ordersEnqueued   prometheus.Counter
	ordersRejected   prometheus.Counter
	ordersCancelled  prometheus.Counter
	matches          prometheus.Counter
	settlementSkips  prometheus.Counter
	commitLockSkips  prometheus.Counter
	batchesCommitted prometheus.Counter
	batchFailures    prometheus.Counter
	passDuration     prometheus.Histogram
}

// newEngineMetrics registers the engine metrics with reg. A nil
// registerer leaves the metrics unregistered.
func newEngineMetrics(reg prometheus.Registerer) *engineMetrics {
	factory := promauto.With(reg)
	return &engineMetrics{
		ordersEnqueued: factory.NewCounter(prometheus.CounterOpts{
			Name: "engine_orders_enqueued_total",
			Help: "Orders accepted into a symbol queue.",
		}),
		ordersRejected: factory.NewCounter(prometheus.CounterOpts{
			Name: "engine_orders_rejected_total",
			Help: "Orders rejected by structural validation.",
		}),
		ordersCancelled: factory.NewCounter(prometheus.CounterOpts{
			Name: "engine_orders_cancelled_total",
			Help: "Orders removed from a queue by cancellation.",
		}),
		matches: factory.NewCounter(prometheus.CounterOpts{
			Name: "engine_matches_total",
			Help: "Matched pairs settled successfully.",
		}),
		settlementSkips: factory.NewCounter(prometheus.CounterOpts{
			Name: "engine_settlement_skips_total",
			Help: "Matched pairs skipped because one side could not pay.",
		}),
		commitLockSkips: factory.NewCounter(prometheus.CounterOpts{
			Name: "engine_commit_lock_skips_total",
			Help: "Batches skipped because an order id was already committing.",
		}),
		batchesCommitted: factory.NewCounter(prometheus.CounterOpts{
			Name: "engine_batches_committed_total",
			Help: "Match batches committed to the durable store.",
		}),
		batchFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "engine_batch_failures_total",
			Help: "Match batches that failed to commit.",
		}),
		passDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "engine_match_pass_seconds",
			Help:    "Duration of one per-symbol matching pass.",
			Buckets: prometheus.DefBuckets,
		}),
	}
}
