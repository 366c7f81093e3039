package chainsync

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	prometheusChainSyncBlocksApplied prometheus.Counter
	prometheusChainSyncReorgs        prometheus.Counter
	prometheusChainSyncRollbackDepth prometheus.Histogram
	prometheusChainSyncTipHeight     prometheus.Gauge
	prometheusChainSyncPendingBlocks prometheus.Gauge
)

var (
	prometheusMetricsInitOnce sync.Once
)

func initPrometheusMetrics() {
	prometheusMetricsInitOnce.Do(_initPrometheusMetrics)
}

func _initPrometheusMetrics() {
	prometheusChainSyncBlocksApplied = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "claimnode",
			Subsystem: "chainsync",
			Name:      "blocks_applied",
			Help:      "Number of blocks applied to the stores",
		},
	)

	prometheusChainSyncReorgs = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "claimnode",
			Subsystem: "chainsync",
			Name:      "reorgs",
			Help:      "Number of chain reorganizations handled",
		},
	)

	prometheusChainSyncRollbackDepth = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "claimnode",
			Subsystem: "chainsync",
			Name:      "rollback_depth",
			Help:      "Number of blocks rolled back per reorg",
			Buckets:   []float64{1, 2, 3, 5, 10, 20, 50, 100},
		},
	)

	prometheusChainSyncTipHeight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "claimnode",
			Subsystem: "chainsync",
			Name:      "tip_height",
			Help:      "Height of the last applied block",
		},
	)

	prometheusChainSyncPendingBlocks = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "claimnode",
			Subsystem: "chainsync",
			Name:      "pending_blocks",
			Help:      "Blocks buffered because they arrived out of order",
		},
	)
}
