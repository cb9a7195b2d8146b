package runtime

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	lastBlock = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mcindexor_runtime_last_block",
			Help: "Last block committed by a deployment",
		},
		[]string{"deployment"},
	)

	blocksProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcindexor_runtime_blocks_total",
			Help: "Total number of blocks committed by a deployment",
		},
		[]string{"deployment"},
	)

	triggersProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcindexor_runtime_triggers_total",
			Help: "Total number of triggers handled by a deployment",
		},
		[]string{"deployment"},
	)

	handlerErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcindexor_runtime_handler_errors_total",
			Help: "Total number of failed handler calls by determinism",
		},
		[]string{"deployment", "kind"},
	)

	retries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcindexor_runtime_retries_total",
			Help: "Total number of retried handler calls and flushes",
		},
		[]string{"deployment", "operation"},
	)

	reorgs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcindexor_runtime_reorgs_total",
			Help: "Total number of rollbacks performed by a deployment",
		},
		[]string{"deployment"},
	)

	reorgDepth = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mcindexor_runtime_reorg_depth_blocks",
			Help:    "Number of blocks reverted per rollback",
			Buckets: []float64{1, 2, 4, 8, 16, 32, 64, 128},
		},
		[]string{"deployment"},
	)

	gaps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcindexor_runtime_gaps_total",
			Help: "Total number of gaps that forced a resubscription",
		},
		[]string{"deployment"},
	)

	processingTime = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mcindexor_runtime_block_processing_seconds",
			Help:    "Time spent scanning, handling and committing a block",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"deployment"},
	)
)

func BlockCommittedLog(deployment string, block uint64, triggers int, duration time.Duration) {
	lastBlock.WithLabelValues(deployment).Set(float64(block))
	blocksProcessed.WithLabelValues(deployment).Inc()
	triggersProcessed.WithLabelValues(deployment).Add(float64(triggers))
	processingTime.WithLabelValues(deployment).Observe(duration.Seconds())
}

func HandlerErrorInc(deployment string, nonDeterministic bool) {
	kind := "deterministic"
	if nonDeterministic {
		kind = "non_deterministic"
	}
	handlerErrors.WithLabelValues(deployment, kind).Inc()
}

func RetryInc(deployment, operation string) {
	retries.WithLabelValues(deployment, operation).Inc()
}

func ReorgLog(deployment string, depth uint64) {
	reorgs.WithLabelValues(deployment).Inc()
	reorgDepth.WithLabelValues(deployment).Observe(float64(depth))
}

func GapInc(deployment string) {
	gaps.WithLabelValues(deployment).Inc()
}
