package watcher

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	headBlock = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mcindexor_watcher_head_block",
			Help: "Latest head block number seen by the watcher",
		},
		[]string{"chain", "network"},
	)

	publishedBlock = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mcindexor_watcher_published_block",
			Help: "Last block number published by the watcher",
		},
		[]string{"chain", "network"},
	)

	blocksPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcindexor_watcher_blocks_published_total",
			Help: "Total number of blocks published by the watcher",
		},
		[]string{"chain", "network"},
	)

	skippedSlots = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcindexor_watcher_skipped_slots_total",
			Help: "Total number of heights without a block",
		},
		[]string{"chain", "network"},
	)

	watcherErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcindexor_watcher_errors_total",
			Help: "Total number of failed watcher iterations",
		},
		[]string{"chain", "network"},
	)

	fetchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mcindexor_watcher_fetch_duration_seconds",
			Help:    "Time spent fetching a block from the node",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"chain", "network"},
	)
)

func HeadBlockSet(chain, network string, block uint64) {
	headBlock.WithLabelValues(chain, network).Set(float64(block))
}

func BlockPublishedLog(chain, network string, block uint64) {
	blocksPublished.WithLabelValues(chain, network).Inc()
	publishedBlock.WithLabelValues(chain, network).Set(float64(block))
}

func SkippedSlotInc(chain, network string) {
	skippedSlots.WithLabelValues(chain, network).Inc()
}

func WatcherErrorInc(chain, network string) {
	watcherErrors.WithLabelValues(chain, network).Inc()
}

func FetchDurationLog(chain, network string, duration time.Duration) {
	fetchDuration.WithLabelValues(chain, network).Observe(duration.Seconds())
}
