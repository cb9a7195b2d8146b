package store

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	storeFlushes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcindexor_store_flushes_total",
			Help: "Total number of block flushes per deployment",
		},
		[]string{"deployment"},
	)

	storeEntityChanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcindexor_store_entity_changes_total",
			Help: "Total number of entity changes written per deployment",
		},
		[]string{"deployment"},
	)

	storeFlushDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mcindexor_store_flush_duration_seconds",
			Help:    "Time spent committing a block",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"deployment"},
	)

	storeReverts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcindexor_store_reverts_total",
			Help: "Total number of reverts per deployment",
		},
		[]string{"deployment"},
	)

	storePruned = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcindexor_store_pruned_versions_total",
			Help: "Total number of entity versions pruned outside the reorg window",
		},
		[]string{"deployment"},
	)
)

func StoreFlushLog(deployment string, changes int, duration time.Duration) {
	storeFlushes.WithLabelValues(deployment).Inc()
	storeEntityChanges.WithLabelValues(deployment).Add(float64(changes))
	storeFlushDuration.WithLabelValues(deployment).Observe(duration.Seconds())
}

func StoreRevertInc(deployment string) {
	storeReverts.WithLabelValues(deployment).Inc()
}

func StorePrunedInc(deployment string, count uint64) {
	storePruned.WithLabelValues(deployment).Add(float64(count))
}
