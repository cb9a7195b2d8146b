package reorg

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	reorgsDetected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcindexor_reorgs_detected_total",
			Help: "Total number of chain reorganizations detected by watchers",
		},
		[]string{"chain"},
	)

	reorgDepth = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mcindexor_reorg_depth_blocks",
			Help:    "Depth of chain reorganizations in blocks",
			Buckets: []float64{1, 2, 5, 10, 20, 50, 100},
		},
		[]string{"chain"},
	)

	reorgLastDetected = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mcindexor_reorg_last_detected_timestamp",
			Help: "Unix timestamp of last reorg detection",
		},
		[]string{"chain"},
	)

	reorgsBeyondWindow = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcindexor_reorgs_beyond_window_total",
			Help: "Total number of reorgs deeper than the stored block window",
		},
		[]string{"chain"},
	)
)

func ReorgDetectedLog(chain string, depth uint64) {
	reorgsDetected.WithLabelValues(chain).Inc()
	reorgDepth.WithLabelValues(chain).Observe(float64(depth))
	reorgLastDetected.WithLabelValues(chain).Set(float64(time.Now().UTC().Unix()))
}

func ReorgBeyondWindowInc(chain string) {
	reorgsBeyondWindow.WithLabelValues(chain).Inc()
}
