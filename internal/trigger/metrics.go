package trigger

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	DecodeErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcindexor_scanner_decode_errors_total",
			Help: "Total number of chain elements that failed to decode and were skipped",
		},
		[]string{"chain", "element"},
	)

	TriggersMatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcindexor_scanner_triggers_total",
			Help: "Total number of trigger occurrences produced by scans",
		},
		[]string{"chain", "kind"},
	)

	ScanDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mcindexor_scanner_scan_duration_seconds",
			Help:    "Time spent scanning a block",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"chain"},
	)
)

// DecodeErrorInc counts an element that could not be decoded.
func DecodeErrorInc(chain, element string) {
	DecodeErrors.WithLabelValues(chain, element).Inc()
}

// ScanLog records the outcome of a scan.
func ScanLog(chain string, result *BlockWithTriggers, duration time.Duration) {
	ScanDuration.WithLabelValues(chain).Observe(duration.Seconds())
	for _, occ := range result.Triggers {
		TriggersMatched.WithLabelValues(chain, string(occ.Kind)).Inc()
	}
}
