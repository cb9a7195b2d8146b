package hub

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	envelopesPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcindexor_hub_envelopes_published_total",
			Help: "Total number of envelopes published to the hub",
		},
		[]string{"chain"},
	)

	subscribers = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mcindexor_hub_subscribers",
			Help: "Current number of subscriptions per chain",
		},
		[]string{"chain"},
	)

	envelopesDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcindexor_hub_envelopes_dropped_total",
			Help: "Total number of envelopes evicted from full subscriber queues",
		},
		[]string{"chain"},
	)

	envelopesReplayed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcindexor_hub_envelopes_replayed_total",
			Help: "Total number of envelopes delivered from replays",
		},
		[]string{"chain"},
	)
)

func EnvelopePublishedInc(chain string) {
	envelopesPublished.WithLabelValues(chain).Inc()
}

func SubscribersSet(chain string, count int) {
	subscribers.WithLabelValues(chain).Set(float64(count))
}

func EnvelopeDroppedInc(chain string) {
	envelopesDropped.WithLabelValues(chain).Inc()
}

func EnvelopeReplayedInc(chain string) {
	envelopesReplayed.WithLabelValues(chain).Inc()
}
