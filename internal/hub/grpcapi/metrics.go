package grpcapi

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	activeStreams = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mcindexor_hub_rpc_active_streams",
			Help: "Current number of open ListBlocks streams",
		},
		[]string{"chain"},
	)

	envelopesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcindexor_hub_rpc_envelopes_sent_total",
			Help: "Total number of envelopes sent over ListBlocks streams",
		},
		[]string{"chain"},
	)
)

func ActiveStreamsInc(chain string) {
	activeStreams.WithLabelValues(chain).Inc()
}

func ActiveStreamsDec(chain string) {
	activeStreams.WithLabelValues(chain).Dec()
}

func EnvelopeSentInc(chain string) {
	envelopesSent.WithLabelValues(chain).Inc()
}
