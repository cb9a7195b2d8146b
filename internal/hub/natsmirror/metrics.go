package natsmirror

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	envelopesMirrored = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcindexor_hub_mirror_envelopes_total",
			Help: "Total number of envelopes mirrored to NATS",
		},
		[]string{"chain"},
	)

	mirrorErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcindexor_hub_mirror_errors_total",
			Help: "Total number of envelopes that could not be mirrored",
		},
		[]string{"chain"},
	)
)

func EnvelopeMirroredInc(chain string) {
	envelopesMirrored.WithLabelValues(chain).Inc()
}

func MirrorErrorInc(chain string) {
	mirrorErrors.WithLabelValues(chain).Inc()
}
