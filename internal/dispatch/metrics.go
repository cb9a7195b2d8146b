package dispatch

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	handlerCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcindexor_handler_calls_total",
			Help: "Total number of handler invocations by strategy and result",
		},
		[]string{"strategy", "result"},
	)

	handlerDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mcindexor_handler_duration_seconds",
			Help:    "Duration of handler invocations",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		},
		[]string{"strategy"},
	)

	handlerPanics = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mcindexor_handler_panics_total",
			Help: "Total number of recovered panics in native handlers",
		},
	)

	librariesLoaded = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mcindexor_native_libraries_loaded",
			Help: "Current number of native handler libraries held by the loader",
		},
	)

	modulesFetched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcindexor_modules_fetched_total",
			Help: "Total number of handler modules resolved by source",
		},
		[]string{"source", "cached"},
	)
)

// HandlerCallLog records the outcome and duration of one handler call.
func HandlerCallLog(strategy string, started time.Time, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	handlerCalls.WithLabelValues(strategy, result).Inc()
	handlerDuration.WithLabelValues(strategy).Observe(time.Since(started).Seconds())
}

func HandlerPanicInc() {
	handlerPanics.Inc()
}

func LibrariesLoadedSet(count int) {
	librariesLoaded.Set(float64(count))
}

func ModuleFetchedInc(source string, cached bool) {
	c := "false"
	if cached {
		c = "true"
	}
	modulesFetched.WithLabelValues(source, c).Inc()
}
