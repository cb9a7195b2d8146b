package rpc

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	rpcRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcindexor_rpc_requests_total",
			Help: "Total number of chain RPC requests by method",
		},
		[]string{"method"},
	)

	rpcErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcindexor_rpc_errors_total",
			Help: "Total number of chain RPC errors by method and class",
		},
		[]string{"method", "error_type"},
	)

	rpcDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mcindexor_rpc_request_duration_seconds",
			Help:    "Duration of chain RPC requests",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	rpcRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcindexor_rpc_retries_total",
			Help: "Total number of chain RPC retries by method and transient class",
		},
		[]string{"method", "reason"},
	)

	rpcRetryOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcindexor_rpc_retry_outcomes_total",
			Help: "Retried chain RPC calls by outcome",
		},
		[]string{"method", "outcome"},
	)
)

func RPCMethodInc(method string) {
	rpcRequests.WithLabelValues(method).Inc()
}

func RPCMethodDuration(method string, duration time.Duration) {
	rpcDuration.WithLabelValues(method).Observe(duration.Seconds())
}

func RPCMethodError(method, errorType string) {
	rpcErrors.WithLabelValues(method, errorType).Inc()
}

func RPCRetryInc(method, reason string) {
	rpcRetries.WithLabelValues(method, reason).Inc()
}

func RPCRecoveredInc(method string) {
	rpcRetryOutcomes.WithLabelValues(method, "recovered").Inc()
}

func RPCExhaustedInc(method string) {
	rpcRetryOutcomes.WithLabelValues(method, "exhausted").Inc()
}
