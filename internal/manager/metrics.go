package manager

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	runningDeployments = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mcindexor_manager_running_deployments",
			Help: "Number of deployments with a live runtime",
		},
	)

	deploymentStarts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcindexor_manager_starts_total",
			Help: "Total number of deployment starts by result",
		},
		[]string{"result"},
	)

	deploymentExits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcindexor_manager_exits_total",
			Help: "Total number of runtime exits by final status",
		},
		[]string{"status"},
	)

	forcedStops = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mcindexor_manager_forced_stops_total",
			Help: "Total number of stops that timed out and cancelled the runtime",
		},
	)

	notifierPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcindexor_notifier_published_total",
			Help: "Total number of deployment events published",
		},
		[]string{"type"},
	)
)

func DeploymentStartInc(result string) {
	deploymentStarts.WithLabelValues(result).Inc()
}

func DeploymentRunningInc() {
	runningDeployments.Inc()
}

func DeploymentExitLog(status string) {
	runningDeployments.Dec()
	deploymentExits.WithLabelValues(status).Inc()
}

func ForcedStopInc() {
	forcedStops.Inc()
}

func NotifierPublishedInc(eventType string) {
	notifierPublished.WithLabelValues(eventType).Inc()
}
