package db

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	maintenanceRuns = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mcindexor_maintenance_runs_total",
			Help: "Total number of maintenance passes",
		},
	)

	maintenanceOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcindexor_maintenance_outcomes_total",
			Help: "Total number of maintenance passes by outcome",
		},
		[]string{"status"},
	)

	maintenanceDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mcindexor_maintenance_duration_seconds",
			Help:    "Duration of maintenance passes, including the wait for running store operations",
			Buckets: prometheus.DefBuckets,
		},
	)

	maintenanceSteps = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mcindexor_maintenance_step_duration_seconds",
			Help:    "Duration of executed maintenance steps",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"step"},
	)

	maintenanceStepErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcindexor_maintenance_step_errors_total",
			Help: "Total number of failed maintenance steps",
		},
		[]string{"step"},
	)

	maintenanceLastRun = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mcindexor_maintenance_last_run_timestamp",
			Help: "Unix timestamp of the last maintenance pass",
		},
	)

	maintenanceSpaceReclaimed = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mcindexor_maintenance_space_reclaimed_bytes",
			Help: "Bytes reclaimed by the last maintenance pass",
		},
	)

	walCheckpoints = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcindexor_wal_checkpoint_total",
			Help: "Total number of WAL checkpoints",
		},
		[]string{"mode"},
	)

	freePageRatio = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mcindexor_db_free_page_ratio",
			Help: "Share of free pages in the database file at the last maintenance pass",
		},
	)

	dbSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mcindexor_db_size_bytes",
			Help: "Database size in bytes, WAL and shared memory files included",
		},
	)
)

func MaintenanceRunsInc() {
	maintenanceRuns.Inc()
}

func MaintenanceDurationLog(duration time.Duration) {
	maintenanceDuration.Observe(duration.Seconds())
}

func MaintenanceStepLog(step string, duration time.Duration) {
	maintenanceSteps.WithLabelValues(step).Observe(duration.Seconds())
}

func MaintenanceStepErrorInc(step string) {
	maintenanceStepErrors.WithLabelValues(step).Inc()
}

func MaintenanceLastRunLog() {
	maintenanceLastRun.SetToCurrentTime()
}

func MaintenanceErrorInc() {
	maintenanceOutcomes.WithLabelValues("error").Inc()
}

func MaintenanceSuccessInc() {
	maintenanceOutcomes.WithLabelValues("success").Inc()
}

func MaintenanceSpaceReclaimedLog(bytesReclaimed uint64) {
	maintenanceSpaceReclaimed.Set(float64(bytesReclaimed))
}

func WALCheckpointInc(mode string) {
	walCheckpoints.WithLabelValues(mode).Inc()
}

func FreePageRatioLog(ratio float64) {
	freePageRatio.Set(ratio)
}

func DBSizeLog(sizeBytes int64) {
	dbSize.Set(float64(sizeBytes))
}
