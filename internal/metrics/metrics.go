package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Optimizer metrics for production monitoring
var (
	// Collection metrics
	CollectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kubilitics_optimizer_collections_total",
			Help: "Total number of metric snapshots collected",
		},
		[]string{"status"}, // complete, partial
	)

	SubCollectorErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kubilitics_optimizer_subcollector_errors_total",
			Help: "Sub-collector failures that left a snapshot section zero-valued",
		},
		[]string{"collector"},
	)

	CollectionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kubilitics_optimizer_collection_duration_seconds",
			Help:    "Snapshot collection duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 10), // 10ms to ~5s
		},
	)

	// Analytics metrics
	AnomaliesDetected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kubilitics_optimizer_anomalies_detected_total",
			Help: "Total number of anomalies detected",
		},
		[]string{"type", "severity"},
	)

	PredictionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kubilitics_optimizer_predictions_total",
			Help: "Total number of predictions produced",
		},
		[]string{"type", "confident"},
	)

	BottlenecksPredicted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kubilitics_optimizer_bottlenecks_predicted_total",
			Help: "Total number of predicted bottlenecks",
		},
		[]string{"resource", "severity"},
	)

	ModelRetrains = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kubilitics_optimizer_model_retrains_total",
			Help: "Model retrains triggered by accuracy degradation",
		},
		[]string{"family"},
	)

	// Decision metrics
	DecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kubilitics_optimizer_decisions_total",
			Help: "Total number of decisions created",
		},
		[]string{"type", "priority"},
	)

	DecisionOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kubilitics_optimizer_decision_outcomes_total",
			Help: "Decisions reaching a final or approval state",
		},
		[]string{"status"},
	)

	ChangesExecuted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kubilitics_optimizer_changes_executed_total",
			Help: "Optimization actions and cost optimizations executed",
		},
		[]string{"kind", "type", "status"},
	)

	RollbacksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kubilitics_optimizer_rollbacks_total",
			Help: "Rollbacks performed",
		},
		[]string{"kind"},
	)

	IdentifiedSavingsUSD = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "kubilitics_optimizer_identified_monthly_savings_usd",
			Help: "Monthly savings of open cost optimizations",
		},
	)

	AlertsRaised = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kubilitics_optimizer_alerts_raised_total",
			Help: "Alerts raised",
		},
		[]string{"source", "severity"},
	)

	// Loop metrics
	CycleDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kubilitics_optimizer_cycle_duration_seconds",
			Help:    "Optimization cycle duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms to ~100s
		},
	)

	TaskRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kubilitics_optimizer_task_runs_total",
			Help: "Periodic task runs",
		},
		[]string{"task", "status"}, // success, error, skipped
	)

	StoreErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kubilitics_optimizer_store_errors_total",
			Help: "Store operations that failed and were degraded",
		},
		[]string{"operation"},
	)
)
