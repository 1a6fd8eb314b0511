package config

import (
	"time"

	"github.com/kubilitics/kubilitics-optimizer/internal/models"
)

// DefaultConfig returns a configuration with all default values.
func DefaultConfig() *Config {
	cfg := &Config{}

	// Server defaults
	cfg.Server.MetricsAddress = ":9464"

	// Database defaults
	cfg.Database.Type = "sqlite"
	cfg.Database.SQLitePath = "optimizer.db"
	cfg.Database.RedisAddress = "localhost:6379"

	// Collector defaults
	cfg.Collector.Interval = 30 * time.Second
	cfg.Collector.Retention = 7 * 24 * time.Hour
	cfg.Collector.LinkCapacityMbps = 1000

	// Anomaly defaults
	cfg.Anomaly.Interval = 60 * time.Second
	cfg.Anomaly.DefaultThreshold = 2.5
	cfg.Anomaly.Window = 24 * time.Hour
	cfg.Anomaly.MinSamples = 10

	// Prediction defaults
	cfg.Prediction.Interval = 5 * time.Minute
	cfg.Prediction.Horizons = []int{300, 900, 1800, 3600}
	cfg.Prediction.MinSamples = 10
	cfg.Prediction.RetrainMAPE = 0.2

	// Engine defaults
	cfg.Engine.Interval = 5 * time.Minute
	cfg.Engine.Metrics = []string{
		models.MetricCPUUsage,
		models.MetricMemoryUsage,
		models.MetricDatastoreMemory,
		models.MetricNetworkBandwidth,
		models.MetricResponseTime,
		models.MetricErrorRate,
	}
	cfg.Engine.AutoApprove = true
	cfg.Engine.MaxAutoExecutionsPerHour = 10
	cfg.Engine.RollbackOnFailure = false

	// Cost defaults
	cfg.Cost.Interval = 6 * time.Hour
	cfg.Cost.Retention = 90 * 24 * time.Hour
	cfg.Cost.Provider = "generic"
	cfg.Cost.Budgets = map[string]float64{}
	cfg.Cost.Resources = nil

	// Executor defaults
	cfg.Executor.Type = "simulated"
	cfg.Executor.FailureRate = 0.05
	cfg.Executor.RatePerSecond = 2
	cfg.Executor.Burst = 1
	cfg.Executor.Namespace = "default"
	cfg.Executor.Target = "app"

	// Logging defaults
	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	// Audit defaults
	cfg.Audit.Enabled = false
	cfg.Audit.Path = "logs/audit.log"

	// Tracing defaults
	cfg.Tracing.Enabled = false
	cfg.Tracing.ServiceName = "kubilitics-optimizer"
	cfg.Tracing.SamplingRate = 1.0

	// Report defaults
	cfg.Report.Interval = 24 * time.Hour

	return cfg
}
