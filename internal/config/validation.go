package config

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/kubilitics/kubilitics-optimizer/internal/models"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed for %s: %s", e.Field, e.Message)
}

// Validate validates the configuration and returns validation errors.
func (c *Config) Validate() []error {
	var errs []error
	add := func(field, format string, args ...interface{}) {
		errs = append(errs, &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	// Server
	if c.Server.MetricsAddress != "" {
		if _, _, err := net.SplitHostPort(c.Server.MetricsAddress); err != nil {
			add("server.metrics_address", "invalid address format (expected host:port): %v", err)
		}
	}

	// Database
	switch c.Database.Type {
	case "sqlite":
		if c.Database.SQLitePath == "" {
			add("database.sqlite_path", "sqlite_path is required when type is sqlite")
		}
	case "postgres":
		if c.Database.PostgresURL == "" {
			add("database.postgres_url", "postgres_url is required when type is postgres")
		} else if !strings.HasPrefix(c.Database.PostgresURL, "postgres://") && !strings.HasPrefix(c.Database.PostgresURL, "postgresql://") {
			add("database.postgres_url", "postgres_url must start with postgres:// or postgresql://")
		}
	case "redis":
		if _, _, err := net.SplitHostPort(c.Database.RedisAddress); err != nil {
			add("database.redis_address", "invalid address format (expected host:port): %v", err)
		}
		if c.Database.RedisDB < 0 {
			add("database.redis_db", "redis_db cannot be negative, got %d", c.Database.RedisDB)
		}
	default:
		add("database.type", "invalid database type '%s', must be one of: sqlite, postgres, redis", c.Database.Type)
	}

	// Intervals
	intervals := []struct {
		field string
		value time.Duration
	}{
		{"collector.interval", c.Collector.Interval},
		{"anomaly.interval", c.Anomaly.Interval},
		{"prediction.interval", c.Prediction.Interval},
		{"engine.interval", c.Engine.Interval},
		{"cost.interval", c.Cost.Interval},
		{"report.interval", c.Report.Interval},
	}
	for _, iv := range intervals {
		if iv.value < time.Second {
			add(iv.field, "interval must be at least 1s, got %s", iv.value)
		}
	}
	if c.Collector.Retention < time.Hour {
		add("collector.retention", "retention must be at least 1h, got %s", c.Collector.Retention)
	}
	if c.Cost.Retention < 24*time.Hour {
		add("cost.retention", "retention must be at least 24h, got %s", c.Cost.Retention)
	}

	if c.Collector.LinkCapacityMbps <= 0 {
		add("collector.link_capacity_mbps", "link capacity must be positive, got %.2f", c.Collector.LinkCapacityMbps)
	}

	// Anomaly
	if c.Anomaly.DefaultThreshold <= 0 || c.Anomaly.DefaultThreshold > 5 {
		add("anomaly.default_threshold", "threshold must be in (0, 5], got %.2f", c.Anomaly.DefaultThreshold)
	}
	if c.Anomaly.MinSamples < 2 {
		add("anomaly.min_samples", "min_samples must be at least 2, got %d", c.Anomaly.MinSamples)
	}
	if c.Anomaly.Window < time.Hour {
		add("anomaly.window", "window must be at least 1h, got %s", c.Anomaly.Window)
	}

	// Prediction
	if len(c.Prediction.Horizons) == 0 {
		add("prediction.horizons", "at least one horizon is required")
	}
	for _, h := range c.Prediction.Horizons {
		if h <= 0 {
			add("prediction.horizons", "horizon must be positive, got %d", h)
		}
	}
	if c.Prediction.MinSamples < 2 {
		add("prediction.min_samples", "min_samples must be at least 2, got %d", c.Prediction.MinSamples)
	}
	if c.Prediction.RetrainMAPE <= 0 {
		add("prediction.retrain_mape", "retrain_mape must be positive, got %.2f", c.Prediction.RetrainMAPE)
	}

	// Engine
	if len(c.Engine.Metrics) == 0 {
		add("engine.metrics", "at least one metric is required")
	}
	if c.Engine.MaxAutoExecutionsPerHour < 0 {
		add("engine.max_auto_executions_per_hour", "cannot be negative, got %d", c.Engine.MaxAutoExecutionsPerHour)
	}

	// Cost
	validProviders := map[string]bool{"aws": true, "gcp": true, "azure": true, "generic": true}
	if !validProviders[c.Cost.Provider] {
		add("cost.provider", "invalid provider '%s', must be one of: aws, gcp, azure, generic", c.Cost.Provider)
	}
	for rt, budget := range c.Cost.Budgets {
		if !validResourceType(rt) {
			add("cost.budgets", "unknown resource type '%s'", rt)
		}
		if budget < 0 {
			add("cost.budgets", "budget for %s cannot be negative", rt)
		}
	}
	seen := make(map[string]bool, len(c.Cost.Resources))
	for i, r := range c.Cost.Resources {
		field := fmt.Sprintf("cost.resources[%d]", i)
		if r.ID == "" {
			add(field, "id is required")
		} else if seen[r.ID] {
			add(field, "duplicate resource id '%s'", r.ID)
		}
		seen[r.ID] = true
		if !validResourceType(r.Type) {
			add(field, "unknown resource type '%s'", r.Type)
		}
		if r.Metric == "" {
			add(field, "metric is required")
		}
	}

	// Executor
	switch c.Executor.Type {
	case "simulated", "kubernetes":
	default:
		add("executor.type", "invalid executor type '%s', must be one of: simulated, kubernetes", c.Executor.Type)
	}
	if c.Executor.FailureRate < 0 || c.Executor.FailureRate > 1 {
		add("executor.failure_rate", "failure_rate must be between 0 and 1, got %.2f", c.Executor.FailureRate)
	}
	if c.Executor.RatePerSecond <= 0 {
		add("executor.rate_per_second", "rate_per_second must be positive, got %.2f", c.Executor.RatePerSecond)
	}

	// Logging
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		add("logging.level", "invalid log level '%s', must be one of: debug, info, warn, error", c.Logging.Level)
	}
	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		add("logging.format", "invalid log format '%s', must be one of: json, console", c.Logging.Format)
	}

	// Audit
	if c.Audit.Enabled && c.Audit.Path == "" {
		add("audit.path", "path is required when audit is enabled")
	}

	// Tracing
	if c.Tracing.Enabled && c.Tracing.Endpoint == "" {
		add("tracing.endpoint", "endpoint is required when tracing is enabled")
	}
	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		add("tracing.sampling_rate", "sampling_rate must be between 0 and 1, got %.2f", c.Tracing.SamplingRate)
	}

	return errs
}

func validResourceType(s string) bool {
	for _, rt := range models.AllResourceTypes {
		if string(rt) == s {
			return true
		}
	}
	return false
}
