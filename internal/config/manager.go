package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// viperConfigManager implements ConfigManager using Viper.
type viperConfigManager struct {
	configPath string
	mu         sync.RWMutex
	config     *Config
	viper      *viper.Viper
	watchChan  chan Config
}

// Load loads configuration from all sources.
func (m *viperConfigManager) Load(ctx context.Context) error {
	m.viper = viper.New()

	if m.configPath != "" {
		m.viper.SetConfigFile(m.configPath)
		m.viper.SetConfigType("yaml")
	}

	m.viper.SetEnvPrefix("OPTIMIZER")
	m.viper.AutomaticEnv()
	m.viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	m.setDefaults()

	if m.configPath != "" {
		if err := m.viper.ReadInConfig(); err != nil {
			// A missing file falls back to defaults + env vars
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !os.IsNotExist(err) {
				return fmt.Errorf("error reading config file: %w", err)
			}
		}
	}

	cfg, err := m.unmarshalConfig()
	if err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}
	m.mu.Lock()
	m.config = cfg
	m.mu.Unlock()
	return nil
}

// Get returns the current configuration.
func (m *viperConfigManager) Get(ctx context.Context) *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// Validate validates configuration is correct and complete.
func (m *viperConfigManager) Validate(ctx context.Context) error {
	errs := m.Get(ctx).Validate()
	if len(errs) > 0 {
		var errMsgs []string
		for _, err := range errs {
			errMsgs = append(errMsgs, err.Error())
		}
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errMsgs, "\n  - "))
	}
	return nil
}

// Watch watches the config file and publishes reloaded configuration.
// Reloads that fail to decode or validate are dropped.
func (m *viperConfigManager) Watch(ctx context.Context) <-chan Config {
	if m.viper == nil || m.configPath == "" {
		return m.watchChan
	}
	m.viper.OnConfigChange(func(e fsnotify.Event) {
		if e.Op&(fsnotify.Write|fsnotify.Create) == 0 {
			return
		}
		cfg, err := m.unmarshalConfig()
		if err != nil || len(cfg.Validate()) > 0 {
			return
		}
		m.mu.Lock()
		m.config = cfg
		m.mu.Unlock()
		select {
		case m.watchChan <- *cfg:
		default:
			// Channel full, skip this update
		}
	})
	m.viper.WatchConfig()
	return m.watchChan
}

// setDefaults sets default values in viper.
func (m *viperConfigManager) setDefaults() {
	defaults := DefaultConfig()

	// Server defaults
	m.viper.SetDefault("server.metrics_address", defaults.Server.MetricsAddress)

	// Database defaults
	m.viper.SetDefault("database.type", defaults.Database.Type)
	m.viper.SetDefault("database.sqlite_path", defaults.Database.SQLitePath)
	m.viper.SetDefault("database.postgres_url", defaults.Database.PostgresURL)
	m.viper.SetDefault("database.redis_address", defaults.Database.RedisAddress)
	m.viper.SetDefault("database.redis_password", defaults.Database.RedisPassword)
	m.viper.SetDefault("database.redis_db", defaults.Database.RedisDB)

	// Collector defaults
	m.viper.SetDefault("collector.interval", defaults.Collector.Interval)
	m.viper.SetDefault("collector.retention", defaults.Collector.Retention)
	m.viper.SetDefault("collector.link_capacity_mbps", defaults.Collector.LinkCapacityMbps)

	// Anomaly defaults
	m.viper.SetDefault("anomaly.interval", defaults.Anomaly.Interval)
	m.viper.SetDefault("anomaly.default_threshold", defaults.Anomaly.DefaultThreshold)
	m.viper.SetDefault("anomaly.window", defaults.Anomaly.Window)
	m.viper.SetDefault("anomaly.min_samples", defaults.Anomaly.MinSamples)

	// Prediction defaults
	m.viper.SetDefault("prediction.interval", defaults.Prediction.Interval)
	m.viper.SetDefault("prediction.horizons", defaults.Prediction.Horizons)
	m.viper.SetDefault("prediction.min_samples", defaults.Prediction.MinSamples)
	m.viper.SetDefault("prediction.retrain_mape", defaults.Prediction.RetrainMAPE)

	// Engine defaults
	m.viper.SetDefault("engine.interval", defaults.Engine.Interval)
	m.viper.SetDefault("engine.metrics", defaults.Engine.Metrics)
	m.viper.SetDefault("engine.auto_approve", defaults.Engine.AutoApprove)
	m.viper.SetDefault("engine.max_auto_executions_per_hour", defaults.Engine.MaxAutoExecutionsPerHour)
	m.viper.SetDefault("engine.rollback_on_failure", defaults.Engine.RollbackOnFailure)

	// Cost defaults
	m.viper.SetDefault("cost.interval", defaults.Cost.Interval)
	m.viper.SetDefault("cost.retention", defaults.Cost.Retention)
	m.viper.SetDefault("cost.provider", defaults.Cost.Provider)

	// Executor defaults
	m.viper.SetDefault("executor.type", defaults.Executor.Type)
	m.viper.SetDefault("executor.failure_rate", defaults.Executor.FailureRate)
	m.viper.SetDefault("executor.seed", defaults.Executor.Seed)
	m.viper.SetDefault("executor.rate_per_second", defaults.Executor.RatePerSecond)
	m.viper.SetDefault("executor.burst", defaults.Executor.Burst)
	m.viper.SetDefault("executor.kubeconfig", defaults.Executor.Kubeconfig)
	m.viper.SetDefault("executor.namespace", defaults.Executor.Namespace)
	m.viper.SetDefault("executor.target", defaults.Executor.Target)

	// Logging defaults
	m.viper.SetDefault("logging.level", defaults.Logging.Level)
	m.viper.SetDefault("logging.format", defaults.Logging.Format)
	m.viper.SetDefault("logging.file", defaults.Logging.File)

	// Audit defaults
	m.viper.SetDefault("audit.enabled", defaults.Audit.Enabled)
	m.viper.SetDefault("audit.path", defaults.Audit.Path)

	// Tracing defaults
	m.viper.SetDefault("tracing.enabled", defaults.Tracing.Enabled)
	m.viper.SetDefault("tracing.endpoint", defaults.Tracing.Endpoint)
	m.viper.SetDefault("tracing.service_name", defaults.Tracing.ServiceName)
	m.viper.SetDefault("tracing.sampling_rate", defaults.Tracing.SamplingRate)

	// Report defaults
	m.viper.SetDefault("report.interval", defaults.Report.Interval)
}

// unmarshalConfig reads the viper state into a fresh Config.
func (m *viperConfigManager) unmarshalConfig() (*Config, error) {
	cfg := &Config{}

	// Server
	cfg.Server.MetricsAddress = m.viper.GetString("server.metrics_address")

	// Database
	cfg.Database.Type = m.viper.GetString("database.type")
	cfg.Database.SQLitePath = m.viper.GetString("database.sqlite_path")
	cfg.Database.PostgresURL = m.viper.GetString("database.postgres_url")
	cfg.Database.RedisAddress = m.viper.GetString("database.redis_address")
	cfg.Database.RedisPassword = m.viper.GetString("database.redis_password")
	cfg.Database.RedisDB = m.viper.GetInt("database.redis_db")

	// Collector
	cfg.Collector.Interval = m.viper.GetDuration("collector.interval")
	cfg.Collector.Retention = m.viper.GetDuration("collector.retention")
	cfg.Collector.LinkCapacityMbps = m.viper.GetFloat64("collector.link_capacity_mbps")

	// Anomaly
	cfg.Anomaly.Interval = m.viper.GetDuration("anomaly.interval")
	cfg.Anomaly.DefaultThreshold = m.viper.GetFloat64("anomaly.default_threshold")
	cfg.Anomaly.Window = m.viper.GetDuration("anomaly.window")
	cfg.Anomaly.MinSamples = m.viper.GetInt("anomaly.min_samples")

	// Prediction
	cfg.Prediction.Interval = m.viper.GetDuration("prediction.interval")
	cfg.Prediction.Horizons = m.viper.GetIntSlice("prediction.horizons")
	cfg.Prediction.MinSamples = m.viper.GetInt("prediction.min_samples")
	cfg.Prediction.RetrainMAPE = m.viper.GetFloat64("prediction.retrain_mape")

	// Engine
	cfg.Engine.Interval = m.viper.GetDuration("engine.interval")
	cfg.Engine.Metrics = m.viper.GetStringSlice("engine.metrics")
	cfg.Engine.AutoApprove = m.viper.GetBool("engine.auto_approve")
	cfg.Engine.MaxAutoExecutionsPerHour = m.viper.GetInt("engine.max_auto_executions_per_hour")
	cfg.Engine.RollbackOnFailure = m.viper.GetBool("engine.rollback_on_failure")

	// Cost
	cfg.Cost.Interval = m.viper.GetDuration("cost.interval")
	cfg.Cost.Retention = m.viper.GetDuration("cost.retention")
	cfg.Cost.Provider = m.viper.GetString("cost.provider")
	cfg.Cost.Budgets = map[string]float64{}
	if err := m.viper.UnmarshalKey("cost.budgets", &cfg.Cost.Budgets); err != nil {
		return nil, fmt.Errorf("cost.budgets: %w", err)
	}
	if err := m.viper.UnmarshalKey("cost.resources", &cfg.Cost.Resources); err != nil {
		return nil, fmt.Errorf("cost.resources: %w", err)
	}

	// Executor
	cfg.Executor.Type = m.viper.GetString("executor.type")
	cfg.Executor.FailureRate = m.viper.GetFloat64("executor.failure_rate")
	cfg.Executor.Seed = m.viper.GetInt64("executor.seed")
	cfg.Executor.RatePerSecond = m.viper.GetFloat64("executor.rate_per_second")
	cfg.Executor.Burst = m.viper.GetInt("executor.burst")
	cfg.Executor.Kubeconfig = m.viper.GetString("executor.kubeconfig")
	cfg.Executor.Namespace = m.viper.GetString("executor.namespace")
	cfg.Executor.Target = m.viper.GetString("executor.target")

	// Logging
	cfg.Logging.Level = m.viper.GetString("logging.level")
	cfg.Logging.Format = m.viper.GetString("logging.format")
	cfg.Logging.File = m.viper.GetString("logging.file")

	// Audit
	cfg.Audit.Enabled = m.viper.GetBool("audit.enabled")
	cfg.Audit.Path = m.viper.GetString("audit.path")

	// Tracing
	cfg.Tracing.Enabled = m.viper.GetBool("tracing.enabled")
	cfg.Tracing.Endpoint = m.viper.GetString("tracing.endpoint")
	cfg.Tracing.ServiceName = m.viper.GetString("tracing.service_name")
	cfg.Tracing.SamplingRate = m.viper.GetFloat64("tracing.sampling_rate")

	// Report
	cfg.Report.Interval = m.viper.GetDuration("report.interval")

	return cfg, nil
}
