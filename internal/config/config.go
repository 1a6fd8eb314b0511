package config

import (
	"context"
	"time"
)

// Package config provides configuration management for kubilitics-optimizer.
//
// Configuration Sources (priority order, high to low):
//  1. Environment variables (OPTIMIZER_* prefix, "." replaced by "_")
//  2. YAML config file (optional)
//  3. Built-in defaults
//
// Main Configuration Sections:
//
//	server     - ops listener address (/metrics, /healthz)
//	database   - sqlite | postgres | redis store
//	collector  - collection interval and sample retention
//	anomaly    - detection interval, z-score threshold, baseline window
//	prediction - forecast interval, horizons, retrain trigger
//	engine     - cycle interval, tracked metrics, auto-approval budget
//	cost       - pricing provider, budgets and resource inventory
//	executor   - simulated | kubernetes change executor
//	logging    - level, format, optional rotated file
//	audit      - decision trail file
//	tracing    - OTLP export
//	report     - report task interval
//
// Config struct contains all configuration fields
type Config struct {
	// Server configuration
	Server struct {
		MetricsAddress string
	}

	// Database configuration
	Database struct {
		Type          string
		SQLitePath    string
		PostgresURL   string
		RedisAddress  string
		RedisPassword string
		RedisDB       int
	}

	// Collector configuration
	Collector struct {
		Interval         time.Duration
		Retention        time.Duration
		LinkCapacityMbps float64
	}

	// Anomaly detection configuration
	Anomaly struct {
		Interval         time.Duration
		DefaultThreshold float64
		Window           time.Duration
		MinSamples       int
	}

	// Prediction configuration
	Prediction struct {
		Interval    time.Duration
		Horizons    []int
		MinSamples  int
		RetrainMAPE float64
	}

	// Engine configuration
	Engine struct {
		Interval                 time.Duration
		Metrics                  []string
		AutoApprove              bool
		MaxAutoExecutionsPerHour int
		RollbackOnFailure        bool
	}

	// Cost configuration
	Cost struct {
		Interval time.Duration
		// Retention bounds the daily cost series, which outlive the
		// collector retention so forecasts see months of history.
		Retention time.Duration
		Provider  string
		Budgets   map[string]float64
		Resources []Resource
	}

	// Executor configuration
	Executor struct {
		Type          string
		FailureRate   float64
		Seed          int64
		RatePerSecond float64
		Burst         int
		Kubeconfig    string
		Namespace     string
		// Target is the resource acted on when a strategy names none.
		Target string
	}

	// Logging configuration
	Logging struct {
		Level  string
		Format string
		File   string
	}

	// Audit configuration
	Audit struct {
		Enabled bool
		Path    string
	}

	// Tracing configuration
	Tracing struct {
		Enabled      bool
		Endpoint     string
		ServiceName  string
		SamplingRate float64
	}

	// Report configuration
	Report struct {
		Interval time.Duration
	}
}

// Resource is one priced entry of the cost inventory. Monthly cost is
// derived from CPU, Memory, StorageGB and NetworkGB unless MonthlyCost is set.
type Resource struct {
	ID          string  `mapstructure:"id"`
	Type        string  `mapstructure:"type"`
	Metric      string  `mapstructure:"metric"`
	CPU         string  `mapstructure:"cpu"`
	Memory      string  `mapstructure:"memory"`
	StorageGB   float64 `mapstructure:"storage_gb"`
	NetworkGB   float64 `mapstructure:"network_gb"`
	MonthlyCost float64 `mapstructure:"monthly_cost"`
}

// ConfigManager defines the interface for configuration access.
type ConfigManager interface {
	// Load loads configuration from all sources.
	Load(ctx context.Context) error

	// Get returns the current configuration.
	Get(ctx context.Context) *Config

	// Validate validates configuration is correct and complete.
	Validate(ctx context.Context) error

	// Watch watches the config file and publishes reloaded configuration.
	Watch(ctx context.Context) <-chan Config
}

// NewConfigManager creates a new configuration manager. An empty path
// means defaults plus environment only.
func NewConfigManager(configPath string) (ConfigManager, error) {
	mgr := &viperConfigManager{
		configPath: configPath,
		config:     DefaultConfig(),
		watchChan:  make(chan Config, 1),
	}
	return mgr, nil
}
