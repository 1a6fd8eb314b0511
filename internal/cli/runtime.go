package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-optimizer/internal/analytics/anomaly"
	"github.com/kubilitics/kubilitics-optimizer/internal/analytics/forecasting"
	"github.com/kubilitics/kubilitics-optimizer/internal/audit"
	"github.com/kubilitics/kubilitics-optimizer/internal/collector"
	"github.com/kubilitics/kubilitics-optimizer/internal/config"
	"github.com/kubilitics/kubilitics-optimizer/internal/cost"
	"github.com/kubilitics/kubilitics-optimizer/internal/db"
	"github.com/kubilitics/kubilitics-optimizer/internal/engine"
	"github.com/kubilitics/kubilitics-optimizer/internal/executor"
	"github.com/kubilitics/kubilitics-optimizer/internal/logging"
	"github.com/kubilitics/kubilitics-optimizer/internal/optimizer"
	"github.com/kubilitics/kubilitics-optimizer/internal/safety/rollback"
	"github.com/kubilitics/kubilitics-optimizer/internal/tracing"
)

// runtime holds every wired component. All of them share one store.
type runtime struct {
	cfg    *config.Config
	logger *zap.Logger
	store  db.Store
	audit  audit.Logger

	recorder  *collector.RequestRecorder
	collector *collector.Collector
	predictor *forecasting.Predictor
	detector  *anomaly.Detector
	resources *optimizer.Optimizer
	costs     *cost.Optimizer
	engine    *engine.Engine

	closers []func() error
}

// newRuntime builds the component graph from cfg, leaves first. Models and
// default strategies are loaded before it returns.
func newRuntime(ctx context.Context, cfg *config.Config) (_ *runtime, err error) {
	rt := &runtime{cfg: cfg}
	defer func() {
		if err != nil {
			_ = rt.close()
		}
	}()

	lcfg := logging.DefaultConfig()
	lcfg.Level = cfg.Logging.Level
	lcfg.Format = cfg.Logging.Format
	lcfg.File = cfg.Logging.File
	if rt.logger, err = logging.New(lcfg); err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	rt.closers = append(rt.closers, func() error {
		// Syncing stderr fails on some platforms; nothing to do about it.
		_ = rt.logger.Sync()
		return nil
	})

	if cfg.Tracing.Enabled {
		shutdown, err := tracing.Init(cfg.Tracing.ServiceName, cfg.Tracing.Endpoint, cfg.Tracing.SamplingRate)
		if err != nil {
			return nil, fmt.Errorf("init tracing: %w", err)
		}
		rt.closers = append(rt.closers, func() error { shutdown(); return nil })
	}

	rt.audit = audit.NewNopLogger()
	if cfg.Audit.Enabled {
		acfg := audit.DefaultConfig()
		acfg.Path = cfg.Audit.Path
		if rt.audit, err = audit.NewLogger(acfg, rt.logger.Named("audit")); err != nil {
			return nil, fmt.Errorf("init audit log: %w", err)
		}
	}
	rt.closers = append(rt.closers, rt.audit.Close)

	rt.store, err = db.Open(ctx, db.Config{
		Type:          cfg.Database.Type,
		SQLitePath:    cfg.Database.SQLitePath,
		PostgresURL:   cfg.Database.PostgresURL,
		RedisAddress:  cfg.Database.RedisAddress,
		RedisPassword: cfg.Database.RedisPassword,
		RedisDB:       cfg.Database.RedisDB,
	})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	rt.closers = append(rt.closers, rt.store.Close)

	exec, err := newExecutor(cfg, rt.logger.Named("executor"))
	if err != nil {
		return nil, err
	}
	journal := rollback.NewJournal(rt.store, rt.logger.Named("rollback"))

	rt.recorder = collector.NewRequestRecorder()
	rt.collector = collector.New(rt.store, rt.logger.Named("collector"),
		collector.Options{
			Retention:       cfg.Collector.Retention,
			SeriesRetention: map[string]time.Duration{cost.SeriesPrefix: cfg.Cost.Retention},
		},
		collector.NewSystemSource(cfg.Collector.LinkCapacityMbps),
		collector.NewDatastoreSource(rt.store),
		collector.NewApplicationSource(rt.recorder),
	)

	popts := forecasting.DefaultOptions()
	popts.MinSamples = cfg.Prediction.MinSamples
	popts.RetrainMAPE = cfg.Prediction.RetrainMAPE
	rt.predictor = forecasting.NewPredictor(rt.store, rt.logger.Named("predictor"), popts)
	if err := rt.predictor.LoadModels(ctx); err != nil {
		return nil, fmt.Errorf("load prediction models: %w", err)
	}

	dopts := anomaly.DefaultOptions()
	dopts.Window = cfg.Anomaly.Window
	dopts.MinSamples = cfg.Anomaly.MinSamples
	dopts.DefaultThreshold = cfg.Anomaly.DefaultThreshold
	rt.detector = anomaly.NewDetector(rt.store, rt.logger.Named("anomaly"), dopts)
	if err := rt.detector.LoadModels(ctx); err != nil {
		return nil, fmt.Errorf("load anomaly models: %w", err)
	}

	rt.resources = optimizer.New(rt.store, exec, journal, rt.audit, rt.logger.Named("optimizer"),
		optimizer.Options{Target: cfg.Executor.Target})
	if n, err := rt.resources.SeedDefaultStrategies(ctx); err != nil {
		return nil, fmt.Errorf("seed strategies: %w", err)
	} else if n > 0 {
		rt.logger.Info("seeded default strategies", zap.Int("count", n))
	}

	rt.costs = cost.New(rt.store, exec, journal, rt.audit, rt.logger.Named("cost"), cost.Options{
		Provider:  cost.Provider(cfg.Cost.Provider),
		Resources: cfg.Cost.Resources,
		Budgets:   cfg.Cost.Budgets,
	})

	rt.engine = engine.New(rt.store, rt.collector, rt.predictor, rt.detector, rt.resources, rt.costs,
		rt.audit, rt.logger.Named("engine"), engine.Options{
			Metrics:                  cfg.Engine.Metrics,
			Horizons:                 cfg.Prediction.Horizons,
			AutoApprove:              cfg.Engine.AutoApprove,
			MaxAutoExecutionsPerHour: cfg.Engine.MaxAutoExecutionsPerHour,
			RollbackOnFailure:        cfg.Engine.RollbackOnFailure,
		})
	return rt, nil
}

// newExecutor picks the configured executor and rate-limits it.
func newExecutor(cfg *config.Config, logger *zap.Logger) (executor.Executor, error) {
	var exec executor.Executor
	switch cfg.Executor.Type {
	case "", "simulated":
		exec = executor.NewSimulated(cfg.Executor.Seed, cfg.Executor.FailureRate, logger)
	case "kubernetes":
		client, err := executor.NewKubernetesClient(cfg.Executor.Kubeconfig)
		if err != nil {
			return nil, fmt.Errorf("kubernetes client: %w", err)
		}
		exec = executor.NewKubernetes(client, cfg.Executor.Namespace, logger)
	default:
		return nil, fmt.Errorf("unsupported executor type %q", cfg.Executor.Type)
	}
	return executor.NewThrottled(exec, cfg.Executor.RatePerSecond, cfg.Executor.Burst), nil
}

// close releases resources in reverse order of acquisition.
func (rt *runtime) close() error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	rt.closers = nil
	return errors.Join(errs...)
}
