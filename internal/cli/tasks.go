package cli

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-optimizer/internal/engine"
	"github.com/kubilitics/kubilitics-optimizer/internal/models"
	"github.com/kubilitics/kubilitics-optimizer/internal/scheduler"
)

// tasks returns the periodic jobs of a serving optimizer.
func (rt *runtime) tasks() []scheduler.Task {
	return []scheduler.Task{
		{Name: "collect", Interval: rt.cfg.Collector.Interval, Run: rt.collect},
		{Name: "detect", Interval: rt.cfg.Anomaly.Interval, Run: rt.detect},
		{Name: "predict", Interval: rt.cfg.Prediction.Interval, Run: rt.predict},
		{Name: "cycle", Interval: rt.cfg.Engine.Interval, Run: rt.cycle},
		{Name: "cost", Interval: rt.cfg.Cost.Interval, Run: rt.costReview},
		{Name: "report", Interval: rt.cfg.Report.Interval, Run: rt.report},
	}
}

// collect takes a snapshot and feeds every value back to the predictor so
// pending predictions get scored.
func (rt *runtime) collect(ctx context.Context) error {
	snap, err := rt.collector.CollectSnapshot(ctx)
	if err != nil {
		return err
	}
	for _, s := range snap.Samples() {
		if err := rt.predictor.UpdateModel(ctx, s.Name, s.Value, s.Timestamp); err != nil {
			rt.logger.Debug("model feedback failed", zap.String("metric", s.Name), zap.Error(err))
		}
	}
	return nil
}

func (rt *runtime) detect(ctx context.Context) error {
	samples, err := rt.collector.LatestSamples(ctx, rt.cfg.Engine.Metrics)
	if err != nil {
		return fmt.Errorf("latest samples: %w", err)
	}
	var errs []error
	if len(samples) > 0 {
		if _, err := rt.detector.Detect(ctx, samples); err != nil {
			errs = append(errs, err)
		}
	}
	if _, err := rt.detector.DetectCorrelationBreaks(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// predict refreshes predictions and bottleneck forecasts at every horizon.
func (rt *runtime) predict(ctx context.Context) error {
	var errs []error
	for _, metric := range rt.cfg.Engine.Metrics {
		for _, h := range rt.cfg.Prediction.Horizons {
			if _, err := rt.predictor.Predict(ctx, metric, h, models.PredictionPerformance); err != nil {
				errs = append(errs, err)
			}
		}
	}
	for _, h := range rt.cfg.Prediction.Horizons {
		if _, err := rt.predictor.PredictBottlenecks(ctx, h); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (rt *runtime) cycle(ctx context.Context) error {
	sum, err := rt.engine.RunCycle(ctx)
	if errors.Is(err, engine.ErrCycleInProgress) {
		rt.logger.Info("cycle already running, skipping")
		return nil
	}
	if err != nil {
		return err
	}
	if len(sum.Errors) > 0 {
		rt.logger.Warn("cycle finished with errors", zap.Strings("errors", sum.Errors))
	}
	return nil
}

// costReview discovers savings, samples daily spend for forecasting and
// checks budgets.
func (rt *runtime) costReview(ctx context.Context) error {
	var errs []error
	if _, err := rt.costs.IdentifyOptimizations(ctx, ""); err != nil {
		errs = append(errs, err)
	}
	if _, err := rt.costs.RecordDailyCosts(ctx); err != nil {
		errs = append(errs, err)
	}
	if _, err := rt.costs.CheckBudgets(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (rt *runtime) report(ctx context.Context) error {
	r, err := rt.engine.GenerateReport(ctx, models.PeriodDay)
	if err != nil {
		return err
	}
	rt.logger.Info("daily report generated",
		zap.String("report_id", r.ID),
		zap.Int("decisions", r.TotalDecisions),
		zap.Float64("success_rate", r.SuccessRate),
		zap.Float64("savings", r.TotalSavings),
	)
	return nil
}

// flush persists model registries and the audit trail on shutdown.
func (rt *runtime) flush() []func(ctx context.Context) error {
	return []func(ctx context.Context) error{
		rt.predictor.SaveModels,
		rt.detector.SaveModels,
		func(context.Context) error { return rt.audit.Sync() },
	}
}
