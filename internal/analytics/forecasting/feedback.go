package forecasting

import (
	"context"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-optimizer/internal/analytics/stats"
	"github.com/kubilitics/kubilitics-optimizer/internal/metrics"
	"github.com/kubilitics/kubilitics-optimizer/internal/models"
)

// Candidate lookback windows tried by retraining.
var retrainLookbacks = []time.Duration{time.Hour, 6 * time.Hour, 24 * time.Hour}

// backtestPoints is how many of the most recent samples a retrain scores
// each candidate on.
const backtestPoints = 5

// UpdateModel feeds an observed value back into the metric's model. Pending
// predictions due at or before ts are scored against actual, accuracy is
// recomputed, and a model whose MAPE exceeds the retrain threshold is
// retrained. Only a failure to persist the model is returned.
func (p *Predictor) UpdateModel(ctx context.Context, metric string, actual float64, ts time.Time) error {
	var needsRetrain bool
	var accuracy models.PredictionAccuracy

	err := p.models.Update(ctx, metric, func(m *models.PredictionModel) {
		kept := m.Pending[:0]
		for _, pp := range m.Pending {
			switch {
			case pp.TargetTime.After(ts):
				kept = append(kept, pp)
			case ts.Sub(pp.TargetTime) > p.opts.StaleAfter:
				// Too old to be compared with this value
			default:
				m.Errors = append(m.Errors, models.PredictionError{
					Predicted: pp.Predicted,
					Actual:    actual,
					At:        ts,
				})
			}
		}
		m.Pending = kept
		if len(m.Errors) > p.opts.ErrorWindow {
			m.Errors = m.Errors[len(m.Errors)-p.opts.ErrorWindow:]
		}
		m.Accuracy = computeAccuracy(m.Errors)
		m.UpdatedAt = p.now().UTC()

		accuracy = m.Accuracy
		needsRetrain = m.Accuracy.Samples >= p.opts.MinEvaluated && m.Accuracy.MAPE > p.opts.RetrainMAPE
	})
	if err != nil {
		return err
	}

	if needsRetrain {
		p.logger.Info("prediction accuracy degraded, retraining",
			zap.String("metric", metric),
			zap.Float64("mape", accuracy.MAPE),
			zap.Int("evaluated", accuracy.Samples),
		)
		p.retrain(ctx, metric)
	}
	return nil
}

// computeAccuracy returns MAPE, RMSE and MAE. MAPE skips zero actuals.
func computeAccuracy(errs []models.PredictionError) models.PredictionAccuracy {
	if len(errs) == 0 {
		return models.PredictionAccuracy{}
	}
	var absSum, sqSum, pctSum float64
	pctN := 0
	for _, e := range errs {
		diff := e.Predicted - e.Actual
		absSum += math.Abs(diff)
		sqSum += diff * diff
		if e.Actual != 0 {
			pctSum += math.Abs(diff / e.Actual)
			pctN++
		}
	}
	n := float64(len(errs))
	acc := models.PredictionAccuracy{
		RMSE:    math.Sqrt(sqSum / n),
		MAE:     absSum / n,
		Samples: len(errs),
	}
	if pctN > 0 {
		acc.MAPE = pctSum / float64(pctN)
	}
	return acc
}

// retrain backtests each candidate lookback on the latest samples and keeps
// the best one. Failures are logged; the model keeps its parameters.
func (p *Predictor) retrain(ctx context.Context, metric string) {
	now := p.now().UTC()
	longest := retrainLookbacks[len(retrainLookbacks)-1]
	history, err := p.store.RangeSamples(ctx, metric, now.Add(-2*longest), now)
	if err != nil {
		p.logger.Warn("retrain skipped, history unavailable", zap.String("metric", metric), zap.Error(err))
		return
	}

	best, bestMAPE := time.Duration(0), math.Inf(1)
	for _, lb := range retrainLookbacks {
		mape, ok := backtest(history, lb, p.opts.MinSamples)
		if ok && mape < bestMAPE {
			best, bestMAPE = lb, mape
		}
	}
	if best == 0 {
		p.logger.Info("retrain skipped, not enough history", zap.String("metric", metric), zap.Int("samples", len(history)))
		return
	}

	err = p.models.Update(ctx, metric, func(m *models.PredictionModel) {
		if m.Parameters == nil {
			m.Parameters = make(map[string]float64)
		}
		m.Parameters[ParamLookbackSeconds] = best.Seconds()
		m.Errors = nil
		m.Accuracy = models.PredictionAccuracy{}
		m.RetrainCount++
		m.LastTrainedAt = now
		m.UpdatedAt = now
	})
	if err != nil {
		p.logger.Warn("failed to persist retrained model", zap.String("metric", metric), zap.Error(err))
		return
	}
	metrics.ModelRetrains.WithLabelValues("prediction").Inc()
	p.logger.Info("prediction model retrained",
		zap.String("metric", metric),
		zap.Duration("lookback", best),
		zap.Float64("backtest_mape", bestMAPE),
	)
}

// backtest predicts each of the last backtestPoints samples one step ahead
// from the samples in the lookback window before it and returns the MAPE.
func backtest(history []models.MetricSample, lookback time.Duration, minSamples int) (float64, bool) {
	if len(history) <= backtestPoints {
		return 0, false
	}
	var pctSum float64
	n := 0
	for i := len(history) - backtestPoints; i < len(history); i++ {
		target := history[i]
		var train []float64
		for j := 0; j < i; j++ {
			if !history[j].Timestamp.Before(target.Timestamp.Add(-lookback)) {
				train = append(train, history[j].Value)
			}
		}
		if len(train) < minSamples || target.Value == 0 {
			continue
		}
		fit := stats.LinearRegression(train)
		predicted := train[len(train)-1] + fit.Slope
		pctSum += math.Abs((predicted - target.Value) / target.Value)
		n++
	}
	if n == 0 {
		return 0, false
	}
	return pctSum / float64(n), true
}
