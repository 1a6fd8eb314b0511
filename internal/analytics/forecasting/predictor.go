// Package forecasting predicts near-future metric values from linear trend
// and seasonality, derives resource bottlenecks from those predictions and
// keeps per-metric prediction models accurate through feedback.
package forecasting

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-optimizer/internal/analytics/registry"
	"github.com/kubilitics/kubilitics-optimizer/internal/analytics/stats"
	"github.com/kubilitics/kubilitics-optimizer/internal/db"
	"github.com/kubilitics/kubilitics-optimizer/internal/metrics"
	"github.com/kubilitics/kubilitics-optimizer/internal/models"
	"github.com/kubilitics/kubilitics-optimizer/internal/tracing"
)

// Model parameters.
const (
	ParamLookbackSeconds      = "lookback_seconds"
	ParamSeasonalityThreshold = "seasonality_threshold"
)

const (
	defaultInterval       = 30 * time.Second
	defaultLookback       = 24 * time.Hour
	maxPending            = 200
	confidenceDecayPerSec = 0.5 / 3600
	minConfidence         = 0.1
)

// Options tunes the predictor.
type Options struct {
	// MinSamples is the history needed for a non-zero-confidence prediction.
	MinSamples int
	// RetrainMAPE triggers retraining when exceeded.
	RetrainMAPE float64
	// MinEvaluated is the number of evaluated predictions before MAPE counts.
	MinEvaluated int
	// ErrorWindow bounds the evaluated prediction errors kept per model.
	ErrorWindow int
	// StaleAfter drops pending predictions whose target time is this far
	// behind the feedback timestamp.
	StaleAfter time.Duration
}

// DefaultOptions returns the standard predictor tuning.
func DefaultOptions() Options {
	return Options{
		MinSamples:   10,
		RetrainMAPE:  0.2,
		MinEvaluated: 5,
		ErrorWindow:  100,
		StaleAfter:   15 * time.Minute,
	}
}

// Predictor is the PerformancePredictor. It owns the prediction models.
type Predictor struct {
	store  db.Store
	models *registry.Registry[models.PredictionModel]
	opts   Options
	logger *zap.Logger
	now    func() time.Time
}

// NewPredictor creates a predictor. Call LoadModels before use.
func NewPredictor(store db.Store, logger *zap.Logger, opts Options) *Predictor {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultOptions()
	if opts.MinSamples <= 0 {
		opts.MinSamples = def.MinSamples
	}
	if opts.RetrainMAPE <= 0 {
		opts.RetrainMAPE = def.RetrainMAPE
	}
	if opts.MinEvaluated <= 0 {
		opts.MinEvaluated = def.MinEvaluated
	}
	if opts.ErrorWindow <= 0 {
		opts.ErrorWindow = def.ErrorWindow
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = def.StaleAfter
	}
	p := &Predictor{store: store, opts: opts, logger: logger, now: time.Now}
	p.models = registry.New(store, registry.Options[models.PredictionModel]{
		Prefix: "prediction",
		New:    p.newModel,
		Name:   func(m *models.PredictionModel) string { return m.MetricName },
		Clone:  cloneModel,
	})
	return p
}

func (p *Predictor) newModel(metric string) *models.PredictionModel {
	now := p.now().UTC()
	return &models.PredictionModel{
		MetricName: metric,
		Type:       models.ModelLinearTrend,
		Parameters: map[string]float64{
			ParamLookbackSeconds:      defaultLookback.Seconds(),
			ParamSeasonalityThreshold: 0.5,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func cloneModel(m *models.PredictionModel) *models.PredictionModel {
	c := *m
	c.Parameters = make(map[string]float64, len(m.Parameters))
	for k, v := range m.Parameters {
		c.Parameters[k] = v
	}
	c.Pending = append([]models.PendingPrediction(nil), m.Pending...)
	c.Errors = append([]models.PredictionError(nil), m.Errors...)
	return &c
}

// LoadModels reloads persisted models.
func (p *Predictor) LoadModels(ctx context.Context) error {
	n, err := p.models.Load(ctx)
	if err != nil {
		return err
	}
	p.logger.Info("prediction models loaded", zap.Int("count", n))
	return nil
}

// SaveModels flushes every model to the store.
func (p *Predictor) SaveModels(ctx context.Context) error {
	return p.models.Save(ctx)
}

// Model returns a copy of the model for metric, creating it if needed.
func (p *Predictor) Model(ctx context.Context, metric string) (*models.PredictionModel, error) {
	return p.models.Get(ctx, metric)
}

// Predict forecasts metric horizonSeconds ahead. Insufficient or unreadable
// history yields a zero-confidence prediction that is not persisted.
func (p *Predictor) Predict(ctx context.Context, metric string, horizonSeconds int, ptype models.PredictionType) (*models.PerformancePrediction, error) {
	ctx, span := tracing.StartSpan(ctx, "forecasting.predict",
		attribute.String("metric", metric),
		attribute.Int("horizon_seconds", horizonSeconds),
	)
	defer span.End()

	if horizonSeconds <= 0 {
		return nil, fmt.Errorf("horizon must be positive, got %d", horizonSeconds)
	}

	model, err := p.models.Get(ctx, metric)
	if err != nil {
		p.logger.Warn("failed to persist new prediction model", zap.String("metric", metric), zap.Error(err))
	}

	now := p.now().UTC()
	lookback := time.Duration(model.Param(ParamLookbackSeconds, defaultLookback.Seconds())) * time.Second
	history, err := p.store.RangeSamples(ctx, metric, now.Add(-lookback), now)
	if err != nil {
		p.logger.Warn("history unavailable, returning zero-confidence prediction",
			zap.String("metric", metric), zap.Error(err))
		history = nil
	}

	if len(history) < p.opts.MinSamples {
		metrics.PredictionsTotal.WithLabelValues(string(ptype), "false").Inc()
		return insufficientPrediction(metric, horizonSeconds, ptype, history, now), nil
	}

	pred := p.forecast(model, history, horizonSeconds, ptype, now)

	if err := p.store.PutRecord(ctx, db.KindPrediction, pred.ID, pred, db.PredictionTTL(horizonSeconds)); err != nil {
		metrics.StoreErrors.WithLabelValues("put_prediction").Inc()
		return nil, fmt.Errorf("save prediction: %w", err)
	}

	err = p.models.Update(ctx, metric, func(m *models.PredictionModel) {
		m.Pending = append(m.Pending, models.PendingPrediction{
			PredictionID: pred.ID,
			TargetTime:   now.Add(time.Duration(horizonSeconds) * time.Second),
			Predicted:    pred.PredictedValue,
		})
		if len(m.Pending) > maxPending {
			m.Pending = m.Pending[len(m.Pending)-maxPending:]
		}
		if pred.Seasonality.Detected {
			m.Type = models.ModelSeasonalTrend
		} else {
			m.Type = models.ModelLinearTrend
		}
		m.TrainingWindow = models.TrainingWindow{
			Start:   history[0].Timestamp,
			End:     history[len(history)-1].Timestamp,
			Samples: len(history),
		}
		m.UpdatedAt = now
	})
	if err != nil {
		p.logger.Warn("failed to persist prediction model", zap.String("metric", metric), zap.Error(err))
	}

	metrics.PredictionsTotal.WithLabelValues(string(ptype), "true").Inc()
	return pred, nil
}

func insufficientPrediction(metric string, horizonSeconds int, ptype models.PredictionType, history []models.MetricSample, now time.Time) *models.PerformancePrediction {
	var current float64
	if len(history) > 0 {
		current = history[len(history)-1].Value
	}
	return &models.PerformancePrediction{
		ID:             uuid.New().String(),
		MetricName:     metric,
		Type:           ptype,
		HorizonSeconds: horizonSeconds,
		CurrentValue:   current,
		PredictedValue: current,
		Confidence:     0,
		Trend:          models.Trend{Direction: models.TrendStable},
		SampleCount:    len(history),
		CreatedAt:      now,
		ValidUntil:     now.Add(time.Duration(horizonSeconds) * time.Second),
		Factors: []models.Factor{{
			Name:        "insufficient_data",
			Weight:      1,
			Description: fmt.Sprintf("%d samples available", len(history)),
		}},
	}
}

// forecast fits trend and seasonality on history (oldest first).
func (p *Predictor) forecast(model *models.PredictionModel, history []models.MetricSample, horizonSeconds int, ptype models.PredictionType, now time.Time) *models.PerformancePrediction {
	values := make([]float64, len(history))
	for i, s := range history {
		values[i] = s.Value
	}
	interval := samplingInterval(history)
	fit := stats.LinearRegression(values)
	season := detectSeasonality(values, interval, model.Param(ParamSeasonalityThreshold, 0.5))

	last := values[len(values)-1]
	steps := float64(horizonSeconds) / interval.Seconds()
	predicted := last + fit.Slope*steps

	mean, std := stats.MeanStdDev(values)
	anomalous := predicted > mean+3*std || predicted < mean-3*std

	return &models.PerformancePrediction{
		ID:             uuid.New().String(),
		MetricName:     model.MetricName,
		Type:           ptype,
		HorizonSeconds: horizonSeconds,
		CurrentValue:   last,
		PredictedValue: predicted,
		Confidence:     Confidence(horizonSeconds),
		Anomalous:      anomalous,
		Trend: models.Trend{
			Direction: trendDirection(fit.Slope, mean),
			Slope:     fit.Slope,
			RSquared:  fit.RSquared,
		},
		Seasonality: season,
		Factors:     factors(fit, season, values, interval),
		SampleCount: len(values),
		CreatedAt:   now,
		ValidUntil:  now.Add(time.Duration(horizonSeconds) * time.Second),
	}
}

// Confidence decays linearly with the horizon and never drops below 0.1.
func Confidence(horizonSeconds int) float64 {
	return math.Max(minConfidence, 1-confidenceDecayPerSec*float64(horizonSeconds))
}

// samplingInterval is the median spacing of sample timestamps.
func samplingInterval(history []models.MetricSample) time.Duration {
	if len(history) < 2 {
		return defaultInterval
	}
	gaps := make([]float64, 0, len(history)-1)
	for i := 1; i < len(history); i++ {
		gaps = append(gaps, history[i].Timestamp.Sub(history[i-1].Timestamp).Seconds())
	}
	sort.Float64s(gaps)
	median := stats.Percentile(gaps, 50)
	if median <= 0 {
		return defaultInterval
	}
	return time.Duration(median * float64(time.Second))
}

// detectSeasonality tests autocorrelation at one sampling-day, or at one
// sampling-hour when less than two days are available.
func detectSeasonality(values []float64, interval time.Duration, threshold float64) models.Seasonality {
	for _, period := range []time.Duration{24 * time.Hour, time.Hour} {
		lag := int(period / interval)
		if lag < 2 || len(values) < 2*lag {
			continue
		}
		strength := stats.Autocorrelation(values, lag)
		return models.Seasonality{
			Detected:      strength > threshold,
			PeriodSamples: lag,
			Strength:      strength,
		}
	}
	return models.Seasonality{}
}

func trendDirection(slope, mean float64) models.TrendDirection {
	scale := math.Max(math.Abs(mean), 1e-9)
	switch rel := slope / scale; {
	case rel > 1e-3:
		return models.TrendIncreasing
	case rel < -1e-3:
		return models.TrendDecreasing
	default:
		return models.TrendStable
	}
}

func factors(fit stats.Fit, season models.Seasonality, values []float64, interval time.Duration) []models.Factor {
	out := []models.Factor{{
		Name:        "trend",
		Weight:      stats.Clamp(fit.RSquared, 0, 1),
		Description: fmt.Sprintf("slope %.4g per %s sample", fit.Slope, interval),
	}}
	if season.Detected {
		out = append(out, models.Factor{
			Name:        "seasonality",
			Weight:      stats.Clamp(season.Strength, 0, 1),
			Description: fmt.Sprintf("autocorrelation %.2f at %d samples", season.Strength, season.PeriodSamples),
		})
	}
	if cv := stats.CoefficientOfVariation(values); cv > 0 {
		out = append(out, models.Factor{
			Name:        "volatility",
			Weight:      stats.Clamp(cv, 0, 1),
			Description: fmt.Sprintf("coefficient of variation %.2f", cv),
		})
	}
	return out
}

// ListPredictions returns unexpired persisted predictions for metric, or
// for every metric when metric is empty.
func (p *Predictor) ListPredictions(ctx context.Context, metric string) ([]*models.PerformancePrediction, error) {
	all, err := db.List[models.PerformancePrediction](ctx, p.store, db.KindPrediction)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, pr := range all {
		if metric == "" || pr.MetricName == metric {
			out = append(out, pr)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}
