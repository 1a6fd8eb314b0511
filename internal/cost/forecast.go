package cost

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-optimizer/internal/analytics/stats"
	"github.com/kubilitics/kubilitics-optimizer/internal/db"
	"github.com/kubilitics/kubilitics-optimizer/internal/models"
)

// Forecast scenario multipliers and history bounds.
const (
	conservativeFactor = 0.8
	aggressiveFactor   = 1.3
	fullHistoryDays    = 30
	historyWindow      = 90 * day
	// stableSlope is the relative daily slope below which a trend is flat.
	stableSlope = 0.01
)

// SeriesPrefix starts the name of every cost series.
const SeriesPrefix = "cost."

// DailyCostMetric names the series of daily costs for a resource type.
func DailyCostMetric(t models.ResourceType) string {
	return SeriesPrefix + string(t) + ".daily"
}

// RecordDailyCosts prices the inventory and appends one daily cost sample
// per resource type. Resources without utilization data are still priced.
// A type already recorded on the current UTC day is skipped, so each series
// holds at most one sample per day.
func (o *Optimizer) RecordDailyCosts(ctx context.Context) (map[models.ResourceType]float64, error) {
	totals := o.MonthlyCosts()
	now := o.now().UTC()
	today := now.Truncate(day)
	samples := make([]models.MetricSample, 0, len(totals))
	daily := make(map[models.ResourceType]float64, len(totals))
	for t, monthly := range totals {
		daily[t] = monthly / 30
		last, err := o.store.LatestSample(ctx, DailyCostMetric(t))
		if err != nil && !errors.Is(err, db.ErrNotFound) {
			return nil, fmt.Errorf("latest daily cost: %w", err)
		}
		if last != nil && !last.Timestamp.Before(today) {
			continue
		}
		samples = append(samples, models.MetricSample{Name: DailyCostMetric(t), Value: daily[t], Timestamp: now})
	}
	if len(samples) == 0 {
		return daily, nil
	}
	if err := o.store.AppendSamples(ctx, samples); err != nil {
		return nil, fmt.Errorf("record daily costs: %w", err)
	}
	o.logger.Info("daily costs recorded", zap.Int("resource_types", len(samples)))
	return daily, nil
}

// MonthlyCosts sums the priced inventory by resource type.
func (o *Optimizer) MonthlyCosts() map[models.ResourceType]float64 {
	totals := make(map[models.ResourceType]float64)
	for _, r := range o.opts.Resources {
		b, err := o.calc.Monthly(r)
		if err != nil {
			o.logger.Warn("resource cannot be priced", zap.String("resource", r.ID), zap.Error(err))
			continue
		}
		totals[models.ResourceType(r.Type)] += b.Total
	}
	return totals
}

// Forecast projects the daily cost of resourceType horizonDays ahead from
// the recorded daily samples. With fewer than two samples the forecast is
// empty with zero confidence.
func (o *Optimizer) Forecast(ctx context.Context, resourceType string, horizonDays int) (*models.CostForecast, error) {
	if !validResourceType(resourceType) {
		return nil, fmt.Errorf("unknown resource type %q", resourceType)
	}
	if horizonDays <= 0 {
		return nil, fmt.Errorf("horizon must be positive, got %d days", horizonDays)
	}
	now := o.now().UTC()
	rt := models.ResourceType(resourceType)
	history, err := o.store.RangeSamples(ctx, DailyCostMetric(rt), now.Add(-historyWindow), now)
	if err != nil {
		return nil, fmt.Errorf("load cost history: %w", err)
	}

	f := &models.CostForecast{
		ResourceType: rt,
		HorizonDays:  horizonDays,
		History:      len(history),
		Trend:        models.TrendStable,
		CreatedAt:    now,
	}
	if len(history) < 2 {
		o.logger.Debug("not enough cost history to forecast", zap.String("resource_type", resourceType), zap.Int("samples", len(history)))
		return f, nil
	}

	first := history[0].Timestamp
	xs := make([]float64, len(history))
	ys := make([]float64, len(history))
	for i, s := range history {
		xs[i] = s.Timestamp.Sub(first).Hours() / 24
		ys[i] = s.Value
	}
	fit := stats.LinearRegressionXY(xs, ys)
	f.DailySlope = fit.Slope

	last := history[len(history)-1].Timestamp
	lastX := xs[len(xs)-1]
	for d := 1; d <= horizonDays; d++ {
		date := last.Add(time.Duration(d) * day)
		v := math.Max(0, fit.At(lastX+float64(d)))
		f.Timeline = append(f.Timeline, models.CostPoint{Date: date, Cost: v})
		f.Conservative = append(f.Conservative, models.CostPoint{Date: date, Cost: v * conservativeFactor})
		f.Aggressive = append(f.Aggressive, models.CostPoint{Date: date, Cost: v * aggressiveFactor})
		f.Total += v
	}
	f.ConservativeTotal = f.Total * conservativeFactor
	f.AggressiveTotal = f.Total * aggressiveFactor

	mean := stats.Mean(ys)
	switch {
	case mean == 0 || math.Abs(fit.Slope) < stableSlope*math.Abs(mean):
		f.Trend = models.TrendStable
	case fit.Slope > 0:
		f.Trend = models.TrendIncreasing
	default:
		f.Trend = models.TrendDecreasing
	}

	f.Confidence = ForecastConfidence(len(history), stats.CoefficientOfVariation(ys))
	return f, nil
}

// ForecastConfidence blends history length and stability:
// 0.5·min(1, n/30) + 0.5/(1+cv).
func ForecastConfidence(n int, cv float64) float64 {
	return 0.5*math.Min(1, float64(n)/fullHistoryDays) + 0.5/(1+cv)
}
