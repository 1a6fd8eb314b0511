package anomaly

import (
	"context"
	"fmt"
	"math"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-optimizer/internal/analytics/stats"
	"github.com/kubilitics/kubilitics-optimizer/internal/db"
	"github.com/kubilitics/kubilitics-optimizer/internal/metrics"
	"github.com/kubilitics/kubilitics-optimizer/internal/models"
)

const (
	correlationSamples    = 30
	minCorrelationSamples = 10
	breakThreshold        = 0.3
)

// ExpectedCorrelation is a metric pair and the coefficient it normally shows.
type ExpectedCorrelation struct {
	A, B        string
	Coefficient float64
}

// ExpectedCorrelations is a fixed table, not learned from history. A pair
// whose workload changes shape will report breaks until the table is edited.
var ExpectedCorrelations = []ExpectedCorrelation{
	{models.MetricCPUUsage, models.MetricResponseTime, 0.8},
	{models.MetricMemoryUsage, models.MetricDatastoreMemory, 0.7},
	{models.MetricRequestRate, models.MetricCPUUsage, 0.75},
	{models.MetricErrorRate, models.MetricResponseTime, 0.6},
}

// CorrelationMetric names the pseudo-metric a correlation break is filed under.
func CorrelationMetric(a, b string) string {
	return fmt.Sprintf("correlation:%s:%s", a, b)
}

// BreakSeverity grades the gap between expected and observed correlation.
func BreakSeverity(diff float64) models.Severity {
	switch {
	case diff > 0.7:
		return models.SeverityHigh
	case diff > 0.5:
		return models.SeverityMedium
	default:
		return models.SeverityLow
	}
}

// DetectCorrelationBreaks compares each expected pair with the Pearson
// correlation over their latest aligned samples. Pairs without enough
// history are skipped.
func (d *Detector) DetectCorrelationBreaks(ctx context.Context) ([]*models.Anomaly, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	active, err := d.activeLocked(ctx)
	if err != nil {
		d.logger.Warn("active anomalies unavailable, duplicates possible", zap.Error(err))
	}

	now := d.now().UTC()
	var found []*models.Anomaly
	for _, pair := range ExpectedCorrelations {
		xs, ys, ok := d.alignedTail(ctx, pair.A, pair.B)
		if !ok {
			continue
		}
		current := stats.Correlation(xs, ys)
		diff := math.Abs(pair.Coefficient - current)
		if diff <= breakThreshold {
			continue
		}

		a := &models.Anomaly{
			ID:         uuid.New().String(),
			MetricName: CorrelationMetric(pair.A, pair.B),
			Type:       models.AnomalyCorrelationBreak,
			Severity:   BreakSeverity(diff),
			Status:     models.AnomalyActive,
			Value:      current,
			Expected:   pair.Coefficient,
			Confidence: math.Min(1, diff),
			Context: models.AnomalyContext{
				BaselineCount: len(xs),
				RelatedMetrics: map[string]float64{
					pair.A: xs[len(xs)-1],
					pair.B: ys[len(ys)-1],
				},
			},
			DetectedAt: now,
			UpdatedAt:  now,
		}
		if isDuplicate(active, a, d.opts.DedupeWindow) {
			continue
		}
		d.enrich(ctx, a)
		if err := d.store.PutRecord(ctx, db.KindAnomaly, a.ID, a, 0); err != nil {
			metrics.StoreErrors.WithLabelValues("put_anomaly").Inc()
			return found, fmt.Errorf("save correlation break: %w", err)
		}
		metrics.AnomaliesDetected.WithLabelValues(string(a.Type), string(a.Severity)).Inc()
		d.logger.Info("correlation break detected",
			zap.String("a", pair.A),
			zap.String("b", pair.B),
			zap.Float64("expected", pair.Coefficient),
			zap.Float64("current", current),
		)
		active = append(active, a)
		found = append(found, a)
	}
	return found, nil
}

// alignedTail returns the last correlationSamples values of both series,
// truncated to the shorter one so indexes line up by collection tick.
func (d *Detector) alignedTail(ctx context.Context, a, b string) ([]float64, []float64, bool) {
	now := d.now().UTC()
	tail := func(metric string) []float64 {
		samples, err := d.store.RangeSamples(ctx, metric, now.Add(-d.opts.Window), now)
		if err != nil {
			d.logger.Debug("correlation series unavailable", zap.String("metric", metric), zap.Error(err))
			return nil
		}
		if len(samples) > correlationSamples {
			samples = samples[len(samples)-correlationSamples:]
		}
		out := make([]float64, len(samples))
		for i, s := range samples {
			out[i] = s.Value
		}
		return out
	}
	xs, ys := tail(a), tail(b)
	if len(xs) < minCorrelationSamples || len(ys) < minCorrelationSamples {
		return nil, nil, false
	}
	n := len(xs)
	if len(ys) < n {
		n = len(ys)
	}
	return xs[len(xs)-n:], ys[len(ys)-n:], true
}
