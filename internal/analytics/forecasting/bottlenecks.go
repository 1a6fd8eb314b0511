package forecasting

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-optimizer/internal/db"
	"github.com/kubilitics/kubilitics-optimizer/internal/metrics"
	"github.com/kubilitics/kubilitics-optimizer/internal/models"
)

// MinBottleneckConfidence is the prediction confidence a bottleneck needs.
const MinBottleneckConfidence = 0.7

// ResourceLimit is one row of the bottleneck table.
type ResourceLimit struct {
	Resource  string
	Metric    string
	Threshold float64
	// Components lists what degrades when the resource saturates.
	Components  []string
	Mitigations []models.Mitigation
}

// ResourceLimits is the fixed resource → metric → threshold table.
var ResourceLimits = []ResourceLimit{
	{
		Resource:   "cpu",
		Metric:     models.MetricCPUUsage,
		Threshold:  0.80,
		Components: []string{"request handlers", "background workers"},
		Mitigations: []models.Mitigation{
			{Action: models.ActionScaleUp, Description: "Add CPU to the service instances", EstimatedEffect: 0.30, EstimatedCost: 60},
			{Action: models.ActionScaleOut, Description: "Add service replicas", EstimatedEffect: 0.25, EstimatedCost: 90},
			{Action: models.ActionRebalance, Description: "Rebalance load across replicas", EstimatedEffect: 0.10, EstimatedCost: 0},
		},
	},
	{
		Resource:   "memory",
		Metric:     models.MetricMemoryUsage,
		Threshold:  0.85,
		Components: []string{"service instances"},
		Mitigations: []models.Mitigation{
			{Action: models.ActionScaleUp, Description: "Raise the memory limit of the service instances", EstimatedEffect: 0.25, EstimatedCost: 40},
			{Action: models.ActionCacheOptimization, Description: "Shrink in-process caches", EstimatedEffect: 0.15, EstimatedCost: 0},
			{Action: models.ActionReconfigure, Description: "Tune runtime memory settings", EstimatedEffect: 0.10, EstimatedCost: 0},
		},
	},
	{
		Resource:   "datastore",
		Metric:     models.MetricDatastoreMemory,
		Threshold:  0.90,
		Components: []string{"datastore", "session cache"},
		Mitigations: []models.Mitigation{
			{Action: models.ActionCacheOptimization, Description: "Expire cold keys and compress large values", EstimatedEffect: 0.20, EstimatedCost: 0},
			{Action: models.ActionScaleUp, Description: "Raise the datastore memory limit", EstimatedEffect: 0.30, EstimatedCost: 70},
			{Action: models.ActionReconfigure, Description: "Switch the eviction policy to allkeys-lru", EstimatedEffect: 0.10, EstimatedCost: 0},
		},
	},
	{
		Resource:   "network",
		Metric:     models.MetricNetworkBandwidth,
		Threshold:  0.80,
		Components: []string{"ingress", "datastore replication"},
		Mitigations: []models.Mitigation{
			{Action: models.ActionRebalance, Description: "Spread traffic across network paths", EstimatedEffect: 0.20, EstimatedCost: 0},
			{Action: models.ActionReconfigure, Description: "Enable payload compression", EstimatedEffect: 0.15, EstimatedCost: 0},
			{Action: models.ActionScaleOut, Description: "Add replicas behind the load balancer", EstimatedEffect: 0.20, EstimatedCost: 90},
		},
	},
	{
		Resource:   "latency",
		Metric:     models.MetricResponseTime,
		Threshold:  500, // ms
		Components: []string{"request handlers"},
		Mitigations: []models.Mitigation{
			{Action: models.ActionScaleOut, Description: "Add service replicas", EstimatedEffect: 0.30, EstimatedCost: 90},
			{Action: models.ActionCacheOptimization, Description: "Cache hot responses in the datastore", EstimatedEffect: 0.25, EstimatedCost: 10},
			{Action: models.ActionRebalance, Description: "Rebalance slow partitions", EstimatedEffect: 0.10, EstimatedCost: 0},
		},
	},
}

// BottleneckSeverity grades how far the prediction overshoots the threshold.
func BottleneckSeverity(ratio float64) models.Severity {
	switch {
	case ratio >= 1.5:
		return models.SeverityCritical
	case ratio >= 1.3:
		return models.SeverityHigh
	case ratio >= 1.2:
		return models.SeverityMedium
	default:
		return models.SeverityLow
	}
}

// EvaluateBottleneck turns a prediction into a bottleneck when it crosses
// the limit with enough confidence.
func EvaluateBottleneck(limit ResourceLimit, pred *models.PerformancePrediction, now time.Time) (*models.BottleneckPrediction, bool) {
	if pred.PredictedValue <= limit.Threshold || pred.Confidence <= MinBottleneckConfidence {
		return nil, false
	}
	ratio := pred.PredictedValue / limit.Threshold
	severity := BottleneckSeverity(ratio)
	horizon := time.Duration(pred.HorizonSeconds) * time.Second

	// Onset interpolates between the current and predicted value
	frac := 0.0
	if pred.CurrentValue < limit.Threshold && pred.PredictedValue != pred.CurrentValue {
		frac = (limit.Threshold - pred.CurrentValue) / (pred.PredictedValue - pred.CurrentValue)
		frac = math.Max(0, math.Min(1, frac))
	}
	onsetOffset := time.Duration(frac * float64(horizon))
	duration := horizon - onsetOffset + time.Duration((ratio-1)*float64(horizon))

	return &models.BottleneckPrediction{
		ID:                uuid.New().String(),
		Resource:          limit.Resource,
		MetricName:        limit.Metric,
		Severity:          severity,
		CurrentValue:      pred.CurrentValue,
		PredictedValue:    pred.PredictedValue,
		Threshold:         limit.Threshold,
		Confidence:        pred.Confidence,
		HorizonSeconds:    pred.HorizonSeconds,
		EstimatedOnset:    now.Add(onsetOffset),
		EstimatedDuration: duration,
		Impact: models.BottleneckImpact{
			PerformanceDegradation: math.Min(1, ratio-1),
			AffectedComponents:     append([]string(nil), limit.Components...),
			UserImpact:             userImpact(severity),
		},
		Mitigations:  append([]models.Mitigation(nil), limit.Mitigations...),
		PredictionID: pred.ID,
		CreatedAt:    now,
	}, true
}

func userImpact(s models.Severity) string {
	switch s {
	case models.SeverityCritical:
		return "requests likely to fail or time out"
	case models.SeverityHigh:
		return "noticeable slowdowns for most users"
	case models.SeverityMedium:
		return "occasional slow responses"
	default:
		return "minimal"
	}
}

// PredictBottlenecks predicts every resource in ResourceLimits at horizon
// and persists the bottlenecks found. A resource whose prediction fails is
// skipped.
func (p *Predictor) PredictBottlenecks(ctx context.Context, horizonSeconds int) ([]*models.BottleneckPrediction, error) {
	var out []*models.BottleneckPrediction
	for _, limit := range ResourceLimits {
		pred, err := p.Predict(ctx, limit.Metric, horizonSeconds, models.PredictionResource)
		if err != nil {
			p.logger.Warn("bottleneck prediction failed",
				zap.String("resource", limit.Resource), zap.Error(err))
			continue
		}
		b, ok := EvaluateBottleneck(limit, pred, p.now().UTC())
		if !ok {
			continue
		}
		if err := p.store.PutRecord(ctx, db.KindBottleneck, b.ID, b, db.BottleneckTTL); err != nil {
			metrics.StoreErrors.WithLabelValues("put_bottleneck").Inc()
			return out, fmt.Errorf("save bottleneck: %w", err)
		}
		metrics.BottlenecksPredicted.WithLabelValues(b.Resource, string(b.Severity)).Inc()
		p.logger.Info("bottleneck predicted",
			zap.String("resource", b.Resource),
			zap.String("severity", string(b.Severity)),
			zap.Float64("predicted", b.PredictedValue),
			zap.Float64("threshold", b.Threshold),
		)
		out = append(out, b)
	}
	return out, nil
}

// ListBottlenecks returns unexpired bottlenecks, most severe first.
func (p *Predictor) ListBottlenecks(ctx context.Context) ([]*models.BottleneckPrediction, error) {
	all, err := db.List[models.BottleneckPrediction](ctx, p.store, db.KindBottleneck)
	if err != nil {
		return nil, err
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].Severity.Rank() != all[j].Severity.Rank() {
			return all[i].Severity.Rank() > all[j].Severity.Rank()
		}
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})
	return all, nil
}
