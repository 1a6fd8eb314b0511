package anomaly

import (
	"context"
	"fmt"
	"math"
	"sort"

	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-optimizer/internal/db"
	"github.com/kubilitics/kubilitics-optimizer/internal/models"
)

// GetAnomaly returns an anomaly by ID.
func (d *Detector) GetAnomaly(ctx context.Context, id string) (*models.Anomaly, error) {
	return db.Get[models.Anomaly](ctx, d.store, db.KindAnomaly, id)
}

// ListActiveAnomalies returns ACTIVE and INVESTIGATING anomalies, most severe
// first.
func (d *Detector) ListActiveAnomalies(ctx context.Context) ([]*models.Anomaly, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out, err := d.activeLocked(ctx)
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Severity.Rank() != out[j].Severity.Rank() {
			return out[i].Severity.Rank() > out[j].Severity.Rank()
		}
		return out[i].DetectedAt.After(out[j].DetectedAt)
	})
	return out, nil
}

func (d *Detector) activeLocked(ctx context.Context) ([]*models.Anomaly, error) {
	all, err := db.List[models.Anomaly](ctx, d.store, db.KindAnomaly)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, a := range all {
		if !a.Status.Terminal() {
			out = append(out, a)
		}
	}
	return out, nil
}

// ResolveAnomaly closes an anomaly as real and handled. It counts as a true
// positive for the metric's model. Resolving twice is a no-op.
func (d *Detector) ResolveAnomaly(ctx context.Context, id, resolution string) (*models.Anomaly, error) {
	return d.close(ctx, id, models.AnomalyResolved, resolution)
}

// SuppressAnomaly closes an anomaly as noise and makes its model less
// sensitive.
func (d *Detector) SuppressAnomaly(ctx context.Context, id string) (*models.Anomaly, error) {
	return d.close(ctx, id, models.AnomalySuppressed, "suppressed")
}

// MarkFalsePositive closes an anomaly as a false detection and makes its
// model less sensitive.
func (d *Detector) MarkFalsePositive(ctx context.Context, id string) (*models.Anomaly, error) {
	return d.close(ctx, id, models.AnomalyFalsePositive, "false positive")
}

// Investigate moves an ACTIVE anomaly to INVESTIGATING.
func (d *Detector) Investigate(ctx context.Context, id string) (*models.Anomaly, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	a, err := d.GetAnomaly(ctx, id)
	if err != nil {
		return nil, err
	}
	switch a.Status {
	case models.AnomalyInvestigating:
		return a, nil
	case models.AnomalyActive:
	default:
		return nil, models.NewStateError("anomaly", id, string(a.Status), string(models.AnomalyActive))
	}
	a.Status = models.AnomalyInvestigating
	a.UpdatedAt = d.now().UTC()
	if err := d.store.PutRecord(ctx, db.KindAnomaly, a.ID, a, 0); err != nil {
		return nil, fmt.Errorf("save anomaly: %w", err)
	}
	return a, nil
}

// close applies a terminal transition. Repeating the same transition returns
// the record unchanged; moving between different terminal states is refused.
func (d *Detector) close(ctx context.Context, id string, to models.AnomalyStatus, resolution string) (*models.Anomaly, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	a, err := d.GetAnomaly(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.Status == to {
		return a, nil
	}
	if a.Status.Terminal() {
		return nil, models.NewStateError("anomaly", id, string(a.Status),
			string(models.AnomalyActive), string(models.AnomalyInvestigating))
	}

	now := d.now().UTC()
	a.Status = to
	a.Resolution = resolution
	a.ResolvedAt = &now
	a.UpdatedAt = now
	if err := d.store.PutRecord(ctx, db.KindAnomaly, a.ID, a, 0); err != nil {
		return nil, fmt.Errorf("save anomaly: %w", err)
	}

	d.feedback(ctx, a, to == models.AnomalyResolved)
	d.logger.Info("anomaly closed",
		zap.String("id", a.ID),
		zap.String("metric", a.MetricName),
		zap.String("status", string(to)),
	)
	return a, nil
}

// feedback updates the detection model of the anomaly's metric. Correlation
// breaks have no detection model and are skipped.
func (d *Detector) feedback(ctx context.Context, a *models.Anomaly, truePositive bool) {
	if a.Type == models.AnomalyCorrelationBreak {
		return
	}
	err := d.models.Update(ctx, a.MetricName, func(m *models.AnomalyDetectionModel) {
		if truePositive {
			m.Accuracy.TruePositives++
		} else {
			m.Accuracy.FalsePositives++
			if m.Parameters == nil {
				m.Parameters = make(map[string]float64)
			}
			cur := m.Param(ParamThreshold, d.defaultThreshold(a.MetricName))
			m.Parameters[ParamThreshold] = math.Min(maxThreshold, cur+thresholdStep)
		}
		m.Accuracy.Recompute()
		m.UpdatedAt = d.now().UTC()
	})
	if err != nil {
		d.logger.Warn("failed to persist anomaly model feedback", zap.String("metric", a.MetricName), zap.Error(err))
	}
}
