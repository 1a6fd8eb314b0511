package collector

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-optimizer/internal/db"
	"github.com/kubilitics/kubilitics-optimizer/internal/metrics"
	"github.com/kubilitics/kubilitics-optimizer/internal/models"
)

// Threshold raises a metrics alert when a snapshot value reaches Warning or
// Critical. Source names the sub-collector producing the metric; its
// threshold is skipped on ticks where that source failed.
type Threshold struct {
	Metric   string
	Source   string
	Warning  float64
	Critical float64
}

// DefaultThresholds returns the built-in alert thresholds.
func DefaultThresholds() []Threshold {
	return []Threshold{
		{Metric: models.MetricCPUUsage, Source: "system", Warning: 0.85, Critical: 0.95},
		{Metric: models.MetricMemoryUsage, Source: "system", Warning: 0.85, Critical: 0.95},
		{Metric: models.MetricDatastoreMemory, Source: "datastore", Warning: 0.9, Critical: 0.98},
		{Metric: models.MetricErrorRate, Source: "application", Warning: 0.05, Critical: 0.1},
	}
}

// RecordAlert persists a new alert, filling ID, status and creation time
// when unset.
func (c *Collector) RecordAlert(ctx context.Context, a *models.Alert) error {
	return SaveAlert(ctx, c.store, a, c.now())
}

// SaveAlert persists a new alert from any source.
func SaveAlert(ctx context.Context, store db.RecordStore, a *models.Alert, now time.Time) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.Status == "" {
		a.Status = models.AlertActive
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now.UTC()
	}
	if err := store.PutRecord(ctx, db.KindAlert, a.ID, a, 0); err != nil {
		return fmt.Errorf("save alert %s: %w", a.ID, err)
	}
	metrics.AlertsRaised.WithLabelValues(a.Source, string(a.Severity)).Inc()
	return nil
}

// ListActiveAlerts returns unresolved alerts, newest first.
func (c *Collector) ListActiveAlerts(ctx context.Context) ([]*models.Alert, error) {
	return ListActiveAlerts(ctx, c.store)
}

// ListActiveAlerts returns unresolved alerts from any source, newest first.
func ListActiveAlerts(ctx context.Context, store db.RecordStore) ([]*models.Alert, error) {
	all, err := db.List[models.Alert](ctx, store, db.KindAlert)
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	out := make([]*models.Alert, 0, len(all))
	for _, a := range all {
		if a.Status != models.AlertResolved {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// ResolveAlert marks an alert resolved. Resolving twice is a no-op.
func (c *Collector) ResolveAlert(ctx context.Context, id string) (*models.Alert, error) {
	return UpdateAlert(ctx, c.store, id, func(a *models.Alert, now time.Time) bool {
		if a.Status == models.AlertResolved {
			return false
		}
		a.Status = models.AlertResolved
		a.ResolvedAt = &now
		return true
	})
}

// AcknowledgeAlert marks an active alert acknowledged. Acknowledging an
// acknowledged or resolved alert is a no-op.
func (c *Collector) AcknowledgeAlert(ctx context.Context, id string) (*models.Alert, error) {
	return AcknowledgeAlert(ctx, c.store, id)
}

// AcknowledgeAlert is shared with the cost optimizer, whose alerts live in
// the same record kind.
func AcknowledgeAlert(ctx context.Context, store db.RecordStore, id string) (*models.Alert, error) {
	return UpdateAlert(ctx, store, id, func(a *models.Alert, now time.Time) bool {
		if a.Status != models.AlertActive {
			return false
		}
		a.Status = models.AlertAcknowledged
		a.AcknowledgedAt = &now
		return true
	})
}

// UpdateAlert loads an alert, applies fn and saves it when fn reports a
// change.
func UpdateAlert(ctx context.Context, store db.RecordStore, id string, fn func(a *models.Alert, now time.Time) bool) (*models.Alert, error) {
	a, err := db.Get[models.Alert](ctx, store, db.KindAlert, id)
	if err != nil {
		return nil, fmt.Errorf("alert %s: %w", id, err)
	}
	if !fn(a, time.Now().UTC()) {
		return a, nil
	}
	if err := store.PutRecord(ctx, db.KindAlert, a.ID, a, 0); err != nil {
		return nil, fmt.Errorf("save alert %s: %w", id, err)
	}
	return a, nil
}

// evaluateThresholds raises, escalates and resolves metric alerts for one
// snapshot. Errors are logged only.
func (c *Collector) evaluateThresholds(ctx context.Context, snap *models.SystemMetrics) {
	if len(c.thresholds) == 0 {
		return
	}
	active, err := c.ListActiveAlerts(ctx)
	if err != nil {
		c.logger.Warn("failed to load active alerts", zap.Error(err))
		return
	}
	open := make(map[string]*models.Alert)
	for _, a := range active {
		if a.Source == models.AlertSourceMetrics {
			open[a.Subject] = a
		}
	}
	failed := make(map[string]bool, len(snap.Failed))
	for _, f := range snap.Failed {
		failed[f] = true
	}

	values := snap.Values()
	for _, th := range c.thresholds {
		if failed[th.Source] {
			continue
		}
		v := values[th.Metric]
		existing := open[th.Metric]

		var sev models.AlertSeverity
		limit := th.Warning
		switch {
		case v >= th.Critical:
			sev, limit = models.AlertCritical, th.Critical
		case v >= th.Warning:
			sev = models.AlertWarning
		}

		switch {
		case sev == "" && existing != nil:
			if _, err := c.ResolveAlert(ctx, existing.ID); err != nil {
				c.logger.Warn("failed to resolve alert", zap.String("alert_id", existing.ID), zap.Error(err))
			}
		case sev == "":
		case existing == nil:
			a := &models.Alert{
				Source:    models.AlertSourceMetrics,
				Subject:   th.Metric,
				Severity:  sev,
				Value:     v,
				Threshold: limit,
				Message:   fmt.Sprintf("%s at %.3f reached %s threshold %.3f", th.Metric, v, sev, limit),
			}
			if err := c.RecordAlert(ctx, a); err != nil {
				c.logger.Warn("failed to record alert", zap.String("metric", th.Metric), zap.Error(err))
			}
		case existing.Severity == models.AlertWarning && sev == models.AlertCritical:
			existing.Severity = sev
			existing.Value = v
			existing.Threshold = limit
			existing.Message = fmt.Sprintf("%s at %.3f escalated to %s threshold %.3f", th.Metric, v, sev, limit)
			if err := c.store.PutRecord(ctx, db.KindAlert, existing.ID, existing, 0); err != nil {
				c.logger.Warn("failed to escalate alert", zap.String("alert_id", existing.ID), zap.Error(err))
			}
		}
	}
}
