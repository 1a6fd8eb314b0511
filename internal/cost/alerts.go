package cost

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-optimizer/internal/collector"
	"github.com/kubilitics/kubilitics-optimizer/internal/models"
)

// AlertSeverityFor grades current against threshold: over 1.5× is
// CRITICAL, over 1.2× WARNING, anything else INFO.
func AlertSeverityFor(current, threshold float64) models.AlertSeverity {
	ratio := current / threshold
	switch {
	case ratio > 1.5:
		return models.AlertCritical
	case ratio > 1.2:
		return models.AlertWarning
	default:
		return models.AlertInfo
	}
}

// CreateAlert records a cost alert for resourceType.
func (o *Optimizer) CreateAlert(ctx context.Context, resourceType string, threshold, current float64) (*models.Alert, error) {
	if threshold <= 0 {
		return nil, fmt.Errorf("alert threshold must be positive, got %g", threshold)
	}
	sev := AlertSeverityFor(current, threshold)
	a := &models.Alert{
		Source:    models.AlertSourceCost,
		Subject:   resourceType,
		Severity:  sev,
		Value:     current,
		Threshold: threshold,
		Message:   fmt.Sprintf("%s monthly cost $%.2f against budget $%.2f (%.0f%%)", resourceType, current, threshold, current/threshold*100),
	}
	if err := collector.SaveAlert(ctx, o.store, a, o.now()); err != nil {
		return nil, err
	}
	o.logger.Info("cost alert raised",
		zap.String("id", a.ID),
		zap.String("resource_type", resourceType),
		zap.String("severity", string(sev)),
		zap.Float64("current", current),
		zap.Float64("threshold", threshold),
	)
	return a, nil
}

// AcknowledgeAlert acknowledges an active alert.
func (o *Optimizer) AcknowledgeAlert(ctx context.Context, id string) (*models.Alert, error) {
	return collector.AcknowledgeAlert(ctx, o.store, id)
}

// CheckBudgets raises an alert for every resource type whose monthly cost
// exceeds its budget, unless an unresolved cost alert for that type exists.
func (o *Optimizer) CheckBudgets(ctx context.Context) ([]*models.Alert, error) {
	if len(o.opts.Budgets) == 0 {
		return nil, nil
	}
	active, err := collector.ListActiveAlerts(ctx, o.store)
	if err != nil {
		return nil, err
	}
	alerted := make(map[string]bool)
	for _, a := range active {
		if a.Source == models.AlertSourceCost {
			alerted[a.Subject] = true
		}
	}

	totals := o.MonthlyCosts()
	types := make([]string, 0, len(o.opts.Budgets))
	for t := range o.opts.Budgets {
		types = append(types, t)
	}
	sort.Strings(types)

	var created []*models.Alert
	for _, t := range types {
		budget := o.opts.Budgets[t]
		current := totals[models.ResourceType(t)]
		if budget <= 0 || current <= budget || alerted[t] {
			continue
		}
		a, err := o.CreateAlert(ctx, t, budget, current)
		if err != nil {
			return created, err
		}
		created = append(created, a)
	}
	return created, nil
}
