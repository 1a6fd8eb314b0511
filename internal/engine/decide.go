package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-optimizer/internal/db"
	"github.com/kubilitics/kubilitics-optimizer/internal/metrics"
	"github.com/kubilitics/kubilitics-optimizer/internal/models"
)

const (
	autoApprover   = "engine"
	autoBudgetKey  = "auto_exec:"
	autoBudgetHour = "2006010215"
	// autoBudgetTTL outlives the hour the counter covers.
	autoBudgetTTL = 2 * time.Hour
)

func anomalyTrigger(a *models.Anomaly) models.Trigger {
	return models.Trigger{
		Type:        models.TriggerAnomaly,
		SourceID:    a.ID,
		Subject:     a.MetricName,
		Severity:    a.Severity,
		Description: fmt.Sprintf("%s %s on %s: %.3g (expected %.3g)", a.Severity, a.Type, a.MetricName, a.Value, a.Expected),
	}
}

func predictionTrigger(p *models.PerformancePrediction) models.Trigger {
	sev := models.SeverityMedium
	if p.Anomalous {
		sev = models.SeverityHigh
	}
	return models.Trigger{
		Type:        models.TriggerPrediction,
		SourceID:    p.ID,
		Subject:     p.MetricName,
		Severity:    sev,
		Description: fmt.Sprintf("%s predicted at %.3g in %ds (now %.3g, confidence %.2f)", p.MetricName, p.PredictedValue, p.HorizonSeconds, p.CurrentValue, p.Confidence),
	}
}

func bottleneckTrigger(b *models.BottleneckPrediction) models.Trigger {
	return models.Trigger{
		Type:        models.TriggerBottleneck,
		SourceID:    b.ID,
		Subject:     b.MetricName,
		Severity:    b.Severity,
		Description: fmt.Sprintf("%s bottleneck expected around %s: %.3g against limit %.3g", b.Resource, b.EstimatedOnset.Format("15:04"), b.PredictedValue, b.Threshold),
	}
}

func costTrigger(c *models.CostOptimization) models.Trigger {
	return models.Trigger{
		Type:        models.TriggerCost,
		SourceID:    c.ID,
		Subject:     c.ResourceID + "/" + string(c.Type),
		Severity:    CostSeverity(c),
		Description: c.Description,
	}
}

// decide turns findings into decisions. Triggers with an open decision are
// skipped, and so are anomalies and cost optimizations already claimed by any
// decision.
func (e *Engine) decide(
	ctx context.Context,
	sum *CycleSummary,
	anomalies []*models.Anomaly,
	predictions []*models.PerformancePrediction,
	bottlenecks []*models.BottleneckPrediction,
	findings []*models.CostOptimization,
) ([]*models.OptimizationDecision, error) {
	existing, err := db.List[models.OptimizationDecision](ctx, e.store, db.KindDecision)
	if err != nil {
		return nil, fmt.Errorf("list decisions: %w", err)
	}
	open := make(map[string]bool)
	claimed := make(map[string]bool)
	// handled anomalies stay ACTIVE after their decision closes.
	handled := make(map[string]bool)
	for _, d := range existing {
		if d.Status.Open() {
			open[d.Trigger.Fingerprint()] = true
		}
		if d.Trigger.Type == models.TriggerAnomaly {
			handled[d.Trigger.SourceID] = true
		}
		for _, id := range d.CostOptimizationIDs {
			claimed[id] = true
		}
	}

	var created []*models.OptimizationDecision
	consider := func(trig models.Trigger, propose func() ([]*models.OptimizationAction, []*models.CostOptimization, error)) error {
		if open[trig.Fingerprint()] {
			sum.Duplicates++
			return nil
		}
		actions, costs, err := propose()
		if err != nil {
			sum.fail("optimize "+strings.ToLower(string(trig.Type)), err)
			return nil
		}
		d, err := e.create(ctx, sum, trig, actions, costs)
		if err != nil {
			return err
		}
		if d != nil {
			open[trig.Fingerprint()] = true
			created = append(created, d)
		}
		return nil
	}

	for _, a := range anomalies {
		if handled[a.ID] {
			sum.Duplicates++
			continue
		}
		a := a
		err := consider(anomalyTrigger(a), func() ([]*models.OptimizationAction, []*models.CostOptimization, error) {
			actions, err := e.resources.OptimizeForAnomaly(ctx, a)
			return actions, nil, err
		})
		if err != nil {
			return created, err
		}
	}

	// A prediction is actionable when it is confident and either anomalous
	// or matched by a strategy condition; only matches yield actions.
	for _, p := range predictions {
		if p.Confidence <= actionableConfidence {
			continue
		}
		p := p
		err := consider(predictionTrigger(p), func() ([]*models.OptimizationAction, []*models.CostOptimization, error) {
			actions, err := e.resources.OptimizeForPrediction(ctx, p)
			if err == nil && len(actions) == 0 && p.Anomalous {
				e.logger.Debug("anomalous prediction matched no strategy", zap.String("metric", p.MetricName))
			}
			return actions, nil, err
		})
		if err != nil {
			return created, err
		}
	}

	for _, b := range bottlenecks {
		b := b
		err := consider(bottleneckTrigger(b), func() ([]*models.OptimizationAction, []*models.CostOptimization, error) {
			actions, err := e.resources.OptimizeForBottleneck(ctx, b)
			return actions, nil, err
		})
		if err != nil {
			return created, err
		}
	}

	for _, c := range findings {
		if c.Status != models.StatusAnalyzed || claimed[c.ID] {
			continue
		}
		c := c
		err := consider(costTrigger(c), func() ([]*models.OptimizationAction, []*models.CostOptimization, error) {
			return nil, []*models.CostOptimization{c}, nil
		})
		if err != nil {
			return created, err
		}
	}
	return created, nil
}

// create builds, scores and persists a decision. A trigger without actions
// or cost optimizations yields no decision.
func (e *Engine) create(ctx context.Context, sum *CycleSummary, trig models.Trigger, actions []*models.OptimizationAction, costs []*models.CostOptimization) (*models.OptimizationDecision, error) {
	if len(actions) == 0 && len(costs) == 0 {
		return nil, nil
	}
	now := e.now().UTC()
	d := &models.OptimizationDecision{
		ID:        uuid.New().String(),
		Type:      models.DecisionTypeFor(trig.Type),
		Trigger:   trig,
		Status:    models.DecisionPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	for _, a := range actions {
		d.ActionIDs = append(d.ActionIDs, a.ID)
		d.Summary = append(d.Summary, a.Description)
		d.ExpectedImpact = d.ExpectedImpact.Add(a.ExpectedImpact)
		d.Risks = append(d.Risks, a.Risks...)
	}
	for _, c := range costs {
		d.CostOptimizationIDs = append(d.CostOptimizationIDs, c.ID)
		d.Summary = append(d.Summary, c.Description)
		d.ExpectedImpact = d.ExpectedImpact.Add(c.ExpectedImpact())
		d.Risks = append(d.Risks, c.Risks...)
	}
	d.Score = Score(d)
	d.Priority = PriorityFor(d.Score)

	if e.opts.AutoApprove && eligibleForAutoApproval(d) && e.reserveAutoExecution(ctx) {
		d.AutoApprove = true
		d.Status = models.DecisionApproved
		d.ApprovedBy = autoApprover
		d.ApprovedAt = &now
		sum.AutoApproved++
	}

	if err := e.save(ctx, d); err != nil {
		return nil, err
	}
	metrics.DecisionsTotal.WithLabelValues(string(d.Type), string(d.Priority)).Inc()
	_ = e.audit.LogDecisionCreated(ctx, d.ID, string(d.Type), string(d.Priority))
	if d.AutoApprove {
		_ = e.audit.LogDecisionApproved(ctx, d.ID, autoApprover, true)
	}
	e.logger.Info("decision created",
		zap.String("id", d.ID),
		zap.String("type", string(d.Type)),
		zap.String("trigger", trig.Fingerprint()),
		zap.Float64("score", d.Score),
		zap.String("priority", string(d.Priority)),
		zap.Bool("auto_approved", d.AutoApprove),
	)
	return d, nil
}

// reserveAutoExecution takes one slot of the hourly auto-execution budget.
// A counter failure allows the execution.
func (e *Engine) reserveAutoExecution(ctx context.Context) bool {
	limit := e.opts.MaxAutoExecutionsPerHour
	if limit <= 0 {
		return false
	}
	key := autoBudgetKey + e.now().UTC().Format(autoBudgetHour)
	n, err := e.store.IncrWithExpire(ctx, key, autoBudgetTTL)
	if err != nil {
		metrics.StoreErrors.WithLabelValues("auto_budget").Inc()
		e.logger.Warn("auto-execution budget unavailable, allowing", zap.Error(err))
		return true
	}
	if n > int64(limit) {
		e.logger.Info("hourly auto-execution budget exhausted, leaving decision pending",
			zap.Int64("count", n), zap.Int("limit", limit))
		return false
	}
	return true
}
