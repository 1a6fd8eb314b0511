package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-optimizer/internal/audit"
	"github.com/kubilitics/kubilitics-optimizer/internal/db"
	"github.com/kubilitics/kubilitics-optimizer/internal/metrics"
	"github.com/kubilitics/kubilitics-optimizer/internal/models"
	"github.com/kubilitics/kubilitics-optimizer/internal/tracing"
)

const (
	stateKind       = "decision"
	operator        = "operator"
	rollbackOnError = "decision_failed"
)

// GetDecision loads one decision.
func (e *Engine) GetDecision(ctx context.Context, id string) (*models.OptimizationDecision, error) {
	d, err := db.Get[models.OptimizationDecision](ctx, e.store, db.KindDecision, id)
	if err != nil {
		return nil, fmt.Errorf("decision %s: %w", id, err)
	}
	return d, nil
}

// ListDecisions returns decisions with the given status, or all when
// status is empty, newest first.
func (e *Engine) ListDecisions(ctx context.Context, status models.DecisionStatus) ([]*models.OptimizationDecision, error) {
	all, err := db.List[models.OptimizationDecision](ctx, e.store, db.KindDecision)
	if err != nil {
		return nil, fmt.Errorf("list decisions: %w", err)
	}
	out := all[:0]
	for _, d := range all {
		if status == "" || d.Status == status {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// ListActiveAnomalies returns unresolved anomalies.
func (e *Engine) ListActiveAnomalies(ctx context.Context) ([]*models.Anomaly, error) {
	return e.detector.ListActiveAnomalies(ctx)
}

// ListActiveAlerts returns unresolved metric and cost alerts.
func (e *Engine) ListActiveAlerts(ctx context.Context) ([]*models.Alert, error) {
	return e.collector.ListActiveAlerts(ctx)
}

// transition applies fn to a decision under the engine lock and persists
// it. fn returns a StateError to refuse the transition.
func (e *Engine) transition(ctx context.Context, id string, fn func(d *models.OptimizationDecision, now time.Time) error) (*models.OptimizationDecision, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	d, err := e.GetDecision(ctx, id)
	if err != nil {
		return nil, err
	}
	now := e.now().UTC()
	if err := fn(d, now); err != nil {
		return nil, err
	}
	d.UpdatedAt = now
	if err := e.save(ctx, d); err != nil {
		return nil, err
	}
	return d, nil
}

func requireStatus(d *models.OptimizationDecision, allowed ...models.DecisionStatus) error {
	for _, s := range allowed {
		if d.Status == s {
			return nil
		}
	}
	required := make([]string, len(allowed))
	for i, s := range allowed {
		required[i] = string(s)
	}
	return models.NewStateError(stateKind, d.ID, string(d.Status), required...)
}

// Approve approves a PENDING decision on behalf of approver and executes
// it. The returned decision carries the execution result.
func (e *Engine) Approve(ctx context.Context, id, approver string) (*models.OptimizationDecision, error) {
	if approver == "" {
		approver = operator
	}
	if _, err := e.transition(ctx, id, func(d *models.OptimizationDecision, now time.Time) error {
		if err := requireStatus(d, models.DecisionPending); err != nil {
			return err
		}
		d.Status = models.DecisionApproved
		d.ApprovedBy = approver
		d.ApprovedAt = &now
		return nil
	}); err != nil {
		return nil, err
	}
	_ = e.audit.LogDecisionApproved(ctx, id, approver, false)
	e.logger.Info("decision approved", zap.String("id", id), zap.String("approver", approver))
	return e.execute(ctx, id)
}

// Reject closes a PENDING decision without executing it.
func (e *Engine) Reject(ctx context.Context, id, reason string) (*models.OptimizationDecision, error) {
	d, err := e.transition(ctx, id, func(d *models.OptimizationDecision, now time.Time) error {
		if err := requireStatus(d, models.DecisionPending); err != nil {
			return err
		}
		d.Status = models.DecisionRejected
		d.RejectionReason = reason
		return nil
	})
	if err != nil {
		return nil, err
	}
	metrics.DecisionOutcomes.WithLabelValues(string(d.Status)).Inc()
	_ = e.audit.LogDecisionRejected(ctx, id, operator, reason)
	e.logger.Info("decision rejected", zap.String("id", id), zap.String("reason", reason))
	return d, nil
}

// Cancel withdraws a PENDING or APPROVED decision that has not started.
func (e *Engine) Cancel(ctx context.Context, id string) (*models.OptimizationDecision, error) {
	d, err := e.transition(ctx, id, func(d *models.OptimizationDecision, now time.Time) error {
		if err := requireStatus(d, models.DecisionPending, models.DecisionApproved); err != nil {
			return err
		}
		d.Status = models.DecisionCancelled
		return nil
	})
	if err != nil {
		return nil, err
	}
	metrics.DecisionOutcomes.WithLabelValues(string(d.Status)).Inc()
	_ = e.audit.Log(ctx, audit.NewEvent(audit.EventDecisionCancelled).
		WithCorrelationID(id).
		WithActor(operator).
		WithResult(audit.ResultDenied).
		WithDescription(fmt.Sprintf("Decision %s cancelled", id)))
	e.logger.Info("decision cancelled", zap.String("id", id))
	return d, nil
}

// Requeue returns a FAILED decision to PENDING for a fresh approval. Its
// failed and rolled-back actions and cost optimizations are requeued too;
// completed ones keep their results and are not run again.
func (e *Engine) Requeue(ctx context.Context, id string) (*models.OptimizationDecision, error) {
	d, err := e.transition(ctx, id, func(d *models.OptimizationDecision, now time.Time) error {
		if err := requireStatus(d, models.DecisionFailed); err != nil {
			return err
		}
		for _, aid := range d.ActionIDs {
			if _, err := e.resources.Requeue(ctx, aid); err != nil && !errors.Is(err, models.ErrInvalidState) {
				return err
			}
		}
		for _, cid := range d.CostOptimizationIDs {
			if _, err := e.costs.Requeue(ctx, cid); err != nil && !errors.Is(err, models.ErrInvalidState) {
				return err
			}
		}
		d.Status = models.DecisionPending
		d.Result = nil
		d.ApprovedBy = ""
		d.ApprovedAt = nil
		d.CompletedAt = nil
		d.AutoApprove = false
		return nil
	})
	if err != nil {
		return nil, err
	}
	_ = e.audit.Log(ctx, audit.NewEvent(audit.EventDecisionRequeued).
		WithCorrelationID(id).
		WithActor(operator).
		WithResult(audit.ResultPending).
		WithDescription(fmt.Sprintf("Decision %s requeued", id)))
	e.logger.Info("decision requeued", zap.String("id", id))
	return d, nil
}

// execute runs an APPROVED decision: every action and cost optimization is
// approved and carried out in order. Content failures are captured in the
// decision result; the decision ends COMPLETED or FAILED.
func (e *Engine) execute(ctx context.Context, id string) (d *models.OptimizationDecision, err error) {
	ctx, span := tracing.StartSpan(ctx, "engine.execute", attribute.String("decision.id", id))
	defer func() { tracing.End(span, err) }()

	d, err = e.transition(ctx, id, func(d *models.OptimizationDecision, now time.Time) error {
		if err := requireStatus(d, models.DecisionApproved); err != nil {
			return err
		}
		d.Status = models.DecisionExecuting
		return nil
	})
	if err != nil {
		return nil, err
	}

	started := e.now().UTC()
	res := &models.DecisionResult{Outcomes: make(map[string]*models.OptimizationResult), StartedAt: started}
	var completed []string

	for _, aid := range d.ActionIDs {
		out, err := e.runAction(ctx, aid)
		collect(res, aid, out, err, &completed)
	}
	for _, cid := range d.CostOptimizationIDs {
		out, err := e.runCost(ctx, cid)
		collect(res, cid, out, err, &completed)
	}
	res.Success = len(res.Errors) == 0

	if !res.Success && e.opts.RollbackOnFailure {
		for _, cid := range completed {
			if err := e.rollback(ctx, d, cid); err != nil {
				res.Errors = append(res.Errors, fmt.Sprintf("rollback %s: %v", cid, err))
				continue
			}
			res.RolledBack = append(res.RolledBack, cid)
		}
	}
	res.CompletedAt = e.now().UTC()

	d, err = e.transition(ctx, id, func(d *models.OptimizationDecision, now time.Time) error {
		d.Result = res
		d.CompletedAt = &res.CompletedAt
		if res.Success {
			d.Status = models.DecisionCompleted
		} else {
			d.Status = models.DecisionFailed
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.DecisionOutcomes.WithLabelValues(string(d.Status)).Inc()
	_ = e.audit.LogDecisionFinished(ctx, d.ID, res.Success, res.CompletedAt.Sub(res.StartedAt))
	e.logger.Info("decision executed",
		zap.String("id", d.ID),
		zap.String("status", string(d.Status)),
		zap.Float64("savings", res.ActualImpact.Savings()),
		zap.Float64("performance_gain", res.ActualImpact.PerformanceGain),
		zap.Strings("errors", res.Errors),
		zap.Strings("rolled_back", res.RolledBack),
	)
	return d, nil
}

// collect folds one content outcome into the decision result.
func collect(res *models.DecisionResult, id string, out *models.OptimizationResult, err error, completed *[]string) {
	switch {
	case err != nil:
		res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", id, err))
	case out == nil:
	case !out.Success:
		res.Outcomes[id] = out
		res.Errors = append(res.Errors, fmt.Sprintf("%s: %s", id, out.Error))
	default:
		res.Outcomes[id] = out
		res.ActualImpact = res.ActualImpact.Add(out.ActualImpact)
		*completed = append(*completed, id)
	}
}

// runAction approves and executes one action. An action completed by an
// earlier run keeps its result.
func (e *Engine) runAction(ctx context.Context, id string) (*models.OptimizationResult, error) {
	a, err := e.resources.GetAction(ctx, id)
	if err != nil {
		return nil, err
	}
	switch a.Status {
	case models.StatusCompleted:
		return a.Result, nil
	case models.StatusPending:
		if _, err := e.resources.Approve(ctx, id); err != nil {
			return nil, err
		}
	}
	return e.resources.Execute(ctx, id)
}

// runCost approves and implements one cost optimization.
func (e *Engine) runCost(ctx context.Context, id string) (*models.OptimizationResult, error) {
	c, err := e.costs.GetOptimization(ctx, id)
	if err != nil {
		return nil, err
	}
	switch c.Status {
	case models.StatusCompleted:
		return c.Result, nil
	case models.StatusAnalyzed, models.StatusPending:
		if _, err := e.costs.Approve(ctx, id); err != nil {
			return nil, err
		}
	}
	return e.costs.Implement(ctx, id)
}

func (e *Engine) rollback(ctx context.Context, d *models.OptimizationDecision, id string) error {
	for _, aid := range d.ActionIDs {
		if aid == id {
			return e.resources.RollbackWithReason(ctx, id, rollbackOnError)
		}
	}
	return e.costs.RollbackWithReason(ctx, id, rollbackOnError)
}

func (e *Engine) save(ctx context.Context, d *models.OptimizationDecision) error {
	if err := e.store.PutRecord(ctx, db.KindDecision, d.ID, d, 0); err != nil {
		metrics.StoreErrors.WithLabelValues("put_decision").Inc()
		return fmt.Errorf("save decision %s: %w", d.ID, err)
	}
	return nil
}
