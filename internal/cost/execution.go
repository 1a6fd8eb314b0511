package cost

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-optimizer/internal/executor"
	"github.com/kubilitics/kubilitics-optimizer/internal/metrics"
	"github.com/kubilitics/kubilitics-optimizer/internal/models"
	"github.com/kubilitics/kubilitics-optimizer/internal/safety/rollback"
	"github.com/kubilitics/kubilitics-optimizer/internal/tracing"
)

const stateKind = "cost_optimization"

// Approve moves an ANALYZED or PENDING optimization to APPROVED.
func (o *Optimizer) Approve(ctx context.Context, id string) (*models.CostOptimization, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	c, err := o.GetOptimization(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.Status != models.StatusAnalyzed && c.Status != models.StatusPending {
		return nil, models.NewStateError(stateKind, id, string(c.Status), string(models.StatusAnalyzed), string(models.StatusPending))
	}
	c.Status = models.StatusApproved
	c.UpdatedAt = o.now().UTC()
	if err := o.save(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// Requeue returns a FAILED or ROLLED_BACK optimization to ANALYZED.
func (o *Optimizer) Requeue(ctx context.Context, id string) (*models.CostOptimization, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	c, err := o.GetOptimization(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.Status != models.StatusFailed && c.Status != models.StatusRolledBack {
		return nil, models.NewStateError(stateKind, id, string(c.Status), string(models.StatusFailed), string(models.StatusRolledBack))
	}
	c.Status = models.StatusAnalyzed
	c.Result = nil
	c.UpdatedAt = o.now().UTC()
	if err := o.save(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

func change(c *models.CostOptimization) executor.Change {
	return executor.Change{ID: c.ID, Kind: string(c.Type), Resource: c.ResourceID, Parameters: c.Parameters}
}

// Implement runs an APPROVED optimization through the executor. Execution
// failures are captured in the result and leave the optimization FAILED.
func (o *Optimizer) Implement(ctx context.Context, id string) (res *models.OptimizationResult, err error) {
	ctx, span := tracing.StartSpan(ctx, "cost.implement", attribute.String("cost_optimization.id", id))
	defer func() { tracing.End(span, err) }()

	c, err := o.claim(ctx, id)
	if err != nil {
		return nil, err
	}
	res = executor.Run(ctx, o.exec, change(c), c.ExpectedImpact(), o.now)

	o.mu.Lock()
	defer o.mu.Unlock()
	c.Result = res
	c.UpdatedAt = res.CompletedAt
	status := "success"
	var execErr error
	if res.Success {
		c.Status = models.StatusCompleted
	} else {
		c.Status = models.StatusFailed
		status = "failed"
		execErr = errors.New(res.Error)
	}
	metrics.ChangesExecuted.WithLabelValues(stateKind, string(c.Type), status).Inc()
	_ = o.audit.LogChangeExecuted(ctx, c.ID, string(c.Type), c.ResourceID, execErr, res.CompletedAt.Sub(res.StartedAt))
	if err := o.save(ctx, c); err != nil {
		return res, err
	}
	o.logger.Info("cost optimization implemented",
		zap.String("id", c.ID),
		zap.String("type", string(c.Type)),
		zap.String("resource", c.ResourceID),
		zap.Bool("success", res.Success),
		zap.String("error", res.Error),
	)
	return res, nil
}

func (o *Optimizer) claim(ctx context.Context, id string) (*models.CostOptimization, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	c, err := o.GetOptimization(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.Status != models.StatusApproved {
		return nil, models.NewStateError(stateKind, id, string(c.Status), string(models.StatusApproved))
	}
	c.Status = models.StatusExecuting
	c.UpdatedAt = o.now().UTC()
	if err := o.save(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// Rollback reverts an implemented optimization. Rolling back twice is a
// no-op.
func (o *Optimizer) Rollback(ctx context.Context, id string) error {
	return o.RollbackWithReason(ctx, id, "manual")
}

// RollbackWithReason reverts an implemented optimization and journals
// reason.
func (o *Optimizer) RollbackWithReason(ctx context.Context, id, reason string) (err error) {
	ctx, span := tracing.StartSpan(ctx, "cost.rollback", attribute.String("cost_optimization.id", id))
	defer func() { tracing.End(span, err) }()

	o.mu.Lock()
	defer o.mu.Unlock()

	c, err := o.GetOptimization(ctx, id)
	if err != nil {
		return err
	}
	if c.Result == nil {
		return models.NewStateError(stateKind, id, string(c.Status), string(models.StatusCompleted), string(models.StatusFailed))
	}
	if c.Result.RolledBack {
		return nil
	}

	entry := &rollback.Entry{
		SubjectKind: rollback.SubjectCostOptimization,
		SubjectID:   c.ID,
		ChangeKind:  string(c.Type),
		Resource:    c.ResourceID,
		Reason:      reason,
		Undo:        c.Result.UndoState,
	}
	if revertErr := o.exec.Revert(ctx, change(c), c.Result.UndoState); revertErr != nil {
		entry.Error = revertErr.Error()
		if jerr := o.journal.Record(ctx, entry); jerr != nil {
			o.logger.Warn("failed to journal rollback", zap.String("id", c.ID), zap.Error(jerr))
		}
		return fmt.Errorf("rollback cost optimization %s: %w", id, revertErr)
	}

	now := o.now().UTC()
	c.Result.RolledBack = true
	c.Result.RolledBackAt = &now
	c.Result.RollbackRequired = false
	c.Status = models.StatusRolledBack
	c.UpdatedAt = now
	if err := o.save(ctx, c); err != nil {
		return err
	}
	entry.Success = true
	if err := o.journal.Record(ctx, entry); err != nil {
		o.logger.Warn("failed to journal rollback", zap.String("id", c.ID), zap.Error(err))
	}
	_ = o.audit.LogChangeRolledBack(ctx, c.ID, string(c.Type), c.ResourceID)
	return nil
}
