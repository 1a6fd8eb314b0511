package optimizer

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-optimizer/internal/db"
	"github.com/kubilitics/kubilitics-optimizer/internal/executor"
	"github.com/kubilitics/kubilitics-optimizer/internal/metrics"
	"github.com/kubilitics/kubilitics-optimizer/internal/models"
	"github.com/kubilitics/kubilitics-optimizer/internal/safety/rollback"
	"github.com/kubilitics/kubilitics-optimizer/internal/tracing"
)

const stateKind = "action"

// GetAction loads one action.
func (o *Optimizer) GetAction(ctx context.Context, id string) (*models.OptimizationAction, error) {
	a, err := db.Get[models.OptimizationAction](ctx, o.store, db.KindAction, id)
	if err != nil {
		return nil, fmt.Errorf("action %s: %w", id, err)
	}
	return a, nil
}

// ListActions returns actions with the given status, or all actions when
// status is empty, oldest first.
func (o *Optimizer) ListActions(ctx context.Context, status models.ActionStatus) ([]*models.OptimizationAction, error) {
	all, err := db.List[models.OptimizationAction](ctx, o.store, db.KindAction)
	if err != nil {
		return nil, fmt.Errorf("list actions: %w", err)
	}
	out := all[:0]
	for _, a := range all {
		if status == "" || a.Status == status {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Approve moves a PENDING action to APPROVED.
func (o *Optimizer) Approve(ctx context.Context, id string) (*models.OptimizationAction, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	a, err := o.GetAction(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.Status != models.StatusPending {
		return nil, models.NewStateError(stateKind, id, string(a.Status), string(models.StatusPending))
	}
	a.Status = models.StatusApproved
	a.UpdatedAt = o.now().UTC()
	if err := o.save(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

// Requeue returns a FAILED or ROLLED_BACK action to PENDING and drops its
// result. A failed Apply changed nothing and a rollback already reverted
// the change, so there is nothing to revert first.
func (o *Optimizer) Requeue(ctx context.Context, id string) (*models.OptimizationAction, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	a, err := o.GetAction(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.Status != models.StatusFailed && a.Status != models.StatusRolledBack {
		return nil, models.NewStateError(stateKind, id, string(a.Status), string(models.StatusFailed), string(models.StatusRolledBack))
	}
	a.Status = models.StatusPending
	a.Result = nil
	a.UpdatedAt = o.now().UTC()
	if err := o.save(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

// Execute runs an APPROVED action. EXECUTING is persisted before the
// executor is called, so a concurrent Execute fails its state check. An
// executor failure leaves the action FAILED with the error in its result
// and is not returned.
func (o *Optimizer) Execute(ctx context.Context, id string) (res *models.OptimizationResult, err error) {
	ctx, span := tracing.StartSpan(ctx, "optimizer.execute", attribute.String("action.id", id))
	defer func() { tracing.End(span, err) }()

	a, err := o.claim(ctx, id)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("action.type", string(a.Type)), attribute.String("action.resource", a.Resource))

	change := executor.Change{ID: a.ID, Kind: string(a.Type), Resource: a.Resource, Parameters: a.Parameters}
	res = executor.Run(ctx, o.exec, change, a.ExpectedImpact, o.now)

	o.mu.Lock()
	defer o.mu.Unlock()
	a.Result = res
	a.UpdatedAt = res.CompletedAt
	status := "success"
	var execErr error
	if res.Success {
		a.Status = models.StatusCompleted
	} else {
		a.Status = models.StatusFailed
		status = "failed"
		execErr = errors.New(res.Error)
	}
	metrics.ChangesExecuted.WithLabelValues(stateKind, string(a.Type), status).Inc()
	_ = o.audit.LogChangeExecuted(ctx, a.ID, string(a.Type), a.Resource, execErr, res.CompletedAt.Sub(res.StartedAt))

	if err := o.save(ctx, a); err != nil {
		return res, err
	}
	if execErr != nil {
		o.logger.Warn("action failed",
			zap.String("id", a.ID),
			zap.String("type", string(a.Type)),
			zap.String("resource", a.Resource),
			zap.Error(execErr),
		)
	} else {
		o.logger.Info("action executed",
			zap.String("id", a.ID),
			zap.String("type", string(a.Type)),
			zap.String("resource", a.Resource),
			zap.Float64("performance_gain", res.ActualImpact.PerformanceGain),
		)
	}
	return res, nil
}

// claim checks APPROVED and persists EXECUTING.
func (o *Optimizer) claim(ctx context.Context, id string) (*models.OptimizationAction, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	a, err := o.GetAction(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.Status != models.StatusApproved {
		return nil, models.NewStateError(stateKind, id, string(a.Status), string(models.StatusApproved))
	}
	a.Status = models.StatusExecuting
	a.UpdatedAt = o.now().UTC()
	if err := o.save(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

// Rollback reverts an executed action. Rolling back twice is a no-op.
func (o *Optimizer) Rollback(ctx context.Context, id string) error {
	return o.RollbackWithReason(ctx, id, "manual")
}

// RollbackWithReason reverts an executed action and journals reason.
func (o *Optimizer) RollbackWithReason(ctx context.Context, id, reason string) (err error) {
	ctx, span := tracing.StartSpan(ctx, "optimizer.rollback", attribute.String("action.id", id))
	defer func() { tracing.End(span, err) }()

	o.mu.Lock()
	defer o.mu.Unlock()

	a, err := o.GetAction(ctx, id)
	if err != nil {
		return err
	}
	if a.Result == nil {
		return models.NewStateError(stateKind, id, string(a.Status), string(models.StatusCompleted), string(models.StatusFailed))
	}
	if a.Result.RolledBack {
		return nil
	}

	change := executor.Change{ID: a.ID, Kind: string(a.Type), Resource: a.Resource, Parameters: a.Parameters}
	entry := &rollback.Entry{
		SubjectKind: rollback.SubjectAction,
		SubjectID:   a.ID,
		ChangeKind:  string(a.Type),
		Resource:    a.Resource,
		Reason:      reason,
		Undo:        a.Result.UndoState,
	}
	if revertErr := o.exec.Revert(ctx, change, a.Result.UndoState); revertErr != nil {
		entry.Error = revertErr.Error()
		if jerr := o.journal.Record(ctx, entry); jerr != nil {
			o.logger.Warn("failed to journal rollback", zap.String("id", a.ID), zap.Error(jerr))
		}
		return fmt.Errorf("rollback action %s: %w", id, revertErr)
	}

	now := o.now().UTC()
	a.Result.RolledBack = true
	a.Result.RolledBackAt = &now
	a.Result.RollbackRequired = false
	a.Status = models.StatusRolledBack
	a.UpdatedAt = now
	if err := o.save(ctx, a); err != nil {
		return err
	}
	entry.Success = true
	if err := o.journal.Record(ctx, entry); err != nil {
		o.logger.Warn("failed to journal rollback", zap.String("id", a.ID), zap.Error(err))
	}
	_ = o.audit.LogChangeRolledBack(ctx, a.ID, string(a.Type), a.Resource)
	o.logger.Info("action rolled back", zap.String("id", a.ID), zap.String("reason", reason))
	return nil
}

func (o *Optimizer) save(ctx context.Context, a *models.OptimizationAction) error {
	if err := o.store.PutRecord(ctx, db.KindAction, a.ID, a, 0); err != nil {
		metrics.StoreErrors.WithLabelValues("put_action").Inc()
		return fmt.Errorf("save action %s: %w", a.ID, err)
	}
	return nil
}
