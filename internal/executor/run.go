package executor

import (
	"context"
	"time"

	"github.com/kubilitics/kubilitics-optimizer/internal/models"
)

// Run applies c and builds the execution result. An executor error is
// captured in the result, never returned: the result is unsuccessful and
// flagged for rollback. On success the actual impact is expected scaled by
// the clamped impact factor.
func Run(ctx context.Context, e Executor, c Change, expected models.Impact, now func() time.Time) *models.OptimizationResult {
	res := &models.OptimizationResult{StartedAt: now().UTC()}
	out, err := e.Apply(ctx, c)
	res.CompletedAt = now().UTC()
	if err != nil {
		res.Error = err.Error()
		res.RollbackRequired = true
		return res
	}
	if out == nil {
		out = &Outcome{}
	}
	res.Success = true
	res.ActualImpact = expected.Scale(ClampImpactFactor(out.ImpactFactor))
	res.UndoState = out.Undo
	return res
}
