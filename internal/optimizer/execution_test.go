package optimizer

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubilitics/kubilitics-optimizer/internal/executor"
	"github.com/kubilitics/kubilitics-optimizer/internal/models"
	"github.com/kubilitics/kubilitics-optimizer/internal/safety/rollback"
)

func proposeCPU(t *testing.T, o *Optimizer) *models.OptimizationAction {
	t.Helper()
	actions, err := o.OptimizeForPrediction(context.Background(), prediction(models.MetricCPUUsage, 0.9))
	require.NoError(t, err)
	require.Len(t, actions, 1)
	return actions[0]
}

func TestExecuteRequiresApproval(t *testing.T) {
	ctx := context.Background()
	clock := testNow
	fake := executor.NewFake()
	o, _ := newTestOptimizer(t, fake, &clock)
	a := proposeCPU(t, o)

	_, err := o.Execute(ctx, a.ID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrInvalidState))
	var se *models.StateError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, string(models.StatusPending), se.Current)
	assert.Zero(t, fake.AppliedCount())
}

func TestApproveOnlyFromPending(t *testing.T) {
	ctx := context.Background()
	clock := testNow
	o, _ := newTestOptimizer(t, executor.NewFake(), &clock)
	a := proposeCPU(t, o)

	approved, err := o.Approve(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusApproved, approved.Status)

	_, err = o.Approve(ctx, a.ID)
	assert.True(t, errors.Is(err, models.ErrInvalidState))
}

func TestExecuteSuccessScalesImpact(t *testing.T) {
	ctx := context.Background()
	clock := testNow
	fake := executor.NewFake()
	fake.Factor = 1.5
	o, _ := newTestOptimizer(t, fake, &clock)
	a := proposeCPU(t, o)
	_, err := o.Approve(ctx, a.ID)
	require.NoError(t, err)

	res, err := o.Execute(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, res.Success)
	// Factor 1.5 is clamped to 1.2.
	assert.InDelta(t, a.ExpectedImpact.PerformanceGain*1.2, res.ActualImpact.PerformanceGain, 1e-9)
	assert.Equal(t, map[string]string{"change": a.ID}, res.UndoState)

	stored, err := o.GetAction(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, stored.Status)
	require.NotNil(t, stored.Result)
	assert.True(t, stored.Result.Success)

	_, err = o.Execute(ctx, a.ID)
	assert.True(t, errors.Is(err, models.ErrInvalidState), "completed action cannot run again")
	assert.Equal(t, 1, fake.AppliedCount())
}

func TestExecuteFailureIsCapturedNotReturned(t *testing.T) {
	ctx := context.Background()
	clock := testNow
	fake := executor.NewFake()
	fake.ApplyErr = errors.New("api server unavailable")
	o, _ := newTestOptimizer(t, fake, &clock)
	a := proposeCPU(t, o)
	_, err := o.Approve(ctx, a.ID)
	require.NoError(t, err)

	res, err := o.Execute(ctx, a.ID)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.True(t, res.RollbackRequired)
	assert.Equal(t, "api server unavailable", res.Error)

	stored, err := o.GetAction(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, stored.Status)
}

func TestRollbackIsIdempotentAndJournaled(t *testing.T) {
	ctx := context.Background()
	clock := testNow
	fake := executor.NewFake()
	o, store := newTestOptimizer(t, fake, &clock)
	a := proposeCPU(t, o)

	assert.True(t, errors.Is(o.Rollback(ctx, a.ID), models.ErrInvalidState), "nothing executed yet")

	_, err := o.Approve(ctx, a.ID)
	require.NoError(t, err)
	_, err = o.Execute(ctx, a.ID)
	require.NoError(t, err)

	require.NoError(t, o.Rollback(ctx, a.ID))
	require.NoError(t, o.Rollback(ctx, a.ID))
	assert.Equal(t, 1, fake.RevertedCount())

	stored, err := o.GetAction(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRolledBack, stored.Status)
	assert.True(t, stored.Result.RolledBack)
	assert.NotNil(t, stored.Result.RolledBackAt)

	entries, err := rollback.NewJournal(store, nil).ForSubject(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].Success)
	assert.Equal(t, "manual", entries[0].Reason)
	assert.Equal(t, string(models.ActionScaleOut), entries[0].ChangeKind)
}

func TestRollbackFailureKeepsState(t *testing.T) {
	ctx := context.Background()
	clock := testNow
	fake := executor.NewFake()
	o, store := newTestOptimizer(t, fake, &clock)
	a := proposeCPU(t, o)
	_, err := o.Approve(ctx, a.ID)
	require.NoError(t, err)
	_, err = o.Execute(ctx, a.ID)
	require.NoError(t, err)

	fake.RevertErr = errors.New("conflict")
	assert.Error(t, o.RollbackWithReason(ctx, a.ID, "decision failed"))

	stored, err := o.GetAction(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, stored.Status)
	assert.False(t, stored.Result.RolledBack)

	entries, err := rollback.NewJournal(store, nil).ForSubject(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.False(t, entries[0].Success)
	assert.Equal(t, "conflict", entries[0].Error)
}

func TestRequeue(t *testing.T) {
	ctx := context.Background()
	clock := testNow
	fake := executor.NewFake()
	o, _ := newTestOptimizer(t, fake, &clock)
	a := proposeCPU(t, o)

	_, err := o.Requeue(ctx, a.ID)
	assert.True(t, errors.Is(err, models.ErrInvalidState), "pending actions are not requeued")

	_, err = o.Approve(ctx, a.ID)
	require.NoError(t, err)
	_, err = o.Execute(ctx, a.ID)
	require.NoError(t, err)
	_, err = o.Requeue(ctx, a.ID)
	assert.True(t, errors.Is(err, models.ErrInvalidState), "completed actions keep their result")

	require.NoError(t, o.Rollback(ctx, a.ID))
	requeued, err := o.Requeue(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, requeued.Status)
	assert.Nil(t, requeued.Result)

	_, err = o.Approve(ctx, a.ID)
	require.NoError(t, err)
	res, err := o.Execute(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 2, fake.AppliedCount())
}

func TestListActionsByStatus(t *testing.T) {
	ctx := context.Background()
	clock := testNow
	o, _ := newTestOptimizer(t, executor.NewFake(), &clock)
	a := proposeCPU(t, o)
	actions, err := o.OptimizeForAnomaly(ctx, &models.Anomaly{MetricName: models.MetricErrorRate, Type: models.AnomalySpike, Value: 0.2})
	require.NoError(t, err)
	require.Len(t, actions, 1)
	_, err = o.Approve(ctx, a.ID)
	require.NoError(t, err)

	pending, err := o.ListActions(ctx, models.StatusPending)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, models.ActionReconfigure, pending[0].Type)

	all, err := o.ListActions(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}
