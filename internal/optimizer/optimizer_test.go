package optimizer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-optimizer/internal/db"
	"github.com/kubilitics/kubilitics-optimizer/internal/executor"
	"github.com/kubilitics/kubilitics-optimizer/internal/models"
	"github.com/kubilitics/kubilitics-optimizer/internal/safety/rollback"
)

var testNow = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) db.Store {
	t.Helper()
	s, err := db.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// newTestOptimizer seeds the default strategies and pins the clock to *clock.
func newTestOptimizer(t *testing.T, exec executor.Executor, clock *time.Time) (*Optimizer, db.Store) {
	t.Helper()
	store := newTestStore(t)
	o := New(store, exec, rollback.NewJournal(store, zap.NewNop()), nil, zap.NewNop(), Options{Target: "api"})
	o.now = func() time.Time { return *clock }
	_, err := o.SeedDefaultStrategies(context.Background())
	require.NoError(t, err)
	return o, store
}

func prediction(metric string, v float64) *models.PerformancePrediction {
	return &models.PerformancePrediction{ID: "p1", MetricName: metric, PredictedValue: v, Confidence: 0.9}
}

func TestProfilesCoverEveryActionType(t *testing.T) {
	for _, at := range models.AllActionTypes {
		p, ok := profiles[at]
		if assert.True(t, ok, "missing profile for %s", at) {
			assert.NotEmpty(t, p.risks, "profile %s has no risks", at)
			assert.Greater(t, p.impact.Confidence, 0.0)
		}
	}
	assert.Len(t, profiles, len(models.AllActionTypes))
}

func TestDefaultStrategiesAreValid(t *testing.T) {
	seen := map[string]bool{}
	for _, s := range DefaultStrategies() {
		assert.NoError(t, validateStrategy(s), s.ID)
		assert.False(t, seen[s.ID], "duplicate id %s", s.ID)
		seen[s.ID] = true
	}
}

func TestSeedDefaultStrategiesOnlyOnce(t *testing.T) {
	clock := testNow
	o, _ := newTestOptimizer(t, executor.NewFake(), &clock)

	n, err := o.SeedDefaultStrategies(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	all, err := o.ListStrategies(context.Background())
	require.NoError(t, err)
	assert.Len(t, all, len(DefaultStrategies()))
}

func TestOptimizeForPredictionMatchesByValue(t *testing.T) {
	ctx := context.Background()
	clock := testNow
	o, _ := newTestOptimizer(t, executor.NewFake(), &clock)

	actions, err := o.OptimizeForPrediction(ctx, prediction(models.MetricCPUUsage, 0.9))
	require.NoError(t, err)
	require.Len(t, actions, 1)
	a := actions[0]
	assert.Equal(t, models.ActionScaleOut, a.Type)
	assert.Equal(t, "api", a.Resource)
	assert.Equal(t, "cpu-pressure", a.StrategyID)
	assert.Equal(t, models.StatusPending, a.Status)
	assert.Equal(t, models.MetricCPUUsage, a.TriggerMetric)
	assert.Equal(t, 2.0, a.Parameters[executor.ParamReplicas])

	stored, err := o.GetAction(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, a.ID, stored.ID)

	none, err := o.OptimizeForPrediction(ctx, prediction(models.MetricMemoryUsage, 0.5))
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestStrategyCooldown(t *testing.T) {
	ctx := context.Background()
	clock := testNow
	o, _ := newTestOptimizer(t, executor.NewFake(), &clock)

	first, err := o.OptimizeForPrediction(ctx, prediction(models.MetricCPUUsage, 0.95))
	require.NoError(t, err)
	require.Len(t, first, 1)

	clock = testNow.Add(5 * time.Minute)
	again, err := o.OptimizeForPrediction(ctx, prediction(models.MetricCPUUsage, 0.95))
	require.NoError(t, err)
	assert.Empty(t, again)

	s, err := o.GetStrategy(ctx, "cpu-pressure")
	require.NoError(t, err)
	require.NotNil(t, s.LastTriggered)
	assert.True(t, s.LastTriggered.Equal(testNow))

	clock = testNow.Add(16 * time.Minute)
	later, err := o.OptimizeForPrediction(ctx, prediction(models.MetricCPUUsage, 0.95))
	require.NoError(t, err)
	assert.Len(t, later, 1)
}

func TestDisabledStrategyDoesNotFire(t *testing.T) {
	ctx := context.Background()
	clock := testNow
	o, _ := newTestOptimizer(t, executor.NewFake(), &clock)

	s, err := o.SetStrategyEnabled(ctx, "error-burst", false)
	require.NoError(t, err)
	assert.False(t, s.Enabled)

	actions, err := o.OptimizeForAnomaly(ctx, &models.Anomaly{MetricName: models.MetricErrorRate, Type: models.AnomalySpike, Value: 0.2})
	require.NoError(t, err)
	assert.Empty(t, actions)
}

func TestOptimizeForBottleneck(t *testing.T) {
	ctx := context.Background()
	clock := testNow
	o, _ := newTestOptimizer(t, executor.NewFake(), &clock)

	b := &models.BottleneckPrediction{
		MetricName:     models.MetricCPUUsage,
		PredictedValue: 0.92,
		Mitigations:    []models.Mitigation{{Action: models.ActionScaleUp, Description: "bigger pods"}},
	}
	actions, err := o.OptimizeForBottleneck(ctx, b)
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, models.ActionScaleOut, actions[0].Type, "upward strategy wins over the mitigation")

	// No strategy covers swap; the first mitigation is used.
	swap := &models.BottleneckPrediction{
		MetricName:  models.MetricSwapUsage,
		Mitigations: []models.Mitigation{{Action: models.ActionScaleUp, Description: "more memory"}, {Action: models.ActionRebalance}},
	}
	actions, err = o.OptimizeForBottleneck(ctx, swap)
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, models.ActionScaleUp, actions[0].Type)
	assert.Equal(t, "more memory", actions[0].Description)
	assert.Empty(t, actions[0].StrategyID)
}

func TestBottleneckIgnoresDownwardStrategies(t *testing.T) {
	clock := testNow
	o, _ := newTestOptimizer(t, executor.NewFake(), &clock)
	_, err := o.SetStrategyEnabled(context.Background(), "cpu-pressure", false)
	require.NoError(t, err)

	actions, err := o.OptimizeForBottleneck(context.Background(), &models.BottleneckPrediction{MetricName: models.MetricCPUUsage})
	require.NoError(t, err)
	assert.Empty(t, actions, "cpu-idle must not fire for a bottleneck")
}

func TestCorrelationBreakProducesNoActions(t *testing.T) {
	clock := testNow
	o, _ := newTestOptimizer(t, executor.NewFake(), &clock)
	actions, err := o.OptimizeForAnomaly(context.Background(), &models.Anomaly{
		MetricName: "correlation:system.cpu.usage:app.response_time",
		Type:       models.AnomalyCorrelationBreak,
		Value:      -1,
	})
	require.NoError(t, err)
	assert.Empty(t, actions)
}

func TestLargeMagnitudeRaisesRisk(t *testing.T) {
	p := profiles[models.ActionScaleOut]

	small := risksFor(p, map[string]float64{executor.ParamReplicas: 2})
	large := risksFor(p, map[string]float64{executor.ParamReplicas: 4})
	require.Len(t, large, len(small))
	for i := range small {
		assert.Equal(t, small[i].Level.Raise(), large[i].Level)
	}
	assert.True(t, isLarge(map[string]float64{executor.ParamFactor: 2}))
	assert.True(t, isLarge(map[string]float64{executor.ParamFactor: 0.4}))
	assert.False(t, isLarge(map[string]float64{executor.ParamFactor: 1.5}))
	assert.False(t, isLarge(nil))

	// The profile itself is untouched.
	assert.Equal(t, models.SeverityMedium, profiles[models.ActionScaleOut].risks[0].Level)
}

func TestSaveStrategyValidation(t *testing.T) {
	ctx := context.Background()
	clock := testNow
	o, _ := newTestOptimizer(t, executor.NewFake(), &clock)

	err := o.SaveStrategy(ctx, &models.OptimizationStrategy{Name: "broken"})
	assert.Error(t, err)

	err = o.SaveStrategy(ctx, &models.OptimizationStrategy{
		Name:       "bad op",
		Conditions: []models.Condition{{Metric: "cpu", Operator: "EQ"}},
		Actions:    []models.ActionTemplate{{Type: models.ActionScaleOut}},
	})
	assert.ErrorContains(t, err, "unknown operator")

	s := &models.OptimizationStrategy{
		Name:       "hit rate",
		Enabled:    true,
		Conditions: []models.Condition{{Metric: "hit_rate", Operator: models.OpLessThan, Threshold: 0.5}},
		Actions:    []models.ActionTemplate{{Type: models.ActionCacheOptimization, Resource: "cache"}},
	}
	require.NoError(t, o.SaveStrategy(ctx, s))
	assert.NotEmpty(t, s.ID)

	actions, err := o.OptimizeForAnomaly(ctx, &models.Anomaly{MetricName: models.MetricDatastoreHitRate, Type: models.AnomalyDrop, Value: 0.3})
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, "cache", actions[0].Resource)
}

func TestSetStrategyEnabledUnknown(t *testing.T) {
	clock := testNow
	o, _ := newTestOptimizer(t, executor.NewFake(), &clock)
	_, err := o.SetStrategyEnabled(context.Background(), "nope", true)
	assert.True(t, errors.Is(err, db.ErrNotFound))
}
