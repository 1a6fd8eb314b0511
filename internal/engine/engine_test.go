package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-optimizer/internal/analytics/anomaly"
	"github.com/kubilitics/kubilitics-optimizer/internal/config"
	"github.com/kubilitics/kubilitics-optimizer/internal/cost"
	"github.com/kubilitics/kubilitics-optimizer/internal/db"
	"github.com/kubilitics/kubilitics-optimizer/internal/executor"
	"github.com/kubilitics/kubilitics-optimizer/internal/models"
	"github.com/kubilitics/kubilitics-optimizer/internal/optimizer"
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

// ─── Fakes ────────────────────────────────────────────────────────────────────

type fakeCollector struct {
	err    error
	cpu    float64
	alerts []*models.Alert
}

func (f *fakeCollector) CollectSnapshot(ctx context.Context) (*models.SystemMetrics, error) {
	if f.err != nil {
		return nil, f.err
	}
	cpu := f.cpu
	if cpu == 0 {
		cpu = 0.5
	}
	return &models.SystemMetrics{Timestamp: testNow, CPU: models.CPUMetrics{Usage: cpu}}, nil
}

func (f *fakeCollector) ListActiveAlerts(ctx context.Context) ([]*models.Alert, error) {
	return f.alerts, nil
}

type fakePredictor struct {
	predictions map[string]map[int]*models.PerformancePrediction
	bottlenecks map[int][]*models.BottleneckPrediction
	updates     int
}

func (f *fakePredictor) Predict(ctx context.Context, metric string, horizon int, ptype models.PredictionType) (*models.PerformancePrediction, error) {
	return f.predictions[metric][horizon], nil
}

func (f *fakePredictor) PredictBottlenecks(ctx context.Context, horizon int) ([]*models.BottleneckPrediction, error) {
	return f.bottlenecks[horizon], nil
}

func (f *fakePredictor) UpdateModel(ctx context.Context, metric string, actual float64, ts time.Time) error {
	f.updates++
	return nil
}

type fakeDetector struct {
	anomalies []*models.Anomaly
	active    []*models.Anomaly
}

func (f *fakeDetector) Detect(ctx context.Context, samples []models.MetricSample) ([]*models.Anomaly, error) {
	return f.anomalies, nil
}

func (f *fakeDetector) DetectCorrelationBreaks(ctx context.Context) ([]*models.Anomaly, error) {
	return nil, nil
}

func (f *fakeDetector) ListActiveAnomalies(ctx context.Context) ([]*models.Anomaly, error) {
	return f.active, nil
}

// counterDownStore fails every counter increment.
type counterDownStore struct {
	db.Store
}

func (counterDownStore) IncrWithExpire(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	return 0, errors.New("counter unavailable")
}

type harness struct {
	engine    *Engine
	store     db.Store
	exec      *executor.Fake
	collector *fakeCollector
	predictor *fakePredictor
	detector  *fakeDetector
}

func newHarness(t *testing.T, opts Options, resources ...config.Resource) *harness {
	t.Helper()
	return newHarnessWithStore(t, newTestStore(t), opts, resources...)
}

func newHarnessWithStore(t *testing.T, store db.Store, opts Options, resources ...config.Resource) *harness {
	t.Helper()
	h := &harness{
		store:     store,
		exec:      executor.NewFake(),
		collector: &fakeCollector{},
		predictor: &fakePredictor{},
		detector:  &fakeDetector{},
	}
	res := optimizer.New(store, h.exec, nil, nil, zap.NewNop(), optimizer.Options{Target: "api"})
	_, err := res.SeedDefaultStrategies(context.Background())
	require.NoError(t, err)
	costs := cost.New(store, h.exec, nil, nil, zap.NewNop(), cost.Options{Resources: resources})

	h.engine = New(store, h.collector, h.predictor, h.detector, res, costs, nil, zap.NewNop(), opts)
	h.engine.now = func() time.Time { return testNow }
	return h
}

func (h *harness) sample(t *testing.T, name string, v float64) {
	t.Helper()
	require.NoError(t, h.store.AppendSamples(context.Background(), []models.MetricSample{{Name: name, Value: v, Timestamp: testNow}}))
}

func cpuAnomaly() *models.Anomaly {
	return &models.Anomaly{
		ID:         "an-1",
		MetricName: models.MetricCPUUsage,
		Type:       models.AnomalySpike,
		Severity:   models.SeverityHigh,
		Value:      0.95,
		Expected:   0.4,
	}
}

func latencyAnomaly() *models.Anomaly {
	return &models.Anomaly{
		ID:         "an-2",
		MetricName: models.MetricResponseTime,
		Type:       models.AnomalySpike,
		Severity:   models.SeverityMedium,
		Value:      900,
		Expected:   120,
	}
}

func cacheResources() []config.Resource {
	return []config.Resource{{ID: "cache", Type: "datastore", MonthlyCost: 100}}
}

// ─── Scoring ──────────────────────────────────────────────────────────────────

func TestScore(t *testing.T) {
	tests := []struct {
		name string
		d    models.OptimizationDecision
		want float64
		prio models.Priority
	}{
		{
			name: "critical anomaly without impact",
			d:    models.OptimizationDecision{Type: models.DecisionAnomalyResponse, Trigger: models.Trigger{Severity: models.SeverityCritical}},
			want: 70,
			prio: models.SeverityCritical,
		},
		{
			name: "bottleneck with performance gain",
			d: models.OptimizationDecision{
				Type:           models.DecisionBottleneckPrevention,
				Trigger:        models.Trigger{Severity: models.SeverityMedium},
				ExpectedImpact: models.Impact{PerformanceGain: 0.25},
			},
			want: 25 + 20 + 7.5,
			prio: models.SeverityHigh,
		},
		{
			name: "cost finding with savings cap",
			d: models.OptimizationDecision{
				Type:           models.DecisionCostOptimization,
				Trigger:        models.Trigger{Severity: models.SeverityLow},
				ExpectedImpact: models.Impact{CostDelta: -2500},
			},
			want: 10 + 10 + 15,
			prio: models.SeverityMedium,
		},
		{
			name: "severe risks are penalized",
			d: models.OptimizationDecision{
				Type:    models.DecisionPredictiveScaling,
				Trigger: models.Trigger{Severity: models.SeverityMedium},
				Risks: []models.Risk{
					{Level: models.SeverityHigh},
					{Level: models.SeverityCritical},
					{Level: models.SeverityMedium},
				},
			},
			want: 15 + 20 - 20,
			prio: models.SeverityLow,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Score(&tt.d)
			assert.InDelta(t, tt.want, got, 1e-9)
			assert.Equal(t, tt.prio, PriorityFor(got))
		})
	}
}

func TestScoreTablesCoverEveryValue(t *testing.T) {
	for _, dt := range models.AllDecisionTypes {
		assert.Contains(t, typeBaseScores, dt)
	}
	for _, s := range models.AllSeverities {
		assert.Contains(t, severityScores, s)
	}
	for _, tt := range models.AllTriggerTypes {
		assert.NotEmpty(t, models.DecisionTypeFor(tt))
	}
}

func TestPriorityBoundaries(t *testing.T) {
	assert.Equal(t, models.SeverityCritical, PriorityFor(70))
	assert.Equal(t, models.SeverityHigh, PriorityFor(69.9))
	assert.Equal(t, models.SeverityHigh, PriorityFor(50))
	assert.Equal(t, models.SeverityMedium, PriorityFor(30))
	assert.Equal(t, models.SeverityLow, PriorityFor(29.9))
}

func TestCostSeverity(t *testing.T) {
	c := func(pct float64) *models.CostOptimization {
		return &models.CostOptimization{Savings: models.Savings{Percentage: pct}}
	}
	assert.Equal(t, models.SeverityHigh, CostSeverity(c(40)))
	assert.Equal(t, models.SeverityMedium, CostSeverity(c(25)))
	assert.Equal(t, models.SeverityLow, CostSeverity(c(15)))
}

// ─── Cycle ────────────────────────────────────────────────────────────────────

func TestRunCycleCreatesAnomalyDecision(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{AutoApprove: true, MaxAutoExecutionsPerHour: 10})
	h.detector.anomalies = []*models.Anomaly{cpuAnomaly()}

	sum, err := h.engine.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.DecisionsCreated)
	assert.Zero(t, sum.Executed)
	assert.Positive(t, h.predictor.updates, "collected values feed the models")

	ds, err := h.engine.ListDecisions(ctx, models.DecisionPending)
	require.NoError(t, err)
	require.Len(t, ds, 1)
	d := ds[0]
	assert.Equal(t, models.DecisionAnomalyResponse, d.Type)
	assert.Equal(t, models.TriggerAnomaly, d.Trigger.Type)
	assert.Len(t, d.ActionIDs, 1)
	assert.False(t, d.AutoApprove, "only cost decisions are auto-approved")
	assert.Equal(t, PriorityFor(d.Score), d.Priority)
	assert.Zero(t, h.exec.AppliedCount())

	sum, err = h.engine.RunCycle(ctx)
	require.NoError(t, err)
	assert.Zero(t, sum.DecisionsCreated)
	assert.Equal(t, 1, sum.Duplicates)
}

func TestRunCycleActsOnPreviouslyDetectedAnomalies(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, DefaultOptions())
	det := anomaly.NewDetector(h.store, zap.NewNop(), anomaly.DefaultOptions())
	h.engine.detector = det

	var baseline []models.MetricSample
	for i := 28; i > 0; i-- {
		baseline = append(baseline, models.MetricSample{
			Name:      models.MetricCPUUsage,
			Value:     0.5,
			Timestamp: testNow.Add(-time.Duration(i) * time.Minute),
		})
	}
	require.NoError(t, h.store.AppendSamples(ctx, baseline))

	spike := models.MetricSample{Name: models.MetricCPUUsage, Value: 0.95, Timestamp: testNow}
	found, err := det.Detect(ctx, []models.MetricSample{spike})
	require.NoError(t, err)
	require.Len(t, found, 1)

	h.collector.cpu = 0.95
	sum, err := h.engine.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Anomalies)
	assert.Equal(t, 1, sum.DecisionsCreated)

	ds, err := h.engine.ListDecisions(ctx, models.DecisionPending)
	require.NoError(t, err)
	require.Len(t, ds, 1)
	assert.Equal(t, found[0].ID, ds[0].Trigger.SourceID)

	_, err = h.engine.Reject(ctx, ds[0].ID, "expected load")
	require.NoError(t, err)
	sum, err = h.engine.RunCycle(ctx)
	require.NoError(t, err)
	assert.Zero(t, sum.DecisionsCreated, "an anomaly yields one decision")
	assert.Equal(t, 1, sum.Duplicates)
}

func TestRunCycleSkipsTriggersWithoutActions(t *testing.T) {
	h := newHarness(t, DefaultOptions())
	h.detector.anomalies = []*models.Anomaly{{
		ID:         "an-3",
		MetricName: anomalyCorrelationMetric,
		Type:       models.AnomalyCorrelationBreak,
		Severity:   models.SeverityHigh,
	}}

	sum, err := h.engine.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Anomalies)
	assert.Zero(t, sum.DecisionsCreated)
}

const anomalyCorrelationMetric = "correlation:system.cpu.usage:app.response_time"

func TestRunCycleAutoApprovesLowRiskCostDecision(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{AutoApprove: true, MaxAutoExecutionsPerHour: 10}, cacheResources()...)
	h.sample(t, models.MetricDatastoreMemory, 0.6)

	sum, err := h.engine.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.CostFindings)
	assert.Equal(t, 1, sum.AutoApproved)
	assert.Equal(t, 1, sum.Executed)
	assert.Equal(t, 1, sum.Succeeded)

	ds, err := h.engine.ListDecisions(ctx, "")
	require.NoError(t, err)
	require.Len(t, ds, 1)
	d := ds[0]
	assert.Equal(t, models.DecisionCompleted, d.Status)
	assert.Equal(t, models.SeverityLow, d.Priority)
	assert.Equal(t, autoApprover, d.ApprovedBy)
	require.NotNil(t, d.Result)
	assert.True(t, d.Result.Success)
	assert.InDelta(t, 15, d.Result.ActualImpact.Savings(), 1e-6)
	assert.Equal(t, 1, h.exec.AppliedCount())
}

func TestAutoApprovalDisabled(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{AutoApprove: false, MaxAutoExecutionsPerHour: 10}, cacheResources()...)
	h.sample(t, models.MetricDatastoreMemory, 0.6)

	sum, err := h.engine.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.DecisionsCreated)
	assert.Zero(t, sum.AutoApproved)
	assert.Zero(t, h.exec.AppliedCount())
}

func TestAutoExecutionBudget(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{AutoApprove: true, MaxAutoExecutionsPerHour: 1},
		config.Resource{ID: "cache-a", Type: "datastore", MonthlyCost: 100},
		config.Resource{ID: "cache-b", Type: "datastore", MonthlyCost: 100},
	)
	h.sample(t, models.MetricDatastoreMemory, 0.6)

	sum, err := h.engine.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.DecisionsCreated)
	assert.Equal(t, 1, sum.AutoApproved)

	pending, err := h.engine.ListDecisions(ctx, models.DecisionPending)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestAutoExecutionBudgetFailsOpen(t *testing.T) {
	ctx := context.Background()
	store := counterDownStore{Store: newTestStore(t)}
	h := newHarnessWithStore(t, store, Options{AutoApprove: true, MaxAutoExecutionsPerHour: 1},
		config.Resource{ID: "cache-a", Type: "datastore", MonthlyCost: 100},
		config.Resource{ID: "cache-b", Type: "datastore", MonthlyCost: 100},
	)
	h.sample(t, models.MetricDatastoreMemory, 0.6)

	sum, err := h.engine.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.AutoApproved)
}

func TestRunCycleActsOnConfidentPredictions(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{Metrics: []string{models.MetricCPUUsage}, Horizons: []int{3600, 300, 900}})
	pred := func(h int, conf float64) *models.PerformancePrediction {
		return &models.PerformancePrediction{
			ID:             fmt.Sprintf("p-%d", h),
			MetricName:     models.MetricCPUUsage,
			HorizonSeconds: h,
			CurrentValue:   0.6,
			PredictedValue: 0.92,
			Confidence:     conf,
		}
	}
	h.predictor.predictions = map[string]map[int]*models.PerformancePrediction{
		models.MetricCPUUsage: {300: pred(300, 0.95), 900: pred(900, 0.85), 3600: pred(3600, 0.5)},
	}

	sum, err := h.engine.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, sum.Predictions)
	assert.Equal(t, 1, sum.DecisionsCreated)
	assert.Equal(t, 1, sum.Duplicates)

	ds, err := h.engine.ListDecisions(ctx, "")
	require.NoError(t, err)
	require.Len(t, ds, 1)
	assert.Equal(t, models.DecisionPredictiveScaling, ds[0].Type)
}

func TestRunCycleIgnoresUnmatchedPredictions(t *testing.T) {
	h := newHarness(t, Options{Metrics: []string{models.MetricCPUUsage}, Horizons: []int{300}})
	h.predictor.predictions = map[string]map[int]*models.PerformancePrediction{
		models.MetricCPUUsage: {300: {ID: "p", MetricName: models.MetricCPUUsage, PredictedValue: 0.5, Confidence: 0.95, Anomalous: true}},
	}
	sum, err := h.engine.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Zero(t, sum.DecisionsCreated)
}

func TestShortestConfidentBottleneck(t *testing.T) {
	h := newHarness(t, Options{Horizons: []int{300, 900, 1800}})
	b := func(id string, conf float64) *models.BottleneckPrediction {
		return &models.BottleneckPrediction{ID: id, Resource: "cpu", MetricName: models.MetricCPUUsage, Confidence: conf, Severity: models.SeverityHigh}
	}
	h.predictor.bottlenecks = map[int][]*models.BottleneckPrediction{
		300:  {b("b300", 0.6)},
		900:  {b("b900", 0.8)},
		1800: {b("b1800", 0.75)},
	}

	got := h.engine.shortestBottlenecks(context.Background(), &CycleSummary{})
	require.Len(t, got, 1)
	assert.Equal(t, "b900", got[0].ID)
}

func TestRunCycleRejectsOverlap(t *testing.T) {
	h := newHarness(t, DefaultOptions())
	h.engine.running.Store(true)
	_, err := h.engine.RunCycle(context.Background())
	assert.ErrorIs(t, err, ErrCycleInProgress)

	h.engine.running.Store(false)
	_, err = h.engine.RunCycle(context.Background())
	assert.NoError(t, err)
}

func TestRunCycleContinuesWhenCollectionFails(t *testing.T) {
	h := newHarness(t, DefaultOptions())
	h.collector.err = errors.New("scrape failed")

	sum, err := h.engine.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Zero(t, sum.Samples)
	assert.NotEmpty(t, sum.Errors)
}

// ─── Lifecycle ────────────────────────────────────────────────────────────────

func pendingAnomalyDecision(t *testing.T, h *harness, a *models.Anomaly) *models.OptimizationDecision {
	t.Helper()
	h.detector.anomalies = []*models.Anomaly{a}
	_, err := h.engine.RunCycle(context.Background())
	require.NoError(t, err)
	h.detector.anomalies = nil
	ds, err := h.engine.ListDecisions(context.Background(), models.DecisionPending)
	require.NoError(t, err)
	require.Len(t, ds, 1)
	return ds[0]
}

func TestApproveExecutesDecision(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, DefaultOptions())
	d := pendingAnomalyDecision(t, h, cpuAnomaly())

	done, err := h.engine.Approve(ctx, d.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, models.DecisionCompleted, done.Status)
	assert.Equal(t, "alice", done.ApprovedBy)
	require.NotNil(t, done.Result)
	assert.Len(t, done.Result.Outcomes, 1)
	assert.Greater(t, done.Result.ActualImpact.PerformanceGain, 0.0)
	assert.NotNil(t, done.CompletedAt)
	assert.Equal(t, 1, h.exec.AppliedCount())

	_, err = h.engine.Approve(ctx, d.ID, "alice")
	assert.ErrorIs(t, err, models.ErrInvalidState)
	var se *models.StateError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, string(models.DecisionCompleted), se.Current)
}

func TestRejectOnlyPending(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, DefaultOptions())
	d := pendingAnomalyDecision(t, h, cpuAnomaly())

	rejected, err := h.engine.Reject(ctx, d.ID, "maintenance window")
	require.NoError(t, err)
	assert.Equal(t, models.DecisionRejected, rejected.Status)
	assert.Equal(t, "maintenance window", rejected.RejectionReason)

	_, err = h.engine.Reject(ctx, d.ID, "again")
	assert.ErrorIs(t, err, models.ErrInvalidState)
	_, err = h.engine.Approve(ctx, d.ID, "bob")
	assert.ErrorIs(t, err, models.ErrInvalidState)
	assert.Zero(t, h.exec.AppliedCount())
}

func TestCancel(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, DefaultOptions())
	d := pendingAnomalyDecision(t, h, cpuAnomaly())

	cancelled, err := h.engine.Cancel(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DecisionCancelled, cancelled.Status)

	_, err = h.engine.Cancel(ctx, d.ID)
	assert.ErrorIs(t, err, models.ErrInvalidState)
}

func TestUnknownDecision(t *testing.T) {
	h := newHarness(t, DefaultOptions())
	_, err := h.engine.Approve(context.Background(), "missing", "alice")
	assert.ErrorIs(t, err, db.ErrNotFound)
}

func TestFailureRollsBackCompletedSiblings(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{RollbackOnFailure: true})
	d := pendingAnomalyDecision(t, h, latencyAnomaly())
	require.Len(t, d.ActionIDs, 2)
	h.exec.FailKinds = map[string]error{string(models.ActionScaleOut): errors.New("quota exceeded")}

	done, err := h.engine.Approve(ctx, d.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, models.DecisionFailed, done.Status)
	require.NotNil(t, done.Result)
	assert.False(t, done.Result.Success)
	assert.Len(t, done.Result.Errors, 1)
	assert.Equal(t, []string{d.ActionIDs[0]}, done.Result.RolledBack)
	assert.Equal(t, 1, h.exec.RevertedCount())
}

func TestRequeueFailedDecision(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{})
	d := pendingAnomalyDecision(t, h, latencyAnomaly())
	h.exec.FailKinds = map[string]error{string(models.ActionScaleOut): errors.New("quota exceeded")}

	failed, err := h.engine.Approve(ctx, d.ID, "alice")
	require.NoError(t, err)
	require.Equal(t, models.DecisionFailed, failed.Status)
	assert.Equal(t, 1, h.exec.AppliedCount())

	_, err = h.engine.Requeue(ctx, d.ID)
	require.NoError(t, err)
	again, err := h.engine.GetDecision(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DecisionPending, again.Status)
	assert.Nil(t, again.Result)

	h.exec.FailKinds = nil
	done, err := h.engine.Approve(ctx, d.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, models.DecisionCompleted, done.Status)
	assert.Len(t, done.Result.Outcomes, 2)
	assert.Equal(t, 2, h.exec.AppliedCount(), "the completed action is not applied twice")

	_, err = h.engine.Requeue(ctx, d.ID)
	assert.ErrorIs(t, err, models.ErrInvalidState)
}

func TestRequeueAfterRollbackOnFailure(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{RollbackOnFailure: true})
	d := pendingAnomalyDecision(t, h, latencyAnomaly())
	require.Len(t, d.ActionIDs, 2)
	h.exec.FailKinds = map[string]error{string(models.ActionScaleOut): errors.New("quota exceeded")}

	failed, err := h.engine.Approve(ctx, d.ID, "alice")
	require.NoError(t, err)
	require.Equal(t, models.DecisionFailed, failed.Status)
	require.Equal(t, []string{d.ActionIDs[0]}, failed.Result.RolledBack)

	_, err = h.engine.Requeue(ctx, d.ID)
	require.NoError(t, err)

	h.exec.FailKinds = nil
	done, err := h.engine.Approve(ctx, d.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, models.DecisionCompleted, done.Status, "errors: %v", done.Result.Errors)
	assert.Len(t, done.Result.Outcomes, 2)
	assert.Empty(t, done.Result.Errors)
	assert.Equal(t, 3, h.exec.AppliedCount(), "the rolled-back action is applied again")
}

// ─── Reports ──────────────────────────────────────────────────────────────────

func TestGenerateReport(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, DefaultOptions())
	h.detector.active = []*models.Anomaly{cpuAnomaly()}
	h.collector.alerts = []*models.Alert{{ID: "al-1"}, {ID: "al-2"}}

	put := func(id string, age time.Duration, status models.DecisionStatus, auto bool, impact models.Impact) {
		d := &models.OptimizationDecision{
			ID:          id,
			Type:        models.DecisionCostOptimization,
			Status:      status,
			AutoApprove: auto,
			CreatedAt:   testNow.Add(-age),
		}
		if status == models.DecisionCompleted || status == models.DecisionFailed {
			d.Result = &models.DecisionResult{Success: status == models.DecisionCompleted, ActualImpact: impact}
		}
		require.NoError(t, h.engine.save(ctx, d))
	}
	// First half of the day: one failure. Second half: two successes.
	put("d1", 20*time.Hour, models.DecisionFailed, false, models.Impact{})
	put("d2", 6*time.Hour, models.DecisionCompleted, true, models.Impact{CostDelta: -100, PerformanceGain: 0.2})
	put("d3", time.Hour, models.DecisionCompleted, false, models.Impact{CostDelta: -50})
	put("d4", 2*time.Hour, models.DecisionPending, false, models.Impact{})
	put("old", 48*time.Hour, models.DecisionCompleted, false, models.Impact{CostDelta: -1000})

	r, err := h.engine.GenerateReport(ctx, models.PeriodDay)
	require.NoError(t, err)
	assert.Equal(t, 4, r.TotalDecisions)
	assert.Equal(t, 2, r.ByStatus[models.DecisionCompleted])
	assert.Equal(t, 1, r.ByStatus[models.DecisionFailed])
	assert.Equal(t, 4, r.ByType[models.DecisionCostOptimization])
	assert.Equal(t, 1, r.AutoApproved)
	assert.InDelta(t, 2.0/3, r.SuccessRate, 1e-9)
	assert.InDelta(t, 150, r.TotalSavings, 1e-9)
	assert.InDelta(t, 0.1, r.PerformanceImprovement, 1e-9)
	assert.Equal(t, models.TrendImproving, r.Trend)
	assert.Equal(t, 1, r.ActiveAnomalies)
	assert.Equal(t, 2, r.ActiveAlerts)

	stored, err := h.engine.GetReport(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, r.TotalDecisions, stored.TotalDecisions)
}

func TestGenerateReportUnknownPeriod(t *testing.T) {
	h := newHarness(t, DefaultOptions())
	_, err := h.engine.GenerateReport(context.Background(), "fortnight")
	assert.Error(t, err)
}
