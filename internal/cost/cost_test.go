package cost

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-optimizer/internal/config"
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

func newTestOptimizer(t *testing.T, exec executor.Executor, opts Options) (*Optimizer, db.Store) {
	t.Helper()
	store := newTestStore(t)
	o := New(store, exec, rollback.NewJournal(store, zap.NewNop()), nil, zap.NewNop(), opts)
	o.now = func() time.Time { return testNow }
	return o, store
}

func sample(t *testing.T, store db.Store, name string, v float64) {
	t.Helper()
	require.NoError(t, store.AppendSamples(context.Background(), []models.MetricSample{{Name: name, Value: v, Timestamp: testNow}}))
}

func find(cs []*models.CostOptimization, typ models.CostOptimizationType) *models.CostOptimization {
	for _, c := range cs {
		if c.Type == typ {
			return c
		}
	}
	return nil
}

func TestRightSizingSavings(t *testing.T) {
	ctx := context.Background()
	o, store := newTestOptimizer(t, executor.NewFake(), Options{
		Resources: []config.Resource{{ID: "api", Type: "compute", MonthlyCost: 800}},
	})
	sample(t, store, models.MetricCPUUsage, 0.3)

	found, err := o.IdentifyOptimizations(ctx, "compute")
	require.NoError(t, err)
	require.Len(t, found, 1)

	c := found[0]
	assert.Equal(t, models.CostRightSizing, c.Type)
	assert.Equal(t, models.StatusAnalyzed, c.Status)
	assert.InDelta(t, 320, c.Savings.Monthly, 1e-6)
	assert.InDelta(t, 3840, c.Savings.Annual, 1e-6)
	assert.InDelta(t, 40, c.Savings.Percentage, 1e-6)
	assert.InDelta(t, 50, c.ROI.ImplementationCost, 1e-9)
	assert.InDelta(t, 50.0/320, c.ROI.PaybackMonths, 1e-9)
	assert.InDelta(t, 3840.0/50, c.ROI.Ratio, 1e-6)
	assert.InDelta(t, 0.6, c.Parameters[executor.ParamFactor], 1e-9)
	assert.Len(t, c.Plan, 3)
	require.Len(t, c.Risks, 1)
	assert.Equal(t, models.SeverityMedium, c.Risks[0].Level)
}

func TestRulesByUtilization(t *testing.T) {
	tests := []struct {
		name  string
		res   config.Resource
		usage float64
		bw    float64
		want  []models.CostOptimizationType
	}{
		{"busy compute scales", config.Resource{ID: "a", Type: "compute", MonthlyCost: 100}, 0.9, 0, []models.CostOptimizationType{models.CostAutoScaling}},
		{"efficient band", config.Resource{ID: "a", Type: "compute", MonthlyCost: 100}, 0.6, 0, nil},
		{"idle compute", config.Resource{ID: "a", Type: "compute", MonthlyCost: 100}, 0.1, 0, []models.CostOptimizationType{models.CostRightSizing, models.CostAutoScaling}},
		{"datastore compresses", config.Resource{ID: "r", Type: "datastore", MonthlyCost: 100}, 0.6, 0, []models.CostOptimizationType{models.CostCompression}},
		{"busy network", config.Resource{ID: "n", Type: "network", MonthlyCost: 100}, 0.7, 0.7, []models.CostOptimizationType{models.CostNetworkOptimization}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o, store := newTestOptimizer(t, executor.NewFake(), Options{Resources: []config.Resource{tt.res}})
			metric := defaultMetrics[models.ResourceType(tt.res.Type)]
			sample(t, store, metric, tt.usage)
			if tt.bw > 0 && metric != models.MetricNetworkBandwidth {
				sample(t, store, models.MetricNetworkBandwidth, tt.bw)
			}

			found, err := o.IdentifyOptimizations(context.Background(), "")
			require.NoError(t, err)
			var got []models.CostOptimizationType
			for _, c := range found {
				got = append(got, c.Type)
			}
			assert.ElementsMatch(t, tt.want, got)
		})
	}
}

func TestNetworkOptimizationSavesOnNetworkOnly(t *testing.T) {
	o, store := newTestOptimizer(t, executor.NewFake(), Options{
		Resources: []config.Resource{{ID: "edge", Type: "compute", CPU: "1", NetworkGB: 1000}},
	})
	sample(t, store, models.MetricCPUUsage, 0.6)
	sample(t, store, models.MetricNetworkBandwidth, 0.75)

	found, err := o.IdentifyOptimizations(context.Background(), "compute")
	require.NoError(t, err)
	c := find(found, models.CostNetworkOptimization)
	require.NotNil(t, c)
	assert.InDelta(t, 90*0.2, c.Savings.Monthly, 1e-6)
	assert.InDelta(t, c.CurrentCost.Compute, c.ProjectedCost.Compute, 1e-9)
}

func TestIdentifyDeduplicatesOpenOptimizations(t *testing.T) {
	ctx := context.Background()
	o, store := newTestOptimizer(t, executor.NewFake(), Options{
		Resources: []config.Resource{{ID: "api", Type: "compute", MonthlyCost: 800}},
	})
	sample(t, store, models.MetricCPUUsage, 0.3)

	first, err := o.IdentifyOptimizations(ctx, "")
	require.NoError(t, err)
	second, err := o.IdentifyOptimizations(ctx, "")
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, first[0].ID, second[0].ID)

	all, err := o.ListOptimizations(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestResourcesWithoutUtilizationAreSkipped(t *testing.T) {
	o, _ := newTestOptimizer(t, executor.NewFake(), Options{
		Resources: []config.Resource{{ID: "api", Type: "compute", MonthlyCost: 800}},
	})
	found, err := o.IdentifyOptimizations(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, found)
}

func TestUnknownResourceType(t *testing.T) {
	o, _ := newTestOptimizer(t, executor.NewFake(), Options{})
	_, err := o.IdentifyOptimizations(context.Background(), "gpu")
	assert.Error(t, err)
	_, err = o.Forecast(context.Background(), "gpu", 7)
	assert.Error(t, err)
}

func TestImplementAndRollback(t *testing.T) {
	ctx := context.Background()
	fake := executor.NewFake()
	o, _ := newTestOptimizer(t, fake, Options{
		Resources: []config.Resource{{ID: "api", Type: "compute", MonthlyCost: 800}},
	})
	sample(t, o.store, models.MetricCPUUsage, 0.3)
	found, err := o.IdentifyOptimizations(ctx, "")
	require.NoError(t, err)
	id := found[0].ID

	_, err = o.Implement(ctx, id)
	assert.True(t, errors.Is(err, models.ErrInvalidState), "implement requires approval")

	_, err = o.Approve(ctx, id)
	require.NoError(t, err)
	res, err := o.Implement(ctx, id)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.InDelta(t, -320, res.ActualImpact.CostDelta, 1e-6)

	require.Len(t, fake.Applied, 1)
	assert.Equal(t, "api", fake.Applied[0].Resource)
	assert.Equal(t, string(models.CostRightSizing), fake.Applied[0].Kind)

	c, err := o.GetOptimization(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, c.Status)

	require.NoError(t, o.Rollback(ctx, id))
	require.NoError(t, o.Rollback(ctx, id))
	assert.Equal(t, 1, fake.RevertedCount())

	c, err = o.GetOptimization(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRolledBack, c.Status)
	assert.True(t, c.Result.RolledBack)

	entries, err := o.journal.ForSubject(ctx, id)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].Success)
	assert.Equal(t, rollback.SubjectCostOptimization, entries[0].SubjectKind)
}

func TestRequeueRolledBackOptimization(t *testing.T) {
	ctx := context.Background()
	fake := executor.NewFake()
	o, _ := newTestOptimizer(t, fake, Options{
		Resources: []config.Resource{{ID: "api", Type: "compute", MonthlyCost: 800}},
	})
	sample(t, o.store, models.MetricCPUUsage, 0.3)
	found, err := o.IdentifyOptimizations(ctx, "")
	require.NoError(t, err)
	id := found[0].ID

	_, err = o.Requeue(ctx, id)
	assert.True(t, errors.Is(err, models.ErrInvalidState))

	_, err = o.Approve(ctx, id)
	require.NoError(t, err)
	_, err = o.Implement(ctx, id)
	require.NoError(t, err)
	require.NoError(t, o.Rollback(ctx, id))

	c, err := o.Requeue(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusAnalyzed, c.Status)
	assert.Nil(t, c.Result)
}

func TestImplementFailureIsCaptured(t *testing.T) {
	ctx := context.Background()
	fake := executor.NewFake()
	fake.ApplyErr = errors.New("quota exceeded")
	o, store := newTestOptimizer(t, fake, Options{
		Resources: []config.Resource{{ID: "api", Type: "compute", MonthlyCost: 800}},
	})
	sample(t, store, models.MetricCPUUsage, 0.3)
	found, err := o.IdentifyOptimizations(ctx, "")
	require.NoError(t, err)
	id := found[0].ID
	_, err = o.Approve(ctx, id)
	require.NoError(t, err)

	res, err := o.Implement(ctx, id)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "quota exceeded", res.Error)
	assert.True(t, res.RollbackRequired)

	c, err := o.GetOptimization(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, c.Status)
}

func TestAlertSeverityFor(t *testing.T) {
	assert.Equal(t, models.AlertCritical, AlertSeverityFor(1600, 1000))
	assert.Equal(t, models.AlertWarning, AlertSeverityFor(1300, 1000))
	assert.Equal(t, models.AlertInfo, AlertSeverityFor(1100, 1000))
	assert.Equal(t, models.AlertInfo, AlertSeverityFor(1200, 1000))
}

func TestCheckBudgetsAlertsOnce(t *testing.T) {
	ctx := context.Background()
	o, _ := newTestOptimizer(t, executor.NewFake(), Options{
		Resources: []config.Resource{{ID: "api", Type: "compute", MonthlyCost: 1600}},
		Budgets:   map[string]float64{"compute": 1000, "storage": 50},
	})

	created, err := o.CheckBudgets(ctx)
	require.NoError(t, err)
	require.Len(t, created, 1)
	a := created[0]
	assert.Equal(t, models.AlertCritical, a.Severity)
	assert.Equal(t, models.AlertSourceCost, a.Source)
	assert.Equal(t, "compute", a.Subject)
	assert.Equal(t, models.AlertActive, a.Status)

	created, err = o.CheckBudgets(ctx)
	require.NoError(t, err)
	assert.Empty(t, created)

	acked, err := o.AcknowledgeAlert(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AlertAcknowledged, acked.Status)

	created, err = o.CheckBudgets(ctx)
	require.NoError(t, err)
	assert.Empty(t, created, "acknowledged alerts still suppress duplicates")
}

func TestCreateAlertRejectsNonPositiveThreshold(t *testing.T) {
	o, _ := newTestOptimizer(t, executor.NewFake(), Options{})
	_, err := o.CreateAlert(context.Background(), "compute", 0, 10)
	assert.Error(t, err)
}

func TestForecastLinearGrowth(t *testing.T) {
	ctx := context.Background()
	o, store := newTestOptimizer(t, executor.NewFake(), Options{})
	var samples []models.MetricSample
	for i := 0; i < 10; i++ {
		samples = append(samples, models.MetricSample{
			Name:      DailyCostMetric(models.ResourceCompute),
			Value:     10 + float64(i),
			Timestamp: testNow.Add(-time.Duration(10-i) * day),
		})
	}
	require.NoError(t, store.AppendSamples(ctx, samples))

	f, err := o.Forecast(ctx, "compute", 5)
	require.NoError(t, err)
	assert.Equal(t, 10, f.History)
	assert.Equal(t, models.TrendIncreasing, f.Trend)
	assert.InDelta(t, 1, f.DailySlope, 1e-9)
	require.Len(t, f.Timeline, 5)
	assert.InDelta(t, 20, f.Timeline[0].Cost, 1e-9)
	assert.InDelta(t, 110, f.Total, 1e-9)
	assert.InDelta(t, 88, f.ConservativeTotal, 1e-9)
	assert.InDelta(t, 143, f.AggressiveTotal, 1e-9)
	assert.Len(t, f.Conservative, 5)
	assert.Len(t, f.Aggressive, 5)
	assert.Greater(t, f.Confidence, 0.0)
	assert.LessOrEqual(t, f.Confidence, 1.0)
}

func TestForecastWithoutHistory(t *testing.T) {
	o, _ := newTestOptimizer(t, executor.NewFake(), Options{})
	f, err := o.Forecast(context.Background(), "memory", 30)
	require.NoError(t, err)
	assert.Zero(t, f.Confidence)
	assert.Empty(t, f.Timeline)
	assert.Zero(t, f.Total)
}

func TestForecastConfidence(t *testing.T) {
	assert.InDelta(t, 1.0, ForecastConfidence(30, 0), 1e-9)
	assert.InDelta(t, 1.0, ForecastConfidence(90, 0), 1e-9)
	assert.InDelta(t, 0.25+0.25, ForecastConfidence(15, 1), 1e-9)
}

func TestRecordDailyCosts(t *testing.T) {
	ctx := context.Background()
	o, store := newTestOptimizer(t, executor.NewFake(), Options{
		Resources: []config.Resource{
			{ID: "api", Type: "compute", MonthlyCost: 600},
			{ID: "worker", Type: "compute", MonthlyCost: 300},
			{ID: "cache", Type: "datastore", MonthlyCost: 90},
		},
	})
	daily, err := o.RecordDailyCosts(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 30, daily[models.ResourceCompute], 1e-9)
	assert.InDelta(t, 3, daily[models.ResourceDatastore], 1e-9)

	s, err := store.LatestSample(ctx, DailyCostMetric(models.ResourceCompute))
	require.NoError(t, err)
	assert.InDelta(t, 30, s.Value, 1e-9)

	history := func() int {
		got, err := store.RangeSamples(ctx, DailyCostMetric(models.ResourceCompute), testNow.Add(-day), testNow.Add(2*day))
		require.NoError(t, err)
		return len(got)
	}
	o.now = func() time.Time { return testNow.Add(6 * time.Hour) }
	daily, err = o.RecordDailyCosts(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 30, daily[models.ResourceCompute], 1e-9)
	assert.Equal(t, 1, history(), "one sample per UTC day")

	o.now = func() time.Time { return testNow.Add(day) }
	_, err = o.RecordDailyCosts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, history())
}

func TestCalculatorPricesQuantities(t *testing.T) {
	c := NewCalculator(ProviderAWS)
	b, err := c.Monthly(config.Resource{ID: "api", CPU: "500m", Memory: "2Gi", StorageGB: 10, NetworkGB: 100})
	require.NoError(t, err)
	assert.InDelta(t, 0.5*0.04*720, b.Compute, 1e-9)
	assert.InDelta(t, 2*0.005*720, b.Memory, 1e-9)
	assert.InDelta(t, 1.0, b.Storage, 1e-9)
	assert.InDelta(t, 9.0, b.Network, 1e-9)
	assert.InDelta(t, b.Compute+b.Memory+b.Storage+b.Network, b.Total, 1e-9)

	_, err = c.Monthly(config.Resource{ID: "bad", CPU: "lots"})
	assert.Error(t, err)
}

func TestParseQuantities(t *testing.T) {
	cores, err := ParseCPU("250m")
	require.NoError(t, err)
	assert.InDelta(t, 0.25, cores, 1e-9)

	gb, err := ParseMemory("512Mi")
	require.NoError(t, err)
	assert.InDelta(t, 0.5, gb, 1e-9)
}

func TestUnknownProviderFallsBackToGeneric(t *testing.T) {
	assert.Equal(t, ProviderGeneric, PricingFor("oracle").Provider)
	assert.Equal(t, ProviderGCP, NewCalculator(ProviderGCP).Pricing().Provider)
}
