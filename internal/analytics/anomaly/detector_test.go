package anomaly

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/kubilitics/kubilitics-optimizer/internal/db"
	"github.com/kubilitics/kubilitics-optimizer/internal/models"
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

// newTestDetector returns a detector whose clock reads *clock.
func newTestDetector(t *testing.T, store db.Store, clock *time.Time) *Detector {
	t.Helper()
	d := NewDetector(store, zap.NewNop(), DefaultOptions())
	d.now = func() time.Time { return *clock }
	return d
}

// seedBefore writes values at 30s spacing ending 30s before testNow.
func seedBefore(t *testing.T, store db.Store, metric string, values []float64) {
	t.Helper()
	batch := make([]models.MetricSample, len(values))
	for i, v := range values {
		batch[i] = models.MetricSample{
			Name:      metric,
			Value:     v,
			Timestamp: testNow.Add(-time.Duration(len(values)-i) * 30 * time.Second),
		}
	}
	require.NoError(t, store.AppendSamples(context.Background(), batch))
}

func repeat(v float64, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func alternating(lo, hi float64, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		if i%2 == 0 {
			out[i] = lo
		} else {
			out[i] = hi
		}
	}
	return out
}

func sample(metric string, v float64, at time.Time) models.MetricSample {
	return models.MetricSample{Name: metric, Value: v, Timestamp: at}
}

func TestDetectSpikeOnFlatBaseline(t *testing.T) {
	store := newTestStore(t)
	clock := testNow
	d := newTestDetector(t, store, &clock)
	seedBefore(t, store, models.MetricCPUUsage, repeat(50, 20))

	found, err := d.Detect(context.Background(), []models.MetricSample{sample(models.MetricCPUUsage, 500, testNow)})
	require.NoError(t, err)
	require.Len(t, found, 1)

	a := found[0]
	assert.Equal(t, models.AnomalySpike, a.Type)
	assert.Equal(t, models.SeverityCritical, a.Severity)
	assert.Equal(t, models.AnomalyActive, a.Status)
	assert.Equal(t, 10.0, a.ZScore)
	assert.Equal(t, 1.0, a.Confidence)
	assert.Equal(t, 50.0, a.Expected)
	assert.Equal(t, 20, a.Context.BaselineCount)

	stored, err := d.GetAnomaly(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, a.ID, stored.ID)
}

// modelWriteFailingStore rejects every model write.
type modelWriteFailingStore struct {
	db.Store
}

func (s modelWriteFailingStore) PutRecord(ctx context.Context, kind db.Kind, id string, v any, ttl time.Duration) error {
	if kind == db.KindModel {
		return errors.New("disk full")
	}
	return s.Store.PutRecord(ctx, kind, id, v, ttl)
}

func TestDetectLogsModelPersistenceFailure(t *testing.T) {
	store := newTestStore(t)
	seedBefore(t, store, models.MetricCPUUsage, repeat(50, 20))

	core, logs := observer.New(zapcore.WarnLevel)
	d := NewDetector(modelWriteFailingStore{store}, zap.New(core), DefaultOptions())
	d.now = func() time.Time { return testNow }

	found, err := d.Detect(context.Background(), []models.MetricSample{sample(models.MetricCPUUsage, 500, testNow)})
	require.NoError(t, err)
	assert.Len(t, found, 1, "detection does not depend on model persistence")

	entries := logs.FilterMessage("failed to persist anomaly model training window").All()
	require.Len(t, entries, 1)
	assert.Equal(t, models.MetricCPUUsage, entries[0].ContextMap()["metric"])
	assert.Equal(t, 1, d.models.Dirty(), "the model is kept for the next save")
}

func TestDetectIgnoresEqualValueOnFlatBaseline(t *testing.T) {
	store := newTestStore(t)
	clock := testNow
	d := newTestDetector(t, store, &clock)
	seedBefore(t, store, models.MetricCPUUsage, repeat(50, 20))

	found, err := d.Detect(context.Background(), []models.MetricSample{sample(models.MetricCPUUsage, 50, testNow)})
	require.NoError(t, err)
	assert.Empty(t, found)
}

func TestDetectNeedsMinimumBaseline(t *testing.T) {
	store := newTestStore(t)
	clock := testNow
	d := newTestDetector(t, store, &clock)
	seedBefore(t, store, models.MetricCPUUsage, repeat(50, 9))

	found, err := d.Detect(context.Background(), []models.MetricSample{sample(models.MetricCPUUsage, 5000, testNow)})
	require.NoError(t, err)
	assert.Empty(t, found)
}

func TestDetectBaselineExcludesSampleItself(t *testing.T) {
	store := newTestStore(t)
	clock := testNow
	d := newTestDetector(t, store, &clock)
	seedBefore(t, store, models.MetricCPUUsage, repeat(50, 20))

	// The collector writes before detection runs; the sample must not dilute
	// its own baseline.
	spike := sample(models.MetricCPUUsage, 500, testNow)
	require.NoError(t, store.AppendSamples(context.Background(), []models.MetricSample{spike}))

	found, err := d.Detect(context.Background(), []models.MetricSample{spike})
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, 50.0, found[0].Expected)
}

func TestDetectDrop(t *testing.T) {
	store := newTestStore(t)
	clock := testNow
	d := newTestDetector(t, store, &clock)
	seedBefore(t, store, models.MetricRequestRate, alternating(40, 60, 20))

	found, err := d.Detect(context.Background(), []models.MetricSample{sample(models.MetricRequestRate, 10, testNow)})
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, models.AnomalyDrop, found[0].Type)
	assert.Equal(t, models.SeverityHigh, found[0].Severity)
	assert.InDelta(t, 3.9, found[0].ZScore, 0.01)
	require.NotNil(t, found[0].RootCause)
	assert.Equal(t, CauseTrafficShift, found[0].RootCause.Category)
}

func TestPerMetricThresholds(t *testing.T) {
	store := newTestStore(t)
	clock := testNow
	d := newTestDetector(t, store, &clock)
	ctx := context.Background()

	// Same z-score (about 2.2) on both series.
	seedBefore(t, store, models.MetricErrorRate, alternating(0.01, 0.03, 20))
	seedBefore(t, store, models.MetricCPUUsage, alternating(0.1, 0.3, 20))

	found, err := d.Detect(ctx, []models.MetricSample{
		sample(models.MetricErrorRate, 0.0425, testNow),
		sample(models.MetricCPUUsage, 0.425, testNow),
	})
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, models.MetricErrorRate, found[0].MetricName)
	assert.Equal(t, models.SeverityLow, found[0].Severity)

	m, err := d.Model(ctx, models.MetricErrorRate)
	require.NoError(t, err)
	assert.Equal(t, 2.0, m.Param(ParamThreshold, 0))
	m, err = d.Model(ctx, models.MetricCPUUsage)
	require.NoError(t, err)
	assert.Equal(t, 2.5, m.Param(ParamThreshold, 0))
	assert.Equal(t, 20, m.TrainingWindow.Samples)
}

func TestDetectDeduplicatesActiveAnomalies(t *testing.T) {
	store := newTestStore(t)
	clock := testNow
	d := newTestDetector(t, store, &clock)
	ctx := context.Background()
	seedBefore(t, store, models.MetricCPUUsage, repeat(50, 20))
	spike := []models.MetricSample{sample(models.MetricCPUUsage, 500, testNow)}

	first, err := d.Detect(ctx, spike)
	require.NoError(t, err)
	require.Len(t, first, 1)

	clock = testNow.Add(10 * time.Minute)
	again, err := d.Detect(ctx, spike)
	require.NoError(t, err)
	assert.Empty(t, again)

	clock = testNow.Add(16 * time.Minute)
	later, err := d.Detect(ctx, spike)
	require.NoError(t, err)
	assert.Len(t, later, 1)

	// A closed anomaly does not suppress a new one.
	_, err = d.ResolveAnomaly(ctx, later[0].ID, "scaled out")
	require.NoError(t, err)
	_, err = d.ResolveAnomaly(ctx, first[0].ID, "scaled out")
	require.NoError(t, err)
	clock = testNow.Add(17 * time.Minute)
	fresh, err := d.Detect(ctx, spike)
	require.NoError(t, err)
	assert.Len(t, fresh, 1)
}

func TestEnrichment(t *testing.T) {
	store := newTestStore(t)
	clock := testNow
	d := newTestDetector(t, store, &clock)
	ctx := context.Background()
	seedBefore(t, store, models.MetricCPUUsage, repeat(0.4, 20))
	require.NoError(t, store.AppendSamples(ctx, []models.MetricSample{
		sample(models.MetricResponseTime, 420, testNow.Add(-time.Second)),
	}))

	found, err := d.Detect(ctx, []models.MetricSample{sample(models.MetricCPUUsage, 0.95, testNow)})
	require.NoError(t, err)
	require.Len(t, found, 1)
	a := found[0]

	assert.Equal(t, 420.0, a.Context.RelatedMetrics[models.MetricResponseTime])
	_, hasLoad := a.Context.RelatedMetrics[models.MetricCPULoad1]
	assert.False(t, hasLoad, "metrics without samples are left out")

	require.NotNil(t, a.RootCause)
	assert.Equal(t, CauseCPUSaturation, a.RootCause.Category)
	assert.InDelta(t, 0.7, a.RootCause.Confidence, 1e-9)
	assert.Len(t, a.RootCause.Evidence, 2)
	assert.NotEmpty(t, a.Recommendations)

	assert.Equal(t, 100.0, a.Impact.Score)
	assert.Equal(t, 500.0, a.Impact.EstimatedCostPerDay)
}

func TestRootCauseMatchesMostSpecificRule(t *testing.T) {
	a := &models.Anomaly{MetricName: models.MetricDatastoreMemory, Type: models.AnomalySpike, Confidence: 1}
	assert.Equal(t, CauseDatastoreMemory, rootCause(a).Category)

	a = &models.Anomaly{MetricName: models.MetricDatastoreHitRate, Type: models.AnomalyDrop, Confidence: 1}
	rc := rootCause(a)
	assert.Equal(t, CauseDatastoreDegraded, rc.Category)
	assert.Contains(t, rc.Description, "Sudden drop")

	assert.Nil(t, rootCause(&models.Anomaly{MetricName: "custom.metric"}))
}

func TestCauseRulesHaveRecommendations(t *testing.T) {
	for _, r := range causeRules {
		assert.NotEmpty(t, causeRecommendations[r.category], r.category)
	}
	assert.NotEmpty(t, causeRecommendations[CauseDependencyDecoupled])
	for _, s := range models.AllSeverities {
		_, ok := severityWeight[s]
		assert.True(t, ok, "severity weight for %s", s)
		_, ok = severityDailyCost[s]
		assert.True(t, ok, "daily cost for %s", s)
	}
}

func TestZScoreAndSeverity(t *testing.T) {
	assert.Equal(t, 0.0, ZScore(5, 5, 0))
	assert.Equal(t, saturatedZ, ZScore(6, 5, 0))
	assert.InDelta(t, 2.0, ZScore(1, 5, 2), 1e-12)

	cases := map[float64]models.Severity{
		4.01: models.SeverityCritical,
		4.0:  models.SeverityHigh,
		3.01: models.SeverityHigh,
		3.0:  models.SeverityMedium,
		2.51: models.SeverityMedium,
		2.5:  models.SeverityLow,
		2.1:  models.SeverityLow,
	}
	for z, want := range cases {
		assert.Equal(t, want, SeverityForZ(z), "z=%v", z)
	}
}

func TestModelsSurviveReload(t *testing.T) {
	store := newTestStore(t)
	clock := testNow
	d := newTestDetector(t, store, &clock)
	ctx := context.Background()
	seedBefore(t, store, models.MetricCPUUsage, repeat(50, 20))

	found, err := d.Detect(ctx, []models.MetricSample{sample(models.MetricCPUUsage, 500, testNow)})
	require.NoError(t, err)
	require.Len(t, found, 1)
	_, err = d.SuppressAnomaly(ctx, found[0].ID)
	require.NoError(t, err)
	require.NoError(t, d.SaveModels(ctx))

	before, err := d.Model(ctx, models.MetricCPUUsage)
	require.NoError(t, err)

	reloaded := NewDetector(store, zap.NewNop(), DefaultOptions())
	require.NoError(t, reloaded.LoadModels(ctx))
	after, err := reloaded.Model(ctx, models.MetricCPUUsage)
	require.NoError(t, err)

	assert.Equal(t, before.MetricName, after.MetricName)
	assert.Equal(t, before.Parameters, after.Parameters)
	assert.Equal(t, before.Accuracy, after.Accuracy)
}

func TestStateErrorFromClosedAnomaly(t *testing.T) {
	store := newTestStore(t)
	clock := testNow
	d := newTestDetector(t, store, &clock)
	ctx := context.Background()
	seedBefore(t, store, models.MetricCPUUsage, repeat(50, 20))

	found, err := d.Detect(ctx, []models.MetricSample{sample(models.MetricCPUUsage, 500, testNow)})
	require.NoError(t, err)
	require.Len(t, found, 1)

	_, err = d.SuppressAnomaly(ctx, found[0].ID)
	require.NoError(t, err)

	_, err = d.ResolveAnomaly(ctx, found[0].ID, "late")
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrInvalidState))
	var se *models.StateError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, string(models.AnomalySuppressed), se.Current)

	_, err = d.Investigate(ctx, found[0].ID)
	assert.True(t, errors.Is(err, models.ErrInvalidState))

	_, err = d.GetAnomaly(ctx, "missing")
	assert.True(t, errors.Is(err, db.ErrNotFound))
}
