package forecasting

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

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

func newTestPredictor(t *testing.T, store db.Store) *Predictor {
	t.Helper()
	p := NewPredictor(store, zap.NewNop(), DefaultOptions())
	p.now = func() time.Time { return testNow }
	return p
}

// seed writes values at 30s spacing, the last one at testNow.
func seed(t *testing.T, store db.Store, metric string, values []float64) {
	t.Helper()
	batch := make([]models.MetricSample, len(values))
	for i, v := range values {
		batch[i] = models.MetricSample{
			Name:      metric,
			Value:     v,
			Timestamp: testNow.Add(-time.Duration(len(values)-1-i) * 30 * time.Second),
		}
	}
	require.NoError(t, store.AppendSamples(context.Background(), batch))
}

func linear(n int, start, step float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = start + step*float64(i)
	}
	return out
}

func TestPredictInsufficientHistory(t *testing.T) {
	store := newTestStore(t)
	p := newTestPredictor(t, store)
	seed(t, store, models.MetricCPUUsage, linear(9, 0.5, 0.01))

	pred, err := p.Predict(context.Background(), models.MetricCPUUsage, 300, models.PredictionPerformance)
	require.NoError(t, err)
	assert.Equal(t, 0.0, pred.Confidence)
	assert.False(t, pred.Anomalous)
	assert.InDelta(t, 0.58, pred.CurrentValue, 1e-9)
	assert.Equal(t, pred.CurrentValue, pred.PredictedValue)
	assert.Equal(t, 9, pred.SampleCount)

	// Not persisted and not tracked for feedback
	stored, err := p.ListPredictions(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, stored)
	m, err := p.Model(context.Background(), models.MetricCPUUsage)
	require.NoError(t, err)
	assert.Empty(t, m.Pending)
}

func TestPredictNoHistory(t *testing.T) {
	p := newTestPredictor(t, newTestStore(t))

	pred, err := p.Predict(context.Background(), "app.unknown", 900, models.PredictionPerformance)
	require.NoError(t, err)
	assert.Equal(t, 0.0, pred.Confidence)
	assert.Equal(t, 0.0, pred.PredictedValue)
}

func TestPredictLinearTrend(t *testing.T) {
	store := newTestStore(t)
	p := newTestPredictor(t, store)
	seed(t, store, models.MetricCPUUsage, linear(20, 0.1, 0.01))

	pred, err := p.Predict(context.Background(), models.MetricCPUUsage, 300, models.PredictionResource)
	require.NoError(t, err)

	// 300s at 30s spacing is 10 steps of 0.01
	assert.InDelta(t, 0.29, pred.CurrentValue, 1e-9)
	assert.InDelta(t, 0.39, pred.PredictedValue, 1e-6)
	assert.InDelta(t, 1-0.5*300.0/3600, pred.Confidence, 1e-12)
	assert.Equal(t, models.TrendIncreasing, pred.Trend.Direction)
	assert.InDelta(t, 1.0, pred.Trend.RSquared, 1e-9)
	assert.True(t, pred.ValidUntil.Equal(testNow.Add(5*time.Minute)))

	stored, err := p.ListPredictions(context.Background(), models.MetricCPUUsage)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, pred.ID, stored[0].ID)

	m, err := p.Model(context.Background(), models.MetricCPUUsage)
	require.NoError(t, err)
	require.Len(t, m.Pending, 1)
	assert.Equal(t, pred.ID, m.Pending[0].PredictionID)
	assert.Equal(t, 20, m.TrainingWindow.Samples)
	assert.Equal(t, models.ModelLinearTrend, m.Type)
}

func TestPredictFlatSeriesIsStable(t *testing.T) {
	store := newTestStore(t)
	p := newTestPredictor(t, store)
	seed(t, store, models.MetricMemoryUsage, linear(15, 0.6, 0))

	pred, err := p.Predict(context.Background(), models.MetricMemoryUsage, 600, models.PredictionResource)
	require.NoError(t, err)
	assert.InDelta(t, 0.6, pred.PredictedValue, 1e-9)
	assert.Equal(t, models.TrendStable, pred.Trend.Direction)
	assert.False(t, pred.Anomalous)
}

func TestPredictDetectsHourlySeasonality(t *testing.T) {
	store := newTestStore(t)
	p := newTestPredictor(t, store)

	// 120 samples per hour at 30s spacing, two full periods
	values := make([]float64, 240)
	for i := range values {
		values[i] = 0.5 + 0.3*math.Sin(2*math.Pi*float64(i)/120)
	}
	seed(t, store, models.MetricRequestRate, values)

	pred, err := p.Predict(context.Background(), models.MetricRequestRate, 300, models.PredictionPerformance)
	require.NoError(t, err)
	assert.True(t, pred.Seasonality.Detected)
	assert.Equal(t, 120, pred.Seasonality.PeriodSamples)

	m, err := p.Model(context.Background(), models.MetricRequestRate)
	require.NoError(t, err)
	assert.Equal(t, models.ModelSeasonalTrend, m.Type)
}

func TestConfidenceDecay(t *testing.T) {
	assert.InDelta(t, 1.0, Confidence(0), 1e-12)
	assert.InDelta(t, 0.9, Confidence(720), 1e-12)
	assert.InDelta(t, 0.5, Confidence(3600), 1e-12)
	assert.Equal(t, 0.1, Confidence(7200))
	assert.Equal(t, 0.1, Confidence(86400))

	prev := Confidence(0)
	for h := 60; h <= 7200; h += 60 {
		c := Confidence(h)
		assert.LessOrEqual(t, c, prev)
		prev = c
	}
}

func TestSamplingIntervalFallback(t *testing.T) {
	assert.Equal(t, defaultInterval, samplingInterval(nil))
	same := []models.MetricSample{{Timestamp: testNow}, {Timestamp: testNow}, {Timestamp: testNow}}
	assert.Equal(t, defaultInterval, samplingInterval(same))
}
