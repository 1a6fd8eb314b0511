package anomaly

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubilitics/kubilitics-optimizer/internal/models"
)

func detectSpike(t *testing.T, d *Detector, metric string) *models.Anomaly {
	t.Helper()
	found, err := d.Detect(context.Background(), []models.MetricSample{sample(metric, 500, testNow)})
	require.NoError(t, err)
	require.Len(t, found, 1)
	return found[0]
}

func TestResolveIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	clock := testNow
	d := newTestDetector(t, store, &clock)
	ctx := context.Background()
	seedBefore(t, store, models.MetricCPUUsage, repeat(50, 20))
	a := detectSpike(t, d, models.MetricCPUUsage)

	clock = testNow.Add(time.Minute)
	first, err := d.ResolveAnomaly(ctx, a.ID, "scaled out")
	require.NoError(t, err)
	require.NotNil(t, first.ResolvedAt)
	assert.Equal(t, models.AnomalyResolved, first.Status)

	clock = testNow.Add(time.Hour)
	second, err := d.ResolveAnomaly(ctx, a.ID, "again")
	require.NoError(t, err)
	assert.Equal(t, models.AnomalyResolved, second.Status)
	assert.True(t, first.ResolvedAt.Equal(*second.ResolvedAt))
	assert.Equal(t, "scaled out", second.Resolution)

	m, err := d.Model(ctx, models.MetricCPUUsage)
	require.NoError(t, err)
	assert.Equal(t, 1, m.Accuracy.TruePositives)
	assert.Equal(t, 1.0, m.Accuracy.Precision)
	assert.Equal(t, 2.5, m.Param(ParamThreshold, 0))
}

func TestSuppressAndFalsePositiveRaiseThreshold(t *testing.T) {
	store := newTestStore(t)
	clock := testNow
	d := newTestDetector(t, store, &clock)
	ctx := context.Background()
	seedBefore(t, store, models.MetricCPUUsage, repeat(50, 20))

	a := detectSpike(t, d, models.MetricCPUUsage)
	_, err := d.SuppressAnomaly(ctx, a.ID)
	require.NoError(t, err)

	clock = testNow.Add(20 * time.Minute)
	b := detectSpike(t, d, models.MetricCPUUsage)
	_, err = d.MarkFalsePositive(ctx, b.ID)
	require.NoError(t, err)

	m, err := d.Model(ctx, models.MetricCPUUsage)
	require.NoError(t, err)
	assert.InDelta(t, 2.7, m.Param(ParamThreshold, 0), 1e-9)
	assert.Equal(t, 2, m.Accuracy.FalsePositives)
	assert.Zero(t, m.Accuracy.Precision)
}

func TestThresholdIsCapped(t *testing.T) {
	store := newTestStore(t)
	clock := testNow
	d := newTestDetector(t, store, &clock)
	ctx := context.Background()
	seedBefore(t, store, models.MetricCPUUsage, repeat(50, 20))

	require.NoError(t, d.models.Update(ctx, models.MetricCPUUsage, func(m *models.AnomalyDetectionModel) {
		m.Parameters[ParamThreshold] = 4.95
	}))
	a := detectSpike(t, d, models.MetricCPUUsage) // saturated z of 10 still clears 4.95
	_, err := d.SuppressAnomaly(ctx, a.ID)
	require.NoError(t, err)

	m, err := d.Model(ctx, models.MetricCPUUsage)
	require.NoError(t, err)
	assert.Equal(t, maxThreshold, m.Param(ParamThreshold, 0))
}

func TestInvestigateKeepsAnomalyActive(t *testing.T) {
	store := newTestStore(t)
	clock := testNow
	d := newTestDetector(t, store, &clock)
	ctx := context.Background()
	seedBefore(t, store, models.MetricCPUUsage, repeat(50, 20))
	seedBefore(t, store, models.MetricMemoryUsage, repeat(50, 20))

	cpu := detectSpike(t, d, models.MetricCPUUsage)
	mem := detectSpike(t, d, models.MetricMemoryUsage)

	inv, err := d.Investigate(ctx, cpu.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AnomalyInvestigating, inv.Status)
	again, err := d.Investigate(ctx, cpu.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AnomalyInvestigating, again.Status)

	active, err := d.ListActiveAnomalies(ctx)
	require.NoError(t, err)
	assert.Len(t, active, 2)

	// INVESTIGATING may still be closed.
	_, err = d.ResolveAnomaly(ctx, cpu.ID, "fixed")
	require.NoError(t, err)

	active, err = d.ListActiveAnomalies(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, mem.ID, active[0].ID)
}

func seedSeries(t *testing.T, d *Detector, metric string, values []float64) {
	t.Helper()
	seedBefore(t, d.store, metric, values)
}

func ramp(n int, start, step float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = start + step*float64(i)
	}
	return out
}

func TestDetectCorrelationBreaks(t *testing.T) {
	store := newTestStore(t)
	clock := testNow
	d := newTestDetector(t, store, &clock)
	ctx := context.Background()

	// CPU rises while latency falls: expected 0.8, observed -1.
	seedSeries(t, d, models.MetricCPUUsage, ramp(40, 0.1, 0.01))
	seedSeries(t, d, models.MetricResponseTime, ramp(40, 400, -5))

	found, err := d.DetectCorrelationBreaks(ctx)
	require.NoError(t, err)
	require.Len(t, found, 1)

	a := found[0]
	assert.Equal(t, models.AnomalyCorrelationBreak, a.Type)
	assert.Equal(t, CorrelationMetric(models.MetricCPUUsage, models.MetricResponseTime), a.MetricName)
	assert.Equal(t, models.SeverityHigh, a.Severity)
	assert.InDelta(t, -1, a.Value, 1e-9)
	assert.Equal(t, 0.8, a.Expected)
	assert.Equal(t, correlationSamples, a.Context.BaselineCount)
	require.NotNil(t, a.RootCause)
	assert.Equal(t, CauseDependencyDecoupled, a.RootCause.Category)

	// Still active, so the next pass does not repeat it.
	again, err := d.DetectCorrelationBreaks(ctx)
	require.NoError(t, err)
	assert.Empty(t, again)

	// Closing a correlation break leaves detection models alone.
	_, err = d.SuppressAnomaly(ctx, a.ID)
	require.NoError(t, err)
	assert.Zero(t, d.models.Len())
}

func TestCorrelationWithinToleranceIsNotABreak(t *testing.T) {
	store := newTestStore(t)
	clock := testNow
	d := newTestDetector(t, store, &clock)

	x := ramp(40, 0, 1)
	y := make([]float64, len(x))
	for i, v := range x {
		if i%2 == 0 {
			y[i] = v + 5
		} else {
			y[i] = v - 5
		}
	}
	seedSeries(t, d, models.MetricCPUUsage, x)
	seedSeries(t, d, models.MetricResponseTime, y)

	found, err := d.DetectCorrelationBreaks(context.Background())
	require.NoError(t, err)
	assert.Empty(t, found)
}

func TestCorrelationBreaksNeedHistory(t *testing.T) {
	store := newTestStore(t)
	clock := testNow
	d := newTestDetector(t, store, &clock)
	seedSeries(t, d, models.MetricCPUUsage, ramp(9, 0.1, 0.01))
	seedSeries(t, d, models.MetricResponseTime, ramp(9, 400, -5))

	found, err := d.DetectCorrelationBreaks(context.Background())
	require.NoError(t, err)
	assert.Empty(t, found)
}

func TestBreakSeverity(t *testing.T) {
	assert.Equal(t, models.SeverityHigh, BreakSeverity(0.71))
	assert.Equal(t, models.SeverityMedium, BreakSeverity(0.7))
	assert.Equal(t, models.SeverityMedium, BreakSeverity(0.51))
	assert.Equal(t, models.SeverityLow, BreakSeverity(0.5))
	assert.Equal(t, models.SeverityLow, BreakSeverity(0.31))
}
