// Package anomaly detects statistical deviations in metric series.
//
// Detection is a z-score test of each new sample against the trailing window
// of the same series. Every metric has its own detection model whose threshold
// is nudged by operator feedback: suppressing an anomaly or marking it a false
// positive makes the model less sensitive.
//
// Detected anomalies are enriched with the latest values of related metrics,
// a coarse root-cause hypothesis, an impact estimate and recommendations, then
// persisted as anomaly records.
package anomaly

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-optimizer/internal/analytics/registry"
	"github.com/kubilitics/kubilitics-optimizer/internal/analytics/stats"
	"github.com/kubilitics/kubilitics-optimizer/internal/db"
	"github.com/kubilitics/kubilitics-optimizer/internal/metrics"
	"github.com/kubilitics/kubilitics-optimizer/internal/models"
	"github.com/kubilitics/kubilitics-optimizer/internal/tracing"
)

// ParamThreshold is the z-score above which a sample is anomalous.
const ParamThreshold = "threshold"

const (
	maxThreshold  = 5.0
	thresholdStep = 0.1
	// zeroStdDev treats a baseline this flat as constant.
	zeroStdDev = 1e-9
	// saturatedZ is the z-score of any deviation from a constant baseline.
	saturatedZ = 10.0
)

// metricThresholds are per-metric defaults, matched by substring. Error rate
// and latency are noisy-but-important and get a lower bar.
var metricThresholds = []struct {
	substr    string
	threshold float64
}{
	{"error_rate", 2.0},
	{"response_time", 2.0},
}

// Options tunes the detector.
type Options struct {
	// Window is the trailing baseline window.
	Window time.Duration
	// MinSamples is the baseline size below which nothing is flagged.
	MinSamples int
	// DefaultThreshold applies to metrics without a per-metric default.
	DefaultThreshold float64
	// DedupeWindow suppresses a repeat of an ACTIVE anomaly with the same
	// metric and type detected this recently.
	DedupeWindow time.Duration
}

// DefaultOptions returns the standard detector tuning.
func DefaultOptions() Options {
	return Options{
		Window:           24 * time.Hour,
		MinSamples:       10,
		DefaultThreshold: 2.5,
		DedupeWindow:     15 * time.Minute,
	}
}

// Detector is the AnomalyDetector. It owns the detection models.
type Detector struct {
	store  db.Store
	models *registry.Registry[models.AnomalyDetectionModel]
	opts   Options
	logger *zap.Logger
	now    func() time.Time

	// mu serializes read-modify-write of anomaly records.
	mu sync.Mutex
}

// NewDetector creates a detector. Call LoadModels before use.
func NewDetector(store db.Store, logger *zap.Logger, opts Options) *Detector {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultOptions()
	if opts.Window <= 0 {
		opts.Window = def.Window
	}
	if opts.MinSamples <= 0 {
		opts.MinSamples = def.MinSamples
	}
	if opts.DefaultThreshold <= 0 {
		opts.DefaultThreshold = def.DefaultThreshold
	}
	if opts.DedupeWindow <= 0 {
		opts.DedupeWindow = def.DedupeWindow
	}
	d := &Detector{store: store, opts: opts, logger: logger, now: time.Now}
	d.models = registry.New(store, registry.Options[models.AnomalyDetectionModel]{
		Prefix: "anomaly",
		New:    d.newModel,
		Name:   func(m *models.AnomalyDetectionModel) string { return m.MetricName },
		Clone:  cloneModel,
	})
	return d
}

func (d *Detector) newModel(metric string) *models.AnomalyDetectionModel {
	now := d.now().UTC()
	return &models.AnomalyDetectionModel{
		MetricName: metric,
		Type:       models.DetectionZScore,
		Parameters: map[string]float64{ParamThreshold: d.defaultThreshold(metric)},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func (d *Detector) defaultThreshold(metric string) float64 {
	for _, mt := range metricThresholds {
		if strings.Contains(metric, mt.substr) {
			return mt.threshold
		}
	}
	return d.opts.DefaultThreshold
}

func cloneModel(m *models.AnomalyDetectionModel) *models.AnomalyDetectionModel {
	c := *m
	c.Parameters = make(map[string]float64, len(m.Parameters))
	for k, v := range m.Parameters {
		c.Parameters[k] = v
	}
	return &c
}

// LoadModels reloads persisted detection models.
func (d *Detector) LoadModels(ctx context.Context) error {
	n, err := d.models.Load(ctx)
	if err != nil {
		return err
	}
	d.logger.Info("anomaly models loaded", zap.Int("count", n))
	return nil
}

// SaveModels flushes every detection model to the store.
func (d *Detector) SaveModels(ctx context.Context) error {
	return d.models.Save(ctx)
}

// Model returns a copy of the detection model for metric.
func (d *Detector) Model(ctx context.Context, metric string) (*models.AnomalyDetectionModel, error) {
	return d.models.Get(ctx, metric)
}

// Detect tests each sample against the trailing window of its series and
// persists the anomalies found. A sample whose baseline cannot be read is
// skipped; a failure to persist an anomaly is returned.
func (d *Detector) Detect(ctx context.Context, samples []models.MetricSample) (found []*models.Anomaly, err error) {
	ctx, span := tracing.StartSpan(ctx, "anomaly.detect", attribute.Int("samples", len(samples)))
	defer func() { tracing.End(span, err) }()

	d.mu.Lock()
	defer d.mu.Unlock()

	active, err := d.activeLocked(ctx)
	if err != nil {
		d.logger.Warn("active anomalies unavailable, duplicates possible", zap.Error(err))
	}

	for _, s := range samples {
		a, ok := d.evaluate(ctx, s)
		if !ok {
			continue
		}
		if isDuplicate(active, a, d.opts.DedupeWindow) {
			d.logger.Debug("duplicate anomaly suppressed",
				zap.String("metric", a.MetricName), zap.String("type", string(a.Type)))
			continue
		}
		d.enrich(ctx, a)
		if err := d.store.PutRecord(ctx, db.KindAnomaly, a.ID, a, 0); err != nil {
			metrics.StoreErrors.WithLabelValues("put_anomaly").Inc()
			return found, fmt.Errorf("save anomaly: %w", err)
		}
		metrics.AnomaliesDetected.WithLabelValues(string(a.Type), string(a.Severity)).Inc()
		d.logger.Info("anomaly detected",
			zap.String("id", a.ID),
			zap.String("metric", a.MetricName),
			zap.String("type", string(a.Type)),
			zap.String("severity", string(a.Severity)),
			zap.Float64("value", a.Value),
			zap.Float64("expected", a.Expected),
			zap.Float64("z_score", a.ZScore),
		)
		active = append(active, a)
		found = append(found, a)
	}
	return found, nil
}

// evaluate runs the z-score test for one sample.
func (d *Detector) evaluate(ctx context.Context, s models.MetricSample) (*models.Anomaly, bool) {
	model, err := d.models.Get(ctx, s.Name)
	if err != nil {
		d.logger.Warn("failed to persist new anomaly model", zap.String("metric", s.Name), zap.Error(err))
	}

	window, err := d.store.RangeSamples(ctx, s.Name, s.Timestamp.Add(-d.opts.Window), s.Timestamp)
	if err != nil {
		d.logger.Warn("baseline unavailable", zap.String("metric", s.Name), zap.Error(err))
		return nil, false
	}
	baseline := make([]float64, 0, len(window))
	var first, last time.Time
	for _, w := range window {
		if !w.Timestamp.Before(s.Timestamp) {
			continue
		}
		if first.IsZero() {
			first = w.Timestamp
		}
		last = w.Timestamp
		baseline = append(baseline, w.Value)
	}
	if len(baseline) < d.opts.MinSamples {
		return nil, false
	}

	err = d.models.Update(ctx, s.Name, func(m *models.AnomalyDetectionModel) {
		m.TrainingWindow = models.TrainingWindow{Start: first, End: last, Samples: len(baseline)}
	})
	if err != nil {
		d.logger.Warn("failed to persist anomaly model training window", zap.String("metric", s.Name), zap.Error(err))
	}

	mean, std := stats.MeanStdDev(baseline)
	z := ZScore(s.Value, mean, std)
	k := model.Param(ParamThreshold, d.defaultThreshold(s.Name))
	if z <= k {
		return nil, false
	}

	now := d.now().UTC()
	return &models.Anomaly{
		ID:         uuid.New().String(),
		MetricName: s.Name,
		Type:       classify(s.Value, mean, std, k),
		Severity:   SeverityForZ(z),
		Status:     models.AnomalyActive,
		Value:      s.Value,
		Expected:   mean,
		ZScore:     z,
		Confidence: math.Min(1, z/5),
		Context: models.AnomalyContext{
			Mean:          mean,
			StdDev:        std,
			BaselineCount: len(baseline),
			Window:        d.opts.Window,
		},
		DetectedAt: now,
		UpdatedAt:  now,
	}, true
}

// ZScore is |v − mean| / σ. A flat baseline gives 0 for an equal value and
// saturates otherwise.
func ZScore(v, mean, std float64) float64 {
	if std < zeroStdDev {
		if math.Abs(v-mean) < zeroStdDev {
			return 0
		}
		return saturatedZ
	}
	return math.Abs(v-mean) / std
}

// SeverityForZ buckets a z-score.
func SeverityForZ(z float64) models.Severity {
	switch {
	case z > 4:
		return models.SeverityCritical
	case z > 3:
		return models.SeverityHigh
	case z > 2.5:
		return models.SeverityMedium
	default:
		return models.SeverityLow
	}
}

func classify(v, mean, std, k float64) models.AnomalyType {
	switch {
	case v > mean+k*std:
		return models.AnomalySpike
	case v < mean-k*std:
		return models.AnomalyDrop
	default:
		return models.AnomalyOutlier
	}
}

func isDuplicate(active []*models.Anomaly, a *models.Anomaly, window time.Duration) bool {
	for _, o := range active {
		if o.Status != models.AnomalyActive || o.MetricName != a.MetricName || o.Type != a.Type {
			continue
		}
		if a.DetectedAt.Sub(o.DetectedAt) < window {
			return true
		}
	}
	return false
}
