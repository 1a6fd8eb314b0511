// Package engine provides the OptimizationEngine.
//
// The engine owns the decision lifecycle. Every cycle turns fresh findings
// into decisions, ranks them and executes what is approved:
//
//	collect snapshot ─→ feed actual values back to the forecasting models
//	      ↓
//	detect anomalies + correlation breaks, predict every tracked metric
//	      ↓
//	predict bottlenecks, discover cost optimizations
//	      ↓
//	one decision per new trigger (open triggers are skipped)
//	      ↓
//	score ─→ priority ─→ auto-approve (cost only, LOW, within hourly budget)
//	      ↓
//	execute approved decisions, persist, summarize
//
// Decisions reference actions and cost optimizations by ID. The resource
// and cost optimizers own those records and their state machines.
//
// Decision states:
//
//	PENDING ──approve──→ APPROVED ──→ EXECUTING ──→ COMPLETED | FAILED
//	   │                    │                                  │
//	   ├──reject──→ REJECTED │                                  │
//	   └──cancel──→ CANCELLED←┘              PENDING ←─requeue──┘
package engine

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kubilitics/kubilitics-optimizer/internal/audit"
	"github.com/kubilitics/kubilitics-optimizer/internal/db"
	"github.com/kubilitics/kubilitics-optimizer/internal/metrics"
	"github.com/kubilitics/kubilitics-optimizer/internal/models"
	"github.com/kubilitics/kubilitics-optimizer/internal/tracing"
)

// ErrCycleInProgress is returned by RunCycle while another cycle runs.
var ErrCycleInProgress = errors.New("optimization cycle already in progress")

// actionableConfidence is the confidence a prediction or bottleneck needs
// before the engine acts on it.
const actionableConfidence = 0.7

// MetricsCollector is the part of the collector the engine drives.
type MetricsCollector interface {
	CollectSnapshot(ctx context.Context) (*models.SystemMetrics, error)
	ListActiveAlerts(ctx context.Context) ([]*models.Alert, error)
}

// Predictor is the part of the performance predictor the engine drives.
type Predictor interface {
	Predict(ctx context.Context, metric string, horizonSeconds int, ptype models.PredictionType) (*models.PerformancePrediction, error)
	PredictBottlenecks(ctx context.Context, horizonSeconds int) ([]*models.BottleneckPrediction, error)
	UpdateModel(ctx context.Context, metric string, actual float64, ts time.Time) error
}

// AnomalyDetector is the part of the anomaly detector the engine drives.
type AnomalyDetector interface {
	Detect(ctx context.Context, samples []models.MetricSample) ([]*models.Anomaly, error)
	DetectCorrelationBreaks(ctx context.Context) ([]*models.Anomaly, error)
	ListActiveAnomalies(ctx context.Context) ([]*models.Anomaly, error)
}

// ResourceOptimizer proposes and carries out optimization actions.
type ResourceOptimizer interface {
	OptimizeForPrediction(ctx context.Context, p *models.PerformancePrediction) ([]*models.OptimizationAction, error)
	OptimizeForBottleneck(ctx context.Context, b *models.BottleneckPrediction) ([]*models.OptimizationAction, error)
	OptimizeForAnomaly(ctx context.Context, a *models.Anomaly) ([]*models.OptimizationAction, error)
	GetAction(ctx context.Context, id string) (*models.OptimizationAction, error)
	Approve(ctx context.Context, id string) (*models.OptimizationAction, error)
	Execute(ctx context.Context, id string) (*models.OptimizationResult, error)
	Requeue(ctx context.Context, id string) (*models.OptimizationAction, error)
	RollbackWithReason(ctx context.Context, id, reason string) error
}

// CostOptimizer proposes and carries out cost optimizations.
type CostOptimizer interface {
	IdentifyOptimizations(ctx context.Context, resourceType string) ([]*models.CostOptimization, error)
	GetOptimization(ctx context.Context, id string) (*models.CostOptimization, error)
	Approve(ctx context.Context, id string) (*models.CostOptimization, error)
	Implement(ctx context.Context, id string) (*models.OptimizationResult, error)
	Requeue(ctx context.Context, id string) (*models.CostOptimization, error)
	RollbackWithReason(ctx context.Context, id, reason string) error
}

// Options configures the engine.
type Options struct {
	// Metrics are predicted every cycle.
	Metrics []string
	// Horizons are prediction horizons in seconds.
	Horizons []int
	// AutoApprove enables automatic approval of low-risk cost decisions.
	AutoApprove bool
	// MaxAutoExecutionsPerHour caps automatic approvals; 0 allows none.
	MaxAutoExecutionsPerHour int
	// RollbackOnFailure reverts completed siblings when a decision fails.
	RollbackOnFailure bool
}

// DefaultOptions returns the engine defaults.
func DefaultOptions() Options {
	return Options{
		Metrics: []string{
			models.MetricCPUUsage,
			models.MetricMemoryUsage,
			models.MetricDatastoreMemory,
			models.MetricResponseTime,
			models.MetricErrorRate,
			models.MetricNetworkBandwidth,
		},
		Horizons:                 []int{300, 900, 1800, 3600},
		AutoApprove:              true,
		MaxAutoExecutionsPerHour: 10,
	}
}

// Engine is the OptimizationEngine.
type Engine struct {
	store     db.Store
	collector MetricsCollector
	predictor Predictor
	detector  AnomalyDetector
	resources ResourceOptimizer
	costs     CostOptimizer
	audit     audit.Logger
	logger    *zap.Logger
	opts      Options
	now       func() time.Time

	running atomic.Bool

	// mu serializes decision state transitions.
	mu sync.Mutex
}

// New creates an engine. A nil audit logger discards audit events.
func New(
	store db.Store,
	collector MetricsCollector,
	predictor Predictor,
	detector AnomalyDetector,
	resources ResourceOptimizer,
	costs CostOptimizer,
	auditLog audit.Logger,
	logger *zap.Logger,
	opts Options,
) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if auditLog == nil {
		auditLog = audit.NewNopLogger()
	}
	if len(opts.Horizons) == 0 {
		opts.Horizons = DefaultOptions().Horizons
	}
	horizons := append([]int(nil), opts.Horizons...)
	sort.Ints(horizons)
	opts.Horizons = horizons
	return &Engine{
		store:     store,
		collector: collector,
		predictor: predictor,
		detector:  detector,
		resources: resources,
		costs:     costs,
		audit:     auditLog,
		logger:    logger,
		opts:      opts,
		now:       time.Now,
	}
}

// CycleSummary reports what one cycle did.
type CycleSummary struct {
	StartedAt        time.Time     `json:"started_at"`
	Duration         time.Duration `json:"duration"`
	Samples          int           `json:"samples"`
	Anomalies        int           `json:"anomalies"`
	Predictions      int           `json:"predictions"`
	Bottlenecks      int           `json:"bottlenecks"`
	CostFindings     int           `json:"cost_findings"`
	DecisionsCreated int           `json:"decisions_created"`
	Duplicates       int           `json:"duplicates"`
	AutoApproved     int           `json:"auto_approved"`
	Executed         int           `json:"executed"`
	Succeeded        int           `json:"succeeded"`
	Failed           int           `json:"failed"`
	Errors           []string      `json:"errors,omitempty"`
}

func (s *CycleSummary) fail(step string, err error) {
	s.Errors = append(s.Errors, step+": "+err.Error())
}

// RunCycle runs one optimization cycle. Failures of individual steps are
// recorded in the summary and the cycle continues; only a failure to read
// or write decisions aborts it.
func (e *Engine) RunCycle(ctx context.Context) (sum *CycleSummary, err error) {
	if !e.running.CompareAndSwap(false, true) {
		return nil, ErrCycleInProgress
	}
	defer e.running.Store(false)

	ctx, span := tracing.StartSpan(ctx, "engine.cycle")
	defer func() { tracing.End(span, err) }()

	start := time.Now()
	sum = &CycleSummary{StartedAt: e.now().UTC()}
	defer func() {
		sum.Duration = time.Since(start)
		metrics.CycleDuration.Observe(sum.Duration.Seconds())
		span.SetAttributes(
			attribute.Int("cycle.decisions", sum.DecisionsCreated),
			attribute.Int("cycle.executed", sum.Executed),
		)
	}()

	// Collection and model feedback.
	var samples []models.MetricSample
	if snap, err := e.collector.CollectSnapshot(ctx); err != nil {
		e.logger.Warn("collection failed, continuing with stored data", zap.Error(err))
		sum.fail("collect", err)
	} else {
		samples = snap.Samples()
		for _, s := range samples {
			if err := e.predictor.UpdateModel(ctx, s.Name, s.Value, s.Timestamp); err != nil {
				e.logger.Debug("model feedback failed", zap.String("metric", s.Name), zap.Error(err))
			}
		}
	}
	sum.Samples = len(samples)

	// Analysis.
	var anomalies []*models.Anomaly
	if len(samples) > 0 {
		found, err := e.detector.Detect(ctx, samples)
		if err != nil {
			sum.fail("detect", err)
		}
		anomalies = append(anomalies, found...)
	}
	breaks, err := e.detector.DetectCorrelationBreaks(ctx)
	if err != nil {
		sum.fail("correlation", err)
	}
	anomalies = append(anomalies, breaks...)
	// The periodic detect task persists anomalies between cycles, and Detect
	// suppresses them as duplicates here, so the store is the source of truth.
	if active, err := e.detector.ListActiveAnomalies(ctx); err != nil {
		sum.fail("active anomalies", err)
	} else {
		anomalies = mergeAnomalies(anomalies, active)
	}
	sum.Anomalies = len(anomalies)

	predictions := e.predictAll(ctx, sum)
	sum.Predictions = len(predictions)

	bottlenecks := e.shortestBottlenecks(ctx, sum)
	sum.Bottlenecks = len(bottlenecks)

	findings, err := e.costs.IdentifyOptimizations(ctx, "")
	if err != nil {
		sum.fail("cost", err)
	}
	sum.CostFindings = len(findings)

	// Decisions.
	created, err := e.decide(ctx, sum, anomalies, predictions, bottlenecks, findings)
	if err != nil {
		return sum, err
	}
	sum.DecisionsCreated = len(created)

	for _, d := range created {
		if d.Status != models.DecisionApproved {
			continue
		}
		done, err := e.execute(ctx, d.ID)
		if err != nil {
			sum.fail("execute "+d.ID, err)
			continue
		}
		sum.Executed++
		if done.Status == models.DecisionCompleted {
			sum.Succeeded++
		} else {
			sum.Failed++
		}
	}

	e.logger.Info("optimization cycle completed",
		zap.Int("samples", sum.Samples),
		zap.Int("anomalies", sum.Anomalies),
		zap.Int("predictions", sum.Predictions),
		zap.Int("bottlenecks", sum.Bottlenecks),
		zap.Int("cost_findings", sum.CostFindings),
		zap.Int("decisions", sum.DecisionsCreated),
		zap.Int("duplicates", sum.Duplicates),
		zap.Int("auto_approved", sum.AutoApproved),
		zap.Int("executed", sum.Executed),
		zap.Int("failed", sum.Failed),
		zap.Strings("errors", sum.Errors),
		zap.Duration("duration", time.Since(start)),
	)
	return sum, nil
}

// predictAll predicts every tracked metric at every horizon concurrently.
// The result is ordered by metric, then horizon.
func (e *Engine) predictAll(ctx context.Context, sum *CycleSummary) []*models.PerformancePrediction {
	type slot struct {
		pred *models.PerformancePrediction
		err  error
	}
	slots := make([]slot, len(e.opts.Metrics)*len(e.opts.Horizons))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, metric := range e.opts.Metrics {
		for j, h := range e.opts.Horizons {
			idx, metric, h := i*len(e.opts.Horizons)+j, metric, h
			g.Go(func() error {
				p, err := e.predictor.Predict(gctx, metric, h, models.PredictionPerformance)
				slots[idx] = slot{pred: p, err: err}
				return nil
			})
		}
	}
	_ = g.Wait()

	var out []*models.PerformancePrediction
	for _, s := range slots {
		if s.err != nil {
			sum.fail("predict", s.err)
			continue
		}
		if s.pred != nil {
			out = append(out, s.pred)
		}
	}
	return out
}

// shortestBottlenecks keeps, per resource, the bottleneck at the shortest
// horizon whose confidence exceeds actionableConfidence.
func (e *Engine) shortestBottlenecks(ctx context.Context, sum *CycleSummary) []*models.BottleneckPrediction {
	seen := make(map[string]bool)
	var out []*models.BottleneckPrediction
	for _, h := range e.opts.Horizons {
		found, err := e.predictor.PredictBottlenecks(ctx, h)
		if err != nil {
			sum.fail("bottlenecks", err)
			continue
		}
		for _, b := range found {
			if seen[b.Resource] || b.Confidence <= actionableConfidence {
				continue
			}
			seen[b.Resource] = true
			out = append(out, b)
		}
	}
	return out
}

// mergeAnomalies appends the anomalies of extra not already in found.
func mergeAnomalies(found, extra []*models.Anomaly) []*models.Anomaly {
	seen := make(map[string]bool, len(found))
	for _, a := range found {
		seen[a.ID] = true
	}
	for _, a := range extra {
		if !seen[a.ID] {
			seen[a.ID] = true
			found = append(found, a)
		}
	}
	return found
}
