// Package optimizer turns predictions, bottlenecks and anomalies into
// concrete resource actions and runs them through an executor.
//
// Actions come from declarative strategies: each enabled strategy whose
// condition metric is a substring of the triggering metric contributes its
// action templates, unless it fired within its cooldown. Expected impact,
// cost and risks of each action come from a static profile per action type.
//
// An action moves PENDING → APPROVED → EXECUTING → COMPLETED or FAILED, and
// a completed or failed action can be rolled back once.
package optimizer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-optimizer/internal/audit"
	"github.com/kubilitics/kubilitics-optimizer/internal/db"
	"github.com/kubilitics/kubilitics-optimizer/internal/executor"
	"github.com/kubilitics/kubilitics-optimizer/internal/models"
	"github.com/kubilitics/kubilitics-optimizer/internal/safety/rollback"
)

// Options tunes the optimizer.
type Options struct {
	// Target is the resource acted on when a template names none.
	Target string
}

// Optimizer is the ResourceOptimizer.
type Optimizer struct {
	store   db.Store
	exec    executor.Executor
	journal *rollback.Journal
	audit   audit.Logger
	logger  *zap.Logger
	opts    Options
	now     func() time.Time

	// mu serializes read-modify-write of actions and strategies.
	mu sync.Mutex
}

// New creates an optimizer. A nil audit logger discards audit events.
func New(store db.Store, exec executor.Executor, journal *rollback.Journal, auditLog audit.Logger, logger *zap.Logger, opts Options) *Optimizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if auditLog == nil {
		auditLog = audit.NewNopLogger()
	}
	if journal == nil {
		journal = rollback.NewJournal(store, logger)
	}
	if opts.Target == "" {
		opts.Target = "app"
	}
	return &Optimizer{
		store:   store,
		exec:    exec,
		journal: journal,
		audit:   auditLog,
		logger:  logger,
		opts:    opts,
		now:     time.Now,
	}
}

// OptimizeForPrediction proposes actions for a forecast. Strategy conditions
// must hold on the predicted value.
func (o *Optimizer) OptimizeForPrediction(ctx context.Context, p *models.PerformancePrediction) ([]*models.OptimizationAction, error) {
	return o.fromStrategies(ctx, p.MetricName, p.PredictedValue, matchValue, nil)
}

// OptimizeForBottleneck proposes actions for a predicted bottleneck. The
// threshold is already crossed, so only upward conditions are consulted.
// Without a matching strategy the bottleneck's first mitigation is used.
func (o *Optimizer) OptimizeForBottleneck(ctx context.Context, b *models.BottleneckPrediction) ([]*models.OptimizationAction, error) {
	var fallback []models.ActionTemplate
	if len(b.Mitigations) > 0 {
		m := b.Mitigations[0]
		fallback = []models.ActionTemplate{{Type: m.Action, Description: m.Description}}
	}
	return o.fromStrategies(ctx, b.MetricName, b.PredictedValue, matchCrossed, fallback)
}

// OptimizeForAnomaly proposes actions for a detected anomaly. Strategy
// conditions must hold on the observed value. Correlation breaks describe a
// relationship rather than a level and produce no actions.
func (o *Optimizer) OptimizeForAnomaly(ctx context.Context, a *models.Anomaly) ([]*models.OptimizationAction, error) {
	if a.Type == models.AnomalyCorrelationBreak {
		return nil, nil
	}
	return o.fromStrategies(ctx, a.MetricName, a.Value, matchValue, nil)
}

// fromStrategies instantiates the templates of every applicable strategy,
// or the fallback templates when none applies, and persists the actions.
func (o *Optimizer) fromStrategies(ctx context.Context, metric string, value float64, mode matchMode, fallback []models.ActionTemplate) ([]*models.OptimizationAction, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	strategies, err := o.ListStrategies(ctx)
	if err != nil {
		return nil, err
	}
	now := o.now().UTC()

	var out []*models.OptimizationAction
	for _, s := range strategies {
		if !s.Enabled || s.InCooldown(now) || !matches(s, metric, value, mode) {
			continue
		}
		for _, tmpl := range s.Actions {
			a, err := o.instantiate(ctx, tmpl, metric, s.ID, now)
			if err != nil {
				return out, err
			}
			out = append(out, a)
		}
		s.LastTriggered = &now
		if err := o.store.PutRecord(ctx, db.KindStrategy, s.ID, s, 0); err != nil {
			return out, fmt.Errorf("save strategy %s: %w", s.ID, err)
		}
		o.logger.Debug("strategy fired", zap.String("strategy", s.ID), zap.String("metric", metric))
	}

	if len(out) == 0 {
		for _, tmpl := range fallback {
			a, err := o.instantiate(ctx, tmpl, metric, "", now)
			if err != nil {
				return out, err
			}
			out = append(out, a)
		}
	}
	return out, nil
}

func (o *Optimizer) instantiate(ctx context.Context, tmpl models.ActionTemplate, metric, strategyID string, now time.Time) (*models.OptimizationAction, error) {
	p, ok := profiles[tmpl.Type]
	if !ok {
		return nil, fmt.Errorf("no profile for action type %q", tmpl.Type)
	}
	resource := tmpl.Resource
	if resource == "" {
		resource = o.opts.Target
	}
	desc := tmpl.Description
	if desc == "" {
		desc = fmt.Sprintf("%s %s", tmpl.Type, resource)
	}
	params := make(map[string]float64, len(tmpl.Parameters))
	for k, v := range tmpl.Parameters {
		params[k] = v
	}

	a := &models.OptimizationAction{
		ID:             uuid.New().String(),
		Type:           tmpl.Type,
		Resource:       resource,
		Description:    desc,
		Parameters:     params,
		ExpectedImpact: p.impact,
		Cost:           p.cost,
		Risks:          risksFor(p, params),
		Prerequisites:  append([]string(nil), p.prerequisites...),
		Status:         models.StatusPending,
		TriggerMetric:  metric,
		StrategyID:     strategyID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := o.store.PutRecord(ctx, db.KindAction, a.ID, a, 0); err != nil {
		return nil, fmt.Errorf("save action: %w", err)
	}
	o.logger.Info("action proposed",
		zap.String("id", a.ID),
		zap.String("type", string(a.Type)),
		zap.String("resource", a.Resource),
		zap.String("trigger_metric", metric),
		zap.String("strategy", strategyID),
	)
	return a, nil
}
