package optimizer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-optimizer/internal/db"
	"github.com/kubilitics/kubilitics-optimizer/internal/executor"
	"github.com/kubilitics/kubilitics-optimizer/internal/models"
)

// DefaultStrategies returns the strategies seeded on first start.
func DefaultStrategies() []*models.OptimizationStrategy {
	return []*models.OptimizationStrategy{
		{
			ID:         "cpu-pressure",
			Name:       "Scale out under CPU pressure",
			Enabled:    true,
			Conditions: []models.Condition{{Metric: "cpu.usage", Operator: models.OpGreaterThan, Threshold: 0.8}},
			Actions: []models.ActionTemplate{{
				Type:        models.ActionScaleOut,
				Parameters:  map[string]float64{executor.ParamReplicas: 2},
				Description: "Add replicas to spread CPU load",
			}},
			Priority: 1,
			Cooldown: 15 * time.Minute,
		},
		{
			ID:         "memory-pressure",
			Name:       "Scale up under memory pressure",
			Enabled:    true,
			Conditions: []models.Condition{{Metric: "system.memory", Operator: models.OpGreaterThan, Threshold: 0.85}},
			Actions: []models.ActionTemplate{{
				Type:        models.ActionScaleUp,
				Parameters:  map[string]float64{executor.ParamFactor: 1.5},
				Description: "Raise memory requests and limits",
			}},
			Priority: 2,
			Cooldown: 30 * time.Minute,
		},
		{
			ID:         "datastore-memory",
			Name:       "Relieve datastore memory",
			Enabled:    true,
			Conditions: []models.Condition{{Metric: "datastore.memory", Operator: models.OpGreaterThan, Threshold: 0.8}},
			Actions: []models.ActionTemplate{
				{Type: models.ActionCacheOptimization, Description: "Tighten eviction policy and compress large values"},
				{Type: models.ActionRebalance, Description: "Rebalance keys across shards"},
			},
			Priority: 2,
			Cooldown: time.Hour,
		},
		{
			ID:         "latency-regression",
			Name:       "Cut response time",
			Enabled:    true,
			Conditions: []models.Condition{{Metric: "response_time", Operator: models.OpGreaterThan, Threshold: 500}},
			Actions: []models.ActionTemplate{
				{Type: models.ActionCacheOptimization, Description: "Cache hot reads"},
				{
					Type:        models.ActionScaleOut,
					Parameters:  map[string]float64{executor.ParamReplicas: 1},
					Description: "Add a replica to absorb request load",
				},
			},
			Priority: 1,
			Cooldown: 15 * time.Minute,
		},
		{
			ID:         "error-burst",
			Name:       "Reconfigure on error bursts",
			Enabled:    true,
			Conditions: []models.Condition{{Metric: "error_rate", Operator: models.OpGreaterThan, Threshold: 0.05}},
			Actions: []models.ActionTemplate{{
				Type:        models.ActionReconfigure,
				Description: "Roll pods with conservative timeouts and connection limits",
			}},
			Priority: 1,
			Cooldown: 30 * time.Minute,
		},
		{
			ID:         "network-saturation",
			Name:       "Spread network load",
			Enabled:    true,
			Conditions: []models.Condition{{Metric: "network.bandwidth", Operator: models.OpGreaterThan, Threshold: 0.8}},
			Actions: []models.ActionTemplate{{
				Type:        models.ActionRebalance,
				Description: "Rebalance traffic across nodes",
			}},
			Priority: 3,
			Cooldown: time.Hour,
		},
		{
			ID:         "cpu-idle",
			Name:       "Scale in idle capacity",
			Enabled:    true,
			Conditions: []models.Condition{{Metric: "cpu.usage", Operator: models.OpLessThan, Threshold: 0.2}},
			Actions: []models.ActionTemplate{{
				Type:        models.ActionScaleIn,
				Parameters:  map[string]float64{executor.ParamReplicas: 1},
				Description: "Remove an idle replica",
			}},
			Priority: 5,
			Cooldown: time.Hour,
		},
	}
}

// SeedDefaultStrategies saves DefaultStrategies when no strategy exists yet
// and returns how many were written.
func (o *Optimizer) SeedDefaultStrategies(ctx context.Context) (int, error) {
	existing, err := o.ListStrategies(ctx)
	if err != nil {
		return 0, err
	}
	if len(existing) > 0 {
		return 0, nil
	}
	defaults := DefaultStrategies()
	for _, s := range defaults {
		if err := o.store.PutRecord(ctx, db.KindStrategy, s.ID, s, 0); err != nil {
			return 0, fmt.Errorf("seed strategy %s: %w", s.ID, err)
		}
	}
	o.logger.Info("default strategies seeded", zap.Int("count", len(defaults)))
	return len(defaults), nil
}

// ListStrategies returns every strategy ordered by priority, then ID.
func (o *Optimizer) ListStrategies(ctx context.Context) ([]*models.OptimizationStrategy, error) {
	all, err := db.List[models.OptimizationStrategy](ctx, o.store, db.KindStrategy)
	if err != nil {
		return nil, fmt.Errorf("list strategies: %w", err)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].Priority != all[j].Priority {
			return all[i].Priority < all[j].Priority
		}
		return all[i].ID < all[j].ID
	})
	return all, nil
}

// GetStrategy loads one strategy.
func (o *Optimizer) GetStrategy(ctx context.Context, id string) (*models.OptimizationStrategy, error) {
	s, err := db.Get[models.OptimizationStrategy](ctx, o.store, db.KindStrategy, id)
	if err != nil {
		return nil, fmt.Errorf("strategy %s: %w", id, err)
	}
	return s, nil
}

// SaveStrategy validates and stores s, assigning an ID when it has none.
func (o *Optimizer) SaveStrategy(ctx context.Context, s *models.OptimizationStrategy) error {
	if err := validateStrategy(s); err != nil {
		return err
	}
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.store.PutRecord(ctx, db.KindStrategy, s.ID, s, 0); err != nil {
		return fmt.Errorf("save strategy %s: %w", s.ID, err)
	}
	return nil
}

// SetStrategyEnabled switches a strategy on or off.
func (o *Optimizer) SetStrategyEnabled(ctx context.Context, id string, enabled bool) (*models.OptimizationStrategy, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	s, err := o.GetStrategy(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.Enabled == enabled {
		return s, nil
	}
	s.Enabled = enabled
	if err := o.store.PutRecord(ctx, db.KindStrategy, s.ID, s, 0); err != nil {
		return nil, fmt.Errorf("save strategy %s: %w", s.ID, err)
	}
	o.logger.Info("strategy toggled", zap.String("strategy", id), zap.Bool("enabled", enabled))
	return s, nil
}

func validateStrategy(s *models.OptimizationStrategy) error {
	var errs []error
	if s.Name == "" {
		errs = append(errs, errors.New("name is required"))
	}
	if len(s.Conditions) == 0 {
		errs = append(errs, errors.New("at least one condition is required"))
	}
	for i, c := range s.Conditions {
		if c.Metric == "" {
			errs = append(errs, fmt.Errorf("condition %d: metric is required", i))
		}
		switch c.Operator {
		case models.OpGreaterThan, models.OpGreaterOrEqual, models.OpLessThan, models.OpLessOrEqual:
		default:
			errs = append(errs, fmt.Errorf("condition %d: unknown operator %q", i, c.Operator))
		}
	}
	if len(s.Actions) == 0 {
		errs = append(errs, errors.New("at least one action is required"))
	}
	for i, a := range s.Actions {
		if _, ok := profiles[a.Type]; !ok {
			errs = append(errs, fmt.Errorf("action %d: unknown type %q", i, a.Type))
		}
	}
	if s.Cooldown < 0 {
		errs = append(errs, errors.New("cooldown cannot be negative"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid strategy %q: %w", s.Name, errors.Join(errs...))
	}
	return nil
}

// matchMode says how conditions are checked against a trigger.
type matchMode int

const (
	// matchValue requires every relevant condition to hold on the value.
	matchValue matchMode = iota
	// matchCrossed treats upward conditions as already satisfied and skips
	// downward ones.
	matchCrossed
)

// matches reports whether s applies to metric. A strategy applies when at
// least one condition names a substring of metric and every such condition
// is satisfied.
func matches(s *models.OptimizationStrategy, metric string, value float64, mode matchMode) bool {
	relevant := 0
	for _, c := range s.Conditions {
		if !strings.Contains(metric, c.Metric) {
			continue
		}
		relevant++
		switch mode {
		case matchCrossed:
			if c.Operator != models.OpGreaterThan && c.Operator != models.OpGreaterOrEqual {
				return false
			}
		default:
			if !c.Holds(value) {
				return false
			}
		}
	}
	return relevant > 0
}
