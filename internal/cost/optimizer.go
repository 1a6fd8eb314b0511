// Package cost finds and carries out cost optimizations for the priced
// resource inventory.
//
// Each inventory entry is priced by the Calculator and paired with the
// latest sample of its utilization metric. Simple utilization rules then
// propose right-sizing, auto-scaling, compression and network
// optimizations, each with before/after costs, savings, ROI, a phased plan
// and risks. The package also forecasts daily costs, records them for
// forecasting and raises budget alerts.
package cost

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-optimizer/internal/audit"
	"github.com/kubilitics/kubilitics-optimizer/internal/config"
	"github.com/kubilitics/kubilitics-optimizer/internal/db"
	"github.com/kubilitics/kubilitics-optimizer/internal/executor"
	"github.com/kubilitics/kubilitics-optimizer/internal/metrics"
	"github.com/kubilitics/kubilitics-optimizer/internal/models"
	"github.com/kubilitics/kubilitics-optimizer/internal/safety/rollback"
	"github.com/kubilitics/kubilitics-optimizer/internal/tracing"
)

// Rule thresholds.
const (
	rightSizingBelow   = 0.5
	maxRightSizingPct  = 0.4
	autoScaleAbove     = 0.8
	autoScaleBelow     = 0.3
	autoScalePct       = 0.25
	compressionBelow   = 0.7
	compressionPct     = 0.15
	networkBandwidth   = 0.6
	networkSavingsPct  = 0.2
	largeRightSizing   = 0.3
	implementationCost = 100.0
)

// implementationCosts is the one-off cost of carrying out each type.
var implementationCosts = map[models.CostOptimizationType]float64{
	models.CostRightSizing:         50,
	models.CostAutoScaling:         200,
	models.CostCompression:         100,
	models.CostNetworkOptimization: 150,
}

// defaultMetrics is the utilization metric of a resource type without an
// explicit one. Storage has none.
var defaultMetrics = map[models.ResourceType]string{
	models.ResourceCompute:   models.MetricCPUUsage,
	models.ResourceMemory:    models.MetricMemoryUsage,
	models.ResourceDatastore: models.MetricDatastoreMemory,
	models.ResourceNetwork:   models.MetricNetworkBandwidth,
	models.ResourceStorage:   "",
}

// Options configures the cost optimizer.
type Options struct {
	Provider  Provider
	Resources []config.Resource
	// Budgets are monthly limits in USD keyed by resource type.
	Budgets map[string]float64
}

// Optimizer is the CostOptimizer.
type Optimizer struct {
	store   db.Store
	calc    *Calculator
	exec    executor.Executor
	journal *rollback.Journal
	audit   audit.Logger
	logger  *zap.Logger
	opts    Options
	now     func() time.Time

	// mu serializes read-modify-write of cost optimization records.
	mu sync.Mutex
}

// New creates a cost optimizer. A nil audit logger discards audit events.
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
	return &Optimizer{
		store:   store,
		calc:    NewCalculator(opts.Provider),
		exec:    exec,
		journal: journal,
		audit:   auditLog,
		logger:  logger,
		opts:    opts,
		now:     time.Now,
	}
}

// Inventory prices every configured resource of resourceType ("" for all)
// and attaches its latest utilization. Resources whose utilization metric
// has no sample are skipped.
func (o *Optimizer) Inventory(ctx context.Context, resourceType string) ([]models.ResourceUsage, error) {
	if resourceType != "" && !validResourceType(resourceType) {
		return nil, fmt.Errorf("unknown resource type %q", resourceType)
	}
	var bandwidth float64
	if s, err := o.store.LatestSample(ctx, models.MetricNetworkBandwidth); err == nil {
		bandwidth = s.Value
	}

	var out []models.ResourceUsage
	for _, r := range o.opts.Resources {
		if resourceType != "" && r.Type != resourceType {
			continue
		}
		breakdown, err := o.calc.Monthly(r)
		if err != nil {
			o.logger.Warn("resource cannot be priced", zap.String("resource", r.ID), zap.Error(err))
			continue
		}
		metric := r.Metric
		if metric == "" {
			metric = defaultMetrics[models.ResourceType(r.Type)]
		}
		if metric == "" {
			continue
		}
		s, err := o.store.LatestSample(ctx, metric)
		if err != nil {
			if !errors.Is(err, db.ErrNotFound) {
				o.logger.Warn("utilization unavailable", zap.String("resource", r.ID), zap.String("metric", metric), zap.Error(err))
			}
			continue
		}
		u := models.ResourceUsage{
			ID:          r.ID,
			Type:        models.ResourceType(r.Type),
			Metric:      metric,
			Utilization: s.Value,
			Cost:        breakdown,
		}
		if breakdown.Network > 0 {
			u.BandwidthUtilization = bandwidth
		}
		out = append(out, u)
	}
	return out, nil
}

func validResourceType(s string) bool {
	for _, t := range models.AllResourceTypes {
		if string(t) == s {
			return true
		}
	}
	return false
}

// IdentifyOptimizations applies the utilization rules to the inventory of
// resourceType ("" for all) and persists each finding as IDENTIFIED, then
// ANALYZED. An open optimization for the same resource and type is returned
// instead of a duplicate.
func (o *Optimizer) IdentifyOptimizations(ctx context.Context, resourceType string) (found []*models.CostOptimization, err error) {
	ctx, span := tracing.StartSpan(ctx, "cost.identify", attribute.String("resource_type", resourceType))
	defer func() { tracing.End(span, err) }()

	inventory, err := o.Inventory(ctx, resourceType)
	if err != nil {
		return nil, err
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	existing, err := db.List[models.CostOptimization](ctx, o.store, db.KindCostOptimization)
	if err != nil {
		return nil, fmt.Errorf("list cost optimizations: %w", err)
	}
	open := make(map[string]*models.CostOptimization)
	for _, c := range existing {
		if c.Status.Open() {
			open[c.ResourceID+"/"+string(c.Type)] = c
		}
	}

	now := o.now().UTC()
	for _, u := range inventory {
		for _, c := range evaluate(u) {
			if prev, ok := open[c.ResourceID+"/"+string(c.Type)]; ok {
				found = append(found, prev)
				continue
			}
			c.ID = uuid.New().String()
			c.CreatedAt = now
			c.UpdatedAt = now
			c.Status = models.StatusIdentified
			if err := o.save(ctx, c); err != nil {
				return found, err
			}
			c.Status = models.StatusAnalyzed
			if err := o.save(ctx, c); err != nil {
				return found, err
			}
			o.logger.Info("cost optimization identified",
				zap.String("id", c.ID),
				zap.String("type", string(c.Type)),
				zap.String("resource", c.ResourceID),
				zap.Float64("monthly_savings", c.Savings.Monthly),
			)
			open[c.ResourceID+"/"+string(c.Type)] = c
			found = append(found, c)
		}
	}

	var total float64
	for _, c := range open {
		total += c.Savings.Monthly
	}
	metrics.IdentifiedSavingsUSD.Set(total)
	return found, nil
}

// evaluate runs every rule against one resource.
func evaluate(u models.ResourceUsage) []*models.CostOptimization {
	var out []*models.CostOptimization
	cur := u.Cost

	if u.Utilization < rightSizingBelow {
		pct := math.Min(maxRightSizingPct, (rightSizingBelow-u.Utilization)*2)
		level := models.SeverityLow
		if pct >= largeRightSizing {
			level = models.SeverityMedium
		}
		out = append(out, build(u, models.CostRightSizing, cur.Scaled(1-pct),
			fmt.Sprintf("%s runs at %.0f%% utilization; shrink requests by %.0f%%", u.ID, u.Utilization*100, pct*100),
			map[string]float64{executor.ParamFactor: 1 - pct},
			[]models.Risk{{
				Type:        models.RiskPerformanceDegradation,
				Level:       level,
				Description: "Smaller requests leave less headroom",
				Mitigation:  "Roll back if latency regresses",
			}}))
	}

	if u.Utilization > autoScaleAbove || u.Utilization < autoScaleBelow {
		out = append(out, build(u, models.CostAutoScaling, cur.Scaled(1-autoScalePct),
			fmt.Sprintf("%s utilization %.0f%% is outside the efficient band; scale with demand", u.ID, u.Utilization*100),
			nil,
			[]models.Risk{{
				Type:        models.RiskScalingLag,
				Level:       models.SeverityLow,
				Description: "Autoscaler reacts after load changes",
				Mitigation:  "Use predictive scaling ahead of peaks",
			}}))
	}

	if u.Type == models.ResourceDatastore && u.Utilization < compressionBelow {
		out = append(out, build(u, models.CostCompression, cur.Scaled(1-compressionPct),
			fmt.Sprintf("Compress values on %s to shrink its memory footprint", u.ID),
			nil,
			[]models.Risk{{
				Type:        models.RiskCPUOverhead,
				Level:       models.SeverityLow,
				Description: "Compression costs CPU on every write and read",
			}}))
	}

	if u.BandwidthUtilization > networkBandwidth {
		projected := cur
		projected.Network = cur.Network * (1 - networkSavingsPct)
		projected.Total = projected.Compute + projected.Memory + projected.Storage + projected.Network
		out = append(out, build(u, models.CostNetworkOptimization, projected,
			fmt.Sprintf("Bandwidth at %.0f%%; batch and compress traffic for %s", u.BandwidthUtilization*100, u.ID),
			nil,
			[]models.Risk{{
				Type:        models.RiskServiceDisruption,
				Level:       models.SeverityLow,
				Description: "Connection settings change during rollout",
			}}))
	}
	return out
}

func build(u models.ResourceUsage, t models.CostOptimizationType, projected models.CostBreakdown, desc string, params map[string]float64, risks []models.Risk) *models.CostOptimization {
	monthly := u.Cost.Total - projected.Total
	var pct float64
	if u.Cost.Total > 0 {
		pct = monthly / u.Cost.Total * 100
	}
	impl, ok := implementationCosts[t]
	if !ok {
		impl = implementationCost
	}
	roi := models.ROI{ImplementationCost: impl}
	if monthly > 0 {
		roi.PaybackMonths = impl / monthly
		roi.Ratio = monthly * 12 / impl
	}
	return &models.CostOptimization{
		Type:          t,
		ResourceID:    u.ID,
		ResourceType:  u.Type,
		Description:   desc,
		Utilization:   u.Utilization,
		CurrentCost:   u.Cost,
		ProjectedCost: projected,
		Savings:       models.Savings{Monthly: monthly, Annual: monthly * 12, Percentage: pct},
		ROI:           roi,
		Plan:          plans[t],
		Parameters:    params,
		Risks:         risks,
	}
}

// GetOptimization loads one cost optimization.
func (o *Optimizer) GetOptimization(ctx context.Context, id string) (*models.CostOptimization, error) {
	c, err := db.Get[models.CostOptimization](ctx, o.store, db.KindCostOptimization, id)
	if err != nil {
		return nil, fmt.Errorf("cost optimization %s: %w", id, err)
	}
	return c, nil
}

// ListOptimizations returns optimizations with the given status, or all
// when status is empty, largest savings first.
func (o *Optimizer) ListOptimizations(ctx context.Context, status models.ActionStatus) ([]*models.CostOptimization, error) {
	all, err := db.List[models.CostOptimization](ctx, o.store, db.KindCostOptimization)
	if err != nil {
		return nil, fmt.Errorf("list cost optimizations: %w", err)
	}
	out := all[:0]
	for _, c := range all {
		if status == "" || c.Status == status {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Savings.Monthly > out[j].Savings.Monthly })
	return out, nil
}

func (o *Optimizer) save(ctx context.Context, c *models.CostOptimization) error {
	if err := o.store.PutRecord(ctx, db.KindCostOptimization, c.ID, c, 0); err != nil {
		metrics.StoreErrors.WithLabelValues("put_cost_optimization").Inc()
		return fmt.Errorf("save cost optimization %s: %w", c.ID, err)
	}
	return nil
}
