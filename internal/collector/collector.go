// Package collector gathers periodic system, datastore and application
// metrics, appends them to the store's time series and manages alert
// records.
package collector

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kubilitics/kubilitics-optimizer/internal/db"
	"github.com/kubilitics/kubilitics-optimizer/internal/metrics"
	"github.com/kubilitics/kubilitics-optimizer/internal/models"
	"github.com/kubilitics/kubilitics-optimizer/internal/tracing"
)

const latestSnapshotID = "latest"

// Options tunes the collector.
type Options struct {
	// Retention bounds every series; older samples are trimmed each tick.
	Retention time.Duration
	// SeriesRetention overrides Retention for series whose name starts with
	// the key. The longest matching prefix wins.
	SeriesRetention map[string]time.Duration

	// Thresholds raise metric alerts; nil uses DefaultThresholds.
	Thresholds []Threshold
}

// Collector is the leaf component every other component reads from.
type Collector struct {
	store      db.Store
	sources    []Source
	retention  time.Duration
	byPrefix   map[string]time.Duration
	thresholds []Threshold
	logger     *zap.Logger
	now        func() time.Time
}

// New creates a collector over the given sources.
func New(store db.Store, logger *zap.Logger, opts Options, sources ...Source) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Retention <= 0 {
		opts.Retention = 7 * 24 * time.Hour
	}
	if opts.Thresholds == nil {
		opts.Thresholds = DefaultThresholds()
	}
	return &Collector{
		store:      store,
		sources:    sources,
		retention:  opts.Retention,
		byPrefix:   opts.SeriesRetention,
		thresholds: opts.Thresholds,
		logger:     logger,
		now:        time.Now,
	}
}

// CollectSnapshot runs every source concurrently, persists the flattened
// samples and the snapshot, trims expired samples and evaluates alert
// thresholds. Source failures are recorded in SystemMetrics.Failed.
func (c *Collector) CollectSnapshot(ctx context.Context) (*models.SystemMetrics, error) {
	ctx, span := tracing.StartSpan(ctx, "collector.snapshot")
	start := time.Now()

	snap := &models.SystemMetrics{Timestamp: c.now().UTC()}

	var (
		mu     sync.Mutex
		failed []string
		g      errgroup.Group
	)
	for _, src := range c.sources {
		src := src
		g.Go(func() error {
			part := &models.SystemMetrics{Timestamp: snap.Timestamp}
			if err := src.Collect(ctx, part); err != nil {
				c.logger.Warn("sub-collector failed, leaving section zero-valued",
					zap.String("collector", src.Name()),
					zap.Error(err),
				)
				metrics.SubCollectorErrors.WithLabelValues(src.Name()).Inc()
				mu.Lock()
				failed = append(failed, src.Name())
				mu.Unlock()
				return nil
			}
			mu.Lock()
			merge(snap, part)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	snap.Failed = failed

	status := "complete"
	if len(failed) > 0 {
		status = "partial"
	}
	metrics.CollectionsTotal.WithLabelValues(status).Inc()
	metrics.CollectionDuration.Observe(time.Since(start).Seconds())
	span.SetAttributes(attribute.Int("collector.failed", len(failed)))

	if err := c.store.AppendSamples(ctx, snap.Samples()); err != nil {
		metrics.StoreErrors.WithLabelValues("append_samples").Inc()
		tracing.End(span, err)
		return nil, fmt.Errorf("append samples: %w", err)
	}
	if err := c.store.PutRecord(ctx, db.KindSnapshot, latestSnapshotID, snap, 0); err != nil {
		metrics.StoreErrors.WithLabelValues("put_snapshot").Inc()
		tracing.End(span, err)
		return nil, fmt.Errorf("persist snapshot: %w", err)
	}

	if _, err := c.Trim(ctx); err != nil {
		c.logger.Warn("failed to trim samples", zap.Error(err))
	}
	c.evaluateThresholds(ctx, snap)

	tracing.End(span, nil)
	return snap, nil
}

// merge copies every non-zero section of part into dst.
func merge(dst, part *models.SystemMetrics) {
	if part.CPU != (models.CPUMetrics{}) {
		dst.CPU = part.CPU
	}
	if part.Memory != (models.MemoryMetrics{}) {
		dst.Memory = part.Memory
	}
	if part.Datastore != (models.DatastoreMetrics{}) {
		dst.Datastore = part.Datastore
	}
	if part.Network != (models.NetworkMetrics{}) {
		dst.Network = part.Network
	}
	if part.Application != (models.ApplicationMetrics{}) {
		dst.Application = part.Application
	}
}

// LatestSnapshot returns the most recently persisted snapshot.
func (c *Collector) LatestSnapshot(ctx context.Context) (*models.SystemMetrics, error) {
	return db.Get[models.SystemMetrics](ctx, c.store, db.KindSnapshot, latestSnapshotID)
}

// LatestSamples returns the most recent sample of each named metric.
// Metrics without samples are skipped.
func (c *Collector) LatestSamples(ctx context.Context, names []string) ([]models.MetricSample, error) {
	out := make([]models.MetricSample, 0, len(names))
	for _, name := range names {
		s, err := c.store.LatestSample(ctx, name)
		if err == db.ErrNotFound {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("latest %s: %w", name, err)
		}
		out = append(out, *s)
	}
	return out, nil
}

// Trim drops samples older than their retention window from every series.
func (c *Collector) Trim(ctx context.Context) (int64, error) {
	names, err := c.store.SeriesNames(ctx)
	if err != nil {
		return 0, fmt.Errorf("list series: %w", err)
	}
	now := c.now()
	var total int64
	for _, name := range names {
		n, err := c.store.TrimSamples(ctx, name, now.Add(-c.retentionFor(name)))
		if err != nil {
			return total, fmt.Errorf("trim %s: %w", name, err)
		}
		total += n
	}
	if total > 0 {
		c.logger.Debug("trimmed expired samples", zap.Int64("count", total))
	}
	return total, nil
}

func (c *Collector) retentionFor(name string) time.Duration {
	ret, matched := c.retention, 0
	for prefix, d := range c.byPrefix {
		if d > 0 && len(prefix) > matched && strings.HasPrefix(name, prefix) {
			ret, matched = d, len(prefix)
		}
	}
	return ret
}
