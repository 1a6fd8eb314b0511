package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/kubilitics/kubilitics-optimizer/internal/models"
)

// ErrNotFound is returned when a record or sample does not exist (or has
// expired).
var ErrNotFound = errors.New("not found")

// Kind is the namespace of a record. Keys are "<kind>:<id>".
type Kind string

const (
	KindModel            Kind = "model"
	KindAnomaly          Kind = "anomaly"
	KindPrediction       Kind = "prediction"
	KindBottleneck       Kind = "bottleneck"
	KindAction           Kind = "optimization_action"
	KindCostOptimization Kind = "cost_optimization"
	KindDecision         Kind = "decision"
	KindStrategy         Kind = "strategy"
	KindAlert            Kind = "alert"
	KindReport           Kind = "report"
	KindSnapshot         Kind = "snapshot"
	KindRollback         Kind = "rollback"
)

// Record TTLs.
const (
	BottleneckTTL = 24 * time.Hour
	ReportTTL     = 90 * 24 * time.Hour
)

// PredictionTTL keeps a prediction for twice its horizon.
func PredictionTTL(horizonSeconds int) time.Duration {
	return 2 * time.Duration(horizonSeconds) * time.Second
}

// Store is the single source of truth shared by all components.
type Store interface {
	SampleStore
	RecordStore
	CounterStore

	// Stats describes the datastore itself, for the datastore sub-collector.
	Stats(ctx context.Context) (*models.DatastoreMetrics, error)

	// Ping verifies the connection is alive.
	Ping(ctx context.Context) error

	// Close releases database resources.
	Close() error
}

// ─── Time series ──────────────────────────────────────────────────────────────

// SampleStore keeps one append-only series per metric name.
type SampleStore interface {
	AppendSamples(ctx context.Context, samples []models.MetricSample) error

	// RangeSamples returns samples with from <= timestamp <= to, oldest first.
	RangeSamples(ctx context.Context, metric string, from, to time.Time) ([]models.MetricSample, error)

	// LatestSample returns ErrNotFound for an empty series.
	LatestSample(ctx context.Context, metric string) (*models.MetricSample, error)

	// TrimSamples deletes samples older than before and returns the count.
	TrimSamples(ctx context.Context, metric string, before time.Time) (int64, error)

	// SeriesNames lists metrics that have at least one sample.
	SeriesNames(ctx context.Context) ([]string, error)
}

// ─── Records ──────────────────────────────────────────────────────────────────

// RecordStore keeps JSON documents under "<kind>:<id>". A zero TTL means the
// record never expires.
type RecordStore interface {
	PutRecord(ctx context.Context, kind Kind, id string, v any, ttl time.Duration) error

	// GetRecord decodes the record into out or returns ErrNotFound.
	GetRecord(ctx context.Context, kind Kind, id string, out any) error

	// ListRecords returns the raw documents of every unexpired record of kind.
	ListRecords(ctx context.Context, kind Kind) ([]json.RawMessage, error)

	DeleteRecord(ctx context.Context, kind Kind, id string) error
}

// ─── Counters ─────────────────────────────────────────────────────────────────

// CounterStore offers an atomic increment-and-expire counter. The TTL is set
// when the counter is created, so each key is a fixed window.
type CounterStore interface {
	IncrWithExpire(ctx context.Context, key string, ttl time.Duration) (int64, error)
}

// Get loads one record of type T.
func Get[T any](ctx context.Context, s RecordStore, kind Kind, id string) (*T, error) {
	var out T
	if err := s.GetRecord(ctx, kind, id, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// List loads every record of kind as T. Undecodable documents are skipped and
// reported in the returned error only when nothing could be decoded.
func List[T any](ctx context.Context, s RecordStore, kind Kind) ([]*T, error) {
	raws, err := s.ListRecords(ctx, kind)
	if err != nil {
		return nil, err
	}
	out := make([]*T, 0, len(raws))
	var firstErr error
	for _, raw := range raws {
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("decode %s record: %w", kind, err)
			}
			continue
		}
		out = append(out, &v)
	}
	if len(out) == 0 && firstErr != nil {
		return nil, firstErr
	}
	return out, nil
}

// Config selects and configures a backend.
type Config struct {
	Type          string // sqlite | postgres | redis
	SQLitePath    string
	PostgresURL   string
	RedisAddress  string
	RedisPassword string
	RedisDB       int
}

// Open builds the configured Store.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Type {
	case "", "sqlite":
		return NewSQLiteStore(cfg.SQLitePath)
	case "postgres":
		return NewPostgresStore(cfg.PostgresURL)
	case "redis":
		return NewRedisStore(ctx, RedisOptions{
			Address:  cfg.RedisAddress,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
	default:
		return nil, fmt.Errorf("unsupported database type %q", cfg.Type)
	}
}
