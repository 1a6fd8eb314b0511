package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"  // PostgreSQL driver
	_ "modernc.org/sqlite" // pure-Go SQLite driver (no CGO required)

	"github.com/kubilitics/kubilitics-optimizer/internal/models"
)

// migrations are written in the subset of SQL shared by SQLite and
// PostgreSQL. Timestamps are unix nanoseconds.
var migrations = []struct {
	version int
	sql     string
}{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS samples (
    metric  TEXT NOT NULL,
    ts      BIGINT NOT NULL,
    value   DOUBLE PRECISION NOT NULL,
    labels  TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_samples_metric_ts ON samples(metric, ts);

CREATE TABLE IF NOT EXISTS records (
    kind        TEXT NOT NULL,
    id          TEXT NOT NULL,
    data        TEXT NOT NULL,
    expires_at  BIGINT NOT NULL DEFAULT 0,
    updated_at  BIGINT NOT NULL,
    PRIMARY KEY (kind, id)
);
CREATE INDEX IF NOT EXISTS idx_records_expires ON records(expires_at);
`,
	},
	{
		version: 2,
		sql: `
CREATE TABLE IF NOT EXISTS counters (
    key         TEXT PRIMARY KEY,
    value       BIGINT NOT NULL,
    expires_at  BIGINT NOT NULL
);
`,
	},
}

// sqlStore is the sqlx-backed implementation of Store used for SQLite and
// PostgreSQL. Queries use '?' placeholders and go through Rebind.
type sqlStore struct {
	db  *sqlx.DB
	now func() time.Time
}

// NewSQLiteStore opens (or creates) a SQLite database at the given path and
// runs all pending schema migrations. Pass ":memory:" for an in-memory store.
func NewSQLiteStore(path string) (Store, error) {
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}
	// An in-memory database exists per connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	return newSQLStore(db)
}

// NewPostgresStore connects to PostgreSQL through lib/pq.
func NewPostgresStore(url string) (Store, error) {
	db, err := sqlx.Connect("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return newSQLStore(db)
}

func newSQLStore(db *sqlx.DB) (Store, error) {
	s := &sqlStore{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// migrate applies any unapplied migrations in order.
func (s *sqlStore) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_versions (
        version    INTEGER PRIMARY KEY,
        applied_at BIGINT NOT NULL
    )`)
	if err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}

	for _, m := range migrations {
		var count int
		if err := s.db.Get(&count, s.db.Rebind(`SELECT COUNT(*) FROM schema_versions WHERE version = ?`), m.version); err != nil {
			return fmt.Errorf("check migration %d: %w", m.version, err)
		}
		if count > 0 {
			continue
		}
		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("apply migration %d: %w", m.version, err)
		}
		if _, err := s.db.Exec(s.db.Rebind(`INSERT INTO schema_versions(version, applied_at) VALUES(?, ?)`), m.version, s.now().UnixNano()); err != nil {
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
	}
	return nil
}

func (s *sqlStore) Close() error { return s.db.Close() }

func (s *sqlStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// ─── Time series ──────────────────────────────────────────────────────────────

type sampleRow struct {
	Metric string  `db:"metric"`
	TS     int64   `db:"ts"`
	Value  float64 `db:"value"`
	Labels string  `db:"labels"`
}

func (r sampleRow) sample() models.MetricSample {
	out := models.MetricSample{Name: r.Metric, Value: r.Value, Timestamp: time.Unix(0, r.TS).UTC()}
	if r.Labels != "" {
		_ = json.Unmarshal([]byte(r.Labels), &out.Labels)
	}
	return out
}

func (s *sqlStore) AppendSamples(ctx context.Context, samples []models.MetricSample) error {
	if len(samples) == 0 {
		return nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	q := tx.Rebind(`INSERT INTO samples(metric, ts, value, labels) VALUES(?, ?, ?, ?)`)
	for _, smp := range samples {
		labels := ""
		if len(smp.Labels) > 0 {
			b, err := json.Marshal(smp.Labels)
			if err != nil {
				return fmt.Errorf("encode labels for %s: %w", smp.Name, err)
			}
			labels = string(b)
		}
		if _, err := tx.ExecContext(ctx, q, smp.Name, smp.Timestamp.UnixNano(), smp.Value, labels); err != nil {
			return fmt.Errorf("insert sample %s: %w", smp.Name, err)
		}
	}
	return tx.Commit()
}

func (s *sqlStore) RangeSamples(ctx context.Context, metric string, from, to time.Time) ([]models.MetricSample, error) {
	var rows []sampleRow
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(`
        SELECT metric, ts, value, labels FROM samples
        WHERE metric = ? AND ts >= ? AND ts <= ?
        ORDER BY ts ASC`), metric, from.UnixNano(), to.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("range samples %s: %w", metric, err)
	}
	out := make([]models.MetricSample, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.sample())
	}
	return out, nil
}

func (s *sqlStore) LatestSample(ctx context.Context, metric string) (*models.MetricSample, error) {
	var r sampleRow
	err := s.db.GetContext(ctx, &r, s.db.Rebind(`
        SELECT metric, ts, value, labels FROM samples
        WHERE metric = ? ORDER BY ts DESC LIMIT 1`), metric)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("latest sample %s: %w", metric, err)
	}
	out := r.sample()
	return &out, nil
}

func (s *sqlStore) TrimSamples(ctx context.Context, metric string, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM samples WHERE metric = ? AND ts < ?`), metric, before.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("trim samples %s: %w", metric, err)
	}
	return res.RowsAffected()
}

func (s *sqlStore) SeriesNames(ctx context.Context) ([]string, error) {
	var names []string
	if err := s.db.SelectContext(ctx, &names, `SELECT DISTINCT metric FROM samples ORDER BY metric`); err != nil {
		return nil, fmt.Errorf("list series: %w", err)
	}
	return names, nil
}

// ─── Records ──────────────────────────────────────────────────────────────────

func (s *sqlStore) expiry(ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	return s.now().Add(ttl).UnixNano()
}

func (s *sqlStore) PutRecord(ctx context.Context, kind Kind, id string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s:%s: %w", kind, id, err)
	}
	_, err = s.db.ExecContext(ctx, s.db.Rebind(`
        INSERT INTO records(kind, id, data, expires_at, updated_at)
        VALUES(?, ?, ?, ?, ?)
        ON CONFLICT(kind, id) DO UPDATE SET
            data       = excluded.data,
            expires_at = excluded.expires_at,
            updated_at = excluded.updated_at
    `), string(kind), id, string(data), s.expiry(ttl), s.now().UnixNano())
	if err != nil {
		return fmt.Errorf("put %s:%s: %w", kind, id, err)
	}
	return nil
}

func (s *sqlStore) GetRecord(ctx context.Context, kind Kind, id string, out any) error {
	var data string
	err := s.db.GetContext(ctx, &data, s.db.Rebind(`
        SELECT data FROM records
        WHERE kind = ? AND id = ? AND (expires_at = 0 OR expires_at > ?)`),
		string(kind), id, s.now().UnixNano())
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get %s:%s: %w", kind, id, err)
	}
	if err := json.Unmarshal([]byte(data), out); err != nil {
		return fmt.Errorf("decode %s:%s: %w", kind, id, err)
	}
	return nil
}

func (s *sqlStore) ListRecords(ctx context.Context, kind Kind) ([]json.RawMessage, error) {
	now := s.now().UnixNano()
	// Expired rows are swept lazily.
	if _, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM records WHERE kind = ? AND expires_at > 0 AND expires_at <= ?`), string(kind), now); err != nil {
		return nil, fmt.Errorf("sweep %s: %w", kind, err)
	}
	var rows []string
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(`SELECT data FROM records WHERE kind = ? ORDER BY updated_at ASC, id ASC`), string(kind)); err != nil {
		return nil, fmt.Errorf("list %s: %w", kind, err)
	}
	out := make([]json.RawMessage, 0, len(rows))
	for _, r := range rows {
		out = append(out, json.RawMessage(r))
	}
	return out, nil
}

func (s *sqlStore) DeleteRecord(ctx context.Context, kind Kind, id string) error {
	if _, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM records WHERE kind = ? AND id = ?`), string(kind), id); err != nil {
		return fmt.Errorf("delete %s:%s: %w", kind, id, err)
	}
	return nil
}

// ─── Counters ─────────────────────────────────────────────────────────────────

func (s *sqlStore) IncrWithExpire(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	now := s.now().UnixNano()
	expires := s.now().Add(ttl).UnixNano()
	_, err = tx.ExecContext(ctx, tx.Rebind(`
        INSERT INTO counters(key, value, expires_at) VALUES(?, 1, ?)
        ON CONFLICT(key) DO UPDATE SET
            value      = CASE WHEN counters.expires_at <= ? THEN 1 ELSE counters.value + 1 END,
            expires_at = CASE WHEN counters.expires_at <= ? THEN excluded.expires_at ELSE counters.expires_at END
    `), key, expires, now, now)
	if err != nil {
		return 0, fmt.Errorf("increment %s: %w", key, err)
	}
	var v int64
	if err := tx.GetContext(ctx, &v, tx.Rebind(`SELECT value FROM counters WHERE key = ?`), key); err != nil {
		return 0, fmt.Errorf("read counter %s: %w", key, err)
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return v, nil
}

// ─── Stats ────────────────────────────────────────────────────────────────────

func (s *sqlStore) Stats(ctx context.Context) (*models.DatastoreMetrics, error) {
	st := s.db.Stats()
	out := &models.DatastoreMetrics{
		ConnectedClients: int64(st.OpenConnections),
	}
	if err := s.db.GetContext(ctx, &out.Keys, `SELECT COUNT(*) FROM records`); err != nil {
		return out, fmt.Errorf("count records: %w", err)
	}
	return out, nil
}
