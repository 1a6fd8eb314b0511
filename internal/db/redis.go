package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/kubilitics/kubilitics-optimizer/internal/models"
)

const (
	seriesPrefix   = "ts:"
	seriesIndexKey = "ts:index"
	indexPrefix    = "index:"
	counterPrefix  = "counter:"
)

// incrWithExpire sets the TTL only when the counter is created.
var incrWithExpire = redis.NewScript(`
local v = redis.call('INCR', KEYS[1])
if v == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return v
`)

// RedisOptions configures NewRedisStore.
type RedisOptions struct {
	Address  string
	Password string
	DB       int
	// Client, when set, is used instead of dialing Address.
	Client *redis.Client
}

// redisStore keeps series in sorted sets scored by unix milliseconds and
// records in hashes with a per-kind index set.
type redisStore struct {
	client *redis.Client
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, opts RedisOptions) (Store, error) {
	client := opts.Client
	if client == nil {
		client = redis.NewClient(&redis.Options{
			Addr:         opts.Address,
			Password:     opts.Password,
			DB:           opts.DB,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		})
	}
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis %s: %w", opts.Address, err)
	}
	return &redisStore{client: client}, nil
}

func (s *redisStore) Close() error { return s.client.Close() }

func (s *redisStore) Ping(ctx context.Context) error { return s.client.Ping(ctx).Err() }

func recordKey(kind Kind, id string) string { return string(kind) + ":" + id }

// ─── Time series ──────────────────────────────────────────────────────────────

type seriesMember struct {
	T int64             `json:"t"`
	V float64           `json:"v"`
	L map[string]string `json:"l,omitempty"`
}

func (s *redisStore) AppendSamples(ctx context.Context, samples []models.MetricSample) error {
	if len(samples) == 0 {
		return nil
	}
	pipe := s.client.TxPipeline()
	for _, smp := range samples {
		member, err := json.Marshal(seriesMember{T: smp.Timestamp.UnixNano(), V: smp.Value, L: smp.Labels})
		if err != nil {
			return fmt.Errorf("encode sample %s: %w", smp.Name, err)
		}
		pipe.ZAdd(ctx, seriesPrefix+smp.Name, &redis.Z{
			Score:  float64(smp.Timestamp.UnixMilli()),
			Member: string(member),
		})
		pipe.SAdd(ctx, seriesIndexKey, smp.Name)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append samples: %w", err)
	}
	return nil
}

func decodeMembers(metric string, members []string) []models.MetricSample {
	out := make([]models.MetricSample, 0, len(members))
	for _, m := range members {
		var sm seriesMember
		if err := json.Unmarshal([]byte(m), &sm); err != nil {
			continue
		}
		out = append(out, models.MetricSample{
			Name:      metric,
			Value:     sm.V,
			Timestamp: time.Unix(0, sm.T).UTC(),
			Labels:    sm.L,
		})
	}
	return out
}

func (s *redisStore) RangeSamples(ctx context.Context, metric string, from, to time.Time) ([]models.MetricSample, error) {
	members, err := s.client.ZRangeByScore(ctx, seriesPrefix+metric, &redis.ZRangeBy{
		Min: strconv.FormatInt(from.UnixMilli(), 10),
		Max: strconv.FormatInt(to.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("range samples %s: %w", metric, err)
	}
	all := decodeMembers(metric, members)
	out := all[:0]
	for _, smp := range all {
		if smp.Timestamp.Before(from) || smp.Timestamp.After(to) {
			continue
		}
		out = append(out, smp)
	}
	return out, nil
}

func (s *redisStore) LatestSample(ctx context.Context, metric string) (*models.MetricSample, error) {
	members, err := s.client.ZRevRange(ctx, seriesPrefix+metric, 0, 0).Result()
	if err != nil {
		return nil, fmt.Errorf("latest sample %s: %w", metric, err)
	}
	samples := decodeMembers(metric, members)
	if len(samples) == 0 {
		return nil, ErrNotFound
	}
	return &samples[0], nil
}

func (s *redisStore) TrimSamples(ctx context.Context, metric string, before time.Time) (int64, error) {
	n, err := s.client.ZRemRangeByScore(ctx, seriesPrefix+metric, "-inf", "("+strconv.FormatInt(before.UnixMilli(), 10)).Result()
	if err != nil {
		return 0, fmt.Errorf("trim samples %s: %w", metric, err)
	}
	return n, nil
}

func (s *redisStore) SeriesNames(ctx context.Context) ([]string, error) {
	names, err := s.client.SMembers(ctx, seriesIndexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list series: %w", err)
	}
	return names, nil
}

// ─── Records ──────────────────────────────────────────────────────────────────

func (s *redisStore) PutRecord(ctx context.Context, kind Kind, id string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s:%s: %w", kind, id, err)
	}
	key := recordKey(kind, id)
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, "data", string(data), "updated_at", time.Now().UnixNano())
		if ttl > 0 {
			pipe.PExpire(ctx, key, ttl)
		} else {
			pipe.Persist(ctx, key)
		}
		pipe.SAdd(ctx, indexPrefix+string(kind), id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

func (s *redisStore) GetRecord(ctx context.Context, kind Kind, id string, out any) error {
	key := recordKey(kind, id)
	data, err := s.client.HGet(ctx, key, "data").Result()
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get %s: %w", key, err)
	}
	if err := json.Unmarshal([]byte(data), out); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

func (s *redisStore) ListRecords(ctx context.Context, kind Kind) ([]json.RawMessage, error) {
	index := indexPrefix + string(kind)
	ids, err := s.client.SMembers(ctx, index).Result()
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", kind, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGet(ctx, recordKey(kind, id), "data")
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("list %s: %w", kind, err)
	}

	out := make([]json.RawMessage, 0, len(ids))
	var stale []interface{}
	for i, cmd := range cmds {
		data, err := cmd.Result()
		if errors.Is(err, redis.Nil) {
			// Expired; drop it from the index.
			stale = append(stale, ids[i])
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", kind, err)
		}
		out = append(out, json.RawMessage(data))
	}
	if len(stale) > 0 {
		_ = s.client.SRem(ctx, index, stale...).Err()
	}
	return out, nil
}

func (s *redisStore) DeleteRecord(ctx context.Context, kind Kind, id string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, recordKey(kind, id))
		pipe.SRem(ctx, indexPrefix+string(kind), id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete %s:%s: %w", kind, id, err)
	}
	return nil
}

// ─── Counters ─────────────────────────────────────────────────────────────────

func (s *redisStore) IncrWithExpire(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	v, err := incrWithExpire.Run(ctx, s.client, []string{counterPrefix + key}, ttl.Milliseconds()).Int64()
	if err != nil {
		return 0, fmt.Errorf("increment %s: %w", key, err)
	}
	return v, nil
}

// ─── Stats ────────────────────────────────────────────────────────────────────

func (s *redisStore) Stats(ctx context.Context) (*models.DatastoreMetrics, error) {
	info, err := s.client.Info(ctx).Result()
	if err != nil {
		return nil, fmt.Errorf("redis info: %w", err)
	}
	out := parseInfo(info)
	if n, err := s.client.DBSize(ctx).Result(); err == nil {
		out.Keys = n
	}
	return out, nil
}

// parseInfo reads the fields of an INFO reply used by the datastore
// sub-collector.
func parseInfo(info string) *models.DatastoreMetrics {
	fields := make(map[string]string)
	for _, line := range strings.Split(info, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if k, v, ok := strings.Cut(line, ":"); ok {
			fields[k] = v
		}
	}
	u := func(k string) uint64 {
		v, _ := strconv.ParseUint(fields[k], 10, 64)
		return v
	}
	i := func(k string) int64 {
		v, _ := strconv.ParseInt(fields[k], 10, 64)
		return v
	}
	f := func(k string) float64 {
		v, _ := strconv.ParseFloat(fields[k], 64)
		return v
	}

	out := &models.DatastoreMetrics{
		UsedMemoryBytes:  u("used_memory"),
		MaxMemoryBytes:   u("maxmemory"),
		ConnectedClients: i("connected_clients"),
		OpsPerSec:        f("instantaneous_ops_per_sec"),
		EvictedKeys:      i("evicted_keys"),
	}
	limit := out.MaxMemoryBytes
	if limit == 0 {
		limit = u("total_system_memory")
	}
	if limit > 0 {
		out.MemoryUsage = float64(out.UsedMemoryBytes) / float64(limit)
	}
	hits, misses := f("keyspace_hits"), f("keyspace_misses")
	if hits+misses > 0 {
		out.HitRate = hits / (hits + misses)
	}
	return out
}
