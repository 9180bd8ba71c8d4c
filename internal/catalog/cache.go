package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mbd888/settlehub/internal/metrics"
)

const (
	generationKey     = "settlehub:catalog:gen"
	snapshotKeyPrefix = "settlehub:catalog:snapshot:"
)

// cacheClient is the part of *redis.Client the cache uses.
type cacheClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Incr(ctx context.Context, key string) *redis.IntCmd
}

// RedisCache serves snapshots from Redis and falls back to the wrapped
// source on a miss or a Redis error. Only speculative reads (quotes) go
// through it; settlements read the source directly.
//
// Entries are keyed by a generation counter. Invalidate bumps the counter
// instead of deleting, so a reader that loaded a snapshot before a write
// can only store it under the old generation, which nobody reads again.
type RedisCache struct {
	client cacheClient
	source SnapshotSource
	ttl    time.Duration
	logger *slog.Logger
}

// NewRedisCache wraps source with a Redis-backed snapshot cache.
func NewRedisCache(client *redis.Client, source SnapshotSource, ttl time.Duration, logger *slog.Logger) *RedisCache {
	return newRedisCache(client, source, ttl, logger)
}

func newRedisCache(client cacheClient, source SnapshotSource, ttl time.Duration, logger *slog.Logger) *RedisCache {
	if ttl <= 0 {
		ttl = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisCache{client: client, source: source, ttl: ttl, logger: logger}
}

// Snapshot returns the cached snapshot for the current generation,
// loading it from the source on a miss.
func (r *RedisCache) Snapshot(ctx context.Context) (*Snapshot, error) {
	gen, err := r.client.Get(ctx, generationKey).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		r.logger.Warn("catalog cache read failed", "error", err)
		metrics.QuoteCacheTotal.WithLabelValues("error").Inc()
		return r.source.Snapshot(ctx)
	}
	key := snapshotKeyPrefix + strconv.FormatInt(gen, 10)

	data, err := r.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var snap Snapshot
		if jerr := json.Unmarshal(data, &snap); jerr == nil {
			metrics.QuoteCacheTotal.WithLabelValues("hit").Inc()
			return &snap, nil
		}
		r.logger.Warn("discarding corrupt catalog cache entry", "key", key)
	case !errors.Is(err, redis.Nil):
		r.logger.Warn("catalog cache read failed", "error", err)
	}
	metrics.QuoteCacheTotal.WithLabelValues("miss").Inc()

	snap, err := r.source.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	if b, err := json.Marshal(snap); err == nil {
		if err := r.client.Set(ctx, key, b, r.ttl).Err(); err != nil {
			r.logger.Warn("catalog cache write failed", "error", err)
		}
	}
	return snap, nil
}

// Invalidate moves readers to a new generation. Registered with
// Catalog.OnChange; entries of older generations expire on their TTL.
func (r *RedisCache) Invalidate(ctx context.Context) {
	if err := r.client.Incr(ctx, generationKey).Err(); err != nil {
		r.logger.Warn("catalog cache invalidation failed", "error", err)
	}
}

// Connect opens a Redis client from a redis:// URL and pings it.
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}
