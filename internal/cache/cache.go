// Package cache fronts the read path with a TTL cache. Cache failures are
// never fatal; callers fall back to computing the value.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/dgraph-io/ristretto/v2"
	"github.com/redis/go-redis/v9"

	"tally/internal/config"
)

// Cache stores opaque values under string keys.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Close() error
}

// New builds the backend named by cfg.CacheBackend. An unreachable redis is
// logged and kept; its errors surface per request and are tolerated there.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (Cache, error) {
	switch cfg.CacheBackend {
	case config.CacheNone:
		return Noop{}, nil
	case config.CacheRedis:
		rc, err := NewRedis(cfg.CacheURL)
		if err != nil {
			return nil, err
		}
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := rc.Ping(pingCtx); err != nil {
			logger.Warn("Redis cache unreachable, queries will compute directly until it recovers",
				slog.String("url", redactURL(cfg.CacheURL)), slog.Any("error", err))
		}
		return rc, nil
	default:
		return NewMemory(int64(cfg.CacheMaxCostMb) << 20)
	}
}

// Key hashes parts into a compact key under prefix.
func Key(prefix string, parts ...string) string {
	h := xxhash.New()
	for _, part := range parts {
		_, _ = h.WriteString(part)
		_, _ = h.Write([]byte{0})
	}
	return prefix + ":" + strconv.FormatUint(h.Sum64(), 16)
}

// Memory is an in-process cache bounded by value size.
type Memory struct {
	cache *ristretto.Cache[string, []byte]
}

// NewMemory creates a memory cache holding at most maxCost bytes of values.
func NewMemory(maxCost int64) (*Memory, error) {
	if maxCost <= 0 {
		maxCost = 64 << 20
	}
	c, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
		NumCounters: 1e6,
		MaxCost:     maxCost,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("cache: create memory cache: %w", err)
	}
	return &Memory{cache: c}, nil
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	v, ok := m.cache.Get(key)
	return v, ok, nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.cache.SetWithTTL(key, value, int64(len(value)), ttl)
	// Writes are buffered; wait so the value is visible to the next Get.
	m.cache.Wait()
	return nil
}

func (m *Memory) Close() error {
	m.cache.Close()
	return nil
}

// Redis is a shared cache for multiple tally instances.
type Redis struct {
	client *redis.Client
}

// NewRedis parses a redis:// URL. It does not connect.
func NewRedis(url string) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("cache: parse redis url: %w", err)
	}
	return &Redis{client: redis.NewClient(opts)}, nil
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return r.client.Set(ctx, key, value, ttl).Err()
}

func (r *Redis) Close() error {
	return r.client.Close()
}

// Noop never stores anything.
type Noop struct{}

func (Noop) Get(context.Context, string) ([]byte, bool, error)        { return nil, false, nil }
func (Noop) Set(context.Context, string, []byte, time.Duration) error { return nil }
func (Noop) Close() error                                             { return nil }

func redactURL(raw string) string {
	opts, err := redis.ParseURL(raw)
	if err != nil {
		return "invalid"
	}
	return fmt.Sprintf("redis://%s/%d", opts.Addr, opts.DB)
}
