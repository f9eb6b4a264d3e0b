package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"tally/internal/metrics"
)

// DefaultComputeTimeout bounds a shared computation when no timeout is set.
const DefaultComputeTimeout = 30 * time.Second

// Loader reads through a Cache, collapsing concurrent misses for one key.
type Loader struct {
	cache   Cache
	ttl     time.Duration
	timeout time.Duration
	logger  *slog.Logger
	metrics *metrics.Metrics
	group   singleflight.Group
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithComputeTimeout bounds the computation shared by collapsed callers.
func WithComputeTimeout(d time.Duration) LoaderOption {
	return func(l *Loader) {
		if d > 0 {
			l.timeout = d
		}
	}
}

// NewLoader wraps c. m may be nil.
func NewLoader(c Cache, ttl time.Duration, logger *slog.Logger, m *metrics.Metrics, opts ...LoaderOption) *Loader {
	if c == nil {
		c = Noop{}
	}
	l := &Loader{cache: c, ttl: ttl, timeout: DefaultComputeTimeout, logger: logger, metrics: m}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Fetch returns the cached value for key or computes, stores and returns it.
// Cache read or write failures are logged and the computed value is used.
func Fetch[T any](ctx context.Context, l *Loader, key string, compute func(ctx context.Context) (T, error)) (T, error) {
	if data, ok, err := l.cache.Get(ctx, key); err != nil {
		l.metrics.CacheResult("error")
		l.logger.Warn("Cache read failed, computing directly", slog.String("key", key), slog.Any("error", err))
	} else if ok {
		var cached T
		if err := json.Unmarshal(data, &cached); err == nil {
			l.metrics.CacheResult("hit")
			return cached, nil
		}
		l.logger.Warn("Discarding undecodable cache entry", slog.String("key", key))
	}
	l.metrics.CacheResult("miss")

	// The computation outlives any single caller: it keeps ctx values but
	// not its cancellation, and is bounded by the loader timeout instead.
	ch := l.group.DoChan(key, func() (any, error) {
		shared, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.timeout)
		defer cancel()

		value, err := compute(shared)
		if err != nil {
			return value, err
		}
		data, err := json.Marshal(value)
		if err != nil {
			l.logger.Warn("Cache encode failed", slog.String("key", key), slog.Any("error", err))
			return value, nil
		}
		if err := l.cache.Set(shared, key, data, l.ttl); err != nil {
			l.logger.Warn("Cache write failed", slog.String("key", key), slog.Any("error", err))
		}
		return value, nil
	})

	var zero T
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Err
		}
		return res.Val.(T), nil
	}
}
