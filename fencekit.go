// Package fencekit wires the rate limiter, idempotency store and work queue
// over one shared store.
package fencekit

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/yourusername/fencekit/config"
	"github.com/yourusername/fencekit/core"
	"github.com/yourusername/fencekit/idempotency"
	"github.com/yourusername/fencekit/queue"
	"github.com/yourusername/fencekit/ratelimit"
	"github.com/yourusername/fencekit/store"
)

// Re-export main types for convenience
type (
	Store            = store.Store
	TokenBucket      = ratelimit.TokenBucket
	IdempotencyStore = idempotency.Store
	WorkQueue        = queue.WorkQueue
)

// Constructors of the three primitives.
var (
	NewRateLimiter      = ratelimit.New
	NewIdempotencyStore = idempotency.NewStore
	NewWorkQueue        = queue.New
)

// OpenStore builds the store selected by cfg and verifies it answers. The
// returned func releases it.
func OpenStore(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (store.Store, func(), error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	switch cfg.Backend {
	case config.BackendMemory:
		logger.Warn("using in-memory store, state is not shared between processes")
		st := store.NewMemoryStore()
		stop := func() {}
		if cfg.CleanupInterval > 0 {
			stop = st.StartBackgroundCleanup(cfg.CleanupInterval)
		}
		return st, func() {
			stop()
			_ = st.Close()
		}, nil

	case config.BackendRedis, "":
		rc := cfg.RedisConfig()
		rc.Logger = logger
		st := store.NewRedisStore(rc)
		if err := st.Ping(ctx); err != nil {
			_ = st.Close()
			return nil, nil, fmt.Errorf("connect to redis at %s: %w", cfg.Addr, err)
		}
		logger.Info("connected to redis", zap.String("addr", cfg.Addr))
		return st, func() { _ = st.Close() }, nil

	default:
		return nil, nil, fmt.Errorf("%w: unknown store backend %q", config.ErrInvalidConfig, cfg.Backend)
	}
}

// RateLimiters builds one limiter per route group. Groups whose policy is
// disabled get no entry. Routes with their own policy use their own key
// namespace so their budgets stay separate from the defaults.
func RateLimiters(st store.Store, cfg config.RateLimitConfig, routes []string, opts ...ratelimit.Option) (map[string]*ratelimit.TokenBucket, error) {
	extractor, err := ratelimit.ParseKeyExtractorConfig(cfg.KeyExtractor)
	if err != nil {
		return nil, err
	}

	limiters := make(map[string]*ratelimit.TokenBucket, len(routes))
	for _, route := range routes {
		policy := cfg.PolicyFor(route)
		if !policy.Enabled {
			continue
		}

		prefix := ratelimit.DefaultKeyPrefix
		if _, own := cfg.Policies[route]; own {
			prefix += route + ":"
		}

		routeOpts := append([]ratelimit.Option{
			ratelimit.WithPolicy(policy.Capacity, policy.RefillRate),
			ratelimit.WithKeyPrefix(prefix),
			ratelimit.WithKeyExtractor(extractor),
			ratelimit.WithFailOpen(cfg.FailOpen),
		}, opts...)

		limiter, err := ratelimit.New(st, routeOpts...)
		if err != nil {
			return nil, fmt.Errorf("limiter for %s: %w", route, err)
		}
		limiters[route] = limiter
	}
	return limiters, nil
}

// CheckPolicy converts the default rate limit policy for the check service.
func CheckPolicy(cfg config.RateLimitConfig) core.Config {
	return core.Config{
		Capacity:     float64(cfg.Defaults.Capacity),
		RefillPerSec: cfg.Defaults.RefillRate,
	}
}

// QueueOptions converts the queue section into queue options.
func QueueOptions(cfg config.QueueConfig) []queue.Option {
	return []queue.Option{
		queue.WithMaxRetries(cfg.MaxRetries),
		queue.WithBaseDelay(cfg.BaseDelay),
		queue.WithJobTimeout(cfg.JobTimeout),
		queue.WithLeaseGrace(cfg.LeaseGrace),
		queue.WithResultTTL(cfg.ResultTTL),
	}
}

// IdempotencyOptions converts the idempotency section into store options.
func IdempotencyOptions(cfg config.IdempotencyConfig) []idempotency.Option {
	return []idempotency.Option{
		idempotency.WithRecordTTL(cfg.RecordTTL),
		idempotency.WithLockTTL(cfg.LockTTL),
		idempotency.WithContentionWait(cfg.ContentionWait),
	}
}
