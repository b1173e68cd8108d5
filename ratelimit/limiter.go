package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/yourusername/fencekit/core"
	"github.com/yourusername/fencekit/store"
)

// DefaultKeyPrefix namespaces bucket keys in the shared store.
const DefaultKeyPrefix = "rate_limit:"

// Recorder receives one call per rate limit decision.
type Recorder interface {
	RecordRequest(clientID string, allowed bool)
}

type nopRecorder struct{}

func (nopRecorder) RecordRequest(string, bool) {}

// Decision contains the result of a rate limit check.
type Decision struct {
	// Allowed indicates whether the request should be allowed (true) or denied (false)
	Allowed bool

	// Remaining is the number of whole tokens left in the bucket
	Remaining int64

	// Limit is the total capacity of the bucket (max burst)
	Limit int64

	// RetryAfter is how long until the request would succeed.
	// This is 0 if Allowed is true
	RetryAfter time.Duration

	// Key is the identifier that was checked
	Key string
}

// TokenBucket is a distributed token bucket limiter. Bucket state lives in
// the shared store, so every instance pointing at the same store enforces
// one budget per identifier.
type TokenBucket struct {
	store        store.Store
	policy       core.Config
	bucket       *core.TokenBucket
	prefix       string
	keyExtractor KeyExtractor
	now          func() time.Time
	logger       *zap.Logger
	recorder     Recorder
	failOpen     bool
}

// New creates a TokenBucket over st.
//
// Example:
//
//	limiter, err := ratelimit.New(redisStore,
//	    ratelimit.WithPolicy(10, 2.0),  // 10 tokens, 2/sec refill
//	    ratelimit.WithKeyExtractor(ratelimit.ExtractIPWithProxy()),
//	)
func New(st store.Store, opts ...Option) (*TokenBucket, error) {
	if st == nil {
		return nil, fmt.Errorf("%w: store cannot be nil", ErrInvalidConfig)
	}

	tb := &TokenBucket{
		store: st,
		policy: core.Config{
			Capacity:     10,
			RefillPerSec: 2.0,
		},
		prefix:       DefaultKeyPrefix,
		keyExtractor: ExtractIPWithProxy(),
		now:          time.Now,
		logger:       zap.NewNop(),
		recorder:     nopRecorder{},
	}

	for _, opt := range opts {
		if err := opt(tb); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}

	tb.bucket = core.NewTokenBucket(tb.policy)
	return tb, nil
}

// Policy returns the bucket capacity and refill rate.
func (tb *TokenBucket) Policy() core.Config {
	return tb.policy
}

func (tb *TokenBucket) key(identifier string) string {
	return tb.prefix + identifier
}

// Consume tries to take tokens from the identifier's bucket.
// It returns false when the bucket does not hold enough tokens. The read,
// refill, decrement and expiry reset happen in one atomic store operation.
func (tb *TokenBucket) Consume(ctx context.Context, identifier string, tokens int) (bool, error) {
	result, err := tb.take(ctx, identifier, tokens)
	if err != nil {
		return false, err
	}
	return result.Allowed, nil
}

func (tb *TokenBucket) take(ctx context.Context, identifier string, tokens int) (core.CheckResult, error) {
	if identifier == "" {
		return core.CheckResult{}, ErrInvalidKey
	}
	if tokens <= 0 {
		return core.CheckResult{}, ErrInvalidTokens
	}

	result, err := tb.store.TakeTokens(ctx, tb.key(identifier), tb.policy, float64(tokens), tb.now(), tb.bucket.TTL())
	if err != nil {
		return core.CheckResult{}, fmt.Errorf("consume %q: %w", identifier, err)
	}

	tb.recorder.RecordRequest(identifier, result.Allowed)
	if !result.Allowed {
		tb.logger.Debug("rate limit exceeded",
			zap.String("key", identifier),
			zap.Int("tokens", tokens),
			zap.Int64("retry_after_ms", result.RetryAfterMs),
		)
	}
	return result, nil
}

// Remaining returns the whole number of tokens available now, without
// consuming any. An unknown identifier has a full bucket.
func (tb *TokenBucket) Remaining(ctx context.Context, identifier string) (int64, error) {
	if identifier == "" {
		return 0, ErrInvalidKey
	}

	fields, err := tb.store.HashGetAll(ctx, tb.key(identifier))
	if err != nil {
		return 0, fmt.Errorf("remaining %q: %w", identifier, err)
	}

	state, err := core.DecodeState(fields)
	if err != nil {
		tb.logger.Warn("discarding malformed bucket state",
			zap.String("key", identifier),
			zap.Error(err),
		)
		state = nil
	}

	return int64(math.Floor(tb.bucket.Refill(state, tb.now()))), nil
}

// Allow consumes one token and reports the full decision.
func (tb *TokenBucket) Allow(ctx context.Context, identifier string) (*Decision, error) {
	result, err := tb.take(ctx, identifier, 1)
	if err != nil {
		return nil, err
	}

	decision := &Decision{
		Allowed:   result.Allowed,
		Remaining: int64(math.Floor(result.Remaining)),
		Limit:     int64(tb.policy.Capacity),
		Key:       identifier,
	}
	if !result.Allowed {
		decision.RetryAfter = time.Duration(result.RetryAfterMs) * time.Millisecond
	}
	return decision, nil
}

// AllowRequest extracts the identifier from r with the configured key
// extractor and consumes one token for it.
func (tb *TokenBucket) AllowRequest(r *http.Request) (*Decision, error) {
	key, err := tb.keyExtractor(r)
	if err != nil {
		return nil, fmt.Errorf("key extraction failed: %w", err)
	}
	return tb.Allow(r.Context(), key)
}

// Reset deletes the identifier's bucket so its next request starts full.
func (tb *TokenBucket) Reset(ctx context.Context, identifier string) error {
	if identifier == "" {
		return ErrInvalidKey
	}
	if _, err := tb.store.Delete(ctx, tb.key(identifier)); err != nil {
		return fmt.Errorf("reset %q: %w", identifier, err)
	}
	return nil
}

// isStoreFailure reports whether err came from the backing store rather
// than from the caller.
func isStoreFailure(err error) bool {
	return errors.Is(err, store.ErrUnavailable) || errors.Is(err, core.ErrMalformedState) || errors.Is(err, store.ErrWrongType)
}
