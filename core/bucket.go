package core

import (
	"errors"
	"math"
	"strconv"
	"time"
)

// Hash fields used to persist a BucketState.
const (
	FieldTokens       = "tokens"
	FieldLastRefillMs = "last_refill_ms"
)

// BucketExpiryBuffer is added to the full-refill time to get the state TTL.
const BucketExpiryBuffer = 60 * time.Second

// ErrMalformedState is returned when persisted bucket fields cannot be parsed.
var ErrMalformedState = errors.New("malformed bucket state")

// TokenBucket implements the token bucket rate limiting algorithm
type TokenBucket struct {
	config Config
}

// NewTokenBucket creates a new token bucket with the given configuration
func NewTokenBucket(config Config) *TokenBucket {
	return &TokenBucket{config: config}
}

// Config returns the policy of the bucket.
func (tb *TokenBucket) Config() Config {
	return tb.config
}

// Refill returns the lazily refilled token count for state at now.
// A nil state is a full bucket.
func (tb *TokenBucket) Refill(state *BucketState, now time.Time) float64 {
	if state == nil {
		return tb.config.Capacity
	}

	elapsed := now.Sub(state.LastRefillAt).Seconds()
	if elapsed < 0 {
		elapsed = 0
	}

	return math.Min(tb.config.Capacity, state.Tokens+elapsed*tb.config.RefillPerSec)
}

// Take tries to consume n tokens at now.
// It returns the state to persist and the check result. The returned state
// always records the refill observation, even when the request is blocked.
func (tb *TokenBucket) Take(state *BucketState, n float64, now time.Time) (*BucketState, CheckResult) {
	current := tb.Refill(state, now)

	refillAt := now
	if state != nil && state.LastRefillAt.After(now) {
		refillAt = state.LastRefillAt
	}

	allowed := current >= n
	if allowed {
		current -= n
	}

	return &BucketState{Tokens: current, LastRefillAt: refillAt}, tb.Result(allowed, current, n)
}

// Result builds a CheckResult from the post-decision token count.
func (tb *TokenBucket) Result(allowed bool, tokens, n float64) CheckResult {
	if allowed {
		return CheckResult{
			Allowed:   true,
			Remaining: tokens,
			Limit:     tb.config.Capacity,
		}
	}

	tokensNeeded := n - tokens
	retryAfterSec := tokensNeeded / tb.config.RefillPerSec
	if n > tb.config.Capacity {
		// Can never succeed; report the time to a full bucket.
		retryAfterSec = (tb.config.Capacity - tokens) / tb.config.RefillPerSec
	}

	return CheckResult{
		Allowed:      false,
		Remaining:    tokens,
		RetryAfterMs: int64(math.Ceil(retryAfterSec * 1000)),
		Limit:        tb.config.Capacity,
	}
}

// TTL is how long an untouched bucket is kept: the time to refill from empty
// plus BucketExpiryBuffer. After that the identifier starts over with a full
// bucket.
func (tb *TokenBucket) TTL() time.Duration {
	fill := math.Ceil(tb.config.Capacity / tb.config.RefillPerSec)
	return time.Duration(fill)*time.Second + BucketExpiryBuffer
}

// RetryAfterHint is the Retry-After value in whole seconds sent on rejection.
func (tb *TokenBucket) RetryAfterHint() int64 {
	return int64(math.Ceil(1 / tb.config.RefillPerSec))
}

// EncodeState converts a state into hash fields.
func EncodeState(state *BucketState) map[string]string {
	return map[string]string{
		FieldTokens:       strconv.FormatFloat(state.Tokens, 'g', -1, 64),
		FieldLastRefillMs: strconv.FormatInt(state.LastRefillAt.UnixMilli(), 10),
	}
}

// DecodeState parses hash fields. Empty fields mean no state and return nil.
func DecodeState(fields map[string]string) (*BucketState, error) {
	if len(fields) == 0 {
		return nil, nil
	}

	tokens, err := strconv.ParseFloat(fields[FieldTokens], 64)
	if err != nil {
		return nil, ErrMalformedState
	}

	// Lua may render integral values in float notation, so parse as float.
	ms, err := strconv.ParseFloat(fields[FieldLastRefillMs], 64)
	if err != nil {
		return nil, ErrMalformedState
	}

	return &BucketState{
		Tokens:       tokens,
		LastRefillAt: time.UnixMilli(int64(ms)),
	}, nil
}
