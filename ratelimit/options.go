package ratelimit

import (
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Option is a functional option for configuring a TokenBucket.
type Option func(*TokenBucket) error

// WithPolicy sets bucket capacity and refill rate in one call.
func WithPolicy(capacity int64, refillRate float64) Option {
	return func(tb *TokenBucket) error {
		if capacity <= 0 {
			return ErrNegativeCapacity
		}
		if refillRate <= 0 {
			return ErrNegativeRefillRate
		}
		tb.policy.Capacity = float64(capacity)
		tb.policy.RefillPerSec = refillRate
		return nil
	}
}

// WithCapacity sets the maximum number of tokens (burst size).
func WithCapacity(capacity int64) Option {
	return func(tb *TokenBucket) error {
		if capacity <= 0 {
			return ErrNegativeCapacity
		}
		tb.policy.Capacity = float64(capacity)
		return nil
	}
}

// WithRefillRate sets the number of tokens added per second.
func WithRefillRate(refillRate float64) Option {
	return func(tb *TokenBucket) error {
		if refillRate <= 0 {
			return ErrNegativeRefillRate
		}
		tb.policy.RefillPerSec = refillRate
		return nil
	}
}

// WithKeyPrefix sets the namespace prepended to every identifier.
// Default: "rate_limit:"
func WithKeyPrefix(prefix string) Option {
	return func(tb *TokenBucket) error {
		tb.prefix = prefix
		return nil
	}
}

// WithKeyExtractor sets the function used by AllowRequest and Middleware.
func WithKeyExtractor(extractor KeyExtractor) Option {
	return func(tb *TokenBucket) error {
		if extractor == nil {
			return fmt.Errorf("%w: key extractor cannot be nil", ErrInvalidConfig)
		}
		tb.keyExtractor = extractor
		return nil
	}
}

// WithClock overrides time.Now. Tests use it to step time deterministically.
func WithClock(now func() time.Time) Option {
	return func(tb *TokenBucket) error {
		if now == nil {
			return fmt.Errorf("%w: clock cannot be nil", ErrInvalidConfig)
		}
		tb.now = now
		return nil
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(tb *TokenBucket) error {
		if logger != nil {
			tb.logger = logger
		}
		return nil
	}
}

// WithRecorder sets the metrics recorder.
func WithRecorder(recorder Recorder) Option {
	return func(tb *TokenBucket) error {
		if recorder != nil {
			tb.recorder = recorder
		}
		return nil
	}
}

// WithFailOpen makes the middleware let requests through when the store
// is unavailable. The default is to fail closed with a 500.
func WithFailOpen(failOpen bool) Option {
	return func(tb *TokenBucket) error {
		tb.failOpen = failOpen
		return nil
	}
}
