package store

import (
	"context"
	"errors"
	"time"

	"github.com/yourusername/fencekit/core"
)

var (
	// ErrNotFound is returned when a key does not exist or has expired
	ErrNotFound = errors.New("key not found")

	// ErrUnavailable is returned when the backing store cannot be reached
	ErrUnavailable = errors.New("store unavailable")

	// ErrWrongType is returned when a key holds a different kind of value
	ErrWrongType = errors.New("operation against a key holding the wrong kind of value")
)

// Store is the key-value capability surface shared by the rate limiter, the
// idempotency cache and the work queue. Every method is atomic per key; the
// composite operations (TakeTokens, ClaimDue) are atomic as a whole.
//
// A ttl of zero means no expiry.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	SetWithExpiry(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) (bool, error)
	SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)

	HashGetAll(ctx context.Context, key string) (map[string]string, error)
	// HashSetFields writes fields and, when ttl > 0, resets the key expiry in
	// the same atomic unit.
	HashSetFields(ctx context.Context, key string, fields map[string]string, ttl time.Duration) error

	// KeysMatching is for administrative use only, never the hot path.
	KeysMatching(ctx context.Context, pattern string) ([]string, error)

	ListPush(ctx context.Context, key string, value string) (int64, error)
	ListRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	ListLen(ctx context.Context, key string) (int64, error)

	// TakeTokens loads the bucket at key, refills it lazily, consumes n tokens
	// when available and persists the new state with ttl, all in one atomic step.
	TakeTokens(ctx context.Context, key string, policy core.Config, n float64, now time.Time, ttl time.Duration) (core.CheckResult, error)

	// Schedule makes member visible at the given time, replacing any earlier
	// schedule for it.
	Schedule(ctx context.Context, key, member string, at time.Time) error
	Unschedule(ctx context.Context, key, member string) (bool, error)
	// ClaimDue picks one member visible at now and hides it until leaseUntil.
	// It returns ErrNotFound when nothing is due.
	ClaimDue(ctx context.Context, key string, now, leaseUntil time.Time) (string, error)

	Ping(ctx context.Context) error
	Close() error
}
