package idempotency

import (
	"time"

	"go.uber.org/zap"
)

// Option configures a Store.
type Option func(*Store)

// WithKeyPrefix sets the namespace for record keys. Default: "idempotency:"
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) {
		s.prefix = prefix
	}
}

// WithRecordTTL sets how long cached responses are replayed.
func WithRecordTTL(ttl time.Duration) Option {
	return func(s *Store) {
		if ttl > 0 {
			s.recordTTL = ttl
		}
	}
}

// WithLockTTL sets how long an in-flight lock survives its holder.
func WithLockTTL(ttl time.Duration) Option {
	return func(s *Store) {
		if ttl > 0 {
			s.lockTTL = ttl
		}
	}
}

// WithContentionWait sets how long a request that lost the lock waits
// before re-checking for a record.
func WithContentionWait(d time.Duration) Option {
	return func(s *Store) {
		if d >= 0 {
			s.contentionWait = d
		}
	}
}

// WithMaxBodyBytes bounds how much of a request body is buffered for
// hashing. Larger bodies are rejected with 413.
func WithMaxBodyBytes(n int64) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxBodyBytes = n
		}
	}
}

// WithClock overrides time.Now for CachedAt and lock timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithRecorder sets the metrics recorder.
func WithRecorder(recorder Recorder) Option {
	return func(s *Store) {
		if recorder != nil {
			s.recorder = recorder
		}
	}
}
