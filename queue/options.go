package queue

import (
	"time"

	"go.uber.org/zap"
)

// Option configures a WorkQueue.
type Option func(*WorkQueue)

// WithMaxRetries sets how many retries a job gets after its first run.
func WithMaxRetries(n int) Option {
	return func(q *WorkQueue) {
		if n >= 0 {
			q.maxRetries = n
		}
	}
}

// WithBaseDelay sets the first retry delay; later retries double it.
func WithBaseDelay(d time.Duration) Option {
	return func(q *WorkQueue) {
		if d > 0 {
			q.baseDelay = d
		}
	}
}

// WithJobTimeout bounds a single handler run.
func WithJobTimeout(d time.Duration) Option {
	return func(q *WorkQueue) {
		if d > 0 {
			q.jobTimeout = d
		}
	}
}

// WithLeaseGrace sets the slack added to the job timeout before a claimed
// job becomes visible to other workers again.
func WithLeaseGrace(d time.Duration) Option {
	return func(q *WorkQueue) {
		if d >= 0 {
			q.leaseGrace = d
		}
	}
}

// WithResultTTL sets how long succeeded job records are kept.
func WithResultTTL(d time.Duration) Option {
	return func(q *WorkQueue) {
		if d > 0 {
			q.resultTTL = d
		}
	}
}

// WithClock overrides time.Now for scheduling and timestamps.
func WithClock(now func() time.Time) Option {
	return func(q *WorkQueue) {
		if now != nil {
			q.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(q *WorkQueue) {
		if logger != nil {
			q.logger = logger
		}
	}
}

// WithRecorder sets the metrics recorder.
func WithRecorder(recorder Recorder) Option {
	return func(q *WorkQueue) {
		if recorder != nil {
			q.recorder = recorder
		}
	}
}
