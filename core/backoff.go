package core

import "time"

// Retry policy defaults.
const (
	DefaultMaxRetries = 3
	DefaultBaseDelay  = time.Second

	// MaxBackoff caps a single retry delay so large attempt counts cannot
	// overflow the shift.
	MaxBackoff = 24 * time.Hour
)

// ShouldRetry reports whether a job that failed on attempt (0-indexed)
// gets another run.
func ShouldRetry(attempt, maxRetries int) bool {
	return attempt < maxRetries
}

// BackoffSeconds returns baseDelay * 2^attempt, capped at MaxBackoff.
func BackoffSeconds(attempt, baseDelay int) int {
	return int(Backoff(attempt, time.Duration(baseDelay)*time.Second) / time.Second)
}

// Backoff is BackoffSeconds for arbitrary base durations. No jitter.
func Backoff(attempt int, base time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	}
	// base<<attempt > MaxBackoff, checked without shifting
	if attempt >= 63 || base > MaxBackoff>>uint(attempt) {
		return MaxBackoff
	}
	return base << uint(attempt)
}
