package core

import "time"

// Config defines the rate limiting policy
type Config struct {
	Capacity     float64 // Maximum tokens (burst size)
	RefillPerSec float64 // Tokens added per second
}

// BucketState represents the current state of a token bucket
type BucketState struct {
	Tokens       float64   // Current tokens available
	LastRefillAt time.Time // Last time tokens were refilled
}

// CheckResult contains the result of a rate limit check
type CheckResult struct {
	Allowed      bool    // Whether the tokens were consumed
	Remaining    float64 // Tokens remaining after this request
	RetryAfterMs int64   // Milliseconds until the request could succeed (if blocked)
	Limit        float64 // Total capacity
}

// Record is a cached response stored under an idempotency key.
type Record struct {
	StatusCode int               `json:"status_code"`
	Headers    map[string]string `json:"headers"`
	Body       []byte            `json:"body"`
	CachedAt   time.Time         `json:"cached_at"`
}

// RequestMeta is the opaque metadata held by an idempotency lock.
type RequestMeta struct {
	BodyHash  string    `json:"body_hash"`
	Method    string    `json:"method"`
	URL       string    `json:"url"`
	Timestamp time.Time `json:"timestamp"`
}
