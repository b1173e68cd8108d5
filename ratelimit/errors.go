package ratelimit

import "errors"

var (
	// ErrInvalidConfig is returned when configuration is invalid
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrNegativeCapacity is returned when bucket capacity is not positive
	ErrNegativeCapacity = errors.New("bucket capacity must be positive")

	// ErrNegativeRefillRate is returned when refill rate is not positive
	ErrNegativeRefillRate = errors.New("refill rate must be positive")

	// ErrInvalidKey is returned when the rate limit identifier is empty
	ErrInvalidKey = errors.New("rate limit key cannot be empty")

	// ErrInvalidTokens is returned when a caller asks for zero or fewer tokens
	ErrInvalidTokens = errors.New("token count must be positive")

	// ErrKeyExtractionFailed is returned when key extraction from request fails
	ErrKeyExtractionFailed = errors.New("failed to extract key from request")
)
