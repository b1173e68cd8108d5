package idempotency

import "errors"

var (
	// ErrEmptyKey is returned when an operation is given an empty idempotency key
	ErrEmptyKey = errors.New("idempotency key cannot be empty")

	// ErrCorruptRecord is returned when a stored record or lock cannot be decoded
	ErrCorruptRecord = errors.New("corrupt idempotency record")
)
