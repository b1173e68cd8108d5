package queue

import "errors"

var (
	// ErrInvalidJob is returned when a job is nil or has no type
	ErrInvalidJob = errors.New("invalid job")

	// ErrJobNotFound is returned when no record exists for a job id
	ErrJobNotFound = errors.New("job not found")

	// ErrNoHandler is recorded on jobs whose type has no registered handler
	ErrNoHandler = errors.New("no handler registered for job type")

	// ErrHandlerPanic wraps a panic recovered from a job handler
	ErrHandlerPanic = errors.New("job handler panicked")
)
