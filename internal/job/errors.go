package job

import "errors"

var (
	// ErrInvalidInput is returned when an upload fails precondition
	// checks (empty, too large, disallowed format) before any side
	// effect occurs.
	ErrInvalidInput = errors.New("invalid input")

	// ErrJobNotFound is returned when no record exists for an identity
	ErrJobNotFound = errors.New("job not found")

	// ErrPoolExhausted is returned when no engine handle frees up
	// within the acquisition deadline. Retryable.
	ErrPoolExhausted = errors.New("engine pool exhausted")

	// ErrMaxRetriesExceeded marks a job routed to the poison queue
	ErrMaxRetriesExceeded = errors.New("max retries exceeded")
)

// RetryableError wraps transient failures that should put the message
// back on the queue for another delivery attempt.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return "retryable error: " + e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryableError creates a new retryable error
func NewRetryableError(err error) error {
	return &RetryableError{Err: err}
}
