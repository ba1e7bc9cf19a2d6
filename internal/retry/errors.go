package retry

import "errors"

// Retry errors.
var (
	// ErrMaxAttemptsExceeded is returned when every allowed attempt failed.
	ErrMaxAttemptsExceeded = errors.New("maximum retry attempts exceeded")

	// ErrNonRetryable is returned when an attempt failed with an error the
	// policy does not retry.
	ErrNonRetryable = errors.New("error is not retryable")
)
