package reliability

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNonRetryable can be wrapped to stop Retry immediately
	ErrNonRetryable = errors.New("retry: error is not retryable")
)

// RetryError is returned when a policy gives up on a retryable failure
type RetryError struct {
	Op          string
	Attempts    int
	MaxAttempts int
	LastError   error
	Duration    time.Duration
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("retry failed: %s after %d/%d attempts over %v: %v",
		e.Op, e.Attempts, e.MaxAttempts, e.Duration.Round(time.Millisecond), e.LastError)
}

func (e *RetryError) Unwrap() error {
	return e.LastError
}
