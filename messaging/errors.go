package messaging

import (
	"errors"
	"fmt"
)

var (
	// Registry errors
	ErrNotRegistered     = errors.New("messaging: no handler registered")
	ErrAlreadyRegistered = errors.New("messaging: handler already registered")

	// Lifecycle errors
	ErrAlreadyRunning = errors.New("messaging: service already running")
	ErrNotRunning     = errors.New("messaging: service not running")
	ErrDrainTimeout   = errors.New("messaging: drain timeout exceeded")

	// ErrRedriveUnsupported is returned when the adapter exposes no dead-letter queues
	ErrRedriveUnsupported = errors.New("messaging: adapter does not support redrive")
)

// ProcessingError describes a failed handler attempt
type ProcessingError struct {
	TypeID    string
	MessageID string
	Attempt   int  // 1 for the first delivery
	Permanent bool // handler asked for no further retries
	Err       error
}

func (e *ProcessingError) Error() string {
	return fmt.Sprintf("processing failed: %s message %s attempt %d: %v",
		e.TypeID, e.MessageID, e.Attempt, e.Err)
}

func (e *ProcessingError) Unwrap() error {
	return e.Err
}

type permanentError struct {
	err error
}

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks a handler error as not worth retrying. The message is
// dead-lettered on the first failure.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
