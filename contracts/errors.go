package contracts

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidEnvelope is returned for payloads that cannot be an envelope
	ErrInvalidEnvelope = errors.New("contracts: invalid envelope")
	// ErrUnknownReceipt is returned when acknowledging a delivery the adapter does not hold
	ErrUnknownReceipt = errors.New("contracts: unknown delivery receipt")
	// ErrAdapterClosed is returned by adapters after Close
	ErrAdapterClosed = errors.New("contracts: adapter is closed")
)

// TransportError represents a failed queue adapter operation
type TransportError struct {
	Op        string    // Operation that failed (enqueue, dequeue, ack, dead-letter)
	Queue     string    // Queue involved, if any
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
}

// NewTransportError wraps err unless it already is a TransportError
func NewTransportError(op, queue string, err error) error {
	if err == nil {
		return nil
	}
	var te *TransportError
	if errors.As(err, &te) {
		return err
	}
	return &TransportError{Op: op, Queue: queue, Err: err, Timestamp: time.Now()}
}

func (e *TransportError) Error() string {
	if e.Queue == "" {
		return fmt.Sprintf("transport error: %s failed: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("transport error: %s failed on queue %s: %v", e.Op, e.Queue, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether repeating the operation can succeed
func (e *TransportError) IsRetryable() bool {
	switch {
	case errors.Is(e.Err, context.Canceled),
		errors.Is(e.Err, ErrInvalidEnvelope),
		errors.Is(e.Err, ErrUnknownReceipt),
		errors.Is(e.Err, ErrAdapterClosed):
		return false
	}
	return true
}
