package rabbitmq

import (
	"errors"
	"fmt"
	"net/url"
	"time"
)

var (
	// Connection errors
	ErrConnectionClosed   = errors.New("rabbitmq: connection is closed")
	ErrConnectionNotReady = errors.New("rabbitmq: connection not ready")
	ErrMaxRetriesExceeded = errors.New("rabbitmq: maximum reconnection attempts exceeded")
	ErrConnectionTimeout  = errors.New("rabbitmq: connection timeout")

	// Channel errors
	ErrChannelPoolClosed     = errors.New("rabbitmq: channel pool is closed")
	ErrChannelPoolExhausted  = errors.New("rabbitmq: channel pool exhausted")
	ErrChannelCreationFailed = errors.New("rabbitmq: failed to create channel")

	// Publish errors
	ErrPublishNotConfirmed = errors.New("rabbitmq: publish not confirmed")

	ErrInvalidConfiguration = errors.New("rabbitmq: invalid configuration")
)

// ConnectionError represents a connection-related error
type ConnectionError struct {
	Op        string    // Operation that failed
	URL       string    // Connection URL (sanitized)
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
	Attempts  int       // Number of attempts made
}

func (e *ConnectionError) Error() string {
	if e.Attempts > 0 {
		return fmt.Sprintf("rabbitmq connection error: %s %s failed after %d attempts: %v", e.Op, e.URL, e.Attempts, e.Err)
	}
	return fmt.Sprintf("rabbitmq connection error: %s %s failed: %v", e.Op, e.URL, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// IsRetryable reports false once the manager has given up reconnecting
func (e *ConnectionError) IsRetryable() bool {
	return !errors.Is(e.Err, ErrMaxRetriesExceeded)
}

// ChannelError represents a channel-related error
type ChannelError struct {
	Op        string    // Operation that failed
	ChannelID string    // Channel identifier
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("rabbitmq channel error: %s on channel %s: %v", e.Op, e.ChannelID, e.Err)
}

func (e *ChannelError) Unwrap() error {
	return e.Err
}

// TopologyError represents a failed queue declaration
type TopologyError struct {
	Component string // queue, binding
	Name      string
	Op        string
	Err       error
	Timestamp time.Time
}

func (e *TopologyError) Error() string {
	return fmt.Sprintf("rabbitmq topology error: failed to %s %s '%s': %v",
		e.Op, e.Component, e.Name, e.Err)
}

func (e *TopologyError) Unwrap() error {
	return e.Err
}

// SanitizeURL hides the password of an AMQP URL
func SanitizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "***"
	}
	return u.Redacted()
}
