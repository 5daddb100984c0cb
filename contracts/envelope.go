package contracts

import (
	"encoding/json"
	"fmt"
	"maps"
	"time"

	"github.com/google/uuid"
)

// Header keys stamped on envelopes by adapters when they move them around.
const (
	HeaderMessageType    = "x-message-type"
	HeaderRetryCount     = "x-retry-count"
	HeaderLastError      = "x-last-error"
	HeaderOriginalQueue  = "x-original-queue"
	HeaderDeadLetteredAt = "x-dead-lettered-at"
)

// Envelope wraps a message for transport through a queue
type Envelope struct {
	ID            string            `json:"id"`
	Type          string            `json:"type"`
	Timestamp     time.Time         `json:"timestamp"`
	CorrelationID string            `json:"correlationId,omitempty"`
	Queue         string            `json:"queue,omitempty"`
	RetryCount    int               `json:"retryCount"`
	LastError     string            `json:"lastError,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
	Body          json.RawMessage   `json:"body"`

	// Receipt is the delivery handle of the adapter that dequeued the
	// envelope. It never leaves the process.
	Receipt any `json:"-"`
}

// EnvelopeOption configures envelope creation
type EnvelopeOption func(*Envelope)

// WithEnvelopeID sets a custom envelope ID
func WithEnvelopeID(id string) EnvelopeOption {
	return func(e *Envelope) {
		e.ID = id
	}
}

// WithCorrelationID sets the correlation ID
func WithCorrelationID(id string) EnvelopeOption {
	return func(e *Envelope) {
		e.CorrelationID = id
	}
}

// WithHeaders merges custom headers into the envelope
func WithHeaders(headers map[string]string) EnvelopeOption {
	return func(e *Envelope) {
		if e.Headers == nil {
			e.Headers = make(map[string]string, len(headers))
		}
		maps.Copy(e.Headers, headers)
	}
}

// WithTimestamp overrides the creation time
func WithTimestamp(ts time.Time) EnvelopeOption {
	return func(e *Envelope) {
		e.Timestamp = ts.UTC()
	}
}

// NewEnvelope creates an envelope of the given type around body.
// A json.RawMessage body is used verbatim; anything else is marshalled.
func NewEnvelope(typeID string, body any, opts ...EnvelopeOption) (*Envelope, error) {
	if typeID == "" {
		return nil, fmt.Errorf("%w: message type cannot be empty", ErrInvalidEnvelope)
	}

	var payload json.RawMessage
	switch b := body.(type) {
	case json.RawMessage:
		if !json.Valid(b) {
			return nil, fmt.Errorf("%w: body is not valid JSON", ErrInvalidEnvelope)
		}
		payload = b
	default:
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s body: %w", typeID, err)
		}
		payload = data
	}

	env := &Envelope{
		ID:        uuid.New().String(),
		Type:      typeID,
		Timestamp: time.Now().UTC(),
		Headers:   map[string]string{HeaderMessageType: typeID},
		Body:      payload,
	}

	for _, opt := range opts {
		opt(env)
	}

	return env, nil
}

// Decode unmarshals the body into v
func (e *Envelope) Decode(v any) error {
	if len(e.Body) == 0 {
		return fmt.Errorf("%w: envelope %s has no body", ErrInvalidEnvelope, e.ID)
	}
	if err := json.Unmarshal(e.Body, v); err != nil {
		return fmt.Errorf("failed to decode %s body: %w", e.Type, err)
	}
	return nil
}

// Clone returns a deep copy without the delivery receipt
func (e *Envelope) Clone() *Envelope {
	c := *e
	c.Receipt = nil
	if e.Headers != nil {
		c.Headers = maps.Clone(e.Headers)
	}
	if e.Body != nil {
		c.Body = append(json.RawMessage(nil), e.Body...)
	}
	return &c
}

// NextAttempt returns the copy that goes back on the queue after a failed
// attempt. The receiver is left untouched.
func (e *Envelope) NextAttempt(cause error) *Envelope {
	next := e.Clone()
	next.RetryCount++
	if cause != nil {
		next.LastError = cause.Error()
	}
	return next
}

// Encode returns the persisted form of the envelope
func (e *Envelope) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to encode envelope %s: %w", e.ID, err)
	}
	return data, nil
}

// DecodeEnvelope parses the persisted form produced by Encode
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if env.ID == "" || env.Type == "" {
		return nil, fmt.Errorf("%w: missing id or type", ErrInvalidEnvelope)
	}
	return &env, nil
}
