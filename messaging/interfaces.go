package messaging

import (
	"time"
)

// MetricsRecorder receives dispatch events for an external metrics system.
// It runs on worker goroutines and must not block.
type MetricsRecorder interface {
	// RecordOutcome records one outcome of a handler attempt
	RecordOutcome(typeID string, outcome Outcome, duration time.Duration)

	// WorkerStarted and WorkerStopped track live workers per type
	WorkerStarted(typeID string)
	WorkerStopped(typeID string)

	// RecordTransportError records an adapter failure that exhausted its retries
	RecordTransportError(op string)
}

// NoOpMetricsRecorder is a no-op implementation of MetricsRecorder
type NoOpMetricsRecorder struct{}

func (NoOpMetricsRecorder) RecordOutcome(string, Outcome, time.Duration) {}
func (NoOpMetricsRecorder) WorkerStarted(string)                         {}
func (NoOpMetricsRecorder) WorkerStopped(string)                         {}
func (NoOpMetricsRecorder) RecordTransportError(string)                  {}
