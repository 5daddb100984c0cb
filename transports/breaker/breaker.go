// Package breaker wraps a queue adapter in a circuit breaker so that a dead
// backend fails fast instead of stalling every worker in retries.
package breaker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"

	"github.com/glimte/mmate-dispatch/contracts"
	"github.com/glimte/mmate-dispatch/messaging"
)

var (
	// ErrOpen is returned while the breaker rejects calls
	ErrOpen = errors.New("breaker: queue adapter circuit open")
	// ErrInspectUnsupported is returned by Depth when the wrapped adapter cannot count messages
	ErrInspectUnsupported = errors.New("breaker: wrapped adapter cannot report queue depth")
)

// Settings configures the breaker
type Settings struct {
	Name string
	// MinRequests is the request volume needed before the ratio is evaluated
	MinRequests uint32
	// FailureRatio trips the breaker once reached
	FailureRatio float64
	// Interval is the window after which closed-state counts reset
	Interval time.Duration
	// OpenTimeout is how long the breaker stays open before probing
	OpenTimeout time.Duration
	// HalfOpenRequests is how many probes may run while half-open
	HalfOpenRequests uint32
	Logger           *slog.Logger
	// OnStateChange is called after every transition
	OnStateChange func(from, to gobreaker.State)
}

// DefaultSettings returns the breaker defaults
func DefaultSettings() Settings {
	return Settings{
		Name:             "queue-adapter",
		MinRequests:      10,
		FailureRatio:     0.5,
		Interval:         time.Minute,
		OpenTimeout:      5 * time.Second,
		HalfOpenRequests: 1,
		Logger:           slog.Default(),
	}
}

// Adapter is a messaging.QueueAdapter guarded by a circuit breaker
type Adapter struct {
	inner messaging.QueueAdapter
	cb    *gobreaker.CircuitBreaker
}

// Wrap guards inner with a breaker built from s
func Wrap(inner messaging.QueueAdapter, s Settings) *Adapter {
	if s.Logger == nil {
		s.Logger = slog.Default()
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        s.Name,
		MaxRequests: s.HalfOpenRequests,
		Interval:    s.Interval,
		Timeout:     s.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < s.MinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= s.FailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			s.Logger.Warn("queue adapter circuit breaker state changed",
				"breaker", name,
				"from", from.String(),
				"to", to.String())
			if s.OnStateChange != nil {
				s.OnStateChange(from, to)
			}
		},
		IsSuccessful: isSuccessful,
	})

	return &Adapter{inner: inner, cb: cb}
}

// State returns the breaker state
func (a *Adapter) State() gobreaker.State {
	return a.cb.State()
}

// Enqueue implements messaging.QueueAdapter
func (a *Adapter) Enqueue(ctx context.Context, queue string, env *contracts.Envelope) error {
	return a.run("enqueue", queue, func() error {
		return a.inner.Enqueue(ctx, queue, env)
	})
}

// Dequeue implements messaging.QueueAdapter. An empty poll counts as success.
func (a *Adapter) Dequeue(ctx context.Context, queue string, timeout time.Duration) (*contracts.Envelope, error) {
	var env *contracts.Envelope
	err := a.run("dequeue", queue, func() error {
		var err error
		env, err = a.inner.Dequeue(ctx, queue, timeout)
		return err
	})
	return env, err
}

// Acknowledge implements messaging.QueueAdapter
func (a *Adapter) Acknowledge(ctx context.Context, queue string, env *contracts.Envelope) error {
	return a.run("ack", queue, func() error {
		return a.inner.Acknowledge(ctx, queue, env)
	})
}

// MoveToDeadLetter implements messaging.QueueAdapter
func (a *Adapter) MoveToDeadLetter(ctx context.Context, env *contracts.Envelope) error {
	return a.run("dead-letter", env.Queue, func() error {
		return a.inner.MoveToDeadLetter(ctx, env)
	})
}

// EnqueueAfter implements messaging.DelayedEnqueuer when the wrapped adapter
// does; otherwise it enqueues immediately
func (a *Adapter) EnqueueAfter(ctx context.Context, queue string, env *contracts.Envelope, delay time.Duration) error {
	delayed, ok := a.inner.(messaging.DelayedEnqueuer)
	if !ok {
		return a.Enqueue(ctx, queue, env)
	}
	return a.run("enqueue", queue, func() error {
		return delayed.EnqueueAfter(ctx, queue, env, delay)
	})
}

// DeadLetterQueue implements messaging.DeadLetterSource when the wrapped
// adapter does
func (a *Adapter) DeadLetterQueue(queue string) string {
	if source, ok := a.inner.(messaging.DeadLetterSource); ok {
		return source.DeadLetterQueue(queue)
	}
	return ""
}

// Depth implements messaging.QueueInspector when the wrapped adapter does.
// Inspection bypasses the breaker.
func (a *Adapter) Depth(ctx context.Context, queue string) (int, error) {
	inspector, ok := a.inner.(messaging.QueueInspector)
	if !ok {
		return 0, ErrInspectUnsupported
	}
	return inspector.Depth(ctx, queue)
}

// Ping probes the wrapped adapter when it supports probing. Probes bypass
// the breaker and do not count towards it.
func (a *Adapter) Ping(ctx context.Context) error {
	if p, ok := a.inner.(interface{ Ping(context.Context) error }); ok {
		return p.Ping(ctx)
	}
	return nil
}

// Unwrap returns the guarded adapter
func (a *Adapter) Unwrap() messaging.QueueAdapter {
	return a.inner
}

func (a *Adapter) run(op, queue string, fn func() error) error {
	_, err := a.cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return contracts.NewTransportError(op, queue, errors.Join(ErrOpen, err))
	}
	return err
}

// isSuccessful keeps caller mistakes and cancellations from tripping the breaker
func isSuccessful(err error) bool {
	return err == nil ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, contracts.ErrUnknownReceipt) ||
		errors.Is(err, contracts.ErrInvalidEnvelope)
}
