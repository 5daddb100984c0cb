package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/glimte/mmate-dispatch/contracts"
	"github.com/glimte/mmate-dispatch/internal/reliability"
)

// UnknownMessageType is the stats key for envelopes that carry no type.
// Built-in adapters reject such envelopes while decoding, so only custom
// QueueAdapter implementations can deliver one.
const UnknownMessageType = "<unknown>"

// WorkerState is the activity of one worker
type WorkerState int

const (
	WorkerIdle WorkerState = iota
	WorkerProcessing
	WorkerStopping
	WorkerStopped
)

func (s WorkerState) String() string {
	switch s {
	case WorkerIdle:
		return "idle"
	case WorkerProcessing:
		return "processing"
	case WorkerStopping:
		return "stopping"
	case WorkerStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// MarshalText renders the state by name
func (s WorkerState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// WorkerDescriptor is a read-only view of a worker
type WorkerDescriptor struct {
	TypeID string
	Index  int
	Queue  string
	State  WorkerState
	// Err is the transport failure that stopped the worker, if any
	Err error
}

// worker runs the dispatch loop for one queue
type worker struct {
	svc    *Service
	typeID string
	index  int
	queue  string
	logger *slog.Logger

	mu        sync.Mutex
	state     WorkerState
	stopping  bool
	abandoned bool
	err       error
}

func newWorker(svc *Service, typeID string, index int, queue string) *worker {
	return &worker{
		svc:    svc,
		typeID: typeID,
		index:  index,
		queue:  queue,
		logger: svc.logger.With("messageType", typeID, "queue", queue, "worker", index),
	}
}

// run loops until stopCtx is cancelled or the adapter fails for good.
// stopCtx guards the dequeue; workCtx is handed to handlers and adapter
// calls for messages already taken, and only ends when Stop gives up.
func (w *worker) run(stopCtx, workCtx context.Context, ready *sync.WaitGroup) {
	w.svc.metrics.WorkerStarted(w.typeID)
	defer w.svc.metrics.WorkerStopped(w.typeID)
	defer w.setState(WorkerStopped)

	ready.Done()
	w.logger.Debug("worker started")

	for {
		if stopCtx.Err() != nil {
			w.logger.Debug("worker stopped")
			return
		}

		env, err := w.dequeue(stopCtx)
		if err != nil {
			if stopCtx.Err() != nil {
				return
			}
			w.fail(err)
			return
		}
		if env == nil {
			continue
		}

		// a message taken before stop is still processed to completion
		if err := w.dispatch(stopCtx, workCtx, env); err != nil {
			if workCtx.Err() != nil {
				return
			}
			w.fail(err)
			return
		}
	}
}

func (w *worker) dequeue(ctx context.Context) (*contracts.Envelope, error) {
	var env *contracts.Envelope
	err := w.withTransportRetry(ctx, "dequeue", func(ctx context.Context) error {
		var err error
		env, err = w.svc.adapter.Dequeue(ctx, w.queue, w.svc.config.dequeueTimeout)
		return err
	})
	return env, err
}

// dispatch runs one envelope through lookup, handler and the
// ack/requeue/dead-letter decision. Only adapter failures are returned.
func (w *worker) dispatch(stopCtx, workCtx context.Context, env *contracts.Envelope) error {
	env.Queue = w.queue
	logger := w.logger.With("messageId", env.ID, "messageType", env.Type, "retryCount", env.RetryCount)

	reg, lookupErr := w.svc.registry.Lookup(env.Type)
	if lookupErr != nil {
		logger.Warn("no handler registered, dead-lettering message")
		if err := w.deadLetter(workCtx, env, lookupErr); err != nil {
			w.record(env.Type, 0, OutcomeFailed)
			return err
		}
		w.record(env.Type, 0, OutcomeFailed, OutcomeDeadLettered)
		return nil
	}

	if reg.limiter != nil {
		if err := reg.limiter.Wait(workCtx); err != nil {
			return err
		}
	}

	if !w.begin() {
		// abandoned by Stop; the adapter redelivers the message later
		return nil
	}
	start := time.Now()
	procErr := w.invoke(workCtx, reg, env)
	elapsed := time.Since(start)
	if !w.finish() {
		// Stop gave up on this handler; leave the message unacknowledged
		logger.Warn("handler returned after the worker was abandoned", "duration", elapsed, "error", procErr)
		return nil
	}

	if procErr == nil {
		if err := w.withTransportRetry(workCtx, "ack", func(ctx context.Context) error {
			return w.svc.adapter.Acknowledge(ctx, w.queue, env)
		}); err != nil {
			return err
		}
		w.record(env.Type, elapsed, OutcomeSucceeded)
		logger.Debug("message processed", "duration", elapsed)
		return nil
	}

	perr := &ProcessingError{
		TypeID:    env.Type,
		MessageID: env.ID,
		Attempt:   env.RetryCount + 1,
		Permanent: IsPermanent(procErr),
		Err:       procErr,
	}
	logger.Warn("message processing failed", "attempt", perr.Attempt, "error", procErr)
	w.notifyException(workCtx, reg, perr, env)

	if !perr.Permanent && env.RetryCount < w.svc.config.maxRetries {
		err := w.requeue(stopCtx, workCtx, env, env.NextAttempt(procErr))
		w.record(env.Type, elapsed, OutcomeFailed)
		return err
	}

	if err := w.deadLetter(workCtx, env, procErr); err != nil {
		w.record(env.Type, elapsed, OutcomeFailed)
		return err
	}
	w.record(env.Type, elapsed, OutcomeFailed, OutcomeDeadLettered)
	logger.Error("message dead-lettered",
		"attempts", perr.Attempt,
		"permanent", perr.Permanent,
		"error", procErr,
	)
	return nil
}

// invoke calls the handler inside a span and turns panics into errors
func (w *worker) invoke(ctx context.Context, reg Registration, env *contracts.Envelope) (err error) {
	ctx, span := w.svc.tracer.Start(ctx, "dispatch "+env.Type,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.message.id", env.ID),
			attribute.String("messaging.destination.name", w.queue),
			attribute.String("mmate.message_type", env.Type),
			attribute.Int("mmate.retry_count", env.RetryCount),
		),
	)
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	return reg.Process(ctx, env.Clone())
}

func (w *worker) notifyException(ctx context.Context, reg Registration, perr *ProcessingError, env *contracts.Envelope) {
	if reg.OnException == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("exception handler panicked", "messageId", env.ID, "panic", r)
		}
	}()

	if err := reg.OnException(ctx, perr, env.Clone()); err != nil {
		w.logger.Error("exception handler failed", "messageId", env.ID, "error", err)
	}
}

// requeue puts next back on the queue and then acknowledges the original.
// Without adapter support for delays the worker waits itself, but stops
// waiting as soon as the service is stopping.
func (w *worker) requeue(stopCtx, workCtx context.Context, env, next *contracts.Envelope) error {
	delay := w.svc.config.retryBackoff.NextDelay(env.RetryCount)

	enqueue := func(ctx context.Context) error {
		return w.svc.adapter.Enqueue(ctx, w.queue, next)
	}
	if delayed, ok := w.svc.adapter.(DelayedEnqueuer); ok && delay > 0 {
		enqueue = func(ctx context.Context) error {
			return delayed.EnqueueAfter(ctx, w.queue, next, delay)
		}
	} else if delay > 0 {
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-stopCtx.Done():
			timer.Stop()
		}
	}

	if err := w.withTransportRetry(workCtx, "requeue", enqueue); err != nil {
		return err
	}
	return w.withTransportRetry(workCtx, "ack", func(ctx context.Context) error {
		return w.svc.adapter.Acknowledge(ctx, w.queue, env)
	})
}

func (w *worker) deadLetter(ctx context.Context, env *contracts.Envelope, cause error) error {
	failed := env.Clone()
	failed.LastError = cause.Error()
	failed.Receipt = env.Receipt

	return w.withTransportRetry(ctx, "dead-letter", func(ctx context.Context) error {
		return w.svc.adapter.MoveToDeadLetter(ctx, failed)
	})
}

// withTransportRetry repeats an adapter call under the transport policy
func (w *worker) withTransportRetry(ctx context.Context, op string, fn func(context.Context) error) error {
	err := reliability.Retry(ctx, w.svc.config.transportPolicy, op,
		func() error { return fn(ctx) },
		reliability.WithOnRetry(func(attempt int, delay time.Duration, err error) {
			w.logger.Warn("transport operation failed, retrying",
				"op", op,
				"attempt", attempt,
				"retryIn", delay,
				"error", err,
			)
		}),
	)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	w.svc.metrics.RecordTransportError(op)
	return contracts.NewTransportError(op, w.queue, err)
}

// record is a no-op once the worker is abandoned so that counters never
// move after Stop returns
func (w *worker) record(typeID string, elapsed time.Duration, outcomes ...Outcome) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.abandoned {
		return
	}

	if typeID == "" {
		typeID = UnknownMessageType
	}
	w.svc.stats.Record(typeID, outcomes...)
	for _, outcome := range outcomes {
		w.svc.metrics.RecordOutcome(typeID, outcome, elapsed)
	}
}

func (w *worker) begin() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.abandoned {
		return false
	}
	w.state = WorkerProcessing
	return true
}

// finish returns the worker to idle after a handler call and reports
// whether the outcome may still be acted on
func (w *worker) finish() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.abandoned {
		return false
	}
	w.state = WorkerIdle
	return true
}

func (w *worker) setState(state WorkerState) {
	w.mu.Lock()
	w.state = state
	w.mu.Unlock()
}

func (w *worker) markStopping() {
	w.mu.Lock()
	w.stopping = true
	w.mu.Unlock()
}

// markAbandoned prevents any further handler invocation and reports
// whether the worker was still alive
func (w *worker) markAbandoned() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.abandoned = true
	return w.state != WorkerStopped
}

func (w *worker) fail(err error) {
	w.mu.Lock()
	w.err = err
	w.mu.Unlock()

	w.logger.Error("worker stopped after transport failure", "error", err)
}

func (w *worker) fatalErr() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

func (w *worker) descriptor() WorkerDescriptor {
	w.mu.Lock()
	defer w.mu.Unlock()

	state := w.state
	if w.stopping && state != WorkerStopped {
		state = WorkerStopping
	}

	return WorkerDescriptor{
		TypeID: w.typeID,
		Index:  w.index,
		Queue:  w.queue,
		State:  state,
		Err:    w.err,
	}
}
