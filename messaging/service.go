package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/glimte/mmate-dispatch/contracts"
)

const tracerName = "github.com/glimte/mmate-dispatch/messaging"

type serviceState int

const (
	stateIdle serviceState = iota
	stateRunning
	stateStopping
)

// Service owns the handler registry, the stats collector and the worker pool
// that drains each registered type's queue through the adapter.
type Service struct {
	adapter  QueueAdapter
	registry *HandlerRegistry
	stats    *StatsCollector
	config   serviceConfig
	logger   *slog.Logger
	metrics  MetricsRecorder
	tracer   trace.Tracer

	mu      sync.Mutex
	state   serviceState
	stop    context.CancelFunc
	abandon context.CancelFunc
	done    chan struct{}
	workers []*worker
}

// NewService creates a stopped service on top of adapter
func NewService(adapter QueueAdapter, options ...ServiceOption) (*Service, error) {
	if adapter == nil {
		return nil, fmt.Errorf("queue adapter cannot be nil")
	}

	config := defaultServiceConfig()
	for _, opt := range options {
		opt(&config)
	}
	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid service configuration: %w", err)
	}

	return &Service{
		adapter: adapter,
		registry: NewHandlerRegistry(
			WithRegistryLogger(config.logger),
			WithRegistryMiddleware(config.middleware...),
		),
		stats:   NewStatsCollector(),
		config:  config,
		logger:  config.logger,
		metrics: config.metrics,
		tracer:  config.tracerProvider.Tracer(tracerName),
	}, nil
}

// RegisterHandler registers the handler pair for typeID. Types registered
// while the service runs get workers on the next Start.
func (s *Service) RegisterHandler(typeID string, process ProcessFunc, onException ExceptionFunc, options ...HandlerOption) error {
	if err := s.registry.Register(typeID, process, onException, options...); err != nil {
		return err
	}

	if s.Running() {
		s.logger.Warn("handler registered while running, workers start on next Start",
			"messageType", typeID)
	}
	return nil
}

// UnregisterHandler removes a handler. Messages of that type still queued
// are dead-lettered by running workers.
func (s *Service) UnregisterHandler(typeID string) error {
	return s.registry.Unregister(typeID)
}

// Registry returns the handler registry
func (s *Service) Registry() *HandlerRegistry {
	return s.registry
}

// Start spawns the workers of every registered type and returns once they
// all run. ctx only bounds start-up; the workers live until Stop.
func (s *Service) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != stateIdle {
		return ErrAlreadyRunning
	}

	base := context.WithoutCancel(ctx)
	stopCtx, stop := context.WithCancel(base)
	workCtx, abandon := context.WithCancel(base)

	var workers []*worker
	for _, typeID := range s.registry.Types() {
		reg, err := s.registry.Lookup(typeID)
		if err != nil {
			continue
		}
		for i := 0; i < s.workerCount(reg); i++ {
			workers = append(workers, newWorker(s, typeID, i, reg.Options.Queue))
		}
	}

	var ready, running sync.WaitGroup
	ready.Add(len(workers))
	running.Add(len(workers))
	for _, w := range workers {
		w := w
		go func() {
			defer running.Done()
			w.run(stopCtx, workCtx, &ready)
		}()
	}
	ready.Wait()

	done := make(chan struct{})
	go func() {
		running.Wait()
		close(done)
	}()

	s.state = stateRunning
	s.stop = stop
	s.abandon = abandon
	s.done = done
	s.workers = workers

	s.logger.Info("dispatch service started",
		"types", len(s.registry.Types()),
		"workers", len(workers),
	)

	return nil
}

// Stop signals every worker to finish its current message and waits for
// them up to the drain timeout or until ctx ends, whichever comes first.
// Workers still busy after that are abandoned: their handler context is
// cancelled and their messages are left unacknowledged for redelivery.
// Stop on a stopped service is a no-op.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.state != stateRunning {
		s.mu.Unlock()
		return nil
	}
	s.state = stateStopping
	stop, abandon, done, workers := s.stop, s.abandon, s.done, s.workers
	s.mu.Unlock()

	s.logger.Info("stopping dispatch service",
		"workers", len(workers),
		"drainTimeout", s.config.drainTimeout,
	)

	for _, w := range workers {
		w.markStopping()
	}
	stop()

	timer := time.NewTimer(s.config.drainTimeout)
	defer timer.Stop()

	var drainErr error
	select {
	case <-done:
	case <-timer.C:
		n := abandonWorkers(workers)
		drainErr = fmt.Errorf("%w: abandoned %d workers after %v", ErrDrainTimeout, n, s.config.drainTimeout)
	case <-ctx.Done():
		n := abandonWorkers(workers)
		drainErr = fmt.Errorf("%w: abandoned %d workers: %w", ErrDrainTimeout, n, ctx.Err())
	}
	abandon()

	errs := []error{drainErr}
	for _, w := range workers {
		if err := w.fatalErr(); err != nil {
			errs = append(errs, err)
		}
	}

	s.mu.Lock()
	s.state = stateIdle
	s.mu.Unlock()

	if drainErr != nil {
		s.logger.Warn("dispatch service stopped with abandoned work", "error", drainErr)
	} else {
		s.logger.Info("dispatch service stopped")
	}

	return errors.Join(errs...)
}

// Running reports whether the service is started and not stopping
func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == stateRunning
}

// Workers describes the workers of the current or most recent run
func (s *Service) Workers() []WorkerDescriptor {
	s.mu.Lock()
	workers := s.workers
	s.mu.Unlock()

	descriptors := make([]WorkerDescriptor, 0, len(workers))
	for _, w := range workers {
		descriptors = append(descriptors, w.descriptor())
	}
	return descriptors
}

// GetStats returns a snapshot of the counters. Registered types that have
// not processed anything yet appear with zero counts.
func (s *Service) GetStats() StatsSnapshot {
	snapshot := s.stats.Snapshot()
	for _, typeID := range s.registry.Types() {
		if _, ok := snapshot[typeID]; !ok {
			snapshot[typeID] = TypeStats{}
		}
	}
	return snapshot
}

// ResetStats zeroes all counters
func (s *Service) ResetStats() {
	s.stats.Reset()
	s.logger.Info("dispatch stats reset")
}

// Publish wraps body in a new envelope and enqueues it on the queue of typeID
func (s *Service) Publish(ctx context.Context, typeID string, body any, options ...contracts.EnvelopeOption) (*contracts.Envelope, error) {
	env, err := contracts.NewEnvelope(typeID, body, options...)
	if err != nil {
		return nil, err
	}

	queue := s.queueFor(typeID)
	env.Queue = queue
	if err := s.adapter.Enqueue(ctx, queue, env); err != nil {
		return nil, contracts.NewTransportError("enqueue", queue, err)
	}

	s.logger.Debug("message published",
		"messageType", typeID,
		"messageId", env.ID,
		"queue", queue,
	)
	return env, nil
}

// Redrive moves up to limit dead-lettered messages of typeID back onto its
// queue with a fresh retry budget. A limit <= 0 moves everything.
func (s *Service) Redrive(ctx context.Context, typeID string, limit int) (int, error) {
	source, ok := s.adapter.(DeadLetterSource)
	if !ok {
		return 0, ErrRedriveUnsupported
	}

	queue := s.queueFor(typeID)
	dlq := source.DeadLetterQueue(queue)
	if dlq == "" {
		return 0, ErrRedriveUnsupported
	}

	moved := 0
	for limit <= 0 || moved < limit {
		env, err := s.adapter.Dequeue(ctx, dlq, 0)
		if err != nil {
			return moved, contracts.NewTransportError("dequeue", dlq, err)
		}
		if env == nil {
			break
		}

		fresh := env.Clone()
		fresh.RetryCount = 0
		fresh.LastError = ""
		fresh.Queue = queue
		delete(fresh.Headers, contracts.HeaderOriginalQueue)
		delete(fresh.Headers, contracts.HeaderDeadLetteredAt)
		delete(fresh.Headers, contracts.HeaderLastError)
		delete(fresh.Headers, contracts.HeaderRetryCount)

		if err := s.adapter.Enqueue(ctx, queue, fresh); err != nil {
			return moved, contracts.NewTransportError("enqueue", queue, err)
		}
		if err := s.adapter.Acknowledge(ctx, dlq, env); err != nil {
			return moved, contracts.NewTransportError("ack", dlq, err)
		}
		moved++
	}

	s.logger.Info("redrove dead-lettered messages",
		"messageType", typeID,
		"queue", queue,
		"deadLetterQueue", dlq,
		"count", moved,
	)
	return moved, nil
}

func (s *Service) queueFor(typeID string) string {
	if reg, err := s.registry.Lookup(typeID); err == nil {
		return reg.Options.Queue
	}
	return DefaultQueueName(typeID)
}

// workerCount resolves the worker count of a type: service option, then
// handler option, then the service default
func (s *Service) workerCount(reg Registration) int {
	if n, ok := s.config.workerCounts[reg.TypeID]; ok {
		return n
	}
	if reg.Options.Concurrency > 0 {
		return reg.Options.Concurrency
	}
	return s.config.defaultWorkers
}

func abandonWorkers(workers []*worker) int {
	n := 0
	for _, w := range workers {
		if w.markAbandoned() {
			n++
		}
	}
	return n
}
