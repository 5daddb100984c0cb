// Package memory provides an in-process queue adapter. It keeps envelopes in
// their encoded form so consumers never share memory with producers, which
// makes it a faithful stand-in for a real backend in tests and local runs.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/glimte/mmate-dispatch/contracts"
)

// DeadLetterSuffix is appended to a queue name to form its dead-letter queue
const DeadLetterSuffix = ".dlq"

type inflight struct {
	queue string
	data  []byte
}

// Adapter is a mutex guarded set of FIFO queues
type Adapter struct {
	mu       sync.Mutex
	queues   map[string][][]byte
	inflight map[string]inflight
	wake     chan struct{}
	timers   map[*time.Timer]struct{}
	seq      uint64
	closed   bool
	logger   *slog.Logger
}

// Option configures the Adapter
type Option func(*Adapter)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(a *Adapter) {
		a.logger = logger
	}
}

// New creates an empty adapter
func New(options ...Option) *Adapter {
	a := &Adapter{
		queues:   make(map[string][][]byte),
		inflight: make(map[string]inflight),
		wake:     make(chan struct{}),
		timers:   make(map[*time.Timer]struct{}),
		logger:   slog.Default(),
	}

	for _, opt := range options {
		opt(a)
	}

	return a
}

// Enqueue implements messaging.QueueAdapter
func (a *Adapter) Enqueue(ctx context.Context, queue string, env *contracts.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := env.Encode()
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return contracts.ErrAdapterClosed
	}
	a.pushLocked(queue, data)
	return nil
}

// EnqueueAfter implements messaging.DelayedEnqueuer
func (a *Adapter) EnqueueAfter(ctx context.Context, queue string, env *contracts.Envelope, delay time.Duration) error {
	if delay <= 0 {
		return a.Enqueue(ctx, queue, env)
	}
	data, err := env.Encode()
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return contracts.ErrAdapterClosed
	}

	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		a.mu.Lock()
		defer a.mu.Unlock()

		delete(a.timers, timer)
		if !a.closed {
			a.pushLocked(queue, data)
		}
	})
	a.timers[timer] = struct{}{}
	return nil
}

// Dequeue implements messaging.QueueAdapter
func (a *Adapter) Dequeue(ctx context.Context, queue string, timeout time.Duration) (*contracts.Envelope, error) {
	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		a.mu.Lock()
		if a.closed {
			a.mu.Unlock()
			return nil, contracts.ErrAdapterClosed
		}
		if data, ok := a.popLocked(queue); ok {
			env, err := contracts.DecodeEnvelope(data)
			if err != nil {
				a.pushLocked(a.DeadLetterQueue(queue), data)
				a.mu.Unlock()
				a.logger.Error("undecodable message dead-lettered", "queue", queue, "error", err)
				continue
			}

			a.seq++
			receipt := strconv.FormatUint(a.seq, 10)
			a.inflight[receipt] = inflight{queue: queue, data: data}
			a.mu.Unlock()

			env.Receipt = receipt
			return env, nil
		}
		wake := a.wake
		a.mu.Unlock()

		if deadline == nil {
			return nil, nil
		}

		select {
		case <-wake:
		case <-deadline:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Acknowledge implements messaging.QueueAdapter
func (a *Adapter) Acknowledge(ctx context.Context, queue string, env *contracts.Envelope) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	_, err := a.takeLocked(env)
	return err
}

// MoveToDeadLetter implements messaging.QueueAdapter
func (a *Adapter) MoveToDeadLetter(ctx context.Context, env *contracts.Envelope) error {
	dead := env.Clone()
	if dead.Headers == nil {
		dead.Headers = make(map[string]string)
	}
	dead.Headers[contracts.HeaderDeadLetteredAt] = time.Now().UTC().Format(time.RFC3339Nano)

	a.mu.Lock()
	defer a.mu.Unlock()

	entry, err := a.takeLocked(env)
	if err != nil {
		return err
	}
	dead.Headers[contracts.HeaderOriginalQueue] = entry.queue

	data, err := dead.Encode()
	if err != nil {
		return err
	}
	a.pushLocked(a.DeadLetterQueue(entry.queue), data)

	a.logger.Debug("message dead-lettered", "messageId", env.ID, "queue", entry.queue)
	return nil
}

// DeadLetterQueue implements messaging.DeadLetterSource
func (a *Adapter) DeadLetterQueue(queue string) string {
	return queue + DeadLetterSuffix
}

// Len returns the number of ready envelopes in queue
func (a *Adapter) Len(queue string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.queues[queue])
}

// Depth implements messaging.QueueInspector
func (a *Adapter) Depth(ctx context.Context, queue string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return a.Len(queue), nil
}

// InFlight returns the number of dequeued, unacknowledged envelopes
func (a *Adapter) InFlight() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.inflight)
}

// Pending returns the number of delayed envelopes not yet visible
func (a *Adapter) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.timers)
}

// Peek decodes the ready envelopes of queue without dequeuing them
func (a *Adapter) Peek(queue string) []*contracts.Envelope {
	a.mu.Lock()
	items := append([][]byte(nil), a.queues[queue]...)
	a.mu.Unlock()

	envs := make([]*contracts.Envelope, 0, len(items))
	for _, data := range items {
		if env, err := contracts.DecodeEnvelope(data); err == nil {
			envs = append(envs, env)
		}
	}
	return envs
}

// DeadLetters returns the dead-lettered envelopes of queue
func (a *Adapter) DeadLetters(queue string) []*contracts.Envelope {
	return a.Peek(a.DeadLetterQueue(queue))
}

// Close drops pending delayed envelopes and fails further calls
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil
	}
	a.closed = true
	for timer := range a.timers {
		timer.Stop()
	}
	a.timers = nil
	close(a.wake)
	return nil
}

func (a *Adapter) pushLocked(queue string, data []byte) {
	a.queues[queue] = append(a.queues[queue], data)

	// wake every blocked consumer; losers go back to waiting
	close(a.wake)
	a.wake = make(chan struct{})
}

func (a *Adapter) popLocked(queue string) ([]byte, bool) {
	items := a.queues[queue]
	if len(items) == 0 {
		return nil, false
	}
	data := items[0]
	items[0] = nil
	a.queues[queue] = items[1:]
	return data, true
}

func (a *Adapter) takeLocked(env *contracts.Envelope) (inflight, error) {
	receipt, ok := env.Receipt.(string)
	if !ok {
		return inflight{}, fmt.Errorf("%w: envelope %s", contracts.ErrUnknownReceipt, env.ID)
	}
	entry, ok := a.inflight[receipt]
	if !ok {
		return inflight{}, fmt.Errorf("%w: %s", contracts.ErrUnknownReceipt, receipt)
	}
	delete(a.inflight, receipt)
	return entry, nil
}
