package messaging

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/glimte/mmate-dispatch/contracts"
	"github.com/glimte/mmate-dispatch/transports/memory"
)

const waitFor = 2 * time.Second
const tick = 5 * time.Millisecond

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestService(t *testing.T, adapter QueueAdapter, opts ...ServiceOption) *Service {
	t.Helper()
	base := []ServiceOption{
		WithDequeueTimeout(20 * time.Millisecond),
		WithDrainTimeout(2 * time.Second),
		WithTransportRetry(2, time.Millisecond),
		WithLogger(quietLogger()),
	}
	svc, err := NewService(adapter, append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Stop(context.Background()) })
	return svc
}

// plainAdapter hides the optional interfaces of the memory adapter
type plainAdapter struct {
	inner *memory.Adapter
}

func (p plainAdapter) Enqueue(ctx context.Context, q string, env *contracts.Envelope) error {
	return p.inner.Enqueue(ctx, q, env)
}

func (p plainAdapter) Dequeue(ctx context.Context, q string, timeout time.Duration) (*contracts.Envelope, error) {
	return p.inner.Dequeue(ctx, q, timeout)
}

func (p plainAdapter) Acknowledge(ctx context.Context, q string, env *contracts.Envelope) error {
	return p.inner.Acknowledge(ctx, q, env)
}

func (p plainAdapter) MoveToDeadLetter(ctx context.Context, env *contracts.Envelope) error {
	return p.inner.MoveToDeadLetter(ctx, env)
}

// flakyAdapter fails the first dequeueFailures dequeues, or all of them when negative
type flakyAdapter struct {
	plainAdapter
	dequeueFailures int64
	calls           atomic.Int64
}

func (f *flakyAdapter) Dequeue(ctx context.Context, q string, timeout time.Duration) (*contracts.Envelope, error) {
	n := f.calls.Add(1)
	if f.dequeueFailures < 0 || n <= f.dequeueFailures {
		return nil, errors.New("connection reset by peer")
	}
	return f.plainAdapter.Dequeue(ctx, q, timeout)
}

type countingRecorder struct {
	mu       sync.Mutex
	outcomes map[Outcome]int
	started  int
	stopped  int
	errors   map[string]int
}

func newCountingRecorder() *countingRecorder {
	return &countingRecorder{outcomes: map[Outcome]int{}, errors: map[string]int{}}
}

func (r *countingRecorder) RecordOutcome(_ string, o Outcome, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes[o]++
}

func (r *countingRecorder) WorkerStarted(string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started++
}

func (r *countingRecorder) WorkerStopped(string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped++
}

func (r *countingRecorder) RecordTransportError(op string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors[op]++
}

func (r *countingRecorder) snapshot() (map[Outcome]int, int, int, map[string]int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	outcomes := map[Outcome]int{}
	for k, v := range r.outcomes {
		outcomes[k] = v
	}
	errs := map[string]int{}
	for k, v := range r.errors {
		errs[k] = v
	}
	return outcomes, r.started, r.stopped, errs
}

func TestNewService(t *testing.T) {
	t.Run("rejects a nil adapter", func(t *testing.T) {
		_, err := NewService(nil)
		assert.ErrorContains(t, err, "adapter cannot be nil")
	})

	t.Run("rejects invalid configuration", func(t *testing.T) {
		a := memory.New()
		cases := map[string]ServiceOption{
			"zero default workers": WithDefaultWorkerCount(0),
			"zero type workers":    WithWorkerCount("t", 0),
			"negative retries":     WithMaxRetries(-1),
			"zero drain timeout":   WithDrainTimeout(0),
			"zero dequeue timeout": WithDequeueTimeout(0),
		}
		for name, opt := range cases {
			t.Run(name, func(t *testing.T) {
				_, err := NewService(a, opt)
				assert.ErrorContains(t, err, "invalid service configuration")
			})
		}
	})

	t.Run("applies defaults", func(t *testing.T) {
		svc, err := NewService(memory.New())
		require.NoError(t, err)

		assert.Equal(t, DefaultMaxRetries, svc.config.maxRetries)
		assert.Equal(t, DefaultDrainTimeout, svc.config.drainTimeout)
		assert.Equal(t, DefaultDequeueTimeout, svc.config.dequeueTimeout)
		assert.Equal(t, DefaultWorkerCount, svc.config.defaultWorkers)
		assert.Zero(t, svc.config.retryBackoff.NextDelay(0))
		assert.False(t, svc.Running())
	})
}

func TestDispatchScenarios(t *testing.T) {
	ctx := context.Background()

	t.Run("successful message is acknowledged and counted", func(t *testing.T) {
		a := memory.New()
		svc := newTestService(t, a, WithMaxRetries(3))

		var calls atomic.Int32
		require.NoError(t, svc.RegisterHandler("orders.placed", func(context.Context, *contracts.Envelope) error {
			calls.Add(1)
			return nil
		}, nil))
		require.NoError(t, svc.Start(ctx))

		_, err := svc.Publish(ctx, "orders.placed", map[string]string{"orderId": "o-1"})
		require.NoError(t, err)

		require.Eventually(t, func() bool { return svc.GetStats()["orders.placed"].Succeeded == 1 }, waitFor, tick)
		require.NoError(t, svc.Stop(ctx))

		stats := svc.GetStats()["orders.placed"]
		assert.Equal(t, TypeStats{Processed: 1, Succeeded: 1}, stats)
		assert.Equal(t, int32(1), calls.Load())
		assert.Zero(t, a.Len("handler.orders.placed"))
		assert.Zero(t, a.InFlight())
		assert.Empty(t, a.DeadLetters("handler.orders.placed"))
	})

	t.Run("always failing message gets maxRetries+1 attempts then dead-letters", func(t *testing.T) {
		a := memory.New()
		svc := newTestService(t, a, WithMaxRetries(2))

		var calls atomic.Int32
		var seen []int
		var mu sync.Mutex
		require.NoError(t, svc.RegisterHandler("t", func(_ context.Context, env *contracts.Envelope) error {
			calls.Add(1)
			mu.Lock()
			seen = append(seen, env.RetryCount)
			mu.Unlock()
			return errors.New("downstream unavailable")
		}, nil))
		require.NoError(t, svc.Start(ctx))

		env, err := svc.Publish(ctx, "t", "payload")
		require.NoError(t, err)

		require.Eventually(t, func() bool { return len(a.DeadLetters("handler.t")) == 1 }, waitFor, tick)
		require.NoError(t, svc.Stop(ctx))

		assert.Equal(t, int32(3), calls.Load())
		assert.Equal(t, []int{0, 1, 2}, seen)

		dead := a.DeadLetters("handler.t")[0]
		assert.Equal(t, env.ID, dead.ID)
		assert.Equal(t, 2, dead.RetryCount)
		assert.Equal(t, "downstream unavailable", dead.LastError)

		assert.Equal(t, TypeStats{Processed: 3, Failed: 3, DeadLettered: 1, Retried: 2}, svc.GetStats()["t"])
		assert.Zero(t, a.InFlight())
	})

	t.Run("transient failure succeeds on retry", func(t *testing.T) {
		a := memory.New()
		svc := newTestService(t, a, WithMaxRetries(3))

		var calls atomic.Int32
		var lastError atomic.Value
		require.NoError(t, svc.RegisterHandler("t", func(_ context.Context, env *contracts.Envelope) error {
			if calls.Add(1) == 1 {
				return errors.New("flaky")
			}
			lastError.Store(env.LastError)
			return nil
		}, nil))
		require.NoError(t, svc.Start(ctx))

		_, err := svc.Publish(ctx, "t", 1)
		require.NoError(t, err)

		require.Eventually(t, func() bool { return svc.GetStats()["t"].Succeeded == 1 }, waitFor, tick)
		require.NoError(t, svc.Stop(ctx))

		assert.Equal(t, int32(2), calls.Load())
		assert.Equal(t, "flaky", lastError.Load())
		assert.Equal(t, TypeStats{Processed: 2, Succeeded: 1, Failed: 1, Retried: 1}, svc.GetStats()["t"])
		assert.Empty(t, a.DeadLetters("handler.t"))
	})

	t.Run("zero max retries dead-letters on the first failure", func(t *testing.T) {
		a := memory.New()
		svc := newTestService(t, a, WithMaxRetries(0))

		var calls atomic.Int32
		require.NoError(t, svc.RegisterHandler("t", func(context.Context, *contracts.Envelope) error {
			calls.Add(1)
			return errors.New("no")
		}, nil))
		require.NoError(t, svc.Start(ctx))

		_, err := svc.Publish(ctx, "t", 1)
		require.NoError(t, err)

		require.Eventually(t, func() bool { return len(a.DeadLetters("handler.t")) == 1 }, waitFor, tick)
		assert.Equal(t, int32(1), calls.Load())
		assert.Equal(t, 0, a.DeadLetters("handler.t")[0].RetryCount)
	})

	t.Run("unregistered type is dead-lettered without invoking any handler", func(t *testing.T) {
		a := memory.New()
		svc := newTestService(t, a)

		var calls atomic.Int32
		require.NoError(t, svc.RegisterHandler("known", func(context.Context, *contracts.Envelope) error {
			calls.Add(1)
			return nil
		}, nil))
		require.NoError(t, svc.Start(ctx))

		ghost, err := contracts.NewEnvelope("ghost", 1)
		require.NoError(t, err)
		require.NoError(t, a.Enqueue(ctx, "handler.known", ghost))

		require.Eventually(t, func() bool { return len(a.DeadLetters("handler.known")) == 1 }, waitFor, tick)

		assert.Zero(t, calls.Load())
		dead := a.DeadLetters("handler.known")[0]
		assert.Equal(t, ghost.ID, dead.ID)
		assert.Contains(t, dead.LastError, "no handler registered")
		assert.Equal(t, TypeStats{Processed: 1, Failed: 1, DeadLettered: 1}, svc.GetStats()["ghost"])
	})

	t.Run("permanent failure skips retries", func(t *testing.T) {
		a := memory.New()
		svc := newTestService(t, a, WithMaxRetries(5))

		var calls atomic.Int32
		require.NoError(t, svc.RegisterHandler("t", func(context.Context, *contracts.Envelope) error {
			calls.Add(1)
			return Permanent(errors.New("malformed order"))
		}, nil))
		require.NoError(t, svc.Start(ctx))

		_, err := svc.Publish(ctx, "t", 1)
		require.NoError(t, err)

		require.Eventually(t, func() bool { return len(a.DeadLetters("handler.t")) == 1 }, waitFor, tick)
		assert.Equal(t, int32(1), calls.Load())
		assert.Equal(t, "malformed order", a.DeadLetters("handler.t")[0].LastError)
	})

	t.Run("panicking handler counts as a failure", func(t *testing.T) {
		a := memory.New()
		svc := newTestService(t, a, WithMaxRetries(1))

		require.NoError(t, svc.RegisterHandler("t", func(context.Context, *contracts.Envelope) error {
			panic("nil map")
		}, nil))
		require.NoError(t, svc.Start(ctx))

		_, err := svc.Publish(ctx, "t", 1)
		require.NoError(t, err)

		require.Eventually(t, func() bool { return len(a.DeadLetters("handler.t")) == 1 }, waitFor, tick)
		assert.Contains(t, a.DeadLetters("handler.t")[0].LastError, "handler panic: nil map")
		assert.Equal(t, int64(2), svc.GetStats()["t"].Failed)
	})
}

func TestExceptionHandler(t *testing.T) {
	ctx := context.Background()

	t.Run("receives every failure before the retry decision", func(t *testing.T) {
		a := memory.New()
		svc := newTestService(t, a, WithMaxRetries(1))

		var mu sync.Mutex
		var received []*ProcessingError
		cause := errors.New("boom")
		require.NoError(t, svc.RegisterHandler("t",
			func(context.Context, *contracts.Envelope) error { return cause },
			func(_ context.Context, err error, env *contracts.Envelope) error {
				var perr *ProcessingError
				if errors.As(err, &perr) {
					mu.Lock()
					received = append(received, perr)
					mu.Unlock()
				}
				return nil
			},
		))
		require.NoError(t, svc.Start(ctx))

		env, err := svc.Publish(ctx, "t", 1)
		require.NoError(t, err)

		require.Eventually(t, func() bool { return len(a.DeadLetters("handler.t")) == 1 }, waitFor, tick)

		mu.Lock()
		defer mu.Unlock()
		require.Len(t, received, 2)
		assert.Equal(t, 1, received[0].Attempt)
		assert.Equal(t, 2, received[1].Attempt)
		assert.Equal(t, env.ID, received[0].MessageID)
		assert.ErrorIs(t, received[0], cause)
	})

	t.Run("errors and panics are swallowed", func(t *testing.T) {
		a := memory.New()
		svc := newTestService(t, a, WithMaxRetries(1))

		var calls atomic.Int32
		require.NoError(t, svc.RegisterHandler("t",
			func(context.Context, *contracts.Envelope) error {
				if calls.Add(1) == 1 {
					return errors.New("first")
				}
				return nil
			},
			func(context.Context, error, *contracts.Envelope) error {
				panic("exception handler bug")
			},
		))
		require.NoError(t, svc.Start(ctx))

		_, err := svc.Publish(ctx, "t", 1)
		require.NoError(t, err)

		require.Eventually(t, func() bool { return svc.GetStats()["t"].Succeeded == 1 }, waitFor, tick)
		assert.Equal(t, int32(2), calls.Load())
	})
}

func TestLifecycle(t *testing.T) {
	ctx := context.Background()

	t.Run("Start twice fails without spawning workers", func(t *testing.T) {
		svc := newTestService(t, memory.New(), WithWorkerCount("t", 2))
		require.NoError(t, svc.RegisterHandler("t", noop, nil))

		require.NoError(t, svc.Start(ctx))
		assert.ErrorIs(t, svc.Start(ctx), ErrAlreadyRunning)
		assert.Len(t, svc.Workers(), 2)
	})

	t.Run("Stop when not running is a no-op", func(t *testing.T) {
		svc := newTestService(t, memory.New())
		assert.NoError(t, svc.Stop(ctx))
		assert.NoError(t, svc.Stop(ctx))
	})

	t.Run("Start with a cancelled context fails", func(t *testing.T) {
		svc := newTestService(t, memory.New())
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		assert.ErrorIs(t, svc.Start(cctx), context.Canceled)
		assert.False(t, svc.Running())
	})

	t.Run("Start with no handlers runs zero workers", func(t *testing.T) {
		svc := newTestService(t, memory.New())
		require.NoError(t, svc.Start(ctx))
		assert.True(t, svc.Running())
		assert.Empty(t, svc.Workers())
		assert.NoError(t, svc.Stop(ctx))
	})

	t.Run("worker counts follow service, handler and default settings", func(t *testing.T) {
		rec := newCountingRecorder()
		svc := newTestService(t, memory.New(),
			WithWorkerCount("a", 3),
			WithDefaultWorkerCount(2),
			WithMetrics(rec),
		)
		require.NoError(t, svc.RegisterHandler("a", noop, nil, WithConcurrency(5)))
		require.NoError(t, svc.RegisterHandler("b", noop, nil, WithConcurrency(4)))
		require.NoError(t, svc.RegisterHandler("c", noop, nil))

		require.NoError(t, svc.Start(ctx))

		counts := map[string]int{}
		for _, w := range svc.Workers() {
			counts[w.TypeID]++
			assert.Equal(t, DefaultQueueName(w.TypeID), w.Queue)
		}
		assert.Equal(t, map[string]int{"a": 3, "b": 4, "c": 2}, counts)

		require.NoError(t, svc.Stop(ctx))
		for _, w := range svc.Workers() {
			assert.Equal(t, WorkerStopped, w.State)
			assert.NoError(t, w.Err)
		}
		_, started, stopped, _ := rec.snapshot()
		assert.Equal(t, 9, started)
		assert.Equal(t, 9, stopped)
	})

	t.Run("workers of one type process concurrently", func(t *testing.T) {
		a := memory.New()
		svc := newTestService(t, a, WithWorkerCount("t", 3))

		var active, peak atomic.Int32
		release := make(chan struct{})
		require.NoError(t, svc.RegisterHandler("t", func(context.Context, *contracts.Envelope) error {
			n := active.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			<-release
			active.Add(-1)
			return nil
		}, nil))
		require.NoError(t, svc.Start(ctx))

		for i := 0; i < 3; i++ {
			_, err := svc.Publish(ctx, "t", i)
			require.NoError(t, err)
		}

		require.Eventually(t, func() bool { return peak.Load() == 3 }, waitFor, tick)

		states := map[WorkerState]int{}
		for _, w := range svc.Workers() {
			states[w.State]++
		}
		assert.Equal(t, 3, states[WorkerProcessing])

		close(release)
		require.Eventually(t, func() bool { return svc.GetStats()["t"].Succeeded == 3 }, waitFor, tick)
	})

	t.Run("Stop drains the in-flight message before returning", func(t *testing.T) {
		a := memory.New()
		svc := newTestService(t, a)

		started := make(chan struct{})
		var finished atomic.Bool
		require.NoError(t, svc.RegisterHandler("t", func(context.Context, *contracts.Envelope) error {
			close(started)
			time.Sleep(100 * time.Millisecond)
			finished.Store(true)
			return nil
		}, nil))
		require.NoError(t, svc.Start(ctx))

		_, err := svc.Publish(ctx, "t", 1)
		require.NoError(t, err)
		<-started

		require.NoError(t, svc.Stop(ctx))

		assert.True(t, finished.Load())
		assert.Equal(t, int64(1), svc.GetStats()["t"].Succeeded)
		assert.Zero(t, a.InFlight())
		assert.False(t, svc.Running())
	})

	t.Run("no handler invocation begins after Stop returns", func(t *testing.T) {
		a := memory.New()
		svc := newTestService(t, a, WithWorkerCount("t", 4))

		var calls atomic.Int32
		require.NoError(t, svc.RegisterHandler("t", func(context.Context, *contracts.Envelope) error {
			calls.Add(1)
			return nil
		}, nil))
		require.NoError(t, svc.Start(ctx))
		require.NoError(t, svc.Stop(ctx))

		before := calls.Load()
		for i := 0; i < 5; i++ {
			_, err := svc.Publish(ctx, "t", i)
			require.NoError(t, err)
		}
		time.Sleep(100 * time.Millisecond)

		assert.Equal(t, before, calls.Load())
		assert.Equal(t, 5, a.Len("handler.t"))
	})

	t.Run("drain timeout abandons stuck handlers and leaves their message unacknowledged", func(t *testing.T) {
		a := memory.New()
		svc := newTestService(t, a, WithDrainTimeout(50*time.Millisecond))

		started := make(chan struct{})
		release := make(chan struct{})
		var handlerCtxErr atomic.Value
		require.NoError(t, svc.RegisterHandler("t", func(hctx context.Context, _ *contracts.Envelope) error {
			close(started)
			<-release
			if err := hctx.Err(); err != nil {
				handlerCtxErr.Store(err)
			}
			return nil
		}, nil))
		require.NoError(t, svc.Start(ctx))

		_, err := svc.Publish(ctx, "t", 1)
		require.NoError(t, err)
		<-started

		stopStart := time.Now()
		err = svc.Stop(ctx)
		assert.ErrorIs(t, err, ErrDrainTimeout)
		assert.Less(t, time.Since(stopStart), time.Second)

		close(release)
		require.Eventually(t, func() bool { return handlerCtxErr.Load() != nil }, waitFor, tick)
		assert.Equal(t, 1, a.InFlight())
		assert.Zero(t, svc.GetStats()["t"].Succeeded)
	})

	t.Run("abandoned handler failing after Stop changes no counters", func(t *testing.T) {
		a := memory.New()
		svc := newTestService(t, a, WithDrainTimeout(50*time.Millisecond))

		started := make(chan struct{})
		returned := make(chan struct{})
		var exceptions atomic.Int32
		require.NoError(t, svc.RegisterHandler("t", func(context.Context, *contracts.Envelope) error {
			close(started)
			time.Sleep(300 * time.Millisecond)
			defer close(returned)
			return errors.New("late failure")
		}, func(context.Context, error, *contracts.Envelope) error {
			exceptions.Add(1)
			return nil
		}))
		require.NoError(t, svc.Start(ctx))

		_, err := svc.Publish(ctx, "t", 1)
		require.NoError(t, err)
		<-started

		assert.ErrorIs(t, svc.Stop(ctx), ErrDrainTimeout)
		before := svc.GetStats()

		<-returned
		time.Sleep(200 * time.Millisecond)

		assert.Equal(t, before, svc.GetStats())
		assert.Zero(t, exceptions.Load())
		assert.Equal(t, 1, a.InFlight())
		assert.Zero(t, a.Len(DefaultQueueName("t")))
		assert.Empty(t, a.DeadLetters(DefaultQueueName("t")))
	})

	t.Run("cancelled stop context abandons immediately", func(t *testing.T) {
		a := memory.New()
		svc := newTestService(t, a, WithDrainTimeout(time.Minute))

		started := make(chan struct{})
		release := make(chan struct{})
		defer close(release)
		require.NoError(t, svc.RegisterHandler("t", func(context.Context, *contracts.Envelope) error {
			close(started)
			<-release
			return nil
		}, nil))
		require.NoError(t, svc.Start(ctx))
		_, err := svc.Publish(ctx, "t", 1)
		require.NoError(t, err)
		<-started

		sctx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
		defer cancel()

		err = svc.Stop(sctx)
		assert.ErrorIs(t, err, ErrDrainTimeout)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("service restarts after Stop", func(t *testing.T) {
		a := memory.New()
		svc := newTestService(t, a)
		require.NoError(t, svc.RegisterHandler("t", noop, nil))

		require.NoError(t, svc.Start(ctx))
		require.NoError(t, svc.Stop(ctx))
		require.NoError(t, svc.Start(ctx))

		_, err := svc.Publish(ctx, "t", 1)
		require.NoError(t, err)
		require.Eventually(t, func() bool { return svc.GetStats()["t"].Succeeded == 1 }, waitFor, tick)
	})

	t.Run("handlers registered while running start on the next Start", func(t *testing.T) {
		a := memory.New()
		svc := newTestService(t, a)
		require.NoError(t, svc.RegisterHandler("a", noop, nil))
		require.NoError(t, svc.Start(ctx))

		require.NoError(t, svc.RegisterHandler("b", noop, nil))
		_, err := svc.Publish(ctx, "b", 1)
		require.NoError(t, err)

		time.Sleep(60 * time.Millisecond)
		assert.Equal(t, 1, a.Len("handler.b"))
		assert.Len(t, svc.Workers(), 1)

		require.NoError(t, svc.Stop(ctx))
		require.NoError(t, svc.Start(ctx))
		require.Eventually(t, func() bool { return svc.GetStats()["b"].Succeeded == 1 }, waitFor, tick)
	})

	t.Run("unregistered handler dead-letters remaining messages", func(t *testing.T) {
		a := memory.New()
		svc := newTestService(t, a)
		require.NoError(t, svc.RegisterHandler("t", noop, nil))
		require.NoError(t, svc.Start(ctx))

		require.NoError(t, svc.UnregisterHandler("t"))
		_, err := svc.Publish(ctx, "t", 1)
		require.NoError(t, err)

		require.Eventually(t, func() bool { return len(a.DeadLetters("handler.t")) == 1 }, waitFor, tick)
	})
}

func TestRetryDelay(t *testing.T) {
	ctx := context.Background()

	run := func(t *testing.T, adapter QueueAdapter) {
		svc := newTestService(t, adapter, WithRetryDelay(80*time.Millisecond))

		var mu sync.Mutex
		var attempts []time.Time
		require.NoError(t, svc.RegisterHandler("t", func(context.Context, *contracts.Envelope) error {
			mu.Lock()
			defer mu.Unlock()
			attempts = append(attempts, time.Now())
			if len(attempts) == 1 {
				return errors.New("later")
			}
			return nil
		}, nil))
		require.NoError(t, svc.Start(ctx))

		_, err := svc.Publish(ctx, "t", 1)
		require.NoError(t, err)
		require.Eventually(t, func() bool { return svc.GetStats()["t"].Succeeded == 1 }, waitFor, tick)

		mu.Lock()
		defer mu.Unlock()
		require.Len(t, attempts, 2)
		assert.GreaterOrEqual(t, attempts[1].Sub(attempts[0]), 80*time.Millisecond)
	}

	t.Run("uses the adapter's delayed enqueue", func(t *testing.T) {
		a := memory.New()
		run(t, a)
		assert.Zero(t, a.Pending())
	})

	t.Run("waits in the worker when the adapter cannot delay", func(t *testing.T) {
		run(t, plainAdapter{inner: memory.New()})
	})

	t.Run("stop cuts the in-worker wait short and still requeues", func(t *testing.T) {
		inner := memory.New()
		svc := newTestService(t, plainAdapter{inner: inner}, WithRetryDelay(time.Minute))

		var calls atomic.Int32
		require.NoError(t, svc.RegisterHandler("t", func(context.Context, *contracts.Envelope) error {
			calls.Add(1)
			return errors.New("later")
		}, nil))
		require.NoError(t, svc.Start(ctx))
		_, err := svc.Publish(ctx, "t", 1)
		require.NoError(t, err)

		require.Eventually(t, func() bool { return calls.Load() == 1 }, waitFor, tick)
		time.Sleep(20 * time.Millisecond)

		start := time.Now()
		require.NoError(t, svc.Stop(ctx))
		assert.Less(t, time.Since(start), time.Second)

		requeued := inner.Peek("handler.t")
		require.Len(t, requeued, 1)
		assert.Equal(t, 1, requeued[0].RetryCount)
		assert.Zero(t, inner.InFlight())
	})
}

func TestTransportFailures(t *testing.T) {
	ctx := context.Background()

	t.Run("transient dequeue errors are retried", func(t *testing.T) {
		inner := memory.New()
		flaky := &flakyAdapter{plainAdapter: plainAdapter{inner: inner}, dequeueFailures: 2}
		svc := newTestService(t, flaky)
		require.NoError(t, svc.RegisterHandler("t", noop, nil))

		_, err := svc.Publish(ctx, "t", 1)
		require.NoError(t, err)
		require.NoError(t, svc.Start(ctx))

		require.Eventually(t, func() bool { return svc.GetStats()["t"].Succeeded == 1 }, waitFor, tick)
		require.NoError(t, svc.Stop(ctx))
	})

	t.Run("persistent dequeue errors stop the worker and surface from Stop", func(t *testing.T) {
		rec := newCountingRecorder()
		flaky := &flakyAdapter{plainAdapter: plainAdapter{inner: memory.New()}, dequeueFailures: -1}
		svc := newTestService(t, flaky, WithMetrics(rec))
		require.NoError(t, svc.RegisterHandler("t", noop, nil))
		require.NoError(t, svc.Start(ctx))

		require.Eventually(t, func() bool {
			w := svc.Workers()
			return len(w) == 1 && w[0].State == WorkerStopped
		}, waitFor, tick)

		w := svc.Workers()[0]
		var te *contracts.TransportError
		require.ErrorAs(t, w.Err, &te)
		assert.Equal(t, "dequeue", te.Op)
		assert.Equal(t, "handler.t", te.Queue)
		assert.Equal(t, int64(3), flaky.calls.Load())

		err := svc.Stop(ctx)
		assert.ErrorAs(t, err, &te)
		assert.NotErrorIs(t, err, ErrDrainTimeout)

		_, _, _, errs := rec.snapshot()
		assert.Equal(t, 1, errs["dequeue"])
	})

	t.Run("Publish wraps adapter failures", func(t *testing.T) {
		a := memory.New()
		svc := newTestService(t, a)
		require.NoError(t, a.Close())

		_, err := svc.Publish(ctx, "t", 1)
		var te *contracts.TransportError
		require.ErrorAs(t, err, &te)
		assert.Equal(t, "enqueue", te.Op)
		assert.ErrorIs(t, err, contracts.ErrAdapterClosed)
	})
}

func TestRedrive(t *testing.T) {
	ctx := context.Background()

	t.Run("moves dead letters back with a fresh retry budget", func(t *testing.T) {
		a := memory.New()
		svc := newTestService(t, a, WithMaxRetries(0))

		var fail atomic.Bool
		fail.Store(true)
		var retryCounts []int
		var mu sync.Mutex
		require.NoError(t, svc.RegisterHandler("t", func(_ context.Context, env *contracts.Envelope) error {
			mu.Lock()
			retryCounts = append(retryCounts, env.RetryCount)
			mu.Unlock()
			if fail.Load() {
				return errors.New("down")
			}
			return nil
		}, nil))
		require.NoError(t, svc.Start(ctx))

		for i := 0; i < 3; i++ {
			_, err := svc.Publish(ctx, "t", i)
			require.NoError(t, err)
		}
		require.Eventually(t, func() bool { return len(a.DeadLetters("handler.t")) == 3 }, waitFor, tick)

		fail.Store(false)
		moved, err := svc.Redrive(ctx, "t", 2)
		require.NoError(t, err)
		assert.Equal(t, 2, moved)

		require.Eventually(t, func() bool { return svc.GetStats()["t"].Succeeded == 2 }, waitFor, tick)
		assert.Len(t, a.DeadLetters("handler.t"), 1)

		moved, err = svc.Redrive(ctx, "t", 0)
		require.NoError(t, err)
		assert.Equal(t, 1, moved)
		require.Eventually(t, func() bool { return svc.GetStats()["t"].Succeeded == 3 }, waitFor, tick)

		mu.Lock()
		defer mu.Unlock()
		for _, rc := range retryCounts {
			assert.Zero(t, rc)
		}
	})

	t.Run("requires a dead-letter source", func(t *testing.T) {
		svc := newTestService(t, plainAdapter{inner: memory.New()})
		_, err := svc.Redrive(ctx, "t", 1)
		assert.ErrorIs(t, err, ErrRedriveUnsupported)
	})
}

func TestStatsSurface(t *testing.T) {
	ctx := context.Background()

	t.Run("registered types appear with zero counts", func(t *testing.T) {
		svc := newTestService(t, memory.New())
		require.NoError(t, svc.RegisterHandler("t", noop, nil))

		assert.Equal(t, StatsSnapshot{"t": {}}, svc.GetStats())
	})

	t.Run("stats persist across Stop and reset only on request", func(t *testing.T) {
		svc := newTestService(t, memory.New())
		require.NoError(t, svc.RegisterHandler("t", noop, nil))
		require.NoError(t, svc.Start(ctx))
		_, err := svc.Publish(ctx, "t", 1)
		require.NoError(t, err)
		require.Eventually(t, func() bool { return svc.GetStats()["t"].Succeeded == 1 }, waitFor, tick)
		require.NoError(t, svc.Stop(ctx))

		assert.Equal(t, int64(1), svc.GetStats()["t"].Succeeded)
		svc.ResetStats()
		assert.Equal(t, TypeStats{}, svc.GetStats()["t"])
	})

	t.Run("metrics recorder sees every outcome", func(t *testing.T) {
		rec := newCountingRecorder()
		a := memory.New()
		svc := newTestService(t, a, WithMaxRetries(1), WithMetrics(rec))
		require.NoError(t, svc.RegisterHandler("t", func(context.Context, *contracts.Envelope) error {
			return errors.New("x")
		}, nil))
		require.NoError(t, svc.Start(ctx))
		_, err := svc.Publish(ctx, "t", 1)
		require.NoError(t, err)

		require.Eventually(t, func() bool { return len(a.DeadLetters("handler.t")) == 1 }, waitFor, tick)
		require.NoError(t, svc.Stop(ctx))

		outcomes, _, _, _ := rec.snapshot()
		assert.Equal(t, 2, outcomes[OutcomeFailed])
		assert.Equal(t, 1, outcomes[OutcomeDeadLettered])
		assert.Zero(t, outcomes[OutcomeSucceeded])
	})
}

func TestTracing(t *testing.T) {
	ctx := context.Background()
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))

	a := memory.New()
	svc := newTestService(t, a, WithMaxRetries(1), WithTracerProvider(tp))

	var calls atomic.Int32
	require.NoError(t, svc.RegisterHandler("t", func(context.Context, *contracts.Envelope) error {
		if calls.Add(1) == 1 {
			return errors.New("first attempt")
		}
		return nil
	}, nil))
	require.NoError(t, svc.Start(ctx))
	_, err := svc.Publish(ctx, "t", 1)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(sr.Ended()) == 2 }, waitFor, tick)

	spans := sr.Ended()
	assert.Equal(t, "dispatch t", spans[0].Name())
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	assert.Len(t, spans[0].Events(), 1)
	assert.Equal(t, codes.Unset, spans[1].Status().Code)
}

func TestWorkerStateString(t *testing.T) {
	for state, name := range map[WorkerState]string{
		WorkerIdle:       "idle",
		WorkerProcessing: "processing",
		WorkerStopping:   "stopping",
		WorkerStopped:    "stopped",
		WorkerState(9):   "unknown",
	} {
		text, err := state.MarshalText()
		require.NoError(t, err)
		assert.Equal(t, name, string(text))
	}
}
