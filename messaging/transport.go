package messaging

import (
	"context"
	"time"

	"github.com/glimte/mmate-dispatch/contracts"
)

// QueueAdapter is the contract between the dispatcher and a queue backend.
// Implementations must be safe for concurrent use by many workers and provide
// at-least-once delivery: a dequeued envelope that is never acknowledged or
// dead-lettered is eventually delivered again.
type QueueAdapter interface {
	// Enqueue appends an envelope to the named queue
	Enqueue(ctx context.Context, queue string, env *contracts.Envelope) error

	// Dequeue waits up to timeout for the next envelope. It returns nil, nil
	// when the queue stayed empty. A timeout <= 0 polls without waiting.
	// The returned envelope carries an adapter specific Receipt.
	Dequeue(ctx context.Context, queue string, timeout time.Duration) (*contracts.Envelope, error)

	// Acknowledge removes a dequeued envelope for good
	Acknowledge(ctx context.Context, queue string, env *contracts.Envelope) error

	// MoveToDeadLetter removes a dequeued envelope from env.Queue and stores
	// it, as given, in that queue's dead-letter destination
	MoveToDeadLetter(ctx context.Context, env *contracts.Envelope) error
}

// DelayedEnqueuer is implemented by adapters that can hide an envelope until
// a delay has passed. The dispatcher uses it for retry delays instead of
// holding a worker.
type DelayedEnqueuer interface {
	EnqueueAfter(ctx context.Context, queue string, env *contracts.Envelope, delay time.Duration) error
}

// QueueInspector is implemented by adapters that can count the messages
// waiting in a queue
type QueueInspector interface {
	Depth(ctx context.Context, queue string) (int, error)
}

// DeadLetterSource is implemented by adapters whose dead-letter destinations
// are themselves queues that can be dequeued from. An empty name means the
// adapter has none for that queue.
type DeadLetterSource interface {
	DeadLetterQueue(queue string) string
}
