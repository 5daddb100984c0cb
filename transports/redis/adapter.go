// Package redis implements the queue adapter on Redis lists. A dequeued
// payload moves atomically from the queue list into a processing list and
// stays there until it is acknowledged, so a crashed consumer loses nothing:
// RequeueInFlight puts such payloads back.
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/glimte/mmate-dispatch/contracts"
)

const (
	// DeadLetterSuffix is appended to a queue name to form its dead-letter queue
	DeadLetterSuffix = ".dlq"

	DefaultPrefix = "mmate"
)

// promoteDue moves delayed payloads whose time has come onto the queue list.
// KEYS[1] delayed set, KEYS[2] queue list, ARGV[1] now in ms, ARGV[2] batch.
var promoteDue = goredis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, member in ipairs(due) do
	redis.call('RPUSH', KEYS[2], member)
	redis.call('ZREM', KEYS[1], member)
end
return #due
`)

type receipt struct {
	queue   string
	raw     string
	settled atomic.Bool
}

// Adapter is a Redis backed queue adapter
type Adapter struct {
	client      goredis.UniversalClient
	prefix      string
	logger      *slog.Logger
	promoteSize int
	ownsClient  bool
}

// Option configures the Adapter
type Option func(*Adapter)

// WithPrefix sets the key prefix
func WithPrefix(prefix string) Option {
	return func(a *Adapter) {
		a.prefix = prefix
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(a *Adapter) {
		a.logger = logger
	}
}

// New wraps an existing client. The caller keeps ownership of it.
func New(client goredis.UniversalClient, options ...Option) *Adapter {
	a := &Adapter{
		client:      client,
		prefix:      DefaultPrefix,
		logger:      slog.Default(),
		promoteSize: 100,
	}
	for _, opt := range options {
		opt(a)
	}
	return a
}

// NewFromURL connects to a redis:// or rediss:// URL and checks the server
func NewFromURL(ctx context.Context, url string, options ...Option) (*Adapter, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	a := New(client, options...)
	a.ownsClient = true
	return a, nil
}

// Enqueue implements messaging.QueueAdapter
func (a *Adapter) Enqueue(ctx context.Context, queue string, env *contracts.Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return err
	}
	return a.client.RPush(ctx, a.queueKey(queue), data).Err()
}

// EnqueueAfter implements messaging.DelayedEnqueuer. The payload waits in a
// sorted set scored by its due time and is promoted by the next Dequeue.
func (a *Adapter) EnqueueAfter(ctx context.Context, queue string, env *contracts.Envelope, delay time.Duration) error {
	if delay <= 0 {
		return a.Enqueue(ctx, queue, env)
	}
	data, err := env.Encode()
	if err != nil {
		return err
	}

	due := time.Now().Add(delay).UnixMilli()
	return a.client.ZAdd(ctx, a.delayedKey(queue), goredis.Z{Score: float64(due), Member: data}).Err()
}

// Dequeue implements messaging.QueueAdapter. A timeout <= 0 polls once.
func (a *Adapter) Dequeue(ctx context.Context, queue string, timeout time.Duration) (*contracts.Envelope, error) {
	if err := a.promote(ctx, queue); err != nil {
		return nil, err
	}

	for {
		raw, err := a.move(ctx, queue, timeout)
		if errors.Is(err, goredis.Nil) {
			return nil, nil
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, err
		}

		env, err := contracts.DecodeEnvelope([]byte(raw))
		if err == nil {
			env.Receipt = &receipt{queue: queue, raw: raw}
			return env, nil
		}

		a.logger.Error("undecodable message dead-lettered", "queue", queue, "error", err)
		if err := a.settle(ctx, queue, raw, a.queueKey(a.DeadLetterQueue(queue)), raw); err != nil {
			return nil, err
		}
	}
}

// Acknowledge implements messaging.QueueAdapter
func (a *Adapter) Acknowledge(ctx context.Context, queue string, env *contracts.Envelope) error {
	r, err := a.claim(env)
	if err != nil {
		return err
	}

	removed, err := a.client.LRem(ctx, a.processingKey(r.queue), 1, r.raw).Result()
	if err != nil {
		r.settled.Store(false)
		return err
	}
	if removed == 0 {
		return fmt.Errorf("%w: message %s not in flight", contracts.ErrUnknownReceipt, env.ID)
	}
	return nil
}

// MoveToDeadLetter implements messaging.QueueAdapter. Pushing the copy and
// dropping the in-flight payload happen in one transaction.
func (a *Adapter) MoveToDeadLetter(ctx context.Context, env *contracts.Envelope) error {
	r, err := a.claim(env)
	if err != nil {
		return err
	}

	dead := env.Clone()
	if dead.Headers == nil {
		dead.Headers = make(map[string]string)
	}
	dead.Headers[contracts.HeaderOriginalQueue] = r.queue
	dead.Headers[contracts.HeaderDeadLetteredAt] = time.Now().UTC().Format(time.RFC3339Nano)

	data, err := dead.Encode()
	if err != nil {
		r.settled.Store(false)
		return err
	}

	if err := a.settle(ctx, r.queue, r.raw, a.queueKey(a.DeadLetterQueue(r.queue)), string(data)); err != nil {
		r.settled.Store(false)
		return err
	}

	a.logger.Debug("message dead-lettered", "messageId", env.ID, "queue", r.queue)
	return nil
}

// DeadLetterQueue implements messaging.DeadLetterSource
func (a *Adapter) DeadLetterQueue(queue string) string {
	return queue + DeadLetterSuffix
}

// RequeueInFlight moves every payload left in queue's processing list back
// to the head of the queue. Only call it while no consumer is running.
func (a *Adapter) RequeueInFlight(ctx context.Context, queue string) (int, error) {
	moved := 0
	for {
		err := a.client.LMove(ctx, a.processingKey(queue), a.queueKey(queue), "RIGHT", "LEFT").Err()
		if errors.Is(err, goredis.Nil) {
			break
		}
		if err != nil {
			return moved, err
		}
		moved++
	}

	if moved > 0 {
		a.logger.Info("requeued in-flight messages", "queue", queue, "count", moved)
	}
	return moved, nil
}

// Depth implements messaging.QueueInspector
func (a *Adapter) Depth(ctx context.Context, queue string) (int, error) {
	n, err := a.Len(ctx, queue)
	return int(n), err
}

// Len returns the number of ready payloads in queue
func (a *Adapter) Len(ctx context.Context, queue string) (int64, error) {
	return a.client.LLen(ctx, a.queueKey(queue)).Result()
}

// Ping checks the server
func (a *Adapter) Ping(ctx context.Context) error {
	return a.client.Ping(ctx).Err()
}

// Close closes the client when the adapter created it
func (a *Adapter) Close() error {
	if !a.ownsClient {
		return nil
	}
	return a.client.Close()
}

func (a *Adapter) move(ctx context.Context, queue string, timeout time.Duration) (string, error) {
	src, dst := a.queueKey(queue), a.processingKey(queue)
	if timeout <= 0 {
		// BLMOVE treats 0 as block forever
		return a.client.LMove(ctx, src, dst, "LEFT", "RIGHT").Result()
	}
	return a.client.BLMove(ctx, src, dst, "LEFT", "RIGHT", timeout).Result()
}

func (a *Adapter) promote(ctx context.Context, queue string) error {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	err := promoteDue.Run(ctx, a.client,
		[]string{a.delayedKey(queue), a.queueKey(queue)},
		now, a.promoteSize,
	).Err()
	if errors.Is(err, goredis.Nil) {
		return nil
	}
	return err
}

// settle drops raw from queue's processing list and pushes data onto target
func (a *Adapter) settle(ctx context.Context, queue, raw, target, data string) error {
	var removed *goredis.IntCmd
	_, err := a.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.RPush(ctx, target, data)
		removed = pipe.LRem(ctx, a.processingKey(queue), 1, raw)
		return nil
	})
	if err != nil {
		return err
	}
	if removed.Val() == 0 {
		a.logger.Warn("dead-lettered message was not in flight", "queue", queue)
	}
	return nil
}

func (a *Adapter) claim(env *contracts.Envelope) (*receipt, error) {
	r, ok := env.Receipt.(*receipt)
	if !ok || r == nil {
		return nil, fmt.Errorf("%w: envelope %s", contracts.ErrUnknownReceipt, env.ID)
	}
	if !r.settled.CompareAndSwap(false, true) {
		return nil, fmt.Errorf("%w: envelope %s already settled", contracts.ErrUnknownReceipt, env.ID)
	}
	return r, nil
}

func (a *Adapter) queueKey(queue string) string {
	return a.prefix + ":" + queue
}

func (a *Adapter) processingKey(queue string) string {
	return a.queueKey(queue) + ":processing"
}

func (a *Adapter) delayedKey(queue string) string {
	return a.queueKey(queue) + ":delayed"
}
