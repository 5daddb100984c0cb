// Package rabbitmq implements the queue adapter on RabbitMQ. Dequeue polls
// with basic.get and keeps the delivery's channel checked out until the
// message is acknowledged or dead-lettered, so at most one unacknowledged
// message lives on a channel at a time.
package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/mmate-dispatch/contracts"
	"github.com/glimte/mmate-dispatch/internal/rabbitmq"
)

// DeadLetterSuffix is appended to a queue name to form its dead-letter queue
const DeadLetterSuffix = ".dlq"

// delivery is the receipt of a dequeued message
type delivery struct {
	ch      *rabbitmq.PooledChannel
	tag     uint64
	queue   string
	settled atomic.Bool
}

// Adapter is a RabbitMQ backed queue adapter
type Adapter struct {
	manager  *rabbitmq.ConnectionManager
	pool     *rabbitmq.ChannelPool
	topology *rabbitmq.TopologyManager
	logger   *slog.Logger

	pollInterval     time.Duration
	delayGranularity time.Duration

	closeOnce sync.Once
}

type config struct {
	logger           *slog.Logger
	pollInterval     time.Duration
	delayGranularity time.Duration
	connOptions      []rabbitmq.ConnectionOption
	poolOptions      []rabbitmq.ChannelPoolOption
}

// Option configures the Adapter
type Option func(*config)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		c.logger = logger
	}
}

// WithPollInterval sets the wait between basic.get calls on an empty queue
func WithPollInterval(interval time.Duration) Option {
	return func(c *config) {
		c.pollInterval = interval
	}
}

// WithDelayGranularity rounds retry delays up to a multiple of d so that
// similar delays share one delay queue
func WithDelayGranularity(d time.Duration) Option {
	return func(c *config) {
		c.delayGranularity = d
	}
}

// WithMaxChannels caps the channel pool. Every in-flight message holds a
// channel, so this must cover the total worker count.
func WithMaxChannels(n int) Option {
	return func(c *config) {
		c.poolOptions = append(c.poolOptions, rabbitmq.WithMaxSize(n))
	}
}

// WithReconnect configures redialing after the broker drops the connection
func WithReconnect(delay time.Duration, maxRetries int) Option {
	return func(c *config) {
		c.connOptions = append(c.connOptions,
			rabbitmq.WithReconnectDelay(delay),
			rabbitmq.WithMaxRetries(maxRetries),
		)
	}
}

// New connects to the broker at url
func New(ctx context.Context, url string, options ...Option) (*Adapter, error) {
	cfg := config{
		logger:           slog.Default(),
		pollInterval:     100 * time.Millisecond,
		delayGranularity: time.Second,
	}
	for _, opt := range options {
		opt(&cfg)
	}

	connOptions := append([]rabbitmq.ConnectionOption{rabbitmq.WithLogger(cfg.logger)}, cfg.connOptions...)
	manager := rabbitmq.NewConnectionManager(url, connOptions...)
	if err := manager.Connect(ctx); err != nil {
		return nil, err
	}

	poolOptions := append([]rabbitmq.ChannelPoolOption{rabbitmq.WithChannelLogger(cfg.logger)}, cfg.poolOptions...)
	pool, err := rabbitmq.NewChannelPool(manager, poolOptions...)
	if err != nil {
		_ = manager.Close()
		return nil, fmt.Errorf("failed to create channel pool: %w", err)
	}

	a := &Adapter{
		manager:          manager,
		pool:             pool,
		topology:         rabbitmq.NewTopologyManager(pool),
		logger:           cfg.logger,
		pollInterval:     cfg.pollInterval,
		delayGranularity: cfg.delayGranularity,
	}
	manager.AddStateListener(a)

	return a, nil
}

// Enqueue implements messaging.QueueAdapter
func (a *Adapter) Enqueue(ctx context.Context, queue string, env *contracts.Envelope) error {
	if err := a.ensure(ctx, queue); err != nil {
		return err
	}
	return a.publish(ctx, queue, env)
}

// EnqueueAfter implements messaging.DelayedEnqueuer by parking the message
// in a TTL queue that dead-letters back onto queue
func (a *Adapter) EnqueueAfter(ctx context.Context, queue string, env *contracts.Envelope, delay time.Duration) error {
	delay = roundUp(delay, a.delayGranularity)
	if delay <= 0 {
		return a.Enqueue(ctx, queue, env)
	}
	if err := a.ensure(ctx, queue); err != nil {
		return err
	}

	delayQueue, err := a.topology.EnsureDelayQueue(ctx, queue, delay)
	if err != nil {
		return err
	}
	return a.publish(ctx, delayQueue, env)
}

// Dequeue implements messaging.QueueAdapter
func (a *Adapter) Dequeue(ctx context.Context, queue string, timeout time.Duration) (*contracts.Envelope, error) {
	if err := a.ensure(ctx, queue); err != nil {
		return nil, err
	}

	ch, err := a.pool.Get(ctx)
	if err != nil {
		return nil, err
	}

	deadline := time.Now().Add(timeout)
	for {
		msg, ok, err := ch.Get(queue, false)
		if err != nil {
			a.pool.Discard(ch)
			return nil, &rabbitmq.ChannelError{Op: "basic.get", ChannelID: ch.ID(), Err: err, Timestamp: time.Now()}
		}

		if ok {
			env, err := contracts.DecodeEnvelope(msg.Body)
			if err == nil {
				env.Receipt = &delivery{ch: ch, tag: msg.DeliveryTag, queue: queue}
				return env, nil
			}

			// the queue's dead-letter arguments route rejected messages to its DLQ
			a.logger.Error("undecodable message rejected",
				"queue", queue,
				"messageId", msg.MessageId,
				"error", err)
			if err := ch.Nack(msg.DeliveryTag, false, false); err != nil {
				a.pool.Discard(ch)
				return nil, err
			}
			continue
		}

		wait := time.Until(deadline)
		if timeout <= 0 || wait <= 0 {
			a.pool.Put(ch)
			return nil, nil
		}

		timer := time.NewTimer(min(wait, a.pollInterval))
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			a.pool.Put(ch)
			return nil, ctx.Err()
		}
	}
}

// Acknowledge implements messaging.QueueAdapter
func (a *Adapter) Acknowledge(ctx context.Context, queue string, env *contracts.Envelope) error {
	d, err := receiptOf(env)
	if err != nil {
		return err
	}
	return a.settle(d)
}

// MoveToDeadLetter implements messaging.QueueAdapter. The copy is published
// before the original is acknowledged, so a crash in between duplicates the
// message rather than losing it.
func (a *Adapter) MoveToDeadLetter(ctx context.Context, env *contracts.Envelope) error {
	d, err := receiptOf(env)
	if err != nil {
		return err
	}

	dead := env.Clone()
	if dead.Headers == nil {
		dead.Headers = make(map[string]string)
	}
	dead.Headers[contracts.HeaderOriginalQueue] = d.queue
	dead.Headers[contracts.HeaderDeadLetteredAt] = time.Now().UTC().Format(time.RFC3339Nano)

	dlq := a.DeadLetterQueue(d.queue)
	if err := a.topology.EnsureQueue(ctx, dlq); err != nil {
		return err
	}
	if err := a.publish(ctx, dlq, dead); err != nil {
		return err
	}

	a.logger.Debug("message dead-lettered", "messageId", env.ID, "queue", d.queue)
	return a.settle(d)
}

// DeadLetterQueue implements messaging.DeadLetterSource
func (a *Adapter) DeadLetterQueue(queue string) string {
	return queue + DeadLetterSuffix
}

// Depth implements messaging.QueueInspector with the number of ready
// messages in queue
func (a *Adapter) Depth(ctx context.Context, queue string) (int, error) {
	q, err := a.topology.GetQueueInfo(ctx, queue)
	if err != nil {
		return 0, err
	}
	return q.Messages, nil
}

// Ping reports whether the broker connection is up
func (a *Adapter) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := a.manager.GetConnection()
	return err
}

// Close closes the channels and the connection. Unacknowledged messages are
// returned to their queues by the broker.
func (a *Adapter) Close() error {
	var err error
	a.closeOnce.Do(func() {
		_ = a.pool.Close()
		err = a.manager.Close()
	})
	return err
}

// OnConnected implements rabbitmq.ConnectionStateListener. A broker that
// restarted may have lost non-durable state, so declarations run again.
func (a *Adapter) OnConnected() {
	a.topology.Forget()
}

// OnDisconnected implements rabbitmq.ConnectionStateListener
func (a *Adapter) OnDisconnected(err error) {
	a.logger.Warn("rabbitmq connection lost", "error", err)
}

// OnReconnecting implements rabbitmq.ConnectionStateListener
func (a *Adapter) OnReconnecting(attempt int) {
	a.logger.Info("reconnecting to rabbitmq", "attempt", attempt)
}

func (a *Adapter) ensure(ctx context.Context, queue string) error {
	if strings.HasSuffix(queue, DeadLetterSuffix) {
		return a.topology.EnsureQueue(ctx, queue)
	}
	return a.topology.EnsureQueueWithDLQ(ctx, queue, a.DeadLetterQueue(queue))
}

func (a *Adapter) publish(ctx context.Context, queue string, env *contracts.Envelope) error {
	msg, err := toPublishing(env)
	if err != nil {
		return err
	}

	return a.pool.Execute(ctx, func(ch *rabbitmq.PooledChannel) error {
		confirm, err := ch.PublishWithDeferredConfirmWithContext(ctx, "", queue, false, false, msg)
		if err != nil {
			return &rabbitmq.ChannelError{Op: "publish", ChannelID: ch.ID(), Err: err, Timestamp: time.Now()}
		}
		acked, err := confirm.WaitContext(ctx)
		if err != nil {
			return err
		}
		if !acked {
			return fmt.Errorf("%w: %s", rabbitmq.ErrPublishNotConfirmed, queue)
		}
		return nil
	})
}

// settle acks the delivery and hands its channel back to the pool
func (a *Adapter) settle(d *delivery) error {
	if !d.settled.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: delivery %d already settled", contracts.ErrUnknownReceipt, d.tag)
	}

	if err := d.ch.Ack(d.tag, false); err != nil {
		// the broker requeues everything unacked on the closed channel
		a.pool.Discard(d.ch)
		return &rabbitmq.ChannelError{Op: "ack", ChannelID: d.ch.ID(), Err: err, Timestamp: time.Now()}
	}
	a.pool.Put(d.ch)
	return nil
}

func receiptOf(env *contracts.Envelope) (*delivery, error) {
	d, ok := env.Receipt.(*delivery)
	if !ok || d == nil {
		return nil, fmt.Errorf("%w: envelope %s", contracts.ErrUnknownReceipt, env.ID)
	}
	return d, nil
}

func toPublishing(env *contracts.Envelope) (amqp.Publishing, error) {
	body, err := env.Encode()
	if err != nil {
		return amqp.Publishing{}, err
	}

	headers := amqp.Table{}
	for k, v := range env.Headers {
		headers[k] = v
	}
	headers[contracts.HeaderMessageType] = env.Type

	return amqp.Publishing{
		Headers:       headers,
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		CorrelationId: env.CorrelationID,
		MessageId:     env.ID,
		Timestamp:     env.Timestamp,
		Type:          env.Type,
		Body:          body,
	}, nil
}

func roundUp(d, granularity time.Duration) time.Duration {
	if d <= 0 || granularity <= 0 {
		return d
	}
	return ((d + granularity - 1) / granularity) * granularity
}
