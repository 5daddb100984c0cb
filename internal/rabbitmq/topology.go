package rabbitmq

import (
	"context"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// QueueDeclaration defines a queue to be declared
type QueueDeclaration struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Arguments  amqp.Table
}

// TopologyManager declares queues once per connection
type TopologyManager struct {
	pool *ChannelPool

	mu       sync.Mutex
	declared map[string]struct{}
}

// NewTopologyManager creates a new topology manager
func NewTopologyManager(pool *ChannelPool) *TopologyManager {
	return &TopologyManager{
		pool:     pool,
		declared: make(map[string]struct{}),
	}
}

// DeclareQueue declares a single queue
func (tm *TopologyManager) DeclareQueue(ctx context.Context, queue QueueDeclaration) (amqp.Queue, error) {
	var q amqp.Queue
	err := tm.pool.Execute(ctx, func(ch *PooledChannel) error {
		var err error
		q, err = ch.QueueDeclare(queue.Name, queue.Durable, queue.AutoDelete, queue.Exclusive, false, queue.Arguments)
		return err
	})
	if err != nil {
		return q, &TopologyError{Component: "queue", Name: queue.Name, Op: "declare", Err: err, Timestamp: time.Now()}
	}
	return q, nil
}

// EnsureQueue declares a plain durable queue
func (tm *TopologyManager) EnsureQueue(ctx context.Context, name string) error {
	if tm.isDeclared(name) {
		return nil
	}
	if _, err := tm.DeclareQueue(ctx, QueueDeclaration{Name: name, Durable: true}); err != nil {
		return err
	}
	tm.markDeclared(name)
	return nil
}

// EnsureQueueWithDLQ declares a durable queue and its dead-letter queue.
// Messages the broker rejects or expires land in the dead-letter queue
// through the default exchange.
func (tm *TopologyManager) EnsureQueueWithDLQ(ctx context.Context, queue, dlq string) error {
	if tm.isDeclared(queue) {
		return nil
	}

	if err := tm.EnsureQueue(ctx, dlq); err != nil {
		return err
	}
	_, err := tm.DeclareQueue(ctx, QueueDeclaration{
		Name:    queue,
		Durable: true,
		Arguments: amqp.Table{
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": dlq,
		},
	})
	if err != nil {
		return err
	}

	tm.markDeclared(queue)
	return nil
}

// EnsureDelayQueue declares a queue that holds messages for delay and then
// dead-letters them back onto target. Idle delay queues expire on their own.
func (tm *TopologyManager) EnsureDelayQueue(ctx context.Context, target string, delay time.Duration) (string, error) {
	name := DelayQueueName(target, delay)
	if tm.isDeclared(name) {
		return name, nil
	}

	ttl := delay.Milliseconds()
	_, err := tm.DeclareQueue(ctx, QueueDeclaration{
		Name:    name,
		Durable: true,
		Arguments: amqp.Table{
			"x-message-ttl":             ttl,
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": target,
			"x-expires":                 ttl + time.Minute.Milliseconds(),
		},
	})
	if err != nil {
		return "", err
	}

	tm.markDeclared(name)
	return name, nil
}

// DeleteQueue deletes a queue
func (tm *TopologyManager) DeleteQueue(ctx context.Context, name string) error {
	err := tm.pool.Execute(ctx, func(ch *PooledChannel) error {
		_, err := ch.QueueDelete(name, false, false, false)
		return err
	})
	if err != nil {
		return &TopologyError{Component: "queue", Name: name, Op: "delete", Err: err, Timestamp: time.Now()}
	}

	tm.mu.Lock()
	delete(tm.declared, name)
	tm.mu.Unlock()
	return nil
}

// GetQueueInfo retrieves message and consumer counts of a queue
func (tm *TopologyManager) GetQueueInfo(ctx context.Context, name string) (amqp.Queue, error) {
	var q amqp.Queue
	err := tm.pool.Execute(ctx, func(ch *PooledChannel) error {
		var err error
		q, err = ch.QueueDeclarePassive(name, true, false, false, false, nil)
		return err
	})
	return q, err
}

// Forget drops the declaration cache, e.g. after the broker restarted
func (tm *TopologyManager) Forget() {
	tm.mu.Lock()
	tm.declared = make(map[string]struct{})
	tm.mu.Unlock()
}

func (tm *TopologyManager) isDeclared(name string) bool {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	_, ok := tm.declared[name]
	return ok
}

func (tm *TopologyManager) markDeclared(names ...string) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	for _, name := range names {
		tm.declared[name] = struct{}{}
	}
}

// DelayQueueName names the delay queue of target for one delay
func DelayQueueName(target string, delay time.Duration) string {
	return fmt.Sprintf("%s.delay.%d", target, delay.Milliseconds())
}
