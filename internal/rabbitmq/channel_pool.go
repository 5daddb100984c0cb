package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ChannelPool hands out confirm-mode AMQP channels
type ChannelPool struct {
	manager     *ConnectionManager
	channels    chan *PooledChannel
	maxSize     int
	minSize     int
	idleTimeout time.Duration
	waitTimeout time.Duration
	logger      *slog.Logger
	done        chan struct{}

	mu          sync.Mutex
	closed      bool
	activeCount int
}

// PooledChannel wraps an AMQP channel with pool metadata
type PooledChannel struct {
	*amqp.Channel
	lastUsed time.Time
	id       string
}

// ID identifies the channel in logs and errors
func (pc *PooledChannel) ID() string {
	return pc.id
}

// ChannelPoolOption configures the channel pool
type ChannelPoolOption func(*ChannelPool)

// WithMaxSize sets the maximum number of open channels
func WithMaxSize(size int) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.maxSize = size
	}
}

// WithMinSize sets how many channels are opened up front and kept when idle
func WithMinSize(size int) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.minSize = size
	}
}

// WithIdleTimeout sets how long an unused channel above the minimum survives
func WithIdleTimeout(timeout time.Duration) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.idleTimeout = timeout
	}
}

// WithWaitTimeout bounds how long Get waits on an exhausted pool
func WithWaitTimeout(timeout time.Duration) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.waitTimeout = timeout
	}
}

// WithChannelLogger sets the logger
func WithChannelLogger(logger *slog.Logger) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.logger = logger
	}
}

// NewChannelPool creates a pool on top of a connected manager
func NewChannelPool(manager *ConnectionManager, options ...ChannelPoolOption) (*ChannelPool, error) {
	if manager == nil {
		return nil, fmt.Errorf("%w: connection manager cannot be nil", ErrInvalidConfiguration)
	}

	pool := &ChannelPool{
		manager:     manager,
		maxSize:     32,
		minSize:     2,
		idleTimeout: 5 * time.Minute,
		waitTimeout: 5 * time.Second,
		logger:      slog.Default(),
		done:        make(chan struct{}),
	}

	for _, opt := range options {
		opt(pool)
	}

	if pool.maxSize < 1 {
		return nil, fmt.Errorf("%w: max size must be at least 1", ErrInvalidConfiguration)
	}
	if pool.minSize < 0 || pool.minSize > pool.maxSize {
		return nil, fmt.Errorf("%w: min size must be between 0 and max size", ErrInvalidConfiguration)
	}

	pool.channels = make(chan *PooledChannel, pool.maxSize)

	for i := 0; i < pool.minSize; i++ {
		pool.reserve()
		ch, err := pool.createChannel()
		if err != nil {
			pool.release()
			_ = pool.Close()
			return nil, err
		}
		pool.channels <- ch
	}

	go pool.cleanupIdle()

	return pool, nil
}

// Get takes a channel from the pool, opening a new one while under the
// maximum. The caller must hand it back with Put.
func (cp *ChannelPool) Get(ctx context.Context) (*PooledChannel, error) {
	if cp.isClosed() {
		return nil, ErrChannelPoolClosed
	}

	for {
		select {
		case ch := <-cp.channels:
			if ch.IsClosed() {
				cp.release()
				continue
			}
			ch.lastUsed = time.Now()
			return ch, nil
		default:
		}

		if cp.reserve() {
			ch, err := cp.createChannel()
			if err != nil {
				cp.release()
				return nil, err
			}
			return ch, nil
		}

		timer := time.NewTimer(cp.waitTimeout)
		select {
		case ch := <-cp.channels:
			timer.Stop()
			if ch.IsClosed() {
				cp.release()
				continue
			}
			ch.lastUsed = time.Now()
			return ch, nil
		case <-ctx.Done():
			timer.Stop()
			return nil, &ChannelError{Op: "get channel", ChannelID: "pool", Err: ctx.Err(), Timestamp: time.Now()}
		case <-timer.C:
			return nil, &ChannelError{Op: "get channel", ChannelID: "pool", Err: ErrChannelPoolExhausted, Timestamp: time.Now()}
		case <-cp.done:
			timer.Stop()
			return nil, ErrChannelPoolClosed
		}
	}
}

// Put returns a channel to the pool. Closed channels are dropped.
func (cp *ChannelPool) Put(ch *PooledChannel) {
	if ch == nil {
		return
	}
	if ch.IsClosed() {
		cp.release()
		return
	}
	if cp.isClosed() {
		_ = ch.Close()
		cp.release()
		return
	}

	ch.lastUsed = time.Now()
	select {
	case cp.channels <- ch:
	default:
		_ = ch.Close()
		cp.release()
	}
}

// Discard closes a channel that must not be reused, e.g. after a failed ack
func (cp *ChannelPool) Discard(ch *PooledChannel) {
	if ch == nil {
		return
	}
	_ = ch.Close()
	cp.release()
}

// Execute runs fn with a pooled channel and returns the channel afterwards
func (cp *ChannelPool) Execute(ctx context.Context, fn func(*PooledChannel) error) (err error) {
	ch, err := cp.Get(ctx)
	if err != nil {
		return err
	}
	defer cp.Put(ch)

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in channel execution: %v", r)
		}
	}()
	return fn(ch)
}

// Close closes every idle channel. Channels still checked out are closed
// when they come back.
func (cp *ChannelPool) Close() error {
	cp.mu.Lock()
	if cp.closed {
		cp.mu.Unlock()
		return nil
	}
	cp.closed = true
	close(cp.done)
	cp.mu.Unlock()

	for {
		select {
		case ch := <-cp.channels:
			_ = ch.Close()
			cp.release()
		default:
			return nil
		}
	}
}

// Size returns the number of open channels, idle or checked out
func (cp *ChannelPool) Size() int {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return cp.activeCount
}

func (cp *ChannelPool) isClosed() bool {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return cp.closed
}

// reserve claims a slot for a new channel while under the maximum
func (cp *ChannelPool) reserve() bool {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	if cp.activeCount >= cp.maxSize {
		return false
	}
	cp.activeCount++
	return true
}

func (cp *ChannelPool) release() {
	cp.mu.Lock()
	if cp.activeCount > 0 {
		cp.activeCount--
	}
	cp.mu.Unlock()
}

func (cp *ChannelPool) createChannel() (*PooledChannel, error) {
	conn, err := cp.manager.GetConnection()
	if err != nil {
		return nil, &ChannelError{Op: "create channel", ChannelID: "new", Err: err, Timestamp: time.Now()}
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, &ChannelError{
			Op:        "create channel",
			ChannelID: "new",
			Err:       fmt.Errorf("%w: %v", ErrChannelCreationFailed, err),
			Timestamp: time.Now(),
		}
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return nil, &ChannelError{Op: "enable confirms", ChannelID: "new", Err: err, Timestamp: time.Now()}
	}

	pooled := &PooledChannel{
		Channel:  ch,
		lastUsed: time.Now(),
		id:       uuid.NewString(),
	}
	cp.logger.Debug("opened channel", "channel", pooled.id)
	return pooled, nil
}

// cleanupIdle closes channels above the minimum that sat unused too long
func (cp *ChannelPool) cleanupIdle() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-cp.done:
			return
		case <-ticker.C:
		}

		cutoff := time.Now().Add(-cp.idleTimeout)
		var keep []*PooledChannel
	drain:
		for {
			select {
			case ch := <-cp.channels:
				if ch.lastUsed.Before(cutoff) && cp.Size() > cp.minSize {
					_ = ch.Close()
					cp.release()
					cp.logger.Debug("closed idle channel", "channel", ch.id)
					continue
				}
				keep = append(keep, ch)
			default:
				break drain
			}
		}
		for _, ch := range keep {
			cp.Put(ch)
		}
	}
}
