package rabbitmq

import (
	"context"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/mmate-dispatch/internal/reliability"
)

const dialTimeout = 30 * time.Second

// ConnectionStateListener receives connection state change notifications
type ConnectionStateListener interface {
	OnConnected()
	OnDisconnected(err error)
	OnReconnecting(attempt int)
}

// ConnectionManager owns the broker connection and redials it when the
// broker closes it
type ConnectionManager struct {
	url         string
	dial        func(url string) (*amqp.Connection, error)
	backoff     *reliability.ExponentialBackoff
	maxRetries  int
	logger      *slog.Logger
	mu          sync.RWMutex
	conn        *amqp.Connection
	notifyClose chan *amqp.Error
	isConnected bool
	done        chan struct{}
	closeOnce   sync.Once

	listenersMu    sync.RWMutex
	stateListeners []ConnectionStateListener
}

// ConnectionOption configures the ConnectionManager
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.logger = logger
	}
}

// WithReconnectDelay sets the first reconnection delay; later ones double up
// to five minutes
func WithReconnectDelay(delay time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.backoff.InitialInterval = delay
	}
}

// WithMaxRetries sets the maximum number of reconnection attempts.
// A negative value retries forever.
func WithMaxRetries(retries int) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.maxRetries = retries
	}
}

// NewConnectionManager creates a disconnected manager
func NewConnectionManager(url string, options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		url: url,
		dial: func(url string) (*amqp.Connection, error) {
			return amqp.DialConfig(url, amqp.Config{
				Dial:       amqp.DefaultDial(dialTimeout),
				Properties: amqp.Table{"connection_name": "mmate-dispatch"},
			})
		},
		backoff:    reliability.NewExponentialBackoff(5*time.Second, 5*time.Minute, 2.0, -1),
		maxRetries: -1,
		logger:     slog.Default(),
		done:       make(chan struct{}),
	}

	for _, opt := range options {
		opt(cm)
	}

	return cm
}

// Connect establishes the initial connection
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.isConnected {
		return nil
	}

	conn, err := cm.dialContext(ctx)
	if err != nil {
		return &ConnectionError{
			Op:        "connect",
			URL:       SanitizeURL(cm.url),
			Err:       err,
			Timestamp: time.Now(),
			Attempts:  1,
		}
	}

	cm.attachLocked(conn)
	cm.logger.Info("connected to RabbitMQ", "url", SanitizeURL(cm.url))
	cm.notifyConnected()

	go cm.handleReconnect()
	return nil
}

// GetConnection returns the current connection
func (cm *ConnectionManager) GetConnection() (*amqp.Connection, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	if !cm.isConnected || cm.conn == nil {
		return nil, ErrConnectionNotReady
	}
	if cm.conn.IsClosed() {
		return nil, ErrConnectionClosed
	}
	return cm.conn, nil
}

// IsConnected returns the connection status
func (cm *ConnectionManager) IsConnected() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.isConnected
}

// Close stops reconnecting and closes the connection
func (cm *ConnectionManager) Close() error {
	cm.closeOnce.Do(func() { close(cm.done) })

	cm.mu.Lock()
	defer cm.mu.Unlock()

	cm.isConnected = false
	if cm.conn != nil {
		err := cm.conn.Close()
		cm.conn = nil
		return err
	}
	return nil
}

func (cm *ConnectionManager) attachLocked(conn *amqp.Connection) {
	cm.conn = conn
	cm.isConnected = true
	cm.notifyClose = conn.NotifyClose(make(chan *amqp.Error, 1))
}

// dialContext runs the blocking dial so ctx can abandon it
func (cm *ConnectionManager) dialContext(ctx context.Context) (*amqp.Connection, error) {
	type result struct {
		conn *amqp.Connection
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := cm.dial(cm.url)
		ch <- result{conn, err}
	}()

	select {
	case r := <-ch:
		return r.conn, r.err
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.conn != nil {
				_ = r.conn.Close()
			}
		}()
		return nil, ErrConnectionTimeout
	}
}

func (cm *ConnectionManager) handleReconnect() {
	for {
		cm.mu.RLock()
		notify := cm.notifyClose
		cm.mu.RUnlock()

		select {
		case err, ok := <-notify:
			if !ok && err == nil {
				// channel closed by a graceful Close
				select {
				case <-cm.done:
					return
				default:
				}
			}
			cm.logger.Error("connection closed", "error", err)

			cm.mu.Lock()
			cm.isConnected = false
			cm.conn = nil
			cm.mu.Unlock()

			cm.notifyDisconnected(err)
			if !cm.reconnect() {
				return
			}

		case <-cm.done:
			cm.logger.Info("connection manager shutting down")
			return
		}
	}
}

// reconnect redials until it succeeds, retries run out or Close is called
func (cm *ConnectionManager) reconnect() bool {
	start := time.Now()

	for attempt := 0; ; attempt++ {
		if cm.maxRetries >= 0 && attempt >= cm.maxRetries {
			cm.logger.Error("max reconnection attempts reached",
				"attempts", attempt,
				"duration", time.Since(start))
			cm.notifyDisconnected(&ConnectionError{
				Op:        "reconnect",
				URL:       SanitizeURL(cm.url),
				Err:       ErrMaxRetriesExceeded,
				Timestamp: time.Now(),
				Attempts:  attempt,
			})
			return false
		}

		if attempt > 0 {
			timer := time.NewTimer(cm.backoff.NextDelay(attempt - 1))
			select {
			case <-timer.C:
			case <-cm.done:
				timer.Stop()
				return false
			}
		}

		cm.logger.Info("attempting to reconnect", "attempt", attempt+1, "maxRetries", cm.maxRetries)
		cm.notifyReconnecting(attempt + 1)

		ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
		conn, err := cm.dialContext(ctx)
		cancel()
		if err != nil {
			cm.logger.Error("reconnection failed", "attempt", attempt+1, "error", err)
			continue
		}

		cm.mu.Lock()
		select {
		case <-cm.done:
			cm.mu.Unlock()
			_ = conn.Close()
			return false
		default:
		}
		cm.attachLocked(conn)
		cm.mu.Unlock()

		cm.logger.Info("reconnected to RabbitMQ",
			"attempts", attempt+1,
			"duration", time.Since(start))
		cm.notifyConnected()
		return true
	}
}

// AddStateListener adds a connection state listener
func (cm *ConnectionManager) AddStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()
	cm.stateListeners = append(cm.stateListeners, listener)
}

func (cm *ConnectionManager) listeners() []ConnectionStateListener {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()
	return append([]ConnectionStateListener(nil), cm.stateListeners...)
}

func (cm *ConnectionManager) notifyConnected() {
	for _, l := range cm.listeners() {
		go l.OnConnected()
	}
}

func (cm *ConnectionManager) notifyDisconnected(err error) {
	for _, l := range cm.listeners() {
		go l.OnDisconnected(err)
	}
}

func (cm *ConnectionManager) notifyReconnecting(attempt int) {
	for _, l := range cm.listeners() {
		go l.OnReconnecting(attempt)
	}
}
