package messaging

import (
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/glimte/mmate-dispatch/internal/reliability"
)

const (
	DefaultWorkerCount    = 1
	DefaultMaxRetries     = 3
	DefaultDrainTimeout   = 30 * time.Second
	DefaultDequeueTimeout = time.Second
)

// serviceConfig holds everything a ServiceOption can change
type serviceConfig struct {
	workerCounts    map[string]int
	defaultWorkers  int
	maxRetries      int
	retryBackoff    reliability.Backoff
	drainTimeout    time.Duration
	dequeueTimeout  time.Duration
	transportPolicy reliability.RetryPolicy
	logger          *slog.Logger
	metrics         MetricsRecorder
	tracerProvider  trace.TracerProvider
	middleware      []MiddlewareFunc
}

func defaultServiceConfig() serviceConfig {
	return serviceConfig{
		workerCounts:    make(map[string]int),
		defaultWorkers:  DefaultWorkerCount,
		maxRetries:      DefaultMaxRetries,
		retryBackoff:    reliability.NewFixedDelay(0, DefaultMaxRetries),
		drainTimeout:    DefaultDrainTimeout,
		dequeueTimeout:  DefaultDequeueTimeout,
		transportPolicy: reliability.NewExponentialBackoff(100*time.Millisecond, 5*time.Second, 2.0, 5),
		logger:          slog.Default(),
		metrics:         NoOpMetricsRecorder{},
		tracerProvider:  otel.GetTracerProvider(),
	}
}

func (c *serviceConfig) validate() error {
	if c.defaultWorkers < 1 {
		return fmt.Errorf("default worker count must be at least 1, got %d", c.defaultWorkers)
	}
	for typeID, n := range c.workerCounts {
		if n < 1 {
			return fmt.Errorf("worker count for %s must be at least 1, got %d", typeID, n)
		}
	}
	if c.maxRetries < 0 {
		return fmt.Errorf("max retries cannot be negative, got %d", c.maxRetries)
	}
	if c.drainTimeout <= 0 {
		return fmt.Errorf("drain timeout must be positive, got %v", c.drainTimeout)
	}
	if c.dequeueTimeout <= 0 {
		return fmt.Errorf("dequeue timeout must be positive, got %v", c.dequeueTimeout)
	}
	return nil
}

// ServiceOption configures the Service
type ServiceOption func(*serviceConfig)

// WithWorkerCount sets the number of workers for one message type.
// It takes precedence over the handler's WithConcurrency.
func WithWorkerCount(typeID string, n int) ServiceOption {
	return func(c *serviceConfig) {
		c.workerCounts[typeID] = n
	}
}

// WithDefaultWorkerCount sets the worker count for types without one
func WithDefaultWorkerCount(n int) ServiceOption {
	return func(c *serviceConfig) {
		c.defaultWorkers = n
	}
}

// WithMaxRetries sets how many times a failed message is requeued before it
// is dead-lettered. A message gets at most maxRetries+1 attempts.
func WithMaxRetries(n int) ServiceOption {
	return func(c *serviceConfig) {
		c.maxRetries = n
	}
}

// WithRetryDelay waits a fixed delay before a failed message is visible again
func WithRetryDelay(delay time.Duration) ServiceOption {
	return func(c *serviceConfig) {
		c.retryBackoff = reliability.NewFixedDelay(delay, c.maxRetries)
	}
}

// WithRetryBackoff grows the retry delay exponentially with the retry count
func WithRetryBackoff(initial, max time.Duration, multiplier float64) ServiceOption {
	return func(c *serviceConfig) {
		c.retryBackoff = reliability.NewExponentialBackoff(initial, max, multiplier, c.maxRetries)
	}
}

// WithDrainTimeout bounds how long Stop waits for in-flight handlers
func WithDrainTimeout(timeout time.Duration) ServiceOption {
	return func(c *serviceConfig) {
		c.drainTimeout = timeout
	}
}

// WithDequeueTimeout sets how long a worker blocks on an empty queue before
// checking for stop
func WithDequeueTimeout(timeout time.Duration) ServiceOption {
	return func(c *serviceConfig) {
		c.dequeueTimeout = timeout
	}
}

// WithTransportRetry sets how often a failing adapter call is repeated
// before the worker gives up, and the first backoff interval
func WithTransportRetry(maxRetries int, initial time.Duration) ServiceOption {
	return func(c *serviceConfig) {
		c.transportPolicy = reliability.NewExponentialBackoff(initial, 30*time.Second, 2.0, maxRetries)
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ServiceOption {
	return func(c *serviceConfig) {
		c.logger = logger
	}
}

// WithMetrics sets the metrics recorder
func WithMetrics(metrics MetricsRecorder) ServiceOption {
	return func(c *serviceConfig) {
		c.metrics = metrics
	}
}

// WithTracerProvider sets the provider used for per-attempt spans
func WithTracerProvider(tp trace.TracerProvider) ServiceOption {
	return func(c *serviceConfig) {
		c.tracerProvider = tp
	}
}

// WithMiddleware wraps every handler registered on the service
func WithMiddleware(middleware ...MiddlewareFunc) ServiceOption {
	return func(c *serviceConfig) {
		c.middleware = append(c.middleware, middleware...)
	}
}
