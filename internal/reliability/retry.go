package reliability

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// Backoff computes the wait before retry number attempt (zero based)
type Backoff interface {
	NextDelay(attempt int) time.Duration
}

// RetryPolicy decides whether a failed operation runs again
type RetryPolicy interface {
	Backoff
	// ShouldRetry reports whether attempt may be retried and after what delay
	ShouldRetry(attempt int, err error) (bool, time.Duration)
	// MaxRetries returns the number of retries after the first attempt
	MaxRetries() int
}

// ExponentialBackoff grows the delay geometrically up to MaxInterval
type ExponentialBackoff struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	MaxAttempts     int
	Jitter          bool
}

// NewExponentialBackoff creates an exponential policy with jitter enabled
func NewExponentialBackoff(initial, max time.Duration, multiplier float64, maxRetries int) *ExponentialBackoff {
	return &ExponentialBackoff{
		InitialInterval: initial,
		MaxInterval:     max,
		Multiplier:      multiplier,
		MaxAttempts:     maxRetries,
		Jitter:          true,
	}
}

// ShouldRetry implements RetryPolicy
func (e *ExponentialBackoff) ShouldRetry(attempt int, err error) (bool, time.Duration) {
	if attempt >= e.MaxAttempts || !IsRetryable(err) {
		return false, 0
	}
	return true, e.NextDelay(attempt)
}

// MaxRetries implements RetryPolicy
func (e *ExponentialBackoff) MaxRetries() int {
	return e.MaxAttempts
}

// NextDelay implements Backoff
func (e *ExponentialBackoff) NextDelay(attempt int) time.Duration {
	if e.InitialInterval <= 0 {
		return 0
	}
	multiplier := e.Multiplier
	if multiplier < 1 {
		multiplier = 1
	}

	delay := float64(e.InitialInterval) * math.Pow(multiplier, float64(attempt))
	if e.MaxInterval > 0 && delay > float64(e.MaxInterval) {
		delay = float64(e.MaxInterval)
	}

	// ±15%
	if e.Jitter {
		delay = delay * (0.85 + rand.Float64()*0.3)
	}

	return time.Duration(delay)
}

// FixedDelay waits the same amount before every retry
type FixedDelay struct {
	Delay       time.Duration
	MaxAttempts int
}

// NewFixedDelay creates a fixed delay policy
func NewFixedDelay(delay time.Duration, maxRetries int) *FixedDelay {
	return &FixedDelay{Delay: delay, MaxAttempts: maxRetries}
}

// ShouldRetry implements RetryPolicy
func (f *FixedDelay) ShouldRetry(attempt int, err error) (bool, time.Duration) {
	if attempt >= f.MaxAttempts || !IsRetryable(err) {
		return false, 0
	}
	return true, f.Delay
}

// MaxRetries implements RetryPolicy
func (f *FixedDelay) MaxRetries() int {
	return f.MaxAttempts
}

// NextDelay implements Backoff
func (f *FixedDelay) NextDelay(int) time.Duration {
	return f.Delay
}

// RetryOption configures a single Retry call
type RetryOption func(*retryConfig)

type retryConfig struct {
	onRetry func(attempt int, delay time.Duration, err error)
}

// WithOnRetry registers a callback invoked before each wait
func WithOnRetry(fn func(attempt int, delay time.Duration, err error)) RetryOption {
	return func(c *retryConfig) {
		c.onRetry = fn
	}
}

// Retry runs fn until it succeeds, the policy gives up or ctx ends.
// Exhausting the policy yields a *RetryError wrapping the last failure;
// a non-retryable failure is returned as is.
func Retry(ctx context.Context, policy RetryPolicy, op string, fn func() error, opts ...RetryOption) error {
	cfg := retryConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}

	start := time.Now()
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn()
		if err == nil {
			return nil
		}
		if !IsRetryable(err) {
			return err
		}

		retry, delay := policy.ShouldRetry(attempt, err)
		if !retry {
			return &RetryError{
				Op:          op,
				Attempts:    attempt + 1,
				MaxAttempts: policy.MaxRetries() + 1,
				LastError:   err,
				Duration:    time.Since(start),
			}
		}

		if cfg.onRetry != nil {
			cfg.onRetry(attempt+1, delay, err)
		}

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

// IsRetryable reports whether err may succeed on another attempt.
// Errors exposing IsRetryable() anywhere in their chain decide for
// themselves; context errors never retry; everything else does.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var r interface{ IsRetryable() bool }
	if errors.As(err, &r) {
		return r.IsRetryable()
	}
	return !errors.Is(err, ErrNonRetryable)
}

// RetryableError marks an error as retryable or not
type RetryableError struct {
	Err       error
	Retryable bool
}

func (r RetryableError) Error() string {
	return r.Err.Error()
}

// IsRetryable indicates if the error is retryable
func (r RetryableError) IsRetryable() bool {
	return r.Retryable
}

func (r RetryableError) Unwrap() error {
	return r.Err
}
