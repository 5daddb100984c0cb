package messaging

import (
	"context"
	"fmt"

	"github.com/glimte/mmate-dispatch/contracts"
)

// ProcessFunc handles one envelope. A nil return acknowledges the message;
// any error counts as a failed attempt.
type ProcessFunc func(ctx context.Context, env *contracts.Envelope) error

// ExceptionFunc is told about every failed attempt before the retry decision.
// Its own errors are logged and otherwise ignored.
type ExceptionFunc func(ctx context.Context, err error, env *contracts.Envelope) error

// MiddlewareFunc wraps every ProcessFunc registered after it is installed
type MiddlewareFunc func(ctx context.Context, env *contracts.Envelope, next ProcessFunc) error

// Handle adapts a typed handler. The body is decoded into T on every attempt;
// a body that does not decode is a permanent failure.
func Handle[T any](fn func(ctx context.Context, msg T, env *contracts.Envelope) error) ProcessFunc {
	return func(ctx context.Context, env *contracts.Envelope) error {
		var msg T
		if err := env.Decode(&msg); err != nil {
			return Permanent(fmt.Errorf("decode %s: %w", env.Type, err))
		}
		return fn(ctx, msg, env)
	}
}

// chain builds the middleware execution chain around process
func chain(process ProcessFunc, middleware []MiddlewareFunc) ProcessFunc {
	result := process
	for i := len(middleware) - 1; i >= 0; i-- {
		mw := middleware[i]
		next := result
		result = func(ctx context.Context, env *contracts.Envelope) error {
			return mw(ctx, env, next)
		}
	}
	return result
}
