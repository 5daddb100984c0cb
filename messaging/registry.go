package messaging

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"golang.org/x/time/rate"
)

// DefaultQueueName returns the queue a type is consumed from unless
// WithQueue says otherwise
func DefaultQueueName(typeID string) string {
	return fmt.Sprintf("handler.%s", typeID)
}

// HandlerOptions configures handler behavior
type HandlerOptions struct {
	Concurrency int        // Workers for this type when the service sets no count (0 = service default)
	Queue       string     // Queue name for this handler
	RateLimit   rate.Limit // Handler invocations per second across all workers (0 = unlimited)
	Burst       int
}

// HandlerOption configures handler registration
type HandlerOption func(*HandlerOptions)

// WithConcurrency sets how many workers consume the handler's queue
func WithConcurrency(concurrency int) HandlerOption {
	return func(opts *HandlerOptions) {
		opts.Concurrency = concurrency
	}
}

// WithQueue sets the queue name for a handler
func WithQueue(queue string) HandlerOption {
	return func(opts *HandlerOptions) {
		opts.Queue = queue
	}
}

// WithRateLimit caps handler invocations per second for the type
func WithRateLimit(perSecond float64, burst int) HandlerOption {
	return func(opts *HandlerOptions) {
		opts.RateLimit = rate.Limit(perSecond)
		opts.Burst = burst
	}
}

// Registration binds a message type to its handler pair
type Registration struct {
	TypeID      string
	Process     ProcessFunc
	OnException ExceptionFunc
	Options     HandlerOptions

	limiter *rate.Limiter
}

// HandlerRegistry maps message types to registrations. Reads vastly
// outnumber writes, so lookups only take the read lock.
type HandlerRegistry struct {
	handlers   map[string]Registration
	mu         sync.RWMutex
	logger     *slog.Logger
	middleware []MiddlewareFunc
}

// RegistryOption configures the HandlerRegistry
type RegistryOption func(*HandlerRegistry)

// WithRegistryLogger sets the logger
func WithRegistryLogger(logger *slog.Logger) RegistryOption {
	return func(r *HandlerRegistry) {
		r.logger = logger
	}
}

// WithRegistryMiddleware wraps every handler registered afterwards
func WithRegistryMiddleware(middleware ...MiddlewareFunc) RegistryOption {
	return func(r *HandlerRegistry) {
		r.middleware = append(r.middleware, middleware...)
	}
}

// NewHandlerRegistry creates an empty registry
func NewHandlerRegistry(options ...RegistryOption) *HandlerRegistry {
	r := &HandlerRegistry{
		handlers: make(map[string]Registration),
		logger:   slog.Default(),
	}

	for _, opt := range options {
		opt(r)
	}

	return r
}

// Register binds typeID to process and an optional exception handler.
// A type can only be registered once; Unregister it first to replace it.
func (r *HandlerRegistry) Register(typeID string, process ProcessFunc, onException ExceptionFunc, options ...HandlerOption) error {
	if typeID == "" {
		return fmt.Errorf("message type cannot be empty")
	}
	if process == nil {
		return fmt.Errorf("process handler cannot be nil")
	}

	opts := HandlerOptions{
		Queue: DefaultQueueName(typeID),
	}
	for _, opt := range options {
		opt(&opts)
	}
	if opts.Concurrency < 0 {
		return fmt.Errorf("concurrency for %s cannot be negative", typeID)
	}
	if opts.Queue == "" {
		return fmt.Errorf("queue for %s cannot be empty", typeID)
	}

	reg := Registration{
		TypeID:      typeID,
		Process:     chain(process, r.middleware),
		OnException: onException,
		Options:     opts,
	}
	if opts.RateLimit > 0 {
		burst := max(opts.Burst, 1)
		reg.limiter = rate.NewLimiter(opts.RateLimit, burst)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[typeID]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, typeID)
	}
	r.handlers[typeID] = reg

	r.logger.Info("registered message handler",
		"messageType", typeID,
		"queue", opts.Queue,
		"concurrency", opts.Concurrency,
	)

	return nil
}

// Lookup returns the registration for typeID
func (r *HandlerRegistry) Lookup(typeID string) (Registration, error) {
	r.mu.RLock()
	reg, ok := r.handlers[typeID]
	r.mu.RUnlock()

	if !ok {
		return Registration{}, fmt.Errorf("%w: %q", ErrNotRegistered, typeID)
	}
	return reg, nil
}

// Unregister removes the registration for typeID
func (r *HandlerRegistry) Unregister(typeID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.handlers[typeID]; !ok {
		return fmt.Errorf("%w: %q", ErrNotRegistered, typeID)
	}
	delete(r.handlers, typeID)

	r.logger.Info("unregistered message handler", "messageType", typeID)
	return nil
}

// Types returns the registered message types in sorted order
func (r *HandlerRegistry) Types() []string {
	r.mu.RLock()
	types := make([]string, 0, len(r.handlers))
	for typeID := range r.handlers {
		types = append(types, typeID)
	}
	r.mu.RUnlock()

	slices.Sort(types)
	return types
}
