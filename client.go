// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package mmate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strconv"
	"time"

	"github.com/glimte/mmate-dispatch/messaging"
	"github.com/glimte/mmate-dispatch/transports/breaker"
	"github.com/glimte/mmate-dispatch/transports/memory"
	rabbitmqTransport "github.com/glimte/mmate-dispatch/transports/rabbitmq"
	redisTransport "github.com/glimte/mmate-dispatch/transports/redis"
	sqsTransport "github.com/glimte/mmate-dispatch/transports/sqs"
)

// ErrUnsupportedScheme is returned for connection strings no adapter serves
var ErrUnsupportedScheme = errors.New("mmate: unsupported connection scheme")

// Client provides the main entry point for mmate-dispatch: a dispatch
// service bound to the queue adapter selected by the connection string.
type Client struct {
	adapter messaging.QueueAdapter
	raw     messaging.QueueAdapter
	breaker *breaker.Adapter
	service *messaging.Service
	logger  *slog.Logger
	scheme  string
}

// NewClient creates a client with default options. Supported schemes are
// memory://, redis://, rediss://, amqp://, amqps:// and sqs://<region>.
func NewClient(connectionString string) (*Client, error) {
	return NewClientWithOptions(connectionString, WithDefaultLogger())
}

// NewClientWithOptions creates a client with options
func NewClientWithOptions(connectionString string, options ...ClientOption) (*Client, error) {
	cfg := &clientConfig{
		logger:         slog.Default(),
		connectTimeout: 30 * time.Second,
		redisPrefix:    redisTransport.DefaultPrefix,
	}
	for _, opt := range options {
		opt(cfg)
	}

	u, err := url.Parse(connectionString)
	if err != nil {
		return nil, fmt.Errorf("invalid connection string: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.connectTimeout)
	defer cancel()

	raw, err := newAdapter(ctx, u, connectionString, cfg)
	if err != nil {
		return nil, err
	}

	c := &Client{
		adapter: raw,
		raw:     raw,
		logger:  cfg.logger,
		scheme:  u.Scheme,
	}

	if cfg.breaker != nil {
		settings := *cfg.breaker
		if settings.Logger == nil {
			settings.Logger = cfg.logger
		}
		c.breaker = breaker.Wrap(raw, settings)
		c.adapter = c.breaker
	}

	serviceOptions := append([]messaging.ServiceOption{messaging.WithLogger(cfg.logger)}, cfg.serviceOptions...)
	c.service, err = messaging.NewService(c.adapter, serviceOptions...)
	if err != nil {
		_ = closeAdapter(raw)
		return nil, fmt.Errorf("failed to create dispatch service: %w", err)
	}

	cfg.logger.Info("mmate client ready", "transport", u.Scheme, "breaker", c.breaker != nil)
	return c, nil
}

func newAdapter(ctx context.Context, u *url.URL, raw string, cfg *clientConfig) (messaging.QueueAdapter, error) {
	switch u.Scheme {
	case "memory":
		return memory.New(memory.WithLogger(cfg.logger)), nil

	case "redis", "rediss":
		adapter, err := redisTransport.NewFromURL(ctx, raw,
			redisTransport.WithPrefix(cfg.redisPrefix),
			redisTransport.WithLogger(cfg.logger),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create transport: %w", err)
		}
		return adapter, nil

	case "amqp", "amqps":
		adapter, err := rabbitmqTransport.New(ctx, raw, rabbitmqTransport.WithLogger(cfg.logger))
		if err != nil {
			return nil, fmt.Errorf("failed to create transport: %w", err)
		}
		return adapter, nil

	case "sqs":
		region, opts, err := sqsOptions(u)
		if err != nil {
			return nil, err
		}
		opts = append(opts, sqsTransport.WithLogger(cfg.logger))
		adapter, err := sqsTransport.New(ctx, region, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create transport: %w", err)
		}
		return adapter, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}
}

// sqsOptions reads sqs://<region>?endpoint=<url>&prefix=<p>&create=<bool>
func sqsOptions(u *url.URL) (string, []sqsTransport.Option, error) {
	region := u.Host
	if region == "" {
		return "", nil, fmt.Errorf("sqs connection string needs a region, e.g. sqs://eu-west-1")
	}

	q := u.Query()
	var opts []sqsTransport.Option
	if endpoint := q.Get("endpoint"); endpoint != "" {
		opts = append(opts, sqsTransport.WithEndpoint(endpoint))
	}
	if prefix := q.Get("prefix"); prefix != "" {
		opts = append(opts, sqsTransport.WithQueuePrefix(prefix))
	}
	if create := q.Get("create"); create != "" {
		enabled, err := strconv.ParseBool(create)
		if err != nil {
			return "", nil, fmt.Errorf("invalid sqs create flag %q: %w", create, err)
		}
		opts = append(opts, sqsTransport.WithCreateQueues(enabled))
	}
	return region, opts, nil
}

// Service returns the dispatch service
func (c *Client) Service() *messaging.Service {
	return c.service
}

// Adapter returns the adapter the service uses, breaker included
func (c *Client) Adapter() messaging.QueueAdapter {
	return c.adapter
}

// Breaker returns the circuit breaker, or nil when it is disabled
func (c *Client) Breaker() *breaker.Adapter {
	return c.breaker
}

// Transport returns the connection scheme the client was built for
func (c *Client) Transport() string {
	return c.scheme
}

// Ping probes the queue backend when the adapter supports probing
func (c *Client) Ping(ctx context.Context) error {
	if p, ok := c.raw.(interface{ Ping(context.Context) error }); ok {
		return p.Ping(ctx)
	}
	return nil
}

// RequeueInFlight returns messages left unacknowledged by a crashed consumer
// to the queues of all registered types. Only adapters that track in-flight
// messages durably support it; others report zero. Call it before Start.
func (c *Client) RequeueInFlight(ctx context.Context) (int, error) {
	requeuer, ok := c.raw.(interface {
		RequeueInFlight(ctx context.Context, queue string) (int, error)
	})
	if !ok {
		return 0, nil
	}

	registry := c.service.Registry()
	total := 0
	for _, typeID := range registry.Types() {
		reg, err := registry.Lookup(typeID)
		if err != nil {
			continue
		}
		n, err := requeuer.RequeueInFlight(ctx, reg.Options.Queue)
		total += n
		if err != nil {
			return total, fmt.Errorf("failed to requeue in-flight messages of %s: %w", typeID, err)
		}
	}
	return total, nil
}

// Close stops the service, waiting for in-flight handlers as configured,
// then releases the adapter
func (c *Client) Close() error {
	stopErr := c.service.Stop(context.Background())
	return errors.Join(stopErr, closeAdapter(c.raw))
}

func closeAdapter(adapter messaging.QueueAdapter) error {
	if closer, ok := adapter.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

// clientConfig holds client configuration
type clientConfig struct {
	logger         *slog.Logger
	connectTimeout time.Duration
	breaker        *breaker.Settings
	redisPrefix    string
	serviceOptions []messaging.ServiceOption
}

// ClientOption configures the client
type ClientOption func(*clientConfig)

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = logger
	}
}

// WithDefaultLogger uses the default logger
func WithDefaultLogger() ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = slog.Default()
	}
}

// WithConnectTimeout bounds connecting to the backend
func WithConnectTimeout(timeout time.Duration) ClientOption {
	return func(cfg *clientConfig) {
		cfg.connectTimeout = timeout
	}
}

// WithBreaker guards the adapter with a circuit breaker
func WithBreaker(settings breaker.Settings) ClientOption {
	return func(cfg *clientConfig) {
		cfg.breaker = &settings
	}
}

// WithRedisPrefix sets the key prefix of the redis adapter
func WithRedisPrefix(prefix string) ClientOption {
	return func(cfg *clientConfig) {
		cfg.redisPrefix = prefix
	}
}

// WithServiceOptions passes options through to the dispatch service
func WithServiceOptions(options ...messaging.ServiceOption) ClientOption {
	return func(cfg *clientConfig) {
		cfg.serviceOptions = append(cfg.serviceOptions, options...)
	}
}
