// Package config loads the mmate-dispatch binary configuration from a YAML
// file and MMATE_ prefixed environment variables.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/glimte/mmate-dispatch/messaging"
)

// EnvPrefix is the prefix of environment overrides, e.g. MMATE_TRANSPORT_URL
const EnvPrefix = "MMATE"

// Config holds the binary configuration.
// The mapstructure tags are used by viper to unmarshal the data.
type Config struct {
	Transport TransportConfig `mapstructure:"transport"`
	Dispatch  DispatchConfig  `mapstructure:"dispatch"`
	Handlers  []HandlerConfig `mapstructure:"handlers" validate:"dive"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Log       LogConfig       `mapstructure:"log"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
}

type TransportConfig struct {
	URL     string `mapstructure:"url" validate:"required"`
	Breaker bool   `mapstructure:"breaker"`
	// RequeueInFlight returns messages a crashed consumer left unacknowledged
	// before workers start. Redis only.
	RequeueInFlight bool   `mapstructure:"requeue_inflight"`
	RedisPrefix     string `mapstructure:"redis_prefix"`
	SQSEndpoint     string `mapstructure:"sqs_endpoint" validate:"omitempty,url"`
	SQSCreateQueues bool   `mapstructure:"sqs_create_queues"`
}

type DispatchConfig struct {
	Workers         int           `mapstructure:"workers" validate:"min=1"`
	MaxRetries      int           `mapstructure:"max_retries" validate:"min=0"`
	RetryDelay      time.Duration `mapstructure:"retry_delay" validate:"min=0"`
	RetryMaxDelay   time.Duration `mapstructure:"retry_max_delay" validate:"min=0"`
	RetryMultiplier float64       `mapstructure:"retry_multiplier" validate:"min=0"`
	DrainTimeout    time.Duration `mapstructure:"drain_timeout" validate:"gt=0"`
	DequeueTimeout  time.Duration `mapstructure:"dequeue_timeout" validate:"gt=0"`
}

type HandlerConfig struct {
	Type      string  `mapstructure:"type" validate:"required"`
	Queue     string  `mapstructure:"queue"`
	Workers   int     `mapstructure:"workers" validate:"min=0"`
	RateLimit float64 `mapstructure:"rate_limit" validate:"min=0"`
	Burst     int     `mapstructure:"burst" validate:"min=0"`
}

type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
	// MaxBacklog is the queue depth above which /healthz reports degraded
	MaxBacklog  int      `mapstructure:"max_backlog" validate:"min=0"`
	CORSOrigins []string `mapstructure:"cors_origins"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=text json"`
}

type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"service_name" validate:"required_if=Enabled true"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("transport.url", "memory://")
	v.SetDefault("transport.redis_prefix", "mmate")
	v.SetDefault("dispatch.workers", messaging.DefaultWorkerCount)
	v.SetDefault("dispatch.max_retries", messaging.DefaultMaxRetries)
	v.SetDefault("dispatch.retry_delay", "0s")
	v.SetDefault("dispatch.retry_multiplier", 1.0)
	v.SetDefault("dispatch.drain_timeout", messaging.DefaultDrainTimeout.String())
	v.SetDefault("dispatch.dequeue_timeout", messaging.DefaultDequeueTimeout.String())
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.max_backlog", 10000)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("tracing.service_name", "mmate-dispatch")
}

// Load reads configuration from path, or from config.yaml in ./configs or
// the working directory when path is empty. A missing default file is not
// an error; defaults and environment variables still apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks field constraints and handler uniqueness
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	seen := make(map[string]bool, len(c.Handlers))
	for _, h := range c.Handlers {
		if seen[h.Type] {
			return fmt.Errorf("invalid config: handler %s configured twice", h.Type)
		}
		seen[h.Type] = true
	}
	return nil
}

// ServiceOptions converts the dispatch section into service options. A
// multiplier above 1 selects exponential retry backoff.
func (c *Config) ServiceOptions() []messaging.ServiceOption {
	d := c.Dispatch
	opts := []messaging.ServiceOption{
		messaging.WithDefaultWorkerCount(d.Workers),
		messaging.WithMaxRetries(d.MaxRetries),
		messaging.WithDrainTimeout(d.DrainTimeout),
		messaging.WithDequeueTimeout(d.DequeueTimeout),
	}

	if d.RetryMultiplier > 1 {
		maxDelay := d.RetryMaxDelay
		if maxDelay < d.RetryDelay {
			maxDelay = d.RetryDelay
		}
		opts = append(opts, messaging.WithRetryBackoff(d.RetryDelay, maxDelay, d.RetryMultiplier))
	} else {
		opts = append(opts, messaging.WithRetryDelay(d.RetryDelay))
	}

	for _, h := range c.Handlers {
		if h.Workers > 0 {
			opts = append(opts, messaging.WithWorkerCount(h.Type, h.Workers))
		}
	}
	return opts
}

// HandlerOptions converts one handler entry into registration options
func (h HandlerConfig) HandlerOptions() []messaging.HandlerOption {
	var opts []messaging.HandlerOption
	if h.Queue != "" {
		opts = append(opts, messaging.WithQueue(h.Queue))
	}
	if h.RateLimit > 0 {
		opts = append(opts, messaging.WithRateLimit(h.RateLimit, h.Burst))
	}
	return opts
}

// NewLogger builds a text or JSON slog logger at the configured level
func (l LogConfig) NewLogger(w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		level = slog.LevelInfo
	}

	handlerOpts := &slog.HandlerOptions{Level: level}
	if l.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, handlerOpts))
	}
	return slog.New(slog.NewTextHandler(w, handlerOpts))
}
