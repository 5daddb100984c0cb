package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"os"

	"github.com/spf13/cobra"

	mmate "github.com/glimte/mmate-dispatch"
	"github.com/glimte/mmate-dispatch/contracts"
	"github.com/glimte/mmate-dispatch/internal/config"
	"github.com/glimte/mmate-dispatch/messaging"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

type globalFlags struct {
	configPath string
	url        string
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	flags := &globalFlags{}

	rootCmd := &cobra.Command{
		Use:   "mmate-dispatch",
		Short: "Run and operate the mmate message dispatch service",
		Long: `mmate-dispatch consumes typed messages from a queue backend (memory, Redis,
RabbitMQ or SQS), hands each to its registered handler, retries failures and
dead-letters messages that keep failing.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "Path to a YAML config file")
	rootCmd.PersistentFlags().StringVarP(&flags.url, "url", "u", "", "Queue backend URL, overrides transport.url")

	rootCmd.AddCommand(
		newServeCommand(flags),
		newPublishCommand(flags),
		newRedriveCommand(flags),
	)
	return rootCmd
}

func newPublishCommand(flags *globalFlags) *cobra.Command {
	var correlationID string

	cmd := &cobra.Command{
		Use:   "publish <type> <json-body>",
		Short: "Publish one message onto the queue of a type",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(flags)
			if err != nil {
				return err
			}

			client, err := newClient(cfg, logger)
			if err != nil {
				return err
			}
			defer client.Close()

			if err := registerSinks(client.Service(), cfg, logger); err != nil {
				return err
			}

			var opts []contracts.EnvelopeOption
			if correlationID != "" {
				opts = append(opts, contracts.WithCorrelationID(correlationID))
			}

			env, err := client.Service().Publish(cmd.Context(), args[0], json.RawMessage(args[1]), opts...)
			if err != nil {
				return fmt.Errorf("failed to publish: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "published %s to %s\n", env.ID, env.Queue)
			return nil
		},
	}
	cmd.Flags().StringVar(&correlationID, "correlation-id", "", "Correlation ID of the message")
	return cmd
}

func newRedriveCommand(flags *globalFlags) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "redrive <type>",
		Short: "Move dead-lettered messages of a type back onto its queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(flags)
			if err != nil {
				return err
			}

			client, err := newClient(cfg, logger)
			if err != nil {
				return err
			}
			defer client.Close()

			if err := registerSinks(client.Service(), cfg, logger); err != nil {
				return err
			}

			moved, err := client.Service().Redrive(cmd.Context(), args[0], limit)
			fmt.Fprintf(cmd.OutOrStdout(), "redrove %d message(s) of %s\n", moved, args[0])
			if err != nil {
				return fmt.Errorf("redrive stopped: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "max", "n", 0, "Maximum number of messages to move (0 moves all)")
	return cmd
}

func loadConfig(flags *globalFlags) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return nil, nil, err
	}
	if flags.url != "" {
		cfg.Transport.URL = flags.url
	}

	logger := cfg.Log.NewLogger(os.Stderr)
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func newClient(cfg *config.Config, logger *slog.Logger, extra ...mmate.ClientOption) (*mmate.Client, error) {
	opts := []mmate.ClientOption{
		mmate.WithLogger(logger),
		mmate.WithRedisPrefix(cfg.Transport.RedisPrefix),
		mmate.WithServiceOptions(cfg.ServiceOptions()...),
	}
	opts = append(opts, extra...)
	return mmate.NewClientWithOptions(transportURL(cfg), opts...)
}

// transportURL folds the SQS settings into the connection string
func transportURL(cfg *config.Config) string {
	raw := cfg.Transport.URL
	if cfg.Transport.SQSEndpoint == "" && !cfg.Transport.SQSCreateQueues {
		return raw
	}

	u, err := url.Parse(raw)
	if err != nil || u.Scheme != "sqs" {
		return raw
	}
	q := u.Query()
	if cfg.Transport.SQSEndpoint != "" {
		q.Set("endpoint", cfg.Transport.SQSEndpoint)
	}
	if cfg.Transport.SQSCreateQueues {
		q.Set("create", "true")
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// registerSinks registers a handler that logs and acknowledges every message
// of each configured type
func registerSinks(svc *messaging.Service, cfg *config.Config, logger *slog.Logger) error {
	for _, h := range cfg.Handlers {
		typeID := h.Type
		sink := func(ctx context.Context, env *contracts.Envelope) error {
			logger.Info("message received",
				"messageType", typeID,
				"messageId", env.ID,
				"correlationId", env.CorrelationID,
				"retryCount", env.RetryCount,
				"bytes", len(env.Body),
			)
			return nil
		}
		if err := svc.RegisterHandler(typeID, sink, nil, h.HandlerOptions()...); err != nil {
			return err
		}
	}
	return nil
}
