package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	mmate "github.com/glimte/mmate-dispatch"
	"github.com/glimte/mmate-dispatch/health"
	"github.com/glimte/mmate-dispatch/internal/tracing"
	"github.com/glimte/mmate-dispatch/messaging"
	"github.com/glimte/mmate-dispatch/monitor"
	"github.com/glimte/mmate-dispatch/transports/breaker"
)

func newServeCommand(flags *globalFlags) *cobra.Command {
	var requeueInFlight bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the dispatch service with the ops HTTP endpoint",
		Long: `Starts workers for every handler in the config file. Each handler logs and
acknowledges its messages. Health, stats, worker state, redrive and Prometheus
metrics are served on http.addr.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			cfg, logger, err := loadConfig(flags)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("requeue-inflight") {
				cfg.Transport.RequeueInFlight = requeueInFlight
			}

			registry := prometheus.NewRegistry()
			registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
			recorder := monitor.NewPrometheusRecorder(registry)

			serviceOptions := []messaging.ServiceOption{messaging.WithMetrics(recorder)}
			shutdownTracing := func(context.Context) error { return nil }
			if cfg.Tracing.Enabled {
				tp, shutdown, err := tracing.Init(cfg.Tracing.ServiceName, os.Stderr)
				if err != nil {
					return fmt.Errorf("failed to init tracing: %w", err)
				}
				shutdownTracing = shutdown
				serviceOptions = append(serviceOptions, messaging.WithTracerProvider(tp))
			}

			clientOptions := []mmate.ClientOption{mmate.WithServiceOptions(serviceOptions...)}
			if cfg.Transport.Breaker {
				settings := breaker.DefaultSettings()
				settings.Logger = logger
				settings.OnStateChange = recorder.ObserveBreakerState
				clientOptions = append(clientOptions, mmate.WithBreaker(settings))
			}

			client, err := newClient(cfg, logger, clientOptions...)
			if err != nil {
				return err
			}
			svc := client.Service()

			if err := registerSinks(svc, cfg, logger); err != nil {
				_ = client.Close()
				return err
			}
			if len(cfg.Handlers) == 0 {
				logger.Warn("no handlers configured; workers will not start")
			}

			if cfg.Transport.RequeueInFlight {
				n, err := client.RequeueInFlight(ctx)
				if err != nil {
					_ = client.Close()
					return err
				}
				logger.Info("requeued in-flight messages", "count", n)
			}

			checks := health.NewRegistry()
			checks.SetMetadata("version", version)
			checks.SetMetadata("transport", client.Transport())
			checks.Register(health.NewServiceChecker(svc))
			checks.Register(health.NewPingChecker("queue_backend", client, 2*time.Second))
			checks.Register(health.NewRuntimeChecker(5000, 20000))
			if b := client.Breaker(); b != nil {
				checks.Register(health.NewBreakerChecker(b))
			}

			serverOptions := []monitor.ServerOption{
				monitor.WithHealthRegistry(checks),
				monitor.WithGatherer(registry),
				monitor.WithLogger(logger),
				monitor.WithCORSOrigins(cfg.HTTP.CORSOrigins...),
			}
			if queues := monitor.NewQueueInspector(svc, client.Adapter()); queues != nil {
				registry.MustRegister(queues)
				checks.Register(queues.Checker(cfg.HTTP.MaxBacklog))
				serverOptions = append(serverOptions, monitor.WithQueueInspector(queues))
			}

			server := &http.Server{
				Addr:              cfg.HTTP.Addr,
				Handler:           monitor.NewRouter(svc, serverOptions...),
				ReadHeaderTimeout: 10 * time.Second,
			}

			if err := svc.Start(ctx); err != nil {
				_ = client.Close()
				return fmt.Errorf("failed to start dispatch service: %w", err)
			}

			serverErr := make(chan error, 1)
			go func() {
				logger.Info("ops http listening", "addr", cfg.HTTP.Addr)
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					serverErr <- err
				}
				close(serverErr)
			}()

			select {
			case <-ctx.Done():
				logger.Info("shutting down")
			case err := <-serverErr:
				if err != nil {
					logger.Error("ops http failed", "error", err)
				}
			}

			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Dispatch.DrainTimeout+5*time.Second)
			defer shutdownCancel()

			return errors.Join(
				svc.Stop(shutdownCtx),
				server.Shutdown(shutdownCtx),
				client.Close(),
				shutdownTracing(shutdownCtx),
			)
		},
	}
	cmd.Flags().BoolVar(&requeueInFlight, "requeue-inflight", false, "Requeue messages a crashed consumer left unacknowledged before starting (redis)")
	return cmd
}
