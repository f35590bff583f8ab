package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"sapiremote/internal/api"
	"sapiremote/internal/config"
	"sapiremote/internal/dispatcher"
	"sapiremote/internal/gateway"
	"sapiremote/internal/health"
	"sapiremote/internal/observability"
)

const startupRetryDelay = 2 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP gateway",
	Long: `Run the HTTP gateway over one problem pipeline.

The gateway accepts problems over HTTP, tracks them under stable handles and
reports lifecycle events to per-problem webhooks as signed CloudEvents.

Endpoints:
  POST   /v1/problems               submit a problem
  GET    /v1/problems               list tracked problems
  GET    /v1/problems/{id}          problem status
  DELETE /v1/problems/{id}          cancel
  POST   /v1/problems/{id}/attach   track a problem submitted elsewhere
  GET    /v1/problems/{id}/answer   answer of a finished problem
  POST   /v1/problems/{id}/retry    retry a failed problem
  GET    /v1/solvers                backend solvers
  GET    /livez, /readyz            probes
  GET    /metrics                   Prometheus metrics (metrics port)

Examples:
  sapi serve --remote-url https://solver.example/sapi
  sapi serve --backend docker --server-port 9000`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return serve(cmd.Context(), cfg)
	},
}

func init() {
	f := serveCmd.Flags()
	f.String("server-port", "", "API port")
	f.String("server-metrics-port", "", "metrics port")
	f.String("server-api-key-file", "", "file holding the bearer key clients must present")
	f.Duration("server-drain-wait", 0, "how long to stay unready before shutting down")
}

func serve(ctx context.Context, cfg *config.Config) error {
	// Setup metrics
	metrics, metricsHandler, err := observability.NewMetrics(ctx)
	if err != nil {
		return err
	}

	s, err := buildStack(ctx, cfg, metrics)
	if err != nil {
		return err
	}

	slog.Info("Waiting for solver backend", "backend", cfg.Backend)
	if err := health.WaitReady(ctx, s.transport, cfg.Server.StartupAttempts, startupRetryDelay); err != nil {
		closeStack(s, cfg.Server.ShutdownTimeout)
		return fmt.Errorf("solver backend not ready: %w", err)
	}

	// Create callback dispatcher
	eventDispatcher := dispatcher.NewMemory(dispatcher.MemoryConfig{
		BufferSize:  cfg.Webhooks.BufferSize,
		Workers:     cfg.Webhooks.Workers,
		HTTPTimeout: cfg.Webhooks.Timeout,
		MaxRetries:  cfg.Webhooks.MaxRetries,
	}, metrics)

	healthChecker := health.NewChecker(s.transport,
		health.WithCheck("webhooks", webhookCheck(eventDispatcher, cfg.Webhooks.BufferSize)),
	)

	gw := gateway.NewService(s.manager, eventDispatcher, metrics, gateway.Config{})
	maintenanceCtx, stopMaintenance := context.WithCancel(context.WithoutCancel(ctx))
	defer stopMaintenance()
	go gw.Run(maintenanceCtx)

	apiKey := cfg.Server.APIKey()
	router := api.NewRouter(api.RouterConfig{
		Gateway:       gw,
		Metrics:       metrics,
		HealthChecker: healthChecker,
		APIKey:        apiKey,
	})

	if apiKey != "" {
		slog.Info("API authentication enabled")
	} else {
		slog.Warn("API authentication disabled - no server.api_key_file configured")
	}

	// Create API server
	apiServer := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Create metrics server
	metricsMux := http.NewServeMux()
	metricsMux.Handle("GET /metrics", metricsHandler)
	metricsServer := &http.Server{
		Addr:         ":" + cfg.Server.MetricsPort,
		Handler:      metricsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	// Channel to capture server errors
	serverErr := make(chan error, 2)

	go func() {
		slog.Info("Starting API server", "port", cfg.Server.Port)
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	go func() {
		slog.Info("Starting metrics server", "port", cfg.Server.MetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// shutdown closes both servers gracefully
	shutdown := func(timeout time.Duration) {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if err := apiServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("API server shutdown error", "error", err)
		}
		if err := metricsServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Metrics server shutdown error", "error", err)
		}
	}

	var runErr error
	select {
	case <-ctx.Done():
		slog.Info("Received shutdown signal")
	case runErr = <-serverErr:
		slog.Error("Server failed", "error", runErr)
	}

	// Phase 1: Mark service as unready for load balancer draining
	healthChecker.SetShuttingDown()

	// Phase 2: Wait for load balancers to stop sending traffic
	if runErr == nil && cfg.Server.DrainWait > 0 {
		slog.Info("Waiting for traffic to drain", "duration", cfg.Server.DrainWait)
		time.Sleep(cfg.Server.DrainWait)
	}

	// Phase 3: Stop accepting new connections, finish in-flight requests
	slog.Info("Starting graceful shutdown")
	shutdown(cfg.Server.ShutdownTimeout)
	stopMaintenance()

	// Phases 4 and 5: Stop the manager, then its pool and retry timers.
	// Final lifecycle events are queued on the dispatcher here.
	closeStack(s, cfg.Server.ShutdownTimeout)

	// Phase 6: Drain callback dispatcher
	slog.Info("Draining callback dispatcher")
	dispatcherCtx, dispatcherCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer dispatcherCancel()
	if err := eventDispatcher.Close(dispatcherCtx); err != nil {
		slog.Warn("Dispatcher shutdown error", "error", err)
	}

	// Log final dispatcher stats
	stats := eventDispatcher.Stats()
	slog.Info("Dispatcher stats",
		"delivered", stats.Delivered,
		"failed", stats.Failed,
		"dropped", stats.Dropped,
	)

	slog.Info("Shutdown complete")
	return runErr
}

func closeStack(s *stack, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := s.Close(ctx); err != nil {
		slog.Warn("Pipeline shutdown error", "error", err)
	}
}

// webhookCheck reports degraded readiness while the webhook queue is full.
func webhookCheck(d dispatcher.Dispatcher, capacity int) health.CheckFunc {
	return func(context.Context) error {
		if stats := d.Stats(); capacity > 0 && stats.QueueDepth >= capacity {
			return fmt.Errorf("webhook queue full (%d events)", stats.QueueDepth)
		}
		return nil
	}
}
