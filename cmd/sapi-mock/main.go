// sapi-mock serves an in-memory imitation of the remote solver API for
// local development and end-to-end tests.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"sapiremote/internal/config"
	"sapiremote/internal/sapimock"
)

func main() {
	level := slog.LevelInfo
	if config.GetBoolEnv("MOCK_DEBUG", false) {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})))

	if err := run(); err != nil {
		slog.Error("Mock failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	port := config.GetEnv("PORT", "8081")
	metricsPort := config.GetEnv("METRICS_PORT", "9091")

	mock := sapimock.New(sapimock.Options{
		Token:         config.GetSecretFile(config.GetEnv("SAPI_TOKEN_FILE", "")),
		MaxIDs:        config.GetIntEnv("MOCK_MAX_IDS", 100),
		CompleteAfter: config.GetDurationEnv("MOCK_COMPLETE_AFTER", 2*time.Second),
		FailSolver:    config.GetEnv("MOCK_FAIL_SOLVER", "failing"),
	})

	metricsMux := http.NewServeMux()
	metricsMux.Handle("GET /metrics", promhttp.Handler())
	metricsServer := &http.Server{
		Addr:         ":" + metricsPort,
		Handler:      metricsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 2)
	go func() {
		if err := mock.Start(":" + port); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()
	go func() {
		slog.Info("Starting metrics server", "port", metricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-quit:
		slog.Info("Received shutdown signal", "signal", sig)
	case runErr = <-serverErr:
		slog.Error("Server failed", "error", runErr)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := mock.Shutdown(ctx); err != nil {
		slog.Warn("Mock shutdown error", "error", err)
	}
	if err := metricsServer.Shutdown(ctx); err != nil {
		slog.Warn("Metrics server shutdown error", "error", err)
	}
	return runErr
}
