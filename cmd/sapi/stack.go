package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"sapiremote/internal/config"
	"sapiremote/internal/health"
	"sapiremote/internal/observability"
	"sapiremote/internal/transport/docker"
	"sapiremote/pkg/answer"
	"sapiremote/pkg/backoff"
	"sapiremote/pkg/retrytimer"
	"sapiremote/pkg/sapi"
	"sapiremote/pkg/sapihttp"
	"sapiremote/pkg/threadpool"
)

// readyTransport is a transport that can report its own reachability.
type readyTransport interface {
	sapi.Transport
	health.ReadinessChecker
}

// stack is one problem pipeline: backend, worker pool, retry timers and
// the manager driving them.
type stack struct {
	transport readyTransport
	closeFn   func() error
	pool      *threadpool.Pool
	retry     *retrytimer.Service
	manager   *sapi.ProblemManager
}

// openTransport connects to the configured backend.
func openTransport(ctx context.Context, cfg *config.Config, metrics *observability.Metrics) (readyTransport, func() error, error) {
	switch cfg.Backend {
	case config.BackendDocker:
		t, err := docker.New(ctx, docker.Config{
			Solvers:         cfg.Docker.Solvers,
			RetentionPeriod: cfg.Docker.Retention,
			StopTimeout:     cfg.Docker.StopTimeout,
			ExtraHosts:      cfg.Docker.ExtraHosts,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("connect to docker: %w", err)
		}
		slog.Info("Connected to Docker daemon", "solvers", len(cfg.Docker.Solvers))
		return t, t.Close, nil

	default:
		opts := []sapihttp.Option{sapihttp.WithLogger(slog.Default())}
		if metrics != nil {
			opts = append(opts, sapihttp.WithMetrics(metrics))
		}
		c, err := sapihttp.New(sapihttp.Config{
			BaseURL:   cfg.Remote.URL,
			Token:     cfg.Remote.ResolveToken(),
			Proxy:     cfg.Remote.Proxy,
			UserAgent: cfg.Remote.UserAgent,
			Timeout:   cfg.Remote.Timeout,
		}, opts...)
		if err != nil {
			return nil, nil, fmt.Errorf("create HTTP transport: %w", err)
		}
		return c, func() error { return nil }, nil
	}
}

// buildStack wires a manager over the configured backend. metrics may be nil.
func buildStack(ctx context.Context, cfg *config.Config, metrics *observability.Metrics) (*stack, error) {
	transport, closeFn, err := openTransport(ctx, cfg, metrics)
	if err != nil {
		return nil, err
	}

	var poolMetrics threadpool.MetricsRecorder
	var managerMetrics sapi.MetricsRecorder
	if metrics != nil {
		poolMetrics = metrics
		managerMetrics = metrics
	}

	pool, err := threadpool.New(cfg.Manager.Workers, poolMetrics)
	if err != nil {
		_ = closeFn()
		return nil, err
	}
	retry := retrytimer.NewService(slog.Default())

	manager, err := sapi.NewProblemManager(sapi.ManagerConfig{
		Transport:   transport,
		Answers:     answer.New(pool, answer.WithErrorMapper(func(error) error { return sapi.ShutdownError() })),
		RetryTimers: retry,
		Timing: backoff.Timing{
			Initial: cfg.Manager.RetryInitial,
			Max:     cfg.Manager.RetryMax,
			Scale:   cfg.Manager.RetryScale,
		},
		PollInterval: cfg.Manager.PollInterval,
		Limits: sapi.Limits{
			MaxProblemsPerSubmission: cfg.Manager.MaxProblemsPerSubmission,
			MaxIDsPerStatusQuery:     cfg.Manager.MaxIDsPerStatusQuery,
			MaxActiveRequests:        cfg.Manager.MaxActiveRequests,
		},
		Logger:  slog.Default(),
		Metrics: managerMetrics,
	})
	if err != nil {
		pool.Shutdown()
		retry.Shutdown()
		_ = closeFn()
		return nil, err
	}

	return &stack{
		transport: transport,
		closeFn:   closeFn,
		pool:      pool,
		retry:     retry,
		manager:   manager,
	}, nil
}

// Close stops the manager, then the pool and retry timers, then the backend.
func (s *stack) Close(ctx context.Context) error {
	var errs []error
	if err := s.manager.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close manager: %w", err))
	}
	if err := s.pool.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close thread pool: %w", err))
	}
	s.retry.Shutdown()
	if err := s.closeFn(); err != nil {
		errs = append(errs, fmt.Errorf("close transport: %w", err))
	}
	return errors.Join(errs...)
}
