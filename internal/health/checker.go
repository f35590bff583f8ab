// Package health provides health check functionality for liveness and readiness probes.
package health

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
)

// ReadinessChecker is the interface for readiness checks.
// Implemented by transports to verify they can reach their backend.
type ReadinessChecker interface {
	Ready(ctx context.Context) error
}

// CheckFunc adapts a function to ReadinessChecker.
type CheckFunc func(ctx context.Context) error

// Ready calls f.
func (f CheckFunc) Ready(ctx context.Context) error {
	return f(ctx)
}

// Status represents the health status of a component.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDegraded  Status = "degraded"
)

const (
	defaultTimeout  = 5 * time.Second
	defaultCacheTTL = time.Second

	checkTransport = "transport"
)

// CheckResult contains the result of a health check.
type CheckResult struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

// Response is the health check response.
type Response struct {
	Status Status                 `json:"status"`
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

type namedCheck struct {
	name     string
	checker  ReadinessChecker
	critical bool
}

// Option configures a Checker.
type Option func(*Checker)

// WithTimeout bounds each individual check.
func WithTimeout(d time.Duration) Option {
	return func(c *Checker) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithCacheTTL sets how long a readiness result is reused. Zero disables
// caching.
func WithCacheTTL(d time.Duration) Option {
	return func(c *Checker) {
		if d >= 0 {
			c.cacheTTL = d
		}
	}
}

// WithCheck adds a non-critical check. Its failure degrades the service
// without taking it out of rotation.
func WithCheck(name string, rc ReadinessChecker) Option {
	return func(c *Checker) {
		c.checks = append(c.checks, namedCheck{name: name, checker: rc})
	}
}

// Checker performs health checks on dependencies.
type Checker struct {
	checks   []namedCheck
	timeout  time.Duration
	cacheTTL time.Duration

	mu           sync.RWMutex
	lastCheck    time.Time
	cachedReady  *Response
	shuttingDown bool
}

// NewChecker creates a health checker whose critical dependency is the
// solver transport.
func NewChecker(transport ReadinessChecker, opts ...Option) *Checker {
	c := &Checker{
		checks:   []namedCheck{{name: checkTransport, checker: transport, critical: true}},
		timeout:  defaultTimeout,
		cacheTTL: defaultCacheTTL,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Liveness returns true if the service is alive.
// This should be a lightweight check that doesn't depend on external services.
// Failing this probe should trigger a container restart.
func (c *Checker) Liveness(ctx context.Context) *Response {
	return &Response{
		Status: StatusHealthy,
	}
}

// Readiness checks if the service is ready to accept traffic.
// A failing critical check makes the response unhealthy; a failing
// optional check makes it degraded.
func (c *Checker) Readiness(ctx context.Context) *Response {
	c.mu.RLock()
	if c.shuttingDown {
		c.mu.RUnlock()
		return &Response{
			Status: StatusUnhealthy,
			Checks: map[string]CheckResult{
				"shutdown": {Status: StatusUnhealthy, Message: "service is shutting down"},
			},
		}
	}

	// Use cached result if recent (avoid hammering the backend)
	if c.cachedReady != nil && time.Since(c.lastCheck) < c.cacheTTL {
		cached := c.cachedReady
		c.mu.RUnlock()
		return cached
	}
	c.mu.RUnlock()

	checks := make(map[string]CheckResult, len(c.checks))
	overallStatus := StatusHealthy

	for _, nc := range c.checks {
		result := c.run(ctx, nc)
		checks[nc.name] = result
		if result.Status == StatusHealthy {
			continue
		}
		if nc.critical {
			overallStatus = StatusUnhealthy
		} else if overallStatus == StatusHealthy {
			overallStatus = StatusDegraded
		}
	}

	response := &Response{
		Status: overallStatus,
		Checks: checks,
	}

	c.mu.Lock()
	if !c.shuttingDown {
		c.cachedReady = response
		c.lastCheck = time.Now()
	}
	c.mu.Unlock()

	return response
}

// run executes one check under the per-check timeout.
func (c *Checker) run(ctx context.Context, nc namedCheck) CheckResult {
	if nc.checker == nil {
		return CheckResult{
			Status:  StatusUnhealthy,
			Message: nc.name + " not configured",
		}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := nc.checker.Ready(ctx); err != nil {
		return CheckResult{
			Status:  StatusUnhealthy,
			Message: err.Error(),
		}
	}

	return CheckResult{
		Status: StatusHealthy,
	}
}

// IsHealthy returns true if the overall status is healthy.
func (r *Response) IsHealthy() bool {
	return r.Status == StatusHealthy
}

// IsReady returns true unless a critical check failed.
func (r *Response) IsReady() bool {
	return r.Status != StatusUnhealthy
}

// SetShuttingDown marks the service as shutting down.
// This causes readiness checks to return unhealthy, signaling
// load balancers to stop sending new traffic.
func (c *Checker) SetShuttingDown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shuttingDown = true
	c.cachedReady = nil // Clear cache to ensure immediate effect
}

// WaitReady polls rc until it reports ready, the attempts run out or ctx
// ends. Zero attempts polls until ctx ends. The last check error is
// returned.
func WaitReady(ctx context.Context, rc ReadinessChecker, attempts uint, delay time.Duration) error {
	if rc == nil {
		return errors.New("no readiness checker")
	}
	return retry.Do(
		func() error {
			return rc.Ready(ctx)
		},
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.Delay(delay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
	)
}
