package observability

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"sapiremote/internal/dispatcher"
	"sapiremote/pkg/sapi"
	"sapiremote/pkg/sapihttp"
	"sapiremote/pkg/threadpool"
)

// Metrics holds all application metrics implementing the golden 4 signals:
// - Latency: How long requests/problems take
// - Traffic: Request/problem throughput
// - Errors: Rate of failures
// - Saturation: Resource utilization (tracked problems, queue depth)
type Metrics struct {
	meter metric.Meter

	// Gateway HTTP metrics (Latency, Traffic, Errors)
	HTTPRequestDuration metric.Float64Histogram
	HTTPRequestsTotal   metric.Int64Counter
	HTTPErrorsTotal     metric.Int64Counter

	// Problem metrics (Latency, Traffic, Errors, Saturation)
	ProblemDuration    metric.Float64Histogram
	ProblemsTotal      metric.Int64Counter
	ProblemErrorsTotal metric.Int64Counter
	ProblemsActive     metric.Int64UpDownCounter
	ProblemStates      metric.Int64Counter

	// Manager request metrics
	ManagerRequestDuration metric.Float64Histogram
	ManagerRetries         metric.Int64Counter

	// Remote API metrics
	TransportDuration metric.Float64Histogram
	TransportRequests metric.Int64Counter
	BreakerState      metric.Int64Gauge

	// Thread pool metrics
	PoolWorkDuration metric.Float64Histogram
	PoolPanics       metric.Int64Counter

	// Dispatcher metrics (Latency, Traffic, Errors, Saturation)
	DispatcherDuration  metric.Float64Histogram
	DispatcherDelivered metric.Int64Counter
	DispatcherFailed    metric.Int64Counter
	DispatcherDropped   metric.Int64Counter
	DispatcherRequeued  metric.Int64Counter
	DispatcherQueueSize metric.Int64Gauge
}

var (
	_ sapi.MetricsRecorder       = (*Metrics)(nil)
	_ sapihttp.MetricsRecorder   = (*Metrics)(nil)
	_ threadpool.MetricsRecorder = (*Metrics)(nil)
	_ dispatcher.MetricsRecorder = (*Metrics)(nil)
)

// NewMetrics creates and registers all metrics with a Prometheus exporter.
func NewMetrics(ctx context.Context) (*Metrics, http.Handler, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	meter := provider.Meter("sapiremote")
	m := &Metrics{meter: meter}

	latencyBuckets := metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10)

	// HTTP metrics
	m.HTTPRequestDuration, err = meter.Float64Histogram(
		"http_request_duration_seconds",
		metric.WithDescription("HTTP request latency in seconds"),
		metric.WithUnit("s"),
		latencyBuckets,
	)
	if err != nil {
		return nil, nil, err
	}

	m.HTTPRequestsTotal, err = meter.Int64Counter(
		"http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.HTTPErrorsTotal, err = meter.Int64Counter(
		"http_errors_total",
		metric.WithDescription("Total number of HTTP errors (4xx and 5xx)"),
	)
	if err != nil {
		return nil, nil, err
	}

	// Problem metrics
	m.ProblemDuration, err = meter.Float64Histogram(
		"problem_duration_seconds",
		metric.WithDescription("Time from registration to a final problem state in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.5, 1, 5, 10, 30, 60, 120, 300, 600, 1800),
	)
	if err != nil {
		return nil, nil, err
	}

	m.ProblemsTotal, err = meter.Int64Counter(
		"problems_total",
		metric.WithDescription("Total number of problems registered with the gateway"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.ProblemErrorsTotal, err = meter.Int64Counter(
		"problem_errors_total",
		metric.WithDescription("Total number of problems that ended in FAILED"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.ProblemsActive, err = meter.Int64UpDownCounter(
		"problems_active",
		metric.WithDescription("Number of problems not yet done (saturation)"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.ProblemStates, err = meter.Int64Counter(
		"problem_state_transitions_total",
		metric.WithDescription("Submitted problem state transitions by target state"),
	)
	if err != nil {
		return nil, nil, err
	}

	// Manager metrics
	m.ManagerRequestDuration, err = meter.Float64Histogram(
		"manager_request_duration_seconds",
		metric.WithDescription("Transport request latency seen by the problem manager"),
		metric.WithUnit("s"),
		latencyBuckets,
	)
	if err != nil {
		return nil, nil, err
	}

	m.ManagerRetries, err = meter.Int64Counter(
		"manager_retries_total",
		metric.WithDescription("Retry timer decisions by action"),
	)
	if err != nil {
		return nil, nil, err
	}

	// Transport metrics
	m.TransportDuration, err = meter.Float64Histogram(
		"transport_request_duration_seconds",
		metric.WithDescription("Remote solver API request latency in seconds"),
		metric.WithUnit("s"),
		latencyBuckets,
	)
	if err != nil {
		return nil, nil, err
	}

	m.TransportRequests, err = meter.Int64Counter(
		"transport_requests_total",
		metric.WithDescription("Total remote solver API requests"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.BreakerState, err = meter.Int64Gauge(
		"transport_breaker_state",
		metric.WithDescription("Circuit breaker state per operation (0 closed, 1 half-open, 2 open)"),
	)
	if err != nil {
		return nil, nil, err
	}

	// Thread pool metrics
	m.PoolWorkDuration, err = meter.Float64Histogram(
		"threadpool_work_duration_seconds",
		metric.WithDescription("Callback execution time on the thread pool"),
		metric.WithUnit("s"),
		latencyBuckets,
	)
	if err != nil {
		return nil, nil, err
	}

	m.PoolPanics, err = meter.Int64Counter(
		"threadpool_panics_total",
		metric.WithDescription("Total callbacks that panicked"),
	)
	if err != nil {
		return nil, nil, err
	}

	// Dispatcher metrics
	m.DispatcherDuration, err = meter.Float64Histogram(
		"dispatcher_duration_seconds",
		metric.WithDescription("Webhook delivery latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, nil, err
	}

	m.DispatcherDelivered, err = meter.Int64Counter(
		"dispatcher_delivered_total",
		metric.WithDescription("Total events successfully delivered"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.DispatcherFailed, err = meter.Int64Counter(
		"dispatcher_failed_total",
		metric.WithDescription("Total events failed after retries"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.DispatcherDropped, err = meter.Int64Counter(
		"dispatcher_dropped_total",
		metric.WithDescription("Total events dropped (buffer full or max requeues)"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.DispatcherRequeued, err = meter.Int64Counter(
		"dispatcher_requeued_total",
		metric.WithDescription("Total events requeued due to open circuit"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.DispatcherQueueSize, err = meter.Int64Gauge(
		"dispatcher_queue_size",
		metric.WithDescription("Current number of events in dispatcher queue (saturation)"),
	)
	if err != nil {
		return nil, nil, err
	}

	return m, promhttp.Handler(), nil
}

// RecordHTTPRequest records gateway HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, statusCode int, durationSeconds float64) {
	attrs := metric.WithAttributes(
		methodAttr(method),
		pathAttr(path),
		statusAttr(statusCode),
	)

	m.HTTPRequestDuration.Record(ctx, durationSeconds, attrs)
	m.HTTPRequestsTotal.Add(ctx, 1, attrs)

	if statusCode >= 400 {
		m.HTTPErrorsTotal.Add(ctx, 1, attrs)
	}
}

// RecordProblemRegistered records a problem handle entering the gateway.
func (m *Metrics) RecordProblemRegistered(ctx context.Context, solver string) {
	attrs := metric.WithAttributes(solverAttr(solver))
	m.ProblemsTotal.Add(ctx, 1, attrs)
	m.ProblemsActive.Add(ctx, 1, attrs)
}

// RecordProblemFinished records a problem reaching DONE or FAILED.
func (m *Metrics) RecordProblemFinished(ctx context.Context, solver string, success bool, durationSeconds float64) {
	attrs := metric.WithAttributes(solverAttr(solver), successAttr(success))
	m.ProblemDuration.Record(ctx, durationSeconds, attrs)
	m.ProblemsActive.Add(ctx, -1, metric.WithAttributes(solverAttr(solver)))

	if !success {
		m.ProblemErrorsTotal.Add(ctx, 1, attrs)
	}
}

// RecordRequest implements sapi.MetricsRecorder.
func (m *Metrics) RecordRequest(ctx context.Context, request, outcome string, durationSeconds float64) {
	m.ManagerRequestDuration.Record(ctx, durationSeconds,
		metric.WithAttributes(requestAttr(request), outcomeAttr(outcome)))
}

// RecordProblemState implements sapi.MetricsRecorder.
func (m *Metrics) RecordProblemState(ctx context.Context, state string) {
	m.ProblemStates.Add(ctx, 1, metric.WithAttributes(stateAttr(state)))
}

// RecordRetry implements sapi.MetricsRecorder.
func (m *Metrics) RecordRetry(ctx context.Context, action string) {
	m.ManagerRetries.Add(ctx, 1, metric.WithAttributes(actionAttr(action)))
}

// RecordTransportRequest implements sapihttp.MetricsRecorder.
func (m *Metrics) RecordTransportRequest(ctx context.Context, op string, status int, seconds float64) {
	attrs := metric.WithAttributes(opAttr(op), statusAttr(status))
	m.TransportDuration.Record(ctx, seconds, attrs)
	m.TransportRequests.Add(ctx, 1, attrs)
}

// RecordBreakerState implements sapihttp.MetricsRecorder.
func (m *Metrics) RecordBreakerState(op, state string) {
	m.BreakerState.Record(context.Background(), breakerLevel(state), metric.WithAttributes(opAttr(op)))
}

func breakerLevel(state string) int64 {
	switch state {
	case "open":
		return 2
	case "half-open":
		return 1
	default:
		return 0
	}
}

// RecordWorkCompleted implements threadpool.MetricsRecorder.
func (m *Metrics) RecordWorkCompleted(ctx context.Context, durationSeconds float64) {
	m.PoolWorkDuration.Record(ctx, durationSeconds)
}

// RecordWorkPanicked implements threadpool.MetricsRecorder.
func (m *Metrics) RecordWorkPanicked(ctx context.Context) {
	m.PoolPanics.Add(ctx, 1)
}

// RecordDispatcherDelivered records a successful event delivery with its duration.
func (m *Metrics) RecordDispatcherDelivered(ctx context.Context, durationSeconds float64) {
	m.DispatcherDelivered.Add(ctx, 1)
	m.DispatcherDuration.Record(ctx, durationSeconds)
}

// RecordDispatcherFailed records a failed event delivery.
func (m *Metrics) RecordDispatcherFailed(ctx context.Context) {
	m.DispatcherFailed.Add(ctx, 1)
}

// RecordDispatcherDropped records a dropped event.
func (m *Metrics) RecordDispatcherDropped(ctx context.Context) {
	m.DispatcherDropped.Add(ctx, 1)
}

// RecordDispatcherRequeued records a requeued event.
func (m *Metrics) RecordDispatcherRequeued(ctx context.Context) {
	m.DispatcherRequeued.Add(ctx, 1)
}

// RecordDispatcherQueueSize records the current queue size.
func (m *Metrics) RecordDispatcherQueueSize(ctx context.Context, size int64) {
	m.DispatcherQueueSize.Record(ctx, size)
}
