package api

import (
	"net/http"

	"sapiremote/internal/gateway"
	"sapiremote/internal/health"
)

// RouterConfig holds dependencies for the router.
type RouterConfig struct {
	Gateway       *gateway.Service
	Metrics       MetricsRecorder
	HealthChecker *health.Checker
	APIKey        string
}

// NewRouter creates a new HTTP router with all routes configured.
func NewRouter(cfg RouterConfig) http.Handler {
	handler := NewHandler(cfg.Gateway, cfg.HealthChecker)

	mux := http.NewServeMux()

	// Health check endpoints (liveness/readiness probes) - no auth required
	mux.HandleFunc("GET /livez", handler.Livez)
	mux.HandleFunc("GET /readyz", handler.Readyz)

	// Problem endpoints - auth required
	auth := AuthMiddleware(cfg.APIKey)
	mux.Handle("POST /v1/problems", auth(http.HandlerFunc(handler.SubmitProblem)))
	mux.Handle("GET /v1/problems", auth(http.HandlerFunc(handler.ListProblems)))
	mux.Handle("GET /v1/problems/{id}", auth(http.HandlerFunc(handler.GetProblem)))
	mux.Handle("DELETE /v1/problems/{id}", auth(http.HandlerFunc(handler.CancelProblem)))
	mux.Handle("POST /v1/problems/{id}/attach", auth(http.HandlerFunc(handler.AttachProblem)))
	mux.Handle("GET /v1/problems/{id}/answer", auth(http.HandlerFunc(handler.GetAnswer)))
	mux.Handle("POST /v1/problems/{id}/retry", auth(http.HandlerFunc(handler.RetryProblem)))
	mux.Handle("GET /v1/solvers", auth(http.HandlerFunc(handler.ListSolvers)))

	// Apply middleware chain (order matters: outermost first)
	var h http.Handler = mux
	h = ContentTypeMiddleware()(h)
	h = CORSMiddleware()(h)
	if cfg.Metrics != nil {
		h = MetricsMiddleware(cfg.Metrics)(h)
	}
	h = LoggingMiddleware()(h)
	h = RecoveryMiddleware()(h)
	h = RequestIDMiddleware()(h)

	return h
}
