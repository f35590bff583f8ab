// Package api provides the HTTP API handlers and routing for the solver gateway.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"sapiremote/internal/apperrors"
	"sapiremote/internal/gateway"
	"sapiremote/internal/health"
)

// maxRequestBodySize limits request bodies; problem data can be large.
const maxRequestBodySize = 16 << 20 // 16 MB

// Handler contains HTTP handlers for the problems API
type Handler struct {
	svc    *gateway.Service
	health *health.Checker
}

// NewHandler creates a new API handler
func NewHandler(svc *gateway.Service, healthChecker *health.Checker) *Handler {
	return &Handler{
		svc:    svc,
		health: healthChecker,
	}
}

// SubmitProblem handles POST /v1/problems
func (h *Handler) SubmitProblem(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if err := validateSubmitBody(body); err != nil {
		h.handleError(w, r, err)
		return
	}

	var req gateway.SubmitRequest
	if err := json.Unmarshal(body, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	resp, err := h.svc.Submit(r.Context(), &req)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	w.Header().Set("Location", "/v1/problems/"+resp.Handle)
	h.writeJSON(w, http.StatusAccepted, resp)
}

// AttachProblem handles POST /v1/problems/{id}/attach
func (h *Handler) AttachProblem(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	var req gateway.AttachRequest
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			h.writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
			return
		}
	}

	resp, err := h.svc.Attach(r.Context(), r.PathValue("id"), &req)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, resp)
}

// ListProblems handles GET /v1/problems
func (h *Handler) ListProblems(w http.ResponseWriter, r *http.Request) {
	resp, err := h.svc.List(r.Context())
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, resp)
}

// GetProblem handles GET /v1/problems/{id}
func (h *Handler) GetProblem(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		h.writeError(w, http.StatusBadRequest, "Problem ID is required")
		return
	}

	resp, err := h.svc.Get(r.Context(), id)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, resp)
}

// GetAnswer handles GET /v1/problems/{id}/answer
func (h *Handler) GetAnswer(w http.ResponseWriter, r *http.Request) {
	resp, err := h.svc.Answer(r.Context(), r.PathValue("id"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, resp)
}

// RetryProblem handles POST /v1/problems/{id}/retry
func (h *Handler) RetryProblem(w http.ResponseWriter, r *http.Request) {
	resp, err := h.svc.Retry(r.Context(), r.PathValue("id"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusAccepted, resp)
}

// CancelProblem handles DELETE /v1/problems/{id}
func (h *Handler) CancelProblem(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		h.writeError(w, http.StatusBadRequest, "Problem ID is required")
		return
	}

	if err := h.svc.Cancel(r.Context(), id); err != nil {
		h.handleError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// ListSolvers handles GET /v1/solvers
func (h *Handler) ListSolvers(w http.ResponseWriter, r *http.Request) {
	resp, err := h.svc.Solvers(r.Context())
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, resp)
}

// Livez handles GET /livez - liveness probe.
// Returns 200 if the process is alive. Does not check dependencies.
func (h *Handler) Livez(w http.ResponseWriter, r *http.Request) {
	response := h.health.Liveness(r.Context())
	h.writeJSON(w, http.StatusOK, response)
}

// Readyz handles GET /readyz - readiness probe.
// Returns 503 if the solver backend is unreachable or the service is
// shutting down. A degraded response is still ready.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	response := h.health.Readiness(r.Context())

	status := http.StatusOK
	if !response.IsReady() {
		status = http.StatusServiceUnavailable
	}

	h.writeJSON(w, status, response)
}

// readBody reads the whole request body under the size limit.
func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, apperrors.Validation("body", "request body too large")
		}
		return nil, apperrors.Validation("body", "failed to read request body")
	}
	return body, nil
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// writeError writes an error response
func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

// handleError handles errors from service layer with appropriate HTTP status codes.
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatus(err)
	if status >= 500 {
		slog.ErrorContext(r.Context(), "Internal error", "error", err, "path", r.URL.Path)
	} else {
		slog.WarnContext(r.Context(), "Client error", "error", err, "path", r.URL.Path, "status", status)
	}
	h.writeError(w, status, err.Error())
}
