package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"sapiremote/internal/gateway"
	"sapiremote/internal/health"
	"sapiremote/internal/testutil"
	"sapiremote/pkg/backoff"
	"sapiremote/pkg/sapi"
	"sapiremote/pkg/sapitest"
)

const validSubmit = `{"solver":"test-solver","type":"ising","data":{"h":[1,-1],"J":{}}}`

type recordedRequest struct {
	method string
	path   string
	status int
}

type mockMetrics struct {
	mu       sync.Mutex
	requests []recordedRequest
}

func (m *mockMetrics) RecordHTTPRequest(_ context.Context, method, path string, status int, _ float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, recordedRequest{method, path, status})
}

type testServer struct {
	fake    *sapitest.Fake
	metrics *mockMetrics
	handler http.Handler
}

func newTestServer(t *testing.T, fake *sapitest.Fake, apiKey string) *testServer {
	t.Helper()
	m, err := sapi.NewProblemManager(sapi.ManagerConfig{
		Transport:    fake,
		Timing:       backoff.Timing{Initial: time.Millisecond, Max: 8 * time.Millisecond, Scale: 2},
		PollInterval: 5 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewProblemManager: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Close(ctx)
	})

	metrics := &mockMetrics{}
	checker := health.NewChecker(health.CheckFunc(func(context.Context) error { return nil }), health.WithCacheTTL(0))
	return &testServer{
		fake:    fake,
		metrics: metrics,
		handler: NewRouter(RouterConfig{
			Gateway:       gateway.NewService(m, nil, nil, gateway.Config{}),
			Metrics:       metrics,
			HealthChecker: checker,
			APIKey:        apiKey,
		}),
	}
}

func (s *testServer) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.handler.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, w.Body.String())
	}
	return v
}

func (s *testServer) waitDone(t *testing.T, handle string) gateway.Problem {
	t.Helper()
	var p gateway.Problem
	testutil.MustWaitFor(t, func() bool {
		w := s.do(t, http.MethodGet, "/v1/problems/"+handle, "")
		if w.Code != http.StatusOK {
			return false
		}
		p = decode[gateway.Problem](t, w)
		return p.Done
	})
	return p
}

func TestHandler_Livez(t *testing.T) {
	t.Parallel()
	handler := &Handler{
		health: health.NewChecker(nil),
	}

	req := httptest.NewRequest(http.MethodGet, "/livez", nil)
	w := httptest.NewRecorder()

	handler.Livez(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status %d, got %d", http.StatusOK, w.Code)
	}

	response := decode[health.Response](t, w)
	if response.Status != health.StatusHealthy {
		t.Errorf("Expected status healthy, got %s", response.Status)
	}
}

func TestHandler_Readyz(t *testing.T) {
	t.Parallel()
	failing := health.CheckFunc(func(context.Context) error { return errors.New("connection refused") })
	passing := health.CheckFunc(func(context.Context) error { return nil })

	tests := []struct {
		name       string
		checker    *health.Checker
		wantCode   int
		wantStatus health.Status
	}{
		{"no transport", health.NewChecker(nil), http.StatusServiceUnavailable, health.StatusUnhealthy},
		{"transport down", health.NewChecker(failing), http.StatusServiceUnavailable, health.StatusUnhealthy},
		{"ready", health.NewChecker(passing), http.StatusOK, health.StatusHealthy},
		{"degraded", health.NewChecker(passing, health.WithCheck("webhooks", failing)), http.StatusOK, health.StatusDegraded},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			handler := &Handler{health: tt.checker}
			w := httptest.NewRecorder()
			handler.Readyz(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))

			if w.Code != tt.wantCode {
				t.Errorf("Expected status %d, got %d", tt.wantCode, w.Code)
			}
			if got := decode[health.Response](t, w).Status; got != tt.wantStatus {
				t.Errorf("Expected %s, got %s", tt.wantStatus, got)
			}
		})
	}
}

func TestHandler_Readyz_ShuttingDown(t *testing.T) {
	t.Parallel()
	checker := health.NewChecker(health.CheckFunc(func(context.Context) error { return nil }))
	checker.SetShuttingDown()
	handler := &Handler{health: checker}

	w := httptest.NewRecorder()
	handler.Readyz(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected status %d, got %d", http.StatusServiceUnavailable, w.Code)
	}
}

func TestHandler_SubmitProblem_Invalid(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, sapitest.NewFake(), "")

	tests := []struct {
		name    string
		body    string
		wantMsg string
	}{
		{"empty body", "", "invalid JSON"},
		{"malformed json", `{"solver": test}`, "invalid JSON"},
		{"missing solver", `{"type":"ising","data":{}}`, "solver"},
		{"empty type", `{"solver":"s","type":"","data":{}}`, "type"},
		{"null data", `{"solver":"s","type":"ising","data":null}`, "data"},
		{"unknown field", `{"solver":"s","type":"ising","data":{},"priority":1}`, "priority"},
		{"bad callback event", `{"solver":"s","type":"ising","data":{},"callback":{"url":"https://x/cb","events":["nope"]}}`, "callback.events"},
		{"callback without url", `{"solver":"s","type":"ising","data":{},"callback":{}}`, "url"},
		{"bad callback scheme", `{"solver":"s","type":"ising","data":{},"callback":{"url":"ftp://x/cb"}}`, "scheme"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			req := httptest.NewRequest(http.MethodPost, "/v1/problems", strings.NewReader(tt.body))
			req.Header.Set("Content-Type", "application/json")
			w := httptest.NewRecorder()
			srv.handler.ServeHTTP(w, req)

			if w.Code != http.StatusBadRequest {
				t.Fatalf("Expected status %d, got %d (%s)", http.StatusBadRequest, w.Code, w.Body.String())
			}
			resp := decode[map[string]string](t, w)
			if !strings.Contains(resp["error"], tt.wantMsg) {
				t.Errorf("error %q does not mention %q", resp["error"], tt.wantMsg)
			}
		})
	}

	if n := len(srv.fake.CallsTo(sapitest.OpSubmit)); n != 0 {
		t.Errorf("submit calls = %d, want 0", n)
	}
}

func TestHandler_SubmitProblem_Lifecycle(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, sapitest.NewFake(), "")

	w := srv.do(t, http.MethodPost, "/v1/problems", validSubmit)
	if w.Code != http.StatusAccepted {
		t.Fatalf("Expected status %d, got %d (%s)", http.StatusAccepted, w.Code, w.Body.String())
	}
	created := decode[gateway.Problem](t, w)
	if created.Handle == "" {
		t.Fatal("Expected a handle")
	}
	if loc := w.Header().Get("Location"); loc != "/v1/problems/"+created.Handle {
		t.Errorf("Location = %q", loc)
	}

	done := srv.waitDone(t, created.Handle)
	if done.State != sapi.Done || done.ProblemID != "p1" {
		t.Errorf("problem = %+v", done)
	}

	w = srv.do(t, http.MethodGet, "/v1/problems/"+created.Handle+"/answer", "")
	if w.Code != http.StatusOK {
		t.Fatalf("answer status %d (%s)", w.Code, w.Body.String())
	}
	answer := decode[gateway.AnswerResponse](t, w)
	if answer.Type != "qp" || answer.ProblemID != "p1" {
		t.Errorf("answer = %+v", answer)
	}

	w = srv.do(t, http.MethodGet, "/v1/problems", "")
	if w.Code != http.StatusOK {
		t.Fatalf("list status %d", w.Code)
	}
	if list := decode[gateway.ListResponse](t, w); len(list.Problems) != 1 {
		t.Errorf("listed %d problems, want 1", len(list.Problems))
	}

	// The remote id is an alias for the handle
	w = srv.do(t, http.MethodGet, "/v1/problems/p1", "")
	if w.Code != http.StatusOK {
		t.Errorf("get by remote id status %d", w.Code)
	}

	w = srv.do(t, http.MethodPost, "/v1/problems/"+created.Handle+"/retry", "")
	if w.Code != http.StatusConflict {
		t.Errorf("retry of a done problem: status %d, want %d", w.Code, http.StatusConflict)
	}

	w = srv.do(t, http.MethodDelete, "/v1/problems/"+created.Handle, "")
	if w.Code != http.StatusNoContent {
		t.Errorf("cancel status %d, want %d", w.Code, http.StatusNoContent)
	}
}

func TestHandler_GetAnswer_NotDone(t *testing.T) {
	t.Parallel()
	fake := sapitest.NewFake()
	release := fake.Hold(sapitest.OpSubmit)
	defer release()
	srv := newTestServer(t, fake, "")

	w := srv.do(t, http.MethodPost, "/v1/problems", validSubmit)
	created := decode[gateway.Problem](t, w)

	w = srv.do(t, http.MethodGet, "/v1/problems/"+created.Handle+"/answer", "")
	if w.Code != http.StatusConflict {
		t.Errorf("Expected status %d, got %d", http.StatusConflict, w.Code)
	}
}

func TestHandler_NotFound(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, sapitest.NewFake(), "")

	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/v1/problems/missing"},
		{http.MethodGet, "/v1/problems/missing/answer"},
		{http.MethodPost, "/v1/problems/missing/retry"},
		{http.MethodDelete, "/v1/problems/missing"},
	} {
		w := srv.do(t, tc.method, tc.path, "")
		if w.Code != http.StatusNotFound {
			t.Errorf("%s %s: status %d, want %d", tc.method, tc.path, w.Code, http.StatusNotFound)
		}
	}
}

func TestHandler_AttachProblem(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, sapitest.NewFake(), "")

	w := srv.do(t, http.MethodPost, "/v1/problems/remote-7/attach", "")
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected status %d, got %d (%s)", http.StatusCreated, w.Code, w.Body.String())
	}
	if p := decode[gateway.Problem](t, w); p.Handle != "remote-7" {
		t.Errorf("handle = %q", p.Handle)
	}
	srv.waitDone(t, "remote-7")

	w = srv.do(t, http.MethodPost, "/v1/problems/remote-7/attach", `{"meta":{"k":"v"}}`)
	if w.Code != http.StatusConflict {
		t.Errorf("duplicate attach: status %d, want %d", w.Code, http.StatusConflict)
	}

	w = srv.do(t, http.MethodPost, "/v1/problems/.hidden/attach", "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("invalid id: status %d, want %d", w.Code, http.StatusBadRequest)
	}

	w = srv.do(t, http.MethodPost, "/v1/problems/remote-8/attach", "{not json")
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad body: status %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestHandler_ListSolvers(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, sapitest.NewFake(), "")

	w := srv.do(t, http.MethodGet, "/v1/solvers", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d", http.StatusOK, w.Code)
	}
	resp := decode[gateway.SolversResponse](t, w)
	if len(resp.Solvers) != 1 || resp.Solvers[0].ID != "test-solver" {
		t.Errorf("solvers = %+v", resp.Solvers)
	}
}

func TestHandler_ListSolvers_Unavailable(t *testing.T) {
	t.Parallel()
	fake := sapitest.NewFake()
	fake.OnSolvers = func(context.Context) ([]sapi.SolverInfo, error) {
		return nil, sapi.NetworkError("connection refused")
	}
	srv := newTestServer(t, fake, "")

	w := srv.do(t, http.MethodGet, "/v1/solvers", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected status %d, got %d", http.StatusServiceUnavailable, w.Code)
	}
}

func TestRouter_Auth(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, sapitest.NewFake(), "s3cret")

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic s3cret", http.StatusUnauthorized},
		{"wrong key", "Bearer nope", http.StatusUnauthorized},
		{"valid", "Bearer s3cret", http.StatusOK},
		{"lowercase scheme", "bearer s3cret", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/v1/problems", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			srv.handler.ServeHTTP(w, req)
			if w.Code != tt.want {
				t.Errorf("Expected status %d, got %d", tt.want, w.Code)
			}
			if tt.want == http.StatusUnauthorized && w.Header().Get("WWW-Authenticate") == "" {
				t.Error("Expected WWW-Authenticate header")
			}
		})
	}

	// Probes stay open
	w := srv.do(t, http.MethodGet, "/livez", "")
	if w.Code != http.StatusOK {
		t.Errorf("livez with auth enabled: status %d", w.Code)
	}
}

func TestRouter_Metrics(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, sapitest.NewFake(), "")

	srv.do(t, http.MethodGet, "/v1/problems/unknown", "")

	srv.metrics.mu.Lock()
	defer srv.metrics.mu.Unlock()
	if len(srv.metrics.requests) != 1 {
		t.Fatalf("recorded %d requests, want 1", len(srv.metrics.requests))
	}
	got := srv.metrics.requests[0]
	if got.method != http.MethodGet || got.path != "/v1/problems/unknown" || got.status != http.StatusNotFound {
		t.Errorf("recorded %+v", got)
	}
}

func TestMiddleware_Logging(t *testing.T) {
	t.Parallel()
	called := false
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	})

	handler := LoggingMiddleware()(inner)

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if !called {
		t.Error("Inner handler was not called")
	}
}

func TestMiddleware_Recovery(t *testing.T) {
	t.Parallel()
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("test panic")
	})

	handler := RecoveryMiddleware()(inner)

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	w := httptest.NewRecorder()

	// Should not panic
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Errorf("Expected status %d, got %d", http.StatusInternalServerError, w.Code)
	}
}

func TestMiddleware_RequestID(t *testing.T) {
	t.Parallel()
	var seen string
	handler := RequestIDMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestID(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req.Header.Set(RequestIDHeader, "req-42")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if seen != "req-42" || w.Header().Get(RequestIDHeader) != "req-42" {
		t.Errorf("propagated id = %q, header = %q", seen, w.Header().Get(RequestIDHeader))
	}

	w = httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/test", nil))
	if seen == "" || seen == "req-42" || w.Header().Get(RequestIDHeader) != seen {
		t.Errorf("generated id = %q, header = %q", seen, w.Header().Get(RequestIDHeader))
	}
}

func TestMiddleware_ContentType(t *testing.T) {
	t.Parallel()
	called := false
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	})

	handler := ContentTypeMiddleware()(inner)

	// Test with wrong content type
	req := httptest.NewRequest(http.MethodPost, "/test", bytes.NewBufferString("{}"))
	req.Header.Set("Content-Type", "text/plain")
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Code != http.StatusUnsupportedMediaType {
		t.Errorf("Expected status %d, got %d", http.StatusUnsupportedMediaType, w.Code)
	}

	// Parameters are allowed
	req = httptest.NewRequest(http.MethodPost, "/test", bytes.NewBufferString("{}"))
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	w = httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if !called {
		t.Error("Inner handler was not called")
	}
}

func TestMiddleware_ContentType_EmptyBodyAllowed(t *testing.T) {
	t.Parallel()
	called := false
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	})

	handler := ContentTypeMiddleware()(inner)

	// GET requests don't need content-type
	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if !called {
		t.Error("Inner handler should be called for GET requests")
	}
}

func TestMiddleware_CORS(t *testing.T) {
	t.Parallel()
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	handler := CORSMiddleware()(inner)

	// Test OPTIONS preflight
	req := httptest.NewRequest(http.MethodOptions, "/test", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status %d, got %d", http.StatusOK, w.Code)
	}

	if w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("Expected CORS header")
	}
}

func TestFieldName(t *testing.T) {
	t.Parallel()
	tests := map[string]string{
		"":                   "body",
		"/solver":            "solver",
		"/callback/url":      "callback.url",
		"/meta/owner":        "meta.owner",
		"/callback/events/0": "callback.events.0",
	}
	for in, want := range tests {
		if got := fieldName(in); got != want {
			t.Errorf("fieldName(%q) = %q, want %q", in, got, want)
		}
	}
}
