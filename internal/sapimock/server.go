// Package sapimock is an in-memory stand-in for the remote solver HTTP API.
// Solving is simulated: a problem completes after a configurable delay and
// its answer echoes the submitted data back.
package sapimock

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"sapiremote/pkg/sapi"
)

// Operation names for Options.FailNext and Requests.
const (
	OpSolvers = "solvers"
	OpSubmit  = "submit"
	OpStatus  = "status"
	OpAnswer  = "answer"
	OpCancel  = "cancel"
)

// Options configures the mock.
type Options struct {
	Token         string        // required X-Auth-Token; empty accepts anything
	MaxIDs        int           // ids per status query before 414 (default: 100)
	CompleteAfter time.Duration // time from submission to COMPLETED
	FailSolver    string        // problems sent to this solver end FAILED
	Solvers       []sapi.SolverInfo
	Logger        *slog.Logger
}

// DefaultSolvers is served when Options.Solvers is empty.
var DefaultSolvers = []sapi.SolverInfo{
	{ID: "echo", Properties: map[string]any{"num_qubits": 128, "supported_problem_types": []any{"ising", "qubo"}}},
	{ID: "failing", Properties: map[string]any{"num_qubits": 8}},
}

type problem struct {
	id          string
	solver      string
	typ         string
	data        json.RawMessage
	params      map[string]any
	submittedOn time.Time
	cancelled   bool
}

type forced struct {
	status int
	left   int
}

// Server is the mock API. It implements http.Handler.
type Server struct {
	e    *echo.Echo
	opts Options
	now  func() time.Time

	mu       sync.Mutex
	problems map[string]*problem
	requests map[string]int
	failures map[string]*forced
}

// New creates a mock server.
func New(opts Options) *Server {
	if opts.MaxIDs <= 0 {
		opts.MaxIDs = 100
	}
	if len(opts.Solvers) == 0 {
		opts.Solvers = DefaultSolvers
	}
	if opts.FailSolver == "" {
		opts.FailSolver = "failing"
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	opts.Logger = opts.Logger.With("component", "sapi-mock")

	s := &Server{
		e:        echo.New(),
		opts:     opts,
		now:      time.Now,
		problems: make(map[string]*problem),
		requests: make(map[string]int),
		failures: make(map[string]*forced),
	}
	s.e.HideBanner = true
	s.e.HidePort = true
	s.routes()
	return s
}

func (s *Server) routes() {
	s.e.Use(s.authenticate)
	s.e.GET("/solvers/remote/", s.op(OpSolvers, s.handleSolvers))
	s.e.POST("/problems/", s.op(OpSubmit, s.handleSubmit))
	s.e.GET("/problems/", s.op(OpStatus, s.handleStatus))
	s.e.GET("/problems/:id/", s.op(OpAnswer, s.handleAnswer))
	s.e.DELETE("/problems/", s.op(OpCancel, s.handleCancel))
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.e.ServeHTTP(w, r)
}

// Start listens on addr until Shutdown.
func (s *Server) Start(addr string) error {
	s.opts.Logger.Info("Mock solver API listening", "addr", addr)
	return s.e.Start(addr)
}

// Shutdown stops a server started with Start.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.e.Shutdown(ctx)
}

// FailNext makes the next n requests of op answer with status.
func (s *Server) FailNext(op string, status, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[op] = &forced{status: status, left: n}
}

// Requests returns how many requests of op were received.
func (s *Server) Requests(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[op]
}

// Len returns the number of stored problems.
func (s *Server) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.problems)
}

func (s *Server) authenticate(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if s.opts.Token != "" && c.Request().Header.Get("X-Auth-Token") != s.opts.Token {
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "invalid token"})
		}
		return next(c)
	}
}

// op counts the request and applies any forced failure.
func (s *Server) op(name string, h echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		s.mu.Lock()
		s.requests[name]++
		f := s.failures[name]
		status := 0
		if f != nil && f.left > 0 {
			f.left--
			status = f.status
		}
		s.mu.Unlock()

		if status != 0 {
			return c.JSON(status, map[string]string{"error": "forced failure"})
		}
		return h(c)
	}
}

func (s *Server) handleSolvers(c echo.Context) error {
	out := make([]map[string]any, len(s.opts.Solvers))
	for i, sv := range s.opts.Solvers {
		out[i] = map[string]any{"id": sv.ID, "properties": sv.Properties}
	}
	return c.JSON(http.StatusOK, out)
}

type submitRequest struct {
	Solver string          `json:"solver"`
	Type   string          `json:"type"`
	Data   json.RawMessage `json:"data"`
	Params map[string]any  `json:"params"`
}

func (s *Server) handleSubmit(c echo.Context) error {
	var reqs []submitRequest
	if err := json.NewDecoder(c.Request().Body).Decode(&reqs); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request"})
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	out := make([]any, len(reqs))
	for i, r := range reqs {
		if !s.knownSolver(r.Solver) {
			out[i] = nil
			continue
		}
		p := &problem{
			id:          uuid.NewString(),
			solver:      r.Solver,
			typ:         r.Type,
			data:        r.Data,
			params:      r.Params,
			submittedOn: now,
		}
		s.problems[p.id] = p
		out[i] = s.statusLocked(p, now)
	}
	s.opts.Logger.Debug("Problems submitted", "count", len(reqs))
	return c.JSON(http.StatusOK, out)
}

func (s *Server) handleStatus(c echo.Context) error {
	raw := c.QueryParam("id")
	if raw == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "id is required"})
	}
	ids := strings.Split(raw, ",")
	if len(ids) > s.opts.MaxIDs {
		return c.JSON(http.StatusRequestURITooLong, map[string]string{"error": "too many ids"})
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	out := make([]any, len(ids))
	for i, id := range ids {
		if p, ok := s.problems[id]; ok {
			out[i] = s.statusLocked(p, now)
		}
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) handleAnswer(c echo.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.problems[c.Param("id")]
	if !ok {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "problem not found"})
	}

	body := s.statusLocked(p, s.now())
	if body["status"] == sapi.StatusCompleted.String() {
		body["answer"] = map[string]any{
			"solver": p.solver,
			"data":   p.data,
			"params": p.params,
		}
	}
	return c.JSON(http.StatusOK, body)
}

func (s *Server) handleCancel(c echo.Context) error {
	var ids []string
	if err := json.NewDecoder(c.Request().Body).Decode(&ids); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request"})
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	out := make([]any, len(ids))
	for i, id := range ids {
		p, ok := s.problems[id]
		if !ok {
			continue
		}
		if !s.finishedLocked(p, now) {
			p.cancelled = true
		}
		out[i] = s.statusLocked(p, now)
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) knownSolver(id string) bool {
	for _, sv := range s.opts.Solvers {
		if sv.ID == id {
			return true
		}
	}
	return false
}

func (s *Server) finishedLocked(p *problem, now time.Time) bool {
	return p.cancelled || now.Sub(p.submittedOn) >= s.opts.CompleteAfter
}

func (s *Server) statusLocked(p *problem, now time.Time) map[string]any {
	entry := map[string]any{
		"id":           p.id,
		"type":         p.typ,
		"submitted_on": p.submittedOn.UTC().Format(time.RFC3339Nano),
	}
	elapsed := now.Sub(p.submittedOn)

	switch {
	case p.cancelled:
		entry["status"] = sapi.StatusCanceled.String()
	case elapsed < s.opts.CompleteAfter/2:
		entry["status"] = sapi.StatusPending.String()
	case elapsed < s.opts.CompleteAfter:
		entry["status"] = sapi.StatusInProgress.String()
	case p.solver == s.opts.FailSolver:
		entry["status"] = sapi.StatusFailed.String()
		entry["error_message"] = "solver " + p.solver + " rejected the problem"
		entry["solved_on"] = p.submittedOn.Add(s.opts.CompleteAfter).UTC().Format(time.RFC3339Nano)
	default:
		entry["status"] = sapi.StatusCompleted.String()
		entry["solved_on"] = p.submittedOn.Add(s.opts.CompleteAfter).UTC().Format(time.RFC3339Nano)
	}
	return entry
}
