// Package gateway exposes a ProblemManager to HTTP clients: it tracks
// submitted problems under stable handles and reports their lifecycle as
// CloudEvents.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"slices"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"sapiremote/internal/apperrors"
	"sapiremote/internal/dispatcher"
	"sapiremote/pkg/cloudevent"
	"sapiremote/pkg/sapi"
)

// Validation limits
const (
	maxIDLength       = 128
	maxSolverLength   = 128
	maxTypeLength     = 64
	maxMetaKeyLen     = 64
	maxMetaValueLen   = 256
	maxMetaEntries    = 32
	maxCallbackEvents = 16
)

// idPattern allows alphanumeric, hyphens, underscores, dots and colons
var idPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.:-]*$`)

// Manager is the part of sapi.ProblemManager the gateway drives.
type Manager interface {
	SubmitProblem(solver, problemType string, data []byte, params map[string]any) *sapi.SubmittedProblem
	AddProblem(id string) *sapi.SubmittedProblem
	FetchSolvers(ctx context.Context) (map[string]*sapi.Solver, error)
}

// MetricsRecorder is an optional interface for recording gateway metrics.
type MetricsRecorder interface {
	RecordProblemRegistered(ctx context.Context, solver string)
	RecordProblemFinished(ctx context.Context, solver string, success bool, durationSeconds float64)
}

// Config holds gateway settings.
type Config struct {
	Source              string        // CloudEvent source (default "/sapi/gateway")
	Retention           time.Duration // How long finished problems stay listed (default 1h)
	MaintenanceInterval time.Duration // How often finished problems are pruned (default 1m)
}

func (c Config) withDefaults() Config {
	if c.Source == "" {
		c.Source = "/sapi/gateway"
	}
	if c.Retention <= 0 {
		c.Retention = time.Hour
	}
	if c.MaintenanceInterval <= 0 {
		c.MaintenanceInterval = time.Minute
	}
	return c
}

// entry is one tracked problem.
type entry struct {
	handle      string
	solver      string
	problemType string
	meta        map[string]string
	callback    *Callback
	createdAt   time.Time
	problem     *sapi.SubmittedProblem
	events      *EventBuilder

	finishedAt atomic.Int64 // unix nanos, 0 while active
	recorded   atomic.Bool
	remove     func()
}

// Service tracks problems submitted through the gateway.
//
// Problem state lives in the ProblemManager; the Service only maps
// handles to SubmittedProblem values and forwards lifecycle events.
type Service struct {
	manager    Manager
	dispatcher dispatcher.Dispatcher
	metrics    MetricsRecorder
	config     Config
	logger     *slog.Logger

	mu       sync.RWMutex
	entries  map[string]*entry
	byRemote map[string]string // remote id -> handle
}

// NewService creates a gateway over manager. The dispatcher and metrics are
// optional.
func NewService(manager Manager, d dispatcher.Dispatcher, metrics MetricsRecorder, cfg Config) *Service {
	return &Service{
		manager:    manager,
		dispatcher: d,
		metrics:    metrics,
		config:     cfg.withDefaults(),
		logger:     slog.With("component", "gateway"),
		entries:    make(map[string]*entry),
		byRemote:   make(map[string]string),
	}
}

// Submit validates req and hands the problem to the manager.
func (s *Service) Submit(ctx context.Context, req *SubmitRequest) (*Problem, error) {
	if err := validateSubmit(req); err != nil {
		return nil, err
	}

	e := &entry{
		handle:      uuid.NewString(),
		solver:      req.Solver,
		problemType: req.Type,
		meta:        req.Meta,
		callback:    req.Callback,
		createdAt:   time.Now(),
	}
	e.events = NewEventBuilder(e.handle, s.config.Source, e.meta)
	e.problem = s.manager.SubmitProblem(req.Solver, req.Type, req.Data, req.Params)

	s.register(ctx, e)
	s.logger.Info("Problem submitted", "handle", e.handle, "solver", req.Solver, "type", req.Type)
	return e.view(), nil
}

// Attach starts tracking a problem submitted elsewhere. Its handle is the
// remote problem id.
func (s *Service) Attach(ctx context.Context, id string, req *AttachRequest) (*Problem, error) {
	if req == nil {
		req = &AttachRequest{}
	}
	if err := validateID(id); err != nil {
		return nil, err
	}
	if err := validateMeta(req.Meta); err != nil {
		return nil, err
	}
	if err := validateCallback(req.Callback); err != nil {
		return nil, err
	}

	e := &entry{
		handle:    id,
		meta:      req.Meta,
		callback:  req.Callback,
		createdAt: time.Now(),
	}
	e.events = NewEventBuilder(e.handle, s.config.Source, e.meta)

	// the check and the insert share one critical section so concurrent
	// attaches of one id start a single poller
	s.mu.Lock()
	if _, tracked := s.lookupLocked(id); tracked {
		s.mu.Unlock()
		return nil, apperrors.Conflict("problem", id, "problem is already tracked")
	}
	e.problem = s.manager.AddProblem(id)
	s.storeLocked(e)
	s.mu.Unlock()

	s.track(ctx, e)
	s.logger.Info("Problem attached", "problemId", id)
	return e.view(), nil
}

// register stores e and subscribes to its lifecycle.
func (s *Service) register(ctx context.Context, e *entry) {
	s.mu.Lock()
	s.storeLocked(e)
	s.mu.Unlock()
	s.track(ctx, e)
}

func (s *Service) storeLocked(e *entry) {
	s.entries[e.handle] = e
	if e.handle == e.problem.ProblemID() {
		s.byRemote[e.handle] = e.handle
	}
}

// track subscribes to e's lifecycle.
func (s *Service) track(ctx context.Context, e *entry) {
	if s.metrics != nil {
		s.metrics.RecordProblemRegistered(ctx, e.solver)
	}
	e.remove = e.problem.AddObserver(&lifecycle{s: s, e: e})
}

// Get returns the problem with the given handle or remote id.
func (s *Service) Get(ctx context.Context, id string) (*Problem, error) {
	e, err := s.find(id)
	if err != nil {
		return nil, err
	}
	return e.view(), nil
}

// List returns all tracked problems, oldest first.
func (s *Service) List(ctx context.Context) (*ListResponse, error) {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].createdAt.Equal(entries[j].createdAt) {
			return entries[i].handle < entries[j].handle
		}
		return entries[i].createdAt.Before(entries[j].createdAt)
	})

	problems := make([]Problem, len(entries))
	for i, e := range entries {
		problems[i] = *e.view()
	}
	return &ListResponse{Problems: problems}, nil
}

// Cancel asks the backend to cancel the problem. Cancelling a finished
// problem is a no-op.
func (s *Service) Cancel(ctx context.Context, id string) error {
	e, err := s.find(id)
	if err != nil {
		return err
	}
	if e.problem.Done() {
		return nil
	}
	e.problem.Cancel()
	s.logger.Info("Problem cancellation requested", "handle", e.handle)
	return nil
}

// Retry resumes a failed problem. Only FAILED problems can be retried.
func (s *Service) Retry(ctx context.Context, id string) (*Problem, error) {
	e, err := s.find(id)
	if err != nil {
		return nil, err
	}
	st := e.problem.Status()
	if st.State != sapi.Failed {
		return nil, apperrors.Conflict("problem", id, fmt.Sprintf("only FAILED problems can be retried, state is %s", st.State))
	}
	if st.LastGoodState == sapi.Done || (st.Error != nil && st.Error.Kind == sapi.KindSolve) {
		return nil, apperrors.Conflict("problem", id, "problem failed permanently")
	}

	e.finishedAt.Store(0)
	e.problem.Retry()
	s.logger.Info("Problem retry requested", "handle", e.handle)
	return e.view(), nil
}

// Answer returns the answer of a finished problem.
func (s *Service) Answer(ctx context.Context, id string) (*AnswerResponse, error) {
	e, err := s.find(id)
	if err != nil {
		return nil, err
	}
	if !e.problem.Done() {
		return nil, apperrors.Conflict("problem", id, "problem is not done")
	}

	a, err := e.problem.Answer(ctx)
	if err != nil {
		if errors.Is(err, sapi.ErrSolve) {
			return nil, apperrors.Conflict("problem", id, err.Error())
		}
		return nil, mapError("answer", err)
	}
	return &AnswerResponse{
		Handle:    e.handle,
		ProblemID: e.problem.ProblemID(),
		Type:      a.Type,
		Answer:    a.Data,
	}, nil
}

// Solvers lists the backend's solvers sorted by id.
func (s *Service) Solvers(ctx context.Context) (*SolversResponse, error) {
	solvers, err := s.manager.FetchSolvers(ctx)
	if err != nil {
		return nil, mapError("solvers", err)
	}
	out := make([]Solver, 0, len(solvers))
	for _, sv := range solvers {
		out = append(out, Solver{ID: sv.ID, Properties: sv.Properties})
	}
	slices.SortFunc(out, func(a, b Solver) int { return strings.Compare(a.ID, b.ID) })
	return &SolversResponse{Solvers: out}, nil
}

// Len returns the number of tracked problems.
func (s *Service) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Run prunes finished problems until ctx is done.
func (s *Service) Run(ctx context.Context) {
	ticker := time.NewTicker(s.config.MaintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.Prune(time.Now().Add(-s.config.Retention)); n > 0 {
				s.logger.Debug("Pruned finished problems", "count", n)
			}
		}
	}
}

// Prune forgets problems that finished before cutoff and returns how many
// were removed.
func (s *Service) Prune(cutoff time.Time) int {
	s.mu.Lock()
	var removed []*entry
	for handle, e := range s.entries {
		at := e.finishedAt.Load()
		if at == 0 || !time.Unix(0, at).Before(cutoff) {
			continue
		}
		delete(s.entries, handle)
		if id := e.problem.ProblemID(); id != "" && s.byRemote[id] == handle {
			delete(s.byRemote, id)
		}
		removed = append(removed, e)
	}
	s.mu.Unlock()

	for _, e := range removed {
		if e.remove != nil {
			e.remove()
		}
	}
	return len(removed)
}

func (s *Service) find(id string) (*entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.lookupLocked(id)
	if !ok {
		return nil, apperrors.NotFound("problem", id)
	}
	return e, nil
}

func (s *Service) lookupLocked(id string) (*entry, bool) {
	if e, ok := s.entries[id]; ok {
		return e, true
	}
	if handle, ok := s.byRemote[id]; ok {
		e, ok := s.entries[handle]
		return e, ok
	}
	return nil, false
}

// indexRemote makes e reachable by its remote id once it is known.
func (s *Service) indexRemote(e *entry) {
	id := e.problem.ProblemID()
	if id == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[e.handle]; ok {
		s.byRemote[id] = e.handle
	}
}

// finish records the end of a problem's lifecycle.
func (s *Service) finish(e *entry, success bool) {
	now := time.Now()
	e.finishedAt.Store(now.UnixNano())
	if s.metrics != nil && e.recorded.CompareAndSwap(false, true) {
		s.metrics.RecordProblemFinished(context.Background(), e.solver, success, now.Sub(e.createdAt).Seconds())
	}
}

// emit queues ev for e's callback, if it wants it.
func (s *Service) emit(e *entry, ev *cloudevent.CloudEvent) {
	cb := e.callback
	if cb == nil || cb.URL == "" || s.dispatcher == nil {
		return
	}
	if !FilteredEvents(ev.Type, cb.Events) {
		return
	}
	err := s.dispatcher.Dispatch(&dispatcher.Event{
		Payload:     ev,
		Destination: cb.URL,
		SigningKey:  cb.Key,
	})
	if err != nil {
		s.logger.Warn("Callback not queued", "handle", e.handle, "type", ev.Type, "error", err)
	}
}

func (e *entry) view() *Problem {
	st := e.problem.Status()
	return &Problem{
		Handle:    e.handle,
		Solver:    e.solver,
		Type:      e.problemType,
		Meta:      e.meta,
		CreatedAt: e.createdAt,
		Done:      st.State == sapi.Done || st.State == sapi.Failed,
		Status:    st,
	}
}

// lifecycle forwards one problem's milestones. It runs on the thread pool.
type lifecycle struct {
	s *Service
	e *entry
}

func (l *lifecycle) Submitted() {
	l.s.indexRemote(l.e)
	l.s.emit(l.e, l.e.events.BuildSubmittedEvent(l.e.problem.Status()))
}

func (l *lifecycle) Done() {
	l.s.finish(l.e, true)
	l.s.emit(l.e, l.e.events.BuildDoneEvent(l.e.problem.Status()))
}

func (l *lifecycle) Error(err error) {
	l.s.finish(l.e, false)
	l.s.emit(l.e, l.e.events.BuildErrorEvent(l.e.problem.Status(), err))
}

// mapError converts pipeline errors to service errors.
func mapError(op string, err error) error {
	var sapiErr *sapi.Error
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return apperrors.Unavailable(op, err)
	case errors.As(err, &sapiErr):
		switch sapiErr.Kind {
		case sapi.KindNetwork, sapi.KindProtocol, sapi.KindAuth:
			return apperrors.Unavailable(op, err)
		case sapi.KindSolve:
			return apperrors.Conflict("problem", op, err.Error())
		}
		if errors.Is(err, sapi.ErrShutdown) {
			return apperrors.Unavailable(op, err)
		}
	}
	return apperrors.Internal(op, err)
}

// validateSubmit validates a submit request. Does not modify the request.
func validateSubmit(req *SubmitRequest) error {
	if req == nil {
		return apperrors.Validation("body", "request body is required")
	}
	if strings.TrimSpace(req.Solver) == "" {
		return apperrors.Validation("solver", "solver is required")
	}
	if len(req.Solver) > maxSolverLength {
		return apperrors.Validation("solver", fmt.Sprintf("solver exceeds maximum length of %d", maxSolverLength))
	}
	if strings.TrimSpace(req.Type) == "" {
		return apperrors.Validation("type", "problem type is required")
	}
	if len(req.Type) > maxTypeLength {
		return apperrors.Validation("type", fmt.Sprintf("problem type exceeds maximum length of %d", maxTypeLength))
	}
	if len(req.Data) == 0 || string(req.Data) == "null" {
		return apperrors.Validation("data", "problem data is required")
	}
	if err := validateMeta(req.Meta); err != nil {
		return err
	}
	return validateCallback(req.Callback)
}

func validateID(id string) error {
	if id == "" {
		return apperrors.Validation("id", "problem ID is required")
	}
	if len(id) > maxIDLength {
		return apperrors.Validation("id", fmt.Sprintf("problem ID exceeds maximum length of %d", maxIDLength))
	}
	if !idPattern.MatchString(id) {
		return apperrors.Validation("id", "problem ID must be alphanumeric (hyphens, underscores, dots and colons allowed)")
	}
	return nil
}

func validateMeta(meta map[string]string) error {
	if len(meta) > maxMetaEntries {
		return apperrors.Validation("meta", fmt.Sprintf("metadata exceeds maximum of %d entries", maxMetaEntries))
	}
	for k, v := range meta {
		if len(k) > maxMetaKeyLen {
			return apperrors.Validation("meta", fmt.Sprintf("metadata key exceeds maximum length of %d", maxMetaKeyLen))
		}
		if len(v) > maxMetaValueLen {
			return apperrors.Validation("meta", fmt.Sprintf("metadata value exceeds maximum length of %d", maxMetaValueLen))
		}
	}
	return nil
}

func validateCallback(cb *Callback) error {
	if cb == nil {
		return nil
	}
	if err := validateURL(cb.URL); err != nil {
		return apperrors.Validation("callback.url", fmt.Sprintf("invalid callback URL: %v", err))
	}
	if len(cb.Events) > maxCallbackEvents {
		return apperrors.Validation("callback.events", fmt.Sprintf("callback events exceed maximum of %d", maxCallbackEvents))
	}
	for _, ev := range cb.Events {
		if !slices.Contains(cloudevent.Types, ev) {
			return apperrors.Validation("callback.events", fmt.Sprintf("unknown event type %q", ev))
		}
	}
	return nil
}

func validateURL(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("URL is required")
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("malformed URL")
	}
	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("URL scheme must be http or https, got %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}
