package sapi

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"sapiremote/internal/apperrors"
	"sapiremote/pkg/answer"
	"sapiremote/pkg/backoff"
	"sapiremote/pkg/retrytimer"
	"sapiremote/pkg/threadpool"
)

// Limits caps batch sizes and concurrent transport calls.
type Limits struct {
	MaxProblemsPerSubmission int // problems per submit call (default: 20)
	MaxIDsPerStatusQuery     int // ids per status call (default: 100)
	MaxActiveRequests        int // transport calls in flight (default: 6)
}

// DefaultLimits returns the limits used for zero fields.
func DefaultLimits() Limits {
	return Limits{
		MaxProblemsPerSubmission: 20,
		MaxIDsPerStatusQuery:     100,
		MaxActiveRequests:        6,
	}
}

// withDefaults fills in zero values with defaults.
func (l Limits) withDefaults() Limits {
	d := DefaultLimits()
	if l.MaxProblemsPerSubmission == 0 {
		l.MaxProblemsPerSubmission = d.MaxProblemsPerSubmission
	}
	if l.MaxIDsPerStatusQuery == 0 {
		l.MaxIDsPerStatusQuery = d.MaxIDsPerStatusQuery
	}
	if l.MaxActiveRequests == 0 {
		l.MaxActiveRequests = d.MaxActiveRequests
	}
	return l
}

// Validate reports whether every limit is at least 1.
func (l Limits) Validate() error {
	if l.MaxProblemsPerSubmission < 1 {
		return apperrors.Validation("maxProblemsPerSubmission", "maxProblemsPerSubmission must be at least 1")
	}
	if l.MaxIDsPerStatusQuery < 1 {
		return apperrors.Validation("maxIdsPerStatusQuery", "maxIdsPerStatusQuery must be at least 1")
	}
	if l.MaxActiveRequests < 1 {
		return apperrors.Validation("maxActiveRequests", "maxActiveRequests must be at least 1")
	}
	return nil
}

// DefaultPollInterval is the delay before an unfinished problem is polled
// again.
const DefaultPollInterval = time.Second

// ManagerConfig holds the collaborators of a ProblemManager.
// Answers and RetryTimers are created and owned by the manager when nil.
type ManagerConfig struct {
	Transport    Transport
	Answers      *answer.Service
	RetryTimers  *retrytimer.Service
	Timing       backoff.Timing // zero value means backoff.Default()
	PollInterval time.Duration  // zero means DefaultPollInterval
	Limits       Limits
	Logger       *slog.Logger
	Metrics      MetricsRecorder
}

type requestKind int

const (
	requestSubmit requestKind = iota
	requestStatus
	requestCancel
	requestAnswer
)

func (r requestKind) String() string {
	switch r {
	case requestSubmit:
		return "submit"
	case requestStatus:
		return "status"
	case requestCancel:
		return "cancel"
	case requestAnswer:
		return "answer"
	default:
		return "unknown"
	}
}

type pendingFetch struct {
	id    string
	cb    answer.Callback
	retry *retryUnit
}

// retryUnit is one piece of work backing off after network failures: a
// problem, an answer download, or the held cancellations. Each unit has its
// own timer so one source exhausting its retries leaves the others alone.
type retryUnit struct {
	timer  *retrytimer.Timer
	parked bool
	resume func()
	abort  func(err *Error)
}

// ProblemManager batches problem submissions and status polls against a
// Transport and drives every SubmittedProblem through its lifecycle.
//
// All fields below the loop comment are owned by the run goroutine.
// Public methods and transport results reach it as messages on cmds, and
// timer callbacks through the due list.
type ProblemManager struct {
	transport    Transport
	answers      *answer.Service
	timers       *retrytimer.Service
	timing       backoff.Timing
	pollInterval time.Duration
	logger       *slog.Logger
	metrics      MetricsRecorder

	pool      *threadpool.Pool    // set when owned
	retrySvc  *retrytimer.Service // set when owned
	ctx       context.Context
	cancelCtx context.CancelFunc
	inflight  sync.WaitGroup

	cmds    chan func()
	stop    chan struct{}
	stopped chan struct{}
	closed  atomic.Bool

	// timer callbacks waiting for the loop
	dueMu sync.Mutex
	due   []func()
	dueC  chan struct{}

	// loop
	requests        []requestKind
	available       int
	closing         bool
	unsubmitted     []*SubmittedProblem
	maxPerSubmit    int
	active          []*SubmittedProblem
	polling         map[*SubmittedProblem]struct{}
	maxIDsPerStatus int
	cancelIDs       []string
	heldCancels     []string
	cancelRetry     *retryUnit
	fetches         []*pendingFetch
	units           map[*retryUnit]struct{}
}

// NewProblemManager validates cfg and starts the manager goroutine.
func NewProblemManager(cfg ManagerConfig) (*ProblemManager, error) {
	if cfg.Transport == nil {
		return nil, apperrors.Validation("transport", "transport is required")
	}
	limits := cfg.Limits.withDefaults()
	if err := limits.Validate(); err != nil {
		return nil, err
	}
	timing := cfg.Timing
	if timing == (backoff.Timing{}) {
		timing = backoff.Default()
	}
	if err := timing.Validate(); err != nil {
		return nil, err
	}
	pollInterval := cfg.PollInterval
	if pollInterval == 0 {
		pollInterval = DefaultPollInterval
	}
	if pollInterval < 0 {
		return nil, apperrors.Validation("pollInterval", "pollInterval must not be negative")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	m := &ProblemManager{
		transport:       cfg.Transport,
		answers:         cfg.Answers,
		timing:          timing,
		pollInterval:    pollInterval,
		logger:          logger.With("component", "problem-manager"),
		metrics:         cfg.Metrics,
		cmds:            make(chan func()),
		stop:            make(chan struct{}),
		stopped:         make(chan struct{}),
		dueC:            make(chan struct{}, 1),
		available:       limits.MaxActiveRequests,
		maxPerSubmit:    limits.MaxProblemsPerSubmission,
		maxIDsPerStatus: limits.MaxIDsPerStatusQuery,
		polling:         make(map[*SubmittedProblem]struct{}),
		units:           make(map[*retryUnit]struct{}),
	}

	if m.answers == nil {
		pool, err := threadpool.New(threadpool.DefaultWorkers, nil)
		if err != nil {
			return nil, err
		}
		m.pool = pool
		m.answers = answer.New(pool, answer.WithErrorMapper(func(error) error { return ShutdownError() }))
	}

	m.timers = cfg.RetryTimers
	if m.timers == nil {
		m.timers = retrytimer.NewService(logger)
		m.retrySvc = m.timers
	}

	m.ctx, m.cancelCtx = context.WithCancel(context.Background())
	go m.run()
	return m, nil
}

func (m *ProblemManager) run() {
	defer close(m.stopped)
	for {
		select {
		case <-m.stop:
			return
		case fn := <-m.cmds:
			fn()
		case <-m.dueC:
			m.dueMu.Lock()
			due := m.due
			m.due = nil
			m.dueMu.Unlock()
			for _, fn := range due {
				fn()
			}
			m.processRequestQueue()
		}
	}
}

// post runs fn on the manager goroutine. It reports false once the manager
// has stopped.
func (m *ProblemManager) post(fn func()) bool {
	select {
	case m.cmds <- fn:
		return true
	case <-m.stop:
		return false
	}
}

// schedule queues fn for the manager goroutine. It is called from timer
// goroutines and must not block.
func (m *ProblemManager) schedule(fn func()) {
	m.dueMu.Lock()
	m.due = append(m.due, fn)
	m.dueMu.Unlock()
	select {
	case m.dueC <- struct{}{}:
	default:
	}
}

// SubmitProblem queues a problem for submission and returns its handle
// immediately.
func (m *ProblemManager) SubmitProblem(solver, problemType string, data []byte, params map[string]any) *SubmittedProblem {
	p := newSubmittedProblem(m, Problem{Solver: solver, Type: problemType, Data: data, Params: params})
	m.recordState(Submitting)
	ok := m.post(func() {
		if m.closing {
			p.transition(event{kind: evFailure, err: ShutdownError()})
			return
		}
		m.unsubmitted = append(m.unsubmitted, p)
		m.pushRequest(requestSubmit)
		m.processRequestQueue()
	})
	if !ok {
		p.transition(event{kind: evFailure, err: ShutdownError()})
	}
	return p
}

// AddProblem starts tracking a problem that was submitted elsewhere.
func (m *ProblemManager) AddProblem(id string) *SubmittedProblem {
	p := newAddedProblem(m, id)
	ok := m.post(func() {
		if m.closing {
			p.transition(event{kind: evFailure, err: ShutdownError()})
			return
		}
		m.active = append(m.active, p)
		m.pushRequest(requestStatus)
		m.processRequestQueue()
	})
	if !ok {
		p.transition(event{kind: evFailure, err: ShutdownError()})
	}
	return p
}

// FetchSolvers lists the solvers offered by the remote service. The call is
// made directly and is not retried.
func (m *ProblemManager) FetchSolvers(ctx context.Context) (map[string]*Solver, error) {
	if m.closed.Load() {
		return nil, ShutdownError()
	}
	start := time.Now()
	infos, err := m.transport.FetchSolvers(ctx)
	m.recordRequest(ctx, "solvers", err, start)
	if err != nil {
		return nil, Classify(err)
	}

	solvers := make(map[string]*Solver, len(infos))
	for _, info := range infos {
		solvers[info.ID] = &Solver{ID: info.ID, Properties: info.Properties, manager: m}
	}
	return solvers, nil
}

// Close stops the manager. Requests in flight are abandoned, and problems
// still queued fail with a shutdown error. Owned services are shut down too.
// It must not be called from an observer or answer callback.
func (m *ProblemManager) Close(ctx context.Context) error {
	if m.closed.Swap(true) {
		return nil
	}
	m.logger.Info("Problem manager shutting down")

	m.post(func() { m.closing = true })
	m.cancelCtx()

	drained := make(chan struct{})
	go func() {
		m.inflight.Wait()
		close(drained)
	}()
	var err error
	select {
	case <-drained:
	case <-ctx.Done():
		err = ctx.Err()
		m.logger.Warn("Problem manager shutdown timed out waiting for requests")
	}

	close(m.stop)
	<-m.stopped
	// the loop has exited; this goroutine now owns its state
	m.failAll(ShutdownError())
	m.releaseOwned()
	return err
}

func (m *ProblemManager) releaseOwned() {
	if m.retrySvc != nil {
		m.retrySvc.Shutdown()
	}
	if m.pool != nil {
		m.pool.Shutdown()
	}
}

// fetchAnswer queues an answer download for a completed problem.
func (m *ProblemManager) fetchAnswer(id string, cb answer.Callback) {
	ok := m.post(func() {
		if m.closing {
			m.answers.PostAnswerError(cb, ShutdownError())
			return
		}
		m.fetches = append(m.fetches, &pendingFetch{id: id, cb: cb})
		m.pushRequest(requestAnswer)
		m.processRequestQueue()
	})
	if !ok {
		m.answers.PostAnswerError(cb, ShutdownError())
	}
}

// requeue puts a manually retried problem back where its last good state
// says it belongs.
func (m *ProblemManager) requeue(p *SubmittedProblem) {
	if m.closing {
		p.transition(event{kind: evFailure, err: ShutdownError()})
		return
	}
	p.mu.Lock()
	lastGood := p.lastGood
	p.mu.Unlock()

	if lastGood == Submitting {
		m.unsubmitted = append(m.unsubmitted, p)
		m.pushRequest(requestSubmit)
	} else {
		m.active = append(m.active, p)
		m.pushRequest(requestStatus)
	}
	m.processRequestQueue()
}

func (m *ProblemManager) pushRequest(r requestKind) {
	if !slices.Contains(m.requests, r) {
		m.requests = append(m.requests, r)
	}
}

func (m *ProblemManager) processRequestQueue() {
	if m.closing {
		return
	}

	for m.available > 0 && len(m.requests) > 0 {
		m.available--
		r := m.requests[0]
		m.requests = m.requests[1:]

		var sent bool
		switch r {
		case requestSubmit:
			sent = m.sendSubmit()
		case requestStatus:
			sent = m.sendStatus()
		case requestCancel:
			sent = m.sendCancel()
		case requestAnswer:
			sent = m.sendAnswer()
		}

		if !sent {
			m.available++
		}
	}
}

// call runs a transport operation on its own goroutine and hands the result
// back to the manager goroutine.
func (m *ProblemManager) call(kind requestKind, op func(ctx context.Context) error, done func(err *Error)) {
	m.inflight.Add(1)
	go func() {
		defer m.inflight.Done()
		start := time.Now()
		err := op(m.ctx)
		m.recordRequest(m.ctx, kind.String(), err, start)

		var classified *Error
		if err != nil {
			if m.ctx.Err() != nil {
				classified = ShutdownError()
			} else {
				classified = Classify(err)
			}
		}
		m.post(func() { done(classified) })
	}()
}

func (m *ProblemManager) sendSubmit() bool {
	n := min(m.maxPerSubmit, len(m.unsubmitted))
	batch := slices.Clone(m.unsubmitted[:n])
	m.unsubmitted = m.unsubmitted[n:]
	if len(m.unsubmitted) > 0 {
		m.pushRequest(requestSubmit)
	}
	if len(batch) == 0 {
		return false
	}

	problems := make([]Problem, len(batch))
	for i, p := range batch {
		problems[i] = p.snapshot()
		p.inFlight = true
	}
	m.logger.Debug("Submitting problems", "count", len(batch))

	var infos []RemoteProblemInfo
	m.call(requestSubmit, func(ctx context.Context) (err error) {
		infos, err = m.transport.SubmitProblems(ctx, problems)
		return err
	}, func(err *Error) {
		landed(batch)
		if err != nil {
			m.statusFailed(batch, true, err)
			return
		}
		m.statusComplete(batch, infos, true)
	})
	return true
}

func (m *ProblemManager) sendStatus() bool {
	n := min(m.maxIDsPerStatus, len(m.active))
	batch := slices.Clone(m.active[:n])
	m.active = m.active[n:]
	if len(m.active) > 0 {
		m.pushRequest(requestStatus)
	}
	if len(batch) == 0 {
		return false
	}

	ids := make([]string, len(batch))
	for i, p := range batch {
		ids[i] = p.ProblemID()
		p.inFlight = true
	}

	var infos []RemoteProblemInfo
	m.call(requestStatus, func(ctx context.Context) (err error) {
		infos, err = m.transport.MultiProblemStatus(ctx, ids)
		return err
	}, func(err *Error) {
		landed(batch)
		if err != nil {
			m.statusFailed(batch, false, err)
			return
		}
		m.statusComplete(batch, infos, false)
	})
	return true
}

func (m *ProblemManager) sendCancel() bool {
	ids := m.cancelIDs
	m.cancelIDs = nil
	slices.Sort(ids)
	ids = slices.Compact(ids)
	if len(ids) == 0 {
		return false
	}
	m.logger.Debug("Cancelling problems", "count", len(ids))

	m.call(requestCancel, func(ctx context.Context) error {
		return m.transport.CancelProblems(ctx, ids)
	}, func(err *Error) {
		if err != nil {
			m.cancelFailed(ids, err)
			return
		}
		if u := m.cancelRetry; u != nil && u.timer != nil && !u.parked {
			u.timer.Success()
		}
		m.requestComplete()
	})
	return true
}

func (m *ProblemManager) sendAnswer() bool {
	if len(m.fetches) == 0 {
		return false
	}
	f := m.fetches[0]
	m.fetches = m.fetches[1:]
	if len(m.fetches) > 0 {
		m.pushRequest(requestAnswer)
	}

	var a Answer
	m.call(requestAnswer, func(ctx context.Context) (err error) {
		a, err = m.transport.FetchAnswer(ctx, f.id)
		return err
	}, func(err *Error) {
		if err != nil {
			m.fetchAnswerFailed(f, err)
			return
		}
		m.releaseUnit(f.retry)
		m.answers.PostAnswer(f.cb, a)
		m.requestComplete()
	})
	return true
}

func (m *ProblemManager) statusComplete(batch []*SubmittedProblem, infos []RemoteProblemInfo, submit bool) {
	if len(infos) != len(batch) {
		m.logger.Warn("Status size mismatch", "expected", len(batch), "got", len(infos))
		m.statusFailed(batch, submit, ProtocolError("incorrect number of problem statuses provided", "solver service"))
		return
	}

	var stillActive []*SubmittedProblem
	for i, p := range batch {
		if submit {
			p.transition(event{kind: evAssignID, id: infos[i].ID})
		}
		if done := p.transition(event{kind: evStatus, info: infos[i]}); done {
			m.releaseUnit(p.retry)
			p.retry = nil
			continue
		}
		if p.retry != nil && p.retry.timer != nil {
			p.retry.timer.Success()
		}
		stillActive = append(stillActive, p)
	}
	if len(stillActive) > 0 {
		m.collectCancels(stillActive)
		m.pollLater(stillActive)
	}
	m.requestComplete()
}

func (m *ProblemManager) statusFailed(batch []*SubmittedProblem, submit bool, err *Error) {
	switch {
	case err.Kind == KindNetwork:
		retried := 0
		for _, p := range batch {
			if m.backoff(m.problemUnit(p)) {
				p.transition(event{kind: evFailure, err: err, retry: true})
				retried++
			} else {
				m.giveUp(p, err)
			}
		}
		m.logger.Warn("Request failed", "request", requestName(submit), "count", len(batch), "retrying", retried, "error", err)
	case !submit && errors.Is(err, ErrTooManyProblemIDs) && m.reduceMaxIDs():
		m.logger.Info("Reduced status query size", "maxIds", m.maxIDsPerStatus)
		m.queueActive(batch, true)
	default:
		m.logger.Warn("Request failed", "request", requestName(submit), "count", len(batch), "error", err)
		for _, p := range batch {
			m.giveUp(p, err)
		}
	}
	m.requestComplete()
}

func (m *ProblemManager) fetchAnswerFailed(f *pendingFetch, err *Error) {
	if err.Kind == KindNetwork {
		if f.retry == nil {
			f.retry = m.newUnit(func() {
				m.fetches = append(m.fetches, f)
				m.pushRequest(requestAnswer)
			}, func(err *Error) {
				m.answers.PostAnswerError(f.cb, err)
			})
		}
		if !m.backoff(f.retry) {
			m.answers.PostAnswerError(f.cb, err)
		}
	} else {
		m.releaseUnit(f.retry)
		m.answers.PostAnswerError(f.cb, err)
	}
	m.requestComplete()
}

// cancelFailed holds the ids of a failed cancellation until the cancel
// unit's timer fires. Cancellations are best effort: once retries run out
// the held ids are dropped.
func (m *ProblemManager) cancelFailed(ids []string, err *Error) {
	if err.Kind == KindNetwork {
		m.heldCancels = append(m.heldCancels, ids...)
		if m.cancelRetry == nil {
			m.cancelRetry = m.newUnit(func() {
				m.cancelIDs = append(m.cancelIDs, m.heldCancels...)
				m.heldCancels = nil
				m.pushRequest(requestCancel)
			}, nil)
		}
		if !m.backoff(m.cancelRetry) {
			m.logger.Warn("Cancel dropped", "count", len(m.heldCancels), "error", err)
			m.heldCancels = nil
			m.cancelRetry = nil
		}
	} else {
		m.logger.Warn("Cancel failed", "count", len(ids), "error", err)
	}
	m.requestComplete()
}

// cancel sends a cancellation for p straight away when its id is known and
// no request for it is in flight. Otherwise p is flagged and the
// cancellation goes out once the pending result has been applied.
func (m *ProblemManager) cancel(p *SubmittedProblem) {
	if m.closing || p.cancelSent {
		return
	}
	st := p.Status()
	if st.State == Done {
		return
	}
	if st.ProblemID == "" || p.inFlight {
		p.cancelled = true
		return
	}
	m.queueCancel(p, st.ProblemID)
	m.processRequestQueue()
}

func (m *ProblemManager) queueCancel(p *SubmittedProblem, id string) {
	p.cancelled = false
	p.cancelSent = true
	m.cancelIDs = append(m.cancelIDs, id)
	m.pushRequest(requestCancel)
}

// collectCancels queues the cancellations flagged while problems were in
// flight.
func (m *ProblemManager) collectCancels(problems []*SubmittedProblem) {
	for _, p := range problems {
		if !p.cancelled {
			continue
		}
		if id := p.ProblemID(); id != "" {
			m.queueCancel(p, id)
		}
	}
}

// queueActive adds problems to the status queue.
func (m *ProblemManager) queueActive(problems []*SubmittedProblem, atFront bool) {
	m.collectCancels(problems)
	if atFront {
		m.active = append(slices.Clone(problems), m.active...)
	} else {
		m.active = append(m.active, problems...)
	}
	if len(m.active) > 0 {
		m.pushRequest(requestStatus)
	}
}

// pollLater queues problems for another status poll once the poll interval
// has passed.
func (m *ProblemManager) pollLater(problems []*SubmittedProblem) {
	for _, p := range problems {
		m.polling[p] = struct{}{}
	}
	time.AfterFunc(m.pollInterval, func() {
		m.schedule(func() {
			ready := make([]*SubmittedProblem, 0, len(problems))
			for _, p := range problems {
				if _, ok := m.polling[p]; ok {
					delete(m.polling, p)
					ready = append(ready, p)
				}
			}
			if len(ready) > 0 {
				m.queueActive(ready, false)
			}
		})
	})
}

// giveUp fails p for good. A cancellation flagged while the failed request
// was in flight still goes out when the id is known.
func (m *ProblemManager) giveUp(p *SubmittedProblem, err *Error) {
	m.releaseUnit(p.retry)
	p.retry = nil
	p.transition(event{kind: evFailure, err: err})
	if p.cancelled {
		if id := p.ProblemID(); id != "" {
			m.queueCancel(p, id)
		}
	}
}

// problemUnit returns p's retry unit, creating it on first use.
func (m *ProblemManager) problemUnit(p *SubmittedProblem) *retryUnit {
	if p.retry == nil {
		p.retry = m.newUnit(func() {
			p.mu.Lock()
			lastGood := p.lastGood
			p.mu.Unlock()
			if lastGood == Submitting {
				m.unsubmitted = append([]*SubmittedProblem{p}, m.unsubmitted...)
				m.pushRequest(requestSubmit)
			} else {
				m.queueActive([]*SubmittedProblem{p}, true)
			}
		}, func(err *Error) {
			p.retry = nil
			p.transition(event{kind: evFailure, err: err})
		})
	}
	return p.retry
}

// newUnit creates a retry unit. A unit whose timer cannot be created never
// retries.
func (m *ProblemManager) newUnit(resume func(), abort func(*Error)) *retryUnit {
	u := &retryUnit{resume: resume, abort: abort}
	timer, err := m.timers.NewTimer(retrytimer.NotifierFunc(func() {
		m.schedule(func() { m.wake(u) })
	}), m.timing)
	if err != nil {
		m.logger.Warn("Retry timer unavailable", "error", err)
		return u
	}
	u.timer = timer
	m.units[u] = struct{}{}
	return u
}

// backoff consults u's timer after a network failure. It reports whether the
// work is parked until the timer fires; otherwise u has been released.
func (m *ProblemManager) backoff(u *retryUnit) bool {
	action := retrytimer.ActionShutdown
	if u.timer != nil {
		action = u.timer.Retry()
	}
	if m.metrics != nil {
		m.metrics.RecordRetry(context.Background(), action.String())
	}
	if action != retrytimer.ActionRetry || m.closing {
		m.releaseUnit(u)
		return false
	}
	u.parked = true
	return true
}

func (m *ProblemManager) wake(u *retryUnit) {
	if !u.parked || m.closing {
		return
	}
	u.parked = false
	u.resume()
}

func (m *ProblemManager) releaseUnit(u *retryUnit) {
	if u == nil {
		return
	}
	u.parked = false
	if u.timer != nil {
		u.timer.Release()
	}
	delete(m.units, u)
}

func (m *ProblemManager) failProblems(problems []*SubmittedProblem, err *Error) {
	for _, p := range problems {
		p.transition(event{kind: evFailure, err: err})
	}
}

// landed clears the in-flight mark of a batch whose result has arrived.
func landed(batch []*SubmittedProblem) {
	for _, p := range batch {
		p.inFlight = false
	}
}

// failAll fails everything still queued, parked or waiting to be polled,
// and releases every retry timer. Used on shutdown.
func (m *ProblemManager) failAll(err *Error) {
	m.failProblems(m.unsubmitted, err)
	m.failProblems(m.active, err)
	for p := range m.polling {
		p.transition(event{kind: evFailure, err: err})
	}
	for _, f := range m.fetches {
		m.answers.PostAnswerError(f.cb, err)
	}
	for u := range m.units {
		if u.parked && u.abort != nil {
			u.abort(err)
		}
		u.timer.Release()
	}
	m.unsubmitted, m.active, m.fetches, m.requests = nil, nil, nil, nil
	m.polling, m.units, m.heldCancels = nil, nil, nil
}

func (m *ProblemManager) reduceMaxIDs() bool {
	if m.maxIDsPerStatus < 2 {
		return false
	}
	m.maxIDsPerStatus = int(float64(m.maxIDsPerStatus) * 0.7)
	return true
}

func (m *ProblemManager) requestComplete() {
	m.available++
	m.processRequestQueue()
}

func (m *ProblemManager) recordState(s SubmittedState) {
	if m.metrics != nil {
		m.metrics.RecordProblemState(context.Background(), s.String())
	}
}

func (m *ProblemManager) recordRequest(ctx context.Context, request string, err error, start time.Time) {
	if m.metrics == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = Classify(err).Kind.String()
	}
	m.metrics.RecordRequest(context.WithoutCancel(ctx), request, outcome, time.Since(start).Seconds())
}

func requestName(submit bool) string {
	if submit {
		return requestSubmit.String()
	}
	return requestStatus.String()
}
