package sapi

import (
	"context"
	"sync"

	"sapiremote/pkg/answer"
)

// Observer is notified when a problem is submitted, finishes, or fails.
// Each method runs on the thread pool.
type Observer = answer.Observer

// ObserverFuncs adapts plain functions to Observer. Nil fields are skipped.
type ObserverFuncs struct {
	OnSubmitted func()
	OnDone      func()
	OnError     func(err error)
}

func (o ObserverFuncs) Submitted() {
	if o.OnSubmitted != nil {
		o.OnSubmitted()
	}
}

func (o ObserverFuncs) Done() {
	if o.OnDone != nil {
		o.OnDone()
	}
}

func (o ObserverFuncs) Error(err error) {
	if o.OnError != nil {
		o.OnError(err)
	}
}

// Status is a consistent snapshot of a submitted problem.
type Status struct {
	ProblemID     string         `json:"problemId" yaml:"problemId"`
	SubmittedOn   string         `json:"submittedOn,omitempty" yaml:"submittedOn,omitempty"`
	SolvedOn      string         `json:"solvedOn,omitempty" yaml:"solvedOn,omitempty"`
	State         SubmittedState `json:"state" yaml:"state"`
	LastGoodState SubmittedState `json:"lastGoodState" yaml:"lastGoodState"`
	RemoteStatus  RemoteStatus   `json:"remoteStatus" yaml:"remoteStatus"`
	Error         *Error         `json:"error,omitempty" yaml:"error,omitempty"`
}

type eventKind int

const (
	evAssignID eventKind = iota // submission response named the problem
	evStatus                    // server reported a status
	evFailure                   // request for this problem failed
	evRetry                     // user asked to retry a failed problem
)

type event struct {
	kind  eventKind
	id    string
	info  RemoteProblemInfo
	err   *Error
	retry bool
}

type observerEntry struct {
	id uint64
	o  Observer
}

// SubmittedProblem is the handle for one problem handed to a ProblemManager.
//
// Lifecycle fields are written only by the manager goroutine, through
// transition. Readers take mu.
type SubmittedProblem struct {
	manager *ProblemManager
	answers *answer.Service

	mu          sync.Mutex
	problem     Problem
	id          string
	submittedOn string
	solvedOn    string
	state       SubmittedState
	lastGood    SubmittedState
	remote      RemoteStatus
	err         *Error
	observers   []observerEntry
	nextObsID   uint64

	// owned by the manager goroutine
	inFlight   bool
	cancelled  bool
	cancelSent bool
	retry      *retryUnit
}

func newSubmittedProblem(m *ProblemManager, p Problem) *SubmittedProblem {
	return &SubmittedProblem{
		manager:  m,
		answers:  m.answers,
		problem:  p,
		state:    Submitting,
		lastGood: Submitting,
	}
}

func newAddedProblem(m *ProblemManager, id string) *SubmittedProblem {
	return &SubmittedProblem{
		manager:  m,
		answers:  m.answers,
		id:       id,
		state:    Submitted,
		lastGood: Submitted,
	}
}

// ProblemID returns the remote id, or "" until the submission is acknowledged.
func (p *SubmittedProblem) ProblemID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.id
}

// Done reports whether the problem has finished, successfully or not.
func (p *SubmittedProblem) Done() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state == Done || p.state == Failed
}

// Status returns the best-known snapshot.
func (p *SubmittedProblem) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Status{
		ProblemID:     p.id,
		SubmittedOn:   p.submittedOn,
		SolvedOn:      p.solvedOn,
		State:         p.state,
		LastGoodState: p.lastGood,
		RemoteStatus:  p.remote,
		Error:         p.err,
	}
}

// Answer blocks until the answer has been fetched, the problem turns out to
// have none, or ctx is done. It must not be called from an observer or
// answer callback.
func (p *SubmittedProblem) Answer(ctx context.Context) (Answer, error) {
	type result struct {
		a   Answer
		err error
	}
	ch := make(chan result, 1)
	p.AnswerAsync(func(a Answer, err error) {
		ch <- result{a, err}
	})

	select {
	case r := <-ch:
		return r.a, r.err
	case <-ctx.Done():
		return Answer{}, ctx.Err()
	}
}

// AnswerAsync delivers the answer, or the error preventing it, to cb on the
// thread pool. Unfinished problems fail with NoAnswer; problems that finished
// without completing fail with their stored error.
func (p *SubmittedProblem) AnswerAsync(cb answer.Callback) {
	p.mu.Lock()
	state, remote, stored, id := p.state, p.remote, p.err, p.id
	p.mu.Unlock()

	switch {
	case state == Failed:
		if stored == nil {
			stored = NoAnswerError()
		}
		p.answers.PostAnswerError(cb, stored.withDetail(ErrNoAnswer))
	case state != Done:
		p.answers.PostAnswerError(cb, NoAnswerError())
	case remote != StatusCompleted:
		p.answers.PostAnswerError(cb, stored)
	default:
		p.manager.fetchAnswer(id, cb)
	}
}

// Cancel asks the server to cancel the problem. The request goes out as soon
// as the remote id is known and no request for the problem is in flight. At
// most one cancellation is sent per problem, and none once it is done.
func (p *SubmittedProblem) Cancel() {
	p.manager.post(func() { p.manager.cancel(p) })
}

// Retry resubmits or resumes polling a FAILED problem whose failure was not
// a solve error. It has no effect in any other state.
func (p *SubmittedProblem) Retry() {
	p.manager.post(func() {
		if p.transition(event{kind: evRetry}) {
			p.manager.requeue(p)
		}
	})
}

// AddObserver registers o. Milestones already reached are delivered
// immediately. The returned function unregisters o.
func (p *SubmittedProblem) AddObserver(o Observer) (remove func()) {
	p.mu.Lock()
	p.nextObsID++
	id := p.nextObsID
	p.observers = append(p.observers, observerEntry{id: id, o: o})
	submitted := p.id != ""
	done := p.state == Done || p.state == Failed
	success := done && p.remote == StatusCompleted
	stored := p.err
	p.mu.Unlock()

	if submitted {
		p.answers.PostSubmitted(o)
	}
	if done {
		if success {
			p.answers.PostDone(o)
		} else {
			p.answers.PostError(o, stored)
		}
	}

	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		for i, e := range p.observers {
			if e.id == id {
				p.observers = append(p.observers[:i], p.observers[i+1:]...)
				return
			}
		}
	}
}

// snapshot returns the problem payload for a submission batch.
func (p *SubmittedProblem) snapshot() Problem {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.problem
}

func (p *SubmittedProblem) observersLocked() []Observer {
	obs := make([]Observer, len(p.observers))
	for i, e := range p.observers {
		obs[i] = e.o
	}
	return obs
}

// transition is the only writer of lifecycle state. It runs on the manager
// goroutine and posts observer notifications after releasing mu.
//
// For evStatus it reports whether the problem is finished; for evRetry
// whether the retry was accepted. Other events return false.
func (p *SubmittedProblem) transition(ev event) bool {
	p.mu.Lock()
	prev := p.state
	var notify func(Observer)
	var result bool

	switch ev.kind {
	case evAssignID:
		// a null submission entry carries no id and is not a submission
		if ev.id != "" {
			p.id = ev.id
			notify = p.answers.PostSubmitted
		}

	case evStatus:
		notify, result = p.applyStatusLocked(ev.info)

	case evFailure:
		notify = p.applyErrorLocked(ev.err, ev.retry)

	case evRetry:
		if p.state == Failed && p.lastGood != Done && (p.err == nil || p.err.Kind != KindSolve) {
			p.state = Retrying
			result = true
		}
	}

	var obs []Observer
	if notify != nil {
		obs = p.observersLocked()
	}
	state := p.state
	p.mu.Unlock()

	for _, o := range obs {
		notify(o)
	}
	if state != prev {
		p.manager.recordState(state)
	}
	return result
}

func (p *SubmittedProblem) applyStatusLocked(info RemoteProblemInfo) (notify func(Observer), done bool) {
	if info.SubmittedOn != "" {
		p.submittedOn = info.SubmittedOn
	}
	if info.SolvedOn != "" {
		p.solvedOn = info.SolvedOn
	}
	p.remote = info.Status

	switch info.Status {
	case StatusPending, StatusInProgress:
		p.state, p.lastGood = Submitted, Submitted
		p.err = nil
		return nil, false
	case StatusCompleted:
		p.state, p.lastGood = Done, Done
		p.err = nil
		p.problem = Problem{}
		return p.answers.PostDone, true
	case StatusCanceled:
		return p.applyErrorLocked(ProblemCancelledError(), false), true
	case StatusFailed:
		return p.applyErrorLocked(SolveError(info.ErrorMessage), false), true
	default:
		return p.applyErrorLocked(InternalError("unknown problem status: "+info.Status.String()), false), true
	}
}

func (p *SubmittedProblem) applyErrorLocked(err *Error, retry bool) func(Observer) {
	p.err = err
	switch err.Kind {
	case KindNetwork, KindProtocol, KindAuth:
		if retry {
			p.state = Retrying
		} else {
			p.state = Failed
		}
	case KindSolve:
		p.state, p.lastGood = Done, Done
		p.problem = Problem{}
	default:
		p.state = Failed
	}

	if retry {
		return nil
	}
	return func(o Observer) { p.answers.PostError(o, err) }
}
