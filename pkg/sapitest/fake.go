// Package sapitest provides a scriptable in-memory sapi.Transport for tests.
package sapitest

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"

	"sapiremote/pkg/sapi"
)

// Operation names recorded in Call.Op.
const (
	OpSolvers = "solvers"
	OpSubmit  = "submit"
	OpStatus  = "status"
	OpAnswer  = "answer"
	OpCancel  = "cancel"
)

// Call records one transport invocation.
type Call struct {
	Op       string
	IDs      []string
	Problems []sapi.Problem
}

type submitResult struct {
	infos []sapi.RemoteProblemInfo
	err   error
}

// Fake is an in-memory Transport. Scripted results queued with the Push
// methods are consumed first, in order; after that the On handlers answer,
// and when a handler is nil a default applies:
//
//   - submit assigns ids p1, p2, ... with status PENDING
//   - status reports COMPLETED
//   - answer returns DefaultAnswer
//   - cancel succeeds
//
// Handlers must be set before the fake is used.
type Fake struct {
	OnSolvers func(ctx context.Context) ([]sapi.SolverInfo, error)
	OnSubmit  func(ctx context.Context, problems []sapi.Problem) ([]sapi.RemoteProblemInfo, error)
	OnStatus  func(ctx context.Context, ids []string) ([]sapi.RemoteProblemInfo, error)
	OnAnswer  func(ctx context.Context, id string) (sapi.Answer, error)
	OnCancel  func(ctx context.Context, ids []string) error

	mu       sync.Mutex
	calls    []Call
	submits  []submitResult
	statuses []submitResult
	answers  []error
	nextID   int
	gates    map[string]chan struct{}
}

// DefaultAnswer is returned by FetchAnswer when nothing else is configured.
var DefaultAnswer = sapi.Answer{Type: "qp", Data: json.RawMessage(`{"energies":[-1.0]}`)}

// NewFake returns a fake with default behaviour.
func NewFake() *Fake {
	return &Fake{gates: make(map[string]chan struct{})}
}

// PushSubmit queues the result of the next SubmitProblems call.
func (f *Fake) PushSubmit(infos []sapi.RemoteProblemInfo, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submits = append(f.submits, submitResult{infos, err})
}

// PushSubmitError queues n failing SubmitProblems calls.
func (f *Fake) PushSubmitError(err error, n int) {
	for range n {
		f.PushSubmit(nil, err)
	}
}

// PushStatus queues the result of the next MultiProblemStatus call.
func (f *Fake) PushStatus(infos []sapi.RemoteProblemInfo, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, submitResult{infos, err})
}

// PushAnswerError queues a failing FetchAnswer call.
func (f *Fake) PushAnswerError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answers = append(f.answers, err)
}

// Hold blocks every call of op until the returned release function runs.
func (f *Fake) Hold(op string) (release func()) {
	gate := make(chan struct{})
	f.mu.Lock()
	f.gates[op] = gate
	f.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			if f.gates[op] == gate {
				delete(f.gates, op)
			}
			f.mu.Unlock()
			close(gate)
		})
	}
}

// Calls returns every recorded call.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.calls)
}

// CallsTo returns the recorded calls of one operation.
func (f *Fake) CallsTo(op string) []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Call
	for _, c := range f.calls {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

func (f *Fake) record(ctx context.Context, c Call) error {
	f.mu.Lock()
	f.calls = append(f.calls, c)
	gate := f.gates[c.Op]
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// FetchSolvers implements sapi.Transport.
func (f *Fake) FetchSolvers(ctx context.Context) ([]sapi.SolverInfo, error) {
	if err := f.record(ctx, Call{Op: OpSolvers}); err != nil {
		return nil, err
	}
	if f.OnSolvers != nil {
		return f.OnSolvers(ctx)
	}
	return []sapi.SolverInfo{{ID: "test-solver", Properties: map[string]any{"num_qubits": 8}}}, nil
}

// SubmitProblems implements sapi.Transport.
func (f *Fake) SubmitProblems(ctx context.Context, problems []sapi.Problem) ([]sapi.RemoteProblemInfo, error) {
	if err := f.record(ctx, Call{Op: OpSubmit, Problems: slices.Clone(problems)}); err != nil {
		return nil, err
	}

	f.mu.Lock()
	if len(f.submits) > 0 {
		r := f.submits[0]
		f.submits = f.submits[1:]
		f.mu.Unlock()
		return r.infos, r.err
	}
	f.mu.Unlock()

	if f.OnSubmit != nil {
		return f.OnSubmit(ctx, problems)
	}
	infos := make([]sapi.RemoteProblemInfo, len(problems))
	for i, p := range problems {
		infos[i] = sapi.RemoteProblemInfo{ID: f.NextID(), Type: p.Type, Status: sapi.StatusPending}
	}
	return infos, nil
}

// MultiProblemStatus implements sapi.Transport.
func (f *Fake) MultiProblemStatus(ctx context.Context, ids []string) ([]sapi.RemoteProblemInfo, error) {
	if err := f.record(ctx, Call{Op: OpStatus, IDs: slices.Clone(ids)}); err != nil {
		return nil, err
	}

	f.mu.Lock()
	if len(f.statuses) > 0 {
		r := f.statuses[0]
		f.statuses = f.statuses[1:]
		f.mu.Unlock()
		return r.infos, r.err
	}
	f.mu.Unlock()

	if f.OnStatus != nil {
		return f.OnStatus(ctx, ids)
	}
	return Statuses(sapi.StatusCompleted, ids...), nil
}

// FetchAnswer implements sapi.Transport.
func (f *Fake) FetchAnswer(ctx context.Context, id string) (sapi.Answer, error) {
	if err := f.record(ctx, Call{Op: OpAnswer, IDs: []string{id}}); err != nil {
		return sapi.Answer{}, err
	}

	f.mu.Lock()
	if len(f.answers) > 0 {
		err := f.answers[0]
		f.answers = f.answers[1:]
		f.mu.Unlock()
		return sapi.Answer{}, err
	}
	f.mu.Unlock()

	if f.OnAnswer != nil {
		return f.OnAnswer(ctx, id)
	}
	return DefaultAnswer, nil
}

// CancelProblems implements sapi.Transport.
func (f *Fake) CancelProblems(ctx context.Context, ids []string) error {
	if err := f.record(ctx, Call{Op: OpCancel, IDs: slices.Clone(ids)}); err != nil {
		return err
	}
	if f.OnCancel != nil {
		return f.OnCancel(ctx, ids)
	}
	return nil
}

// NextID returns the next generated problem id.
func (f *Fake) NextID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	return fmt.Sprintf("p%d", f.nextID)
}

// Statuses builds one status entry per id.
func Statuses(status sapi.RemoteStatus, ids ...string) []sapi.RemoteProblemInfo {
	infos := make([]sapi.RemoteProblemInfo, len(ids))
	for i, id := range ids {
		infos[i] = sapi.RemoteProblemInfo{ID: id, Status: status}
	}
	return infos
}

var _ sapi.Transport = (*Fake)(nil)
