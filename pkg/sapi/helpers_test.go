package sapi_test

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"sapiremote/internal/testutil"
	"sapiremote/pkg/backoff"
	"sapiremote/pkg/sapi"
	"sapiremote/pkg/sapitest"
)

// fastTiming retries after 1, 2, 4 and 8ms, then fails.
func fastTiming() backoff.Timing {
	return backoff.Timing{Initial: time.Millisecond, Max: 8 * time.Millisecond, Scale: 2}
}

func newManager(t *testing.T, tr sapi.Transport, limits sapi.Limits) *sapi.ProblemManager {
	t.Helper()
	m, err := sapi.NewProblemManager(sapi.ManagerConfig{
		Transport:    tr,
		Timing:       fastTiming(),
		PollInterval: time.Millisecond,
		Limits:       limits,
	})
	if err != nil {
		t.Fatalf("NewProblemManager() error = %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		m.Close(ctx)
	})
	return m
}

func waitState(t *testing.T, p *sapi.SubmittedProblem, want sapi.SubmittedState) {
	t.Helper()
	if !testutil.WaitFor(t, func() bool { return p.Status().State == want }) {
		t.Fatalf("state = %v, want %v (status %+v)", p.Status().State, want, p.Status())
	}
}

func waitCalls(t *testing.T, f *sapitest.Fake, op string, n int) {
	t.Helper()
	if !testutil.WaitFor(t, func() bool { return len(f.CallsTo(op)) >= n }) {
		t.Fatalf("%s calls = %d, want at least %d", op, len(f.CallsTo(op)), n)
	}
}

// neverAnswers blocks a transport call until the manager abandons it.
func neverAnswers(ctx context.Context, _ []string) ([]sapi.RemoteProblemInfo, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

// stepper lets a test decide the outcome of each submit call in turn.
// A nil error yields PENDING for every problem in the batch.
type stepper struct {
	fake  *sapitest.Fake
	steps chan error
}

func newStepper(f *sapitest.Fake) *stepper {
	s := &stepper{fake: f, steps: make(chan error)}
	f.OnSubmit = s.submit
	return s
}

func (s *stepper) submit(ctx context.Context, problems []sapi.Problem) ([]sapi.RemoteProblemInfo, error) {
	select {
	case err := <-s.steps:
		if err != nil {
			return nil, err
		}
		infos := make([]sapi.RemoteProblemInfo, len(problems))
		for i := range problems {
			infos[i] = sapi.RemoteProblemInfo{ID: s.fake.NextID(), Status: sapi.StatusPending}
		}
		return infos, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *stepper) next(t *testing.T, err error) {
	t.Helper()
	select {
	case s.steps <- err:
	case <-time.After(5 * time.Second):
		t.Fatal("submit call never arrived")
	}
}

// recorder is an Observer that keeps every notification.
type recorder struct {
	mu     sync.Mutex
	events []string
	errs   []error
}

func (r *recorder) add(ev string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	if err != nil {
		r.errs = append(r.errs, err)
	}
}

func (r *recorder) Submitted()      { r.add("submitted", nil) }
func (r *recorder) Done()           { r.add("done", nil) }
func (r *recorder) Error(err error) { r.add("error", err) }

func (r *recorder) Events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *recorder) Errors() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errs...)
}

func (r *recorder) waitEvents(t *testing.T, n int) []string {
	t.Helper()
	testutil.MustWaitFor(t, func() bool { return len(r.Events()) >= n })
	return r.Events()
}

// equalEvents compares notifications ignoring order. They are delivered on a
// pool with more than one worker.
func equalEvents(got, want []string) bool {
	g, w := slices.Clone(got), slices.Clone(want)
	slices.Sort(g)
	slices.Sort(w)
	return slices.Equal(g, w)
}

func isKind(err error, kind sapi.ErrorKind) bool {
	var e *sapi.Error
	return errors.As(err, &e) && e.Kind == kind
}
