package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sapiremote/internal/apperrors"
	"sapiremote/internal/dispatcher"
	"sapiremote/internal/testutil"
	"sapiremote/pkg/backoff"
	"sapiremote/pkg/cloudevent"
	"sapiremote/pkg/sapi"
	"sapiremote/pkg/sapitest"
)

var isingData = json.RawMessage(`{"h":[1,-1],"J":{"0,1":-1}}`)

// recordingDispatcher captures dispatched events.
type recordingDispatcher struct {
	mu     sync.Mutex
	events []*dispatcher.Event
	err    error
}

func (d *recordingDispatcher) Dispatch(e *dispatcher.Event) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.events = append(d.events, e)
	return nil
}

func (d *recordingDispatcher) Stats() dispatcher.Stats { return dispatcher.Stats{} }

func (d *recordingDispatcher) Close(context.Context) error { return nil }

func (d *recordingDispatcher) types() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.events))
	for i, e := range d.events {
		out[i] = e.Payload.Type
	}
	return out
}

func (d *recordingDispatcher) byType(eventType string) *dispatcher.Event {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, e := range d.events {
		if e.Payload.Type == eventType {
			return e
		}
	}
	return nil
}

type recordingMetrics struct {
	registered atomic.Int32
	succeeded  atomic.Int32
	failed     atomic.Int32
}

func (m *recordingMetrics) RecordProblemRegistered(context.Context, string) {
	m.registered.Add(1)
}

func (m *recordingMetrics) RecordProblemFinished(_ context.Context, _ string, success bool, _ float64) {
	if success {
		m.succeeded.Add(1)
	} else {
		m.failed.Add(1)
	}
}

type fixture struct {
	fake    *sapitest.Fake
	disp    *recordingDispatcher
	metrics *recordingMetrics
	svc     *Service
}

func newFixture(t *testing.T, fake *sapitest.Fake) *fixture {
	t.Helper()
	m, err := sapi.NewProblemManager(sapi.ManagerConfig{
		Transport:    fake,
		Timing:       backoff.Timing{Initial: time.Millisecond, Max: 8 * time.Millisecond, Scale: 2},
		PollInterval: 5 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Close(ctx)
	})

	f := &fixture{fake: fake, disp: &recordingDispatcher{}, metrics: &recordingMetrics{}}
	f.svc = NewService(m, f.disp, f.metrics, Config{Source: "/test"})
	return f
}

func (f *fixture) submit(t *testing.T, cb *Callback) *Problem {
	t.Helper()
	p, err := f.svc.Submit(context.Background(), &SubmitRequest{
		Solver:   "test-solver",
		Type:     "ising",
		Data:     isingData,
		Meta:     map[string]string{"owner": "tests"},
		Callback: cb,
	})
	require.NoError(t, err)
	return p
}

func (f *fixture) waitDone(t *testing.T, id string) *Problem {
	t.Helper()
	var last *Problem
	testutil.MustWaitFor(t, func() bool {
		p, err := f.svc.Get(context.Background(), id)
		if err != nil {
			return false
		}
		last = p
		return p.Done
	})
	return last
}

func TestService_SubmitValidation(t *testing.T) {
	t.Parallel()
	f := newFixture(t, sapitest.NewFake())

	valid := func() *SubmitRequest {
		return &SubmitRequest{Solver: "s", Type: "ising", Data: isingData}
	}
	tests := []struct {
		name   string
		mutate func(*SubmitRequest)
		field  string
	}{
		{"missing solver", func(r *SubmitRequest) { r.Solver = "" }, "solver"},
		{"missing type", func(r *SubmitRequest) { r.Type = " " }, "type"},
		{"missing data", func(r *SubmitRequest) { r.Data = nil }, "data"},
		{"null data", func(r *SubmitRequest) { r.Data = json.RawMessage("null") }, "data"},
		{"callback without url", func(r *SubmitRequest) { r.Callback = &Callback{} }, "callback.url"},
		{"callback bad scheme", func(r *SubmitRequest) { r.Callback = &Callback{URL: "ftp://host/x"} }, "callback.url"},
		{"callback unknown event", func(r *SubmitRequest) {
			r.Callback = &Callback{URL: "https://hooks.example/cb", Events: []string{"sapi.problem.exploded"}}
		}, "callback.events"},
		{"too much meta", func(r *SubmitRequest) {
			r.Meta = map[string]string{}
			for i := 0; i <= maxMetaEntries; i++ {
				r.Meta[string(rune('a'+i%26))+string(rune('A'+i/26))] = "v"
			}
		}, "meta"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			req := valid()
			tt.mutate(req)
			_, err := f.svc.Submit(context.Background(), req)
			require.ErrorIs(t, err, apperrors.ErrValidation)
			var appErr *apperrors.Error
			require.ErrorAs(t, err, &appErr)
			assert.Equal(t, tt.field, appErr.Field)
		})
	}

	_, err := f.svc.Submit(context.Background(), nil)
	require.ErrorIs(t, err, apperrors.ErrValidation)
	assert.Zero(t, f.svc.Len())
}

func TestService_SubmitAndAnswer(t *testing.T) {
	t.Parallel()
	f := newFixture(t, sapitest.NewFake())
	ctx := context.Background()

	p := f.submit(t, nil)
	assert.NotEmpty(t, p.Handle)
	assert.Equal(t, "test-solver", p.Solver)
	assert.Equal(t, "ising", p.Type)

	done := f.waitDone(t, p.Handle)
	assert.Equal(t, sapi.Done, done.State)
	assert.Equal(t, sapi.StatusCompleted, done.RemoteStatus)
	assert.Equal(t, "p1", done.ProblemID)

	// Reachable by remote id too
	byRemote, err := f.svc.Get(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, p.Handle, byRemote.Handle)

	list, err := f.svc.List(ctx)
	require.NoError(t, err)
	require.Len(t, list.Problems, 1)
	assert.Equal(t, p.Handle, list.Problems[0].Handle)

	ans, err := f.svc.Answer(ctx, p.Handle)
	require.NoError(t, err)
	assert.Equal(t, p.Handle, ans.Handle)
	assert.Equal(t, "p1", ans.ProblemID)
	assert.Equal(t, sapitest.DefaultAnswer.Type, ans.Type)
	assert.JSONEq(t, string(sapitest.DefaultAnswer.Data), string(ans.Answer))

	submitted := f.fake.CallsTo(sapitest.OpSubmit)
	require.Len(t, submitted, 1)
	assert.JSONEq(t, string(isingData), string(submitted[0].Problems[0].Data))
}

func TestService_AnswerNotDone(t *testing.T) {
	t.Parallel()
	fake := sapitest.NewFake()
	release := fake.Hold(sapitest.OpSubmit)
	defer release()
	f := newFixture(t, fake)

	p := f.submit(t, nil)
	_, err := f.svc.Answer(context.Background(), p.Handle)
	require.ErrorIs(t, err, apperrors.ErrConflict)

	got, err := f.svc.Get(context.Background(), p.Handle)
	require.NoError(t, err)
	assert.False(t, got.Done)
	assert.Equal(t, sapi.Submitting, got.State)
}

func TestService_NotFound(t *testing.T) {
	t.Parallel()
	f := newFixture(t, sapitest.NewFake())
	ctx := context.Background()

	_, err := f.svc.Get(ctx, "missing")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
	_, err = f.svc.Answer(ctx, "missing")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
	_, err = f.svc.Retry(ctx, "missing")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
	assert.ErrorIs(t, f.svc.Cancel(ctx, "missing"), apperrors.ErrNotFound)
}

func TestService_Attach(t *testing.T) {
	t.Parallel()
	f := newFixture(t, sapitest.NewFake())
	ctx := context.Background()

	p, err := f.svc.Attach(ctx, "remote-1", &AttachRequest{Meta: map[string]string{"k": "v"}})
	require.NoError(t, err)
	assert.Equal(t, "remote-1", p.Handle)
	assert.Equal(t, "remote-1", p.ProblemID)

	done := f.waitDone(t, "remote-1")
	assert.Equal(t, sapi.StatusCompleted, done.RemoteStatus)

	_, err = f.svc.Attach(ctx, "remote-1", nil)
	assert.ErrorIs(t, err, apperrors.ErrConflict)

	_, err = f.svc.Attach(ctx, "-bad id", nil)
	assert.ErrorIs(t, err, apperrors.ErrValidation)

	status := f.fake.CallsTo(sapitest.OpStatus)
	require.NotEmpty(t, status)
	assert.Equal(t, []string{"remote-1"}, status[0].IDs)
	assert.Empty(t, f.fake.CallsTo(sapitest.OpSubmit))
}

func TestService_AttachConcurrent(t *testing.T) {
	t.Parallel()
	f := newFixture(t, sapitest.NewFake())

	const attempts = 16
	var wg sync.WaitGroup
	var attached, conflicts atomic.Int32
	start := make(chan struct{})
	for range attempts {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := f.svc.Attach(context.Background(), "remote-dup", nil)
			switch {
			case err == nil:
				attached.Add(1)
			case errors.Is(err, apperrors.ErrConflict):
				conflicts.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), attached.Load())
	assert.Equal(t, int32(attempts-1), conflicts.Load())
	assert.Equal(t, 1, f.svc.Len())

	f.waitDone(t, "remote-dup")
	polled := 0
	for _, call := range f.fake.CallsTo(sapitest.OpStatus) {
		polled += len(call.IDs)
	}
	assert.Equal(t, 1, polled, "one poller per attached id")
}

func TestService_CallbackEvents(t *testing.T) {
	t.Parallel()
	f := newFixture(t, sapitest.NewFake())

	cb := &Callback{URL: "https://hooks.example/cb", Key: "secret"}
	p := f.submit(t, cb)
	f.waitDone(t, p.Handle)

	testutil.MustWaitFor(t, func() bool { return len(f.disp.types()) == 2 })
	assert.ElementsMatch(t, []string{cloudevent.TypeSubmitted, cloudevent.TypeDone}, f.disp.types())

	ev := f.disp.byType(cloudevent.TypeDone)
	require.NotNil(t, ev)
	assert.Equal(t, cb.URL, ev.Destination)
	assert.Equal(t, "secret", ev.SigningKey)
	assert.Equal(t, p.Handle, ev.Payload.Subject)
	assert.Equal(t, "/test", ev.Payload.Source)
	assert.Equal(t, "p1", ev.Payload.Data["problemId"])
	assert.Equal(t, "COMPLETED", ev.Payload.Data["remoteStatus"])
	assert.Equal(t, map[string]string{"owner": "tests"}, ev.Payload.Data["meta"])

	testutil.MustWaitFor(t, func() bool { return f.metrics.succeeded.Load() == 1 })
	assert.Equal(t, int32(1), f.metrics.registered.Load())
	assert.Zero(t, f.metrics.failed.Load())
}

func TestService_CallbackFilter(t *testing.T) {
	t.Parallel()
	f := newFixture(t, sapitest.NewFake())

	p := f.submit(t, &Callback{URL: "https://hooks.example/cb", Events: []string{cloudevent.TypeDone}})
	f.waitDone(t, p.Handle)

	testutil.MustWaitFor(t, func() bool { return len(f.disp.types()) == 1 })
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, []string{cloudevent.TypeDone}, f.disp.types())
}

func TestService_DispatchFailureIsLogged(t *testing.T) {
	t.Parallel()
	f := newFixture(t, sapitest.NewFake())
	f.disp.err = dispatcher.ErrBufferFull

	p := f.submit(t, &Callback{URL: "https://hooks.example/cb"})
	done := f.waitDone(t, p.Handle)
	assert.Equal(t, sapi.Done, done.State)
	assert.Empty(t, f.disp.types())
}

func TestService_SolveFailure(t *testing.T) {
	t.Parallel()
	fake := sapitest.NewFake()
	fake.PushSubmit([]sapi.RemoteProblemInfo{{ID: "q1", Status: sapi.StatusFailed, ErrorMessage: "bad problem"}}, nil)
	f := newFixture(t, fake)
	ctx := context.Background()

	p := f.submit(t, &Callback{URL: "https://hooks.example/cb"})
	done := f.waitDone(t, p.Handle)
	require.NotNil(t, done.Error)
	assert.Equal(t, sapi.KindSolve, done.Error.Kind)

	_, err := f.svc.Answer(ctx, p.Handle)
	require.ErrorIs(t, err, apperrors.ErrConflict)
	assert.Contains(t, err.Error(), "bad problem")

	_, err = f.svc.Retry(ctx, p.Handle)
	require.ErrorIs(t, err, apperrors.ErrConflict)

	testutil.MustWaitFor(t, func() bool { return f.disp.byType(cloudevent.TypeError) != nil })
	ev := f.disp.byType(cloudevent.TypeError)
	assert.Equal(t, "SOLVE", ev.Payload.Data["kind"])
	assert.Equal(t, "Problem failed: bad problem", ev.Payload.Data["error"])

	testutil.MustWaitFor(t, func() bool { return f.metrics.failed.Load() == 1 })
}

func TestService_Retry(t *testing.T) {
	t.Parallel()
	fake := sapitest.NewFake()
	var broken atomic.Bool
	broken.Store(true)
	fake.OnSubmit = func(_ context.Context, problems []sapi.Problem) ([]sapi.RemoteProblemInfo, error) {
		if broken.Load() {
			return nil, sapi.NetworkError("no route to host")
		}
		infos := make([]sapi.RemoteProblemInfo, len(problems))
		for i := range problems {
			infos[i] = sapi.RemoteProblemInfo{ID: fake.NextID(), Status: sapi.StatusPending}
		}
		return infos, nil
	}
	f := newFixture(t, fake)
	ctx := context.Background()

	p := f.submit(t, nil)
	failed := f.waitDone(t, p.Handle)
	require.Equal(t, sapi.Failed, failed.State)
	require.Equal(t, sapi.KindNetwork, failed.Error.Kind)

	_, err := f.svc.Answer(ctx, p.Handle)
	require.Error(t, err)

	broken.Store(false)
	_, err = f.svc.Retry(ctx, p.Handle)
	require.NoError(t, err)

	testutil.MustWaitFor(t, func() bool {
		got, err := f.svc.Get(ctx, p.Handle)
		return err == nil && got.State == sapi.Done
	})

	// Retrying a finished problem is rejected
	_, err = f.svc.Retry(ctx, p.Handle)
	assert.ErrorIs(t, err, apperrors.ErrConflict)
}

func TestService_Cancel(t *testing.T) {
	t.Parallel()
	fake := sapitest.NewFake()
	var cancelled atomic.Bool
	fake.OnStatus = func(_ context.Context, ids []string) ([]sapi.RemoteProblemInfo, error) {
		if cancelled.Load() {
			return sapitest.Statuses(sapi.StatusCanceled, ids...), nil
		}
		return sapitest.Statuses(sapi.StatusInProgress, ids...), nil
	}
	fake.OnCancel = func(context.Context, []string) error {
		cancelled.Store(true)
		return nil
	}
	f := newFixture(t, fake)
	ctx := context.Background()

	p := f.submit(t, nil)
	testutil.MustWaitFor(t, func() bool { return len(fake.CallsTo(sapitest.OpStatus)) > 0 })

	require.NoError(t, f.svc.Cancel(ctx, p.Handle))
	done := f.waitDone(t, p.Handle)
	assert.Equal(t, sapi.StatusCanceled, done.RemoteStatus)

	calls := fake.CallsTo(sapitest.OpCancel)
	require.NotEmpty(t, calls)
	assert.Equal(t, []string{"p1"}, calls[0].IDs)

	// Cancelling a finished problem is a no-op
	require.NoError(t, f.svc.Cancel(ctx, p.Handle))
}

func TestService_Prune(t *testing.T) {
	t.Parallel()
	fake := sapitest.NewFake()
	f := newFixture(t, fake)

	finished := f.submit(t, nil)
	f.waitDone(t, finished.Handle)
	testutil.MustWaitFor(t, func() bool { return f.metrics.succeeded.Load() == 1 })

	release := fake.Hold(sapitest.OpSubmit)
	defer release()
	active := f.submit(t, nil)

	assert.Zero(t, f.svc.Prune(time.Now().Add(-time.Hour)), "recently finished problems are kept")
	assert.Equal(t, 1, f.svc.Prune(time.Now().Add(time.Hour)))
	assert.Equal(t, 1, f.svc.Len())

	_, err := f.svc.Get(context.Background(), finished.Handle)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
	_, err = f.svc.Get(context.Background(), "p1")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
	_, err = f.svc.Get(context.Background(), active.Handle)
	assert.NoError(t, err)
}

func TestService_Run(t *testing.T) {
	t.Parallel()
	f := newFixture(t, sapitest.NewFake())
	f.svc.config.Retention = time.Millisecond
	f.svc.config.MaintenanceInterval = 5 * time.Millisecond

	p := f.submit(t, nil)
	f.waitDone(t, p.Handle)
	testutil.MustWaitFor(t, func() bool { return f.metrics.succeeded.Load() == 1 })

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		f.svc.Run(ctx)
		close(stopped)
	}()

	testutil.MustWaitFor(t, func() bool { return f.svc.Len() == 0 })
	cancel()
	<-stopped
}

func TestService_Solvers(t *testing.T) {
	t.Parallel()
	fake := sapitest.NewFake()
	fake.OnSolvers = func(context.Context) ([]sapi.SolverInfo, error) {
		return []sapi.SolverInfo{{ID: "zeta"}, {ID: "alpha", Properties: map[string]any{"qubits": 8}}}, nil
	}
	f := newFixture(t, fake)

	resp, err := f.svc.Solvers(context.Background())
	require.NoError(t, err)
	require.Len(t, resp.Solvers, 2)
	assert.Equal(t, "alpha", resp.Solvers[0].ID)
	assert.Equal(t, "zeta", resp.Solvers[1].ID)

	broken := sapitest.NewFake()
	broken.OnSolvers = func(context.Context) ([]sapi.SolverInfo, error) {
		return nil, sapi.NetworkError("connection refused")
	}
	_, err = newFixture(t, broken).svc.Solvers(context.Background())
	assert.ErrorIs(t, err, apperrors.ErrUnavailable)
}

func TestMapError(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"network", sapi.NetworkError("down"), apperrors.ErrUnavailable},
		{"auth", sapi.AuthError(), apperrors.ErrUnavailable},
		{"protocol", sapi.ProtocolError("bad", "http://x/"), apperrors.ErrUnavailable},
		{"solve", sapi.SolveError("nope"), apperrors.ErrConflict},
		{"shutdown", sapi.ShutdownError(), apperrors.ErrUnavailable},
		{"deadline", context.DeadlineExceeded, apperrors.ErrUnavailable},
		{"internal", sapi.InternalError("bug"), apperrors.ErrInternal},
		{"plain", errors.New("boom"), apperrors.ErrInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.ErrorIs(t, mapError("op", tt.err), tt.want)
		})
	}
}

func TestFilteredEvents(t *testing.T) {
	t.Parallel()
	assert.True(t, FilteredEvents(cloudevent.TypeDone, nil))
	assert.True(t, FilteredEvents(cloudevent.TypeDone, []string{cloudevent.TypeDone}))
	assert.False(t, FilteredEvents(cloudevent.TypeSubmitted, []string{cloudevent.TypeDone}))
}
