//go:build integration

package docker

import (
	"context"
	"errors"
	"testing"
	"time"

	"sapiremote/internal/testutil"
	"sapiremote/pkg/sapi"
)

const testImage = "alpine:latest"

func newIntegrationTransport(t *testing.T) *Transport {
	t.Helper()
	ctx := context.Background()

	tr, err := New(ctx, Config{
		Solvers: map[string]string{
			"echo":    testImage,
			"failing": testImage,
			"sleepy":  testImage,
		},
		Commands: map[string][]string{
			"echo":    {"/bin/sh", "-c", `echo "solving $SAPI_PROBLEM_ID" >&2; printf '{"type":"%s","answer":%s}' "$SAPI_PROBLEM_TYPE" "$SAPI_PROBLEM"`},
			"failing": {"/bin/sh", "-c", `echo "invalid problem" >&2; exit 3`},
			"sleepy":  {"sleep", "300"},
		},
		StopTimeout: time.Second,
	})
	if err != nil {
		t.Fatalf("Failed to create transport: %v", err)
	}
	if err := tr.Ready(ctx); err != nil {
		_ = tr.Close()
		t.Skipf("Docker daemon not available: %v", err)
	}
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

func awaitFinal(t *testing.T, tr *Transport, id string) sapi.RemoteProblemInfo {
	t.Helper()
	var info sapi.RemoteProblemInfo
	testutil.MustWaitFor(t, func() bool {
		infos, err := tr.MultiProblemStatus(context.Background(), []string{id})
		if err != nil {
			return false
		}
		info = infos[0]
		return info.Status.Finished()
	}, testutil.WithTimeout(60*time.Second), testutil.WithInterval(200*time.Millisecond))
	return info
}

func cleanupProblem(t *testing.T, tr *Transport, id string) {
	t.Cleanup(func() {
		if ps, ok := tr.state.release(id); ok && ps != nil {
			tr.removeContainer(context.Background(), ps.containerID)
		}
	})
}

func TestTransport_EchoSolver(t *testing.T) {
	tr := newIntegrationTransport(t)
	ctx := context.Background()

	infos, err := tr.SubmitProblems(ctx, []sapi.Problem{{Solver: "echo", Type: "qubo", Data: []byte(`{"lin":[1]}`)}})
	if err != nil {
		t.Fatalf("SubmitProblems() error = %v", err)
	}
	id := infos[0].ID
	if infos[0].Status != sapi.StatusPending {
		t.Fatalf("Expected pending, got %s: %s", infos[0].Status, infos[0].ErrorMessage)
	}
	cleanupProblem(t, tr, id)

	if info := awaitFinal(t, tr, id); info.Status != sapi.StatusCompleted {
		t.Fatalf("Expected completed, got %s: %s", info.Status, info.ErrorMessage)
	}

	a, err := tr.FetchAnswer(ctx, id)
	if err != nil {
		t.Fatalf("FetchAnswer() error = %v", err)
	}
	if a.Type != "qubo" {
		t.Errorf("Expected answer type qubo, got %s", a.Type)
	}
}

func TestTransport_FailingSolver(t *testing.T) {
	tr := newIntegrationTransport(t)

	infos, err := tr.SubmitProblems(context.Background(), []sapi.Problem{{Solver: "failing", Type: "qubo"}})
	if err != nil {
		t.Fatalf("SubmitProblems() error = %v", err)
	}
	cleanupProblem(t, tr, infos[0].ID)

	info := awaitFinal(t, tr, infos[0].ID)
	if info.Status != sapi.StatusFailed {
		t.Fatalf("Expected failed, got %s", info.Status)
	}
	if info.ErrorMessage != "solver exited with code 3: invalid problem" {
		t.Errorf("Unexpected error message %q", info.ErrorMessage)
	}
}

func TestTransport_CancelRunning(t *testing.T) {
	tr := newIntegrationTransport(t)
	ctx := context.Background()

	infos, err := tr.SubmitProblems(ctx, []sapi.Problem{{Solver: "sleepy", Type: "qubo"}})
	if err != nil {
		t.Fatalf("SubmitProblems() error = %v", err)
	}
	id := infos[0].ID
	cleanupProblem(t, tr, id)

	if err := tr.CancelProblems(ctx, []string{id}); err != nil {
		t.Fatalf("CancelProblems() error = %v", err)
	}

	info := awaitFinal(t, tr, id)
	if info.Status != sapi.StatusCanceled {
		t.Fatalf("Expected canceled, got %s", info.Status)
	}
	if _, err := tr.FetchAnswer(ctx, id); !errors.Is(err, sapi.ErrProblemCancelled) {
		t.Errorf("Expected cancelled error, got %v", err)
	}
}
