package sapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"testing"

	"sapiremote/internal/apperrors"
)

func TestErrorConstructors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		err      *Error
		kind     ErrorKind
		message  string
		sentinel error
	}{
		{"network", NetworkError("connection refused"), KindNetwork, "Network error: connection refused", ErrNetwork},
		{"protocol", ProtocolError("JSON format error", "https://sapi.example/"), KindProtocol, "Bad server response from https://sapi.example/: JSON format error", ErrProtocol},
		{"auth", AuthError(), KindAuth, "authentication failed", ErrAuth},
		{"solve", SolveError("bad h"), KindSolve, "Problem failed: bad h", ErrSolve},
		{"cancelled", ProblemCancelledError(), KindSolve, "Problem cancelled", ErrProblemCancelled},
		{"no answer", NoAnswerError(), KindSolve, "Problem failed: answer not available", ErrNoAnswer},
		{"too many ids", TooManyProblemIDsError("u"), KindProtocol, "Bad server response from u: too many problem IDs requested", ErrTooManyProblemIDs},
		{"memory", MemoryError("response too large"), KindMemory, "response too large", ErrMemory},
		{"internal", InternalError("oops"), KindInternal, "Internal error: oops", ErrInternal},
		{"shutdown", ShutdownError(), KindInternal, "Service shut down", ErrShutdown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if tt.err.Kind != tt.kind {
				t.Errorf("Kind = %v, want %v", tt.err.Kind, tt.kind)
			}
			if tt.err.Error() != tt.message {
				t.Errorf("Error() = %q, want %q", tt.err.Error(), tt.message)
			}
			if !errors.Is(tt.err, tt.sentinel) {
				t.Errorf("errors.Is(%v) = false", tt.sentinel)
			}
			if !errors.Is(tt.err, kindSentinel(tt.kind)) {
				t.Error("error does not match its kind sentinel")
			}
		})
	}
}

func TestError_KindsDoNotOverlap(t *testing.T) {
	t.Parallel()
	err := NetworkError("x")
	if errors.Is(err, ErrProtocol) || errors.Is(err, ErrNoAnswer) {
		t.Error("network error matched unrelated sentinels")
	}
}

func TestError_WithDetail(t *testing.T) {
	t.Parallel()
	base := TooManyProblemIDsError("u")
	got := base.withDetail(ErrNoAnswer)

	if !errors.Is(got, ErrNoAnswer) || !errors.Is(got, ErrTooManyProblemIDs) || !errors.Is(got, ErrProtocol) {
		t.Errorf("withDetail lost a sentinel: %v", got.Unwrap())
	}
	if errors.Is(base, ErrNoAnswer) {
		t.Error("withDetail modified the original error")
	}
	if got.Message != base.Message || got.Kind != base.Kind {
		t.Errorf("withDetail changed kind or message: %+v", got)
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var _ net.Error = timeoutErr{}

func TestClassify(t *testing.T) {
	t.Parallel()
	auth := AuthError()

	tests := []struct {
		name string
		err  error
		kind ErrorKind
		same *Error
	}{
		{"passthrough", auth, KindAuth, auth},
		{"wrapped passthrough", fmt.Errorf("submit: %w", auth), KindAuth, auth},
		{"deadline", context.DeadlineExceeded, KindNetwork, nil},
		{"unexpected eof", io.ErrUnexpectedEOF, KindNetwork, nil},
		{"net error", &net.OpError{Op: "dial", Net: "tcp", Err: timeoutErr{}}, KindNetwork, nil},
		{"canceled", context.Canceled, KindInternal, nil},
		{"unavailable", apperrors.Unavailable("threadpool.post", nil), KindInternal, nil},
		{"other", errors.New("boom"), KindInternal, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := Classify(tt.err)
			if got.Kind != tt.kind {
				t.Errorf("Classify() kind = %v, want %v", got.Kind, tt.kind)
			}
			if tt.same != nil && got != tt.same {
				t.Error("expected the original *Error to be returned")
			}
		})
	}

	if Classify(nil) != nil {
		t.Error("Classify(nil) should be nil")
	}
	if !errors.Is(Classify(context.Canceled), ErrShutdown) {
		t.Error("context.Canceled should classify as shutdown")
	}
	if got := Classify(errors.New("boom")).Error(); got != "Internal error: boom" {
		t.Errorf("message = %q", got)
	}
}
