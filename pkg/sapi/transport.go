package sapi

import (
	"context"
	"encoding/json"

	"sapiremote/pkg/answer"
)

// Problem is one optimization task: the solver to run it on, a format tag,
// and opaque payload and parameters.
type Problem struct {
	Solver string          `json:"solver"`
	Type   string          `json:"type"`
	Data   json.RawMessage `json:"data"`
	Params map[string]any  `json:"params"`
}

// Answer is a solved problem's result.
type Answer = answer.Answer

// RemoteProblemInfo is the server's view of one problem.
type RemoteProblemInfo struct {
	ID           string       `json:"id"`
	Type         string       `json:"type"`
	Status       RemoteStatus `json:"status"`
	SubmittedOn  string       `json:"submitted_on,omitempty"`
	SolvedOn     string       `json:"solved_on,omitempty"`
	ErrorMessage string       `json:"error_message,omitempty"`
}

// SolverInfo describes a solver offered by the remote service.
type SolverInfo struct {
	ID         string         `json:"id"`
	Properties map[string]any `json:"properties"`
}

// Transport performs the remote calls the manager needs. Every failure must
// be returned as, or be classifiable into, an *Error. Implementations must be
// safe for concurrent use; the manager issues each call on its own goroutine.
type Transport interface {
	FetchSolvers(ctx context.Context) ([]SolverInfo, error)

	// SubmitProblems returns one entry per submitted problem, in order.
	SubmitProblems(ctx context.Context, problems []Problem) ([]RemoteProblemInfo, error)

	// MultiProblemStatus returns one entry per id, in order.
	MultiProblemStatus(ctx context.Context, ids []string) ([]RemoteProblemInfo, error)

	FetchAnswer(ctx context.Context, id string) (Answer, error)
	CancelProblems(ctx context.Context, ids []string) error
}

// MetricsRecorder is an optional interface for recording manager metrics.
type MetricsRecorder interface {
	RecordRequest(ctx context.Context, request, outcome string, durationSeconds float64)
	RecordProblemState(ctx context.Context, state string)
	RecordRetry(ctx context.Context, action string)
}
