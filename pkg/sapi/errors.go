package sapi

import (
	"context"
	"errors"
	"io"
	"net"
	"syscall"

	"sapiremote/internal/apperrors"
)

// Kind sentinels. Every *Error unwraps to the sentinel of its kind.
var (
	ErrNetwork  = errors.New("network error")
	ErrProtocol = errors.New("protocol error")
	ErrAuth     = errors.New("authentication error")
	ErrMemory   = errors.New("out of memory")
	ErrSolve    = errors.New("solve error")
	ErrInternal = errors.New("internal error")
)

// Detail sentinels for specific conditions within a kind.
var (
	ErrNoAnswer          = errors.New("answer not available")
	ErrProblemCancelled  = errors.New("problem cancelled")
	ErrTooManyProblemIDs = errors.New("too many problem IDs requested")
	ErrShutdown          = errors.New("service shut down")
)

// Error is a classified pipeline failure.
type Error struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`

	details []error
}

func (e *Error) Error() string {
	return e.Message
}

// Unwrap exposes the kind sentinel and any detail sentinels to errors.Is.
func (e *Error) Unwrap() []error {
	errs := make([]error, 0, len(e.details)+1)
	errs = append(errs, kindSentinel(e.Kind))
	return append(errs, e.details...)
}

// withDetail returns a copy of e that also matches detail.
func (e *Error) withDetail(detail error) *Error {
	c := &Error{Kind: e.Kind, Message: e.Message}
	c.details = append(append(c.details, e.details...), detail)
	return c
}

func kindSentinel(k ErrorKind) error {
	switch k {
	case KindNetwork:
		return ErrNetwork
	case KindProtocol:
		return ErrProtocol
	case KindAuth:
		return ErrAuth
	case KindMemory:
		return ErrMemory
	case KindSolve:
		return ErrSolve
	default:
		return ErrInternal
	}
}

// NetworkError reports a transient transport failure. These are retried.
func NetworkError(msg string) *Error {
	return &Error{Kind: KindNetwork, Message: "Network error: " + msg}
}

// ProtocolError reports a malformed or unexpected server response.
func ProtocolError(msg, url string) *Error {
	return &Error{Kind: KindProtocol, Message: "Bad server response from " + url + ": " + msg}
}

// AuthError reports rejected credentials.
func AuthError() *Error {
	return &Error{Kind: KindAuth, Message: "authentication failed"}
}

// SolveError reports that the remote job itself failed.
func SolveError(msg string) *Error {
	return &Error{Kind: KindSolve, Message: "Problem failed: " + msg}
}

// ProblemCancelledError reports that the remote job was cancelled.
func ProblemCancelledError() *Error {
	return &Error{Kind: KindSolve, Message: "Problem cancelled", details: []error{ErrProblemCancelled}}
}

// NoAnswerError reports that no answer exists for the problem's current state.
func NoAnswerError() *Error {
	return &Error{Kind: KindSolve, Message: "Problem failed: answer not available", details: []error{ErrNoAnswer}}
}

// TooManyProblemIDsError reports that a status query named more ids than
// the server accepts.
func TooManyProblemIDsError(url string) *Error {
	e := ProtocolError("too many problem IDs requested", url)
	e.details = []error{ErrTooManyProblemIDs}
	return e
}

// MemoryError reports local resource exhaustion.
func MemoryError(msg string) *Error {
	return &Error{Kind: KindMemory, Message: msg}
}

// InternalError reports an unclassified failure.
func InternalError(msg string) *Error {
	return &Error{Kind: KindInternal, Message: "Internal error: " + msg}
}

// ShutdownError reports that the manager or a service it depends on has stopped.
func ShutdownError() *Error {
	return &Error{Kind: KindInternal, Message: "Service shut down", details: []error{ErrShutdown}}
}

// Classify maps any error onto the pipeline taxonomy. An *Error anywhere in
// the chain is returned unchanged.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}

	var e *Error
	if errors.As(err, &e) {
		return e
	}

	switch {
	case errors.Is(err, ErrShutdown), errors.Is(err, apperrors.ErrUnavailable), errors.Is(err, context.Canceled):
		return ShutdownError()
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNRESET):
		return NetworkError(err.Error())
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return NetworkError(err.Error())
	}
	return InternalError(err.Error())
}
