package sapi

import (
	"fmt"
	"strings"
)

// SubmittedState is the client-side lifecycle state of a submitted problem.
type SubmittedState int

const (
	Submitting SubmittedState = iota
	Submitted
	Retrying
	Failed
	Done
)

var submittedStateNames = map[SubmittedState]string{
	Submitting: "SUBMITTING",
	Submitted:  "SUBMITTED",
	Retrying:   "RETRYING",
	Failed:     "FAILED",
	Done:       "DONE",
}

func (s SubmittedState) String() string {
	if name, ok := submittedStateNames[s]; ok {
		return name
	}
	return "UNKNOWN"
}

// MarshalText encodes the state by name.
func (s SubmittedState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a state name.
func (s *SubmittedState) UnmarshalText(b []byte) error {
	v, err := ParseSubmittedState(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// ParseSubmittedState parses an upper-case state name.
func ParseSubmittedState(s string) (SubmittedState, error) {
	for state, name := range submittedStateNames {
		if name == s {
			return state, nil
		}
	}
	return 0, fmt.Errorf("unknown submitted state: %s", s)
}

// RemoteStatus is the problem status reported by the solver service.
type RemoteStatus int

const (
	StatusUnknown RemoteStatus = iota
	StatusPending
	StatusInProgress
	StatusCompleted
	StatusFailed
	StatusCanceled
)

func (s RemoteStatus) String() string {
	switch s {
	case StatusPending:
		return "PENDING"
	case StatusInProgress:
		return "IN_PROGRESS"
	case StatusCompleted:
		return "COMPLETED"
	case StatusFailed:
		return "FAILED"
	case StatusCanceled:
		return "CANCELED"
	default:
		return "UNKNOWN"
	}
}

// Finished reports whether the server will not change the status again.
func (s RemoteStatus) Finished() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCanceled
}

// MarshalText encodes the status by name.
func (s RemoteStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a status name.
func (s *RemoteStatus) UnmarshalText(b []byte) error {
	v, err := ParseRemoteStatus(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// ParseRemoteStatus parses a status as sent by the server. Both spellings of
// CANCELED are accepted.
func ParseRemoteStatus(s string) (RemoteStatus, error) {
	switch strings.ToUpper(s) {
	case "PENDING":
		return StatusPending, nil
	case "IN_PROGRESS":
		return StatusInProgress, nil
	case "COMPLETED":
		return StatusCompleted, nil
	case "FAILED":
		return StatusFailed, nil
	case "CANCELED", "CANCELLED":
		return StatusCanceled, nil
	case "UNKNOWN":
		return StatusUnknown, nil
	default:
		return StatusUnknown, fmt.Errorf("unknown problem status: %s", s)
	}
}

// ErrorKind classifies pipeline failures.
type ErrorKind int

const (
	KindInternal ErrorKind = iota
	KindNetwork
	KindProtocol
	KindAuth
	KindMemory
	KindSolve
)

func (k ErrorKind) String() string {
	switch k {
	case KindNetwork:
		return "NETWORK"
	case KindProtocol:
		return "PROTOCOL"
	case KindAuth:
		return "AUTH"
	case KindMemory:
		return "MEMORY"
	case KindSolve:
		return "SOLVE"
	default:
		return "INTERNAL"
	}
}

// MarshalText encodes the kind by name.
func (k ErrorKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText decodes a kind name.
func (k *ErrorKind) UnmarshalText(b []byte) error {
	v, err := ParseErrorKind(string(b))
	if err != nil {
		return err
	}
	*k = v
	return nil
}

// ParseErrorKind parses an upper-case kind name.
func ParseErrorKind(s string) (ErrorKind, error) {
	for _, k := range []ErrorKind{KindNetwork, KindProtocol, KindAuth, KindMemory, KindSolve, KindInternal} {
		if k.String() == s {
			return k, nil
		}
	}
	return KindInternal, fmt.Errorf("unknown error kind: %s", s)
}
