package gateway

import (
	"encoding/json"
	"time"

	"sapiremote/pkg/sapi"
)

// SubmitRequest asks the gateway to submit one problem.
type SubmitRequest struct {
	Solver   string            `json:"solver"`
	Type     string            `json:"type"`
	Data     json.RawMessage   `json:"data"`
	Params   map[string]any    `json:"params,omitempty"`
	Meta     map[string]string `json:"meta,omitempty"`
	Callback *Callback         `json:"callback,omitempty"`
}

// AttachRequest starts tracking a problem submitted elsewhere.
type AttachRequest struct {
	Meta     map[string]string `json:"meta,omitempty"`
	Callback *Callback         `json:"callback,omitempty"`
}

// Callback represents callback configuration for a problem
type Callback struct {
	URL    string   `json:"url"`
	Events []string `json:"events,omitempty"`
	Key    string   `json:"key,omitempty"` // HMAC signing key
}

// Problem is the gateway view of one tracked problem.
type Problem struct {
	Handle      string            `json:"handle" yaml:"handle"`
	Solver      string            `json:"solver,omitempty" yaml:"solver,omitempty"`
	Type        string            `json:"type,omitempty" yaml:"type,omitempty"`
	Meta        map[string]string `json:"meta,omitempty" yaml:"meta,omitempty"`
	CreatedAt   time.Time         `json:"createdAt" yaml:"createdAt"`
	Done        bool              `json:"done" yaml:"done"`
	sapi.Status `yaml:",inline"`
}

// ListResponse represents the response for listing problems
type ListResponse struct {
	Problems []Problem `json:"problems" yaml:"problems"`
}

// AnswerResponse carries a fetched answer.
type AnswerResponse struct {
	Handle    string          `json:"handle" yaml:"handle"`
	ProblemID string          `json:"problemId" yaml:"problemId"`
	Type      string          `json:"type" yaml:"type"`
	Answer    json.RawMessage `json:"answer" yaml:"-"`
}

// Solver describes one solver offered by the backend.
type Solver struct {
	ID         string         `json:"id" yaml:"id"`
	Properties map[string]any `json:"properties,omitempty" yaml:"properties,omitempty"`
}

// SolversResponse lists solvers sorted by id.
type SolversResponse struct {
	Solvers []Solver `json:"solvers" yaml:"solvers"`
}
