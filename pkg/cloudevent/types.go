// Package cloudevent builds and delivers CloudEvents 1.0 notifications for
// problem lifecycle changes.
package cloudevent

import (
	"time"

	"github.com/google/uuid"
)

// Problem lifecycle event types.
const (
	TypeSubmitted = "sapi.problem.submitted"
	TypeDone      = "sapi.problem.done"
	TypeError     = "sapi.problem.error"
)

// Types lists every event type a callback can subscribe to.
var Types = []string{TypeSubmitted, TypeDone, TypeError}

// CloudEvent is a CloudEvents 1.0 event in structured JSON mode.
type CloudEvent struct {
	SpecVersion     string         `json:"specversion"`
	Type            string         `json:"type"`
	Source          string         `json:"source"`
	Subject         string         `json:"subject"`
	ID              string         `json:"id"`
	Time            time.Time      `json:"time"`
	DataContentType string         `json:"datacontenttype"`
	Data            map[string]any `json:"data"`
}

// New creates an event stamped with the current time.
func New(eventType, source, subject, id string, data map[string]any) *CloudEvent {
	return &CloudEvent{
		SpecVersion:     "1.0",
		Type:            eventType,
		Source:          source,
		Subject:         subject,
		ID:              id,
		Time:            time.Now().UTC(),
		DataContentType: "application/json",
		Data:            data,
	}
}

// ForProblem creates an event about one problem with a random id. The
// subject is the gateway handle, which stays stable before the remote id
// is known.
func ForProblem(eventType, source, handle string, data map[string]any) *CloudEvent {
	return New(eventType, source, handle, uuid.NewString(), data)
}
