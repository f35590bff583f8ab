package gateway

import (
	"slices"

	"sapiremote/pkg/cloudevent"
	"sapiremote/pkg/sapi"
)

// FilteredEvents returns true if the event type should be sent based on the filter.
// If the filter is empty, all events are allowed.
func FilteredEvents(eventType string, filter []string) bool {
	if len(filter) == 0 {
		return true
	}
	return slices.Contains(filter, eventType)
}

// EventBuilder builds CloudEvents for problem lifecycle events.
type EventBuilder struct {
	source string
	handle string
	meta   map[string]string
}

// NewEventBuilder creates a new EventBuilder.
func NewEventBuilder(handle, source string, meta map[string]string) *EventBuilder {
	return &EventBuilder{
		source: source,
		handle: handle,
		meta:   meta,
	}
}

func (b *EventBuilder) build(eventType string, st sapi.Status, extra map[string]any) *cloudevent.CloudEvent {
	data := map[string]any{
		"handle":    b.handle,
		"problemId": st.ProblemID,
		"state":     st.State.String(),
		"meta":      b.meta,
	}
	for k, v := range extra {
		data[k] = v
	}
	return cloudevent.ForProblem(eventType, b.source, b.handle, data)
}

// BuildSubmittedEvent creates a problem submitted event.
func (b *EventBuilder) BuildSubmittedEvent(st sapi.Status) *cloudevent.CloudEvent {
	return b.build(cloudevent.TypeSubmitted, st, map[string]any{
		"submittedOn": st.SubmittedOn,
	})
}

// BuildDoneEvent creates a problem done event.
func (b *EventBuilder) BuildDoneEvent(st sapi.Status) *cloudevent.CloudEvent {
	return b.build(cloudevent.TypeDone, st, map[string]any{
		"remoteStatus": st.RemoteStatus.String(),
		"solvedOn":     st.SolvedOn,
	})
}

// BuildErrorEvent creates a problem error event.
func (b *EventBuilder) BuildErrorEvent(st sapi.Status, err error) *cloudevent.CloudEvent {
	e := sapi.Classify(err)
	return b.build(cloudevent.TypeError, st, map[string]any{
		"remoteStatus": st.RemoteStatus.String(),
		"error":        e.Message,
		"kind":         e.Kind.String(),
	})
}
