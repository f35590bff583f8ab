// Package dispatcher delivers problem lifecycle webhooks asynchronously,
// with buffering, retry and a per-host circuit breaker.
package dispatcher

import (
	"context"
	"errors"

	"sapiremote/pkg/cloudevent"
)

// Sentinel errors returned by Dispatch.
var (
	ErrBufferFull = errors.New("dispatcher buffer full, event dropped")
	ErrClosed     = errors.New("dispatcher is closed")
)

// Dispatcher handles async delivery of events.
type Dispatcher interface {
	// Dispatch queues an event for async delivery. Non-blocking.
	// Returns ErrBufferFull if the event cannot be queued.
	Dispatch(event *Event) error

	// Stats returns current dispatcher statistics.
	Stats() Stats

	// Close gracefully shuts down, attempting to deliver queued events.
	// The context deadline controls how long to wait for drain.
	Close(ctx context.Context) error
}

// Event is a webhook to be delivered to a destination.
type Event struct {
	Payload     *cloudevent.CloudEvent
	Destination string // callback URL
	SigningKey  string // HMAC key for signing, empty = no signing
	Signature   string // Pre-computed signature, takes precedence over SigningKey
	Requeues    int    // number of times requeued due to circuit open (internal use)
}

// Stats holds dispatcher statistics.
type Stats struct {
	QueueDepth    int   `json:"queueDepth"`
	Queued        int64 `json:"queued"`
	Delivered     int64 `json:"delivered"`
	Failed        int64 `json:"failed"`   // failed after retries
	Dropped       int64 `json:"dropped"`  // full buffer or max requeues
	Requeued      int64 `json:"requeued"` // open circuit
	RetriesTotal  int64 `json:"retriesTotal"`
	BreakersTotal int   `json:"breakersTotal"`
	BreakersOpen  int   `json:"breakersOpen"`
}
