package sapi

import (
	"context"
	"math"
	"sync"
	"time"
)

// NoTimeout makes an await wait until its condition holds.
const NoTimeout time.Duration = -1

// AwaitSubmission waits until every problem has a remote id or has failed.
// It reports whether that happened before the timeout.
func AwaitSubmission(problems []*SubmittedProblem, timeout time.Duration) bool {
	ctx, cancel := timeoutContext(timeout)
	defer cancel()
	return AwaitSubmissionContext(ctx, problems)
}

// AwaitCompletion waits until at least minDone problems are done or failed.
// minDone is capped at len(problems).
func AwaitCompletion(problems []*SubmittedProblem, minDone int, timeout time.Duration) bool {
	ctx, cancel := timeoutContext(timeout)
	defer cancel()
	return AwaitCompletionContext(ctx, problems, minDone)
}

// AwaitCompletionSeconds is AwaitCompletion with a timeout in seconds.
// A positive infinity, NaN or negative value waits forever.
func AwaitCompletionSeconds(problems []*SubmittedProblem, minDone int, timeoutSeconds float64) bool {
	return AwaitCompletion(problems, minDone, secondsToTimeout(timeoutSeconds))
}

// AwaitSubmissionContext is AwaitSubmission bounded by ctx instead of a timeout.
func AwaitSubmissionContext(ctx context.Context, problems []*SubmittedProblem) bool {
	return awaitEvents(ctx, problems, len(problems), func(c *counter) Observer {
		n := c.notifier()
		return ObserverFuncs{OnSubmitted: n, OnError: ignoreErr(n)}
	})
}

// AwaitCompletionContext is AwaitCompletion bounded by ctx instead of a timeout.
func AwaitCompletionContext(ctx context.Context, problems []*SubmittedProblem, minDone int) bool {
	return awaitEvents(ctx, problems, minDone, func(c *counter) Observer {
		n := c.notifier()
		return ObserverFuncs{OnDone: n, OnError: ignoreErr(n)}
	})
}

func awaitEvents(ctx context.Context, problems []*SubmittedProblem, minEvents int, observer func(*counter) Observer) bool {
	minEvents = min(minEvents, len(problems))
	if minEvents <= 0 {
		return true
	}

	c := &counter{remaining: minEvents, reached: make(chan struct{})}
	removers := make([]func(), 0, len(problems))
	for _, p := range problems {
		removers = append(removers, p.AddObserver(observer(c)))
	}
	defer func() {
		for _, remove := range removers {
			remove()
		}
	}()

	select {
	case <-c.reached:
		return true
	case <-ctx.Done():
		return c.done()
	}
}

// counter counts problems that reached a milestone. Each observer counts at
// most once, however many notifications it gets.
type counter struct {
	mu        sync.Mutex
	remaining int
	reached   chan struct{}
}

// notifier returns the function one observer calls for any counted milestone.
func (c *counter) notifier() func() {
	var once sync.Once
	return func() { once.Do(c.decrement) }
}

func (c *counter) decrement() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.remaining--
	if c.remaining == 0 {
		close(c.reached)
	}
}

func (c *counter) done() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remaining <= 0
}

func ignoreErr(fn func()) func(error) {
	return func(error) { fn() }
}

func timeoutContext(timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout < 0 {
		return context.WithCancel(context.Background())
	}
	return context.WithTimeout(context.Background(), timeout)
}

// secondsToTimeout converts without overflowing: anything beyond the
// largest Duration waits forever.
func secondsToTimeout(s float64) time.Duration {
	if math.IsNaN(s) || math.IsInf(s, 1) || s < 0 {
		return NoTimeout
	}
	ns := math.Ceil(s * 1e9)
	if ns >= math.MaxInt64 {
		return NoTimeout
	}
	return time.Duration(ns)
}
