// Package retrytimer schedules backoff delays for failed remote requests.
//
// A Service owns one goroutine that delivers every expiry. Timers are
// registered with the service by numeric id; an expiry carries only the id
// and the arming generation, so a timer that was reset or released after
// being armed is never notified.
package retrytimer

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"sapiremote/pkg/backoff"
)

// ErrShutdown is returned by NewTimer once the service has shut down.
var ErrShutdown = errors.New("retry timer service shut down")

// Action tells the caller what to do with a failed request.
type Action int

const (
	// ActionRetry means the request should be retried once the timer fires.
	ActionRetry Action = iota
	// ActionFail means the maximum delay has elapsed; give up.
	ActionFail
	// ActionShutdown means the service is gone and nothing will fire.
	ActionShutdown
)

// String returns the action name.
func (a Action) String() string {
	switch a {
	case ActionRetry:
		return "RETRY"
	case ActionFail:
		return "FAIL"
	case ActionShutdown:
		return "SHUTDOWN"
	default:
		return "UNKNOWN"
	}
}

// Notifier is told when a retry delay has elapsed. Notify runs on the
// service goroutine and must not block or call Service.Shutdown.
type Notifier interface {
	Notify()
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func()

// Notify calls f.
func (f NotifierFunc) Notify() { f() }

type expiry struct {
	id  uint64
	gen uint64
}

// Service delivers timer expiries on a single goroutine.
type Service struct {
	mu      sync.Mutex
	timers  map[uint64]*Timer
	nextID  uint64
	stopped atomic.Bool

	fired    chan expiry
	shutdown chan struct{}
	done     chan struct{}
	once     sync.Once

	logger *slog.Logger
}

// NewService starts a retry timer service.
func NewService(logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		timers:   make(map[uint64]*Timer),
		fired:    make(chan expiry, 16),
		shutdown: make(chan struct{}),
		done:     make(chan struct{}),
		logger:   logger.With("component", "retry-timer"),
	}
	go s.run()
	return s
}

func (s *Service) run() {
	defer close(s.done)
	for {
		select {
		case <-s.shutdown:
			return
		case e := <-s.fired:
			s.expire(e)
		}
	}
}

func (s *Service) expire(e expiry) {
	s.mu.Lock()
	t, ok := s.timers[e.id]
	s.mu.Unlock()
	if !ok {
		return
	}

	t.mu.Lock()
	if t.shut || t.gen != e.gen || !t.waiting {
		t.mu.Unlock()
		return
	}
	t.waiting = false
	t.fail = t.failOnExpiry
	target := t.target
	t.mu.Unlock()

	target.Notify()
}

// NewTimer registers a timer that notifies target when its delay elapses.
func (s *Service) NewTimer(target Notifier, timing backoff.Timing) (*Timer, error) {
	if err := timing.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped.Load() {
		return nil, ErrShutdown
	}
	s.nextID++
	t := &Timer{
		id:     s.nextID,
		svc:    s,
		target: target,
		timing: timing,
		next:   timing.Initial,
	}
	s.timers[t.id] = t
	return t, nil
}

// Len returns the number of registered timers.
func (s *Service) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Shutdown stops the service goroutine. Pending timers never fire and
// every timer returns ActionShutdown from then on. Safe to call more than once.
func (s *Service) Shutdown() {
	s.once.Do(func() {
		s.mu.Lock()
		s.stopped.Store(true)
		timers := make([]*Timer, 0, len(s.timers))
		for _, t := range s.timers {
			timers = append(timers, t)
		}
		s.timers = make(map[uint64]*Timer)
		s.mu.Unlock()

		for _, t := range timers {
			t.mu.Lock()
			t.shut = true
			t.stopLocked()
			t.mu.Unlock()
		}
		close(s.shutdown)
		<-s.done
		s.logger.Debug("retry timer service stopped", "timers", len(timers))
	})
}

func (s *Service) release(id uint64) {
	s.mu.Lock()
	delete(s.timers, id)
	s.mu.Unlock()
}

func (s *Service) post(e expiry) {
	select {
	case s.fired <- e:
	case <-s.shutdown:
	}
}

// Timer tracks the backoff state of one retrying request source.
type Timer struct {
	id     uint64
	svc    *Service
	target Notifier
	timing backoff.Timing

	mu           sync.Mutex
	timer        *time.Timer
	gen          uint64
	next         time.Duration
	waiting      bool
	fail         bool
	failOnExpiry bool
	shut         bool
}

// Retry reports a failure. If no delay is pending, the timer is armed for the
// next delay in the sequence. Calls made while a delay is pending do not
// advance the sequence.
func (t *Timer) Retry() Action {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.shut || t.svc.stopped.Load() {
		return ActionShutdown
	}

	if !t.waiting {
		t.armLocked(t.next)
		t.waiting = true
		if t.next >= t.timing.Max {
			t.failOnExpiry = true
		}
		t.next = t.timing.Next(t.next)
	}

	if t.fail {
		return ActionFail
	}
	return ActionRetry
}

// Success resets the delay sequence and cancels any pending expiry.
func (t *Timer) Success() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.waiting = false
	t.fail = false
	t.failOnExpiry = false
	t.next = t.timing.Initial
	t.stopLocked()
}

// Release unregisters the timer. A pending expiry is dropped.
func (t *Timer) Release() {
	t.mu.Lock()
	t.shut = true
	t.stopLocked()
	t.mu.Unlock()
	t.svc.release(t.id)
}

func (t *Timer) armLocked(d time.Duration) {
	t.stopLocked()
	e := expiry{id: t.id, gen: t.gen}
	t.timer = time.AfterFunc(d, func() { t.svc.post(e) })
}

// stopLocked invalidates any expiry already in flight by bumping the generation.
func (t *Timer) stopLocked() {
	t.gen++
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}
