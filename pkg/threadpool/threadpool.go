// Package threadpool runs posted work on a fixed set of worker goroutines.
package threadpool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"sapiremote/internal/apperrors"
)

// ErrShutdown is returned by Post once the pool has been shut down.
var ErrShutdown = errors.New("service shut down")

// DefaultWorkers is the pool size used by the problem manager when none is configured.
const DefaultWorkers = 2

// MetricsRecorder is an optional interface for recording pool metrics.
type MetricsRecorder interface {
	RecordWorkCompleted(ctx context.Context, durationSeconds float64)
	RecordWorkPanicked(ctx context.Context)
}

// Stats holds pool statistics.
type Stats struct {
	Workers    int
	QueueDepth int
	Posted     int64
	Completed  int64
	Panicked   int64
}

// Pool executes posted functions in FIFO order on a fixed number of workers.
// Post never blocks; the queue is unbounded.
type Pool struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []func()
	running bool

	workers int
	wg      sync.WaitGroup
	once    sync.Once
	logger  *slog.Logger
	metrics MetricsRecorder

	posted    atomic.Int64
	completed atomic.Int64
	panicked  atomic.Int64
}

// New starts a pool with the given number of workers.
func New(workers int, metrics MetricsRecorder) (*Pool, error) {
	if workers < 1 {
		return nil, apperrors.Validation("workers", fmt.Sprintf("number of workers must be positive, got %d", workers))
	}

	p := &Pool{
		running: true,
		workers: workers,
		logger:  slog.With("component", "threadpool"),
		metrics: metrics,
	}
	p.cond = sync.NewCond(&p.mu)

	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p, nil
}

// Post queues work for execution. It returns ErrShutdown after Shutdown.
func (p *Pool) Post(work func()) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return ErrShutdown
	}
	p.queue = append(p.queue, work)
	p.posted.Add(1)
	p.cond.Signal()
	return nil
}

// Stats returns current pool statistics.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	depth := len(p.queue)
	p.mu.Unlock()
	return Stats{
		Workers:    p.workers,
		QueueDepth: depth,
		Posted:     p.posted.Load(),
		Completed:  p.completed.Load(),
		Panicked:   p.panicked.Load(),
	}
}

// Shutdown stops accepting work, runs what is already queued and joins the
// workers. It must not be called from posted work.
func (p *Pool) Shutdown() {
	p.stop()
	p.wg.Wait()
}

// Close is Shutdown bounded by ctx. Workers keep draining in the background
// if the context expires first.
func (p *Pool) Close(ctx context.Context) error {
	p.stop()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Debug("Thread pool stopped", "completed", p.completed.Load(), "panicked", p.panicked.Load())
		return nil
	case <-ctx.Done():
		p.logger.Warn("Thread pool shutdown timed out", "remaining", p.Stats().QueueDepth)
		return ctx.Err()
	}
}

func (p *Pool) stop() {
	p.once.Do(func() {
		p.mu.Lock()
		p.running = false
		p.cond.Broadcast()
		p.mu.Unlock()
	})
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		for p.running && len(p.queue) == 0 {
			p.cond.Wait()
		}
		if len(p.queue) == 0 {
			p.mu.Unlock()
			return
		}
		work := p.queue[0]
		p.queue[0] = nil
		p.queue = p.queue[1:]
		p.mu.Unlock()

		p.run(work)
	}
}

// run executes one unit of work. Panics are recovered and counted.
func (p *Pool) run(work func()) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			p.panicked.Add(1)
			if p.metrics != nil {
				p.metrics.RecordWorkPanicked(context.Background())
			}
			p.logger.Error("Panic in posted work", "panic", r, "stack", string(debug.Stack()))
			return
		}
		p.completed.Add(1)
		if p.metrics != nil {
			p.metrics.RecordWorkCompleted(context.Background(), time.Since(start).Seconds())
		}
	}()
	work()
}
