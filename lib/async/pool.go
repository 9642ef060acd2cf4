// Package async provides a bounded worker pool with non-blocking submission.
package async

import (
	"context"
	"fmt"
	"sync"

	"github.com/crosslane/solver/errs"
)

// Task is a unit of work executed by a pool worker.
type Task func(context.Context) error

// Pool runs tasks on a fixed set of workers. Submission never blocks: a full
// queue rejects the task so callers can retry on the next sweep.
type Pool struct {
	jobs chan job
	wg   sync.WaitGroup

	mu     sync.RWMutex
	closed bool
	once   sync.Once
}

type job struct {
	ctx context.Context
	fn  Task
}

// NewPool creates a pool with the given worker count and queue depth.
func NewPool(workers, queue int) (*Pool, error) {
	if workers <= 0 {
		return nil, errs.New("lib/async", errs.CodeValidation, errs.WithMessage("workers must be >0"))
	}
	if queue < 0 {
		queue = 0
	}
	p := new(Pool)
	p.jobs = make(chan job, queue)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p, nil
}

// Submit schedules the task. A saturated queue or closed pool returns an
// unavailable error immediately.
func (p *Pool) Submit(ctx context.Context, fn Task) error {
	if fn == nil {
		return errs.New("lib/async", errs.CodeValidation, errs.WithMessage("task must not be nil"))
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("submit context: %w", err)
	}

	// The read lock holds off Close so the send below never races the
	// channel close.
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return errs.New("lib/async", errs.CodeUnavailable, errs.WithMessage("pool closed"))
	}

	p.wg.Add(1)
	select {
	case p.jobs <- job{ctx: ctx, fn: fn}:
		return nil
	default:
		p.wg.Done()
		return errs.New("lib/async", errs.CodeUnavailable, errs.WithMessage("pool at capacity"))
	}
}

// Close stops accepting new tasks. Already-queued tasks still run.
func (p *Pool) Close() {
	p.once.Do(func() {
		p.mu.Lock()
		p.closed = true
		p.mu.Unlock()
		close(p.jobs)
	})
}

// Shutdown closes the pool and waits for in-flight tasks to complete or until
// the context expires.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.Close()
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return fmt.Errorf("shutdown context: %w", ctx.Err())
	case <-done:
		return nil
	}
}

func (p *Pool) worker() {
	for j := range p.jobs {
		ctx := j.ctx
		if ctx == nil {
			ctx = context.Background()
		}
		func() {
			defer func() {
				// A panicking task must not take the worker down.
				_ = recover()
			}()
			_ = j.fn(ctx)
		}()
		p.wg.Done()
	}
}
