// Package async provides bounded worker pool utilities.
package async

import (
	"context"
	"fmt"
	"sync"

	"github.com/coachpo/meltica-bybit/errs"
)

// Task represents a unit of work executed by the pool workers.
type Task func(context.Context) error

// Pool is a bounded worker pool that rejects work when saturated.
// Queued tasks still run after Close; Shutdown waits for them.
type Pool struct {
	mu      sync.RWMutex
	closed  bool
	jobs    chan job
	quit    chan struct{}
	pending sync.WaitGroup
	once    sync.Once
	onError func(error)
}

type job struct {
	ctx context.Context
	fn  Task
}

// Option configures a Pool.
type Option func(*Pool)

// WithErrorHandler receives task errors and recovered panics.
func WithErrorHandler(fn func(error)) Option {
	return func(p *Pool) {
		p.onError = fn
	}
}

// NewPool creates a worker pool with the given concurrency and queue depth.
func NewPool(workers, queue int, opts ...Option) (*Pool, error) {
	if workers <= 0 {
		return nil, errs.New("lib/async", errs.CodeInvalid, errs.WithMessage("workers must be >0"))
	}
	if queue < 0 {
		queue = 0
	}
	p := &Pool{jobs: make(chan job, queue), quit: make(chan struct{})}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p, nil
}

// Submit schedules the provided task for execution respecting pool backpressure.
func (p *Pool) Submit(ctx context.Context, fn Task) error {
	if fn == nil {
		return errs.New("lib/async", errs.CodeInvalid, errs.WithMessage("task must not be nil"))
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("submit context: %w", err)
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return errs.New("lib/async", errs.CodeUnavailable, errs.WithMessage("pool closed"))
	}
	p.pending.Add(1)
	select {
	case p.jobs <- job{ctx: ctx, fn: fn}:
		return nil
	default:
		p.pending.Done()
		return errs.New("lib/async", errs.CodeUnavailable, errs.WithMessage("pool at capacity"))
	}
}

// SubmitWait schedules fn, waiting for queue space until ctx ends or the pool closes.
// The task itself runs with taskCtx.
func (p *Pool) SubmitWait(ctx, taskCtx context.Context, fn Task) error {
	if fn == nil {
		return errs.New("lib/async", errs.CodeInvalid, errs.WithMessage("task must not be nil"))
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if taskCtx == nil {
		taskCtx = context.Background()
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return errs.New("lib/async", errs.CodeUnavailable, errs.WithMessage("pool closed"))
	}
	p.pending.Add(1)
	select {
	case p.jobs <- job{ctx: taskCtx, fn: fn}:
		return nil
	case <-p.quit:
		p.pending.Done()
		return errs.New("lib/async", errs.CodeUnavailable, errs.WithMessage("pool closed"))
	case <-ctx.Done():
		p.pending.Done()
		return fmt.Errorf("submit wait: %w", ctx.Err())
	}
}

// Close stops accepting new tasks. Workers exit once the queue drains.
func (p *Pool) Close() {
	p.once.Do(func() {
		// Unblock waiting submitters before taking the write lock.
		close(p.quit)
		p.mu.Lock()
		p.closed = true
		close(p.jobs)
		p.mu.Unlock()
	})
}

// Shutdown waits for queued and in-flight tasks to complete or until the context expires.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.Close()
	done := make(chan struct{})
	go func() {
		p.pending.Wait()
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
		p.run(j)
	}
}

func (p *Pool) run(j job) {
	defer p.pending.Done()
	defer func() {
		if r := recover(); r != nil {
			p.report(errs.New("lib/async", errs.CodeUnavailable, errs.WithMessage(fmt.Sprintf("task panic: %v", r))))
		}
	}()
	if err := j.fn(j.ctx); err != nil {
		p.report(err)
	}
}

func (p *Pool) report(err error) {
	if p.onError != nil {
		p.onError(err)
	}
}
