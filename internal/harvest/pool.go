package harvest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
)

type task func(ctx context.Context)

var errPoolClosed = errors.New("worker pool closed")

// WorkerPool bounds how many batch tasks run at once. Jobs are handed over an
// unbuffered channel, so Submit blocks until a worker is free.
type WorkerPool struct {
	ctx    context.Context
	cancel context.CancelFunc
	jobs   chan task
	wg     sync.WaitGroup
	logger *slog.Logger

	closeOnce sync.Once
}

// NewWorkerPool starts concurrency workers.
func NewWorkerPool(parent context.Context, concurrency int, logger *slog.Logger) (*WorkerPool, error) {
	if concurrency <= 0 {
		return nil, errors.New("worker pool requires positive concurrency")
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(parent)
	pool := &WorkerPool{
		ctx:    ctx,
		cancel: cancel,
		jobs:   make(chan task),
		logger: logger,
	}
	pool.start(concurrency)
	return pool, nil
}

func (p *WorkerPool) start(concurrency int) {
	for i := 0; i < concurrency; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for job := range p.jobs {
				p.run(job)
			}
		}()
	}
}

func (p *WorkerPool) run(job task) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("task panicked", "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
		}
	}()
	job(p.ctx)
}

// Submit hands fn to a free worker, blocking until one is available.
func (p *WorkerPool) Submit(ctx context.Context, fn task) error {
	if p.ctx.Err() != nil {
		return errPoolClosed
	}
	select {
	case <-p.ctx.Done():
		return errPoolClosed
	case <-ctx.Done():
		return ctx.Err()
	case p.jobs <- fn:
		return nil
	}
}

// Close waits for in-flight tasks and stops the workers. Submit must not be
// called concurrently with Close.
func (p *WorkerPool) Close() {
	p.closeOnce.Do(func() {
		close(p.jobs)
		p.wg.Wait()
		p.cancel()
	})
}
