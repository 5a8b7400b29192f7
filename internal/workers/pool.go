// Package workers provides a bounded goroutine pool for background jobs such
// as schedule firing and resume sweeps.
package workers

import (
	"context"
	"errors"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
)

// Metrics is a snapshot of pool counters.
type Metrics struct {
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Panics    int64 `json:"panics"`
}

// ErrPoolShutdown is returned when work is submitted to a shut-down pool.
var ErrPoolShutdown = errors.New("worker pool is shut down")

// Job is a unit of pool work.
type Job func(ctx context.Context) error

// Pool runs jobs with bounded concurrency. Submit blocks while the pool is
// full, which pushes back on whoever produces the work.
type Pool struct {
	name   string
	logger *slog.Logger

	sem  chan struct{}
	wg   sync.WaitGroup
	mu   sync.Mutex
	done chan struct{}

	closed bool

	active    atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	panics    atomic.Int64
}

// NewPool creates a pool running at most size jobs at once. name labels its
// log records.
func NewPool(name string, size int, logger *slog.Logger) *Pool {
	if size <= 0 {
		size = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		name:   name,
		logger: logger,
		sem:    make(chan struct{}, size),
		done:   make(chan struct{}),
	}
}

// Submit starts job once a slot is free. It returns ctx's error if ctx ends
// first and ErrPoolShutdown after Shutdown. Job errors and panics are logged
// and counted, never returned.
func (p *Pool) Submit(ctx context.Context, task string, job Job) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolShutdown
	}
	p.mu.Unlock()

	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		return ErrPoolShutdown
	}

	// wg.Add must happen under mu so Shutdown's Wait cannot miss it.
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.sem
		return ErrPoolShutdown
	}
	p.wg.Add(1)
	p.active.Add(1)
	p.mu.Unlock()

	go func() {
		defer func() {
			if r := recover(); r != nil {
				p.panics.Add(1)
				p.failed.Add(1)
				p.logger.ErrorContext(ctx, "pool job panicked",
					slog.String("pool", p.name),
					slog.String("task", task),
					slog.Any("panic", r),
					slog.String("stack", string(debug.Stack())))
			}
			p.active.Add(-1)
			<-p.sem
			p.wg.Done()
		}()

		if err := job(ctx); err != nil {
			p.failed.Add(1)
			p.logger.WarnContext(ctx, "pool job failed",
				slog.String("pool", p.name),
				slog.String("task", task),
				slog.String("error", err.Error()))
			return
		}
		p.completed.Add(1)
	}()
	return nil
}

// Wait blocks until every submitted job has returned.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// Shutdown stops accepting jobs and waits for running ones.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.done)
	p.mu.Unlock()

	p.wg.Wait()
}

// Metrics returns the current counters.
func (p *Pool) Metrics() Metrics {
	return Metrics{
		Active:    p.active.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Panics:    p.panics.Load(),
	}
}
