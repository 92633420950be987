// Package background runs best-effort side effects (cache fills, session
// touches, subject binding, diagnostics) off the request path. Failures and
// panics are logged and never reach the caller.
package background

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"shiftflow/pkg/logging"
)

const (
	DefaultConcurrency = 64
	DefaultTimeout     = 10 * time.Second
)

// Task is one unit of deferred work.
type Task func(ctx context.Context) error

type Stats struct {
	Started  int64
	Failed   int64
	Dropped  int64
	Panicked int64
}

type Executor struct {
	sem     *semaphore.Weighted
	timeout time.Duration
	logger  *zap.Logger
	wg      sync.WaitGroup
	closed  atomic.Bool

	started  atomic.Int64
	failed   atomic.Int64
	dropped  atomic.Int64
	panicked atomic.Int64
}

func New(logger *zap.Logger, concurrency int, timeout time.Duration) *Executor {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Executor{
		sem:     semaphore.NewWeighted(int64(concurrency)),
		timeout: timeout,
		logger:  logging.OrNop(logger),
	}
}

// Go schedules task on a context detached from ctx's cancellation but
// carrying its values. It reports false when the task was dropped because
// the executor is saturated or closed.
func (e *Executor) Go(ctx context.Context, name string, task Task) bool {
	if e.closed.Load() {
		e.dropped.Add(1)
		e.logger.Warn("background task dropped: executor closed", zap.String("task", name))
		return false
	}
	if !e.sem.TryAcquire(1) {
		e.dropped.Add(1)
		e.logger.Warn("background task dropped: executor saturated", zap.String("task", name))
		return false
	}
	e.wg.Add(1)
	e.started.Add(1)
	detached := context.WithoutCancel(ctx)
	go func() {
		defer e.wg.Done()
		defer e.sem.Release(1)
		taskCtx, cancel := context.WithTimeout(detached, e.timeout)
		defer cancel()
		if err := e.run(taskCtx, task); err != nil {
			e.failed.Add(1)
			e.logger.Warn("background task failed", zap.String("task", name), zap.Error(err))
		}
	}()
	return true
}

func (e *Executor) run(ctx context.Context, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			e.panicked.Add(1)
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return task(ctx)
}

// Wait blocks until every scheduled task has finished.
func (e *Executor) Wait() { e.wg.Wait() }

// Shutdown stops accepting work and waits for in-flight tasks or ctx.
func (e *Executor) Shutdown(ctx context.Context) error {
	e.closed.Store(true)
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Executor) Stats() Stats {
	return Stats{
		Started:  e.started.Load(),
		Failed:   e.failed.Load(),
		Dropped:  e.dropped.Load(),
		Panicked: e.panicked.Load(),
	}
}
