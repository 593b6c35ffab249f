// Package grouploop provides an [enginebridge.EventLoop] backed by a
// structured-concurrency scope: an errgroup whose context bounds every
// scheduled task, with a semaphore limiting worker parallelism.
//
// There is no single loop goroutine; FromThread work runs concurrently
// inside the scope. Use this adapter when the application is organized
// around a bounded task group rather than a serial callback loop.
package grouploop

import (
	"context"
	"errors"

	"github.com/joeycumines/go-enginebridge"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Loop is a scope-bound event loop. Construct with [New], install with
// [enginebridge.SetLoop], and call [Loop.Wait] after detaching to reap the
// scope.
type Loop struct {
	group   *errgroup.Group
	ctx     context.Context
	cancel  context.CancelFunc
	workers *semaphore.Weighted
}

var _ enginebridge.EventLoop = (*Loop)(nil)

// New creates a loop scoped to ctx. maxWorkers bounds concurrently running
// ToThread tasks; <= 0 means unbounded.
func New(ctx context.Context, maxWorkers int64) *Loop {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	group, ctx := errgroup.WithContext(ctx)
	l := &Loop{
		group:  group,
		ctx:    ctx,
		cancel: cancel,
	}
	if maxWorkers > 0 {
		l.workers = semaphore.NewWeighted(maxWorkers)
	}
	return l
}

func (l *Loop) Attach() error {
	if l.ctx.Err() != nil {
		return enginebridge.ErrCancelled
	}
	return nil
}

// Detach cancels the scope. Queued and running tasks observe the
// cancellation through their context.
func (l *Loop) Detach() error {
	l.cancel()
	return nil
}

// Wait blocks until every task spawned in the scope has returned, yielding
// the first task error. Call after Detach, typically in teardown.
func (l *Loop) Wait() error {
	return l.group.Wait()
}

// FromThread spawns fn into the scope. Scheduling never blocks the caller.
func (l *Loop) FromThread(fn func() (any, error)) *enginebridge.Future {
	f := enginebridge.NewFuture()
	if l.ctx.Err() != nil {
		f.Reject(enginebridge.ErrCancelled)
		return f
	}
	l.group.Go(func() error {
		settleWith(f, func() (any, error) {
			if l.ctx.Err() != nil {
				return nil, enginebridge.ErrCancelled
			}
			return fn()
		})
		return nil
	})
	return f
}

// ToThread runs fn on its own goroutine inside the scope, waiting for a
// worker slot first when a limit is configured.
func (l *Loop) ToThread(fn func(ctx context.Context) (any, error)) *enginebridge.Future {
	f := enginebridge.NewFuture()
	if l.ctx.Err() != nil {
		f.Reject(enginebridge.ErrCancelled)
		return f
	}
	l.group.Go(func() error {
		if l.workers != nil {
			if err := l.workers.Acquire(l.ctx, 1); err != nil {
				f.Reject(enginebridge.ErrCancelled)
				return nil
			}
			defer l.workers.Release(1)
		}
		settleWith(f, func() (any, error) { return fn(l.ctx) })
		return nil
	})
	return f
}

func settleWith(f *enginebridge.Future, fn func() (any, error)) {
	defer func() {
		if r := recover(); r != nil {
			f.Reject(enginebridge.PanicError{Value: r})
		}
	}()
	value, err := fn()
	if err != nil {
		f.Reject(err)
	} else {
		f.Resolve(value)
	}
}

func (l *Loop) AwaitFuture(ctx context.Context, f *enginebridge.Future) (any, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-ctx.Done():
		return nil, enginebridge.ErrCancelled
	case <-l.ctx.Done():
		return nil, enginebridge.ErrCancelled
	case <-f.Done():
	}
	return f.Result()
}

// NextCycle yields by bouncing through the scope's scheduler.
func (l *Loop) NextCycle(ctx context.Context) *enginebridge.Future {
	if err := l.ThrowIfCancelled(ctx); err != nil {
		return enginebridge.RejectedFuture(err)
	}
	return l.FromThread(func() (any, error) { return nil, nil })
}

func (l *Loop) ThrowIfCancelled(ctx context.Context) error {
	if ctx != nil && ctx.Err() != nil {
		return enginebridge.ErrCancelled
	}
	if l.ctx.Err() != nil {
		return enginebridge.ErrCancelled
	}
	return nil
}

// WrapCancelled translates ErrCancelled to context.Canceled, the signal the
// rest of a context-based program expects.
func (l *Loop) WrapCancelled(err error) error {
	if errors.Is(err, enginebridge.ErrCancelled) {
		return context.Canceled
	}
	return err
}

// Context returns the scope context that bounds all tasks.
func (l *Loop) Context() context.Context { return l.ctx }
