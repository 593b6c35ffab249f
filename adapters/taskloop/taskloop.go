// Package taskloop provides a single-goroutine cooperative event loop
// implementing [enginebridge.EventLoop].
//
// All FromThread work runs serially on one loop goroutine, giving
// loop-thread affinity for callbacks. Awaiting a future from the loop
// goroutine pumps queued tasks while waiting, so continuation chains that
// schedule onto the loop from within loop callbacks make progress instead
// of deadlocking.
package taskloop

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/joeycumines/go-enginebridge"
	"github.com/petermattis/goid"
)

const (
	stateCreated int32 = iota
	stateRunning
	stateStopped
)

type task struct {
	fn     func() (any, error)
	future *enginebridge.Future
}

// Loop is a cooperative task loop. The zero value is not usable; construct
// with [New], install with [enginebridge.SetLoop].
type Loop struct {
	tasks   chan *task
	runDone chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
	state   atomic.Int32
	loopGid atomic.Int64
}

var _ enginebridge.EventLoop = (*Loop)(nil)

// New creates a stopped loop. The task queue holds up to queueSize pending
// tasks before FromThread callers spill onto a delivery goroutine;
// queueSize <= 0 selects a default.
func New(queueSize int) *Loop {
	if queueSize <= 0 {
		queueSize = 256
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Loop{
		tasks:   make(chan *task, queueSize),
		runDone: make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Attach starts the loop goroutine. A loop runs at most once; re-attaching
// a stopped loop is an error.
func (l *Loop) Attach() error {
	if !l.state.CompareAndSwap(stateCreated, stateRunning) {
		return errors.New(`taskloop: loop already started`)
	}
	go l.run()
	return nil
}

// Detach stops the loop and waits for the loop goroutine to exit. Tasks
// still queued at that point are rejected with ErrCancelled.
func (l *Loop) Detach() error {
	if l.state.Load() == stateCreated {
		l.state.Store(stateStopped)
		l.cancel()
		return nil
	}
	l.cancel()
	<-l.runDone
	return nil
}

func (l *Loop) run() {
	l.loopGid.Store(goid.Get())
	defer func() {
		l.state.Store(stateStopped)
		l.drain()
		close(l.runDone)
	}()
	for {
		select {
		case <-l.ctx.Done():
			return
		case t := <-l.tasks:
			t.run()
		}
	}
}

// drain rejects everything left in the queue after shutdown.
func (l *Loop) drain() {
	for {
		select {
		case t := <-l.tasks:
			t.future.Reject(enginebridge.ErrCancelled)
		default:
			return
		}
	}
}

func (t *task) run() {
	defer func() {
		if r := recover(); r != nil {
			t.future.Reject(enginebridge.PanicError{Value: r})
		}
	}()
	value, err := t.fn()
	if err != nil {
		t.future.Reject(err)
	} else {
		t.future.Resolve(value)
	}
}

// onLoop reports whether the caller is the loop goroutine.
func (l *Loop) onLoop() bool {
	gid := l.loopGid.Load()
	return gid != 0 && gid == goid.Get()
}

// FromThread schedules fn onto the loop goroutine. Called from the loop
// goroutine itself, fn runs immediately; tasks never observe a partially
// drained queue ahead of them in that case, matching run-to-completion
// semantics.
func (l *Loop) FromThread(fn func() (any, error)) *enginebridge.Future {
	t := &task{fn: fn, future: enginebridge.NewFuture()}
	if l.onLoop() {
		t.run()
		return t.future
	}
	if l.state.Load() == stateStopped {
		t.future.Reject(enginebridge.ErrCancelled)
		return t.future
	}
	select {
	case l.tasks <- t:
		// A send can land just after the shutdown drain; sweep again so the
		// future still settles.
		if l.state.Load() == stateStopped {
			l.drain()
		}
	case <-l.ctx.Done():
		t.future.Reject(enginebridge.ErrCancelled)
	default:
		// Queue full: deliver from a goroutine rather than blocking the
		// native worker.
		go func() {
			select {
			case l.tasks <- t:
				if l.state.Load() == stateStopped {
					l.drain()
				}
			case <-l.ctx.Done():
				t.future.Reject(enginebridge.ErrCancelled)
			}
		}()
	}
	return t.future
}

// ToThread runs fn on its own goroutine, bounded by the loop's lifetime.
func (l *Loop) ToThread(fn func(ctx context.Context) (any, error)) *enginebridge.Future {
	return enginebridge.Promisify(l.ctx, fn)
}

// AwaitFuture waits for f. On the loop goroutine it pumps queued tasks
// while waiting; elsewhere it simply blocks.
func (l *Loop) AwaitFuture(ctx context.Context, f *enginebridge.Future) (any, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if !l.onLoop() {
		select {
		case <-ctx.Done():
			return nil, enginebridge.ErrCancelled
		case <-l.ctx.Done():
			return nil, enginebridge.ErrCancelled
		case <-f.Done():
		}
		return f.Result()
	}
	for {
		select {
		case <-ctx.Done():
			return nil, enginebridge.ErrCancelled
		case <-l.ctx.Done():
			return nil, enginebridge.ErrCancelled
		case <-f.Done():
			return f.Result()
		case t := <-l.tasks:
			t.run()
		}
	}
}

// NextCycle returns a future that resolves after the tasks currently queued
// have run. Unlike FromThread, it always enqueues, even from the loop
// goroutine, so it is a genuine yield point.
func (l *Loop) NextCycle(ctx context.Context) *enginebridge.Future {
	if err := l.ThrowIfCancelled(ctx); err != nil {
		return enginebridge.RejectedFuture(err)
	}
	t := &task{fn: func() (any, error) { return nil, nil }, future: enginebridge.NewFuture()}
	go func() {
		select {
		case l.tasks <- t:
			if l.state.Load() == stateStopped {
				l.drain()
			}
		case <-l.ctx.Done():
			t.future.Reject(enginebridge.ErrCancelled)
		}
	}()
	return t.future
}

// ThrowIfCancelled polls ctx and the loop's own lifetime.
func (l *Loop) ThrowIfCancelled(ctx context.Context) error {
	if ctx != nil && ctx.Err() != nil {
		return enginebridge.ErrCancelled
	}
	if l.ctx.Err() != nil {
		return enginebridge.ErrCancelled
	}
	return nil
}

// WrapCancelled translates ErrCancelled to context.Canceled, the loop's
// native cancellation signal.
func (l *Loop) WrapCancelled(err error) error {
	if errors.Is(err, enginebridge.ErrCancelled) {
		return context.Canceled
	}
	return err
}
