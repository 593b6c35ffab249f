package enginebridge

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

// FutureState represents the lifecycle state of a [Future]. A future starts
// Pending and transitions exactly once to Resolved, Rejected, or Cancelled.
// Transitions are monotonic and irreversible.
type FutureState int32

const (
	// FuturePending indicates the operation is still in progress.
	FuturePending FutureState = iota

	// FutureResolved indicates the operation completed with a value.
	FutureResolved

	// FutureRejected indicates the operation failed with an error.
	FutureRejected

	// FutureCancelled indicates the operation was cancelled before settling.
	FutureCancelled
)

// String returns a human-readable representation of the state.
func (s FutureState) String() string {
	switch s {
	case FuturePending:
		return "Pending"
	case FutureResolved:
		return "Resolved"
	case FutureRejected:
		return "Rejected"
	case FutureCancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}

// Future is the loop-agnostic single-value result type: a single-assignment
// cell that any native future-like value is normalized into.
//
// Resolve, Reject, and Cancel can be called from any goroutine; only the
// first settling call has an effect. Callbacks registered with OnDone fire
// in registration order, on the goroutine that settled the future (or
// inline, if registered after settlement); use AddLoopCallback for
// loop-thread affinity.
type Future struct {
	done      chan struct{}
	result    any
	err       error
	callbacks []func(*Future)
	state     atomic.Int32
	mu        sync.Mutex
}

// NewFuture returns a new pending future.
func NewFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// ResolvedFuture returns a future already resolved with value.
func ResolvedFuture(value any) *Future {
	f := NewFuture()
	f.Resolve(value)
	return f
}

// RejectedFuture returns a future already rejected with err.
func RejectedFuture(err error) *Future {
	f := NewFuture()
	f.Reject(err)
	return f
}

// State returns the current [FutureState].
func (f *Future) State() FutureState {
	return FutureState(f.state.Load())
}

// Done returns a channel closed when the future settles.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Resolve settles the future with a value. Returns false if already settled.
func (f *Future) Resolve(value any) bool {
	return f.settle(FutureResolved, value, nil)
}

// Reject settles the future with an error. Returns false if already settled.
func (f *Future) Reject(err error) bool {
	return f.settle(FutureRejected, nil, err)
}

// Cancel settles the future in the cancelled state. Its error becomes
// [ErrCancelled]. Returns false if already settled.
func (f *Future) Cancel() bool {
	return f.settle(FutureCancelled, nil, ErrCancelled)
}

func (f *Future) settle(state FutureState, value any, err error) bool {
	f.mu.Lock()
	if FutureState(f.state.Load()) != FuturePending {
		f.mu.Unlock()
		return false
	}
	f.result = value
	f.err = err
	f.state.Store(int32(state))
	callbacks := f.callbacks
	f.callbacks = nil
	close(f.done)
	f.mu.Unlock()

	for _, cb := range callbacks {
		f.dispatch(cb)
	}
	return true
}

// dispatch runs a single callback, containing panics so a misbehaving
// callback cannot take down the settling goroutine. Fallible logic belongs
// in Map/Catch, which reject the derived future instead.
func (f *Future) dispatch(cb func(*Future)) {
	defer func() { _ = recover() }()
	cb(f)
}

// Result returns the settled value and error without blocking. While the
// future is pending both returns are nil; check State or use Wait/Await for
// settled results.
func (f *Future) Result() (any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.result, f.err
}

// Wait blocks until the future settles, returning its value and error. A
// positive timeout bounds the wait; on expiry [ErrFutureTimeout] is
// returned and the future remains pending. A timeout <= 0 waits forever.
func (f *Future) Wait(timeout time.Duration) (any, error) {
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case <-f.done:
		case <-timer.C:
			return nil, ErrFutureTimeout
		}
	} else {
		<-f.done
	}
	return f.Result()
}

// Await suspends via the active EventLoop until the future settles.
// Cancellation of ctx surfaces as [ErrCancelled].
func (f *Future) Await(ctx context.Context) (any, error) {
	return GetLoop().AwaitFuture(ctx, f)
}

// OnDone registers fn to run when the future settles. The active environment
// at registration time is captured and restored around fn, so callbacks
// observe the environment of their registrar even when fired from a native
// worker. If the future is already settled, fn runs inline.
//
// The capture consults a background context, so environments held in a
// task-scoped store are not visible; use [Future.OnDoneContext] when the
// registrar's environment lives on a context.
func (f *Future) OnDone(fn func(*Future)) {
	f.onDoneRaw(wrapCallbackEnvironment(context.Background(), fn))
}

// OnDoneContext is [Future.OnDone] with the environment captured for ctx,
// for registrars whose active environment is carried on the context (task
// stores).
func (f *Future) OnDoneContext(ctx context.Context, fn func(*Future)) {
	f.onDoneRaw(wrapCallbackEnvironment(ctx, fn))
}

func (f *Future) onDoneRaw(fn func(*Future)) {
	f.mu.Lock()
	if FutureState(f.state.Load()) == FuturePending {
		f.callbacks = append(f.callbacks, fn)
		f.mu.Unlock()
		return
	}
	f.mu.Unlock()
	f.dispatch(fn)
}

// AddLoopCallback registers fn to run on the EventLoop's thread once the
// future settles, regardless of which thread settled it. Native callbacks
// fire on arbitrary workers; consumers that expect loop-thread affinity
// should use this instead of OnDone. As with OnDone, the environment capture
// consults a background context; see [Future.AddLoopCallbackContext].
func (f *Future) AddLoopCallback(fn func(*Future)) {
	f.AddLoopCallbackContext(context.Background(), fn)
}

// AddLoopCallbackContext is [Future.AddLoopCallback] with the environment
// captured for ctx.
func (f *Future) AddLoopCallbackContext(ctx context.Context, fn func(*Future)) {
	run := keepEnvironment(ctx, func(context.Context) (any, error) {
		fn(f)
		return nil, nil
	})
	f.onDoneRaw(func(*Future) {
		GetLoop().FromThread(func() (any, error) {
			return run(context.Background())
		})
	})
}

// Map returns a derived future that resolves with fn's return once this
// future resolves. A rejection or cancellation of this future propagates to
// the derived future unchanged. fn never runs for failed futures, and a
// panic inside fn rejects the derived future with a [PanicError] rather
// than propagating.
func (f *Future) Map(fn func(value any) (any, error)) *Future {
	return f.then(fn, nil)
}

// Catch returns a derived future that, if this future rejects, resolves
// with fn's return value. If fn itself fails, the derived future rejects
// with the new error. Resolution and cancellation pass through unchanged.
func (f *Future) Catch(fn func(err error) (any, error)) *Future {
	return f.then(nil, fn)
}

// then is the shared combinator. Neither callback is ever invoked
// synchronously with an error escaping the caller: all failure modes land
// in the derived future.
func (f *Future) then(onResolved func(any) (any, error), onRejected func(error) (any, error)) *Future {
	derived := NewFuture()

	run := func(settle func() (any, error)) {
		defer func() {
			if r := recover(); r != nil {
				derived.Reject(PanicError{Value: r})
			}
		}()
		value, err := settle()
		if err != nil {
			derived.Reject(err)
		} else {
			derived.Resolve(value)
		}
	}

	f.OnDone(func(f *Future) {
		value, err := f.Result()
		switch f.State() {
		case FutureCancelled:
			derived.Cancel()
		case FutureRejected:
			if onRejected != nil {
				run(func() (any, error) { return onRejected(err) })
			} else {
				derived.Reject(err)
			}
		default:
			if onResolved != nil {
				run(func() (any, error) { return onResolved(value) })
			} else {
				derived.Resolve(value)
			}
		}
	})

	return derived
}

// Use awaits the future and passes the resolved value to fn, releasing the
// value afterwards when it is a scoped resource (io.Closer). The value is
// released on every exit path, including a panic inside fn.
func (f *Future) Use(ctx context.Context, fn func(value any) error) error {
	value, err := f.Await(ctx)
	if err != nil {
		return err
	}
	if closer, ok := value.(io.Closer); ok {
		defer closer.Close()
	}
	return fn(value)
}
