package enginebridge

import (
	"context"
	"errors"
	"sync"
)

// EventLoop normalizes a host scheduler behind submit/suspend/cancel
// primitives. Implementations bridge one scheduling model (no scheduler,
// cooperative callback loop, structured-concurrency scope) to the
// loop-agnostic [Future] surface.
//
// Only one loop owns scheduling at a time; see [SetLoop].
type EventLoop interface {
	// Attach is called when the loop takes ownership of scheduling.
	Attach() error

	// Detach is called when another loop should take over. It must leave the
	// implementation in a state that allows clean handover.
	Detach() error

	// FromThread schedules fn onto the loop from an arbitrary native worker
	// thread, returning a future that settles with fn's outcome. It must be
	// safe under concurrent invocation from many workers, and must never
	// block the calling worker.
	FromThread(fn func() (any, error)) *Future

	// ToThread runs fn on a dedicated worker, returning a future for its
	// outcome.
	ToThread(fn func(ctx context.Context) (any, error)) *Future

	// AwaitFuture bridges a cross-thread future into the loop's native
	// suspension mechanism. Cancellation surfaces as ErrCancelled.
	AwaitFuture(ctx context.Context, f *Future) (any, error)

	// NextCycle is a cooperative yield: the returned future resolves on a
	// later loop iteration, or rejects with ErrCancelled if the awaiting
	// task was cancelled in the meantime.
	NextCycle(ctx context.Context) *Future

	// ThrowIfCancelled is a non-blocking cancellation poll, returning
	// ErrCancelled (or nil).
	ThrowIfCancelled(ctx context.Context) error

	// WrapCancelled translates ErrCancelled into the host scheduler's
	// native cancellation signal, passing other errors through unchanged.
	WrapCancelled(err error) error
}

// noLoop is the default loop: no scheduler installed, everything runs
// inline, and ToThread spawns a plain worker goroutine.
type noLoop struct{}

// NoLoop is the EventLoop used when no scheduler is installed. FromThread
// executes its function synchronously before returning.
var NoLoop EventLoop = noLoop{}

func (noLoop) Attach() error { return nil }
func (noLoop) Detach() error { return nil }

func (noLoop) FromThread(fn func() (any, error)) *Future {
	f := NewFuture()
	func() {
		defer func() {
			if r := recover(); r != nil {
				f.Reject(PanicError{Value: r})
			}
		}()
		value, err := fn()
		if err != nil {
			f.Reject(err)
		} else {
			f.Resolve(value)
		}
	}()
	return f
}

func (noLoop) ToThread(fn func(ctx context.Context) (any, error)) *Future {
	return Promisify(context.Background(), fn)
}

func (noLoop) AwaitFuture(ctx context.Context, f *Future) (any, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-ctx.Done():
		return nil, ErrCancelled
	case <-f.Done():
	}
	return f.Result()
}

func (noLoop) NextCycle(ctx context.Context) *Future {
	if ctx != nil && ctx.Err() != nil {
		return RejectedFuture(ErrCancelled)
	}
	return ResolvedFuture(nil)
}

func (noLoop) ThrowIfCancelled(ctx context.Context) error {
	if ctx != nil && ctx.Err() != nil {
		return ErrCancelled
	}
	return nil
}

func (noLoop) WrapCancelled(err error) error {
	if errors.Is(err, ErrCancelled) {
		return context.Canceled
	}
	return err
}

var currentLoop struct {
	sync.RWMutex
	loop EventLoop
}

// GetLoop returns the currently installed loop, NoLoop if none.
func GetLoop() EventLoop {
	currentLoop.RLock()
	defer currentLoop.RUnlock()
	if currentLoop.loop != nil {
		return currentLoop.loop
	}
	return NoLoop
}

// SetLoop installs loop as the owner of scheduling, detaching the previous
// loop first. If the new loop's Attach fails (by error or panic), the
// system reverts to NoLoop; there is never "no loop installed". Passing
// nil restores NoLoop.
func SetLoop(loop EventLoop) (err error) {
	currentLoop.Lock()
	defer currentLoop.Unlock()

	previous := currentLoop.loop
	if previous == nil {
		previous = NoLoop
	}
	if detachErr := previous.Detach(); detachErr != nil {
		err = detachErr
	}

	if loop == nil {
		currentLoop.loop = NoLoop
		return err
	}

	currentLoop.loop = loop
	defer func() {
		if r := recover(); r != nil {
			currentLoop.loop = NoLoop
			panic(r)
		}
	}()
	if attachErr := loop.Attach(); attachErr != nil {
		currentLoop.loop = NoLoop
		return attachErr
	}
	return err
}

// FromThread runs fn inside the current event loop, preserving the active
// environment (if any) as captured at call time, even though fn may run
// later, on a different thread.
//
// Be aware that with NoLoop installed, fn is called inline.
func FromThread(ctx context.Context, fn func(ctx context.Context) (any, error)) *Future {
	run := keepEnvironment(ctx, fn)
	return GetLoop().FromThread(func() (any, error) {
		return run(ctx)
	})
}

// ToThread runs fn on a dedicated worker, preserving the active environment
// (if any) as captured at call time.
func ToThread(ctx context.Context, fn func(ctx context.Context) (any, error)) *Future {
	run := keepEnvironment(ctx, fn)
	return GetLoop().ToThread(run)
}

// keepEnvironment captures the active environment for ctx at call time and
// returns fn wrapped to run with that environment restored, wherever and
// whenever it executes. Without a registered policy or active environment
// the function is returned unchanged.
func keepEnvironment(ctx context.Context, fn func(ctx context.Context) (any, error)) func(ctx context.Context) (any, error) {
	p := RegisteredPolicy()
	if p == nil {
		return fn
	}
	env := p.Current(ctx)
	if env == nil {
		return fn
	}
	return func(ctx context.Context) (value any, err error) {
		inlineErr := p.runInline(env, func() {
			value, err = fn(ctx)
		})
		if inlineErr != nil {
			return nil, inlineErr
		}
		return value, err
	}
}

// wrapCallbackEnvironment is keepEnvironment for value-less callbacks, used
// when registering future callbacks.
func wrapCallbackEnvironment(ctx context.Context, fn func(*Future)) func(*Future) {
	p := RegisteredPolicy()
	if p == nil {
		return fn
	}
	env := p.Current(ctx)
	if env == nil {
		return fn
	}
	return func(f *Future) {
		_ = p.runInline(env, func() { fn(f) })
	}
}

// Promisify executes fn in a new goroutine and returns a Future for its
// result. It ensures the future always settles: a panic rejects with
// [PanicError], and even runtime.Goexit rejects (with [ErrGoexit]) rather
// than leaving the future hanging. A context cancelled before fn starts
// rejects with the context's error without invoking fn.
func Promisify(ctx context.Context, fn func(ctx context.Context) (any, error)) *Future {
	if ctx == nil {
		ctx = context.Background()
	}
	f := NewFuture()

	go func() {
		completed := false

		select {
		case <-ctx.Done():
			f.Reject(ctx.Err())
			return
		default:
		}

		defer func() {
			if r := recover(); r != nil {
				f.Reject(PanicError{Value: r})
			} else if !completed {
				// Ended without a normal return: runtime.Goexit.
				f.Reject(ErrGoexit)
			}
		}()

		value, err := fn(ctx)
		completed = true
		if err != nil {
			f.Reject(err)
		} else {
			f.Resolve(value)
		}
	}()

	return f
}
