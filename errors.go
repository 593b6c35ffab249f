package enginebridge

import (
	"errors"
	"fmt"
)

var (
	// ErrNotRegistered is returned by operations that require native API
	// access while no policy is registered. Non-retryable; the caller must
	// register a policy first.
	ErrNotRegistered = errors.New("enginebridge: policy not registered")

	// ErrAlreadyRegistered is returned by Policy.Register when a policy is
	// already registered. Only one policy may be registered process-wide.
	ErrAlreadyRegistered = errors.New("enginebridge: a policy is already registered")

	// ErrDisposed is returned when using a ManagedEnvironment after Dispose.
	ErrDisposed = errors.New("enginebridge: environment disposed")

	// ErrCancelled is the loop-agnostic cancellation condition. It is raised
	// at suspension points (EventLoop.NextCycle, EventLoop.AwaitFuture) when
	// the awaiting task was cancelled, and translated into the host
	// scheduler's native cancellation signal by EventLoop.WrapCancelled.
	ErrCancelled = errors.New("enginebridge: cancelled")

	// ErrFutureTimeout is returned by Future.Wait when the timeout elapses
	// before the future settles.
	ErrFutureTimeout = errors.New("enginebridge: future wait timed out")

	// ErrGoexit rejects a future when the bridged goroutine exits via
	// runtime.Goexit rather than returning.
	ErrGoexit = errors.New("enginebridge: goroutine exited via runtime.Goexit")
)

// PanicError wraps a panic value recovered from a bridged callback or
// worker function. Callback panics never propagate synchronously; they
// reject the derived future instead.
type PanicError struct {
	Value any
}

func (e PanicError) Error() string {
	return fmt.Sprintf("enginebridge: recovered panic: %v", e.Value)
}

// Unwrap returns the underlying error if the panic value is an error type,
// enabling errors.Is and errors.As matching through the cause chain.
func (e PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}
