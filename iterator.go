package enginebridge

import (
	"context"
	"io"
	"sync"
)

// FutureSource produces the next future of a sequence, [io.EOF] once
// exhausted. Sources are pulled serially; implementations need not be safe
// for concurrent calls.
type FutureSource func() (*Future, error)

// SourceFromItems adapts an [ItemSource] into a FutureSource that requests
// items in index order.
func SourceFromItems(src ItemSource) FutureSource {
	if src == nil {
		panic(`enginebridge: nil item source`)
	}
	var next int
	return func() (*Future, error) {
		if next >= src.Len() {
			return nil, io.EOF
		}
		f := src.RequestItem(next)
		next++
		return f, nil
	}
}

// Iterator pulls a sequence of futures from a [FutureSource], one at a
// time. All accessors report [io.EOF] once the source is exhausted; a
// source error is returned once and the iterator is exhausted thereafter.
type Iterator struct {
	mu     sync.Mutex
	source FutureSource
	done   bool
}

// NewIterator wraps source.
func NewIterator(source FutureSource) *Iterator {
	if source == nil {
		panic(`enginebridge: nil source`)
	}
	return &Iterator{source: source}
}

// NextFuture pulls the next future without waiting for it to settle.
func (it *Iterator) NextFuture() (*Future, error) {
	it.mu.Lock()
	defer it.mu.Unlock()
	if it.done {
		return nil, io.EOF
	}
	f, err := it.source()
	if err != nil {
		it.done = true
		return nil, err
	}
	return f, nil
}

// Next pulls the next future and blocks until it settles, returning its
// result.
func (it *Iterator) Next() (any, error) {
	f, err := it.NextFuture()
	if err != nil {
		return nil, err
	}
	<-f.Done()
	return f.Result()
}

// NextAwait pulls the next future and suspends via the active EventLoop
// until it settles.
func (it *Iterator) NextAwait(ctx context.Context) (any, error) {
	f, err := it.NextFuture()
	if err != nil {
		return nil, err
	}
	return f.Await(ctx)
}

// RunAsCompleted drives the iterator to completion without blocking the
// caller: each future is pulled, and once it settles, callback runs on the
// event loop with the settled future. Returning false from callback stops
// iteration early; returning an error, or a callback panic, rejects the
// returned future. The returned future resolves with nil once the source is
// exhausted or iteration was stopped.
//
// Cancellation of ctx is checked before each pull and before each callback,
// and surfaces as a rejection with [ErrCancelled].
func (it *Iterator) RunAsCompleted(ctx context.Context, callback func(f *Future) (bool, error)) *Future {
	if callback == nil {
		panic(`enginebridge: nil callback`)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	result := NewFuture()

	// step pulls one future and arranges for the next step to run on the
	// loop after it settles, forming a continuation chain rather than a
	// blocked goroutine. Re-entrant continuations (pre-settled futures on an
	// inline loop) are flattened by runStep, keeping stack depth constant
	// for arbitrarily long sequences.
	var tramp struct {
		mu      sync.Mutex
		active  bool
		pending bool
	}
	var step func()
	runStep := func() {
		tramp.mu.Lock()
		if tramp.active {
			tramp.pending = true
			tramp.mu.Unlock()
			return
		}
		tramp.active = true
		tramp.mu.Unlock()
		for {
			step()
			tramp.mu.Lock()
			if !tramp.pending {
				tramp.active = false
				tramp.mu.Unlock()
				return
			}
			tramp.pending = false
			tramp.mu.Unlock()
		}
	}
	step = func() {
		if err := GetLoop().ThrowIfCancelled(ctx); err != nil {
			result.Reject(err)
			return
		}
		f, err := it.NextFuture()
		if err == io.EOF {
			result.Resolve(nil)
			return
		}
		if err != nil {
			result.Reject(err)
			return
		}
		f.OnDone(func(f *Future) {
			GetLoop().FromThread(func() (_ any, _ error) {
				if err := GetLoop().ThrowIfCancelled(ctx); err != nil {
					result.Reject(err)
					return
				}
				cont, err := runCallback(callback, f)
				if err != nil {
					result.Reject(err)
					return
				}
				if !cont {
					result.Resolve(nil)
					return
				}
				// Yield to the loop between items so a long sequence cannot
				// starve other queued work.
				GetLoop().NextCycle(ctx).OnDone(func(f *Future) {
					if _, err := f.Result(); err != nil {
						result.Reject(err)
						return
					}
					runStep()
				})
				return
			})
		})
	}

	GetLoop().FromThread(func() (any, error) {
		runStep()
		return nil, nil
	})
	return result
}

// runCallback contains callback panics, converting them to errors.
func runCallback(callback func(f *Future) (bool, error), f *Future) (cont bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			cont, err = false, PanicError{Value: r}
		}
	}()
	return callback(f)
}
