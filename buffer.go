package enginebridge

import (
	"io"
	"runtime"
	"sync"
)

// BufferConfig controls request buffering. The zero value picks defaults
// suitable for a runtime with GOMAXPROCS workers.
type BufferConfig struct {
	// Prefetch is the maximum number of unsettled requests kept in flight.
	// Defaults to the core's worker count when known, else GOMAXPROCS.
	Prefetch int

	// Backlog is the maximum number of issued-but-unconsumed futures,
	// bounding memory when the consumer is slower than the producers.
	// Defaults to three times Prefetch, and is raised to Prefetch when
	// configured below it.
	Backlog int
}

func (c BufferConfig) normalize(workers int) BufferConfig {
	if c.Prefetch <= 0 {
		if workers > 0 {
			c.Prefetch = workers
		} else {
			c.Prefetch = runtime.GOMAXPROCS(0)
		}
	}
	if c.Backlog <= 0 {
		c.Backlog = c.Prefetch * 3
	}
	if c.Backlog < c.Prefetch {
		c.Backlog = c.Prefetch
	}
	return c
}

// Buffer pulls futures from a source eagerly, keeping up to Prefetch
// requests in flight and up to Backlog issued futures queued ahead of the
// consumer. Futures are handed out in issue order; a rejected future stops
// further issuance while letting in-flight requests finish, and the
// rejection reaches the consumer at its position in the sequence.
type Buffer struct {
	mu       sync.Mutex
	cond     sync.Cond
	source   FutureSource
	queue    []*Future
	inFlight int
	srcErr   error
	failed   bool
	stopped  bool
	filling  bool
	cfg      BufferConfig
}

// BufferFutures starts buffering source. Issuance begins immediately.
func BufferFutures(source FutureSource, cfg BufferConfig) *Buffer {
	if source == nil {
		panic(`enginebridge: nil source`)
	}
	b := &Buffer{
		source: source,
		cfg:    cfg.normalize(0),
	}
	b.cond.L = &b.mu
	b.mu.Lock()
	b.fill()
	b.mu.Unlock()
	return b
}

// fill issues requests until a limit is hit. Caller must hold b.mu. The
// filling flag keeps issuance single-threaded across the unlock window, so
// concurrent settle callbacks cannot overshoot the limits.
func (b *Buffer) fill() {
	if b.filling {
		return
	}
	b.filling = true
	defer func() { b.filling = false }()
	for b.srcErr == nil && !b.failed && !b.stopped &&
		b.inFlight < b.cfg.Prefetch && len(b.queue) < b.cfg.Backlog {
		// The source may call back into the buffer synchronously (settled
		// futures dispatch callbacks inline), so drop the lock around it.
		source := b.source
		b.mu.Unlock()
		f, err := source()
		b.mu.Lock()
		if err != nil {
			b.srcErr = err
			break
		}
		b.queue = append(b.queue, f)
		b.inFlight++
		// Already settled futures dispatch OnDone inline; register outside
		// the lock so onSettled can re-enter.
		b.mu.Unlock()
		f.OnDone(b.onSettled)
		b.mu.Lock()
	}
	b.cond.Broadcast()
}

func (b *Buffer) onSettled(f *Future) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.inFlight--
	if _, err := f.Result(); err != nil {
		b.failed = true
	}
	b.fill()
}

// Next returns the next future in issue order, blocking only while requests
// are still being issued. Returns [io.EOF] once the source is exhausted or
// the buffer stopped, or the source's own error.
func (b *Buffer) Next() (*Future, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for len(b.queue) == 0 && b.srcErr == nil && !b.failed && !b.stopped {
		b.cond.Wait()
	}
	if len(b.queue) > 0 {
		f := b.queue[0]
		b.queue[0] = nil
		b.queue = b.queue[1:]
		b.fill()
		return f, nil
	}
	if b.srcErr != nil {
		return nil, b.srcErr
	}
	return nil, io.EOF
}

// Source adapts the buffer back into a [FutureSource].
func (b *Buffer) Source() FutureSource {
	return b.Next
}

// Stop ceases issuing new requests. Already issued futures remain
// consumable via Next; in-flight requests are left to finish on their own.
func (b *Buffer) Stop() {
	b.mu.Lock()
	b.stopped = true
	b.cond.Broadcast()
	b.mu.Unlock()
}

// InFlight returns the number of unsettled issued requests. Diagnostic.
func (b *Buffer) InFlight() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.inFlight
}

// Items returns an iterator over all items of src, in index order, with
// requests buffered ahead of the consumer. Prefetch defaults to the worker
// count of core when non-nil.
func Items(src ItemSource, core Core, cfg BufferConfig) *Iterator {
	workers := 0
	if core != nil {
		workers = core.NumWorkers()
	}
	b := BufferFutures(SourceFromItems(src), cfg.normalize(workers))
	return NewIterator(b.Source())
}

// CloseWhenConsumed wraps source so that each yielded value that implements
// [io.Closer] is closed as soon as the next future is pulled. Use for item
// types backed by native resources, where holding more than one item alive
// at a time is wasteful.
func CloseWhenConsumed(source FutureSource) FutureSource {
	if source == nil {
		panic(`enginebridge: nil source`)
	}
	var prev *Future
	return func() (*Future, error) {
		if prev != nil {
			prev.OnDone(closeResult)
			prev = nil
		}
		f, err := source()
		if err != nil {
			return nil, err
		}
		prev = f
		return f, nil
	}
}

func closeResult(f *Future) {
	if v, err := f.Result(); err == nil {
		if c, ok := v.(io.Closer); ok {
			_ = c.Close()
		}
	}
}
