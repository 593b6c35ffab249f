package enginetest

import (
	"context"
	"fmt"
	"time"

	"github.com/joeycumines/go-enginebridge"
	"golang.org/x/sync/semaphore"
)

// Source is a fake ItemSource producing items asynchronously on simulated
// workers, with parallelism bounded like a real engine's worker pool.
type Source struct {
	core    *Core
	length  int
	delay   time.Duration
	produce func(index int) (any, error)
	sem     *semaphore.Weighted

	// requests counts RequestItem calls, for prefetch assertions.
	requests chan int
}

// SourceConfig configures NewSource. The zero value produces the index
// itself for every item, instantly.
type SourceConfig struct {
	// Length is the item count. Defaults to 0.
	Length int

	// Delay is the simulated per-item production time.
	Delay time.Duration

	// Produce overrides item production. Returning an error rejects that
	// item's future.
	Produce func(index int) (any, error)
}

// NewSource creates a source backed by core's worker pool.
func NewSource(core *Core, cfg SourceConfig) *Source {
	if core == nil {
		panic(`enginetest: nil core`)
	}
	produce := cfg.Produce
	if produce == nil {
		produce = func(index int) (any, error) { return index, nil }
	}
	return &Source{
		core:     core,
		length:   cfg.Length,
		delay:    cfg.Delay,
		produce:  produce,
		sem:      semaphore.NewWeighted(int64(core.NumWorkers())),
		requests: make(chan int, cfg.Length+1),
	}
}

var _ enginebridge.ItemSource = (*Source)(nil)

func (s *Source) Len() int { return s.length }

// RequestItem begins asynchronous production of item index. The future
// settles on a simulated worker goroutine, never on the caller.
func (s *Source) RequestItem(index int) *enginebridge.Future {
	f := enginebridge.NewFuture()
	select {
	case s.requests <- index:
	default:
	}
	if index < 0 || index >= s.length {
		f.Reject(fmt.Errorf(`enginetest: item index %d out of range [0, %d)`, index, s.length))
		return f
	}
	go func() {
		if err := s.sem.Acquire(context.Background(), 1); err != nil {
			f.Reject(err)
			return
		}
		defer s.sem.Release(1)
		if s.delay > 0 {
			time.Sleep(s.delay)
		}
		value, err := s.produce(index)
		if err != nil {
			f.Reject(err)
		} else {
			f.Resolve(value)
		}
	}()
	return f
}

// Requested drains and returns the indexes requested so far, in request
// order.
func (s *Source) Requested() []int {
	var out []int
	for {
		select {
		case i := <-s.requests:
			out = append(out, i)
		default:
			return out
		}
	}
}
