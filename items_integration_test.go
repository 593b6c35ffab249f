package enginebridge_test

import (
	"errors"
	"io"
	"testing"
	"time"

	"github.com/joeycumines/go-enginebridge"
	"github.com/joeycumines/go-enginebridge/enginetest"
)

func TestItems_drainsInOrder(t *testing.T) {
	core := enginetest.NewRuntime(3).NewDetachedCore()
	src := enginetest.NewSource(core, enginetest.SourceConfig{
		Length: 20,
		Delay:  time.Millisecond,
	})

	it := enginebridge.Items(src, core, enginebridge.BufferConfig{})
	for want := 0; want < 20; want++ {
		value, err := it.Next()
		if err != nil {
			t.Fatalf(`unexpected error at %d: %v`, want, err)
		}
		if value != want {
			t.Errorf(`expected %d, got %v`, want, value)
		}
	}
	if _, err := it.Next(); err != io.EOF {
		t.Errorf(`expected io.EOF, got %v`, err)
	}
}

func TestItems_productionFailureReachesConsumerInOrder(t *testing.T) {
	sentinel := errors.New(`frame damaged`)
	core := enginetest.NewRuntime(2).NewDetachedCore()
	src := enginetest.NewSource(core, enginetest.SourceConfig{
		Length: 10,
		Produce: func(index int) (any, error) {
			if index == 4 {
				return nil, sentinel
			}
			return index, nil
		},
	})

	it := enginebridge.Items(src, core, enginebridge.BufferConfig{Prefetch: 2})
	for want := 0; want < 4; want++ {
		value, err := it.Next()
		if err != nil {
			t.Fatalf(`unexpected error at %d: %v`, want, err)
		}
		if value != want {
			t.Errorf(`expected %d, got %v`, want, value)
		}
	}
	if _, err := it.Next(); !errors.Is(err, sentinel) {
		t.Errorf(`expected production error, got %v`, err)
	}
}

func TestItems_prefetchRequestsAhead(t *testing.T) {
	core := enginetest.NewRuntime(4).NewDetachedCore()
	block := make(chan struct{})
	src := enginetest.NewSource(core, enginetest.SourceConfig{
		Length: 50,
		Produce: func(index int) (any, error) {
			<-block
			return index, nil
		},
	})

	it := enginebridge.Items(src, core, enginebridge.BufferConfig{Prefetch: 4, Backlog: 8})
	// Nothing consumed yet, but requests were already made.
	var requested []int
	deadline := time.Now().Add(time.Second)
	for len(requested) < 4 && time.Now().Before(deadline) {
		requested = append(requested, src.Requested()...)
		time.Sleep(time.Millisecond)
	}
	if len(requested) < 4 {
		t.Fatalf(`expected at least 4 requests ahead of consumption, got %v`, requested)
	}
	close(block)

	value, err := it.Next()
	if err != nil {
		t.Fatalf(`unexpected error: %v`, err)
	}
	if value != 0 {
		t.Errorf(`expected 0, got %v`, value)
	}
}
