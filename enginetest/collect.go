package enginetest

import (
	"runtime"
	"testing"
	"time"

	"github.com/joeycumines/go-enginebridge"
)

// Collect forces cycles GC rounds against h, delivering weak-pointer
// cleanups and collection notifications in between. Tests use this where a
// real integration would wire NotifyCollected to the host's GC signal.
func Collect(h *enginebridge.Hospice, cycles int) {
	for i := 0; i < cycles; i++ {
		runtime.GC()
		// Cleanups run on their own goroutine after the GC cycle.
		time.Sleep(10 * time.Millisecond)
		h.NotifyCollected()
	}
}

// RequireReclaimed fails the test unless every core admitted to h has been
// released. Intended for teardown.
func RequireReclaimed(t testing.TB, h *enginebridge.Hospice) {
	t.Helper()
	if h.AnyAlive() {
		t.Fatalf(`hospice still holds %d cores`, h.Waiting())
	}
}
