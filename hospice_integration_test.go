package enginebridge_test

import (
	"io"
	"testing"

	"github.com/joeycumines/go-enginebridge"
	"github.com/joeycumines/go-enginebridge/enginetest"
)

func newTestHospice(t *testing.T, logs *enginetest.LogBuffer) *enginebridge.Hospice {
	t.Helper()
	var w io.Writer = io.Discard
	if logs != nil {
		w = logs
	}
	h, err := enginebridge.NewHospice(enginebridge.WithLogger(enginetest.NewLogger(w)))
	if err != nil {
		t.Fatalf(`unexpected error: %v`, err)
	}
	return h
}

// disposeEnvironment creates and disposes an environment, returning only
// the core so the environment handle itself becomes collectible.
func disposeEnvironment(t *testing.T, p *enginebridge.Policy) *enginetest.Core {
	t.Helper()
	env, err := p.NewEnvironment()
	if err != nil {
		t.Fatalf(`unexpected error: %v`, err)
	}
	core := env.Core().(*enginetest.Core)
	if err := env.Dispose(); err != nil {
		t.Fatalf(`unexpected error: %v`, err)
	}
	return core
}

func TestHospice_releasesAfterTwoNotifications(t *testing.T) {
	h := newTestHospice(t, nil)
	// No environment handle: the core is staged immediately, making the
	// notification count deterministic.
	core := enginetest.NewRuntime(1).NewDetachedCore()

	h.Admit(nil, core)
	if h.Waiting() != 1 {
		t.Fatalf(`expected 1 occupant, got %d`, h.Waiting())
	}

	h.NotifyCollected()
	if core.Destroyed() {
		t.Fatal(`core released after a single notification`)
	}

	h.NotifyCollected()
	if !core.Destroyed() {
		t.Fatal(`core not released after two notifications`)
	}
	if h.Waiting() != 0 {
		t.Errorf(`expected empty hospice, got %d`, h.Waiting())
	}
}

func TestHospice_reclaimsCollectedEnvironment(t *testing.T) {
	h := newTestHospice(t, nil)
	p, _ := newTestPolicy(t, enginebridge.WithHospice(h))

	core := disposeEnvironment(t, p)
	if h.Waiting() != 1 {
		t.Fatalf(`expected 1 occupant, got %d`, h.Waiting())
	}

	enginetest.RequireReclaimed(t, h)
	if !core.Destroyed() {
		t.Error(`expected core destroyed`)
	}
}

func TestHospice_holdsRetainCore(t *testing.T) {
	var logs enginetest.LogBuffer
	h := newTestHospice(t, &logs)
	core := enginetest.NewRuntime(1).NewDetachedCore()
	core.Acquire()

	h.Admit(nil, core)
	h.NotifyCollected()
	h.NotifyCollected()
	h.NotifyCollected()
	if core.Destroyed() {
		t.Fatal(`held core must not be released`)
	}
	if !logs.Contains(`still held`) {
		t.Errorf(`expected retention warning, logs: %s`, logs.String())
	}

	core.Release()
	// A held occupant never advances, so the full two-notification debounce
	// starts over once the hold drops.
	h.NotifyCollected()
	if core.Destroyed() {
		t.Fatal(`core released after a single quiescent notification`)
	}
	h.NotifyCollected()
	if !core.Destroyed() {
		t.Error(`expected core released once holds dropped`)
	}
}

func TestHospice_holdDuringFirstNotificationRestartsDebounce(t *testing.T) {
	h := newTestHospice(t, nil)
	core := enginetest.NewRuntime(1).NewDetachedCore()

	h.Admit(nil, core)
	core.Acquire()
	h.NotifyCollected()
	core.Release()

	// The hold was outstanding during the first notification, so this is
	// only the first quiescent one.
	h.NotifyCollected()
	if core.Destroyed() {
		t.Fatal(`core released after only one notification with zero holds`)
	}
	h.NotifyCollected()
	if !core.Destroyed() {
		t.Error(`expected core released after two quiescent notifications`)
	}
}

func TestHospice_holdInStage2RestartsDebounce(t *testing.T) {
	var logs enginetest.LogBuffer
	h := newTestHospice(t, &logs)
	core := enginetest.NewRuntime(1).NewDetachedCore()

	h.Admit(nil, core)
	h.NotifyCollected()
	// Now in stage2; a hold taken here demotes it on the next notification.
	core.Acquire()
	h.NotifyCollected()
	if core.Destroyed() {
		t.Fatal(`held core must not be released`)
	}
	if !logs.Contains(`still held`) {
		t.Errorf(`expected retention warning, logs: %s`, logs.String())
	}

	core.Release()
	h.NotifyCollected()
	if core.Destroyed() {
		t.Fatal(`core released after a single quiescent notification`)
	}
	h.NotifyCollected()
	if !core.Destroyed() {
		t.Error(`expected core released after two quiescent notifications`)
	}
}

func TestHospice_freeze(t *testing.T) {
	h := newTestHospice(t, nil)
	core := enginetest.NewRuntime(1).NewDetachedCore()
	h.Admit(nil, core)

	h.Freeze()
	for i := 0; i < 3; i++ {
		h.NotifyCollected()
	}
	if core.Destroyed() {
		t.Fatal(`frozen hospice must not release`)
	}

	h.Unfreeze()
	// The thaw restarts staging, so two full notifications are required.
	h.NotifyCollected()
	if core.Destroyed() {
		t.Fatal(`core released too early after thaw`)
	}
	h.NotifyCollected()
	if !core.Destroyed() {
		t.Error(`expected core released after thaw`)
	}
}

func TestHospice_waitingCountsAllStages(t *testing.T) {
	h := newTestHospice(t, nil)
	rt := enginetest.NewRuntime(1)

	h.Admit(nil, rt.NewDetachedCore())
	h.Admit(nil, rt.NewDetachedCore())
	if h.Waiting() != 2 {
		t.Fatalf(`expected 2 occupants, got %d`, h.Waiting())
	}
	h.NotifyCollected()
	if h.Waiting() != 2 {
		t.Errorf(`expected 2 occupants after promotion, got %d`, h.Waiting())
	}
	h.NotifyCollected()
	if h.Waiting() != 0 {
		t.Errorf(`expected empty hospice, got %d`, h.Waiting())
	}
}
