package enginebridge

import (
	"context"
	"sync/atomic"
)

// EnvironmentData is the opaque identity handle for a single environment of
// the native runtime. Instances are created by the runtime (via
// [NewEnvironmentData]) and wrapped, never owned, by a [ManagedEnvironment].
//
// Aliveness must always be queried, never assumed: the native side may
// invalidate an environment concurrently with its use.
type EnvironmentData struct {
	value any
	dead  atomic.Bool
}

// NewEnvironmentData constructs an environment handle around a runtime-owned
// value. Intended for Runtime implementations; application code receives
// handles, it does not create them.
func NewEnvironmentData(value any) *EnvironmentData {
	return &EnvironmentData{value: value}
}

// Value returns the runtime-owned value this handle identifies.
func (e *EnvironmentData) Value() any { return e.value }

// Alive reports whether the native side still considers this environment
// valid.
func (e *EnvironmentData) Alive() bool { return e != nil && !e.dead.Load() }

// Invalidate marks the handle dead. Called by the native runtime when it
// tears the environment down; safe to call more than once, and concurrently
// with Alive.
func (e *EnvironmentData) Invalidate() { e.dead.Store(true) }

// Core is the native core backing one environment. A ManagedEnvironment owns
// exactly one Core, 1:1 with its EnvironmentData.
//
// Acquire/Release register external holds on the core. The Hospice will not
// release a core while Holds reports outstanding external holders; a holder
// that outlives its environment is a caller bug and is logged as such.
type Core interface {
	// NumWorkers returns the core's available worker parallelism.
	NumWorkers() int

	// Acquire registers an external hold on the core.
	Acquire()

	// Release drops a hold previously registered with Acquire.
	Release()

	// Holds returns the number of outstanding external holds.
	Holds() int

	// Destroy releases the native resources behind the core. Called exactly
	// once, by the Hospice, after quiescence is established. Never call this
	// directly while callbacks may still be in flight.
	Destroy()
}

// Runtime is the capability surface consumed from the native runtime.
//
// The runtime exposes a single process-wide policy-registration slot:
// RegisterPolicy installs the given policy as the runtime's authority on
// "what is the current environment", and fails if a policy is already
// installed.
type Runtime interface {
	RegisterPolicy(policy RuntimePolicy) (RuntimeAPI, error)
}

// RuntimeAPI is handed to a policy upon registration, granting access to
// environment management. It is revoked (must not be used) after the policy
// is cleared.
type RuntimeAPI interface {
	// CreateEnvironment creates a new isolated environment and its core.
	CreateEnvironment() (*EnvironmentData, Core, error)

	// DestroyEnvironment invalidates the environment handle and releases the
	// runtime's own references to it. The core is reclaimed separately, by
	// the Hospice, once quiescent.
	DestroyEnvironment(data *EnvironmentData) error

	// UnregisterPolicy clears the process-wide registration slot.
	UnregisterPolicy() error
}

// RuntimePolicy is the callback surface a registered policy presents to the
// native runtime.
type RuntimePolicy interface {
	// OnRegistered is invoked once, when registration succeeds, with the API
	// handle the policy may use until cleared.
	OnRegistered(api RuntimeAPI)

	// OnCleared is invoked when the registration slot is vacated. The
	// previously granted RuntimeAPI must no longer be used.
	OnCleared()

	// CurrentEnvironment is the runtime's per-call "get current environment"
	// hook. A nil return means no environment is active for the calling
	// context.
	CurrentEnvironment(ctx context.Context) *EnvironmentData
}

// ItemSource is the native runtime's asynchronous per-item request
// primitive: requesting an item returns immediately with a future that
// settles on one of the runtime's own worker threads.
type ItemSource interface {
	// Len returns the total number of items.
	Len() int

	// RequestItem begins asynchronous production of the item at index.
	RequestItem(index int) *Future
}
