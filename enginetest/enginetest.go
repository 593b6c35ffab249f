// Package enginetest provides an in-memory fake of the native runtime, for
// testing code built on enginebridge without a real engine. The fake honors
// the full capability surface: a single policy-registration slot,
// environment create/destroy with handle invalidation, cores with hold
// counting, and asynchronous item sources with bounded worker parallelism.
package enginetest

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/joeycumines/go-enginebridge"
)

// Runtime is an in-memory enginebridge.Runtime.
type Runtime struct {
	workers int

	mu     sync.Mutex
	policy enginebridge.RuntimePolicy
	envs   map[string]*Core
}

var _ enginebridge.Runtime = (*Runtime)(nil)

// NewRuntime creates a fake runtime whose cores report the given worker
// parallelism.
func NewRuntime(workers int) *Runtime {
	if workers <= 0 {
		workers = 1
	}
	return &Runtime{
		workers: workers,
		envs:    make(map[string]*Core),
	}
}

// RegisterPolicy installs policy into the runtime's single slot.
func (rt *Runtime) RegisterPolicy(policy enginebridge.RuntimePolicy) (enginebridge.RuntimeAPI, error) {
	if policy == nil {
		return nil, errors.New(`enginetest: nil policy`)
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.policy != nil {
		return nil, enginebridge.ErrAlreadyRegistered
	}
	rt.policy = policy
	api := &runtimeAPI{rt: rt}
	policy.OnRegistered(api)
	return api, nil
}

// Policy returns the registered policy, nil if none. Test hook.
func (rt *Runtime) Policy() enginebridge.RuntimePolicy {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.policy
}

// NewDetachedCore creates a core not tracked as an environment, for tests
// that exercise reclamation directly.
func (rt *Runtime) NewDetachedCore() *Core {
	return newCore(uuid.NewString(), rt.workers)
}

// EnvironmentCount returns the number of live environments.
func (rt *Runtime) EnvironmentCount() int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return len(rt.envs)
}

type runtimeAPI struct {
	rt      *Runtime
	revoked atomic.Bool
}

var _ enginebridge.RuntimeAPI = (*runtimeAPI)(nil)

func (a *runtimeAPI) CreateEnvironment() (*enginebridge.EnvironmentData, enginebridge.Core, error) {
	if a.revoked.Load() {
		return nil, nil, enginebridge.ErrNotRegistered
	}
	id := uuid.NewString()
	core := newCore(id, a.rt.workers)
	a.rt.mu.Lock()
	a.rt.envs[id] = core
	a.rt.mu.Unlock()
	return enginebridge.NewEnvironmentData(id), core, nil
}

func (a *runtimeAPI) DestroyEnvironment(data *enginebridge.EnvironmentData) error {
	if a.revoked.Load() {
		return enginebridge.ErrNotRegistered
	}
	if data == nil {
		return errors.New(`enginetest: nil environment`)
	}
	data.Invalidate()
	id, _ := data.Value().(string)
	a.rt.mu.Lock()
	delete(a.rt.envs, id)
	a.rt.mu.Unlock()
	return nil
}

func (a *runtimeAPI) UnregisterPolicy() error {
	if a.revoked.Swap(true) {
		return enginebridge.ErrNotRegistered
	}
	a.rt.mu.Lock()
	policy := a.rt.policy
	a.rt.policy = nil
	a.rt.mu.Unlock()
	if policy != nil {
		policy.OnCleared()
	}
	return nil
}

// Core is a fake native core. Destroy is recorded rather than performed, so
// tests can assert on reclamation order and timing.
type Core struct {
	id        string
	workers   int
	holds     atomic.Int64
	destroyed atomic.Bool
}

var _ enginebridge.Core = (*Core)(nil)

func newCore(id string, workers int) *Core {
	return &Core{id: id, workers: workers}
}

// ID returns the environment identifier this core backs.
func (c *Core) ID() string { return c.id }

func (c *Core) NumWorkers() int { return c.workers }

func (c *Core) Acquire() {
	if c.destroyed.Load() {
		panic(`enginetest: acquire on destroyed core`)
	}
	c.holds.Add(1)
}

func (c *Core) Release() {
	if c.holds.Add(-1) < 0 {
		panic(`enginetest: release without acquire`)
	}
}

func (c *Core) Holds() int { return int(c.holds.Load()) }

func (c *Core) Destroy() {
	if c.destroyed.Swap(true) {
		panic(`enginetest: core destroyed twice`)
	}
}

// Destroyed reports whether Destroy has been called.
func (c *Core) Destroyed() bool { return c.destroyed.Load() }
