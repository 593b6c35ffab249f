package enginebridge

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"weak"

	"github.com/joeycumines/logiface"
	"github.com/petermattis/goid"
)

// Registration is a strict two-state machine, and only one policy may be
// registered process-wide at a time.
const (
	policyUnregistered int32 = iota
	policyRegistered
)

// registeredPolicy is the process-wide registration slot.
var registeredPolicy atomic.Pointer[Policy]

// RegisteredPolicy returns the currently registered policy, nil if none.
func RegisteredPolicy() *Policy {
	return registeredPolicy.Load()
}

// CurrentEnvironment returns the active environment for ctx according to
// the registered policy, nil when no policy is registered or no environment
// is active.
func CurrentEnvironment(ctx context.Context) *EnvironmentData {
	if p := RegisteredPolicy(); p != nil {
		return p.Current(ctx)
	}
	return nil
}

// Policy mediates "what is the current environment" between the native
// runtime and the application. It wraps exactly one [EnvironmentStore],
// adding liveness verification and mutual exclusion: get/set are serialized
// under a single lock so the check-then-use sequence is atomic, and a
// disposed-but-stale reference is cleared and logged as a warning rather
// than propagated as an error.
type Policy struct {
	store       EnvironmentStore
	logger      *logiface.Logger[logiface.Event]
	hospice     *Hospice
	managed     *managedPolicy
	interceptor *PolicyInterceptor

	// mu serializes store access, covering check-then-use.
	mu sync.Mutex

	// inline holds per-goroutine inline-section switches, consulted before
	// the store so internal calls can use an environment without making the
	// switch observable.
	inline   map[int64]*EnvironmentData
	inlineMu sync.Mutex

	state atomic.Int32
	api   RuntimeAPI
}

// managedPolicy is the surface handed to the native runtime. Kept separate
// so RuntimePolicy's callbacks don't pollute Policy's public API.
type managedPolicy struct {
	policy *Policy
}

var _ RuntimePolicy = (*managedPolicy)(nil)

func (m *managedPolicy) OnRegistered(api RuntimeAPI) {
	p := m.policy
	p.mu.Lock()
	p.api = api
	p.mu.Unlock()
	p.logger.Debug().Log("registered policy with runtime")
}

func (m *managedPolicy) OnCleared() {
	p := m.policy
	p.mu.Lock()
	p.api = nil
	p.mu.Unlock()
	p.logger.Debug().Log("policy cleared")
}

func (m *managedPolicy) CurrentEnvironment(ctx context.Context) *EnvironmentData {
	return m.policy.Current(ctx)
}

// PolicyInterceptor composes around an inner [RuntimePolicy], forwarding
// each callback after invoking the matching hook (when set). Use it to
// observe or augment registration behavior explicitly, instead of patching
// the process-wide registration slot.
type PolicyInterceptor struct {
	Inner RuntimePolicy

	// RegisteredHook, ClearedHook, and CurrentHook run before the inner
	// policy's callback. CurrentHook may return a non-nil environment to
	// short-circuit the inner lookup.
	RegisteredHook func(api RuntimeAPI)
	ClearedHook    func()
	CurrentHook    func(ctx context.Context) *EnvironmentData
}

var _ RuntimePolicy = (*PolicyInterceptor)(nil)

func (p *PolicyInterceptor) OnRegistered(api RuntimeAPI) {
	if p.RegisteredHook != nil {
		p.RegisteredHook(api)
	}
	p.Inner.OnRegistered(api)
}

func (p *PolicyInterceptor) OnCleared() {
	if p.ClearedHook != nil {
		p.ClearedHook()
	}
	p.Inner.OnCleared()
}

func (p *PolicyInterceptor) CurrentEnvironment(ctx context.Context) *EnvironmentData {
	if p.CurrentHook != nil {
		if env := p.CurrentHook(ctx); env != nil {
			return env
		}
	}
	return p.Inner.CurrentEnvironment(ctx)
}

// NewPolicy creates a policy wrapping the given store. The policy must be
// registered with a [Runtime] before it can create environments.
func NewPolicy(store EnvironmentStore, opts ...Option) (*Policy, error) {
	if store == nil {
		panic(`enginebridge: nil store`)
	}
	cfg, err := resolvePolicyOptions(opts)
	if err != nil {
		return nil, err
	}
	hospice := cfg.hospice
	if hospice == nil {
		hospice = DefaultHospice()
	}
	p := &Policy{
		store:       store,
		logger:      cfg.logger,
		hospice:     hospice,
		interceptor: cfg.interceptor,
		inline:      make(map[int64]*EnvironmentData),
	}
	p.managed = &managedPolicy{policy: p}
	return p, nil
}

// Register installs the policy into the runtime's single process-wide
// registration slot. Returns [ErrAlreadyRegistered] if any policy (this one
// included) is already registered.
func (p *Policy) Register(rt Runtime) error {
	if rt == nil {
		panic(`enginebridge: nil runtime`)
	}
	if !registeredPolicy.CompareAndSwap(nil, p) {
		return ErrAlreadyRegistered
	}
	if !p.state.CompareAndSwap(policyUnregistered, policyRegistered) {
		registeredPolicy.Store(nil)
		return ErrAlreadyRegistered
	}
	surface := RuntimePolicy(p.managed)
	if p.interceptor != nil {
		p.interceptor.Inner = p.managed
		surface = p.interceptor
	}
	api, err := rt.RegisterPolicy(surface)
	if err != nil {
		p.state.Store(policyUnregistered)
		registeredPolicy.Store(nil)
		return err
	}
	// Runtimes are expected to call OnRegistered; tolerate ones that only
	// return the API.
	p.mu.Lock()
	if p.api == nil {
		p.api = api
	}
	p.mu.Unlock()
	return nil
}

// Unregister vacates the registration slot. Returns [ErrNotRegistered] if
// the policy is not currently registered.
func (p *Policy) Unregister() error {
	api, err := p.apiOrErr()
	if err != nil {
		return err
	}
	if err := api.UnregisterPolicy(); err != nil {
		return err
	}
	p.state.Store(policyUnregistered)
	registeredPolicy.CompareAndSwap(p, nil)
	p.mu.Lock()
	p.api = nil
	p.mu.Unlock()
	return nil
}

// Registered reports whether the policy currently holds the registration
// slot.
func (p *Policy) Registered() bool {
	return p.state.Load() == policyRegistered
}

func (p *Policy) apiOrErr() (RuntimeAPI, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state.Load() != policyRegistered || p.api == nil {
		return nil, ErrNotRegistered
	}
	return p.api, nil
}

// Current returns the active environment for ctx, or nil. A stale reference
// to a dead environment is cleared from the store and logged as a warning;
// the caller simply observes "no environment".
func (p *Policy) Current(ctx context.Context) *EnvironmentData {
	// Inline sections take precedence, without touching the store.
	if env := p.currentInline(); env != nil {
		if env.Alive() {
			return env
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	ref := p.store.Current(ctx)
	if ref == (weak.Pointer[EnvironmentData]{}) {
		return nil
	}

	env := ref.Value()
	if env == nil || !env.Alive() {
		p.logger.Warning().Interface("environment", env).Log("got dead environment")
		p.store.SetCurrent(ctx, weak.Pointer[EnvironmentData]{})
		return nil
	}
	return env
}

// SetCurrent records env as the active environment for ctx. A nil or dead
// environment clears the slot (the dead case with a warning).
func (p *Policy) SetCurrent(ctx context.Context, env *EnvironmentData) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if env == nil {
		p.store.SetCurrent(ctx, weak.Pointer[EnvironmentData]{})
		return
	}
	if !env.Alive() {
		p.logger.Warning().Interface("environment", env).Log("got dead environment")
		p.store.SetCurrent(ctx, weak.Pointer[EnvironmentData]{})
		return
	}
	p.store.SetCurrent(ctx, weak.Make(env))
}

// currentInline returns the calling goroutine's inline-section environment.
func (p *Policy) currentInline() *EnvironmentData {
	id := goid.Get()
	p.inlineMu.Lock()
	defer p.inlineMu.Unlock()
	return p.inline[id]
}

// runInline runs fn with env active for the calling goroutine, invisibly to
// the store. Do not suspend or hand off to another goroutine within fn.
func (p *Policy) runInline(env *EnvironmentData, fn func()) error {
	if env == nil {
		fn()
		return nil
	}
	id := goid.Get()

	p.inlineMu.Lock()
	previous := p.inline[id]
	p.inline[id] = env
	p.inlineMu.Unlock()

	defer func() {
		p.inlineMu.Lock()
		if previous == nil {
			delete(p.inline, id)
		} else {
			p.inline[id] = previous
		}
		p.inlineMu.Unlock()
	}()

	fn()
	return nil
}

// NewEnvironment creates a new isolated native core and returns its managed
// wrapper. Call [ManagedEnvironment.Dispose] when done; failing to do so
// fires a non-fatal resource-leak warning before disposal proceeds anyway.
func (p *Policy) NewEnvironment() (*ManagedEnvironment, error) {
	api, err := p.apiOrErr()
	if err != nil {
		return nil, err
	}
	data, core, err := api.CreateEnvironment()
	if err != nil {
		return nil, err
	}
	p.logger.Debug().Log("created new environment")

	st := &envState{
		policy: p,
		data:   data,
		core:   core,
	}
	me := &ManagedEnvironment{st: st}
	me.cleanup = runtime.AddCleanup(me, finalizeEnvState, st)
	return me, nil
}

// ManagedEnvironment owns exactly one native core, 1:1 with an environment.
// States: Created, (optionally) InUse, Disposed. Disposed is terminal and
// idempotent.
type ManagedEnvironment struct {
	st      *envState
	cleanup runtime.Cleanup
}

// envState is split from ManagedEnvironment so the leak-warning cleanup can
// reference the state without keeping the wrapper itself reachable.
type envState struct {
	policy   *Policy
	data     *EnvironmentData
	core     Core
	mu       sync.Mutex
	disposed bool
}

// finalizeEnvState fires when a wrapper became unreachable. If the caller
// never disposed it, warn and dispose anyway.
func finalizeEnvState(st *envState) {
	st.mu.Lock()
	disposed := st.disposed
	st.mu.Unlock()
	if disposed {
		return
	}
	st.policy.logger.Warning().
		Log("environment became unreachable without dispose; this might cause leaks")
	_ = st.dispose()
}

// Data returns the wrapped environment handle, nil once disposed.
func (m *ManagedEnvironment) Data() *EnvironmentData {
	m.st.mu.Lock()
	defer m.st.mu.Unlock()
	return m.st.data
}

// Core returns the native core backing this environment.
func (m *ManagedEnvironment) Core() Core {
	return m.st.core
}

// Use activates the environment for the duration of fn, restoring the
// previously active environment on every exit path, including a panic
// inside fn.
func (m *ManagedEnvironment) Use(ctx context.Context, fn func(ctx context.Context) error) error {
	m.st.mu.Lock()
	data := m.st.data
	m.st.mu.Unlock()
	if data == nil {
		return ErrDisposed
	}

	p := m.st.policy

	p.mu.Lock()
	previous := p.store.Current(ctx)
	p.store.SetCurrent(ctx, weak.Make(data))
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.store.SetCurrent(ctx, previous)
		p.mu.Unlock()
	}()

	return fn(ctx)
}

// Switch activates the environment without recording or restoring the
// previously active one.
func (m *ManagedEnvironment) Switch(ctx context.Context) error {
	m.st.mu.Lock()
	data := m.st.data
	m.st.mu.Unlock()
	if data == nil {
		return ErrDisposed
	}
	m.st.policy.SetCurrent(ctx, data)
	return nil
}

// InlineSection runs fn with this environment active for the calling
// goroutine only, invisibly to the store. Intended for internal calls that
// need native API access without an observable switch; do not suspend
// within fn.
func (m *ManagedEnvironment) InlineSection(fn func()) error {
	m.st.mu.Lock()
	data := m.st.data
	m.st.mu.Unlock()
	if data == nil {
		return ErrDisposed
	}
	return m.st.policy.runInline(data, fn)
}

// Dispose hands the native core to the hospice and destroys the
// environment. Not an immediate free: the native runtime may still service
// in-flight callbacks against the core, which the hospice absorbs. Calling
// Dispose again is a no-op.
func (m *ManagedEnvironment) Dispose() error {
	err := m.st.dispose()
	m.cleanup.Stop()
	return err
}

// Disposed reports whether the environment has been disposed.
func (m *ManagedEnvironment) Disposed() bool {
	m.st.mu.Lock()
	defer m.st.mu.Unlock()
	return m.st.disposed
}

func (st *envState) dispose() error {
	st.mu.Lock()
	if st.disposed {
		st.mu.Unlock()
		return nil
	}
	st.disposed = true
	data := st.data
	core := st.core
	st.data = nil
	st.core = nil
	st.mu.Unlock()

	p := st.policy
	p.logger.Debug().Log("disposing environment")

	// The hospice takes custody regardless of registration state, so the
	// core is never stranded.
	p.hospice.Admit(data, core)

	api, err := p.apiOrErr()
	if err != nil {
		return err
	}
	return api.DestroyEnvironment(data)
}
