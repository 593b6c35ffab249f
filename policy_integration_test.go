package enginebridge_test

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/joeycumines/go-enginebridge"
	"github.com/joeycumines/go-enginebridge/enginetest"
)

func newTestPolicy(t *testing.T, opts ...enginebridge.Option) (*enginebridge.Policy, *enginetest.Runtime) {
	t.Helper()
	rt := enginetest.NewRuntime(2)
	opts = append([]enginebridge.Option{
		enginebridge.WithLogger(enginetest.NewLogger(io.Discard)),
	}, opts...)
	p, err := enginebridge.NewPolicy(enginebridge.NewGlobalStore(), opts...)
	if err != nil {
		t.Fatalf(`unexpected error: %v`, err)
	}
	if err := p.Register(rt); err != nil {
		t.Fatalf(`unexpected error: %v`, err)
	}
	t.Cleanup(func() {
		if p.Registered() {
			_ = p.Unregister()
		}
	})
	return p, rt
}

func TestPolicy_registrationSlotIsExclusive(t *testing.T) {
	p, rt := newTestPolicy(t)

	other, err := enginebridge.NewPolicy(enginebridge.NewGlobalStore())
	if err != nil {
		t.Fatalf(`unexpected error: %v`, err)
	}
	if err := other.Register(rt); !errors.Is(err, enginebridge.ErrAlreadyRegistered) {
		t.Fatalf(`expected ErrAlreadyRegistered, got %v`, err)
	}

	if err := p.Unregister(); err != nil {
		t.Fatalf(`unexpected error: %v`, err)
	}
	if err := p.Unregister(); !errors.Is(err, enginebridge.ErrNotRegistered) {
		t.Errorf(`expected ErrNotRegistered, got %v`, err)
	}

	// The slot is free again.
	if err := other.Register(rt); err != nil {
		t.Fatalf(`unexpected error: %v`, err)
	}
	if err := other.Unregister(); err != nil {
		t.Fatalf(`unexpected error: %v`, err)
	}
}

func TestPolicy_newEnvironmentRequiresRegistration(t *testing.T) {
	p, err := enginebridge.NewPolicy(enginebridge.NewGlobalStore())
	if err != nil {
		t.Fatalf(`unexpected error: %v`, err)
	}
	if _, err := p.NewEnvironment(); !errors.Is(err, enginebridge.ErrNotRegistered) {
		t.Errorf(`expected ErrNotRegistered, got %v`, err)
	}
}

func TestManagedEnvironment_useRestoresPrevious(t *testing.T) {
	p, _ := newTestPolicy(t)
	ctx := context.Background()

	outer, err := p.NewEnvironment()
	if err != nil {
		t.Fatalf(`unexpected error: %v`, err)
	}
	defer outer.Dispose()
	inner, err := p.NewEnvironment()
	if err != nil {
		t.Fatalf(`unexpected error: %v`, err)
	}
	defer inner.Dispose()

	if err := outer.Switch(ctx); err != nil {
		t.Fatalf(`unexpected error: %v`, err)
	}

	err = inner.Use(ctx, func(ctx context.Context) error {
		if got := p.Current(ctx); got != inner.Data() {
			t.Errorf(`expected inner environment active, got %v`, got)
		}
		return nil
	})
	if err != nil {
		t.Fatalf(`unexpected error: %v`, err)
	}

	if got := p.Current(ctx); got != outer.Data() {
		t.Errorf(`expected outer environment restored, got %v`, got)
	}
}

func TestManagedEnvironment_useRestoresOnPanic(t *testing.T) {
	p, _ := newTestPolicy(t)
	ctx := context.Background()

	env, err := p.NewEnvironment()
	if err != nil {
		t.Fatalf(`unexpected error: %v`, err)
	}
	defer env.Dispose()

	func() {
		defer func() { _ = recover() }()
		_ = env.Use(ctx, func(context.Context) error { panic(`boom`) })
	}()

	if got := p.Current(ctx); got != nil {
		t.Errorf(`expected no active environment after panic unwound, got %v`, got)
	}
}

func TestManagedEnvironment_switchPersists(t *testing.T) {
	p, _ := newTestPolicy(t)
	ctx := context.Background()

	env, err := p.NewEnvironment()
	if err != nil {
		t.Fatalf(`unexpected error: %v`, err)
	}
	defer env.Dispose()

	if err := env.Switch(ctx); err != nil {
		t.Fatalf(`unexpected error: %v`, err)
	}
	if got := p.Current(ctx); got != env.Data() {
		t.Errorf(`expected environment active after switch, got %v`, got)
	}
}

func TestPolicy_deadEnvironmentClearedWithWarning(t *testing.T) {
	var logs enginetest.LogBuffer
	p, _ := newTestPolicy(t, enginebridge.WithLogger(enginetest.NewLogger(&logs)))
	ctx := context.Background()

	env, err := p.NewEnvironment()
	if err != nil {
		t.Fatalf(`unexpected error: %v`, err)
	}
	defer env.Dispose()
	if err := env.Switch(ctx); err != nil {
		t.Fatalf(`unexpected error: %v`, err)
	}

	env.Data().Invalidate()

	if got := p.Current(ctx); got != nil {
		t.Fatalf(`expected nil for dead environment, got %v`, got)
	}
	if !logs.Contains(`got dead environment`) {
		t.Errorf(`expected dead environment warning, logs: %s`, logs.String())
	}

	// The stale reference was cleared: no second warning.
	logs2 := logs.String()
	if got := p.Current(ctx); got != nil {
		t.Fatalf(`expected nil, got %v`, got)
	}
	if logs.String() != logs2 {
		t.Errorf(`expected no further warnings, logs: %s`, logs.String())
	}
}

func TestManagedEnvironment_disposeIsIdempotent(t *testing.T) {
	p, rt := newTestPolicy(t)

	env, err := p.NewEnvironment()
	if err != nil {
		t.Fatalf(`unexpected error: %v`, err)
	}
	data := env.Data()

	if err := env.Dispose(); err != nil {
		t.Fatalf(`unexpected error: %v`, err)
	}
	if err := env.Dispose(); err != nil {
		t.Errorf(`second dispose should be a no-op, got %v`, err)
	}
	if !env.Disposed() {
		t.Error(`expected environment disposed`)
	}
	if data.Alive() {
		t.Error(`expected handle invalidated`)
	}
	if got := rt.EnvironmentCount(); got != 0 {
		t.Errorf(`expected no live environments, got %d`, got)
	}
	if err := env.Use(context.Background(), func(context.Context) error { return nil }); !errors.Is(err, enginebridge.ErrDisposed) {
		t.Errorf(`expected ErrDisposed, got %v`, err)
	}
	if err := env.Switch(context.Background()); !errors.Is(err, enginebridge.ErrDisposed) {
		t.Errorf(`expected ErrDisposed, got %v`, err)
	}
}

func TestManagedEnvironment_inlineSection(t *testing.T) {
	p, _ := newTestPolicy(t)
	ctx := context.Background()

	env, err := p.NewEnvironment()
	if err != nil {
		t.Fatalf(`unexpected error: %v`, err)
	}
	defer env.Dispose()

	err = env.InlineSection(func() {
		if got := p.Current(ctx); got != env.Data() {
			t.Errorf(`expected environment active within inline section, got %v`, got)
		}
		// Other goroutines never observe the inline switch.
		done := make(chan struct{})
		go func() {
			defer close(done)
			if got := p.Current(ctx); got != nil {
				t.Errorf(`inline section leaked to another goroutine: %v`, got)
			}
		}()
		<-done
	})
	if err != nil {
		t.Fatalf(`unexpected error: %v`, err)
	}

	if got := p.Current(ctx); got != nil {
		t.Errorf(`expected inline switch reverted, got %v`, got)
	}
}

func TestCurrentEnvironment_noPolicy(t *testing.T) {
	if got := enginebridge.CurrentEnvironment(context.Background()); got != nil {
		t.Errorf(`expected nil without a registered policy, got %v`, got)
	}
}

func TestPolicyInterceptor_hooksAndShortCircuit(t *testing.T) {
	var registered, cleared int
	sentinel := enginebridge.NewEnvironmentData(`sentinel`)
	interceptor := &enginebridge.PolicyInterceptor{
		RegisteredHook: func(api enginebridge.RuntimeAPI) {
			if api == nil {
				t.Error(`expected non-nil api in registered hook`)
			}
			registered++
		},
		ClearedHook: func() { cleared++ },
	}

	p, rt := newTestPolicy(t, enginebridge.WithInterceptor(interceptor))

	if registered != 1 {
		t.Fatalf(`expected registered hook to fire once, got %d`, registered)
	}

	ctx := context.Background()
	env, err := p.NewEnvironment()
	if err != nil {
		t.Fatalf(`unexpected error: %v`, err)
	}
	defer env.Dispose()
	p.SetCurrent(ctx, env.Data())

	// The runtime sees the interceptor as the policy surface; lookups flow
	// through it to the inner policy.
	if got := rt.Policy().CurrentEnvironment(ctx); got != env.Data() {
		t.Errorf(`expected lookup forwarded to policy, got %v`, got)
	}

	interceptor.CurrentHook = func(context.Context) *enginebridge.EnvironmentData { return sentinel }
	if got := rt.Policy().CurrentEnvironment(ctx); got != sentinel {
		t.Errorf(`expected hook to short-circuit lookup, got %v`, got)
	}
	interceptor.CurrentHook = nil

	if err := p.Unregister(); err != nil {
		t.Fatalf(`unexpected error: %v`, err)
	}
	if cleared != 1 {
		t.Errorf(`expected cleared hook to fire once, got %d`, cleared)
	}
}
