package enginebridge

import (
	"context"
	"sync"
	"weak"

	"github.com/petermattis/goid"
)

// EnvironmentStore manages which environment is currently active for an
// execution context. Stores are pure state holders: they hold weak references
// so that an unused environment can be reclaimed, and they perform no
// liveness checking of their own; that is the policy's job, which also
// serializes check-then-use sequences. A zero weak.Pointer means "none".
//
// Strategy selection is a construction-time choice between the concrete
// implementations below.
type EnvironmentStore interface {
	// SetCurrent records env as the active environment for the context.
	SetCurrent(ctx context.Context, env weak.Pointer[EnvironmentData])

	// Current retrieves the active environment for the context, if any.
	Current(ctx context.Context) weak.Pointer[EnvironmentData]
}

// GlobalStore is the simplest store: one slot shared by the whole process.
// Use it when only one environment is ever active at a time.
type GlobalStore struct {
	mu      sync.Mutex
	current weak.Pointer[EnvironmentData]
}

var _ EnvironmentStore = (*GlobalStore)(nil)

// NewGlobalStore returns an empty GlobalStore.
func NewGlobalStore() *GlobalStore { return &GlobalStore{} }

func (s *GlobalStore) SetCurrent(_ context.Context, env weak.Pointer[EnvironmentData]) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = env
}

func (s *GlobalStore) Current(_ context.Context) weak.Pointer[EnvironmentData] {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// GoroutineLocalStore keeps one slot per goroutine. Use it for plainly
// threaded applications running multiple environments at once.
//
// Goroutine-keyed state is not released automatically when a goroutine
// exits; long-lived applications that churn goroutines should call Forget
// before the goroutine returns.
type GoroutineLocalStore struct {
	mu      sync.RWMutex
	current map[int64]weak.Pointer[EnvironmentData]
}

var _ EnvironmentStore = (*GoroutineLocalStore)(nil)

// NewGoroutineLocalStore returns an empty GoroutineLocalStore.
func NewGoroutineLocalStore() *GoroutineLocalStore {
	return &GoroutineLocalStore{current: make(map[int64]weak.Pointer[EnvironmentData])}
}

func (s *GoroutineLocalStore) SetCurrent(_ context.Context, env weak.Pointer[EnvironmentData]) {
	id := goid.Get()
	s.mu.Lock()
	defer s.mu.Unlock()
	if env == (weak.Pointer[EnvironmentData]{}) {
		delete(s.current, id)
		return
	}
	s.current[id] = env
}

func (s *GoroutineLocalStore) Current(_ context.Context) weak.Pointer[EnvironmentData] {
	id := goid.Get()
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current[id]
}

// Forget drops the calling goroutine's slot.
func (s *GoroutineLocalStore) Forget() {
	id := goid.Get()
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.current, id)
}

// TaskLocalStore keys the active environment by logical task, carried on the
// context. Use it with cooperative loops and structured-concurrency scopes.
//
// A task is established with WithTask: the child context inherits the
// parent's value as of the split, and mutations made within one task are
// never observed by sibling tasks. Contexts that never passed through
// WithTask share the store's root slot.
type TaskLocalStore struct {
	root taskCell
}

type taskCell struct {
	mu      sync.Mutex
	current weak.Pointer[EnvironmentData]
}

type taskCellKey struct{ store *TaskLocalStore }

var _ EnvironmentStore = (*TaskLocalStore)(nil)

// NewTaskLocalStore returns an empty TaskLocalStore.
//
// Reuse the store between successive Policy instances when the surrounding
// scheduler outlives the policy, as contexts derived earlier keep referring
// to the cells of the store they were split from.
func NewTaskLocalStore() *TaskLocalStore { return &TaskLocalStore{} }

// WithTask derives a context with its own environment slot, seeded with the
// parent's value at the time of the call.
func (s *TaskLocalStore) WithTask(ctx context.Context) context.Context {
	parent := s.cell(ctx)
	parent.mu.Lock()
	inherited := parent.current
	parent.mu.Unlock()

	cell := &taskCell{current: inherited}
	return context.WithValue(ctx, taskCellKey{s}, cell)
}

func (s *TaskLocalStore) cell(ctx context.Context) *taskCell {
	if ctx != nil {
		if cell, ok := ctx.Value(taskCellKey{s}).(*taskCell); ok {
			return cell
		}
	}
	return &s.root
}

func (s *TaskLocalStore) SetCurrent(ctx context.Context, env weak.Pointer[EnvironmentData]) {
	cell := s.cell(ctx)
	cell.mu.Lock()
	defer cell.mu.Unlock()
	cell.current = env
}

func (s *TaskLocalStore) Current(ctx context.Context) weak.Pointer[EnvironmentData] {
	cell := s.cell(ctx)
	cell.mu.Lock()
	defer cell.mu.Unlock()
	return cell.current
}
