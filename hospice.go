package enginebridge

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"
	"weak"

	"github.com/joeycumines/logiface"
)

// Hospice delays the release of native cores whose environments have been
// garbage collected until the native side can no longer call back into
// them.
//
// An admitted core moves through stages: it is watched until its
// environment handle is collected, then staged, and released only after it
// has survived two collection notifications in a row with no outstanding
// external holds. A single lock spans admission, promotion, and release, so
// a core is never observed in two stages at once.
type Hospice struct {
	logger *logiface.Logger[logiface.Event]

	mu sync.Mutex
	// watching holds admitted cores whose environment handles are still
	// reachable.
	watching map[uint64]*occupant
	// stage1 received its environment's collection since the last
	// notification; stage2 has survived one full notification.
	stage1 map[uint64]*occupant
	stage2 map[uint64]*occupant
	frozen bool

	counter atomic.Uint64
}

type occupant struct {
	id   uint64
	core Core
	ref  weak.Pointer[EnvironmentData]
}

var defaultHospice = sync.OnceValue(func() *Hospice {
	h, err := NewHospice()
	if err != nil {
		panic(err)
	}
	return h
})

// DefaultHospice returns the shared process-wide hospice, used by policies
// constructed without [WithHospice].
func DefaultHospice() *Hospice { return defaultHospice() }

// NewHospice creates an empty hospice.
func NewHospice(opts ...Option) (*Hospice, error) {
	cfg, err := resolveHospiceOptions(opts)
	if err != nil {
		return nil, err
	}
	return &Hospice{
		logger:   cfg.logger,
		watching: make(map[uint64]*occupant),
		stage1:   make(map[uint64]*occupant),
		stage2:   make(map[uint64]*occupant),
	}, nil
}

// Admit takes custody of core, to be released once env has been collected
// and the core is quiescent. Returns an identifier usable for diagnostics.
func (h *Hospice) Admit(env *EnvironmentData, core Core) uint64 {
	if core == nil {
		panic(`enginebridge: nil core`)
	}
	id := h.counter.Add(1)
	o := &occupant{id: id, core: core}
	if env != nil {
		o.ref = weak.Make(env)
	}

	h.mu.Lock()
	h.watching[id] = o
	h.mu.Unlock()

	if env != nil {
		// The cleanup must not reference env itself, only the occupant id.
		runtime.AddCleanup(env, h.envDied, id)
	} else {
		h.envDied(id)
	}

	h.logger.Debug().Uint64("occupant", id).Log("admitted core to hospice")
	return id
}

// envDied moves an occupant from watching into stage1 once its environment
// handle has been collected.
func (h *Hospice) envDied(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	o, ok := h.watching[id]
	if !ok {
		return
	}
	delete(h.watching, id)
	h.stage1[id] = o
}

// NotifyCollected advances the staged cores by one collection cycle:
// quiescent stage2 occupants are released, then stage1 occupants are
// promoted to stage2. Call after each garbage collection cycle of interest.
// No-op while frozen.
func (h *Hospice) NotifyCollected() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.frozen {
		return
	}

	// Release pass first, so a freshly promoted occupant always survives a
	// full cycle before release. A hold observed in stage2 restarts the
	// debounce; the occupant rejoins stage1 after the promotion pass.
	var demoted []*occupant
	for id, o := range h.stage2 {
		if holds := o.core.Holds(); holds > 0 {
			h.logger.Warning().
				Uint64("occupant", id).
				Int("holds", holds).
				Log("core still held after environment collection; retaining")
			delete(h.stage2, id)
			demoted = append(demoted, o)
			continue
		}
		delete(h.stage2, id)
		o.core.Destroy()
		h.logger.Debug().Uint64("occupant", id).Log("released core")
	}

	// Held occupants stay in stage1, so release requires two notifications
	// in a row with zero holds.
	for id, o := range h.stage1 {
		if holds := o.core.Holds(); holds > 0 {
			h.logger.Warning().
				Uint64("occupant", id).
				Int("holds", holds).
				Log("core still held after environment collection; retaining")
			continue
		}
		delete(h.stage1, id)
		h.stage2[id] = o
	}

	for _, o := range demoted {
		h.stage1[o.id] = o
	}
}

// Freeze suspends releases and promotions until [Hospice.Unfreeze].
// Intended for test teardown windows where collection notifications would
// otherwise race the assertions.
func (h *Hospice) Freeze() {
	h.mu.Lock()
	h.frozen = true
	h.mu.Unlock()
}

// Unfreeze resumes operation. All staged occupants restart from stage1, so
// nothing is released on the first notification after a thaw.
func (h *Hospice) Unfreeze() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.frozen = false
	for id, o := range h.stage2 {
		delete(h.stage2, id)
		h.stage1[id] = o
	}
}

// Waiting returns the number of cores currently in custody, including those
// whose environments are still reachable.
func (h *Hospice) Waiting() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.watching) + len(h.stage1) + len(h.stage2)
}

// AnyAlive reports whether any admitted core remains in custody after
// forcing up to three collection cycles. Primarily a test helper for
// asserting teardown completed.
func (h *Hospice) AnyAlive() bool {
	for i := 0; i < 3; i++ {
		if h.Waiting() == 0 {
			return false
		}
		runtime.GC()
		// Cleanups run asynchronously after GC.
		time.Sleep(10 * time.Millisecond)
		h.NotifyCollected()
	}
	return h.Waiting() != 0
}
