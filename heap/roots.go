package heap

import (
	"sync"
	"unsafe"
)

// ---------------------------------------------------------------------------
// Root scanning
// ---------------------------------------------------------------------------
//
// The root set is the union of interpreter frame slots, native
// stack-map-declared slots, stack-segment object slots, module-level
// global bindings, registered providers, and every handle-table entry.
// Scanning must be exhaustive: a missed root is a fatal correctness
// violation, so providers are enumerated sources, never ambient state.

// RootVisitor receives the address of a root slot. Collections rewrite
// the slot in place when the referenced object moves.
type RootVisitor func(slot *Value)

// RootProvider exposes additional root slots to the collector. The
// embedding runtime registers one per root source (e.g. a module table
// or an inline-cache bank) and must report every live pointer slot on
// each call.
type RootProvider interface {
	VisitRoots(visit RootVisitor)
}

// RegisterRootProvider adds a root source for the heap's lifetime (or
// until UnregisterRootProvider).
func (h *Heap) RegisterRootProvider(p RootProvider) {
	h.providersMu.Lock()
	defer h.providersMu.Unlock()
	h.providers = append(h.providers, p)
}

// UnregisterRootProvider removes a previously registered root source.
func (h *Heap) UnregisterRootProvider(p RootProvider) {
	h.providersMu.Lock()
	defer h.providersMu.Unlock()
	for i, q := range h.providers {
		if q == p {
			h.providers = append(h.providers[:i], h.providers[i+1:]...)
			return
		}
	}
}

// memSlot views a managed word as a *Value so root-style rewriting can
// treat heap-resident slots (stack-segment objects) uniformly with
// frame and global slots.
func (h *Heap) memSlot(a Addr) *Value {
	return (*Value)(unsafe.Pointer(&h.mem[a]))
}

// forEachRoot visits every root slot. Must run with world exclusion
// held (a root snapshot is taken only at safepoints). Handle-table
// targets are visited separately because entries store addresses, not
// Values.
func (h *Heap) forEachRoot(visit RootVisitor) {
	h.mutator.visitRoots(visit)
	h.Globals.VisitRoots(visit)

	h.providersMu.Lock()
	providers := append([]RootProvider(nil), h.providers...)
	h.providersMu.Unlock()
	for _, p := range providers {
		p.VisitRoots(visit)
	}
}

// ForEachRoot exposes the root walk to diagnostic tooling. The heap
// must be quiescent (no collection in progress).
func (h *Heap) ForEachRoot(fn func(v Value)) {
	h.lockWorld()
	defer h.unlockWorld()
	h.forEachRoot(func(slot *Value) { fn(*slot) })
	h.handles.forEachTarget(func(a *Addr) { fn(FromRef(*a)) })
}

// ---------------------------------------------------------------------------
// Global bindings
// ---------------------------------------------------------------------------

// GlobalRoots holds module-level global bindings: an explicit,
// process-lifetime root registration performed at module initialization
// and torn down at process exit.
type GlobalRoots struct {
	mu       sync.RWMutex
	bindings map[string]*globalBinding
}

type globalBinding struct {
	name string
	val  Value
}

func newGlobalRoots() *GlobalRoots {
	return &GlobalRoots{bindings: make(map[string]*globalBinding)}
}

// Bind registers (or overwrites) a global binding.
func (g *GlobalRoots) Bind(name string, v Value) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if b, ok := g.bindings[name]; ok {
		b.val = v
		return
	}
	g.bindings[name] = &globalBinding{name: name, val: v}
}

// Get returns the value of a binding.
func (g *GlobalRoots) Get(name string) (Value, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	b, ok := g.bindings[name]
	if !ok {
		return Nil, false
	}
	return b.val, true
}

// Unbind removes a single binding.
func (g *GlobalRoots) Unbind(name string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.bindings, name)
}

// TearDown removes every binding; called once at process exit.
func (g *GlobalRoots) TearDown() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.bindings = make(map[string]*globalBinding)
}

// Count returns the number of bindings.
func (g *GlobalRoots) Count() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.bindings)
}

// VisitRoots implements RootProvider over the binding slots.
func (g *GlobalRoots) VisitRoots(visit RootVisitor) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, b := range g.bindings {
		visit(&b.val)
	}
}
