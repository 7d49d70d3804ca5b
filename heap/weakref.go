package heap

import "sync"

// ---------------------------------------------------------------------------
// Weak references
// ---------------------------------------------------------------------------
//
// A weak reference observes an object without keeping it alive. When a
// collection finds the target unreachable the reference is cleared and
// its finalizer (if any) is queued; finalizers run at the mutator's
// next safepoint, outside all collector locks, so they may freely
// allocate and take handles.

// WeakRef identifies a weak reference until ReleaseWeakRef.
type WeakRef uint64

type weakEntry struct {
	target    Addr
	cleared   bool
	finalizer func()
}

// WeakTable tracks every live weak reference.
type WeakTable struct {
	mu      sync.Mutex
	next    WeakRef
	entries map[WeakRef]*weakEntry
	pending []func()
}

func newWeakTable() *WeakTable {
	return &WeakTable{
		next:    1,
		entries: make(map[WeakRef]*weakEntry),
	}
}

// NewWeakRef creates a weak reference to the object at a. finalizer may
// be nil; when non-nil it runs once, after a collection clears the
// reference.
func (h *Heap) NewWeakRef(a Addr, finalizer func()) (WeakRef, error) {
	h.lockWorld()
	defer h.unlockWorld()

	switch h.generationOf(a) {
	case genStack, genNone:
		return 0, ErrInvalidHandle
	}

	t := h.weaks
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.next
	t.next++
	t.entries[id] = &weakEntry{target: a, finalizer: finalizer}
	return id, nil
}

// WeakGet returns the target's current address, or (NilAddr, false)
// once the reference has been cleared.
func (h *Heap) WeakGet(r WeakRef) (Addr, bool) {
	t := h.weaks
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[r]
	if !ok || e.cleared {
		return NilAddr, false
	}
	return e.target, true
}

// ReleaseWeakRef destroys the reference. A not-yet-run finalizer still
// runs if the target was already found dead.
func (h *Heap) ReleaseWeakRef(r WeakRef) {
	t := h.weaks
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, r)
}

// WeakCount returns the number of live weak references.
func (h *Heap) WeakCount() int {
	t := h.weaks
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// processMinor runs at the end of a minor cycle: targets that were
// evacuated are rewritten to their new address; targets left behind in
// from-space are dead, so the reference clears and the finalizer is
// queued. World exclusion is held by the caller.
func (t *WeakTable) processMinor(h *Heap) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, e := range t.entries {
		if e.cleared || !h.inFromSpace(e.target) {
			continue
		}
		if fwd := h.forwardOf(e.target); fwd != NilAddr {
			e.target = fwd
			continue
		}
		t.clearLocked(e)
	}
}

// processMajor runs after mark termination: any target still white is
// unreachable.
func (t *WeakTable) processMajor(h *Heap) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, e := range t.entries {
		if e.cleared {
			continue
		}
		if h.ColorOf(e.target) == White {
			t.clearLocked(e)
		}
	}
}

// rewrite updates targets after compaction moves them.
func (t *WeakTable) rewrite(fn func(a Addr) Addr) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, e := range t.entries {
		if !e.cleared {
			e.target = fn(e.target)
		}
	}
}

func (t *WeakTable) clearLocked(e *weakEntry) {
	e.cleared = true
	e.target = NilAddr
	if e.finalizer != nil {
		t.pending = append(t.pending, e.finalizer)
		e.finalizer = nil
	}
}

// runPending executes queued finalizers. Called from SafepointPoll with
// no locks held.
func (t *WeakTable) runPending() {
	t.mu.Lock()
	fns := t.pending
	t.pending = nil
	t.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}
