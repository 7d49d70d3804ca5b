package heap

import (
	"fmt"
	"sync"
)

// ---------------------------------------------------------------------------
// Handles: the FFI pin contract
// ---------------------------------------------------------------------------
//
// Native code must never hold a raw object address across a safepoint:
// any collection may move the object. A Handle is the stable indirection
// the embedder holds instead. While a handle exists its target is a
// strong root; while the handle is pinned its target's storage is
// additionally excluded from relocation, so the raw address stays valid
// for foreign code that captured it.
//
// The table is guarded by one mutex. Collections already exclude the
// mutator, so the lock only arbitrates between mutator-side Pin/Deref
// calls; there is no benefit to anything finer.

// Handle is a stable reference to a heap object, valid until Release.
type Handle uint64

type handleEntry struct {
	addr Addr
	pins int
}

// HandleTable tracks every live handle.
type HandleTable struct {
	h       *Heap
	mu      sync.Mutex
	next    Handle
	entries map[Handle]*handleEntry
}

func newHandleTable(h *Heap) *HandleTable {
	return &HandleTable{
		h:       h,
		next:    1,
		entries: make(map[Handle]*handleEntry),
	}
}

// Count returns the number of live handles.
func (t *HandleTable) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// forEachTarget visits every entry's target address. Collections use it
// both to treat targets as strong roots and to rewrite them when the
// target moves. Caller must hold world exclusion.
func (t *HandleTable) forEachTarget(fn func(a *Addr)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, e := range t.entries {
		fn(&e.addr)
	}
}

// pinnedElsewhere reports whether any entry other than skip pins a.
func (t *HandleTable) pinnedElsewhere(a Addr, skip Handle) bool {
	for id, e := range t.entries {
		if id != skip && e.addr == a && e.pins > 0 {
			return true
		}
	}
	return false
}

// Pin creates a pinned handle for the object at a. Nursery objects are
// promoted to the old generation first, so the address handed to
// foreign code is already outside the copying space; after Pin returns,
// Deref reports the stable address. Stack-resident objects cannot be
// pinned: their storage dies with the frame.
func (h *Heap) Pin(a Addr) (Handle, error) {
	h.lockWorld()
	defer h.unlockWorld()

	switch h.generationOf(a) {
	case genStack:
		return 0, fmt.Errorf("%w: cannot pin stack-resident object", ErrInvalidHandle)
	case genNone:
		return 0, fmt.Errorf("%w: address outside the heap", ErrInvalidHandle)
	}

	t := h.handles
	t.mu.Lock()
	id := t.next
	t.next++
	e := &handleEntry{addr: a, pins: 1}
	t.entries[id] = e
	t.mu.Unlock()

	// The entry is registered before the promoting minor cycle so the
	// table rewrite carries it to the object's final address.
	if h.InNursery(a) {
		h.setAge(a, uint8(h.cfg.PromoteAge))
		if err := h.collectMinorLocked(minorOpts{}); err != nil {
			t.mu.Lock()
			delete(t.entries, id)
			t.mu.Unlock()
			return 0, err
		}
	}

	t.mu.Lock()
	target := e.addr
	t.mu.Unlock()

	h.flagSet(target, hdrFlagPinned)
	if p := h.pageOf(target); p != nil {
		p.pinCount++
	}
	return id, nil
}

// Deref returns the target's current address. Valid whether or not the
// handle is still pinned; only Release invalidates it.
func (h *Heap) Deref(hd Handle) (Addr, error) {
	t := h.handles
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[hd]
	if !ok {
		return NilAddr, ErrInvalidHandle
	}
	return e.addr, nil
}

// Unpin drops one pin. At zero pins the target becomes movable again;
// the handle itself stays valid (and keeps the target alive) until
// Release, with Deref tracking any subsequent moves.
func (h *Heap) Unpin(hd Handle) error {
	h.lockWorld()
	defer h.unlockWorld()

	t := h.handles
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[hd]
	if !ok {
		return ErrInvalidHandle
	}
	if e.pins == 0 {
		return nil
	}
	e.pins--
	if e.pins == 0 {
		if p := h.pageOf(e.addr); p != nil {
			p.pinCount--
		}
		if !t.pinnedElsewhere(e.addr, hd) {
			h.flagClear(e.addr, hdrFlagPinned)
		}
	}
	return nil
}

// Release destroys the handle, dropping any remaining pins and the
// strong root. The handle value must not be used afterwards.
func (h *Heap) Release(hd Handle) error {
	h.lockWorld()
	defer h.unlockWorld()

	t := h.handles
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[hd]
	if !ok {
		return ErrInvalidHandle
	}
	delete(t.entries, hd)
	if e.pins > 0 {
		if p := h.pageOf(e.addr); p != nil {
			p.pinCount--
		}
		if !t.pinnedElsewhere(e.addr, hd) {
			h.flagClear(e.addr, hdrFlagPinned)
		}
	}
	return nil
}
