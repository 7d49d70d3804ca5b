package heap

import "time"

// ---------------------------------------------------------------------------
// Concurrent marking
// ---------------------------------------------------------------------------
//
// Marking is tri-color with a Dijkstra insertion barrier (barrier.go)
// and allocate-black for objects born mid-cycle (alloc.go). Work is
// incremental: each MarkStep takes world exclusion for one bounded
// batch of grey objects, so mutator pauses stay proportional to the
// budget, never to the heap. Termination is a root rescan at a
// safepoint; with the insertion barrier active, an empty queue after
// the rescan proves no black→white edge exists.
//
// While scanning, every observed reference into an old-generation page
// is recorded in that page's incoming-reference list. Compaction uses
// the lists to find the edges it must rewrite; they are hints, not
// truth — stores after the scan can stale them, so fixup re-validates
// each entry and additionally sweeps the cards the barrier dirtied.

// marker is the grey-object work queue. All access happens under world
// exclusion, so no separate lock is needed.
type marker struct {
	queue []Addr
}

func (m *marker) begin()       { m.queue = m.queue[:0] }
func (m *marker) push(a Addr)  { m.queue = append(m.queue, a) }
func (m *marker) empty() bool  { return len(m.queue) == 0 }
func (m *marker) pending() int { return len(m.queue) }

func (m *marker) take() (Addr, bool) {
	if len(m.queue) == 0 {
		return NilAddr, false
	}
	a := m.queue[len(m.queue)-1]
	m.queue = m.queue[:len(m.queue)-1]
	return a, true
}

// rewriteQueue maps every queued address through fn; used when a
// collection moves objects out from under the frontier. fn may push
// (evacuation shades promoted objects), so the loop re-reads the slice
// rather than ranging over a snapshot.
func (m *marker) rewriteQueue(fn func(a Addr) Addr) {
	for i := 0; i < len(m.queue); i++ {
		m.queue[i] = fn(m.queue[i])
	}
}

// shade transitions a white object to grey and queues it. Exactly one
// caller wins the transition, so no object is queued twice per cycle.
func (h *Heap) shade(a Addr) {
	if h.casColor(a, White, Grey) {
		h.marker.push(a)
	}
}

// markRootsLocked shades every root referent: frames, globals,
// providers, stack-segment object slots, and handle targets.
func (h *Heap) markRootsLocked() {
	h.forEachRoot(func(slot *Value) {
		if slot.IsRef() {
			h.shade(slot.Ref())
		}
	})
	h.handles.forEachTarget(func(a *Addr) {
		h.shade(*a)
	})
}

// StartMajor begins a major cycle: snapshot the roots grey and hand the
// frontier to incremental marking. Reports whether a cycle started (a
// cycle already in flight is left alone).
func (h *Heap) StartMajor() bool {
	h.lockWorld()
	defer h.unlockWorld()
	return h.startMajorLocked()
}

func (h *Heap) startMajorLocked() bool {
	if h.phase.Load() != PhaseIdle {
		return false
	}
	for _, p := range h.pages {
		p.inRefs = nil
	}
	h.marker.begin()
	h.collector.majorStart = time.Now()
	h.phase.Store(PhaseMarking)
	h.markRootsLocked()
	h.log.Debugf("major cycle started: %d roots grey", h.marker.pending())
	return true
}

// MarkStep scans up to n grey objects under world exclusion. Returns
// true once marking has terminated: queue drained and a root rescan
// produced no new work. The phase transition to compaction is the
// caller's (collector worker or CollectFull).
func (h *Heap) MarkStep(n int) bool {
	h.lockWorld()
	defer h.unlockWorld()
	return h.markStepLocked(n)
}

func (h *Heap) markStepLocked(n int) bool {
	if h.phase.Load() != PhaseMarking {
		return true
	}
	for i := 0; i < n; i++ {
		a, ok := h.marker.take()
		if !ok {
			break
		}
		h.scanGrey(a)
	}
	if !h.marker.empty() {
		return false
	}

	// Termination attempt: rescan the roots and drain whatever the
	// rescan turned up. Bounded by the subgraphs the barrier shaded
	// since the last drain.
	h.markRootsLocked()
	for {
		a, ok := h.marker.take()
		if !ok {
			break
		}
		h.scanGrey(a)
	}
	return true
}

// scanGrey blackens one object, shading its white referents and
// recording old-page incoming references for compaction.
func (h *Heap) scanGrey(a Addr) {
	h.forEachPointerSlot(a, func(i int, v Value) {
		if !v.IsRef() {
			return
		}
		t := v.Ref()
		if p := h.pageOf(t); p != nil {
			p.inRefs = append(p.inRefs, h.slotAddr(a, i))
		}
		if h.ColorOf(t) == White {
			h.shade(t)
		}
	})
	h.setColor(a, Black)
}

// recordInRefs registers an object's outgoing old-page references in
// the incoming lists. Called for objects promoted mid-major: their
// pre-promotion scan recorded the old (now stale) field locations.
func (h *Heap) recordInRefs(a Addr) {
	h.forEachPointerSlot(a, func(i int, v Value) {
		if !v.IsRef() {
			return
		}
		if p := h.pageOf(v.Ref()); p != nil {
			p.inRefs = append(p.inRefs, h.slotAddr(a, i))
		}
	})
}
