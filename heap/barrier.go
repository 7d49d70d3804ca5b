package heap

// ---------------------------------------------------------------------------
// Write barrier
// ---------------------------------------------------------------------------
//
// Every pointer-field store by the interpreter or by generated native
// code must go through StoreField (or call WriteBarrier explicitly
// before a raw store). Omitting the barrier is a correctness bug in the
// producer, not a runtime-detectable condition.
//
// The barrier maintains two invariants:
//
//  1. Generational: an old→young edge is recorded in the remembered set
//     (card-granularity, idempotent) so minor cycles never rescan the
//     whole old generation.
//  2. Tri-color: while concurrent marking runs, a store that would make
//     a black object point at a white one shades the white object grey
//     (Dijkstra insertion barrier), so no black→white edge survives
//     mark termination.
//
// While a major cycle is active the barrier additionally dirties the
// card of every old-generation container it sees: per-page incoming
// reference lists recorded during marking can go stale under mutator
// stores, and the compaction fixup pass sweeps dirty cards to catch
// edges created after marking observed the container.

// WriteBarrier records the effects of storing v into a pointer field of
// container. It does not perform the store itself.
func (h *Heap) WriteBarrier(container Addr, v Value) {
	phase := h.phase.Load()

	if v.IsRef() {
		switch h.generationOf(container) {
		case genOld, genLarge:
			if h.InNursery(v.Ref()) || phase == PhaseMarking || phase == PhaseCompacting {
				h.cards.dirty(container)
			}
		}

		if phase == PhaseMarking && h.ColorOf(container) == Black && h.ColorOf(v.Ref()) == White {
			h.shade(v.Ref())
		}
	}
}

// StoreField stores v into boxed body slot i of container, running the
// write barrier first. This is the mutator's only sanctioned way to
// mutate a pointer-valued field.
func (h *Heap) StoreField(container Addr, i int, v Value) {
	h.lockWorld()
	defer h.unlockWorld()

	if i < 0 || i >= h.SizeOf(container) {
		panic("Heap.StoreField: slot index out of range")
	}
	switch h.KindOf(container) {
	case KindBytes:
		panic("Heap.StoreField: bytes objects have no boxed slots")
	case KindRecord:
		shape := h.Shapes.ByID(h.ShapeIDOf(container))
		if !shape.Boxed(i) {
			panic("Heap.StoreField: slot is unboxed static; use StoreInt/StoreFloat")
		}
	}

	h.WriteBarrier(container, v)
	h.storeRaw(container, i, v)
}

// dijkstraShade applies just the tri-color half of the barrier, for
// values planted by the allocator after the header was published.
func (h *Heap) dijkstraShade(v Value) {
	if h.phase.Load() == PhaseMarking && v.IsRef() && h.ColorOf(v.Ref()) == White {
		h.shade(v.Ref())
	}
}
