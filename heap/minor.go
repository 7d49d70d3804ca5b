package heap

import (
	"time"
)

// ---------------------------------------------------------------------------
// Minor cycle: copying nursery collection
// ---------------------------------------------------------------------------
//
// Survivors are evacuated out of the active semispace: either into the
// other semispace (aging in place for another round) or, once they have
// survived PromoteAge minor cycles — or whenever a major cycle is
// active — into the old generation. The remembered set supplies the
// old→young edges that need rewriting; everything else is found from
// the root set and a Cheney scan of the copied survivors. Bounded by
// nursery size.

type minorOpts struct {
	promoteAll bool // evict every survivor to the old generation
}

// CollectMinor synchronously runs one minor collection.
func (h *Heap) CollectMinor() error {
	h.lockWorld()
	defer h.unlockWorld()
	return h.collectMinorLocked(minorOpts{})
}

// scavenger carries one minor cycle's evacuation state.
type scavenger struct {
	h        *Heap
	opts     minorOpts
	toAlloc  Addr
	promoted []Addr // newly promoted objects awaiting scan
	marking  bool
	phase    int32 // collector phase the minor interrupted
}

// collectMinorLocked runs a minor cycle. World exclusion must be held.
func (h *Heap) collectMinorLocked(opts minorOpts) error {
	start := time.Now()

	// The worst case promotes every live nursery word. Make sure the
	// old generation can absorb that before moving anything; failing
	// mid-evacuation is not recoverable. Runs before the phase flips so
	// a nested full collection sees the true collector state: it
	// finishes any in-flight major (compaction frees pages) or, from
	// idle, runs a complete cycle.
	used := int(h.nurAlloc - h.fromBase)
	if h.promotionCapacity() < used {
		if err := h.collectFullLocked(); err != nil {
			return err
		}
		if h.promotionCapacity() < used && h.phase.Load() == PhaseIdle {
			if err := h.collectFullLocked(); err != nil {
				return err
			}
		}
	}
	if h.promotionCapacity() < used {
		return ErrHeapExhausted
	}

	prevPhase := h.phase.Load()
	h.phase.Store(PhaseMinor)
	defer h.phase.Store(prevPhase)

	marking := prevPhase == PhaseMarking || prevPhase == PhaseCompacting
	if marking {
		// Mid-major survivors go straight to the old generation so the
		// marker never has to chase a semispace flip.
		opts.promoteAll = true
	}

	s := &scavenger{h: h, opts: opts, toAlloc: h.toBase, marking: marking, phase: prevPhase}

	// Roots, the mark frontier (grey objects are live by definition),
	// and handle-table targets seed the evacuation.
	h.forEachRoot(func(slot *Value) { *slot = s.evacuateValue(*slot) })
	h.marker.rewriteQueue(func(a Addr) Addr { return s.evacuateAddr(a) })
	h.handles.forEachTarget(func(a *Addr) { *a = s.evacuateAddr(*a) })

	// Remembered set: rewrite old→young edges page by page.
	h.scavengeRememberedSet(s)

	// Cheney scan: transitively evacuate everything the survivors
	// reference.
	s.drain()

	// Weak references observe the move; unforwarded targets are dead.
	h.weaks.processMinor(h)

	// Flip semispaces. The old from-space is cleared so stale headers
	// (and their forwarding words) cannot outlive the cycle.
	oldFrom := h.fromBase
	for a := oldFrom; a < oldFrom+Addr(h.nurWords); a++ {
		h.mem[a] = 0
	}
	h.fromBase, h.toBase = h.toBase, oldFrom
	h.nurAlloc = s.toAlloc
	h.nurLimit = h.fromBase + Addr(h.nurWords)

	h.stats.minorCycles.Add(1)
	h.collector.recordCycle("minor", start)
	return nil
}

// promotionCapacity returns the words the old generation is guaranteed
// to absorb. Bump allocation can strand up to one sub-large-object tail
// per page, so each free page is only counted for its guaranteed
// portion; the open page's tail is a bonus, not a guarantee.
func (h *Heap) promotionCapacity() int {
	per := h.cfg.PageWords - h.cfg.LargeObjectWords + 1
	if per < 0 {
		per = 0
	}
	return len(h.freePages) * per
}

// evacuateValue rewrites a single slot value, copying its target out of
// from-space if needed.
func (s *scavenger) evacuateValue(v Value) Value {
	if !v.IsRef() {
		return v
	}
	moved := s.evacuateAddr(v.Ref())
	if moved == v.Ref() {
		return v
	}
	return FromRef(moved)
}

// evacuateAddr copies the object at a out of from-space, returning its
// new address (or a unchanged when it is not a from-space object).
func (s *scavenger) evacuateAddr(a Addr) Addr {
	h := s.h
	if !h.inFromSpace(a) {
		return a
	}
	if fwd := h.forwardOf(a); fwd != NilAddr {
		return fwd
	}

	total := h.totalWords(a)
	age := h.ageOf(a) + 1
	promote := s.opts.promoteAll || int(age) >= h.cfg.PromoteAge

	var dst Addr
	if promote {
		dst = h.oldAlloc(total)
		if dst == NilAddr {
			// The precheck guaranteed capacity; running out here means
			// the accounting is broken.
			h.fatalf(a, "old generation exhausted mid-evacuation")
		}
		h.stats.promoted.Add(uint64(total))
	} else {
		dst = s.toAlloc
		s.toAlloc += Addr(total)
		h.stats.evacuated.Add(uint64(total))
	}

	copy(h.mem[dst:dst+Addr(total)], h.mem[a:a+Addr(total)])
	h.setForward(a, dst)
	h.setForward(dst, NilAddr)
	h.setAge(dst, age)

	if promote {
		switch {
		case s.phase == PhaseMarking:
			// Keep the tri-color invariant: the promoted object joins
			// the mark frontier.
			h.setColor(dst, Grey)
			h.marker.push(dst)
		case s.phase == PhaseCompacting:
			// Mark termination has passed and nobody drains the queue
			// anymore. The survivor is live by construction, and
			// compaction keeps only black objects: land it black.
			h.setColor(dst, Black)
		}
		s.promoted = append(s.promoted, dst)
	}
	return dst
}

// drain Cheney-scans the to-space survivors and the promotion list
// until no unscanned survivor remains.
func (s *scavenger) drain() {
	h := s.h
	scan := h.toBase
	for {
		progressed := false

		for scan < s.toAlloc {
			s.scanObject(scan)
			scan += Addr(h.totalWords(scan))
			progressed = true
		}

		for len(s.promoted) > 0 {
			a := s.promoted[len(s.promoted)-1]
			s.promoted = s.promoted[:len(s.promoted)-1]
			s.scanObject(a)
			// A promoted object left holding young references is an
			// old→young edge the next minor cycle must see.
			if s.hasYoungRef(a) {
				h.cards.dirty(a)
			}
			// Mid-major, its outgoing old-page edges were recorded at
			// the pre-promotion field locations; re-record them here.
			if s.marking {
				h.recordInRefs(a)
			}
			progressed = true
		}

		if !progressed {
			return
		}
	}
}

// scanObject evacuates and rewrites every reference field of a
// survivor.
func (s *scavenger) scanObject(a Addr) {
	h := s.h
	h.forEachPointerSlot(a, func(i int, v Value) {
		if v.IsRef() && h.inFromSpace(v.Ref()) {
			h.storeRaw(a, i, s.evacuateValue(v))
		}
	})
}

func (s *scavenger) hasYoungRef(a Addr) bool {
	h := s.h
	found := false
	h.forEachPointerSlot(a, func(i int, v Value) {
		if v.IsRef() && h.InNursery(v.Ref()) {
			found = true
		}
	})
	return found
}

// scavengeRememberedSet walks dirty cards, rewriting old→young edges
// and evacuating their targets. Cards are cleared and re-dirtied only
// for containers still holding young references, keeping the set a
// tight conservative superset.
//
// While a major cycle is active the same cards also record the stores
// the barrier saw after marking scanned a container, and compaction
// fixup depends on sweeping them. A mid-major minor therefore leaves
// every card dirty; the first minor after the cycle completes tightens
// the set again.
func (h *Heap) scavengeRememberedSet(s *scavenger) {
	// Old pages: one walk per page with any dirty card.
	for _, p := range h.pages {
		if p.alloc == p.start || !h.pageHasDirtyCard(p) {
			continue
		}
		if !s.marking {
			h.clearPageCards(p)
		}
		h.walkRegion(p.start, p.alloc, func(a Addr) bool {
			s.scanObject(a)
			if !s.marking && s.hasYoungRef(a) {
				h.cards.dirty(a)
			}
			return true
		})
	}

	// Large objects.
	for a := range h.largeObjs {
		if !h.rangeHasDirtyCard(a, a+Addr(h.totalWords(a))) {
			continue
		}
		if !s.marking {
			h.clearRangeCards(a, a+Addr(h.totalWords(a)))
		}
		s.scanObject(a)
		if !s.marking && s.hasYoungRef(a) {
			h.cards.dirty(a)
		}
	}
}

func (h *Heap) pageHasDirtyCard(p *page) bool {
	return h.rangeHasDirtyCard(p.start, p.start+Addr(h.cfg.PageWords))
}

func (h *Heap) rangeHasDirtyCard(start, end Addr) bool {
	for c := h.cards.cardIndex(start); c <= h.cards.cardIndex(end-1); c++ {
		if h.cards.isDirty(c) {
			return true
		}
	}
	return false
}

func (h *Heap) clearPageCards(p *page) {
	h.clearRangeCards(p.start, p.start+Addr(h.cfg.PageWords))
}

func (h *Heap) clearRangeCards(start, end Addr) {
	for c := h.cards.cardIndex(start); c <= h.cards.cardIndex(end-1); c++ {
		h.cards.clear(c)
	}
}
