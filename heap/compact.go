package heap

// ---------------------------------------------------------------------------
// Sweep and incremental compaction
// ---------------------------------------------------------------------------
//
// After mark termination the large-object space is swept (freed, never
// moved) and old pages are measured for fragmentation. Fragmented,
// unpinned pages are then evacuated one page per world-exclusion unit:
// live objects move to fresh pages, forwarding addresses go into the
// vacated headers, and every incoming edge is rewritten before the
// mutator runs again — recorded locations first (re-validated, since
// stores may have staled them), then the cards the barrier dirtied,
// then roots, handles, weak references, and the live nursery prefix.
// A page with any pinned object is skipped whole this cycle.

// sweepLocked reclaims dead large objects, measures page liveness, and
// neutralizes dead old objects so later conservative walks never read a
// stale reference out of them. Runs once per major cycle, at the
// marking→compacting transition.
func (h *Heap) sweepLocked() {
	h.weaks.processMajor(h)

	var dead []Addr
	for a := range h.largeObjs {
		if h.ColorOf(a) == White {
			dead = append(dead, a)
		}
	}
	for _, a := range dead {
		h.losRelease(a)
		h.stats.sweptLarge.Add(1)
	}

	for _, p := range h.pages {
		if p.alloc == p.start {
			continue
		}
		live := 0
		h.walkRegion(p.start, p.alloc, func(a Addr) bool {
			if h.ColorOf(a) == Black {
				live += h.totalWords(a)
			} else {
				h.neutralize(a)
			}
			return true
		})
		p.liveWords = live
		if live == 0 {
			h.freePage(p)
			h.clearPageCards(p)
		}
	}
}

// neutralize blanks a dead object's body and shape so its words can
// never be misread as live references. The size field survives to keep
// region walks intact until the page is reclaimed.
func (h *Heap) neutralize(a Addr) {
	total := h.totalWords(a)
	h.mem[a+1] = 0
	h.mem[a+2] = 0
	for i := HeaderWords; i < total; i++ {
		h.mem[a+Addr(i)] = 0
	}
}

// nextCompactionCandidateLocked picks the next page worth evacuating:
// allocated, unpinned, under half live, not the open promotion page,
// and with guaranteed free old-generation capacity for its survivors.
// Returns nil when no page qualifies.
func (h *Heap) nextCompactionCandidateLocked() *page {
	for _, p := range h.pages {
		if p.alloc == p.start || p.liveWords == 0 {
			continue
		}
		if p.pinCount > 0 || p.index == h.openPage {
			continue
		}
		if p.liveWords*2 > h.cfg.PageWords {
			continue
		}
		if h.promotionCapacity() < p.liveWords {
			continue
		}
		return p
	}
	return nil
}

// compactPageLocked evacuates one page and rewrites every edge into it.
// World exclusion must be held for the whole unit: the mutator may
// never observe a reference into the vacated page.
func (h *Heap) compactPageLocked(p *page) {
	var moved []Addr
	h.walkRegion(p.start, p.alloc, func(a Addr) bool {
		if h.ColorOf(a) != Black {
			return true
		}
		total := h.totalWords(a)
		dst := h.oldAlloc(total)
		if dst == NilAddr {
			// Candidate selection reserved the space.
			h.fatalf(a, "old generation exhausted mid-compaction")
		}
		copy(h.mem[dst:dst+Addr(total)], h.mem[a:a+Addr(total)])
		h.setForward(dst, NilAddr)
		h.setForward(a, dst)
		moved = append(moved, dst)
		return true
	})

	fwd := func(a Addr) Addr {
		if a >= p.start && a < p.end() {
			if f := h.forwardOf(a); f != NilAddr {
				return f
			}
		}
		return a
	}
	fixSlot := func(slot *Value) {
		if !slot.IsRef() {
			return
		}
		if n := fwd(slot.Ref()); n != slot.Ref() {
			*slot = FromRef(n)
		}
	}
	fixObject := func(a Addr) {
		h.forEachPointerSlot(a, func(i int, v Value) {
			if v.IsRef() {
				if n := fwd(v.Ref()); n != v.Ref() {
					h.storeRaw(a, i, FromRef(n))
				}
			}
		})
	}

	// Intra-page edges travel with the survivors; fix the copies first,
	// then re-record their outgoing references: the locations captured
	// during marking point into the page being vacated and die with it.
	for _, dst := range moved {
		fixObject(dst)
		h.recordInRefs(dst)
	}

	h.forEachRoot(fixSlot)
	h.handles.forEachTarget(func(a *Addr) { *a = fwd(*a) })
	h.weaks.rewrite(fwd)
	h.marker.rewriteQueue(fwd)

	// Recorded incoming locations, re-validated: a location only counts
	// if it still holds a reference into this page.
	for _, loc := range p.inRefs {
		slot := h.memSlot(loc)
		fixSlot(slot)
	}
	p.inRefs = nil

	// Cards dirtied by the barrier since marking observed the
	// containers: rewrite whole dirty pages and large objects.
	for _, q := range h.pages {
		if q == p || q.alloc == q.start || !h.pageHasDirtyCard(q) {
			continue
		}
		h.walkRegion(q.start, q.alloc, func(a Addr) bool {
			fixObject(a)
			return true
		})
	}
	for a := range h.largeObjs {
		if h.rangeHasDirtyCard(a, a+Addr(h.totalWords(a))) {
			fixObject(a)
		}
	}

	// Young→old edges live only in the nursery prefix.
	h.walkRegion(h.fromBase, h.nurAlloc, func(a Addr) bool {
		fixObject(a)
		return true
	})

	h.freePage(p)
	h.clearPageCards(p)
	h.stats.compactedPages.Add(1)
}

// compactStepLocked performs one compaction unit: evacuate the next
// candidate page, or complete the cycle when none remains. Compaction
// moves objects, so it runs only from mutator safepoint polls and
// synchronous collections, never from the worker goroutine.
func (h *Heap) compactStepLocked() {
	if h.phase.Load() != PhaseCompacting {
		return
	}
	if p := h.nextCompactionCandidateLocked(); p != nil {
		h.compactPageLocked(p)
	} else {
		h.completeMajorLocked()
	}
}

// completeMajorLocked closes a major cycle: every surviving object
// returns to white and the collector goes idle.
func (h *Heap) completeMajorLocked() {
	reset := func(a Addr) bool {
		h.setColor(a, White)
		return true
	}
	h.walkRegion(h.fromBase, h.nurAlloc, reset)
	for _, p := range h.pages {
		if p.alloc == p.start {
			continue
		}
		h.walkRegion(p.start, p.alloc, reset)
		p.inRefs = nil
	}
	for a := range h.largeObjs {
		h.setColor(a, White)
	}
	h.mutator.forEachStackObject(reset)

	h.pacer.reset()
	h.phase.Store(PhaseIdle)
	h.stats.majorCycles.Add(1)
	h.collector.recordCycle("major", h.collector.majorStart)
}
