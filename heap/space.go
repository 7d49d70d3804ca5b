package heap

import "sort"

// ---------------------------------------------------------------------------
// Old-generation pages and the large-object space
// ---------------------------------------------------------------------------

// page is the old-generation unit of incremental compaction. Pages are
// bump-allocated during promotion; objects stay in place until their
// page is evacuated or becomes entirely dead.
type page struct {
	index int
	start Addr
	alloc Addr // bump watermark; objects occupy [start, alloc)

	// liveWords is recomputed by each major cycle's sweep.
	liveWords int

	// pinCount is the number of currently pinned objects on the page.
	// A nonzero count excludes the page from compaction.
	pinCount int

	// inRefs records field locations observed to reference this page
	// during the most recent marking phase. Compaction fixes these up
	// (after re-validating them) when the page is evacuated.
	inRefs []Addr
}

func (p *page) end() Addr { return p.alloc }

func (p *page) reset() {
	p.alloc = p.start
	p.liveWords = 0
	p.inRefs = nil
}

// span is a free run in the large-object space.
type span struct {
	start Addr
	words int
}

// ---------------------------------------------------------------------------
// Old-generation allocation (promotion target)
// ---------------------------------------------------------------------------
//
// Old allocation happens only inside collection (promotion, compaction
// destination), so the free list needs no locking beyond the world
// exclusion already held by the caller.

// oldAlloc carves an object of the given total word count out of the
// old generation, taking a fresh page when the open one is full.
// Returns NilAddr when no page can satisfy the request.
func (h *Heap) oldAlloc(words int) Addr {
	if words > h.cfg.PageWords {
		// Oversized promotions should have been routed to the
		// large-object space by the allocator.
		h.fatalf(NilAddr, "old-gen allocation of %d words exceeds page size %d", words, h.cfg.PageWords)
	}

	if h.openPage >= 0 {
		p := h.pages[h.openPage]
		if int(p.start+Addr(h.cfg.PageWords)-p.alloc) >= words {
			a := p.alloc
			p.alloc += Addr(words)
			p.liveWords += words
			return a
		}
	}

	if len(h.freePages) == 0 {
		return NilAddr
	}
	idx := h.freePages[len(h.freePages)-1]
	h.freePages = h.freePages[:len(h.freePages)-1]
	p := h.pages[idx]
	p.reset()
	h.openPage = idx

	a := p.alloc
	p.alloc += Addr(words)
	p.liveWords += words
	return a
}

// freePage zeroes a page and returns it to the free list.
func (h *Heap) freePage(p *page) {
	for a := p.start; a < p.start+Addr(h.cfg.PageWords); a++ {
		h.mem[a] = 0
	}
	p.reset()
	if h.openPage == p.index {
		h.openPage = -1
	}
	h.freePages = append(h.freePages, p.index)
}

// ---------------------------------------------------------------------------
// Large-object space: first-fit spans, swept but never compacted
// ---------------------------------------------------------------------------

// losAlloc reserves a run of the given total word count in the
// large-object space. Returns NilAddr when no run is big enough.
func (h *Heap) losAlloc(words int) Addr {
	for i, s := range h.losFree {
		if s.words >= words {
			a := s.start
			if s.words == words {
				h.losFree = append(h.losFree[:i], h.losFree[i+1:]...)
			} else {
				h.losFree[i] = span{start: s.start + Addr(words), words: s.words - words}
			}
			h.largeObjs[a] = words
			return a
		}
	}
	return NilAddr
}

// losRelease returns a large object's storage to the free list,
// coalescing adjacent runs.
func (h *Heap) losRelease(a Addr) {
	words, ok := h.largeObjs[a]
	if !ok {
		h.fatalf(a, "release of unknown large object")
	}
	delete(h.largeObjs, a)
	for i := a; i < a+Addr(words); i++ {
		h.mem[i] = 0
	}

	h.losFree = append(h.losFree, span{start: a, words: words})
	sort.Slice(h.losFree, func(i, j int) bool { return h.losFree[i].start < h.losFree[j].start })

	merged := h.losFree[:1]
	for _, s := range h.losFree[1:] {
		last := &merged[len(merged)-1]
		if last.start+Addr(last.words) == s.start {
			last.words += s.words
		} else {
			merged = append(merged, s)
		}
	}
	h.losFree = merged
}

// ---------------------------------------------------------------------------
// Region walks
// ---------------------------------------------------------------------------

// walkRegion visits each object header in [start, end) in address
// order. The region must be densely packed (bump-allocated), which
// holds for the nursery, the stack segment, and old pages.
func (h *Heap) walkRegion(start, end Addr, fn func(a Addr) bool) {
	a := start
	for a < end {
		words := h.totalWords(a)
		if words <= HeaderWords-1 || a+Addr(words) > end {
			h.fatalf(a, "corrupt object header during region walk")
		}
		if !fn(a) {
			return
		}
		a += Addr(words)
	}
}

// ForEachObject visits every object in the heap: the live nursery
// prefix, every allocated old page (including dead-but-unswept
// objects), the large-object space, and the mutator stack segment.
func (h *Heap) ForEachObject(fn func(a Addr) bool) {
	stop := false
	visit := func(a Addr) bool {
		if !fn(a) {
			stop = true
		}
		return !stop
	}

	h.walkRegion(h.fromBase, h.nurAlloc, visit)
	if stop {
		return
	}
	for _, p := range h.pages {
		if p.alloc == p.start {
			continue
		}
		h.walkRegion(p.start, p.alloc, visit)
		if stop {
			return
		}
	}
	for a := range h.largeObjs {
		if !fn(a) {
			return
		}
	}
	h.mutator.forEachStackObject(fn)
}
