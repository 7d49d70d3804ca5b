package heap

import "sync/atomic"

// ---------------------------------------------------------------------------
// Card-granularity remembered set
// ---------------------------------------------------------------------------
//
// The remembered set is a conservative superset of old→young (and,
// during concurrent marking, any old-generation) pointer edges, kept at
// card granularity over the old generation and the large-object space.
// Dirtying is a per-card atomic bit set: lock-free and idempotent, so
// concurrent barrier invocations never need coordination. False
// positives are permitted; a true cross-edge is never missing because
// the barrier dirties the container's card before the collector next
// observes the heap.

type cardTable struct {
	base      Addr
	cardWords int
	bits      []atomic.Uint32 // one bit per card
}

func newCardTable(base, end Addr, cardWords int) *cardTable {
	nCards := (int(end-base) + cardWords - 1) / cardWords
	return &cardTable{
		base:      base,
		cardWords: cardWords,
		bits:      make([]atomic.Uint32, (nCards+31)/32),
	}
}

// cardIndex returns the card covering address a. The caller guarantees
// a is within [base, end).
func (ct *cardTable) cardIndex(a Addr) int {
	return int(a-ct.base) / ct.cardWords
}

// dirty marks the card covering a. Idempotent; safe under concurrent
// callers.
func (ct *cardTable) dirty(a Addr) {
	c := ct.cardIndex(a)
	word := &ct.bits[c/32]
	mask := uint32(1) << (c % 32)
	for {
		old := word.Load()
		if old&mask != 0 {
			return
		}
		if word.CompareAndSwap(old, old|mask) {
			return
		}
	}
}

func (ct *cardTable) isDirty(c int) bool {
	return ct.bits[c/32].Load()&(uint32(1)<<(c%32)) != 0
}

func (ct *cardTable) clear(c int) {
	word := &ct.bits[c/32]
	mask := uint32(1) << (c % 32)
	for {
		old := word.Load()
		if old&mask == 0 {
			return
		}
		if word.CompareAndSwap(old, old&^mask) {
			return
		}
	}
}

// cardRange returns the address range [start, end) covered by card c.
func (ct *cardTable) cardRange(c int) (Addr, Addr) {
	start := ct.base + Addr(c*ct.cardWords)
	return start, start + Addr(ct.cardWords)
}

// forEachDirty visits every dirty card index. Cards dirtied while the
// walk is in progress may or may not be visited; callers re-walk until
// quiescent when that matters.
func (ct *cardTable) forEachDirty(fn func(c int)) {
	for w := range ct.bits {
		bits := ct.bits[w].Load()
		for bits != 0 {
			b := bits & (-bits)
			i := 0
			for b>>uint(i) != 1 {
				i++
			}
			fn(w*32 + i)
			bits &^= b
		}
	}
}

// dirtyCount returns the number of dirty cards (diagnostics only).
func (ct *cardTable) dirtyCount() int {
	n := 0
	ct.forEachDirty(func(int) { n++ })
	return n
}
