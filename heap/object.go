package heap

import (
	"sync/atomic"
)

// ---------------------------------------------------------------------------
// Object model: uniform header + per-kind body
// ---------------------------------------------------------------------------
//
// Every heap object occupies HeaderWords+size contiguous words:
//
//	word 0: packed header — kind | color | age | flags | body size
//	word 1: shape ID (zero for non-record kinds)
//	word 2: forwarding address (meaningful only while the containing
//	        page is being evacuated; NilAddr otherwise)
//	words 3..: body
//
// The header layout is uniform across all kinds so the collector never
// needs kind-specific dispatch to find it.

// HeaderWords is the number of words every object spends on its header.
const HeaderWords = 3

// Kind identifies the body layout of an object.
type Kind uint8

const (
	// KindRecord is a shape-described record: the shape's slot kinds say
	// which body words are boxed Values and which hold unboxed statics.
	KindRecord Kind = iota
	// KindArray is a vector of boxed Values; the body size is the length.
	KindArray
	// KindBox wraps a single dynamically-typed Value.
	KindBox
	// KindBytes is an opaque non-pointer payload; the collector never
	// scans its body.
	KindBytes
)

func (k Kind) String() string {
	switch k {
	case KindRecord:
		return "record"
	case KindArray:
		return "array"
	case KindBox:
		return "box"
	case KindBytes:
		return "bytes"
	default:
		return "?"
	}
}

// Color is the tri-color mark state of an object.
type Color uint8

const (
	White Color = 0 // unvisited
	Grey  Color = 1 // queued for scanning
	Black Color = 2 // fully scanned
)

func (c Color) String() string {
	switch c {
	case White:
		return "white"
	case Grey:
		return "grey"
	case Black:
		return "black"
	default:
		return "?"
	}
}

// Header word 0 bit layout.
const (
	hdrKindShift  = 0
	hdrKindMask   = 0xF
	hdrColorShift = 4
	hdrColorMask  = 0x3
	hdrAgeShift   = 6
	hdrAgeMask    = 0xF
	hdrFlagPinned = 1 << 10
	hdrFlagLarge  = 1 << 11
	hdrFlagStack  = 1 << 12
	hdrSizeShift  = 32
)

// packHeader builds header word 0.
func packHeader(kind Kind, color Color, age uint8, flags uint64, size int) uint64 {
	return uint64(kind)<<hdrKindShift |
		uint64(color)<<hdrColorShift |
		uint64(age&hdrAgeMask)<<hdrAgeShift |
		flags |
		uint64(size)<<hdrSizeShift
}

// ---------------------------------------------------------------------------
// Header accessors
// ---------------------------------------------------------------------------
//
// Header word 0 is read and written atomically: the marker flips color
// bits concurrently with mutator execution. Words 1 and 2 are only
// touched while the world is stopped (allocation runs on the mutator,
// evacuation runs with the mutator parked), so plain accesses suffice;
// they still go through atomics to keep the race detector quiet.

func (h *Heap) header(a Addr) uint64 {
	return atomic.LoadUint64(&h.mem[a])
}

func (h *Heap) setHeader(a Addr, w uint64) {
	atomic.StoreUint64(&h.mem[a], w)
}

// KindOf returns the kind of the object at a.
func (h *Heap) KindOf(a Addr) Kind {
	return Kind(h.header(a) >> hdrKindShift & hdrKindMask)
}

// SizeOf returns the body size in words of the object at a.
func (h *Heap) SizeOf(a Addr) int {
	return int(h.header(a) >> hdrSizeShift)
}

// ColorOf returns the current mark color of the object at a.
func (h *Heap) ColorOf(a Addr) Color {
	return Color(h.header(a) >> hdrColorShift & hdrColorMask)
}

// setColor transitions the object's color, preserving the rest of the
// header under concurrent updates.
func (h *Heap) setColor(a Addr, c Color) {
	for {
		old := h.header(a)
		neu := old&^(uint64(hdrColorMask)<<hdrColorShift) | uint64(c)<<hdrColorShift
		if atomic.CompareAndSwapUint64(&h.mem[a], old, neu) {
			return
		}
	}
}

// casColor transitions from→to atomically, reporting whether this caller
// performed the transition.
func (h *Heap) casColor(a Addr, from, to Color) bool {
	for {
		old := h.header(a)
		if Color(old>>hdrColorShift&hdrColorMask) != from {
			return false
		}
		neu := old&^(uint64(hdrColorMask)<<hdrColorShift) | uint64(to)<<hdrColorShift
		if atomic.CompareAndSwapUint64(&h.mem[a], old, neu) {
			return true
		}
	}
}

// ageOf returns the number of minor cycles the object has survived.
func (h *Heap) ageOf(a Addr) uint8 {
	return uint8(h.header(a) >> hdrAgeShift & hdrAgeMask)
}

func (h *Heap) setAge(a Addr, age uint8) {
	for {
		old := h.header(a)
		neu := old&^(uint64(hdrAgeMask)<<hdrAgeShift) | uint64(age&hdrAgeMask)<<hdrAgeShift
		if atomic.CompareAndSwapUint64(&h.mem[a], old, neu) {
			return
		}
	}
}

func (h *Heap) flagSet(a Addr, flag uint64) {
	for {
		old := h.header(a)
		if atomic.CompareAndSwapUint64(&h.mem[a], old, old|flag) {
			return
		}
	}
}

func (h *Heap) flagClear(a Addr, flag uint64) {
	for {
		old := h.header(a)
		if atomic.CompareAndSwapUint64(&h.mem[a], old, old&^flag) {
			return
		}
	}
}

func (h *Heap) hasFlag(a Addr, flag uint64) bool {
	return h.header(a)&flag != 0
}

// IsPinned reports whether the object's storage is currently excluded
// from relocation.
func (h *Heap) IsPinned(a Addr) bool {
	return h.hasFlag(a, hdrFlagPinned)
}

// ShapeIDOf returns the shape ID of the object at a (zero for
// non-record kinds).
func (h *Heap) ShapeIDOf(a Addr) uint32 {
	return uint32(atomic.LoadUint64(&h.mem[a+1]))
}

// forwardOf returns the forwarding address installed in the object's
// header, or NilAddr if the object has not been moved.
func (h *Heap) forwardOf(a Addr) Addr {
	return Addr(atomic.LoadUint64(&h.mem[a+2]))
}

func (h *Heap) setForward(a Addr, to Addr) {
	atomic.StoreUint64(&h.mem[a+2], uint64(to))
}

// totalWords returns header+body size of the object at a.
func (h *Heap) totalWords(a Addr) int {
	return HeaderWords + h.SizeOf(a)
}

// slotAddr returns the word address of body slot i.
func (h *Heap) slotAddr(a Addr, i int) Addr {
	return a + HeaderWords + Addr(i)
}

// ---------------------------------------------------------------------------
// Field access
// ---------------------------------------------------------------------------

// Field returns body slot i of the object at a. The load is atomic so
// the concurrent marker and the mutator never tear each other's words.
func (h *Heap) Field(a Addr, i int) Value {
	if i < 0 || i >= h.SizeOf(a) {
		panic("Heap.Field: slot index out of range")
	}
	return Value(atomic.LoadUint64(&h.mem[h.slotAddr(a, i)]))
}

// storeRaw writes body slot i without running the write barrier. Only
// the allocator and the collector (which maintain the invariants by
// other means) may use it.
func (h *Heap) storeRaw(a Addr, i int, v Value) {
	atomic.StoreUint64(&h.mem[h.slotAddr(a, i)], uint64(v))
}

// ObjectInfo is a read-only description of an object, used by the
// snapshot and verification tooling.
type ObjectInfo struct {
	Addr    Addr
	Kind    Kind
	Size    int
	ShapeID uint32
	Color   Color
	Age     uint8
	Pinned  bool
	Forward Addr
}

// Info describes the object at a.
func (h *Heap) Info(a Addr) ObjectInfo {
	return ObjectInfo{
		Addr:    a,
		Kind:    h.KindOf(a),
		Size:    h.SizeOf(a),
		ShapeID: h.ShapeIDOf(a),
		Color:   h.ColorOf(a),
		Age:     h.ageOf(a),
		Pinned:  h.IsPinned(a),
		Forward: h.forwardOf(a),
	}
}

// ForEachReference visits every reference the object at a currently
// holds, passing the slot index and target address. Used by snapshot
// and verification tooling; precision matches the collector's own scan.
func (h *Heap) ForEachReference(a Addr, fn func(i int, target Addr)) {
	h.forEachPointerSlot(a, func(i int, v Value) {
		if v.IsRef() {
			fn(i, v.Ref())
		}
	})
}

// forEachPointerSlot calls fn for every body slot that may hold a heap
// reference, passing the slot index and its current value. Record slots
// marked unboxed-static by the shape are skipped (precision: a raw
// int64 could otherwise masquerade as a tagged reference); bytes bodies
// are never scanned.
func (h *Heap) forEachPointerSlot(a Addr, fn func(i int, v Value)) {
	size := h.SizeOf(a)
	switch h.KindOf(a) {
	case KindBytes:
		return
	case KindRecord:
		shape := h.Shapes.ByID(h.ShapeIDOf(a))
		for i := 0; i < size; i++ {
			if shape != nil && !shape.Boxed(i) {
				continue
			}
			fn(i, h.Field(a, i))
		}
	default: // KindArray, KindBox: every slot is a boxed Value
		for i := 0; i < size; i++ {
			fn(i, h.Field(a, i))
		}
	}
}
