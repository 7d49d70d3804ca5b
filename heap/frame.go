package heap

// ---------------------------------------------------------------------------
// Mutator frames
// ---------------------------------------------------------------------------
//
// The heap serves one mutator execution context: the interpreter or
// AOT-compiled native code, never both for the same logical thread of
// control. Interpreter frames carry per-slot boxed/raw tags; native
// frames carry a stack map naming the live reference slots at the
// nearest safepoint. Both are scanned exhaustively as roots.

// Mutator is the heap's single mutator execution context.
type Mutator struct {
	h *Heap

	// MaxFrameDepth bounds total recursion (interpreter plus native
	// frames). Exceeding it reports ErrStackOverflow.
	MaxFrameDepth int

	frames []*Frame
	native []*NativeFrame

	// stackTop is the bump pointer for escape-directed stack-segment
	// allocation; frame pushes record watermarks so pops reclaim
	// wholesale.
	stackTop Addr
}

func newMutator(h *Heap, maxDepth int) *Mutator {
	return &Mutator{
		h:             h,
		MaxFrameDepth: maxDepth,
		stackTop:      h.stackStart,
	}
}

// Depth returns the current total frame depth.
func (m *Mutator) Depth() int {
	return len(m.frames) + len(m.native)
}

// ---------------------------------------------------------------------------
// Interpreter frames
// ---------------------------------------------------------------------------

// Frame is an interpreter activation record. Slots are precise: each
// carries a boxed/raw tag, so the root scanner never mistakes a raw
// int64 for a reference.
type Frame struct {
	m         *Mutator
	slots     []Value
	boxed     []bool
	watermark Addr // stack-segment state to restore on pop
	scope     *CleanupScope
}

// PushFrame pushes an interpreter frame with the given slot count.
// Slots start as boxed Nil. Returns ErrStackOverflow at the recursion
// bound; the failed frame is never pushed, leaving the heap untouched.
func (m *Mutator) PushFrame(slots int) (*Frame, error) {
	if m.Depth() >= m.MaxFrameDepth {
		return nil, ErrStackOverflow
	}
	f := &Frame{
		m:         m,
		slots:     make([]Value, slots),
		boxed:     make([]bool, slots),
		watermark: m.stackTop,
		scope:     NewCleanupScope(),
	}
	for i := range f.slots {
		f.slots[i] = Nil
		f.boxed[i] = true
	}
	m.frames = append(m.frames, f)
	return f, nil
}

// PopFrame pops the topmost interpreter frame, running its cleanup
// scope and reclaiming its stack-segment allocations.
func (m *Mutator) PopFrame() {
	if len(m.frames) == 0 {
		panic("Mutator.PopFrame: no frame")
	}
	f := m.frames[len(m.frames)-1]
	m.frames = m.frames[:len(m.frames)-1]
	f.scope.Close()
	m.h.lockWorld()
	m.releaseStack(f.watermark)
	m.h.unlockWorld()
}

// NumSlots returns the frame's slot count.
func (f *Frame) NumSlots() int { return len(f.slots) }

// Set stores a boxed value into slot i.
func (f *Frame) Set(i int, v Value) {
	f.slots[i] = v
	f.boxed[i] = true
}

// SetRaw stores an untagged machine word into slot i. The slot is
// excluded from root scanning until the next boxed Set.
func (f *Frame) SetRaw(i int, w uint64) {
	f.slots[i] = Value(w)
	f.boxed[i] = false
}

// Get returns slot i.
func (f *Frame) Get(i int) Value { return f.slots[i] }

// Raw returns slot i as an untagged machine word.
func (f *Frame) Raw(i int) uint64 { return uint64(f.slots[i]) }

// Scope returns the frame's deterministic cleanup scope.
func (f *Frame) Scope() *CleanupScope { return f.scope }

// ---------------------------------------------------------------------------
// Native frames
// ---------------------------------------------------------------------------

// StackMap names the slots of a native frame that hold live references
// at a safepoint. The native code generator emits one per safepoint and
// installs it via NativeFrame.SetStackMap before polling.
type StackMap struct {
	Live []int
}

// NativeFrame is an activation record for AOT-compiled code. Slot
// liveness is described by the current stack map rather than per-slot
// tags.
type NativeFrame struct {
	m         *Mutator
	slots     []Value
	sm        *StackMap
	watermark Addr
}

// PushNative pushes a native frame with the given slot count and entry
// stack map. Shares the recursion bound with interpreter frames.
func (m *Mutator) PushNative(slots int, sm *StackMap) (*NativeFrame, error) {
	if m.Depth() >= m.MaxFrameDepth {
		return nil, ErrStackOverflow
	}
	f := &NativeFrame{
		m:         m,
		slots:     make([]Value, slots),
		sm:        sm,
		watermark: m.stackTop,
	}
	m.native = append(m.native, f)
	return f, nil
}

// PopNative pops the topmost native frame.
func (m *Mutator) PopNative() {
	if len(m.native) == 0 {
		panic("Mutator.PopNative: no frame")
	}
	f := m.native[len(m.native)-1]
	m.native = m.native[:len(m.native)-1]
	m.h.lockWorld()
	m.releaseStack(f.watermark)
	m.h.unlockWorld()
}

// SetStackMap installs the stack map for the current safepoint.
func (f *NativeFrame) SetStackMap(sm *StackMap) { f.sm = sm }

// SetRef stores a reference-typed value into slot i.
func (f *NativeFrame) SetRef(i int, v Value) { f.slots[i] = v }

// SetRaw stores an untagged machine word into slot i.
func (f *NativeFrame) SetRaw(i int, w uint64) { f.slots[i] = Value(w) }

// Get returns slot i.
func (f *NativeFrame) Get(i int) Value { return f.slots[i] }

// ---------------------------------------------------------------------------
// Escape-directed stack allocation
// ---------------------------------------------------------------------------
//
// Objects that escape analysis proves do not outlive their creating
// frame are carved from the mutator stack segment: no allocator
// bookkeeping, no collection, reclaimed wholesale when the frame pops.
// Their pointer slots are still roots (they may reference heap
// objects), so the root scanner walks the live stack segment.

// AllocateLocal allocates a frame-local object in the stack segment.
// Returns false when the segment is full; the caller falls back to
// Heap.Allocate.
func (f *Frame) AllocateLocal(size int, shape *Shape) (Addr, bool) {
	return f.m.allocStack(size, shape)
}

// AllocateLocal is the native-frame variant of escape-directed stack
// allocation.
func (f *NativeFrame) AllocateLocal(size int, shape *Shape) (Addr, bool) {
	return f.m.allocStack(size, shape)
}

func (m *Mutator) allocStack(size int, shape *Shape) (Addr, bool) {
	h := m.h
	h.lockWorld()
	defer h.unlockWorld()

	kind := KindArray
	var shapeID uint32
	if shape != nil {
		kind = KindRecord
		shapeID = shape.ID()
		size = shape.NumSlots()
	}
	total := HeaderWords + size
	if int(h.stackEnd-m.stackTop) < total {
		return NilAddr, false
	}
	a := m.stackTop
	m.stackTop += Addr(total)
	h.initObject(a, kind, size, shapeID, hdrFlagStack)
	return a, true
}

// releaseStack pops stack-segment allocations back to a watermark.
// World exclusion must be held.
func (m *Mutator) releaseStack(watermark Addr) {
	for a := watermark; a < m.stackTop; a++ {
		m.h.mem[a] = 0
	}
	m.stackTop = watermark
}

// forEachStackObject walks the live stack-segment objects.
func (m *Mutator) forEachStackObject(fn func(a Addr) bool) {
	m.h.walkRegion(m.h.stackStart, m.stackTop, fn)
}

// visitRoots visits every live pointer slot owned by the mutator:
// boxed interpreter slots, stack-map-declared native slots, and the
// pointer slots of stack-segment objects.
func (m *Mutator) visitRoots(visit RootVisitor) {
	for _, f := range m.frames {
		for i := range f.slots {
			if f.boxed[i] {
				visit(&f.slots[i])
			}
		}
	}
	for _, f := range m.native {
		if f.sm == nil {
			continue
		}
		for _, i := range f.sm.Live {
			visit(&f.slots[i])
		}
	}
	m.forEachStackObject(func(a Addr) bool {
		m.h.forEachPointerSlot(a, func(i int, v Value) {
			visit(m.h.memSlot(m.h.slotAddr(a, i)))
		})
		return true
	})
}
