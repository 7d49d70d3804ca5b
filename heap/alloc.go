package heap

// ---------------------------------------------------------------------------
// Allocator: bump-pointer nursery, large-object routing
// ---------------------------------------------------------------------------

// Allocate allocates an object with a body of size words. When shape is
// non-nil the object is a record laid out by the shape (size may be 0
// to take the shape's slot count); otherwise it is an array of boxed
// Values. The body is zeroed and boxed slots are initialized to Nil.
//
// If insufficient nursery space remains, a minor collection runs
// synchronously before retrying; oversized requests bypass the nursery
// and are served by the large-object space. Returns ErrHeapExhausted
// when even a full major cycle cannot make room.
func (h *Heap) Allocate(size int, shape *Shape) (Addr, error) {
	if shape != nil {
		if size == 0 {
			size = shape.NumSlots()
		}
		if size != shape.NumSlots() {
			panic("Heap.Allocate: size disagrees with shape slot count")
		}
		return h.AllocateRecord(shape)
	}
	return h.AllocateArray(size)
}

// AllocateRecord allocates a record described by shape.
func (h *Heap) AllocateRecord(shape *Shape) (Addr, error) {
	if shape == nil {
		panic("Heap.AllocateRecord: nil shape")
	}
	h.lockWorld()
	defer h.unlockWorld()
	return h.allocate(KindRecord, shape.NumSlots(), shape.ID())
}

// AllocateArray allocates an array of n boxed Values.
func (h *Heap) AllocateArray(n int) (Addr, error) {
	if n < 0 {
		panic("Heap.AllocateArray: negative length")
	}
	h.lockWorld()
	defer h.unlockWorld()
	return h.allocate(KindArray, n, 0)
}

// AllocateBox allocates a box holding a single dynamically-typed value.
func (h *Heap) AllocateBox(v Value) (Addr, error) {
	h.lockWorld()
	defer h.unlockWorld()
	a, err := h.allocate(KindBox, 1, 0)
	if err != nil {
		return NilAddr, err
	}
	h.storeRaw(a, 0, v)
	// A box born during marking is black with an unscanned field.
	h.dijkstraShade(v)
	return a, nil
}

// AllocateBytes allocates an opaque non-pointer payload of n words.
func (h *Heap) AllocateBytes(n int) (Addr, error) {
	if n < 0 {
		panic("Heap.AllocateBytes: negative length")
	}
	h.lockWorld()
	defer h.unlockWorld()
	return h.allocate(KindBytes, n, 0)
}

// allocate is the common path. World exclusion must be held.
func (h *Heap) allocate(kind Kind, body int, shapeID uint32) (Addr, error) {
	total := HeaderWords + body

	var a Addr
	var flags uint64
	if total >= h.cfg.LargeObjectWords {
		a = h.allocateLarge(total)
		if a == NilAddr {
			return NilAddr, ErrHeapExhausted
		}
		flags = hdrFlagLarge
	} else {
		var err error
		a, err = h.allocateNursery(total)
		if err != nil {
			return NilAddr, err
		}
	}

	h.initObject(a, kind, body, shapeID, flags)
	h.stats.allocated.Add(uint64(total))
	h.pacer.allocTick(h, total)
	return a, nil
}

// allocateNursery bump-allocates from the active semispace, running a
// minor collection exactly when free space is below the request.
func (h *Heap) allocateNursery(total int) (Addr, error) {
	if int(h.nurLimit-h.nurAlloc) < total {
		if err := h.collectMinorLocked(minorOpts{}); err != nil {
			return NilAddr, err
		}
	}
	if int(h.nurLimit-h.nurAlloc) < total {
		// Survivors still crowd the nursery: evict them all to the old
		// generation and retry once.
		if err := h.collectMinorLocked(minorOpts{promoteAll: true}); err != nil {
			return NilAddr, err
		}
	}
	if int(h.nurLimit-h.nurAlloc) < total {
		return NilAddr, ErrHeapExhausted
	}
	a := h.nurAlloc
	h.nurAlloc += Addr(total)
	return a, nil
}

// allocateLarge serves oversized requests from the large-object space,
// falling back to a full collection once.
func (h *Heap) allocateLarge(total int) Addr {
	if a := h.losAlloc(total); a != NilAddr {
		return a
	}
	if err := h.collectFullLocked(); err != nil {
		return NilAddr
	}
	return h.losAlloc(total)
}

// initObject writes the header and clears the body. Boxed slots are
// initialized to Nil rather than the zero word so uninitialized reads
// stay well-typed. Objects born during concurrent marking are black.
func (h *Heap) initObject(a Addr, kind Kind, body int, shapeID uint32, flags uint64) {
	color := White
	if h.phase.Load() == PhaseMarking {
		color = Black
	}
	h.setHeader(a, packHeader(kind, color, 0, flags, body))
	h.mem[a+1] = uint64(shapeID)
	h.mem[a+2] = uint64(NilAddr)

	switch kind {
	case KindBytes:
		for i := 0; i < body; i++ {
			h.mem[h.slotAddr(a, i)] = 0
		}
	case KindRecord:
		shape := h.Shapes.ByID(shapeID)
		for i := 0; i < body; i++ {
			if shape.Boxed(i) {
				h.storeRaw(a, i, Nil)
			} else {
				h.mem[h.slotAddr(a, i)] = 0
			}
		}
	default:
		for i := 0; i < body; i++ {
			h.storeRaw(a, i, Nil)
		}
	}
}

// ---------------------------------------------------------------------------
// Unboxed record slots
// ---------------------------------------------------------------------------
//
// Slots with a fully static type are stored unboxed; no barrier is
// needed because they can never hold a reference.

// StoreInt writes an unboxed int64 into a static record slot.
func (h *Heap) StoreInt(a Addr, i int, n int64) {
	h.checkStaticSlot(a, i, SlotInt)
	h.mem[h.slotAddr(a, i)] = uint64(n)
}

// LoadInt reads an unboxed int64 from a static record slot.
func (h *Heap) LoadInt(a Addr, i int) int64 {
	h.checkStaticSlot(a, i, SlotInt)
	return int64(h.mem[h.slotAddr(a, i)])
}

// StoreFloat writes an unboxed float64 into a static record slot.
func (h *Heap) StoreFloat(a Addr, i int, f float64) {
	h.checkStaticSlot(a, i, SlotFloat)
	h.mem[h.slotAddr(a, i)] = uint64(FromFloat64(f))
}

// LoadFloat reads an unboxed float64 from a static record slot.
func (h *Heap) LoadFloat(a Addr, i int) float64 {
	h.checkStaticSlot(a, i, SlotFloat)
	return Value(h.mem[h.slotAddr(a, i)]).Float64()
}

func (h *Heap) checkStaticSlot(a Addr, i int, want SlotKind) {
	if h.KindOf(a) != KindRecord {
		panic("heap: static slot access on non-record")
	}
	shape := h.Shapes.ByID(h.ShapeIDOf(a))
	if shape == nil || i < 0 || i >= shape.NumSlots() || shape.SlotKindOf(i) != want {
		panic("heap: static slot access does not match shape")
	}
}
