package heap

import (
	"errors"
	"testing"
)

// ---------------------------------------------------------------------------
// Frames, recursion bound, stack-segment allocation
// ---------------------------------------------------------------------------

func TestFrameDepthBoundAndRecovery(t *testing.T) {
	cfg := testConfig()
	cfg.MaxFrameDepth = 4
	h := New(cfg)
	m := h.Mutator()

	for i := 0; i < 4; i++ {
		if _, err := m.PushFrame(1); err != nil {
			t.Fatalf("push %d error = %v", i, err)
		}
	}
	if _, err := m.PushFrame(1); !errors.Is(err, ErrStackOverflow) {
		t.Fatalf("push at bound: error = %v, want ErrStackOverflow", err)
	}
	if got := m.Depth(); got != 4 {
		t.Errorf("Depth after failed push = %d, want 4 (failed frame never pushed)", got)
	}

	// Unwinding makes room again; the heap is untouched.
	m.PopFrame()
	if _, err := m.PushFrame(1); err != nil {
		t.Errorf("push after unwind error = %v", err)
	}
}

func TestNativeFramesShareDepthBound(t *testing.T) {
	cfg := testConfig()
	cfg.MaxFrameDepth = 3
	h := New(cfg)
	m := h.Mutator()

	if _, err := m.PushFrame(1); err != nil {
		t.Fatalf("PushFrame error = %v", err)
	}
	if _, err := m.PushNative(2, nil); err != nil {
		t.Fatalf("PushNative error = %v", err)
	}
	if _, err := m.PushFrame(1); err != nil {
		t.Fatalf("PushFrame error = %v", err)
	}
	if _, err := m.PushNative(1, nil); !errors.Is(err, ErrStackOverflow) {
		t.Errorf("error = %v, want ErrStackOverflow", err)
	}
}

func TestFrameSlotsSurviveCollection(t *testing.T) {
	h := New(testConfig())
	m := h.Mutator()
	f, err := m.PushFrame(2)
	if err != nil {
		t.Fatalf("PushFrame error = %v", err)
	}
	defer m.PopFrame()

	a := mustAllocArray(t, h, 1)
	h.StoreField(a, 0, FromSmallInt(31))
	f.Set(0, FromRef(a))
	f.Set(1, FromFloat64(1.25))

	if err := h.CollectMinor(); err != nil {
		t.Fatalf("CollectMinor error = %v", err)
	}

	moved := f.Get(0).Ref()
	if moved == a {
		t.Error("nursery survivor did not move")
	}
	if got := h.Field(moved, 0).SmallInt(); got != 31 {
		t.Errorf("payload = %d, want 31", got)
	}
	if got := f.Get(1); got != FromFloat64(1.25) {
		t.Errorf("non-ref slot changed: %v", got)
	}
}

// A raw slot may hold arbitrary bits; the scanner must skip it until
// the next boxed store.
func TestRawSlotsExcludedFromRoots(t *testing.T) {
	h := New(testConfig())
	m := h.Mutator()
	f, err := m.PushFrame(1)
	if err != nil {
		t.Fatalf("PushFrame error = %v", err)
	}
	defer m.PopFrame()

	bogus := uint64(FromRef(Addr(777)))
	f.SetRaw(0, bogus)

	if err := h.CollectMinor(); err != nil {
		t.Fatalf("CollectMinor error = %v", err)
	}
	if got := f.Raw(0); got != bogus {
		t.Errorf("raw slot rewritten: %#x, want %#x", got, bogus)
	}
}

func TestNativeStackMapSelectsRoots(t *testing.T) {
	h := New(testConfig())
	m := h.Mutator()
	f, err := m.PushNative(2, &StackMap{Live: []int{0}})
	if err != nil {
		t.Fatalf("PushNative error = %v", err)
	}
	defer m.PopNative()

	a := mustAllocArray(t, h, 1)
	h.StoreField(a, 0, FromSmallInt(5))
	f.SetRef(0, FromRef(a))
	f.SetRaw(1, uint64(FromRef(Addr(999)))) // dead slot, not in the map

	if err := h.CollectMinor(); err != nil {
		t.Fatalf("CollectMinor error = %v", err)
	}

	if got := h.Field(f.Get(0).Ref(), 0).SmallInt(); got != 5 {
		t.Errorf("live slot payload = %d, want 5", got)
	}
	if got := f.Get(1); uint64(got) != uint64(FromRef(Addr(999))) {
		t.Errorf("unmapped slot rewritten: %#x", uint64(got))
	}
}

func TestStackAllocationReclaimedOnPop(t *testing.T) {
	h := New(testConfig())
	m := h.Mutator()

	f, err := m.PushFrame(0)
	if err != nil {
		t.Fatalf("PushFrame error = %v", err)
	}
	a1, ok := f.AllocateLocal(4, nil)
	if !ok {
		t.Fatal("AllocateLocal failed")
	}
	if h.generationOf(a1) != genStack {
		t.Errorf("generationOf = %v, want genStack", h.generationOf(a1))
	}
	m.PopFrame()

	f2, err := m.PushFrame(0)
	if err != nil {
		t.Fatalf("PushFrame error = %v", err)
	}
	defer m.PopFrame()
	a2, ok := f2.AllocateLocal(4, nil)
	if !ok {
		t.Fatal("AllocateLocal failed after pop")
	}
	if a2 != a1 {
		t.Errorf("stack segment not reclaimed: got %d, want %d", a2, a1)
	}
}

func TestStackSegmentFallsBackWhenFull(t *testing.T) {
	h := New(testConfig())
	m := h.Mutator()
	f, err := m.PushFrame(0)
	if err != nil {
		t.Fatalf("PushFrame error = %v", err)
	}
	defer m.PopFrame()

	for i := 0; ; i++ {
		if _, ok := f.AllocateLocal(16, nil); !ok {
			return // fallback signaled, as documented
		}
		if i > int(h.stackEnd) {
			t.Fatal("stack segment never reported full")
		}
	}
}

// Stack-segment objects may reference heap objects; those slots are
// roots and must be rewritten when the referent moves.
func TestStackObjectSlotsAreRoots(t *testing.T) {
	h := New(testConfig())
	m := h.Mutator()
	f, err := m.PushFrame(0)
	if err != nil {
		t.Fatalf("PushFrame error = %v", err)
	}
	defer m.PopFrame()

	local, ok := f.AllocateLocal(1, nil)
	if !ok {
		t.Fatal("AllocateLocal failed")
	}
	y := mustAllocArray(t, h, 1)
	h.StoreField(y, 0, FromSmallInt(88))
	h.StoreField(local, 0, FromRef(y))

	if err := h.CollectMinor(); err != nil {
		t.Fatalf("CollectMinor error = %v", err)
	}

	moved := h.Field(local, 0).Ref()
	if moved == y {
		t.Error("stack object still references the vacated semispace")
	}
	if got := h.Field(moved, 0).SmallInt(); got != 88 {
		t.Errorf("payload = %d, want 88", got)
	}
}

func TestFrameScopeClosesOnPop(t *testing.T) {
	h := New(testConfig())
	m := h.Mutator()
	f, err := m.PushFrame(0)
	if err != nil {
		t.Fatalf("PushFrame error = %v", err)
	}

	var order []int
	f.Scope().Defer(func() { order = append(order, 1) })
	f.Scope().Defer(func() { order = append(order, 2) })
	m.PopFrame()

	if len(order) != 2 || order[0] != 2 || order[1] != 1 {
		t.Errorf("cleanup order = %v, want [2 1] (LIFO)", order)
	}
}
