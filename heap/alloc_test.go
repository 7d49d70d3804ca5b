package heap

import (
	"errors"
	"fmt"
	"testing"
)

// ---------------------------------------------------------------------------
// Allocation paths
// ---------------------------------------------------------------------------

func TestAllocateArrayInitializesNil(t *testing.T) {
	h := New(testConfig())
	a := mustAllocArray(t, h, 4)

	if got := h.KindOf(a); got != KindArray {
		t.Errorf("KindOf = %v, want array", got)
	}
	if got := h.SizeOf(a); got != 4 {
		t.Errorf("SizeOf = %d, want 4", got)
	}
	for i := 0; i < 4; i++ {
		if got := h.Field(a, i); got != Nil {
			t.Errorf("slot %d = %v, want Nil", i, got)
		}
	}
}

func TestAllocateBoxHoldsValue(t *testing.T) {
	h := New(testConfig())
	b, err := h.AllocateBox(FromSmallInt(17))
	if err != nil {
		t.Fatalf("AllocateBox error = %v", err)
	}
	if got := h.Field(b, 0); got.SmallInt() != 17 {
		t.Errorf("box value = %v, want 17", got)
	}
}

func TestAllocateDispatch(t *testing.T) {
	h := New(testConfig())
	shape := h.Shapes.Intern([]string{"x"}, nil)

	r, err := h.Allocate(0, shape)
	if err != nil {
		t.Fatalf("Allocate(record) error = %v", err)
	}
	if got := h.KindOf(r); got != KindRecord {
		t.Errorf("KindOf = %v, want record", got)
	}

	a, err := h.Allocate(3, nil)
	if err != nil {
		t.Fatalf("Allocate(array) error = %v", err)
	}
	if got := h.KindOf(a); got != KindArray {
		t.Errorf("KindOf = %v, want array", got)
	}
}

func TestAllocationTriggersMinorCollection(t *testing.T) {
	h := New(testConfig())

	// Churn well past the nursery capacity with nothing rooted.
	for i := 0; i < 400; i++ {
		mustAllocArray(t, h, 8)
	}
	if got := h.Stats().MinorCycles; got == 0 {
		t.Error("expected at least one minor cycle after churning past nursery capacity")
	}
	if got := h.Stats().PromotedWords; got != 0 {
		t.Errorf("PromotedWords = %d, want 0 (nothing survived)", got)
	}
}

// Ten thousand rooted fixed-size objects allocated back to back: the
// nursery must overflow exactly as often as the sizing predicts, and
// every payload must read back intact afterward. PromoteAge 1 makes
// every survivor leave the nursery at its first cycle, so each cycle
// starts from an empty nursery and the arithmetic stays exact.
func TestSequentialAllocationCycleCountAndContent(t *testing.T) {
	cfg := Config{
		NurseryWords:     4096,
		OldWords:         1 << 17,
		PageWords:        4096,
		LargeObjectWords: 256,
		LargeSpaceWords:  4096,
		StackWords:       512,
		CardWords:        64,
		PromoteAge:       1,
		MaxFrameDepth:    64,
	}
	h := New(cfg)

	const n = 10000
	cellWords := HeaderWords + 2
	perFill := cfg.NurseryWords / cellWords
	want := uint64((n - 1) / perFill)

	for i := 0; i < n; i++ {
		cell, err := h.AllocateArray(2)
		if err != nil {
			t.Fatalf("allocation %d: %v", i, err)
		}
		// Re-read the head after the allocation: it may have moved.
		head := Nil
		if v, ok := h.Globals.Get("list"); ok {
			head = v
		}
		h.StoreField(cell, 0, FromSmallInt(int64(i)))
		h.StoreField(cell, 1, head)
		h.Globals.Bind("list", FromRef(cell))
	}

	if got := h.Stats().MinorCycles; got != want {
		t.Errorf("MinorCycles = %d, want exactly %d (%d cells per nursery fill)", got, want, perFill)
	}
	if got := h.Stats().MajorCycles; got != 0 {
		t.Errorf("MajorCycles = %d, want 0", got)
	}

	v, _ := h.Globals.Get("list")
	for i := n - 1; i >= 0; i-- {
		if !v.IsRef() {
			t.Fatalf("list broken at element %d", i)
		}
		if got := h.Field(v.Ref(), 0).SmallInt(); got != int64(i) {
			t.Fatalf("element %d payload = %d, want %d", i, got, i)
		}
		v = h.Field(v.Ref(), 1)
	}
	if !v.IsNil() {
		t.Errorf("list tail = %v, want Nil", v)
	}
	h.Globals.Unbind("list")
}

func TestLargeObjectBypassesNursery(t *testing.T) {
	h := New(testConfig())
	free := h.NurseryFree()

	a, err := h.AllocateBytes(h.cfg.LargeObjectWords)
	if err != nil {
		t.Fatalf("AllocateBytes error = %v", err)
	}
	if h.generationOf(a) != genLarge {
		t.Errorf("generationOf = %v, want genLarge", h.generationOf(a))
	}
	if got := h.NurseryFree(); got != free {
		t.Errorf("nursery consumed %d words by a large allocation", free-got)
	}
	if !h.hasFlag(a, hdrFlagLarge) {
		t.Error("large object missing large flag")
	}
}

func TestDeadLargeObjectSwept(t *testing.T) {
	h := New(testConfig())
	if _, err := h.AllocateBytes(h.cfg.LargeObjectWords); err != nil {
		t.Fatalf("AllocateBytes error = %v", err)
	}

	if err := h.CollectFull(); err != nil {
		t.Fatalf("CollectFull error = %v", err)
	}
	if got := h.Stats().SweptLarge; got != 1 {
		t.Errorf("SweptLarge = %d, want 1", got)
	}
	if got := len(h.largeObjs); got != 0 {
		t.Errorf("large objects remaining = %d, want 0", got)
	}
}

// Retaining everything must end in ErrHeapExhausted, not a hang or a
// panic: the allocator runs its collections, finds no room, and reports.
func TestHeapExhaustedWhenEverythingLive(t *testing.T) {
	h := New(testConfig())

	// The payload is parked in a global across the cell allocation: that
	// allocation can trigger a minor cycle, and raw addresses do not
	// survive one.
	var err error
	for i := 0; i < 100000; i++ {
		var a Addr
		a, err = h.AllocateArray(8)
		if err != nil {
			break
		}
		h.Globals.Bind("cursor", FromRef(a))
		var cell Addr
		cell, err = h.AllocateArray(2)
		if err != nil {
			break
		}
		cur, _ := h.Globals.Get("cursor")
		head, _ := h.Globals.Get("list")
		h.StoreField(cell, 0, cur)
		h.StoreField(cell, 1, head)
		h.Globals.Bind("list", FromRef(cell))
	}
	h.Globals.Unbind("cursor")
	if !errors.Is(err, ErrHeapExhausted) {
		t.Fatalf("error = %v, want ErrHeapExhausted", err)
	}

	// The heap stays consistent: rooted data is still traversable.
	head, ok := h.Globals.Get("list")
	if !ok || !head.IsRef() {
		t.Fatal("list root lost after exhaustion")
	}
	n := 0
	for v := head; v.IsRef(); v = h.Field(v.Ref(), 1) {
		n++
	}
	if n == 0 {
		t.Error("no cells reachable after exhaustion")
	}
}

func TestStatsCountAllocatedWords(t *testing.T) {
	h := New(testConfig())
	before := h.Stats().AllocatedWords
	mustAllocArray(t, h, 5)
	got := h.Stats().AllocatedWords - before
	want := uint64(HeaderWords + 5)
	if got != want {
		t.Errorf("allocated words delta = %d, want %d", got, want)
	}
}

func TestNegativeLengthPanics(t *testing.T) {
	h := New(testConfig())
	for _, fn := range []func(){
		func() { h.AllocateArray(-1) },
		func() { h.AllocateBytes(-1) },
	} {
		func() {
			defer func() {
				if recover() == nil {
					t.Error("negative length should panic")
				}
			}()
			fn()
		}()
	}
}

func ExampleHeap_AllocateArray() {
	h := New(DefaultConfig())
	a, _ := h.AllocateArray(2)
	h.StoreField(a, 0, FromSmallInt(1))
	h.StoreField(a, 1, FromSmallInt(2))
	fmt.Println(h.Field(a, 0).SmallInt() + h.Field(a, 1).SmallInt())
	// Output: 3
}
