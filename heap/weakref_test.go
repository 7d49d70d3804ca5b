package heap

import "testing"

// ---------------------------------------------------------------------------
// Weak references and finalization
// ---------------------------------------------------------------------------

func TestWeakRefDoesNotKeepAlive(t *testing.T) {
	h := New(testConfig())

	a := mustAllocArray(t, h, 1)
	w, err := h.NewWeakRef(a, nil)
	if err != nil {
		t.Fatalf("NewWeakRef error = %v", err)
	}
	if _, ok := h.WeakGet(w); !ok {
		t.Fatal("fresh weak ref already cleared")
	}

	if err := h.CollectMinor(); err != nil {
		t.Fatalf("CollectMinor error = %v", err)
	}
	if _, ok := h.WeakGet(w); ok {
		t.Error("weak ref kept its target alive")
	}
}

func TestWeakRefTracksMoves(t *testing.T) {
	h := New(testConfig())

	a := mustAllocArray(t, h, 1)
	h.StoreField(a, 0, FromSmallInt(6))
	h.Globals.Bind("strong", FromRef(a))
	defer h.Globals.Unbind("strong")

	w, err := h.NewWeakRef(a, nil)
	if err != nil {
		t.Fatalf("NewWeakRef error = %v", err)
	}

	for i := 0; i < 2; i++ {
		if err := h.CollectMinor(); err != nil {
			t.Fatalf("CollectMinor error = %v", err)
		}
	}

	addr, ok := h.WeakGet(w)
	if !ok {
		t.Fatal("weak ref cleared while target reachable")
	}
	strong, _ := h.Globals.Get("strong")
	if addr != strong.Ref() {
		t.Errorf("weak target = %d, strong root = %d; must agree", addr, strong.Ref())
	}
	if got := h.Field(addr, 0).SmallInt(); got != 6 {
		t.Errorf("payload = %d, want 6", got)
	}
}

func TestWeakClearedByMajorCycle(t *testing.T) {
	h := New(testConfig())

	// Promote, then drop the root: only a major cycle can find it dead.
	a := mustAllocArray(t, h, 1)
	h.Globals.Bind("tmp", FromRef(a))
	for i := 0; i < 2; i++ {
		if err := h.CollectMinor(); err != nil {
			t.Fatalf("CollectMinor error = %v", err)
		}
	}
	v, _ := h.Globals.Get("tmp")
	w, err := h.NewWeakRef(v.Ref(), nil)
	if err != nil {
		t.Fatalf("NewWeakRef error = %v", err)
	}
	h.Globals.Unbind("tmp")

	if err := h.CollectFull(); err != nil {
		t.Fatalf("CollectFull error = %v", err)
	}
	if _, ok := h.WeakGet(w); ok {
		t.Error("weak ref to dead old object not cleared by the major cycle")
	}
}

func TestFinalizerRunsAtSafepoint(t *testing.T) {
	h := New(testConfig())

	ran := false
	a := mustAllocArray(t, h, 1)
	if _, err := h.NewWeakRef(a, func() { ran = true }); err != nil {
		t.Fatalf("NewWeakRef error = %v", err)
	}

	if err := h.CollectMinor(); err != nil {
		t.Fatalf("CollectMinor error = %v", err)
	}
	if ran {
		t.Fatal("finalizer ran inside the collection, not at a safepoint")
	}

	h.SafepointPoll()
	if !ran {
		t.Error("finalizer did not run at the next safepoint")
	}
}

// Finalizers may allocate: they run outside every collector lock.
func TestFinalizerMayAllocate(t *testing.T) {
	h := New(testConfig())

	var got Addr
	a := mustAllocArray(t, h, 1)
	if _, err := h.NewWeakRef(a, func() {
		b, err := h.AllocateArray(2)
		if err != nil {
			t.Errorf("allocation inside finalizer error = %v", err)
		}
		got = b
	}); err != nil {
		t.Fatalf("NewWeakRef error = %v", err)
	}

	if err := h.CollectMinor(); err != nil {
		t.Fatalf("CollectMinor error = %v", err)
	}
	h.SafepointPoll()
	if got == NilAddr {
		t.Error("finalizer did not run")
	}
}

func TestReleaseWeakRef(t *testing.T) {
	h := New(testConfig())

	a := mustAllocArray(t, h, 1)
	w, err := h.NewWeakRef(a, nil)
	if err != nil {
		t.Fatalf("NewWeakRef error = %v", err)
	}
	h.ReleaseWeakRef(w)
	if _, ok := h.WeakGet(w); ok {
		t.Error("released weak ref still resolves")
	}
	if got := h.WeakCount(); got != 0 {
		t.Errorf("WeakCount = %d, want 0", got)
	}
}
