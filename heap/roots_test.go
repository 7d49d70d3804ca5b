package heap

import "testing"

// ---------------------------------------------------------------------------
// Root providers and global bindings
// ---------------------------------------------------------------------------

// sliceRoots is a minimal RootProvider: a bank of slots owned by the
// embedding runtime.
type sliceRoots struct {
	slots []Value
}

func (r *sliceRoots) VisitRoots(visit RootVisitor) {
	for i := range r.slots {
		visit(&r.slots[i])
	}
}

func TestRootProviderKeepsAliveAndRewrites(t *testing.T) {
	h := New(testConfig())

	a := mustAllocArray(t, h, 1)
	h.StoreField(a, 0, FromSmallInt(12))
	prov := &sliceRoots{slots: []Value{FromRef(a)}}
	h.RegisterRootProvider(prov)
	defer h.UnregisterRootProvider(prov)

	if err := h.CollectMinor(); err != nil {
		t.Fatalf("CollectMinor error = %v", err)
	}

	moved := prov.slots[0]
	if !moved.IsRef() || moved.Ref() == a {
		t.Error("provider slot not rewritten by evacuation")
	}
	if got := h.Field(moved.Ref(), 0).SmallInt(); got != 12 {
		t.Errorf("payload = %d, want 12", got)
	}
}

func TestUnregisteredProviderNoLongerRoots(t *testing.T) {
	h := New(testConfig())

	a := mustAllocArray(t, h, 1)
	prov := &sliceRoots{slots: []Value{FromRef(a)}}
	h.RegisterRootProvider(prov)
	w, err := h.NewWeakRef(a, nil)
	if err != nil {
		t.Fatalf("NewWeakRef error = %v", err)
	}

	h.UnregisterRootProvider(prov)
	if err := h.CollectMinor(); err != nil {
		t.Fatalf("CollectMinor error = %v", err)
	}
	if _, ok := h.WeakGet(w); ok {
		t.Error("object survived after its provider was unregistered")
	}
}

func TestGlobalBindingLifecycle(t *testing.T) {
	g := newGlobalRoots()

	g.Bind("a", FromSmallInt(1))
	g.Bind("b", FromSmallInt(2))
	g.Bind("a", FromSmallInt(3)) // overwrite

	if got := g.Count(); got != 2 {
		t.Errorf("Count = %d, want 2", got)
	}
	if v, ok := g.Get("a"); !ok || v.SmallInt() != 3 {
		t.Errorf("Get(a) = %v, %v; want 3", v, ok)
	}

	g.Unbind("a")
	if _, ok := g.Get("a"); ok {
		t.Error("unbound name still resolves")
	}

	g.TearDown()
	if got := g.Count(); got != 0 {
		t.Errorf("Count after TearDown = %d, want 0", got)
	}
}

func TestForEachRootIncludesHandles(t *testing.T) {
	h := New(testConfig())

	a := mustAllocArray(t, h, 1)
	hd, err := h.Pin(a)
	if err != nil {
		t.Fatalf("Pin error = %v", err)
	}
	target, _ := h.Deref(hd)

	found := false
	h.ForEachRoot(func(v Value) {
		if v.IsRef() && v.Ref() == target {
			found = true
		}
	})
	if !found {
		t.Error("handle target missing from the root walk")
	}
}
