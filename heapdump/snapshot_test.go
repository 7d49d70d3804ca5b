package heapdump

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/rill-lang/rill/heap"
)

// ---------------------------------------------------------------------------
// Snapshot capture, round-trip, verification
// ---------------------------------------------------------------------------

func buildHeap(t *testing.T) *heap.Heap {
	t.Helper()
	h := heap.New(heap.Config{
		NurseryWords:     2048,
		OldWords:         8192,
		PageWords:        1024,
		LargeObjectWords: 256,
		LargeSpaceWords:  4096,
		StackWords:       512,
	})

	head := heap.Nil
	for i := 0; i < 10; i++ {
		cell, err := h.AllocateArray(2)
		if err != nil {
			t.Fatalf("AllocateArray error = %v", err)
		}
		h.StoreField(cell, 0, heap.FromSmallInt(int64(i)))
		h.StoreField(cell, 1, head)
		head = heap.FromRef(cell)
	}
	h.Globals.Bind("list", head)
	return h
}

func TestCaptureSeesObjectsAndRoots(t *testing.T) {
	h := buildHeap(t)
	s := Capture(h)

	if len(s.Objects) < 10 {
		t.Errorf("captured %d objects, want >= 10", len(s.Objects))
	}
	if len(s.Roots) == 0 {
		t.Fatal("captured no roots")
	}
	if s.Lookup(s.Roots[0]) == nil {
		t.Error("root target missing from the object set")
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	h := buildHeap(t)
	s := Capture(h)

	var buf bytes.Buffer
	if err := s.Encode(&buf); err != nil {
		t.Fatalf("Encode error = %v", err)
	}
	got, err := Decode(&buf)
	if err != nil {
		t.Fatalf("Decode error = %v", err)
	}

	if len(got.Objects) != len(s.Objects) {
		t.Errorf("objects = %d, want %d", len(got.Objects), len(s.Objects))
	}
	if len(got.Roots) != len(s.Roots) {
		t.Errorf("roots = %d, want %d", len(got.Roots), len(s.Roots))
	}
	if got.Stats.AllocatedWords != s.Stats.AllocatedWords {
		t.Errorf("AllocatedWords = %d, want %d", got.Stats.AllocatedWords, s.Stats.AllocatedWords)
	}
}

func TestWriteAndReadFile(t *testing.T) {
	h := buildHeap(t)
	path := filepath.Join(t.TempDir(), "dump.cbor")

	if err := WriteFile(h, path); err != nil {
		t.Fatalf("WriteFile error = %v", err)
	}
	s, err := ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile error = %v", err)
	}
	if len(s.Objects) == 0 {
		t.Error("round-tripped snapshot has no objects")
	}
}

func TestVerifyCleanHeap(t *testing.T) {
	h := buildHeap(t)
	if err := h.CollectFull(); err != nil {
		t.Fatalf("CollectFull error = %v", err)
	}

	if violations := VerifyHeap(h); len(violations) != 0 {
		t.Errorf("violations on a quiescent heap: %v", violations)
	}
}

func TestVerifyReportsDanglingRoot(t *testing.T) {
	h := buildHeap(t)
	s := Capture(h)
	s.Roots = append(s.Roots, 0xDEAD)

	violations := s.Verify()
	found := false
	for _, v := range violations {
		if v.Rule == "dangling-root" && v.Addr == 0xDEAD {
			found = true
		}
	}
	if !found {
		t.Errorf("dangling root not reported; violations = %v", violations)
	}
}

func TestVerifyReportsDanglingEdge(t *testing.T) {
	h := buildHeap(t)
	s := Capture(h)
	if len(s.Objects) == 0 {
		t.Fatal("empty capture")
	}
	s.Objects[0].Refs = append(s.Objects[0].Refs, 0xBEEF)

	violations := s.Verify()
	found := false
	for _, v := range violations {
		if v.Rule == "dangling-edge" {
			found = true
		}
	}
	if !found {
		t.Errorf("dangling edge not reported; violations = %v", violations)
	}
}

func TestVerifyReportsStrayForwardingPointer(t *testing.T) {
	h := buildHeap(t)
	s := Capture(h)
	s.Objects[0].Forward = 42 // no relocation phase is active

	violations := s.Verify()
	found := false
	for _, v := range violations {
		if v.Rule == "forwarding-window" {
			found = true
		}
	}
	if !found {
		t.Errorf("stray forwarding pointer not reported; violations = %v", violations)
	}
}

func TestReachableCoversRootedGraph(t *testing.T) {
	h := buildHeap(t)
	s := Capture(h)

	reach := s.Reachable()
	if len(reach) < 10 {
		t.Errorf("reachable set = %d, want >= 10 (the whole list)", len(reach))
	}
	for _, r := range s.Roots {
		if !reach[r] {
			t.Errorf("root %d not in its own reachable set", r)
		}
	}
}
