// Package heapdump captures and verifies point-in-time heap snapshots.
//
// A snapshot is a self-contained CBOR document: the full object graph
// (headers and reference edges, not raw payloads), the root set, and
// the lifetime counters. It can be written to disk and inspected or
// verified offline, with no live heap attached.
package heapdump

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/rill-lang/rill/heap"
)

// Snapshot is a point-in-time capture of a heap.
type Snapshot struct {
	Taken   time.Time      `cbor:"1,keyasint"`
	Phase   int32          `cbor:"2,keyasint"`
	Stats   heap.HeapStats `cbor:"3,keyasint"`
	Objects []Object       `cbor:"4,keyasint"`
	Roots   []uint64       `cbor:"5,keyasint"`
}

// Object describes one heap object and its outgoing reference edges.
type Object struct {
	Addr    uint64   `cbor:"1,keyasint"`
	Kind    uint8    `cbor:"2,keyasint"`
	Size    int      `cbor:"3,keyasint"`
	ShapeID uint32   `cbor:"4,keyasint,omitempty"`
	Color   uint8    `cbor:"5,keyasint"`
	Age     uint8    `cbor:"6,keyasint,omitempty"`
	Pinned  bool     `cbor:"7,keyasint,omitempty"`
	Forward uint64   `cbor:"8,keyasint,omitempty"`
	Refs    []uint64 `cbor:"9,keyasint,omitempty"`
}

// Capture takes a snapshot of h. The heap should be quiescent (no
// collection mid-flight); captures taken between collector steps are
// consistent because every step runs under world exclusion.
func Capture(h *heap.Heap) *Snapshot {
	s := &Snapshot{
		Taken: time.Now(),
		Phase: h.Phase(),
		Stats: h.Stats(),
	}

	h.ForEachObject(func(a heap.Addr) bool {
		info := h.Info(a)
		o := Object{
			Addr:    uint64(a),
			Kind:    uint8(info.Kind),
			Size:    info.Size,
			ShapeID: info.ShapeID,
			Color:   uint8(info.Color),
			Age:     info.Age,
			Pinned:  info.Pinned,
			Forward: uint64(info.Forward),
		}
		h.ForEachReference(a, func(i int, target heap.Addr) {
			o.Refs = append(o.Refs, uint64(target))
		})
		s.Objects = append(s.Objects, o)
		return true
	})

	h.ForEachRoot(func(v heap.Value) {
		if v.IsRef() {
			s.Roots = append(s.Roots, uint64(v.Ref()))
		}
	})
	return s
}

// cbor encoding options are fixed so snapshots are deterministic and
// comparable byte-for-byte.
var encMode, _ = cbor.CoreDetEncOptions().EncMode()

// Encode writes the snapshot as CBOR.
func (s *Snapshot) Encode(w io.Writer) error {
	data, err := encMode.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	_, err = w.Write(data)
	return err
}

// Decode reads a CBOR snapshot.
func Decode(r io.Reader) (*Snapshot, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	var s Snapshot
	if err := cbor.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &s, nil
}

// WriteFile captures h and writes the snapshot to path.
func WriteFile(h *heap.Heap, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return Capture(h).Encode(f)
}

// ReadFile loads a snapshot from path.
func ReadFile(path string) (*Snapshot, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Decode(f)
}

// Lookup returns the object record at addr, or nil.
func (s *Snapshot) Lookup(addr uint64) *Object {
	for i := range s.Objects {
		if s.Objects[i].Addr == addr {
			return &s.Objects[i]
		}
	}
	return nil
}
