package heap

import (
	"strings"
	"sync"
)

// ---------------------------------------------------------------------------
// Shapes: property-layout descriptors
// ---------------------------------------------------------------------------
//
// A Shape gives string-keyed records fixed inline slots instead of a
// general hash table: property lookup compiles down to a slot index.
// Shapes are interned, so records sharing a property layout share one
// descriptor and shape identity is a single ID comparison.

// SlotKind describes the representation of one record slot.
type SlotKind uint8

const (
	// SlotBoxed holds a NaN-boxed Value; the collector scans it.
	SlotBoxed SlotKind = iota
	// SlotInt holds a raw, unboxed int64 proven static by the frontend.
	// Never scanned.
	SlotInt
	// SlotFloat holds a raw, unboxed float64. Never scanned.
	SlotFloat
)

// Shape is an interned property-layout descriptor.
type Shape struct {
	id    uint32
	props []string
	kinds []SlotKind
}

// ID returns the shape's interned identifier.
func (s *Shape) ID() uint32 { return s.id }

// NumSlots returns the number of record slots this shape describes.
func (s *Shape) NumSlots() int { return len(s.props) }

// Properties returns the property names in slot order.
func (s *Shape) Properties() []string { return s.props }

// SlotIndex returns the slot index for a property name, or -1.
func (s *Shape) SlotIndex(name string) int {
	for i, p := range s.props {
		if p == name {
			return i
		}
	}
	return -1
}

// Boxed reports whether slot i holds a boxed Value (and therefore must
// be scanned by the collector).
func (s *Shape) Boxed(i int) bool {
	if s == nil || i < 0 || i >= len(s.kinds) {
		return true // conservative: unknown slots scan as boxed
	}
	return s.kinds[i] == SlotBoxed
}

// SlotKindOf returns the representation of slot i.
func (s *Shape) SlotKindOf(i int) SlotKind {
	return s.kinds[i]
}

// ---------------------------------------------------------------------------
// ShapeTable: interning
// ---------------------------------------------------------------------------

// ShapeTable interns shapes by property layout. Shape ID 0 is reserved
// for shapeless kinds (arrays, boxes, bytes).
type ShapeTable struct {
	mu    sync.RWMutex
	byKey map[string]*Shape
	byID  []*Shape
}

// NewShapeTable creates an empty shape table with ID 0 reserved.
func NewShapeTable() *ShapeTable {
	return &ShapeTable{
		byKey: make(map[string]*Shape),
		byID:  []*Shape{nil}, // ID 0 = no shape
	}
}

// Intern returns the canonical shape for the given property names and
// slot kinds, creating it on first use. kinds may be nil, meaning every
// slot is boxed.
func (t *ShapeTable) Intern(props []string, kinds []SlotKind) *Shape {
	if kinds == nil {
		kinds = make([]SlotKind, len(props))
	}
	if len(kinds) != len(props) {
		panic("ShapeTable.Intern: kinds/props length mismatch")
	}

	key := shapeKey(props, kinds)

	t.mu.RLock()
	s, ok := t.byKey[key]
	t.mu.RUnlock()
	if ok {
		return s
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.byKey[key]; ok {
		return s
	}

	s = &Shape{
		id:    uint32(len(t.byID)),
		props: append([]string(nil), props...),
		kinds: append([]SlotKind(nil), kinds...),
	}
	t.byID = append(t.byID, s)
	t.byKey[key] = s
	return s
}

// ByID returns the shape with the given ID, or nil for ID 0 / unknown IDs.
func (t *ShapeTable) ByID(id uint32) *Shape {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if int(id) >= len(t.byID) {
		return nil
	}
	return t.byID[id]
}

// Count returns the number of interned shapes (excluding the reserved ID 0).
func (t *ShapeTable) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byID) - 1
}

func shapeKey(props []string, kinds []SlotKind) string {
	var b strings.Builder
	for i, p := range props {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(p)
		b.WriteByte(':')
		b.WriteByte('0' + byte(kinds[i]))
	}
	return b.String()
}
