package heapdump

import (
	"fmt"

	"github.com/rill-lang/rill/heap"
)

// Violation is one broken invariant found by Verify.
type Violation struct {
	Rule   string
	Addr   uint64
	Detail string
}

func (v Violation) String() string {
	return fmt.Sprintf("%s: addr %d: %s", v.Rule, v.Addr, v.Detail)
}

// Verify checks a snapshot against the collector's structural
// invariants:
//
//   - every root and every reference edge targets a known object
//   - no forwarding pointer exists outside an active relocation phase
//   - during marking, no black object references a white one
//
// Floating garbage (unreachable objects awaiting the next cycle) is
// legal and not reported.
func (s *Snapshot) Verify() []Violation {
	index := make(map[uint64]*Object, len(s.Objects))
	for i := range s.Objects {
		index[s.Objects[i].Addr] = &s.Objects[i]
	}

	var out []Violation
	report := func(rule string, addr uint64, format string, args ...any) {
		out = append(out, Violation{Rule: rule, Addr: addr, Detail: fmt.Sprintf(format, args...)})
	}

	for _, r := range s.Roots {
		if _, ok := index[r]; !ok {
			report("dangling-root", r, "root references no known object")
		}
	}

	relocating := s.Phase == heap.PhaseMinor || s.Phase == heap.PhaseCompacting
	marking := s.Phase == heap.PhaseMarking

	for i := range s.Objects {
		o := &s.Objects[i]

		if o.Forward != 0 && !relocating {
			report("forwarding-window", o.Addr,
				"forwarding pointer %d outside a relocation phase", o.Forward)
		}

		for _, t := range o.Refs {
			target, ok := index[t]
			if !ok {
				report("dangling-edge", o.Addr, "edge targets unknown address %d", t)
				continue
			}
			if marking && heap.Color(o.Color) == heap.Black && heap.Color(target.Color) == heap.White {
				report("black-to-white", o.Addr, "black object references white %d", t)
			}
		}
	}
	return out
}

// Reachable returns the addresses reachable from the snapshot's roots.
func (s *Snapshot) Reachable() map[uint64]bool {
	index := make(map[uint64]*Object, len(s.Objects))
	for i := range s.Objects {
		index[s.Objects[i].Addr] = &s.Objects[i]
	}

	seen := make(map[uint64]bool)
	stack := append([]uint64(nil), s.Roots...)
	for len(stack) > 0 {
		a := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[a] {
			continue
		}
		seen[a] = true
		if o, ok := index[a]; ok {
			stack = append(stack, o.Refs...)
		}
	}
	return seen
}

// VerifyHeap captures h and verifies the capture in one step.
func VerifyHeap(h *heap.Heap) []Violation {
	return Capture(h).Verify()
}
