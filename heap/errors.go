package heap

import (
	"errors"
	"fmt"
)

// ---------------------------------------------------------------------------
// Fatal error taxonomy
// ---------------------------------------------------------------------------

// ErrHeapExhausted is reported when an allocation cannot be satisfied even
// after a full major collection. There is no recovery path: continuing to
// run would break the memory-safety guarantees, so the embedding runtime
// is expected to terminate the process.
var ErrHeapExhausted = errors.New("heap exhausted")

// ErrStackOverflow is reported when mutator recursion exceeds the
// configured frame depth. It is distinct from heap exhaustion and leaves
// the heap fully consistent: the failed frame was never pushed.
var ErrStackOverflow = errors.New("stack overflow")

// ErrInvalidHandle is reported when dereferencing a handle that was never
// issued or has been released.
var ErrInvalidHandle = errors.New("invalid handle")

// FatalError reports a broken collector invariant: a forwarding pointer
// observed outside an active compaction window, a root-scan omission
// caught by debug instrumentation, and the like. These indicate that a
// producer (interpreter or native codegen) violated the barrier/safepoint
// contract, so they are not recoverable.
type FatalError struct {
	Cond string // the violated condition
	Addr Addr   // offending address, if any
}

func (e *FatalError) Error() string {
	if e.Addr != NilAddr {
		return fmt.Sprintf("heap invariant violated: %s (addr %d)", e.Cond, e.Addr)
	}
	return "heap invariant violated: " + e.Cond
}

// fatalf panics with a *FatalError after logging it. Callers must not
// recover except at the process boundary.
func (h *Heap) fatalf(a Addr, format string, args ...any) {
	err := &FatalError{Cond: fmt.Sprintf(format, args...), Addr: a}
	h.log.Error(err.Error())
	panic(err)
}
