// Package heap implements the Rill runtime's memory manager: a
// generational, incremental, logically concurrent, precise, compacting
// garbage collector shared by the bytecode interpreter and AOT-compiled
// native code.
//
// The managed heap is a word-addressed space owned entirely by this
// package. Mutator code allocates through Heap.Allocate, performs every
// pointer-field store through Heap.StoreField (which runs the write
// barrier), polls Heap.SafepointPoll at loop back-edges and call
// boundaries, and hands objects across the foreign boundary with
// Heap.Pin / Heap.Deref / Heap.Unpin.
//
// Plain Go variables holding an Addr or a ref-tagged Value are not
// roots. Any call that can allocate or collect — the Allocate
// functions, Pin, CollectMinor, CollectFull, SafepointPoll — is a
// relocation point and may move objects; an address held in a local
// across such a call can be left dangling. Live references must
// reside in frame slots, global bindings, registered root providers,
// or handles across relocation points, and be re-read from there
// afterward. Calls that cannot collect (StoreField, Field, the Globals
// accessors) never invalidate addresses, and nothing relocates
// asynchronously between calls: the background worker marks and
// sweeps, but never moves.
package heap
