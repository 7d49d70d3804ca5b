package heap

import "runtime"

// ---------------------------------------------------------------------------
// Safepoints
// ---------------------------------------------------------------------------
//
// Mutator code may be paused only at safepoints: the interpreter polls
// at loop back-edges and call boundaries, native code at function entry
// and backward branches. The pause is bounded and local, never a
// full-heap stop: every mutator-facing heap operation (allocation,
// field store, frame pop) holds the world lock for just that operation,
// and the collector takes the same lock only for page-sized units of
// work (a root snapshot, a nursery evacuation, one page's compaction).
// Between mutator operations the lock is free, which is exactly the
// window the collector worker uses.

func (h *Heap) lockWorld()   { h.worldMu.Lock() }
func (h *Heap) unlockWorld() { h.worldMu.Unlock() }

// withWorldStopped runs f with the mutator excluded. Used by the
// collector for root snapshots, minor cycles, and per-page compaction
// units.
func (h *Heap) withWorldStopped(f func()) {
	h.lockWorld()
	defer h.unlockWorld()
	f()
}

// SafepointPoll is the mutator's collector-coordination point. It
// performs pending assist work: starting a requested major cycle,
// paying down allocation-paced marking debt, and running one pending
// compaction unit. It must be called at every loop back-edge, call
// boundary, and native function entry.
//
// Compaction runs here and nowhere asynchronous, so a raw address read
// from a rooted slot stays valid until the mutator's next relocation
// point (see the package comment).
func (h *Heap) SafepointPoll() {
	if h.phase.Load() == PhaseIdle && h.pacer.majorRequested() {
		h.StartMajor()
	}

	if h.phase.Load() == PhaseMarking {
		if debt := h.pacer.takeDebt(); debt > 0 {
			h.MarkStep(debt)
		}
	}

	if h.phase.Load() == PhaseCompacting {
		h.withWorldStopped(h.compactStepLocked)
	}

	// Finalizers queued by collections run here, outside all collector
	// locks, so they may allocate and take handles freely.
	h.weaks.runPending()

	// Give the logically concurrent collector worker its turn.
	runtime.Gosched()
}
