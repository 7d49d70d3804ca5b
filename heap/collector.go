package heap

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/tliron/commonlog"
)

// ---------------------------------------------------------------------------
// Pacing
// ---------------------------------------------------------------------------
//
// The pacer decides when a major cycle starts and how much marking work
// the mutator assists with. Allocation is the clock: once old-gen
// occupancy crosses the trigger fraction a major is requested, and
// while marking runs every allocated word accrues debt the mutator pays
// down at its next safepoint. The debt keeps marking throughput coupled
// to allocation rate, so a fast allocator cannot outrun the marker.

type pacer struct {
	trigger float64
	budget  int

	wantMajor atomic.Bool
	debt      atomic.Int64
}

func (p *pacer) init(cfg Config) {
	p.trigger = cfg.TriggerFraction
	p.budget = cfg.MarkBudget
}

// allocTick records an allocation of the given total word count. World
// exclusion is held by the allocator.
func (p *pacer) allocTick(h *Heap, words int) {
	switch h.phase.Load() {
	case PhaseIdle:
		if h.oldOccupancy() >= p.trigger {
			p.wantMajor.Store(true)
		}
	case PhaseMarking:
		p.debt.Add(int64(words))
	}
}

func (p *pacer) majorRequested() bool { return p.wantMajor.Load() }

// takeDebt claims the accumulated marking debt, in objects to scan.
func (p *pacer) takeDebt() int { return int(p.debt.Swap(0)) }

func (p *pacer) reset() {
	p.wantMajor.Store(false)
	p.debt.Store(0)
}

// ---------------------------------------------------------------------------
// Cycle statistics
// ---------------------------------------------------------------------------

// CycleStats describes one completed collection cycle.
type CycleStats struct {
	ID          string
	Kind        string // "minor" or "major"
	Started     time.Time
	Duration    time.Duration
	FreePages   int
	NurseryFree int
}

// LastCycle returns statistics for the most recently completed cycle,
// or nil before the first one.
func (h *Heap) LastCycle() *CycleStats {
	st, _ := h.stats.lastCycle.Load().(*CycleStats)
	return st
}

// ---------------------------------------------------------------------------
// Collector worker
// ---------------------------------------------------------------------------
//
// The worker is the logically concurrent half of the collector: a
// single goroutine that starts paced major cycles, advances marking in
// budgeted steps, and sweeps at mark termination. Every step takes
// world exclusion for just that unit, interleaving with mutator
// operations in the windows between them. The worker never moves an
// object: relocation is confined to mutator-side calls and safepoint
// polls, so addresses the mutator read from rooted slots stay valid in
// the windows the worker runs in. The heap works without the worker
// too — SafepointPoll assists cover the whole cycle — it just starts
// cycles later.

// DefaultCollectInterval is the worker's step period.
const DefaultCollectInterval = time.Millisecond

// Collector drives collection from a background goroutine.
type Collector struct {
	h   *Heap
	log commonlog.Logger

	// Interval between worker steps; set before Start.
	Interval time.Duration

	mu      sync.Mutex
	stop    chan struct{}
	done    chan struct{}
	started bool

	// majorStart is the wall-clock start of the in-flight major cycle.
	// Written under world exclusion.
	majorStart time.Time
}

func newCollector(h *Heap) *Collector {
	return &Collector{
		h:        h,
		log:      commonlog.GetLogger("rill.heap.collector"),
		Interval: DefaultCollectInterval,
	}
}

// Start launches the worker goroutine. Calling Start on a running
// collector is a no-op.
func (c *Collector) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return
	}
	c.started = true
	c.stop = make(chan struct{})
	c.done = make(chan struct{})
	go c.run(c.stop, c.done)
	c.log.Info("collector worker started")
}

// Stop halts the worker and waits for its current step to finish. The
// heap remains fully usable; collection falls back to allocation-driven
// synchronous cycles.
func (c *Collector) Stop() {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return
	}
	stop, done := c.stop, c.done
	c.started = false
	c.mu.Unlock()

	close(stop)
	<-done
	c.log.Info("collector worker stopped")
}

// Running reports whether the worker goroutine is active.
func (c *Collector) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.started
}

func (c *Collector) run(stop, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(c.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.step()
		}
	}
}

// step advances whatever phase the collector is in by one bounded unit.
func (c *Collector) step() {
	h := c.h
	switch h.phase.Load() {
	case PhaseIdle:
		if h.pacer.majorRequested() {
			h.StartMajor()
		}
	case PhaseMarking:
		if h.MarkStep(h.cfg.MarkBudget) {
			h.withWorldStopped(func() {
				if h.phase.Load() == PhaseMarking && h.marker.empty() {
					h.phase.Store(PhaseCompacting)
					h.sweepLocked()
				}
			})
		}
	case PhaseCompacting:
		// Page evacuation is left to the mutator's safepoint polls; the
		// worker only closes out a cycle with nothing left to move.
		h.withWorldStopped(func() {
			if h.phase.Load() == PhaseCompacting && h.nextCompactionCandidateLocked() == nil {
				h.completeMajorLocked()
			}
		})
	}
}

// recordCycle publishes statistics for a finished cycle. World
// exclusion is held by the caller.
func (c *Collector) recordCycle(kind string, start time.Time) {
	h := c.h
	st := &CycleStats{
		ID:          uuid.NewString(),
		Kind:        kind,
		Started:     start,
		Duration:    time.Since(start),
		FreePages:   len(h.freePages),
		NurseryFree: h.NurseryFree(),
	}
	h.stats.lastCycle.Store(st)
	c.log.Debugf("%s cycle %s done in %s: %d free pages, %d nursery words free",
		st.Kind, st.ID, st.Duration, st.FreePages, st.NurseryFree)
}

// ---------------------------------------------------------------------------
// Synchronous full collection
// ---------------------------------------------------------------------------

// CollectFull synchronously runs (or finishes) a complete major cycle:
// mark to termination, sweep, compact every eligible page.
func (h *Heap) CollectFull() error {
	h.lockWorld()
	defer h.unlockWorld()
	return h.collectFullLocked()
}

// collectFullLocked is CollectFull with world exclusion already held.
// Also the allocator's slow path: it may be entered with a worker-driven
// major mid-flight in any phase, and finishes whatever remains.
func (h *Heap) collectFullLocked() error {
	if h.phase.Load() == PhaseIdle {
		h.startMajorLocked()
	}
	if h.phase.Load() == PhaseMarking {
		for !h.markStepLocked(1024) {
		}
		h.phase.Store(PhaseCompacting)
		h.sweepLocked()
	}
	if h.phase.Load() == PhaseCompacting {
		for {
			p := h.nextCompactionCandidateLocked()
			if p == nil {
				break
			}
			h.compactPageLocked(p)
		}
		h.completeMajorLocked()
	}
	return nil
}
