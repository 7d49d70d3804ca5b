package heap

import (
	"sync"
	"sync/atomic"

	"github.com/tliron/commonlog"
)

// ---------------------------------------------------------------------------
// Heap: the managed address space
// ---------------------------------------------------------------------------

// Config holds every collector tunable. Zero fields take defaults; see
// the config package for the rill.toml surface.
type Config struct {
	NurseryWords     int     // size of each nursery semispace
	OldWords         int     // size of the page-organized old generation
	PageWords        int     // old-generation page size
	LargeObjectWords int     // allocation size at which requests bypass the nursery
	LargeSpaceWords  int     // size of the large-object space
	StackWords       int     // size of the mutator stack segment
	CardWords        int     // remembered-set card granularity
	PromoteAge       int     // minor cycles survived before promotion
	MaxFrameDepth    int     // mutator recursion bound
	TriggerFraction  float64 // old-gen occupancy that requests a major cycle
	MarkBudget       int     // objects scanned per pacing increment
}

// Default configuration values.
const (
	DefaultNurseryWords     = 64 << 10
	DefaultOldWords         = 512 << 10
	DefaultPageWords        = 4 << 10
	DefaultLargeObjectWords = 1 << 10
	DefaultLargeSpaceWords  = 256 << 10
	DefaultStackWords       = 16 << 10
	DefaultCardWords        = 128
	DefaultPromoteAge       = 2
	DefaultMaxFrameDepth    = 4096
	DefaultTriggerFraction  = 0.75
	DefaultMarkBudget       = 256
)

// DefaultConfig returns the default heap configuration.
func DefaultConfig() Config {
	return Config{
		NurseryWords:     DefaultNurseryWords,
		OldWords:         DefaultOldWords,
		PageWords:        DefaultPageWords,
		LargeObjectWords: DefaultLargeObjectWords,
		LargeSpaceWords:  DefaultLargeSpaceWords,
		StackWords:       DefaultStackWords,
		CardWords:        DefaultCardWords,
		PromoteAge:       DefaultPromoteAge,
		MaxFrameDepth:    DefaultMaxFrameDepth,
		TriggerFraction:  DefaultTriggerFraction,
		MarkBudget:       DefaultMarkBudget,
	}
}

// withDefaults fills zero fields in.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.NurseryWords <= 0 {
		c.NurseryWords = d.NurseryWords
	}
	if c.OldWords <= 0 {
		c.OldWords = d.OldWords
	}
	if c.PageWords <= 0 {
		c.PageWords = d.PageWords
	}
	if c.LargeObjectWords <= 0 {
		c.LargeObjectWords = d.LargeObjectWords
	}
	if c.LargeSpaceWords <= 0 {
		c.LargeSpaceWords = d.LargeSpaceWords
	}
	if c.StackWords <= 0 {
		c.StackWords = d.StackWords
	}
	if c.CardWords <= 0 {
		c.CardWords = d.CardWords
	}
	if c.PromoteAge <= 0 {
		c.PromoteAge = d.PromoteAge
	}
	if c.MaxFrameDepth <= 0 {
		c.MaxFrameDepth = d.MaxFrameDepth
	}
	if c.TriggerFraction <= 0 || c.TriggerFraction >= 1 {
		c.TriggerFraction = d.TriggerFraction
	}
	if c.MarkBudget <= 0 {
		c.MarkBudget = d.MarkBudget
	}
	return c
}

// Collection phases. Terminal states do not exist: the collector cycles
// for the runtime's lifetime.
const (
	PhaseIdle int32 = iota
	PhaseMinor
	PhaseMarking
	PhaseCompacting
)

// Heap owns the managed address space and all collector state. One Heap
// serves one mutator execution context plus one logically concurrent
// collector worker.
type Heap struct {
	cfg Config
	log commonlog.Logger

	// The managed space. Every Addr is an index into mem; index 0 is
	// reserved so NilAddr never aliases an object.
	mem []uint64

	// Region bounds (word indices), fixed at construction:
	// [1, stackEnd) mutator stack segment, then the two nursery
	// semispaces, the page-organized old generation, and the
	// large-object space.
	stackStart, stackEnd Addr
	nurA, nurB           Addr
	nurWords             int
	oldStart, oldEnd     Addr
	losStart, losEnd     Addr

	// Nursery bump state. fromBase is the active semispace.
	fromBase Addr
	toBase   Addr
	nurAlloc Addr
	nurLimit Addr

	// Old generation. Page free list and open promotion page are owned
	// exclusively by the collector (promotion runs inside collection).
	pages     []*page
	freePages []int
	openPage  int

	// Large-object space: swept, never compacted.
	largeObjs map[Addr]int
	losFree   []span

	cards *cardTable

	Shapes  *ShapeTable
	Globals *GlobalRoots

	handles *HandleTable
	weaks   *WeakTable

	mutator     *Mutator
	providers   []RootProvider
	providersMu sync.Mutex

	// worldMu is the mutator/collector exclusion lock; see safepoint.go.
	worldMu sync.Mutex

	phase atomic.Int32

	marker    marker
	pacer     pacer
	collector *Collector

	stats heapCounters
}

// heapCounters aggregates lifetime statistics.
type heapCounters struct {
	minorCycles    atomic.Uint64
	majorCycles    atomic.Uint64
	allocated      atomic.Uint64 // words handed out by Allocate
	promoted       atomic.Uint64 // words moved nursery -> old
	evacuated      atomic.Uint64 // words copied within the nursery
	sweptLarge     atomic.Uint64 // large objects reclaimed
	compactedPages atomic.Uint64
	lastCycle      atomic.Value // *CycleStats
}

// New creates a heap from cfg, filling zero fields with defaults.
func New(cfg Config) *Heap {
	cfg = cfg.withDefaults()

	h := &Heap{
		cfg:       cfg,
		log:       commonlog.GetLogger("rill.heap"),
		Shapes:    NewShapeTable(),
		largeObjs: make(map[Addr]int),
		openPage:  -1,
	}

	// Partition the space. Word 0 stays reserved.
	cursor := Addr(1)
	h.stackStart = cursor
	cursor += Addr(cfg.StackWords)
	h.stackEnd = cursor
	h.nurA = cursor
	cursor += Addr(cfg.NurseryWords)
	h.nurB = cursor
	cursor += Addr(cfg.NurseryWords)
	h.nurWords = cfg.NurseryWords
	h.oldStart = cursor
	cursor += Addr(cfg.OldWords)
	h.oldEnd = cursor
	h.losStart = cursor
	cursor += Addr(cfg.LargeSpaceWords)
	h.losEnd = cursor

	h.mem = make([]uint64, cursor)

	h.fromBase = h.nurA
	h.toBase = h.nurB
	h.nurAlloc = h.fromBase
	h.nurLimit = h.fromBase + Addr(h.nurWords)

	// Carve the old generation into pages, all initially free.
	nPages := cfg.OldWords / cfg.PageWords
	h.pages = make([]*page, nPages)
	h.freePages = make([]int, 0, nPages)
	for i := 0; i < nPages; i++ {
		start := h.oldStart + Addr(i*cfg.PageWords)
		h.pages[i] = &page{index: i, start: start, alloc: start}
		h.freePages = append(h.freePages, i)
	}

	h.losFree = []span{{start: h.losStart, words: cfg.LargeSpaceWords}}

	h.cards = newCardTable(h.oldStart, h.losEnd, cfg.CardWords)
	h.Globals = newGlobalRoots()
	h.handles = newHandleTable(h)
	h.weaks = newWeakTable()
	h.mutator = newMutator(h, cfg.MaxFrameDepth)
	h.pacer.init(cfg)
	h.collector = newCollector(h)

	h.phase.Store(PhaseIdle)
	return h
}

// Config returns the effective configuration.
func (h *Heap) Config() Config { return h.cfg }

// Mutator returns the heap's single mutator execution context.
func (h *Heap) Mutator() *Mutator { return h.mutator }

// Collector returns the background collector worker.
func (h *Heap) Collector() *Collector { return h.collector }

// Phase returns the collector's current phase.
func (h *Heap) Phase() int32 { return h.phase.Load() }

// ---------------------------------------------------------------------------
// Generations
// ---------------------------------------------------------------------------

type generation uint8

const (
	genNone generation = iota
	genStack
	genNursery
	genOld
	genLarge
)

// generationOf classifies an address by region. The nursery test covers
// both semispaces: during a minor cycle from-space addresses are still
// nursery addresses.
func (h *Heap) generationOf(a Addr) generation {
	switch {
	case a >= h.stackStart && a < h.stackEnd:
		return genStack
	case a >= h.nurA && a < h.nurB+Addr(h.nurWords):
		return genNursery
	case a >= h.oldStart && a < h.oldEnd:
		return genOld
	case a >= h.losStart && a < h.losEnd:
		return genLarge
	default:
		return genNone
	}
}

// InNursery reports whether a is a young-generation address.
func (h *Heap) InNursery(a Addr) bool { return h.generationOf(a) == genNursery }

// InOld reports whether a is an old-generation address.
func (h *Heap) InOld(a Addr) bool { return h.generationOf(a) == genOld }

// inFromSpace reports whether a lies in the active nursery semispace.
func (h *Heap) inFromSpace(a Addr) bool {
	return a >= h.fromBase && a < h.fromBase+Addr(h.nurWords)
}

// pageOf returns the page containing an old-generation address, or nil.
func (h *Heap) pageOf(a Addr) *page {
	if !h.InOld(a) {
		return nil
	}
	return h.pages[int(a-h.oldStart)/h.cfg.PageWords]
}

// ---------------------------------------------------------------------------
// Usage accounting
// ---------------------------------------------------------------------------

// NurseryFree returns the words left in the active nursery semispace.
func (h *Heap) NurseryFree() int {
	return int(h.nurLimit - h.nurAlloc)
}

// OldFreePages returns the number of free old-generation pages.
func (h *Heap) OldFreePages() int {
	return len(h.freePages)
}

// oldOccupancy returns the fraction of old-generation pages in use.
func (h *Heap) oldOccupancy() float64 {
	if len(h.pages) == 0 {
		return 0
	}
	return 1 - float64(len(h.freePages))/float64(len(h.pages))
}

// Stats returns a point-in-time copy of the lifetime counters.
func (h *Heap) Stats() HeapStats {
	return HeapStats{
		MinorCycles:    h.stats.minorCycles.Load(),
		MajorCycles:    h.stats.majorCycles.Load(),
		AllocatedWords: h.stats.allocated.Load(),
		PromotedWords:  h.stats.promoted.Load(),
		EvacuatedWords: h.stats.evacuated.Load(),
		SweptLarge:     h.stats.sweptLarge.Load(),
		CompactedPages: h.stats.compactedPages.Load(),
		FreePages:      len(h.freePages),
		NurseryFree:    h.NurseryFree(),
	}
}

// HeapStats is a snapshot of lifetime heap counters.
type HeapStats struct {
	MinorCycles    uint64
	MajorCycles    uint64
	AllocatedWords uint64
	PromotedWords  uint64
	EvacuatedWords uint64
	SweptLarge     uint64
	CompactedPages uint64
	FreePages      int
	NurseryFree    int
}
