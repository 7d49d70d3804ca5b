// rillheap - standalone driver for the Rill memory manager: allocation
// stress runs, statistics, and snapshot capture/verification.
package main

import (
	"flag"
	"fmt"
	"math/rand"
	"os"

	"github.com/tliron/commonlog"

	"github.com/rill-lang/rill/config"
	"github.com/rill-lang/rill/heap"
	"github.com/rill-lang/rill/heapdump"

	_ "github.com/tliron/commonlog/simple"
)

func main() {
	verbosity := flag.Int("v", 0, "Log verbosity (0 = quiet)")
	iterations := flag.Int("n", 100000, "Stress iterations")
	snapshotPath := flag.String("snapshot", "", "Write a CBOR heap snapshot to this path after the run")
	verifyPath := flag.String("verify", "", "Verify an existing snapshot file and exit")
	worker := flag.Bool("worker", true, "Run the background collector worker during the stress run")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: rillheap [options]\n\n")
		fmt.Fprintf(os.Stderr, "Exercises the Rill heap and reports collection statistics.\n")
		fmt.Fprintf(os.Stderr, "Configuration is read from rill.toml (searched upward from the\n")
		fmt.Fprintf(os.Stderr, "working directory); flags override nothing in the file.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  rillheap -n 1000000              # Long stress run\n")
		fmt.Fprintf(os.Stderr, "  rillheap -snapshot out.cbor      # Capture a snapshot afterwards\n")
		fmt.Fprintf(os.Stderr, "  rillheap -verify out.cbor        # Check a snapshot's invariants\n")
	}
	flag.Parse()

	commonlog.Configure(*verbosity, nil)

	if *verifyPath != "" {
		os.Exit(runVerify(*verifyPath))
	}

	cfg := heap.DefaultConfig()
	interval := heap.DefaultCollectInterval
	if rt, err := config.FindAndLoad("."); err != nil {
		fmt.Fprintf(os.Stderr, "Error loading rill.toml: %v\n", err)
		os.Exit(1)
	} else if rt != nil {
		cfg = rt.HeapConfig()
		interval = rt.CollectInterval()
	}

	h := heap.New(cfg)
	if *worker {
		h.Collector().Interval = interval
		h.Collector().Start()
		defer h.Collector().Stop()
	}

	if err := stress(h, *iterations); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	printStats(h)

	if *snapshotPath != "" {
		if err := heapdump.WriteFile(h, *snapshotPath); err != nil {
			fmt.Fprintf(os.Stderr, "Error writing snapshot: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("snapshot written to %s\n", *snapshotPath)
	}
}

// stress churns the heap: short-lived arrays, a long-lived linked
// structure rooted in a global, occasional large objects, and pinned
// handles that come and go.
func stress(h *heap.Heap, n int) error {
	rng := rand.New(rand.NewSource(1))
	m := h.Mutator()

	f, err := m.PushFrame(4)
	if err != nil {
		return err
	}
	defer m.PopFrame()

	// Raw addresses go stale at every allocation and safepoint poll, so
	// the working object lives in frame slot 0 and is re-read from there
	// after each relocation point.
	var pinned []heap.Handle
	for i := 0; i < n; i++ {
		size := 1 + rng.Intn(16)
		a, err := h.AllocateArray(size)
		if err != nil {
			return fmt.Errorf("iteration %d: %w", i, err)
		}
		f.Set(0, heap.FromRef(a))

		// Every 64th object joins a global list and survives.
		if i%64 == 0 {
			cell, err := h.AllocateArray(2)
			if err != nil {
				return fmt.Errorf("iteration %d: %w", i, err)
			}
			h.StoreField(cell, 0, f.Get(0))
			head, _ := h.Globals.Get("stress.list")
			h.StoreField(cell, 1, head)
			h.Globals.Bind("stress.list", heap.FromRef(cell))
		}

		// Occasional large object, dropped immediately.
		if i%997 == 0 {
			if _, err := h.AllocateBytes(h.Config().LargeObjectWords + rng.Intn(256)); err != nil {
				return fmt.Errorf("iteration %d: %w", i, err)
			}
		}

		// Pin a few objects for a while, then let them go.
		if i%513 == 0 {
			hd, err := h.Pin(f.Get(0).Ref())
			if err != nil {
				return fmt.Errorf("iteration %d: %w", i, err)
			}
			pinned = append(pinned, hd)
			if len(pinned) > 8 {
				h.Unpin(pinned[0])
				h.Release(pinned[0])
				pinned = pinned[1:]
			}
		}

		h.SafepointPoll()
	}

	for _, hd := range pinned {
		h.Unpin(hd)
		h.Release(hd)
	}
	return nil
}

func printStats(h *heap.Heap) {
	st := h.Stats()
	fmt.Printf("minor cycles:    %d\n", st.MinorCycles)
	fmt.Printf("major cycles:    %d\n", st.MajorCycles)
	fmt.Printf("allocated words: %d\n", st.AllocatedWords)
	fmt.Printf("promoted words:  %d\n", st.PromotedWords)
	fmt.Printf("evacuated words: %d\n", st.EvacuatedWords)
	fmt.Printf("swept large:     %d\n", st.SweptLarge)
	fmt.Printf("compacted pages: %d\n", st.CompactedPages)
	fmt.Printf("free pages:      %d\n", st.FreePages)
	if c := h.LastCycle(); c != nil {
		fmt.Printf("last cycle:      %s %s (%s)\n", c.Kind, c.ID, c.Duration)
	}
}

func runVerify(path string) int {
	s, err := heapdump.ReadFile(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading snapshot: %v\n", err)
		return 1
	}
	violations := s.Verify()
	if len(violations) == 0 {
		fmt.Printf("%s: %d objects, %d roots, no violations\n", path, len(s.Objects), len(s.Roots))
		return 0
	}
	for _, v := range violations {
		fmt.Fprintln(os.Stderr, v)
	}
	return 1
}
