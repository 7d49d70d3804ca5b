// Package config handles rill.toml runtime configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/rill-lang/rill/heap"
)

// Runtime represents a rill.toml runtime configuration.
type Runtime struct {
	Heap      HeapSection      `toml:"heap"`
	Collector CollectorSection `toml:"collector"`
	Log       LogSection       `toml:"log"`

	// Dir is the directory containing the rill.toml file (set at load time).
	Dir string `toml:"-"`
}

// HeapSection sizes the managed address space. All sizes are in words.
type HeapSection struct {
	NurseryWords     int `toml:"nursery-words"`
	OldWords         int `toml:"old-words"`
	PageWords        int `toml:"page-words"`
	LargeObjectWords int `toml:"large-object-words"`
	LargeSpaceWords  int `toml:"large-space-words"`
	StackWords       int `toml:"stack-words"`
	CardWords        int `toml:"card-words"`
	MaxFrameDepth    int `toml:"max-frame-depth"`
}

// CollectorSection tunes collection behavior.
type CollectorSection struct {
	PromoteAge      int     `toml:"promote-age"`
	TriggerFraction float64 `toml:"trigger-fraction"`
	MarkBudget      int     `toml:"mark-budget"`
	IntervalMS      int     `toml:"interval-ms"`
}

// LogSection configures runtime logging.
type LogSection struct {
	Verbosity int    `toml:"verbosity"`
	Path      string `toml:"path"`
}

// Load parses a rill.toml file from the given directory.
func Load(dir string) (*Runtime, error) {
	path := filepath.Join(dir, "rill.toml")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	var r Runtime
	if err := toml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}

	r.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}
	return &r, nil
}

// FindAndLoad walks up from startDir to find a rill.toml file, then
// loads and returns the configuration. Returns nil if none is found.
func FindAndLoad(startDir string) (*Runtime, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, "rill.toml")
		if _, err := os.Stat(path); err == nil {
			return Load(dir)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached root
			return nil, nil
		}
		dir = parent
	}
}

// HeapConfig converts the loaded sections into a heap.Config. Zero
// fields keep the heap package defaults.
func (r *Runtime) HeapConfig() heap.Config {
	return heap.Config{
		NurseryWords:     r.Heap.NurseryWords,
		OldWords:         r.Heap.OldWords,
		PageWords:        r.Heap.PageWords,
		LargeObjectWords: r.Heap.LargeObjectWords,
		LargeSpaceWords:  r.Heap.LargeSpaceWords,
		StackWords:       r.Heap.StackWords,
		CardWords:        r.Heap.CardWords,
		MaxFrameDepth:    r.Heap.MaxFrameDepth,
		PromoteAge:       r.Collector.PromoteAge,
		TriggerFraction:  r.Collector.TriggerFraction,
		MarkBudget:       r.Collector.MarkBudget,
	}
}

// CollectInterval returns the collector worker step period.
func (r *Runtime) CollectInterval() time.Duration {
	if r.Collector.IntervalMS <= 0 {
		return heap.DefaultCollectInterval
	}
	return time.Duration(r.Collector.IntervalMS) * time.Millisecond
}
