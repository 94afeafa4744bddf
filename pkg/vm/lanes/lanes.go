// Package lanes implements the lane execution model: one program run by many
// lanes, each with its own instruction pointer and stack, over a shared set
// of named heaps. Lanes learn their id through THREAD_ID and address heaps
// by selector through the PARALLEL_* instructions.
//
// The engine owns the heap set and hands it to a device backend for each
// run. Heaps are committed back only when every lane halts.
package lanes

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fortiblox/lanevm/pkg/vm"
	"github.com/fortiblox/lanevm/pkg/vm/bytecode"
	"github.com/fortiblox/lanevm/pkg/vm/device"
	"github.com/fortiblox/lanevm/pkg/vm/interp"
)

var (
	// ErrNoBackend is returned by Run on an engine without a backend.
	ErrNoBackend = errors.New("lane engine has no backend")

	// ErrHeapSelector is returned for a selector outside the heap set.
	ErrHeapSelector = errors.New("heap selector out of range")
)

// Config configures an Engine.
type Config struct {
	StackSize int              // cells per lane; 0 selects vm.StackSizeDefault
	HeapCount int              // heaps in the set; 0 selects vm.HeapCount
	HeapSize  int              // cells per heap; 0 selects vm.HeapSizeDefault
	Placement device.Placement // lane stack placement
	Trace     bool             // collect per-lane trace lines
	MaxSteps  uint64           // per lane; 0 is unlimited
	Backend   device.Backend
}

// Outcome describes one completed run.
type Outcome struct {
	Elapsed time.Duration // kernel time reported by the backend
	Printed [][]int32     // PRINT output by lane
	Steps   uint64        // instructions executed over all lanes
	Groups  int
	Trace   []string
}

// Engine runs a program over many lanes.
type Engine struct {
	program *bytecode.Program
	entry   int
	config  Config
	heaps   []interp.Heap

	handle   device.Handle
	prepared bool
}

// New creates a lane engine with zeroed heaps.
func New(program *bytecode.Program, entry int, config Config) (*Engine, error) {
	if err := program.CheckEntry(entry); err != nil {
		return nil, err
	}
	if config.StackSize == 0 {
		config.StackSize = vm.StackSizeDefault
	}
	if config.HeapCount == 0 {
		config.HeapCount = vm.HeapCount
	}
	if config.HeapSize == 0 {
		config.HeapSize = vm.HeapSizeDefault
	}
	if config.HeapCount < 0 || config.HeapCount > vm.HeapCountMax ||
		config.HeapSize < 0 || config.HeapSize > vm.HeapSizeMax ||
		config.HeapCount*config.HeapSize > vm.HeapCellsMax {
		return nil, fmt.Errorf("%w: %d heaps of %d cells", interp.ErrInvalidConfig, config.HeapCount, config.HeapSize)
	}

	e := &Engine{
		program: program,
		entry:   entry,
		config:  config,
		heaps:   make([]interp.Heap, config.HeapCount),
	}
	for i := range e.heaps {
		e.heaps[i] = interp.NewHeap(config.HeapSize)
	}
	return e, nil
}

// InitHeaps sets every cell of the input heaps to its index and every cell
// of the output heap (selector vm.HeapOutput) to 1. Cells a run never writes
// keep these values.
func (e *Engine) InitHeaps() {
	for sel, h := range e.heaps {
		if sel == vm.HeapOutput {
			h.Fill(1)
			continue
		}
		h.Iota()
	}
}

// SetHeap copies values into heap sel. Cells past len(values) are zeroed.
func (e *Engine) SetHeap(sel int, values []int32) error {
	if sel < 0 || sel >= len(e.heaps) {
		return fmt.Errorf("%w: %d", ErrHeapSelector, sel)
	}
	if len(values) > len(e.heaps[sel]) {
		return fmt.Errorf("%w: %d values for %d cells", interp.ErrHeapIndexOutOfRange, len(values), len(e.heaps[sel]))
	}
	h := e.heaps[sel]
	n := copy(h, values)
	for i := n; i < len(h); i++ {
		h[i] = 0
	}
	return nil
}

// Heap returns a copy of heap sel.
func (e *Engine) Heap(sel int) ([]int32, error) {
	if sel < 0 || sel >= len(e.heaps) {
		return nil, fmt.Errorf("%w: %d", ErrHeapSelector, sel)
	}
	return []int32(e.heaps[sel].Clone()), nil
}

// Heaps returns copies of every heap.
func (e *Engine) Heaps() [][]int32 {
	out := make([][]int32, len(e.heaps))
	for i, h := range e.heaps {
		out[i] = []int32(h.Clone())
	}
	return out
}

// Prepare compiles the program on the backend. Run calls it on demand.
func (e *Engine) Prepare(ctx context.Context) error {
	if e.prepared {
		return nil
	}
	if e.config.Backend == nil {
		return ErrNoBackend
	}
	caps := make([]int, len(e.heaps))
	for i, h := range e.heaps {
		caps[i] = len(h)
	}
	h, err := e.config.Backend.Prepare(ctx, device.Kernel{
		Program:        e.program,
		Entry:          e.entry,
		StackSize:      e.config.StackSize,
		HeapCapacities: caps,
		Placement:      e.config.Placement,
		Trace:          e.config.Trace,
		MaxSteps:       e.config.MaxSteps,
	})
	if err != nil {
		return err
	}
	e.handle = h
	e.prepared = true
	return nil
}

// Run executes lanes lanes, partitioned into groups of groupSize (0 lets the
// backend choose). Results do not depend on groupSize.
func (e *Engine) Run(ctx context.Context, lanes, groupSize int) (*Outcome, error) {
	if err := e.Prepare(ctx); err != nil {
		return nil, err
	}

	launch := device.Launch{Heaps: make([][]int32, len(e.heaps)), Lanes: lanes, GroupSize: groupSize}
	for i, h := range e.heaps {
		launch.Heaps[i] = h
	}
	c, err := e.config.Backend.Execute(ctx, e.handle, launch)
	if err != nil {
		return nil, err
	}
	if len(c.Heaps) != len(e.heaps) {
		return nil, fmt.Errorf("%w: backend returned %d heaps, want %d", device.ErrLaunchFailure, len(c.Heaps), len(e.heaps))
	}
	for i, h := range c.Heaps {
		if len(h) != len(e.heaps[i]) {
			return nil, fmt.Errorf("%w: backend returned heap %d with %d cells, want %d", device.ErrLaunchFailure, i, len(h), len(e.heaps[i]))
		}
	}
	for i, h := range c.Heaps {
		copy(e.heaps[i], h)
	}

	return &Outcome{
		Elapsed: c.Elapsed,
		Printed: c.Printed,
		Steps:   c.Steps,
		Groups:  c.Groups,
		Trace:   c.Trace,
	}, nil
}

// Close releases the prepared kernel.
func (e *Engine) Close() error {
	if !e.prepared {
		return nil
	}
	e.prepared = false
	return e.config.Backend.Release(e.handle)
}
