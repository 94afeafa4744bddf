// Package cpu is an in-process device backend. Lanes are partitioned into
// work-groups; each group runs on one goroutine, lanes within a group run in
// lane order, and at most Workers groups run at once. A sequential kernel is
// one group of one lane whose machine owns heap 0.
package cpu

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/tliron/commonlog"
	"golang.org/x/sync/errgroup"

	"github.com/fortiblox/lanevm/pkg/vm/bytecode"
	"github.com/fortiblox/lanevm/pkg/vm/device"
	"github.com/fortiblox/lanevm/pkg/vm/interp"
)

// Name is the platform name of this backend.
const Name = "cpu"

var log = commonlog.GetLogger("lanevm.device.cpu")

// Config configures the backend.
type Config struct {
	Workers          int // concurrent work-groups; 0 uses GOMAXPROCS
	DefaultGroupSize int // used when a launch leaves GroupSize at 0
	MaxGroupSize     int // 0 is unbounded
}

// DefaultConfig returns the default backend configuration.
func DefaultConfig() Config {
	return Config{
		Workers:          runtime.GOMAXPROCS(0),
		DefaultGroupSize: 64,
		MaxGroupSize:     1024,
	}
}

// Backend runs kernels on host goroutines.
type Backend struct {
	config Config
	table  *bytecode.Table

	mu      sync.RWMutex
	kernels map[string]*device.Compiled
}

// New creates a CPU backend.
func New(config Config) *Backend {
	if config.Workers <= 0 {
		config.Workers = runtime.GOMAXPROCS(0)
	}
	return &Backend{
		config:  config,
		table:   bytecode.NewTable(),
		kernels: make(map[string]*device.Compiled),
	}
}

// Name implements device.Backend.
func (b *Backend) Name() string {
	return Name
}

// Prepare implements device.Backend.
func (b *Backend) Prepare(ctx context.Context, k device.Kernel) (device.Handle, error) {
	if err := ctx.Err(); err != nil {
		return device.Handle{}, fmt.Errorf("%w: %v", device.ErrBackendUnavailable, err)
	}
	compiled, err := device.Compile(b.table, k)
	if err != nil {
		return device.Handle{}, err
	}

	h := device.Handle{ID: uuid.NewString(), Backend: Name}
	b.mu.Lock()
	b.kernels[h.ID] = compiled
	b.mu.Unlock()

	log.Debugf("Prepared %s kernel %s (%d words, %d heaps, %s placement)",
		compiled.Kernel.Mode, h.ID, compiled.Program.Len(), len(compiled.Kernel.HeapCapacities), compiled.Kernel.Placement)
	return h, nil
}

// Release implements device.Backend.
func (b *Backend) Release(h device.Handle) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.kernels[h.ID]; !ok {
		return fmt.Errorf("%w: unknown handle %s", device.ErrLaunchFailure, h.ID)
	}
	delete(b.kernels, h.ID)
	return nil
}

// Kernels returns the number of prepared kernels.
func (b *Backend) Kernels() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.kernels)
}

// Execute implements device.Backend.
func (b *Backend) Execute(ctx context.Context, h device.Handle, l device.Launch) (*device.Completion, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", device.ErrLaunchFailure, err)
	}

	b.mu.RLock()
	compiled, ok := b.kernels[h.ID]
	b.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: unknown handle %s", device.ErrLaunchFailure, h.ID)
	}
	k := &compiled.Kernel

	group, err := device.ValidateLaunch(k, l, b.config.DefaultGroupSize, b.config.MaxGroupSize)
	if err != nil {
		return nil, err
	}

	// Host to device.
	heaps := make([]interp.Heap, len(l.Heaps))
	for i, src := range l.Heaps {
		heaps[i] = interp.Heap(src).Clone()
	}

	var tracer *interp.RecordingTracer
	if k.Trace {
		tracer = &interp.RecordingTracer{}
	}

	groups := l.Lanes / group
	stacks := newStackAllocator(k.Placement, k.StackSize, l.Lanes, group)
	printed := make([][]int32, l.Lanes)
	var steps atomic.Uint64
	var faultMu sync.Mutex
	var faults []*interp.Fault

	start := time.Now()

	g := new(errgroup.Group)
	g.SetLimit(b.config.Workers)
	for gi := 0; gi < groups; gi++ {
		gi := gi
		g.Go(func() error {
			groupStack := stacks.group()
			for li := 0; li < group; li++ {
				lane := gi*group + li
				opts := interp.Options{
					Table:    b.table,
					Stack:    stacks.lane(groupStack, lane, li),
					MaxSteps: k.MaxSteps,
				}
				if k.Sequential() {
					opts.Heap = heaps[0]
				} else {
					opts.Lane = &interp.Lane{ID: int32(lane), Heaps: heaps}
				}
				m, err := interp.NewMachine(compiled.Program, compiled.Entry, opts)
				if err != nil {
					return fmt.Errorf("%w: lane %d: %v", device.ErrLaunchFailure, lane, err)
				}
				if tracer != nil {
					m.EnableTrace(tracer)
				}
				res, err := m.Run()
				steps.Add(m.Steps())
				if err != nil {
					f, ok := interp.AsFault(err)
					if !ok {
						return fmt.Errorf("%w: lane %d: %v", device.ErrLaunchFailure, lane, err)
					}
					faultMu.Lock()
					faults = append(faults, f)
					faultMu.Unlock()
					continue
				}
				printed[lane] = res.Printed
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	elapsed := time.Since(start)

	if len(faults) > 0 {
		sort.Slice(faults, func(i, j int) bool { return faults[i].Lane < faults[j].Lane })
		log.Debugf("Kernel %s: %d of %d lanes faulted", h.ID, len(faults), l.Lanes)
		return nil, &device.LaneFaultError{Faults: faults}
	}

	// Device to host.
	out := make([][]int32, len(heaps))
	for i, hp := range heaps {
		out[i] = []int32(hp)
	}

	c := &device.Completion{
		Heaps:   out,
		Elapsed: elapsed,
		Printed: printed,
		Steps:   steps.Load(),
		Groups:  groups,
	}
	if tracer != nil {
		c.Trace = tracer.Lines()
	}
	return c, nil
}
