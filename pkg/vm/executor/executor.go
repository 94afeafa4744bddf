// Package executor runs stored programs on the sequential engine or the lane
// model and records every run.
//
// Infrastructure problems (unknown program, no backend, storage failures)
// are returned as errors. Problems with the run itself (faults, rejected
// kernels or launches) are reported in the ExecutionResult and recorded.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tliron/commonlog"

	"github.com/fortiblox/lanevm/internal/types"
	"github.com/fortiblox/lanevm/pkg/programs"
	"github.com/fortiblox/lanevm/pkg/runstore"
	"github.com/fortiblox/lanevm/pkg/vm"
	"github.com/fortiblox/lanevm/pkg/vm/bytecode"
	"github.com/fortiblox/lanevm/pkg/vm/device"
	"github.com/fortiblox/lanevm/pkg/vm/interp"
	"github.com/fortiblox/lanevm/pkg/vm/lanes"
	"github.com/fortiblox/lanevm/pkg/vm/loader"
)

var log = commonlog.GetLogger("lanevm.executor")

// Executor errors.
var (
	ErrProgramNotFound   = errors.New("program not found")
	ErrProgramLoadFailed = errors.New("program load failed")
	ErrNoBackend         = errors.New("no lane backend configured")
	ErrInvalidRequest    = errors.New("invalid execution request")
)

// Config holds execution defaults applied when a request leaves a field zero.
type Config struct {
	StackSize int
	HeapSize  int
	MaxSteps  uint64
	Placement device.Placement
	GroupSize int

	// CacheSize bounds the loaded program cache. 0 disables caching.
	CacheSize int
}

// DefaultConfig returns the default executor configuration.
func DefaultConfig() Config {
	return Config{
		StackSize: vm.StackSizeDefault,
		HeapSize:  vm.HeapSizeDefault,
		Placement: device.PlacementPrivate,
		CacheSize: 256,
	}
}

// SequentialRequest runs a program on the sequential engine.
type SequentialRequest struct {
	Program   types.ProgramID
	StackSize int
	HeapSize  int
	Heap      []int32 // initial contents; shorter than the heap leaves zeros
	InitHeap  bool    // iota-fill the heap instead of using Heap
	Trace     bool
	MaxSteps  uint64

	// Device runs the program as a single-lane sequential kernel on the
	// backend instead of the host engine.
	Device    bool
	Placement *device.Placement
}

// LaneRequest runs a program over many lanes.
type LaneRequest struct {
	Program   types.ProgramID
	Lanes     int
	GroupSize int
	StackSize int
	HeapSize  int
	HeapCount int
	Heaps     [][]int32 // initial contents by selector
	InitHeaps bool      // iota-fill every heap instead of using Heaps
	Placement *device.Placement
	Trace     bool
	MaxSteps  uint64
}

// FaultInfo describes one fault in a result.
type FaultInfo struct {
	Lane     int32  `json:"lane"`
	IP       int    `json:"ip"`
	Mnemonic string `json:"opcode,omitempty"`
	Kind     string `json:"kind"`
	Message  string `json:"message"`
}

// ExecutionResult contains the result of one run.
type ExecutionResult struct {
	// RunID identifies the stored run record, empty without a run store.
	RunID string `json:"runId,omitempty"`

	Program types.ProgramID `json:"program"`
	Mode    runstore.Mode   `json:"mode"`

	// Success indicates the program reached HALT on every lane.
	Success bool        `json:"success"`
	Error   string      `json:"error,omitempty"`
	Faults  []FaultInfo `json:"faults,omitempty"`

	Printed [][]int32     `json:"printed,omitempty"` // one row per lane; one row for sequential runs
	Steps   uint64        `json:"steps"`
	Elapsed time.Duration `json:"elapsedNs"`
	Groups  int           `json:"groups,omitempty"`
	Heaps   [][]int32     `json:"heaps,omitempty"`
	Trace   []string      `json:"trace,omitempty"`
}

// Executor runs stored programs.
type Executor struct {
	config  Config
	db      programs.DB
	backend device.Backend
	runs    runstore.Store

	mu    sync.Mutex
	cache map[types.ProgramID]*loader.Image
}

// New creates an executor. backend and runs may be nil: without a backend
// lane runs fail with ErrNoBackend, without a run store nothing is recorded.
func New(config Config, db programs.DB, backend device.Backend, runs runstore.Store) *Executor {
	return &Executor{
		config:  config,
		db:      db,
		backend: backend,
		runs:    runs,
		cache:   make(map[types.ProgramID]*loader.Image),
	}
}

// Backend returns the lane backend, or nil.
func (e *Executor) Backend() device.Backend {
	return e.backend
}

// Deploy stores an image and returns its ID.
func (e *Executor) Deploy(img *loader.Image) (types.ProgramID, error) {
	id, err := e.db.Put(img)
	if err != nil {
		return types.ProgramID{}, err
	}
	e.remember(id, img)
	return id, nil
}

// Program returns a stored program.
func (e *Executor) Program(id types.ProgramID) (*loader.Image, error) {
	return e.loadProgram(id)
}

// loadProgram loads a program from the registry, through the cache.
func (e *Executor) loadProgram(id types.ProgramID) (*loader.Image, error) {
	e.mu.Lock()
	img, ok := e.cache[id]
	e.mu.Unlock()
	if ok {
		return img, nil
	}

	img, err := e.db.Get(id)
	if errors.Is(err, programs.ErrProgramNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrProgramNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrProgramLoadFailed, id, err)
	}
	e.remember(id, img)
	return img, nil
}

func (e *Executor) remember(id types.ProgramID, img *loader.Image) {
	if e.config.CacheSize <= 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.cache) >= e.config.CacheSize {
		e.cache = make(map[types.ProgramID]*loader.Image)
	}
	e.cache[id] = img
}

// ClearCache clears the program cache.
func (e *Executor) ClearCache() {
	e.mu.Lock()
	e.cache = make(map[types.ProgramID]*loader.Image)
	e.mu.Unlock()
}

// RunSequential executes a stored program on the sequential engine.
func (e *Executor) RunSequential(ctx context.Context, req SequentialRequest) (*ExecutionResult, error) {
	img, err := e.loadProgram(req.Program)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	opts := interp.Options{
		StackSize: pick(req.StackSize, e.config.StackSize),
		HeapSize:  pick(req.HeapSize, pick(e.config.HeapSize, vm.HeapSizeDefault)),
		MaxSteps:  req.MaxSteps,
	}
	if opts.MaxSteps == 0 {
		opts.MaxSteps = e.config.MaxSteps
	}
	if opts.HeapSize < 0 || opts.HeapSize > vm.HeapSizeMax {
		return nil, fmt.Errorf("%w: heap size %d", ErrInvalidRequest, opts.HeapSize)
	}
	if len(req.Heap) > opts.HeapSize {
		return nil, fmt.Errorf("%w: %d heap values for %d cells", ErrInvalidRequest, len(req.Heap), opts.HeapSize)
	}
	if req.Device {
		return e.runSequentialKernel(ctx, img, req, opts)
	}

	var tracer *interp.RecordingTracer
	if req.Trace {
		tracer = &interp.RecordingTracer{}
		opts.Tracer = tracer
	}

	result := &ExecutionResult{Program: req.Program, Mode: runstore.ModeSequential}
	m, err := interp.NewMachine(img.Program, img.Entry, opts)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if req.InitHeap {
		m.InitHeap()
	} else {
		copy(m.Heap(), req.Heap)
	}

	start := time.Now()
	res, runErr := m.Run()
	result.Elapsed = time.Since(start)
	result.Steps = m.Steps()
	result.Heaps = [][]int32{[]int32(m.Heap().Clone())}
	if tracer != nil {
		result.Trace = tracer.Lines()
	}

	if runErr != nil {
		e.fail(result, runErr)
	} else {
		result.Success = true
		result.Printed = [][]int32{res.Printed}
	}

	e.record(result, runstore.Record{})
	return result, nil
}

// runSequentialKernel runs a sequential program as a one-lane kernel on the
// backend.
func (e *Executor) runSequentialKernel(ctx context.Context, img *loader.Image, req SequentialRequest, opts interp.Options) (*ExecutionResult, error) {
	if e.backend == nil {
		return nil, ErrNoBackend
	}
	placement := e.config.Placement
	if req.Placement != nil {
		placement = *req.Placement
	}

	heap := interp.NewHeap(opts.HeapSize)
	if req.InitHeap {
		heap.Iota()
	} else {
		copy(heap, req.Heap)
	}

	result := &ExecutionResult{Program: req.Program, Mode: runstore.ModeSequential}
	rec := runstore.Record{
		Platform:  e.backend.Name(),
		Placement: placement.String(),
		Lanes:     1,
		GroupSize: 1,
	}

	h, err := e.backend.Prepare(ctx, device.Kernel{
		Program:        img.Program,
		Entry:          img.Entry,
		Mode:           bytecode.ModeSequential,
		StackSize:      opts.StackSize,
		HeapCapacities: []int{opts.HeapSize},
		Placement:      placement,
		Trace:          req.Trace,
		MaxSteps:       opts.MaxSteps,
	})
	if infrastructure(err) {
		return nil, err
	}
	if err != nil {
		e.fail(result, err)
		e.record(result, rec)
		return result, nil
	}
	defer func() {
		if err := e.backend.Release(h); err != nil {
			log.Warningf("Failed to release kernel %s: %v", h.ID, err)
		}
	}()

	c, err := e.backend.Execute(ctx, h, device.Launch{Heaps: [][]int32{[]int32(heap)}, Lanes: 1, GroupSize: 1})
	if infrastructure(err) {
		return nil, err
	}
	if err != nil {
		e.fail(result, err)
	} else {
		result.Success = true
		result.Elapsed = c.Elapsed
		result.Steps = c.Steps
		result.Groups = c.Groups
		result.Trace = c.Trace
		result.Heaps = c.Heaps
		if len(c.Printed) > 0 {
			result.Printed = [][]int32{c.Printed[0]}
		}
	}

	e.record(result, rec)
	return result, nil
}

// RunLanes executes a stored program over req.Lanes lanes on the backend.
func (e *Executor) RunLanes(ctx context.Context, req LaneRequest) (*ExecutionResult, error) {
	if e.backend == nil {
		return nil, ErrNoBackend
	}
	img, err := e.loadProgram(req.Program)
	if err != nil {
		return nil, err
	}

	heapSize := req.HeapSize
	if heapSize == 0 {
		for _, h := range req.Heaps {
			heapSize = max(heapSize, len(h))
		}
	}
	if heapSize == 0 {
		heapSize = e.config.HeapSize
	}
	heapCount := req.HeapCount
	if heapCount == 0 && len(req.Heaps) > 0 {
		heapCount = len(req.Heaps)
	}
	if heapCount != 0 && len(req.Heaps) > heapCount {
		return nil, fmt.Errorf("%w: %d heaps for a set of %d", ErrInvalidRequest, len(req.Heaps), heapCount)
	}
	placement := e.config.Placement
	if req.Placement != nil {
		placement = *req.Placement
	}
	maxSteps := req.MaxSteps
	if maxSteps == 0 {
		maxSteps = e.config.MaxSteps
	}

	engine, err := lanes.New(img.Program, img.Entry, lanes.Config{
		StackSize: pick(req.StackSize, e.config.StackSize),
		HeapCount: heapCount,
		HeapSize:  heapSize,
		Placement: placement,
		Trace:     req.Trace,
		MaxSteps:  maxSteps,
		Backend:   e.backend,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	defer engine.Close()

	if req.InitHeaps {
		engine.InitHeaps()
	} else {
		for sel, h := range req.Heaps {
			if err := engine.SetHeap(sel, h); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
			}
		}
	}

	groupSize := req.GroupSize
	if groupSize == 0 {
		groupSize = e.config.GroupSize
		if groupSize > 0 && req.Lanes%groupSize != 0 {
			groupSize = 0
		}
	}

	result := &ExecutionResult{Program: req.Program, Mode: runstore.ModeLanes}
	out, runErr := engine.Run(ctx, req.Lanes, groupSize)
	if infrastructure(runErr) {
		return nil, runErr
	}
	if runErr != nil {
		e.fail(result, runErr)
	} else {
		result.Success = true
		result.Elapsed = out.Elapsed
		result.Printed = out.Printed
		result.Steps = out.Steps
		result.Groups = out.Groups
		result.Trace = out.Trace
		result.Heaps = engine.Heaps()
	}

	e.record(result, runstore.Record{
		Platform:  e.backend.Name(),
		Placement: placement.String(),
		Lanes:     req.Lanes,
		GroupSize: groupSize,
	})
	return result, nil
}

// infrastructure reports whether err is a backend or context failure rather
// than a problem with the run.
func infrastructure(err error) bool {
	return errors.Is(err, device.ErrBackendUnavailable) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// fail fills the error fields of result from err.
func (e *Executor) fail(result *ExecutionResult, err error) {
	result.Success = false
	result.Error = err.Error()

	var lf *device.LaneFaultError
	switch {
	case errors.As(err, &lf):
		for _, f := range lf.Faults {
			result.Faults = append(result.Faults, faultInfo(f))
		}
	default:
		if f, ok := interp.AsFault(err); ok {
			result.Faults = []FaultInfo{faultInfo(f)}
		}
	}
}

func faultInfo(f *interp.Fault) FaultInfo {
	return FaultInfo{
		Lane:     f.Lane,
		IP:       f.IP,
		Mnemonic: f.Mnemonic,
		Kind:     interp.Kind(f.Err),
		Message:  f.Error(),
	}
}

// record stores the run when a run store is configured. Storage failures
// are logged; the result is still returned.
func (e *Executor) record(result *ExecutionResult, rec runstore.Record) {
	if e.runs == nil {
		return
	}
	rec.Program = result.Program
	rec.Mode = result.Mode
	rec.Elapsed = result.Elapsed
	rec.Steps = result.Steps
	rec.Printed = result.Printed
	rec.Error = result.Error
	switch {
	case result.Success:
		rec.Status = runstore.StatusOK
	case len(result.Faults) > 0:
		rec.Status = runstore.StatusFaulted
	default:
		rec.Status = runstore.StatusFailed
	}

	stored, err := e.runs.PutRun(&rec)
	if err != nil {
		log.Warningf("Failed to record run of %s: %v", result.Program, err)
		return
	}
	result.RunID = stored.ID
	log.Debugf("Recorded %s run %s of %s (%s)", rec.Mode, stored.ID, result.Program, rec.Status)
}

// Disassemble renders a stored program.
func (e *Executor) Disassemble(id types.ProgramID) (string, error) {
	img, err := e.loadProgram(id)
	if err != nil {
		return "", err
	}
	return bytecode.Disassemble(bytecode.NewTable(), img.Program), nil
}

func pick(v, def int) int {
	if v != 0 {
		return v
	}
	return def
}
