// Package device defines the boundary between the lane execution model and
// the hardware (or emulation) that runs lanes.
//
// A Backend turns a kernel (program source, prebuilt image or decoded
// program) into a prepared Handle, then executes launches against it. A
// launch carries the heap contents and a lane count; the completion carries
// the updated heaps and the kernel time. Backend failures are fatal to the
// call that raised them and leave no partial results.
package device

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fortiblox/lanevm/pkg/vm"
	"github.com/fortiblox/lanevm/pkg/vm/bytecode"
	"github.com/fortiblox/lanevm/pkg/vm/interp"
)

var (
	// ErrBackendUnavailable is returned when no platform can serve a request.
	ErrBackendUnavailable = errors.New("backend unavailable")

	// ErrCompileFailure is returned when a kernel cannot be prepared.
	ErrCompileFailure = errors.New("kernel compile failure")

	// ErrLaunchFailure is returned when a launch is rejected or cannot run.
	ErrLaunchFailure = errors.New("launch failure")

	// ErrLaneFault is matched by LaneFaultError.
	ErrLaneFault = errors.New("lane fault")
)

// Backend executes kernels over many lanes.
type Backend interface {
	// Name identifies the platform.
	Name() string

	// Prepare compiles a kernel and returns a handle for launches.
	Prepare(ctx context.Context, k Kernel) (Handle, error)

	// Execute runs one launch against a prepared kernel.
	Execute(ctx context.Context, h Handle, l Launch) (*Completion, error)

	// Release frees a prepared kernel.
	Release(h Handle) error
}

// Kernel is a program reference plus the memory layout it runs with.
// Exactly one of Source, Binary or Program must be set.
//
// Mode selects the opcode set. Zero means bytecode.ModeLane. A
// bytecode.ModeSequential kernel runs the full scalar opcode set as a
// single work item over exactly one heap.
type Kernel struct {
	Source  string            `cbor:"1,keyasint,omitempty"` // assembly text
	Binary  []byte            `cbor:"2,keyasint,omitempty"` // loader image
	Program *bytecode.Program `cbor:"-"`                    // already decoded
	Entry   int               `cbor:"3,keyasint"`

	StackSize      int       `cbor:"4,keyasint"` // cells per lane
	HeapCapacities []int     `cbor:"5,keyasint"` // cells per heap, by selector
	Placement      Placement `cbor:"6,keyasint"`
	Trace          bool      `cbor:"7,keyasint,omitempty"`
	MaxSteps       uint64    `cbor:"8,keyasint,omitempty"` // per lane; 0 is unlimited

	Mode bytecode.Mode `cbor:"9,keyasint,omitempty"`
}

// Sequential reports whether the kernel runs in sequential mode.
func (k *Kernel) Sequential() bool {
	return k.Mode == bytecode.ModeSequential
}

// Handle references a prepared kernel on one backend.
type Handle struct {
	ID      string `cbor:"1,keyasint"`
	Backend string `cbor:"2,keyasint"`
}

// Launch is one execution request.
type Launch struct {
	Heaps     [][]int32 `cbor:"1,keyasint"` // input contents, by selector
	Lanes     int       `cbor:"2,keyasint"`
	GroupSize int       `cbor:"3,keyasint,omitempty"` // 0 selects the backend default
}

// Completion is the result of a successful launch.
type Completion struct {
	Heaps   [][]int32     `cbor:"1,keyasint"`
	Elapsed time.Duration `cbor:"2,keyasint"` // kernel time only
	Printed [][]int32     `cbor:"3,keyasint,omitempty"` // PRINT output by lane
	Steps   uint64        `cbor:"4,keyasint"`           // instructions over all lanes
	Groups  int           `cbor:"5,keyasint"`
	Trace   []string      `cbor:"6,keyasint,omitempty"`
}

// LaneFaultError reports the lanes that faulted during a launch.
type LaneFaultError struct {
	Faults []*interp.Fault
}

func (e *LaneFaultError) Error() string {
	if len(e.Faults) == 1 {
		return fmt.Sprintf("%v: %v", ErrLaneFault, e.Faults[0])
	}
	parts := make([]string, 0, len(e.Faults))
	for _, f := range e.Faults {
		parts = append(parts, f.Error())
	}
	return fmt.Sprintf("%v: %d lanes: %s", ErrLaneFault, len(e.Faults), strings.Join(parts, "; "))
}

// Is reports whether target is ErrLaneFault.
func (e *LaneFaultError) Is(target error) bool {
	return target == ErrLaneFault
}

// Unwrap exposes the individual lane faults.
func (e *LaneFaultError) Unwrap() []error {
	out := make([]error, len(e.Faults))
	for i, f := range e.Faults {
		out[i] = f
	}
	return out
}

// ValidateLaunch checks a launch against a kernel's layout and returns the
// effective group size.
func ValidateLaunch(k *Kernel, l Launch, defaultGroup, maxGroup int) (int, error) {
	if l.Lanes <= 0 || l.Lanes > vm.LanesMax {
		return 0, fmt.Errorf("%w: lane count %d", ErrLaunchFailure, l.Lanes)
	}
	if k.Sequential() && l.Lanes != 1 {
		return 0, fmt.Errorf("%w: sequential kernel launched over %d lanes", ErrLaunchFailure, l.Lanes)
	}
	stack := k.StackSize
	if stack == 0 {
		stack = vm.StackSizeDefault
	}
	if stack*l.Lanes > vm.StackCellsMax {
		return 0, fmt.Errorf("%w: %d lanes of %d stack cells exceed %d", ErrLaunchFailure, l.Lanes, stack, vm.StackCellsMax)
	}
	if len(l.Heaps) != len(k.HeapCapacities) {
		return 0, fmt.Errorf("%w: %d heaps supplied, kernel has %d", ErrLaunchFailure, len(l.Heaps), len(k.HeapCapacities))
	}
	for i, h := range l.Heaps {
		if len(h) != k.HeapCapacities[i] {
			return 0, fmt.Errorf("%w: heap %d has %d cells, kernel expects %d", ErrLaunchFailure, i, len(h), k.HeapCapacities[i])
		}
	}

	group := l.GroupSize
	if group < 0 {
		return 0, fmt.Errorf("%w: group size %d", ErrLaunchFailure, group)
	}
	if group == 0 {
		group = defaultGroup
		if group <= 0 || group > l.Lanes || l.Lanes%group != 0 {
			group = l.Lanes
			if maxGroup > 0 && group > maxGroup {
				group = largestDivisor(l.Lanes, maxGroup)
			}
		}
		return group, nil
	}
	if maxGroup > 0 && group > maxGroup {
		return 0, fmt.Errorf("%w: group size %d exceeds device maximum %d", ErrLaunchFailure, group, maxGroup)
	}
	if l.Lanes%group != 0 {
		return 0, fmt.Errorf("%w: %d lanes not divisible by group size %d", ErrLaunchFailure, l.Lanes, group)
	}
	return group, nil
}

// largestDivisor returns the largest divisor of n that is at most limit.
func largestDivisor(n, limit int) int {
	for d := limit; d > 1; d-- {
		if n%d == 0 {
			return d
		}
	}
	return 1
}
