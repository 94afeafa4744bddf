package interp

import (
	"errors"
	"fmt"

	"github.com/fortiblox/lanevm/pkg/vm"
	"github.com/fortiblox/lanevm/pkg/vm/bytecode"
)

// Execution faults. Every fault stops the engine (or lane) that raised it.
var (
	ErrUnknownOpcode          = bytecode.ErrUnknownOpcode
	ErrOpcodeNotAllowed       = bytecode.ErrOpcodeNotAllowed
	ErrTruncatedInstruction   = bytecode.ErrTruncatedInstruction
	ErrIPOutOfRange           = bytecode.ErrIPOutOfRange
	ErrStepLimitExceeded      = vm.ErrStepLimitExceeded
	ErrStackUnderflow         = errors.New("stack underflow")
	ErrStackOverflow          = errors.New("stack overflow")
	ErrStackIndexOutOfRange   = errors.New("stack index out of range")
	ErrHeapIndexOutOfRange    = errors.New("heap index out of range")
	ErrHeapSelectorOutOfRange = errors.New("heap selector out of range")
	ErrDivisionByZero         = errors.New("division by zero")
	ErrMalformedCallFrame     = errors.New("malformed call frame")
)

// Engine lifecycle errors.
var (
	// ErrNotRunning is returned by Run on an engine that already halted or faulted.
	ErrNotRunning = errors.New("engine is not runnable")

	// ErrInvalidConfig is returned for unusable capacities or bindings.
	ErrInvalidConfig = errors.New("invalid engine configuration")
)

// NoLane marks a fault raised by the sequential engine.
const NoLane = int32(-1)

// Fault describes where and why execution stopped.
type Fault struct {
	Err      error           // taxonomy sentinel
	Op       bytecode.Opcode // 0 when no opcode was fetched
	Mnemonic string
	IP       int   // address of the faulting instruction
	Lane     int32 // NoLane for the sequential engine
	Detail   string
}

func (f *Fault) Error() string {
	where := fmt.Sprintf("ip %d", f.IP)
	if f.Mnemonic != "" {
		where = fmt.Sprintf("%s at ip %d", f.Mnemonic, f.IP)
	}
	msg := fmt.Sprintf("%v (%s)", f.Err, where)
	if f.Detail != "" {
		msg += ": " + f.Detail
	}
	if f.Lane != NoLane {
		msg = fmt.Sprintf("lane %d: %s", f.Lane, msg)
	}
	return msg
}

func (f *Fault) Unwrap() error {
	return f.Err
}

// AsFault extracts a *Fault from err.
func AsFault(err error) (*Fault, bool) {
	var f *Fault
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}

// KindUnknown names errors outside the fault taxonomy.
const KindUnknown = "unknown"

var faultKinds = []struct {
	name string
	err  error
}{
	{"unknown_opcode", ErrUnknownOpcode},
	{"opcode_not_allowed", ErrOpcodeNotAllowed},
	{"truncated_instruction", ErrTruncatedInstruction},
	{"ip_out_of_range", ErrIPOutOfRange},
	{"step_limit_exceeded", ErrStepLimitExceeded},
	{"stack_underflow", ErrStackUnderflow},
	{"stack_overflow", ErrStackOverflow},
	{"stack_index_out_of_range", ErrStackIndexOutOfRange},
	{"heap_index_out_of_range", ErrHeapIndexOutOfRange},
	{"heap_selector_out_of_range", ErrHeapSelectorOutOfRange},
	{"division_by_zero", ErrDivisionByZero},
	{"malformed_call_frame", ErrMalformedCallFrame},
}

// Kind returns the stable snake_case name of the taxonomy sentinel err
// matches, or KindUnknown.
func Kind(err error) string {
	for _, k := range faultKinds {
		if errors.Is(err, k.err) {
			return k.name
		}
	}
	return KindUnknown
}

// KindError returns the sentinel named by kind.
func KindError(kind string) (error, bool) {
	for _, k := range faultKinds {
		if k.name == kind {
			return k.err, true
		}
	}
	return nil, false
}
