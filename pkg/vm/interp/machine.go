// Package interp implements the lanevm stack interpreter.
//
// A Machine executes one program from an entry index until HALT or a fault.
// It owns a bounded value stack and either a single scalar heap (sequential
// mode) or a binding to a shared heap set and a lane id (lane mode). The same
// step function serves both modes; the mode only decides which opcodes are
// accepted and which heaps they address.
//
// Binary operations pop A (the top) and then B, and push A op B. ISUB, IDIV
// and ILT therefore compute top-minus-next, top-over-next and top-less-than-
// next. Stored programs depend on this order.
package interp

import (
	"errors"
	"fmt"
	"io"

	"github.com/fortiblox/lanevm/pkg/vm"
	"github.com/fortiblox/lanevm/pkg/vm/bytecode"
)

// State is the engine lifecycle state.
type State int

// Engine states.
const (
	StateReady State = iota
	StateRunning
	StateHalted
	StateFaulted
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateHalted:
		return "halted"
	case StateFaulted:
		return "faulted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Lane binds a machine to the lane execution model.
type Lane struct {
	ID    int32  // value pushed by THREAD_ID
	Heaps []Heap // shared heap set indexed by selector
}

// Options configures a Machine.
type Options struct {
	Table     *bytecode.Table // nil builds a fresh table
	StackSize int             // cells; 0 selects vm.StackSizeDefault
	HeapSize  int             // sequential heap cells; 0 selects vm.HeapSizeDefault
	Stack     []int32         // optional caller-owned stack storage
	Heap      Heap            // optional caller-owned sequential heap
	Lane      *Lane           // non-nil selects lane mode
	Tracer    Tracer          // non-nil enables tracing
	Output    io.Writer       // optional sink for PRINT
	MaxSteps  uint64          // 0 is unlimited
}

// Result is the outcome of a completed run.
type Result struct {
	Printed []int32 // PRINT output in emission order
	Steps   uint64  // executed instructions
}

// Machine executes a program.
type Machine struct {
	// Program
	table *bytecode.Table
	code  *bytecode.Program
	entry int
	mode  bytecode.Mode

	// Runtime state
	ip    int
	sp    int
	fp    int
	depth int // active CALL frames
	stack []int32
	heaps []Heap
	lane  int32

	// Configuration
	tracer Tracer
	output io.Writer
	meter  *vm.StepMeter

	// Execution state
	state   State
	printed []int32
}

// NewMachine creates a machine positioned at entry.
func NewMachine(program *bytecode.Program, entry int, opts Options) (*Machine, error) {
	if err := program.CheckEntry(entry); err != nil {
		return nil, err
	}

	table := opts.Table
	if table == nil {
		table = bytecode.NewTable()
	}

	m := &Machine{
		table:  table,
		code:   program,
		entry:  entry,
		ip:     entry,
		sp:     -1,
		fp:     0,
		lane:   NoLane,
		tracer: opts.Tracer,
		output: opts.Output,
		meter:  vm.NewStepMeter(opts.MaxSteps),
		state:  StateReady,
	}

	if opts.Stack != nil {
		if len(opts.Stack) == 0 {
			return nil, fmt.Errorf("%w: empty stack storage", ErrInvalidConfig)
		}
		m.stack = opts.Stack
	} else {
		size := opts.StackSize
		if size == 0 {
			size = vm.StackSizeDefault
		}
		if size < 0 || size > vm.StackSizeMax {
			return nil, fmt.Errorf("%w: stack size %d", ErrInvalidConfig, size)
		}
		m.stack = make([]int32, size)
	}

	if opts.Lane != nil {
		if len(opts.Lane.Heaps) == 0 {
			return nil, fmt.Errorf("%w: lane without heaps", ErrInvalidConfig)
		}
		m.mode = bytecode.ModeLane
		m.lane = opts.Lane.ID
		m.heaps = opts.Lane.Heaps
	} else if opts.Heap != nil {
		if len(opts.Heap) == 0 {
			return nil, fmt.Errorf("%w: empty heap storage", ErrInvalidConfig)
		}
		m.mode = bytecode.ModeSequential
		m.heaps = []Heap{opts.Heap}
	} else {
		size := opts.HeapSize
		if size == 0 {
			size = vm.HeapSizeDefault
		}
		if size < 0 || size > vm.HeapSizeMax {
			return nil, fmt.Errorf("%w: heap size %d", ErrInvalidConfig, size)
		}
		m.mode = bytecode.ModeSequential
		m.heaps = []Heap{NewHeap(size)}
	}

	return m, nil
}

// Configure replaces the stack and heap capacities. Only valid before Run.
func (m *Machine) Configure(stackSize, heapSize int) error {
	if m.state != StateReady {
		return ErrNotRunning
	}
	if stackSize <= 0 || stackSize > vm.StackSizeMax {
		return fmt.Errorf("%w: stack size %d", ErrInvalidConfig, stackSize)
	}
	m.stack = make([]int32, stackSize)
	if m.mode == bytecode.ModeSequential {
		if heapSize <= 0 || heapSize > vm.HeapSizeMax {
			return fmt.Errorf("%w: heap size %d", ErrInvalidConfig, heapSize)
		}
		m.heaps[0] = NewHeap(heapSize)
	}
	return nil
}

// EnableTrace attaches a tracer. A nil tracer disables tracing.
func (m *Machine) EnableTrace(t Tracer) {
	m.tracer = t
}

// InitHeap sets every cell of the sequential heap to its index.
func (m *Machine) InitHeap() {
	if m.mode == bytecode.ModeSequential {
		m.heaps[0].Iota()
	}
}

// Heap returns the sequential heap, or the first heap of a lane binding.
func (m *Machine) Heap() Heap {
	return m.heaps[0]
}

// State returns the lifecycle state.
func (m *Machine) State() State { return m.state }

// IP returns the instruction pointer.
func (m *Machine) IP() int { return m.ip }

// SP returns the stack pointer (-1 when empty).
func (m *Machine) SP() int { return m.sp }

// FP returns the frame pointer.
func (m *Machine) FP() int { return m.fp }

// Depth returns the number of active call frames.
func (m *Machine) Depth() int { return m.depth }

// Steps returns the number of instructions executed so far.
func (m *Machine) Steps() uint64 { return m.meter.Consumed() }

// Stack returns a copy of the live stack cells, bottom first.
func (m *Machine) Stack() []int32 {
	out := make([]int32, m.sp+1)
	copy(out, m.stack[:m.sp+1])
	return out
}

// Run executes until HALT or a fault. A machine runs at most once.
func (m *Machine) Run() (*Result, error) {
	if m.state != StateReady {
		return nil, ErrNotRunning
	}
	m.state = StateRunning

	for {
		halted, err := m.step()
		if err != nil {
			m.state = StateFaulted
			return nil, err
		}
		if halted {
			m.state = StateHalted
			return &Result{Printed: m.printed, Steps: m.meter.Consumed()}, nil
		}
	}
}

// fetch decodes the instruction at ip.
func (m *Machine) fetch() (bytecode.Instruction, error) {
	word, ok := m.code.At(m.ip)
	if !ok {
		return bytecode.Instruction{}, m.fault(ErrIPOutOfRange, bytecode.Instruction{IP: m.ip}, "ran past end of program")
	}
	d, err := m.table.Describe(bytecode.Opcode(word))
	if err != nil {
		op := bytecode.Opcode(word)
		f := m.fault(ErrUnknownOpcode, bytecode.Instruction{IP: m.ip, Op: op}, fmt.Sprintf("word %d", word))
		return bytecode.Instruction{IP: m.ip, Op: op, Mnemonic: m.table.Mnemonic(op)}, f
	}
	ins := bytecode.Instruction{IP: m.ip, Op: d.Op, Mnemonic: d.Mnemonic, N: d.Operands}
	for k := 0; k < d.Operands; k++ {
		v, ok := m.code.At(m.ip + 1 + k)
		if !ok {
			f := m.fault(ErrTruncatedInstruction, ins, "")
			ins.N = k
			return ins, f
		}
		ins.Operands[k] = v
	}
	if d.Modes&m.mode == 0 {
		return ins, m.fault(ErrOpcodeNotAllowed, ins, m.mode.String()+" mode")
	}
	return ins, nil
}

func (m *Machine) fault(err error, ins bytecode.Instruction, detail string) error {
	return &Fault{
		Err:      err,
		Op:       ins.Op,
		Mnemonic: ins.Mnemonic,
		IP:       ins.IP,
		Lane:     m.lane,
		Detail:   detail,
	}
}

func (m *Machine) trace(ins bytecode.Instruction) {
	m.tracer.Trace(TraceRecord{Lane: m.lane, Instruction: ins, Stack: m.Stack()})
}

// step executes one instruction and reports whether it was HALT.
func (m *Machine) step() (bool, error) {
	ins, err := m.fetch()
	if err != nil {
		// an undecodable instruction is still traced, except past the end
		if m.tracer != nil && !errors.Is(err, ErrIPOutOfRange) {
			m.trace(ins)
		}
		return false, err
	}
	if err := m.meter.Consume(1); err != nil {
		return false, m.fault(err, ins, "")
	}
	if m.tracer != nil {
		m.trace(ins)
	}

	m.ip = ins.Next()
	if err := m.exec(ins); err != nil {
		if errors.Is(err, errHalt) {
			return true, nil
		}
		return false, m.fault(err, ins, "")
	}
	return false, nil
}

var errHalt = errors.New("halt")

func (m *Machine) exec(ins bytecode.Instruction) error {
	arg := ins.Operands[0]

	switch ins.Op {
	case bytecode.OpIAdd, bytecode.OpISub, bytecode.OpIMul, bytecode.OpILt, bytecode.OpIEq, bytecode.OpIDiv:
		a, b, err := m.pop2()
		if err != nil {
			return err
		}
		v, err := arith(ins.Op, a, b)
		if err != nil {
			return err
		}
		return m.push(v)

	case bytecode.OpBr:
		m.ip = int(arg)
	case bytecode.OpBrt, bytecode.OpBrf:
		v, err := m.pop()
		if err != nil {
			return err
		}
		if (ins.Op == bytecode.OpBrt && v == 1) || (ins.Op == bytecode.OpBrf && v == 0) {
			m.ip = int(arg)
		}

	case bytecode.OpIConst:
		return m.push(arg)
	case bytecode.OpIConst1:
		return m.push(1)
	case bytecode.OpDup:
		v, err := m.top()
		if err != nil {
			return err
		}
		return m.push(v)
	case bytecode.OpPop:
		_, err := m.pop()
		return err
	case bytecode.OpLShift, bytecode.OpRShift:
		if m.sp < 0 {
			return ErrStackUnderflow
		}
		if ins.Op == bytecode.OpLShift {
			m.stack[m.sp] <<= 1
		} else {
			m.stack[m.sp] >>= 1
		}

	case bytecode.OpLoad:
		idx, err := m.local(arg)
		if err != nil {
			return err
		}
		return m.push(m.stack[idx])
	case bytecode.OpStore:
		v, err := m.pop()
		if err != nil {
			return err
		}
		idx, err := m.local(arg)
		if err != nil {
			return err
		}
		m.stack[idx] = v

	case bytecode.OpGLoad:
		v, err := m.heaps[0].Load(int(arg))
		if err != nil {
			return err
		}
		return m.push(v)
	case bytecode.OpGStore:
		v, err := m.pop()
		if err != nil {
			return err
		}
		return m.heaps[0].Store(int(arg), v)
	case bytecode.OpGLoadIndexed:
		off, err := m.pop()
		if err != nil {
			return err
		}
		v, err := m.heaps[0].Load(int(arg) + int(off))
		if err != nil {
			return err
		}
		return m.push(v)
	case bytecode.OpGStoreIndexed:
		v, off, err := m.pop2()
		if err != nil {
			return err
		}
		return m.heaps[0].Store(int(arg)+int(off), v)

	case bytecode.OpThreadID:
		return m.push(m.lane)
	case bytecode.OpParallelGLoadIndexed:
		h, err := m.heap(int(arg))
		if err != nil {
			return err
		}
		idx, err := m.pop()
		if err != nil {
			return err
		}
		v, err := h.Load(int(idx))
		if err != nil {
			return err
		}
		return m.push(v)
	case bytecode.OpParallelGStoreIndexed:
		h, err := m.heap(int(arg))
		if err != nil {
			return err
		}
		v, idx, err := m.pop2()
		if err != nil {
			return err
		}
		return h.Store(int(idx), v)

	case bytecode.OpPrint:
		v, err := m.pop()
		if err != nil {
			return err
		}
		m.printed = append(m.printed, v)
		if m.output != nil {
			fmt.Fprintf(m.output, "%d\n", v)
		}
	case bytecode.OpHalt:
		return errHalt

	case bytecode.OpCall:
		return m.call(int(arg), ins.Operands[1])
	case bytecode.OpRet:
		return m.ret()

	default:
		return ErrUnknownOpcode
	}
	return nil
}

func arith(op bytecode.Opcode, a, b int32) (int32, error) {
	switch op {
	case bytecode.OpIAdd:
		return a + b, nil
	case bytecode.OpISub:
		return a - b, nil
	case bytecode.OpIMul:
		return a * b, nil
	case bytecode.OpIDiv:
		if b == 0 {
			return 0, ErrDivisionByZero
		}
		return a / b, nil
	case bytecode.OpILt:
		return boolWord(a < b), nil
	case bytecode.OpIEq:
		return boolWord(a == b), nil
	}
	return 0, ErrUnknownOpcode
}

func boolWord(b bool) int32 {
	if b {
		return 1
	}
	return 0
}
