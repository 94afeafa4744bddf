package bytecode

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrUnknownOpcode is returned when a word does not name a defined opcode.
	ErrUnknownOpcode = errors.New("unknown opcode")

	// ErrUnknownMnemonic is returned when a mnemonic is not in the table.
	ErrUnknownMnemonic = errors.New("unknown mnemonic")
)

// Mode is the set of engines that accept an opcode.
type Mode uint8

// Engine modes.
const (
	ModeSequential Mode = 1 << iota // single-threaded engine
	ModeLane                        // lane execution model

	ModeAny = ModeSequential | ModeLane
)

// String returns the mode name.
func (m Mode) String() string {
	switch m {
	case ModeSequential:
		return "sequential"
	case ModeLane:
		return "lane"
	case ModeAny:
		return "any"
	default:
		return fmt.Sprintf("mode(%d)", uint8(m))
	}
}

// Descriptor describes one opcode.
type Descriptor struct {
	Op       Opcode
	Mnemonic string
	Operands int  // inline operand words, 0..MaxOperands
	Modes    Mode // engines that accept the opcode
}

// Size returns the instruction length in words including the opcode.
func (d Descriptor) Size() int {
	return 1 + d.Operands
}

// Table maps opcodes to descriptors. A Table is immutable after NewTable
// returns and is safe for concurrent use.
type Table struct {
	byOp       [OpMax + 1]Descriptor
	byMnemonic map[string]Opcode
}

// NewTable builds the instruction table.
func NewTable() *Table {
	t := &Table{byMnemonic: make(map[string]Opcode, int(OpMax))}

	t.define(OpIAdd, "IADD", 0, ModeAny)
	t.define(OpISub, "ISUB", 0, ModeAny)
	t.define(OpIMul, "IMUL", 0, ModeAny)
	t.define(OpILt, "ILT", 0, ModeAny)
	t.define(OpIEq, "IEQ", 0, ModeAny)
	t.define(OpBr, "BR", 1, ModeAny)
	t.define(OpBrt, "BRT", 1, ModeAny)
	t.define(OpBrf, "BRF", 1, ModeAny)
	t.define(OpIConst, "ICONST", 1, ModeAny)
	t.define(OpLoad, "LOAD", 1, ModeAny)
	t.define(OpGLoad, "GLOAD", 1, ModeSequential)
	t.define(OpStore, "STORE", 1, ModeAny)
	t.define(OpGStore, "GSTORE", 1, ModeSequential)
	t.define(OpPrint, "PRINT", 0, ModeAny)
	t.define(OpPop, "POP", 0, ModeAny)
	t.define(OpHalt, "HALT", 0, ModeAny)
	t.define(OpCall, "CALL", 2, ModeAny)
	t.define(OpRet, "RET", 0, ModeAny)
	t.define(OpDup, "DUP", 0, ModeAny)
	t.define(OpIDiv, "IDIV", 0, ModeAny)
	t.define(OpLShift, "LSHIFT", 0, ModeAny)
	t.define(OpRShift, "RSHIFT", 0, ModeAny)
	t.define(OpIConst1, "ICONST1", 0, ModeAny)
	t.define(OpGLoadIndexed, "GLOAD_INDEXED", 1, ModeSequential)
	t.define(OpGStoreIndexed, "GSTORE_INDEXED", 1, ModeSequential)
	t.define(OpThreadID, "THREAD_ID", 0, ModeLane)
	t.define(OpParallelGLoadIndexed, "PARALLEL_GLOAD_INDEXED", 1, ModeLane)
	t.define(OpParallelGStoreIndexed, "PARALLEL_GSTORE_INDEXED", 1, ModeLane)

	return t
}

func (t *Table) define(op Opcode, mnemonic string, operands int, modes Mode) {
	t.byOp[op] = Descriptor{Op: op, Mnemonic: mnemonic, Operands: operands, Modes: modes}
	t.byMnemonic[mnemonic] = op
}

// Describe returns the descriptor for op.
func (t *Table) Describe(op Opcode) (Descriptor, error) {
	if op < OpMin || op > OpMax || t.byOp[op].Mnemonic == "" {
		return Descriptor{}, fmt.Errorf("%w: %d", ErrUnknownOpcode, int32(op))
	}
	return t.byOp[op], nil
}

// Lookup returns the opcode for a mnemonic. Matching is case-insensitive.
func (t *Table) Lookup(mnemonic string) (Opcode, error) {
	op, ok := t.byMnemonic[strings.ToUpper(mnemonic)]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownMnemonic, mnemonic)
	}
	return op, nil
}

// Mnemonic returns the mnemonic for op, or a numeric placeholder for
// undefined opcodes.
func (t *Table) Mnemonic(op Opcode) string {
	d, err := t.Describe(op)
	if err != nil {
		return fmt.Sprintf("OP(%d)", int32(op))
	}
	return d.Mnemonic
}

// Opcodes returns every defined descriptor in numeric order.
func (t *Table) Opcodes() []Descriptor {
	out := make([]Descriptor, 0, int(OpMax))
	for op := OpMin; op <= OpMax; op++ {
		if t.byOp[op].Mnemonic != "" {
			out = append(out, t.byOp[op])
		}
	}
	return out
}
