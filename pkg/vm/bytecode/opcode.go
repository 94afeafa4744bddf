// Package bytecode defines the lanevm instruction set, the opcode descriptor
// table and the immutable program representation shared by every engine.
//
// A program is a flat sequence of signed 32-bit words. Each instruction is one
// opcode word followed by zero to three inline operand words. Opcode numbering
// is fixed and must not change: stored program images and remote devices
// depend on it.
package bytecode

// Opcode is a single instruction code.
type Opcode int32

// Arithmetic and comparison. Binary operations pop A (top) then B and push A op B.
const (
	OpIAdd Opcode = 1 // push A + B
	OpISub Opcode = 2 // push A - B
	OpIMul Opcode = 3 // push A * B
	OpILt  Opcode = 4 // push 1 if A < B else 0
	OpIEq  Opcode = 5 // push 1 if A == B else 0
)

// Control flow.
const (
	OpBr  Opcode = 6 // ip = target
	OpBrt Opcode = 7 // pop; branch if value == 1
	OpBrf Opcode = 8 // pop; branch if value == 0
)

// Constants, locals and the scalar heap.
const (
	OpIConst Opcode = 9  // push operand
	OpLoad   Opcode = 10 // push stack[fp+offset]
	OpGLoad  Opcode = 11 // push heap[addr]
	OpStore  Opcode = 12 // pop; stack[fp+offset] = value
	OpGStore Opcode = 13 // pop; heap[addr] = value
)

// Output, stack manipulation and termination.
const (
	OpPrint Opcode = 14 // pop and emit
	OpPop   Opcode = 15 // discard top
	OpHalt  Opcode = 16 // stop
)

// Calls.
const (
	OpCall Opcode = 17 // push numArgs, fp, return ip; fp = sp; ip = target
	OpRet  Opcode = 18 // unwind the frame and push the return value
)

// Extended arithmetic.
const (
	OpDup     Opcode = 19 // push copy of top
	OpIDiv    Opcode = 20 // push A / B
	OpLShift  Opcode = 21 // top <<= 1
	OpRShift  Opcode = 22 // top >>= 1 (arithmetic)
	OpIConst1 Opcode = 23 // push 1
)

// Indexed heap access on the sequential engine.
const (
	OpGLoadIndexed  Opcode = 24 // pop offset; push heap[base+offset]
	OpGStoreIndexed Opcode = 25 // pop value, pop offset; heap[base+offset] = value
)

// Lane model.
const (
	OpThreadID              Opcode = 26 // push lane id
	OpParallelGLoadIndexed  Opcode = 27 // pop index; push heaps[selector][index]
	OpParallelGStoreIndexed Opcode = 28 // pop value, pop index; heaps[selector][index] = value
)

// Opcode range bounds.
const (
	OpMin = OpIAdd
	OpMax = OpParallelGStoreIndexed
)

// MaxOperands is the largest inline operand count of any instruction.
const MaxOperands = 3
