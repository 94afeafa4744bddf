// Package vm holds the pieces shared by the lanevm engines.
//
// The engines themselves live in subpackages:
// - bytecode: instruction set, descriptor table, programs, assembler
// - interp: the sequential engine and the per-lane interpreter core
// - lanes: the lane execution model over a device backend
// - device: the backend contract and its CPU and remote realisations
// - loader: program images
// - executor: stored-program execution and run recording
package vm

// Capacity defaults, in 32-bit cells.
const (
	StackSizeDefault = 100     // value stack cells per engine or lane
	HeapSizeDefault  = 100     // cells per heap
	StackSizeMax     = 1 << 20 // upper bound accepted by configuration
	HeapSizeMax      = 1 << 24 // upper bound accepted by configuration
)

// Launch bounds.
const (
	LanesMax      = 1 << 20 // lanes in one launch
	HeapCountMax  = 64      // heaps in one heap set
	HeapCellsMax  = 1 << 26 // cells over all heaps of a heap set
	StackCellsMax = 1 << 26 // stack cells over all lanes of a launch
)

// Lane model heap selectors.
const (
	HeapInputA = 0 // first input heap
	HeapInputB = 1 // second input heap
	HeapOutput = 2 // output heap
	HeapCount  = 3 // heaps in the default lane heap set
)

// StepsUnlimited disables instruction budgeting.
const StepsUnlimited = uint64(0)
