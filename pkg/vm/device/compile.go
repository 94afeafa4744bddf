package device

import (
	"fmt"

	"github.com/fortiblox/lanevm/pkg/vm"
	"github.com/fortiblox/lanevm/pkg/vm/bytecode"
	"github.com/fortiblox/lanevm/pkg/vm/loader"
)

// Compiled is a verified kernel ready to launch.
type Compiled struct {
	Kernel  Kernel
	Program *bytecode.Program
	Entry   int
}

// Compile resolves a kernel's program reference and verifies it for the
// kernel's mode. Every failure wraps ErrCompileFailure.
func Compile(table *bytecode.Table, k Kernel) (*Compiled, error) {
	var (
		program *bytecode.Program
		entry   = k.Entry
		sources int
	)

	if k.Program != nil {
		sources++
		program = k.Program
	}
	if k.Source != "" {
		sources++
		p, e, err := bytecode.Assemble(table, k.Source)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCompileFailure, err)
		}
		program, entry = p, e
	}
	if len(k.Binary) > 0 {
		sources++
		img, err := loader.Load(k.Binary)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCompileFailure, err)
		}
		program, entry = img.Program, img.Entry
	}
	if sources != 1 {
		return nil, fmt.Errorf("%w: kernel needs exactly one of source, binary or program (got %d)", ErrCompileFailure, sources)
	}

	if err := program.CheckEntry(entry); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCompileFailure, err)
	}
	if k.Mode == 0 {
		k.Mode = bytecode.ModeLane
	}
	if k.Mode != bytecode.ModeLane && k.Mode != bytecode.ModeSequential {
		return nil, fmt.Errorf("%w: kernel mode %s", ErrCompileFailure, k.Mode)
	}
	if err := bytecode.Verify(table, program, k.Mode); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCompileFailure, err)
	}

	if k.StackSize == 0 {
		k.StackSize = vm.StackSizeDefault
	}
	if k.StackSize < 0 || k.StackSize > vm.StackSizeMax {
		return nil, fmt.Errorf("%w: stack size %d", ErrCompileFailure, k.StackSize)
	}
	if len(k.HeapCapacities) == 0 {
		return nil, fmt.Errorf("%w: kernel declares no heaps", ErrCompileFailure)
	}
	if len(k.HeapCapacities) > vm.HeapCountMax {
		return nil, fmt.Errorf("%w: kernel declares %d heaps", ErrCompileFailure, len(k.HeapCapacities))
	}
	if k.Sequential() && len(k.HeapCapacities) != 1 {
		return nil, fmt.Errorf("%w: sequential kernel declares %d heaps", ErrCompileFailure, len(k.HeapCapacities))
	}
	cells := 0
	for i, c := range k.HeapCapacities {
		if c <= 0 || c > vm.HeapSizeMax {
			return nil, fmt.Errorf("%w: heap %d capacity %d", ErrCompileFailure, i, c)
		}
		cells += c
	}
	if cells > vm.HeapCellsMax {
		return nil, fmt.Errorf("%w: %d heap cells exceed %d", ErrCompileFailure, cells, vm.HeapCellsMax)
	}
	if !k.Placement.Valid() {
		return nil, fmt.Errorf("%w: placement %d", ErrCompileFailure, int(k.Placement))
	}

	k.Program = program
	k.Entry = entry
	k.Source = ""
	k.Binary = nil
	return &Compiled{Kernel: k, Program: program, Entry: entry}, nil
}
