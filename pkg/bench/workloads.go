package bench

import (
	"context"
	"time"

	"github.com/fortiblox/lanevm/pkg/vm"
	"github.com/fortiblox/lanevm/pkg/vm/bytecode"
	"github.com/fortiblox/lanevm/pkg/vm/device"
	"github.com/fortiblox/lanevm/pkg/vm/interp"
	"github.com/fortiblox/lanevm/pkg/vm/lanes"
)

// VectorAddLoop returns a sequential program that adds heap[size:2*size] and
// heap[2*size:3*size] into heap[0:size].
func VectorAddLoop(size int) *bytecode.Program {
	n := int32(size)
	return bytecode.NewProgram([]int32{
		int32(bytecode.OpIConst), 0,
		int32(bytecode.OpDup), // loop head, ip 2
		int32(bytecode.OpIConst), n,
		int32(bytecode.OpIEq),
		int32(bytecode.OpBrt), 23,
		int32(bytecode.OpDup),
		int32(bytecode.OpDup),
		int32(bytecode.OpGLoadIndexed), n,
		int32(bytecode.OpLoad), 1,
		int32(bytecode.OpGLoadIndexed), 2 * n,
		int32(bytecode.OpIAdd),
		int32(bytecode.OpGStoreIndexed), 0,
		int32(bytecode.OpIConst1),
		int32(bytecode.OpIAdd),
		int32(bytecode.OpBr), 2,
		int32(bytecode.OpPop), // ip 23
		int32(bytecode.OpHalt),
	})
}

// VectorMulLanes returns a lane program computing
// output[id] = inputA[id] * inputB[id].
func VectorMulLanes() *bytecode.Program {
	return laneBinary(bytecode.OpIMul)
}

// VectorAddLanes returns a lane program computing
// output[id] = inputA[id] + inputB[id].
func VectorAddLanes() *bytecode.Program {
	return laneBinary(bytecode.OpIAdd)
}

func laneBinary(op bytecode.Opcode) *bytecode.Program {
	return bytecode.NewProgram([]int32{
		int32(bytecode.OpThreadID),
		int32(bytecode.OpDup),
		int32(bytecode.OpParallelGLoadIndexed), vm.HeapInputA,
		int32(bytecode.OpThreadID),
		int32(bytecode.OpParallelGLoadIndexed), vm.HeapInputB,
		int32(op),
		int32(bytecode.OpParallelGStoreIndexed), vm.HeapOutput,
		int32(bytecode.OpHalt),
	})
}

// Sequential returns a sample that runs program on a fresh machine with an
// iota heap of heapSize cells, timing only the interpreter loop.
func Sequential(program *bytecode.Program, entry, heapSize int) Sample {
	return func(ctx context.Context) (time.Duration, error) {
		m, err := interp.NewMachine(program, entry, interp.Options{
			StackSize: vm.StackSizeDefault,
			HeapSize:  heapSize,
		})
		if err != nil {
			return 0, err
		}
		m.InitHeap()

		start := time.Now()
		if _, err := m.Run(); err != nil {
			return 0, err
		}
		return time.Since(start), nil
	}
}

// Lanes returns a sample that re-initialises the engine heaps and launches
// the given number of lanes, reporting the backend kernel time.
func Lanes(engine *lanes.Engine, count, groupSize int) Sample {
	return func(ctx context.Context) (time.Duration, error) {
		engine.InitHeaps()
		out, err := engine.Run(ctx, count, groupSize)
		if err != nil {
			return 0, err
		}
		return out.Elapsed, nil
	}
}

// NewLaneEngine prepares a lane engine for program with size-cell heaps on
// backend.
func NewLaneEngine(ctx context.Context, program *bytecode.Program, size int, placement device.Placement, backend device.Backend) (*lanes.Engine, error) {
	engine, err := lanes.New(program, 0, lanes.Config{
		HeapSize:  size,
		Placement: placement,
		Backend:   backend,
	})
	if err != nil {
		return nil, err
	}
	if err := engine.Prepare(ctx); err != nil {
		engine.Close()
		return nil, err
	}
	return engine, nil
}

// SequentialKernel is a sequential program prepared as a one-lane kernel.
type SequentialKernel struct {
	backend device.Backend
	handle  device.Handle
	size    int
	heap    []int32
}

// PrepareSequential prepares program as a sequential kernel with one
// heapSize-cell heap on backend.
func PrepareSequential(ctx context.Context, backend device.Backend, program *bytecode.Program, entry, heapSize int, placement device.Placement) (*SequentialKernel, error) {
	h, err := backend.Prepare(ctx, device.Kernel{
		Program:        program,
		Entry:          entry,
		Mode:           bytecode.ModeSequential,
		StackSize:      vm.StackSizeDefault,
		HeapCapacities: []int{heapSize},
		Placement:      placement,
	})
	if err != nil {
		return nil, err
	}
	return &SequentialKernel{backend: backend, handle: h, size: heapSize}, nil
}

// Sample returns a sample that launches the kernel over an iota heap and
// reports the backend kernel time.
func (k *SequentialKernel) Sample() Sample {
	return func(ctx context.Context) (time.Duration, error) {
		heap := interp.NewHeap(k.size)
		heap.Iota()
		c, err := k.backend.Execute(ctx, k.handle, device.Launch{Heaps: [][]int32{[]int32(heap)}, Lanes: 1})
		if err != nil {
			return 0, err
		}
		k.heap = c.Heaps[0]
		return c.Elapsed, nil
	}
}

// Heap returns the heap left by the last launch.
func (k *SequentialKernel) Heap() []int32 {
	return k.heap
}

// Close releases the kernel.
func (k *SequentialKernel) Close() error {
	return k.backend.Release(k.handle)
}
