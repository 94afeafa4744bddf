package lanes

import (
	"context"
	"errors"
	"testing"

	"github.com/fortiblox/lanevm/pkg/vm"
	"github.com/fortiblox/lanevm/pkg/vm/bytecode"
	"github.com/fortiblox/lanevm/pkg/vm/device"
	"github.com/fortiblox/lanevm/pkg/vm/device/cpu"
	"github.com/fortiblox/lanevm/pkg/vm/interp"
)

// square stores heap0[t] * heap1[t] into heap2[t].
var square = []int32{
	int32(bytecode.OpThreadID),
	int32(bytecode.OpDup),
	int32(bytecode.OpParallelGLoadIndexed), 0,
	int32(bytecode.OpThreadID),
	int32(bytecode.OpParallelGLoadIndexed), 1,
	int32(bytecode.OpIMul),
	int32(bytecode.OpParallelGStoreIndexed), 2,
	int32(bytecode.OpHalt),
}

// vectorAdd stores heap0[t] + heap1[t] into heap2[t].
var vectorAdd = []int32{
	int32(bytecode.OpThreadID),
	int32(bytecode.OpThreadID),
	int32(bytecode.OpParallelGLoadIndexed), 0,
	int32(bytecode.OpThreadID),
	int32(bytecode.OpParallelGLoadIndexed), 1,
	int32(bytecode.OpIAdd),
	int32(bytecode.OpParallelGStoreIndexed), 2,
	int32(bytecode.OpHalt),
}

func newEngine(t *testing.T, words []int32, cfg Config) *Engine {
	t.Helper()
	if cfg.Backend == nil {
		cfg.Backend = cpu.New(cpu.DefaultConfig())
	}
	e, err := New(bytecode.NewProgram(words), 0, cfg)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

func TestSquare(t *testing.T) {
	e := newEngine(t, square, Config{HeapSize: 4})
	e.InitHeaps()

	out, err := e.Run(context.Background(), 4, 0)
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	got, _ := e.Heap(2)
	want := []int32{0, 1, 4, 9}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("heap2[%d] = %d, want %d", i, got[i], want[i])
		}
	}
	if out.Steps != 4*8 {
		t.Errorf("Steps = %d, want %d", out.Steps, 4*8)
	}
	if out.Elapsed < 0 {
		t.Errorf("Elapsed = %v, want >= 0", out.Elapsed)
	}
}

func TestGroupingAndPlacementIndependence(t *testing.T) {
	const lanes = 64

	var reference []int32
	for _, placement := range []device.Placement{device.PlacementGlobal, device.PlacementLocal, device.PlacementPrivate} {
		for _, group := range []int{0, 1, 2, 8, 16, 64} {
			e := newEngine(t, vectorAdd, Config{HeapSize: lanes, Placement: placement})
			e.InitHeaps()
			if _, err := e.Run(context.Background(), lanes, group); err != nil {
				t.Fatalf("Run(%s, group %d) error: %v", placement, group, err)
			}
			got, _ := e.Heap(2)
			if reference == nil {
				reference = got
				for i, v := range got {
					if v != int32(2*i) {
						t.Fatalf("heap2[%d] = %d, want %d", i, v, 2*i)
					}
				}
				continue
			}
			for i := range got {
				if got[i] != reference[i] {
					t.Errorf("%s group %d: heap2[%d] = %d, want %d", placement, group, i, got[i], reference[i])
				}
			}
		}
	}
}

func TestSetHeap(t *testing.T) {
	e := newEngine(t, vectorAdd, Config{HeapSize: 3})
	if err := e.SetHeap(0, []int32{10, 20, 30}); err != nil {
		t.Fatalf("SetHeap(0) error: %v", err)
	}
	if err := e.SetHeap(1, []int32{1, 2}); err != nil {
		t.Fatalf("SetHeap(1) error: %v", err)
	}
	if _, err := e.Run(context.Background(), 3, 1); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	got, _ := e.Heap(2)
	want := []int32{11, 22, 30}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("heap2[%d] = %d, want %d", i, got[i], want[i])
		}
	}

	if err := e.SetHeap(3, nil); !errors.Is(err, ErrHeapSelector) {
		t.Errorf("SetHeap(3) error = %v, want ErrHeapSelector", err)
	}
	if err := e.SetHeap(0, []int32{1, 2, 3, 4}); !errors.Is(err, interp.ErrHeapIndexOutOfRange) {
		t.Errorf("SetHeap(too long) error = %v, want ErrHeapIndexOutOfRange", err)
	}
}

func TestLaneFaultLeavesHeaps(t *testing.T) {
	e := newEngine(t, square, Config{HeapSize: 4})
	e.InitHeaps()

	_, err := e.Run(context.Background(), 8, 0)
	if !errors.Is(err, device.ErrLaneFault) {
		t.Fatalf("Run() error = %v, want ErrLaneFault", err)
	}
	got, _ := e.Heap(2)
	for i, v := range got {
		if v != 1 {
			t.Errorf("heap2[%d] = %d after fault, want 1", i, v)
		}
	}
}

func TestInitHeaps(t *testing.T) {
	tests := []struct {
		name  string
		count int
		want  [][]int32
	}{
		{"default set", 0, [][]int32{{0, 1, 2}, {0, 1, 2}, {1, 1, 1}}},
		{"single heap", 1, [][]int32{{0, 1, 2}}},
		{"wide set", 4, [][]int32{{0, 1, 2}, {0, 1, 2}, {1, 1, 1}, {0, 1, 2}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEngine(t, square, Config{HeapCount: tt.count, HeapSize: 3})
			e.InitHeaps()
			got := e.Heaps()
			if len(got) != len(tt.want) {
				t.Fatalf("Heaps() = %v, want %v", got, tt.want)
			}
			for sel := range got {
				for i, v := range got[sel] {
					if v != tt.want[sel][i] {
						t.Errorf("heap%d[%d] = %d, want %d", sel, i, v, tt.want[sel][i])
					}
				}
			}
		})
	}
}

func TestUnwrittenOutputKeepsInit(t *testing.T) {
	// heap2[t] = heap0[t] + heap1[t] on lanes 0-2; lane 3 halts early
	words := []int32{
		int32(bytecode.OpThreadID),
		int32(bytecode.OpIConst), 2,
		int32(bytecode.OpILt), // 2 < t
		int32(bytecode.OpBrt), 16,
		int32(bytecode.OpThreadID),
		int32(bytecode.OpThreadID),
		int32(bytecode.OpParallelGLoadIndexed), 0,
		int32(bytecode.OpThreadID),
		int32(bytecode.OpParallelGLoadIndexed), 1,
		int32(bytecode.OpIAdd),
		int32(bytecode.OpParallelGStoreIndexed), 2,
		int32(bytecode.OpHalt), // 16
	}
	e := newEngine(t, words, Config{HeapSize: 4})
	e.InitHeaps()
	if _, err := e.Run(context.Background(), 4, 0); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	got, _ := e.Heap(2)
	want := []int32{0, 2, 4, 1}
	for i, v := range got {
		if v != want[i] {
			t.Errorf("heap2[%d] = %d, want %d", i, v, want[i])
		}
	}
}

func TestPrintAndTrace(t *testing.T) {
	words := []int32{int32(bytecode.OpThreadID), int32(bytecode.OpPrint), int32(bytecode.OpHalt)}
	e := newEngine(t, words, Config{HeapCount: 1, HeapSize: 1, Trace: true})

	out, err := e.Run(context.Background(), 3, 0)
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	for lane, vals := range out.Printed {
		if len(vals) != 1 || vals[0] != int32(lane) {
			t.Errorf("Printed[%d] = %v, want [%d]", lane, vals, lane)
		}
	}
	if len(out.Trace) != 9 {
		t.Errorf("len(Trace) = %d, want 9", len(out.Trace))
	}
}

func TestNewLimits(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"negative count", Config{HeapCount: -1}},
		{"too many heaps", Config{HeapCount: vm.HeapCountMax + 1, HeapSize: 1}},
		{"oversized heap", Config{HeapSize: vm.HeapSizeMax + 1}},
		{"too many cells", Config{HeapCount: vm.HeapCellsMax/vm.HeapSizeMax + 1, HeapSize: vm.HeapSizeMax}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(bytecode.NewProgram(square), 0, tt.cfg); !errors.Is(err, interp.ErrInvalidConfig) {
				t.Errorf("New() error = %v, want ErrInvalidConfig", err)
			}
		})
	}
}

func TestNoBackend(t *testing.T) {
	e, err := New(bytecode.NewProgram(square), 0, Config{})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if _, err := e.Run(context.Background(), 1, 0); !errors.Is(err, ErrNoBackend) {
		t.Errorf("Run() error = %v, want ErrNoBackend", err)
	}
}

func TestCompileFailure(t *testing.T) {
	words := []int32{int32(bytecode.OpGLoad), 0, int32(bytecode.OpHalt)}
	e := newEngine(t, words, Config{})
	if _, err := e.Run(context.Background(), 1, 0); !errors.Is(err, device.ErrCompileFailure) {
		t.Errorf("Run() error = %v, want ErrCompileFailure", err)
	}
}

func TestRegistrySelect(t *testing.T) {
	reg := device.NewRegistry()
	if _, err := reg.Select(0); !errors.Is(err, device.ErrBackendUnavailable) {
		t.Errorf("Select(0) on empty registry error = %v, want ErrBackendUnavailable", err)
	}

	reg.Register(cpu.New(cpu.DefaultConfig()))
	b, err := reg.Select(0)
	if err != nil {
		t.Fatalf("Select(0) error: %v", err)
	}
	if _, err := reg.Select(1); !errors.Is(err, device.ErrBackendUnavailable) {
		t.Errorf("Select(1) error = %v, want ErrBackendUnavailable", err)
	}

	e := newEngine(t, square, Config{HeapSize: 2, Backend: b})
	e.InitHeaps()
	if _, err := e.Run(context.Background(), 2, 0); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
}
