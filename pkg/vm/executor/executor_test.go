package executor

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fortiblox/lanevm/internal/types"
	"github.com/fortiblox/lanevm/pkg/programs"
	"github.com/fortiblox/lanevm/pkg/runstore"
	"github.com/fortiblox/lanevm/pkg/vm"
	"github.com/fortiblox/lanevm/pkg/vm/bytecode"
	"github.com/fortiblox/lanevm/pkg/vm/device"
	"github.com/fortiblox/lanevm/pkg/vm/device/cpu"
	"github.com/fortiblox/lanevm/pkg/vm/loader"
)

const (
	helloSrc = `
	ICONST 128
	ICONST 1
	IADD
	GSTORE 0
	GLOAD 0
	PRINT
	HALT`

	divSrc = `
	ICONST 0
	ICONST 1
	IDIV
	HALT`

	squareSrc = `
	THREAD_ID
	DUP
	PARALLEL_GLOAD_INDEXED 0
	THREAD_ID
	PARALLEL_GLOAD_INDEXED 1
	IMUL
	PARALLEL_GSTORE_INDEXED 2
	HALT`
)

type fixture struct {
	exec *Executor
	db   *programs.MemoryDB
	runs *runstore.BoltStore
}

func newFixture(t *testing.T, backend device.Backend) *fixture {
	t.Helper()
	cfg := runstore.DefaultConfig(filepath.Join(t.TempDir(), "runs.db"))
	cfg.PruneEnabled = false
	runs, err := runstore.Open(cfg)
	if err != nil {
		t.Fatalf("runstore.Open() error: %v", err)
	}
	t.Cleanup(func() { runs.Close() })

	db := programs.NewMemoryDB()
	return &fixture{
		exec: New(DefaultConfig(), db, backend, runs),
		db:   db,
		runs: runs,
	}
}

func (f *fixture) deploy(t *testing.T, src string) types.ProgramID {
	t.Helper()
	p, entry, err := bytecode.Assemble(bytecode.NewTable(), src)
	if err != nil {
		t.Fatalf("Assemble() error: %v", err)
	}
	id, err := f.exec.Deploy(&loader.Image{Program: p, Entry: entry})
	if err != nil {
		t.Fatalf("Deploy() error: %v", err)
	}
	return id
}

func TestRunSequential(t *testing.T) {
	f := newFixture(t, nil)
	id := f.deploy(t, helloSrc)

	res, err := f.exec.RunSequential(context.Background(), SequentialRequest{Program: id, Trace: true})
	if err != nil {
		t.Fatalf("RunSequential() error: %v", err)
	}
	if !res.Success {
		t.Fatalf("RunSequential() failed: %s", res.Error)
	}
	if len(res.Printed) != 1 || len(res.Printed[0]) != 1 || res.Printed[0][0] != 129 {
		t.Errorf("Printed = %v, want [[129]]", res.Printed)
	}
	if res.Heaps[0][0] != 129 {
		t.Errorf("heap[0] = %d, want 129", res.Heaps[0][0])
	}
	if res.Steps != 7 || len(res.Trace) != 7 {
		t.Errorf("Steps = %d, trace lines = %d, want 7", res.Steps, len(res.Trace))
	}
	if !strings.HasPrefix(res.Trace[0], "ICONST 128 [") {
		t.Errorf("Trace[0] = %q", res.Trace[0])
	}

	rec, err := f.runs.GetRun(res.RunID)
	if err != nil {
		t.Fatalf("GetRun() error: %v", err)
	}
	if rec.Status != runstore.StatusOK || rec.Mode != runstore.ModeSequential || rec.Program != id {
		t.Errorf("run record = %+v", rec)
	}
}

func TestRunSequentialHeap(t *testing.T) {
	f := newFixture(t, nil)
	// heap[0] = heap[1] + heap[2]
	id := f.deploy(t, "GLOAD 1\nGLOAD 2\nIADD\nGSTORE 0\nHALT")

	res, err := f.exec.RunSequential(context.Background(), SequentialRequest{Program: id, HeapSize: 4, Heap: []int32{0, 40, 2}})
	if err != nil {
		t.Fatalf("RunSequential() error: %v", err)
	}
	if got := res.Heaps[0]; len(got) != 4 || got[0] != 42 {
		t.Errorf("Heaps[0] = %v, want [42 40 2 0]", got)
	}

	res, _ = f.exec.RunSequential(context.Background(), SequentialRequest{Program: id, HeapSize: 4, InitHeap: true})
	if res.Heaps[0][0] != 3 {
		t.Errorf("iota heap[0] = %d, want 3", res.Heaps[0][0])
	}

	_, err = f.exec.RunSequential(context.Background(), SequentialRequest{Program: id, HeapSize: 2, Heap: []int32{1, 2, 3}})
	if !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("oversized heap error = %v, want ErrInvalidRequest", err)
	}
}

func TestRunSequentialDefaultHeapSize(t *testing.T) {
	exec := New(Config{}, programs.NewMemoryDB(), nil, nil)
	p, entry, err := bytecode.Assemble(bytecode.NewTable(), "GLOAD 1\nGLOAD 2\nIADD\nGSTORE 0\nHALT")
	if err != nil {
		t.Fatalf("Assemble() error: %v", err)
	}
	id, err := exec.Deploy(&loader.Image{Program: p, Entry: entry})
	if err != nil {
		t.Fatalf("Deploy() error: %v", err)
	}

	tests := []struct {
		name    string
		heap    []int32
		wantErr bool
	}{
		{"short heap", []int32{0, 40, 2}, false},
		{"full default heap", make([]int32, vm.HeapSizeDefault), false},
		{"over default heap", make([]int32, vm.HeapSizeDefault+1), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := exec.RunSequential(context.Background(), SequentialRequest{Program: id, Heap: tt.heap})
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidRequest) {
					t.Errorf("RunSequential() error = %v, want ErrInvalidRequest", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("RunSequential() error: %v", err)
			}
			if got := len(res.Heaps[0]); got != vm.HeapSizeDefault {
				t.Errorf("len(Heaps[0]) = %d, want %d", got, vm.HeapSizeDefault)
			}
		})
	}
}

func TestRunSequentialOnDevice(t *testing.T) {
	f := newFixture(t, cpu.New(cpu.DefaultConfig()))
	const size = 8
	id := f.deploy(t, `
	ICONST 0
loop:
	DUP
	ICONST 8
	IEQ
	BRT done
	DUP
	DUP
	GLOAD_INDEXED 8
	LOAD 1
	GLOAD_INDEXED 16
	IADD
	GSTORE_INDEXED 0
	ICONST1
	IADD
	BR loop
done:
	POP
	GLOAD 7
	PRINT
	HALT`)

	host, err := f.exec.RunSequential(context.Background(), SequentialRequest{Program: id, HeapSize: 3 * size, InitHeap: true, Trace: true})
	if err != nil || !host.Success {
		t.Fatalf("RunSequential(host) = %+v, %v", host, err)
	}

	for _, p := range []device.Placement{device.PlacementGlobal, device.PlacementLocal, device.PlacementPrivate} {
		t.Run(p.String(), func(t *testing.T) {
			dev, err := f.exec.RunSequential(context.Background(), SequentialRequest{
				Program:   id,
				HeapSize:  3 * size,
				InitHeap:  true,
				Trace:     true,
				Device:    true,
				Placement: &p,
			})
			if err != nil {
				t.Fatalf("RunSequential(device) error: %v", err)
			}
			if !dev.Success {
				t.Fatalf("RunSequential(device) failed: %s", dev.Error)
			}
			for i, v := range dev.Heaps[0] {
				if want := host.Heaps[0][i]; v != want {
					t.Errorf("heap[%d] = %d, want %d", i, v, want)
				}
			}
			if dev.Heaps[0][0] != 24 {
				t.Errorf("heap[0] = %d, want 24", dev.Heaps[0][0])
			}
			if len(dev.Printed) != 1 || len(dev.Printed[0]) != 1 || dev.Printed[0][0] != host.Printed[0][0] {
				t.Errorf("Printed = %v, want %v", dev.Printed, host.Printed)
			}
			if dev.Steps != host.Steps || len(dev.Trace) != len(host.Trace) {
				t.Errorf("Steps = %d trace = %d, want %d and %d", dev.Steps, len(dev.Trace), host.Steps, len(host.Trace))
			}

			rec, err := f.runs.GetRun(dev.RunID)
			if err != nil {
				t.Fatalf("GetRun() error: %v", err)
			}
			if rec.Mode != runstore.ModeSequential || rec.Platform != cpu.Name || rec.Placement != p.String() || rec.Lanes != 1 {
				t.Errorf("run record = %+v", rec)
			}
		})
	}
}

func TestRunSequentialOnDeviceFailures(t *testing.T) {
	f := newFixture(t, cpu.New(cpu.DefaultConfig()))
	div := f.deploy(t, divSrc)
	lane := f.deploy(t, squareSrc)

	res, err := f.exec.RunSequential(context.Background(), SequentialRequest{Program: div, Device: true})
	if err != nil {
		t.Fatalf("RunSequential() error: %v", err)
	}
	if res.Success || len(res.Faults) != 1 || res.Faults[0].Kind != "division_by_zero" || res.Faults[0].Lane != -1 {
		t.Errorf("RunSequential(div) = %+v, want one division fault", res)
	}

	// lane opcodes are rejected when the sequential kernel is prepared
	res, err = f.exec.RunSequential(context.Background(), SequentialRequest{Program: lane, Device: true})
	if err != nil {
		t.Fatalf("RunSequential() error: %v", err)
	}
	if res.Success || !strings.Contains(res.Error, "compile") {
		t.Errorf("RunSequential(lane program) = %+v, want compile failure", res)
	}
	if n := f.exec.Backend().(*cpu.Backend).Kernels(); n != 0 {
		t.Errorf("Kernels() = %d, want 0 after runs", n)
	}

	bare := newFixture(t, nil)
	id := bare.deploy(t, helloSrc)
	if _, err := bare.exec.RunSequential(context.Background(), SequentialRequest{Program: id, Device: true}); !errors.Is(err, ErrNoBackend) {
		t.Errorf("RunSequential(no backend) error = %v, want ErrNoBackend", err)
	}
}

func TestRunSequentialFault(t *testing.T) {
	f := newFixture(t, nil)
	id := f.deploy(t, divSrc)

	res, err := f.exec.RunSequential(context.Background(), SequentialRequest{Program: id})
	if err != nil {
		t.Fatalf("RunSequential() error: %v", err)
	}
	if res.Success {
		t.Fatal("RunSequential() succeeded, want division fault")
	}
	if len(res.Faults) != 1 {
		t.Fatalf("Faults = %v", res.Faults)
	}
	fault := res.Faults[0]
	if fault.Kind != "division_by_zero" || fault.IP != 4 || fault.Mnemonic != "IDIV" || fault.Lane != -1 {
		t.Errorf("fault = %+v", fault)
	}

	stats, _ := f.runs.Stats()
	if stats.Faulted != 1 {
		t.Errorf("Stats().Faulted = %d, want 1", stats.Faulted)
	}
}

func TestRunLanes(t *testing.T) {
	f := newFixture(t, cpu.New(cpu.DefaultConfig()))
	id := f.deploy(t, squareSrc)
	placement := device.PlacementGlobal

	res, err := f.exec.RunLanes(context.Background(), LaneRequest{
		Program:   id,
		Lanes:     16,
		GroupSize: 4,
		HeapSize:  16,
		InitHeaps: true,
		Placement: &placement,
	})
	if err != nil {
		t.Fatalf("RunLanes() error: %v", err)
	}
	if !res.Success {
		t.Fatalf("RunLanes() failed: %s", res.Error)
	}
	if res.Groups != 4 {
		t.Errorf("Groups = %d, want 4", res.Groups)
	}
	out := res.Heaps[2]
	for i, v := range out {
		if v != int32(i*i) {
			t.Errorf("output[%d] = %d, want %d", i, v, i*i)
		}
	}

	rec, err := f.runs.GetRun(res.RunID)
	if err != nil {
		t.Fatalf("GetRun() error: %v", err)
	}
	if rec.Platform != cpu.Name || rec.Placement != "global" || rec.Lanes != 16 || rec.GroupSize != 4 {
		t.Errorf("run record = %+v", rec)
	}
}

func TestRunLanesExplicitHeaps(t *testing.T) {
	f := newFixture(t, cpu.New(cpu.DefaultConfig()))
	id := f.deploy(t, squareSrc)

	res, err := f.exec.RunLanes(context.Background(), LaneRequest{
		Program: id,
		Lanes:   3,
		Heaps:   [][]int32{{2, 3, 4}, {5, 6, 7}, {0, 0, 0}},
	})
	if err != nil {
		t.Fatalf("RunLanes() error: %v", err)
	}
	want := []int32{10, 18, 28}
	for i, v := range res.Heaps[2] {
		if v != want[i] {
			t.Errorf("output[%d] = %d, want %d", i, v, want[i])
		}
	}
}

func TestRunLanesFaults(t *testing.T) {
	f := newFixture(t, cpu.New(cpu.DefaultConfig()))
	id := f.deploy(t, squareSrc)

	res, err := f.exec.RunLanes(context.Background(), LaneRequest{Program: id, Lanes: 8, HeapSize: 4, InitHeaps: true})
	if err != nil {
		t.Fatalf("RunLanes() error: %v", err)
	}
	if res.Success || len(res.Heaps) != 0 {
		t.Fatalf("RunLanes() = success %v heaps %v, want fault without heaps", res.Success, res.Heaps)
	}
	if len(res.Faults) != 4 {
		t.Fatalf("Faults = %d, want 4", len(res.Faults))
	}
	for i, fault := range res.Faults {
		if fault.Lane != int32(4+i) || fault.Kind != "heap_index_out_of_range" {
			t.Errorf("Faults[%d] = %+v", i, fault)
		}
	}

	// scalar heap opcodes are rejected when the kernel is prepared
	bad := f.deploy(t, helloSrc)
	res, err = f.exec.RunLanes(context.Background(), LaneRequest{Program: bad, Lanes: 1})
	if err != nil {
		t.Fatalf("RunLanes() error: %v", err)
	}
	if res.Success || !strings.Contains(res.Error, "compile") {
		t.Errorf("RunLanes() = %+v, want compile failure", res)
	}
	rec, _ := f.runs.GetRun(res.RunID)
	if rec == nil || rec.Status != runstore.StatusFailed {
		t.Errorf("run record = %+v, want failed", rec)
	}
}

func TestExecutorErrors(t *testing.T) {
	f := newFixture(t, nil)
	missing := types.HashProgram([]byte("missing"))

	if _, err := f.exec.RunSequential(context.Background(), SequentialRequest{Program: missing}); !errors.Is(err, ErrProgramNotFound) {
		t.Errorf("RunSequential(missing) error = %v, want ErrProgramNotFound", err)
	}
	id := f.deploy(t, squareSrc)
	if _, err := f.exec.RunLanes(context.Background(), LaneRequest{Program: id, Lanes: 1}); !errors.Is(err, ErrNoBackend) {
		t.Errorf("RunLanes() error = %v, want ErrNoBackend", err)
	}
}

func TestProgramCache(t *testing.T) {
	f := newFixture(t, nil)
	id := f.deploy(t, helloSrc)

	if err := f.db.Delete(id); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	if _, err := f.exec.RunSequential(context.Background(), SequentialRequest{Program: id}); err != nil {
		t.Fatalf("cached RunSequential() error: %v", err)
	}

	f.exec.ClearCache()
	if _, err := f.exec.RunSequential(context.Background(), SequentialRequest{Program: id}); !errors.Is(err, ErrProgramNotFound) {
		t.Errorf("RunSequential() after ClearCache error = %v, want ErrProgramNotFound", err)
	}
}

func TestDisassemble(t *testing.T) {
	f := newFixture(t, nil)
	id := f.deploy(t, helloSrc)
	text, err := f.exec.Disassemble(id)
	if err != nil {
		t.Fatalf("Disassemble() error: %v", err)
	}
	if !strings.Contains(text, "0000 ICONST 128") || !strings.Contains(text, "HALT") {
		t.Errorf("Disassemble() = %q", text)
	}
}
