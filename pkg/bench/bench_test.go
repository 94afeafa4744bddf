package bench

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fortiblox/lanevm/pkg/vm/device"
	"github.com/fortiblox/lanevm/pkg/vm/device/cpu"
	"github.com/fortiblox/lanevm/pkg/vm/interp"
	"github.com/fortiblox/lanevm/pkg/vm/lanes"
)

func TestMedian(t *testing.T) {
	tests := []struct {
		name    string
		samples []time.Duration
		want    time.Duration
	}{
		{"empty", nil, 0},
		{"single", []time.Duration{7}, 7},
		{"odd", []time.Duration{9, 1, 5}, 5},
		{"even", []time.Duration{4, 1, 3, 2}, 2}, // (2+3)/2 truncates
		{"even exact", []time.Duration{10, 30, 20, 40}, 25},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Median(tt.samples); got != tt.want {
				t.Errorf("Median() = %d, want %d", got, tt.want)
			}
		})
	}

	in := []time.Duration{3, 1, 2}
	Median(in)
	if in[0] != 3 {
		t.Error("Median() reordered its input")
	}
}

func TestRun(t *testing.T) {
	calls := 0
	res, err := Run(context.Background(), "count", 0, func(context.Context) (time.Duration, error) {
		calls++
		return time.Duration(calls), nil
	})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if calls != DefaultIterations {
		t.Errorf("Run() made %d calls, want %d", calls, DefaultIterations)
	}
	if res.Median != 6 || res.Min != 1 || res.Max != 11 {
		t.Errorf("Run() = median %d min %d max %d, want 6 1 11", res.Median, res.Min, res.Max)
	}

	boom := errors.New("boom")
	_, err = Run(context.Background(), "fail", 3, func(context.Context) (time.Duration, error) {
		return 0, boom
	})
	if !errors.Is(err, boom) {
		t.Errorf("Run() error = %v, want boom", err)
	}
	if _, err := Run(context.Background(), "neg", -1, nil); !errors.Is(err, ErrNoIterations) {
		t.Errorf("Run(-1) error = %v, want ErrNoIterations", err)
	}
}

func TestVectorAddLoop(t *testing.T) {
	const size = 16
	m, err := interp.NewMachine(VectorAddLoop(size), 0, interp.Options{HeapSize: 3 * size})
	if err != nil {
		t.Fatalf("NewMachine() error: %v", err)
	}
	m.InitHeap()
	if _, err := m.Run(); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	h := m.Heap()
	for i := 0; i < size; i++ {
		if want := int32(3*size + 2*i); h[i] != want {
			t.Errorf("heap[%d] = %d, want %d", i, h[i], want)
		}
	}

	res, err := Run(context.Background(), "seq", 3, Sequential(VectorAddLoop(size), 0, 3*size))
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if len(res.Samples) != 3 {
		t.Errorf("Run() samples = %d, want 3", len(res.Samples))
	}
}

func TestSequentialKernel(t *testing.T) {
	const size = 16
	ctx := context.Background()
	backend := cpu.New(cpu.DefaultConfig())

	host, err := interp.NewMachine(VectorAddLoop(size), 0, interp.Options{HeapSize: 3 * size})
	if err != nil {
		t.Fatalf("NewMachine() error: %v", err)
	}
	host.InitHeap()
	if _, err := host.Run(); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	for _, p := range []device.Placement{device.PlacementGlobal, device.PlacementLocal, device.PlacementPrivate} {
		t.Run(p.String(), func(t *testing.T) {
			k, err := PrepareSequential(ctx, backend, VectorAddLoop(size), 0, 3*size, p)
			if err != nil {
				t.Fatalf("PrepareSequential() error: %v", err)
			}
			defer k.Close()

			if _, err := Run(ctx, "device seq", 2, k.Sample()); err != nil {
				t.Fatalf("Run() error: %v", err)
			}
			got := k.Heap()
			if len(got) != len(host.Heap()) {
				t.Fatalf("Heap() has %d cells, want %d", len(got), len(host.Heap()))
			}
			for i, v := range got {
				if want := host.Heap()[i]; v != want {
					t.Errorf("heap[%d] = %d, want %d", i, v, want)
				}
			}
		})
	}
	if n := backend.Kernels(); n != 0 {
		t.Errorf("Kernels() = %d after Close, want 0", n)
	}
}

func TestLaneWorkloads(t *testing.T) {
	const size = 32
	ctx := context.Background()
	backend := cpu.New(cpu.DefaultConfig())

	tests := []struct {
		name string
		make func() *lanes.Engine
		want func(i int32) int32
	}{
		{"mul", func() *lanes.Engine {
			e, err := NewLaneEngine(ctx, VectorMulLanes(), size, device.PlacementPrivate, backend)
			if err != nil {
				t.Fatalf("NewLaneEngine() error: %v", err)
			}
			return e
		}, func(i int32) int32 { return i * i }},
		{"add", func() *lanes.Engine {
			e, err := NewLaneEngine(ctx, VectorAddLanes(), size, device.PlacementLocal, backend)
			if err != nil {
				t.Fatalf("NewLaneEngine() error: %v", err)
			}
			return e
		}, func(i int32) int32 { return 2 * i }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := tt.make()
			defer e.Close()

			if _, err := Run(ctx, tt.name, 2, Lanes(e, size, 8)); err != nil {
				t.Fatalf("Run() error: %v", err)
			}
			out, _ := e.Heap(2)
			for i, v := range out {
				if want := tt.want(int32(i)); v != want {
					t.Errorf("output[%d] = %d, want %d", i, v, want)
				}
			}
		})
	}
}
