package main

import (
	"context"
	"flag"

	"github.com/fortiblox/lanevm/pkg/bench"
	"github.com/fortiblox/lanevm/pkg/config"
	"github.com/fortiblox/lanevm/pkg/vm/device"
)

func benchCommand(ctx context.Context, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("bench", flag.ExitOnError)
	iterations := fs.Int("iterations", bench.DefaultIterations, "Samples per workload")
	size := fs.Int("size", 1024, "Vector length")
	group := fs.Int("group", 0, "Work-group size (0 uses the backend default)")
	platform := fs.Int("platform", cfg.Device.Platform, "Platform index")
	fs.Parse(args)

	registry, cleanup, err := buildRegistry(ctx, cfg, cfg.Device.Endpoints)
	if err != nil {
		return err
	}
	defer cleanup()
	backend, err := registry.Select(*platform)
	if err != nil {
		return err
	}

	p := newPrinter()
	p.heading("Vector length %d, %d iterations, platform %s", *size, *iterations, backend.Name())

	seq, err := bench.Run(ctx, "sequential add", *iterations, bench.Sequential(bench.VectorAddLoop(*size), 0, 3**size))
	if err != nil {
		return err
	}
	p.line("%s", seq)

	for _, placement := range []device.Placement{device.PlacementGlobal, device.PlacementLocal, device.PlacementPrivate} {
		k, err := bench.PrepareSequential(ctx, backend, bench.VectorAddLoop(*size), 0, 3**size, placement)
		if err != nil {
			return err
		}
		res, err := bench.Run(ctx, "device sequential add ("+placement.String()+")", *iterations, k.Sample())
		k.Close()
		if err != nil {
			return err
		}
		p.line("%s", res)
	}

	workloads := []struct {
		name      string
		placement device.Placement
		mul       bool
	}{
		{"lanes add (global)", device.PlacementGlobal, false},
		{"lanes add (local)", device.PlacementLocal, false},
		{"lanes add (private)", device.PlacementPrivate, false},
		{"lanes mul (private)", device.PlacementPrivate, true},
	}
	for _, w := range workloads {
		program := bench.VectorAddLanes()
		if w.mul {
			program = bench.VectorMulLanes()
		}
		engine, err := bench.NewLaneEngine(ctx, program, *size, w.placement, backend)
		if err != nil {
			return err
		}
		res, err := bench.Run(ctx, w.name, *iterations, bench.Lanes(engine, *size, *group))
		engine.Close()
		if err != nil {
			return err
		}
		p.line("%s", res)
	}
	return nil
}
