package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"strings"

	"github.com/fortiblox/lanevm/pkg/config"
	"github.com/fortiblox/lanevm/pkg/programs"
	"github.com/fortiblox/lanevm/pkg/vm/bytecode"
	"github.com/fortiblox/lanevm/pkg/vm/device"
	"github.com/fortiblox/lanevm/pkg/vm/executor"
	"github.com/fortiblox/lanevm/pkg/vm/loader"
)

var errUsage = errors.New("wrong number of arguments")

// localExecutor deploys the image at path into an in-memory registry and
// returns an executor over it. Runs are not recorded.
func localExecutor(cfg *config.Config, path string, backend device.Backend) (*executor.Executor, *loader.Image, error) {
	img, err := loader.LoadFile(bytecode.NewTable(), path)
	if err != nil {
		return nil, nil, err
	}
	exec := executor.New(executorConfig(cfg), programs.NewMemoryDB(), backend, nil)
	if _, err := exec.Deploy(img); err != nil {
		return nil, nil, err
	}
	return exec, img, nil
}

func executorConfig(cfg *config.Config) executor.Config {
	ec := executor.DefaultConfig()
	ec.StackSize = cfg.VM.StackSize
	ec.HeapSize = cfg.VM.HeapSize
	ec.MaxSteps = cfg.VM.MaxSteps
	ec.Placement = cfg.PlacementValue()
	ec.GroupSize = cfg.Device.GroupSize
	return ec
}

func report(p *printer, res *executor.ExecutionResult, heaps bool) error {
	if len(res.Trace) > 0 {
		p.heading("TRACE:")
		for _, line := range res.Trace {
			p.line("%s", line)
		}
	}
	for lane, row := range res.Printed {
		for _, v := range row {
			if len(res.Printed) > 1 {
				p.line("[VM lane %d] %d", lane, v)
			} else {
				p.line("[VM] %d", v)
			}
		}
	}
	if heaps {
		for sel, h := range res.Heaps {
			if len(res.Heaps) > 1 {
				p.heading("HEAP %d:", sel)
			} else {
				p.heading("HEAP:")
			}
			p.words(h)
		}
	}
	log.Infof("Executed %d steps in %v", res.Steps, res.Elapsed)
	if !res.Success {
		return errors.New(res.Error)
	}
	return nil
}

// selectBackend builds the platform registry and selects one backend. The
// returned cleanup closes remote endpoints.
func selectBackend(ctx context.Context, cfg *config.Config, platform int, remoteAddr string) (device.Backend, func(), error) {
	endpoints := cfg.Device.Endpoints
	if remoteAddr != "" {
		endpoints = strings.Split(remoteAddr, ",")
	}
	registry, cleanup, err := buildRegistry(ctx, cfg, endpoints)
	if err != nil {
		return nil, nil, err
	}
	backend, err := registry.Select(platform)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	log.Infof("Using platform %d --> %s", platform, backend.Name())
	return backend, cleanup, nil
}

func runCommand(ctx context.Context, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	trace := fs.Bool("trace", false, "Print each instruction before it executes")
	stack := fs.Int("stack", cfg.VM.StackSize, "Stack capacity in cells")
	heap := fs.Int("heap", cfg.VM.HeapSize, "Heap size in cells")
	initHeap := fs.Bool("init-heap", false, "Fill the heap with its indices before running")
	showHeap := fs.Bool("show-heap", true, "Print the heap after the run")
	maxSteps := fs.Uint64("max-steps", cfg.VM.MaxSteps, "Step limit (0 is unlimited)")
	platform := fs.Int("platform", -1, "Run as a one-lane kernel on this platform index (-1 runs on the host)")
	placement := fs.String("placement", cfg.Device.Placement, "Kernel stack placement: global, local, private")
	remoteAddr := fs.String("remote", "", "Comma separated device server addresses")
	fs.Parse(args)
	if fs.NArg() != 1 {
		return errUsage
	}

	req := executor.SequentialRequest{
		StackSize: *stack,
		HeapSize:  *heap,
		InitHeap:  *initHeap,
		Trace:     *trace,
		MaxSteps:  *maxSteps,
	}
	var backend device.Backend
	if *platform >= 0 {
		pl, err := device.ParsePlacement(*placement)
		if err != nil {
			return err
		}
		b, cleanup, err := selectBackend(ctx, cfg, *platform, *remoteAddr)
		if err != nil {
			return err
		}
		defer cleanup()
		backend = b
		req.Device = true
		req.Placement = &pl
	}

	exec, img, err := localExecutor(cfg, fs.Arg(0), backend)
	if err != nil {
		return err
	}
	req.Program = img.ID()
	res, err := exec.RunSequential(ctx, req)
	if err != nil {
		return err
	}
	return report(newPrinter(), res, *showHeap)
}

func lanesCommand(ctx context.Context, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("lanes", flag.ExitOnError)
	count := fs.Int("lanes", 16, "Number of lanes")
	group := fs.Int("group", 0, "Work-group size (0 uses the backend default)")
	placement := fs.String("placement", cfg.Device.Placement, "Lane stack placement: global, local, private")
	platform := fs.Int("platform", cfg.Device.Platform, "Platform index")
	remoteAddr := fs.String("remote", "", "Comma separated device server addresses")
	heap := fs.Int("heap", 0, "Heap size in cells (default: one cell per lane)")
	initHeaps := fs.Bool("init-heaps", true, "Fill every heap with its indices before running")
	trace := fs.Bool("trace", false, "Print each lane instruction before it executes")
	showHeap := fs.Bool("show-heap", true, "Print the heaps after the run")
	fs.Parse(args)
	if fs.NArg() != 1 {
		return errUsage
	}

	pl, err := device.ParsePlacement(*placement)
	if err != nil {
		return err
	}
	backend, cleanup, err := selectBackend(ctx, cfg, *platform, *remoteAddr)
	if err != nil {
		return err
	}
	defer cleanup()

	exec, img, err := localExecutor(cfg, fs.Arg(0), backend)
	if err != nil {
		return err
	}
	heapSize := *heap
	if heapSize == 0 {
		heapSize = *count
	}
	res, err := exec.RunLanes(ctx, executor.LaneRequest{
		Program:   img.ID(),
		Lanes:     *count,
		GroupSize: *group,
		StackSize: cfg.VM.StackSize,
		HeapSize:  heapSize,
		InitHeaps: *initHeaps,
		Placement: &pl,
		Trace:     *trace,
		MaxSteps:  cfg.VM.MaxSteps,
	})
	if err != nil {
		return err
	}
	for _, f := range res.Faults {
		log.Errorf("Lane %d faulted at ip %d (%s): %s", f.Lane, f.IP, f.Mnemonic, f.Kind)
	}
	return report(newPrinter(), res, *showHeap)
}

func asmCommand(ctx context.Context, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("asm", flag.ExitOnError)
	compress := fs.Bool("compress", false, "Compress the image payload with zstd")
	fs.Parse(args)
	if fs.NArg() != 2 {
		return errUsage
	}

	img, err := loader.LoadFile(bytecode.NewTable(), fs.Arg(0))
	if err != nil {
		return err
	}
	if err := loader.WriteFile(fs.Arg(1), img, loader.EncodeOptions{Compress: *compress}); err != nil {
		return err
	}
	newPrinter().line("%s: %d words, entry %d, id %s", fs.Arg(1), img.Program.Len(), img.Entry, img.ID())
	return nil
}

func disasmCommand(ctx context.Context, cfg *config.Config, args []string) error {
	if len(args) != 1 {
		return errUsage
	}
	table := bytecode.NewTable()
	img, err := loader.LoadFile(table, args[0])
	if err != nil {
		return err
	}
	p := newPrinter()
	p.heading("; %s entry %d", img.ID(), img.Entry)
	fmt.Fprint(p.w, bytecode.Disassemble(table, img.Program))
	return nil
}

func platformsCommand(ctx context.Context, cfg *config.Config, args []string) error {
	registry, cleanup, err := buildRegistry(ctx, cfg, cfg.Device.Endpoints)
	if err != nil {
		return err
	}
	defer cleanup()

	platforms := registry.Platforms()
	p := newPrinter()
	p.heading("%d platform(s) detected", len(platforms))
	for _, info := range platforms {
		p.line("Platform: %d\t%s", info.Index, info.Name)
	}
	return nil
}
