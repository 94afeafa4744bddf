package main

import (
	"context"
	"flag"
	"os"
	"time"

	"github.com/fortiblox/lanevm/pkg/config"
	"github.com/fortiblox/lanevm/pkg/dashboard"
	"github.com/fortiblox/lanevm/pkg/programs"
	"github.com/fortiblox/lanevm/pkg/rpc"
	"github.com/fortiblox/lanevm/pkg/runstore"
	"github.com/fortiblox/lanevm/pkg/vm/device"
	"github.com/fortiblox/lanevm/pkg/vm/device/cpu"
	"github.com/fortiblox/lanevm/pkg/vm/device/remote"
	"github.com/fortiblox/lanevm/pkg/vm/executor"
)

// buildRegistry registers the CPU backend as platform 0 and, when endpoints
// are given, a remote pool as platform 1. cleanup closes the pool.
func buildRegistry(ctx context.Context, cfg *config.Config, endpoints []string) (*device.Registry, func(), error) {
	registry := device.NewRegistry(cpu.New(cpuConfig(cfg)))
	if len(endpoints) == 0 {
		return registry, func() {}, nil
	}

	pool, err := remote.DialPool(endpoints)
	if err != nil {
		return nil, nil, err
	}
	pool.SetOnHealthChange(func(endpoint string, healthy bool) {
		if healthy {
			log.Infof("Device endpoint %s is healthy", endpoint)
		} else {
			log.Warningf("Device endpoint %s is unhealthy", endpoint)
		}
	})
	pool.Start(ctx)
	registry.Register(pool)
	log.Infof("Registered remote pool with %d endpoint(s)", len(endpoints))
	return registry, func() { pool.Close() }, nil
}

func cpuConfig(cfg *config.Config) cpu.Config {
	cc := cpu.DefaultConfig()
	if cfg.Device.Workers > 0 {
		cc.Workers = cfg.Device.Workers
	}
	cc.DefaultGroupSize = cfg.Device.GroupSize
	cc.MaxGroupSize = cfg.Device.MaxGroupSize
	return cc
}

func serveCommand(ctx context.Context, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	addr := fs.String("addr", cfg.RPC.Addr, "RPC server listen address")
	dataDir := fs.String("data-dir", cfg.DataDir, "Data directory for programs and run history")
	retain := fs.Uint64("retain", cfg.Runs.Retain, "Runs to keep in history (0 keeps all)")
	enableDashboard := fs.Bool("dashboard", cfg.Dashboard.Enabled, "Serve the web dashboard")
	dashboardPort := fs.Int("dashboard-port", cfg.Dashboard.Port, "Dashboard port")
	fs.Parse(args)
	cfg.DataDir = *dataDir

	log.Infof("Starting lanevm %s", Version)
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return err
	}

	db, err := programs.NewBadgerDB(programs.DefaultBadgerDBConfig(cfg.ProgramsDir()))
	if err != nil {
		return err
	}
	defer db.Close()

	runsConfig := runstore.DefaultConfig(cfg.RunsPath())
	runsConfig.RetainRuns = *retain
	runsConfig.PruneEnabled = *retain > 0
	runs, err := runstore.Open(runsConfig)
	if err != nil {
		return err
	}
	defer runs.Close()

	registry, cleanup, err := buildRegistry(ctx, cfg, cfg.Device.Endpoints)
	if err != nil {
		return err
	}
	defer cleanup()
	backend, err := registry.Select(cfg.Device.Platform)
	if err != nil {
		return err
	}
	log.Infof("Using platform %d --> %s", cfg.Device.Platform, backend.Name())

	count, _ := db.Count()
	log.Infof("Program registry at %s holds %d program(s)", cfg.ProgramsDir(), count)

	exec := executor.New(executorConfig(cfg), db, backend, runs)

	rpcConfig := rpc.DefaultConfig()
	rpcConfig.Addr = *addr
	rpcConfig.EnableCORS = cfg.RPC.EnableCORS
	rpcConfig.LogRequests = cfg.RPC.LogRequests
	rpcConfig.MaxRequestSize = cfg.RPC.MaxRequestSize
	rpcConfig.Version = Version
	server := rpc.New(rpcConfig, exec, db, runs)

	if *enableDashboard {
		dashConfig := dashboard.DefaultConfig()
		dashConfig.BindAddress = cfg.Dashboard.BindAddress
		dashConfig.Port = *dashboardPort
		dashConfig.Backend = backend.Name()
		dash, err := dashboard.New(dashConfig, runs, db)
		if err != nil {
			return err
		}
		go func() {
			if err := dash.Start(ctx); err != nil {
				log.Errorf("Dashboard stopped: %v", err)
			}
		}()
	}

	go func() {
		ticker := time.NewTicker(10 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := db.RunGC(); err != nil {
					log.Warningf("Program registry GC failed: %v", err)
				}
			}
		}
	}()

	return server.Start(ctx)
}

func deviceCommand(ctx context.Context, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("device", flag.ExitOnError)
	addr := fs.String("addr", cfg.DeviceServer.Addr, "Device server listen address")
	fs.Parse(args)

	log.Infof("Starting lanevm %s device server", Version)
	server := remote.NewServer(cpu.New(cpuConfig(cfg)), Version)
	return server.ListenAndServe(ctx, *addr)
}
