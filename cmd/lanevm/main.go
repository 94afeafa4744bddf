// lanevm: stack bytecode VM with sequential and SIMT lane execution.
//
// This is the command-line entry point. It runs programs on the sequential
// engine or as lane kernels on a device backend, benchmarks the built-in
// vector workloads, assembles and disassembles program images, and serves
// the JSON-RPC and device APIs.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"

	"github.com/fortiblox/lanevm/pkg/config"
)

// Version information
var (
	Version   = "0.1.0"
	GitCommit = "dev"
)

var log = commonlog.GetLogger("lanevm")

// Global flags
var (
	configPath  = flag.String("config", "", "Config file (.toml, .yaml)")
	logLevel    = flag.String("log-level", "", "Log level: debug, info, warn, error (overrides config)")
	logFile     = flag.String("log-file", "", "Log file (default stderr)")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

type command struct {
	name  string
	usage string
	run   func(ctx context.Context, cfg *config.Config, args []string) error
}

var commands = []command{
	{"run", "run [flags] file            run a program on the sequential engine", runCommand},
	{"lanes", "lanes [flags] file          run a kernel over many lanes", lanesCommand},
	{"bench", "bench [flags]               benchmark the built-in vector programs", benchCommand},
	{"asm", "asm [-compress] in out      assemble a .lasm source into a .lvm image", asmCommand},
	{"disasm", "disasm file                 print a program listing", disasmCommand},
	{"platforms", "platforms                   list device platforms", platformsCommand},
	{"serve", "serve [flags]               serve the JSON-RPC API", serveCommand},
	{"device", "device [flags]              serve the CPU backend over gRPC", deviceCommand},
}

func usage() {
	out := flag.CommandLine.Output()
	fmt.Fprintf(out, "Usage: lanevm [global flags] <command> [flags]\n\nCommands:\n")
	for _, c := range commands {
		fmt.Fprintf(out, "  %s\n", c.usage)
	}
	fmt.Fprintf(out, "\nGlobal flags:\n")
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	flag.Parse()

	if *showVersion {
		fmt.Printf("lanevm %s (%s)\n", Version, GitCommit)
		os.Exit(0)
	}
	if flag.NArg() == 0 {
		usage()
		os.Exit(2)
	}

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "lanevm: %v\n", err)
		os.Exit(1)
	}
	setupLogging(cfg)

	name, args := flag.Arg(0), flag.Args()[1:]
	var cmd *command
	for i := range commands {
		if commands[i].name == name {
			cmd = &commands[i]
			break
		}
	}
	if cmd == nil {
		fmt.Fprintf(os.Stderr, "lanevm: unknown command %q\n\n", name)
		usage()
		os.Exit(2)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Noticef("Received signal %v, shutting down...", sig)
		cancel()
	}()

	if err := cmd.run(ctx, cfg, args); err != nil {
		fmt.Fprintf(os.Stderr, "lanevm %s: %v\n", name, err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	if *configPath == "" {
		return config.Default(), nil
	}
	return config.Load(*configPath)
}

// setupLogging configures commonlog from the config, with flags taking
// precedence.
func setupLogging(cfg *config.Config) {
	level := cfg.LogLevel
	if *logLevel != "" {
		level = *logLevel
	}
	path := cfg.LogFile
	if *logFile != "" {
		path = *logFile
	}

	verbosity := 1
	switch level {
	case "debug":
		verbosity = 2
	case "info":
		verbosity = 1
	case "warn", "warning":
		verbosity = -1
	case "error":
		verbosity = -2
	}
	if path == "" {
		commonlog.Configure(verbosity, nil)
	} else {
		commonlog.Configure(verbosity, &path)
	}
}
