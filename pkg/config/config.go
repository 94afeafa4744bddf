// Package config loads lanevm configuration files.
//
// A file is TOML or YAML, chosen by extension. Missing keys keep the values
// from Default, so a file only needs the settings it changes.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/fortiblox/lanevm/pkg/vm"
	"github.com/fortiblox/lanevm/pkg/vm/device"
	"gopkg.in/yaml.v3"
)

var (
	// ErrUnknownFormat is returned for files that are neither TOML nor YAML.
	ErrUnknownFormat = errors.New("unknown config format")

	// ErrInvalid is wrapped by every validation failure.
	ErrInvalid = errors.New("invalid config")
)

// Config is the complete lanevm configuration.
type Config struct {
	DataDir  string `toml:"data_dir" yaml:"data_dir"`
	LogLevel string `toml:"log_level" yaml:"log_level"`
	LogFile  string `toml:"log_file" yaml:"log_file"`

	VM           VMConfig           `toml:"vm" yaml:"vm"`
	Device       DeviceConfig       `toml:"device" yaml:"device"`
	RPC          RPCConfig          `toml:"rpc" yaml:"rpc"`
	DeviceServer DeviceServerConfig `toml:"device_server" yaml:"device_server"`
	Runs         RunsConfig         `toml:"runs" yaml:"runs"`
	Dashboard    DashboardConfig    `toml:"dashboard" yaml:"dashboard"`
}

// VMConfig holds engine capacities.
type VMConfig struct {
	StackSize int    `toml:"stack_size" yaml:"stack_size"`
	HeapSize  int    `toml:"heap_size" yaml:"heap_size"`
	MaxSteps  uint64 `toml:"max_steps" yaml:"max_steps"` // 0 is unlimited
}

// DeviceConfig selects and tunes the lane backend.
type DeviceConfig struct {
	Platform     int      `toml:"platform" yaml:"platform"`
	Placement    string   `toml:"placement" yaml:"placement"`
	Workers      int      `toml:"workers" yaml:"workers"` // 0 uses GOMAXPROCS
	GroupSize    int      `toml:"group_size" yaml:"group_size"`
	MaxGroupSize int      `toml:"max_group_size" yaml:"max_group_size"`
	Endpoints    []string `toml:"endpoints" yaml:"endpoints"` // remote device servers
}

// RPCConfig configures the JSON-RPC server.
type RPCConfig struct {
	Addr           string `toml:"addr" yaml:"addr"`
	EnableCORS     bool   `toml:"enable_cors" yaml:"enable_cors"`
	LogRequests    bool   `toml:"log_requests" yaml:"log_requests"`
	MaxRequestSize int64  `toml:"max_request_size" yaml:"max_request_size"`
}

// DeviceServerConfig configures the gRPC device server.
type DeviceServerConfig struct {
	Addr string `toml:"addr" yaml:"addr"`
}

// RunsConfig configures run history retention.
type RunsConfig struct {
	Retain uint64 `toml:"retain" yaml:"retain"` // 0 keeps every run
}

// DashboardConfig configures the web dashboard served next to the RPC API.
type DashboardConfig struct {
	Enabled     bool   `toml:"enabled" yaml:"enabled"`
	BindAddress string `toml:"bind_address" yaml:"bind_address"`
	Port        int    `toml:"port" yaml:"port"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		DataDir:  defaultDataDir(),
		LogLevel: "info",
		VM: VMConfig{
			StackSize: vm.StackSizeDefault,
			HeapSize:  vm.HeapSizeDefault,
		},
		Device: DeviceConfig{
			Placement:    device.PlacementPrivate.String(),
			GroupSize:    64,
			MaxGroupSize: 1024,
		},
		RPC: RPCConfig{
			Addr:           "127.0.0.1:8899",
			EnableCORS:     true,
			MaxRequestSize: 10 * 1024 * 1024,
		},
		DeviceServer: DeviceServerConfig{
			Addr: ":7070",
		},
		Runs: RunsConfig{
			Retain: 10000,
		},
		Dashboard: DashboardConfig{
			BindAddress: "127.0.0.1",
			Port:        8080,
		},
	}
}

func defaultDataDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".lanevm")
	}
	return ".lanevm"
}

// Load reads path over the defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	cfg := Default()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse error in %s: %w", path, err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse error in %s: %w", path, err)
		}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownFormat, path)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	if c.VM.StackSize <= 0 || c.VM.StackSize > vm.StackSizeMax {
		return fmt.Errorf("%w: vm.stack_size %d", ErrInvalid, c.VM.StackSize)
	}
	if c.VM.HeapSize <= 0 || c.VM.HeapSize > vm.HeapSizeMax {
		return fmt.Errorf("%w: vm.heap_size %d", ErrInvalid, c.VM.HeapSize)
	}
	if _, err := device.ParsePlacement(c.Device.Placement); err != nil {
		return fmt.Errorf("%w: device.placement: %v", ErrInvalid, err)
	}
	if c.Device.Platform < 0 {
		return fmt.Errorf("%w: device.platform %d", ErrInvalid, c.Device.Platform)
	}
	if c.Device.Workers < 0 {
		return fmt.Errorf("%w: device.workers %d", ErrInvalid, c.Device.Workers)
	}
	if c.Device.GroupSize < 0 || c.Device.MaxGroupSize < 0 {
		return fmt.Errorf("%w: device group sizes %d/%d", ErrInvalid, c.Device.GroupSize, c.Device.MaxGroupSize)
	}
	if c.Device.MaxGroupSize > 0 && c.Device.GroupSize > c.Device.MaxGroupSize {
		return fmt.Errorf("%w: device.group_size %d exceeds max_group_size %d", ErrInvalid, c.Device.GroupSize, c.Device.MaxGroupSize)
	}
	if c.Dashboard.Port < 0 || c.Dashboard.Port > 65535 {
		return fmt.Errorf("%w: dashboard.port %d", ErrInvalid, c.Dashboard.Port)
	}
	if c.RPC.MaxRequestSize <= 0 {
		return fmt.Errorf("%w: rpc.max_request_size %d", ErrInvalid, c.RPC.MaxRequestSize)
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("%w: log_level %q", ErrInvalid, c.LogLevel)
	}
	return nil
}

// PlacementValue returns the parsed device placement.
func (c *Config) PlacementValue() device.Placement {
	p, _ := device.ParsePlacement(c.Device.Placement)
	return p
}

// ProgramsDir is where the program registry lives.
func (c *Config) ProgramsDir() string {
	return filepath.Join(c.DataDir, "programs")
}

// RunsPath is the run history database file.
func (c *Config) RunsPath() string {
	return filepath.Join(c.DataDir, "runs.db")
}

// Write saves the configuration as TOML.
func (c *Config) Write(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := toml.NewEncoder(f).Encode(c); err != nil {
		f.Close()
		return fmt.Errorf("encode %s: %w", path, err)
	}
	return f.Close()
}
