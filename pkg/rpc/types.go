package rpc

import (
	"encoding/json"

	"github.com/fortiblox/lanevm/pkg/runstore"
	"github.com/fortiblox/lanevm/pkg/vm/executor"
)

// JSON-RPC 2.0 constants.
const (
	JSONRPCVersion = "2.0"
)

// Request represents a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response represents a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

// RPCError represents a JSON-RPC 2.0 error.
type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Encoding names how program data is carried in a request.
type Encoding string

const (
	EncodingSource     Encoding = "lasm" // assembly text
	EncodingBase58     Encoding = "base58"
	EncodingBase64     Encoding = "base64"
	EncodingBase64Zstd Encoding = "base64+zstd"
)

// PutProgramConfig configures putProgram.
type PutProgramConfig struct {
	Encoding Encoding `json:"encoding,omitempty"`
	Compress bool     `json:"compress,omitempty"` // store the image zstd-compressed
}

// ProgramInfo describes a stored program.
type ProgramInfo struct {
	ID          string `json:"id"`
	Words       int    `json:"words"`
	Entry       int    `json:"entry"`
	Size        int    `json:"size,omitempty"`
	Compressed  bool   `json:"compressed"`
	Disassembly string `json:"disassembly,omitempty"`
	Image       string `json:"image,omitempty"` // base64 image, on request
}

// GetProgramConfig configures getProgram.
type GetProgramConfig struct {
	WithImage bool `json:"withImage,omitempty"`
}

// RunProgramConfig configures runProgram.
type RunProgramConfig struct {
	StackSize int     `json:"stackSize,omitempty"`
	HeapSize  int     `json:"heapSize,omitempty"`
	Heap      []int32 `json:"heap,omitempty"`
	InitHeap  bool    `json:"initHeap,omitempty"`
	Trace     bool    `json:"trace,omitempty"`
	MaxSteps  uint64  `json:"maxSteps,omitempty"`

	// Device runs the program as a one-lane kernel on the lane backend.
	Device    bool   `json:"device,omitempty"`
	Placement string `json:"placement,omitempty"`
}

// RunLanesConfig configures runLanes.
type RunLanesConfig struct {
	Lanes     int       `json:"lanes"`
	GroupSize int       `json:"groupSize,omitempty"`
	StackSize int       `json:"stackSize,omitempty"`
	HeapSize  int       `json:"heapSize,omitempty"`
	HeapCount int       `json:"heapCount,omitempty"`
	Heaps     [][]int32 `json:"heaps,omitempty"`
	InitHeaps bool      `json:"initHeaps,omitempty"`
	Placement string    `json:"placement,omitempty"`
	Trace     bool      `json:"trace,omitempty"`
	MaxSteps  uint64    `json:"maxSteps,omitempty"`
}

// GetRunsConfig configures getRuns.
type GetRunsConfig struct {
	Program string `json:"program,omitempty"`
	Limit   int    `json:"limit,omitempty"`
	Before  uint64 `json:"before,omitempty"`
}

// RunResult is the result of runProgram and runLanes.
type RunResult = executor.ExecutionResult

// VersionResult is the result of getVersion.
type VersionResult struct {
	Version string `json:"lanevm"`
	Backend string `json:"backend,omitempty"`
}

// StatsResult is the result of getStats.
type StatsResult struct {
	Programs uint64          `json:"programs"`
	Runs     *runstore.Stats `json:"runs,omitempty"`
	Backend  string          `json:"backend,omitempty"`
}

// Maximum number of runs returned by getRuns.
const MaxRunsLimit = 1000
