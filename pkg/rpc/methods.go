package rpc

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"

	"github.com/fortiblox/lanevm/internal/types"
	"github.com/fortiblox/lanevm/pkg/runstore"
	"github.com/fortiblox/lanevm/pkg/vm"
	"github.com/fortiblox/lanevm/pkg/vm/bytecode"
	"github.com/fortiblox/lanevm/pkg/vm/device"
	"github.com/fortiblox/lanevm/pkg/vm/executor"
	"github.com/fortiblox/lanevm/pkg/vm/loader"
)

// parseParams decodes positional params into dst. Missing trailing params
// leave their targets untouched.
func parseParams(params json.RawMessage, required int, dst ...interface{}) *RPCError {
	var raw []json.RawMessage
	if len(params) > 0 && string(params) != "null" {
		if err := json.Unmarshal(params, &raw); err != nil {
			return InvalidParamsError("params must be an array")
		}
	}
	if len(raw) < required {
		return InvalidParamsErrorf("expected at least %d params, got %d", required, len(raw))
	}
	if len(raw) > len(dst) {
		return InvalidParamsErrorf("expected at most %d params, got %d", len(dst), len(raw))
	}
	for i, r := range raw {
		if string(r) == "null" {
			continue
		}
		if err := json.Unmarshal(r, dst[i]); err != nil {
			return InvalidParamsErrorf("param %d: %v", i, err)
		}
	}
	return nil
}

func parseProgramID(s string) (types.ProgramID, *RPCError) {
	id, err := types.ParseProgramID(s)
	if err != nil {
		return id, InvalidParamsErrorf("invalid program id: %v", err)
	}
	return id, nil
}

// executionError maps an executor error to an RPC error.
func executionError(id types.ProgramID, err error) *RPCError {
	switch {
	case errors.Is(err, executor.ErrProgramNotFound):
		return ProgramNotFoundError(id.String())
	case errors.Is(err, executor.ErrNoBackend), errors.Is(err, device.ErrBackendUnavailable):
		return BackendUnavailableError(err)
	case errors.Is(err, executor.ErrInvalidRequest):
		return InvalidParamsError(err.Error())
	default:
		return InternalServerErrorf("execution failed: %v", err)
	}
}

// getHealth returns "ok" when the node is healthy.
func (s *Server) getHealth(ctx context.Context, params json.RawMessage) (interface{}, *RPCError) {
	if !s.IsHealthy() {
		return nil, ErrNodeUnhealthy
	}
	return "ok", nil
}

func (s *Server) getVersion(ctx context.Context, params json.RawMessage) (interface{}, *RPCError) {
	result := VersionResult{Version: s.config.Version}
	if b := s.exec.Backend(); b != nil {
		result.Backend = b.Name()
	}
	return result, nil
}

func (s *Server) getStats(ctx context.Context, params json.RawMessage) (interface{}, *RPCError) {
	count, err := s.db.Count()
	if err != nil {
		return nil, InternalServerErrorf("count programs: %v", err)
	}
	result := StatsResult{Programs: count}
	if s.runs != nil {
		stats, err := s.runs.Stats()
		if err != nil {
			return nil, InternalServerErrorf("run stats: %v", err)
		}
		result.Runs = stats
	}
	if b := s.exec.Backend(); b != nil {
		result.Backend = b.Name()
	}
	return result, nil
}

// putProgram stores a program given as assembly source or an encoded image.
// Params: [data, {encoding, compress}]
func (s *Server) putProgram(ctx context.Context, params json.RawMessage) (interface{}, *RPCError) {
	var data string
	var cfg PutProgramConfig
	if rpcErr := parseParams(params, 1, &data, &cfg); rpcErr != nil {
		return nil, rpcErr
	}
	encoding, err := ParseEncoding(string(cfg.Encoding))
	if err != nil {
		return nil, InvalidParamsError(err.Error())
	}

	var img *loader.Image
	if encoding == EncodingSource {
		program, entry, err := bytecode.Assemble(bytecode.NewTable(), data)
		if err != nil {
			return nil, ProgramRejectedError(err)
		}
		img = &loader.Image{Program: program, Entry: entry}
	} else {
		raw, err := DecodeProgramData(data, encoding)
		if err != nil {
			return nil, InvalidParamsErrorf("decode program: %v", err)
		}
		if img, err = loader.Load(raw); err != nil {
			return nil, ProgramRejectedError(err)
		}
	}
	if cfg.Compress {
		img.Compressed = true
	}
	if err := img.Program.CheckEntry(img.Entry); err != nil {
		return nil, ProgramRejectedError(err)
	}

	id, err := s.exec.Deploy(img)
	if err != nil {
		return nil, InternalServerErrorf("store program: %v", err)
	}
	return ProgramInfo{
		ID:         id.String(),
		Words:      img.Program.Len(),
		Entry:      img.Entry,
		Compressed: img.Compressed,
	}, nil
}

// getProgram returns a stored program and its disassembly.
// Params: [id, {withImage}]
func (s *Server) getProgram(ctx context.Context, params json.RawMessage) (interface{}, *RPCError) {
	var idStr string
	var cfg GetProgramConfig
	if rpcErr := parseParams(params, 1, &idStr, &cfg); rpcErr != nil {
		return nil, rpcErr
	}
	id, rpcErr := parseProgramID(idStr)
	if rpcErr != nil {
		return nil, rpcErr
	}

	img, err := s.exec.Program(id)
	if err != nil {
		return nil, executionError(id, err)
	}
	info := ProgramInfo{
		ID:          id.String(),
		Words:       img.Program.Len(),
		Entry:       img.Entry,
		Compressed:  img.Compressed,
		Disassembly: bytecode.Disassemble(bytecode.NewTable(), img.Program),
	}
	if cfg.WithImage {
		raw, err := loader.Encode(img, loader.EncodeOptions{Compress: img.Compressed})
		if err != nil {
			return nil, InternalServerErrorf("encode image: %v", err)
		}
		info.Size = len(raw)
		info.Image = base64.StdEncoding.EncodeToString(raw)
	}
	return info, nil
}

func (s *Server) listPrograms(ctx context.Context, params json.RawMessage) (interface{}, *RPCError) {
	entries, err := s.db.List()
	if err != nil {
		return nil, InternalServerErrorf("list programs: %v", err)
	}
	result := make([]ProgramInfo, len(entries))
	for i, e := range entries {
		result[i] = ProgramInfo{
			ID:         e.ID.String(),
			Words:      e.Words,
			Entry:      e.Entry,
			Size:       e.Size,
			Compressed: e.Compressed,
		}
	}
	return result, nil
}

// runProgram runs a stored program on the sequential engine, or as a
// one-lane kernel on the backend when device is set.
// Params: [id, {stackSize, heapSize, heap, initHeap, trace, maxSteps,
// device, placement}]
func (s *Server) runProgram(ctx context.Context, params json.RawMessage) (interface{}, *RPCError) {
	var idStr string
	var cfg RunProgramConfig
	if rpcErr := parseParams(params, 1, &idStr, &cfg); rpcErr != nil {
		return nil, rpcErr
	}
	id, rpcErr := parseProgramID(idStr)
	if rpcErr != nil {
		return nil, rpcErr
	}

	req := executor.SequentialRequest{
		Program:   id,
		StackSize: cfg.StackSize,
		HeapSize:  cfg.HeapSize,
		Heap:      cfg.Heap,
		InitHeap:  cfg.InitHeap,
		Trace:     cfg.Trace,
		MaxSteps:  cfg.MaxSteps,
		Device:    cfg.Device,
	}
	if cfg.Placement != "" {
		p, err := device.ParsePlacement(cfg.Placement)
		if err != nil {
			return nil, InvalidParamsError(err.Error())
		}
		req.Placement = &p
	}

	result, err := s.exec.RunSequential(ctx, req)
	if err != nil {
		return nil, executionError(id, err)
	}
	return result, nil
}

// runLanes runs a stored kernel over a lane launch.
// Params: [id, {lanes, groupSize, stackSize, heapSize, heapCount, heaps,
// initHeaps, placement, trace, maxSteps}]
func (s *Server) runLanes(ctx context.Context, params json.RawMessage) (interface{}, *RPCError) {
	var idStr string
	var cfg RunLanesConfig
	if rpcErr := parseParams(params, 2, &idStr, &cfg); rpcErr != nil {
		return nil, rpcErr
	}
	id, rpcErr := parseProgramID(idStr)
	if rpcErr != nil {
		return nil, rpcErr
	}
	if cfg.Lanes <= 0 {
		return nil, InvalidParamsError("lanes must be positive")
	}
	if cfg.Lanes > vm.LanesMax {
		return nil, InvalidParamsErrorf("lanes must be at most %d", vm.LanesMax)
	}
	if cfg.HeapCount < 0 || cfg.HeapCount > vm.HeapCountMax || len(cfg.Heaps) > vm.HeapCountMax {
		return nil, InvalidParamsErrorf("heap count must be between 0 and %d", vm.HeapCountMax)
	}
	if cfg.HeapSize < 0 || cfg.HeapSize > vm.HeapSizeMax {
		return nil, InvalidParamsErrorf("heap size must be between 0 and %d", vm.HeapSizeMax)
	}

	req := executor.LaneRequest{
		Program:   id,
		Lanes:     cfg.Lanes,
		GroupSize: cfg.GroupSize,
		StackSize: cfg.StackSize,
		HeapSize:  cfg.HeapSize,
		HeapCount: cfg.HeapCount,
		Heaps:     cfg.Heaps,
		InitHeaps: cfg.InitHeaps,
		Trace:     cfg.Trace,
		MaxSteps:  cfg.MaxSteps,
	}
	if cfg.Placement != "" {
		p, err := device.ParsePlacement(cfg.Placement)
		if err != nil {
			return nil, InvalidParamsError(err.Error())
		}
		req.Placement = &p
	}

	result, err := s.exec.RunLanes(ctx, req)
	if err != nil {
		return nil, executionError(id, err)
	}
	return result, nil
}

// getRun returns a recorded run.
// Params: [runId]
func (s *Server) getRun(ctx context.Context, params json.RawMessage) (interface{}, *RPCError) {
	var runID string
	if rpcErr := parseParams(params, 1, &runID); rpcErr != nil {
		return nil, rpcErr
	}
	if s.runs == nil {
		return nil, RunNotFoundError(runID)
	}
	rec, err := s.runs.GetRun(runID)
	if errors.Is(err, runstore.ErrRunNotFound) {
		return nil, RunNotFoundError(runID)
	}
	if err != nil {
		return nil, InternalServerErrorf("get run: %v", err)
	}
	return rec, nil
}

// getRuns lists recorded runs, newest first.
// Params: [{program, limit, before}]
func (s *Server) getRuns(ctx context.Context, params json.RawMessage) (interface{}, *RPCError) {
	var cfg GetRunsConfig
	if rpcErr := parseParams(params, 0, &cfg); rpcErr != nil {
		return nil, rpcErr
	}
	if cfg.Limit < 0 || cfg.Limit > MaxRunsLimit {
		return nil, InvalidParamsErrorf("limit must be between 0 and %d", MaxRunsLimit)
	}
	if s.runs == nil {
		return []*runstore.Record{}, nil
	}

	opts := runstore.ListOptions{Limit: cfg.Limit, Before: cfg.Before}
	if cfg.Program != "" {
		id, rpcErr := parseProgramID(cfg.Program)
		if rpcErr != nil {
			return nil, rpcErr
		}
		opts.Program = &id
	}
	recs, err := s.runs.ListRuns(opts)
	if err != nil {
		return nil, InternalServerErrorf("list runs: %v", err)
	}
	if recs == nil {
		recs = []*runstore.Record{}
	}
	return recs, nil
}
