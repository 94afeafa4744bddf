package rpc

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fortiblox/lanevm/pkg/programs"
	"github.com/fortiblox/lanevm/pkg/runstore"
	"github.com/fortiblox/lanevm/pkg/vm"
	"github.com/fortiblox/lanevm/pkg/vm/bytecode"
	"github.com/fortiblox/lanevm/pkg/vm/device/cpu"
	"github.com/fortiblox/lanevm/pkg/vm/executor"
	"github.com/fortiblox/lanevm/pkg/vm/loader"
)

const (
	helloSrc = "ICONST 128\nICONST 1\nIADD\nGSTORE 0\nGLOAD 0\nPRINT\nHALT"
	divSrc   = "ICONST 0\nICONST 1\nIDIV\nHALT"

	// heap 2 = heap 0 * heap 1, one element per lane
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

// Helper function to create a test server backed by in-memory programs,
// a temporary run store and the CPU backend.
func newTestServer(t *testing.T) (*Server, *programs.MemoryDB, *runstore.BoltStore) {
	t.Helper()

	cfg := runstore.DefaultConfig(filepath.Join(t.TempDir(), "runs.db"))
	cfg.PruneEnabled = false
	runs, err := runstore.Open(cfg)
	if err != nil {
		t.Fatalf("Failed to open run store: %v", err)
	}
	t.Cleanup(func() { runs.Close() })

	db := programs.NewMemoryDB()
	exec := executor.New(executor.DefaultConfig(), db, cpu.New(cpu.DefaultConfig()), runs)

	config := DefaultConfig()
	config.Addr = "127.0.0.1:0" // Random port for testing
	config.Version = "test"

	return New(config, exec, db, runs), db, runs
}

// Helper function to make an RPC request.
func makeRPCRequest(t *testing.T, server *Server, method string, params interface{}) *Response {
	t.Helper()

	var paramsRaw json.RawMessage
	if params != nil {
		var err error
		paramsRaw, err = json.Marshal(params)
		if err != nil {
			t.Fatalf("Failed to marshal params: %v", err)
		}
	}

	req := Request{
		JSONRPC: JSONRPCVersion,
		ID:      1,
		Method:  method,
		Params:  paramsRaw,
	}

	body, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("Failed to marshal request: %v", err)
	}

	httpReq := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(body))
	httpReq.Header.Set("Content-Type", "application/json")

	rr := httptest.NewRecorder()
	server.handleRPC(rr, httpReq)

	var resp Response
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to unmarshal response: %v", err)
	}

	return &resp
}

// decodeResult re-decodes a generic result into v.
func decodeResult(t *testing.T, resp *Response, v interface{}) {
	t.Helper()
	if resp.Error != nil {
		t.Fatalf("Expected no error, got: %v", resp.Error)
	}
	raw, err := json.Marshal(resp.Result)
	if err != nil {
		t.Fatalf("Failed to marshal result: %v", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		t.Fatalf("Failed to decode result: %v", err)
	}
}

func putSource(t *testing.T, server *Server, src string) string {
	t.Helper()
	var info ProgramInfo
	decodeResult(t, makeRPCRequest(t, server, "putProgram", []interface{}{src}), &info)
	return info.ID
}

func TestGetHealth(t *testing.T) {
	server, _, _ := newTestServer(t)

	resp := makeRPCRequest(t, server, "getHealth", nil)
	if resp.Error != nil {
		t.Fatalf("Expected no error, got: %v", resp.Error)
	}
	if result, ok := resp.Result.(string); !ok || result != "ok" {
		t.Errorf("Expected 'ok', got: %v", resp.Result)
	}

	server.SetHealthy(false)
	resp = makeRPCRequest(t, server, "getHealth", nil)
	if resp.Error == nil || resp.Error.Code != NodeUnhealthy {
		t.Errorf("Expected unhealthy error, got: %v", resp.Error)
	}
}

func TestGetVersion(t *testing.T) {
	server, _, _ := newTestServer(t)

	var result VersionResult
	decodeResult(t, makeRPCRequest(t, server, "getVersion", nil), &result)
	if result.Version != "test" {
		t.Errorf("Version = %q, want %q", result.Version, "test")
	}
	if result.Backend != cpu.Name {
		t.Errorf("Backend = %q, want %q", result.Backend, cpu.Name)
	}
}

func TestPutProgram(t *testing.T) {
	server, db, _ := newTestServer(t)

	id := putSource(t, server, helloSrc)
	if id == "" {
		t.Fatal("Expected program id")
	}
	// Storing the same program again yields the same id.
	if again := putSource(t, server, helloSrc); again != id {
		t.Errorf("second put id = %s, want %s", again, id)
	}
	if n, _ := db.Count(); n != 1 {
		t.Errorf("Count() = %d, want 1", n)
	}

	p, entry, err := bytecode.Assemble(bytecode.NewTable(), divSrc)
	if err != nil {
		t.Fatalf("Assemble() error: %v", err)
	}
	raw, err := loader.Encode(&loader.Image{Program: p, Entry: entry}, loader.EncodeOptions{})
	if err != nil {
		t.Fatalf("Encode() error: %v", err)
	}

	encodings := []Encoding{EncodingBase58, EncodingBase64, EncodingBase64Zstd}
	for _, enc := range encodings {
		t.Run(string(enc), func(t *testing.T) {
			data, err := EncodeProgramData(raw, enc)
			if err != nil {
				t.Fatalf("EncodeProgramData() error: %v", err)
			}
			var info ProgramInfo
			cfg := PutProgramConfig{Encoding: enc, Compress: true}
			decodeResult(t, makeRPCRequest(t, server, "putProgram", []interface{}{data, cfg}), &info)
			if info.ID != p.ID().String() {
				t.Errorf("ID = %s, want %s", info.ID, p.ID())
			}
			if info.Words != p.Len() || !info.Compressed {
				t.Errorf("info = %+v", info)
			}
		})
	}
}

func TestPutProgramRejected(t *testing.T) {
	server, _, _ := newTestServer(t)

	tests := []struct {
		name   string
		params []interface{}
		code   int
	}{
		{"bad source", []interface{}{"FROB 1"}, ProgramRejected},
		{"bad image", []interface{}{base64.StdEncoding.EncodeToString([]byte("LVMI")), PutProgramConfig{Encoding: EncodingBase64}}, ProgramRejected},
		{"bad encoding", []interface{}{"x", PutProgramConfig{Encoding: "hex"}}, InvalidParams},
		{"missing data", []interface{}{}, InvalidParams},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp := makeRPCRequest(t, server, "putProgram", tc.params)
			if resp.Error == nil {
				t.Fatal("Expected error")
			}
			if resp.Error.Code != tc.code {
				t.Errorf("Expected error code %d, got: %d (%s)", tc.code, resp.Error.Code, resp.Error.Message)
			}
		})
	}
}

func TestGetProgram(t *testing.T) {
	server, _, _ := newTestServer(t)
	id := putSource(t, server, helloSrc)

	var info ProgramInfo
	decodeResult(t, makeRPCRequest(t, server, "getProgram", []interface{}{id, GetProgramConfig{WithImage: true}}), &info)
	if info.Words != 11 {
		t.Errorf("Words = %d, want 11", info.Words)
	}
	if !strings.Contains(info.Disassembly, "PRINT") {
		t.Errorf("Disassembly missing PRINT:\n%s", info.Disassembly)
	}

	raw, err := base64.StdEncoding.DecodeString(info.Image)
	if err != nil {
		t.Fatalf("image decode error: %v", err)
	}
	img, err := loader.Load(raw)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if img.ID().String() != id {
		t.Errorf("image id = %s, want %s", img.ID(), id)
	}

	var list []ProgramInfo
	decodeResult(t, makeRPCRequest(t, server, "listPrograms", nil), &list)
	if len(list) != 1 || list[0].ID != id {
		t.Errorf("listPrograms = %+v", list)
	}
}

func TestGetProgramNotFound(t *testing.T) {
	server, _, _ := newTestServer(t)

	missing := (&loader.Image{Program: bytecode.NewProgram([]int32{18})}).ID().String()
	resp := makeRPCRequest(t, server, "getProgram", []interface{}{missing})
	if resp.Error == nil || resp.Error.Code != ProgramNotFound {
		t.Errorf("Expected program not found, got: %v", resp.Error)
	}

	resp = makeRPCRequest(t, server, "getProgram", []interface{}{"not-base58!"})
	if resp.Error == nil || resp.Error.Code != InvalidParams {
		t.Errorf("Expected invalid params, got: %v", resp.Error)
	}
}

func TestRunProgram(t *testing.T) {
	server, _, _ := newTestServer(t)
	id := putSource(t, server, helloSrc)

	var result RunResult
	decodeResult(t, makeRPCRequest(t, server, "runProgram", []interface{}{id, RunProgramConfig{Trace: true}}), &result)
	if !result.Success {
		t.Fatalf("run failed: %s", result.Error)
	}
	if len(result.Printed) != 1 || len(result.Printed[0]) != 1 || result.Printed[0][0] != 129 {
		t.Errorf("Printed = %v, want [[129]]", result.Printed)
	}
	if len(result.Trace) != 7 {
		t.Errorf("trace lines = %d, want 7", len(result.Trace))
	}
	if result.RunID == "" {
		t.Fatal("Expected run id")
	}

	var rec runstore.Record
	decodeResult(t, makeRPCRequest(t, server, "getRun", []interface{}{result.RunID}), &rec)
	if rec.Status != runstore.StatusOK || rec.Program.String() != id {
		t.Errorf("run record = %+v", rec)
	}
}

func TestRunProgramOnDevice(t *testing.T) {
	server, _, _ := newTestServer(t)
	// heap[i] = heap[i] + heap[i+4] for i in 0..3
	id := putSource(t, server, `
	ICONST 0
loop:
	DUP
	ICONST 4
	IEQ
	BRT done
	DUP
	DUP
	GLOAD_INDEXED 0
	LOAD 1
	GLOAD_INDEXED 4
	IADD
	GSTORE_INDEXED 0
	ICONST1
	IADD
	BR loop
done:
	POP
	HALT`)

	var host, dev RunResult
	decodeResult(t, makeRPCRequest(t, server, "runProgram", []interface{}{id, RunProgramConfig{HeapSize: 8, InitHeap: true}}), &host)
	decodeResult(t, makeRPCRequest(t, server, "runProgram", []interface{}{id, RunProgramConfig{HeapSize: 8, InitHeap: true, Device: true, Placement: "local"}}), &dev)
	if !host.Success || !dev.Success {
		t.Fatalf("host success %v (%s), device success %v (%s)", host.Success, host.Error, dev.Success, dev.Error)
	}
	want := []int32{4, 6, 8, 10, 4, 5, 6, 7}
	for _, res := range []RunResult{host, dev} {
		if len(res.Heaps) != 1 || len(res.Heaps[0]) != len(want) {
			t.Fatalf("Heaps = %v, want [%v]", res.Heaps, want)
		}
		for i, v := range res.Heaps[0] {
			if v != want[i] {
				t.Errorf("heap[%d] = %d, want %d", i, v, want[i])
			}
		}
	}

	var rec runstore.Record
	decodeResult(t, makeRPCRequest(t, server, "getRun", []interface{}{dev.RunID}), &rec)
	if rec.Mode != runstore.ModeSequential || rec.Platform != cpu.Name || rec.Placement != "local" || rec.Lanes != 1 {
		t.Errorf("device run record = %+v", rec)
	}

	resp := makeRPCRequest(t, server, "runProgram", []interface{}{id, RunProgramConfig{Device: true, Placement: "shared"}})
	if resp.Error == nil || resp.Error.Code != InvalidParams {
		t.Errorf("Expected invalid params, got: %v", resp.Error)
	}
}

func TestRunProgramFault(t *testing.T) {
	server, _, _ := newTestServer(t)
	id := putSource(t, server, divSrc)

	var result RunResult
	decodeResult(t, makeRPCRequest(t, server, "runProgram", []interface{}{id}), &result)
	if result.Success {
		t.Fatal("Expected division fault")
	}
	if len(result.Faults) != 1 || result.Faults[0].Kind != "division_by_zero" || result.Faults[0].IP != 4 {
		t.Errorf("Faults = %+v", result.Faults)
	}

	var stats StatsResult
	decodeResult(t, makeRPCRequest(t, server, "getStats", nil), &stats)
	if stats.Programs != 1 || stats.Runs == nil || stats.Runs.Faulted != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestRunLanes(t *testing.T) {
	server, _, _ := newTestServer(t)
	id := putSource(t, server, squareSrc)

	cfg := RunLanesConfig{Lanes: 8, GroupSize: 4, HeapSize: 8, InitHeaps: true, Placement: "global"}
	var result RunResult
	decodeResult(t, makeRPCRequest(t, server, "runLanes", []interface{}{id, cfg}), &result)
	if !result.Success {
		t.Fatalf("run failed: %s", result.Error)
	}
	if result.Groups != 2 {
		t.Errorf("Groups = %d, want 2", result.Groups)
	}
	for i, v := range result.Heaps[2] {
		if v != int32(i*i) {
			t.Errorf("output[%d] = %d, want %d", i, v, i*i)
		}
	}

	tests := []struct {
		name string
		cfg  interface{}
	}{
		{"zero lanes", RunLanesConfig{}},
		{"too many lanes", RunLanesConfig{Lanes: vm.LanesMax + 1}},
		{"too many heaps", RunLanesConfig{Lanes: 4, HeapCount: vm.HeapCountMax + 1}},
		{"negative heap count", RunLanesConfig{Lanes: 4, HeapCount: -1}},
		{"oversized heap", RunLanesConfig{Lanes: 4, HeapSize: vm.HeapSizeMax + 1}},
		{"bad placement", RunLanesConfig{Lanes: 4, Placement: "shared"}},
		{"uneven group", RunLanesConfig{Lanes: 6, GroupSize: 4, InitHeaps: true}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp := makeRPCRequest(t, server, "runLanes", []interface{}{id, tc.cfg})
			if tc.name == "uneven group" {
				// Launch errors are reported in the result.
				var r RunResult
				decodeResult(t, resp, &r)
				if r.Success || r.Error == "" {
					t.Errorf("result = %+v, want launch failure", r)
				}
				return
			}
			if resp.Error == nil || resp.Error.Code != InvalidParams {
				t.Errorf("Expected invalid params, got: %v", resp.Error)
			}
		})
	}
}

func TestGetRuns(t *testing.T) {
	server, _, _ := newTestServer(t)
	hello := putSource(t, server, helloSrc)
	div := putSource(t, server, divSrc)

	for _, id := range []string{hello, div, hello} {
		resp := makeRPCRequest(t, server, "runProgram", []interface{}{id})
		if resp.Error != nil {
			t.Fatalf("runProgram error: %v", resp.Error)
		}
	}

	var all []runstore.Record
	decodeResult(t, makeRPCRequest(t, server, "getRuns", nil), &all)
	if len(all) != 3 || all[0].Seq != 3 {
		t.Errorf("getRuns = %d records, first seq %v", len(all), all)
	}

	var filtered []runstore.Record
	decodeResult(t, makeRPCRequest(t, server, "getRuns", []interface{}{GetRunsConfig{Program: hello, Limit: 1}}), &filtered)
	if len(filtered) != 1 || filtered[0].Seq != 3 || filtered[0].Program.String() != hello {
		t.Errorf("filtered runs = %+v", filtered)
	}

	resp := makeRPCRequest(t, server, "getRuns", []interface{}{GetRunsConfig{Limit: MaxRunsLimit + 1}})
	if resp.Error == nil || resp.Error.Code != InvalidParams {
		t.Errorf("Expected invalid params, got: %v", resp.Error)
	}

	resp = makeRPCRequest(t, server, "getRun", []interface{}{"missing"})
	if resp.Error == nil || resp.Error.Code != RunNotFound {
		t.Errorf("Expected run not found, got: %v", resp.Error)
	}
}

func TestMethodNotFound(t *testing.T) {
	server, _, _ := newTestServer(t)

	resp := makeRPCRequest(t, server, "nonExistentMethod", nil)
	if resp.Error == nil {
		t.Fatal("Expected error for non-existent method")
	}
	if resp.Error.Code != MethodNotFound {
		t.Errorf("Expected error code %d, got: %d", MethodNotFound, resp.Error.Code)
	}
}

func TestInvalidParams(t *testing.T) {
	server, _, _ := newTestServer(t)

	resp := makeRPCRequest(t, server, "runProgram", map[string]int{"id": 1})
	if resp.Error == nil || resp.Error.Code != InvalidParams {
		t.Errorf("Expected invalid params for object params, got: %v", resp.Error)
	}

	resp = makeRPCRequest(t, server, "getRun", []interface{}{"a", "b"})
	if resp.Error == nil || resp.Error.Code != InvalidParams {
		t.Errorf("Expected invalid params for extra params, got: %v", resp.Error)
	}
}

func TestBatchRequest(t *testing.T) {
	server, _, _ := newTestServer(t)

	requests := []Request{
		{JSONRPC: JSONRPCVersion, ID: 1, Method: "getHealth"},
		{JSONRPC: JSONRPCVersion, ID: 2, Method: "getVersion"},
		{JSONRPC: "1.0", ID: 3, Method: "getHealth"},
	}

	body, _ := json.Marshal(requests)
	httpReq := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(body))
	httpReq.Header.Set("Content-Type", "application/json")

	rr := httptest.NewRecorder()
	server.handleRPC(rr, httpReq)

	var responses []Response
	if err := json.Unmarshal(rr.Body.Bytes(), &responses); err != nil {
		t.Fatalf("Failed to unmarshal batch response: %v", err)
	}
	if len(responses) != 3 {
		t.Fatalf("Expected 3 responses, got: %d", len(responses))
	}
	for _, resp := range responses[:2] {
		if resp.Error != nil {
			t.Errorf("Unexpected error in batch response: %v", resp.Error)
		}
	}
	if responses[2].Error == nil || responses[2].Error.Code != InvalidRequest {
		t.Errorf("Expected invalid request for wrong version, got: %v", responses[2].Error)
	}
}

func TestRequestErrors(t *testing.T) {
	server, _, _ := newTestServer(t)

	tests := []struct {
		name        string
		method      string
		contentType string
		body        string
		status      int
		code        int
	}{
		{"get", http.MethodGet, "", "", http.StatusMethodNotAllowed, 0},
		{"parse", http.MethodPost, "application/json", "{", http.StatusOK, ParseError},
		{"content type", http.MethodPost, "text/plain", "{}", http.StatusOK, InvalidRequest},
		{"empty batch", http.MethodPost, "application/json", "[]", http.StatusOK, InvalidRequest},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(tc.method, "/", strings.NewReader(tc.body))
			if tc.contentType != "" {
				req.Header.Set("Content-Type", tc.contentType)
			}
			rr := httptest.NewRecorder()
			server.handleRPC(rr, req)

			if rr.Code != tc.status {
				t.Fatalf("status = %d, want %d", rr.Code, tc.status)
			}
			if tc.code == 0 {
				return
			}
			var resp Response
			if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
				t.Fatalf("Failed to unmarshal response: %v", err)
			}
			if resp.Error == nil || resp.Error.Code != tc.code {
				t.Errorf("error = %v, want code %d", resp.Error, tc.code)
			}
		})
	}
}

func TestCORSHeaders(t *testing.T) {
	server, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodOptions, "/", nil)
	req.Header.Set("Origin", "http://example.com")

	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusNoContent {
		t.Errorf("Expected status %d for OPTIONS, got: %d", http.StatusNoContent, rr.Code)
	}
	if rr.Header().Get("Access-Control-Allow-Origin") != "http://example.com" {
		t.Error("Expected CORS Allow-Origin header")
	}
}

func TestServerLifecycle(t *testing.T) {
	server, _, _ := newTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start(ctx)
	}()

	<-ctx.Done()

	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Unexpected error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Error("Server did not stop in time")
	}
}

func TestEncoding(t *testing.T) {
	data := []byte{1, 2, 3, 4, 5}

	for _, enc := range []Encoding{EncodingBase58, EncodingBase64, EncodingBase64Zstd} {
		t.Run(string(enc), func(t *testing.T) {
			encoded, err := EncodeProgramData(data, enc)
			if err != nil {
				t.Fatalf("Failed to encode: %v", err)
			}
			decoded, err := DecodeProgramData(encoded, enc)
			if err != nil {
				t.Fatalf("Failed to decode: %v", err)
			}
			if !bytes.Equal(decoded, data) {
				t.Errorf("Decoded data doesn't match original")
			}
		})
	}

	if _, err := DecodeProgramData("x", EncodingSource); err == nil {
		t.Error("Expected error decoding source as binary")
	}
	if enc, err := ParseEncoding(""); err != nil || enc != EncodingSource {
		t.Errorf("ParseEncoding(\"\") = %q, %v", enc, err)
	}
}
