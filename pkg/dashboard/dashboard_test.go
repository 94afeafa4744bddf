package dashboard

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fortiblox/lanevm/internal/types"
	"github.com/fortiblox/lanevm/pkg/programs"
	"github.com/fortiblox/lanevm/pkg/runstore"
	"github.com/fortiblox/lanevm/pkg/vm/bytecode"
	"github.com/fortiblox/lanevm/pkg/vm/loader"
)

type fixture struct {
	dash    *Dashboard
	program types.ProgramID
	runIDs  []string
}

func newTestDashboard(t *testing.T) *fixture {
	t.Helper()

	cfg := runstore.DefaultConfig(filepath.Join(t.TempDir(), "runs.db"))
	cfg.PruneEnabled = false
	runs, err := runstore.Open(cfg)
	if err != nil {
		t.Fatalf("Failed to open run store: %v", err)
	}
	t.Cleanup(func() { runs.Close() })

	db := programs.NewMemoryDB()
	p, entry, err := bytecode.Assemble(bytecode.NewTable(), "ICONST 7\nPRINT\nHALT")
	if err != nil {
		t.Fatalf("Assemble() error: %v", err)
	}
	id, err := db.Put(&loader.Image{Program: p, Entry: entry})
	if err != nil {
		t.Fatalf("Put() error: %v", err)
	}

	f := &fixture{program: id}
	statuses := []runstore.Status{runstore.StatusOK, runstore.StatusFaulted, runstore.StatusOK}
	for _, st := range statuses {
		rec, err := runs.PutRun(&runstore.Record{
			Program: id,
			Mode:    runstore.ModeSequential,
			Status:  st,
			Elapsed: 1500 * time.Nanosecond,
			Steps:   3,
			Printed: [][]int32{{7}},
		})
		if err != nil {
			t.Fatalf("PutRun() error: %v", err)
		}
		f.runIDs = append(f.runIDs, rec.ID)
	}

	config := DefaultConfig()
	config.Backend = "cpu"
	f.dash, err = New(config, runs, db)
	if err != nil {
		t.Fatalf("Failed to create dashboard: %v", err)
	}
	return f
}

func get(t *testing.T, d *Dashboard, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	d.Handler().ServeHTTP(w, req)
	return w
}

func TestDashboardNew(t *testing.T) {
	dash, err := New(Config{}, nil, programs.NewMemoryDB())
	if err != nil {
		t.Fatalf("Failed to create dashboard with defaults: %v", err)
	}
	if dash.Address() != "127.0.0.1:8080" {
		t.Errorf("Address() = %s, want 127.0.0.1:8080", dash.Address())
	}

	dash, err = New(Config{BindAddress: "0.0.0.0", Port: 9000}, nil, programs.NewMemoryDB())
	if err != nil {
		t.Fatalf("Failed to create dashboard with custom config: %v", err)
	}
	if dash.Address() != "0.0.0.0:9000" {
		t.Errorf("Address() = %s, want 0.0.0.0:9000", dash.Address())
	}
}

func TestAPIStatusEndpoint(t *testing.T) {
	f := newTestDashboard(t)

	w := get(t, f.dash, "/api/status")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var resp StatusResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.Programs != 1 || resp.Runs != 3 || resp.Faulted != 1 || resp.LatestSeq != 3 {
		t.Errorf("status = %+v", resp)
	}
	if resp.Backend != "cpu" {
		t.Errorf("Backend = %q, want cpu", resp.Backend)
	}
}

func TestAPIRunsEndpoint(t *testing.T) {
	f := newTestDashboard(t)

	w := get(t, f.dash, "/api/runs?limit=2")
	var resp RunsListResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if len(resp.Runs) != 2 || resp.Runs[0].Seq != 3 || resp.NextBefore != 2 {
		t.Fatalf("first page = %d runs, nextBefore %d", len(resp.Runs), resp.NextBefore)
	}

	w = get(t, f.dash, "/api/runs?limit=2&before=2")
	resp = RunsListResponse{}
	json.NewDecoder(w.Body).Decode(&resp)
	if len(resp.Runs) != 1 || resp.Runs[0].Seq != 1 || resp.NextBefore != 0 {
		t.Errorf("second page = %+v", resp)
	}

	for _, q := range []string{"limit=0", "limit=x", "before=-1", "program=zz"} {
		if w := get(t, f.dash, "/api/runs?"+q); w.Code != http.StatusBadRequest {
			t.Errorf("/api/runs?%s status = %d, want 400", q, w.Code)
		}
	}
}

func TestAPIRunEndpoint(t *testing.T) {
	f := newTestDashboard(t)

	w := get(t, f.dash, "/api/runs/"+f.runIDs[1])
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var rec runstore.Record
	if err := json.NewDecoder(w.Body).Decode(&rec); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if rec.Status != runstore.StatusFaulted || rec.Program != f.program {
		t.Errorf("run = %+v", rec)
	}

	if w := get(t, f.dash, "/api/runs/missing"); w.Code != http.StatusNotFound {
		t.Errorf("missing run status = %d, want 404", w.Code)
	}
}

func TestAPIProgramEndpoints(t *testing.T) {
	f := newTestDashboard(t)

	w := get(t, f.dash, "/api/programs")
	var entries []programs.Entry
	if err := json.NewDecoder(w.Body).Decode(&entries); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if len(entries) != 1 || entries[0].ID != f.program || entries[0].Words != 4 {
		t.Errorf("programs = %+v", entries)
	}

	w = get(t, f.dash, "/api/programs/"+f.program.String())
	var detail ProgramDetail
	if err := json.NewDecoder(w.Body).Decode(&detail); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if detail.Runs != 3 || !strings.Contains(detail.Disassembly, "ICONST 7") {
		t.Errorf("detail = %+v", detail)
	}

	missing := bytecode.NewProgram([]int32{1}).ID()
	if w := get(t, f.dash, "/api/programs/"+missing.String()); w.Code != http.StatusNotFound {
		t.Errorf("missing program status = %d, want 404", w.Code)
	}
	if w := get(t, f.dash, "/api/programs/not-an-id"); w.Code != http.StatusBadRequest {
		t.Errorf("bad id status = %d, want 400", w.Code)
	}
}

func TestAPIMetricsEndpoint(t *testing.T) {
	f := newTestDashboard(t)

	w := get(t, f.dash, "/api/metrics")
	var resp MetricsResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.NumCPU == 0 || resp.GoVersion == "" || resp.MemAlloc == 0 {
		t.Errorf("metrics = %+v", resp)
	}
}

func TestPages(t *testing.T) {
	f := newTestDashboard(t)

	tests := []struct {
		path string
		want string
	}{
		{"/", "Recent runs"},
		{"/runs", f.runIDs[0][:4]},
		{"/runs?program=" + f.program.String(), "Runs of"},
		{"/runs/" + f.runIDs[1], "faulted"},
		{"/programs", f.program.String()},
		{"/programs/" + f.program.String(), "ICONST 7"},
	}
	for _, tc := range tests {
		t.Run(tc.path, func(t *testing.T) {
			w := get(t, f.dash, tc.path)
			if w.Code != http.StatusOK {
				t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
			}
			if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
				t.Errorf("Content-Type = %s", ct)
			}
			if !strings.Contains(w.Body.String(), tc.want) {
				t.Errorf("page %s missing %q", tc.path, tc.want)
			}
		})
	}

	for _, path := range []string{"/nope", "/runs/missing", "/programs/" + bytecode.NewProgram([]int32{1}).ID().String()} {
		if w := get(t, f.dash, path); w.Code != http.StatusNotFound {
			t.Errorf("%s status = %d, want 404", path, w.Code)
		}
	}
}

func TestStaticAssets(t *testing.T) {
	content, contentType, ok := getStaticAsset("style.css")
	if !ok || contentType != "text/css" || content == "" {
		t.Errorf("style.css = %v, %s", ok, contentType)
	}
	content, contentType, ok = getStaticAsset("app.js")
	if !ok || contentType != "application/javascript" || content == "" {
		t.Errorf("app.js = %v, %s", ok, contentType)
	}
	if _, _, ok := getStaticAsset("nonexistent.txt"); ok {
		t.Error("Expected nonexistent.txt to not exist")
	}
}

func TestTemplateHelpers(t *testing.T) {
	tests := []struct {
		duration time.Duration
		expected string
	}{
		{30 * time.Second, "30s"},
		{90 * time.Second, "1m 30s"},
		{2 * time.Hour, "2h 0m"},
		{25 * time.Hour, "1d 1h"},
	}
	for _, tc := range tests {
		if got := formatDuration(tc.duration); got != tc.expected {
			t.Errorf("formatDuration(%v) = %s, want %s", tc.duration, got, tc.expected)
		}
	}

	if got := formatNumber(1500000); got != "1.5M" {
		t.Errorf("formatNumber(1500000) = %s, want 1.5M", got)
	}
	if got := formatBytes(1048576); got != "1.0 MB" {
		t.Errorf("formatBytes(1048576) = %s, want 1.0 MB", got)
	}
	if got := truncateHash("abcdefghijklmnopqrstuvwxyz", 4); got != "abcd...wxyz" {
		t.Errorf("truncateHash() = %s, want abcd...wxyz", got)
	}
	if got := words([]int32{1, -2, 3}); got != "1 -2 3" {
		t.Errorf("words() = %q, want %q", got, "1 -2 3")
	}
	if got := formatElapsed(1500 * time.Nanosecond); got != "2µs" {
		t.Errorf("formatElapsed() = %s, want 2µs", got)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	f := newTestDashboard(t)

	req := httptest.NewRequest(http.MethodPost, "/api/status", nil)
	w := httptest.NewRecorder()
	f.dash.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", w.Code)
	}
}
