package dashboard

import (
	"errors"
	"net/http"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/fortiblox/lanevm/internal/types"
	"github.com/fortiblox/lanevm/pkg/programs"
	"github.com/fortiblox/lanevm/pkg/runstore"
)

// API response types

// StatusResponse is the response for GET /api/status.
type StatusResponse struct {
	Backend       string  `json:"backend,omitempty"`
	Uptime        string  `json:"uptime"`
	UptimeSeconds float64 `json:"uptimeSeconds"`
	Programs      uint64  `json:"programs"`
	Runs          uint64  `json:"runs"`
	Faulted       uint64  `json:"faulted"`
	LatestSeq     uint64  `json:"latestSeq"`
}

// RunsListResponse is the response for GET /api/runs.
type RunsListResponse struct {
	Runs       []*runstore.Record `json:"runs"`
	NextBefore uint64             `json:"nextBefore,omitempty"` // 0 on the last page
}

// MetricsResponse is the response for GET /api/metrics.
type MetricsResponse struct {
	MemAlloc      uint64 `json:"memAlloc"`
	MemTotalAlloc uint64 `json:"memTotalAlloc"`
	MemSys        uint64 `json:"memSys"`
	MemHeapInuse  uint64 `json:"memHeapInuse"`
	NumGC         uint32 `json:"numGC"`

	NumGoroutine int    `json:"numGoroutine"`
	NumCPU       int    `json:"numCPU"`
	GoVersion    string `json:"goVersion"`

	DatabaseSize int64   `json:"databaseSize"`
	Uptime       float64 `json:"uptimeSeconds"`
}

func getOnly(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodGet {
		writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

// handleAPIStatus handles GET /api/status.
func (d *Dashboard) handleAPIStatus(w http.ResponseWriter, r *http.Request) {
	if !getOnly(w, r) {
		return
	}

	uptime := time.Since(d.startTime)
	resp := StatusResponse{
		Backend:       d.config.Backend,
		Uptime:        formatDuration(uptime),
		UptimeSeconds: uptime.Seconds(),
	}
	if count, err := d.db.Count(); err == nil {
		resp.Programs = count
	}
	if d.runs != nil {
		if stats, err := d.runs.Stats(); err == nil {
			resp.Runs = stats.Runs
			resp.Faulted = stats.Faulted
			resp.LatestSeq = stats.LatestSeq
		}
	}
	writeJSON(w, resp)
}

// handleAPIRuns handles GET /api/runs?limit=&before=&program=.
func (d *Dashboard) handleAPIRuns(w http.ResponseWriter, r *http.Request) {
	if !getOnly(w, r) {
		return
	}

	q := r.URL.Query()
	opts := runstore.ListOptions{Limit: RunsPerPage}
	if l := q.Get("limit"); l != "" {
		parsed, err := strconv.Atoi(l)
		if err != nil || parsed <= 0 || parsed > 1000 {
			writeError(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		opts.Limit = parsed
	}
	if b := q.Get("before"); b != "" {
		parsed, err := strconv.ParseUint(b, 10, 64)
		if err != nil {
			writeError(w, "Invalid before", http.StatusBadRequest)
			return
		}
		opts.Before = parsed
	}
	if p := q.Get("program"); p != "" {
		id, err := types.ParseProgramID(p)
		if err != nil {
			writeError(w, "Invalid program id", http.StatusBadRequest)
			return
		}
		opts.Program = &id
	}

	runs, err := d.listRuns(opts)
	if err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	resp := RunsListResponse{Runs: runs}
	if resp.Runs == nil {
		resp.Runs = []*runstore.Record{}
	}
	if len(runs) == opts.Limit {
		resp.NextBefore = runs[len(runs)-1].Seq
	}
	writeJSON(w, resp)
}

// handleAPIRun handles GET /api/runs/:id.
func (d *Dashboard) handleAPIRun(w http.ResponseWriter, r *http.Request) {
	if !getOnly(w, r) {
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/api/runs/")
	if d.runs == nil {
		writeError(w, "Run not found", http.StatusNotFound)
		return
	}
	rec, err := d.runs.GetRun(id)
	if errors.Is(err, runstore.ErrRunNotFound) {
		writeError(w, "Run not found", http.StatusNotFound)
		return
	}
	if err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, rec)
}

// handleAPIPrograms handles GET /api/programs.
func (d *Dashboard) handleAPIPrograms(w http.ResponseWriter, r *http.Request) {
	if !getOnly(w, r) {
		return
	}

	entries, err := d.db.List()
	if err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []programs.Entry{}
	}
	writeJSON(w, entries)
}

// handleAPIProgram handles GET /api/programs/:id.
func (d *Dashboard) handleAPIProgram(w http.ResponseWriter, r *http.Request) {
	if !getOnly(w, r) {
		return
	}

	detail, err := d.programDetail(strings.TrimPrefix(r.URL.Path, "/api/programs/"))
	switch {
	case errors.Is(err, programs.ErrProgramNotFound):
		writeError(w, "Program not found", http.StatusNotFound)
	case err != nil:
		writeError(w, "Invalid program id", http.StatusBadRequest)
	default:
		writeJSON(w, detail)
	}
}

// handleAPIMetrics handles GET /api/metrics.
func (d *Dashboard) handleAPIMetrics(w http.ResponseWriter, r *http.Request) {
	if !getOnly(w, r) {
		return
	}

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	resp := MetricsResponse{
		MemAlloc:      memStats.Alloc,
		MemTotalAlloc: memStats.TotalAlloc,
		MemSys:        memStats.Sys,
		MemHeapInuse:  memStats.HeapInuse,
		NumGC:         memStats.NumGC,

		NumGoroutine: runtime.NumGoroutine(),
		NumCPU:       runtime.NumCPU(),
		GoVersion:    runtime.Version(),

		Uptime: time.Since(d.startTime).Seconds(),
	}
	if d.runs != nil {
		if stats, err := d.runs.Stats(); err == nil {
			resp.DatabaseSize = stats.DatabaseSize
		}
	}
	writeJSON(w, resp)
}
