// Package dashboard provides an embedded web dashboard for a lanevm server.
//
// The dashboard provides:
// - Run history browser with pagination and per-run detail
// - Program registry listing with disassembly
// - Process metrics (memory, goroutines, uptime)
//
// Templates and assets are compiled into the binary.
package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fortiblox/lanevm/internal/types"
	"github.com/fortiblox/lanevm/pkg/programs"
	"github.com/fortiblox/lanevm/pkg/runstore"
	"github.com/fortiblox/lanevm/pkg/vm/bytecode"
	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("lanevm.dashboard")

// RunsPerPage is the run history page size.
const RunsPerPage = 25

// Config holds dashboard configuration options.
type Config struct {
	// BindAddress is the address to bind the HTTP server to.
	// Default: "127.0.0.1"
	BindAddress string

	// Port is the port to listen on.
	// Default: 8080
	Port int

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	// Backend is the platform name shown on the overview page.
	Backend string
}

// DefaultConfig returns the default dashboard configuration.
func DefaultConfig() Config {
	return Config{
		BindAddress:  "127.0.0.1",
		Port:         8080,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// Dashboard is the web dashboard server.
type Dashboard struct {
	config Config
	server *http.Server
	runs   runstore.Store
	db     programs.DB
	table  *bytecode.Table

	templates *template.Template

	mu        sync.RWMutex
	running   bool
	startTime time.Time
}

// New creates a new dashboard server.
func New(config Config, runs runstore.Store, db programs.DB) (*Dashboard, error) {
	def := DefaultConfig()
	if config.BindAddress == "" {
		config.BindAddress = def.BindAddress
	}
	if config.Port == 0 {
		config.Port = def.Port
	}
	if config.ReadTimeout == 0 {
		config.ReadTimeout = def.ReadTimeout
	}
	if config.WriteTimeout == 0 {
		config.WriteTimeout = def.WriteTimeout
	}
	if config.IdleTimeout == 0 {
		config.IdleTimeout = def.IdleTimeout
	}

	d := &Dashboard{
		config:    config,
		runs:      runs,
		db:        db,
		table:     bytecode.NewTable(),
		startTime: time.Now(),
	}

	tmpl, err := d.parseTemplates()
	if err != nil {
		return nil, fmt.Errorf("parse templates: %w", err)
	}
	d.templates = tmpl
	return d, nil
}

func (d *Dashboard) parseTemplates() (*template.Template, error) {
	funcMap := template.FuncMap{
		"formatDuration": formatDuration,
		"formatElapsed":  formatElapsed,
		"formatNumber":   formatNumber,
		"formatBytes":    formatBytes,
		"formatTime":     formatTime,
		"truncateHash":   truncateHash,
		"words":          words,
		"int64":          func(v int) int64 { return int64(v) },
	}

	tmpl := template.New("").Funcs(funcMap)
	if _, err := tmpl.New("layout").Parse(layoutTemplate); err != nil {
		return nil, fmt.Errorf("parse layout: %w", err)
	}

	pages := map[string]string{
		"rows":     runRowsTemplate,
		"home":     homeTemplate,
		"runs":     runsTemplate,
		"run":      runDetailTemplate,
		"programs": programsTemplate,
		"program":  programDetailTemplate,
	}
	for name, content := range pages {
		if _, err := tmpl.New(name).Parse(content); err != nil {
			return nil, fmt.Errorf("parse %s template: %w", name, err)
		}
	}
	return tmpl, nil
}

// Handler returns the dashboard routes.
func (d *Dashboard) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/static/", d.handleStatic)

	mux.HandleFunc("/", d.handleHome)
	mux.HandleFunc("/runs", d.handleRuns)
	mux.HandleFunc("/runs/", d.handleRunDetail)
	mux.HandleFunc("/programs", d.handlePrograms)
	mux.HandleFunc("/programs/", d.handleProgramDetail)

	mux.HandleFunc("/api/status", d.handleAPIStatus)
	mux.HandleFunc("/api/runs", d.handleAPIRuns)
	mux.HandleFunc("/api/runs/", d.handleAPIRun)
	mux.HandleFunc("/api/programs", d.handleAPIPrograms)
	mux.HandleFunc("/api/programs/", d.handleAPIProgram)
	mux.HandleFunc("/api/metrics", d.handleAPIMetrics)
	return mux
}

// Start serves the dashboard until ctx is cancelled.
func (d *Dashboard) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("dashboard already running")
	}
	d.running = true
	d.server = &http.Server{
		Addr:         d.Address(),
		Handler:      d.Handler(),
		ReadTimeout:  d.config.ReadTimeout,
		WriteTimeout: d.config.WriteTimeout,
		IdleTimeout:  d.config.IdleTimeout,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}
	server := d.server
	d.mu.Unlock()

	go func() {
		<-ctx.Done()
		d.Stop()
	}()

	log.Infof("Dashboard listening on http://%s", d.Address())
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop gracefully stops the dashboard server.
func (d *Dashboard) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = false
	server := d.server
	d.mu.Unlock()

	if server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(ctx)
	}
	return nil
}

// Address returns the address the dashboard listens on.
func (d *Dashboard) Address() string {
	return net.JoinHostPort(d.config.BindAddress, strconv.Itoa(d.config.Port))
}

// handleHome renders the overview page.
func (d *Dashboard) handleHome(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	data := d.getStatusData()
	recent, _ := d.listRuns(runstore.ListOptions{Limit: 10})
	data["RecentRuns"] = recent
	d.renderPage(w, "home", data)
}

// handleRuns renders the run history, newest first. ?before=<seq> pages back.
func (d *Dashboard) handleRuns(w http.ResponseWriter, r *http.Request) {
	opts := runstore.ListOptions{Limit: RunsPerPage}
	if b := r.URL.Query().Get("before"); b != "" {
		if parsed, err := strconv.ParseUint(b, 10, 64); err == nil {
			opts.Before = parsed
		}
	}
	if p := r.URL.Query().Get("program"); p != "" {
		if id, err := types.ParseProgramID(p); err == nil {
			opts.Program = &id
		}
	}

	runs, err := d.listRuns(opts)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	data := map[string]interface{}{
		"Runs":    runs,
		"Program": r.URL.Query().Get("program"),
	}
	if len(runs) == RunsPerPage {
		data["NextBefore"] = runs[len(runs)-1].Seq
	}
	d.renderPage(w, "runs", data)
}

// handleRunDetail renders one run.
func (d *Dashboard) handleRunDetail(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/runs/")
	if d.runs == nil || id == "" {
		http.NotFound(w, r)
		return
	}
	rec, err := d.runs.GetRun(id)
	if errors.Is(err, runstore.ErrRunNotFound) {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	d.renderPage(w, "run", rec)
}

// handlePrograms renders the program registry.
func (d *Dashboard) handlePrograms(w http.ResponseWriter, r *http.Request) {
	entries, err := d.db.List()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	d.renderPage(w, "programs", map[string]interface{}{"Programs": entries})
}

// handleProgramDetail renders a program listing.
func (d *Dashboard) handleProgramDetail(w http.ResponseWriter, r *http.Request) {
	detail, err := d.programDetail(strings.TrimPrefix(r.URL.Path, "/programs/"))
	if errors.Is(err, programs.ErrProgramNotFound) || errors.Is(err, types.ErrInvalidProgramID) {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	d.renderPage(w, "program", detail)
}

// handleStatic serves embedded static assets.
func (d *Dashboard) handleStatic(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimPrefix(r.URL.Path, "/static/")

	content, contentType, ok := getStaticAsset(name)
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "public, max-age=86400")
	w.Write([]byte(content))
}

// getStatusData collects the overview figures.
func (d *Dashboard) getStatusData() map[string]interface{} {
	uptime := time.Since(d.startTime)
	data := map[string]interface{}{
		"Uptime":   uptime,
		"Backend":  d.config.Backend,
		"Programs": uint64(0),
		"Runs":     uint64(0),
		"Faulted":  uint64(0),
	}

	if count, err := d.db.Count(); err == nil {
		data["Programs"] = count
	}
	if d.runs != nil {
		if stats, err := d.runs.Stats(); err == nil {
			data["Runs"] = stats.Runs
			data["Faulted"] = stats.Faulted
			data["LatestSeq"] = stats.LatestSeq
			data["DatabaseSize"] = stats.DatabaseSize
			if stats.Runs > 0 {
				data["FaultRate"] = 100 * float64(stats.Faulted) / float64(stats.Runs)
			}
		}
	}
	return data
}

func (d *Dashboard) listRuns(opts runstore.ListOptions) ([]*runstore.Record, error) {
	if d.runs == nil {
		return nil, nil
	}
	return d.runs.ListRuns(opts)
}

// ProgramDetail is a program with its listing.
type ProgramDetail struct {
	ID          types.ProgramID `json:"id"`
	Words       int             `json:"words"`
	EntryIP     int             `json:"entry"`
	Compressed  bool            `json:"compressed"`
	Disassembly string          `json:"disassembly"`
	Runs        int             `json:"runs"`
}

func (d *Dashboard) programDetail(s string) (*ProgramDetail, error) {
	id, err := types.ParseProgramID(s)
	if err != nil {
		return nil, err
	}
	img, err := d.db.Get(id)
	if err != nil {
		return nil, err
	}
	detail := &ProgramDetail{
		ID:          id,
		Words:       img.Program.Len(),
		EntryIP:     img.Entry,
		Compressed:  img.Compressed,
		Disassembly: bytecode.Disassemble(d.table, img.Program),
	}
	if counter, ok := d.runs.(interface {
		RunsForProgram(types.ProgramID) (int, error)
	}); ok {
		detail.Runs, _ = counter.RunsForProgram(id)
	}
	return detail, nil
}

// renderPage renders a page template inside the layout.
func (d *Dashboard) renderPage(w http.ResponseWriter, name string, data interface{}) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")

	var contentBuf strings.Builder
	if err := d.templates.ExecuteTemplate(&contentBuf, name, data); err != nil {
		http.Error(w, fmt.Sprintf("Template error: %v", err), http.StatusInternalServerError)
		return
	}

	pageData := map[string]interface{}{
		"PageName": name,
		"Content":  template.HTML(contentBuf.String()),
	}
	if err := d.templates.ExecuteTemplate(w, "layout", pageData); err != nil {
		http.Error(w, fmt.Sprintf("Template error: %v", err), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// Template helper functions

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	if d < 24*time.Hour {
		return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
	}
	days := int(d.Hours() / 24)
	hours := int(d.Hours()) % 24
	return fmt.Sprintf("%dd %dh", days, hours)
}

// formatElapsed renders short run times at microsecond precision.
func formatElapsed(d time.Duration) string {
	return d.Round(time.Microsecond).String()
}

func formatNumber(n interface{}) string {
	switch v := n.(type) {
	case int:
		return formatInt(int64(v))
	case int64:
		return formatInt(v)
	case uint64:
		return formatInt(int64(v))
	case float64:
		return fmt.Sprintf("%.2f", v)
	default:
		return fmt.Sprintf("%v", n)
	}
}

func formatInt(n int64) string {
	if n < 1000 {
		return fmt.Sprintf("%d", n)
	}
	if n < 1000000 {
		return fmt.Sprintf("%.1fK", float64(n)/1000)
	}
	if n < 1000000000 {
		return fmt.Sprintf("%.1fM", float64(n)/1000000)
	}
	return fmt.Sprintf("%.1fB", float64(n)/1000000000)
}

func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "N/A"
	}
	return t.UTC().Format("2006-01-02 15:04:05 UTC")
}

func truncateHash(s string, n int) string {
	if len(s) <= n*2+3 {
		return s
	}
	return s[:n] + "..." + s[len(s)-n:]
}

// words renders a printed row space separated.
func words(values []int32) string {
	var b strings.Builder
	for i, v := range values {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(strconv.FormatInt(int64(v), 10))
	}
	return b.String()
}
