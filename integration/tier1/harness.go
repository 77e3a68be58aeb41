//go:build integration

package tier1

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	gosync "sync"
	"testing"
	"time"

	"github.com/schaermu/pacmirror/internal/config"
	"github.com/schaermu/pacmirror/internal/fetch"
	"github.com/schaermu/pacmirror/internal/sync"
	"github.com/schaermu/pacmirror/internal/testutil"
)

// Mirror is an in-process upstream mirror. Content lives in a map keyed
// by request path relative to the server root, e.g. "msys/msys.db".
type Mirror struct {
	t        *testing.T
	mu       gosync.Mutex
	files    map[string][]byte
	down     bool
	requests []string
	srv      *httptest.Server
}

// NewMirror starts a mirror server that is shut down with the test.
func NewMirror(t *testing.T) *Mirror {
	t.Helper()
	m := &Mirror{
		t:     t,
		files: make(map[string][]byte),
	}
	m.srv = httptest.NewServer(http.HandlerFunc(m.serve))
	t.Cleanup(m.srv.Close)
	return m
}

func (m *Mirror) serve(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	defer m.mu.Unlock()

	path := r.URL.Path[1:]
	m.requests = append(m.requests, path)

	if m.down {
		http.Error(w, "mirror unavailable", http.StatusInternalServerError)
		return
	}
	data, ok := m.files[path]
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Last-Modified", time.Now().UTC().Format(http.TimeFormat))
	_, _ = w.Write(data)
}

// URL returns the mirror base URL for a repository path.
func (m *Mirror) URL(repoPath string) string {
	return m.srv.URL + "/" + repoPath
}

// Set publishes content at path. Overwrites any previous content.
func (m *Mirror) Set(path string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[path] = data
}

// Remove deletes content at path; subsequent requests get a 404.
func (m *Mirror) Remove(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.files, path)
}

// SetDown toggles hard failure: every request answers 500.
func (m *Mirror) SetDown(down bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.down = down
}

// Requests returns the paths requested so far, in order.
func (m *Mirror) Requests() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.requests...)
}

// PublishRepository builds a database for pkgs and publishes it together
// with each package payload under repoPath.
func (m *Mirror) PublishRepository(repoPath, dbName string, pkgs []testutil.Package) {
	m.t.Helper()
	db, err := testutil.BuildDatabase(pkgs)
	if err != nil {
		m.t.Fatalf("failed to build database: %v", err)
	}
	m.Set(repoPath+"/"+dbName, db)
	for _, p := range pkgs {
		m.Set(repoPath+"/"+testutil.FileNameOf(p), p.Payload)
	}
}

// Harness wires mirrors and a destination tree into a runnable engine.
type Harness struct {
	t      *testing.T
	Dest   string
	repos  []config.Repository
	logger *slog.Logger
}

// NewHarness creates a harness with a fresh destination directory.
func NewHarness(t *testing.T) *Harness {
	t.Helper()
	return &Harness{
		t:      t,
		Dest:   t.TempDir(),
		logger: slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})),
	}
}

// AddRepository registers a repository served from the given mirrors, in
// failover order.
func (h *Harness) AddRepository(name string, mirrors ...*Mirror) {
	h.t.Helper()
	urls := make([]string, len(mirrors))
	for i, m := range mirrors {
		urls[i] = m.URL(name)
	}
	h.repos = append(h.repos, config.Repository{
		Name:         name,
		Path:         name,
		DatabaseURLs: urls,
		PackageURLs:  urls,
	})
}

// Run executes one pass over the real HTTP client.
func (h *Harness) Run(ctx context.Context, mode sync.Mode) []*sync.Report {
	h.t.Helper()
	cfg := &config.Config{
		Destination:  h.Dest,
		Repositories: h.repos,
		Fetch:        config.Fetch{Workers: 2, Retries: 1, TimeoutSeconds: 5},
	}
	client := fetch.NewHTTPClient(cfg.Timeout(), cfg.Fetch.Retries, h.logger)
	return sync.NewEngine(cfg, client, h.logger, mode).Run(ctx)
}

// LivePath returns the path of a live file in the destination tree.
func (h *Harness) LivePath(repo string, parts ...string) string {
	return filepath.Join(append([]string{h.Dest, repo}, parts...)...)
}

// ReadLive reads a live file, failing the test when it is absent.
func (h *Harness) ReadLive(repo string, parts ...string) []byte {
	h.t.Helper()
	data, err := os.ReadFile(h.LivePath(repo, parts...))
	if err != nil {
		h.t.Fatalf("failed to read %v: %v", parts, err)
	}
	return data
}

// FileExists reports whether a file exists in the destination tree.
func (h *Harness) FileExists(repo string, parts ...string) bool {
	_, err := os.Stat(h.LivePath(repo, parts...))
	return err == nil
}
