package fetch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/schaermu/pacmirror/internal/checksum"
	"github.com/schaermu/pacmirror/internal/pacdb"
	"github.com/schaermu/pacmirror/internal/vault"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testEntry(payload []byte) pacdb.Entry {
	sum := sha256.Sum256(payload)
	return pacdb.Entry{
		Name:        "foo",
		Version:     "1.2-1",
		Arch:        "x86_64",
		FileName:    "foo-1.2-1-x86_64.pkg.tar.zst",
		CSize:       int64(len(payload)),
		Checksum:    hex.EncodeToString(sum[:]),
		ChecksumAlg: checksum.SHA256,
	}
}

func serveFiles(t *testing.T, files map[string][]byte) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := strings.TrimPrefix(r.URL.Path, "/")
		data, ok := files[name]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Last-Modified", time.Date(2020, 5, 4, 3, 2, 1, 0, time.UTC).Format(http.TimeFormat))
		_, _ = w.Write(data)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func assertNoTempFiles(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".pacmirror-") {
			t.Errorf("temporary file left behind: %s", e.Name())
		}
	}
}

func TestPackage(t *testing.T) {
	payload := []byte("package payload bytes")
	entry := testEntry(payload)
	srv := serveFiles(t, map[string][]byte{entry.FileName: payload})

	destDir := t.TempDir()
	c := NewHTTPClient(5*time.Second, 0, testLogger())

	err := c.Package(context.Background(), []string{srv.URL}, entry, destDir, vault.New(destDir))
	if err != nil {
		t.Fatal(err)
	}

	final := filepath.Join(destDir, entry.FileName)
	data, err := os.ReadFile(final)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != string(payload) {
		t.Error("published content differs from served content")
	}
	assertNoTempFiles(t, destDir)

	// Last-Modified propagated to the published file
	info, err := os.Stat(final)
	if err != nil {
		t.Fatal(err)
	}
	if !info.ModTime().UTC().Equal(time.Date(2020, 5, 4, 3, 2, 1, 0, time.UTC)) {
		t.Errorf("mtime = %v, want Last-Modified value", info.ModTime().UTC())
	}
}

func TestPackage_ChecksumMismatch(t *testing.T) {
	entry := testEntry([]byte("expected payload"))
	srv := serveFiles(t, map[string][]byte{entry.FileName: []byte("tampered payload")})

	destDir := t.TempDir()
	c := NewHTTPClient(5*time.Second, 0, testLogger())

	err := c.Package(context.Background(), []string{srv.URL}, entry, destDir, vault.New(destDir))
	if err == nil {
		t.Fatal("expected verification error")
	}

	var verr *VerificationError
	if !errors.As(err, &verr) {
		t.Fatalf("error type = %T, want *VerificationError", err)
	}

	// no live file, evidence quarantined under the package's real name
	if _, err := os.Stat(filepath.Join(destDir, entry.FileName)); !os.IsNotExist(err) {
		t.Error("mismatched download must not be published")
	}
	data, err := os.ReadFile(filepath.Join(destDir, "corrupt", entry.FileName))
	if err != nil {
		t.Fatalf("quarantined evidence missing: %v", err)
	}
	if string(data) != "tampered payload" {
		t.Error("quarantined bytes differ from downloaded bytes")
	}
	if verr.QuarantinedTo == "" {
		t.Error("VerificationError should record the quarantine path")
	}
	assertNoTempFiles(t, destDir)
}

func TestPackage_MirrorFailover(t *testing.T) {
	payload := []byte("payload")
	entry := testEntry(payload)

	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	t.Cleanup(bad.Close)
	good := serveFiles(t, map[string][]byte{entry.FileName: payload})

	destDir := t.TempDir()
	c := NewHTTPClient(5*time.Second, 0, testLogger())

	err := c.Package(context.Background(), []string{bad.URL, good.URL}, entry, destDir, vault.New(destDir))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(destDir, entry.FileName)); err != nil {
		t.Errorf("package not published after failover: %v", err)
	}
}

func TestPackage_RetryAfterFailure(t *testing.T) {
	payload := []byte("payload")
	entry := testEntry(payload)

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "temporarily broken", http.StatusInternalServerError)
			return
		}
		_, _ = w.Write(payload)
	}))
	t.Cleanup(srv.Close)

	destDir := t.TempDir()
	c := NewHTTPClient(5*time.Second, 2, testLogger())

	err := c.Package(context.Background(), []string{srv.URL}, entry, destDir, vault.New(destDir))
	if err != nil {
		t.Fatal(err)
	}
	if calls.Load() < 2 {
		t.Errorf("expected a retried download, got %d calls", calls.Load())
	}
}

func TestPackage_AllRetriesExhausted(t *testing.T) {
	entry := testEntry([]byte("payload"))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	destDir := t.TempDir()
	c := NewHTTPClient(5*time.Second, 1, testLogger())

	err := c.Package(context.Background(), []string{srv.URL}, entry, destDir, vault.New(destDir))
	if err == nil {
		t.Fatal("expected error after exhausted retries")
	}

	// atomicity: no live file, no temp file
	if _, err := os.Stat(filepath.Join(destDir, entry.FileName)); !os.IsNotExist(err) {
		t.Error("failed fetch must not leave a live file")
	}
	assertNoTempFiles(t, destDir)
}

func TestPackage_NotFoundIsPermanent(t *testing.T) {
	entry := testEntry([]byte("payload"))

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.NotFound(w, r)
	}))
	t.Cleanup(srv.Close)

	destDir := t.TempDir()
	c := NewHTTPClient(5*time.Second, 5, testLogger())

	err := c.Package(context.Background(), []string{srv.URL}, entry, destDir, vault.New(destDir))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if calls.Load() != 1 {
		t.Errorf("404 should not be retried, got %d calls", calls.Load())
	}
}

func TestFile(t *testing.T) {
	srv := serveFiles(t, map[string][]byte{"msys.db": []byte("database bytes")})

	destDir := t.TempDir()
	c := NewHTTPClient(5*time.Second, 0, testLogger())

	destPath := filepath.Join(destDir, "msys.db")
	if err := c.File(context.Background(), []string{srv.URL}, "msys.db", destPath); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(destPath)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "database bytes" {
		t.Error("published database differs from served bytes")
	}
	assertNoTempFiles(t, destDir)
}

func TestFile_NoMirrors(t *testing.T) {
	destDir := t.TempDir()
	c := NewHTTPClient(time.Second, 0, testLogger())

	err := c.File(context.Background(), nil, "msys.db", filepath.Join(destDir, "msys.db"))
	if err == nil {
		t.Fatal("expected error with no mirrors configured")
	}
}
