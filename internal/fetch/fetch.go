// Package fetch downloads repository files from a list of mirrors with
// bounded retries, streaming checksum verification and atomic
// publication into the destination directory.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"hash"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/schaermu/pacmirror/internal/checksum"
	"github.com/schaermu/pacmirror/internal/pacdb"
	"github.com/schaermu/pacmirror/internal/vault"
)

// ErrNotFound marks a file that no configured mirror serves. Retrying
// is pointless; callers decide whether absence is an error (a package)
// or acceptable (a signature the repository never published).
var ErrNotFound = errors.New("not found on any mirror")

// VerificationError reports a completed download whose digest did not
// match the database. The downloaded bytes are preserved under
// QuarantinedTo for diagnosis.
type VerificationError struct {
	FileName      string
	Algorithm     checksum.Algorithm
	Got, Want     string
	QuarantinedTo string
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("%s failed %s verification: got %s, want %s",
		e.FileName, e.Algorithm, e.Got, e.Want)
}

// Client is the remote-acquisition boundary used by the sync engine.
type Client interface {
	// File downloads name from the first reachable mirror and publishes
	// it atomically at destPath. No digest is checked.
	File(ctx context.Context, mirrors []string, name, destPath string) error
	// Package downloads entry.FileName into destDir, hashing while
	// writing. The file becomes visible under its final name only after
	// the digest matches; a mismatch is relocated to corrupt/ via mover
	// and reported as a *VerificationError.
	Package(ctx context.Context, mirrors []string, entry pacdb.Entry, destDir string, mover vault.Mover) error
}

// HTTPClient implements Client over net/http.
type HTTPClient struct {
	client  *http.Client
	retries uint64
	logger  *slog.Logger
}

// NewHTTPClient creates a client. timeout bounds each request; retries
// is the number of additional full-download attempts after a network
// failure.
func NewHTTPClient(timeout time.Duration, retries int, logger *slog.Logger) *HTTPClient {
	if retries < 0 {
		retries = 0
	}
	return &HTTPClient{
		client:  &http.Client{Timeout: timeout},
		retries: uint64(retries),
		logger:  logger,
	}
}

// File downloads name and atomically publishes it at destPath.
func (c *HTTPClient) File(ctx context.Context, mirrors []string, name, destPath string) error {
	tmp, err := os.CreateTemp(filepath.Dir(destPath), ".pacmirror-*")
	if err != nil {
		return fmt.Errorf("failed to create temporary file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}()

	mod, err := c.downloadWithRetry(ctx, mirrors, name, tmp, nil)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}

	if err := os.Rename(tmpPath, destPath); err != nil {
		return fmt.Errorf("failed to publish %s: %w", name, err)
	}
	applyModTime(destPath, mod)
	return nil
}

// Package downloads and verifies a package file. See Client.
func (c *HTTPClient) Package(ctx context.Context, mirrors []string, entry pacdb.Entry, destDir string, mover vault.Mover) error {
	h, err := checksum.New(entry.ChecksumAlg)
	if err != nil {
		return fmt.Errorf("package %s: %w", entry.Name, err)
	}

	tmp, err := os.CreateTemp(destDir, ".pacmirror-*")
	if err != nil {
		return fmt.Errorf("failed to create temporary file: %w", err)
	}
	tmpPath := tmp.Name()
	removeTmp := true
	defer func() {
		if removeTmp {
			_ = os.Remove(tmpPath)
		}
	}()

	mod, err := c.downloadWithRetry(ctx, mirrors, entry.FileName, tmp, h)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		// retries exhausted: no temporary file left behind
		return err
	}

	got := checksum.Sum(h)
	if !checksum.Equal(got, entry.Checksum) {
		// keep the evidence
		quarantined, mvErr := mover.MoveAs(tmpPath, entry.FileName, vault.Corrupt)
		if mvErr == nil {
			removeTmp = false
		}
		return &VerificationError{
			FileName:      entry.FileName,
			Algorithm:     entry.ChecksumAlg,
			Got:           got,
			Want:          entry.Checksum,
			QuarantinedTo: quarantined,
		}
	}

	final := filepath.Join(destDir, entry.FileName)
	if err := os.Rename(tmpPath, final); err != nil {
		return fmt.Errorf("failed to publish %s: %w", entry.FileName, err)
	}
	removeTmp = false
	applyModTime(final, mod)
	return nil
}

// downloadWithRetry runs the mirror loop under exponential backoff,
// truncating the destination file (and resetting the hash) between
// attempts so every retry re-fetches the whole file.
func (c *HTTPClient) downloadWithRetry(ctx context.Context, mirrors []string, name string, dst *os.File, h hash.Hash) (time.Time, error) {
	var mod time.Time

	op := func() error {
		if err := dst.Truncate(0); err != nil {
			return backoff.Permanent(err)
		}
		if _, err := dst.Seek(0, io.SeekStart); err != nil {
			return backoff.Permanent(err)
		}

		var w io.Writer = dst
		if h != nil {
			h.Reset()
			w = io.MultiWriter(dst, h)
		}

		m, err := c.download(ctx, mirrors, name, w)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return backoff.Permanent(err)
			}
			return err
		}
		mod = m
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), c.retries), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return time.Time{}, err
	}
	return mod, nil
}

// download tries each mirror in order and streams the first successful
// response into w. Connection and status errors move on to the next
// mirror; an error mid-body aborts the attempt so the caller can
// truncate and retry.
func (c *HTTPClient) download(ctx context.Context, mirrors []string, name string, w io.Writer) (time.Time, error) {
	var lastErr error
	notFoundEverywhere := len(mirrors) > 0

	for i, mirror := range mirrors {
		fileURL, err := url.JoinPath(mirror, name)
		if err != nil {
			return time.Time{}, fmt.Errorf("bad mirror URL %q: %w", mirror, err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, nil)
		if err != nil {
			return time.Time{}, err
		}

		resp, err := c.client.Do(req)
		if err != nil {
			lastErr = err
			notFoundEverywhere = false
			c.logger.Warn("mirror failed", "file", name, "mirror", mirror, "error", err)
			continue
		}

		if resp.StatusCode != http.StatusOK {
			_ = resp.Body.Close()
			lastErr = fmt.Errorf("%s: %s", fileURL, resp.Status)
			if resp.StatusCode != http.StatusNotFound {
				notFoundEverywhere = false
			}
			c.logger.Warn("mirror failed", "file", name, "mirror", mirror, "status", resp.Status)
			continue
		}

		_, err = io.Copy(w, resp.Body)
		mod := lastModified(resp)
		_ = resp.Body.Close()
		if err != nil {
			return time.Time{}, fmt.Errorf("download of %s interrupted: %w", name, err)
		}

		c.logger.Info("downloaded", "file", name, "size", resp.ContentLength, "mirror", i+1)
		return mod, nil
	}

	if lastErr == nil {
		return time.Time{}, fmt.Errorf("%s: no mirrors configured", name)
	}
	if notFoundEverywhere {
		return time.Time{}, fmt.Errorf("%s: %w", name, ErrNotFound)
	}
	return time.Time{}, fmt.Errorf("%s unavailable from all mirrors: %w", name, lastErr)
}

func lastModified(resp *http.Response) time.Time {
	if v := resp.Header.Get("Last-Modified"); v != "" {
		if t, err := http.ParseTime(v); err == nil {
			return t
		}
	}
	return time.Time{}
}

// applyModTime mirrors the remote Last-Modified onto the published
// file, so freshness comparisons against the upstream stay meaningful.
func applyModTime(path string, mod time.Time) {
	if mod.IsZero() {
		return
	}
	_ = os.Chtimes(path, time.Now(), mod)
}
