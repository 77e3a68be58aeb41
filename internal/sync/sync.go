// Package sync drives one full mirror pass per configured repository:
// fetch index, parse, scan local, reconcile, execute the plan, report.
package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"github.com/schaermu/pacmirror/internal/checksum"
	"github.com/schaermu/pacmirror/internal/config"
	"github.com/schaermu/pacmirror/internal/fetch"
	"github.com/schaermu/pacmirror/internal/inventory"
	"github.com/schaermu/pacmirror/internal/pacdb"
	"github.com/schaermu/pacmirror/internal/reconcile"
	"github.com/schaermu/pacmirror/internal/vault"
)

// Mode selects how a pass treats the network and local files.
type Mode int

const (
	// ModeSync is the normal pass: download the index, fetch what is
	// missing, trust filename+size for unchanged files.
	ModeSync Mode = iota
	// ModeLocal never touches the network: the published index is
	// parsed from disk, every matching live file is re-hashed, and
	// packages that would be fetched are reported as missing.
	ModeLocal
)

// Engine orchestrates mirror passes.
type Engine struct {
	cfg    *config.Config
	client fetch.Client
	logger *slog.Logger
	mode   Mode
}

// NewEngine creates a new sync engine.
func NewEngine(cfg *config.Config, client fetch.Client, logger *slog.Logger, mode Mode) *Engine {
	return &Engine{
		cfg:    cfg,
		client: client,
		logger: logger,
		mode:   mode,
	}
}

// Run executes one pass for every configured repository. Repositories
// touch disjoint destination subtrees, so their passes run
// concurrently; a failure in one never aborts another.
func (e *Engine) Run(ctx context.Context) []*Report {
	reports := make([]*Report, len(e.cfg.Repositories))

	var g errgroup.Group
	for i := range e.cfg.Repositories {
		i := i
		g.Go(func() error {
			reports[i] = e.syncRepository(ctx, e.cfg.Repositories[i])
			return nil
		})
	}
	_ = g.Wait()

	for _, rep := range reports {
		rep.Log(e.logger)
	}
	return reports
}

func (e *Engine) syncRepository(ctx context.Context, repo config.Repository) *Report {
	rep := &Report{Repository: repo.Name}
	logger := e.logger.With("repository", repo.Name)

	destDir := repo.DestDir(e.cfg.Destination)
	for _, dir := range []string{destDir, filepath.Join(destDir, string(vault.Archive)), filepath.Join(destDir, string(vault.Corrupt))} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			rep.Err = fmt.Errorf("failed to create destination directory: %w", err)
			return rep
		}
	}

	catalog, err := e.refreshDatabase(ctx, repo, destDir, logger)
	if err != nil {
		rep.Err = err
		return rep
	}
	logger.Info("database loaded", "packages", len(catalog))

	inv, err := inventory.Scan(destDir)
	if err != nil {
		rep.Err = fmt.Errorf("failed to scan destination: %w", err)
		return rep
	}
	rep.Warnings = inv.Warnings
	for _, w := range inv.Warnings {
		logger.Warn("unrecognized file skipped", "path", w)
	}

	plan := reconcile.Build(catalog, inv)
	logger.Info("reconciliation plan",
		"keep", plan.Count(reconcile.Keep),
		"fetch", plan.Count(reconcile.Fetch),
		"archive", plan.Count(reconcile.Archive),
		"quarantine", plan.Count(reconcile.Quarantine))

	e.executePlan(ctx, repo, destDir, plan, rep, logger)
	return rep
}

// refreshDatabase obtains the repository database and parses it into a
// catalog. In a network pass the new database is downloaded next to the
// published one and only replaces it once it parses: a malformed
// download leaves the previously published index untouched.
func (e *Engine) refreshDatabase(ctx context.Context, repo config.Repository, destDir string, logger *slog.Logger) (pacdb.Catalog, error) {
	dbPath := filepath.Join(destDir, repo.DatabaseName())

	if e.mode == ModeLocal {
		catalog, err := pacdb.ParseFile(dbPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read local database: %w", err)
		}
		return catalog, nil
	}

	stagePath := dbPath + ".new"
	if err := e.client.File(ctx, repo.DatabaseURLs, repo.DatabaseName(), stagePath); err != nil {
		return nil, fmt.Errorf("failed to fetch database: %w", err)
	}

	catalog, err := pacdb.ParseFile(stagePath)
	if err != nil {
		_ = os.Remove(stagePath)
		return nil, err
	}
	if err := os.Rename(stagePath, dbPath); err != nil {
		_ = os.Remove(stagePath)
		return nil, fmt.Errorf("failed to publish database: %w", err)
	}

	// companion files: best effort, the package set is already known
	for _, name := range []string{repo.DatabaseName() + ".sig", repo.FilesName(), repo.FilesName() + ".sig"} {
		if err := e.client.File(ctx, repo.DatabaseURLs, name, filepath.Join(destDir, name)); err != nil {
			logger.Warn("companion database file unavailable", "file", name, "error", err)
		}
	}

	return catalog, nil
}

// executePlan performs all moves synchronously, then hands fetch work
// to a bounded worker pool. Moves come first so that no two files ever
// claim the same live name.
func (e *Engine) executePlan(ctx context.Context, repo config.Repository, destDir string, plan *reconcile.Plan, rep *Report, logger *slog.Logger) {
	v := vault.New(destDir)

	// a failed quarantine move leaves the bad file in the live slot;
	// fetching over it would destroy the evidence
	skipFetch := make(map[string]bool)

	var fetches []reconcile.Action
	for _, a := range plan.Actions {
		switch a.Op {
		case reconcile.Archive:
			if err := e.moveWithSig(v, a.File, vault.Archive, logger); err != nil {
				rep.PackageErrors = append(rep.PackageErrors, err)
				continue
			}
			rep.Archived++

		case reconcile.Quarantine:
			if err := e.moveWithSig(v, a.File, vault.Corrupt, logger); err != nil {
				rep.PackageErrors = append(rep.PackageErrors, err)
				skipFetch[a.Pkg] = true
				continue
			}
			rep.Quarantined++
			logger.Warn("quarantined corrupt file", "file", a.File.Name)

		case reconcile.Keep:
			e.keep(a, v, rep, logger)

		case reconcile.Fetch:
			fetches = append(fetches, a)
		}
	}

	if e.mode == ModeLocal {
		for _, a := range fetches {
			if skipFetch[a.Pkg] {
				continue
			}
			rep.Missing++
			logger.Warn("package missing locally", "file", a.Entry.FileName)
		}
		return
	}

	e.runFetchPool(ctx, repo, destDir, fetches, skipFetch, v, rep, logger)
}

// keep handles an already-matching live file. The network pass trusts
// filename+size; the local pass re-hashes and quarantines mismatches.
func (e *Engine) keep(a reconcile.Action, v *vault.Vault, rep *Report, logger *slog.Logger) {
	if e.mode != ModeLocal {
		rep.Kept++
		return
	}

	sum, err := checksum.File(a.File.Path, a.Entry.ChecksumAlg)
	if err != nil {
		rep.PackageErrors = append(rep.PackageErrors, fmt.Errorf("failed to verify %s: %w", a.File.Name, err))
		return
	}
	if checksum.Equal(sum, a.Entry.Checksum) {
		rep.Kept++
		return
	}

	logger.Warn("checksum mismatch on live file", "file", a.File.Name, "got", sum, "want", a.Entry.Checksum)
	if err := e.moveWithSig(v, a.File, vault.Corrupt, logger); err != nil {
		rep.PackageErrors = append(rep.PackageErrors, err)
		return
	}
	rep.Quarantined++
	rep.Missing++
	rep.PackageErrors = append(rep.PackageErrors, fmt.Errorf("%s failed %s verification: got %s, want %s",
		a.File.Name, a.Entry.ChecksumAlg, sum, a.Entry.Checksum))
}

// moveWithSig relocates a package file and its companion signature to
// the same subtree.
func (e *Engine) moveWithSig(v *vault.Vault, f *inventory.File, dst vault.Subtree, logger *slog.Logger) error {
	moved, err := v.Move(f.Path, dst)
	if err != nil {
		return err
	}
	logger.Info("moved", "file", f.Name, "to", moved)

	if f.HasSig {
		if _, err := v.Move(f.Path+".sig", dst); err != nil {
			// the package itself moved; a stranded signature is only
			// noise in the live directory
			logger.Warn("failed to move signature", "file", f.Name+".sig", "error", err)
		}
	}
	return nil
}

type fetchResult struct {
	pkg string
	err error
}

// runFetchPool executes fetch actions on a fixed set of workers.
// Results come back over a channel; no shared counters.
func (e *Engine) runFetchPool(ctx context.Context, repo config.Repository, destDir string, fetches []reconcile.Action, skipFetch map[string]bool, v *vault.Vault, rep *Report, logger *slog.Logger) {
	jobs := make(chan reconcile.Action)
	results := make(chan fetchResult)

	var g errgroup.Group
	for i := 0; i < e.cfg.Fetch.Workers; i++ {
		g.Go(func() error {
			for a := range jobs {
				err := e.fetchPackage(ctx, repo, destDir, *a.Entry, v, logger)
				results <- fetchResult{pkg: a.Pkg, err: err}
			}
			return nil
		})
	}

	go func() {
		defer close(jobs)
		for _, a := range fetches {
			if skipFetch[a.Pkg] {
				continue
			}
			select {
			case jobs <- a:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		_ = g.Wait()
		close(results)
	}()

	for res := range results {
		if res.err != nil {
			rep.PackageErrors = append(rep.PackageErrors, fmt.Errorf("package %s: %w", res.pkg, res.err))
			logger.Error("fetch failed", "package", res.pkg, "error", res.err)
			continue
		}
		rep.Fetched++
	}
}

// fetchPackage downloads and verifies one package, then its companion
// signature. A missing signature is not an error; repositories are not
// required to publish them.
func (e *Engine) fetchPackage(ctx context.Context, repo config.Repository, destDir string, entry pacdb.Entry, v *vault.Vault, logger *slog.Logger) error {
	if err := e.client.Package(ctx, repo.PackageURLs, entry, destDir, v); err != nil {
		return err
	}

	sigName := entry.FileName + ".sig"
	sigPath := filepath.Join(destDir, sigName)
	if _, err := os.Stat(sigPath); err == nil {
		return nil
	}

	if err := e.client.File(ctx, repo.DatabaseURLs, sigName, sigPath); err != nil {
		if errors.Is(err, fetch.ErrNotFound) {
			logger.Debug("no signature published", "file", sigName)
		} else {
			logger.Warn("failed to fetch signature", "file", sigName, "error", err)
		}
	}
	return nil
}
