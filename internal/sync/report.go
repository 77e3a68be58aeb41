package sync

import (
	"log/slog"
)

// Report summarizes one repository pass. Per-package errors are
// collected rather than aborting the pass; Err is set only for failures
// that stop the whole repository (index fetch, malformed database).
type Report struct {
	Repository  string
	Kept        int
	Fetched     int
	Archived    int
	Quarantined int
	// Missing counts packages that would have been fetched in a
	// network pass (local mode only).
	Missing int
	// Warnings lists local files that do not follow the package naming
	// grammar; they are skipped, never touched.
	Warnings []string
	// PackageErrors holds per-package failures (fetch, verification,
	// archive moves). The pass continued past each of them.
	PackageErrors []error
	// Err is the repository-fatal error, if any.
	Err error
}

// Failed reports whether the repository pass aborted.
func (r *Report) Failed() bool {
	return r.Err != nil
}

// Log writes the pass summary. Every failed package is named so a
// re-run target is obvious; re-running is the recovery action for every
// per-package error.
func (r *Report) Log(logger *slog.Logger) {
	if r.Err != nil {
		logger.Error("repository pass failed", "repository", r.Repository, "error", r.Err)
		return
	}

	logger.Info("repository pass complete",
		"repository", r.Repository,
		"kept", r.Kept,
		"fetched", r.Fetched,
		"archived", r.Archived,
		"quarantined", r.Quarantined,
		"missing", r.Missing,
		"errors", len(r.PackageErrors))

	for _, err := range r.PackageErrors {
		logger.Error("package error", "repository", r.Repository, "error", err)
	}
}
