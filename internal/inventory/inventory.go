// Package inventory scans a mirror destination tree and reports which
// package files are present locally. The scan is metadata-only: file
// names and sizes, never content.
package inventory

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Class says which subtree a file was found in.
type Class int

const (
	Live Class = iota
	Archived
	Corrupt
)

func (c Class) String() string {
	switch c {
	case Live:
		return "live"
	case Archived:
		return "archive"
	case Corrupt:
		return "corrupt"
	}
	return "unknown"
}

// File is one package file observed on disk.
type File struct {
	Path    string // absolute path
	Name    string // base file name
	Pkg     string // package name parsed from the file name
	Version string // pkgver-pkgrel parsed from the file name
	Arch    string
	Size    int64
	Class   Class
	HasSig  bool // companion <name>.sig present in the same directory
}

// Inventory is everything the scan found, grouped by package name.
// Before reconciliation a package may be present in several versions at
// once; all of them are listed.
type Inventory struct {
	Files map[string][]File
	// Warnings lists files under the scanned tree that do not follow the
	// package naming grammar. They are never touched, only reported.
	Warnings []string
}

// Live returns the live-class files recorded for a package name.
func (inv *Inventory) Live(pkg string) []File {
	var out []File
	for _, f := range inv.Files[pkg] {
		if f.Class == Live {
			out = append(out, f)
		}
	}
	return out
}

// LiveNames returns the set of package names with at least one live file.
func (inv *Inventory) LiveNames() map[string]bool {
	names := make(map[string]bool)
	for pkg, files := range inv.Files {
		for _, f := range files {
			if f.Class == Live {
				names[pkg] = true
				break
			}
		}
	}
	return names
}

// fileNamePattern is the package naming grammar:
// <name>-<pkgver>-<pkgrel>-<arch>.pkg.tar.<ext>
// The name itself may contain hyphens; pkgver, pkgrel and arch may not.
var fileNamePattern = regexp.MustCompile(`^(.+)-([^-]+)-([^-]+)-([^-]+)\.pkg\.tar\.[^.]+$`)

// ParseFileName splits a package file name into name, version
// (pkgver-pkgrel) and architecture. ok is false when the name does not
// follow the grammar.
func ParseFileName(name string) (pkg, version, arch string, ok bool) {
	m := fileNamePattern.FindStringSubmatch(name)
	if m == nil {
		return "", "", "", false
	}
	return m[1], m[2] + "-" + m[3], m[4], true
}

// Scan enumerates regular files directly under root (live) and under
// root/archive (supersession bookkeeping). Symbolic links are not
// followed. Database files (<repo>.db, <repo>.files and their .sig
// companions) belong in the tree and are not reported as warnings.
func Scan(root string) (*Inventory, error) {
	inv := &Inventory{Files: make(map[string][]File)}

	if err := scanDir(root, Live, inv); err != nil {
		return nil, fmt.Errorf("scanning %s: %w", root, err)
	}
	archiveDir := filepath.Join(root, "archive")
	if _, err := os.Lstat(archiveDir); err == nil {
		if err := scanDir(archiveDir, Archived, inv); err != nil {
			return nil, fmt.Errorf("scanning %s: %w", archiveDir, err)
		}
	}

	return inv, nil
}

func scanDir(dir string, class Class, inv *Inventory) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}

	sigs := make(map[string]bool)
	var files []File

	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		name := entry.Name()

		if strings.HasSuffix(name, ".sig") {
			sigs[strings.TrimSuffix(name, ".sig")] = true
			continue
		}

		pkg, version, arch, ok := ParseFileName(name)
		if !ok {
			if !isExpectedNonPackage(name) {
				inv.Warnings = append(inv.Warnings, filepath.Join(dir, name))
			}
			continue
		}

		info, err := entry.Info()
		if err != nil {
			return err
		}
		files = append(files, File{
			Path:    filepath.Join(dir, name),
			Name:    name,
			Pkg:     pkg,
			Version: version,
			Arch:    arch,
			Size:    info.Size(),
			Class:   class,
		})
	}

	for _, f := range files {
		f.HasSig = sigs[f.Name]
		inv.Files[f.Pkg] = append(inv.Files[f.Pkg], f)
	}

	return nil
}

// isExpectedNonPackage reports files that legitimately live in the tree
// without following the package grammar: the published databases and
// in-flight temporary downloads.
func isExpectedNonPackage(name string) bool {
	switch {
	case strings.HasSuffix(name, ".db"),
		strings.HasSuffix(name, ".files"),
		strings.HasSuffix(name, ".old"),
		strings.HasPrefix(name, ".pacmirror-"):
		return true
	}
	return false
}
