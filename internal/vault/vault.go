// Package vault relocates files out of the live mirror directory.
// Nothing is ever deleted: superseded packages go to archive/, files
// that failed verification go to corrupt/.
package vault

import (
	"fmt"
	"os"
	"path/filepath"
)

// Subtree is a relocation target under the destination root.
type Subtree string

const (
	Archive Subtree = "archive"
	Corrupt Subtree = "corrupt"
)

// Mover relocates a file into a subtree and returns the final path.
// MoveAs overrides the destination base name, used when quarantining a
// temporary download under the package's real file name.
type Mover interface {
	Move(path string, dst Subtree) (string, error)
	MoveAs(path, name string, dst Subtree) (string, error)
}

// MoveError reports a failed relocation. The source file is guaranteed
// to still be in place: a stale live file beats data loss.
type MoveError struct {
	Path string
	Dst  Subtree
	Err  error
}

func (e *MoveError) Error() string {
	return fmt.Sprintf("failed to move %s to %s/: %v", e.Path, e.Dst, e.Err)
}

func (e *MoveError) Unwrap() error {
	return e.Err
}

// Vault implements Mover below a single destination root.
type Vault struct {
	root string
}

// New creates a Vault rooted at the mirror destination directory.
func New(root string) *Vault {
	return &Vault{root: root}
}

// Move renames path into the given subtree, creating it if absent. A
// name collision is resolved by appending a numeric suffix so that
// copies archived across passes all survive.
func (v *Vault) Move(path string, dst Subtree) (string, error) {
	return v.MoveAs(path, filepath.Base(path), dst)
}

// MoveAs is Move with an explicit destination base name.
func (v *Vault) MoveAs(path, name string, dst Subtree) (string, error) {
	dir := filepath.Join(v.root, string(dst))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", &MoveError{Path: path, Dst: dst, Err: err}
	}

	target := filepath.Join(dir, name)
	for i := 1; ; i++ {
		if _, err := os.Lstat(target); os.IsNotExist(err) {
			break
		}
		target = filepath.Join(dir, fmt.Sprintf("%s.%d", name, i))
	}

	if err := os.Rename(path, target); err != nil {
		return "", &MoveError{Path: path, Dst: dst, Err: err}
	}
	return target, nil
}
