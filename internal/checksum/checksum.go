package checksum

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"strings"
)

// Algorithm identifies a supported digest algorithm.
type Algorithm string

const (
	SHA256 Algorithm = "sha256"
	MD5    Algorithm = "md5"
)

// New returns a fresh hash for the given algorithm.
func New(alg Algorithm) (hash.Hash, error) {
	switch alg {
	case SHA256:
		return sha256.New(), nil
	case MD5:
		return md5.New(), nil
	default:
		return nil, fmt.Errorf("unsupported checksum algorithm: %s", alg)
	}
}

// Sum returns the hex digest accumulated in h.
func Sum(h hash.Hash) string {
	return hex.EncodeToString(h.Sum(nil))
}

// Equal compares two hex digests, ignoring case.
func Equal(got, want string) bool {
	return got != "" && strings.EqualFold(got, want)
}

// File computes the hex digest of the file at path.
func File(path string, alg Algorithm) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer func() {
		_ = f.Close()
	}()

	h, err := New(alg)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}

	return Sum(h), nil
}
