// Package testutil builds repository fixtures for tests: compressed
// pacman-style databases and matching package payloads.
package testutil

import (
	"archive/tar"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// Package describes one fixture package to place in a database.
type Package struct {
	Name    string
	Version string // pkgver-pkgrel, e.g. "1.2-1"
	Arch    string
	Payload []byte

	// FileName and SHA256 override the derived values when set, so tests
	// can describe inconsistent databases (wrong checksum, odd names).
	FileName string
	SHA256   string
	CSize    int64 // overrides len(Payload) when > 0
}

// FileNameOf returns the canonical file name for p.
func FileNameOf(p Package) string {
	if p.FileName != "" {
		return p.FileName
	}
	arch := p.Arch
	if arch == "" {
		arch = "x86_64"
	}
	return fmt.Sprintf("%s-%s-%s.pkg.tar.zst", p.Name, p.Version, arch)
}

// BuildDatabase produces a .tar.zst repository database containing one
// desc record per package.
func BuildDatabase(pkgs []Package) ([]byte, error) {
	var tarBuf bytes.Buffer
	tw := tar.NewWriter(&tarBuf)

	for _, p := range pkgs {
		desc := descFor(p)
		hdr := &tar.Header{
			Name: fmt.Sprintf("%s-%s/desc", p.Name, p.Version),
			Mode: 0644,
			Size: int64(len(desc)),
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, err
		}
		if _, err := tw.Write([]byte(desc)); err != nil {
			return nil, err
		}
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}

	var out bytes.Buffer
	zw, err := zstd.NewWriter(&out)
	if err != nil {
		return nil, err
	}
	if _, err := zw.Write(tarBuf.Bytes()); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}

	return out.Bytes(), nil
}

func descFor(p Package) string {
	arch := p.Arch
	if arch == "" {
		arch = "x86_64"
	}
	sum := p.SHA256
	if sum == "" {
		h := sha256.Sum256(p.Payload)
		sum = hex.EncodeToString(h[:])
	}
	csize := p.CSize
	if csize == 0 {
		csize = int64(len(p.Payload))
	}

	return fmt.Sprintf(
		"%%FILENAME%%\n%s\n\n%%NAME%%\n%s\n\n%%VERSION%%\n%s\n\n%%CSIZE%%\n%d\n\n%%SHA256SUM%%\n%s\n\n%%ARCH%%\n%s\n\n",
		FileNameOf(p), p.Name, p.Version, csize, sum, arch)
}
