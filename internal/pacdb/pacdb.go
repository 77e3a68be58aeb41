package pacdb

import (
	"archive/tar"
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strconv"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"

	"github.com/schaermu/pacmirror/internal/checksum"
)

// ErrMalformed marks a repository database that could not be decoded.
// Callers abort the affected repository pass but keep other repositories
// running.
var ErrMalformed = errors.New("malformed repository database")

// Entry is one package record from the repository database. The database
// describes only the current state of the repository, so there is exactly
// one Entry per package name.
type Entry struct {
	Name        string
	Version     string // pkgver-pkgrel
	Arch        string
	FileName    string
	CSize       int64 // compressed (on-mirror) size
	ISize       int64 // installed size
	BuildDate   int64
	Checksum    string
	ChecksumAlg checksum.Algorithm
	Replaces    []string
}

// Catalog maps package name to its current database entry.
type Catalog map[string]Entry

// desc fields whose values are lists rather than single scalars.
var listFields = map[string]bool{
	"ARCH":         true,
	"CHECKDEPENDS": true,
	"CONFLICTS":    true,
	"DEPENDS":      true,
	"GROUPS":       true,
	"LICENSE":      true,
	"MAKEDEPENDS":  true,
	"OPTDEPENDS":   true,
	"PROVIDES":     true,
	"REPLACES":     true,
}

// Parse decodes a compressed repository database (a tar archive of
// per-package desc records) into a Catalog. The compression codec is
// detected from the stream's magic bytes; zstd, gzip, xz and plain tar
// are supported. Unknown desc fields are ignored so that repository
// format extensions do not break the mirror.
func Parse(r io.Reader) (Catalog, error) {
	dec, err := decompress(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	defer dec.Close()

	catalog := make(Catalog)

	tr := tar.NewReader(dec)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: reading archive: %v", ErrMalformed, err)
		}
		if hdr.Typeflag != tar.TypeReg || path.Base(hdr.Name) != "desc" {
			continue
		}

		data, err := io.ReadAll(tr)
		if err != nil {
			return nil, fmt.Errorf("%w: reading %s: %v", ErrMalformed, hdr.Name, err)
		}

		entry, err := parseDesc(string(data))
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, hdr.Name, err)
		}
		catalog[entry.Name] = entry
	}

	return catalog, nil
}

// ParseFile opens and parses the database at path.
func ParseFile(path string) (Catalog, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = f.Close()
	}()
	return Parse(bufio.NewReader(f))
}

// parseDesc decodes one desc record: blocks of a %KEY% line followed by
// one or more value lines, blocks separated by blank lines.
func parseDesc(text string) (Entry, error) {
	fields := make(map[string][]string)

	lines := strings.Split(text, "\n")
	for i := 0; i < len(lines); {
		key := strings.TrimSpace(lines[i])
		i++
		if key == "" {
			continue
		}
		if !strings.HasPrefix(key, "%") || !strings.HasSuffix(key, "%") || len(key) < 3 {
			return Entry{}, fmt.Errorf("expected field header, got %q", key)
		}
		key = key[1 : len(key)-1]

		var values []string
		for i < len(lines) {
			v := strings.TrimRight(lines[i], "\r")
			i++
			if strings.TrimSpace(v) == "" {
				break
			}
			values = append(values, v)
		}
		fields[key] = values
	}

	return entryFromFields(fields)
}

func entryFromFields(fields map[string][]string) (Entry, error) {
	scalar := func(key string) string {
		v := fields[key]
		if len(v) == 0 {
			return ""
		}
		if listFields[key] {
			return v[0]
		}
		return strings.Join(v, "\n")
	}

	e := Entry{
		Name:     scalar("NAME"),
		Version:  scalar("VERSION"),
		Arch:     scalar("ARCH"),
		FileName: scalar("FILENAME"),
		Replaces: fields["REPLACES"],
	}

	switch {
	case e.Name == "":
		return Entry{}, errors.New("desc record missing NAME")
	case e.Version == "":
		return Entry{}, fmt.Errorf("package %s missing VERSION", e.Name)
	case e.FileName == "":
		return Entry{}, fmt.Errorf("package %s missing FILENAME", e.Name)
	}

	var err error
	for _, f := range []struct {
		key  string
		dest *int64
	}{
		{"CSIZE", &e.CSize},
		{"ISIZE", &e.ISize},
		{"BUILDDATE", &e.BuildDate},
	} {
		if v := scalar(f.key); v != "" {
			*f.dest, err = strconv.ParseInt(v, 10, 64)
			if err != nil {
				return Entry{}, fmt.Errorf("package %s: bad %s %q", e.Name, f.key, v)
			}
		}
	}

	// sha256 preferred; md5 accepted only when it is the sole digest
	if sum := scalar("SHA256SUM"); sum != "" {
		e.Checksum = sum
		e.ChecksumAlg = checksum.SHA256
	} else if sum := scalar("MD5SUM"); sum != "" {
		e.Checksum = sum
		e.ChecksumAlg = checksum.MD5
	} else {
		return Entry{}, fmt.Errorf("package %s missing checksum", e.Name)
	}

	return e, nil
}

var (
	magicZstd = []byte{0x28, 0xb5, 0x2f, 0xfd}
	magicGzip = []byte{0x1f, 0x8b}
	magicXz   = []byte{0xfd, '7', 'z', 'X', 'Z', 0x00}
)

// decompress wraps r with the codec indicated by its magic bytes. A
// stream with no recognized magic is assumed to be an uncompressed tar.
func decompress(r io.Reader) (io.ReadCloser, error) {
	br := bufio.NewReader(r)
	magic, err := br.Peek(6)
	if err != nil && err != io.EOF {
		return nil, err
	}

	switch {
	case bytes.HasPrefix(magic, magicZstd):
		zr, err := zstd.NewReader(br)
		if err != nil {
			return nil, err
		}
		return &zstdCloser{zr}, nil
	case bytes.HasPrefix(magic, magicGzip):
		return gzip.NewReader(br)
	case bytes.HasPrefix(magic, magicXz):
		xr, err := xz.NewReader(br)
		if err != nil {
			return nil, err
		}
		return io.NopCloser(xr), nil
	default:
		return io.NopCloser(br), nil
	}
}

// zstdCloser adapts zstd.Decoder's Close (no error) to io.ReadCloser.
type zstdCloser struct {
	*zstd.Decoder
}

func (z *zstdCloser) Close() error {
	z.Decoder.Close()
	return nil
}
