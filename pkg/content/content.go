// Package content abstracts where a blob's bytes come from: a file on disk
// or a buffer produced in memory. Every reference can be reopened from the
// start, which transfer retries rely on.
package content

import (
	"bytes"
	"crypto/md5" //nolint:gosec // md5 is the checksum the service expects
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Ref is a restartable reference to a payload.
type Ref interface {
	// Name identifies the payload in logs.
	Name() string
	// Open returns a fresh reader positioned at the start of the payload.
	Open() (io.ReadSeekCloser, error)
	// Length is the payload size in bytes.
	Length() int64
	// Checksum is the MD5 digest of the payload.
	Checksum() []byte
}

// HexMD5 renders the checksum of ref as lowercase hex.
func HexMD5(ref Ref) string {
	return hex.EncodeToString(ref.Checksum())
}

// Base64MD5 renders the checksum of ref as standard base64, the form used in
// Content-MD5 headers.
func Base64MD5(ref Ref) string {
	return base64.StdEncoding.EncodeToString(ref.Checksum())
}

// DiskRef is a payload stored in a local file.
type DiskRef struct {
	path string
	size int64
	md5  []byte
}

var _ Ref = (*DiskRef)(nil)

// NewDiskRef stats and hashes the file at path.
func NewDiskRef(path string) (*DiskRef, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", path, err)
	}

	f, err := os.Open(abs)
	if err != nil {
		return nil, fmt.Errorf("opening file: %w", err)
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", abs, err)
	}

	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory", abs)
	}

	h := md5.New() //nolint:gosec // see import
	if _, err := io.Copy(h, f); err != nil {
		return nil, fmt.Errorf("hashing %s: %w", abs, err)
	}

	return &DiskRef{path: abs, size: info.Size(), md5: h.Sum(nil)}, nil
}

// Path returns the absolute path of the file.
func (d *DiskRef) Path() string { return d.path }

// Name implements Ref.
func (d *DiskRef) Name() string { return d.path }

// Open implements Ref.
func (d *DiskRef) Open() (io.ReadSeekCloser, error) {
	f, err := os.Open(d.path)
	if err != nil {
		return nil, fmt.Errorf("opening file: %w", err)
	}

	return f, nil
}

// Length implements Ref.
func (d *DiskRef) Length() int64 { return d.size }

// Checksum implements Ref.
func (d *DiskRef) Checksum() []byte { return d.md5 }

// MemoryRef is a payload held in memory.
type MemoryRef struct {
	name string
	data []byte
	md5  []byte
}

var _ Ref = (*MemoryRef)(nil)

// NewMemoryRef wraps data. The slice must not be modified afterwards.
func NewMemoryRef(name string, data []byte) *MemoryRef {
	sum := md5.Sum(data) //nolint:gosec // see import

	return &MemoryRef{name: name, data: data, md5: sum[:]}
}

// Name implements Ref.
func (m *MemoryRef) Name() string { return m.name }

// Open implements Ref.
func (m *MemoryRef) Open() (io.ReadSeekCloser, error) {
	return nopCloser{bytes.NewReader(m.data)}, nil
}

// Length implements Ref.
func (m *MemoryRef) Length() int64 { return int64(len(m.data)) }

// Checksum implements Ref.
func (m *MemoryRef) Checksum() []byte { return m.md5 }

// Bytes returns the underlying buffer.
func (m *MemoryRef) Bytes() []byte { return m.data }

type nopCloser struct {
	*bytes.Reader
}

func (nopCloser) Close() error { return nil }
