package vfs

import (
	"errors"
	"io"
)

// ErrReadOnly is returned for any mutating operation; the verifiable
// client core is strictly read-only.
var ErrReadOnly = errors.New("vfs: file is read-only")

// VFile is the virtual database file handle handed to the SQL engine.
// Reads are page-aligned internally; unaligned reads are served by
// slicing verified pages. It implements io.ReaderAt plus Size, the
// surface the engine's reader VFS mounts for an immutable database.
type VFile struct {
	b    *Backend
	name string
}

// OpenFile opens the virtual database file under the given display name.
func (b *Backend) OpenFile(name string) *VFile {
	return &VFile{b: b, name: name}
}

// Name returns the display name.
func (f *VFile) Name() string { return f.name }

// Size returns the authenticated file size.
func (f *VFile) Size() int64 { return f.b.Size() }

// ReadAt implements io.ReaderAt. Short reads occur only past EOF, where
// io.EOF is returned alongside the bytes read.
func (f *VFile) ReadAt(p []byte, off int64) (int, error) {
	size := f.b.Size()
	if off >= size {
		return 0, io.EOF
	}
	want := len(p)
	eof := false
	if off+int64(want) > size {
		want = int(size - off)
		eof = true
	}
	buf, err := f.b.ReadRange(off, want)
	if err != nil {
		return 0, err
	}
	copy(p, buf)
	if eof {
		return want, io.EOF
	}
	return want, nil
}

// WriteAt rejects writes.
func (f *VFile) WriteAt([]byte, int64) (int, error) { return 0, ErrReadOnly }

// Truncate rejects truncation.
func (f *VFile) Truncate(int64) error { return ErrReadOnly }

// Close releases the handle. The backend outlives its file handles.
func (f *VFile) Close() error { return nil }
