// Package vbf implements the versioned Bloom filter that lets the client
// decide, without a round trip, whether a cached page version is still
// current.
//
// Unlike a classic Bloom filter the cells are not bits: each of the m
// cells holds the highest database version at which any page mapping to
// that cell changed. A page is "possibly changed since version v" iff all
// of its k cells hold a version greater than v. Because insertion only
// raises cells, a negative answer is conclusive; positives are subject to
// the usual false-positive probability.
package vbf

import (
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/crypto/blake2b"

	"github.com/verifiabledb/v2fs/internal/mht"
)

const (
	// DefaultBits is the default cell count m.
	DefaultBits = 10000

	// DefaultHashes is the default hash count k.
	DefaultHashes = 5
)

var errShape = errors.New("vbf: filter shape mismatch")

// Filter is a versioned Bloom filter over (page_id, version) pairs.
type Filter struct {
	cells []uint64
	k     uint32
}

// New creates a filter with m cells and k hash functions.
func New(m, k int) (*Filter, error) {
	if m <= 0 || k <= 0 {
		return nil, fmt.Errorf("vbf: invalid parameters m=%d k=%d", m, k)
	}
	return &Filter{cells: make([]uint64, m), k: uint32(k)}, nil
}

// Insert records that page p changed at the given version. Cells only
// ever increase, so a colliding later insert can never mask an earlier
// change.
func (f *Filter) Insert(p mht.PageID, version uint64) {
	h1, h2 := hashKernel(p)
	for i := uint32(0); i < f.k; i++ {
		idx := cellIndex(h1, h2, uint64(i), uint64(len(f.cells)))
		if f.cells[idx] < version {
			f.cells[idx] = version
		}
	}
}

// PossiblyChangedSince reports whether page p may have changed at any
// version greater than known. A false return is conclusive: the page is
// unchanged and a cached copy verified at known is still valid.
func (f *Filter) PossiblyChangedSince(p mht.PageID, known uint64) bool {
	h1, h2 := hashKernel(p)
	for i := uint32(0); i < f.k; i++ {
		idx := cellIndex(h1, h2, uint64(i), uint64(len(f.cells)))
		if f.cells[idx] <= known {
			return false
		}
	}
	return true
}

// Merge folds other into f cellwise (max). Shapes must match.
func (f *Filter) Merge(other *Filter) error {
	if len(f.cells) != len(other.cells) || f.k != other.k {
		return errShape
	}
	for i, v := range other.cells {
		if f.cells[i] < v {
			f.cells[i] = v
		}
	}
	return nil
}

// Reset clears every cell.
func (f *Filter) Reset() {
	for i := range f.cells {
		f.cells[i] = 0
	}
}

// Bits returns the cell count m.
func (f *Filter) Bits() int { return len(f.cells) }

// Hashes returns the hash count k.
func (f *Filter) Hashes() int { return int(f.k) }

// ───────────────────────────────────────────────────────────────────────────
// Serialization
// ───────────────────────────────────────────────────────────────────────────
//
// Blob layout: u32 m ∥ u32 k ∥ m × u64 cells, all big-endian.

// Encode serializes the filter.
func (f *Filter) Encode() []byte {
	buf := make([]byte, 8+8*len(f.cells))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(f.cells)))
	binary.BigEndian.PutUint32(buf[4:8], f.k)
	for i, v := range f.cells {
		binary.BigEndian.PutUint64(buf[8+8*i:], v)
	}
	return buf
}

// Decode parses a filter blob.
func Decode(b []byte) (*Filter, error) {
	if len(b) < 8 {
		return nil, fmt.Errorf("vbf: truncated blob")
	}
	m := binary.BigEndian.Uint32(b[:4])
	k := binary.BigEndian.Uint32(b[4:8])
	if len(b) != 8+8*int(m) {
		return nil, fmt.Errorf("vbf: blob length %d does not match m=%d", len(b), m)
	}
	f, err := New(int(m), int(k))
	if err != nil {
		return nil, err
	}
	for i := range f.cells {
		f.cells[i] = binary.BigEndian.Uint64(b[8+8*i:])
	}
	return f, nil
}

// ───────────────────────────────────────────────────────────────────────────
// Hashing
// ───────────────────────────────────────────────────────────────────────────

// hashKernel derives two 64-bit hashes of the page ID from one BLAKE2b
// digest. Cell indices must agree between client and server, so the
// derivation is fixed rather than seeded per process.
func hashKernel(p mht.PageID) (uint64, uint64) {
	var le [4]byte
	binary.LittleEndian.PutUint32(le[:], uint32(p))
	sum := blake2b.Sum256(le[:])
	return binary.BigEndian.Uint64(sum[:8]), binary.BigEndian.Uint64(sum[8:16])
}

// cellIndex is the double-hashing scheme g_i(x) = h1(x) + i·h2(x) mod m.
func cellIndex(h1, h2, i, m uint64) uint64 {
	return (h1 + i*h2) % m
}
