// Package sketch implements the presence sketch a client sends alongside a
// batched page fetch: a compact bitmap, over the deterministic candidate
// sibling positions for the queried page set, marking which positions the
// client already holds in its node cache. The server omits marked
// positions from the proof.
//
// Both sides enumerate candidates with mht.SiblingPositions, so bit i on
// either side refers to the same (level, index) position.
package sketch

import (
	"github.com/bits-and-blooms/bitset"

	"github.com/verifiabledb/v2fs/internal/mht"
)

// Sketch marks held positions within the candidate enumeration for one
// fetch.
type Sketch struct {
	positions []mht.NodeID
	slot      map[mht.NodeID]uint
	bits      *bitset.BitSet
}

func newSketch(positions []mht.NodeID, bits *bitset.BitSet) *Sketch {
	slot := make(map[mht.NodeID]uint, len(positions))
	for i, id := range positions {
		slot[id] = uint(i)
	}
	return &Sketch{positions: positions, slot: slot, bits: bits}
}

// Build enumerates the candidate sibling positions for ids against a tree
// of n leaves and marks every position for which has returns true.
func Build(n uint64, ids []mht.PageID, has func(mht.NodeID) bool) *Sketch {
	positions := mht.SiblingPositions(n, ids)
	bits := bitset.New(uint(len(positions)))
	if has != nil {
		for i, id := range positions {
			if has(id) {
				bits.Set(uint(i))
			}
		}
	}
	return newSketch(positions, bits)
}

// Decode reconstructs a sketch from its wire bytes for the given query.
// An empty blob is a valid sketch advertising nothing.
func Decode(n uint64, ids []mht.PageID, blob []byte) (*Sketch, error) {
	positions := mht.SiblingPositions(n, ids)
	bits := bitset.New(uint(len(positions)))
	if len(blob) > 0 {
		if err := bits.UnmarshalBinary(blob); err != nil {
			return nil, err
		}
	}
	return newSketch(positions, bits), nil
}

// Encode serializes the bitmap.
func (s *Sketch) Encode() ([]byte, error) {
	return s.bits.MarshalBinary()
}

// Has reports whether the position is marked. Positions outside the
// candidate set are never marked.
func (s *Sketch) Has(id mht.NodeID) bool {
	i, ok := s.slot[id]
	if !ok {
		return false
	}
	return s.bits.Test(i)
}

// Count returns the number of marked positions.
func (s *Sketch) Count() int {
	return int(s.bits.Count())
}
