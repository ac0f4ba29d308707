package mht

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
)

// ───────────────────────────────────────────────────────────────────────────
// Proof object
// ───────────────────────────────────────────────────────────────────────────
//
// A proof for a queried page-ID set S is the minimal ordered list of
// (node_id, hash) pairs that, combined with the leaf hashes of S, lets the
// verifier recompute the root. The verifier learns the tree shape from the
// page count n, so the proof needs no structural framing beyond the node
// IDs themselves.
//
// Wire format: a 4-byte big-endian count, then count records of
// (level: u8, index: u64 BE, hash: [32]byte) in strictly ascending
// (level, index) order.

var (
	// ErrTamper is returned when a recomputed root does not match the
	// trusted root, or page bytes are inconsistent with the proof.
	ErrTamper = errors.New("mht: tamper detected")

	// ErrProtocol is returned for well-framed but malformed proofs:
	// duplicate node IDs, out-of-order entries, missing or extra
	// siblings. Protocol errors are treated as tampering.
	ErrProtocol = errors.New("mht: malformed proof")
)

const proofEntrySize = 1 + 8 + HashSize

// ProofEntry is a single (node_id, hash) pair.
type ProofEntry struct {
	ID   NodeID
	Hash Digest
}

// Proof is an ordered sibling-hash list for one batched fetch.
type Proof struct {
	Entries []ProofEntry
}

// Node is a computed internal node, returned by Verify so the caller can
// admit it to the node cache after the proof has been accepted.
type Node struct {
	ID   NodeID
	Hash Digest
}

// NodeSource supplies already-verified internal node hashes during
// verification. A nil source never matches.
type NodeSource interface {
	Lookup(id NodeID) (Digest, bool)
}

// ───────────────────────────────────────────────────────────────────────────
// Wire codec
// ───────────────────────────────────────────────────────────────────────────

// Encode serializes the proof to the wire format.
func (p *Proof) Encode() []byte {
	buf := make([]byte, 4+len(p.Entries)*proofEntrySize)
	binary.BigEndian.PutUint32(buf[:4], uint32(len(p.Entries)))
	off := 4
	for _, e := range p.Entries {
		buf[off] = e.ID.Level
		binary.BigEndian.PutUint64(buf[off+1:off+9], e.ID.Index)
		copy(buf[off+9:off+9+HashSize], e.Hash[:])
		off += proofEntrySize
	}
	return buf
}

// DecodeProof parses and validates the wire format. Entries must be in
// strictly ascending (level, index) order; violations are protocol errors.
func DecodeProof(b []byte) (*Proof, error) {
	if len(b) < 4 {
		return nil, fmt.Errorf("%w: truncated header", ErrProtocol)
	}
	count := binary.BigEndian.Uint32(b[:4])
	if len(b) != 4+int(count)*proofEntrySize {
		return nil, fmt.Errorf("%w: length %d does not match count %d", ErrProtocol, len(b), count)
	}
	p := &Proof{Entries: make([]ProofEntry, count)}
	off := 4
	for i := range p.Entries {
		e := &p.Entries[i]
		e.ID.Level = b[off]
		e.ID.Index = binary.BigEndian.Uint64(b[off+1 : off+9])
		copy(e.Hash[:], b[off+9:off+9+HashSize])
		off += proofEntrySize
		if i > 0 {
			prev := p.Entries[i-1].ID
			if !prev.Less(e.ID) {
				if prev == e.ID {
					return nil, fmt.Errorf("%w: duplicate node %v", ErrProtocol, e.ID)
				}
				return nil, fmt.Errorf("%w: out-of-order node %v", ErrProtocol, e.ID)
			}
		}
	}
	return p, nil
}

// ───────────────────────────────────────────────────────────────────────────
// Frontier walk
// ───────────────────────────────────────────────────────────────────────────

// SiblingPositions returns, in ascending (level, index) order, every node
// position whose hash must come from outside the frontier when verifying
// the page-ID set ids against a tree of n leaves. Padding positions are
// excluded. This is the candidate set for proof entries, and the basis of
// the presence sketch.
func SiblingPositions(n uint64, ids []PageID) []NodeID {
	var out []NodeID
	walk(n, ids, func(sib NodeID) {
		out = append(out, sib)
	})
	return out
}

// walk runs the frontier pairing over levels, invoking need for every
// sibling position not covered by the frontier or by padding.
func walk(n uint64, ids []PageID, need func(NodeID)) {
	frontier := make([]uint64, 0, len(ids))
	for _, p := range ids {
		frontier = append(frontier, uint64(p))
	}
	sort.Slice(frontier, func(i, j int) bool { return frontier[i] < frontier[j] })

	rootLevel := Levels(n)
	for level := uint8(0); level < rootLevel; level++ {
		next := frontier[:0:0]
		for i := 0; i < len(frontier); i++ {
			idx := frontier[i]
			sib := NodeID{Level: level, Index: idx ^ 1}
			if idx%2 == 0 && i+1 < len(frontier) && frontier[i+1] == idx+1 {
				i++ // sibling is in the frontier
			} else if !IsPad(n, sib) {
				need(sib)
			}
			next = append(next, idx/2)
		}
		frontier = next
	}
}

// BuildProof assembles the minimal proof for ids against a tree of n
// leaves. lookup resolves populated node hashes (the server's node map);
// skip reports positions the client has advertised as already held, which
// are omitted from the proof.
func BuildProof(n uint64, ids []PageID, lookup func(NodeID) (Digest, bool), skip func(NodeID) bool) (*Proof, error) {
	p := &Proof{}
	var missing *NodeID
	walk(n, ids, func(sib NodeID) {
		if skip != nil && skip(sib) {
			return
		}
		h, ok := lookup(sib)
		if !ok && missing == nil {
			s := sib
			missing = &s
			return
		}
		p.Entries = append(p.Entries, ProofEntry{ID: sib, Hash: h})
	})
	if missing != nil {
		return nil, fmt.Errorf("mht: node %v absent from store", *missing)
	}
	return p, nil
}

// ───────────────────────────────────────────────────────────────────────────
// Verification
// ───────────────────────────────────────────────────────────────────────────

type frontierNode struct {
	idx  uint64
	hash Digest
}

// Verify recomputes the root for the queried leaves using the proof and,
// optionally, a source of already-verified nodes. It returns the computed
// root and every internal node derived along the way; the caller admits
// those to the node cache only after accepting the root. Proof entries are
// consumed in ascending (level, index) order; a missing, duplicate, or
// leftover entry is a protocol error.
func Verify(n uint64, leaves map[PageID]Digest, proof *Proof, nodes NodeSource) (Digest, []Node, error) {
	if len(leaves) == 0 {
		return Digest{}, nil, fmt.Errorf("%w: empty leaf set", ErrProtocol)
	}
	frontier := make([]frontierNode, 0, len(leaves))
	for p, h := range leaves {
		if uint64(p) >= n {
			return Digest{}, nil, fmt.Errorf("%w: leaf %d beyond page count %d", ErrProtocol, p, n)
		}
		frontier = append(frontier, frontierNode{idx: uint64(p), hash: h})
	}
	sort.Slice(frontier, func(i, j int) bool { return frontier[i].idx < frontier[j].idx })

	var computed []Node
	cursor := 0
	rootLevel := Levels(n)
	for level := uint8(0); level < rootLevel; level++ {
		next := frontier[:0:0]
		for i := 0; i < len(frontier); i++ {
			cur := frontier[i]
			var left, right Digest
			sibID := NodeID{Level: level, Index: cur.idx ^ 1}
			switch {
			case cur.idx%2 == 0 && i+1 < len(frontier) && frontier[i+1].idx == cur.idx+1:
				left, right = cur.hash, frontier[i+1].hash
				i++
			default:
				sib, err := resolveSibling(n, sibID, proof, &cursor, nodes)
				if err != nil {
					return Digest{}, nil, err
				}
				if cur.idx%2 == 0 {
					left, right = cur.hash, sib
				} else {
					left, right = sib, cur.hash
				}
			}
			parent := Node{
				ID:   NodeID{Level: level + 1, Index: cur.idx / 2},
				Hash: InternalHash(left, right),
			}
			computed = append(computed, parent)
			next = append(next, frontierNode{idx: parent.ID.Index, hash: parent.Hash})
		}
		frontier = next
	}
	if cursor != len(proof.Entries) {
		return Digest{}, nil, fmt.Errorf("%w: %d unused proof entries", ErrProtocol, len(proof.Entries)-cursor)
	}
	return frontier[0].hash, computed, nil
}

// resolveSibling supplies a sibling hash from, in order: the padding
// constant, the node source, or the next proof entry.
func resolveSibling(n uint64, sib NodeID, proof *Proof, cursor *int, nodes NodeSource) (Digest, error) {
	if IsPad(n, sib) {
		return PadHash(), nil
	}
	if nodes != nil {
		if h, ok := nodes.Lookup(sib); ok {
			return h, nil
		}
	}
	if *cursor < len(proof.Entries) {
		e := proof.Entries[*cursor]
		if e.ID == sib {
			*cursor++
			return e.Hash, nil
		}
	}
	return Digest{}, fmt.Errorf("%w: missing sibling %v", ErrProtocol, sib)
}
