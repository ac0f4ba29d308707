package mht

import (
	"fmt"
)

// ───────────────────────────────────────────────────────────────────────────
// Tree construction and update
// ───────────────────────────────────────────────────────────────────────────

// PageSource yields page bytes by ID. Implemented by the server-side page
// file and by test fixtures.
type PageSource interface {
	Page(id PageID) ([]byte, error)
}

// NodeMap holds the full set of populated tree nodes, keyed by NodeID.
// It is the server-side representation of the ADS.
type NodeMap map[NodeID]Digest

// Build constructs the complete tree over n pages and returns the root
// together with the populated node map (leaves included).
func Build(src PageSource, n uint64) (Digest, NodeMap, error) {
	if n == 0 {
		return Digest{}, nil, fmt.Errorf("build: page count is zero")
	}
	nodes := make(NodeMap, 2*n)
	for i := uint64(0); i < n; i++ {
		page, err := src.Page(PageID(i))
		if err != nil {
			return Digest{}, nil, fmt.Errorf("build: read page %d: %w", i, err)
		}
		nodes[NodeID{Level: 0, Index: i}] = LeafHash(page)
	}
	root := fold(nodes, n)
	return root, nodes, nil
}

// Update recomputes the tree after the given leaves changed. changed maps
// page IDs to their new leaf hashes; ancestor paths are rewritten in
// place. Returns the new root.
func Update(nodes NodeMap, n uint64, changed map[PageID]Digest) Digest {
	for p, h := range changed {
		nodes[LeafID(p)] = h
	}
	dirty := make(map[uint64]struct{}, len(changed))
	for p := range changed {
		dirty[uint64(p)] = struct{}{}
	}
	rootLevel := Levels(n)
	for level := uint8(0); level < rootLevel; level++ {
		parents := make(map[uint64]struct{}, len(dirty))
		for idx := range dirty {
			parents[idx/2] = struct{}{}
		}
		for pIdx := range parents {
			id := NodeID{Level: level + 1, Index: pIdx}
			nodes[id] = combine(nodes, n, level, pIdx)
		}
		dirty = parents
	}
	return nodes[RootID(n)]
}

// fold computes all internal levels bottom-up from the leaves already in
// nodes and returns the root.
func fold(nodes NodeMap, n uint64) Digest {
	rootLevel := Levels(n)
	for level := uint8(0); level < rootLevel; level++ {
		w := Width(n, level+1)
		for idx := uint64(0); idx < w; idx++ {
			id := NodeID{Level: level + 1, Index: idx}
			nodes[id] = combine(nodes, n, level, idx)
		}
	}
	return nodes[RootID(n)]
}

// combine computes the parent at (level+1, parentIdx) from its children,
// substituting the padding hash for absent right-spine children.
func combine(nodes NodeMap, n uint64, level uint8, parentIdx uint64) Digest {
	left := childHash(nodes, n, NodeID{Level: level, Index: 2 * parentIdx})
	right := childHash(nodes, n, NodeID{Level: level, Index: 2*parentIdx + 1})
	return InternalHash(left, right)
}

func childHash(nodes NodeMap, n uint64, id NodeID) Digest {
	if IsPad(n, id) {
		return PadHash()
	}
	return nodes[id]
}
