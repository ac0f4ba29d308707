package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/verifiabledb/v2fs/internal/mht"
	"github.com/verifiabledb/v2fs/internal/sketch"
	"github.com/verifiabledb/v2fs/internal/vbf"
)

// change records one page mutation for VBF delta construction.
type change struct {
	page    mht.PageID
	version uint64
}

// MemStore is an in-process MerkleStore over a page slice. It backs the
// test suites; the server uses the file-backed FileStore instead.
type MemStore struct {
	mu        sync.RWMutex
	pageSize  int
	pages     [][]byte
	nodes     mht.NodeMap
	root      mht.Digest
	version   uint64
	changes   []change
	vbfBits   int
	vbfHashes int
}

// NewMemStore builds the tree over pages and serves it at version 1.
// Every page must be pageSize bytes.
func NewMemStore(pages [][]byte, pageSize int, vbfBits, vbfHashes int) (*MemStore, error) {
	if len(pages) == 0 {
		return nil, fmt.Errorf("store: no pages")
	}
	for i, p := range pages {
		if len(p) != pageSize {
			return nil, fmt.Errorf("store: page %d is %d bytes, want %d", i, len(p), pageSize)
		}
	}
	s := &MemStore{
		pageSize:  pageSize,
		pages:     clonePages(pages),
		version:   1,
		vbfBits:   vbfBits,
		vbfHashes: vbfHashes,
	}
	root, nodes, err := mht.Build(pageSliceSource(s.pages), uint64(len(s.pages)))
	if err != nil {
		return nil, err
	}
	s.root, s.nodes = root, nodes
	return s, nil
}

// FetchPages implements MerkleStore.
func (s *MemStore) FetchPages(_ context.Context, version uint64, ids []mht.PageID, sketchBlob []byte) (*FetchResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if version != 0 && version != s.version {
		return nil, fmt.Errorf("store: version %d requested, serving %d", version, s.version)
	}
	n := uint64(len(s.pages))
	out := make([][]byte, len(ids))
	for i, id := range ids {
		if uint64(id) >= n {
			return nil, fmt.Errorf("store: page %d out of range [0,%d)", id, n)
		}
		out[i] = append([]byte(nil), s.pages[id]...)
	}
	sk, err := sketch.Decode(n, ids, sketchBlob)
	if err != nil {
		return nil, fmt.Errorf("store: decode sketch: %w", err)
	}
	proof, err := mht.BuildProof(n, ids, s.lookupNode, sk.Has)
	if err != nil {
		return nil, err
	}
	return &FetchResult{Pages: out, Proof: proof.Encode(), Version: s.version}, nil
}

// GetRoot implements MerkleStore.
func (s *MemStore) GetRoot(context.Context) (RootInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return RootInfo{
		Version:  s.version,
		Root:     s.root,
		Pages:    uint64(len(s.pages)),
		PageSize: s.pageSize,
	}, nil
}

// GetVBFDelta implements MerkleStore.
func (s *MemStore) GetVBFDelta(_ context.Context, from, to uint64) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, err := vbf.New(s.vbfBits, s.vbfHashes)
	if err != nil {
		return nil, err
	}
	for _, c := range s.changes {
		if c.version > from && c.version <= to {
			f.Insert(c.page, c.version)
		}
	}
	return f.Encode(), nil
}

// ApplyPages installs a new page image, rehashes changed leaves, updates
// ancestor paths, bumps the version, and records the changes for VBF
// deltas. A change in page count forces a full rebuild.
func (s *MemStore) ApplyPages(pages [][]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, p := range pages {
		if len(p) != s.pageSize {
			return fmt.Errorf("store: page %d is %d bytes, want %d", i, len(p), s.pageSize)
		}
	}
	next := s.version + 1
	if len(pages) != len(s.pages) {
		root, nodes, err := mht.Build(pageSliceSource(pages), uint64(len(pages)))
		if err != nil {
			return err
		}
		for i := range pages {
			s.changes = append(s.changes, change{page: mht.PageID(i), version: next})
		}
		s.pages = clonePages(pages)
		s.nodes, s.root, s.version = nodes, root, next
		return nil
	}
	changed := make(map[mht.PageID]mht.Digest)
	for i, p := range pages {
		h := mht.LeafHash(p)
		if h != s.nodes[mht.LeafID(mht.PageID(i))] {
			changed[mht.PageID(i)] = h
			s.changes = append(s.changes, change{page: mht.PageID(i), version: next})
		}
	}
	if len(changed) == 0 {
		return nil
	}
	s.pages = clonePages(pages)
	s.root = mht.Update(s.nodes, uint64(len(s.pages)), changed)
	s.version = next
	return nil
}

// Version returns the current version.
func (s *MemStore) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

func (s *MemStore) lookupNode(id mht.NodeID) (mht.Digest, bool) {
	h, ok := s.nodes[id]
	return h, ok
}

// pageSliceSource adapts a page slice to mht.PageSource.
type pageSliceSource [][]byte

func (p pageSliceSource) Page(id mht.PageID) ([]byte, error) {
	if int(id) >= len(p) {
		return nil, fmt.Errorf("page %d out of range", id)
	}
	return p[id], nil
}

func clonePages(pages [][]byte) [][]byte {
	out := make([][]byte, len(pages))
	for i, p := range pages {
		out[i] = append([]byte(nil), p...)
	}
	return out
}
