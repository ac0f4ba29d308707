package store

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/verifiabledb/v2fs/internal/logger"
	"github.com/verifiabledb/v2fs/internal/mht"
	"github.com/verifiabledb/v2fs/internal/sketch"
	"github.com/verifiabledb/v2fs/internal/vbf"
)

// FileStore is the server-side MerkleStore: pages come from the hosted
// database file, nodes from the ADS directory built by BuildADS. The
// node map is held in memory and persisted on every version change.
type FileStore struct {
	mu        sync.RWMutex
	dbPath    string
	adsDir    string
	file      *os.File
	pageSize  int
	n         uint64
	nodes     mht.NodeMap
	root      mht.Digest
	version   uint64
	changes   []change
	vbfBits   int
	vbfHashes int
}

// OpenFileStore loads an ADS directory previously written by BuildADS and
// opens the database file it authenticates.
func OpenFileStore(dbPath, adsDir string) (*FileStore, error) {
	meta, nodes, err := loadADS(adsDir)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("store: open db file: %w", err)
	}
	s := &FileStore{
		dbPath:    dbPath,
		adsDir:    adsDir,
		file:      f,
		pageSize:  meta.PageSize,
		n:         meta.Pages,
		nodes:     nodes,
		root:      meta.root(),
		version:   meta.Version,
		changes:   meta.changeLog(),
		vbfBits:   meta.VBFBits,
		vbfHashes: meta.VBFHashes,
	}
	return s, nil
}

// Close releases the database file handle.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

// FetchPages implements MerkleStore.
func (s *FileStore) FetchPages(_ context.Context, version uint64, ids []mht.PageID, sketchBlob []byte) (*FetchResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if version != 0 && version != s.version {
		return nil, fmt.Errorf("store: version %d requested, serving %d", version, s.version)
	}
	out := make([][]byte, len(ids))
	for i, id := range ids {
		page, err := s.readPage(id)
		if err != nil {
			return nil, err
		}
		out[i] = page
	}
	sk, err := sketch.Decode(s.n, ids, sketchBlob)
	if err != nil {
		return nil, fmt.Errorf("store: decode sketch: %w", err)
	}
	proof, err := mht.BuildProof(s.n, ids, func(id mht.NodeID) (mht.Digest, bool) {
		h, ok := s.nodes[id]
		return h, ok
	}, sk.Has)
	if err != nil {
		return nil, err
	}
	return &FetchResult{Pages: out, Proof: proof.Encode(), Version: s.version}, nil
}

// GetRoot implements MerkleStore.
func (s *FileStore) GetRoot(context.Context) (RootInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return RootInfo{Version: s.version, Root: s.root, Pages: s.n, PageSize: s.pageSize}, nil
}

// GetVBFDelta implements MerkleStore.
func (s *FileStore) GetVBFDelta(_ context.Context, from, to uint64) ([]byte, error) {
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

// Rescan re-reads the database file, rehashes every page, and advances
// the version if anything changed. Page-count changes force a full
// rebuild. The updated ADS is persisted before the new version is
// served. Returns the number of changed pages.
func (s *FileStore) Rescan() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pages, err := readAllPages(s.dbPath, s.pageSize)
	if err != nil {
		return 0, err
	}
	next := s.version + 1

	if uint64(len(pages)) != s.n {
		root, nodes, err := mht.Build(pageSliceSource(pages), uint64(len(pages)))
		if err != nil {
			return 0, err
		}
		for i := range pages {
			s.changes = append(s.changes, change{page: mht.PageID(i), version: next})
		}
		s.n = uint64(len(pages))
		s.nodes, s.root, s.version = nodes, root, next
		if err := s.saveLocked(); err != nil {
			return 0, err
		}
		return len(pages), nil
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
		return 0, nil
	}
	s.root = mht.Update(s.nodes, s.n, changed)
	s.version = next
	if err := s.saveLocked(); err != nil {
		return 0, err
	}
	logger.Component("store").Info().
		Uint64("version", s.version).
		Int("changed", len(changed)).
		Msg("ads updated")
	return len(changed), nil
}

// Root returns the current commitment without a context.
func (s *FileStore) Root() (uint64, mht.Digest) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version, s.root
}

func (s *FileStore) readPage(id mht.PageID) ([]byte, error) {
	if uint64(id) >= s.n {
		return nil, fmt.Errorf("store: page %d out of range [0,%d)", id, s.n)
	}
	buf := make([]byte, s.pageSize)
	off := int64(id) * int64(s.pageSize)
	if _, err := s.file.ReadAt(buf, off); err != nil && err != io.EOF {
		return nil, fmt.Errorf("store: read page %d: %w", id, err)
	}
	return buf, nil
}

func (s *FileStore) saveLocked() error {
	meta := adsMeta{
		PageSize:  s.pageSize,
		Pages:     s.n,
		Version:   s.version,
		Root:      s.root.String(),
		VBFBits:   s.vbfBits,
		VBFHashes: s.vbfHashes,
	}
	for _, c := range s.changes {
		meta.Changes = append(meta.Changes, changeRecord{Page: uint32(c.page), Version: c.version})
	}
	return saveADS(s.adsDir, meta, s.nodes)
}

// readAllPages slurps the database file as fixed-size pages. A trailing
// partial page is zero-padded to the page boundary.
func readAllPages(path string, pageSize int) ([][]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("store: read db file: %w", err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("store: db file %s is empty", path)
	}
	n := (len(raw) + pageSize - 1) / pageSize
	pages := make([][]byte, n)
	for i := 0; i < n; i++ {
		page := make([]byte, pageSize)
		start := i * pageSize
		end := start + pageSize
		if end > len(raw) {
			end = len(raw)
		}
		copy(page, raw[start:end])
		pages[i] = page
	}
	return pages, nil
}
