package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/verifiabledb/v2fs/internal/mht"
	"github.com/verifiabledb/v2fs/internal/vbf"
)

const testPageSize = 256

func memPages(n int) [][]byte {
	pages := make([][]byte, n)
	for i := range pages {
		pages[i] = make([]byte, testPageSize)
		copy(pages[i], fmt.Sprintf("page-%d", i))
	}
	return pages
}

func TestMemStore_FetchVerifies(t *testing.T) {
	pages := memPages(8)
	s, err := NewMemStore(pages, testPageSize, 1024, 3)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx := context.Background()
	info, err := s.GetRoot(ctx)
	if err != nil {
		t.Fatalf("get root: %v", err)
	}
	if info.Version != 1 || info.Pages != 8 || info.PageSize != testPageSize {
		t.Fatalf("bad root info %+v", info)
	}

	res, err := s.FetchPages(ctx, info.Version, []mht.PageID{2, 3}, nil)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	proof, err := mht.DecodeProof(res.Proof)
	if err != nil {
		t.Fatalf("decode proof: %v", err)
	}
	leaves := map[mht.PageID]mht.Digest{
		2: mht.LeafHash(res.Pages[0]),
		3: mht.LeafHash(res.Pages[1]),
	}
	root, _, err := mht.Verify(8, leaves, proof, nil)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if root != info.Root {
		t.Fatal("served proof does not reproduce the served root")
	}
}

func TestMemStore_RejectsBadRequests(t *testing.T) {
	s, err := NewMemStore(memPages(4), testPageSize, 1024, 3)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx := context.Background()
	if _, err := s.FetchPages(ctx, 9, []mht.PageID{0}, nil); err == nil {
		t.Fatal("wrong version accepted")
	}
	if _, err := s.FetchPages(ctx, 1, []mht.PageID{11}, nil); err == nil {
		t.Fatal("out-of-range page accepted")
	}
}

func TestMemStore_ApplyPagesAdvancesVersion(t *testing.T) {
	pages := memPages(4)
	s, err := NewMemStore(pages, testPageSize, 1024, 3)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx := context.Background()
	before, _ := s.GetRoot(ctx)

	next := memPages(4)
	copy(next[2], "rewritten")
	if err := s.ApplyPages(next); err != nil {
		t.Fatalf("apply: %v", err)
	}
	after, _ := s.GetRoot(ctx)
	if after.Version != before.Version+1 {
		t.Fatalf("version %d, want %d", after.Version, before.Version+1)
	}
	if after.Root == before.Root {
		t.Fatal("root unchanged after page rewrite")
	}

	// The delta for (1,2] must flag page 2 and clear the others.
	blob, err := s.GetVBFDelta(ctx, before.Version, after.Version)
	if err != nil {
		t.Fatalf("delta: %v", err)
	}
	f, err := vbf.Decode(blob)
	if err != nil {
		t.Fatalf("decode delta: %v", err)
	}
	if !f.PossiblyChangedSince(2, before.Version) {
		t.Fatal("delta misses the changed page")
	}
	if f.PossiblyChangedSince(0, before.Version) {
		t.Fatal("delta flags an unchanged page")
	}

	// Unchanged content does not bump the version.
	if err := s.ApplyPages(next); err != nil {
		t.Fatalf("idempotent apply: %v", err)
	}
	if got := s.Version(); got != after.Version {
		t.Fatalf("version moved to %d without changes", got)
	}
}

func TestNodeFile_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nodes.bin")
	nodes := mht.NodeMap{
		{Level: 0, Index: 0}: mht.LeafHash([]byte("a")),
		{Level: 0, Index: 1}: mht.LeafHash([]byte("b")),
		{Level: 1, Index: 0}: mht.LeafHash([]byte("c")),
	}
	if err := writeNodes(path, nodes); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := readNodes(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(got) != len(nodes) {
		t.Fatalf("read %d nodes, want %d", len(got), len(nodes))
	}
	for id, h := range nodes {
		if got[id] != h {
			t.Fatalf("node %v mismatch", id)
		}
	}
	if _, err := readNodes(filepath.Join(dir, "missing.bin")); err == nil {
		t.Fatal("missing file accepted")
	}
	if err := os.WriteFile(path, []byte("garbage"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := readNodes(path); err == nil {
		t.Fatal("garbage node file accepted")
	}
}

func TestFileStore_ServesAndRescans(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")
	adsDir := filepath.Join(dir, "ads")

	pages := memPages(6)
	writePageFile(t, dbPath, pages)

	// Persist an ADS by hand and open the store over it.
	root, nodes, err := mht.Build(pageSliceSource(pages), 6)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	meta := adsMeta{
		PageSize: testPageSize, Pages: 6, Version: 1,
		Root: root.String(), VBFBits: 1024, VBFHashes: 3,
	}
	if err := saveADS(adsDir, meta, nodes); err != nil {
		t.Fatalf("save: %v", err)
	}
	s, err := OpenFileStore(dbPath, adsDir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	info, err := s.GetRoot(ctx)
	if err != nil {
		t.Fatalf("get root: %v", err)
	}
	if info.Root != root || info.Version != 1 {
		t.Fatalf("bad root info %+v", info)
	}
	res, err := s.FetchPages(ctx, 1, []mht.PageID{4}, nil)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	proof, err := mht.DecodeProof(res.Proof)
	if err != nil {
		t.Fatalf("decode proof: %v", err)
	}
	got, _, err := mht.Verify(6, map[mht.PageID]mht.Digest{4: mht.LeafHash(res.Pages[0])}, proof, nil)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if got != root {
		t.Fatal("file store proof does not verify")
	}

	// Rewrite one page on disk; the rescan must advance the version and
	// persist the new ADS.
	copy(pages[1], "mutated page")
	writePageFile(t, dbPath, pages)
	changed, err := s.Rescan()
	if err != nil {
		t.Fatalf("rescan: %v", err)
	}
	if changed != 1 {
		t.Fatalf("rescan saw %d changes, want 1", changed)
	}
	version, newRoot := s.Root()
	if version != 2 || newRoot == root {
		t.Fatalf("rescan did not advance: version=%d", version)
	}

	reopened, err := OpenFileStore(dbPath, adsDir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	v2, r2 := reopened.Root()
	if v2 != version || r2 != newRoot {
		t.Fatal("rescan state not persisted")
	}
	blob, err := reopened.GetVBFDelta(ctx, 1, 2)
	if err != nil {
		t.Fatalf("delta: %v", err)
	}
	f, err := vbf.Decode(blob)
	if err != nil {
		t.Fatalf("decode delta: %v", err)
	}
	if !f.PossiblyChangedSince(1, 1) {
		t.Fatal("persisted delta misses the changed page")
	}
}

func writePageFile(t *testing.T, path string, pages [][]byte) {
	t.Helper()
	var buf []byte
	for _, p := range pages {
		buf = append(buf, p...)
	}
	if err := os.WriteFile(path, buf, 0644); err != nil {
		t.Fatal(err)
	}
}
