package vfs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"

	"github.com/verifiabledb/v2fs/internal/mht"
	"github.com/verifiabledb/v2fs/internal/store"
)

const testPageSize = mht.DefaultPageSize

// countingStore wraps a store and counts FetchPages calls.
type countingStore struct {
	store.MerkleStore
	mu      sync.Mutex
	fetches int
}

func (c *countingStore) FetchPages(ctx context.Context, version uint64, ids []mht.PageID, sk []byte) (*store.FetchResult, error) {
	c.mu.Lock()
	c.fetches++
	c.mu.Unlock()
	return c.MerkleStore.FetchPages(ctx, version, ids, sk)
}

func (c *countingStore) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fetches
}

// tamperStore flips one byte of the first returned page.
type tamperStore struct {
	store.MerkleStore
}

func (s *tamperStore) FetchPages(ctx context.Context, version uint64, ids []mht.PageID, sk []byte) (*store.FetchResult, error) {
	res, err := s.MerkleStore.FetchPages(ctx, version, ids, sk)
	if err != nil {
		return nil, err
	}
	res.Pages[0][17] ^= 0x01
	return res, nil
}

func fixturePages(n int) [][]byte {
	pages := make([][]byte, n)
	for i := range pages {
		pages[i] = make([]byte, testPageSize)
		copy(pages[i], fmt.Sprintf("page-%d content", i))
	}
	return pages
}

func newFixture(t *testing.T, n int, level OptLevel) (*Backend, *store.MemStore, *countingStore) {
	t.Helper()
	ms, err := store.NewMemStore(fixturePages(n), testPageSize, 10000, 5)
	if err != nil {
		t.Fatalf("mem store: %v", err)
	}
	cs := &countingStore{MerkleStore: ms}
	b, err := NewBackend(context.Background(), cs, Config{
		CacheBytes: 1 << 20,
		Level:      level,
		VBFBits:    10000,
		VBFHashes:  5,
	})
	if err != nil {
		t.Fatalf("backend: %v", err)
	}
	return b, ms, cs
}

func TestRead_SinglePageVerify(t *testing.T) {
	pages := make([][]byte, 1)
	pages[0] = make([]byte, testPageSize)
	copy(pages[0], "hello")
	ms, err := store.NewMemStore(pages, testPageSize, 10000, 5)
	if err != nil {
		t.Fatalf("mem store: %v", err)
	}
	b, err := NewBackend(context.Background(), ms, Config{CacheBytes: 1 << 20, Level: OptIntra})
	if err != nil {
		t.Fatalf("backend: %v", err)
	}

	root, _ := b.Root()
	if root != mht.LeafHash(pages[0]) {
		t.Fatal("trusted root must equal the single leaf hash")
	}

	b.BeginQuery(context.Background())
	got, err := b.ReadRange(0, 5)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != "hello" {
		t.Fatalf("read %q, want %q", got, "hello")
	}
	c := b.Counters()
	if c.PagesFetched != 1 {
		t.Fatalf("pages_fetched = %d, want 1", c.PagesFetched)
	}
	if c.ProofBytes != 4 {
		t.Fatalf("proof_bytes = %d, want 4 (empty proof)", c.ProofBytes)
	}
	b.EndQuery()
}

func TestRead_TwoPagesSiblingProof(t *testing.T) {
	b, _, _ := newFixture(t, 2, OptIntra)
	pages := fixturePages(2)
	want := mht.InternalHash(mht.LeafHash(pages[0]), mht.LeafHash(pages[1]))
	root, _ := b.Root()
	if root != want {
		t.Fatalf("root %s, want H(H(p0)||H(p1)) %s", root, want)
	}

	b.BeginQuery(context.Background())
	defer b.EndQuery()
	got, err := b.ReadRange(0, 16)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, pages[0][:16]) {
		t.Fatal("page 0 bytes mismatch")
	}
}

func TestRead_BatchedFetchSharesProof(t *testing.T) {
	b, _, cs := newFixture(t, 8, OptIntra)
	b.BeginQuery(context.Background())
	defer b.EndQuery()

	// One read spanning pages 0 and 1: a single batched fetch whose
	// joint proof shares the common ancestors.
	got, err := b.ReadRange(0, 2*testPageSize)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(got) != 2*testPageSize {
		t.Fatalf("read %d bytes", len(got))
	}
	if cs.count() != 1 {
		t.Fatalf("%d fetches for one spanning read, want 1", cs.count())
	}
	c := b.Counters()
	if c.PagesFetched != 2 {
		t.Fatalf("pages_fetched = %d, want 2", c.PagesFetched)
	}
	// 4-byte count plus two sibling records.
	if c.ProofBytes != 4+2*41 {
		t.Fatalf("proof_bytes = %d, want %d", c.ProofBytes, 4+2*41)
	}
}

func TestRead_TamperDetected(t *testing.T) {
	ms, err := store.NewMemStore(fixturePages(4), testPageSize, 10000, 5)
	if err != nil {
		t.Fatalf("mem store: %v", err)
	}
	b, err := NewBackend(context.Background(), &tamperStore{MerkleStore: ms}, Config{
		CacheBytes: 1 << 20,
		Level:      OptIntra,
	})
	if err != nil {
		t.Fatalf("backend: %v", err)
	}
	b.BeginQuery(context.Background())
	defer b.EndQuery()

	_, err = b.ReadRange(2*testPageSize, 64)
	if !errors.Is(err, mht.ErrTamper) {
		t.Fatalf("got %v, want tamper error", err)
	}
	if b.Counters().PagesFetched != 0 {
		t.Fatal("counters advanced on the tampered path")
	}
	if got := b.QueryErr(); !errors.Is(got, mht.ErrTamper) {
		t.Fatalf("query error %v, want tamper", got)
	}
	// The caches were not mutated.
	if b.pages.Len() != 0 || b.nodes.Len() != 0 {
		t.Fatalf("caches hold %d pages, %d nodes after tamper", b.pages.Len(), b.nodes.Len())
	}
	// The same store served honestly verifies and returns the original
	// bytes.
	b2, err := NewBackend(context.Background(), ms, Config{CacheBytes: 1 << 20, Level: OptIntra})
	if err != nil {
		t.Fatalf("backend: %v", err)
	}
	b2.BeginQuery(context.Background())
	defer b2.EndQuery()
	got, err := b2.ReadRange(2*testPageSize, 64)
	if err != nil {
		t.Fatalf("honest read: %v", err)
	}
	want := fixturePages(4)[2][:64]
	if !bytes.Equal(got, want) {
		t.Fatal("honest read returned wrong bytes")
	}
}

func TestRead_IntraQueryReuse(t *testing.T) {
	b, _, cs := newFixture(t, 4, OptIntra)
	b.BeginQuery(context.Background())
	if _, err := b.ReadRange(0, 32); err != nil {
		t.Fatalf("first read: %v", err)
	}
	if _, err := b.ReadRange(8, 32); err != nil {
		t.Fatalf("second read: %v", err)
	}
	if cs.count() != 1 {
		t.Fatalf("%d fetches for a repeated page, want 1", cs.count())
	}
	b.EndQuery()

	// At OptIntra the staging area dies with the query.
	b.BeginQuery(context.Background())
	if _, err := b.ReadRange(0, 32); err != nil {
		t.Fatalf("next-query read: %v", err)
	}
	if cs.count() != 2 {
		t.Fatalf("%d fetches, want 2: intra-query cache must not survive", cs.count())
	}
	b.EndQuery()
}

func TestRead_NoCachingAtLevelZero(t *testing.T) {
	b, _, cs := newFixture(t, 4, OptNone)
	b.BeginQuery(context.Background())
	defer b.EndQuery()
	if _, err := b.ReadRange(0, 8); err != nil {
		t.Fatalf("read: %v", err)
	}
	if _, err := b.ReadRange(0, 8); err != nil {
		t.Fatalf("read: %v", err)
	}
	if cs.count() != 2 {
		t.Fatalf("%d fetches at level 0, want 2", cs.count())
	}
}

func TestRead_InterQueryReuse(t *testing.T) {
	b, _, cs := newFixture(t, 4, OptInter)
	b.BeginQuery(context.Background())
	if _, err := b.ReadRange(0, 8); err != nil {
		t.Fatalf("read: %v", err)
	}
	b.EndQuery()

	b.BeginQuery(context.Background())
	if _, err := b.ReadRange(0, 8); err != nil {
		t.Fatalf("read: %v", err)
	}
	b.EndQuery()
	if cs.count() != 1 {
		t.Fatalf("%d fetches across queries, want 1", cs.count())
	}
}

func TestRead_VBFSuppressesRefetch(t *testing.T) {
	b, ms, cs := newFixture(t, 6, OptInterVBF)
	ctx := context.Background()

	b.BeginQuery(ctx)
	if _, err := b.ReadRange(0, 8); err != nil { // cache page 0 at v1
		t.Fatalf("read: %v", err)
	}
	b.EndQuery()
	if cs.count() != 1 {
		t.Fatalf("setup fetched %d times", cs.count())
	}

	// Rewrite a different page; version moves to 2.
	next := fixturePages(6)
	copy(next[4], "rewritten content")
	if err := ms.ApplyPages(next); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if err := b.RefreshVersion(ctx); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if _, version := b.Root(); version != 2 {
		t.Fatalf("version %d after refresh, want 2", version)
	}

	// Page 0 is unchanged: the VBF clears it and no fetch is issued.
	b.BeginQuery(ctx)
	got, err := b.ReadRange(0, 8)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, next[0][:8]) {
		t.Fatal("wrong bytes for unchanged page")
	}
	if cs.count() != 1 {
		t.Fatalf("unchanged page refetched: %d fetches", cs.count())
	}

	// Page 4 did change: it must be refetched and verify under the new
	// root.
	got, err = b.ReadRange(4*testPageSize, 17)
	if err != nil {
		t.Fatalf("read changed page: %v", err)
	}
	if string(got) != "rewritten content" {
		t.Fatalf("read %q after version change", got)
	}
	if cs.count() != 2 {
		t.Fatalf("changed page served stale: %d fetches", cs.count())
	}
	b.EndQuery()
}

func TestRead_VBFFalsePositiveRefetches(t *testing.T) {
	// A one-cell filter makes every page collide: after any change the
	// VBF reports "possibly changed" for everything, and the client
	// must refetch, verify, and still return correct bytes.
	ms, err := store.NewMemStore(fixturePages(4), testPageSize, 1, 1)
	if err != nil {
		t.Fatalf("mem store: %v", err)
	}
	cs := &countingStore{MerkleStore: ms}
	b, err := NewBackend(context.Background(), cs, Config{
		CacheBytes: 1 << 20,
		Level:      OptInterVBF,
		VBFBits:    1,
		VBFHashes:  1,
	})
	if err != nil {
		t.Fatalf("backend: %v", err)
	}
	ctx := context.Background()

	b.BeginQuery(ctx)
	if _, err := b.ReadRange(0, 8); err != nil {
		t.Fatalf("read: %v", err)
	}
	b.EndQuery()

	next := fixturePages(4)
	copy(next[3], "different now")
	if err := ms.ApplyPages(next); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if err := b.RefreshVersion(ctx); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	b.BeginQuery(ctx)
	got, err := b.ReadRange(0, 8)
	if err != nil {
		t.Fatalf("read after false positive: %v", err)
	}
	if !bytes.Equal(got, next[0][:8]) {
		t.Fatal("false positive corrupted the result")
	}
	if cs.count() != 2 {
		t.Fatalf("%d fetches, want 2: false positive must refetch", cs.count())
	}
	b.EndQuery()
}

func TestVFile_EOFBehavior(t *testing.T) {
	b, _, _ := newFixture(t, 2, OptIntra)
	b.BeginQuery(context.Background())
	defer b.EndQuery()
	f := b.OpenFile("test.db")

	if f.Size() != 2*testPageSize {
		t.Fatalf("size %d, want %d", f.Size(), 2*testPageSize)
	}
	// Read crossing EOF returns exactly the authenticated bytes.
	buf := make([]byte, 100)
	n, err := f.ReadAt(buf, f.Size()-10)
	if n != 10 || err != io.EOF {
		t.Fatalf("n=%d err=%v, want 10, io.EOF", n, err)
	}
	if _, err := f.ReadAt(buf, f.Size()); err != io.EOF {
		t.Fatalf("read at EOF: %v", err)
	}
	if _, err := f.WriteAt([]byte("x"), 0); !errors.Is(err, ErrReadOnly) {
		t.Fatal("write accepted on read-only file")
	}
	if err := f.Truncate(0); !errors.Is(err, ErrReadOnly) {
		t.Fatal("truncate accepted on read-only file")
	}
	if f.Name() != "test.db" {
		t.Fatalf("name %q", f.Name())
	}
}
