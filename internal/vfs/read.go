package vfs

import (
	"context"
	"fmt"
	"sort"

	"github.com/verifiabledb/v2fs/internal/cache"
	"github.com/verifiabledb/v2fs/internal/mht"
	"github.com/verifiabledb/v2fs/internal/sketch"
)

// ───────────────────────────────────────────────────────────────────────────
// Read path
// ───────────────────────────────────────────────────────────────────────────
//
// A read spanning page set S is served in four steps: split S into cache
// hits and misses, fetch the miss set in one batched remote call, verify
// the returned proof against the trusted root, and only then admit pages
// and nodes to the caches. Verification failure aborts the read without
// mutating any cache.

// coalescer buffers the page-ID misses of one engine read so they are
// fetched in a single batched call at the read's sync boundary.
type coalescer struct {
	ids  []mht.PageID
	seen map[mht.PageID]struct{}
}

func newCoalescer() *coalescer {
	return &coalescer{seen: make(map[mht.PageID]struct{})}
}

func (c *coalescer) add(id mht.PageID) {
	if _, ok := c.seen[id]; ok {
		return
	}
	c.seen[id] = struct{}{}
	c.ids = append(c.ids, id)
}

// flush returns the buffered miss set, sorted, and empties the buffer.
func (c *coalescer) flush() []mht.PageID {
	out := c.ids
	c.ids = nil
	c.seen = make(map[mht.PageID]struct{})
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ReadRange returns length bytes starting at off. The range must lie
// within the authenticated file size.
func (b *Backend) ReadRange(off int64, length int) ([]byte, error) {
	root, version, n, pageSize, ctx := b.snapshot()
	if off < 0 || length < 0 || off+int64(length) > int64(n)*int64(pageSize) {
		return nil, fmt.Errorf("vfs: read [%d,%d) outside file", off, off+int64(length))
	}
	if length == 0 {
		return nil, nil
	}
	tag := cache.Tag{Root: root, Version: version}

	first := mht.PageID(off / int64(pageSize))
	last := mht.PageID((off + int64(length) - 1) / int64(pageSize))

	got := make(map[mht.PageID][]byte, int(last-first)+1)
	pinned := make([]mht.PageID, 0, int(last-first)+1)
	defer func() {
		if b.pages != nil {
			for _, id := range pinned {
				b.pages.Unpin(id)
			}
		}
	}()

	coal := newCoalescer()
	changed := b.changedFn()
	for id := first; id <= last; id++ {
		if b.pages != nil {
			if bytes, ok := b.pages.Get(id, tag, changed); ok {
				got[id] = bytes
				pinned = append(pinned, id)
				continue
			}
		}
		coal.add(id)
	}

	if misses := coal.flush(); len(misses) > 0 {
		fetched, err := b.fetch(ctx, tag, n, pageSize, misses)
		if err != nil {
			b.recordErr(err)
			return nil, err
		}
		for id, page := range fetched {
			got[id] = page
			if b.pages != nil {
				pinned = append(pinned, id)
			}
		}
	}

	out := make([]byte, length)
	for id := first; id <= last; id++ {
		pageStart := int64(id) * int64(pageSize)
		page := got[id]
		from := int64(0)
		if off > pageStart {
			from = off - pageStart
		}
		to := int64(pageSize)
		if off+int64(length) < pageStart+int64(pageSize) {
			to = off + int64(length) - pageStart
		}
		copy(out[pageStart+from-off:], page[from:to])
	}
	return out, nil
}

// changedFn exposes the VBF consultation to the page cache, or nil when
// the filter is disabled.
func (b *Backend) changedFn() func(mht.PageID, uint64) bool {
	if b.filter == nil {
		return nil
	}
	return func(id mht.PageID, known uint64) bool {
		return b.filter.PossiblyChangedSince(id, known)
	}
}

// fetch performs one batched verified fetch of ids. On success the pages
// are admitted to the page cache pinned and the newly computed internal
// nodes to the node cache; on a fetch or verification failure no cache is
// touched. If the page cache cannot admit a page (ErrResource), the pages
// admitted before it stay cached and the node cache is not updated.
func (b *Backend) fetch(ctx context.Context, tag cache.Tag, n uint64, pageSize int, ids []mht.PageID) (map[mht.PageID][]byte, error) {
	var skBlob []byte
	var snap map[mht.NodeID]mht.Digest
	if b.nodes != nil {
		positions := mht.SiblingPositions(n, ids)
		snap = make(map[mht.NodeID]mht.Digest, len(positions))
		for _, pos := range positions {
			if h, ok := b.nodes.Get(pos, tag); ok {
				snap[pos] = h
			}
		}
		sk := sketch.Build(n, ids, func(id mht.NodeID) bool {
			_, ok := snap[id]
			return ok
		})
		blob, err := sk.Encode()
		if err != nil {
			return nil, fmt.Errorf("vfs: encode sketch: %w", err)
		}
		skBlob = blob
	}

	res, err := b.store.FetchPages(ctx, tag.Version, ids, skBlob)
	if err != nil {
		return nil, err
	}
	if res.Version != tag.Version {
		return nil, fmt.Errorf("%w: fetch returned version %d, expected %d", mht.ErrProtocol, res.Version, tag.Version)
	}
	if len(res.Pages) != len(ids) {
		return nil, fmt.Errorf("%w: %d pages returned for %d ids", mht.ErrProtocol, len(res.Pages), len(ids))
	}

	leaves := make(map[mht.PageID]mht.Digest, len(ids))
	for i, id := range ids {
		if len(res.Pages[i]) != pageSize {
			return nil, fmt.Errorf("%w: page %d is %d bytes", mht.ErrProtocol, id, len(res.Pages[i]))
		}
		leaves[id] = mht.LeafHash(res.Pages[i])
	}
	proof, err := mht.DecodeProof(res.Proof)
	if err != nil {
		return nil, err
	}
	computedRoot, computed, err := mht.Verify(n, leaves, proof, nodeSnapshot(snap))
	if err != nil {
		return nil, err
	}
	if computedRoot != tag.Root {
		return nil, fmt.Errorf("%w: recomputed root %s does not match trusted root %s",
			mht.ErrTamper, computedRoot, tag.Root)
	}

	b.addCounters(len(ids), len(res.Proof))

	out := make(map[mht.PageID][]byte, len(ids))
	for i, id := range ids {
		out[id] = res.Pages[i]
		if b.pages != nil {
			if err := b.pages.Put(id, res.Pages[i], tag); err != nil {
				return nil, err
			}
		}
	}
	if b.nodes != nil {
		for _, node := range computed {
			b.nodes.Put(node.ID, node.Hash, tag)
		}
	}
	return out, nil
}

// nodeSnapshot adapts the sketch-time node snapshot to mht.NodeSource, so
// verification sees exactly the nodes that were advertised to the server.
type nodeSnapshot map[mht.NodeID]mht.Digest

func (s nodeSnapshot) Lookup(id mht.NodeID) (mht.Digest, bool) {
	h, ok := s[id]
	return h, ok
}
