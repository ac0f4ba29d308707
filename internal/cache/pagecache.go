// Package cache provides the bounded LRU stores for verified pages and
// verified internal Merkle nodes.
//
// Both caches follow the same discipline: entries are created only on the
// verified path, carry the version tag (root digest and version number)
// under which they were verified, and are evicted strictly
// least-recently-used within a byte budget. Page entries pinned by an
// in-flight query are never evicted; if the page budget cannot be met
// because everything left is pinned, the insert fails with ErrResource.
// Node entries are not pinned and a node insert always succeeds.
package cache

import (
	"errors"
	"sync"

	"github.com/verifiabledb/v2fs/internal/mht"
)

// ErrResource is returned when the cache budget cannot satisfy the
// in-flight query's working set. The operator should raise -c.
var ErrResource = errors.New("cache: budget exhausted by pinned working set")

// Tag identifies the trust state under which an entry was verified.
type Tag struct {
	Root    mht.Digest
	Version uint64
}

// pageFrame is one cached page with LRU links.
type pageFrame struct {
	id     mht.PageID
	bytes  []byte
	tag    Tag
	pinned int
	prev   *pageFrame
	next   *pageFrame
}

// PageCache is a byte-budgeted LRU from page ID to verified page bytes.
type PageCache struct {
	mu     sync.Mutex
	budget int64
	used   int64
	pages  map[mht.PageID]*pageFrame
	// LRU doubly-linked list: head = most recent, tail = least recent.
	head *pageFrame
	tail *pageFrame
}

// NewPageCache creates a page cache with the given byte budget.
func NewPageCache(budgetBytes int64) *PageCache {
	return &PageCache{
		budget: budgetBytes,
		pages:  make(map[mht.PageID]*pageFrame),
	}
}

// Get returns the cached bytes for id if the entry is reusable under
// current. An entry with a different tag is consulted against changed
// (the VBF hook, nil when disabled): if the page is conclusively
// unchanged the entry is retagged to current and returned; otherwise the
// stale entry is dropped and Get misses. A hit pins the entry until
// Unpin.
func (c *PageCache) Get(id mht.PageID, current Tag, changed func(mht.PageID, uint64) bool) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, ok := c.pages[id]
	if !ok {
		return nil, false
	}
	if f.tag != current {
		if changed == nil || changed(id, f.tag.Version) {
			c.removeLocked(f)
			return nil, false
		}
		f.tag = current // VBF cleared it: still valid under the new root
	}
	c.moveToFront(f)
	f.pinned++
	return f.bytes, true
}

// Put inserts verified page bytes under the given tag, pinned. Only the
// verified fetch path may call Put.
func (c *PageCache) Put(id mht.PageID, bytes []byte, tag Tag) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if f, ok := c.pages[id]; ok {
		c.used += int64(len(bytes)) - int64(len(f.bytes))
		f.bytes = bytes
		f.tag = tag
		f.pinned++
		c.moveToFront(f)
		return c.evictToBudgetLocked()
	}
	f := &pageFrame{id: id, bytes: bytes, tag: tag, pinned: 1}
	c.pages[id] = f
	c.pushFront(f)
	c.used += int64(len(bytes))
	return c.evictToBudgetLocked()
}

// Unpin releases one pin on id. Unpinned entries become evictable.
func (c *PageCache) Unpin(id mht.PageID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if f, ok := c.pages[id]; ok && f.pinned > 0 {
		f.pinned--
	}
}

// Reset drops every entry. Used at query boundaries below the
// inter-query optimization levels.
func (c *PageCache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pages = make(map[mht.PageID]*pageFrame)
	c.head, c.tail = nil, nil
	c.used = 0
}

// Len returns the number of cached pages.
func (c *PageCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pages)
}

// Bytes returns the cached byte total.
func (c *PageCache) Bytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.used
}

// evictToBudgetLocked drops LRU unpinned entries until the budget holds.
func (c *PageCache) evictToBudgetLocked() error {
	for c.used > c.budget {
		if !c.evictOneLocked() {
			return ErrResource
		}
	}
	return nil
}

// evictOneLocked removes the least-recently-used unpinned entry.
func (c *PageCache) evictOneLocked() bool {
	for f := c.tail; f != nil; f = f.prev {
		if f.pinned == 0 {
			c.removeLocked(f)
			return true
		}
	}
	return false
}

func (c *PageCache) removeLocked(f *pageFrame) {
	c.unlink(f)
	delete(c.pages, f.id)
	c.used -= int64(len(f.bytes))
}

func (c *PageCache) pushFront(f *pageFrame) {
	f.prev = nil
	f.next = c.head
	if c.head != nil {
		c.head.prev = f
	}
	c.head = f
	if c.tail == nil {
		c.tail = f
	}
}

func (c *PageCache) unlink(f *pageFrame) {
	if f.prev != nil {
		f.prev.next = f.next
	} else {
		c.head = f.next
	}
	if f.next != nil {
		f.next.prev = f.prev
	} else {
		c.tail = f.prev
	}
	f.prev = nil
	f.next = nil
}

func (c *PageCache) moveToFront(f *pageFrame) {
	c.unlink(f)
	c.pushFront(f)
}
