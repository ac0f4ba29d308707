package cache

import (
	"sync"

	"github.com/verifiabledb/v2fs/internal/mht"
)

// nodeCost approximates the in-memory footprint of one node entry.
const nodeCost = 64

// nodeFrame is one cached internal node with LRU links.
type nodeFrame struct {
	id   mht.NodeID
	hash mht.Digest
	tag  Tag
	prev *nodeFrame
	next *nodeFrame
}

// NodeCache is an LRU over verified internal Merkle nodes. Holding a node
// lets the client omit its hash from future proofs via the presence
// sketch. The budget is expressed in bytes; the vfs backend derives it as
// one sixteenth of the page-cache budget.
type NodeCache struct {
	mu    sync.Mutex
	max   int
	nodes map[mht.NodeID]*nodeFrame
	head  *nodeFrame
	tail  *nodeFrame
}

// NewNodeCache creates a node cache bounded by budgetBytes.
func NewNodeCache(budgetBytes int64) *NodeCache {
	max := int(budgetBytes / nodeCost)
	if max < 1 {
		max = 1
	}
	return &NodeCache{
		max:   max,
		nodes: make(map[mht.NodeID]*nodeFrame, max),
	}
}

// Get returns the node hash if present and tagged for current.
func (c *NodeCache) Get(id mht.NodeID, current Tag) (mht.Digest, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, ok := c.nodes[id]
	if !ok {
		return mht.Digest{}, false
	}
	if f.tag != current {
		c.removeLocked(f)
		return mht.Digest{}, false
	}
	c.moveToFront(f)
	return f.hash, true
}

// Put inserts a verified node hash under the given tag.
func (c *NodeCache) Put(id mht.NodeID, hash mht.Digest, tag Tag) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if f, ok := c.nodes[id]; ok {
		f.hash = hash
		f.tag = tag
		c.moveToFront(f)
		return
	}
	for len(c.nodes) >= c.max {
		c.removeLocked(c.tail)
	}
	f := &nodeFrame{id: id, hash: hash, tag: tag}
	c.nodes[id] = f
	c.pushFront(f)
}

// Reset drops every entry.
func (c *NodeCache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nodes = make(map[mht.NodeID]*nodeFrame, c.max)
	c.head, c.tail = nil, nil
}

// Len returns the number of cached nodes.
func (c *NodeCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.nodes)
}

func (c *NodeCache) removeLocked(f *nodeFrame) {
	c.unlink(f)
	delete(c.nodes, f.id)
}

func (c *NodeCache) pushFront(f *nodeFrame) {
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

func (c *NodeCache) unlink(f *nodeFrame) {
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

func (c *NodeCache) moveToFront(f *nodeFrame) {
	c.unlink(f)
	c.pushFront(f)
}
