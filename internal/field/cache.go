package field

import (
	"container/list"
)

// lruCache tracks which fields of one source currently hold resident value
// buffers, in recency order. It is an explicit doubly-linked list plus a
// key-to-node map so that touch and evict-oldest are both O(1). The cache
// never evicts on its own; the store asks for eviction candidates after each
// load and supplies the pin predicate (active or mid-load fields).
type lruCache struct {
	max   int
	ll    *list.List // front = most recently used
	nodes map[Ref]*list.Element
}

func newLRUCache(max int) *lruCache {
	if max < 1 {
		max = 1
	}
	return &lruCache{
		max:   max,
		ll:    list.New(),
		nodes: map[Ref]*list.Element{},
	}
}

// Touch marks ref as most recently used, inserting it if absent.
func (c *lruCache) Touch(ref Ref) {
	if node, ok := c.nodes[ref]; ok {
		c.ll.MoveToFront(node)
		return
	}
	c.nodes[ref] = c.ll.PushFront(ref)
}

// Remove drops ref from the cache, if present.
func (c *lruCache) Remove(ref Ref) {
	if node, ok := c.nodes[ref]; ok {
		c.ll.Remove(node)
		delete(c.nodes, ref)
	}
}

// Len returns the number of tracked entries.
func (c *lruCache) Len() int { return c.ll.Len() }

// EvictExcess removes least-recently-used unpinned entries until the cache
// is within bound, returning the evicted refs. Pinned entries are skipped;
// if every entry is pinned the cache may stay over bound.
func (c *lruCache) EvictExcess(pinned func(Ref) bool) []Ref {
	var evicted []Ref
	node := c.ll.Back()
	for c.ll.Len() > c.max && node != nil {
		prev := node.Prev()
		ref := node.Value.(Ref)
		if !pinned(ref) {
			evicted = append(evicted, ref)
			c.ll.Remove(node)
			delete(c.nodes, ref)
		}
		node = prev
	}
	return evicted
}

// Clear empties the cache.
func (c *lruCache) Clear() {
	c.ll.Init()
	c.nodes = map[Ref]*list.Element{}
}
