package pagemanager

import (
	"sync"

	"github.com/crushdb/crushdb/page"
)

// defaultCapacity mirrors the teacher's lruCache default, but expressed
// in spec.md §6's own default (`cacheMaxPages=8192`) rather than the
// teacher's 256.
const defaultCapacity = 8192

// evictFunc is called with the page being evicted, while the cache's
// own lock is held. It must flush the page if dirty; the teacher's
// pager wrote through on every mutation so its cache never held a dirty
// page to lose, but this page manager is write-back (spec.md §4.3
// "this is the only point at which dirty pages are written without an
// explicit flushAll").
type evictFunc func(p *page.Page) error

// lruCache is a doubly-linked-list-plus-map LRU cache of pages, grounded
// on the teacher's storage/lru.go shape and generalized to carry a
// dirty bit per entry and flush-before-evict.
type lruCache struct {
	mu       sync.Mutex
	capacity int
	items    map[uint64]*lruNode
	head     *lruNode // MRU
	tail     *lruNode // LRU
	onEvict  evictFunc

	hits   uint64
	misses uint64
}

type lruNode struct {
	pageID uint64
	page   *page.Page
	prev   *lruNode
	next   *lruNode
}

func newLRUCache(capacity int, onEvict evictFunc) *lruCache {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &lruCache{
		capacity: capacity,
		items:    make(map[uint64]*lruNode, capacity*4/3), // load factor 0.75
		onEvict:  onEvict,
	}
}

// get returns the cached page and moves it to the front (MRU).
func (c *lruCache) get(pageID uint64) (*page.Page, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	node, ok := c.items[pageID]
	if !ok {
		c.misses++
		return nil, false
	}
	c.hits++
	c.moveToFront(node)
	return node.page, true
}

// put admits a page to the cache, evicting the LRU entry (flushing it
// first if dirty) when capacity is exceeded.
func (c *lruCache) put(p *page.Page) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if node, ok := c.items[p.PageID()]; ok {
		node.page = p
		c.moveToFront(node)
		return nil
	}

	node := &lruNode{pageID: p.PageID(), page: p}
	c.items[p.PageID()] = node
	c.pushFront(node)

	if len(c.items) > c.capacity {
		return c.evictLocked()
	}
	return nil
}

func (c *lruCache) invalidate(pageID uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	node, ok := c.items[pageID]
	if !ok {
		return
	}
	c.removeNode(node)
	delete(c.items, pageID)
}

// forEachDirty calls fn on every dirty page currently cached.
func (c *lruCache) forEachDirty(fn func(p *page.Page) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for n := c.head; n != nil; n = n.next {
		if n.page.Dirty {
			if err := fn(n.page); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *lruCache) stats() (hits, misses uint64, size, capacity int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses, len(c.items), c.capacity
}

func (c *lruCache) hitRate() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := c.hits + c.misses
	if total == 0 {
		return 0
	}
	return float64(c.hits) / float64(total)
}

func (c *lruCache) pushFront(node *lruNode) {
	node.prev = nil
	node.next = c.head
	if c.head != nil {
		c.head.prev = node
	}
	c.head = node
	if c.tail == nil {
		c.tail = node
	}
}

func (c *lruCache) removeNode(node *lruNode) {
	if node.prev != nil {
		node.prev.next = node.next
	} else {
		c.head = node.next
	}
	if node.next != nil {
		node.next.prev = node.prev
	} else {
		c.tail = node.prev
	}
	node.prev = nil
	node.next = nil
}

func (c *lruCache) moveToFront(node *lruNode) {
	if node == c.head {
		return
	}
	c.removeNode(node)
	c.pushFront(node)
}

func (c *lruCache) evictLocked() error {
	if c.tail == nil {
		return nil
	}
	victim := c.tail
	if victim.page.Dirty && c.onEvict != nil {
		if err := c.onEvict(victim.page); err != nil {
			return err
		}
	}
	c.removeNode(victim)
	delete(c.items, victim.pageID)
	return nil
}
