// Package bcache implements the hashed LRU buffer cache of spec.md
// §3.9 and §4.9: fixed-size buffers keyed by (device, block number),
// reference-counted pin/unpin, and write-back on eviction of dirty
// buffers. A buffer found pinned is never evicted regardless of its
// position in the LRU order.
package bcache

import (
	"container/list"
	"sync"

	"github.com/dnknob/spinix/blk"
	"github.com/dnknob/spinix/defs"
)

// Buffer is one cached block. Callers obtain one via Cache.Get and must
// Put it back when done; a buffer with Pins > 0 can never be evicted.
type Buffer struct {
	Dev   blk.Device_i
	Block int64
	Data  []byte
	Dirty bool

	Pins int32

	elem *list.Element // this buffer's node in the cache's LRU list
}

type key struct {
	dev   blk.Device_i
	block int64
}

// Cache is a hashed LRU buffer cache bounded at capacity buffers.
type Cache struct {
	mu       sync.Mutex
	capacity int
	index    map[key]*Buffer
	lru      *list.List // front = most recently used

	readahead bool

	hits, misses, evictions, writebacks int64
}

// New creates a cache holding up to capacity buffers. readahead enables
// the one-block-ahead prefetch hint on every Get that misses.
func New(capacity int, readahead bool) *Cache {
	return &Cache{
		capacity:  capacity,
		index:     make(map[key]*Buffer),
		lru:       list.New(),
		readahead: readahead,
	}
}

// Get returns the buffer for (dev, block), pinned once on the caller's
// behalf, loading it from dev on a cache miss. When readahead is
// enabled a miss also asynchronously warms block+1's buffer (one block
// ahead only; the prefetch itself never chains further prefetches).
func (c *Cache) Get(dev blk.Device_i, block int64) (*Buffer, defs.Err_t) {
	b, missed, err := c.getOrLoad(dev, block)
	if err != 0 {
		return nil, err
	}
	if missed && c.readahead {
		go c.warm(dev, block+1)
	}
	return b, 0
}

// getOrLoad is Get's core, reporting whether this call caused a fresh
// load from dev.
func (c *Cache) getOrLoad(dev blk.Device_i, block int64) (*Buffer, bool, defs.Err_t) {
	k := key{dev, block}

	c.mu.Lock()
	if b, ok := c.index[k]; ok {
		c.hits++
		b.Pins++
		c.lru.MoveToFront(b.elem)
		c.mu.Unlock()
		return b, false, 0
	}
	c.misses++
	c.mu.Unlock()

	data, err := blk.Read(dev, block)
	if err != 0 {
		return nil, false, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok := c.index[k]; ok {
		// Lost a race with a concurrent Get for the same block.
		b.Pins++
		c.lru.MoveToFront(b.elem)
		return b, false, 0
	}
	b := &Buffer{Dev: dev, Block: block, Data: data, Pins: 1}
	b.elem = c.lru.PushFront(b)
	c.index[k] = b
	c.evictIfNeededLocked()
	return b, true, 0
}

// warm prefetches block into the cache without pinning it for any
// caller and without itself triggering further readahead.
func (c *Cache) warm(dev blk.Device_i, block int64) {
	b, _, err := c.getOrLoad(dev, block)
	if err == 0 {
		c.Put(b)
	}
}

// evictIfNeededLocked drops the least-recently-used unpinned buffer
// until the cache is back at or under capacity. Called with c.mu held.
func (c *Cache) evictIfNeededLocked() {
	for len(c.index) > c.capacity {
		e := c.lru.Back()
		for e != nil {
			b := e.Value.(*Buffer)
			if b.Pins == 0 {
				break
			}
			e = e.Prev()
		}
		if e == nil {
			return // every buffer pinned; over capacity until one is released
		}
		b := e.Value.(*Buffer)
		if b.Dirty {
			c.writeBackLocked(b)
		}
		c.lru.Remove(e)
		delete(c.index, key{b.Dev, b.Block})
		c.evictions++
	}
}

func (c *Cache) writeBackLocked(b *Buffer) {
	blk.Write(b.Dev, b.Block, b.Data)
	b.Dirty = false
	c.writebacks++
}

// Put releases one pin on b, making it eligible for eviction again once
// its pin count reaches zero.
func (c *Cache) Put(b *Buffer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b.Pins--
	if b.Pins < 0 {
		panic("bcache: Put without matching Get")
	}
	c.evictIfNeededLocked()
}

// MarkDirty flags b for write-back on eviction or Sync.
func (c *Cache) MarkDirty(b *Buffer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b.Dirty = true
}

// Sync writes back every dirty buffer without evicting any of them.
func (c *Cache) Sync() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for e := c.lru.Front(); e != nil; e = e.Next() {
		b := e.Value.(*Buffer)
		if b.Dirty {
			c.writeBackLocked(b)
		}
	}
}

// Stats is a snapshot of cache-wide counters.
type Stats struct {
	Entries              int
	Hits, Misses         int64
	Evictions, Writebacks int64
}

func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Entries: len(c.index), Hits: c.hits, Misses: c.misses,
		Evictions: c.evictions, Writebacks: c.writebacks,
	}
}
