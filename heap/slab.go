package heap

import (
	"unsafe"

	"github.com/dnknob/spinix/spinlock"
)

// slabClassSizes are the six slab-cache size classes (spec.md §4.4).
var slabClassSizes = [...]int{16, 32, 64, 128, 256, 512}

const slabBytes = 16 * 1024

type slabListState int

const (
	listEmpty slabListState = iota
	listPartial
	listFull
)

// slabDesc is a single 16KiB slab's bookkeeping. In the original design
// this header lives in a small block allocated from the PMM; here it is
// an ordinary Go struct owned by the cache (see package doc).
type slabDesc struct {
	base     uint64 // absolute heap offset of this slab's 16KiB region
	objSize  int
	cells    int
	used     int
	freeHead int32 // index of first free cell, -1 if none
	state    slabListState
}

type slabCache struct {
	lock    spinlock.IRQLock
	h       *Heap
	objSize int

	partial []*slabDesc
	full    []*slabDesc
	empty   []*slabDesc
}

func newSlabCache(h *Heap, objSize int) *slabCache {
	return &slabCache{h: h, objSize: objSize}
}

func (c *slabCache) cellAddr(d *slabDesc, idx int) uint64 {
	return d.base + uint64(idx*c.objSize)
}

// cellFreeLink reads/writes the intrusive free-list link (an int32 cell
// index) threaded through an unused cell's first bytes.
func (c *slabCache) cellFreeLink(d *slabDesc, idx int) *int32 {
	b := c.h.bytesAtAbs(c.cellAddr(d, idx), 8)
	return (*int32)(unsafe.Pointer(&b[0]))
}

func (c *slabCache) newSlab() *slabDesc {
	if !c.h.growSlabArena(slabBytes) {
		return nil
	}
	base := c.h.takeSlabChunk(slabBytes)
	cells := slabBytes / c.objSize
	d := &slabDesc{base: base, objSize: c.objSize, cells: cells, freeHead: 0}
	for i := 0; i < cells; i++ {
		var next int32 = int32(i + 1)
		if i == cells-1 {
			next = -1
		}
		*c.cellFreeLink(d, i) = next
	}
	d.state = listEmpty
	return d
}

// alloc returns one object from this cache, preferring a partial slab,
// else promoting an empty slab, else carving a brand new one.
func (c *slabCache) alloc() ([]byte, bool) {
	c.lock.Lock()
	defer c.lock.Unlock()

	var d *slabDesc
	switch {
	case len(c.partial) > 0:
		d = c.partial[len(c.partial)-1]
	case len(c.empty) > 0:
		d = c.empty[len(c.empty)-1]
		c.empty = c.empty[:len(c.empty)-1]
		c.partial = append(c.partial, d)
		d.state = listPartial
	default:
		d = c.newSlab()
		if d == nil {
			return nil, false
		}
		c.partial = append(c.partial, d)
		d.state = listPartial
	}

	idx := d.freeHead
	if idx < 0 {
		return nil, false
	}
	d.freeHead = *c.cellFreeLink(d, int(idx))
	d.used++
	if d.used == d.cells {
		c.moveTo(d, listFull)
	}
	return c.h.bytesAtAbs(c.cellAddr(d, int(idx)), c.objSize), true
}

func (c *slabCache) moveTo(d *slabDesc, to slabListState) {
	c.removeFromCurrent(d)
	switch to {
	case listPartial:
		c.partial = append(c.partial, d)
	case listFull:
		c.full = append(c.full, d)
	case listEmpty:
		c.empty = append(c.empty, d)
	}
	d.state = to
}

func (c *slabCache) removeFromCurrent(d *slabDesc) {
	remove := func(l []*slabDesc) []*slabDesc {
		for i, e := range l {
			if e == d {
				return append(l[:i], l[i+1:]...)
			}
		}
		return l
	}
	switch d.state {
	case listPartial:
		c.partial = remove(c.partial)
	case listFull:
		c.full = remove(c.full)
	case listEmpty:
		c.empty = remove(c.empty)
	}
}

// owns reports whether ptr falls within one of this cache's slabs and, if
// so, returns that slab and the cell index.
func (c *slabCache) owns(ptr []byte) (*slabDesc, int, bool) {
	abs, ok := c.h.absOfContent(ptr)
	if !ok {
		return nil, 0, false
	}
	c.lock.Lock()
	defer c.lock.Unlock()
	for _, list := range [][]*slabDesc{c.partial, c.full, c.empty} {
		for _, d := range list {
			if abs >= d.base && abs < d.base+uint64(d.cells*d.objSize) {
				idx := int(abs-d.base) / d.objSize
				return d, idx, true
			}
		}
	}
	return nil, 0, false
}

func (c *slabCache) free(d *slabDesc, idx int) {
	c.lock.Lock()
	defer c.lock.Unlock()
	wasFull := d.state == listFull
	*c.cellFreeLink(d, idx) = d.freeHead
	d.freeHead = int32(idx)
	d.used--
	if wasFull {
		c.moveTo(d, listPartial)
	}
	if d.used == 0 {
		c.moveTo(d, listEmpty)
	}
}

// allocSlab routes n to the smallest slab class that fits it.
func (h *Heap) allocSlab(n int) ([]byte, bool) {
	for i, sz := range slabClassSizes {
		if n <= sz {
			b, ok := h.slabs[i].alloc()
			if ok {
				h.lock.Lock()
				h.allocated += int64(sz)
				h.lock.Unlock()
			}
			return b, ok
		}
	}
	return nil, false
}

// freeSlab frees b if it belongs to any slab cache, reporting whether it
// did.
func (h *Heap) freeSlab(b []byte) bool {
	for _, c := range h.slabs {
		if d, idx, ok := c.owns(b); ok {
			c.free(d, idx)
			h.lock.Lock()
			h.freed += int64(c.objSize)
			h.lock.Unlock()
			return true
		}
	}
	return false
}

// growSlabArena/takeSlabChunk carve dedicated 16KiB chunks for slabs out
// of the same flat heap address space the general allocator uses, keeping
// a single chunk-translation path (chunkFor) for every heap access.
func (h *Heap) growSlabArena(n int) bool {
	h.lock.Lock()
	defer h.lock.Unlock()
	return h.growBy(n)
}

// takeSlabChunk removes a fresh n-byte free block from the general free
// lists for exclusive use as slab storage (a slab's cells are never
// coalesced with general-allocator blocks).
func (h *Heap) takeSlabChunk(n int) uint64 {
	h.lock.Lock()
	defer h.lock.Unlock()
	total := uint64(n)
	class := classCeil(total)
	for c := class; c < numClasses; c++ {
		for abs := h.freeHeads[c]; abs != sentinel; {
			hdr := h.headerAtAbs(abs)
			next := hdr.Next
			if hdr.Size >= total {
				h.removeFree(abs, c)
				if hdr.Size > total+headerSize+minBlock {
					remAbs := abs + total
					rhdr := h.headerAtAbs(remAbs)
					*rhdr = blockHeader{Magic: MagicFree, Size: hdr.Size - total, Next: sentinel, Prev: sentinel, PhysPred: abs}
					h.fixupFollowingPhysPred(remAbs, hdr.Size-total, remAbs)
					hdr.Size = total
					h.insertFree(remAbs)
				}
				hdr.Magic = MagicUsed
				return abs
			}
			abs = next
		}
	}
	panic("heap: takeSlabChunk: growBy succeeded but no block found")
}
