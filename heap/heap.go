// Package heap implements the kernel heap facade described in spec.md
// §4.4: slab caches for the six small size classes layered over a
// segregated-free-list general allocator for anything larger (or when the
// slabs are exhausted). Both halves carry the magic-tagged block headers
// and double-free/invalid-free detection spec.md §3.4 requires.
//
// Heap growth does not go through vmm or mem.PMM: this package stores
// heap content in its own set of fixed, never-moved byte chunks allocated
// with make (mirroring mem.PMM's arenaRegion design), so no page is
// mapped or taken from the PMM when the heap grows — see DESIGN.md for
// why.
package heap

import (
	"unsafe"

	"github.com/dnknob/spinix/defs"
	"github.com/dnknob/spinix/spinlock"
)

const (
	// MagicUsed/MagicFree tag a general-allocator block header.
	MagicUsed uint32 = 0xA110CED1
	MagicFree uint32 = 0xF4EEF4EE

	initialHeapSize = 2 << 20
	growChunkSize   = 1 << 20

	// defaultMaxHeapSize is the cap New applies when its growCeiling
	// argument is zero or negative.
	defaultMaxHeapSize = 256 << 20

	minBlock = 32 // MIN_BLOCK: smallest remainder worth splitting off
)

// classSizes are the segregated free-list boundaries (spec.md §3.4); the
// implicit class after the last entry is the "large" list.
var classSizes = [...]int{32, 64, 128, 256, 512, 1024, 2048, 4096, 8192, 16384}

const largeClass = len(classSizes)
const numClasses = len(classSizes) + 1

type blockHeader struct {
	Magic    uint32
	Flags    uint32
	Size     uint64 // total block size, including this header
	Next     uint64
	Prev     uint64
	PhysPred uint64
}

const sentinel = ^uint64(0)

var headerSize = uint64(unsafe.Sizeof(blockHeader{}))

type chunk struct {
	base uint64 // offset of this chunk's first byte in the flat heap address space
	data []byte
}

// Heap is the kernel heap singleton.
type Heap struct {
	lock spinlock.IRQLock

	chunks    []chunk
	totalSize uint64
	maxSize   uint64
	freeHeads [numClasses]uint64

	allocated      int64
	freed          int64
	doubleFrees    int64
	invalidFrees   int64
	guardViolation int64

	slabs [len(slabClassSizes)]*slabCache
}

// New creates a heap with the default 2MiB initial backing and all slab
// caches ready. growCeiling is the boot config's HeapGrowCeiling: the
// total number of bytes of backing chunks the heap may grow to; a value
// of zero or less falls back to defaultMaxHeapSize. The initial 2MiB
// chunk is allocated even when growCeiling is smaller.
func New(growCeiling int64) *Heap {
	h := &Heap{maxSize: defaultMaxHeapSize}
	if growCeiling > 0 {
		h.maxSize = uint64(growCeiling)
	}
	for i := range h.freeHeads {
		h.freeHeads[i] = sentinel
	}
	h.growBy(initialHeapSize)
	for i, sz := range slabClassSizes {
		h.slabs[i] = newSlabCache(h, sz)
	}
	return h
}

// growBy appends a new chunk of at least n bytes (rounded up to
// growChunkSize, capped at h.maxSize total) and inserts it whole as one
// free block with no physical predecessor, per spec.md §4.4.
func (h *Heap) growBy(n int) bool {
	size := growChunkSize
	if n > size {
		size = (n + growChunkSize - 1) / growChunkSize * growChunkSize
	}
	if h.totalSize+uint64(size) > h.maxSize && h.totalSize != 0 {
		size = int(h.maxSize - h.totalSize)
		if size < n {
			return false
		}
	}
	if size <= 0 {
		return false
	}
	base := h.totalSize
	c := chunk{base: base, data: make([]byte, size)}
	h.chunks = append(h.chunks, c)
	h.totalSize += uint64(size)

	hdr := h.headerAtAbs(base)
	*hdr = blockHeader{Magic: MagicFree, Size: uint64(size), Next: sentinel, Prev: sentinel, PhysPred: sentinel}
	h.insertFree(base)
	return true
}

func (h *Heap) chunkFor(abs uint64) (*chunk, uint64) {
	for i := range h.chunks {
		c := &h.chunks[i]
		if abs >= c.base && abs < c.base+uint64(len(c.data)) {
			return c, abs - c.base
		}
	}
	return nil, 0
}

func (h *Heap) headerAtAbs(abs uint64) *blockHeader {
	c, off := h.chunkFor(abs)
	if c == nil {
		panic("heap: address outside any chunk")
	}
	return (*blockHeader)(unsafe.Pointer(&c.data[off]))
}

func (h *Heap) bytesAtAbs(abs uint64, n int) []byte {
	c, off := h.chunkFor(abs)
	if c == nil {
		panic("heap: address outside any chunk")
	}
	return c.data[off : off+uint64(n)]
}

func classCeil(total uint64) int {
	for i, s := range classSizes {
		if uint64(s) >= total {
			return i
		}
	}
	return largeClass
}

func classFloor(total uint64) int {
	if total > uint64(classSizes[len(classSizes)-1]) {
		return largeClass
	}
	idx := 0
	for i, s := range classSizes {
		if uint64(s) <= total {
			idx = i
		} else {
			break
		}
	}
	if uint64(classSizes[0]) > total {
		return 0
	}
	return idx
}

func (h *Heap) insertFree(abs uint64) {
	hdr := h.headerAtAbs(abs)
	class := classFloor(hdr.Size)
	head := h.freeHeads[class]
	hdr.Next = head
	hdr.Prev = sentinel
	if head != sentinel {
		h.headerAtAbs(head).Prev = abs
	}
	h.freeHeads[class] = abs
}

func (h *Heap) removeFree(abs uint64, class int) {
	hdr := h.headerAtAbs(abs)
	if hdr.Prev != sentinel {
		h.headerAtAbs(hdr.Prev).Next = hdr.Next
	} else {
		h.freeHeads[class] = hdr.Next
	}
	if hdr.Next != sentinel {
		h.headerAtAbs(hdr.Next).Prev = hdr.Prev
	}
	hdr.Next, hdr.Prev = sentinel, sentinel
}

// Alloc returns n freshly allocated bytes, optionally zeroed. Requests of
// zero bytes return a nil slice without error, per spec.md §4.4.
func (h *Heap) Alloc(n int, zero bool) ([]byte, defs.Err_t) {
	if n == 0 {
		return nil, 0
	}
	if n <= slabClassSizes[len(slabClassSizes)-1] {
		if b, ok := h.allocSlab(n); ok {
			b = b[:n]
			if zero {
				for i := range b {
					b[i] = 0
				}
			}
			return b, 0
		}
	}
	return h.allocGeneral(n, zero)
}

func (h *Heap) allocGeneral(n int, zero bool) ([]byte, defs.Err_t) {
	total := uint64(n) + headerSize

	h.lock.Lock()
	for attempt := 0; attempt < 2; attempt++ {
		start := classCeil(total)
		for class := start; class < numClasses; class++ {
			for abs := h.freeHeads[class]; abs != sentinel; {
				hdr := h.headerAtAbs(abs)
				next := hdr.Next
				if hdr.Size >= total {
					h.removeFree(abs, class)
					h.splitAndUse(abs, total)
					h.allocated += int64(h.headerAtAbs(abs).Size - headerSize)
					h.lock.Unlock()
					b := h.bytesAtAbs(abs+headerSize, n)
					if zero {
						for i := range b {
							b[i] = 0
						}
					}
					return b, 0
				}
				abs = next
			}
		}
		if attempt == 0 {
			if !h.growBy(int(total)) {
				break
			}
		}
	}
	h.lock.Unlock()
	return nil, defs.ENOMEM
}

// splitAndUse marks the block at abs (already removed from its free list)
// USED, splitting off a new free block if the remainder is large enough.
func (h *Heap) splitAndUse(abs, total uint64) {
	hdr := h.headerAtAbs(abs)
	origSize := hdr.Size
	remainder := origSize - total
	if remainder >= headerSize+minBlock {
		newAbs := abs + total
		nhdr := h.headerAtAbs(newAbs)
		*nhdr = blockHeader{Magic: MagicFree, Size: remainder, Next: sentinel, Prev: sentinel, PhysPred: abs}
		h.fixupFollowingPhysPred(newAbs, origSize-total, newAbs)
		h.insertFree(newAbs)
		hdr.Size = total
	}
	hdr.Magic = MagicUsed
	hdr.Flags = 0
}

// fixupFollowingPhysPred updates the PhysPred of the block physically
// following [blockAbs, blockAbs+blockSize), if one exists within the same
// chunk, to newPred.
func (h *Heap) fixupFollowingPhysPred(blockAbs, blockSize, newPred uint64) {
	c, off := h.chunkFor(blockAbs)
	if off+blockSize >= uint64(len(c.data)) {
		return
	}
	h.headerAtAbs(blockAbs + blockSize).PhysPred = newPred
}

// Free releases a slice previously returned by Alloc. Freeing a block
// whose magic does not match USED is classified as a double-free or
// invalid-free and counted without corrupting heap state.
func (h *Heap) Free(b []byte) defs.Err_t {
	if b == nil {
		return 0
	}
	if h.freeSlab(b) {
		return 0
	}

	abs, ok := h.absOfContent(b)
	if !ok {
		h.invalidFrees++
		return defs.EINVAL
	}
	headerAbs := abs - headerSize

	h.lock.Lock()
	defer h.lock.Unlock()
	hdr := h.headerAtAbs(headerAbs)
	switch hdr.Magic {
	case MagicFree:
		h.doubleFrees++
		return defs.EINVAL
	case MagicUsed:
		// fall through to real free below
	default:
		h.guardViolation++
		return defs.EINVAL
	}

	h.freed += int64(hdr.Size - headerSize)
	hdr.Magic = MagicFree
	curAbs, curSize := headerAbs, hdr.Size

	// Coalesce with the physically following block, if free.
	c, off := h.chunkFor(curAbs)
	if followAbs := curAbs + curSize; off+curSize < uint64(len(c.data)) {
		fhdr := h.headerAtAbs(followAbs)
		if fhdr.Magic == MagicFree {
			h.removeFree(followAbs, classFloor(fhdr.Size))
			curSize += fhdr.Size
			h.fixupFollowingPhysPred(followAbs, fhdr.Size, curAbs)
		}
	}

	// Coalesce with the physically preceding block, if free.
	predAbs := h.headerAtAbs(curAbs).PhysPred
	if predAbs != sentinel {
		phdr := h.headerAtAbs(predAbs)
		if phdr.Magic == MagicFree {
			h.removeFree(predAbs, classFloor(phdr.Size))
			phdr.Size += curSize
			h.fixupFollowingPhysPred(predAbs, phdr.Size, predAbs)
			curAbs, curSize = predAbs, phdr.Size
		}
	}

	h.headerAtAbs(curAbs).Size = curSize
	h.headerAtAbs(curAbs).Magic = MagicFree
	h.insertFree(curAbs)
	return 0
}

func (h *Heap) absOfContent(b []byte) (uint64, bool) {
	if len(b) == 0 {
		return 0, false
	}
	p := uintptr(unsafe.Pointer(&b[0]))
	for i := range h.chunks {
		c := &h.chunks[i]
		if len(c.data) == 0 {
			continue
		}
		base := uintptr(unsafe.Pointer(&c.data[0]))
		if p >= base && p < base+uintptr(len(c.data)) {
			return c.base + uint64(p-base), true
		}
	}
	return 0, false
}

// Stats is a point-in-time snapshot of heap counters.
type Stats struct {
	Allocated, Freed                        int64
	DoubleFrees, InvalidFrees, GuardViolation int64
	TotalSize                               uint64
}

// Stats returns a snapshot of the heap's counters.
func (h *Heap) Stats() Stats {
	h.lock.Lock()
	defer h.lock.Unlock()
	return Stats{
		Allocated: h.allocated, Freed: h.freed,
		DoubleFrees: h.doubleFrees, InvalidFrees: h.invalidFrees, GuardViolation: h.guardViolation,
		TotalSize: h.totalSize,
	}
}

// Live returns allocated-minus-freed bytes, the invariant spec.md §8
// expects to hold exactly.
func (s Stats) Live() int64 { return s.Allocated - s.Freed }
