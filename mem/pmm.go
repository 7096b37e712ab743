// Package mem implements the physical memory manager: a zoned page-frame
// allocator fed by the loader's memory map (spec.md §4.1). Free frames
// are linked into per-zone free stacks through a per-frame metadata
// array (frameMeta.next), not through the frame's own bytes, and every
// returned page is zeroed before the caller sees it.
//
// There is no real DRAM behind this process; physical memory is simulated
// with a Go-owned arena per usable region, and Pa_t addresses are the
// synthetic physical addresses handed to us by the (simulated) boot memory
// map. Higher layers never touch the arena directly — they go through
// Bytes(), mirroring the teacher's Physmem_t.Dmap/Dmap8 direct-map
// accessors.
package mem

import (
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/dnknob/spinix/kio"
	"github.com/dnknob/spinix/spinlock"
	"github.com/dnknob/spinix/util"
)

// PGSIZE is the size of a single physical frame in bytes.
const PGSIZE = 4096

// Pa_t is a physical address. It need not be a real, dereferenceable host
// pointer — only a handle meaningful to this package's Bytes/owner calls.
type Pa_t uintptr

// Zone classifies a frame by how it may be used: DMA-reachable (<16MiB),
// 32-bit-reachable (<4GiB), or unrestricted.
type Zone int

const (
	ZoneDMA Zone = iota
	ZoneDMA32
	ZoneNormal
	nzones
)

func (z Zone) String() string {
	switch z {
	case ZoneDMA:
		return "DMA"
	case ZoneDMA32:
		return "DMA32"
	case ZoneNormal:
		return "Normal"
	}
	return "unknown"
}

const (
	dmaLimit   = 16 << 20
	dma32Limit = 4 << 30
)

func classify(pa uintptr) Zone {
	switch {
	case pa < dmaLimit:
		return ZoneDMA
	case pa < dma32Limit:
		return ZoneDMA32
	default:
		return ZoneNormal
	}
}

// RegionType classifies an entry of the loader-provided memory map.
type RegionType int

const (
	Usable RegionType = iota
	Reserved
)

// Region is one entry of the boot memory map (spec.md §6).
type Region struct {
	Base   uintptr
	Length uintptr
	Type   RegionType
}

// AllocFlags restrict where AllocFlags() is allowed to search and whether
// the returned page must be pre-zeroed (it always is, but callers may also
// request this explicitly for symmetry with the teacher's flag set).
type AllocFlags int

const (
	FlagDMA AllocFlags = 1 << iota
	FlagDMA32
	FlagZero
)

type frameMeta struct {
	refcnt int32
	next   uint32 // index of next free frame in this zone's free stack, or sentinel
	zone   Zone
}

const freeSentinel = ^uint32(0)

type zoneState struct {
	lock spinlock.IRQLock

	freeHead uint32
	total    int
	free     int

	watermarkMin  int
	watermarkLow  int
	watermarkHigh int

	allocCount  int64
	freeCount   int64
	allocFailed int64
}

func (z *zoneState) computeWatermarks() {
	min := util.Clamp(z.total/128, 128, 1024)
	z.watermarkMin = min
	z.watermarkLow = 2 * min
	z.watermarkHigh = 3 * min
}

// arenaRegion describes one contiguous arena backing a slice of the address
// space, used to translate a Pa_t into arena bytes and a frame index in
// O(log regions).
type arenaRegion struct {
	base      uintptr
	nframes   uint32
	startIdx  uint32
	data      []byte
}

// PMM is the global physical memory manager singleton.
type PMM struct {
	frames  []frameMeta
	regions []arenaRegion // sorted by base
	zones   [nzones]*zoneState
}

// NewPMM builds the allocator from a boot memory map, consuming only
// Usable regions; everything else is left alone (spec.md §6).
func NewPMM(memmap []Region) *PMM {
	p := &PMM{}
	for i := range p.zones {
		p.zones[i] = &zoneState{freeHead: freeSentinel}
	}

	usable := make([]Region, 0, len(memmap))
	for _, r := range memmap {
		if r.Type == Usable && r.Length >= PGSIZE {
			usable = append(usable, r)
		}
	}
	sort.Slice(usable, func(i, j int) bool { return usable[i].Base < usable[j].Base })

	var idx uint32
	for _, r := range usable {
		base := util.Roundup(r.Base, uintptr(PGSIZE))
		end := util.Rounddown(r.Base+r.Length, uintptr(PGSIZE))
		if end <= base {
			continue
		}
		n := uint32((end - base) / PGSIZE)
		ar := arenaRegion{base: base, nframes: n, startIdx: idx, data: make([]byte, int(n)*PGSIZE)}
		p.regions = append(p.regions, ar)

		for i := uint32(0); i < n; i++ {
			pa := base + uintptr(i)*PGSIZE
			z := classify(pa)
			fi := idx + i
			p.frames = append(p.frames, frameMeta{zone: z})
			zs := p.zones[z]
			p.frames[fi].next = zs.freeHead
			zs.freeHead = fi
			zs.total++
			zs.free++
		}
		idx += n
	}
	for _, zs := range p.zones {
		zs.computeWatermarks()
	}
	return p
}

func (p *PMM) findRegion(pa Pa_t) (*arenaRegion, uint32, bool) {
	addr := uintptr(pa)
	i := sort.Search(len(p.regions), func(i int) bool { return p.regions[i].base+uintptr(p.regions[i].nframes)*PGSIZE > addr })
	if i >= len(p.regions) {
		return nil, 0, false
	}
	r := &p.regions[i]
	if addr < r.base {
		return nil, 0, false
	}
	off := addr - r.base
	if off%PGSIZE != 0 {
		return nil, 0, false
	}
	fi := r.startIdx + uint32(off/PGSIZE)
	return r, fi, true
}

// Bytes returns the 4KiB slice of simulated physical memory backing pa.
// This is the package's equivalent of the teacher's direct-map accessor.
func (p *PMM) Bytes(pa Pa_t) []byte {
	r, fi, ok := p.findRegion(pa)
	if !ok {
		panic(fmt.Sprintf("mem: Bytes: unowned address %#x", uintptr(pa)))
	}
	off := int(fi-r.startIdx) * PGSIZE
	return r.data[off : off+PGSIZE]
}

func (p *PMM) frameAt(pa Pa_t) *frameMeta {
	_, fi, ok := p.findRegion(pa)
	if !ok {
		panic(fmt.Sprintf("mem: frameAt: unowned address %#x", uintptr(pa)))
	}
	return &p.frames[fi]
}

func (p *PMM) allocFromZone(z Zone) (Pa_t, bool) {
	zs := p.zones[z]
	zs.lock.Lock()
	fi := zs.freeHead
	if fi == freeSentinel {
		zs.allocFailed++
		zs.lock.Unlock()
		return 0, false
	}
	zs.freeHead = p.frames[fi].next
	zs.free--
	zs.allocCount++
	zs.lock.Unlock()

	p.frames[fi].refcnt = 1
	pa := p.paOf(fi)
	clear(p.Bytes(pa))
	return pa, true
}

func (p *PMM) paOf(fi uint32) Pa_t {
	// binary search region owning this frame index
	i := sort.Search(len(p.regions), func(i int) bool {
		return p.regions[i].startIdx+p.regions[i].nframes > fi
	})
	r := &p.regions[i]
	return Pa_t(r.base + uintptr(fi-r.startIdx)*PGSIZE)
}

// AllocPageZone allocates exactly one zeroed frame from zone z.
func (p *PMM) AllocPageZone(z Zone) (Pa_t, bool) {
	return p.allocFromZone(z)
}

// AllocPage allocates one zeroed frame, preferring Normal, then DMA32, then
// DMA (spec.md §4.1 allocation policy).
func (p *PMM) AllocPage() (Pa_t, bool) {
	for _, z := range []Zone{ZoneNormal, ZoneDMA32, ZoneDMA} {
		if pa, ok := p.allocFromZone(z); ok {
			return pa, true
		}
	}
	return 0, false
}

// AllocFlags allocates one frame honoring DMA/DMA32 placement restrictions.
func (p *PMM) AllocFlags(flags AllocFlags) (Pa_t, bool) {
	var search []Zone
	switch {
	case flags&FlagDMA != 0:
		search = []Zone{ZoneDMA}
	case flags&FlagDMA32 != 0:
		search = []Zone{ZoneDMA32, ZoneDMA}
	default:
		search = []Zone{ZoneNormal, ZoneDMA32, ZoneDMA}
	}
	for _, z := range search {
		if pa, ok := p.allocFromZone(z); ok {
			return pa, true
		}
	}
	return 0, false
}

// AllocPages allocates n physically contiguous frames from zone z. The
// free list is scanned for a contiguous run; this is O(free pages) and is
// accepted per spec.md §4.1 because large contiguous allocations are rare
// and only used at driver init.
func (p *PMM) AllocPages(n int, z Zone) (Pa_t, bool) {
	if n <= 0 {
		return 0, false
	}
	if n == 1 {
		return p.allocFromZone(z)
	}
	zs := p.zones[z]
	zs.lock.Lock()
	defer zs.lock.Unlock()

	// Collect currently-free frame indices for this zone, sorted by
	// address, and look for n consecutive frame indices within one
	// arena region (a contiguous physical run).
	free := map[uint32]bool{}
	for fi := zs.freeHead; fi != freeSentinel; fi = p.frames[fi].next {
		free[fi] = true
	}
	for _, r := range p.regions {
		run := 0
		var runStart uint32
		for fi := r.startIdx; fi < r.startIdx+r.nframes; fi++ {
			if p.frames[fi].zone == z && free[fi] {
				if run == 0 {
					runStart = fi
				}
				run++
				if run == n {
					p.removeFromFreeList(zs, runStart, n)
					zs.free -= n
					zs.allocCount += int64(n)
					pa := p.paOf(runStart)
					for i := 0; i < n; i++ {
						p.frames[runStart+uint32(i)].refcnt = 1
						clear(p.Bytes(p.paOf(runStart + uint32(i))))
					}
					return pa, true
				}
			} else {
				run = 0
			}
		}
	}
	zs.allocFailed++
	return 0, false
}

func (p *PMM) removeFromFreeList(zs *zoneState, start uint32, n int) {
	want := map[uint32]bool{}
	for i := 0; i < n; i++ {
		want[start+uint32(i)] = true
	}
	var newHead uint32 = freeSentinel
	var tail *uint32
	for fi := zs.freeHead; fi != freeSentinel; {
		next := p.frames[fi].next
		if !want[fi] {
			if tail == nil {
				newHead = fi
			} else {
				*tail = fi
			}
			p.frames[fi].next = freeSentinel
			tail = &p.frames[fi].next
		}
		fi = next
	}
	zs.freeHead = newHead
}

// FreePage returns a single frame to its zone's free stack. addr must have
// been allocated by this PMM; a misaligned address is logged and ignored
// per spec.md §4.1.
func (p *PMM) FreePage(pa Pa_t) {
	if uintptr(pa)%PGSIZE != 0 {
		kio.Printk("mem: FreePage: ignoring misaligned address %#x\n", uintptr(pa))
		return
	}
	fm := p.frameAt(pa)
	if atomic.AddInt32(&fm.refcnt, -1) > 0 {
		return
	}
	_, fi, _ := p.findRegion(pa)
	zs := p.zones[fm.zone]
	zs.lock.Lock()
	fm.next = zs.freeHead
	zs.freeHead = fi
	zs.free++
	zs.freeCount++
	zs.lock.Unlock()
}

// FreePages frees n consecutive frames starting at pa.
func (p *PMM) FreePages(pa Pa_t, n int) {
	for i := 0; i < n; i++ {
		p.FreePage(pa + Pa_t(i*PGSIZE))
	}
}

// Refup increments a frame's reference count. Used when a physical page
// becomes shared between two address spaces (COW fork).
func (p *PMM) Refup(pa Pa_t) {
	atomic.AddInt32(&p.frameAt(pa).refcnt, 1)
}

// IsLowMemory reports whether zone z is at or below its low watermark,
// letting higher layers throttle preemptively. PMM itself never throttles.
func (p *PMM) IsLowMemory(z Zone) bool {
	zs := p.zones[z]
	zs.lock.Lock()
	defer zs.lock.Unlock()
	return zs.free <= zs.watermarkLow
}

// ZoneStats is a point-in-time snapshot of one zone's counters.
type ZoneStats struct {
	Total, Free                          int
	WatermarkMin, WatermarkLow, WatermarkHigh int
	AllocCount, FreeCount, AllocFailed   int64
}

// Stats returns a snapshot for zone z.
func (p *PMM) Stats(z Zone) ZoneStats {
	zs := p.zones[z]
	zs.lock.Lock()
	defer zs.lock.Unlock()
	return ZoneStats{
		Total: zs.total, Free: zs.free,
		WatermarkMin: zs.watermarkMin, WatermarkLow: zs.watermarkLow, WatermarkHigh: zs.watermarkHigh,
		AllocCount: zs.allocCount, FreeCount: zs.freeCount, AllocFailed: zs.allocFailed,
	}
}

// TotalFreePages sums free frames across every zone.
func (p *PMM) TotalFreePages() int {
	total := 0
	for _, z := range []Zone{ZoneDMA, ZoneDMA32, ZoneNormal} {
		total += p.Stats(z).Free
	}
	return total
}
