// Package vmm implements the virtual memory manager: per-address-space
// region bookkeeping on top of paging, and the lazy/COW page-fault
// dispatcher (spec.md §3.3, §4.3).
package vmm

import (
	"sort"

	"github.com/dnknob/spinix/defs"
	"github.com/dnknob/spinix/mem"
	"github.com/dnknob/spinix/paging"
	"github.com/dnknob/spinix/spinlock"
)

// Backing classifies where a VMA's pages come from.
type Backing int

const (
	Anon Backing = iota
	Phys
	File
	Shared
)

// AllocFlags controls how a VMA's pages are populated.
type AllocFlags int

const (
	Lazy AllocFlags = 1 << iota
	Zero
	Cow
)

// Prot is the VMA's protection/attribute bit set.
type Prot int

const (
	Read Prot = 1 << iota
	Write
	Exec
	User
	CacheDisable
)

func (p Prot) pteFlags() paging.Flags {
	var f paging.Flags
	if p&Write != 0 {
		f |= paging.Writable
	}
	if p&User != 0 {
		f |= paging.User
	}
	if p&CacheDisable != 0 {
		f |= paging.CacheDisable
	}
	if p&Exec == 0 {
		f |= paging.NX
	}
	return f
}

// VMA is a half-open, page-aligned virtual range with uniform attributes.
type VMA struct {
	Start, End paging.VA
	Prot       Prot
	Backing    Backing
	Alloc      AllocFlags
	Phys       mem.Pa_t // valid when Backing == Phys

	mappedSize int
}

func (v *VMA) contains(va paging.VA) bool { return va >= v.Start && va < v.End }
func (v *VMA) size() int                  { return int(v.End - v.Start) }

// Address space layout limits (spec.md §4.3).
const (
	UserLow  = paging.VA(0x1000)
	UserHigh = paging.VA(0x7FFFFFFFF000)
)

// AddressSpace owns a sorted, non-overlapping VMA list and the MMU
// context backing it.
type AddressSpace struct {
	lock spinlock.IRQLock

	paging *paging.Paging
	Ctx    *paging.Context
	areas  []*VMA // sorted by Start

	LazyAllocations   int64
	CowFaultsHandled  int64
	MappedSize        int64

	kernelBase paging.VA // lowest address AllocRegion may hand out for kernel regions
}

// New creates an address space with an empty VMA list and a fresh MMU
// context.
func New(p *paging.Paging, kernelBase paging.VA) *AddressSpace {
	return &AddressSpace{paging: p, Ctx: p.CreateContext(), kernelBase: kernelBase}
}

// FindArea returns the VMA enclosing va, if any.
func (as *AddressSpace) FindArea(va paging.VA) (*VMA, bool) {
	as.lock.Lock()
	defer as.lock.Unlock()
	return as.findAreaLocked(va)
}

func (as *AddressSpace) findAreaLocked(va paging.VA) (*VMA, bool) {
	i := sort.Search(len(as.areas), func(i int) bool { return as.areas[i].End > va })
	if i < len(as.areas) && as.areas[i].contains(va) {
		return as.areas[i], true
	}
	return nil, false
}

func (as *AddressSpace) overlaps(start, end paging.VA) bool {
	i := sort.Search(len(as.areas), func(i int) bool { return as.areas[i].End > start })
	return i < len(as.areas) && as.areas[i].Start < end
}

func (as *AddressSpace) insertLocked(v *VMA) {
	i := sort.Search(len(as.areas), func(i int) bool { return as.areas[i].Start >= v.Start })
	as.areas = append(as.areas, nil)
	copy(as.areas[i+1:], as.areas[i:])
	as.areas[i] = v
}

func (as *AddressSpace) removeLocked(v *VMA) {
	for i, a := range as.areas {
		if a == v {
			as.areas = append(as.areas[:i], as.areas[i+1:]...)
			return
		}
	}
}

func pageRound(n int) int { return (n + paging.PGSIZE - 1) &^ (paging.PGSIZE - 1) }

// MapRegion inserts a new VMA covering [va, va+size). PHYS regions are
// mapped eagerly; ANON regions are mapped eagerly unless Lazy is set.
// Overlap with an existing VMA is an error.
func (as *AddressSpace) MapRegion(va paging.VA, size int, prot Prot, backing Backing, flags AllocFlags, phys mem.Pa_t) defs.Err_t {
	size = pageRound(size)
	end := va + paging.VA(size)

	as.lock.Lock()
	defer as.lock.Unlock()
	if as.overlaps(va, end) {
		return defs.EINVAL
	}
	v := &VMA{Start: va, End: end, Prot: prot, Backing: backing, Alloc: flags, Phys: phys}
	as.insertLocked(v)

	switch backing {
	case Phys:
		n := size / paging.PGSIZE
		if err := as.paging.MapRange(as.Ctx, va, phys, n, prot.pteFlags()|paging.Present); err != 0 {
			as.removeLocked(v)
			return err
		}
		v.mappedSize = size
		as.MappedSize += int64(size)
	case Anon:
		if flags&Lazy == 0 {
			if err := as.eagerFillAnon(v); err != 0 {
				as.removeLocked(v)
				return err
			}
		}
	}
	return 0
}

func (as *AddressSpace) eagerFillAnon(v *VMA) defs.Err_t {
	n := v.size() / paging.PGSIZE
	pmm := as.pmm()
	for i := 0; i < n; i++ {
		pa, ok := pmm.AllocPage()
		if !ok {
			return defs.ENOMEM
		}
		va := v.Start + paging.VA(i*paging.PGSIZE)
		if err := as.paging.MapPage(as.Ctx, va, pa, v.Prot.pteFlags()|paging.Present); err != 0 {
			pmm.FreePage(pa)
			return err
		}
		v.mappedSize += paging.PGSIZE
		as.MappedSize += paging.PGSIZE
	}
	return 0
}

func (as *AddressSpace) pmm() *mem.PMM { return as.paging.PMM() }

// UnmapRegion removes the VMA covering exactly [va, va+size). Partial
// unmap is not supported; callers must SplitRegion first. Freeing an ANON
// VMA returns every mapped frame to the PMM.
func (as *AddressSpace) UnmapRegion(va paging.VA, size int) defs.Err_t {
	size = pageRound(size)
	as.lock.Lock()
	defer as.lock.Unlock()

	v, ok := as.findAreaLocked(va)
	if !ok || v.Start != va || v.size() != size {
		return defs.EINVAL
	}
	if v.Backing == Anon {
		n := v.size() / paging.PGSIZE
		for i := 0; i < n; i++ {
			cva := v.Start + paging.VA(i*paging.PGSIZE)
			if pa, ok := as.paging.VirtToPhys(as.Ctx, cva); ok {
				as.paging.UnmapPage(as.Ctx, cva)
				as.pmm().FreePage(pa)
			}
		}
	} else {
		n := v.size() / paging.PGSIZE
		for i := 0; i < n; i++ {
			as.paging.UnmapPage(as.Ctx, v.Start+paging.VA(i*paging.PGSIZE))
		}
	}
	as.MappedSize -= int64(v.mappedSize)
	as.removeLocked(v)
	return 0
}

// SplitRegion splits the VMA covering va into two VMAs at splitPoint
// (which must fall strictly inside it), so a subsequent UnmapRegion can
// target one half exactly.
func (as *AddressSpace) SplitRegion(splitPoint paging.VA) defs.Err_t {
	as.lock.Lock()
	defer as.lock.Unlock()
	v, ok := as.findAreaLocked(splitPoint)
	if !ok || splitPoint <= v.Start || splitPoint >= v.End {
		return defs.EINVAL
	}
	second := &VMA{Start: splitPoint, End: v.End, Prot: v.Prot, Backing: v.Backing, Alloc: v.Alloc, Phys: v.Phys}
	if v.Backing == Phys {
		second.Phys = v.Phys + mem.Pa_t(splitPoint-v.Start)
	}
	v.End = splitPoint
	as.insertLocked(second)
	return 0
}

// AllocRegion finds the first gap >= size in [UserLow, UserHigh) (or above
// kernelBase for kernel address spaces) and maps an ANON region there.
func (as *AddressSpace) AllocRegion(size int, prot Prot, flags AllocFlags) (paging.VA, defs.Err_t) {
	size = pageRound(size)
	lo, hi := UserLow, UserHigh
	if as.kernelBase != 0 {
		lo, hi = as.kernelBase, paging.VA(1)<<47
	}

	as.lock.Lock()
	cursor := lo
	var found paging.VA
	ok := false
	for _, v := range as.areas {
		if v.Start < lo {
			continue
		}
		if v.Start-cursor >= paging.VA(size) {
			found, ok = cursor, true
			break
		}
		if v.End > cursor {
			cursor = v.End
		}
	}
	if !ok && hi-cursor >= paging.VA(size) {
		found, ok = cursor, true
	}
	as.lock.Unlock()

	if !ok {
		return 0, defs.ENOMEM
	}
	if err := as.MapRegion(found, size, prot, Anon, flags, 0); err != 0 {
		return 0, err
	}
	return found, 0
}

// ProtectRegion changes the protection bits of the VMA exactly matching
// [va, va+size).
func (as *AddressSpace) ProtectRegion(va paging.VA, size int, prot Prot) defs.Err_t {
	size = pageRound(size)
	as.lock.Lock()
	defer as.lock.Unlock()
	v, ok := as.findAreaLocked(va)
	if !ok || v.Start != va || v.size() != size {
		return defs.EINVAL
	}
	n := size / paging.PGSIZE
	if err := as.paging.ChangeFlagsRange(as.Ctx, va, n, prot.pteFlags()|paging.Present); err != 0 {
		return err
	}
	v.Prot = prot
	return 0
}

// MarkCowRegion marks every present page of the VMA exactly matching
// [va, va+size) copy-on-write.
func (as *AddressSpace) MarkCowRegion(va paging.VA, size int) defs.Err_t {
	size = pageRound(size)
	as.lock.Lock()
	defer as.lock.Unlock()
	v, ok := as.findAreaLocked(va)
	if !ok || v.Start != va || v.size() != size {
		return defs.EINVAL
	}
	n := size / paging.PGSIZE
	for i := 0; i < n; i++ {
		pva := va + paging.VA(i*paging.PGSIZE)
		if !as.paging.IsMapped(as.Ctx, pva) {
			continue
		}
		if err := as.paging.MarkCow(as.Ctx, pva); err != 0 {
			return err
		}
	}
	return 0
}
