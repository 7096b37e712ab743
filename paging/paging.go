// Package paging implements the MMU layer: a four-level radix page table
// (PML4 → PDPT → PD → PT), opportunistic huge-page mappings, copy-on-write
// bookkeeping, and TLB-invalidation accounting (spec.md §4.2). Every
// intermediate and leaf table is a 4KiB frame owned by mem.PMM; this
// package never allocates memory any other way.
package paging

import (
	"unsafe"

	"github.com/dnknob/spinix/defs"
	"github.com/dnknob/spinix/mem"
)

// VA is a virtual address.
type VA uintptr

const (
	pgshift  = 12
	PGSIZE   = 1 << pgshift
	pgoffset = VA(PGSIZE - 1)
	entries  = 512

	// HugePD is the size of a huge page mapped at the PD level.
	HugePD = 2 << 20
	// HugePDPT is the size of a huge page mapped at the PDPT level.
	HugePDPT = 1 << 30
)

// Flags encodes the PTE bits a caller may request or inspect, matching
// spec.md §3.2's bit list plus the repurposed AVAILABLE bit for COW.
type Flags uint64

const (
	Present      Flags = 1 << 0
	Writable     Flags = 1 << 1
	User         Flags = 1 << 2
	WriteThrough Flags = 1 << 3
	CacheDisable Flags = 1 << 4
	Accessed     Flags = 1 << 5
	Dirty        Flags = 1 << 6
	Huge         Flags = 1 << 7
	Global       Flags = 1 << 8
	// AVAIL1 is the single software-available bit repurposed as the COW
	// marker, per spec.md §3.2/§4.2.
	AVAIL1 Flags = 1 << 9
	NX     Flags = 1 << 63

	addrMask = Flags(0x000f_ffff_ffff_f000)
	flagMask = ^addrMask
)

func mkEntry(pa mem.Pa_t, f Flags) Flags {
	return Flags(pa)&addrMask | (f & flagMask)
}

func (f Flags) addr() mem.Pa_t { return mem.Pa_t(f & addrMask) }

// table views a physical frame as 512 raw page-table entries.
type table struct {
	raw []uint64
}

func (p *Paging) tableAt(pa mem.Pa_t) table {
	b := p.pmm.Bytes(pa)
	return table{raw: (*[entries]uint64)(unsafe.Pointer(&b[0]))[:]}
}

func (t table) get(i int) Flags    { return Flags(t.raw[i]) }
func (t table) set(i int, f Flags) { t.raw[i] = uint64(f) }

// indices splits a virtual address into its four radix-tree indices.
func indices(va VA) (l4, l3, l2, l1 int) {
	v := uint64(va)
	l4 = int((v >> 39) & 0x1ff)
	l3 = int((v >> 30) & 0x1ff)
	l2 = int((v >> 21) & 0x1ff)
	l1 = int((v >> 12) & 0x1ff)
	return
}

// Context owns one PML4 frame. The upper half (indices 256-511) is shared
// by reference with the kernel context; the lower half is process-private.
type Context struct {
	PML4 mem.Pa_t

	invlpgCount int64
	flushCount  int64
}

// Paging is the MMU singleton. It owns no page tables itself (those belong
// to Contexts) but holds the physical allocator used to build them and the
// kernel context every new Context's upper half is shared from.
type Paging struct {
	pmm    *mem.PMM
	Kernel *Context
}

// PMM returns the physical allocator backing this MMU, so higher layers
// (vmm's fault dispatcher, heap) can allocate/free frames without holding
// their own reference.
func (p *Paging) PMM() *mem.PMM { return p.pmm }

// New constructs the MMU atop pmm and creates the kernel's own context: an
// otherwise-empty address space whose upper half every later Context will
// share by reference.
func New(pmm *mem.PMM) *Paging {
	p := &Paging{pmm: pmm}
	pml4, ok := pmm.AllocPage()
	if !ok {
		panic("paging: cannot allocate kernel PML4")
	}
	p.Kernel = &Context{PML4: pml4}
	return p
}

// walk descends the radix tree for va, allocating missing intermediate
// tables when create is true. Intermediate entries are written with
// {present, writable}; the NX bit is explicitly cleared on intermediates so
// deeper pages may host executable leaves, per spec.md §4.2.
func (p *Paging) walk(ctx *Context, va VA, create bool) (table, int, bool) {
	l4, l3, l2, l1 := indices(va)
	cur := p.tableAt(ctx.PML4)

	descend := func(t table, idx int) (table, bool) {
		e := t.get(idx)
		if e&Present == 0 {
			if !create {
				return table{}, false
			}
			pa, ok := p.pmm.AllocPage()
			if !ok {
				return table{}, false
			}
			t.set(idx, mkEntry(pa, Present|Writable))
			return p.tableAt(pa), true
		}
		// Clear NX on the intermediate entry so a deeper executable leaf
		// is not blocked by an inherited NX bit from a stale mapping.
		if e&NX != 0 {
			t.set(idx, e&^NX)
		}
		return p.tableAt(e.addr()), true
	}

	var ok bool
	cur, ok = descend(cur, l4)
	if !ok {
		return table{}, 0, false
	}
	cur, ok = descend(cur, l3)
	if !ok {
		return table{}, 0, false
	}
	cur, ok = descend(cur, l2)
	if !ok {
		return table{}, 0, false
	}
	_ = l1
	return cur, l1, true
}

// MapPage installs a single 4KiB mapping va→pa in ctx with the given
// flags. It fails if an intermediate table could not be allocated, va is
// misaligned, or va is already mapped to a different target.
func (p *Paging) MapPage(ctx *Context, va VA, pa mem.Pa_t, flags Flags) defs.Err_t {
	if uintptr(va)%PGSIZE != 0 || uintptr(pa)%PGSIZE != 0 {
		return defs.EINVAL
	}
	pt, l1, ok := p.walk(ctx, va, true)
	if !ok {
		return defs.ENOMEM
	}
	if e := pt.get(l1); e&Present != 0 && e.addr() != pa {
		return defs.EINVAL
	}
	pt.set(l1, mkEntry(pa, flags|Present))
	return 0
}

// UnmapPage removes the mapping for va. Unmapping a non-present page is a
// no-op that reports failure, per spec.md §4.2.
func (p *Paging) UnmapPage(ctx *Context, va VA) defs.Err_t {
	pt, l1, ok := p.walk(ctx, va, false)
	if !ok {
		return defs.EINVAL
	}
	if pt.get(l1)&Present == 0 {
		return defs.EINVAL
	}
	pt.set(l1, 0)
	p.InvalidatePage(ctx, va)
	return 0
}

// MapRange maps n consecutive 4KiB pages starting at va to pa.
func (p *Paging) MapRange(ctx *Context, va VA, pa mem.Pa_t, n int, flags Flags) defs.Err_t {
	for i := 0; i < n; i++ {
		off := VA(i * PGSIZE)
		if err := p.MapPage(ctx, va+off, pa+mem.Pa_t(i*PGSIZE), flags); err != 0 {
			return err
		}
	}
	return 0
}

// MapHugePage installs one huge leaf mapping (2MiB at the PD level or
// 1GiB at the PDPT level) after checking alignment.
func (p *Paging) MapHugePage(ctx *Context, va VA, pa mem.Pa_t, size int, flags Flags) defs.Err_t {
	if uintptr(va)%uintptr(size) != 0 || uintptr(pa)%uintptr(size) != 0 {
		return defs.EINVAL
	}
	l4, l3, l2, _ := indices(va)
	cur := p.tableAt(ctx.PML4)

	ensure := func(t table, idx int) (table, bool) {
		e := t.get(idx)
		if e&Present == 0 {
			newpa, ok := p.pmm.AllocPage()
			if !ok {
				return table{}, false
			}
			t.set(idx, mkEntry(newpa, Present|Writable))
			return p.tableAt(newpa), true
		}
		return p.tableAt(e.addr()), true
	}

	var ok bool
	cur, ok = ensure(cur, l4)
	if !ok {
		return defs.ENOMEM
	}
	switch size {
	case HugePDPT:
		cur.set(l3, mkEntry(pa, flags|Present|Huge))
		return 0
	case HugePD:
		cur, ok = ensure(cur, l3)
		if !ok {
			return defs.ENOMEM
		}
		cur.set(l2, mkEntry(pa, flags|Present|Huge))
		return 0
	default:
		return defs.EINVAL
	}
}

// MapRangeAuto maps [va, va+size) to a physically contiguous run starting
// at pa, opportunistically using 2MiB/1GiB leaves whenever alignment
// allows, falling back to 4KiB pages otherwise (spec.md §4.2).
func (p *Paging) MapRangeAuto(ctx *Context, va VA, pa mem.Pa_t, size int, flags Flags) defs.Err_t {
	remaining := size
	cva, cpa := va, pa
	for remaining > 0 {
		switch {
		case remaining >= HugePDPT && uintptr(cva)%HugePDPT == 0 && uintptr(cpa)%HugePDPT == 0:
			if err := p.MapHugePage(ctx, cva, cpa, HugePDPT, flags); err != 0 {
				return err
			}
			cva += HugePDPT
			cpa += mem.Pa_t(HugePDPT)
			remaining -= HugePDPT
		case remaining >= HugePD && uintptr(cva)%HugePD == 0 && uintptr(cpa)%HugePD == 0:
			if err := p.MapHugePage(ctx, cva, cpa, HugePD, flags); err != 0 {
				return err
			}
			cva += HugePD
			cpa += mem.Pa_t(HugePD)
			remaining -= HugePD
		default:
			if err := p.MapPage(ctx, cva, cpa, flags); err != 0 {
				return err
			}
			cva += PGSIZE
			cpa += mem.Pa_t(PGSIZE)
			remaining -= PGSIZE
		}
	}
	return 0
}

// VirtToPhys translates va to its mapped physical address.
func (p *Paging) VirtToPhys(ctx *Context, va VA) (mem.Pa_t, bool) {
	pt, l1, ok := p.walk(ctx, va, false)
	if !ok {
		return 0, false
	}
	e := pt.get(l1)
	if e&Present == 0 {
		return 0, false
	}
	return e.addr() + mem.Pa_t(uintptr(va)&uintptr(pgoffset)), true
}

// IsMapped reports whether va has a present leaf mapping in ctx.
func (p *Paging) IsMapped(ctx *Context, va VA) bool {
	pt, l1, ok := p.walk(ctx, va, false)
	return ok && pt.get(l1)&Present != 0
}

// GetFlags returns the flag bits of va's leaf entry.
func (p *Paging) GetFlags(ctx *Context, va VA) (Flags, bool) {
	pt, l1, ok := p.walk(ctx, va, false)
	if !ok {
		return 0, false
	}
	e := pt.get(l1)
	if e&Present == 0 {
		return 0, false
	}
	return e & flagMask, true
}

// ChangeFlags replaces the flag bits (keeping the physical address) of
// va's leaf entry.
func (p *Paging) ChangeFlags(ctx *Context, va VA, flags Flags) defs.Err_t {
	pt, l1, ok := p.walk(ctx, va, false)
	if !ok {
		return defs.EINVAL
	}
	e := pt.get(l1)
	if e&Present == 0 {
		return defs.EINVAL
	}
	pt.set(l1, mkEntry(e.addr(), flags|Present))
	p.InvalidatePage(ctx, va)
	return 0
}

// ChangeFlagsRange applies ChangeFlags over n consecutive pages.
func (p *Paging) ChangeFlagsRange(ctx *Context, va VA, n int, flags Flags) defs.Err_t {
	for i := 0; i < n; i++ {
		if err := p.ChangeFlags(ctx, va+VA(i*PGSIZE), flags); err != 0 {
			return err
		}
	}
	return 0
}

// MakeReadonly clears the writable bit on va's mapping.
func (p *Paging) MakeReadonly(ctx *Context, va VA) defs.Err_t {
	f, ok := p.GetFlags(ctx, va)
	if !ok {
		return defs.EINVAL
	}
	return p.ChangeFlags(ctx, va, f&^Writable)
}

// MakeWritable sets the writable bit on va's mapping.
func (p *Paging) MakeWritable(ctx *Context, va VA) defs.Err_t {
	f, ok := p.GetFlags(ctx, va)
	if !ok {
		return defs.EINVAL
	}
	return p.ChangeFlags(ctx, va, f|Writable)
}
