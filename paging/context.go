package paging

import (
	"github.com/dnknob/spinix/defs"
)

const halfway = 256 // PML4 index splitting user (low) from kernel (high) halves

// CreateContext allocates a fresh address space: a new PML4 whose upper
// half is shared by reference with the kernel context and whose lower
// half is empty.
func (p *Paging) CreateContext() *Context {
	return p.CloneContext(p.Kernel)
}

// CloneContext builds a new Context sharing src's upper half (kernel
// mappings) with an empty lower half, per spec.md §4.2.
func (p *Paging) CloneContext(src *Context) *Context {
	pml4, ok := p.pmm.AllocPage()
	if !ok {
		panic("paging: out of memory creating address space")
	}
	newTable := p.tableAt(pml4)
	srcTable := p.tableAt(src.PML4)
	for i := halfway; i < entries; i++ {
		newTable.set(i, srcTable.get(i))
	}
	return &Context{PML4: pml4}
}

// DestroyContext frees every present lower-half leaf and intermediate
// table, then the PML4 itself. Upper-half (kernel) entries are never
// freed since they are shared.
func (p *Paging) DestroyContext(ctx *Context) {
	pml4 := p.tableAt(ctx.PML4)
	for i4 := 0; i4 < halfway; i4++ {
		e4 := pml4.get(i4)
		if e4&Present == 0 {
			continue
		}
		pdpt := p.tableAt(e4.addr())
		for i3 := 0; i3 < entries; i3++ {
			e3 := pdpt.get(i3)
			if e3&Present == 0 {
				continue
			}
			if e3&Huge != 0 {
				p.pmm.FreePage(e3.addr())
				continue
			}
			pd := p.tableAt(e3.addr())
			for i2 := 0; i2 < entries; i2++ {
				e2 := pd.get(i2)
				if e2&Present == 0 {
					continue
				}
				if e2&Huge != 0 {
					p.pmm.FreePage(e2.addr())
					continue
				}
				pt := p.tableAt(e2.addr())
				for i1 := 0; i1 < entries; i1++ {
					e1 := pt.get(i1)
					if e1&Present != 0 {
						p.pmm.FreePage(e1.addr())
					}
				}
				p.pmm.FreePage(e2.addr())
			}
			p.pmm.FreePage(e3.addr())
		}
		p.pmm.FreePage(e4.addr())
	}
	p.pmm.FreePage(ctx.PML4)
}

// current tracks, per simulated CPU, which Context is loaded. This
// process is uniprocessor-logical (spec.md §1 NON-GOALS), so a single
// package-level pointer models "the currently loaded page table".
var currentCtx *Context

// SwitchContext installs ctx as the active address space and performs a
// full TLB flush, exactly as a real CR3 write implicitly would.
func (p *Paging) SwitchContext(ctx *Context) {
	currentCtx = ctx
	ctx.flushCount++
}

// CopyRange copies a VA range of size bytes from src's address space into
// dst's, used by fork. When cow is true, both sides' pages are marked
// copy-on-write and the physical frame's refcount is bumped instead of
// copying bytes; when false, PHYS-backed ranges are simply mapped into
// dst pointing at the same frames (ineligible for COW).
func (p *Paging) CopyRange(dst, src *Context, va VA, size int, cow bool) defs.Err_t {
	n := (size + PGSIZE - 1) / PGSIZE
	for i := 0; i < n; i++ {
		cva := va + VA(i*PGSIZE)
		pa, ok := p.VirtToPhys(src, cva)
		if !ok {
			continue
		}
		flags, _ := p.GetFlags(src, cva)
		if cow {
			flags = (flags &^ Writable) | AVAIL1
			if err := p.ChangeFlags(src, cva, flags); err != 0 {
				return err
			}
		}
		if err := p.MapPage(dst, cva, pa, flags); err != 0 {
			return err
		}
		if cow {
			// the frame now has two mapped owners (src and dst); bump
			// its refcount so FreePage on either side alone does not
			// return it to the zone free list.
			p.pmm.Refup(pa)
		}
	}
	return 0
}
