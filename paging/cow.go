package paging

import (
	"github.com/dnknob/spinix/defs"
)

// MarkCow clears the writable bit and sets AVAIL1 on va's mapping,
// marking it copy-on-write (spec.md §4.2 "COW marking").
func (p *Paging) MarkCow(ctx *Context, va VA) defs.Err_t {
	f, ok := p.GetFlags(ctx, va)
	if !ok {
		return defs.EINVAL
	}
	return p.ChangeFlags(ctx, va, (f&^Writable)|AVAIL1)
}

// MarkCowRange applies MarkCow over n consecutive pages.
func (p *Paging) MarkCowRange(ctx *Context, va VA, n int) defs.Err_t {
	for i := 0; i < n; i++ {
		if err := p.MarkCow(ctx, va+VA(i*PGSIZE)); err != 0 {
			return err
		}
	}
	return 0
}

// IsCowPage reports whether va's mapping carries the COW marker.
func (p *Paging) IsCowPage(ctx *Context, va VA) bool {
	f, ok := p.GetFlags(ctx, va)
	return ok && f&AVAIL1 != 0
}

// BreakCow allocates a fresh frame, copies the old page's 4KiB contents
// into it, installs it writable in place of the shared page, clears the
// COW marker, and invalidates the stale TLB entry.
func (p *Paging) BreakCow(ctx *Context, va VA) defs.Err_t {
	pt, l1, ok := p.walk(ctx, va, false)
	if !ok {
		return defs.EINVAL
	}
	e := pt.get(l1)
	if e&Present == 0 || e&AVAIL1 == 0 {
		return defs.EINVAL
	}
	oldpa := e.addr()
	newpa, ok := p.pmm.AllocPage()
	if !ok {
		return defs.ENOMEM
	}
	copy(p.pmm.Bytes(newpa), p.pmm.Bytes(oldpa))

	newFlags := (e & flagMask &^ AVAIL1) | Writable | Present
	pt.set(l1, mkEntry(newpa, newFlags))
	p.pmm.FreePage(oldpa) // drops this mapping's share of the old frame
	p.InvalidatePage(ctx, va)
	return 0
}

// FaultCode is the decoded CPU page-fault error code (spec.md §4.2).
type FaultCode struct {
	Present  bool
	Write    bool
	User     bool
	Reserved bool
	Exec     bool
}

// ParseFaultCode decodes the raw CPU error code bits into a FaultCode.
func ParseFaultCode(raw uintptr) FaultCode {
	return FaultCode{
		Present:  raw&1 != 0,
		Write:    raw&2 != 0,
		User:     raw&4 != 0,
		Reserved: raw&8 != 0,
		Exec:     raw&16 != 0,
	}
}

// HandlePageFault implements the MMU's narrow slice of the fault handler:
// if the fault is a write to a present COW page, break COW and succeed;
// otherwise the caller (vmm's fault dispatcher) must decide what to do.
func (p *Paging) HandlePageFault(ctx *Context, fault VA, code FaultCode) defs.Err_t {
	va := fault &^ pgoffset
	if code.Present && code.Write && p.IsCowPage(ctx, va) {
		return p.BreakCow(ctx, va)
	}
	return defs.EFAULT
}
