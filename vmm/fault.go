package vmm

import (
	"github.com/dnknob/spinix/defs"
	"github.com/dnknob/spinix/paging"
)

// HandleFault is the fault dispatcher (spec.md §4.3), the hardest part of
// the VMM: it locates the enclosing VMA, classifies the fault, and either
// resolves it (COW break, lazy allocation) or reports a protection
// violation.
func (as *AddressSpace) HandleFault(fault paging.VA, code paging.FaultCode) defs.Err_t {
	as.lock.Lock()
	defer as.lock.Unlock()

	v, ok := as.findAreaLocked(fault)
	if !ok {
		return defs.EFAULT
	}
	va := fault &^ (paging.PGSIZE - 1)

	present := as.paging.IsMapped(as.Ctx, va)
	switch {
	case present && code.Write && as.paging.IsCowPage(as.Ctx, va):
		if err := as.paging.BreakCow(as.Ctx, va); err != 0 {
			return err
		}
		as.CowFaultsHandled++
		return 0

	case present:
		// A real protection violation: report which attribute mismatched.
		if code.Write && v.Prot&Write == 0 {
			return defs.EACCES
		}
		if code.Exec && v.Prot&Exec == 0 {
			return defs.EACCES
		}
		if code.User && v.Prot&User == 0 {
			return defs.EACCES
		}
		return defs.EFAULT

	case !present && v.Backing == Anon && v.Alloc&Lazy != 0:
		pa, pok := as.pmm().AllocPage()
		if !pok {
			return defs.ENOMEM
		}
		if err := as.paging.MapPage(as.Ctx, va, pa, v.Prot.pteFlags()|paging.Present); err != 0 {
			as.pmm().FreePage(pa)
			return err
		}
		as.LazyAllocations++
		v.mappedSize += paging.PGSIZE
		as.MappedSize += paging.PGSIZE
		return 0

	default:
		return defs.EFAULT
	}
}
