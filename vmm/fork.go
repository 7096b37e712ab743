package vmm

import (
	"github.com/dnknob/spinix/defs"
	"github.com/dnknob/spinix/paging"
)

// Fork creates a child address space, then for every ANON VMA clones its
// mappings into the child with COW semantics (write-protecting both
// sides); PHYS VMAs are installed in the child as shared, non-COW mappings
// (spec.md §4.3 fork_space).
func (as *AddressSpace) Fork() (*AddressSpace, defs.Err_t) {
	as.lock.Lock()
	defer as.lock.Unlock()

	child := &AddressSpace{
		paging:     as.paging,
		Ctx:        as.paging.CloneContext(as.Ctx),
		kernelBase: as.kernelBase,
	}

	for _, v := range as.areas {
		nv := &VMA{Start: v.Start, End: v.End, Prot: v.Prot, Backing: v.Backing, Alloc: v.Alloc, Phys: v.Phys}
		switch v.Backing {
		case Anon:
			if err := as.paging.CopyRange(child.Ctx, as.Ctx, v.Start, v.size(), true); err != 0 {
				return nil, err
			}
			nv.Alloc |= Cow
			nv.mappedSize = v.mappedSize
			child.MappedSize += int64(v.mappedSize)
		case Phys:
			n := v.size() / paging.PGSIZE
			if err := as.paging.MapRange(child.Ctx, v.Start, v.Phys, n, v.Prot.pteFlags()|paging.Present); err != 0 {
				return nil, err
			}
			nv.mappedSize = v.size()
			child.MappedSize += int64(v.size())
		}
		child.insertLocked(nv)
	}
	return child, 0
}
