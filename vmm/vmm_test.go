package vmm

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dnknob/spinix/mem"
	"github.com/dnknob/spinix/paging"
)

func newAS(t *testing.T) *AddressSpace {
	t.Helper()
	pmm := mem.NewPMM([]mem.Region{{Base: 1 << 20, Length: 64 << 20, Type: mem.Usable}})
	pg := paging.New(pmm)
	return New(pg, 0)
}

func TestLazyFaultAllocatesOnce(t *testing.T) {
	as := newAS(t)
	va, err := as.AllocRegion(64*1024, Read|Write|User, Lazy)
	require.Zero(t, err)

	fault := va + 4097
	require.Zero(t, as.HandleFault(fault, paging.FaultCode{Present: false, Write: true, User: true}))
	require.EqualValues(t, 1, as.LazyAllocations)

	// Second access to the same page must not fault again.
	require.True(t, as.paging.IsMapped(as.Ctx, fault&^(paging.PGSIZE-1)))
}

func TestNoOverlappingVMAs(t *testing.T) {
	as := newAS(t)
	va, err := as.AllocRegion(4096, Read|Write|User, 0)
	require.Zero(t, err)
	err = as.MapRegion(va, 4096, Read|Write|User, Anon, 0, 0)
	require.NotZero(t, err)
}

func TestCowForkDistinctFrames(t *testing.T) {
	as := newAS(t)
	va, err := as.AllocRegion(4096, Read|Write|User, 0)
	require.Zero(t, err)
	pa, ok := as.paging.VirtToPhys(as.Ctx, va)
	require.True(t, ok)
	as.paging.PMM().Bytes(pa)[0] = 0xAA

	require.Zero(t, as.MarkCowRegion(va, 4096))
	child, err := as.Fork()
	require.Zero(t, err)

	childPa, _ := child.paging.VirtToPhys(child.Ctx, va)
	require.Equal(t, pa, childPa) // shared until a write

	require.Zero(t, child.HandleFault(va, paging.FaultCode{Present: true, Write: true}))
	require.EqualValues(t, 1, child.CowFaultsHandled)

	newChildPa, _ := child.paging.VirtToPhys(child.Ctx, va)
	require.NotEqual(t, pa, newChildPa)
	require.Equal(t, byte(0xAA), as.paging.PMM().Bytes(pa)[0])
}

func TestAllocRegionFindsGap(t *testing.T) {
	as := newAS(t)
	va, err := as.AllocRegion(4096, Read|Write|User, 0)
	require.Zero(t, err)
	v, ok := as.FindArea(va)
	require.True(t, ok)
	require.Equal(t, va, v.Start)
	require.Equal(t, 4096, v.size())
}
