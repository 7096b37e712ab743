package paging

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dnknob/spinix/mem"
)

func newPaging(t *testing.T) (*Paging, *mem.PMM) {
	t.Helper()
	pmm := mem.NewPMM([]mem.Region{{Base: 1 << 20, Length: 64 << 20, Type: mem.Usable}})
	return New(pmm), pmm
}

func TestMapAndUnmap(t *testing.T) {
	p, pmm := newPaging(t)
	ctx := p.CreateContext()
	pa, ok := pmm.AllocPage()
	require.True(t, ok)
	va := VA(0x1000)

	require.Zero(t, p.MapPage(ctx, va, pa, Present|Writable))
	got, ok := p.VirtToPhys(ctx, va)
	require.True(t, ok)
	require.Equal(t, pa, got)

	require.Zero(t, p.UnmapPage(ctx, va))
	require.False(t, p.IsMapped(ctx, va))
}

func TestCowBreakYieldsDistinctFrame(t *testing.T) {
	p, pmm := newPaging(t)
	ctx := p.CreateContext()
	pa, _ := pmm.AllocPage()
	va := VA(0x2000)
	require.Zero(t, p.MapPage(ctx, va, pa, Present|Writable))
	require.Zero(t, p.MarkCow(ctx, va))
	require.True(t, p.IsCowPage(ctx, va))

	require.Zero(t, p.BreakCow(ctx, va))
	require.False(t, p.IsCowPage(ctx, va))
	newpa, _ := p.VirtToPhys(ctx, va)
	require.NotEqual(t, pa, newpa)
}

func TestCloneSharesUpperHalf(t *testing.T) {
	p, _ := newPaging(t)
	child := p.CloneContext(p.Kernel)
	kt := p.tableAt(p.Kernel.PML4)
	ct := p.tableAt(child.PML4)
	for i := halfway; i < entries; i++ {
		require.Equal(t, kt.get(i), ct.get(i))
	}
	for i := 0; i < halfway; i++ {
		require.Zero(t, ct.get(i))
	}
}

func TestMisalignedMapFails(t *testing.T) {
	p, pmm := newPaging(t)
	ctx := p.CreateContext()
	pa, _ := pmm.AllocPage()
	require.NotZero(t, p.MapPage(ctx, VA(0x1001), pa, Present))
}
