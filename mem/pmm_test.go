package mem

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func testMap() []Region {
	return []Region{{Base: 1 << 20, Length: 127 << 20, Type: Usable}}
}

func TestAllocIsZeroedAndOwned(t *testing.T) {
	p := NewPMM(testMap())
	pa, ok := p.AllocPage()
	require.True(t, ok)
	b := p.Bytes(pa)
	for _, v := range b {
		require.Zero(t, v)
	}
	b[0] = 0xAB
	require.Equal(t, byte(0xAB), p.Bytes(pa)[0])
}

func TestFreeTotalsConserved(t *testing.T) {
	p := NewPMM(testMap())
	z := ZoneDMA32
	before := p.Stats(z)
	var pages []Pa_t
	for i := 0; i < 64; i++ {
		pa, ok := p.AllocPageZone(z)
		require.True(t, ok)
		pages = append(pages, pa)
	}
	mid := p.Stats(z)
	require.Equal(t, before.Free-64, mid.Free)
	require.Equal(t, before.Total, mid.Total)
	for _, pa := range pages {
		p.FreePage(pa)
	}
	after := p.Stats(z)
	require.Equal(t, before.Free, after.Free)
}

func TestZoneExhaustionIncrementsAllocFailed(t *testing.T) {
	p := NewPMM([]Region{{Base: 1 << 20, Length: 2 * PGSIZE, Type: Usable}})
	_, ok := p.AllocPage()
	require.True(t, ok)
	_, ok = p.AllocPage()
	require.True(t, ok)
	before := p.Stats(ZoneDMA).AllocFailed
	_, ok = p.AllocPage()
	require.False(t, ok)
	require.Greater(t, p.Stats(ZoneDMA).AllocFailed, before)
}

func TestAllocPagesContiguous(t *testing.T) {
	p := NewPMM(testMap())
	pa, ok := p.AllocPages(8, ZoneDMA32)
	require.True(t, ok)
	for i := 0; i < 8; i++ {
		require.Equal(t, int32(1), p.frameAt(pa+Pa_t(i*PGSIZE)).refcnt)
	}
	p.FreePages(pa, 8)
}

func TestNoDoubleAllocationOfSameFrame(t *testing.T) {
	p := NewPMM(testMap())
	seen := map[Pa_t]bool{}
	var pages []Pa_t
	for i := 0; i < 100; i++ {
		pa, ok := p.AllocPage()
		require.True(t, ok)
		require.False(t, seen[pa])
		seen[pa] = true
		pages = append(pages, pa)
	}
	for _, pa := range pages {
		p.FreePage(pa)
	}
}
