package bcache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dnknob/spinix/blk"
)

func TestGetMissThenHit(t *testing.T) {
	d := blk.NewRAMDisk(blk.DevID_t{Major: 1, Minor: 8}, 8, false)
	c := New(4, false)

	b1, err := c.Get(d, 0)
	require.Zero(t, err)
	c.Put(b1)
	require.EqualValues(t, 1, c.Stats().Misses)

	b2, err := c.Get(d, 0)
	require.Zero(t, err)
	c.Put(b2)
	require.EqualValues(t, 1, c.Stats().Hits)
	require.Same(t, b1, b2)
}

func TestPinnedBufferSurvivesEviction(t *testing.T) {
	d := blk.NewRAMDisk(blk.DevID_t{Major: 1, Minor: 8}, 8, false)
	c := New(2, false)

	b0, err := c.Get(d, 0)
	require.Zero(t, err)
	// b0 stays pinned; fill the cache past capacity with other blocks.
	for i := int64(1); i <= 3; i++ {
		b, err := c.Get(d, i)
		require.Zero(t, err)
		c.Put(b)
	}

	got, err := c.Get(d, 0)
	require.Zero(t, err)
	require.Same(t, b0, got)
	c.Put(b0)
	c.Put(got)
}

func TestDirtyBufferWrittenBackOnEviction(t *testing.T) {
	d := blk.NewRAMDisk(blk.DevID_t{Major: 1, Minor: 4}, 4, false)
	c := New(1, false)

	b, err := c.Get(d, 0)
	require.Zero(t, err)
	b.Data[0] = 0x42
	c.MarkDirty(b)
	c.Put(b)

	// Force eviction of block 0 by filling the single-slot cache.
	b2, err := c.Get(d, 1)
	require.Zero(t, err)
	c.Put(b2)

	onDisk, err := blk.Read(d, 0)
	require.Zero(t, err)
	require.Equal(t, byte(0x42), onDisk[0])
	require.EqualValues(t, 1, c.Stats().Writebacks)
}

func TestReadaheadWarmsNextBlock(t *testing.T) {
	d := blk.NewRAMDisk(blk.DevID_t{Major: 1, Minor: 8}, 8, false)
	c := New(8, true)

	b, err := c.Get(d, 0)
	require.Zero(t, err)
	c.Put(b)

	require.Eventually(t, func() bool {
		return c.Stats().Entries >= 2
	}, time.Second, time.Millisecond)
}
