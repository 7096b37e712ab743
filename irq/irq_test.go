package irq

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDispatchInvokesRegisteredHandler(t *testing.T) {
	c := New()
	fired := false
	c.Register(VecTimer, func() { fired = true })

	c.Dispatch(VecTimer)
	require.True(t, fired)
	require.EqualValues(t, 1, c.Count(VecTimer))
}

func TestDispatchToUnregisteredVectorCountsSpurious(t *testing.T) {
	c := New()
	c.Dispatch(VecDevice0)
	require.EqualValues(t, 1, c.Count(VecDevice0))
	require.EqualValues(t, 1, c.Spurious())
}

func TestUnregisterClearsHandler(t *testing.T) {
	c := New()
	fired := false
	c.Register(VecPageFault, func() { fired = true })
	c.Unregister(VecPageFault)
	c.Dispatch(VecPageFault)
	require.False(t, fired)
	require.EqualValues(t, 1, c.Spurious())
}
