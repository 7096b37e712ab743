package boot_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dnknob/spinix/boot"
	"github.com/dnknob/spinix/mem"
)

func testMemMap() []mem.Region {
	return []mem.Region{
		{Base: 0, Length: 16 * 1024 * 1024, Type: mem.Usable},
	}
}

func TestValidateRejectsEmptyMemMap(t *testing.T) {
	cfg := boot.Default()
	err := cfg.Validate()
	require.Error(t, err)
}

func TestValidateRejectsMissingRootDevice(t *testing.T) {
	cfg := boot.Default()
	cfg.MemMap = testMemMap()
	cfg.RootDevice = ""
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsZeroLengthRegion(t *testing.T) {
	cfg := boot.Default()
	cfg.MemMap = []mem.Region{{Base: 0, Length: 0, Type: mem.Usable}}
	require.Error(t, cfg.Validate())
}

func TestValidateAcceptsWellFormedConfig(t *testing.T) {
	cfg := boot.Default()
	cfg.MemMap = testMemMap()
	require.NoError(t, cfg.Validate())
}

func TestBringBringsUpEverySubsystem(t *testing.T) {
	cfg := boot.Default()
	cfg.MemMap = testMemMap()

	k, err := boot.Bring(context.Background(), cfg)
	require.NoError(t, err)
	require.NotNil(t, k.PMM)
	require.NotNil(t, k.Paging)
	require.NotNil(t, k.Sched)
	require.NotNil(t, k.Heap)
	require.NotNil(t, k.Blk)
	require.NotNil(t, k.BCache)
	require.NotNil(t, k.VFS)
	require.NotNil(t, k.Init)

	_, ok := k.Blk.Lookup(cfg.RootDevice)
	require.True(t, ok)
}

func TestBringFailsFastOnInvalidConfig(t *testing.T) {
	cfg := boot.Default()
	_, err := boot.Bring(context.Background(), cfg)
	require.Error(t, err)
}
