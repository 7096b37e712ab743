package blk

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dnknob/spinix/defs"
)

func ramID(minor int) DevID_t { return DevID_t{Major: 1, Minor: minor} }

func TestWriteThenReadRoundTrips(t *testing.T) {
	d := NewRAMDisk(ramID(0), 16, false)
	data := make([]byte, BSIZE)
	data[0] = 0xAB

	require.Zero(t, Write(d, 3, data))
	got, err := Read(d, 3)
	require.Zero(t, err)
	require.Equal(t, byte(0xAB), got[0])
}

func TestReadOutOfRangeFails(t *testing.T) {
	d := NewRAMDisk(ramID(1), 4, false)
	_, err := Read(d, 100)
	require.Equal(t, defs.EINVAL, err)
}

func TestWriteToReadOnlyDeviceRefusedBeforeDispatch(t *testing.T) {
	d := NewRAMDisk(ramID(2), 4, true)
	data := make([]byte, BSIZE)
	require.Equal(t, defs.EROFS, Write(d, 0, data))
}

func TestRegistryRegisterLookupUnregister(t *testing.T) {
	r := NewRegistry()
	d := NewRAMDisk(ramID(3), 1, false)
	require.Zero(t, r.Register("sda", d))
	require.Equal(t, defs.EEXIST, r.Register("sda", d))

	got, ok := r.Lookup("sda")
	require.True(t, ok)
	require.Equal(t, Device_i(d), got)

	byID, ok := r.LookupID(ramID(3))
	require.True(t, ok)
	require.Equal(t, Device_i(d), byID)

	r.Unregister("sda")
	_, ok = r.Lookup("sda")
	require.False(t, ok)
	_, ok = r.LookupID(ramID(3))
	require.False(t, ok)
}

func TestRegisterRefusesDuplicateID(t *testing.T) {
	r := NewRegistry()
	id := ramID(4)
	require.Zero(t, r.Register("sda", NewRAMDisk(id, 1, false)))
	require.Equal(t, defs.EEXIST, r.Register("sdb", NewRAMDisk(id, 1, false)))
}

func TestOpenCloseLifecycleHooksFireOnFirstAndLast(t *testing.T) {
	r := NewRegistry()
	d := NewRAMDisk(ramID(5), 1, false)
	require.Zero(t, r.Register("sda", d))

	require.Zero(t, r.Open("sda"))
	require.Zero(t, r.Open("sda"))
	require.Contains(t, d.Stats(), "1 opens")

	require.Zero(t, r.Close("sda"))
	require.Zero(t, r.Close("sda"))
	require.Equal(t, defs.EINVAL, r.Close("sda"))
}

func TestIoctlForwardsToDriver(t *testing.T) {
	d := NewRAMDisk(ramID(6), 1, false)
	_, err := Ioctl(d, 0, 0)
	require.Equal(t, defs.ENOTTY, err)
}

func TestFlushAcksImmediately(t *testing.T) {
	d := NewRAMDisk(ramID(7), 1, false)
	require.Zero(t, Flush(d))
}

func TestSubmitReportsENODEVOnRefusal(t *testing.T) {
	refusing := refusingDevice{}
	req := NewRequest(CmdRead, 0, make([]byte, BSIZE), true)
	err := Submit(refusing, req)
	require.Equal(t, defs.ENODEV, err)
}

type refusingDevice struct{}

func (refusingDevice) ID() DevID_t       { return DevID_t{Major: 9, Minor: 9} }
func (refusingDevice) BlockSize() int    { return BSIZE }
func (refusingDevice) NumBlocks() int64  { return 1 }
func (refusingDevice) ReadOnly() bool    { return false }
func (refusingDevice) Removable() bool   { return false }
func (refusingDevice) Open() defs.Err_t  { return 0 }
func (refusingDevice) Close() defs.Err_t { return 0 }
func (refusingDevice) Ioctl(cmd int, arg uintptr) (int, defs.Err_t) {
	return 0, defs.ENOTTY
}
func (refusingDevice) Start(req *Request_t) bool { return false }
func (refusingDevice) Stats() string             { return "refusing" }
