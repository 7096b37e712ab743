// Package blk implements the block device layer of spec.md §3.8 and
// §4.8: devices identified by a (major, minor) pair, an open/close
// lifecycle with a reference count, and a request object that carries a
// command, a target block, a data buffer, and an acknowledgement channel
// a synchronous caller can block on. Bounds checking and read-only
// enforcement happen once in this generic layer, before a request ever
// reaches a driver's Start.
package blk

import (
	"fmt"
	"sync"

	"github.com/dnknob/spinix/defs"
)

// BSIZE is the fixed block size every device in this layer deals in.
const BSIZE = 4096

// Cmd_t enumerates block device request types.
type Cmd_t int

const (
	CmdRead Cmd_t = iota
	CmdWrite
	CmdFlush
)

// DevID_t is a device's (major, minor) identity, the way /dev nodes are
// named on a real Unix-lineage system.
type DevID_t struct {
	Major int
	Minor int
}

func (id DevID_t) String() string {
	return fmt.Sprintf("%d:%d", id.Major, id.Minor)
}

// Device_i is what a concrete driver (a ramdisk, an AHCI controller)
// implements. Start enqueues req and returns false if it was rejected
// outright (e.g. device gone); an accepted request is always eventually
// acknowledged via req.AckCh. Open/Close bracket the device's first-user
// and last-user lifecycle hooks; Ioctl forwards a driver-specific control
// request.
type Device_i interface {
	ID() DevID_t
	BlockSize() int
	NumBlocks() int64
	ReadOnly() bool
	Removable() bool

	Open() defs.Err_t
	Close() defs.Err_t
	Ioctl(cmd int, arg uintptr) (int, defs.Err_t)

	Start(req *Request_t) bool
	Stats() string
}

// Request_t describes one block I/O request.
type Request_t struct {
	Cmd   Cmd_t
	Block int64
	Data  []byte // len(Data) == BSIZE for CmdRead/CmdWrite
	Sync  bool
	AckCh chan defs.Err_t
}

// NewRequest allocates a request with its acknowledgement channel ready.
func NewRequest(cmd Cmd_t, block int64, data []byte, sync bool) *Request_t {
	return &Request_t{Cmd: cmd, Block: block, Data: data, Sync: sync, AckCh: make(chan defs.Err_t, 1)}
}

// entry tracks one registered device plus its open-reference count, so
// the registry can run Device_i.Open on the first opener and Device_i.Close
// on the last one to leave.
type entry struct {
	dev      Device_i
	openRefs int
}

// Registry maps device names and (major, minor) identities to drivers,
// the way the boot sequence wires up /dev/sda-style names to whatever
// driver claimed them.
type Registry struct {
	mu     sync.Mutex
	byName map[string]*entry
	byID   map[DevID_t]*entry
}

func NewRegistry() *Registry {
	return &Registry{
		byName: make(map[string]*entry),
		byID:   make(map[DevID_t]*entry),
	}
}

// Register adds dev under name, failing with EEXIST if the name or the
// device's (major, minor) identity is already taken.
func (r *Registry) Register(name string, dev Device_i) defs.Err_t {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byName[name]; ok {
		return defs.EEXIST
	}
	if _, ok := r.byID[dev.ID()]; ok {
		return defs.EEXIST
	}
	e := &entry{dev: dev}
	r.byName[name] = e
	r.byID[dev.ID()] = e
	return 0
}

// Unregister removes name from the registry.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byName[name]
	if !ok {
		return
	}
	delete(r.byName, name)
	delete(r.byID, e.dev.ID())
}

// Lookup returns the device registered under name, if any.
func (r *Registry) Lookup(name string) (Device_i, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byName[name]
	if !ok {
		return nil, false
	}
	return e.dev, true
}

// LookupID returns the device registered under the given (major, minor)
// identity, if any.
func (r *Registry) LookupID(id DevID_t) (Device_i, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byID[id]
	if !ok {
		return nil, false
	}
	return e.dev, true
}

// Names returns every registered device name, for diagnostics.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.byName))
	for n := range r.byName {
		names = append(names, n)
	}
	return names
}

// Open bumps name's open-reference count, calling the driver's own Open
// hook the first time the device transitions from zero openers to one.
func (r *Registry) Open(name string) defs.Err_t {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byName[name]
	if !ok {
		return defs.ENODEV
	}
	if e.openRefs == 0 {
		if err := e.dev.Open(); err != 0 {
			return err
		}
	}
	e.openRefs++
	return 0
}

// Close drops name's open-reference count, calling the driver's own
// Close hook once the last opener leaves.
func (r *Registry) Close(name string) defs.Err_t {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byName[name]
	if !ok {
		return defs.ENODEV
	}
	if e.openRefs == 0 {
		return defs.EINVAL
	}
	e.openRefs--
	if e.openRefs == 0 {
		return e.dev.Close()
	}
	return 0
}

// validate applies the generic-layer checks spec.md §4.8 requires before
// any request reaches a driver: the target range must lie within
// NumBlocks, and a write must not target a read-only device.
func validate(dev Device_i, cmd Cmd_t, block int64, data []byte) defs.Err_t {
	if cmd == CmdFlush {
		return 0
	}
	count := int64(1)
	if len(data)%BSIZE != 0 {
		return defs.EINVAL
	}
	if len(data) > BSIZE {
		count = int64(len(data) / BSIZE)
	}
	if block < 0 || block+count > dev.NumBlocks() {
		return defs.EINVAL
	}
	if cmd == CmdWrite && dev.ReadOnly() {
		return defs.EROFS
	}
	return 0
}

// Submit validates req against dev's bounds and read-only state, then
// dispatches it, blocking for completion if req.Sync is set. Returns
// ENODEV if dev refused the request outright.
func Submit(dev Device_i, req *Request_t) defs.Err_t {
	if err := validate(dev, req.Cmd, req.Block, req.Data); err != 0 {
		return err
	}
	if !dev.Start(req) {
		return defs.ENODEV
	}
	if req.Sync {
		return <-req.AckCh
	}
	return 0
}

// Read is a convenience wrapper that submits a synchronous read request
// for one block and returns the filled buffer.
func Read(dev Device_i, block int64) ([]byte, defs.Err_t) {
	buf := make([]byte, BSIZE)
	req := NewRequest(CmdRead, block, buf, true)
	if err := Submit(dev, req); err != 0 {
		return nil, err
	}
	return buf, 0
}

// Write is a convenience wrapper that submits a synchronous write
// request for one block.
func Write(dev Device_i, block int64, data []byte) defs.Err_t {
	if len(data) != BSIZE {
		return defs.EINVAL
	}
	return Submit(dev, NewRequest(CmdWrite, block, data, true))
}

// Flush submits a synchronous flush request.
func Flush(dev Device_i) defs.Err_t {
	return Submit(dev, NewRequest(CmdFlush, 0, nil, true))
}

// Ioctl forwards a driver-specific control request straight through to
// dev, bypassing the read/write request path entirely.
func Ioctl(dev Device_i, cmd int, arg uintptr) (int, defs.Err_t) {
	return dev.Ioctl(cmd, arg)
}

// RAMDisk is the reference Device_i used by boot when no real backing
// store is configured: an in-memory slice of blocks, sized up front.
type RAMDisk struct {
	mu       sync.Mutex
	id       DevID_t
	blocks   [][]byte
	readOnly bool
	opens    int64
	reads    int64
	writes   int64
}

// NewRAMDisk creates an nblocks-block ramdisk under the given (major,
// minor) identity, all zeroed.
func NewRAMDisk(id DevID_t, nblocks int64, readOnly bool) *RAMDisk {
	d := &RAMDisk{id: id, blocks: make([][]byte, nblocks), readOnly: readOnly}
	for i := range d.blocks {
		d.blocks[i] = make([]byte, BSIZE)
	}
	return d
}

func (d *RAMDisk) ID() DevID_t    { return d.id }
func (d *RAMDisk) BlockSize() int { return BSIZE }
func (d *RAMDisk) NumBlocks() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return int64(len(d.blocks))
}
func (d *RAMDisk) ReadOnly() bool  { return d.readOnly }
func (d *RAMDisk) Removable() bool { return false }

func (d *RAMDisk) Open() defs.Err_t {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.opens++
	return 0
}

func (d *RAMDisk) Close() defs.Err_t {
	return 0
}

// Ioctl recognizes no control requests of its own; a ramdisk has nothing
// to configure beyond what NewRAMDisk already fixed.
func (d *RAMDisk) Ioctl(cmd int, arg uintptr) (int, defs.Err_t) {
	return 0, defs.ENOTTY
}

func (d *RAMDisk) Start(req *Request_t) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if req.Cmd == CmdFlush {
		req.AckCh <- 0
		return true
	}
	if req.Block < 0 || req.Block >= int64(len(d.blocks)) {
		req.AckCh <- defs.EINVAL
		return true
	}
	switch req.Cmd {
	case CmdRead:
		copy(req.Data, d.blocks[req.Block])
		d.reads++
	case CmdWrite:
		copy(d.blocks[req.Block], req.Data)
		d.writes++
	}
	req.AckCh <- 0
	return true
}

func (d *RAMDisk) Stats() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return fmt.Sprintf("ramdisk %s: %d blocks, %d opens, %d reads, %d writes", d.id, len(d.blocks), d.opens, d.reads, d.writes)
}
