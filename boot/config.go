// Package boot assembles every subsystem package into a running kernel
// instance: it validates the loader-supplied configuration, then brings
// PMM, paging, vmm, heap, sched, proc, blk, bcache and vfs up in the
// dependency order spec.md §2 lays out, fanning out the independent
// stages with errgroup the way a service brings up its independent
// backends before serving traffic.
package boot

import (
	"fmt"

	"github.com/gobuffalo/validate"
	"github.com/gobuffalo/validate/validators"

	"github.com/dnknob/spinix/mem"
)

// Config is the boot-time tunable set: everything PMM init through VFS
// mount needs that isn't itself part of the loader's memory map.
type Config struct {
	// MemMap is the loader-provided physical memory map (spec.md §6).
	MemMap []mem.Region

	// RootDevice names the blk.Registry entry mounted at "/".
	RootDevice string

	// RootDeviceBlocks sizes the RAMDisk backing RootDevice when no
	// real block device is attached (the common case under this
	// harness).
	RootDeviceBlocks int64

	// HeapGrowCeiling caps how many bytes heap.New may ever grow the
	// kernel heap to; zero or negative falls back to heap's own
	// built-in default cap.
	HeapGrowCeiling int64

	// BufferCacheCapacity is the number of blk.BSIZE buffers bcache
	// keeps resident.
	BufferCacheCapacity int

	// BufferCacheReadahead enables bcache's one-block-ahead prefetch.
	BufferCacheReadahead bool

	// SchedTickHz is the simulated timer-interrupt rate driving
	// sched.Scheduler.Tick.
	SchedTickHz int
}

// Validate checks Config for the boot harness's hard requirements,
// returning one error that lists every failed check (spec.md §6: a bad
// memory map or nonsensical tunable must fail before PMM init touches
// it, not deep inside a free-list walk).
func (c *Config) Validate() error {
	verrs := validate.Validate(
		&validators.StringIsPresent{Field: c.RootDevice, Name: "RootDevice"},
		&validators.FuncValidator{
			Field:   fmt.Sprintf("%d", len(c.MemMap)),
			Name:    "MemMap",
			Message: "MemMap must contain at least one region",
			Fn:      func() bool { return len(c.MemMap) > 0 },
		},
		&validators.FuncValidator{
			Field:   fmt.Sprintf("%d", c.RootDeviceBlocks),
			Name:    "RootDeviceBlocks",
			Message: "RootDeviceBlocks must be positive",
			Fn:      func() bool { return c.RootDeviceBlocks > 0 },
		},
		&validators.FuncValidator{
			Field:   fmt.Sprintf("%d", c.BufferCacheCapacity),
			Name:    "BufferCacheCapacity",
			Message: "BufferCacheCapacity must be positive",
			Fn:      func() bool { return c.BufferCacheCapacity > 0 },
		},
		&validators.FuncValidator{
			Field:   fmt.Sprintf("%d", c.SchedTickHz),
			Name:    "SchedTickHz",
			Message: "SchedTickHz must be positive",
			Fn:      func() bool { return c.SchedTickHz > 0 },
		},
		&validators.FuncValidator{
			Field:   "MemMap regions",
			Name:    "MemMap",
			Message: "every MemMap region must have nonzero Length",
			Fn: func() bool {
				for _, r := range c.MemMap {
					if r.Length == 0 {
						return false
					}
				}
				return true
			},
		},
	)
	if verrs.HasAny() {
		return fmt.Errorf("boot: invalid config: %s", verrs.Error())
	}
	return nil
}

// Default returns the compiled-in tunables spec.md §6 falls back to when
// the loader supplies no override, with memmap left for the caller to
// fill in from the actual boot protocol.
func Default() Config {
	return Config{
		RootDevice:           "ram0",
		RootDeviceBlocks:     4096,
		HeapGrowCeiling:      256 << 20,
		BufferCacheCapacity:  256,
		BufferCacheReadahead: false,
		SchedTickHz:          100,
	}
}
