package boot

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/dnknob/spinix/bcache"
	"github.com/dnknob/spinix/blk"
	"github.com/dnknob/spinix/heap"
	"github.com/dnknob/spinix/kio"
	"github.com/dnknob/spinix/mem"
	"github.com/dnknob/spinix/paging"
	"github.com/dnknob/spinix/proc"
	"github.com/dnknob/spinix/sched"
	"github.com/dnknob/spinix/tmpfs"
	"github.com/dnknob/spinix/vfs"
	"github.com/dnknob/spinix/vmm"
)

var log = kio.Sub("boot")

// Kernel holds every live subsystem once bring-up completes. cmd/kernel
// (and tests standing in for it) drive the system through this handle.
type Kernel struct {
	Config Config

	PMM    *mem.PMM
	Paging *paging.Paging
	Sched  *sched.Scheduler
	Heap   *heap.Heap
	Blk    *blk.Registry
	BCache *bcache.Cache
	VFS    *vfs.VFS
	InitAS *vmm.AddressSpace
	Init   *proc.PCB_t
}

// Bring up validates cfg and brings every subsystem online in spec.md
// §2's dependency order: PMM and the scheduler have no dependencies on
// each other and come up concurrently; paging follows PMM; the heap and
// the blk registry then come up concurrently; bcache, the root tmpfs
// mount in vfs, and the init process (its vmm address space and PCB)
// follow in that order. A failure at any stage aborts the remaining ones.
func Bring(ctx context.Context, cfg Config) (*Kernel, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	k := &Kernel{Config: cfg}

	g, _ := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Infow("pmm init", "regions", len(cfg.MemMap))
		k.PMM = mem.NewPMM(cfg.MemMap)
		return nil
	})
	g.Go(func() error {
		log.Infow("sched init", "hz", cfg.SchedTickHz)
		k.Sched = sched.New()
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	log.Info("paging init")
	k.Paging = paging.New(k.PMM)

	var g2 errgroup.Group
	g2.Go(func() error {
		log.Infow("heap init", "growCeiling", cfg.HeapGrowCeiling)
		k.Heap = heap.New(cfg.HeapGrowCeiling)
		return nil
	})
	g2.Go(func() error {
		log.Infow("blk init", "device", cfg.RootDevice, "blocks", cfg.RootDeviceBlocks)
		k.Blk = blk.NewRegistry()
		k.Blk.Register(cfg.RootDevice, blk.NewRAMDisk(blk.DevID_t{Major: 1, Minor: 0}, cfg.RootDeviceBlocks, false))
		return nil
	})
	if err := g2.Wait(); err != nil {
		return nil, err
	}

	log.Infow("bcache init", "capacity", cfg.BufferCacheCapacity, "readahead", cfg.BufferCacheReadahead)
	k.BCache = bcache.New(cfg.BufferCacheCapacity, cfg.BufferCacheReadahead)

	log.Info("vfs init")
	k.VFS = &vfs.VFS{}
	if errno := k.VFS.Mount("/", tmpfs.New()); errno != 0 {
		return nil, fmt.Errorf("boot: mounting root tmpfs: %v", errno)
	}

	log.Info("init process")
	k.InitAS = vmm.New(k.Paging, 0)
	k.Init = proc.NewProcess(nil, k.InitAS)

	log.Info("boot complete")
	return k, nil
}
