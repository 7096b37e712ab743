// Command kernel drives the simulated boot sequence end to end: it builds
// a synthetic memory map (standing in for the loader's real one, spec.md
// §6), validates the resulting config, brings every subsystem up through
// boot.Bring, and then idles, printing periodic scheduler stats the way
// the teacher's own console spews subsystem status during bring-up.
package main

import (
	"context"
	"flag"
	"os"
	"time"

	"github.com/dnknob/spinix/boot"
	"github.com/dnknob/spinix/internal/prof"
	"github.com/dnknob/spinix/kio"
	"github.com/dnknob/spinix/mem"
)

func syntheticMemMap() []mem.Region {
	const (
		lowReserved = 1 << 20  // 1MiB: BIOS/loader reserved low memory
		usableBytes = 64 << 20 // 64MiB simulated RAM
	)
	return []mem.Region{
		{Base: 0, Length: lowReserved, Type: mem.Reserved},
		{Base: lowReserved, Length: usableBytes, Type: mem.Usable},
	}
}

func main() {
	cpuProfile := flag.String("cpuprofile", "", "write a cpu profile of boot+run to this file")
	flag.Parse()

	if *cpuProfile != "" {
		f, err := os.Create(*cpuProfile)
		if err != nil {
			kio.Printk("kernel: cannot create cpu profile: %v\n", err)
			os.Exit(1)
		}
		defer f.Close()
		stop, err := prof.StartCPU(f)
		if err != nil {
			kio.Printk("kernel: cannot start cpu profile: %v\n", err)
			os.Exit(1)
		}
		defer stop()
	}

	cfg := boot.Default()
	cfg.MemMap = syntheticMemMap()

	k, err := boot.Bring(context.Background(), cfg)
	if err != nil {
		kio.Printk("kernel: boot failed: %v\n", err)
		os.Exit(1)
	}

	kio.Printk("kernel: up, root mounted from %q\n", cfg.RootDevice)

	tick := time.NewTicker(time.Second / time.Duration(cfg.SchedTickHz))
	defer tick.Stop()

	report := time.NewTicker(time.Second)
	defer report.Stop()

	for {
		select {
		case <-tick.C:
			k.Sched.Tick()
		case <-report.C:
			st := k.Sched.Stats()
			kio.Printk("kernel: tick=%d runnable=%d sleeping=%d boosts=%d\n",
				st.Tick, st.Runnable, st.Sleeping, st.TotalBoosts)
		}
	}
}
