package irq

import (
	"os"
	"os/signal"

	"golang.org/x/sys/unix"
)

// SignalHarness maps OS signals onto Controller vectors so a test or an
// operator can inject a simulated interrupt from outside the process
// (e.g. `kill -USR1 <pid>` to raise VecDevice0) without needing real
// hardware or a modified runtime.
type SignalHarness struct {
	c      *Controller
	notify chan os.Signal
	stop   chan struct{}
	table  map[os.Signal]Vector
}

// defaultSignalMap is the harness's stock mapping: SIGALRM drives the
// timer vector, SIGUSR1/SIGUSR2 drive the first two device lines.
func defaultSignalMap() map[os.Signal]Vector {
	return map[os.Signal]Vector{
		unix.SIGALRM: VecTimer,
		unix.SIGUSR1: VecDevice0,
		unix.SIGUSR2: VecDevice1,
	}
}

// NewSignalHarness starts listening on the default signal set
// immediately; call Stop to tear it down.
func NewSignalHarness(c *Controller) *SignalHarness {
	return NewSignalHarnessWithMap(c, defaultSignalMap())
}

// NewSignalHarnessWithMap is like NewSignalHarness but with a caller
// supplied os.Signal -> Vector table, for tests that want a private
// signal they control the timing of.
func NewSignalHarnessWithMap(c *Controller, table map[os.Signal]Vector) *SignalHarness {
	h := &SignalHarness{
		c:      c,
		notify: make(chan os.Signal, 16),
		stop:   make(chan struct{}),
		table:  table,
	}
	sigs := make([]os.Signal, 0, len(table))
	for s := range table {
		sigs = append(sigs, s)
	}
	signal.Notify(h.notify, sigs...)
	go h.loop()
	return h
}

func (h *SignalHarness) loop() {
	for {
		select {
		case sig := <-h.notify:
			if v, ok := h.table[sig]; ok {
				h.c.Dispatch(v)
			}
		case <-h.stop:
			return
		}
	}
}

// Stop tears down the harness's signal subscription.
func (h *SignalHarness) Stop() {
	signal.Stop(h.notify)
	close(h.stop)
}
