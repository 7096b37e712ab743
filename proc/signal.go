package proc

import "github.com/dnknob/spinix/defs"

// Kill sets sig pending on p, per spec.md §3.6's Pending/Blocked/Caught
// mask model. A signal that is already pending is not queued again
// (this model does not count repeated deliveries of the same signal).
func (p *PCB_t) Kill(sig int) defs.Err_t {
	if sig < 0 || sig >= NumSignals {
		return defs.EINVAL
	}
	p.lock.Lock(int64(p.Pid))
	defer p.lock.Unlock()
	p.Pending |= 1 << uint(sig)
	return 0
}

// SigProcMask adds (block) or removes (unblock) signals from p's
// process-wide blocked mask and returns the previous mask.
func (p *PCB_t) SigProcMask(set, block bool, mask uint64) uint64 {
	p.lock.Lock(int64(p.Pid))
	defer p.lock.Unlock()
	old := p.Blocked
	if !set {
		return old
	}
	if block {
		p.Blocked |= mask &^ (1<<SIGKILL | 1<<SIGSTOP)
	} else {
		p.Blocked &^= mask
	}
	return old
}

// SigAction installs handler for sig, returning the previous one. A nil
// handler restores the default action and clears sig from Caught.
// SIGKILL and SIGSTOP are never catchable; installing a handler for
// either fails with EINVAL, the same as an out-of-range signal number.
func (p *PCB_t) SigAction(sig int, handler SigHandler_t) (SigHandler_t, defs.Err_t) {
	if sig < 0 || sig >= NumSignals {
		return nil, defs.EINVAL
	}
	if sig == SIGKILL || sig == SIGSTOP {
		return nil, defs.EINVAL
	}
	p.lock.Lock(int64(p.Pid))
	defer p.lock.Unlock()
	old := p.Handlers[sig]
	p.Handlers[sig] = handler
	if handler != nil {
		p.Caught |= 1 << uint(sig)
	} else {
		p.Caught &^= 1 << uint(sig)
	}
	return old, 0
}

// Deliverable returns the lowest-numbered signal that is pending and not
// blocked, or -1 if none is deliverable right now.
func (p *PCB_t) Deliverable() int {
	p.lock.Lock(int64(p.Pid))
	defer p.lock.Unlock()
	ready := p.Pending &^ p.Blocked
	if ready == 0 {
		return -1
	}
	for sig := 0; sig < NumSignals; sig++ {
		if ready&(1<<uint(sig)) != 0 {
			return sig
		}
	}
	return -1
}

// Deliver invokes sig's handler (if caught) and clears it from Pending,
// reporting whether a handler ran. If no handler is installed the caller
// is responsible for applying the default disposition (spec.md leaves
// default actions, e.g. terminate-on-SIGKILL, to the scheduler/exit path).
func (p *PCB_t) Deliver(sig int) bool {
	p.lock.Lock(int64(p.Pid))
	handler := p.Handlers[sig]
	p.Pending &^= 1 << uint(sig)
	p.lock.Unlock()
	if handler != nil {
		handler(sig)
		return true
	}
	return false
}
