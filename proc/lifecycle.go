package proc

import "github.com/dnknob/spinix/defs"

// WaitFlags modifies Wait/WaitPid's blocking behavior.
type WaitFlags int

const (
	// WNOHANG makes WaitPid return immediately with pid 0 if no matching
	// child has exited yet, instead of blocking.
	WNOHANG WaitFlags = 1 << iota
)

// Fork creates a child process with a COW-forked address space
// (vmm.AddressSpace.Fork), a file descriptor table whose slots point at
// the parent's own FD_t entries with their RefCount bumped (per spec.md
// §4.6 fork semantics), and copies of the parent's signal handlers and
// blocked mask.
func (p *PCB_t) Fork() (*PCB_t, defs.Err_t) {
	p.lock.Lock(int64(p.Pid))
	childAS, err := p.AS.Fork()
	if err != 0 {
		p.lock.Unlock()
		return nil, err
	}
	handlers := p.Handlers
	blocked := p.Blocked
	caught := p.Caught
	p.lock.Unlock()

	child := NewProcess(p, childAS)
	child.lock.Lock(int64(child.Pid))
	child.Handlers = handlers
	child.Blocked = blocked
	child.Caught = caught
	child.lock.Unlock()

	p.fdlock.Lock(int64(p.Pid))
	for i, slot := range p.FDs {
		if slot != nil {
			slot.RefCount++
			child.FDs[i] = slot
		}
	}
	p.fdlock.Unlock()

	return child, 0
}

// Exit marks p a zombie with the given status, closes its descriptors,
// reparents every surviving child to InitPid (spec.md §4.6 orphan
// handling), and wakes p's own parent's Wait.
func (p *PCB_t) Exit(status int) {
	p.CloseAll()

	init, hasInit := LookupProcess(InitPid)

	p.lock.Lock(int64(p.Pid))
	p.State = ProcZombie
	p.ExitStatus = status
	parent := p.Parent
	children := p.Children
	p.Children = nil
	p.lock.Unlock()

	if hasInit && init != p {
		init.lock.Lock(int64(init.Pid))
		for _, c := range children {
			c.lock.Lock(int64(init.Pid))
			c.Parent = init
			c.lock.Unlock()
		}
		init.Children = append(init.Children, children...)
		init.lock.Unlock()
	}

	if parent != nil {
		parent.childExit.WakeAll()
	}
}

// ReapZombies scans p's children and removes every one already in
// ProcZombie state, dropping its registry entry for good. This is the
// sweeper a reparenting target (InitPid above all) runs periodically so
// zombies nobody will ever Wait/WaitPid for don't accumulate forever.
// It returns how many were reaped.
func (p *PCB_t) ReapZombies() int {
	p.lock.Lock(int64(p.Pid))
	defer p.lock.Unlock()

	kept := p.Children[:0]
	reaped := 0
	for _, c := range p.Children {
		c.lock.Lock(int64(p.Pid))
		zombie := c.State == ProcZombie
		c.lock.Unlock()
		if zombie {
			unregisterProcess(c.Pid)
			reaped++
			continue
		}
		kept = append(kept, c)
	}
	p.Children = kept
	return reaped
}

// Wait blocks until some child of p has exited, then reaps it (detaching
// it from p.Children and dropping its registry entry) and returns its
// pid and exit status. Reports ECHILD immediately if p has no children
// at all.
func (p *PCB_t) Wait() (Pid_t, int, defs.Err_t) {
	return p.WaitPid(0, 0)
}

// WaitPid behaves like Wait but only reaps the named child, reporting
// ESRCH if pid does not name a child of p. pid == 0 matches any child,
// mirroring Wait. Under WNOHANG, WaitPid returns (0, 0, 0) immediately
// instead of blocking when no matching child has exited yet.
func (p *PCB_t) WaitPid(pid Pid_t, flags WaitFlags) (Pid_t, int, defs.Err_t) {
	for {
		p.lock.Lock(int64(p.Pid))
		if len(p.Children) == 0 {
			p.lock.Unlock()
			return 0, 0, defs.ECHILD
		}
		found := false
		for i, c := range p.Children {
			if pid != 0 && c.Pid != pid {
				continue
			}
			found = true
			c.lock.Lock(int64(p.Pid))
			if c.State == ProcZombie {
				status := c.ExitStatus
				reaped := c.Pid
				c.lock.Unlock()
				p.Children = append(p.Children[:i], p.Children[i+1:]...)
				p.lock.Unlock()
				unregisterProcess(reaped)
				return reaped, status, 0
			}
			c.lock.Unlock()
		}
		if pid != 0 && !found {
			p.lock.Unlock()
			return 0, 0, defs.ESRCH
		}
		if flags&WNOHANG != 0 {
			p.lock.Unlock()
			return 0, 0, 0
		}
		p.lock.Unlock()
		p.childExit.Sleep()
	}
}
