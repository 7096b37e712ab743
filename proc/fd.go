package proc

import "github.com/dnknob/spinix/defs"

// AllocFD installs f in the first free descriptor slot, failing with
// EMFILE once MaxFDs is exhausted.
func (p *PCB_t) AllocFD(f File_i, cloexec bool) (int, defs.Err_t) {
	p.fdlock.Lock(int64(p.Pid))
	defer p.fdlock.Unlock()
	for i, slot := range p.FDs {
		if slot == nil {
			p.FDs[i] = &FD_t{File: f, RefCount: 1, CloseOnExec: cloexec}
			return i, 0
		}
	}
	return -1, defs.EMFILE
}

// GetFD returns the file behind fd, or EBADF if fd is not open.
func (p *PCB_t) GetFD(fd int) (File_i, defs.Err_t) {
	p.fdlock.Lock(int64(p.Pid))
	defer p.fdlock.Unlock()
	if fd < 0 || fd >= MaxFDs || p.FDs[fd] == nil {
		return nil, defs.EBADF
	}
	return p.FDs[fd].File, 0
}

// CloseFD drops one reference to fd's file, closing it once the last
// reference (this slot, since dup'd fds share a slot count) is gone.
func (p *PCB_t) CloseFD(fd int) defs.Err_t {
	p.fdlock.Lock(int64(p.Pid))
	if fd < 0 || fd >= MaxFDs || p.FDs[fd] == nil {
		p.fdlock.Unlock()
		return defs.EBADF
	}
	entry := p.FDs[fd]
	entry.RefCount--
	last := entry.RefCount <= 0
	if last {
		p.FDs[fd] = nil
	}
	p.fdlock.Unlock()

	if last {
		return entry.File.Close()
	}
	return 0
}

// Dup installs a second reference to fd's file at the lowest free slot
// (or at exactly newfd, closing whatever was there, if newfd >= 0).
func (p *PCB_t) Dup(fd, newfd int) (int, defs.Err_t) {
	p.fdlock.Lock(int64(p.Pid))
	if fd < 0 || fd >= MaxFDs || p.FDs[fd] == nil {
		p.fdlock.Unlock()
		return -1, defs.EBADF
	}
	entry := p.FDs[fd]

	if newfd < 0 {
		for i, slot := range p.FDs {
			if slot == nil {
				entry.RefCount++
				p.FDs[i] = entry
				p.fdlock.Unlock()
				return i, 0
			}
		}
		p.fdlock.Unlock()
		return -1, defs.EMFILE
	}

	if newfd >= MaxFDs {
		p.fdlock.Unlock()
		return -1, defs.EBADF
	}
	old := p.FDs[newfd]
	entry.RefCount++
	p.FDs[newfd] = entry
	p.fdlock.Unlock()
	if old != nil {
		old.RefCount--
		if old.RefCount <= 0 {
			old.File.Close()
		}
	}
	return newfd, 0
}

// CloseAll closes every open descriptor, as exit() does.
func (p *PCB_t) CloseAll() {
	for fd := range p.FDs {
		p.CloseFD(fd)
	}
}

// CloseOnExecAll closes every descriptor marked close-on-exec.
func (p *PCB_t) CloseOnExecAll() {
	p.fdlock.Lock(int64(p.Pid))
	var toClose []int
	for i, slot := range p.FDs {
		if slot != nil && slot.CloseOnExec {
			toClose = append(toClose, i)
		}
	}
	p.fdlock.Unlock()
	for _, fd := range toClose {
		p.CloseFD(fd)
	}
}
