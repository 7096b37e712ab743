// Package proc implements the process and thread model of spec.md §3.5,
// §3.6 and §4.6: a PCB with up to MaxThreads TCBs, a fixed-size FD table,
// POSIX-style signal masks, and a parent/child/sibling process tree with
// zombie/reap lifecycle. It sits above sched, mutex, waitqueue and vmm,
// and below nothing in this module (it is the VFS's and blk's caller,
// not the other way around), so it defines the thin interfaces it needs
// from a file layer itself rather than importing vfs.
package proc

import (
	"sync"
	"sync/atomic"

	"github.com/dnknob/spinix/defs"
	"github.com/dnknob/spinix/mutex"
	"github.com/dnknob/spinix/sched"
	"github.com/dnknob/spinix/vmm"
	"github.com/dnknob/spinix/waitqueue"
)

const (
	MaxThreads = 16
	MaxFDs     = 256
	NumSignals = 64

	// InitPid is the pid of the first process NewProcess creates
	// (nil-parented); spec.md §4.6 reparents orphaned children to it.
	InitPid Pid_t = 1

	// SIGKILL and SIGSTOP use the standard POSIX numbering; neither may
	// be caught, blocked, or have its handler replaced (spec.md §4.6),
	// so SigAction rejects both outright.
	SIGKILL = 9
	SIGSTOP = 19
)

// File_i is the minimum a proc needs from whatever sits in its FD table;
// vfs's open vnode handle satisfies it without proc importing vfs.
type File_i interface {
	Read(buf []byte) (int, defs.Err_t)
	Write(buf []byte) (int, defs.Err_t)
	Close() defs.Err_t
}

type Pid_t int64
type Tid_t int64

type ProcState int

const (
	ProcRunning ProcState = iota
	ProcZombie
	ProcStopped
)

func (s ProcState) String() string {
	switch s {
	case ProcRunning:
		return "running"
	case ProcZombie:
		return "zombie"
	case ProcStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// SigHandler_t is a kernel-space handler installed by the process, or nil
// for the default action (there being no userspace to fault into in this
// simulation, a handler is invoked as an ordinary Go func).
type SigHandler_t = func(sig int)

// FD_t is one entry of a process's file descriptor table.
type FD_t struct {
	File        File_i
	RefCount    int32
	CloseOnExec bool
}

// Thread_t is one schedulable thread within a process; it embeds the
// scheduler's bookkeeping (TCB_t) and adds the process back-pointer and
// per-thread signal mask spec.md §3.5 calls for.
type Thread_t struct {
	sched.TCB_t
	Tid    Tid_t
	Owner  *PCB_t
	Sigmask uint64 // per-thread blocked-signal mask
}

// PCB_t is a process control block.
type PCB_t struct {
	lock mutex.Mutex_t

	Pid  Pid_t
	Pgid Pid_t
	Sid  Pid_t

	Parent   *PCB_t
	Children []*PCB_t

	Threads   [MaxThreads]*Thread_t
	NumThread int
	nextTid   int64

	FDs    [MaxFDs]*FD_t
	fdlock mutex.Mutex_t

	AS *vmm.AddressSpace

	Pending  uint64 // signals delivered but not yet acted on
	Blocked  uint64 // signals masked process-wide
	Caught   uint64 // signals with a non-default handler installed
	Handlers [NumSignals]SigHandler_t

	State      ProcState
	ExitStatus int

	childExit waitqueue.WaitQueue_t // parents block here in Wait
}

var nextPid int64 = 1

func allocPid() Pid_t {
	return Pid_t(atomic.AddInt64(&nextPid, 1) - 1)
}

// procTable is the system-wide pid -> PCB_t registry, consulted by Exit
// to find InitPid for orphan reparenting and by Wait/WaitPid's reaper to
// drop a zombie's last reference once it has been collected.
var procTable = struct {
	mu    sync.Mutex
	byPid map[Pid_t]*PCB_t
}{byPid: make(map[Pid_t]*PCB_t)}

func registerProcess(p *PCB_t) {
	procTable.mu.Lock()
	defer procTable.mu.Unlock()
	procTable.byPid[p.Pid] = p
}

func unregisterProcess(pid Pid_t) {
	procTable.mu.Lock()
	defer procTable.mu.Unlock()
	delete(procTable.byPid, pid)
}

// LookupProcess returns the live process registered under pid, if any.
func LookupProcess(pid Pid_t) (*PCB_t, bool) {
	procTable.mu.Lock()
	defer procTable.mu.Unlock()
	p, ok := procTable.byPid[pid]
	return p, ok
}

// resetForTest clears the process table and pid counter so a test can
// rely on the next NewProcess landing on InitPid; only this package's own
// tests call it.
func resetForTest() {
	procTable.mu.Lock()
	procTable.byPid = make(map[Pid_t]*PCB_t)
	procTable.mu.Unlock()
	atomic.StoreInt64(&nextPid, 1)
}

// NewProcess creates a process with no threads yet, parented under
// parent (nil for the init/root process), and a given address space. A
// child inherits its parent's process group and session; a process with
// no parent gets a process group and session equal to its own pid.
func NewProcess(parent *PCB_t, as *vmm.AddressSpace) *PCB_t {
	p := &PCB_t{
		Pid:     allocPid(),
		AS:      as,
		State:   ProcRunning,
		nextTid: 1,
	}
	p.Pgid = p.Pid
	p.Sid = p.Pid
	if parent != nil {
		p.Parent = parent
		p.Pgid = parent.Pgid
		p.Sid = parent.Sid
		parent.lock.Lock(int64(parent.Pid))
		parent.Children = append(parent.Children, p)
		parent.lock.Unlock()
	}
	registerProcess(p)
	return p
}

// AddThread creates and enqueues a new thread in p at the given base
// scheduling priority, failing with EAGAIN once MaxThreads is reached
// (spec.md §3.6).
func (p *PCB_t) AddThread(prio int, sched_ *sched.Scheduler) (*Thread_t, defs.Err_t) {
	p.lock.Lock(int64(p.Pid))
	defer p.lock.Unlock()
	if p.NumThread >= MaxThreads {
		return nil, defs.EAGAIN
	}
	t := &Thread_t{Tid: Tid_t(p.nextTid), Owner: p}
	t.TCB_t = sched.TCB_t{Tid: int64(t.Tid), Priority: prio, BasePriority: prio}
	p.nextTid++
	for i, slot := range p.Threads {
		if slot == nil {
			p.Threads[i] = t
			p.NumThread++
			sched_.Enqueue(&t.TCB_t)
			return t, 0
		}
	}
	return nil, defs.EAGAIN
}

// RemoveThread detaches a thread from its process's thread table; it
// does not touch the scheduler (the thread must already be Zombie there).
func (p *PCB_t) RemoveThread(tid Tid_t) {
	p.lock.Lock(int64(p.Pid))
	defer p.lock.Unlock()
	for i, t := range p.Threads {
		if t != nil && t.Tid == tid {
			p.Threads[i] = nil
			p.NumThread--
			return
		}
	}
}

// Setpgid moves p into group pgid (or its own pid if pgid is 0).
func (p *PCB_t) Setpgid(pgid Pid_t) defs.Err_t {
	p.lock.Lock(int64(p.Pid))
	defer p.lock.Unlock()
	if pgid == 0 {
		pgid = p.Pid
	}
	p.Pgid = pgid
	return 0
}

// Getpgid returns p's process group id.
func (p *PCB_t) Getpgid() Pid_t {
	p.lock.Lock(int64(p.Pid))
	defer p.lock.Unlock()
	return p.Pgid
}

// Setsid starts a new session and process group with p as leader,
// failing with EPERM if p is already a process group leader.
func (p *PCB_t) Setsid() (Pid_t, defs.Err_t) {
	p.lock.Lock(int64(p.Pid))
	defer p.lock.Unlock()
	if p.Pgid == p.Pid {
		return 0, defs.EPERM
	}
	p.Sid = p.Pid
	p.Pgid = p.Pid
	return p.Sid, 0
}

// Getsid returns p's session id.
func (p *PCB_t) Getsid() Pid_t {
	p.lock.Lock(int64(p.Pid))
	defer p.lock.Unlock()
	return p.Sid
}
