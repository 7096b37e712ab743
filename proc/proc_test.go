package proc

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dnknob/spinix/defs"
	"github.com/dnknob/spinix/mem"
	"github.com/dnknob/spinix/paging"
	"github.com/dnknob/spinix/sched"
	"github.com/dnknob/spinix/vmm"
)

func newAS(t *testing.T) *vmm.AddressSpace {
	t.Helper()
	pmm := mem.NewPMM([]mem.Region{{Base: 1 << 20, Length: 64 << 20, Type: mem.Usable}})
	pg := paging.New(pmm)
	return vmm.New(pg, 0)
}

type fakeFile struct {
	closed bool
}

func (f *fakeFile) Read(buf []byte) (int, defs.Err_t)  { return 0, 0 }
func (f *fakeFile) Write(buf []byte) (int, defs.Err_t) { return len(buf), 0 }
func (f *fakeFile) Close() defs.Err_t {
	f.closed = true
	return 0
}

func TestNewProcessLinksParentChild(t *testing.T) {
	root := NewProcess(nil, newAS(t))
	child := NewProcess(root, newAS(t))
	require.Equal(t, root, child.Parent)
	require.Len(t, root.Children, 1)
	require.Equal(t, root.Pgid, child.Pgid)
}

func TestAddThreadRespectsMaxThreads(t *testing.T) {
	p := NewProcess(nil, newAS(t))
	s := sched.New()
	for i := 0; i < MaxThreads; i++ {
		_, err := p.AddThread(10, s)
		require.Zero(t, err)
	}
	_, err := p.AddThread(10, s)
	require.Equal(t, defs.EAGAIN, err)
}

func TestFDAllocGetCloseLifecycle(t *testing.T) {
	p := NewProcess(nil, newAS(t))
	f := &fakeFile{}
	fd, err := p.AllocFD(f, false)
	require.Zero(t, err)
	require.Equal(t, 0, fd)

	got, err := p.GetFD(fd)
	require.Zero(t, err)
	require.Equal(t, f, got)

	require.Zero(t, p.CloseFD(fd))
	require.True(t, f.closed)
	_, err = p.GetFD(fd)
	require.Equal(t, defs.EBADF, err)
}

func TestDupSharesRefcount(t *testing.T) {
	p := NewProcess(nil, newAS(t))
	f := &fakeFile{}
	fd, _ := p.AllocFD(f, false)
	fd2, err := p.Dup(fd, -1)
	require.Zero(t, err)
	require.NotEqual(t, fd, fd2)

	require.Zero(t, p.CloseFD(fd))
	require.False(t, f.closed) // still referenced via fd2
	require.Zero(t, p.CloseFD(fd2))
	require.True(t, f.closed)
}

func TestSignalPendingAndBlocked(t *testing.T) {
	p := NewProcess(nil, newAS(t))
	require.Zero(t, p.Kill(5))
	require.Equal(t, -1, func() int {
		p.SigProcMask(true, true, 1<<5)
		return p.Deliverable()
	}())

	p.SigProcMask(true, false, 1<<5)
	require.Equal(t, 5, p.Deliverable())
}

func TestSigActionRejectsSIGKILLAndSIGSTOP(t *testing.T) {
	p := NewProcess(nil, newAS(t))
	_, err := p.SigAction(SIGKILL, func(sig int) {})
	require.Equal(t, defs.EINVAL, err)
	_, err = p.SigAction(SIGSTOP, func(sig int) {})
	require.Equal(t, defs.EINVAL, err)
}

func TestSigActionInstallsHandler(t *testing.T) {
	p := NewProcess(nil, newAS(t))
	called := false
	_, err := p.SigAction(3, func(sig int) { called = true })
	require.Zero(t, err)
	require.Zero(t, p.Kill(3))
	require.True(t, p.Deliver(3))
	require.True(t, called)
}

func TestForkDuplicatesFDsAndClonesAS(t *testing.T) {
	p := NewProcess(nil, newAS(t))
	f := &fakeFile{}
	fd, _ := p.AllocFD(f, false)

	child, err := p.Fork()
	require.Zero(t, err)
	require.NotEqual(t, p.Pid, child.Pid)

	got, err := child.GetFD(fd)
	require.Zero(t, err)
	require.Equal(t, f, got)
	require.NotEqual(t, p.AS, child.AS)
}

func TestExitAndWaitReapsZombie(t *testing.T) {
	root := NewProcess(nil, newAS(t))
	child, _ := root.Fork()

	done := make(chan struct{})
	go func() {
		child.Exit(42)
		close(done)
	}()
	<-done

	pid, status, err := root.Wait()
	require.Zero(t, err)
	require.Equal(t, child.Pid, pid)
	require.Equal(t, 42, status)
	require.Empty(t, root.Children)
}

func TestWaitWithNoChildrenReturnsECHILD(t *testing.T) {
	root := NewProcess(nil, newAS(t))
	_, _, err := root.Wait()
	require.Equal(t, defs.ECHILD, err)
}

func TestSetsidFailsForGroupLeader(t *testing.T) {
	root := NewProcess(nil, newAS(t))
	_, err := root.Setsid()
	require.Equal(t, defs.EPERM, err)
}

func TestExitReparentsChildrenToInit(t *testing.T) {
	resetForTest()
	init := NewProcess(nil, newAS(t))
	require.Equal(t, InitPid, init.Pid)

	mid := NewProcess(init, newAS(t))
	grandchild := NewProcess(mid, newAS(t))

	mid.Exit(7)

	require.Equal(t, init, grandchild.Parent)
	require.Contains(t, init.Children, grandchild)
}

func TestReapZombiesRemovesCollectedChildren(t *testing.T) {
	resetForTest()
	root := NewProcess(nil, newAS(t))
	child := NewProcess(root, newAS(t))
	child.Exit(1)

	require.Equal(t, 1, root.ReapZombies())
	require.Empty(t, root.Children)
	_, ok := LookupProcess(child.Pid)
	require.False(t, ok)
}

func TestWaitPidWNOHANGReturnsImmediately(t *testing.T) {
	resetForTest()
	root := NewProcess(nil, newAS(t))
	child := NewProcess(root, newAS(t))

	pid, status, err := root.WaitPid(child.Pid, WNOHANG)
	require.Zero(t, err)
	require.Equal(t, Pid_t(0), pid)
	require.Zero(t, status)
}

func TestWaitPidReportsESRCHForNonChild(t *testing.T) {
	resetForTest()
	root := NewProcess(nil, newAS(t))
	NewProcess(root, newAS(t))

	_, _, err := root.WaitPid(999, 0)
	require.Equal(t, defs.ESRCH, err)
}
