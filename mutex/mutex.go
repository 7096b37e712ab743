// Package mutex implements the sleeping ticket mutex described in
// spec.md §4.7: a FIFO lock built from two counters (the next ticket to
// hand out, and the ticket currently being served) where a thread that
// loses the race blocks on a wait queue instead of spinning.
package mutex

import (
	"sync/atomic"

	"github.com/dnknob/spinix/waitqueue"
)

// Mutex_t is a FIFO sleeping mutex. The zero value is an unlocked mutex.
type Mutex_t struct {
	next   uint64
	serve  uint64
	wq     waitqueue.WaitQueue_t
	holder int64 // thread id of the current holder, 0 if unlocked
}

// Lock blocks the calling thread (identified by tid) until it is the
// ticket holder being served, then claims ownership.
func (m *Mutex_t) Lock(tid int64) {
	ticket := atomic.AddUint64(&m.next, 1) - 1
	for atomic.LoadUint64(&m.serve) != ticket {
		m.wq.Sleep()
	}
	atomic.StoreInt64(&m.holder, tid)
}

// TryLock claims the mutex only if it is uncontended and currently
// unlocked, never blocking. Reports whether the lock was acquired.
func (m *Mutex_t) TryLock(tid int64) bool {
	if !atomic.CompareAndSwapUint64(&m.next, atomic.LoadUint64(&m.serve), atomic.LoadUint64(&m.serve)+1) {
		return false
	}
	atomic.StoreInt64(&m.holder, tid)
	return true
}

// Unlock releases the mutex and wakes every thread waiting for the next
// ticket; only the thread whose ticket now matches serve proceeds, the
// rest loop back to sleep in Lock.
func (m *Mutex_t) Unlock() {
	atomic.StoreInt64(&m.holder, 0)
	atomic.AddUint64(&m.serve, 1)
	m.wq.WakeAll()
}

// Holder returns the tid of the current holder, or 0 if unlocked.
func (m *Mutex_t) Holder() int64 {
	return atomic.LoadInt64(&m.holder)
}

// Locked reports whether any thread currently holds the mutex.
func (m *Mutex_t) Locked() bool {
	return atomic.LoadInt64(&m.holder) != 0
}
