// Package sched implements the priority scheduler described in spec.md
// §4.5: eight priority runqueues selected via a bitmap, a sleep queue
// ordered by wake time, priority aging to defeat starvation, and
// scheduler-postponement (deferred preemption) around critical sections.
//
// The scheduler is deliberately a pure bookkeeping structure, the same
// way mem.PMM and paging.Paging are: it decides which TCB_t should run
// next and tracks the accounting spec.md §8 expects, but actually
// running a thread's code is left to its caller (proc.AddThread only
// enqueues a new thread's TCB; nothing in proc runs or resumes threads).
package sched

import (
	"sync"
	"time"

	"github.com/dnknob/spinix/kio"
)

const (
	NumQueues  = 8
	QueueWidth = 32 // priority units per queue bucket; priority ranges [0,255]
	MaxPrio    = NumQueues*QueueWidth - 1

	// AgingBoost is added to a thread's priority once it has waited
	// runnable (but not running) for AgingThreshold ticks.
	AgingBoost     = 16
	AgingThreshold = 50
	// AgingCheckEvery: aging is only evaluated every Nth tick, not on
	// every tick, to keep the scan cheap.
	AgingCheckEvery = 10

	IdlePriority = 0
)

// TimeSlices gives each queue bucket's time slice, lowest bucket first.
var TimeSlices = [NumQueues]time.Duration{
	5 * time.Millisecond, 7 * time.Millisecond, 10 * time.Millisecond, 12 * time.Millisecond,
	15 * time.Millisecond, 20 * time.Millisecond, 25 * time.Millisecond, 30 * time.Millisecond,
}

type State int

const (
	Runnable State = iota
	Running
	Blocked
	Sleeping
	Zombie
)

func (s State) String() string {
	switch s {
	case Runnable:
		return "runnable"
	case Running:
		return "running"
	case Blocked:
		return "blocked"
	case Sleeping:
		return "sleeping"
	case Zombie:
		return "zombie"
	default:
		return "unknown"
	}
}

// TCB_t is a thread control block as far as the scheduler is concerned;
// proc.Thread_t embeds one of these.
type TCB_t struct {
	Tid          int64
	Priority     int // [0, MaxPrio], aged upward over time
	BasePriority int // priority this thread is created/restored at; aging never touches this
	State        State

	WaitTicks   int64 // ticks spent runnable-but-not-running since last scheduled, counted in steps of AgingCheckEvery; not counted in the top bucket
	TotalBoosts int64
	WakeAt      int64 // absolute tick at which a Sleeping thread becomes runnable

	index int // position in its runqueue slice when enqueued; not updated as the queue shifts
}

func bucket(prio int) int {
	b := prio / QueueWidth
	if b >= NumQueues {
		b = NumQueues - 1
	}
	if b < 0 {
		b = 0
	}
	return b
}

// Slice returns the time slice this thread's current priority is owed.
func (t *TCB_t) Slice() time.Duration {
	return TimeSlices[bucket(t.Priority)]
}

// Scheduler owns the runqueues, the sleep queue and the logical tick
// clock. All operations are safe for concurrent use.
type Scheduler struct {
	mu sync.Mutex

	runq   [NumQueues][]*TCB_t
	bitmap uint8 // bit i set iff runq[i] is non-empty

	sleepers []*TCB_t // kept sorted ascending by WakeAt

	ticks int64

	postponeDepth int32
	pendingResched bool

	idle *TCB_t
}

var log = kio.Sub("sched")

// New creates a scheduler with its idle thread ready at IdlePriority.
// The idle thread is kept outside the runqueues; PickNext returns it
// whenever every runqueue is empty, and it never ages.
func New() *Scheduler {
	s := &Scheduler{}
	s.idle = &TCB_t{Tid: 0, Priority: IdlePriority, BasePriority: IdlePriority, State: Runnable}
	return s
}

// Enqueue marks t Runnable and places it at the back of its priority
// bucket's queue.
func (s *Scheduler) Enqueue(t *TCB_t) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enqueueLocked(t)
}

func (s *Scheduler) enqueueLocked(t *TCB_t) {
	if t.State == Running {
		// t is being re-queued after its slice ran out, i.e. preempted:
		// spec.md §4.5 restores any aging boost back to base_priority here.
		t.Priority = t.BasePriority
	}
	t.State = Runnable
	t.WaitTicks = 0
	b := bucket(t.Priority)
	t.index = len(s.runq[b])
	s.runq[b] = append(s.runq[b], t)
	s.bitmap |= 1 << uint(b)
}

func (s *Scheduler) dequeueFromBucket(b int) *TCB_t {
	q := s.runq[b]
	if len(q) == 0 {
		return nil
	}
	t := q[0]
	s.runq[b] = q[1:]
	if len(s.runq[b]) == 0 {
		s.bitmap &^= 1 << uint(b)
	}
	return t
}

// highestBit returns the index of the most significant set bit in the
// bitmap, i.e. the highest non-empty priority bucket, or -1 if empty.
func highestBit(bitmap uint8) int {
	for i := NumQueues - 1; i >= 0; i-- {
		if bitmap&(1<<uint(i)) != 0 {
			return i
		}
	}
	return -1
}

// PickNext removes and returns the highest-priority runnable thread, or
// the idle thread if no other thread is runnable. The returned thread is
// marked Running; the caller is responsible for re-enqueuing it (or
// blocking/sleeping it) once its slice expires or it yields.
func (s *Scheduler) PickNext() *TCB_t {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := highestBit(s.bitmap)
	if b < 0 {
		s.idle.State = Running
		return s.idle
	}
	t := s.dequeueFromBucket(b)
	t.State = Running
	return t
}

// Block marks t Blocked and removes it from scheduling consideration;
// the caller is expected to be registering t on a waitqueue.WaitQueue_t
// in the same critical section. Unblock (via Enqueue) resumes it later.
func (s *Scheduler) Block(t *TCB_t) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t.State = Blocked
}

// SleepUntil marks t Sleeping until the scheduler's logical clock
// reaches wakeTick, inserting it into the sleep queue in WakeAt order.
func (s *Scheduler) SleepUntil(t *TCB_t, wakeTick int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t.State = Sleeping
	t.WakeAt = wakeTick
	i := 0
	for i < len(s.sleepers) && s.sleepers[i].WakeAt <= wakeTick {
		i++
	}
	s.sleepers = append(s.sleepers, nil)
	copy(s.sleepers[i+1:], s.sleepers[i:])
	s.sleepers[i] = t
}

// Tick advances the logical clock by one, wakes any sleepers whose
// WakeAt has arrived (re-enqueuing them runnable), and every
// AgingCheckEvery ticks boosts the priority of threads that have been
// runnable-but-waiting for at least AgingThreshold ticks.
func (s *Scheduler) Tick() {
	s.mu.Lock()
	s.ticks++
	tick := s.ticks

	woken := 0
	for len(s.sleepers) > 0 && s.sleepers[0].WakeAt <= tick {
		t := s.sleepers[0]
		s.sleepers = s.sleepers[1:]
		s.enqueueLocked(t)
		woken++
	}

	if tick%AgingCheckEvery == 0 {
		for b := 0; b < NumQueues-1; b++ {
			for _, t := range s.runq[b] {
				t.WaitTicks += AgingCheckEvery
				if t.WaitTicks >= AgingThreshold {
					s.boostLocked(t)
				}
			}
		}
	}
	s.mu.Unlock()

	if woken > 0 {
		log.Debugw("sleep queue drained", "tick", tick, "woken", woken)
	}
}

// boostLocked moves t to a higher priority bucket, clamped to MaxPrio,
// and resets its aging counter. Callers must hold s.mu.
func (s *Scheduler) boostLocked(t *TCB_t) {
	oldBucket := bucket(t.Priority)
	t.Priority += AgingBoost
	if t.Priority > MaxPrio {
		t.Priority = MaxPrio
	}
	t.WaitTicks = 0
	t.TotalBoosts++
	newBucket := bucket(t.Priority)
	if newBucket == oldBucket {
		return
	}
	q := s.runq[oldBucket]
	for i, e := range q {
		if e == t {
			s.runq[oldBucket] = append(q[:i], q[i+1:]...)
			break
		}
	}
	if len(s.runq[oldBucket]) == 0 {
		s.bitmap &^= 1 << uint(oldBucket)
	}
	t.index = len(s.runq[newBucket])
	s.runq[newBucket] = append(s.runq[newBucket], t)
	s.bitmap |= 1 << uint(newBucket)
}

// LockScheduler postpones preemption: a nested counter, mirroring
// spinlock's IRQ nesting, that PickNext-driven preemption must respect by
// deferring any pending reschedule until the matching UnlockScheduler.
func (s *Scheduler) LockScheduler() {
	s.mu.Lock()
	s.postponeDepth++
	s.mu.Unlock()
}

// UnlockScheduler ends one level of postponement. If this was the
// outermost level and a reschedule was requested while postponed, it
// reports true so the caller knows to yield promptly.
func (s *Scheduler) UnlockScheduler() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.postponeDepth--
	if s.postponeDepth < 0 {
		panic("sched: UnlockScheduler without matching LockScheduler")
	}
	if s.postponeDepth == 0 && s.pendingResched {
		s.pendingResched = false
		return true
	}
	return false
}

// RequestResched asks for a reschedule at the next safe point. If the
// scheduler is currently postponed the request is deferred; otherwise it
// reports true immediately.
func (s *Scheduler) RequestResched() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.postponeDepth > 0 {
		s.pendingResched = true
		return false
	}
	return true
}

// Stats is a snapshot of scheduler-wide counters.
type Stats struct {
	Tick         int64
	Runnable     int
	Sleeping     int
	TotalBoosts  int64
}

func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	var runnable int
	var boosts int64
	for b := 0; b < NumQueues; b++ {
		runnable += len(s.runq[b])
		for _, t := range s.runq[b] {
			boosts += t.TotalBoosts
		}
	}
	return Stats{Tick: s.ticks, Runnable: runnable, Sleeping: len(s.sleepers), TotalBoosts: boosts}
}
