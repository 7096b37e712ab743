package sched

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPickNextPrefersHigherPriority(t *testing.T) {
	s := New()
	low := &TCB_t{Tid: 1, Priority: 10}
	high := &TCB_t{Tid: 2, Priority: 200}
	s.Enqueue(low)
	s.Enqueue(high)

	got := s.PickNext()
	require.Equal(t, int64(2), got.Tid)
}

func TestPickNextReturnsIdleWhenEmpty(t *testing.T) {
	s := New()
	got := s.PickNext()
	require.EqualValues(t, 0, got.Tid)
}

func TestFIFOWithinSameBucket(t *testing.T) {
	s := New()
	a := &TCB_t{Tid: 1, Priority: 5}
	b := &TCB_t{Tid: 2, Priority: 5}
	s.Enqueue(a)
	s.Enqueue(b)

	require.Equal(t, int64(1), s.PickNext().Tid)
	require.Equal(t, int64(2), s.PickNext().Tid)
}

func TestSleepUntilWakesAtTick(t *testing.T) {
	s := New()
	tcb := &TCB_t{Tid: 1, Priority: 5}
	s.SleepUntil(tcb, 3)

	for i := 0; i < 2; i++ {
		s.Tick()
	}
	require.Equal(t, Sleeping, tcb.State)

	s.Tick()
	require.Equal(t, Runnable, tcb.State)
	require.Equal(t, int64(1), s.PickNext().Tid)
}

func TestAgingBoostsStarvedThread(t *testing.T) {
	s := New()
	tcb := &TCB_t{Tid: 1, Priority: 0}
	s.Enqueue(tcb)
	// Keep a higher-priority thread always ready so tcb never gets picked.
	blocker := &TCB_t{Tid: 2, Priority: 250}
	s.Enqueue(blocker)

	for i := 0; i < AgingThreshold+AgingCheckEvery; i++ {
		s.Tick()
	}
	require.Greater(t, tcb.Priority, 0)
	require.EqualValues(t, 1, tcb.TotalBoosts)
}

func TestPreemptionRestoresBasePriority(t *testing.T) {
	s := New()
	tcb := &TCB_t{Tid: 1, Priority: 0, BasePriority: 0}
	s.Enqueue(tcb)
	for i := 0; i < AgingThreshold+AgingCheckEvery; i++ {
		s.Tick()
	}
	require.Greater(t, tcb.Priority, tcb.BasePriority)

	got := s.PickNext()
	require.Equal(t, tcb, got)
	require.Equal(t, Running, got.State)

	s.Enqueue(got)
	require.Equal(t, tcb.BasePriority, tcb.Priority)
}

func TestSchedulerPostponementDefersResched(t *testing.T) {
	s := New()
	s.LockScheduler()
	require.False(t, s.RequestResched())
	require.True(t, s.UnlockScheduler())
}

func TestSchedulerPostponementImmediateWhenUnlocked(t *testing.T) {
	s := New()
	require.True(t, s.RequestResched())
}

func TestStatsReflectsRunnableAndSleeping(t *testing.T) {
	s := New()
	s.Enqueue(&TCB_t{Tid: 1, Priority: 5})
	s.SleepUntil(&TCB_t{Tid: 2, Priority: 5}, 100)

	st := s.Stats()
	require.Equal(t, 1, st.Runnable)
	require.Equal(t, 1, st.Sleeping)
}
