package mutex

import (
	"runtime"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMutualExclusion(t *testing.T) {
	var m Mutex_t
	var counter int64
	var wg sync.WaitGroup
	const n = 64
	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Lock(int64(i + 1))
			counter++
			m.Unlock()
		}()
	}
	wg.Wait()
	require.EqualValues(t, n, counter)
}

func TestTryLockFailsWhenHeld(t *testing.T) {
	var m Mutex_t
	m.Lock(1)
	require.False(t, m.TryLock(2))
	m.Unlock()
	require.True(t, m.TryLock(3))
	require.EqualValues(t, 3, m.Holder())
}

func TestFIFOOrdering(t *testing.T) {
	var m Mutex_t
	m.Lock(1)

	var order []int
	var mu sync.Mutex
	var wg sync.WaitGroup

	const n = 5
	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Lock(int64(i + 2))
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			m.Unlock()
		}()
		// Wait for goroutine i to take its ticket and block, so tickets
		// are handed out in spawn order before the next one starts.
		for m.wq.Len() <= i {
			runtime.Gosched()
		}
	}

	m.Unlock()
	wg.Wait()

	require.Len(t, order, n)
	for i, v := range order {
		require.Equal(t, i, v)
	}
}

func TestHolderClearedAfterUnlock(t *testing.T) {
	var m Mutex_t
	m.Lock(7)
	require.True(t, m.Locked())
	m.Unlock()
	require.False(t, m.Locked())
	require.Zero(t, atomic.LoadInt64(&m.holder))
}
