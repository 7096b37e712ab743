package waitqueue

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWakeOneReleasesSingleWaiter(t *testing.T) {
	var wq WaitQueue_t
	var wg sync.WaitGroup
	done := make(chan int, 2)

	for i := 0; i < 2; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			wq.Sleep()
			done <- i
		}()
	}

	// Give both goroutines a chance to register as waiters.
	for wq.Len() < 2 {
		time.Sleep(time.Millisecond)
	}

	require.True(t, wq.WakeOne())
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for woken goroutine")
	}
	require.Equal(t, 1, wq.Len())

	wq.WakeAll()
	wg.Wait()
}

func TestSleepTimeoutExpires(t *testing.T) {
	var wq WaitQueue_t
	woken := wq.SleepTimeout(10 * time.Millisecond)
	require.False(t, woken)
	require.Equal(t, 0, wq.Len())
}

func TestWakeAllReleasesEveryWaiter(t *testing.T) {
	var wq WaitQueue_t
	var wg sync.WaitGroup
	n := 8
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			wq.Sleep()
		}()
	}
	for wq.Len() < n {
		time.Sleep(time.Millisecond)
	}
	wq.WakeAll()
	wg.Wait()
	require.Equal(t, 0, wq.Len())
}
