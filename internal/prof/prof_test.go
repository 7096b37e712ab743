package prof

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func busyWork(d time.Duration) {
	deadline := time.Now().Add(d)
	x := 0
	for time.Now().Before(deadline) {
		x++
	}
	_ = x
}

func TestStartCPUCapturesSamples(t *testing.T) {
	var buf bytes.Buffer
	stop, err := StartCPU(&buf)
	require.NoError(t, err)
	busyWork(50 * time.Millisecond)
	stop()
	require.NotZero(t, buf.Len())
}

func TestWriteHeapProducesParseableProfile(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteHeap(&buf))
	require.NotZero(t, buf.Len())

	merged, err := Merge(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	require.NotNil(t, merged)
}

func TestMergeCombinesCPUAndHeapProfiles(t *testing.T) {
	var cpuBuf bytes.Buffer
	stop, err := StartCPU(&cpuBuf)
	require.NoError(t, err)
	busyWork(20 * time.Millisecond)
	stop()

	var heapBuf bytes.Buffer
	require.NoError(t, WriteHeap(&heapBuf))

	merged, err := Merge(bytes.NewReader(cpuBuf.Bytes()), bytes.NewReader(heapBuf.Bytes()))
	require.NoError(t, err)

	summary := Summary(merged)
	require.True(t, strings.HasPrefix(summary, "samples="))
}

func TestMergeRejectsGarbageInput(t *testing.T) {
	_, err := Merge(strings.NewReader("not a profile"))
	require.Error(t, err)
}
