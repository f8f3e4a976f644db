package jobsystem

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStartupShutdownRoundTrip(t *testing.T) {
	sys := New()
	sys.Startup(2)

	var ran atomic.Bool
	_, err := Schedule(sys, 0, func(ctx *JobContext, _ *int) {
		ran.Store(true)
	}, nil)
	require.NoError(t, err)

	deadline := time.Now().Add(2 * time.Second)
	for !ran.Load() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	require.True(t, ran.Load())

	sys.Shutdown()
	require.False(t, sys.running.Load())
}

func TestSystemRestartsAfterShutdown(t *testing.T) {
	sys := New()
	sys.Startup(1)
	sys.Shutdown()

	sys.Startup(1)
	defer sys.Shutdown()

	done := make(chan struct{})
	_, err := Schedule(sys, 0, func(ctx *JobContext, _ *int) {
		close(done)
	}, nil)
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("job never ran after restart")
	}
}

// TestFlushDrainsPendingWorkWithoutWorkers schedules jobs on a System with
// no workers started, then confirms Flush alone (acting as an active
// worker) drives them to completion.
func TestFlushDrainsPendingWorkWithoutWorkers(t *testing.T) {
	sys := New()
	sys.running.Store(true)
	const jobs = 50
	var count atomic.Int32

	for i := 0; i < jobs; i++ {
		_, err := Schedule(sys, 0, func(ctx *JobContext, _ *int) {
			count.Add(1)
		}, nil)
		require.NoError(t, err)
	}

	sys.Flush()
	require.EqualValues(t, jobs, count.Load())
}

func TestDefaultWorkerCountIsPositive(t *testing.T) {
	require.Greater(t, DefaultWorkerCount(), 0)
}

func TestReadyQueueLenReflectsPendingJobs(t *testing.T) {
	sys := New()
	sys.running.Store(true)

	_, err := Schedule(sys, 0, func(ctx *JobContext, _ *int) {}, nil)
	require.NoError(t, err)
	require.GreaterOrEqual(t, sys.pool.readyQueue.Len(), 1)
}
