package jobsystem

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestSystem(t *testing.T) *System {
	t.Helper()
	sys := New()
	sys.Startup(4)
	t.Cleanup(sys.Shutdown)
	return sys
}

func TestScheduleRunsJobWithInlineParam(t *testing.T) {
	sys := newTestSystem(t)
	result := make(chan int, 1)

	_, err := Schedule(sys, 42, func(ctx *JobContext, param *int) {
		result <- *param
	}, nil)
	require.NoError(t, err)

	select {
	case v := <-result:
		require.Equal(t, 42, v)
	case <-time.After(2 * time.Second):
		t.Fatal("job never ran")
	}
}

func TestScheduleRunsJobWithExternalParam(t *testing.T) {
	sys := newTestSystem(t)
	type big struct {
		data [128]byte
	}
	var p big
	p.data[0] = 0xAB
	result := make(chan byte, 1)

	_, err := Schedule(sys, p, func(ctx *JobContext, param *big) {
		result <- param.data[0]
	}, nil)
	require.NoError(t, err)

	select {
	case v := <-result:
		require.Equal(t, byte(0xAB), v)
	case <-time.After(2 * time.Second):
		t.Fatal("job never ran")
	}
}

func TestScheduleWithDependencyRunsAfterParent(t *testing.T) {
	sys := newTestSystem(t)
	order := make(chan string, 2)

	parent, err := Schedule(sys, 0, func(ctx *JobContext, _ *int) {
		order <- "parent"
	}, nil)
	require.NoError(t, err)

	_, err = Schedule(sys, 0, func(ctx *JobContext, _ *int) {
		order <- "child"
	}, []JobID{parent})
	require.NoError(t, err)

	require.Equal(t, "parent", <-order)
	require.Equal(t, "child", <-order)
}

func TestAddSubJobRunsChildAndParentBody(t *testing.T) {
	sys := newTestSystem(t)
	order := make(chan string, 2)

	_, err := Schedule(sys, 0, func(ctx *JobContext, _ *int) {
		_, err := AddSubJob(ctx, 0, func(ctx *JobContext, _ *int) {
			order <- "child"
		}, nil)
		require.NoError(t, err)
		order <- "parent-body"
	}, nil)
	require.NoError(t, err)

	first := <-order
	second := <-order
	require.ElementsMatch(t, []string{"parent-body", "child"}, []string{first, second})
}

func TestManyPermitsChainThroughExpansionSlot(t *testing.T) {
	sys := newTestSystem(t)
	const successors = 10 // more than the 3 inline permit slots
	done := make(chan struct{}, successors)

	// The parent is held open until every successor has registered its
	// permit, so all of them land on its permit list and its expansion chain.
	gate := make(chan struct{})
	var openGate sync.Once
	release := func() { openGate.Do(func() { close(gate) }) }
	t.Cleanup(release)

	parent, err := Schedule(sys, 0, func(ctx *JobContext, _ *int) { <-gate }, nil)
	require.NoError(t, err)

	for i := 0; i < successors; i++ {
		_, err := Schedule(sys, 0, func(ctx *JobContext, _ *int) {
			done <- struct{}{}
		}, []JobID{parent})
		require.NoError(t, err)
	}
	release()

	for i := 0; i < successors; i++ {
		<-done
	}
}

func TestWaitBlocksUntilJobFinishes(t *testing.T) {
	sys := newTestSystem(t)
	ran := make(chan struct{})

	id, err := Schedule(sys, 0, func(ctx *JobContext, _ *int) {
		close(ran)
	}, nil)
	require.NoError(t, err)

	sys.Wait(id)
	select {
	case <-ran:
	default:
		t.Fatal("Wait returned before job ran")
	}
}

func TestScheduleFailsWhenSystemNotStarted(t *testing.T) {
	sys := New()
	_, err := Schedule(sys, 0, func(ctx *JobContext, _ *int) {}, nil)
	require.ErrorIs(t, err, ErrSystemNotRunning)
}
