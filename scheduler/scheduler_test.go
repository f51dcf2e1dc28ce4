package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fibercore/fiberd/fiber"
)

func TestSubmitDispatchesCallable(t *testing.T) {
	s := New(2)
	require.NoError(t, s.Start())
	defer func() { _ = s.Stop(context.Background()) }()

	done := make(chan struct{})
	require.NoError(t, s.Submit(CallableTask(func() {
		close(done)
	}, Unpinned)))

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("callable task never ran")
	}
}

func TestSelfSchedulingFiberTask(t *testing.T) {
	s := New(2)
	require.NoError(t, s.Start())
	defer func() { _ = s.Stop(context.Background()) }()

	var runs atomic.Int32
	done := make(chan struct{})

	f := fiber.New(func(y *fiber.Yielder) {
		for i := 0; i < 3; i++ {
			runs.Add(1)
			y.YieldReady()
		}
		close(done)
	}, 0)

	require.NoError(t, s.Submit(FiberTask(f, Unpinned)))

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("self-scheduling fiber never completed")
	}
	require.EqualValues(t, 3, runs.Load())
}

func TestAllUnpinnedTasksRunExactlyOnce(t *testing.T) {
	s := New(3)
	require.NoError(t, s.Start())
	defer func() { _ = s.Stop(context.Background()) }()

	var mu sync.Mutex
	var order []int

	var wg sync.WaitGroup
	wg.Add(3)
	for i := 0; i < 3; i++ {
		i := i
		require.NoError(t, s.Submit(CallableTask(func() {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			wg.Done()
		}, Unpinned)))
	}

	wg.Wait()
	mu.Lock()
	defer mu.Unlock()
	require.ElementsMatch(t, []int{0, 1, 2}, order)
}

// TestPinnedTaskSkipDoesNotBlockOtherWorkers drives spec scenario 3: with a
// pinned task stuck behind a long-running task on its own worker, an
// unrelated task pinned to (or free to run on) the other, idle worker must
// not be blocked behind it in FIFO order — the scheduler must skip over the
// head-of-line pinned task without dequeuing or reordering it, letting the
// idle worker's task run, then come back for the pinned one once its worker
// frees up.
func TestPinnedTaskSkipDoesNotBlockOtherWorkers(t *testing.T) {
	s := New(2)
	require.NoError(t, s.Start())
	defer func() { _ = s.Stop(context.Background()) }()

	const worker0, worker1 = 0, 1

	occupied := make(chan struct{})
	release := make(chan struct{})
	require.NoError(t, s.Submit(CallableTask(func() {
		close(occupied)
		<-release
	}, worker0)))
	<-occupied // worker 0 is now busy for the duration of this test

	pinnedDone := make(chan struct{})
	require.NoError(t, s.Submit(CallableTask(func() {
		close(pinnedDone)
	}, worker0)))

	unpinnedDone := make(chan struct{})
	require.NoError(t, s.Submit(CallableTask(func() {
		close(unpinnedDone)
	}, Unpinned)))

	select {
	case <-unpinnedDone:
	case <-time.After(2 * time.Second):
		t.Fatal("unpinned task behind a task pinned to the busy worker was blocked instead of skipped")
	}

	select {
	case <-pinnedDone:
		t.Fatal("task pinned to the busy worker ran before that worker became free")
	default:
	}

	close(release)
	select {
	case <-pinnedDone:
	case <-time.After(2 * time.Second):
		t.Fatal("task pinned to worker 0 never ran once it became free")
	}
}

func TestStopDrainsPendingCallables(t *testing.T) {
	s := New(4)
	require.NoError(t, s.Start())

	const n = 100
	var completed atomic.Int64
	for i := 0; i < n; i++ {
		require.NoError(t, s.Submit(CallableTask(func() {
			completed.Add(1)
		}, Unpinned)))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))

	require.EqualValues(t, n, completed.Load())
}

func TestSubmitAfterStopFails(t *testing.T) {
	s := New(1)
	require.NoError(t, s.Start())
	require.NoError(t, s.Stop(context.Background()))

	err := s.Submit(CallableTask(func() {}, Unpinned))
	require.ErrorIs(t, err, ErrNotRunning)
}

func TestCallerHostedWorkerRunsPinnedWork(t *testing.T) {
	s := New(2, WithCallerThread())
	require.NoError(t, s.Start())
	defer func() { _ = s.Stop(context.Background()) }()

	callerID := s.WorkerCount() - 1
	done := make(chan struct{})
	require.NoError(t, s.Submit(CallableTask(func() {
		close(done)
	}, callerID)))

	// the caller-hosted slot only runs when driven explicitly.
	require.NoError(t, s.Call())

	select {
	case <-done:
	default:
		t.Fatal("pinned task did not run during Call()")
	}
}

func TestPinnedTaskSkippedForOtherWorkers(t *testing.T) {
	s := New(2, WithCallerThread())
	require.NoError(t, s.Start())
	defer func() { _ = s.Stop(context.Background()) }()

	callerID := s.WorkerCount() - 1
	ran := make(chan struct{}, 1)
	require.NoError(t, s.Submit(CallableTask(func() {
		ran <- struct{}{}
	}, callerID)))

	select {
	case <-ran:
		t.Fatal("task pinned to the caller-hosted worker ran on a plain worker")
	case <-time.After(100 * time.Millisecond):
	}
}
