package fiber

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewStartsInInit(t *testing.T) {
	f := New(func(y *Yielder) {}, 0)
	require.Equal(t, StateInit, f.State())
}

func TestResumeRunsToTermination(t *testing.T) {
	var ran atomic.Bool
	f := New(func(y *Yielder) {
		ran.Store(true)
	}, 0)

	require.NoError(t, f.Resume())
	require.True(t, ran.Load())
	require.Equal(t, StateTerm, f.State())
}

func TestYieldHoldPingPong(t *testing.T) {
	var steps []string
	f := New(func(y *Yielder) {
		steps = append(steps, "a")
		y.YieldHold()
		steps = append(steps, "b")
		y.YieldHold()
		steps = append(steps, "c")
	}, 0)

	require.NoError(t, f.Resume())
	require.Equal(t, StateHold, f.State())
	require.Equal(t, []string{"a"}, steps)

	require.NoError(t, f.Resume())
	require.Equal(t, StateHold, f.State())
	require.Equal(t, []string{"a", "b"}, steps)

	require.NoError(t, f.Resume())
	require.Equal(t, StateTerm, f.State())
	require.Equal(t, []string{"a", "b", "c"}, steps)
}

func TestYieldReadyReportsReadyState(t *testing.T) {
	f := New(func(y *Yielder) {
		y.YieldReady()
	}, 0)
	require.NoError(t, f.Resume())
	require.Equal(t, StateReady, f.State())
}

func TestResumeAfterTerminationIsNoop(t *testing.T) {
	var calls atomic.Int32
	f := New(func(y *Yielder) {
		calls.Add(1)
	}, 0)
	require.NoError(t, f.Resume())
	require.NoError(t, f.Resume())
	require.NoError(t, f.Resume())
	require.EqualValues(t, 1, calls.Load())
}

func TestPanicTransitionsToExcept(t *testing.T) {
	sentinel := errors.New("boom")
	f := New(func(y *Yielder) {
		panic(sentinel)
	}, 0)

	err := f.Resume()
	require.Error(t, err)
	require.ErrorIs(t, err, sentinel)
	require.Equal(t, StateExcept, f.State())

	// further resumes remain no-ops, returning the same terminal error.
	err2 := f.Resume()
	require.Error(t, err2)
}

func TestResumeWhileExecutingPanics(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	f := New(func(y *Yielder) {
		close(entered)
		<-release
	}, 0)

	go func() { _ = f.Resume() }()
	<-entered

	require.Panics(t, func() {
		_ = f.Resume()
	})
	close(release)
}

func TestResetReusesFiberAfterTermination(t *testing.T) {
	f := New(func(y *Yielder) {}, 0)
	require.NoError(t, f.Resume())
	require.Equal(t, StateTerm, f.State())

	var ranSecond atomic.Bool
	f.Reset(func(y *Yielder) {
		ranSecond.Store(true)
	})
	require.Equal(t, StateInit, f.State())
	require.NoError(t, f.Resume())
	require.True(t, ranSecond.Load())
	require.Equal(t, StateTerm, f.State())
}

func TestResetBeforeTerminationPanics(t *testing.T) {
	release := make(chan struct{})
	f := New(func(y *Yielder) {
		y.YieldHold()
	}, 0)
	require.NoError(t, f.Resume())
	require.Equal(t, StateHold, f.State())

	require.Panics(t, func() {
		f.Reset(func(y *Yielder) {})
	})
	close(release)
}

func TestHostFiberStartsInExec(t *testing.T) {
	h := NewHost()
	require.Equal(t, StateExec, h.State())
}

func TestHostFiberResumePanics(t *testing.T) {
	h := NewHost()
	require.Panics(t, func() {
		_ = h.Resume()
	})
}

func TestCurrentReturnsNilOutsideAnyFiber(t *testing.T) {
	require.Nil(t, Current())
}

func TestCurrentMatchesExecutingFiber(t *testing.T) {
	var seenSelf, seenViaYielder *Fiber
	f := New(func(y *Yielder) {
		seenSelf = Current()
		seenViaYielder = y.Fiber()
	}, 0)
	require.NoError(t, f.Resume())
	require.Same(t, f, seenSelf)
	require.Same(t, f, seenViaYielder)
}

func TestCurrentIsScopedToItsOwnGoroutine(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var inner *Fiber
	f := New(func(y *Yielder) {
		close(entered)
		<-release
		inner = Current()
	}, 0)

	go func() { _ = f.Resume() }()
	<-entered

	require.Nil(t, Current(), "the test goroutine itself is not executing any fiber")

	close(release)
	require.Eventually(t, func() bool { return f.State().IsTerminal() }, time.Second, time.Millisecond)
	require.Same(t, f, inner)
}

func TestYieldFromForeignGoroutinePanics(t *testing.T) {
	entered := make(chan struct{})
	done := make(chan struct{})
	f := New(func(y *Yielder) {
		close(entered)
		<-done
	}, 0)

	go func() { _ = f.Resume() }()
	<-entered

	require.Panics(t, func() {
		y := &Yielder{f: f}
		y.YieldHold()
	})
	close(done)
}
