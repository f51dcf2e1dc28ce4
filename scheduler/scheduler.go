// Package scheduler implements an M:N cooperative task scheduler: N worker
// OS threads pulling tagged-union Task values (a coroutine or a plain
// callable) from a shared FIFO queue. It is the Go translation of a
// dispatch loop originally expressed against a single-threaded event loop,
// generalized to genuinely concurrent OS-thread-backed workers, with the
// coroutine runtime provided by package fiber.
package scheduler

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fibercore/fiberd/fiber"
	"github.com/fibercore/fiberd/fiberlog"
)

// ErrNotRunning is returned by Submit/SubmitBatch when the scheduler has not
// been started, or has already been stopped.
var ErrNotRunning = errors.New("scheduler: not running")

// worker is one dispatch slot: either a plain OS-thread-locked goroutine
// running dispatchLoop directly, or (for the caller-hosted slot) the
// goroutine backing callerFiber, entered only via Scheduler.Call or Stop.
type worker struct {
	id      int
	sched   *Scheduler
	host    *fiber.Fiber
	cbFiber *fiber.Fiber
}

// Scheduler is an M:N dispatcher over a FIFO Task queue.
type Scheduler struct {
	name        string
	workerCount int
	useCaller   bool

	notifyHook    func()
	isStoppedHook func() bool
	idleHook      func(*Scheduler)

	queue taskQueue

	running  atomic.Bool
	autoStop atomic.Bool
	started  atomic.Bool

	activeWorkers atomic.Int64
	idleWorkers   atomic.Int64

	workers      []*worker
	callerWorker *worker
	callerFiber  *fiber.Fiber

	wg sync.WaitGroup
}

// New constructs a Scheduler with workerCount worker slots (workerCount must
// be at least 1). If WithCallerThread is given, one of those slots is a
// caller-hosted dispatch coroutine, driven only by explicit calls to
// Scheduler.Call from the goroutine that constructed it (and once more by
// Stop), rather than its own OS-thread-locked goroutine.
func New(workerCount int, opts ...Option) *Scheduler {
	if workerCount < 1 {
		panic("scheduler: workerCount must be >= 1")
	}

	c := config{name: "scheduler"}
	for _, o := range opts {
		o(&c)
	}

	s := &Scheduler{
		name:        c.name,
		workerCount: workerCount,
		useCaller:   c.useCaller,
	}

	s.notifyHook = c.notify
	if s.notifyHook == nil {
		s.notifyHook = func() {}
	}
	s.isStoppedHook = c.isStopped
	s.idleHook = c.idleBody
	if s.idleHook == nil {
		s.idleHook = defaultIdleBody
	}

	if s.useCaller {
		callerID := workerCount - 1
		s.callerWorker = &worker{id: callerID, sched: s}
		s.callerFiber = fiber.New(func(y *fiber.Yielder) {
			s.dispatchLoop(s.callerWorker, y)
		}, 0)
	}

	return s
}

// defaultIdleBody is used when no I/O-aware override (such as iomanager's
// epoll_wait loop) is supplied: the base scheduler has no wakeup source of
// its own beyond the FIFO becoming non-empty, so it polls briefly rather
// than spin. A component with a real external wakeup source (epoll, a
// condition variable, a channel) should always override this via
// WithIdleBody instead of relying on the default.
func defaultIdleBody(s *Scheduler) {
	time.Sleep(time.Millisecond)
}

// Name returns the scheduler's diagnostic name.
func (s *Scheduler) Name() string { return s.name }

// WorkerCount returns the total number of worker slots, including the
// caller-hosted one, if any.
func (s *Scheduler) WorkerCount() int { return s.workerCount }

// UsesCallerThread reports whether one worker slot is the caller-hosted one.
func (s *Scheduler) UsesCallerThread() bool { return s.useCaller }

// ActiveWorkers returns the number of workers currently running a task.
func (s *Scheduler) ActiveWorkers() int64 { return s.activeWorkers.Load() }

// IdleWorkers returns the number of workers currently blocked in idleHook
// (or, for the caller-hosted slot, yielded back to its caller).
func (s *Scheduler) IdleWorkers() int64 { return s.idleWorkers.Load() }

// QueueLen returns the number of tasks currently waiting in the FIFO.
func (s *Scheduler) QueueLen() int { return s.queue.len() }

// Start spawns the scheduler's plain worker goroutines and marks it running.
// Idempotent: calling Start on an already-running scheduler is a no-op, not
// an error, matching the underlying dispatch-loop model's own start().
// Start must not be called more than once across the scheduler's full
// lifetime (after Stop, construct a new Scheduler instead).
func (s *Scheduler) Start() error {
	if !s.running.CompareAndSwap(false, true) {
		return nil
	}
	if s.started.Swap(true) {
		panic("scheduler: Start called more than once")
	}

	spawn := s.workerCount
	if s.useCaller {
		spawn--
	}

	s.workers = make([]*worker, 0, spawn)
	for i := 0; i < spawn; i++ {
		w := &worker{id: i, sched: s}
		s.workers = append(s.workers, w)
		s.wg.Add(1)
		go func(w *worker) {
			defer s.wg.Done()
			runtime.LockOSThread()
			defer runtime.UnlockOSThread()
			w.host = fiber.NewHost()
			s.dispatchLoop(w, nil)
		}(w)
	}

	return nil
}

// Call resumes the caller-hosted dispatch coroutine, running it until it
// either yields back (having found the FIFO empty) or terminates (having
// observed IsStopped). Only valid when WithCallerThread was supplied, and
// must only be called from the goroutine that constructed the scheduler.
func (s *Scheduler) Call() error {
	if !s.useCaller {
		panic("scheduler: Call called on a scheduler with no caller-hosted worker")
	}
	return s.callerFiber.Call()
}

// Submit appends a task to the FIFO, notifying idle workers at most once,
// exactly when the FIFO was empty before this insertion.
func (s *Scheduler) Submit(t Task) error {
	if !s.running.Load() {
		return ErrNotRunning
	}
	if s.queue.pushBack(t) {
		s.notifyHook()
	}
	return nil
}

// SubmitBatch appends every task in ts to the FIFO as one operation,
// notifying idle workers at most once if the FIFO was empty beforehand.
func (s *Scheduler) SubmitBatch(ts []Task) error {
	if !s.running.Load() {
		return ErrNotRunning
	}
	if len(ts) == 0 {
		return nil
	}
	if s.queue.pushBatch(ts) {
		s.notifyHook()
	}
	return nil
}

// IsStopped reports whether the scheduler has fully drained: autoStop was
// requested, it is no longer accepting work, the FIFO is empty, no worker is
// mid-task, and any extra condition supplied via WithIsStoppedHook (e.g.
// iomanager's PendingEvents() == 0) also holds.
func (s *Scheduler) IsStopped() bool {
	core := s.autoStop.Load() &&
		!s.running.Load() &&
		s.queue.empty() &&
		s.activeWorkers.Load() == 0
	if !core {
		return false
	}
	if s.isStoppedHook != nil {
		return s.isStoppedHook()
	}
	return true
}

// Stop requests shutdown: it flags autoStop, flips running false, notifies
// every worker (including, per the caller-hosted slot's own extra
// requirement, one additional notify call), enters the caller-hosted
// dispatch coroutine once via Call if it has not terminated, then waits for
// every worker goroutine to exit or ctx to be done, whichever comes first.
// That single Call returns when the caller-hosted slot finds nothing it can
// run; if the scheduler is not yet stopped at that point, the slot yields
// back and is not entered again by Stop. Calling Stop on a scheduler that
// was never started panics.
func (s *Scheduler) Stop(ctx context.Context) error {
	if !s.started.Load() {
		panic("scheduler: Stop called on a scheduler that was never started")
	}
	s.autoStop.Store(true)
	s.running.Store(false)

	notifies := s.workerCount
	if s.useCaller {
		notifies++
	}
	for i := 0; i < notifies; i++ {
		s.notifyHook()
	}

	if s.useCaller {
		switch s.callerFiber.State() {
		case fiber.StateTerm, fiber.StateExcept:
		default:
			if err := s.callerFiber.Call(); err != nil {
				fiberlog.System().Err().Err(err).
					Str("scheduler", s.name).
					Log("scheduler: caller-hosted dispatch coroutine terminated with error")
			}
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// dispatchLoop is the shared dispatch algorithm for both plain and
// caller-hosted workers: pop a runnable task, skipping (and tickling) any
// passed over for being pinned elsewhere or already executing; run it; when
// the FIFO is empty, either idle (plain workers) or yield back to the
// caller (the caller-hosted slot, via y.Back()), until IsStopped.
func (s *Scheduler) dispatchLoop(w *worker, y *fiber.Yielder) {
	for {
		task, ok, tickled := s.queue.pop(w.id)
		if tickled {
			s.notifyHook()
		}

		if ok {
			s.activeWorkers.Add(1)
			s.runTask(w, task)
			s.activeWorkers.Add(-1)
			continue
		}

		if s.IsStopped() {
			return
		}

		s.idleWorkers.Add(1)
		if y != nil {
			y.Back()
		} else {
			s.idleHook(s)
		}
		s.idleWorkers.Add(-1)
	}
}

// runTask dispatches a single Task to completion on worker w. A coroutine
// task is resumed exactly once; if it comes back StateReady it is
// resubmitted to the FIFO (an interrupted coroutine is never looped on
// directly, to preserve FIFO turn-taking with every other pending task). A
// callable task is wrapped in w's single reusable coroutine slot (reset, not
// recreated, to amortize goroutine-creation cost across many dispatches) so
// that a panicking callback is caught uniformly with coroutine panics.
func (s *Scheduler) runTask(w *worker, t Task) {
	switch t.Kind {
	case KindFiber:
		if err := t.Fiber.Resume(); err != nil {
			fiberlog.System().Err().Err(err).
				Uint64("fiber", t.Fiber.ID()).
				Log("scheduler: coroutine terminated with error")
		}
		if t.Fiber.State() == fiber.StateReady {
			_ = s.Submit(FiberTask(t.Fiber, t.Pinned))
		}

	case KindCallable:
		cb := t.Callable
		wrapped := func(y *fiber.Yielder) { cb() }
		if w.cbFiber == nil {
			w.cbFiber = fiber.New(wrapped, 0)
		} else {
			w.cbFiber.Reset(wrapped)
		}
		if err := w.cbFiber.Resume(); err != nil {
			fiberlog.System().Err().Err(err).
				Str("scheduler", s.name).
				Log("scheduler: callable task terminated with error")
		}
	}
}
