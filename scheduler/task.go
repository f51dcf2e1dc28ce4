package scheduler

import "github.com/fibercore/fiberd/fiber"

// Kind discriminates the two shapes a Task can take. Encoding this as an
// explicit tag, with two constructors below, rather than two independently
// nullable fields, makes "exactly one of coroutine/callable" a property the
// compiler and constructors enforce, instead of a convention callers must
// remember.
type Kind int8

const (
	// KindFiber identifies a Task wrapping a *fiber.Fiber.
	KindFiber Kind = iota
	// KindCallable identifies a Task wrapping a plain func().
	KindCallable
)

// Unpinned is the Task.Pinned value meaning "any worker may run this task".
const Unpinned = -1

// Task is a single unit of work in the scheduler's FIFO: either a coroutine
// to resume, or a plain callable to run to completion in one dispatch.
type Task struct {
	Kind     Kind
	Fiber    *fiber.Fiber
	Callable func()
	// Pinned names the only worker id allowed to run this task, or Unpinned.
	Pinned int
}

// FiberTask constructs a Task wrapping a coroutine. pinned is a worker id, or
// Unpinned if the task may run on any worker.
func FiberTask(f *fiber.Fiber, pinned int) Task {
	if f == nil {
		panic("scheduler: FiberTask requires a non-nil fiber")
	}
	return Task{Kind: KindFiber, Fiber: f, Pinned: pinned}
}

// CallableTask constructs a Task wrapping a plain callback, run to
// completion (it cannot yield) on whichever worker dispatches it.
func CallableTask(cb func(), pinned int) Task {
	if cb == nil {
		panic("scheduler: CallableTask requires a non-nil callable")
	}
	return Task{Kind: KindCallable, Callable: cb, Pinned: pinned}
}
