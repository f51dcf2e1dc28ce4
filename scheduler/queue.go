package scheduler

import (
	"sync"

	"github.com/fibercore/fiberd/fiber"
)

// node is one entry of the FIFO's doubly-linked list. A doubly-linked list,
// rather than a chunked append/pop-head ring (as used by the teacher's
// ingress queue for its single-consumer microtask ring), is required here
// because pop must remove an arbitrary interior node when it skips a
// task pinned to a different worker or a coroutine that is still executing
// elsewhere, and a ring buffer cannot do that without shifting everything
// behind it.
type node struct {
	task       Task
	prev, next *node
}

// taskQueue is the scheduler's mutex-guarded FIFO of pending Task values.
type taskQueue struct {
	mu         sync.Mutex
	head, tail *node
	size       int
}

// pushBack appends t, reporting whether the queue was empty beforehand (the
// scheduler calls notify() exactly when this is true).
func (q *taskQueue) pushBack(t Task) (wasEmpty bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	wasEmpty = q.head == nil
	q.insertUnlocked(t)
	return
}

// pushBatch appends every task in ts as one locked operation, reporting
// whether the queue was empty before the first insertion.
func (q *taskQueue) pushBatch(ts []Task) (wasEmpty bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	wasEmpty = q.head == nil
	for _, t := range ts {
		q.insertUnlocked(t)
	}
	return
}

func (q *taskQueue) insertUnlocked(t Task) {
	n := &node{task: t}
	if q.tail == nil {
		q.head, q.tail = n, n
	} else {
		n.prev = q.tail
		q.tail.next = n
		q.tail = n
	}
	q.size++
}

// pop scans the FIFO from the head looking for the first task this worker
// may run: any task pinned to workerID or Unpinned, whose coroutine (if any)
// is not currently StateExec elsewhere. Tasks skipped because they are
// pinned to a different worker are left in place (FIFO order is preserved,
// never reordered to the tail) and cause tickle to be reported true, so the
// caller can notify the other workers once.
func (q *taskQueue) pop(workerID int) (task Task, ok bool, tickle bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for n := q.head; n != nil; n = n.next {
		if n.task.Pinned != Unpinned && n.task.Pinned != workerID {
			tickle = true
			continue
		}
		if n.task.Kind == KindFiber && n.task.Fiber.State() == fiber.StateExec {
			continue
		}
		q.removeUnlocked(n)
		return n.task, true, tickle
	}
	return Task{}, false, tickle
}

func (q *taskQueue) removeUnlocked(n *node) {
	if n.prev != nil {
		n.prev.next = n.next
	} else {
		q.head = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	} else {
		q.tail = n.prev
	}
	q.size--
}

func (q *taskQueue) empty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.head == nil
}

func (q *taskQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}
