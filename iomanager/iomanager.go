//go:build linux

// Package iomanager implements an edge-triggered epoll-backed readiness
// manager: file descriptor interest is armed and disarmed explicitly, and a
// ready fd resumes or invokes whatever continuation was registered for it.
//
// It composes a *scheduler.Scheduler by embedding (Go's substitute for the
// "I/O manager is a specialization of the scheduler" relationship): the
// Manager supplies its own Notify, IsStopped and idle-body hooks to the
// embedded scheduler at construction time, using exactly the extension-hook
// mechanism package scheduler exposes for this purpose.
package iomanager

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/fibercore/fiberd/fiber"
	"github.com/fibercore/fiberd/fiberlog"
	"github.com/fibercore/fiberd/scheduler"
)

// Events is a bitset of the I/O readiness conditions this package models.
type Events uint32

const (
	// EventRead indicates the file descriptor is ready for reading.
	EventRead Events = 1 << iota
	// EventWrite indicates the file descriptor is ready for writing.
	EventWrite
	// EventError indicates an error condition reported for the descriptor.
	EventError
	// EventHangup indicates the peer end of the descriptor has closed.
	EventHangup
)

const (
	initialTableSize = 32
	idleTimeoutMs    = 5000
	wakeBatchSize    = 64
)

var (
	// ErrFDNotRegistered is returned by Del/CancelEvent for an fd that has no
	// record in the descriptor table (one never passed to AddEvent).
	ErrFDNotRegistered = fmt.Errorf("iomanager: fd not registered")
	// ErrEventNotArmed is returned when the requested direction (read or
	// write) was not armed on an otherwise-registered fd.
	ErrEventNotArmed = fmt.Errorf("iomanager: event direction not armed")
)

// fdRecord holds the two event-context slots (read, write) for one file
// descriptor, each owning at most one continuation: a scheduler.Task wrapping
// either a coroutine to resume or a callback to invoke.
type fdRecord struct {
	mu       sync.Mutex
	armed    Events
	readSet  bool
	read     scheduler.Task
	writeSet bool
	write    scheduler.Task
}

// Manager is an epoll-backed I/O readiness manager.
type Manager struct {
	*scheduler.Scheduler

	epfd   int
	wakeFd int

	tableMu sync.RWMutex
	table   []*fdRecord

	pending atomic.Int64
	closed  atomic.Bool
}

// New constructs a Manager with its own epoll instance and eventfd-based
// wakeup channel, and an embedded scheduler with workerCount worker slots,
// which New starts (a later call to Start is a no-op).
// opts may include general scheduler.Options (e.g. scheduler.WithCallerThread);
// the Manager always wires its own Notify/IsStoppedHook/idle-body overrides
// last, so they cannot be accidentally clobbered by a caller-supplied option.
func New(workerCount int, opts ...scheduler.Option) (*Manager, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("iomanager: epoll_create1: %w", err)
	}

	wakeFd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		_ = unix.Close(epfd)
		return nil, fmt.Errorf("iomanager: eventfd: %w", err)
	}

	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakeFd, &unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLET,
		Fd:     int32(wakeFd),
	}); err != nil {
		_ = unix.Close(wakeFd)
		_ = unix.Close(epfd)
		return nil, fmt.Errorf("iomanager: arm wakeup eventfd: %w", err)
	}

	m := &Manager{
		epfd:   epfd,
		wakeFd: wakeFd,
		table:  make([]*fdRecord, initialTableSize),
	}

	combined := make([]scheduler.Option, 0, len(opts)+3)
	combined = append(combined, opts...)
	combined = append(combined,
		scheduler.WithNotify(m.notify),
		scheduler.WithIsStoppedHook(m.isStoppedExtra),
		scheduler.WithIdleBody(m.idleBody),
	)

	m.Scheduler = scheduler.New(workerCount, combined...)
	if err := m.Scheduler.Start(); err != nil {
		_ = unix.Close(wakeFd)
		_ = unix.Close(epfd)
		return nil, fmt.Errorf("iomanager: start scheduler: %w", err)
	}
	return m, nil
}

// PendingEvents returns the number of currently armed (fd, direction) pairs.
func (m *Manager) PendingEvents() int64 { return m.pending.Load() }

// ensureCapacity grows the dense fd table so index fd is valid. The new size
// is max(current size, fd+1) * 3/2 — the corrected growth rule. Growing by
// fd*1.5 alone (as in the implementation this package is grounded on) can
// undershoot whenever fd is smaller than the table's current length, so that
// rule is not used here.
func (m *Manager) ensureCapacity(fd int) {
	m.tableMu.Lock()
	defer m.tableMu.Unlock()
	if fd < len(m.table) {
		return
	}
	base := len(m.table)
	if fd+1 > base {
		base = fd + 1
	}
	grown := make([]*fdRecord, base+base/2)
	copy(grown, m.table)
	m.table = grown
}

func (m *Manager) record(fd int) *fdRecord {
	m.tableMu.RLock()
	if fd < len(m.table) && m.table[fd] != nil {
		r := m.table[fd]
		m.tableMu.RUnlock()
		return r
	}
	m.tableMu.RUnlock()

	m.ensureCapacity(fd)

	m.tableMu.Lock()
	defer m.tableMu.Unlock()
	if m.table[fd] == nil {
		m.table[fd] = &fdRecord{}
	}
	return m.table[fd]
}

func (m *Manager) recordExisting(fd int) *fdRecord {
	m.tableMu.RLock()
	defer m.tableMu.RUnlock()
	if fd < 0 || fd >= len(m.table) {
		return nil
	}
	return m.table[fd]
}

// AddEvent arms exactly one of EventRead or EventWrite on fd. If cb is
// non-nil, it is wrapped as an unpinned scheduler.CallableTask and run, on
// the dispatching worker's reusable callable coroutine, when that direction
// becomes ready. Arming a direction that is already armed on fd is an error. If cb is nil, AddEvent instead
// snapshots the currently-executing coroutine — via fiber.Current(), which
// must be in fiber.StateExec, i.e. AddEvent must itself be called from
// inside that coroutine's own entry function — and arms it to be resumed
// directly. This mirrors original_source/source/iomanager.cpp's
// addEvent(fd, event, cb = nullptr): "if a callback is supplied, take it;
// otherwise take a reference to Fiber::getThis()", which is how a
// coroutine registers and suspends itself without any caller-held
// *fiber.Fiber ever existing outside it. Returns nil on success, a non-nil
// error (wrapping the epoll_ctl failure, or the missing-fiber case)
// otherwise — there is no separate 0/-1 return convention in this
// translation.
func (m *Manager) AddEvent(fd int, ev Events, cb func()) error {
	if fd < 0 {
		return fmt.Errorf("iomanager: negative fd %d", fd)
	}
	if ev != EventRead && ev != EventWrite {
		return fmt.Errorf("iomanager: AddEvent requires exactly one of EventRead/EventWrite, got %v", ev)
	}

	var task scheduler.Task
	if cb != nil {
		task = scheduler.CallableTask(cb, scheduler.Unpinned)
	} else {
		f := fiber.Current()
		if f == nil {
			return fmt.Errorf("iomanager: AddEvent called with no callback from outside a running fiber")
		}
		if f.State() != fiber.StateExec {
			return fmt.Errorf("iomanager: AddEvent snapshot fiber %d is not executing (state %s)", f.ID(), f.State())
		}
		task = scheduler.FiberTask(f, scheduler.Unpinned)
	}

	rec := m.record(fd)
	rec.mu.Lock()
	defer rec.mu.Unlock()

	if rec.armed&ev != 0 {
		return fmt.Errorf("iomanager: fd %d already has event %d armed", fd, ev)
	}

	wasRegistered := rec.armed != 0
	switch ev {
	case EventRead:
		rec.read = task
		rec.readSet = true
	case EventWrite:
		rec.write = task
		rec.writeSet = true
	}
	rec.armed |= ev

	op := unix.EPOLL_CTL_ADD
	if wasRegistered {
		op = unix.EPOLL_CTL_MOD
	}
	eev := &unix.EpollEvent{Events: toEpoll(rec.armed), Fd: int32(fd)}
	if err := unix.EpollCtl(m.epfd, op, fd, eev); err != nil {
		switch ev {
		case EventRead:
			rec.readSet = false
			rec.read = scheduler.Task{}
		case EventWrite:
			rec.writeSet = false
			rec.write = scheduler.Task{}
		}
		rec.armed &^= ev
		return fmt.Errorf("iomanager: epoll_ctl: %w", err)
	}

	m.pending.Add(1)
	return nil
}

// DelEvent disarms one direction on fd, discarding its continuation without
// running it.
func (m *Manager) DelEvent(fd int, ev Events) error {
	rec := m.recordExisting(fd)
	if rec == nil {
		return ErrFDNotRegistered
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	if rec.armed&ev == 0 {
		return ErrEventNotArmed
	}

	switch ev {
	case EventRead:
		rec.readSet = false
		rec.read = scheduler.Task{}
	case EventWrite:
		rec.writeSet = false
		rec.write = scheduler.Task{}
	}
	rec.armed &^= ev
	m.pending.Add(-1)

	if rec.armed == 0 {
		if err := unix.EpollCtl(m.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
			return fmt.Errorf("iomanager: epoll_ctl del: %w", err)
		}
		return nil
	}
	eev := &unix.EpollEvent{Events: toEpoll(rec.armed), Fd: int32(fd)}
	if err := unix.EpollCtl(m.epfd, unix.EPOLL_CTL_MOD, fd, eev); err != nil {
		return fmt.Errorf("iomanager: epoll_ctl mod: %w", err)
	}
	return nil
}

// CancelEvent disarms one direction on fd and, unlike DelEvent, immediately
// submits its continuation as if the event had fired — so a coroutine
// waiting on a cancelled event is woken rather than abandoned, and left to
// observe the cancellation itself (e.g. by checking the fd's state).
func (m *Manager) CancelEvent(fd int, ev Events) error {
	rec := m.recordExisting(fd)
	if rec == nil {
		return ErrFDNotRegistered
	}

	rec.mu.Lock()
	if rec.armed&ev == 0 {
		rec.mu.Unlock()
		return ErrEventNotArmed
	}
	var task scheduler.Task
	switch ev {
	case EventRead:
		task = rec.read
	case EventWrite:
		task = rec.write
	}
	rec.mu.Unlock()

	if err := m.DelEvent(fd, ev); err != nil {
		return err
	}
	m.dispatch(task)
	return nil
}

// CancelAll cancels every direction currently armed on fd.
func (m *Manager) CancelAll(fd int) error {
	rec := m.recordExisting(fd)
	if rec == nil {
		return nil
	}

	rec.mu.Lock()
	armed := rec.armed
	rec.mu.Unlock()

	var firstErr error
	if armed&EventRead != 0 {
		if err := m.CancelEvent(fd, EventRead); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if armed&EventWrite != 0 {
		if err := m.CancelEvent(fd, EventWrite); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (m *Manager) dispatch(task scheduler.Task) {
	if task.Fiber == nil && task.Callable == nil {
		return
	}
	if err := m.Submit(task); err != nil {
		fiberlog.System().Err().Err(err).Log("iomanager: failed to submit ready continuation")
	}
}

// notify wakes an idle worker by adding 1 to the wakeup eventfd's counter
// (one 8-byte write), but only if a worker is actually idle: nothing is
// written when nobody is listening, rather than unconditionally tickling on
// every Submit.
func (m *Manager) notify() {
	if m.IdleWorkers() == 0 {
		return
	}
	var buf [8]byte
	buf[7] = 1
	if _, err := unix.Write(m.wakeFd, buf[:]); err != nil && err != unix.EAGAIN {
		fiberlog.System().Err().Err(err).Log("iomanager: failed to write wakeup eventfd")
	}
}

func (m *Manager) isStoppedExtra() bool {
	return m.pending.Load() == 0
}

// idleBody is the scheduler's overridden idle hook: block in epoll_wait for
// up to 5 seconds, then dispatch whatever became ready. Each call uses its
// own stack-local event buffer (never a struct field) because multiple
// worker goroutines may call this concurrently on the same epoll fd.
func (m *Manager) idleBody(_ *scheduler.Scheduler) {
	if m.IsStopped() {
		return
	}

	var buf [wakeBatchSize]unix.EpollEvent
	n, err := unix.EpollWait(m.epfd, buf[:], idleTimeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return
		}
		fiberlog.System().Err().Err(err).Log("iomanager: epoll_wait failed")
		return
	}

	for i := 0; i < n; i++ {
		fd := int(buf[i].Fd)
		if fd == m.wakeFd {
			m.drainWake()
			continue
		}
		m.handleReady(fd, buf[i].Events)
	}
}

func (m *Manager) drainWake() {
	var buf [8]byte
	for {
		if _, err := unix.Read(m.wakeFd, buf[:]); err != nil {
			break
		}
	}
}

func (m *Manager) handleReady(fd int, raw uint32) {
	rec := m.recordExisting(fd)
	if rec == nil {
		return
	}

	// Readiness-hit is determined by a bitwise AND against the armed mask,
	// exclusively: the kernel may report bits (EPOLLERR, EPOLLHUP) nobody
	// armed, and an OR test would fire continuations for interest nobody
	// registered.
	reported := fromEpoll(raw)
	hit := reported & rec.armed

	rec.mu.Lock()
	var fired []scheduler.Task
	if hit&EventRead != 0 && rec.readSet {
		fired = append(fired, rec.read)
		rec.readSet = false
		rec.read = scheduler.Task{}
		rec.armed &^= EventRead
		m.pending.Add(-1)
	}
	if hit&EventWrite != 0 && rec.writeSet {
		fired = append(fired, rec.write)
		rec.writeSet = false
		rec.write = scheduler.Task{}
		rec.armed &^= EventWrite
		m.pending.Add(-1)
	}
	remaining := rec.armed
	rec.mu.Unlock()

	if remaining == 0 {
		if err := unix.EpollCtl(m.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
			fiberlog.System().Err().Err(err).Log("iomanager: failed to disarm fd after dispatch")
		}
	} else {
		eev := &unix.EpollEvent{Events: toEpoll(remaining), Fd: int32(fd)}
		if err := unix.EpollCtl(m.epfd, unix.EPOLL_CTL_MOD, fd, eev); err != nil {
			fiberlog.System().Err().Err(err).Log("iomanager: failed to re-arm fd")
		}
	}

	for _, t := range fired {
		m.dispatch(t)
	}
}

// Stop shuts down the embedded scheduler, then closes the epoll instance and
// the wakeup eventfd. Overrides (rather than merely forwards to) the
// embedded *scheduler.Scheduler.Stop, matching the "specializes C2"
// relationship the base type's method set alone cannot express.
func (m *Manager) Stop(ctx context.Context) error {
	err := m.Scheduler.Stop(ctx)
	if m.closed.CompareAndSwap(false, true) {
		_ = unix.Close(m.wakeFd)
		_ = unix.Close(m.epfd)
	}
	return err
}

func toEpoll(e Events) uint32 {
	out := uint32(unix.EPOLLET)
	if e&EventRead != 0 {
		out |= unix.EPOLLIN
	}
	if e&EventWrite != 0 {
		out |= unix.EPOLLOUT
	}
	return out
}

func fromEpoll(raw uint32) Events {
	var e Events
	if raw&unix.EPOLLIN != 0 {
		e |= EventRead
	}
	if raw&unix.EPOLLOUT != 0 {
		e |= EventWrite
	}
	if raw&unix.EPOLLERR != 0 {
		e |= EventError
	}
	if raw&unix.EPOLLHUP != 0 {
		e |= EventHangup
	}
	return e
}
