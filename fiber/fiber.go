// Package fiber implements a stackful cooperative coroutine, the unit of
// execution scheduled by package scheduler.
//
// Go offers no supported, non-cgo mechanism equivalent to ucontext's
// getcontext/makecontext/swapcontext, so "stackful coroutine with an
// explicit context switch" is expressed here as a real goroutine (which
// already owns its own resizable stack) rendezvousing with its host through
// a pair of unbuffered channels. A channel send/receive pair blocking until
// both sides are ready *is* the context switch: the Go runtime performs the
// underlying stack save/restore, rather than a hand-rolled assembly trampoline.
package fiber

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/fibercore/fiberd/config"
	"github.com/fibercore/fiberd/fiberlog"
)

// defaultStackSize is consulted by New whenever stackSize is 0, matching
// the "0 means use the configured default" convention.
var defaultStackSize = config.MustLookup(config.Default, "fiber.stack_size",
	"default coroutine backing-goroutine stack size hint, in bytes (informational only; Go goroutine stacks grow on demand)",
	uint32(1<<20))

// State models a coroutine's position in its lifecycle.
type State int32

const (
	// StateInit is the state of a coroutine that has been created but never resumed.
	StateInit State = iota
	// StateExec is the state of a coroutine currently running on its own goroutine.
	StateExec
	// StateHold is the state of a coroutine that yielded and is not currently runnable.
	StateHold
	// StateReady is the state of a coroutine that yielded and wants to run again.
	StateReady
	// StateTerm is the state of a coroutine whose entry function returned normally.
	StateTerm
	// StateExcept is the state of a coroutine whose entry function panicked.
	StateExcept
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateExec:
		return "exec"
	case StateHold:
		return "hold"
	case StateReady:
		return "ready"
	case StateTerm:
		return "term"
	case StateExcept:
		return "except"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// IsTerminal reports whether s is a state a coroutine cannot leave.
func (s State) IsTerminal() bool { return s == StateTerm || s == StateExcept }

var idCounter atomic.Uint64

// registry maps a goroutine's runtime ID to the *Fiber it is currently
// executing, the Go analogue of the original native implementation's
// thread-local Fiber::getThis(). A goroutine registers itself the moment it
// starts running its entry function and deregisters when that function
// returns or panics; since exactly one goroutine ever drives a given
// *Fiber, the entry need not re-register across yield/resume cycles. For a
// coroutine's own goroutine the entry is deleted when its entry function
// returns or panics, so this registry is never the only reference keeping a
// Fiber's goroutine reachable. A host Fiber registered by NewHost has no
// entry function, and its entry is never deleted.
var registry sync.Map // goroutineID uint64 -> *Fiber

// Current returns the Fiber the calling goroutine is currently executing,
// or nil if the calling goroutine is not running inside any Fiber's entry
// function (including a host Fiber's own goroutine, which registers itself
// too). Used by collaborators such as package iomanager to snapshot "the
// coroutine that is asking" without the caller already holding an external
// reference to it.
func Current() *Fiber {
	v, ok := registry.Load(goroutineID())
	if !ok {
		return nil
	}
	return v.(*Fiber)
}

// Yielder is handed to a coroutine's entry function, and is the only way
// that coroutine may yield. Because it is scoped to a single call of entry,
// a coroutine can never yield "on behalf of" another one.
type Yielder struct {
	f *Fiber
}

// YieldHold suspends the calling coroutine, transitioning it to StateHold.
// It must be called from the coroutine's own goroutine.
func (y *Yielder) YieldHold() { y.f.yield(StateHold) }

// YieldReady suspends the calling coroutine, transitioning it to StateReady,
// signaling the scheduler that this coroutine wants to run again as soon as
// its turn comes up in the FIFO.
func (y *Yielder) YieldReady() { y.f.yield(StateReady) }

// Back is an alias of YieldHold, used only by the caller-hosted scheduler
// coroutine to switch control back to the thread that constructed the
// scheduler. It is named distinctly from YieldHold to mirror the distinct
// call()/back() pairing the scheduler uses for its caller-hosted slot.
func (y *Yielder) Back() { y.YieldHold() }

// Fiber returns the coroutine this Yielder belongs to, equivalent to (but
// cheaper than) calling Current() from inside that coroutine's own entry
// function.
func (y *Yielder) Fiber() *Fiber { return y.f }

// Fiber is a single cooperative coroutine.
type Fiber struct {
	id        uint64
	stackSize uint32
	host      bool

	state atomic.Int32

	resumeCh chan struct{}
	yieldCh  chan struct{}

	yielder Yielder

	ownerGoroutine atomic.Uint64
	panicVal       any
}

// New creates a coroutine with the given entry function. stackSize is
// retained for API fidelity with the data model this type implements (a
// zero value means "use the configured default"), but a goroutine-backed
// coroutine cannot be pre-sized or bound to a caller-supplied buffer the way
// a ucontext stack can; the value has no other effect. See the package doc
// and DESIGN.md for the reasoning.
func New(entry func(y *Yielder), stackSize uint32) *Fiber {
	if stackSize == 0 {
		stackSize = defaultStackSize.Value()
	}
	f := &Fiber{
		id:        idCounter.Add(1),
		stackSize: stackSize,
	}
	f.yielder.f = f
	f.state.Store(int32(StateInit))
	f.start(entry)
	return f
}

// NewHost returns a Fiber representing the coroutine implicitly owned by the
// calling goroutine itself (e.g. a scheduler worker's own stack). It has no
// entry function, is always StateExec, and Resume/Reset on it panics.
func NewHost() *Fiber {
	f := &Fiber{id: idCounter.Add(1), host: true}
	f.state.Store(int32(StateExec))
	gid := goroutineID()
	f.ownerGoroutine.Store(gid)
	registry.Store(gid, f)
	return f
}

// ID returns a process-unique identifier assigned at construction.
func (f *Fiber) ID() uint64 { return f.id }

// State returns the coroutine's current lifecycle state.
func (f *Fiber) State() State { return State(f.state.Load()) }

// start spawns the backing goroutine, which blocks immediately, waiting for
// the first Resume. This mirrors a ucontext coroutine being created but
// suspended at its trampoline (StateInit).
func (f *Fiber) start(entry func(y *Yielder)) {
	f.resumeCh = make(chan struct{})
	f.yieldCh = make(chan struct{})
	f.panicVal = nil

	go func() {
		<-f.resumeCh
		gid := goroutineID()
		f.ownerGoroutine.Store(gid)
		registry.Store(gid, f)

		defer func() {
			registry.Delete(gid)

			if r := recover(); r != nil {
				f.state.Store(int32(StateExcept))
				f.panicVal = r
				fiberlog.System().Err().
					Any("panic", r).
					Str("stack", string(debug.Stack())).
					Log("fiber: coroutine entry panicked")
			}
			// The entry closure (and any state it captured) is no longer
			// referenced by this goroutine past this point, other than
			// through the panic value above; closing yieldCh both wakes a
			// blocked Resume and makes every subsequent Resume an immediate
			// no-op, without needing to keep this goroutine alive to service
			// them. This is the Go-idiomatic analogue of the original
			// native implementation's requirement to drop its owning
			// reference before the final, through-a-dangling-pointer
			// context switch: there, a raw pointer into freed memory must
			// never be read after the switch; here, there is no owning
			// reference or manual free to race against, since closing a
			// channel is always safe to receive from, any number of times.
			close(f.yieldCh)
		}()

		entry(&f.yielder)

		if f.state.Load() != int32(StateExcept) {
			f.state.Store(int32(StateTerm))
		}
	}()
}

// Reset rearms a terminated (or never-started) coroutine with a new entry
// function, reusing the Fiber value. Used by the scheduler to recycle a
// single callable-wrapper coroutine across many dispatched callables,
// instead of paying for a fresh goroutine per callable.
func (f *Fiber) Reset(entry func(y *Yielder)) {
	if f.host {
		panic("fiber: Reset called on a host fiber")
	}
	switch f.State() {
	case StateTerm, StateExcept, StateInit:
	default:
		panic("fiber: Reset called on a fiber that has not terminated")
	}
	f.state.Store(int32(StateInit))
	f.start(entry)
}

// Resume switches from the calling goroutine into the coroutine, blocking
// until the coroutine yields or terminates. Resuming a terminated coroutine
// is a no-op that returns the coroutine's terminal error, if any.
func (f *Fiber) Resume() error {
	if f.host {
		panic("fiber: Resume called on a host fiber")
	}
	switch f.State() {
	case StateTerm, StateExcept:
		return f.exitError()
	case StateExec:
		panic("fiber: Resume called on a fiber that is already executing")
	}

	f.state.Store(int32(StateExec))
	f.resumeCh <- struct{}{}
	<-f.yieldCh

	if f.State() == StateExcept {
		return f.exitError()
	}
	return nil
}

// Call is an alias of Resume, used only by the caller-hosted scheduler's
// host side to switch into the scheduler's dedicated coroutine. It is named
// distinctly from Resume to mirror the original call()/back() pairing used
// only for that one relationship.
func (f *Fiber) Call() error { return f.Resume() }

func (f *Fiber) exitError() error {
	if f.panicVal == nil {
		return nil
	}
	if err, ok := f.panicVal.(error); ok {
		return fmt.Errorf("fiber: coroutine %d terminated by panic: %w", f.id, err)
	}
	return fmt.Errorf("fiber: coroutine %d terminated by panic: %v", f.id, f.panicVal)
}

// yield is the shared implementation of YieldHold/YieldReady.
func (f *Fiber) yield(next State) {
	if f.host {
		panic("fiber: yield called on a host fiber")
	}
	if goroutineID() != f.ownerGoroutine.Load() {
		panic("fiber: yield called from outside the coroutine's own goroutine")
	}
	if f.State() != StateExec {
		panic("fiber: yield called while not executing")
	}
	f.state.Store(int32(next))
	f.yieldCh <- struct{}{}
	<-f.resumeCh
	f.state.Store(int32(StateExec))
}

// goroutineID returns the current goroutine's runtime ID, parsed from the
// debug stack dump's leading "goroutine N [...]" line. Used to key the
// registry behind Current, and to assert that yields happen on the fiber's
// own goroutine; never for scheduling decisions.
func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	var id uint64
	for i := len("goroutine "); i < n; i++ {
		if buf[i] >= '0' && buf[i] <= '9' {
			id = id*10 + uint64(buf[i]-'0')
		} else {
			break
		}
	}
	return id
}
