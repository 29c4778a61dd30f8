// Package coro implements the coroutine core: cooperatively scheduled units
// of execution that are resumed and suspended explicitly. Each Coroutine is
// backed by a dedicated goroutine whose execution is gated by a synchronous
// resume/suspend handoff, so exactly one thread ever runs a coroutine's body
// at a time.
//
// A Coroutine must be driven by a resumer (normally a scheduler worker).
// Yield suspends back to that resumer; Park suspends until another party
// calls Unpark. Unpark on a coroutine that is not parked leaves a permit so
// the next Park returns immediately, which makes wake/park races lossless.
package coro

import (
	"fmt"
	"runtime"
	"sync/atomic"
)

// State is the lifecycle state of a Coroutine.
type State int32

const (
	StateCreated State = iota
	StateReady
	StateRunning
	StateSuspended
	StateParked
	StateFinished
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateSuspended:
		return "suspended"
	case StateParked:
		return "parked"
	case StateFinished:
		return "finished"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Enqueuer re-queues a runnable coroutine. It is implemented by the
// scheduler; Unpark uses it so a woken coroutine lands back on a run queue
// without the waker knowing anything about scheduling.
type Enqueuer interface {
	EnqueueReady(co *Coroutine)
}

var nextID atomic.Uint64

// A Coroutine is an owning handle to a cooperatively scheduled execution.
// It is created by Spawn, driven by Resume, and destroyed when its reference
// count reaches zero after it has finished.
type Coroutine struct {
	id        uint64
	fn        func(*Coroutine)
	state     atomic.Int32
	refs      atomic.Int32
	running   atomic.Bool // single-runner guard
	enqueued  atomic.Bool // prevents duplicate run-queue insertion
	permit    atomic.Bool // pending unpark
	enq       Enqueuer
	stackHint int

	resumeCh  chan struct{}
	suspendCh chan struct{}
	started   bool // touched only while running is held
}

// Spawn creates a coroutine that will run fn when first resumed. The backing
// goroutine starts lazily on the first Resume.
func Spawn(fn func(*Coroutine)) *Coroutine {
	return SpawnSized(fn, 0)
}

// SpawnSized is Spawn with an advisory stack-size hint. Go sizes stacks
// itself; the hint is recorded for telemetry only.
func SpawnSized(fn func(*Coroutine), stackHint int) *Coroutine {
	if fn == nil {
		panic("coro: Spawn with nil function")
	}
	co := &Coroutine{
		id:        nextID.Add(1),
		fn:        fn,
		stackHint: stackHint,
		resumeCh:  make(chan struct{}),
		suspendCh: make(chan struct{}),
	}
	co.refs.Store(1)
	co.state.Store(int32(StateCreated))
	return co
}

// ID returns the coroutine's process-unique id.
func (co *Coroutine) ID() uint64 { return co.id }

// StackHint returns the advisory stack size passed to SpawnSized.
func (co *Coroutine) StackHint() int { return co.stackHint }

// State returns the current lifecycle state.
func (co *Coroutine) State() State { return State(co.state.Load()) }

// Bind attaches the scheduler that Unpark should enqueue onto. It must be
// called before the coroutine can park and be woken.
func (co *Coroutine) Bind(enq Enqueuer) { co.enq = enq }

// MarkEnqueued flips the enqueued flag; it returns false if the coroutine is
// already sitting in a run queue.
func (co *Coroutine) MarkEnqueued() bool {
	return co.enqueued.CompareAndSwap(false, true)
}

// ClearEnqueued is called by the scheduler when it pops the coroutine.
func (co *Coroutine) ClearEnqueued() { co.enqueued.Store(false) }

// Resume switches into the coroutine and returns when it yields, parks or
// finishes. Resuming a finished coroutine is a no-op. Two resumers of the
// same coroutine serialize on the running flag; the run-queue invariant (a
// coroutine is in at most one queue) keeps that window to the unwind of the
// previous resume.
func (co *Coroutine) Resume() {
	switch co.State() {
	case StateFinished:
		return
	case StateRunning:
		// A cancelled park raced an Unpark that had already enqueued the
		// coroutine; it kept running under its current resumer, so this
		// queue entry is spurious. If it suspends after this check its
		// resumer re-queues it.
		return
	}
	for !co.running.CompareAndSwap(false, true) {
		runtime.Gosched()
	}
	switch co.State() {
	case StateFinished, StateParked, StateRunning:
		// Nothing to run: finished, or a stale wakeup raced a park.
		co.running.Store(false)
		return
	}
	co.state.Store(int32(StateRunning))
	if !co.started {
		co.started = true
		go co.trampoline()
	} else {
		co.resumeCh <- struct{}{}
	}
	<-co.suspendCh
	co.running.Store(false)
}

func (co *Coroutine) trampoline() {
	defer func() {
		co.state.Store(int32(StateFinished))
		co.suspendCh <- struct{}{}
	}()
	co.fn(co)
}

// Yield suspends the coroutine back to its resumer. The resumer observes
// StateSuspended and is expected to re-queue the coroutine. Calling Yield
// outside the coroutine's own body is a programming error.
func (co *Coroutine) Yield() {
	co.checkRunning("Yield")
	co.state.Store(int32(StateSuspended))
	co.suspendCh <- struct{}{}
	<-co.resumeCh
}

// Park suspends the coroutine until another party calls Unpark. If an unpark
// permit is pending, Park consumes it and returns immediately.
func (co *Coroutine) Park() {
	co.checkRunning("Park")
	// Publish StateParked before consulting the permit. An Unpark racing
	// this park either observes the parked state and transitions it, or its
	// permit store is visible to the check below; no wakeup can land in a
	// window where both sides miss each other.
	co.state.Store(int32(StateParked))
	if co.permit.CompareAndSwap(true, false) {
		for !co.state.CompareAndSwap(int32(StateParked), int32(StateRunning)) {
			if co.state.CompareAndSwap(int32(StateReady), int32(StateRunning)) {
				// A second Unpark slipped in and enqueued us before the
				// rollback. The queue entry surfaces as a resume of an
				// already-running coroutine, which Resume skips.
				break
			}
		}
		return
	}
	co.suspendCh <- struct{}{}
	<-co.resumeCh
	// Resume stored StateRunning before signalling resumeCh.
}

// Unpark transitions a parked coroutine to ready and enqueues it on its
// scheduler. If the coroutine is not parked, a permit is left behind so the
// next Park returns immediately. Unpark of a finished coroutine is a no-op.
func (co *Coroutine) Unpark() {
	for {
		switch State(co.state.Load()) {
		case StateFinished:
			return
		case StateParked:
			if co.state.CompareAndSwap(int32(StateParked), int32(StateReady)) {
				if co.enq == nil {
					panic("coro: Unpark on a coroutine with no scheduler bound")
				}
				if co.MarkEnqueued() {
					co.enq.EnqueueReady(co)
				}
				return
			}
			// The parker cancelled or a peer won the transition; retry
			// against the fresh state.
		default:
			co.permit.Store(true)
			if State(co.state.Load()) != StateParked {
				return
			}
			// The park was published after our permit store. Reclaim the
			// permit and go through the parked path so the wakeup cannot
			// strand; if the reclaim fails the parker already consumed it.
			if !co.permit.CompareAndSwap(true, false) {
				return
			}
		}
	}
}

// Retain increments the reference count.
func (co *Coroutine) Retain() { co.refs.Add(1) }

// Release decrements the reference count. When it reaches zero after the
// coroutine has finished, the handoff machinery is released.
func (co *Coroutine) Release() {
	if n := co.refs.Add(-1); n == 0 {
		if co.State() != StateFinished {
			panic("coro: released last reference to a live coroutine")
		}
		co.fn = nil
		co.enq = nil
	} else if n < 0 {
		panic("coro: refcount underflow")
	}
}

func (co *Coroutine) checkRunning(op string) {
	if co.State() != StateRunning || !co.running.Load() {
		panic("coro: " + op + " called outside an active coroutine context")
	}
}
