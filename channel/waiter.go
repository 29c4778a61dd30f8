package channel

import (
	"runtime"
	"sync/atomic"

	"github.com/emberml/corun/coro"
)

// waiterTag is the sentinel checked before disposing a node; a mismatch
// means the pointer never was (or no longer is) a live waiter.
const waiterTag uint16 = 0xC0A1

// A waiter is one parked party in a channel's send or receive queue. It
// holds either a parked coroutine, a host-thread wake channel, or a
// registered select clause. A node lives in exactly one queue and is
// disposed exactly once; the wake path and the cancel path may both reach
// it concurrently, so completion (done) and disposal are guarded by the
// channel lock.
type waiter[T any] struct {
	tag  uint16
	co   *coro.Coroutine
	wake chan struct{}

	sel *SelectNode // non-nil for a registered select clause
	idx int         // clause index within the select session
	out *T          // select-recv destination

	val      T
	err      error
	done     bool
	disposed bool

	prev, next *waiter[T]
	q          *waiterQueue[T]
}

func newWaiter[T any](co *coro.Coroutine) *waiter[T] {
	w := &waiter[T]{tag: waiterTag, co: co}
	if co == nil {
		w.wake = make(chan struct{})
	}
	return w
}

// dispose marks the node dead. Double disposal indicates a scheduling
// invariant violation upstream and fails fast.
func (w *waiter[T]) dispose() {
	if w.tag != waiterTag {
		panic("channel: disposing a corrupt waiter node")
	}
	if w.disposed {
		panic("channel: waiter node disposed twice")
	}
	w.disposed = true
}

// notify wakes the waiting party. Must be called outside the channel lock,
// after the node's completion fields were written under it.
func (w *waiter[T]) notify() {
	switch {
	case w.sel != nil:
		w.sel.wakeOwner()
	case w.co != nil:
		w.co.Unpark()
	default:
		close(w.wake)
	}
}

// waiterQueue is an intrusive FIFO of waiter nodes. All access is under the
// owning channel's lock.
type waiterQueue[T any] struct {
	head, tail *waiter[T]
}

func (q *waiterQueue[T]) empty() bool { return q.head == nil }

func (q *waiterQueue[T]) push(w *waiter[T]) {
	w.q = q
	if q.tail == nil {
		q.head, q.tail = w, w
		return
	}
	w.prev = q.tail
	q.tail.next = w
	q.tail = w
}

func (q *waiterQueue[T]) pop() *waiter[T] {
	w := q.head
	if w == nil {
		return nil
	}
	q.remove(w)
	return w
}

func (q *waiterQueue[T]) remove(w *waiter[T]) {
	if w.q != q {
		return
	}
	if w.prev != nil {
		w.prev.next = w.next
	} else {
		q.head = w.next
	}
	if w.next != nil {
		w.next.prev = w.prev
	} else {
		q.tail = w.prev
	}
	w.prev, w.next = nil, nil
	w.q = nil
}

// SelectState is the tri-state (plus timeout split) of a select session.
type SelectState int32

const (
	SelectRegistering SelectState = iota
	SelectWon
	SelectCanceled
	SelectTimedOut
)

// A SelectNode is the single arbitration point shared by every clause of
// one select session. Channels race TryWin; at most one succeeds, which is
// what prevents two channels from double-delivering to the same session.
type SelectNode struct {
	state  atomic.Int32
	winner atomic.Int32

	// err is written by the winning channel between TryWin and markReady;
	// readers must observe ready before touching it.
	err   error
	ready atomic.Bool

	co   *coro.Coroutine
	wake chan struct{}
}

// NewSelectNode creates a node owned by co, or by a host thread when co is
// nil.
func NewSelectNode(co *coro.Coroutine) *SelectNode {
	n := &SelectNode{co: co}
	n.winner.Store(-1)
	if co == nil {
		n.wake = make(chan struct{}, 1)
	}
	return n
}

// Reset readies the node for another wait. Only the session owner may call
// it, and only with no registrations outstanding.
func (n *SelectNode) Reset() {
	n.state.Store(int32(SelectRegistering))
	n.winner.Store(-1)
	n.err = nil
	n.ready.Store(false)
	if n.co == nil {
		select {
		case <-n.wake:
		default:
		}
	}
}

// TryWin attempts the Registering→Won transition on behalf of clause idx.
func (n *SelectNode) TryWin(idx int) bool {
	if n.state.CompareAndSwap(int32(SelectRegistering), int32(SelectWon)) {
		n.winner.Store(int32(idx))
		return true
	}
	return false
}

// Abort attempts the Registering→to transition (Canceled or TimedOut).
func (n *SelectNode) Abort(to SelectState) bool {
	return n.state.CompareAndSwap(int32(SelectRegistering), int32(to))
}

// State returns the current session state.
func (n *SelectNode) State() SelectState { return SelectState(n.state.Load()) }

// Winner returns the winning clause index, or -1.
func (n *SelectNode) Winner() int { return int(n.winner.Load()) }

// Err returns the winner's result; call WaitReady first.
func (n *SelectNode) Err() error { return n.err }

func (n *SelectNode) markReady() { n.ready.Store(true) }

// WaitReady spins out the tiny window between a winning TryWin and the
// winner publishing its result. Only meaningful once State is SelectWon.
func (n *SelectNode) WaitReady() {
	for !n.ready.Load() {
		runtime.Gosched()
	}
}

// WakeChan exposes the host-thread wake channel (nil for coroutine owners).
func (n *SelectNode) WakeChan() <-chan struct{} { return n.wake }

func (n *SelectNode) wakeOwner() {
	if n.co != nil {
		n.co.Unpark()
		return
	}
	select {
	case n.wake <- struct{}{}:
	default:
	}
}
