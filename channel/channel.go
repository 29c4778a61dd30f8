// Package channel implements the runtime's typed channels: rendezvous,
// bounded, growable and conflated kinds, with waiter queues holding parked
// coroutines, host threads, or registered select clauses.
//
// Internal state is guarded by one lock per channel. Waking a parked party
// is two-phase: completion fields are written under the lock, the actual
// wake happens after it is released, so a coroutine is never resumed while
// the channel's invariants are mid-update.
package channel

import (
	"sync"
	"time"

	"github.com/emberml/corun/cancel"
	"github.com/emberml/corun/coro"
	"github.com/emberml/corun/status"
)

// Kind selects a channel's state machine.
type Kind int

const (
	// Rendezvous has no buffer; send and receive synchronize directly.
	Rendezvous Kind = iota
	// Buffered holds up to capacity elements in a ring.
	Buffered
	// Unlimited is a ring that doubles in place instead of blocking.
	Unlimited
	// Conflated keeps only the most recent value; send never blocks.
	Conflated
)

func (k Kind) String() string {
	switch k {
	case Rendezvous:
		return "rendezvous"
	case Buffered:
		return "buffered"
	case Unlimited:
		return "unlimited"
	case Conflated:
		return "conflated"
	default:
		return "unknown"
	}
}

// cancelSlice bounds each sub-wait of a cancellable parked wait so a token
// is observed promptly without continuously polling.
const cancelSlice = 5 * time.Millisecond

// ringBuf is the buffer of the Buffered and Unlimited kinds. The physical
// buffer is power-of-two sized; head and tail advance modulo its length.
type ringBuf[T any] struct {
	buf      []T
	head     int
	tail     int
	count    int
	capacity int  // logical limit; grows for the unlimited kind
	fixed    bool // false: grow instead of reporting full
}

func nextPow2(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

func newRingBuf[T any](capacity int, fixed bool) *ringBuf[T] {
	return &ringBuf[T]{
		buf:      make([]T, nextPow2(capacity)),
		capacity: capacity,
		fixed:    fixed,
	}
}

func (r *ringBuf[T]) full() bool { return r.count == r.capacity }

func (r *ringBuf[T]) push(v T) {
	r.buf[r.tail] = v
	r.tail = (r.tail + 1) & (len(r.buf) - 1)
	r.count++
}

func (r *ringBuf[T]) pop() T {
	var zero T
	v := r.buf[r.head]
	r.buf[r.head] = zero
	r.head = (r.head + 1) & (len(r.buf) - 1)
	r.count--
	return v
}

// grow doubles the ring, copying live elements in order. The new buffer is
// fully built before any shared field changes, so a failed allocation
// (which panics in Go) leaves the ring untouched.
func (r *ringBuf[T]) grow() {
	nbuf := make([]T, len(r.buf)*2)
	for i := 0; i < r.count; i++ {
		nbuf[i] = r.buf[(r.head+i)&(len(r.buf)-1)]
	}
	r.buf = nbuf
	r.head = 0
	r.tail = r.count
	r.capacity = len(nbuf)
}

type slotBuf[T any] struct {
	val      T
	hasValue bool
}

// Chan is a typed channel of one of the four kinds. Exactly one of ring and
// slot is non-nil, matching the kind, so code can never read an inactive
// representation.
type Chan[T any] struct {
	kind Kind

	mu    sync.Mutex
	ring  *ringBuf[T] // Buffered, Unlimited
	slot  *slotBuf[T] // Conflated
	sendq waiterQueue[T]
	recvq waiterQueue[T]

	closed bool
	stats  chanStats
}

// New creates a channel. Buffered requires capacity > 0; Unlimited treats
// capacity as the initial ring size (default 8); the other kinds ignore it.
func New[T any](kind Kind, capacity int) (*Chan[T], error) {
	c := &Chan[T]{kind: kind}
	switch kind {
	case Rendezvous:
	case Buffered:
		if capacity <= 0 {
			return nil, status.ErrInvalidArgument
		}
		c.ring = newRingBuf[T](capacity, true)
	case Unlimited:
		if capacity <= 0 {
			capacity = 8
		}
		c.ring = newRingBuf[T](capacity, false)
	case Conflated:
		c.slot = &slotBuf[T]{}
	default:
		return nil, status.ErrInvalidArgument
	}
	c.stats.created = time.Now()
	return c, nil
}

// Kind returns the channel's kind.
func (c *Chan[T]) Kind() Kind { return c.kind }

// Cap returns the logical capacity: 0 for rendezvous, 1 for conflated, the
// current limit for ring kinds.
func (c *Chan[T]) Cap() int {
	switch c.kind {
	case Conflated:
		return 1
	case Rendezvous:
		return 0
	default:
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.ring.capacity
	}
}

// Len returns the number of buffered elements.
func (c *Chan[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.kind {
	case Conflated:
		if c.slot.hasValue {
			return 1
		}
		return 0
	case Rendezvous:
		return 0
	default:
		return c.ring.count
	}
}

// Closed reports whether Close has been called.
func (c *Chan[T]) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// claimRecvWaiter pops the first receive waiter that can still take a
// value, winning the select session of clause waiters on the way. Dead
// clauses (whose session was decided elsewhere) are disposed and skipped.
func (c *Chan[T]) claimRecvWaiter() *waiter[T] {
	for {
		w := c.recvq.pop()
		if w == nil {
			return nil
		}
		if w.sel != nil && !w.sel.TryWin(w.idx) {
			w.dispose()
			continue
		}
		return w
	}
}

func (c *Chan[T]) claimSendWaiter() *waiter[T] {
	for {
		w := c.sendq.pop()
		if w == nil {
			return nil
		}
		if w.sel != nil && !w.sel.TryWin(w.idx) {
			w.dispose()
			continue
		}
		return w
	}
}

func (c *Chan[T]) completeRecv(w *waiter[T], v T) {
	if w.sel != nil {
		*w.out = v
		w.sel.err = nil
		w.sel.markReady()
	} else {
		w.val = v
	}
	w.err = nil
	w.done = true
	w.dispose()
}

func (c *Chan[T]) completeSend(w *waiter[T]) {
	if w.sel != nil {
		w.sel.err = nil
		w.sel.markReady()
	}
	w.err = nil
	w.done = true
	w.dispose()
}

// sendLocked attempts an immediate send. It returns a completed receive
// waiter to notify (outside the lock), or status.ErrWouldBlock when the
// caller must queue.
func (c *Chan[T]) sendLocked(v T) (*waiter[T], error) {
	if c.closed {
		return nil, status.ErrClosed
	}
	if w := c.claimRecvWaiter(); w != nil {
		c.completeRecv(w, v)
		return w, nil
	}
	switch c.kind {
	case Conflated:
		c.slot.val = v
		c.slot.hasValue = true
		return nil, nil
	case Rendezvous:
		return nil, status.ErrWouldBlock
	default:
		if c.ring.full() {
			if c.ring.fixed {
				return nil, status.ErrWouldBlock
			}
			c.ring.grow()
		}
		c.ring.push(v)
		return nil, nil
	}
}

// recvLocked attempts an immediate receive. It returns the value, plus a
// completed send waiter to notify outside the lock. Buffered values drain
// before the closed state is reported.
func (c *Chan[T]) recvLocked() (T, *waiter[T], error) {
	var zero T
	switch c.kind {
	case Conflated:
		if c.slot.hasValue {
			v := c.slot.val
			c.slot.val = zero
			c.slot.hasValue = false
			return v, nil, nil
		}
	case Rendezvous:
		if w := c.claimSendWaiter(); w != nil {
			v := w.val
			c.completeSend(w)
			return v, w, nil
		}
	default:
		if c.ring.count > 0 {
			v := c.ring.pop()
			// A freed slot lets one parked sender commit its value.
			if w := c.claimSendWaiter(); w != nil {
				c.ring.push(w.val)
				c.completeSend(w)
				return v, w, nil
			}
			return v, nil, nil
		}
	}
	if c.closed {
		return zero, nil, status.ErrClosed
	}
	return zero, nil, status.ErrWouldBlock
}

// TrySend attempts a non-blocking send from any context.
func (c *Chan[T]) TrySend(v T) error { return c.Send(nil, v, 0) }

// TryRecv attempts a non-blocking receive from any context.
func (c *Chan[T]) TryRecv() (T, error) { return c.Recv(nil, 0) }

// Send sends v. Timeout taxonomy: 0 attempts once and returns
// status.ErrWouldBlock; negative blocks until the value is taken (or the
// channel closes); positive bounds the wait. When co is non-nil the wait is
// a coroutine park; otherwise the calling thread blocks.
func (c *Chan[T]) Send(co *coro.Coroutine, v T, timeout time.Duration) error {
	return c.SendCancelable(co, v, timeout, nil)
}

// SendCancelable is Send observing a cancellation token. Long waits are
// sliced into bounded sub-waits so the token is noticed promptly.
func (c *Chan[T]) SendCancelable(co *coro.Coroutine, v T, timeout time.Duration, tok *cancel.Token) error {
	if tok != nil && tok.IsSet() {
		return status.ErrCancelled
	}
	c.mu.Lock()
	w, err := c.sendLocked(v)
	if err == nil {
		c.stats.sends.Add(1)
		c.mu.Unlock()
		if w != nil {
			w.notify()
		}
		return nil
	}
	if err != status.ErrWouldBlock || timeout == 0 {
		c.mu.Unlock()
		return err
	}
	sw := newWaiter[T](co)
	sw.val = v
	c.sendq.push(sw)
	c.stats.sendBlocks.Add(1)
	c.mu.Unlock()
	if err := c.waitWaiter(sw, timeout, tok); err != nil {
		return err
	}
	c.stats.sends.Add(1)
	return nil
}

// Recv receives a value with the same timeout taxonomy as Send. After
// Close, remaining buffered values drain first; then Recv reports
// status.ErrClosed.
func (c *Chan[T]) Recv(co *coro.Coroutine, timeout time.Duration) (T, error) {
	return c.RecvCancelable(co, timeout, nil)
}

// RecvCancelable is Recv observing a cancellation token.
func (c *Chan[T]) RecvCancelable(co *coro.Coroutine, timeout time.Duration, tok *cancel.Token) (T, error) {
	var zero T
	if tok != nil && tok.IsSet() {
		return zero, status.ErrCancelled
	}
	c.mu.Lock()
	v, w, err := c.recvLocked()
	if err == nil {
		c.stats.recvs.Add(1)
		c.mu.Unlock()
		if w != nil {
			w.notify()
		}
		return v, nil
	}
	if err != status.ErrWouldBlock || timeout == 0 {
		c.mu.Unlock()
		return zero, err
	}
	rw := newWaiter[T](co)
	c.recvq.push(rw)
	c.stats.recvBlocks.Add(1)
	c.mu.Unlock()
	if err := c.waitWaiter(rw, timeout, tok); err != nil {
		return zero, err
	}
	c.stats.recvs.Add(1)
	return rw.val, nil
}

// waitWaiter blocks until the queued node completes, the deadline passes or
// the token fires. Host threads block on the node's wake channel keyed to
// the earlier of deadline or wake; coroutines park, with long cancellable
// waits sliced into bounded sub-waits.
func (c *Chan[T]) waitWaiter(w *waiter[T], timeout time.Duration, tok *cancel.Token) error {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	if w.co == nil {
		var timerC <-chan time.Time
		if timeout > 0 {
			tm := time.NewTimer(timeout)
			defer tm.Stop()
			timerC = tm.C
		}
		var doneC <-chan struct{}
		if tok != nil {
			doneC = tok.Done()
		}
		select {
		case <-w.wake:
			c.mu.Lock()
			err := w.err
			c.mu.Unlock()
			return err
		case <-timerC:
			return c.abandonWaiter(w, status.ErrTimedOut)
		case <-doneC:
			return c.abandonWaiter(w, status.ErrCancelled)
		}
	}

	for {
		slice := time.Duration(-1)
		if timeout > 0 {
			slice = time.Until(deadline)
			if slice < 0 {
				slice = 0
			}
		}
		if tok != nil && (slice < 0 || slice > cancelSlice) {
			slice = cancelSlice
		}
		var tm *time.Timer
		if slice >= 0 {
			tm = time.AfterFunc(slice, w.co.Unpark)
		}
		w.co.Park()
		if tm != nil {
			tm.Stop()
		}
		c.mu.Lock()
		done, err := w.done, w.err
		c.mu.Unlock()
		if done {
			return err
		}
		if tok != nil && tok.IsSet() {
			return c.abandonWaiter(w, status.ErrCancelled)
		}
		if timeout > 0 && !time.Now().Before(deadline) {
			return c.abandonWaiter(w, status.ErrTimedOut)
		}
	}
}

// abandonWaiter withdraws a node after a timeout or cancellation. If a peer
// completed it concurrently the delivered result wins: a value that was
// already logically transferred is never dropped.
func (c *Chan[T]) abandonWaiter(w *waiter[T], cause error) error {
	c.mu.Lock()
	if w.done {
		err := w.err
		c.mu.Unlock()
		return err
	}
	if w.q != nil {
		w.q.remove(w)
	}
	w.dispose()
	c.mu.Unlock()
	return cause
}

// Close marks the channel closed and wakes every queued waiter with
// status.ErrClosed. Values already committed to the buffer remain
// receivable until drained; parked senders keep ownership of their values.
// Close is idempotent.
func (c *Chan[T]) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	var toWake []*waiter[T]
	for _, q := range [2]*waiterQueue[T]{&c.sendq, &c.recvq} {
		for {
			w := q.pop()
			if w == nil {
				break
			}
			if w.sel != nil && !w.sel.TryWin(w.idx) {
				w.dispose()
				continue
			}
			if w.sel != nil {
				w.sel.err = status.ErrClosed
				w.sel.markReady()
			}
			w.err = status.ErrClosed
			w.done = true
			w.dispose()
			toWake = append(toWake, w)
		}
	}
	c.mu.Unlock()
	for _, w := range toWake {
		w.notify()
	}
}
