// Package selector implements a Go-style multi-way select over runtime
// channels: one wait that resolves exactly one of several pending channel
// operations.
//
// Arbitration: clauses are probed non-blockingly in registration order; if
// none is ready, a provisional waiter is registered on every clause's
// channel and the channels race a single compare-and-swap on the shared
// session node, so at most one clause can win. Losing registrations are
// rolled back exactly once. Tie-break is strict registration order, not a
// randomized fairness order.
package selector

import (
	"time"

	"github.com/emberml/corun/cancel"
	"github.com/emberml/corun/channel"
	"github.com/emberml/corun/coro"
	"github.com/emberml/corun/status"
)

type clause struct {
	poll     func() error
	register func(n *channel.SelectNode, idx int) func()
}

// A Selector is a reusable select session. Clauses persist across waits;
// the clause array grows geometrically with AddRecv/AddSend.
type Selector struct {
	tok     *cancel.Token
	clauses []clause
	unregs  []func() // scratch, reused across waits
}

// New creates a selector, optionally bound to a cancellation token observed
// by every Wait.
func New(tok *cancel.Token) *Selector {
	return &Selector{tok: tok}
}

// AddRecv appends a receive clause; a win stores the value into out.
func AddRecv[T any](s *Selector, ch *channel.Chan[T], out *T) {
	s.clauses = append(s.clauses, clause{
		poll: func() error { return ch.PollRecv(out) },
		register: func(n *channel.SelectNode, idx int) func() {
			return ch.RegisterRecv(n, idx, out)
		},
	})
}

// AddSend appends a send clause offering v.
func AddSend[T any](s *Selector, ch *channel.Chan[T], v T) {
	s.clauses = append(s.clauses, clause{
		poll: func() error { return ch.PollSend(v) },
		register: func(n *channel.SelectNode, idx int) func() {
			return ch.RegisterSend(n, idx, v)
		},
	})
}

// Len returns the number of clauses.
func (s *Selector) Len() int { return len(s.clauses) }

// Clear drops all clauses, keeping allocated capacity for reuse.
func (s *Selector) Clear() { s.clauses = s.clauses[:0] }

// Wait resolves exactly one clause and returns its index and result,
// following the runtime timeout taxonomy. When co is non-nil the wait parks
// the coroutine; otherwise the calling thread blocks. A result of
// status.ErrClosed or nil belongs to the winning clause; ErrWouldBlock,
// ErrTimedOut and ErrCancelled report an unresolved session (index -1).
func (s *Selector) Wait(co *coro.Coroutine, timeout time.Duration) (int, error) {
	if len(s.clauses) == 0 {
		return -1, status.ErrInvalidArgument
	}
	if s.tok != nil && s.tok.IsSet() {
		return -1, status.ErrCancelled
	}

	// Phase 1: fast probe, registration order.
	for i := range s.clauses {
		if err := s.clauses[i].poll(); err != status.ErrWouldBlock {
			return i, err
		}
	}
	if timeout == 0 {
		return -1, status.ErrWouldBlock
	}

	// Phase 2: provisional registration on every clause. A clause may win
	// inline if its channel became ready after the probe pass.
	n := channel.NewSelectNode(co)
	unregs := s.unregs[:0]
	for i := range s.clauses {
		unregs = append(unregs, s.clauses[i].register(n, i))
		if n.State() != channel.SelectRegistering {
			break
		}
	}

	// Phase 3: wait for a winner, the deadline, or cancellation.
	s.await(n, co, timeout)

	// Phase 4: roll back every provisional registration exactly once.
	for _, u := range unregs {
		u()
	}
	s.unregs = unregs[:0]

	switch n.State() {
	case channel.SelectWon:
		n.WaitReady()
		return n.Winner(), n.Err()
	case channel.SelectCanceled:
		return -1, status.ErrCancelled
	default:
		return -1, status.ErrTimedOut
	}
}

// cancelSlice bounds parked sub-waits when a token must be observed.
const cancelSlice = 5 * time.Millisecond

func (s *Selector) await(n *channel.SelectNode, co *coro.Coroutine, timeout time.Duration) {
	if n.State() != channel.SelectRegistering {
		return
	}
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	if co == nil {
		var timerC <-chan time.Time
		if timeout > 0 {
			tm := time.NewTimer(timeout)
			defer tm.Stop()
			timerC = tm.C
		}
		var doneC <-chan struct{}
		if s.tok != nil {
			doneC = s.tok.Done()
		}
		select {
		case <-n.WakeChan():
		case <-timerC:
			n.Abort(channel.SelectTimedOut)
		case <-doneC:
			n.Abort(channel.SelectCanceled)
		}
		return
	}

	for n.State() == channel.SelectRegistering {
		slice := time.Duration(-1)
		if timeout > 0 {
			slice = time.Until(deadline)
			if slice < 0 {
				slice = 0
			}
		}
		if s.tok != nil && (slice < 0 || slice > cancelSlice) {
			slice = cancelSlice
		}
		var tm *time.Timer
		if slice >= 0 {
			tm = time.AfterFunc(slice, co.Unpark)
		}
		co.Park()
		if tm != nil {
			tm.Stop()
		}
		if n.State() != channel.SelectRegistering {
			return
		}
		if s.tok != nil && s.tok.IsSet() {
			n.Abort(channel.SelectCanceled)
			return
		}
		if timeout > 0 && !time.Now().Before(deadline) {
			n.Abort(channel.SelectTimedOut)
			return
		}
	}
}
