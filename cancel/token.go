// Package cancel implements a hierarchical cancellation token tree.
// Triggering a token is idempotent and cascades to every descendant.
// Tokens are independent of scheduling; channels and scopes consume them.
package cancel

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emberml/corun/status"
)

// A Token is an idempotent "stop" signal. Tokens form a tree: triggering a
// token triggers all of its children. The zero value is not usable; create
// tokens with New.
type Token struct {
	set  atomic.Bool
	done chan struct{}

	mu       sync.Mutex
	parent   *Token
	children []*Token
}

// New creates a token, optionally linked under parent (pass nil for a root).
// If the parent has already been triggered, the child is created
// pre-triggered and never linked, so no dangling edge is left behind.
func New(parent *Token) *Token {
	t := &Token{done: make(chan struct{})}
	if parent == nil {
		return t
	}
	parent.mu.Lock()
	if parent.set.Load() {
		parent.mu.Unlock()
		t.set.Store(true)
		close(t.done)
		return t
	}
	t.parent = parent
	parent.children = append(parent.children, t)
	parent.mu.Unlock()
	return t
}

// Trigger fires the token and cascades to all children. Repeated calls are
// no-ops. The child list is snapshotted under the lock and the lock released
// before recursing, so no cross-token lock ordering exists.
func (t *Token) Trigger() {
	if !t.set.CompareAndSwap(false, true) {
		return
	}
	close(t.done)
	t.mu.Lock()
	kids := t.children
	t.children = nil
	t.mu.Unlock()
	for _, c := range kids {
		c.Trigger()
	}
}

// IsSet reports whether the token has been triggered.
func (t *Token) IsSet() bool { return t.set.Load() }

// Done returns a channel closed when the token triggers.
func (t *Token) Done() <-chan struct{} { return t.done }

// Wait blocks until the token triggers, following the runtime timeout
// taxonomy: 0 checks once and returns status.ErrWouldBlock if unset, a
// negative timeout waits indefinitely, a positive timeout waits until the
// deadline and returns status.ErrTimedOut.
func (t *Token) Wait(timeout time.Duration) error {
	if t.set.Load() {
		return nil
	}
	switch {
	case timeout == 0:
		return status.ErrWouldBlock
	case timeout < 0:
		<-t.done
		return nil
	default:
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case <-t.done:
			return nil
		case <-timer.C:
			return status.ErrTimedOut
		}
	}
}

// Detach unlinks the token from its parent so destroying a structured scope
// does not leak an entry in the parent's child list. Safe to call on roots
// and on already-triggered tokens.
func (t *Token) Detach() {
	t.mu.Lock()
	p := t.parent
	t.parent = nil
	t.mu.Unlock()
	if p == nil {
		return
	}
	p.mu.Lock()
	for i, c := range p.children {
		if c == t {
			p.children = append(p.children[:i], p.children[i+1:]...)
			break
		}
	}
	p.mu.Unlock()
}

// Context returns a context.Context view of the token for interop with
// libraries that take contexts. The context has no deadline and carries no
// values; it is done exactly when the token triggers.
func (t *Token) Context() context.Context { return tokenCtx{t} }

type tokenCtx struct{ t *Token }

func (c tokenCtx) Deadline() (time.Time, bool) { return time.Time{}, false }
func (c tokenCtx) Done() <-chan struct{}       { return c.t.done }
func (c tokenCtx) Value(any) any               { return nil }

func (c tokenCtx) Err() error {
	if c.t.IsSet() {
		return context.Canceled
	}
	return nil
}
