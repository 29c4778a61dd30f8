// Package errgroup provides an adapter that mimics golang.org/x/sync/errgroup
// semantics using a runtime scope, so errgroup-shaped code can run its
// functions as coroutines on a corun scheduler.
package errgroup

import (
	"github.com/emberml/corun/cancel"
	"github.com/emberml/corun/coro"
	"github.com/emberml/corun/sched"
	"github.com/emberml/corun/scope"
)

// Group is an errgroup-like wrapper over a FailFast scope.
type Group struct {
	s *scope.Scope
}

// New creates a Group running on rt, its token parented under parent (nil
// for a root). The token triggers when any function passed to Go returns a
// non-nil error.
func New(rt *sched.Runtime, parent *cancel.Token) (*Group, *cancel.Token) {
	s := scope.New(rt, parent, scope.FailFast)
	return &Group{s: s}, s.Token()
}

// Go starts a function as a child coroutine. It should return a non-nil
// error to signal failure.
func (g *Group) Go(f func() error) {
	if f == nil {
		return
	}
	_ = g.s.Launch(func(*coro.Coroutine) error {
		return f()
	})
}

// Wait blocks until all functions have returned. It returns the first
// non-nil error (FailFast semantics) or nil on success.
func (g *Group) Wait() error {
	return g.s.WaitAll(-1)
}
