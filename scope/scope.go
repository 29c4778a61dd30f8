package scope

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/emberml/corun/cancel"
	"github.com/emberml/corun/channel"
	"github.com/emberml/corun/coro"
	"github.com/emberml/corun/sched"
	"github.com/emberml/corun/status"
)

// Policy decides how a scope reacts to a failing child.
type Policy int

const (
	// FailFast cancels the whole scope on the first child error.
	FailFast Policy = iota
	// Supervisor records the first error but lets siblings run on.
	Supervisor
)

// Option mutates Options.
type Option func(*Options)

// Options configures a Scope.
type Options struct {
	PanicAsError   bool
	Observer       Observer
	MaxConcurrency int64
	StackHint      int
}

func defaultOptions() Options { return Options{PanicAsError: true} }

// WithPanicAsError controls whether a panicking child is converted to an
// error (true, the default) or re-raised.
func WithPanicAsError(v bool) Option { return func(o *Options) { o.PanicAsError = v } }

// WithObserver attaches lifecycle hooks.
func WithObserver(obs Observer) Option { return func(o *Options) { o.Observer = obs } }

// WithMaxConcurrency bounds the number of children executing at once.
func WithMaxConcurrency(n int64) Option { return func(o *Options) { o.MaxConcurrency = n } }

// WithStackHint sets the advisory stack size for launched coroutines.
func WithStackHint(n int) Option { return func(o *Options) { o.StackHint = n } }

// Observer receives scope lifecycle hooks.
type Observer interface {
	ScopeCreated()
	ScopeCancelled(cause error)
	ScopeJoined(wait time.Duration)
	ChildStarted()
	ChildFinished(dur time.Duration, err error, panicked bool)
}

type child struct {
	id          uint64
	co          *coro.Coroutine
	forceCancel func()
	started     time.Time
}

// A Scope tracks a group of children (coroutines and actors) and guarantees
// they are all cancelled and awaited before the scope is destroyed. A child
// record is created before its coroutine starts, so a cancellation racing
// the launch cannot slip past it.
type Scope struct {
	rt     *sched.Runtime
	tok    *cancel.Token
	policy Policy
	opts   Options
	obs    Observer
	lim    *semaphore.Weighted

	mu        sync.Mutex
	children  map[uint64]*child
	nextID    uint64
	notify    chan struct{} // closed and renewed on every child completion
	firstErr  error
	cancelled bool
	destroyed bool
}

// New creates a scope on rt whose token is a child of parent (nil for a
// root token).
func New(rt *sched.Runtime, parent *cancel.Token, policy Policy, optFns ...Option) *Scope {
	s := &Scope{
		rt:       rt,
		tok:      cancel.New(parent),
		policy:   policy,
		opts:     defaultOptions(),
		children: make(map[uint64]*child),
		notify:   make(chan struct{}),
	}
	for _, fn := range optFns {
		fn(&s.opts)
	}
	s.obs = s.opts.Observer
	if s.opts.MaxConcurrency > 0 {
		s.lim = semaphore.NewWeighted(s.opts.MaxConcurrency)
	}
	if s.obs != nil {
		s.obs.ScopeCreated()
	}
	return s
}

// Token returns the scope's cancellation token.
func (s *Scope) Token() *cancel.Token { return s.tok }

// Count returns the number of live children.
func (s *Scope) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.children)
}

// Launch starts fn as a child coroutine. The child record is registered
// before the coroutine is handed to the scheduler. Launching on a cancelled
// or destroyed scope fails with status.ErrCancelled.
func (s *Scope) Launch(fn func(co *coro.Coroutine) error) error {
	if fn == nil {
		return status.ErrInvalidArgument
	}
	return s.launchChild(fn, nil)
}

func (s *Scope) launchChild(fn func(co *coro.Coroutine) error, forceCancel func()) error {
	s.mu.Lock()
	if s.destroyed || s.tok.IsSet() {
		s.mu.Unlock()
		return status.ErrCancelled
	}
	s.nextID++
	c := &child{id: s.nextID, forceCancel: forceCancel, started: time.Now()}
	s.children[c.id] = c
	s.mu.Unlock()

	co, err := s.rt.SpawnCoroutineSized(func(co *coro.Coroutine) {
		s.runChild(co, c, fn)
	}, s.opts.StackHint)
	if err != nil {
		s.finishChild(c, err, false)
		return err
	}
	s.mu.Lock()
	c.co = co
	s.mu.Unlock()
	return nil
}

func (s *Scope) runChild(co *coro.Coroutine, c *child, fn func(co *coro.Coroutine) error) {
	if s.lim != nil {
		if err := s.acquireSlot(co); err != nil {
			s.finishChild(c, err, false)
			return
		}
		defer s.lim.Release(1)
	}
	if s.obs != nil {
		s.obs.ChildStarted()
	}
	defer func() {
		if r := recover(); r != nil {
			if !s.opts.PanicAsError {
				s.finishChild(c, nil, true)
				panic(r)
			}
			s.finishChild(c, fmt.Errorf("scope: child panic: %v", r), true)
		}
	}()
	s.finishChild(c, fn(co), false)
}

// acquireSlot takes one limiter slot cooperatively: the coroutine parks in
// short slices instead of blocking its worker thread.
func (s *Scope) acquireSlot(co *coro.Coroutine) error {
	const retrySlice = time.Millisecond
	for !s.lim.TryAcquire(1) {
		if s.tok.IsSet() {
			return status.ErrCancelled
		}
		tm := time.AfterFunc(retrySlice, co.Unpark)
		co.Park()
		tm.Stop()
	}
	return nil
}

// finishChild removes the record exactly once, applies the policy, fires
// observer hooks and signals waiters.
func (s *Scope) finishChild(c *child, err error, panicked bool) {
	s.mu.Lock()
	if _, ok := s.children[c.id]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.children, c.id)
	if err != nil && s.firstErr == nil {
		s.firstErr = err
	}
	shouldCancel := err != nil && s.policy == FailFast && !s.cancelled
	cause := s.firstErr
	notify := s.notify
	s.notify = make(chan struct{})
	s.mu.Unlock()

	if s.obs != nil {
		s.obs.ChildFinished(time.Since(c.started), err, panicked)
	}
	if shouldCancel {
		s.Cancel(cause)
	}
	close(notify)
}

// Cancel triggers the scope's token and force-cancels every tracked actor.
// The first non-nil cause is retained; repeated calls are no-ops beyond
// re-triggering the (idempotent) token.
func (s *Scope) Cancel(cause error) {
	s.mu.Lock()
	wasCancelled := s.cancelled
	s.cancelled = true
	if s.firstErr == nil && cause != nil {
		s.firstErr = cause
	}
	cause = s.firstErr
	var hooks []func()
	for _, c := range s.children {
		if c.forceCancel != nil {
			hooks = append(hooks, c.forceCancel)
		}
	}
	s.mu.Unlock()

	s.tok.Trigger()
	for _, fc := range hooks {
		fc()
	}
	if !wasCancelled && s.obs != nil {
		s.obs.ScopeCancelled(cause)
	}
}

// WaitAll blocks until the child count reaches zero, following the timeout
// taxonomy (0: probe once with status.ErrWouldBlock; negative: wait
// indefinitely; positive: bounded with status.ErrTimedOut). On a drained
// scope it returns the first child error.
//
// WaitAll is a host-side join: it blocks the calling OS thread, so calling
// it with a blocking timeout from inside a coroutine pins that coroutine's
// worker for the duration — and a child waiting on its own scope can never
// see the count drain. Children that need to coordinate with siblings
// should use a channel or a nested scope instead.
func (s *Scope) WaitAll(timeout time.Duration) error {
	var start time.Time
	if s.obs != nil {
		start = time.Now()
	}
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	for {
		s.mu.Lock()
		n := len(s.children)
		notify := s.notify
		err := s.firstErr
		s.mu.Unlock()
		if n == 0 {
			if s.obs != nil {
				s.obs.ScopeJoined(time.Since(start))
			}
			return err
		}
		switch {
		case timeout == 0:
			return status.ErrWouldBlock
		case timeout < 0:
			<-notify
		default:
			remain := time.Until(deadline)
			if remain <= 0 {
				return status.ErrTimedOut
			}
			tm := time.NewTimer(remain)
			select {
			case <-notify:
			case <-tm.C:
				tm.Stop()
				return status.ErrTimedOut
			}
			tm.Stop()
		}
	}
}

// Destroy cancels the scope, waits unconditionally for all children, and
// unlinks the scope's token from its parent.
func (s *Scope) Destroy() {
	s.Cancel(nil)
	_ = s.WaitAll(-1)
	s.mu.Lock()
	s.destroyed = true
	s.mu.Unlock()
	s.tok.Detach()
}

// Child creates a scope whose token is parented under this scope's token.
// Options default to the parent's and may be overridden.
func (s *Scope) Child(policy Policy, optFns ...Option) *Scope {
	opts := s.opts
	for _, fn := range optFns {
		fn(&opts)
	}
	cs := &Scope{
		rt:       s.rt,
		tok:      cancel.New(s.tok),
		policy:   policy,
		opts:     opts,
		obs:      opts.Observer,
		children: make(map[uint64]*child),
		notify:   make(chan struct{}),
	}
	if opts.MaxConcurrency > 0 {
		cs.lim = semaphore.NewWeighted(opts.MaxConcurrency)
	}
	if cs.obs != nil {
		cs.obs.ScopeCreated()
	}
	return cs
}

// Produce creates a channel of the given kind, launches producer as a child
// coroutine feeding it, and closes the channel when the producer returns.
func Produce[T any](s *Scope, kind channel.Kind, capacity int, producer func(co *coro.Coroutine, ch *channel.Chan[T]) error) (*channel.Chan[T], error) {
	if producer == nil {
		return nil, status.ErrInvalidArgument
	}
	ch, err := channel.New[T](kind, capacity)
	if err != nil {
		return nil, err
	}
	if err := s.Launch(func(co *coro.Coroutine) error {
		defer ch.Close()
		return producer(co, ch)
	}); err != nil {
		return nil, err
	}
	return ch, nil
}
