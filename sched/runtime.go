// Package sched implements the multi-worker work-stealing scheduler that
// drives tasks and coroutines. A Runtime owns a fixed set of worker
// goroutines, each with a single-slot fast path and a local deque; overflow
// goes to a shared injector queue, coroutines to a shared FIFO ready queue,
// and deadlines to a sorted timer list serviced by one timer goroutine.
//
// Runtimes are explicit handles: tests construct independent instances, and
// embedders that want process-wide semantics use Default, which initializes
// lazily exactly once.
package sched

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emberml/corun/coro"
	"github.com/emberml/corun/rtlog"
	"github.com/emberml/corun/status"
)

const (
	// donationThreshold bounds tail latency: a task destined for a worker
	// whose deque is already this deep goes to the shared injector instead.
	donationThreshold = 64

	// idleParkTimeout keeps idle workers responsive to shutdown and to
	// work that raced past the wake signal.
	idleParkTimeout = 10 * time.Millisecond
)

// Options configures a Runtime.
type Options struct {
	// StealAttempts bounds random steal probes per idle pass.
	// Zero means twice the worker count.
	StealAttempts int
}

// Option mutates Options.
type Option func(*Options)

// WithStealAttempts overrides the per-pass steal probe bound.
func WithStealAttempts(n int) Option {
	return func(o *Options) { o.StealAttempts = n }
}

// Runtime is a work-stealing scheduler instance.
type Runtime struct {
	workers []*worker
	next    atomic.Uint64 // round-robin spawn cursor

	injectMu sync.Mutex
	inject   []func()

	readyMu sync.Mutex
	ready   []*coro.Coroutine

	timers *timerList
	stats  stats

	quit   chan struct{}
	wg     sync.WaitGroup
	closed atomic.Bool

	stealAttempts int
}

// New creates and starts a runtime with the given worker count. A count of
// zero or less defaults to GOMAXPROCS.
func New(workers int, opts ...Option) *Runtime {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	var o Options
	for _, fn := range opts {
		fn(&o)
	}
	rt := &Runtime{
		quit:          make(chan struct{}),
		stealAttempts: o.StealAttempts,
	}
	if rt.stealAttempts <= 0 {
		rt.stealAttempts = 2 * workers
	}
	rt.workers = make([]*worker, workers)
	for i := range rt.workers {
		rt.workers[i] = newWorker(rt, i)
	}
	rt.timers = newTimerList(rt)
	for _, w := range rt.workers {
		rt.wg.Add(1)
		go w.loop()
	}
	rt.wg.Add(1)
	go rt.timers.loop()
	rtlog.L().WithField("workers", workers).Debug("sched: runtime started")
	return rt
}

var (
	defaultOnce sync.Once
	defaultRT   *Runtime
)

// Default returns the process-wide runtime, creating it on first use with
// one worker per CPU. Libraries that embed corun and cannot thread a handle
// through use this; everything else should construct its own Runtime.
func Default() *Runtime {
	defaultOnce.Do(func() { defaultRT = New(0) })
	return defaultRT
}

// SpawnTask submits a plain function for execution. The target worker is
// chosen round-robin; if its deque is already deep the task is donated to
// the shared injector queue instead.
func (rt *Runtime) SpawnTask(fn func()) error {
	if fn == nil {
		return status.ErrInvalidArgument
	}
	if rt.closed.Load() {
		return status.ErrClosed
	}
	rt.stats.submitted.Add(1)
	w := rt.workers[rt.next.Add(1)%uint64(len(rt.workers))]
	if w.fast.CompareAndSwap(nil, &fn) {
		w.signal()
		return nil
	}
	if w.depth() >= donationThreshold {
		rt.injectMu.Lock()
		rt.inject = append(rt.inject, fn)
		rt.injectMu.Unlock()
	} else {
		w.push(fn)
	}
	w.signal()
	return nil
}

// SpawnCoroutine creates a coroutine bound to this runtime, places it on the
// global ready queue and wakes an idle worker. The returned handle carries
// the caller's reference; the runtime holds its own until the coroutine
// finishes.
func (rt *Runtime) SpawnCoroutine(fn func(*coro.Coroutine)) (*coro.Coroutine, error) {
	return rt.SpawnCoroutineSized(fn, 0)
}

// SpawnCoroutineSized is SpawnCoroutine with an advisory stack hint.
func (rt *Runtime) SpawnCoroutineSized(fn func(*coro.Coroutine), stackHint int) (*coro.Coroutine, error) {
	if fn == nil {
		return nil, status.ErrInvalidArgument
	}
	if rt.closed.Load() {
		return nil, status.ErrClosed
	}
	co := coro.SpawnSized(fn, stackHint)
	co.Bind(rt)
	co.Retain() // runtime's reference, released when the coroutine finishes
	rt.stats.submitted.Add(1)
	if co.MarkEnqueued() {
		rt.EnqueueReady(co)
	}
	return co, nil
}

// EnqueueReady places a runnable coroutine on the global ready queue and
// wakes an idle worker. It implements coro.Enqueuer.
func (rt *Runtime) EnqueueReady(co *coro.Coroutine) {
	rt.readyMu.Lock()
	rt.ready = append(rt.ready, co)
	rt.readyMu.Unlock()
	rt.wakeOne()
}

func (rt *Runtime) popReady() *coro.Coroutine {
	rt.readyMu.Lock()
	defer rt.readyMu.Unlock()
	if len(rt.ready) == 0 {
		return nil
	}
	co := rt.ready[0]
	rt.ready = rt.ready[1:]
	return co
}

func (rt *Runtime) popInject() func() {
	rt.injectMu.Lock()
	defer rt.injectMu.Unlock()
	if len(rt.inject) == 0 {
		return nil
	}
	fn := rt.inject[0]
	rt.inject = rt.inject[1:]
	return fn
}

func (rt *Runtime) wakeOne() {
	for _, w := range rt.workers {
		select {
		case w.wake <- struct{}{}:
			return
		default:
		}
	}
}

// AfterFunc schedules fn to run as a task once d has elapsed.
func (rt *Runtime) AfterFunc(d time.Duration, fn func()) *Timer {
	return rt.timers.add(d, fn, nil)
}

// Sleep parks co for at least d. It must be called from inside co. Wakeups
// that are not this sleep's timer (a stale permit from an earlier slice
// timer, a stray Unpark) re-park until the deadline has actually passed.
func (rt *Runtime) Sleep(co *coro.Coroutine, d time.Duration) {
	if d <= 0 {
		co.Yield()
		return
	}
	deadline := time.Now().Add(d)
	for {
		remain := time.Until(deadline)
		if remain <= 0 {
			return
		}
		t := rt.timers.add(remain, nil, co)
		co.Park()
		// Unlink the entry on an early wake so it cannot fire later and
		// seed a permit into someone else's park.
		t.Stop()
	}
}

// Drain probes whether all queues are empty and nothing is executing,
// following the timeout taxonomy: 0 probes once (status.ErrWouldBlock if
// busy), negative blocks until drained, positive bounds the wait
// (status.ErrTimedOut).
//
// Drain is a host-side call: it blocks the calling OS thread, so invoking
// it with a blocking timeout from inside a coroutine stalls that worker —
// and a coroutine counts toward the executing work it is waiting on, so it
// would never observe the runtime as drained anyway.
func (rt *Runtime) Drain(timeout time.Duration) error {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	for {
		if rt.idle() {
			return nil
		}
		if timeout == 0 {
			return status.ErrWouldBlock
		}
		if timeout > 0 && !time.Now().Before(deadline) {
			return status.ErrTimedOut
		}
		time.Sleep(time.Millisecond)
	}
}

func (rt *Runtime) idle() bool {
	if rt.stats.executing.Load() != 0 {
		return false
	}
	rt.readyMu.Lock()
	nr := len(rt.ready)
	rt.readyMu.Unlock()
	if nr != 0 {
		return false
	}
	rt.injectMu.Lock()
	ni := len(rt.inject)
	rt.injectMu.Unlock()
	if ni != 0 {
		return false
	}
	for _, w := range rt.workers {
		if w.fast.Load() != nil || w.depth() != 0 {
			return false
		}
	}
	return true
}

// Shutdown stops the workers and the timer goroutine and waits for them to
// exit. Queued work that has not started is dropped.
func (rt *Runtime) Shutdown() {
	if !rt.closed.CompareAndSwap(false, true) {
		return
	}
	close(rt.quit)
	rt.wg.Wait()
	rtlog.L().Debug("sched: runtime stopped")
}

// Stats returns a snapshot of scheduler counters.
func (rt *Runtime) Stats() Stats {
	return Stats{
		Submitted:   rt.stats.submitted.Load(),
		Completed:   rt.stats.completed.Load(),
		Steals:      rt.stats.steals.Load(),
		Parks:       rt.stats.parks.Load(),
		TimersFired: rt.stats.timersFired.Load(),
	}
}

// Workers returns the size of the worker pool.
func (rt *Runtime) Workers() int { return len(rt.workers) }

type stats struct {
	submitted   atomic.Uint64
	completed   atomic.Uint64
	steals      atomic.Uint64
	parks       atomic.Uint64
	timersFired atomic.Uint64
	executing   atomic.Int64
}

// Stats is a point-in-time copy of scheduler counters.
type Stats struct {
	Submitted   uint64
	Completed   uint64
	Steals      uint64
	Parks       uint64
	TimersFired uint64
}
