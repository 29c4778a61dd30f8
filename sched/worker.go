package sched

import (
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emberml/corun/coro"
)

// worker owns a single-slot fast-path cell and a double-ended work queue.
// The owner pushes and pops the tail; thieves steal from the head.
type worker struct {
	rt   *Runtime
	idx  int
	fast atomic.Pointer[func()]

	mu    sync.Mutex
	deque []func()

	wake chan struct{}
	rng  *rand.Rand
}

func newWorker(rt *Runtime, idx int) *worker {
	return &worker{
		rt:   rt,
		idx:  idx,
		wake: make(chan struct{}, 1),
		rng:  rand.New(rand.NewSource(time.Now().UnixNano() + int64(idx))),
	}
}

func (w *worker) signal() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *worker) depth() int {
	w.mu.Lock()
	n := len(w.deque)
	w.mu.Unlock()
	return n
}

func (w *worker) push(fn func()) {
	w.mu.Lock()
	w.deque = append(w.deque, fn)
	w.mu.Unlock()
}

// popLocal takes from the LIFO end; owner only.
func (w *worker) popLocal() func() {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := len(w.deque)
	if n == 0 {
		return nil
	}
	fn := w.deque[n-1]
	w.deque = w.deque[:n-1]
	return fn
}

// stealFrom takes from the FIFO end of a victim's deque.
func (w *worker) stealFrom(victim *worker) func() {
	victim.mu.Lock()
	defer victim.mu.Unlock()
	if len(victim.deque) == 0 {
		return nil
	}
	fn := victim.deque[0]
	victim.deque = victim.deque[1:]
	return fn
}

func (w *worker) trySteal() func() {
	n := len(w.rt.workers)
	if n < 2 {
		return nil
	}
	for i := 0; i < w.rt.stealAttempts; i++ {
		v := w.rt.workers[w.rng.Intn(n)]
		if v == w {
			continue
		}
		if fn := w.stealFrom(v); fn != nil {
			w.rt.stats.steals.Add(1)
			return fn
		}
	}
	return nil
}

// loop is the per-worker scheduling loop. Source order: fast cell, own
// deque, global ready queue, injector, bounded random steals, timed idle
// park.
func (w *worker) loop() {
	defer w.rt.wg.Done()
	for {
		if fnp := w.fast.Swap(nil); fnp != nil {
			w.runTask(*fnp)
			continue
		}
		if fn := w.popLocal(); fn != nil {
			w.runTask(fn)
			continue
		}
		if co := w.rt.popReady(); co != nil {
			w.runCoroutine(co)
			continue
		}
		if fn := w.rt.popInject(); fn != nil {
			w.runTask(fn)
			continue
		}
		if fn := w.trySteal(); fn != nil {
			w.runTask(fn)
			continue
		}
		w.rt.stats.parks.Add(1)
		idle := time.NewTimer(idleParkTimeout)
		select {
		case <-w.wake:
		case <-idle.C:
		case <-w.rt.quit:
			idle.Stop()
			return
		}
		idle.Stop()
	}
}

func (w *worker) runTask(fn func()) {
	w.rt.stats.executing.Add(1)
	fn()
	w.rt.stats.executing.Add(-1)
	w.rt.stats.completed.Add(1)
}

func (w *worker) runCoroutine(co *coro.Coroutine) {
	co.ClearEnqueued()
	w.rt.stats.executing.Add(1)
	co.Resume()
	w.rt.stats.executing.Add(-1)
	switch co.State() {
	case coro.StateSuspended, coro.StateReady:
		// Cooperative yield: back of the ready queue.
		if co.MarkEnqueued() {
			w.rt.EnqueueReady(co)
		}
	case coro.StateFinished:
		w.rt.stats.completed.Add(1)
		co.Release()
	case coro.StateParked:
		// A waiter owns it now; Unpark will re-queue.
	}
}
