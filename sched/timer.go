package sched

import (
	"sync"
	"time"

	"github.com/emberml/corun/coro"
)

// A Timer is a pending deadline in the runtime's sorted timer list.
type Timer struct {
	list    *timerList
	when    time.Time
	fn      func()
	co      *coro.Coroutine
	next    *Timer
	stopped bool // guarded by the list lock
	fired   bool // guarded by the list lock
}

// timerList is a sorted singly-linked list guarded by one lock and serviced
// by a dedicated goroutine. Cancellation unlinks in O(n), acceptable at the
// low timer cardinality this runtime sees, and re-signals the service
// goroutine when the head changes.
type timerList struct {
	rt   *Runtime
	mu   sync.Mutex
	head *Timer
	wake chan struct{}
}

func newTimerList(rt *Runtime) *timerList {
	return &timerList{rt: rt, wake: make(chan struct{}, 1)}
}

func (tl *timerList) add(d time.Duration, fn func(), co *coro.Coroutine) *Timer {
	t := &Timer{list: tl, when: time.Now().Add(d), fn: fn, co: co}
	tl.mu.Lock()
	if tl.head == nil || t.when.Before(tl.head.when) {
		t.next = tl.head
		tl.head = t
		tl.mu.Unlock()
		tl.signal()
		return t
	}
	cur := tl.head
	for cur.next != nil && !t.when.Before(cur.next.when) {
		cur = cur.next
	}
	t.next = cur.next
	cur.next = t
	tl.mu.Unlock()
	return t
}

// Stop cancels the timer. It reports whether the timer was unlinked before
// firing.
func (t *Timer) Stop() bool {
	tl := t.list
	tl.mu.Lock()
	if t.fired || t.stopped {
		tl.mu.Unlock()
		return false
	}
	t.stopped = true
	headChanged := tl.head == t
	if headChanged {
		tl.head = t.next
	} else {
		for cur := tl.head; cur != nil; cur = cur.next {
			if cur.next == t {
				cur.next = t.next
				break
			}
		}
	}
	t.next = nil
	tl.mu.Unlock()
	if headChanged {
		tl.signal()
	}
	return true
}

func (tl *timerList) signal() {
	select {
	case tl.wake <- struct{}{}:
	default:
	}
}

// loop sleeps until the earliest deadline, then moves all due items to the
// run queues. The list lock is released before any enqueue.
func (tl *timerList) loop() {
	defer tl.rt.wg.Done()
	const idleWait = time.Second
	for {
		now := time.Now()
		var due []*Timer
		tl.mu.Lock()
		for tl.head != nil && !tl.head.when.After(now) {
			t := tl.head
			tl.head = t.next
			t.next = nil
			if !t.stopped {
				t.fired = true
				due = append(due, t)
			}
		}
		wait := idleWait
		if tl.head != nil {
			wait = time.Until(tl.head.when)
		}
		tl.mu.Unlock()

		for _, t := range due {
			tl.rt.stats.timersFired.Add(1)
			if t.co != nil {
				t.co.Unpark()
			}
			if t.fn != nil {
				_ = tl.rt.SpawnTask(t.fn)
			}
		}
		if wait <= 0 {
			continue
		}
		sleep := time.NewTimer(wait)
		select {
		case <-tl.wake:
		case <-sleep.C:
		case <-tl.rt.quit:
			sleep.Stop()
			return
		}
		sleep.Stop()
	}
}
