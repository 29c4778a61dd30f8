package sched

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/emberml/corun/coro"
	"github.com/emberml/corun/status"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestSpawnTasksComplete(t *testing.T) {
	t.Parallel()
	rt := New(4)
	defer rt.Shutdown()

	const n = 500
	var done atomic.Int64
	for i := 0; i < n; i++ {
		if err := rt.SpawnTask(func() { done.Add(1) }); err != nil {
			t.Fatalf("SpawnTask: %v", err)
		}
	}
	if err := rt.Drain(2 * time.Second); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if got := done.Load(); got != n {
		t.Fatalf("completed %d tasks, want %d", got, n)
	}
	s := rt.Stats()
	if s.Submitted != n || s.Completed != n {
		t.Fatalf("stats submitted=%d completed=%d, want %d each", s.Submitted, s.Completed, n)
	}
}

func TestSpawnCoroutineYields(t *testing.T) {
	t.Parallel()
	rt := New(2)
	defer rt.Shutdown()

	var order atomic.Int64
	_, err := rt.SpawnCoroutine(func(co *coro.Coroutine) {
		order.Add(1)
		co.Yield()
		order.Add(1)
	})
	if err != nil {
		t.Fatalf("SpawnCoroutine: %v", err)
	}
	if err := rt.Drain(2 * time.Second); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if got := order.Load(); got != 2 {
		t.Fatalf("coroutine body advanced %d steps, want 2", got)
	}
}

func TestSleepParksCoroutine(t *testing.T) {
	t.Parallel()
	rt := New(2)
	defer rt.Shutdown()

	start := time.Now()
	var woke atomic.Bool
	_, err := rt.SpawnCoroutine(func(co *coro.Coroutine) {
		rt.Sleep(co, 30*time.Millisecond)
		woke.Store(true)
	})
	if err != nil {
		t.Fatalf("SpawnCoroutine: %v", err)
	}
	if err := rt.Drain(2 * time.Second); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if !woke.Load() {
		t.Fatal("sleeping coroutine never woke")
	}
	if elapsed := time.Since(start); elapsed < 30*time.Millisecond {
		t.Fatalf("woke after %v, want >= 30ms", elapsed)
	}
}

func TestSleepHoldsFullDurationWithStalePermit(t *testing.T) {
	t.Parallel()
	rt := New(2)
	defer rt.Shutdown()

	started := make(chan *coro.Coroutine, 1)
	seeded := make(chan struct{})
	var elapsed atomic.Int64
	_, err := rt.SpawnCoroutine(func(co *coro.Coroutine) {
		started <- co
		<-seeded
		begin := time.Now()
		rt.Sleep(co, 50*time.Millisecond)
		elapsed.Store(int64(time.Since(begin)))
	})
	if err != nil {
		t.Fatalf("SpawnCoroutine: %v", err)
	}
	// Unpark the running coroutine before it sleeps: not parked, so this
	// leaves a permit behind, the same residue a retired slice timer leaves.
	co := <-started
	co.Unpark()
	close(seeded)
	if err := rt.Drain(2 * time.Second); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if got := time.Duration(elapsed.Load()); got < 50*time.Millisecond {
		t.Fatalf("Sleep(50ms) returned after %v with a stale permit pending", got)
	}
}

func TestAfterFuncAndStop(t *testing.T) {
	t.Parallel()
	rt := New(1)
	defer rt.Shutdown()

	var fired atomic.Int32
	tm := rt.AfterFunc(20*time.Millisecond, func() { fired.Add(1) })
	stopped := rt.AfterFunc(time.Hour, func() { fired.Add(100) })
	if !stopped.Stop() {
		t.Fatal("Stop on a pending timer reported false")
	}
	time.Sleep(60 * time.Millisecond)
	_ = rt.Drain(time.Second)
	if got := fired.Load(); got != 1 {
		t.Fatalf("fired = %d, want 1", got)
	}
	if tm.Stop() {
		t.Fatal("Stop on an already-fired timer reported true")
	}
}

func TestDrainTaxonomy(t *testing.T) {
	t.Parallel()
	rt := New(2)
	defer rt.Shutdown()

	block := make(chan struct{})
	_ = rt.SpawnTask(func() { <-block })
	time.Sleep(10 * time.Millisecond)
	if err := rt.Drain(0); !errors.Is(err, status.ErrWouldBlock) {
		t.Fatalf("Drain(0) while busy = %v, want ErrWouldBlock", err)
	}
	if err := rt.Drain(30 * time.Millisecond); !errors.Is(err, status.ErrTimedOut) {
		t.Fatalf("bounded Drain while busy = %v, want ErrTimedOut", err)
	}
	close(block)
	if err := rt.Drain(-1); err != nil {
		t.Fatalf("Drain(-1) after unblock = %v", err)
	}
}

func TestStealingSpreadsLoad(t *testing.T) {
	t.Parallel()
	rt := New(4)
	defer rt.Shutdown()

	// Pile work on one worker's deque; the others must steal to finish.
	w := rt.workers[0]
	var done atomic.Int64
	const n = 200
	rt.stats.submitted.Add(n)
	for i := 0; i < n; i++ {
		w.push(func() {
			time.Sleep(100 * time.Microsecond)
			done.Add(1)
		})
	}
	w.signal()
	if err := rt.Drain(5 * time.Second); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if got := done.Load(); got != n {
		t.Fatalf("completed %d, want %d", got, n)
	}
	if rt.Stats().Steals == 0 {
		t.Fatal("expected at least one successful steal")
	}
}

func TestSpawnAfterShutdownFails(t *testing.T) {
	t.Parallel()
	rt := New(1)
	rt.Shutdown()
	if err := rt.SpawnTask(func() {}); !errors.Is(err, status.ErrClosed) {
		t.Fatalf("SpawnTask after shutdown = %v, want ErrClosed", err)
	}
	if _, err := rt.SpawnCoroutine(func(*coro.Coroutine) {}); !errors.Is(err, status.ErrClosed) {
		t.Fatalf("SpawnCoroutine after shutdown = %v, want ErrClosed", err)
	}
}
