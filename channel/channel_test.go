package channel

import (
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/emberml/corun/cancel"
	"github.com/emberml/corun/status"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func mustNew[T any](t *testing.T, kind Kind, capacity int) *Chan[T] {
	t.Helper()
	c, err := New[T](kind, capacity)
	if err != nil {
		t.Fatalf("New(%v, %d): %v", kind, capacity, err)
	}
	return c
}

func TestBufferedBounds(t *testing.T) {
	t.Parallel()
	c := mustNew[int](t, Buffered, 2)

	if err := c.TrySend(1); err != nil {
		t.Fatalf("send 1: %v", err)
	}
	if err := c.TrySend(2); err != nil {
		t.Fatalf("send 2: %v", err)
	}
	if err := c.TrySend(3); !errors.Is(err, status.ErrWouldBlock) {
		t.Fatalf("send at capacity = %v, want ErrWouldBlock", err)
	}
	if got := c.Len(); got != 2 {
		t.Fatalf("Len = %d, want 2", got)
	}

	v, err := c.TryRecv()
	if err != nil || v != 1 {
		t.Fatalf("recv = (%d, %v), want (1, nil)", v, err)
	}
	if err := c.TrySend(3); err != nil {
		t.Fatalf("send 3 after drain: %v", err)
	}

	// Final buffer order must be [2, 3].
	for _, want := range []int{2, 3} {
		v, err := c.TryRecv()
		if err != nil || v != want {
			t.Fatalf("recv = (%d, %v), want (%d, nil)", v, err, want)
		}
	}
	if _, err := c.TryRecv(); !errors.Is(err, status.ErrWouldBlock) {
		t.Fatalf("recv on empty = %v, want ErrWouldBlock", err)
	}
}

func TestRendezvousHandsOff(t *testing.T) {
	t.Parallel()
	c := mustNew[string](t, Rendezvous, 0)

	if err := c.TrySend("x"); !errors.Is(err, status.ErrWouldBlock) {
		t.Fatalf("rendezvous send with no receiver = %v, want ErrWouldBlock", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	var got string
	var rerr error
	go func() {
		defer wg.Done()
		got, rerr = c.Recv(nil, -1)
	}()
	if err := c.Send(nil, "hello", -1); err != nil {
		t.Fatalf("blocking send: %v", err)
	}
	wg.Wait()
	if rerr != nil || got != "hello" {
		t.Fatalf("recv = (%q, %v), want (hello, nil)", got, rerr)
	}
	if got := c.Len(); got != 0 {
		t.Fatalf("rendezvous Len = %d, want 0", got)
	}
}

func TestRendezvousSendTimesOutWithoutReceiver(t *testing.T) {
	t.Parallel()
	c := mustNew[int](t, Rendezvous, 0)
	start := time.Now()
	err := c.Send(nil, 7, 30*time.Millisecond)
	if !errors.Is(err, status.ErrTimedOut) {
		t.Fatalf("send = %v, want ErrTimedOut", err)
	}
	if time.Since(start) < 30*time.Millisecond {
		t.Fatal("send returned before the deadline")
	}
	// The abandoned value must not be delivered later.
	if _, err := c.TryRecv(); !errors.Is(err, status.ErrWouldBlock) {
		t.Fatalf("recv after abandoned send = %v, want ErrWouldBlock", err)
	}
}

func TestConflatedKeepsLatest(t *testing.T) {
	t.Parallel()
	c := mustNew[int](t, Conflated, 0)
	for _, v := range []int{1, 2, 3} {
		if err := c.TrySend(v); err != nil {
			t.Fatalf("conflated send %d: %v", v, err)
		}
	}
	v, err := c.TryRecv()
	if err != nil || v != 3 {
		t.Fatalf("recv = (%d, %v), want (3, nil)", v, err)
	}
	if _, err := c.TryRecv(); !errors.Is(err, status.ErrWouldBlock) {
		t.Fatalf("second recv = %v, want ErrWouldBlock (only the latest value)", err)
	}
}

func TestUnlimitedGrows(t *testing.T) {
	t.Parallel()
	c := mustNew[int](t, Unlimited, 2)
	const n = 100
	for i := 0; i < n; i++ {
		if err := c.TrySend(i); err != nil {
			t.Fatalf("unlimited send %d: %v", i, err)
		}
	}
	if got := c.Len(); got != n {
		t.Fatalf("Len = %d, want %d", got, n)
	}
	for i := 0; i < n; i++ {
		v, err := c.TryRecv()
		if err != nil || v != i {
			t.Fatalf("recv %d = (%d, %v), want in-order value", i, v, err)
		}
	}
}

func TestCloseDrainsThenReports(t *testing.T) {
	t.Parallel()
	c := mustNew[int](t, Buffered, 4)
	_ = c.TrySend(10)
	_ = c.TrySend(20)
	c.Close()
	c.Close() // idempotent

	if err := c.TrySend(30); !errors.Is(err, status.ErrClosed) {
		t.Fatalf("send after close = %v, want ErrClosed", err)
	}
	for _, want := range []int{10, 20} {
		v, err := c.TryRecv()
		if err != nil || v != want {
			t.Fatalf("drain recv = (%d, %v), want (%d, nil)", v, err, want)
		}
	}
	if _, err := c.TryRecv(); !errors.Is(err, status.ErrClosed) {
		t.Fatalf("recv after drain = %v, want ErrClosed", err)
	}
}

func TestCloseWakesParkedWaiters(t *testing.T) {
	t.Parallel()
	c := mustNew[int](t, Rendezvous, 0)

	errs := make(chan error, 2)
	go func() { _, err := c.Recv(nil, -1); errs <- err }()
	go func() { errs <- c.Send(nil, 1, -1) }()
	time.Sleep(20 * time.Millisecond)
	c.Close()

	for i := 0; i < 2; i++ {
		select {
		case err := <-errs:
			if !errors.Is(err, status.ErrClosed) {
				t.Fatalf("waiter woke with %v, want ErrClosed", err)
			}
		case <-time.After(time.Second):
			t.Fatal("a waiter was left parked after close")
		}
	}
}

func TestRecvTimeoutTaxonomy(t *testing.T) {
	t.Parallel()
	c := mustNew[int](t, Buffered, 1)

	if _, err := c.Recv(nil, 0); !errors.Is(err, status.ErrWouldBlock) {
		t.Fatalf("Recv(0) on empty = %v, want ErrWouldBlock", err)
	}
	start := time.Now()
	if _, err := c.Recv(nil, 25*time.Millisecond); !errors.Is(err, status.ErrTimedOut) {
		t.Fatalf("bounded Recv on empty = %v, want ErrTimedOut", err)
	}
	if time.Since(start) < 25*time.Millisecond {
		t.Fatal("bounded Recv returned early")
	}

	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = c.TrySend(42)
	}()
	v, err := c.Recv(nil, -1)
	if err != nil || v != 42 {
		t.Fatalf("indefinite Recv = (%d, %v), want (42, nil)", v, err)
	}
}

func TestCancellableRecvObservesToken(t *testing.T) {
	t.Parallel()
	c := mustNew[int](t, Buffered, 1)
	tok := cancel.New(nil)

	go func() {
		time.Sleep(15 * time.Millisecond)
		tok.Trigger()
	}()
	start := time.Now()
	_, err := c.RecvCancelable(nil, -1, tok)
	if !errors.Is(err, status.ErrCancelled) {
		t.Fatalf("cancellable recv = %v, want ErrCancelled", err)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Fatal("cancellation was not observed promptly")
	}

	// Pre-triggered token short-circuits.
	if err := c.SendCancelable(nil, 1, -1, tok); !errors.Is(err, status.ErrCancelled) {
		t.Fatalf("send with triggered token = %v, want ErrCancelled", err)
	}
}

func TestBlockedSenderCompletesOnRecv(t *testing.T) {
	t.Parallel()
	c := mustNew[int](t, Buffered, 1)
	if err := c.TrySend(1); err != nil {
		t.Fatalf("fill: %v", err)
	}

	sendDone := make(chan error, 1)
	go func() { sendDone <- c.Send(nil, 2, -1) }()
	time.Sleep(10 * time.Millisecond)

	v, err := c.TryRecv()
	if err != nil || v != 1 {
		t.Fatalf("recv = (%d, %v), want (1, nil)", v, err)
	}
	if err := <-sendDone; err != nil {
		t.Fatalf("parked sender completed with %v", err)
	}
	v, err = c.TryRecv()
	if err != nil || v != 2 {
		t.Fatalf("recv of committed value = (%d, %v), want (2, nil)", v, err)
	}
}

func TestInvalidArguments(t *testing.T) {
	t.Parallel()
	if _, err := New[int](Buffered, 0); !errors.Is(err, status.ErrInvalidArgument) {
		t.Fatalf("Buffered with zero capacity = %v, want ErrInvalidArgument", err)
	}
	if _, err := New[int](Kind(99), 1); !errors.Is(err, status.ErrInvalidArgument) {
		t.Fatalf("unknown kind = %v, want ErrInvalidArgument", err)
	}
}

func TestStatsAndRate(t *testing.T) {
	t.Parallel()
	c := mustNew[int](t, Buffered, 8)
	prev := c.Stats()
	for i := 0; i < 5; i++ {
		_ = c.TrySend(i)
	}
	for i := 0; i < 3; i++ {
		_, _ = c.TryRecv()
	}
	time.Sleep(10 * time.Millisecond)
	cur := c.Stats()
	if cur.Sends-prev.Sends != 5 || cur.Recvs-prev.Recvs != 3 {
		t.Fatalf("counter deltas sends=%d recvs=%d, want 5 and 3",
			cur.Sends-prev.Sends, cur.Recvs-prev.Recvs)
	}
	if cur.Len != 2 {
		t.Fatalf("snapshot Len = %d, want 2", cur.Len)
	}
	r := ComputeRate(prev, cur)
	if r.SendsPerSec <= 0 || r.RecvsPerSec <= 0 {
		t.Fatalf("rate not positive: %+v", r)
	}
}
