package scope

import (
	"sync"

	"github.com/emberml/corun/cancel"
	"github.com/emberml/corun/channel"
	"github.com/emberml/corun/coro"
	"github.com/emberml/corun/status"
)

// An Actor is a supervised loop coroutine over one mailbox channel: it
// receives, invokes the handler, yields, and repeats until stopped,
// cancelled, or the mailbox closes.
type Actor[T any] struct {
	mbox *channel.Chan[T]
	tok  *cancel.Token

	mu     sync.Mutex
	done   bool
	err    error
	onDone func()
}

// LaunchActor starts an actor as a child of s. The actor's token is a child
// of the scope's token, so cancelling the scope cancels the actor; the
// scope additionally force-cancels it through the child record.
func LaunchActor[T any](s *Scope, mbox *channel.Chan[T], handler func(v T) error) (*Actor[T], error) {
	if mbox == nil || handler == nil {
		return nil, status.ErrInvalidArgument
	}
	a := &Actor[T]{mbox: mbox, tok: cancel.New(s.Token())}
	err := s.launchChild(func(co *coro.Coroutine) error {
		return a.loop(co, handler)
	}, a.ForceCancel)
	if err != nil {
		a.tok.Detach()
		return nil, err
	}
	return a, nil
}

func (a *Actor[T]) loop(co *coro.Coroutine, handler func(v T) error) error {
	defer a.finish()
	for {
		v, err := a.mbox.RecvCancelable(co, -1, a.tok)
		switch {
		case err == nil:
			if herr := handler(v); herr != nil {
				a.setErr(herr)
				return herr
			}
			co.Yield()
		case status.Terminal(err):
			// Closed or cancelled mailbox ends the loop cleanly.
			return nil
		default:
			a.setErr(err)
			return err
		}
	}
}

func (a *Actor[T]) setErr(err error) {
	a.mu.Lock()
	if a.err == nil {
		a.err = err
	}
	a.mu.Unlock()
}

func (a *Actor[T]) finish() {
	a.mu.Lock()
	a.done = true
	fn := a.onDone
	a.onDone = nil
	a.mu.Unlock()
	a.tok.Detach()
	if fn != nil {
		fn()
	}
}

// OnDone registers a one-shot completion callback. It is safe to register
// before or after the actor has finished; a late registration fires
// immediately.
func (a *Actor[T]) OnDone(fn func()) {
	if fn == nil {
		return
	}
	a.mu.Lock()
	if a.done {
		a.mu.Unlock()
		fn()
		return
	}
	prev := a.onDone
	a.onDone = func() {
		if prev != nil {
			prev()
		}
		fn()
	}
	a.mu.Unlock()
}

// Done reports whether the actor's loop has finished.
func (a *Actor[T]) Done() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.done
}

// Err returns the handler error that stopped the actor, if any.
func (a *Actor[T]) Err() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.err
}

// Stop asks the actor to exit at its next receive.
func (a *Actor[T]) Stop() { a.tok.Trigger() }

// ForceCancel triggers the actor's token. The scope calls it for every
// tracked actor on Cancel.
func (a *Actor[T]) ForceCancel() { a.tok.Trigger() }
