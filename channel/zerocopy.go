package channel

import (
	"sync"
	"time"

	"github.com/emberml/corun/cancel"
	"github.com/emberml/corun/coro"
	"github.com/emberml/corun/desc"
	"github.com/emberml/corun/status"
)

// A Backend routes descriptor traffic for a DescChan. Backends are
// registered under a name and resolved when the channel is created, so
// embedders can substitute transports without touching channel code.
type Backend interface {
	Attach(dc *DescChan) error
	Detach(dc *DescChan)
	Send(co *coro.Coroutine, dc *DescChan, id desc.ID, timeout time.Duration, tok *cancel.Token) error
	Recv(co *coro.Coroutine, dc *DescChan, timeout time.Duration, tok *cancel.Token) (desc.ID, error)
}

// HandoffBackend is the name of the built-in backend.
const HandoffBackend = "handoff"

var (
	backendMu  sync.RWMutex
	backendReg = map[string]func() Backend{}
)

// RegisterBackend makes a backend constructor resolvable by name.
func RegisterBackend(name string, factory func() Backend) {
	backendMu.Lock()
	backendReg[name] = factory
	backendMu.Unlock()
}

func resolveBackend(name string) (Backend, error) {
	backendMu.RLock()
	factory, ok := backendReg[name]
	backendMu.RUnlock()
	if !ok {
		return nil, status.ErrUnsupported
	}
	return factory(), nil
}

func init() {
	RegisterBackend(HandoffBackend, func() Backend { return handoffBackend{} })
}

// DescChan moves payload descriptors instead of payloads. The rendezvous
// kind hands a descriptor directly from sender to receiver; ring kinds copy
// only the small id record through the buffer. The payload itself is never
// copied and never freed by the library.
//
// Ownership contract: the sender owns the payload until a send returns nil;
// then ownership rests with whichever receiver consumes the descriptor.
// Cancellation or close before a match leaves ownership with the sender.
type DescChan struct {
	ch      *Chan[desc.ID]
	reg     *desc.Registry
	backend Backend
}

// NewDescChan creates a descriptor channel of the given kind over reg,
// routed through the named backend. An unknown backend name yields
// status.ErrUnsupported.
func NewDescChan(kind Kind, capacity int, reg *desc.Registry, backendName string) (*DescChan, error) {
	if reg == nil {
		return nil, status.ErrInvalidArgument
	}
	b, err := resolveBackend(backendName)
	if err != nil {
		return nil, err
	}
	ch, err := New[desc.ID](kind, capacity)
	if err != nil {
		return nil, err
	}
	dc := &DescChan{ch: ch, reg: reg, backend: b}
	if err := b.Attach(dc); err != nil {
		return nil, err
	}
	return dc, nil
}

// Registry returns the registry descriptors are resolved against.
func (dc *DescChan) Registry() *desc.Registry { return dc.reg }

// SendDesc transfers ownership of an already-registered descriptor.
func (dc *DescChan) SendDesc(co *coro.Coroutine, id desc.ID, timeout time.Duration) error {
	return dc.SendDescCancelable(co, id, timeout, nil)
}

// SendDescCancelable is SendDesc observing a cancellation token.
func (dc *DescChan) SendDescCancelable(co *coro.Coroutine, id desc.ID, timeout time.Duration, tok *cancel.Token) error {
	if _, ok := dc.reg.Lookup(id); !ok {
		return status.ErrInvalidArgument
	}
	return dc.backend.Send(co, dc, id, timeout, tok)
}

// RecvDesc receives a descriptor; the caller now owns it and releases it
// against the registry when done with the payload.
func (dc *DescChan) RecvDesc(co *coro.Coroutine, timeout time.Duration) (*desc.Descriptor, error) {
	return dc.RecvDescCancelable(co, timeout, nil)
}

// RecvDescCancelable is RecvDesc observing a cancellation token.
func (dc *DescChan) RecvDescCancelable(co *coro.Coroutine, timeout time.Duration, tok *cancel.Token) (*desc.Descriptor, error) {
	id, err := dc.backend.Recv(co, dc, timeout, tok)
	if err != nil {
		return nil, err
	}
	d, ok := dc.reg.Lookup(id)
	if !ok {
		return nil, status.ErrInvalidArgument
	}
	return d, nil
}

// SendPtr wraps p as an aliased descriptor and transfers it. On any failure
// the descriptor is unregistered and ownership of p stays with the caller.
func (dc *DescChan) SendPtr(co *coro.Coroutine, p []byte, timeout time.Duration) error {
	return dc.SendPtrCancelable(co, p, timeout, nil)
}

// SendPtrCancelable is SendPtr observing a cancellation token.
func (dc *DescChan) SendPtrCancelable(co *coro.Coroutine, p []byte, timeout time.Duration, tok *cancel.Token) error {
	d := dc.reg.RegisterAlias(p)
	if err := dc.backend.Send(co, dc, d.ID(), timeout, tok); err != nil {
		_ = dc.reg.Release(d.ID())
		return err
	}
	return nil
}

// RecvPtr receives a descriptor and returns its payload, releasing the
// registry entry on the caller's behalf. For aliased payloads the returned
// slice is the exact one the producer sent; owned copies are detached from
// their pooled buffer first, since that buffer is recycled by the release.
func (dc *DescChan) RecvPtr(co *coro.Coroutine, timeout time.Duration) ([]byte, error) {
	return dc.RecvPtrCancelable(co, timeout, nil)
}

// RecvPtrCancelable is RecvPtr observing a cancellation token.
func (dc *DescChan) RecvPtrCancelable(co *coro.Coroutine, timeout time.Duration, tok *cancel.Token) ([]byte, error) {
	d, err := dc.RecvDescCancelable(co, timeout, tok)
	if err != nil {
		return nil, err
	}
	p := d.Bytes()
	if d.Owned() {
		p = append([]byte(nil), p...)
	}
	_ = dc.reg.Release(d.ID())
	return p, nil
}

// Close closes the underlying channel; undelivered descriptors stay owned
// by their senders.
func (dc *DescChan) Close() {
	dc.backend.Detach(dc)
	dc.ch.Close()
}

// Len returns the number of descriptors in transit through the buffer.
func (dc *DescChan) Len() int { return dc.ch.Len() }

// Stats returns the underlying channel snapshot.
func (dc *DescChan) Stats() Snapshot { return dc.ch.Stats() }

// handoffBackend is the built-in intra-process backend: it moves ids
// through the typed channel machinery, which for the rendezvous kind is a
// direct waiter-to-waiter handoff and for ring kinds a copy of the id
// record only.
type handoffBackend struct{}

func (handoffBackend) Attach(*DescChan) error { return nil }
func (handoffBackend) Detach(*DescChan)       {}

func (handoffBackend) Send(co *coro.Coroutine, dc *DescChan, id desc.ID, timeout time.Duration, tok *cancel.Token) error {
	return dc.ch.SendCancelable(co, id, timeout, tok)
}

func (handoffBackend) Recv(co *coro.Coroutine, dc *DescChan, timeout time.Duration, tok *cancel.Token) (desc.ID, error) {
	return dc.ch.RecvCancelable(co, timeout, tok)
}
