// Package desc implements the reference-counted payload-descriptor registry
// behind the zero-copy channel path. A descriptor records a payload view
// ({bytes, length}) plus an ownership flag: aliased payloads belong to the
// caller and are never freed by the library; owned copies are taken from a
// buffer pool and returned on the final release.
//
// Descriptors are looked up by an opaque 64-bit id in a sharded table with
// per-shard locks; refcounts themselves are lock-free atomics.
package desc

import (
	"sync"
	"sync/atomic"

	"github.com/valyala/bytebufferpool"

	"github.com/emberml/corun/status"
)

// ID is an opaque descriptor identifier.
type ID uint64

const shardCount = 16 // power of two

// A Descriptor is a refcounted view of a payload.
type Descriptor struct {
	id    ID
	data  []byte
	owned bool
	buf   *bytebufferpool.ByteBuffer // non-nil iff owned
	gen   uint32
	refs  atomic.Int32
}

// ID returns the descriptor's registry id.
func (d *Descriptor) ID() ID { return d.id }

// Bytes returns the payload view. For aliased descriptors this is the exact
// slice the producer registered.
func (d *Descriptor) Bytes() []byte { return d.data }

// Len returns the payload length.
func (d *Descriptor) Len() int { return len(d.data) }

// Owned reports whether the registry owns the payload copy.
func (d *Descriptor) Owned() bool { return d.owned }

// Generation returns the epoch counter used to detect stale ids.
func (d *Descriptor) Generation() uint32 { return d.gen }

type shard struct {
	mu sync.Mutex
	m  map[ID]*Descriptor
}

// Registry maps ids to live descriptors.
type Registry struct {
	shards [shardCount]shard
	nextID atomic.Uint64
	gen    atomic.Uint32
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	r := &Registry{}
	for i := range r.shards {
		r.shards[i].m = make(map[ID]*Descriptor)
	}
	return r
}

func (r *Registry) shardFor(id ID) *shard {
	return &r.shards[uint64(id)&(shardCount-1)]
}

// RegisterAlias records p without copying. Ownership of the payload stays
// with the caller for as long as the descriptor may be read. Initial
// refcount is one (the producer's reference).
func (r *Registry) RegisterAlias(p []byte) *Descriptor {
	return r.register(p, false, nil)
}

// RegisterCopy copies p into a pooled buffer owned by the registry; the
// buffer returns to the pool on the final release.
func (r *Registry) RegisterCopy(p []byte) *Descriptor {
	buf := bytebufferpool.Get()
	buf.Reset()
	_, _ = buf.Write(p)
	return r.register(buf.B, true, buf)
}

func (r *Registry) register(data []byte, owned bool, buf *bytebufferpool.ByteBuffer) *Descriptor {
	d := &Descriptor{
		id:    ID(r.nextID.Add(1)),
		data:  data,
		owned: owned,
		buf:   buf,
		gen:   r.gen.Add(1),
	}
	d.refs.Store(1)
	s := r.shardFor(d.id)
	s.mu.Lock()
	s.m[d.id] = d
	s.mu.Unlock()
	return d
}

// Lookup returns the live descriptor for id.
func (r *Registry) Lookup(id ID) (*Descriptor, bool) {
	s := r.shardFor(id)
	s.mu.Lock()
	d, ok := s.m[id]
	s.mu.Unlock()
	return d, ok
}

// Retain adds a reference, e.g. for a registered select clause that may end
// up consuming the descriptor. Retaining a descriptor whose last reference
// has already been dropped fails: a lookup racing the final Release must not
// revive an entry whose payload is being torn down.
func (r *Registry) Retain(id ID) error {
	d, ok := r.Lookup(id)
	if !ok || !d.tryRetain() {
		return status.ErrInvalidArgument
	}
	return nil
}

func (d *Descriptor) tryRetain() bool {
	for {
		n := d.refs.Load()
		if n <= 0 {
			return false
		}
		if d.refs.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// Release drops one reference. On the last release the id is removed from
// the table and, for owned copies, the pooled buffer is returned. Aliased
// payloads are never freed here; that is the producer's job.
func (r *Registry) Release(id ID) error {
	d, ok := r.Lookup(id)
	if !ok {
		return status.ErrInvalidArgument
	}
	n := d.refs.Add(-1)
	switch {
	case n > 0:
		return nil
	case n < 0:
		panic("desc: descriptor refcount underflow")
	}
	s := r.shardFor(id)
	s.mu.Lock()
	delete(s.m, id)
	s.mu.Unlock()
	if d.owned && d.buf != nil {
		bytebufferpool.Put(d.buf)
		d.buf = nil
	}
	d.data = nil
	return nil
}

// Len reports the number of live descriptors.
func (r *Registry) Len() int {
	n := 0
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.Lock()
		n += len(s.m)
		s.mu.Unlock()
	}
	return n
}
