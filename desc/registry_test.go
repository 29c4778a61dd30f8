package desc

import (
	"bytes"
	"errors"
	"testing"

	"go.uber.org/goleak"

	"github.com/emberml/corun/status"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestAliasSharesStorage(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	p := []byte("payload")
	d := r.RegisterAlias(p)

	if d.Owned() {
		t.Fatal("alias descriptor reports owned")
	}
	if &d.Bytes()[0] != &p[0] {
		t.Fatal("alias descriptor copied the payload")
	}
	if d.Len() != len(p) {
		t.Fatalf("Len = %d, want %d", d.Len(), len(p))
	}
	if err := r.Release(d.ID()); err != nil {
		t.Fatalf("release: %v", err)
	}
	// The caller's slice is untouched by the final release.
	if !bytes.Equal(p, []byte("payload")) {
		t.Fatal("release mutated an aliased payload")
	}
	if r.Len() != 0 {
		t.Fatalf("registry holds %d entries after release, want 0", r.Len())
	}
}

func TestCopyIsIndependent(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	p := []byte("abc")
	d := r.RegisterCopy(p)

	if !d.Owned() {
		t.Fatal("copy descriptor reports aliased")
	}
	p[0] = 'z'
	if !bytes.Equal(d.Bytes(), []byte("abc")) {
		t.Fatalf("copy observed producer mutation: %q", d.Bytes())
	}
	if err := r.Release(d.ID()); err != nil {
		t.Fatalf("release: %v", err)
	}
}

func TestRetainReleaseLifecycle(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	d := r.RegisterAlias([]byte{1, 2, 3})
	id := d.ID()

	if err := r.Retain(id); err != nil {
		t.Fatalf("retain: %v", err)
	}
	if err := r.Release(id); err != nil {
		t.Fatalf("first release: %v", err)
	}
	if _, ok := r.Lookup(id); !ok {
		t.Fatal("descriptor removed while a reference remained")
	}
	if err := r.Release(id); err != nil {
		t.Fatalf("final release: %v", err)
	}
	if _, ok := r.Lookup(id); ok {
		t.Fatal("descriptor still resolvable after final release")
	}
	if err := r.Release(id); !errors.Is(err, status.ErrInvalidArgument) {
		t.Fatalf("release of a dead id = %v, want ErrInvalidArgument", err)
	}
	if err := r.Retain(id); !errors.Is(err, status.ErrInvalidArgument) {
		t.Fatalf("retain of a dead id = %v, want ErrInvalidArgument", err)
	}
}

func TestRetainRefusesDroppedDescriptor(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	d := r.RegisterAlias([]byte{1})
	id := d.ID()

	// Model a holder whose Lookup won the race against the final Release:
	// it still has the *Descriptor, but the refcount has already hit zero.
	if err := r.Release(id); err != nil {
		t.Fatalf("final release: %v", err)
	}
	if got := d.refs.Load(); got != 0 {
		t.Fatalf("refcount after final release = %d, want 0", got)
	}
	if d.tryRetain() {
		t.Fatal("retain resurrected a descriptor whose last reference was dropped")
	}
	if got := d.refs.Load(); got != 0 {
		t.Fatalf("failed retain moved the refcount to %d", got)
	}
}

func TestIDsAndGenerationsDistinct(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	a := r.RegisterAlias([]byte{1})
	b := r.RegisterAlias([]byte{2})
	if a.ID() == b.ID() {
		t.Fatal("two registrations share an id")
	}
	if a.Generation() == b.Generation() {
		t.Fatal("two registrations share a generation")
	}
	if r.Len() != 2 {
		t.Fatalf("Len = %d, want 2", r.Len())
	}
	_ = r.Release(a.ID())
	_ = r.Release(b.ID())
}
