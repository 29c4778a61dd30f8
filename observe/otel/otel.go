package otel

import (
	"time"
)

// Nop is a no-op implementation of the scope.Observer interface. It serves
// as a placeholder for an OpenTelemetry-backed observer without adding
// dependencies.
type Nop struct{}

// NewNop returns a no-op observer.
func NewNop() *Nop { return &Nop{} }

func (*Nop) ScopeCreated()                            {}
func (*Nop) ScopeCancelled(error)                     {}
func (*Nop) ScopeJoined(time.Duration)                {}
func (*Nop) ChildStarted()                            {}
func (*Nop) ChildFinished(time.Duration, error, bool) {}
