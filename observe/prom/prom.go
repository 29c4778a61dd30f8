// Package prom exports runtime telemetry. It provides an in-memory
// scope.Observer with atomic counters plus prometheus collectors over the
// scheduler's and channels' stats snapshots.
package prom

import (
	"sync/atomic"
	"time"
)

// Metrics is a lightweight in-memory observer that maintains counters and
// simple sums. It implements the scope.Observer interface.
type Metrics struct {
	// children
	activeChildren   atomic.Int64
	childrenStarted  atomic.Int64
	childrenFinished atomic.Int64
	childrenErrored  atomic.Int64
	childrenPanicked atomic.Int64
	childDurSumNs    atomic.Int64

	// scopes
	scopesCreated   atomic.Int64
	scopesCancelled atomic.Int64
	joins           atomic.Int64
	joinWaitSumNs   atomic.Int64
}

// New returns a new Metrics observer.
func New() *Metrics { return &Metrics{} }

// ScopeCreated records scope creation.
func (m *Metrics) ScopeCreated() { m.scopesCreated.Add(1) }

// ScopeCancelled records scope cancellation.
func (m *Metrics) ScopeCancelled(_ error) { m.scopesCancelled.Add(1) }

// ScopeJoined records a join and accumulates wait time.
func (m *Metrics) ScopeJoined(wait time.Duration) {
	m.joins.Add(1)
	m.joinWaitSumNs.Add(wait.Nanoseconds())
}

// ChildStarted increments active and started counters.
func (m *Metrics) ChildStarted() {
	m.activeChildren.Add(1)
	m.childrenStarted.Add(1)
}

// ChildFinished decrements active, increments finished, and tracks
// error/panic and duration.
func (m *Metrics) ChildFinished(dur time.Duration, err error, panicked bool) {
	m.activeChildren.Add(-1)
	m.childrenFinished.Add(1)
	if err != nil {
		m.childrenErrored.Add(1)
	}
	if panicked {
		m.childrenPanicked.Add(1)
	}
	m.childDurSumNs.Add(dur.Nanoseconds())
}

// Snapshot exposes a copy of current metric values for exporting.
type Snapshot struct {
	ActiveChildren   int64
	ChildrenStarted  int64
	ChildrenFinished int64
	ChildrenErrored  int64
	ChildrenPanicked int64
	ChildDurSumNs    int64
	ScopesCreated    int64
	ScopesCancelled  int64
	Joins            int64
	JoinWaitSumNs    int64
}

// GetSnapshot returns the current metrics snapshot.
func (m *Metrics) GetSnapshot() Snapshot {
	return Snapshot{
		ActiveChildren:   m.activeChildren.Load(),
		ChildrenStarted:  m.childrenStarted.Load(),
		ChildrenFinished: m.childrenFinished.Load(),
		ChildrenErrored:  m.childrenErrored.Load(),
		ChildrenPanicked: m.childrenPanicked.Load(),
		ChildDurSumNs:    m.childDurSumNs.Load(),
		ScopesCreated:    m.scopesCreated.Load(),
		ScopesCancelled:  m.scopesCancelled.Load(),
		Joins:            m.joins.Load(),
		JoinWaitSumNs:    m.joinWaitSumNs.Load(),
	}
}
