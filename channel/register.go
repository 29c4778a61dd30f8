package channel

// This file holds the channel half of select arbitration: non-blocking
// probes and provisional clause registration. The selector package drives
// them; the SelectNode's TryWin CAS is the single decision point shared by
// all clauses of a session.

// PollRecv attempts a non-blocking receive into out. Used as the select
// fast-probe for a receive clause.
func (c *Chan[T]) PollRecv(out *T) error {
	c.mu.Lock()
	v, w, err := c.recvLocked()
	if err == nil {
		c.stats.recvs.Add(1)
		*out = v
	}
	c.mu.Unlock()
	if w != nil {
		w.notify()
	}
	return err
}

// PollSend attempts a non-blocking send. Used as the select fast-probe for
// a send clause.
func (c *Chan[T]) PollSend(v T) error {
	c.mu.Lock()
	w, err := c.sendLocked(v)
	if err == nil {
		c.stats.sends.Add(1)
	}
	c.mu.Unlock()
	if w != nil {
		w.notify()
	}
	return err
}

// recvReadyLocked reports whether a receive clause could complete right now
// against committed state. Queued peers that are themselves provisional
// select clauses do not count: claiming one before our own session is
// decided could strand a session that won nothing.
func (c *Chan[T]) recvReadyLocked() bool {
	if c.closed {
		return true
	}
	switch c.kind {
	case Conflated:
		return c.slot.hasValue
	case Rendezvous:
		for w := c.sendq.head; w != nil; w = w.next {
			if w.sel == nil {
				return true
			}
		}
		return false
	default:
		return c.ring.count > 0
	}
}

func (c *Chan[T]) sendReadyLocked() bool {
	if c.closed {
		return true
	}
	switch c.kind {
	case Conflated:
		return true
	case Rendezvous:
		for w := c.recvq.head; w != nil; w = w.next {
			if w.sel == nil {
				return true
			}
		}
		return false
	default:
		return !c.ring.full() || !c.ring.fixed
	}
}

func noopUnregister() {}

// RegisterRecv registers clause idx of session n as a provisional receiver.
// If the channel became ready between the probe pass and now, the clause
// tries to win the session immediately and, on success, completes the
// receive before returning. The returned function unregisters the clause
// exactly once; it is a no-op when the clause was consumed or never queued.
func (c *Chan[T]) RegisterRecv(n *SelectNode, idx int, out *T) func() {
	c.mu.Lock()
	if c.recvReadyLocked() {
		if !n.TryWin(idx) {
			c.mu.Unlock()
			return noopUnregister
		}
		v, w, err := c.recvLocked()
		if err == nil {
			c.stats.recvs.Add(1)
			*out = v
		}
		n.err = err
		n.markReady()
		c.mu.Unlock()
		if w != nil {
			w.notify()
		}
		return noopUnregister
	}
	w := newWaiter[T](nil)
	w.co = n.co
	w.sel = n
	w.idx = idx
	w.out = out
	c.recvq.push(w)
	c.mu.Unlock()
	return func() { c.unregister(w) }
}

// RegisterSend registers clause idx of session n as a provisional sender
// of v.
func (c *Chan[T]) RegisterSend(n *SelectNode, idx int, v T) func() {
	c.mu.Lock()
	if c.sendReadyLocked() {
		if !n.TryWin(idx) {
			c.mu.Unlock()
			return noopUnregister
		}
		w, err := c.sendLocked(v)
		if err == nil {
			c.stats.sends.Add(1)
		}
		n.err = err
		n.markReady()
		c.mu.Unlock()
		if w != nil {
			w.notify()
		}
		return noopUnregister
	}
	w := newWaiter[T](nil)
	w.co = n.co
	w.sel = n
	w.idx = idx
	w.val = v
	c.sendq.push(w)
	c.mu.Unlock()
	return func() { c.unregister(w) }
}

// unregister rolls back a provisional registration. Nodes already consumed
// by a wake or close path were disposed under the channel lock and are left
// alone.
func (c *Chan[T]) unregister(w *waiter[T]) {
	c.mu.Lock()
	if !w.disposed {
		if w.q != nil {
			w.q.remove(w)
		}
		w.dispose()
	}
	c.mu.Unlock()
}
