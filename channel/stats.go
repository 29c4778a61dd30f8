package channel

import (
	"sync/atomic"
	"time"
)

type chanStats struct {
	sends      atomic.Uint64
	recvs      atomic.Uint64
	sendBlocks atomic.Uint64
	recvBlocks atomic.Uint64
	created    time.Time
}

// Snapshot is a point-in-time view of a channel's throughput counters.
type Snapshot struct {
	Kind       Kind
	Len        int
	Cap        int
	Sends      uint64
	Recvs      uint64
	SendBlocks uint64
	RecvBlocks uint64
	Closed     bool
	At         time.Time
}

// Stats returns the channel's current snapshot.
func (c *Chan[T]) Stats() Snapshot {
	s := Snapshot{
		Kind:       c.kind,
		Sends:      c.stats.sends.Load(),
		Recvs:      c.stats.recvs.Load(),
		SendBlocks: c.stats.sendBlocks.Load(),
		RecvBlocks: c.stats.recvBlocks.Load(),
		At:         time.Now(),
	}
	s.Len = c.Len()
	s.Cap = c.Cap()
	s.Closed = c.Closed()
	return s
}

// Rate is a send/receive throughput over a snapshot window.
type Rate struct {
	SendsPerSec float64
	RecvsPerSec float64
	Window      time.Duration
}

// ComputeRate derives throughput from two snapshots of the same channel.
// A non-positive window yields a zero Rate.
func ComputeRate(prev, cur Snapshot) Rate {
	window := cur.At.Sub(prev.At)
	if window <= 0 {
		return Rate{}
	}
	secs := window.Seconds()
	return Rate{
		SendsPerSec: float64(cur.Sends-prev.Sends) / secs,
		RecvsPerSec: float64(cur.Recvs-prev.Recvs) / secs,
		Window:      window,
	}
}
