package tunnel

import (
	"fmt"
	"sync/atomic"
)

// Counters records per-session forwarding statistics. Per-packet failures
// do not log; the counters are the only trace they leave.
type Counters struct {
	SentPackets     atomic.Uint64
	RecvPackets     atomic.Uint64
	AuthFailures    atomic.Uint64
	ReplaysDropped  atomic.Uint64
	MalformedFrames atomic.Uint64
	DroppedNoPeer   atomic.Uint64
	DroppedNoSess   atomic.Uint64
	DroppedBackpres atomic.Uint64
	DroppedOversize atomic.Uint64
	DroppedFiltered atomic.Uint64
}

func (c *Counters) String() string {
	return fmt.Sprintf(
		"sent=%d recv=%d auth_fail=%d replay=%d malformed=%d no_peer=%d no_session=%d backpressure=%d oversize=%d filtered=%d",
		c.SentPackets.Load(),
		c.RecvPackets.Load(),
		c.AuthFailures.Load(),
		c.ReplaysDropped.Load(),
		c.MalformedFrames.Load(),
		c.DroppedNoPeer.Load(),
		c.DroppedNoSess.Load(),
		c.DroppedBackpres.Load(),
		c.DroppedOversize.Load(),
		c.DroppedFiltered.Load(),
	)
}
