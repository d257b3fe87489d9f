package reliable

import (
	"sync/atomic"
	"time"
)

// stats holds the link delivery counters. All fields are updated with atomics
// so the receive loop, the heartbeat loop, and senders never contend.
type stats struct {
	sent           atomic.Uint64
	received       atomic.Uint64
	acksSent       atomic.Uint64
	acked          atomic.Uint64
	retransmits    atomic.Uint64
	failed         atomic.Uint64
	errors         atomic.Uint64
	duplicates     atomic.Uint64
	reconnects     atomic.Uint64
	heartbeatsSent atomic.Uint64

	startedAt atomic.Int64 // unix nanos, 0 until Start
}

// Snapshot is a point-in-time copy of the link counters.
type Snapshot struct {
	Sent     uint64 `json:"sent"`
	Received uint64 `json:"received"`
	// AcksSent counts acknowledgments this side put on the wire; Acked
	// counts our own messages the peer acknowledged.
	AcksSent    uint64 `json:"acks_sent"`
	Acked       uint64 `json:"acked"`
	Retransmits uint64 `json:"retransmits"`
	Failed      uint64 `json:"failed"`
	// Errors counts malformed inbound frames and unexpected session losses.
	Errors         uint64 `json:"errors"`
	Duplicates     uint64 `json:"duplicates"`
	Reconnects     uint64 `json:"reconnects"`
	HeartbeatsSent uint64 `json:"heartbeats_sent"`

	Uptime time.Duration `json:"uptime"`
}

// reset zeroes every counter and restamps the start time.
func (s *stats) reset(now time.Time) {
	s.sent.Store(0)
	s.received.Store(0)
	s.acksSent.Store(0)
	s.acked.Store(0)
	s.retransmits.Store(0)
	s.failed.Store(0)
	s.errors.Store(0)
	s.duplicates.Store(0)
	s.reconnects.Store(0)
	s.heartbeatsSent.Store(0)
	s.startedAt.Store(now.UnixNano())
}

func (s *stats) snapshot(now time.Time) Snapshot {
	snap := Snapshot{
		Sent:           s.sent.Load(),
		Received:       s.received.Load(),
		AcksSent:       s.acksSent.Load(),
		Acked:          s.acked.Load(),
		Retransmits:    s.retransmits.Load(),
		Failed:         s.failed.Load(),
		Errors:         s.errors.Load(),
		Duplicates:     s.duplicates.Load(),
		Reconnects:     s.reconnects.Load(),
		HeartbeatsSent: s.heartbeatsSent.Load(),
	}
	if started := s.startedAt.Load(); started != 0 {
		snap.Uptime = now.Sub(time.Unix(0, started))
	}
	return snap
}
