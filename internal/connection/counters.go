package connection

import "sync/atomic"

// DropCounters tracks inbound frames discarded without disconnecting the peer.
type DropCounters struct {
	decode      atomic.Uint64
	decrypt     atomic.Uint64
	replay      atomic.Uint64
	protocol    atomic.Uint64
	rateLimited atomic.Uint64
	unknownPeer atomic.Uint64
	wrongState  atomic.Uint64
	overflow    atomic.Uint64
}

// DropSnapshot is a copy of the counters.
type DropSnapshot struct {
	Decode      uint64
	Decrypt     uint64
	Replay      uint64
	Protocol    uint64
	RateLimited uint64
	UnknownPeer uint64
	WrongState  uint64
	Overflow    uint64
}

// Total sums every counter.
func (s DropSnapshot) Total() uint64 {
	return s.Decode + s.Decrypt + s.Replay + s.Protocol + s.RateLimited + s.UnknownPeer + s.WrongState + s.Overflow
}

// Snapshot copies the counters.
func (c *DropCounters) Snapshot() DropSnapshot {
	return DropSnapshot{
		Decode:      c.decode.Load(),
		Decrypt:     c.decrypt.Load(),
		Replay:      c.replay.Load(),
		Protocol:    c.protocol.Load(),
		RateLimited: c.rateLimited.Load(),
		UnknownPeer: c.unknownPeer.Load(),
		WrongState:  c.wrongState.Load(),
		Overflow:    c.overflow.Load(),
	}
}
