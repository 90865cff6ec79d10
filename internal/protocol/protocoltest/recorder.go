// Package protocoltest provides an in-memory outbox for controller tests.
package protocoltest

import (
	"sync"

	"cp2077coop/server/internal/protocol"
)

// Scope identifies how a recorded message was addressed.
type Scope uint8

const (
	ScopePeer Scope = iota
	ScopeAll
	ScopePhase
)

// Sent is one recorded message.
type Sent struct {
	Scope   Scope
	PeerID  uint32
	PhaseID uint32
	Msg     protocol.Message
}

// Recorder captures every message a controller emits.
type Recorder struct {
	mu   sync.Mutex
	sent []Sent
}

// Send records a message addressed to one peer.
func (r *Recorder) Send(peerID uint32, msg protocol.Message) error {
	r.record(Sent{Scope: ScopePeer, PeerID: peerID, Msg: msg})
	return nil
}

// Broadcast records a message addressed to every peer.
func (r *Recorder) Broadcast(msg protocol.Message) {
	r.record(Sent{Scope: ScopeAll, Msg: msg})
}

// BroadcastPhase records a message addressed to one phase.
func (r *Recorder) BroadcastPhase(phaseID uint32, msg protocol.Message) {
	r.record(Sent{Scope: ScopePhase, PhaseID: phaseID, Msg: msg})
}

func (r *Recorder) record(s Sent) {
	r.mu.Lock()
	r.sent = append(r.sent, s)
	r.mu.Unlock()
}

// All returns a copy of every recorded message.
func (r *Recorder) All() []Sent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Sent(nil), r.sent...)
}

// OfType returns the recorded messages of type t in emission order.
func (r *Recorder) OfType(t protocol.MsgType) []Sent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Sent
	for _, s := range r.sent {
		if s.Msg.Type() == t {
			out = append(out, s)
		}
	}
	return out
}

// Count returns how many messages of type t were recorded.
func (r *Recorder) Count(t protocol.MsgType) int { return len(r.OfType(t)) }

// Last returns the most recent message of type t.
func (r *Recorder) Last(t protocol.MsgType) (Sent, bool) {
	all := r.OfType(t)
	if len(all) == 0 {
		return Sent{}, false
	}
	return all[len(all)-1], true
}

// Reset forgets everything recorded so far.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.sent = nil
	r.mu.Unlock()
}
