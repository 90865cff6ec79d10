package connection

import (
	"net"

	"github.com/sasha-s/go-deadlock"

	"cp2077coop/server/internal/physics"
	"cp2077coop/server/internal/transport"
)

const (
	// RTTHistory is the number of round-trip samples kept per peer.
	RTTHistory = 16
	// LowBWVoiceBytes caps voice frames for peers in low-bandwidth mode.
	LowBWVoiceBytes = 64
)

// Peer is one remote client. Its mutable state is guarded by its own lock so
// workers may send to it while the tick goroutine dispatches its frames.
type Peer struct {
	id   uint32
	addr net.Addr

	mu         deadlock.Mutex
	state      State
	link       *transport.Link
	keys       *transport.KeyPair
	clientKey  [32]byte
	welcome    []byte
	unreliable *transport.DropQueue

	name       string
	privileged bool
	phaseID    uint32
	sector     uint64
	avatar     physics.Vec3
	muteUntil  uint64
	voiceBytes int
	lowBW      bool
	failures   int

	acceptedMs uint64
	lastSendMs uint64
	lastRecvMs uint64
	lastPongMs uint64

	rtt      [RTTHistory]float64
	rttCount int
	rttHead  int
}

func newPeer(id uint32, addr net.Addr, resendMs uint64, voiceBytes int, nowMs uint64) *Peer {
	return &Peer{
		id:         id,
		addr:       addr,
		state:      StateHandshaking,
		link:       transport.NewLink(resendMs),
		unreliable: transport.NewDropQueue(transport.DefaultUnreliableQueue),
		voiceBytes: voiceBytes,
		acceptedMs: nowMs,
		lastRecvMs: nowMs,
		lastPongMs: nowMs,
	}
}

// ID returns the server assigned peer id.
func (p *Peer) ID() uint32 { return p.id }

// Addr returns the remote address.
func (p *Peer) Addr() net.Addr { return p.addr }

// State returns the lifecycle stage.
func (p *Peer) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// PhaseID returns the phase the peer belongs to.
func (p *Peer) PhaseID() uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.phaseID
}

// SetPhase moves the peer to a phase.
func (p *Peer) SetPhase(phaseID uint32) {
	p.mu.Lock()
	p.phaseID = phaseID
	p.mu.Unlock()
}

// Sector returns the last reported sector hash.
func (p *Peer) Sector() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sector
}

// SetSector records the sector the peer entered and reports whether it changed.
func (p *Peer) SetSector(sector uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	changed := p.sector != sector
	p.sector = sector
	return changed
}

// Avatar returns the last validated avatar position.
func (p *Peer) Avatar() physics.Vec3 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.avatar
}

// SetAvatar stores the validated avatar position.
func (p *Peer) SetAvatar(pos physics.Vec3) {
	p.mu.Lock()
	p.avatar = pos
	p.mu.Unlock()
}

// Muted reports whether chat and voice from the peer are suppressed at nowMs.
func (p *Peer) Muted(nowMs uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.muteUntil > nowMs
}

// SetMuteUntil sets the mute deadline; zero unmutes.
func (p *Peer) SetMuteUntil(ms uint64) {
	p.mu.Lock()
	p.muteUntil = ms
	p.mu.Unlock()
}

// Name returns the joined display name.
func (p *Peer) Name() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.name
}

// Privileged reports whether the peer may issue admin chat commands.
func (p *Peer) Privileged() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.privileged
}

// LowBW reports whether the peer is in low-bandwidth mode.
func (p *Peer) LowBW() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lowBW
}

// SetLowBW toggles low-bandwidth mode and reports whether it changed.
func (p *Peer) SetLowBW(enabled bool) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	changed := p.lowBW != enabled
	p.lowBW = enabled
	return changed
}

// VoiceCap returns the largest voice frame accepted from or relayed to the peer.
func (p *Peer) VoiceCap() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.lowBW && p.voiceBytes > LowBWVoiceBytes {
		return LowBWVoiceBytes
	}
	return p.voiceBytes
}

// UnreliableBacklog returns the queued unreliable datagrams.
func (p *Peer) UnreliableBacklog() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.unreliable.Len()
}

// RTT returns the mean of the recorded round-trip samples in milliseconds.
func (p *Peer) RTT() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rttLocked()
}

func (p *Peer) rttLocked() float64 {
	if p.rttCount == 0 {
		return 0
	}
	total := 0.0
	for i := 0; i < p.rttCount; i++ {
		total += p.rtt[i]
	}
	return total / float64(p.rttCount)
}

func (p *Peer) recordRTTLocked(ms float64) {
	p.rtt[p.rttHead] = ms
	p.rttHead = (p.rttHead + 1) % RTTHistory
	if p.rttCount < RTTHistory {
		p.rttCount++
	}
}

// Loss estimates packet loss from reliable retransmits.
func (p *Peer) Loss() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.link.Reliable().LossRatio()
}

// PeerInfo is a read-only copy of a peer for other goroutines.
type PeerInfo struct {
	ID         uint32
	Addr       string
	Name       string
	State      State
	PhaseID    uint32
	Sector     uint64
	Avatar     physics.Vec3
	MuteUntil  uint64
	LowBW      bool
	VoiceCap   int
	RTTMs      float64
	Loss       float64
	Privileged bool
}

// Info copies the peer.
func (p *Peer) Info() PeerInfo {
	voiceCap := p.VoiceCap()
	p.mu.Lock()
	defer p.mu.Unlock()
	addr := ""
	if p.addr != nil {
		addr = p.addr.String()
	}
	return PeerInfo{
		ID:         p.id,
		Addr:       addr,
		Name:       p.name,
		State:      p.state,
		PhaseID:    p.phaseID,
		Sector:     p.sector,
		Avatar:     p.avatar,
		MuteUntil:  p.muteUntil,
		LowBW:      p.lowBW,
		VoiceCap:   voiceCap,
		RTTMs:      p.rttLocked(),
		Loss:       p.link.Reliable().LossRatio(),
		Privileged: p.privileged,
	}
}
