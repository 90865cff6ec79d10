package nat

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"cp2077coop/server/internal/logging"
	"cp2077coop/server/internal/protocol"
)

// Factory builds the traversal agent for one peer.
type Factory func(peerID uint32) Traversal

// Stats aggregates handshake outcomes across peers.
type Stats struct {
	Attempts   uint64
	Direct     uint64
	Relay      uint64
	Failed     uint64
	RelayBytes uint64
	MeanRTTMs  float64
}

// Option customises a Manager.
type Option func(*Manager)

// WithLogger attaches a logger.
func WithLogger(logger *logging.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithSessionOptions applies opts to every session the manager opens.
func WithSessionOptions(opts ...SessionOption) Option {
	return func(m *Manager) { m.sessionOpts = append(m.sessionOpts, opts...) }
}

// OnResult observes every finished handshake.
func OnResult(fn func(peerID uint32, res Result)) Option {
	return func(m *Manager) { m.onResult = fn }
}

// Manager routes NatCandidate messages to per-peer sessions and runs each
// handshake on its own goroutine once the peer finished trickling.
type Manager struct {
	mu          sync.Mutex
	out         Sender
	factory     Factory
	logger      *logging.Logger
	sessionOpts []SessionOption
	turn        *TurnCredentials
	onResult    func(uint32, Result)
	sessions    map[uint32]*Session
	stats       Stats
	rttTotalMs  float64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager constructs a manager. A nil factory disables traversal.
func NewManager(out Sender, factory Factory, opts ...Option) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		out:      out,
		factory:  factory,
		logger:   logging.L(),
		sessions: make(map[uint32]*Session),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// OnCandidate handles one trickled line from peerID, answering with the local
// candidates on first contact.
func (m *Manager) OnCandidate(peerID uint32, msg *protocol.NatCandidate) error {
	if m == nil || m.factory == nil || msg == nil || m.ctx.Err() != nil {
		return nil
	}
	m.mu.Lock()
	s, ok := m.sessions[peerID]
	if !ok {
		opts := append([]SessionOption{WithSessionLogger(m.logger)}, m.sessionOpts...)
		if m.turn != nil {
			opts = append(opts, WithTurn(*m.turn))
		}
		s = NewSession(peerID, m.factory(peerID), m.out, opts...)
		m.sessions[peerID] = s
	}
	m.mu.Unlock()
	if !ok {
		if err := s.Start(); err != nil {
			return fmt.Errorf("gather candidates: %w", err)
		}
	}
	complete, err := s.AddRemote(msg.Candidate)
	if err != nil || !complete {
		return err
	}
	//1.- Duplicate end markers race into Handshake, which admits a single attempt.
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.record(peerID, s.Handshake(m.ctx))
	}()
	return nil
}

func (m *Manager) record(peerID uint32, res Result) {
	if errors.Is(res.Err, ErrInProgress) {
		return
	}
	m.mu.Lock()
	m.stats.Attempts++
	m.stats.RelayBytes += res.RelayBytes
	switch {
	case res.Err != nil:
		m.stats.Failed++
	case res.Method == MethodRelay:
		m.stats.Relay++
	default:
		m.stats.Direct++
	}
	if res.Err == nil {
		m.rttTotalMs += float64(res.RTT) / float64(time.Millisecond)
		if ok := m.stats.Direct + m.stats.Relay; ok > 0 {
			m.stats.MeanRTTMs = m.rttTotalMs / float64(ok)
		}
	}
	fn := m.onResult
	m.mu.Unlock()
	if fn != nil {
		fn(peerID, res)
	}
}

// SetTurn installs relay credentials for sessions opened from now on. The
// master server hands them out with each heartbeat.
func (m *Manager) SetTurn(turn TurnCredentials) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.turn = &turn
	m.mu.Unlock()
}

// Stats returns a copy of the aggregated counters.
func (m *Manager) Stats() Stats {
	if m == nil {
		return Stats{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// RemovePeer forgets a departed peer's session.
func (m *Manager) RemovePeer(peerID uint32) {
	if m == nil {
		return
	}
	m.mu.Lock()
	delete(m.sessions, peerID)
	m.mu.Unlock()
}

// Close cancels running handshakes and waits for them to return.
func (m *Manager) Close() {
	if m == nil {
		return
	}
	m.cancel()
	m.wg.Wait()
}

// HostTraversal is the agent of a server reachable on a public address: it
// advertises a single host candidate and treats any remote description as a
// direct path.
type HostTraversal struct {
	mu        sync.Mutex
	addr      *net.UDPAddr
	remote    []string
	connected bool
}

// NewHostTraversal advertises addr, typically the bound game socket.
func NewHostTraversal(addr *net.UDPAddr) *HostTraversal {
	return &HostTraversal{addr: addr}
}

// GatherCandidates returns the host candidate. Relay credentials are unused.
func (h *HostTraversal) GatherCandidates(local Credentials, turn *TurnCredentials) ([]string, error) {
	if h.addr == nil {
		return nil, ErrNoRemote
	}
	ip := h.addr.IP
	if ip == nil || ip.IsUnspecified() {
		ip = net.IPv4(127, 0, 0, 1)
	}
	return []string{fmt.Sprintf("candidate:1 1 udp 2130706431 %s %d typ host", ip, h.addr.Port)}, nil
}

func (h *HostTraversal) SetRemote(remote Credentials, candidates []string) error {
	h.mu.Lock()
	h.remote = append([]string(nil), candidates...)
	h.mu.Unlock()
	return nil
}

func (h *HostTraversal) Connect() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.remote) == 0 {
		return ErrNoRemote
	}
	h.connected = true
	return nil
}

func (h *HostTraversal) Poll() Progress {
	h.mu.Lock()
	defer h.mu.Unlock()
	return Progress{Connected: h.connected}
}

func (h *HostTraversal) IsConnected() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.connected
}
