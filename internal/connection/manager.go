package connection

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sasha-s/go-deadlock"

	"cp2077coop/server/internal/logging"
	"cp2077coop/server/internal/protocol"
	"cp2077coop/server/internal/transport"
)

const (
	// DefaultKeepaliveMs is the idle outbound interval that triggers a Ping.
	DefaultKeepaliveMs = 500
	// DefaultTimeoutMs disconnects peers that stay silent this long.
	DefaultTimeoutMs = 5000
	// MaxHandshakeFailures disconnects a peer after this many consecutive failures.
	MaxHandshakeFailures = 3
	// DefaultPhaseID is the shared world every peer starts in.
	DefaultPhaseID = 0
)

var (
	// ErrUnknownPeer marks an operation on a peer that is not connected.
	ErrUnknownPeer = errors.New("connection: unknown peer")
)

// PacketSender writes raw datagrams; transport.Endpoint satisfies it.
type PacketSender interface {
	Send(addr net.Addr, data []byte) error
}

// Throttle charges outbound bytes against a per-peer budget keyed by
// ThrottleKey.
type Throttle interface {
	Allow(clientID string, payloadBytes int) bool
	Forget(clientID string)
}

// Handler processes one decoded message from an in-game peer on the tick goroutine.
type Handler func(p *Peer, msg protocol.Message, nowMs uint64)

// Options are the session parameters advertised during the handshake.
type Options struct {
	MaxPeers        int
	Password        string
	AdminToken      string
	WorldSeed       uint32
	VoiceFrameBytes int
	ResendMs        uint64
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

// WithLimiter replaces the inbound packet limiter.
func WithLimiter(l *transport.InboundLimiter) Option {
	return func(m *Manager) { m.limiter = l }
}

// ThrottleKey names a peer's outbound budget.
func ThrottleKey(peerID uint32) string {
	return strconv.FormatUint(uint64(peerID), 10)
}

// WithThrottle installs the outbound bandwidth budget for unreliable traffic.
func WithThrottle(t Throttle) Option {
	return func(m *Manager) { m.throttle = t }
}

// WithClock overrides the wall clock used for inbound rate limiting.
func WithClock(clock func() time.Time) Option {
	return func(m *Manager) {
		if clock != nil {
			m.clock = clock
		}
	}
}

// WithWorld supplies the world state embedded in Welcome.
func WithWorld(world func() protocol.WorldState) Option {
	return func(m *Manager) { m.world = world }
}

// WithTickMs supplies the current tick length embedded in Welcome.
func WithTickMs(tickMs func() uint16) Option {
	return func(m *Manager) { m.tickMs = tickMs }
}

// WithPhaseBundle supplies the bundle sent after Welcome.
func WithPhaseBundle(bundle func(phaseID uint32) ([]byte, error)) Option {
	return func(m *Manager) { m.bundle = bundle }
}

// WithBanCheck rejects joins from banned addresses or names.
func WithBanCheck(banned func(addr net.Addr, name string) bool) Option {
	return func(m *Manager) { m.banned = banned }
}

// WithCommandHandler routes slash commands from privileged peers.
func WithCommandHandler(command func(peerID uint32, line string) string) Option {
	return func(m *Manager) { m.command = command }
}

// OnJoin is invoked after a peer enters the game.
func OnJoin(fn func(PeerInfo)) Option {
	return func(m *Manager) { m.onJoin = fn }
}

// OnLeave is invoked after a peer is removed.
func OnLeave(fn func(info PeerInfo, reason string)) Option {
	return func(m *Manager) { m.onLeave = fn }
}

// Manager owns the peer table, runs the handshake and join state machine,
// and dispatches decoded messages to typed handlers.
type Manager struct {
	opts     Options
	out      PacketSender
	logger   *logging.Logger
	limiter  *transport.InboundLimiter
	throttle Throttle
	clock    func() time.Time

	world   func() protocol.WorldState
	tickMs  func() uint16
	bundle  func(phaseID uint32) ([]byte, error)
	banned  func(addr net.Addr, name string) bool
	command func(peerID uint32, line string) string
	onJoin  func(PeerInfo)
	onLeave func(PeerInfo, string)

	drops DropCounters
	nowMs atomic.Uint64

	mu       deadlock.RWMutex
	peers    map[uint32]*Peer
	byAddr   map[string]*Peer
	nextID   uint32
	handlers map[protocol.MsgType]Handler
}

// NewManager constructs a manager writing datagrams through out.
func NewManager(out PacketSender, opts Options, options ...Option) *Manager {
	if opts.MaxPeers <= 0 {
		opts.MaxPeers = 4
	}
	if opts.VoiceFrameBytes <= 0 {
		opts.VoiceFrameBytes = protocol.MaxVoiceBytes
	}
	m := &Manager{
		opts:     opts,
		out:      out,
		logger:   logging.L(),
		limiter:  transport.NewInboundLimiter(0, 0),
		clock:    time.Now,
		world:    func() protocol.WorldState { return protocol.WorldState{} },
		tickMs:   func() uint16 { return 32 },
		peers:    make(map[uint32]*Peer),
		byAddr:   make(map[string]*Peer),
		handlers: make(map[protocol.MsgType]Handler),
	}
	for _, opt := range options {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// Handle registers the handler for a message type, replacing any previous one.
func (m *Manager) Handle(t protocol.MsgType, h Handler) {
	m.mu.Lock()
	m.handlers[t] = h
	m.mu.Unlock()
}

// Drops exposes the inbound drop counters.
func (m *Manager) Drops() DropSnapshot { return m.drops.Snapshot() }

// Peer returns the connected peer with id.
func (m *Manager) Peer(id uint32) (*Peer, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.peers[id]
	return p, ok
}

// PeerInfo returns a copy of one connected peer.
func (m *Manager) PeerInfo(id uint32) (PeerInfo, bool) {
	p, ok := m.Peer(id)
	if !ok {
		return PeerInfo{}, false
	}
	return p.Info(), true
}

// SetMuteUntil mutes a connected peer until ms; zero unmutes.
func (m *Manager) SetMuteUntil(id uint32, ms uint64) bool {
	p, ok := m.Peer(id)
	if ok {
		p.SetMuteUntil(ms)
	}
	return ok
}

// Peers returns copies of every connected peer ordered by id.
func (m *Manager) Peers() []PeerInfo {
	peers := m.snapshotPeers(nil)
	out := make([]PeerInfo, 0, len(peers))
	for _, p := range peers {
		out = append(out, p.Info())
	}
	return out
}

// Count returns the number of in-game peers.
func (m *Manager) Count() int {
	return len(m.snapshotPeers(func(p *Peer) bool { return p.State() == StateInGame }))
}

// MaxPeers returns the configured capacity.
func (m *Manager) MaxPeers() int { return m.opts.MaxPeers }

func (m *Manager) snapshotPeers(filter func(*Peer) bool) []*Peer {
	m.mu.RLock()
	list := make([]*Peer, 0, len(m.peers))
	for _, p := range m.peers {
		list = append(list, p)
	}
	m.mu.RUnlock()
	out := list[:0]
	for _, p := range list {
		if filter == nil || filter(p) {
			out = append(out, p)
		}
	}
	sortPeers(out)
	return out
}

func sortPeers(list []*Peer) {
	sort.Slice(list, func(i, j int) bool { return list[i].id < list[j].id })
}

// HandleDatagram decodes one inbound datagram and dispatches its frames.
func (m *Manager) HandleDatagram(d transport.Datagram, nowMs uint64) {
	m.nowMs.Store(nowMs)
	frame, err := transport.ParseFrame(d.Data)
	if err != nil || d.Addr == nil {
		m.drops.decode.Add(1)
		return
	}
	key := d.Addr.String()
	if !m.limiter.Allow(key, frame.Type, m.clock()) {
		m.drops.rateLimited.Add(1)
		return
	}

	//1.- Only a Hello may open a new peer; anything else from a stranger is noise.
	m.mu.RLock()
	peer := m.byAddr[key]
	m.mu.RUnlock()
	if peer == nil {
		if frame.Type != protocol.MsgHello {
			m.drops.unknownPeer.Add(1)
			return
		}
		if peer = m.accept(d.Addr, nowMs); peer == nil {
			m.drops.overflow.Add(1)
			return
		}
	}

	//2.- Decrypt, replay check and reliable ordering happen under the peer lock.
	peer.mu.Lock()
	frames, err := peer.link.Decode(d.Data)
	handshaking := peer.state == StateHandshaking
	if err == nil {
		peer.lastRecvMs = nowMs
	}
	peer.mu.Unlock()
	if err != nil {
		m.countDecodeError(err)
		if handshaking {
			m.handshakeFailure(peer, "handshake failed")
		}
		return
	}
	for _, f := range frames {
		m.dispatch(peer, f, nowMs)
	}
}

func (m *Manager) countDecodeError(err error) {
	switch {
	case errors.Is(err, transport.ErrReplay):
		m.drops.replay.Add(1)
	case errors.Is(err, transport.ErrDecrypt):
		m.drops.decrypt.Add(1)
	case errors.Is(err, transport.ErrNoSession):
		m.drops.wrongState.Add(1)
	default:
		m.drops.decode.Add(1)
	}
}

func (m *Manager) accept(addr net.Addr, nowMs uint64) *Peer {
	m.mu.Lock()
	defer m.mu.Unlock()
	//1.- Bound pending handshakes so a flood of Hellos cannot grow the table.
	if len(m.peers) >= m.opts.MaxPeers*2 {
		return nil
	}
	m.nextID++
	p := newPeer(m.nextID, addr, m.opts.ResendMs, m.opts.VoiceFrameBytes, nowMs)
	m.peers[p.id] = p
	m.byAddr[addr.String()] = p
	m.logger.Debug("peer accepted", logging.Uint32("peer_id", p.id), logging.String("addr", addr.String()))
	return p
}

func (m *Manager) dispatch(p *Peer, f transport.Frame, nowMs uint64) {
	msg, err := protocol.Unmarshal(f.Type, f.Payload)
	if err != nil {
		m.drops.protocol.Add(1)
		m.logger.Debug("frame rejected", logging.Uint32("peer_id", p.id), logging.String("type", f.Type.String()), logging.Error(err))
		return
	}
	switch v := msg.(type) {
	case *protocol.Hello:
		m.handleHello(p, v, nowMs)
		return
	case *protocol.Ping:
		_ = m.Send(p.id, &protocol.Pong{TimeMs: v.TimeMs})
		return
	case *protocol.Pong:
		p.mu.Lock()
		if v.TimeMs <= nowMs {
			p.recordRTTLocked(float64(nowMs - v.TimeMs))
		}
		p.lastPongMs = nowMs
		p.mu.Unlock()
		return
	case *protocol.JoinRequest:
		m.handleJoin(p, v)
		return
	case *protocol.Disconnect:
		m.remove(p, "client: "+v.Reason, false)
		return
	}

	//1.- Everything else requires a joined peer.
	if p.State() != StateInGame {
		m.drops.wrongState.Add(1)
		return
	}
	if chat, ok := msg.(*protocol.Chat); ok {
		m.handleChat(p, chat, nowMs)
		return
	}
	m.mu.RLock()
	h := m.handlers[f.Type]
	m.mu.RUnlock()
	if h == nil {
		m.drops.protocol.Add(1)
		return
	}
	h(p, msg, nowMs)
}

func (m *Manager) handleHello(p *Peer, hello *protocol.Hello, nowMs uint64) {
	if hello.Version != protocol.Version {
		m.logger.Warn("protocol version mismatch", logging.Uint32("peer_id", p.id), logging.Uint32("version", hello.Version))
		m.handshakeFailure(p, "version mismatch")
		return
	}

	p.mu.Lock()
	//1.- A repeated Hello with the same key means our Welcome was lost; replay it.
	if p.state.Established() {
		var resend []byte
		if hello.Nonce == p.clientKey {
			resend = p.welcome
		}
		p.mu.Unlock()
		if resend != nil {
			m.transmit(p, [][]byte{resend})
		} else {
			m.drops.wrongState.Add(1)
		}
		return
	}
	keys, err := transport.GenerateKeyPair(nil)
	var session *transport.Session
	if err == nil {
		session, err = transport.NewSession(keys, hello.Nonce, hello.Nonce, keys.Public, true)
	}
	if err != nil {
		p.mu.Unlock()
		m.logger.Warn("key agreement failed", logging.Uint32("peer_id", p.id), logging.Error(err))
		m.handshakeFailure(p, "key agreement failed")
		return
	}

	//2.- Welcome travels in the clear; everything after it is sealed.
	welcome := &protocol.Welcome{
		PeerID:    p.id,
		Nonce:     keys.Public,
		WorldSeed: m.opts.WorldSeed,
		TickMs:    m.tickMs(),
		World:     m.world(),
	}
	payload, err := protocol.Marshal(welcome)
	var datagram []byte
	if err == nil {
		datagram, err = p.link.Encode(protocol.MsgWelcome, payload, nowMs)
	}
	if err != nil {
		p.mu.Unlock()
		m.handshakeFailure(p, "welcome encode failed")
		return
	}
	p.keys = keys
	p.clientKey = hello.Nonce
	p.welcome = datagram
	p.link.Establish(session)
	p.state = StateLobby
	p.failures = 0
	p.phaseID = DefaultPhaseID
	p.lastSendMs = nowMs
	p.mu.Unlock()

	m.transmit(p, [][]byte{datagram})
	m.logger.Info("peer handshake complete", logging.Uint32("peer_id", p.id))

	//3.- Ship the default phase so the lobby can render shared state before joining.
	if m.bundle != nil {
		blob, err := m.bundle(DefaultPhaseID)
		if err != nil {
			m.logger.Warn("phase bundle unavailable", logging.Error(err))
			return
		}
		if err := m.Send(p.id, &protocol.PhaseBundle{PhaseID: DefaultPhaseID, Blob: blob}); err != nil {
			m.logger.Warn("phase bundle send failed", logging.Uint32("peer_id", p.id), logging.Error(err))
		}
	}
}

func (m *Manager) handshakeFailure(p *Peer, reason string) {
	p.mu.Lock()
	p.failures++
	failures := p.failures
	p.mu.Unlock()
	if failures >= MaxHandshakeFailures {
		m.Disconnect(p.id, reason)
	}
}

func (m *Manager) handleJoin(p *Peer, req *protocol.JoinRequest) {
	switch p.State() {
	case StateInGame:
		_ = m.Send(p.id, &protocol.JoinAccept{PeerID: p.id, PhaseID: p.PhaseID()})
		return
	case StateLobby:
	default:
		m.drops.wrongState.Add(1)
		return
	}
	name := strings.TrimSpace(req.Name)
	if m.banned != nil && m.banned(p.addr, name) {
		_ = m.Send(p.id, &protocol.JoinDeny{Code: protocol.ResultBanned})
		m.Disconnect(p.id, "banned")
		return
	}
	admin := m.opts.AdminToken != "" && req.Password == m.opts.AdminToken
	if m.opts.Password != "" && req.Password != m.opts.Password && !admin {
		_ = m.Send(p.id, &protocol.JoinDeny{Code: protocol.ResultWrongPassword})
		m.handshakeFailure(p, "wrong password")
		return
	}
	if m.Count() >= m.opts.MaxPeers {
		_ = m.Send(p.id, &protocol.JoinDeny{Code: protocol.ResultServerFull})
		m.Disconnect(p.id, "server full")
		return
	}

	p.mu.Lock()
	p.state = StateInGame
	p.name = name
	p.privileged = admin
	phaseID := p.phaseID
	p.mu.Unlock()

	_ = m.Send(p.id, &protocol.JoinAccept{PeerID: p.id, PhaseID: phaseID})
	m.logger.Info("peer joined", logging.Uint32("peer_id", p.id), logging.String("name", name), logging.Bool("privileged", admin))
	if m.onJoin != nil {
		m.onJoin(p.Info())
	}
}

func (m *Manager) handleChat(p *Peer, chat *protocol.Chat, nowMs uint64) {
	if p.Muted(nowMs) {
		_ = m.Send(p.id, &protocol.ActionResult{Request: protocol.MsgChat, Code: protocol.ResultDenied})
		return
	}
	text := strings.TrimSpace(chat.Text)
	if text == "" {
		return
	}
	if strings.HasPrefix(text, "/") {
		if !p.Privileged() || m.command == nil {
			_ = m.Send(p.id, &protocol.ActionResult{Request: protocol.MsgChat, Code: protocol.ResultDenied})
			return
		}
		reply := m.command(p.id, strings.TrimPrefix(text, "/"))
		if reply != "" {
			_ = m.Send(p.id, &protocol.AdminNotice{Text: reply})
		}
		return
	}
	m.Broadcast(&protocol.Chat{PeerID: p.id, Text: text})
}

// Send encodes msg for one peer. Unreliable messages are queued until Flush.
func (m *Manager) Send(peerID uint32, msg protocol.Message) error {
	p, ok := m.Peer(peerID)
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownPeer, peerID)
	}
	payload, err := protocol.Marshal(msg)
	if err != nil {
		return err
	}
	return m.sendPayload(p, msg.Type(), payload)
}

func (m *Manager) sendPayload(p *Peer, t protocol.MsgType, payload []byte) error {
	now := m.nowMs.Load()
	p.mu.Lock()
	datagram, err := p.link.Encode(t, payload, now)
	if err != nil {
		p.mu.Unlock()
		return err
	}
	p.lastSendMs = now
	if t.Unreliable() {
		if p.unreliable.Push(datagram) {
			m.drops.overflow.Add(1)
		}
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()
	m.transmit(p, [][]byte{datagram})
	return nil
}

// Broadcast sends msg to every in-game peer.
func (m *Manager) Broadcast(msg protocol.Message) {
	m.broadcast(msg, func(*Peer) bool { return true })
}

// BroadcastPhase sends msg to every in-game peer in phaseID.
func (m *Manager) BroadcastPhase(phaseID uint32, msg protocol.Message) {
	m.broadcast(msg, func(p *Peer) bool { return p.PhaseID() == phaseID })
}

// BroadcastPhaseExcept sends msg to the phase, skipping one peer.
func (m *Manager) BroadcastPhaseExcept(phaseID, except uint32, msg protocol.Message) {
	m.broadcast(msg, func(p *Peer) bool { return p.id != except && p.PhaseID() == phaseID })
}

func (m *Manager) broadcast(msg protocol.Message, keep func(*Peer) bool) {
	payload, err := protocol.Marshal(msg)
	if err != nil {
		m.logger.Error("broadcast encode failed", logging.String("type", msg.Type().String()), logging.Error(err))
		return
	}
	//1.- Copy the recipients first so no table lock is held while sending.
	targets := m.snapshotPeers(func(p *Peer) bool { return p.State() == StateInGame && keep(p) })
	for _, p := range targets {
		if err := m.sendPayload(p, msg.Type(), payload); err != nil {
			m.logger.Debug("broadcast skipped peer", logging.Uint32("peer_id", p.id), logging.Error(err))
		}
	}
}

// Tick runs keepalive, timeouts, retransmits and flushes queued traffic.
func (m *Manager) Tick(nowMs uint64) {
	m.nowMs.Store(nowMs)
	var timedOut []*Peer
	for _, p := range m.snapshotPeers(nil) {
		p.mu.Lock()
		silent := nowMs > p.lastRecvMs && nowMs-p.lastRecvMs > DefaultTimeoutMs
		idle := p.state.Established() && nowMs >= p.lastSendMs+DefaultKeepaliveMs
		p.mu.Unlock()
		if silent {
			timedOut = append(timedOut, p)
			continue
		}
		if idle {
			_ = m.Send(p.id, &protocol.Ping{TimeMs: nowMs})
		}
	}
	for _, p := range timedOut {
		m.Disconnect(p.id, "timeout")
	}
	m.Flush(nowMs)
}

// Flush writes acks, due retransmits and the unreliable backlog within each peer's budget.
func (m *Manager) Flush(nowMs uint64) {
	m.nowMs.Store(nowMs)
	for _, p := range m.snapshotPeers(nil) {
		key := ThrottleKey(p.id)
		p.mu.Lock()
		var out [][]byte
		if ack, ok := p.link.AckDatagram(); ok {
			out = append(out, ack)
		}
		out = append(out, p.link.Resends(nowMs)...)
		for {
			head, ok := p.unreliable.Peek()
			if !ok {
				break
			}
			if m.throttle != nil && !isVoice(head) && !m.throttle.Allow(key, len(head)) {
				break
			}
			p.unreliable.Pop()
			out = append(out, head)
		}
		p.mu.Unlock()
		if len(out) > 0 {
			m.transmit(p, out)
		}
	}
}

func isVoice(datagram []byte) bool {
	f, err := transport.ParseFrame(datagram)
	return err == nil && f.Type == protocol.MsgVoice
}

func (m *Manager) transmit(p *Peer, datagrams [][]byte) {
	for _, d := range datagrams {
		if err := m.out.Send(p.addr, d); err != nil {
			m.logger.Warn("socket send failed", logging.Uint32("peer_id", p.id), logging.Error(err))
			m.remove(p, "socket error", false)
			return
		}
	}
}

// Disconnect notifies the peer with reason and removes it. The id is never reused.
func (m *Manager) Disconnect(peerID uint32, reason string) {
	p, ok := m.Peer(peerID)
	if !ok {
		return
	}
	m.remove(p, reason, true)
}

func (m *Manager) remove(p *Peer, reason string, notify bool) {
	m.mu.Lock()
	if current, ok := m.peers[p.id]; !ok || current != p {
		m.mu.Unlock()
		return
	}
	delete(m.peers, p.id)
	if p.addr != nil {
		delete(m.byAddr, p.addr.String())
	}
	m.mu.Unlock()

	//1.- Seal the farewell before the state flips so late frames cannot revive the peer.
	p.mu.Lock()
	var farewell []byte
	if notify && p.state.Established() {
		if payload, err := protocol.Marshal(&protocol.Disconnect{Reason: reason}); err == nil {
			farewell, _ = p.link.Encode(protocol.MsgDisconnect, payload, m.nowMs.Load())
		}
	}
	p.state = StateDisconnecting
	p.mu.Unlock()
	if farewell != nil {
		_ = m.out.Send(p.addr, farewell)
	}

	if p.addr != nil {
		m.limiter.Forget(p.addr.String())
	}
	if m.throttle != nil {
		m.throttle.Forget(ThrottleKey(p.id))
	}
	info := p.Info()
	p.mu.Lock()
	p.state = StateDisconnected
	p.mu.Unlock()
	info.State = StateDisconnected
	m.logger.Info("peer disconnected", logging.Uint32("peer_id", p.id), logging.String("reason", reason))
	if m.onLeave != nil {
		m.onLeave(info, reason)
	}
}

// Close disconnects every peer with reason.
func (m *Manager) Close(reason string) {
	for _, p := range m.snapshotPeers(nil) {
		m.remove(p, reason, true)
	}
}
