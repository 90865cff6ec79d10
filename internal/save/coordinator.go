// Package save coordinates two-phase co-op saves: every connected peer must
// acknowledge and contribute its player state before the server writes the
// slot.
package save

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"cp2077coop/server/internal/logging"
	"cp2077coop/server/internal/protocol"
)

const (
	// DefaultTimeout fails a save that has not gathered every peer.
	DefaultTimeout = 60 * time.Second
	// MaxSlots bounds the slot number.
	MaxSlots = 20
	// Version is stamped into every save.
	Version = 1
	// MaxLevel, MaxEddies and MaxPosition bound a player state.
	MaxLevel    = 50
	MaxEddies   = protocol.MaxEddies
	MaxPosition = 10_000
)

var (
	ErrInProgress    = errors.New("save: another save is in progress")
	ErrNoPeers       = errors.New("save: no connected peers")
	ErrBadSlot       = errors.New("save: slot out of range")
	ErrUnknownSave   = errors.New("save: unknown request")
	ErrInvalidPlayer = errors.New("save: invalid player state")
	ErrChecksum      = errors.New("save: checksum mismatch")
	ErrGameTime      = errors.New("save: game time went backwards")
	ErrNoPlayers     = errors.New("save: no player states")
	ErrCorrupt       = errors.New("save: corrupt file")
	ErrNotFound      = errors.New("save: slot empty")
)

// Sender delivers save traffic.
type Sender interface {
	Send(peerID uint32, msg protocol.Message) error
	Broadcast(msg protocol.Message)
}

// Result describes a finished save.
type Result struct {
	RequestID ulid.ULID
	Slot      uint32
	OK        bool
	Reason    string
	Players   int
}

// Option customises a Coordinator.
type Option func(*Coordinator)

// WithLogger attaches a logger.
func WithLogger(logger *logging.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithClock overrides the wall clock.
func WithClock(clock func() time.Time) Option {
	return func(c *Coordinator) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// WithTimeout overrides the quorum deadline.
func WithTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithWorld supplies the world state captured at completion.
func WithWorld(world func() WorldState) Option {
	return func(c *Coordinator) { c.world = world }
}

// WithWallets makes the server's ledger the source of each player's eddies.
func WithWallets(balance func(peerID uint32) uint64) Option {
	return func(c *Coordinator) { c.wallet = balance }
}

// OnComplete observes every finished save.
func OnComplete(fn func(Result)) Option {
	return func(c *Coordinator) { c.onComplete = fn }
}

type pending struct {
	id        ulid.ULID
	slot      uint32
	initiator uint32
	expected  map[uint32]bool
	acked     map[uint32]bool
	states    map[uint32]protocol.PlayerSaveState
	deadline  time.Time
}

func (p *pending) ready() bool {
	for peer := range p.expected {
		if !p.acked[peer] {
			return false
		}
		if _, ok := p.states[peer]; !ok {
			return false
		}
	}
	return true
}

// Coordinator runs at most one save at a time.
type Coordinator struct {
	dir        string
	out        Sender
	peers      func() []uint32
	world      func() WorldState
	wallet     func(peerID uint32) uint64
	clock      func() time.Time
	timeout    time.Duration
	logger     *logging.Logger
	onComplete func(Result)

	mu           sync.Mutex
	entropy      io.Reader
	sessionID    ulid.ULID
	cur          *pending
	lastGameTime uint64
}

// NewCoordinator writes saves under dir. peers lists the ids that must take part.
func NewCoordinator(dir string, out Sender, peers func() []uint32, opts ...Option) *Coordinator {
	c := &Coordinator{
		dir:     dir,
		out:     out,
		peers:   peers,
		world:   func() WorldState { return WorldState{} },
		clock:   time.Now,
		timeout: DefaultTimeout,
		logger:  logging.L(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	c.entropy = ulid.Monotonic(rand.Reader, 0)
	c.sessionID = c.newID()
	c.lastGameTime = c.scanGameTime()
	return c
}

// SessionID identifies this server run inside every save it writes.
func (c *Coordinator) SessionID() ulid.ULID { return c.sessionID }

func (c *Coordinator) newID() ulid.ULID {
	return ulid.MustNew(ulid.Timestamp(c.clock()), c.entropy)
}

// scanGameTime recovers the newest game time from existing slots so the
// monotonic check survives restarts.
func (c *Coordinator) scanGameTime() uint64 {
	var latest uint64
	for slot := uint32(0); slot < MaxSlots; slot++ {
		d, err := Read(c.dir, slot)
		if err != nil {
			continue
		}
		if d.World.GameTimeMs > latest {
			latest = d.World.GameTimeMs
		}
	}
	return latest
}

// InProgress reports whether a save is gathering responses.
func (c *Coordinator) InProgress() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cur != nil
}

// Begin starts a save into slot and sends SaveRequest to every peer.
func (c *Coordinator) Begin(initiator, slot uint32) (ulid.ULID, error) {
	if slot >= MaxSlots {
		return ulid.ULID{}, ErrBadSlot
	}
	var ids []uint32
	if c.peers != nil {
		ids = c.peers()
	}
	if len(ids) == 0 {
		return ulid.ULID{}, ErrNoPeers
	}
	c.mu.Lock()
	if c.cur != nil {
		c.mu.Unlock()
		return ulid.ULID{}, ErrInProgress
	}
	p := &pending{
		id:        c.newID(),
		slot:      slot,
		initiator: initiator,
		expected:  make(map[uint32]bool, len(ids)),
		acked:     make(map[uint32]bool, len(ids)),
		states:    make(map[uint32]protocol.PlayerSaveState, len(ids)),
		deadline:  c.clock().Add(c.timeout),
	}
	for _, id := range ids {
		p.expected[id] = true
	}
	c.cur = p
	c.mu.Unlock()

	c.logger.Info("save started", logging.String("request_id", p.id.String()), logging.Uint32("slot", slot), logging.Uint32("initiator", initiator), logging.Int("peers", len(ids)))
	req := &protocol.SaveRequest{RequestID: p.id, Slot: slot}
	for _, id := range ids {
		if err := c.out.Send(id, req); err != nil {
			c.fail(p.id, fmt.Sprintf("peer %d unreachable", id))
			return p.id, err
		}
	}
	return p.id, nil
}

// HandleBegin serves a peer's SaveBegin.
func (c *Coordinator) HandleBegin(peerID uint32, msg *protocol.SaveBegin) {
	if msg == nil {
		return
	}
	if _, err := c.Begin(peerID, msg.Slot); err != nil {
		_ = c.out.Send(peerID, &protocol.SaveCompletion{OK: false, Reason: err.Error()})
	}
}

// HandleResponse records a peer's acknowledgement. A refusal fails the save.
func (c *Coordinator) HandleResponse(peerID uint32, msg *protocol.SaveResponse) error {
	if msg == nil {
		return ErrUnknownSave
	}
	c.mu.Lock()
	p := c.cur
	if p == nil || ulid.ULID(msg.RequestID) != p.id || !p.expected[peerID] {
		c.mu.Unlock()
		return ErrUnknownSave
	}
	if !msg.OK {
		c.mu.Unlock()
		reason := msg.Reason
		if reason == "" {
			reason = fmt.Sprintf("peer %d declined", peerID)
		}
		c.fail(p.id, reason)
		return nil
	}
	p.acked[peerID] = true
	done := p.ready()
	c.mu.Unlock()
	if done {
		c.complete(p.id)
	}
	return nil
}

// HandlePlayerData stores a peer's contribution. The peer id is taken from
// the connection, not the payload.
func (c *Coordinator) HandlePlayerData(peerID uint32, msg *protocol.PlayerSaveData) error {
	if msg == nil {
		return ErrUnknownSave
	}
	c.mu.Lock()
	p := c.cur
	if p == nil || ulid.ULID(msg.RequestID) != p.id || !p.expected[peerID] {
		c.mu.Unlock()
		return ErrUnknownSave
	}
	state := msg.State
	state.PeerID = peerID
	if err := ValidatePlayer(state); err != nil {
		c.mu.Unlock()
		c.fail(p.id, "invalid player save data")
		return err
	}
	p.states[peerID] = state
	done := p.ready()
	c.mu.Unlock()
	if done {
		c.complete(p.id)
	}
	return nil
}

// RemovePeer fails a save that was waiting on a departed peer.
func (c *Coordinator) RemovePeer(peerID uint32) {
	c.mu.Lock()
	p := c.cur
	waiting := p != nil && p.expected[peerID]
	c.mu.Unlock()
	if waiting {
		c.fail(p.id, fmt.Sprintf("peer %d disconnected", peerID))
	}
}

// Tick expires a save past its deadline.
func (c *Coordinator) Tick(now time.Time) {
	c.mu.Lock()
	p := c.cur
	expired := p != nil && now.After(p.deadline)
	c.mu.Unlock()
	if expired {
		c.fail(p.id, "save timed out")
	}
}

// take detaches the current save if it is still id.
func (c *Coordinator) take(id ulid.ULID) *pending {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cur == nil || c.cur.id != id {
		return nil
	}
	p := c.cur
	c.cur = nil
	return p
}

func (c *Coordinator) fail(id ulid.ULID, reason string) {
	p := c.take(id)
	if p == nil {
		return
	}
	c.finish(p, false, reason)
}

func (c *Coordinator) complete(id ulid.ULID) {
	p := c.take(id)
	if p == nil {
		return
	}
	now := c.clock()
	d := &Data{
		SessionID: c.sessionID,
		Slot:      p.slot,
		Timestamp: uint64(now.UnixMilli()),
		Version:   Version,
		World:     c.world(),
	}
	if d.World.Timestamp == 0 {
		d.World.Timestamp = d.Timestamp
	}
	for _, st := range p.states {
		if c.wallet != nil {
			st.Eddies = c.wallet(st.PeerID)
		}
		d.Players = append(d.Players, st)
	}
	sort.Slice(d.Players, func(i, j int) bool { return d.Players[i].PeerID < d.Players[j].PeerID })
	d.Checksum = d.Sum()

	c.mu.Lock()
	last := c.lastGameTime
	c.mu.Unlock()
	if err := Validate(d, last); err != nil {
		c.finish(p, false, "save data validation failed: "+err.Error())
		return
	}
	if err := Write(c.dir, d); err != nil {
		c.logger.Error("save write failed", logging.Error(err), logging.Uint32("slot", p.slot))
		c.finish(p, false, "save operation failed")
		return
	}
	c.mu.Lock()
	if d.World.GameTimeMs > c.lastGameTime {
		c.lastGameTime = d.World.GameTimeMs
	}
	c.mu.Unlock()
	c.finish(p, true, "")
}

func (c *Coordinator) finish(p *pending, ok bool, reason string) {
	c.out.Broadcast(&protocol.SaveCompletion{RequestID: p.id, OK: ok, Reason: reason})
	if ok {
		c.logger.Info("save completed", logging.String("request_id", p.id.String()), logging.Uint32("slot", p.slot), logging.Int("players", len(p.states)))
	} else {
		c.logger.Warn("save failed", logging.String("request_id", p.id.String()), logging.Uint32("slot", p.slot), logging.String("reason", reason))
	}
	if c.onComplete != nil {
		c.onComplete(Result{RequestID: p.id, Slot: p.slot, OK: ok, Reason: reason, Players: len(p.states)})
	}
}

// ValidatePlayer bounds a single contribution.
func ValidatePlayer(st protocol.PlayerSaveState) error {
	switch {
	case st.PeerID == 0:
		return fmt.Errorf("%w: peer id 0", ErrInvalidPlayer)
	case st.Level > MaxLevel:
		return fmt.Errorf("%w: level %d", ErrInvalidPlayer, st.Level)
	case st.Eddies > MaxEddies:
		return fmt.Errorf("%w: eddies %d", ErrInvalidPlayer, st.Eddies)
	case !st.Pos.IsFinite() || math.Abs(float64(st.Pos.Len())) > MaxPosition:
		return fmt.Errorf("%w: position out of bounds", ErrInvalidPlayer)
	}
	return nil
}

// Validate checks the checksum, every player and that game time did not
// regress past lastGameTime.
func Validate(d *Data, lastGameTime uint64) error {
	if len(d.Players) == 0 {
		return ErrNoPlayers
	}
	if d.Sum() != d.Checksum {
		return ErrChecksum
	}
	for _, p := range d.Players {
		if err := ValidatePlayer(p); err != nil {
			return err
		}
	}
	if d.World.GameTimeMs < lastGameTime {
		return fmt.Errorf("%w: %d < %d", ErrGameTime, d.World.GameTimeMs, lastGameTime)
	}
	return nil
}

// Load reads and validates a slot. Game time monotonicity is not enforced on
// load; loading advances the watermark for later saves.
func (c *Coordinator) Load(slot uint32) (Data, error) {
	if slot >= MaxSlots {
		return Data{}, ErrBadSlot
	}
	d, err := Read(c.dir, slot)
	if err != nil {
		return Data{}, err
	}
	if err := Validate(&d, 0); err != nil {
		return Data{}, err
	}
	c.mu.Lock()
	if d.World.GameTimeMs > c.lastGameTime {
		c.lastGameTime = d.World.GameTimeMs
	}
	c.mu.Unlock()
	return d, nil
}
