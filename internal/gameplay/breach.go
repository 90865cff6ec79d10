package gameplay

import (
	"sync"

	"cp2077coop/server/internal/hash"
	"cp2077coop/server/internal/logging"
	"cp2077coop/server/internal/protocol"
)

const (
	// BreachTimeoutMs ends an unfinished breach.
	BreachTimeoutMs = 45000
	// BreachTimeoutMask is the daemon mask reported when the timer runs out.
	BreachTimeoutMask uint8 = 7
	// BreachMaxGrid bounds the code matrix edge.
	BreachMaxGrid = 8
)

type breach struct {
	seed          uint32
	width, height uint8
	remaining     int64
}

// Breaches runs the per-peer breach mini-game: start, relayed inputs and a
// result on completion or timeout.
type Breaches struct {
	base
	mu       sync.Mutex
	rng      *hash.Rand
	active   map[uint32]*breach
	onResult func(peerID uint32, mask uint8, timedOut bool)
}

// NewBreaches constructs the breach controller; seeds derive from worldSeed.
func NewBreaches(out Outbox, worldSeed uint32, opts ...Option) *Breaches {
	return &Breaches{base: newBase(out, "breach", opts), rng: hash.NewRand(worldSeed), active: make(map[uint32]*breach)}
}

// OnResult registers a callback for finished breaches.
func (b *Breaches) OnResult(fn func(peerID uint32, mask uint8, timedOut bool)) {
	b.mu.Lock()
	b.onResult = fn
	b.mu.Unlock()
}

// Start opens a breach for peerID and broadcasts its seed and grid size.
func (b *Breaches) Start(peerID uint32, width, height uint8) (uint32, error) {
	if width == 0 || height == 0 || width > BreachMaxGrid || height > BreachMaxGrid {
		return 0, ErrInvalidInput
	}
	b.mu.Lock()
	if _, ok := b.active[peerID]; ok {
		b.mu.Unlock()
		return 0, ErrActive
	}
	seed := b.rng.Next()
	b.active[peerID] = &breach{seed: seed, width: width, height: height, remaining: BreachTimeoutMs}
	b.mu.Unlock()
	var q outbound
	q.all(&protocol.BreachStart{PeerID: peerID, Seed: seed, Width: width, Height: height})
	q.flush(b.out, b.logger)
	b.logger.Debug("breach started", logging.Uint32("peer_id", peerID), logging.Uint32("seed", seed))
	return seed, nil
}

// Input relays one cell selection of an active breach.
func (b *Breaches) Input(peerID uint32, index uint8) error {
	b.mu.Lock()
	br, ok := b.active[peerID]
	if !ok {
		b.mu.Unlock()
		return ErrInactive
	}
	if int(index) >= int(br.width)*int(br.height) {
		b.mu.Unlock()
		return ErrInvalidInput
	}
	b.mu.Unlock()
	var q outbound
	q.all(&protocol.BreachInput{PeerID: peerID, Index: index})
	q.flush(b.out, b.logger)
	return nil
}

// Finish closes a breach with the daemons the peer uploaded.
func (b *Breaches) Finish(peerID uint32, mask uint8) error {
	b.mu.Lock()
	if _, ok := b.active[peerID]; !ok {
		b.mu.Unlock()
		return ErrInactive
	}
	delete(b.active, peerID)
	fn := b.onResult
	b.mu.Unlock()
	b.emit(peerID, mask, false, fn)
	return nil
}

// Active reports whether peerID has a breach running.
func (b *Breaches) Active(peerID uint32) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.active[peerID]
	return ok
}

// RemovePeer drops a departed peer's breach without a result.
func (b *Breaches) RemovePeer(peerID uint32) {
	b.mu.Lock()
	delete(b.active, peerID)
	b.mu.Unlock()
}

// Tick expires breaches past BreachTimeoutMs with every daemon active.
func (b *Breaches) Tick(dtMs uint32) {
	var expired []uint32
	b.mu.Lock()
	for peerID, br := range b.active {
		br.remaining -= int64(dtMs)
		if br.remaining <= 0 {
			expired = append(expired, peerID)
			delete(b.active, peerID)
		}
	}
	fn := b.onResult
	b.mu.Unlock()
	for _, peerID := range expired {
		b.emit(peerID, BreachTimeoutMask, true, fn)
	}
}

func (b *Breaches) emit(peerID uint32, mask uint8, timedOut bool, fn func(uint32, uint8, bool)) {
	var q outbound
	q.all(&protocol.BreachResult{PeerID: peerID, DaemonMask: mask})
	q.flush(b.out, b.logger)
	if fn != nil {
		fn(peerID, mask, timedOut)
	}
}
