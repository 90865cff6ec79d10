package gameplay

import (
	"math"
	"sort"
	"sync"

	"cp2077coop/server/internal/hash"
	"cp2077coop/server/internal/logging"
	"cp2077coop/server/internal/networking"
	"cp2077coop/server/internal/physics"
	"cp2077coop/server/internal/protocol"
	"cp2077coop/server/internal/snapshot"
)

const (
	// NpcInterestRadius pulls NPCs into a viewer's interest set.
	NpcInterestRadius float32 = 80
	// NpcWalkSpeedMps is the wander speed.
	NpcWalkSpeedMps float32 = 0.5
	// NpcTurnIntervalMs re-rolls the walk heading.
	NpcTurnIntervalMs = 3000
	// NpcMaxHealth is the spawn health.
	NpcMaxHealth uint16 = 100
	// CrowdSeedMask derives a sector's crowd seed from its hash.
	CrowdSeedMask uint32 = 0xA5A5A5A5
	// DefaultCrowdSeed seeds the walk streams when the world seed is zero.
	DefaultCrowdSeed uint32 = 123456
)

// Option customises a gameplay controller.
type Option func(*base)

// WithLogger attaches a logger.
func WithLogger(logger *logging.Logger) Option {
	return func(b *base) {
		if logger != nil {
			b.logger = logger
		}
	}
}

type base struct {
	out    Outbox
	logger *logging.Logger
}

func newBase(out Outbox, name string, opts []Option) base {
	b := base{out: out, logger: logging.L()}
	for _, opt := range opts {
		if opt != nil {
			opt(&b)
		}
	}
	b.logger = b.logger.Named(name)
	return b
}

type npc struct {
	snap    protocol.NpcSnap
	rng     *hash.Rand
	heading float32
	turn    interval
	reaped  bool
}

// Crowd owns the server-simulated NPCs. Their records travel through the
// snapshot replicator like every other world entity.
type Crowd struct {
	base
	mu          sync.Mutex
	seed        uint32
	nextID      uint32
	npcs        map[uint32]*npc
	sectorSeeds map[uint64]uint32
}

// NewCrowd constructs an empty NPC director. Walk streams derive from seed.
func NewCrowd(out Outbox, seed uint32, opts ...Option) *Crowd {
	if seed == 0 {
		seed = DefaultCrowdSeed
	}
	return &Crowd{
		base:        newBase(out, "npc", opts),
		seed:        seed,
		npcs:        make(map[uint32]*npc),
		sectorSeeds: make(map[uint64]uint32),
	}
}

// Spawn places a wandering NPC and returns its id.
func (c *Crowd) Spawn(templateID uint16, phaseID uint32, pos physics.Vec3, appearance uint8) uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	id := c.nextID
	snap := protocol.NpcSnap{
		NpcID:          id,
		TemplateID:     templateID,
		SectorHash:     hash.Fnv1a64Pos(pos.X, pos.Y),
		Pos:            pos,
		Rot:            physics.IdentityQuat,
		State:          protocol.NpcWander,
		Health:         NpcMaxHealth,
		AppearanceSeed: appearance,
		PhaseID:        phaseID,
	}
	c.npcs[id] = &npc{
		snap: snap,
		rng:  hash.NewRand(c.seed ^ hash.Step(id)),
		turn: interval{periodMs: NpcTurnIntervalMs},
	}
	return id
}

// Get returns the current record of one NPC.
func (c *Crowd) Get(id uint32) (protocol.NpcSnap, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.npcs[id]
	if !ok {
		return protocol.NpcSnap{}, false
	}
	return n.snap, true
}

// SetState switches an NPC's behaviour. Combat NPCs reach every same-phase viewer.
func (c *Crowd) SetState(id uint32, state protocol.NpcState) error {
	if state > protocol.NpcFlee {
		return ErrInvalidInput
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.npcs[id]
	if !ok {
		return ErrNotFound
	}
	n.snap.State = state
	return nil
}

// Damage lowers health. An NPC at zero health is sent once more and then despawned.
func (c *Crowd) Damage(id uint32, amount uint16) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.npcs[id]
	if !ok || n.snap.Health == 0 {
		return ErrNotFound
	}
	if amount >= n.snap.Health {
		n.snap.Health = 0
		return nil
	}
	n.snap.Health -= amount
	return nil
}

// SectorSeed returns the stable crowd seed for a sector.
func (c *Crowd) SectorSeed(sectorHash uint64) uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sectorSeedLocked(sectorHash)
}

func (c *Crowd) sectorSeedLocked(sectorHash uint64) uint32 {
	if seed, ok := c.sectorSeeds[sectorHash]; ok {
		return seed
	}
	seed := uint32(sectorHash) ^ CrowdSeedMask
	c.sectorSeeds[sectorHash] = seed
	return seed
}

// EnterSector broadcasts the crowd seed of the sector a peer just entered.
func (c *Crowd) EnterSector(peerID uint32, sectorHash uint64) uint32 {
	c.mu.Lock()
	seed := c.sectorSeedLocked(sectorHash)
	c.mu.Unlock()
	var q outbound
	q.all(&protocol.CrowdSeed{SectorHash: sectorHash, Seed: seed})
	q.flush(c.out, c.logger)
	c.logger.Debug("crowd seed sent", logging.Uint32("peer_id", peerID), logging.Uint64("sector", sectorHash), logging.Uint32("seed", seed))
	return seed
}

// Len returns the live NPC count.
func (c *Crowd) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.npcs)
}

// Tick reaps NPCs whose zero-health record was already replicated and walks
// every wandering NPC along its deterministic heading.
func (c *Crowd) Tick(dtMs uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, n := range c.npcs {
		if n.reaped {
			delete(c.npcs, id)
		}
	}
	dt := float32(dtMs) / 1000
	for _, n := range c.npcs {
		if n.turn.advance(dtMs) {
			n.heading = n.rng.Float01() * 2 * math.Pi
		}
		if n.snap.State != protocol.NpcWander || n.snap.Health == 0 {
			continue
		}
		sin, cos := math.Sincos(float64(n.heading))
		n.snap.Pos.X += float32(cos) * NpcWalkSpeedMps * dt
		n.snap.Pos.Y += float32(sin) * NpcWalkSpeedMps * dt
		n.snap.Rot = physics.QuatFromYaw(n.heading - math.Pi/2)
		n.snap.SectorHash = hash.Fnv1a64Pos(n.snap.Pos.X, n.snap.Pos.Y)
	}
}

// Entities returns one replicated record per NPC, ordered by id. Combat NPCs
// reach every viewer in their phase. A zero-health record is returned once and
// the NPC is removed on the next Tick.
func (c *Crowd) Entities() []networking.Entity {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]networking.Entity, 0, len(c.npcs))
	for _, n := range c.npcs {
		if n.reaped {
			continue
		}
		f := snapshot.NewFields()
		snapshot.EncodeNpc(f, n.snap)
		out = append(out, networking.Entity{
			Key:       snapshot.EntityKey(snapshot.ClassNpc, uint64(n.snap.NpcID)),
			PhaseID:   n.snap.PhaseID,
			Pos:       n.snap.Pos,
			PhaseWide: n.snap.State == protocol.NpcCombat,
			Radius:    NpcInterestRadius,
			Fields:    f,
		})
		if n.snap.Health == 0 {
			n.reaped = true
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}
