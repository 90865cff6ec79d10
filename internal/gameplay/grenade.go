package gameplay

import (
	"sort"
	"sync"

	"cp2077coop/server/internal/physics"
	"cp2077coop/server/internal/protocol"
)

const (
	// GrenadeSnapMs spaces GrenadeSnap broadcasts.
	GrenadeSnapMs = 50
	// GrenadeGravity pulls airborne grenades down between owner updates.
	GrenadeGravity float32 = 9.81
)

type grenade struct {
	ownerID uint32
	pos     physics.Vec3
	vel     physics.Vec3
	snap    interval
}

// Grenades integrates primed grenades and streams their positions.
type Grenades struct {
	base
	mu       sync.Mutex
	grenades map[uint32]*grenade
}

// NewGrenades constructs the grenade controller.
func NewGrenades(out Outbox, opts ...Option) *Grenades {
	return &Grenades{base: newBase(out, "grenade", opts), grenades: make(map[uint32]*grenade)}
}

// Prime registers a thrown grenade and broadcasts the prime tick.
func (g *Grenades) Prime(entityID, ownerID, startTick uint32, pos, vel physics.Vec3) error {
	if !pos.IsFinite() || !vel.IsFinite() {
		return ErrInvalidInput
	}
	g.mu.Lock()
	if _, ok := g.grenades[entityID]; ok {
		g.mu.Unlock()
		return ErrActive
	}
	g.grenades[entityID] = &grenade{ownerID: ownerID, pos: pos, vel: vel, snap: interval{periodMs: GrenadeSnapMs}}
	g.mu.Unlock()
	var q outbound
	q.all(&protocol.GrenadePrime{EntityID: entityID, OwnerID: ownerID, StartTick: startTick})
	q.flush(g.out, g.logger)
	return nil
}

// Correct replaces the simulated state with the owner's report.
func (g *Grenades) Correct(ownerID, entityID uint32, pos, vel physics.Vec3) error {
	if !pos.IsFinite() || !vel.IsFinite() {
		return ErrInvalidInput
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	gr, ok := g.grenades[entityID]
	if !ok {
		return ErrNotFound
	}
	if gr.ownerID != ownerID {
		return ErrNotOwner
	}
	gr.pos, gr.vel = pos, vel
	return nil
}

// Remove stops streaming a detonated grenade.
func (g *Grenades) Remove(entityID uint32) error {
	g.mu.Lock()
	if _, ok := g.grenades[entityID]; !ok {
		g.mu.Unlock()
		return ErrNotFound
	}
	delete(g.grenades, entityID)
	g.mu.Unlock()
	var q outbound
	q.all(&protocol.GrenadeRemove{EntityID: entityID})
	q.flush(g.out, g.logger)
	return nil
}

// Position returns the simulated grenade position.
func (g *Grenades) Position(entityID uint32) (physics.Vec3, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	gr, ok := g.grenades[entityID]
	if !ok {
		return physics.Vec3{}, false
	}
	return gr.pos, true
}

// Len returns the number of live grenades.
func (g *Grenades) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.grenades)
}

// Tick integrates ballistic motion and broadcasts GrenadeSnap every GrenadeSnapMs.
func (g *Grenades) Tick(dtMs uint32) {
	var q outbound
	dt := float32(dtMs) / 1000
	g.mu.Lock()
	ids := make([]uint32, 0, len(g.grenades))
	for id := range g.grenades {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		gr := g.grenades[id]
		gr.vel.Z -= GrenadeGravity * dt
		gr.pos = gr.pos.Add(gr.vel.Scale(dt))
		if gr.snap.advance(dtMs) {
			q.all(&protocol.GrenadeSnap{EntityID: id, Pos: gr.pos, Vel: gr.vel})
		}
	}
	g.mu.Unlock()
	q.flush(g.out, g.logger)
}
