package gameplay

import (
	"sort"
	"sync"

	"cp2077coop/server/internal/physics"
	"cp2077coop/server/internal/protocol"
)

// CarrySnapMs spaces CarrySnap broadcasts.
const CarrySnapMs = 100

type carried struct {
	carrierID uint32
	pos       physics.Vec3
	vel       physics.Vec3
	snap      interval
}

// Carries tracks bodies picked up by players.
type Carries struct {
	base
	mu      sync.Mutex
	carried map[uint32]*carried
}

// NewCarries constructs the carry controller.
func NewCarries(out Outbox, opts ...Option) *Carries {
	return &Carries{base: newBase(out, "carry", opts), carried: make(map[uint32]*carried)}
}

// Begin attaches entityID to carrierID.
func (c *Carries) Begin(carrierID, entityID uint32, pos physics.Vec3) error {
	c.mu.Lock()
	if cur, ok := c.carried[entityID]; ok && cur.carrierID != carrierID {
		c.mu.Unlock()
		return ErrActive
	}
	c.carried[entityID] = &carried{carrierID: carrierID, pos: pos, snap: interval{periodMs: CarrySnapMs}}
	c.mu.Unlock()
	var q outbound
	q.all(&protocol.CarryBegin{CarrierID: carrierID, EntityID: entityID})
	q.flush(c.out, c.logger)
	return nil
}

// Update records the carrier's latest view of the body.
func (c *Carries) Update(carrierID, entityID uint32, pos, vel physics.Vec3) error {
	if !pos.IsFinite() || !vel.IsFinite() {
		return ErrInvalidInput
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	cur, ok := c.carried[entityID]
	if !ok {
		return ErrNotFound
	}
	if cur.carrierID != carrierID {
		return ErrNotOwner
	}
	cur.pos, cur.vel = pos, vel
	return nil
}

// End releases the body with a throw velocity.
func (c *Carries) End(carrierID, entityID uint32, pos, vel physics.Vec3) error {
	c.mu.Lock()
	cur, ok := c.carried[entityID]
	if !ok {
		c.mu.Unlock()
		return ErrNotFound
	}
	if cur.carrierID != carrierID {
		c.mu.Unlock()
		return ErrNotOwner
	}
	delete(c.carried, entityID)
	c.mu.Unlock()
	var q outbound
	q.all(&protocol.CarryEnd{CarrierID: carrierID, EntityID: entityID, Pos: pos, Vel: vel})
	q.flush(c.out, c.logger)
	return nil
}

// CarrierOf returns who holds entityID.
func (c *Carries) CarrierOf(entityID uint32) (uint32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cur, ok := c.carried[entityID]
	if !ok {
		return 0, false
	}
	return cur.carrierID, true
}

// RemovePeer drops every body a departed peer was carrying where it last stood.
func (c *Carries) RemovePeer(peerID uint32) {
	var q outbound
	c.mu.Lock()
	for id, cur := range c.carried {
		if cur.carrierID == peerID {
			delete(c.carried, id)
			q.all(&protocol.CarryEnd{CarrierID: peerID, EntityID: id, Pos: cur.pos})
		}
	}
	c.mu.Unlock()
	q.flush(c.out, c.logger)
}

// Tick broadcasts a CarrySnap per carried body every CarrySnapMs.
func (c *Carries) Tick(dtMs uint32) {
	var q outbound
	c.mu.Lock()
	ids := make([]uint32, 0, len(c.carried))
	for id := range c.carried {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		cur := c.carried[id]
		if cur.snap.advance(dtMs) {
			q.all(&protocol.CarrySnap{CarrierID: cur.carrierID, EntityID: id, Pos: cur.pos, Vel: cur.vel})
		}
	}
	c.mu.Unlock()
	q.flush(c.out, c.logger)
}
