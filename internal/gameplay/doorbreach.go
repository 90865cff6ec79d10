package gameplay

import (
	"sort"
	"sync"

	"cp2077coop/server/internal/protocol"
)

const (
	// DoorBreachBaseMs is the unperked breach duration.
	DoorBreachBaseMs = 1000
	// DoorBreachPerkMs is shaved off per breach perk.
	DoorBreachPerkMs = 100
	// DoorBreachMinMs floors the duration.
	DoorBreachMinMs = 300
	// DoorBreachTickMs spaces progress broadcasts.
	DoorBreachTickMs = 250
)

// DoorBreachDuration returns the breach time for a peer holding perks breach perks.
func DoorBreachDuration(perks int) uint32 {
	if perks < 0 {
		perks = 0
	}
	d := DoorBreachBaseMs - DoorBreachPerkMs*perks
	if d < DoorBreachMinMs {
		d = DoorBreachMinMs
	}
	return uint32(d)
}

type doorBreach struct {
	phaseID    uint32
	peerID     uint32
	durationMs uint32
	elapsedMs  uint32
	send       interval
}

// Doors tracks timed door breaches and the combat flags that abort them.
type Doors struct {
	base
	mu       sync.Mutex
	breaches map[uint32]*doorBreach
	combat   map[uint32]bool
}

// NewDoors constructs the door breach controller.
func NewDoors(out Outbox, opts ...Option) *Doors {
	return &Doors{base: newBase(out, "doors", opts), breaches: make(map[uint32]*doorBreach), combat: make(map[uint32]bool)}
}

// Start opens a breach on doorID for peerID in phaseID.
func (d *Doors) Start(doorID, phaseID, peerID uint32, perks int) error {
	d.mu.Lock()
	if _, ok := d.breaches[doorID]; ok {
		d.mu.Unlock()
		return ErrActive
	}
	d.breaches[doorID] = &doorBreach{
		phaseID:    phaseID,
		peerID:     peerID,
		durationMs: DoorBreachDuration(perks),
		send:       interval{periodMs: DoorBreachTickMs},
	}
	d.mu.Unlock()
	var q outbound
	q.phase(phaseID, &protocol.DoorBreachStart{DoorID: doorID, PhaseID: phaseID, PeerID: peerID})
	q.flush(d.out, d.logger)
	return nil
}

// SetCombat updates a peer's combat flag and broadcasts changes.
func (d *Doors) SetCombat(peerID uint32, inCombat bool) {
	d.mu.Lock()
	changed := d.combat[peerID] != inCombat
	if inCombat {
		d.combat[peerID] = true
	} else {
		delete(d.combat, peerID)
	}
	d.mu.Unlock()
	if !changed {
		return
	}
	var q outbound
	q.all(&protocol.CombatState{PeerID: peerID, InCombat: inCombat})
	q.flush(d.out, d.logger)
}

// InCombat reports a peer's combat flag.
func (d *Doors) InCombat(peerID uint32) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.combat[peerID]
}

// Active reports whether doorID is being breached.
func (d *Doors) Active(doorID uint32) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.breaches[doorID]
	return ok
}

// RemovePeer aborts the peer's breaches and clears its combat flag.
func (d *Doors) RemovePeer(peerID uint32) {
	var q outbound
	d.mu.Lock()
	delete(d.combat, peerID)
	for doorID, b := range d.breaches {
		if b.peerID == peerID {
			delete(d.breaches, doorID)
			q.phase(b.phaseID, &protocol.DoorBreachResult{DoorID: doorID})
		}
	}
	d.mu.Unlock()
	q.flush(d.out, d.logger)
}

// Tick advances every breach, broadcasting progress every DoorBreachTickMs.
// A breach whose peer entered combat is aborted.
func (d *Doors) Tick(dtMs uint32) {
	var q outbound
	d.mu.Lock()
	ids := make([]uint32, 0, len(d.breaches))
	for id := range d.breaches {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, doorID := range ids {
		b := d.breaches[doorID]
		//1.- Combat aborts the breach outright.
		if d.combat[b.peerID] {
			delete(d.breaches, doorID)
			q.phase(b.phaseID, &protocol.DoorBreachResult{DoorID: doorID, Success: false})
			continue
		}
		b.elapsedMs += dtMs
		if !b.send.advance(dtMs) {
			continue
		}
		//2.- Report progress and finish at one hundred percent.
		pct := uint64(b.elapsedMs) * 100 / uint64(b.durationMs)
		if pct > 100 {
			pct = 100
		}
		q.phase(b.phaseID, &protocol.DoorBreachTick{DoorID: doorID, Percent: uint8(pct)})
		if pct >= 100 {
			delete(d.breaches, doorID)
			q.phase(b.phaseID, &protocol.DoorBreachResult{DoorID: doorID, Success: true})
		}
	}
	d.mu.Unlock()
	q.flush(d.out, d.logger)
}
