package networking

import (
	"sort"

	"cp2077coop/server/internal/physics"
	"cp2077coop/server/internal/snapshot"
)

// DefaultInterestRadius is the proximity radius in metres that pulls an entity
// into a viewer's scope regardless of sector.
const DefaultInterestRadius float32 = 80

// Entity is one replicated record for the current tick.
type Entity struct {
	Key     uint64
	PhaseID uint32
	Sector  uint64
	Pos     physics.Vec3
	// OwnerID is the controlling peer; zero for world entities.
	OwnerID uint32
	// Private entities are only replicated to their owner.
	Private bool
	// PhaseWide entities reach every viewer in their phase.
	PhaseWide bool
	// Radius overrides the replicator radius when set.
	Radius float32
	Fields *snapshot.Fields
}

// Viewer describes one receiving peer at broadcast time.
type Viewer struct {
	PeerID  uint32
	PhaseID uint32
	Sector  uint64
	Pos     physics.Vec3
	Party   []uint32
}

func (v Viewer) inParty(peerID uint32) bool {
	if peerID == 0 {
		return false
	}
	for _, id := range v.Party {
		if id == peerID {
			return true
		}
	}
	return false
}

// InScope reports whether e is visible to v: same phase and then same sector,
// within radius, owned by the viewer or by a party member.
func InScope(v Viewer, e Entity, radius float32) bool {
	if e.PhaseID != v.PhaseID {
		return false
	}
	if e.OwnerID != 0 && e.OwnerID == v.PeerID {
		return true
	}
	if e.Private {
		return false
	}
	if e.PhaseWide {
		return true
	}
	if e.Radius > 0 {
		radius = e.Radius
	}
	if e.Sector != 0 && e.Sector == v.Sector {
		return true
	}
	if radius > 0 && physics.DistanceSq(e.Pos, v.Pos) <= radius*radius {
		return true
	}
	return v.inParty(e.OwnerID)
}

// scopeDiff returns the keys entering and leaving a scope, both sorted.
func scopeDiff(prev, next map[uint64]struct{}) (added, removed []uint64) {
	for key := range next {
		if _, ok := prev[key]; !ok {
			added = append(added, key)
		}
	}
	for key := range prev {
		if _, ok := next[key]; !ok {
			removed = append(removed, key)
		}
	}
	sort.Slice(added, func(i, j int) bool { return added[i] < added[j] })
	sort.Slice(removed, func(i, j int) bool { return removed[i] < removed[j] })
	return added, removed
}
