package protocol

import "cp2077coop/server/internal/physics"

// WorldState is the ambient world clock shared by every peer.
type WorldState struct {
	SunDeg       uint16
	Weather      uint8
	ParticleSeed uint16
}

// TransformSnap is the replicated transform of an avatar or vehicle.
type TransformSnap struct {
	Pos     physics.Vec3
	Vel     physics.Vec3
	Rot     physics.Quat
	Health  uint16
	Armor   uint16
	OwnerID uint32
	Seq     uint16
}

// NpcState enumerates the coarse NPC behaviour replicated to clients.
type NpcState uint8

const (
	NpcIdle NpcState = iota
	NpcWander
	NpcCombat
	NpcFlee
)

// NpcSnap is the replicated NPC record. Health zero implies despawn.
type NpcSnap struct {
	NpcID          uint32
	TemplateID     uint16
	SectorHash     uint64
	Pos            physics.Vec3
	Rot            physics.Quat
	State          NpcState
	Health         uint16
	AppearanceSeed uint8
	PhaseID        uint32
}

// ItemSnap is the full read-model of an item.
type ItemSnap struct {
	ItemID      uint64
	OwnerID     uint32
	Tpl         uint16
	Level       uint16
	Quality     uint16
	Rolls       [4]uint32
	SlotMask    uint8
	_           [3]byte
	Attachments [4]uint64
}

// QuestEntry pairs a quest name hash with its stage.
type QuestEntry struct {
	NameHash uint32
	Stage    uint16
}

// MaxEddies caps a wallet both in the live ledger and in a save.
const MaxEddies uint64 = 999_999_999

// PlayerSaveState is one peer's contribution to a co-op save.
type PlayerSaveState struct {
	PeerID     uint32
	Level      uint16
	StreetCred uint16
	Eddies     uint64
	Pos        physics.Vec3
	Health     uint16
	_          [2]byte
}

// VendorEntry is one purchasable row of a vendor's stock.
type VendorEntry struct {
	Tpl   uint16
	Qty   uint16
	Price uint32
}
