package snapshot

import (
	"errors"
	"fmt"

	"cp2077coop/server/internal/physics"
	"cp2077coop/server/internal/protocol"
)

// EntityClass tags the top byte of an entity key.
type EntityClass uint8

const (
	ClassAvatar EntityClass = iota + 1
	ClassVehicle
	ClassNpc
	ClassInventory
)

// EntityKey packs class and id into the value carried under BitEntityKey.
func EntityKey(class EntityClass, id uint64) uint64 {
	return uint64(class)<<56 | (id & (1<<56 - 1))
}

// SplitKey reverses EntityKey.
func SplitKey(key uint64) (EntityClass, uint64) {
	return EntityClass(key >> 56), key & (1<<56 - 1)
}

// VehicleState is the replicated vehicle record.
type VehicleState struct {
	ID        uint32
	Archetype uint32
	Paint     uint32
	Damage    uint16
	Occupants [4]uint32
	Destroyed bool
	AngVel    physics.Vec3
	PhaseID   uint32
	Transform protocol.TransformSnap
}

// EncodeTransform writes bits 0-6.
func EncodeTransform(f *Fields, t protocol.TransformSnap) {
	f.PutVec3(BitPos, t.Pos)
	f.PutVec3(BitVel, t.Vel)
	f.PutQuat(BitRot, t.Rot)
	f.PutU16(BitHealth, t.Health)
	f.PutU16(BitArmor, t.Armor)
	f.PutU32(BitOwnerID, t.OwnerID)
	f.PutU16(BitSeq, t.Seq)
}

// DecodeTransform reads bits 0-6; missing bits keep component defaults.
func DecodeTransform(f *Fields) protocol.TransformSnap {
	t := protocol.TransformSnap{Rot: physics.IdentityQuat}
	if v, ok := f.Vec3(BitPos); ok {
		t.Pos = v
	}
	if v, ok := f.Vec3(BitVel); ok {
		t.Vel = v
	}
	if v, ok := f.Quat(BitRot); ok {
		t.Rot = v
	}
	t.Health, _ = f.U16(BitHealth)
	t.Armor, _ = f.U16(BitArmor)
	t.OwnerID, _ = f.U32(BitOwnerID)
	t.Seq, _ = f.U16(BitSeq)
	return t
}

// EncodeAvatar writes a player avatar record.
func EncodeAvatar(f *Fields, peerID uint32, t protocol.TransformSnap) {
	f.PutU64(BitEntityKey, EntityKey(ClassAvatar, uint64(peerID)))
	EncodeTransform(f, t)
}

// EncodeVehicle writes the transform plus vehicle bits 8-14.
func EncodeVehicle(f *Fields, v VehicleState) {
	f.PutU64(BitEntityKey, EntityKey(ClassVehicle, uint64(v.ID)))
	EncodeTransform(f, v.Transform)
	f.PutU32(BitVehArchetype, v.Archetype)
	f.PutU32(BitVehPaint, v.Paint)
	f.PutU16(BitVehDamage, v.Damage)
	f.PutU32x4(BitVehOccupants, v.Occupants)
	f.PutBool(BitVehDestroyed, v.Destroyed)
	f.PutVec3(BitVehAngularVel, v.AngVel)
	f.PutU32(BitVehPhase, v.PhaseID)
}

// DecodeVehicle reads a vehicle record.
func DecodeVehicle(f *Fields) VehicleState {
	_, id := keyOf(f)
	v := VehicleState{ID: uint32(id), Transform: DecodeTransform(f)}
	v.Archetype, _ = f.U32(BitVehArchetype)
	v.Paint, _ = f.U32(BitVehPaint)
	v.Damage, _ = f.U16(BitVehDamage)
	v.Occupants, _ = f.U32x4(BitVehOccupants)
	v.Destroyed, _ = f.Bool(BitVehDestroyed)
	v.AngVel, _ = f.Vec3(BitVehAngularVel)
	v.PhaseID, _ = f.U32(BitVehPhase)
	return v
}

// EncodeNpc writes an NPC record. Template and appearance are fixed at spawn,
// so deltas against an acknowledged baseline never carry them.
func EncodeNpc(f *Fields, n protocol.NpcSnap) {
	f.PutU64(BitEntityKey, EntityKey(ClassNpc, uint64(n.NpcID)))
	f.PutVec3(BitPos, n.Pos)
	f.PutQuat(BitRot, n.Rot)
	f.PutU16(BitHealth, n.Health)
	f.PutU8(BitNpcState, uint8(n.State))
	f.PutU64(BitNpcSector, n.SectorHash)
	f.PutU32(BitNpcPhase, n.PhaseID)
	f.PutU16(BitNpcTemplate, n.TemplateID)
	f.PutU8(BitNpcAppearance, n.AppearanceSeed)
}

// DecodeNpc reads an NPC record.
func DecodeNpc(f *Fields) protocol.NpcSnap {
	_, id := keyOf(f)
	n := protocol.NpcSnap{NpcID: uint32(id), Rot: physics.IdentityQuat}
	if v, ok := f.Vec3(BitPos); ok {
		n.Pos = v
	}
	if v, ok := f.Quat(BitRot); ok {
		n.Rot = v
	}
	n.Health, _ = f.U16(BitHealth)
	state, _ := f.U8(BitNpcState)
	n.State = protocol.NpcState(state)
	n.SectorHash, _ = f.U64(BitNpcSector)
	n.PhaseID, _ = f.U32(BitNpcPhase)
	n.TemplateID, _ = f.U16(BitNpcTemplate)
	n.AppearanceSeed, _ = f.U8(BitNpcAppearance)
	return n
}

// NpcDespawned reports the implicit despawn carried by zero health.
func NpcDespawned(n protocol.NpcSnap) bool { return n.Health == 0 }

// EncodeInventory writes a peer's wallet summary.
func EncodeInventory(f *Fields, peerID uint32, eddies uint64, itemCount uint16) {
	f.PutU64(BitEntityKey, EntityKey(ClassInventory, uint64(peerID)))
	f.PutU64(BitInvEddies, eddies)
	f.PutU16(BitInvItemCount, itemCount)
}

func keyOf(f *Fields) (EntityClass, uint64) {
	key, _ := f.U64(BitEntityKey)
	return SplitKey(key)
}

// KeyOf returns the entity key of a snapshot's field set.
func KeyOf(f *Fields) (uint64, bool) {
	return f.U64(BitEntityKey)
}

var (
	// ErrOutOfBounds marks a transform outside the playable world.
	ErrOutOfBounds = errors.New("snapshot: position out of world bounds")
	// ErrRotation marks a rotation that is not unit length.
	ErrRotation = errors.New("snapshot: rotation not normalised")
	// ErrNonFinite marks NaN or infinite components.
	ErrNonFinite = errors.New("snapshot: non-finite component")
)

// RotationTolerance is the allowed deviation of |rot| from one.
const RotationTolerance = 0.1

// ValidateTransform enforces |pos|∞ ≤ worldBound and a unit rotation.
func ValidateTransform(t protocol.TransformSnap, worldBound float32) error {
	if !t.Pos.IsFinite() || !t.Vel.IsFinite() {
		return ErrNonFinite
	}
	if worldBound > 0 && t.Pos.MaxAbs() > worldBound {
		return fmt.Errorf("%w: %.1f > %.1f", ErrOutOfBounds, t.Pos.MaxAbs(), worldBound)
	}
	if !t.Rot.IsUnit(RotationTolerance) {
		return fmt.Errorf("%w: norm %.3f", ErrRotation, t.Rot.Norm())
	}
	return nil
}
