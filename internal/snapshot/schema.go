package snapshot

// Kind describes how a field value is laid out in the payload.
type Kind uint8

const (
	KindNone Kind = iota
	KindU8
	KindU16
	KindU32
	KindU64
	KindF32
	KindVec3
	KindQuat
	KindU32x4
	KindBytes
)

// Size returns the fixed width of the kind, or -1 for length-prefixed bytes.
func (k Kind) Size() int {
	switch k {
	case KindU8:
		return 1
	case KindU16:
		return 2
	case KindU32, KindF32:
		return 4
	case KindU64:
		return 8
	case KindVec3:
		return 12
	case KindQuat, KindU32x4:
		return 16
	case KindBytes:
		return -1
	}
	return 0
}

// Field bits. Transform bits 0-6 are shared by avatars, vehicles and NPCs.
const (
	BitPos     = 0
	BitVel     = 1
	BitRot     = 2
	BitHealth  = 3
	BitArmor   = 4
	BitOwnerID = 5
	BitSeq     = 6

	BitVehArchetype  = 8
	BitVehPaint      = 9
	BitVehDamage     = 10
	BitVehOccupants  = 11
	BitVehDestroyed  = 12
	BitVehAngularVel = 13
	BitVehPhase      = 14

	BitNpcTemplate   = 16
	BitNpcState      = 17
	BitNpcAppearance = 18
	BitNpcSector     = 19
	BitNpcPhase      = 20

	BitInvEddies    = 48
	BitInvItemCount = 49

	// BitEntityKey identifies the entity a snapshot describes and is always present.
	BitEntityKey = 64
)

// Schema maps every bit to its value kind. Bits with KindNone are reserved.
type Schema [MaxFields]Kind

// DefaultSchema is the field map used by every replicated entity.
var DefaultSchema = func() *Schema {
	var s Schema
	s[BitPos] = KindVec3
	s[BitVel] = KindVec3
	s[BitRot] = KindQuat
	s[BitHealth] = KindU16
	s[BitArmor] = KindU16
	s[BitOwnerID] = KindU32
	s[BitSeq] = KindU16

	s[BitVehArchetype] = KindU32
	s[BitVehPaint] = KindU32
	s[BitVehDamage] = KindU16
	s[BitVehOccupants] = KindU32x4
	s[BitVehDestroyed] = KindU8
	s[BitVehAngularVel] = KindVec3
	s[BitVehPhase] = KindU32

	s[BitNpcTemplate] = KindU16
	s[BitNpcState] = KindU8
	s[BitNpcAppearance] = KindU8
	s[BitNpcSector] = KindU64
	s[BitNpcPhase] = KindU32

	s[BitInvEddies] = KindU64
	s[BitInvItemCount] = KindU16

	s[BitEntityKey] = KindU64
	return &s
}()
