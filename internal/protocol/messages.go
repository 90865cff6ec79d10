package protocol

import "cp2077coop/server/internal/physics"

const (
	// MaxChatBytes bounds a chat line.
	MaxChatBytes = 256
	// MaxNameBytes bounds a player display name.
	MaxNameBytes = 32
	// MaxReasonBytes bounds disconnect and save failure reasons.
	MaxReasonBytes = 128
	// MaxQuestEntries bounds a QuestFullSync.
	MaxQuestEntries = 32
	// MaxTradeItems bounds one side of a trade offer.
	MaxTradeItems = 8
	// MaxVendorEntries bounds a vendor stock listing.
	MaxVendorEntries = 32
	// MaxVoiceBytes bounds a single voice frame on the wire.
	MaxVoiceBytes = 256
	// MaxChunkBytes bounds the asset chunk fragment carried in one frame.
	MaxChunkBytes = 1024
	// MaxBundleBytes bounds a phase bundle blob in one frame.
	MaxBundleBytes = 1024
)

// ---- core ----

type Hello struct {
	Version uint32
	Nonce   [32]byte
}

type Welcome struct {
	PeerID    uint32
	Nonce     [32]byte
	WorldSeed uint32
	TickMs    uint16
	World     WorldState
}

type Ping struct{ TimeMs uint64 }

type Pong struct{ TimeMs uint64 }

type Seed struct{ Seed uint32 }

// Snapshot carries one encoded snapshot: header, flags and payload.
type Snapshot struct{ Data []byte }

type Chat struct {
	PeerID uint32
	Text   string
}

type JoinRequest struct {
	Name     string
	Password string
}

type JoinAccept struct {
	PeerID  uint32
	PhaseID uint32
}

type JoinDeny struct{ Code ResultCode }

type Disconnect struct{ Reason string }

type SnapshotAck struct{ ID uint32 }

// Ack acknowledges reliable sequence Seq cumulatively plus the 32 sequences after it in Mask.
type Ack struct {
	Seq  uint32
	Mask uint32
}

type TickRateChange struct{ TickMs uint16 }

type WorldStateMsg struct{ World WorldState }

type NatCandidate struct{ Candidate string }

// InterestAdd announces an entity key entering the receiver's replication scope.
type InterestAdd struct{ Key uint64 }

type InterestRemove struct{ Key uint64 }

type AvatarUpdate struct {
	Pos        physics.Vec3
	Vel        physics.Vec3
	Rot        physics.Quat
	SectorHash uint64
	Seq        uint16
}

// ActionResult reports a validation failure for requests without a dedicated result.
type ActionResult struct {
	Request MsgType
	Code    ResultCode
}

type AdminNotice struct{ Text string }

// ---- quest and phase ----

type QuestStage struct {
	PhaseID   uint32
	QuestHash uint32
	Stage     uint16
	_         uint16
}

type QuestResyncRequest struct{ PhaseID uint32 }

type QuestFullSync struct{ Entries []QuestEntry }

type PhaseBundle struct {
	PhaseID uint32
	Blob    []byte
}

type CriticalVoteStart struct {
	PhaseID   uint32
	QuestHash uint32
}

type CriticalVoteCast struct{ Yes bool }

type CriticalVoteResult struct {
	QuestHash uint32
	Passed    bool
}

type PhaseJoin struct{ PhaseID uint32 }

// ---- vehicles ----

type VehicleSpawn struct {
	VehicleID uint32
	Archetype uint32
	Paint     uint32
	PhaseID   uint32
	Transform TransformSnap
}

type VehicleSnapshot struct {
	VehicleID uint32
	Pos       physics.Vec3
	Vel       physics.Vec3
	Rot       physics.Quat
	AngVel    physics.Vec3
}

type VehicleHit struct {
	VehicleID uint32
	Damage    uint16
	Side      bool
}

type SeatRequest struct {
	VehicleID uint32
	Seat      uint8
}

type SeatAssign struct {
	PeerID    uint32
	VehicleID uint32
	Seat      uint8
}

type EjectOccupant struct {
	PeerID    uint32
	LaunchVel physics.Vec3
}

type VehicleExplode struct {
	VehicleID uint32
	VfxID     uint32
	Seed      uint32
}

type VehiclePartDetach struct {
	VehicleID uint32
	PartID    uint8
}

type VehicleIntent struct {
	VehicleID uint32
	Throttle  float32
	Brake     float32
	Steer     float32
}

type VehicleSummonRequest struct {
	Archetype uint32
	Pos       physics.Vec3
}

type VehicleSummon struct {
	VehicleID uint32
	OwnerID   uint32
	Pos       physics.Vec3
}

type VehicleTowRequest struct{ Pos physics.Vec3 }

type VehicleTowAck struct {
	OwnerID uint32
	OK      bool
}

type DriverTransfer struct {
	VehicleID uint32
	NewDriver uint32
}

type SeatLeave struct{ VehicleID uint32 }

type TrafficDespawn struct{ VehicleID uint32 }

// ---- npc and world ----

type NpcSnapshot struct{ Snap NpcSnap }

type CrowdSeed struct {
	SectorHash uint64
	Seed       uint32
}

type SectorChange struct{ SectorHash uint64 }

type ElevatorCall struct {
	PeerID     uint32
	ElevatorID uint32
	Floor      uint8
}

type ElevatorArrive struct {
	ElevatorID uint32
	SectorHash uint64
	Pos        physics.Vec3
}

type ElevatorAck struct{ ElevatorID uint32 }

type BreachStart struct {
	PeerID uint32
	Seed   uint32
	Width  uint8
	Height uint8
}

type BreachInput struct {
	PeerID uint32
	Index  uint8
}

type BreachResult struct {
	PeerID     uint32
	DaemonMask uint8
}

type DoorBreachStart struct {
	DoorID  uint32
	PhaseID uint32
	PeerID  uint32
}

type DoorBreachTick struct {
	DoorID  uint32
	Percent uint8
}

type DoorBreachResult struct {
	DoorID  uint32
	Success bool
}

type CombatState struct {
	PeerID   uint32
	InCombat bool
}

type MetroBoard struct {
	PeerID uint32
	LineID uint32
}

type MetroArrive struct {
	PeerID    uint32
	StationID uint32
}

// ---- items, trade, vendors ----

type ItemSnapMsg struct{ Item ItemSnap }

type CraftRequest struct{ RecipeID uint32 }

type CraftResult struct {
	Code ResultCode
	Item ItemSnap
}

type AttachModRequest struct {
	ItemID uint64
	Slot   uint8
	ModID  uint64
}

type AttachModResult struct {
	Code ResultCode
	Item ItemSnap
}

type RerollRequest struct {
	ItemID uint64
	Nonce  uint64
}

type RerollResult struct {
	Code ResultCode
	Item ItemSnap
}

type TradeInit struct {
	FromPeer uint32
	ToPeer   uint32
}

type TradeOffer struct {
	FromPeer uint32
	Items    []uint64
	Eddies   uint64
}

type TradeAccept struct {
	PeerID uint32
	Accept bool
}

type TradeFinalize struct {
	OK   bool
	Code ResultCode
}

type PurchaseRequest struct {
	VendorID uint32
	Tpl      uint16
	Nonce    uint64
}

type PurchaseResult struct {
	VendorID uint32
	ItemID   uint64
	Code     ResultCode
	Balance  uint64
}

type VendorStock struct {
	VendorID uint32
	PhaseID  uint32
	Entries  []VendorEntry
}

type VendorStockRequest struct{ VendorID uint32 }

type TransferRequest struct {
	Delta int64
	Nonce uint64
}

type TransferResult struct {
	Code    ResultCode
	Balance uint64
	Nonce   uint64
}

// ---- controllers ----

type CarryBegin struct {
	CarrierID uint32
	EntityID  uint32
}

type CarrySnap struct {
	CarrierID uint32
	EntityID  uint32
	Pos       physics.Vec3
	Vel       physics.Vec3
}

type CarryEnd struct {
	CarrierID uint32
	EntityID  uint32
	Pos       physics.Vec3
	Vel       physics.Vec3
}

type GrenadePrime struct {
	EntityID  uint32
	OwnerID   uint32
	StartTick uint32
}

type GrenadeSnap struct {
	EntityID uint32
	Pos      physics.Vec3
	Vel      physics.Vec3
}

type GrenadeRemove struct{ EntityID uint32 }

type ArcadeStart struct {
	CabinetID uint32
	PeerID    uint32
	Seed      uint32
}

type ArcadeInput struct {
	CabinetID uint32
	Frame     uint32
	Buttons   uint8
}

type ArcadeScore struct {
	CabinetID uint32
	PeerID    uint32
	Score     uint32
}

type ArcadeEnd struct{ CabinetID uint32 }

type ArcadeHighScore struct {
	CabinetID uint32
	PeerID    uint32
	Score     uint32
}

type CamHijack struct {
	CamID  uint32
	PeerID uint32
}

type CamFrameStart struct{ CamID uint32 }

type CamStop struct {
	CamID  uint32
	PeerID uint32
}

type SmartCamStart struct{ ProjectileID uint32 }

type SmartCamEnd struct{ ProjectileID uint32 }

// ---- voice and quality ----

type Voice struct {
	PeerID uint32
	Seq    uint16
	Data   []byte
}

type LowBWMode struct{ Enabled bool }

type TextureBiasChange struct{ Bias uint8 }

type SectorLOD struct{ Tier uint8 }

type CrowdCfg struct{ Density uint8 }

// ---- assets ----

type AssetRequest struct {
	RequestID uint64
	AssetID   uint64
	PlayerID  uint32
	Priority  uint8
	Timestamp uint64
}

type AssetResponse struct {
	RequestID   uint64
	AssetID     uint64
	Code        uint8
	TotalChunks uint32
	TotalSize   uint64
	Timestamp   uint64
}

// AssetChunk carries one fragment of a compressed chunk starting at Offset.
type AssetChunk struct {
	AssetID        uint64
	Index          uint32
	Offset         uint32
	Size           uint32
	CompressedSize uint32
	Hash           uint64
	Compression    uint8
	Data           []byte
}

type AssetAvailable struct {
	AssetID   uint64
	AssetType uint8
	Priority  uint8
	FileSize  uint64
	Version   uint32
	Timestamp uint64
}

type AssetCancel struct{ RequestID uint64 }

// ---- save ----

type SaveRequest struct {
	RequestID [16]byte
	Slot      uint32
}

type SaveResponse struct {
	RequestID [16]byte
	OK        bool
	Reason    string
}

type PlayerSaveData struct {
	RequestID [16]byte
	State     PlayerSaveState
}

type SaveCompletion struct {
	RequestID [16]byte
	OK        bool
	Reason    string
}

type SaveBegin struct{ Slot uint32 }
