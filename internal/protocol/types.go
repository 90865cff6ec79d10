package protocol

import "fmt"

// Version is exchanged in Hello; peers with a different version are refused.
const Version uint32 = 0x00010003

// MsgType identifies a frame payload. Numbering is fixed in ranges so new
// messages never shift existing ids.
type MsgType uint16

// Core (1-31).
const (
	MsgHello          MsgType = 1
	MsgWelcome        MsgType = 2
	MsgPing           MsgType = 3
	MsgPong           MsgType = 4
	MsgSeed           MsgType = 5
	MsgSnapshot       MsgType = 6
	MsgChat           MsgType = 7
	MsgJoinRequest    MsgType = 8
	MsgJoinAccept     MsgType = 9
	MsgJoinDeny       MsgType = 10
	MsgDisconnect     MsgType = 11
	MsgSnapshotAck    MsgType = 12
	MsgAck            MsgType = 13
	MsgTickRateChange MsgType = 14
	MsgWorldState     MsgType = 15
	MsgNatCandidate   MsgType = 16
	MsgInterestAdd    MsgType = 17
	MsgInterestRemove MsgType = 18
	MsgAvatarUpdate   MsgType = 19
	MsgActionResult   MsgType = 20
	MsgAdminNotice    MsgType = 21
)

// Quest and phase (32-47).
const (
	MsgQuestStage         MsgType = 32
	MsgQuestResyncRequest MsgType = 33
	MsgQuestFullSync      MsgType = 34
	MsgPhaseBundle        MsgType = 35
	MsgCriticalVoteStart  MsgType = 36
	MsgCriticalVoteCast   MsgType = 37
	MsgCriticalVoteResult MsgType = 38
	MsgPhaseJoin          MsgType = 39
)

// Vehicles (48-79).
const (
	MsgVehicleSpawn         MsgType = 48
	MsgVehicleSnapshot      MsgType = 49
	MsgVehicleHit           MsgType = 50
	MsgSeatRequest          MsgType = 51
	MsgSeatAssign           MsgType = 52
	MsgEjectOccupant        MsgType = 53
	MsgVehicleExplode       MsgType = 54
	MsgVehiclePartDetach    MsgType = 55
	MsgVehicleIntent        MsgType = 56
	MsgVehicleSummonRequest MsgType = 57
	MsgVehicleSummon        MsgType = 58
	MsgVehicleTowRequest    MsgType = 59
	MsgVehicleTowAck        MsgType = 60
	MsgDriverTransfer       MsgType = 61
	MsgSeatLeave            MsgType = 62
	MsgTrafficDespawn       MsgType = 63
)

// NPC and world (80-127).
const (
	MsgNpcSnapshot      MsgType = 80
	MsgCrowdSeed        MsgType = 81
	MsgSectorChange     MsgType = 82
	MsgElevatorCall     MsgType = 83
	MsgElevatorArrive   MsgType = 84
	MsgElevatorAck      MsgType = 85
	MsgBreachStart      MsgType = 86
	MsgBreachInput      MsgType = 87
	MsgBreachResult     MsgType = 88
	MsgDoorBreachStart  MsgType = 89
	MsgDoorBreachTick   MsgType = 90
	MsgDoorBreachResult MsgType = 91
	MsgCombatState      MsgType = 92
	MsgMetroBoard       MsgType = 93
	MsgMetroArrive      MsgType = 94
)

// Items, trade and vendors (128-159).
const (
	MsgItemSnap           MsgType = 128
	MsgCraftRequest       MsgType = 129
	MsgCraftResult        MsgType = 130
	MsgAttachModRequest   MsgType = 131
	MsgAttachModResult    MsgType = 132
	MsgRerollRequest      MsgType = 133
	MsgRerollResult       MsgType = 134
	MsgTradeInit          MsgType = 135
	MsgTradeOffer         MsgType = 136
	MsgTradeAccept        MsgType = 137
	MsgTradeFinalize      MsgType = 138
	MsgPurchaseRequest    MsgType = 139
	MsgPurchaseResult     MsgType = 140
	MsgVendorStock        MsgType = 141
	MsgVendorStockRequest MsgType = 142
	MsgTransferRequest    MsgType = 143
	MsgTransferResult     MsgType = 144
)

// Controllers (160-207).
const (
	MsgCarryBegin    MsgType = 160
	MsgCarrySnap     MsgType = 161
	MsgCarryEnd      MsgType = 162
	MsgGrenadePrime  MsgType = 163
	MsgGrenadeSnap   MsgType = 164
	MsgGrenadeRemove MsgType = 165
	MsgArcadeStart   MsgType = 166
	MsgArcadeInput   MsgType = 167
	MsgArcadeScore   MsgType = 168
	MsgArcadeEnd     MsgType = 169
	MsgArcadeHigh    MsgType = 170
	MsgCamHijack     MsgType = 171
	MsgCamFrameStart MsgType = 172
	MsgCamStop       MsgType = 173
	MsgSmartCamStart MsgType = 174
	MsgSmartCamEnd   MsgType = 175
)

// Voice and quality (208-223).
const (
	MsgVoice             MsgType = 208
	MsgLowBWMode         MsgType = 209
	MsgTextureBiasChange MsgType = 210
	MsgSectorLOD         MsgType = 211
	MsgCrowdCfg          MsgType = 212
)

// Assets (224-239).
const (
	MsgAssetRequest   MsgType = 224
	MsgAssetResponse  MsgType = 225
	MsgAssetChunk     MsgType = 226
	MsgAssetAvailable MsgType = 227
	MsgAssetCancel    MsgType = 228
)

// Save and admin (240-255).
const (
	MsgSaveRequest    MsgType = 240
	MsgSaveResponse   MsgType = 241
	MsgPlayerSaveData MsgType = 242
	MsgSaveCompletion MsgType = 243
	MsgSaveBegin      MsgType = 244
)

var names = map[MsgType]string{
	MsgHello: "Hello", MsgWelcome: "Welcome", MsgPing: "Ping", MsgPong: "Pong",
	MsgSeed: "Seed", MsgSnapshot: "Snapshot", MsgChat: "Chat",
	MsgJoinRequest: "JoinRequest", MsgJoinAccept: "JoinAccept", MsgJoinDeny: "JoinDeny",
	MsgDisconnect: "Disconnect", MsgSnapshotAck: "SnapshotAck", MsgAck: "Ack",
	MsgTickRateChange: "TickRateChange", MsgWorldState: "WorldState",
	MsgNatCandidate: "NatCandidate", MsgInterestAdd: "InterestAdd",
	MsgInterestRemove: "InterestRemove", MsgAvatarUpdate: "AvatarUpdate",
	MsgActionResult: "ActionResult", MsgAdminNotice: "AdminNotice",

	MsgQuestStage: "QuestStage", MsgQuestResyncRequest: "QuestResyncRequest",
	MsgQuestFullSync: "QuestFullSync", MsgPhaseBundle: "PhaseBundle",
	MsgCriticalVoteStart: "CriticalVoteStart", MsgCriticalVoteCast: "CriticalVoteCast",
	MsgCriticalVoteResult: "CriticalVoteResult", MsgPhaseJoin: "PhaseJoin",

	MsgVehicleSpawn: "VehicleSpawn", MsgVehicleSnapshot: "VehicleSnapshot",
	MsgVehicleHit: "VehicleHit", MsgSeatRequest: "SeatRequest", MsgSeatAssign: "SeatAssign",
	MsgEjectOccupant: "EjectOccupant", MsgVehicleExplode: "VehicleExplode",
	MsgVehiclePartDetach: "VehiclePartDetach", MsgVehicleIntent: "VehicleIntent",
	MsgVehicleSummonRequest: "VehicleSummonRequest", MsgVehicleSummon: "VehicleSummon",
	MsgVehicleTowRequest: "VehicleTowRequest", MsgVehicleTowAck: "VehicleTowAck",
	MsgDriverTransfer: "DriverTransfer", MsgSeatLeave: "SeatLeave",
	MsgTrafficDespawn: "TrafficDespawn",

	MsgNpcSnapshot: "NpcSnapshot", MsgCrowdSeed: "CrowdSeed", MsgSectorChange: "SectorChange",
	MsgElevatorCall: "ElevatorCall", MsgElevatorArrive: "ElevatorArrive",
	MsgElevatorAck: "ElevatorAck", MsgBreachStart: "BreachStart",
	MsgBreachInput: "BreachInput", MsgBreachResult: "BreachResult",
	MsgDoorBreachStart: "DoorBreachStart", MsgDoorBreachTick: "DoorBreachTick",
	MsgDoorBreachResult: "DoorBreachResult", MsgCombatState: "CombatState",
	MsgMetroBoard: "MetroBoard", MsgMetroArrive: "MetroArrive",

	MsgItemSnap: "ItemSnap", MsgCraftRequest: "CraftRequest", MsgCraftResult: "CraftResult",
	MsgAttachModRequest: "AttachModRequest", MsgAttachModResult: "AttachModResult",
	MsgRerollRequest: "RerollRequest", MsgRerollResult: "RerollResult",
	MsgTradeInit: "TradeInit", MsgTradeOffer: "TradeOffer", MsgTradeAccept: "TradeAccept",
	MsgTradeFinalize: "TradeFinalize", MsgPurchaseRequest: "PurchaseRequest",
	MsgPurchaseResult: "PurchaseResult", MsgVendorStock: "VendorStock",
	MsgVendorStockRequest: "VendorStockRequest", MsgTransferRequest: "TransferRequest",
	MsgTransferResult: "TransferResult",

	MsgCarryBegin: "CarryBegin", MsgCarrySnap: "CarrySnap", MsgCarryEnd: "CarryEnd",
	MsgGrenadePrime: "GrenadePrime", MsgGrenadeSnap: "GrenadeSnap",
	MsgGrenadeRemove: "GrenadeRemove", MsgArcadeStart: "ArcadeStart",
	MsgArcadeInput: "ArcadeInput", MsgArcadeScore: "ArcadeScore", MsgArcadeEnd: "ArcadeEnd",
	MsgArcadeHigh: "ArcadeHighScore", MsgCamHijack: "CamHijack",
	MsgCamFrameStart: "CamFrameStart", MsgCamStop: "CamStop",
	MsgSmartCamStart: "SmartCamStart", MsgSmartCamEnd: "SmartCamEnd",

	MsgVoice: "Voice", MsgLowBWMode: "LowBWMode", MsgTextureBiasChange: "TextureBiasChange",
	MsgSectorLOD: "SectorLOD", MsgCrowdCfg: "CrowdCfg",

	MsgAssetRequest: "AssetRequest", MsgAssetResponse: "AssetResponse",
	MsgAssetChunk: "AssetChunk", MsgAssetAvailable: "AssetAvailable",
	MsgAssetCancel: "AssetCancel",

	MsgSaveRequest: "SaveRequest", MsgSaveResponse: "SaveResponse",
	MsgPlayerSaveData: "PlayerSaveData", MsgSaveCompletion: "SaveCompletion",
	MsgSaveBegin: "SaveBegin",
}

// String renders the message name for logs and the journal.
func (t MsgType) String() string {
	if name, ok := names[t]; ok {
		return name
	}
	return fmt.Sprintf("MsgType(%d)", uint16(t))
}

// Known reports whether the type has a registered decoder.
func (t MsgType) Known() bool {
	_, ok := registry[t]
	return ok
}

// Unreliable reports whether the message travels on the unreliable channel.
// Everything else is sequenced and retransmitted.
func (t MsgType) Unreliable() bool {
	switch t {
	case MsgPing, MsgPong, MsgAck, MsgSnapshot, MsgSnapshotAck, MsgAvatarUpdate,
		MsgVehicleSnapshot, MsgVehicleIntent, MsgNpcSnapshot, MsgCarrySnap,
		MsgGrenadeSnap, MsgCamFrameStart, MsgArcadeInput, MsgVoice, MsgAssetChunk:
		return true
	}
	return false
}

// Plaintext reports whether the frame is exempt from AEAD sealing.
func (t MsgType) Plaintext() bool {
	return t == MsgHello || t == MsgWelcome
}

// ResultCode is carried by every response that can fail validation.
type ResultCode uint8

const (
	ResultOK ResultCode = iota
	ResultInvalid
	ResultNotFound
	ResultNotOwner
	ResultInsufficientFunds
	ResultInsufficientMaterials
	ResultSlotOccupied
	ResultSeatTaken
	ResultRateLimited
	ResultServerFull
	ResultBanned
	ResultWrongPassword
	ResultVersionMismatch
	ResultBusy
	ResultTimeout
	ResultDenied
	ResultOutOfStock
)

var resultNames = [...]string{
	"ok", "invalid", "not_found", "not_owner", "insufficient_funds",
	"insufficient_materials", "slot_occupied", "seat_taken", "rate_limited",
	"server_full", "banned", "wrong_password", "version_mismatch", "busy",
	"timeout", "denied", "out_of_stock",
}

func (c ResultCode) String() string {
	if int(c) < len(resultNames) {
		return resultNames[c]
	}
	return fmt.Sprintf("result(%d)", uint8(c))
}
