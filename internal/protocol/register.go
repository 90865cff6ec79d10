package protocol

// Type implementations bind every body to its frame type.

func (*Hello) Type() MsgType                { return MsgHello }
func (*Welcome) Type() MsgType              { return MsgWelcome }
func (*Ping) Type() MsgType                 { return MsgPing }
func (*Pong) Type() MsgType                 { return MsgPong }
func (*Seed) Type() MsgType                 { return MsgSeed }
func (*Snapshot) Type() MsgType             { return MsgSnapshot }
func (*Chat) Type() MsgType                 { return MsgChat }
func (*JoinRequest) Type() MsgType          { return MsgJoinRequest }
func (*JoinAccept) Type() MsgType           { return MsgJoinAccept }
func (*JoinDeny) Type() MsgType             { return MsgJoinDeny }
func (*Disconnect) Type() MsgType           { return MsgDisconnect }
func (*SnapshotAck) Type() MsgType          { return MsgSnapshotAck }
func (*Ack) Type() MsgType                  { return MsgAck }
func (*TickRateChange) Type() MsgType       { return MsgTickRateChange }
func (*WorldStateMsg) Type() MsgType        { return MsgWorldState }
func (*NatCandidate) Type() MsgType         { return MsgNatCandidate }
func (*InterestAdd) Type() MsgType          { return MsgInterestAdd }
func (*InterestRemove) Type() MsgType       { return MsgInterestRemove }
func (*AvatarUpdate) Type() MsgType         { return MsgAvatarUpdate }
func (*ActionResult) Type() MsgType         { return MsgActionResult }
func (*AdminNotice) Type() MsgType          { return MsgAdminNotice }
func (*QuestStage) Type() MsgType           { return MsgQuestStage }
func (*QuestResyncRequest) Type() MsgType   { return MsgQuestResyncRequest }
func (*QuestFullSync) Type() MsgType        { return MsgQuestFullSync }
func (*PhaseBundle) Type() MsgType          { return MsgPhaseBundle }
func (*CriticalVoteStart) Type() MsgType    { return MsgCriticalVoteStart }
func (*CriticalVoteCast) Type() MsgType     { return MsgCriticalVoteCast }
func (*CriticalVoteResult) Type() MsgType   { return MsgCriticalVoteResult }
func (*PhaseJoin) Type() MsgType            { return MsgPhaseJoin }
func (*VehicleSpawn) Type() MsgType         { return MsgVehicleSpawn }
func (*VehicleSnapshot) Type() MsgType      { return MsgVehicleSnapshot }
func (*VehicleHit) Type() MsgType           { return MsgVehicleHit }
func (*SeatRequest) Type() MsgType          { return MsgSeatRequest }
func (*SeatAssign) Type() MsgType           { return MsgSeatAssign }
func (*EjectOccupant) Type() MsgType        { return MsgEjectOccupant }
func (*VehicleExplode) Type() MsgType       { return MsgVehicleExplode }
func (*VehiclePartDetach) Type() MsgType    { return MsgVehiclePartDetach }
func (*VehicleIntent) Type() MsgType        { return MsgVehicleIntent }
func (*VehicleSummonRequest) Type() MsgType { return MsgVehicleSummonRequest }
func (*VehicleSummon) Type() MsgType        { return MsgVehicleSummon }
func (*VehicleTowRequest) Type() MsgType    { return MsgVehicleTowRequest }
func (*VehicleTowAck) Type() MsgType        { return MsgVehicleTowAck }
func (*DriverTransfer) Type() MsgType       { return MsgDriverTransfer }
func (*SeatLeave) Type() MsgType            { return MsgSeatLeave }
func (*TrafficDespawn) Type() MsgType       { return MsgTrafficDespawn }
func (*NpcSnapshot) Type() MsgType          { return MsgNpcSnapshot }
func (*CrowdSeed) Type() MsgType            { return MsgCrowdSeed }
func (*SectorChange) Type() MsgType         { return MsgSectorChange }
func (*ElevatorCall) Type() MsgType         { return MsgElevatorCall }
func (*ElevatorArrive) Type() MsgType       { return MsgElevatorArrive }
func (*ElevatorAck) Type() MsgType          { return MsgElevatorAck }
func (*BreachStart) Type() MsgType          { return MsgBreachStart }
func (*BreachInput) Type() MsgType          { return MsgBreachInput }
func (*BreachResult) Type() MsgType         { return MsgBreachResult }
func (*DoorBreachStart) Type() MsgType      { return MsgDoorBreachStart }
func (*DoorBreachTick) Type() MsgType       { return MsgDoorBreachTick }
func (*DoorBreachResult) Type() MsgType     { return MsgDoorBreachResult }
func (*CombatState) Type() MsgType          { return MsgCombatState }
func (*MetroBoard) Type() MsgType           { return MsgMetroBoard }
func (*MetroArrive) Type() MsgType          { return MsgMetroArrive }
func (*ItemSnapMsg) Type() MsgType          { return MsgItemSnap }
func (*CraftRequest) Type() MsgType         { return MsgCraftRequest }
func (*CraftResult) Type() MsgType          { return MsgCraftResult }
func (*AttachModRequest) Type() MsgType     { return MsgAttachModRequest }
func (*AttachModResult) Type() MsgType      { return MsgAttachModResult }
func (*RerollRequest) Type() MsgType        { return MsgRerollRequest }
func (*RerollResult) Type() MsgType         { return MsgRerollResult }
func (*TradeInit) Type() MsgType            { return MsgTradeInit }
func (*TradeOffer) Type() MsgType           { return MsgTradeOffer }
func (*TradeAccept) Type() MsgType          { return MsgTradeAccept }
func (*TradeFinalize) Type() MsgType        { return MsgTradeFinalize }
func (*PurchaseRequest) Type() MsgType      { return MsgPurchaseRequest }
func (*PurchaseResult) Type() MsgType       { return MsgPurchaseResult }
func (*VendorStock) Type() MsgType          { return MsgVendorStock }
func (*VendorStockRequest) Type() MsgType   { return MsgVendorStockRequest }
func (*TransferRequest) Type() MsgType      { return MsgTransferRequest }
func (*TransferResult) Type() MsgType       { return MsgTransferResult }
func (*CarryBegin) Type() MsgType           { return MsgCarryBegin }
func (*CarrySnap) Type() MsgType            { return MsgCarrySnap }
func (*CarryEnd) Type() MsgType             { return MsgCarryEnd }
func (*GrenadePrime) Type() MsgType         { return MsgGrenadePrime }
func (*GrenadeSnap) Type() MsgType          { return MsgGrenadeSnap }
func (*GrenadeRemove) Type() MsgType        { return MsgGrenadeRemove }
func (*ArcadeStart) Type() MsgType          { return MsgArcadeStart }
func (*ArcadeInput) Type() MsgType          { return MsgArcadeInput }
func (*ArcadeScore) Type() MsgType          { return MsgArcadeScore }
func (*ArcadeEnd) Type() MsgType            { return MsgArcadeEnd }
func (*ArcadeHighScore) Type() MsgType      { return MsgArcadeHigh }
func (*CamHijack) Type() MsgType            { return MsgCamHijack }
func (*CamFrameStart) Type() MsgType        { return MsgCamFrameStart }
func (*CamStop) Type() MsgType              { return MsgCamStop }
func (*SmartCamStart) Type() MsgType        { return MsgSmartCamStart }
func (*SmartCamEnd) Type() MsgType          { return MsgSmartCamEnd }
func (*Voice) Type() MsgType                { return MsgVoice }
func (*LowBWMode) Type() MsgType            { return MsgLowBWMode }
func (*TextureBiasChange) Type() MsgType    { return MsgTextureBiasChange }
func (*SectorLOD) Type() MsgType            { return MsgSectorLOD }
func (*CrowdCfg) Type() MsgType             { return MsgCrowdCfg }
func (*AssetRequest) Type() MsgType         { return MsgAssetRequest }
func (*AssetResponse) Type() MsgType        { return MsgAssetResponse }
func (*AssetChunk) Type() MsgType           { return MsgAssetChunk }
func (*AssetAvailable) Type() MsgType       { return MsgAssetAvailable }
func (*AssetCancel) Type() MsgType          { return MsgAssetCancel }
func (*SaveRequest) Type() MsgType          { return MsgSaveRequest }
func (*SaveResponse) Type() MsgType         { return MsgSaveResponse }
func (*PlayerSaveData) Type() MsgType       { return MsgPlayerSaveData }
func (*SaveCompletion) Type() MsgType       { return MsgSaveCompletion }
func (*SaveBegin) Type() MsgType            { return MsgSaveBegin }

var registry = map[MsgType]func() Message{
	MsgHello:                func() Message { return new(Hello) },
	MsgWelcome:              func() Message { return new(Welcome) },
	MsgPing:                 func() Message { return new(Ping) },
	MsgPong:                 func() Message { return new(Pong) },
	MsgSeed:                 func() Message { return new(Seed) },
	MsgSnapshot:             func() Message { return new(Snapshot) },
	MsgChat:                 func() Message { return new(Chat) },
	MsgJoinRequest:          func() Message { return new(JoinRequest) },
	MsgJoinAccept:           func() Message { return new(JoinAccept) },
	MsgJoinDeny:             func() Message { return new(JoinDeny) },
	MsgDisconnect:           func() Message { return new(Disconnect) },
	MsgSnapshotAck:          func() Message { return new(SnapshotAck) },
	MsgAck:                  func() Message { return new(Ack) },
	MsgTickRateChange:       func() Message { return new(TickRateChange) },
	MsgWorldState:           func() Message { return new(WorldStateMsg) },
	MsgNatCandidate:         func() Message { return new(NatCandidate) },
	MsgInterestAdd:          func() Message { return new(InterestAdd) },
	MsgInterestRemove:       func() Message { return new(InterestRemove) },
	MsgAvatarUpdate:         func() Message { return new(AvatarUpdate) },
	MsgActionResult:         func() Message { return new(ActionResult) },
	MsgAdminNotice:          func() Message { return new(AdminNotice) },
	MsgQuestStage:           func() Message { return new(QuestStage) },
	MsgQuestResyncRequest:   func() Message { return new(QuestResyncRequest) },
	MsgQuestFullSync:        func() Message { return new(QuestFullSync) },
	MsgPhaseBundle:          func() Message { return new(PhaseBundle) },
	MsgCriticalVoteStart:    func() Message { return new(CriticalVoteStart) },
	MsgCriticalVoteCast:     func() Message { return new(CriticalVoteCast) },
	MsgCriticalVoteResult:   func() Message { return new(CriticalVoteResult) },
	MsgPhaseJoin:            func() Message { return new(PhaseJoin) },
	MsgVehicleSpawn:         func() Message { return new(VehicleSpawn) },
	MsgVehicleSnapshot:      func() Message { return new(VehicleSnapshot) },
	MsgVehicleHit:           func() Message { return new(VehicleHit) },
	MsgSeatRequest:          func() Message { return new(SeatRequest) },
	MsgSeatAssign:           func() Message { return new(SeatAssign) },
	MsgEjectOccupant:        func() Message { return new(EjectOccupant) },
	MsgVehicleExplode:       func() Message { return new(VehicleExplode) },
	MsgVehiclePartDetach:    func() Message { return new(VehiclePartDetach) },
	MsgVehicleIntent:        func() Message { return new(VehicleIntent) },
	MsgVehicleSummonRequest: func() Message { return new(VehicleSummonRequest) },
	MsgVehicleSummon:        func() Message { return new(VehicleSummon) },
	MsgVehicleTowRequest:    func() Message { return new(VehicleTowRequest) },
	MsgVehicleTowAck:        func() Message { return new(VehicleTowAck) },
	MsgDriverTransfer:       func() Message { return new(DriverTransfer) },
	MsgSeatLeave:            func() Message { return new(SeatLeave) },
	MsgTrafficDespawn:       func() Message { return new(TrafficDespawn) },
	MsgNpcSnapshot:          func() Message { return new(NpcSnapshot) },
	MsgCrowdSeed:            func() Message { return new(CrowdSeed) },
	MsgSectorChange:         func() Message { return new(SectorChange) },
	MsgElevatorCall:         func() Message { return new(ElevatorCall) },
	MsgElevatorArrive:       func() Message { return new(ElevatorArrive) },
	MsgElevatorAck:          func() Message { return new(ElevatorAck) },
	MsgBreachStart:          func() Message { return new(BreachStart) },
	MsgBreachInput:          func() Message { return new(BreachInput) },
	MsgBreachResult:         func() Message { return new(BreachResult) },
	MsgDoorBreachStart:      func() Message { return new(DoorBreachStart) },
	MsgDoorBreachTick:       func() Message { return new(DoorBreachTick) },
	MsgDoorBreachResult:     func() Message { return new(DoorBreachResult) },
	MsgCombatState:          func() Message { return new(CombatState) },
	MsgMetroBoard:           func() Message { return new(MetroBoard) },
	MsgMetroArrive:          func() Message { return new(MetroArrive) },
	MsgItemSnap:             func() Message { return new(ItemSnapMsg) },
	MsgCraftRequest:         func() Message { return new(CraftRequest) },
	MsgCraftResult:          func() Message { return new(CraftResult) },
	MsgAttachModRequest:     func() Message { return new(AttachModRequest) },
	MsgAttachModResult:      func() Message { return new(AttachModResult) },
	MsgRerollRequest:        func() Message { return new(RerollRequest) },
	MsgRerollResult:         func() Message { return new(RerollResult) },
	MsgTradeInit:            func() Message { return new(TradeInit) },
	MsgTradeOffer:           func() Message { return new(TradeOffer) },
	MsgTradeAccept:          func() Message { return new(TradeAccept) },
	MsgTradeFinalize:        func() Message { return new(TradeFinalize) },
	MsgPurchaseRequest:      func() Message { return new(PurchaseRequest) },
	MsgPurchaseResult:       func() Message { return new(PurchaseResult) },
	MsgVendorStock:          func() Message { return new(VendorStock) },
	MsgVendorStockRequest:   func() Message { return new(VendorStockRequest) },
	MsgTransferRequest:      func() Message { return new(TransferRequest) },
	MsgTransferResult:       func() Message { return new(TransferResult) },
	MsgCarryBegin:           func() Message { return new(CarryBegin) },
	MsgCarrySnap:            func() Message { return new(CarrySnap) },
	MsgCarryEnd:             func() Message { return new(CarryEnd) },
	MsgGrenadePrime:         func() Message { return new(GrenadePrime) },
	MsgGrenadeSnap:          func() Message { return new(GrenadeSnap) },
	MsgGrenadeRemove:        func() Message { return new(GrenadeRemove) },
	MsgArcadeStart:          func() Message { return new(ArcadeStart) },
	MsgArcadeInput:          func() Message { return new(ArcadeInput) },
	MsgArcadeScore:          func() Message { return new(ArcadeScore) },
	MsgArcadeEnd:            func() Message { return new(ArcadeEnd) },
	MsgArcadeHigh:           func() Message { return new(ArcadeHighScore) },
	MsgCamHijack:            func() Message { return new(CamHijack) },
	MsgCamFrameStart:        func() Message { return new(CamFrameStart) },
	MsgCamStop:              func() Message { return new(CamStop) },
	MsgSmartCamStart:        func() Message { return new(SmartCamStart) },
	MsgSmartCamEnd:          func() Message { return new(SmartCamEnd) },
	MsgVoice:                func() Message { return new(Voice) },
	MsgLowBWMode:            func() Message { return new(LowBWMode) },
	MsgTextureBiasChange:    func() Message { return new(TextureBiasChange) },
	MsgSectorLOD:            func() Message { return new(SectorLOD) },
	MsgCrowdCfg:             func() Message { return new(CrowdCfg) },
	MsgAssetRequest:         func() Message { return new(AssetRequest) },
	MsgAssetResponse:        func() Message { return new(AssetResponse) },
	MsgAssetChunk:           func() Message { return new(AssetChunk) },
	MsgAssetAvailable:       func() Message { return new(AssetAvailable) },
	MsgAssetCancel:          func() Message { return new(AssetCancel) },
	MsgSaveRequest:          func() Message { return new(SaveRequest) },
	MsgSaveResponse:         func() Message { return new(SaveResponse) },
	MsgPlayerSaveData:       func() Message { return new(PlayerSaveData) },
	MsgSaveCompletion:       func() Message { return new(SaveCompletion) },
	MsgSaveBegin:            func() Message { return new(SaveBegin) },
}
