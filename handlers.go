package main

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"cp2077coop/server/internal/connection"
	"cp2077coop/server/internal/events"
	"cp2077coop/server/internal/gameplay"
	"cp2077coop/server/internal/hash"
	"cp2077coop/server/internal/inventory"
	"cp2077coop/server/internal/logging"
	"cp2077coop/server/internal/nat"
	"cp2077coop/server/internal/phase"
	"cp2077coop/server/internal/protocol"
	"cp2077coop/server/internal/quest"
	"cp2077coop/server/internal/save"
	"cp2077coop/server/internal/snapshot"
	"cp2077coop/server/internal/vehicles"
)

// newPhaseRequest asks the server to open a fresh interior phase.
const newPhaseRequest = ^uint32(0)

var (
	errWrongPhase = errors.New("server: message names another phase")
	errNotSelf    = errors.New("server: message names another peer")
)

// resultCode maps the server-level and cross-package errors onto wire codes.
func resultCode(err error) protocol.ResultCode {
	switch {
	case err == nil:
		return protocol.ResultOK
	case errors.Is(err, errWrongPhase), errors.Is(err, errNotSelf):
		return protocol.ResultDenied
	case errors.Is(err, phase.ErrUnknownPhase), errors.Is(err, quest.ErrNoVote), errors.Is(err, save.ErrUnknownSave):
		return protocol.ResultNotFound
	case errors.Is(err, quest.ErrVoteActive), errors.Is(err, save.ErrInProgress), errors.Is(err, nat.ErrInProgress):
		return protocol.ResultBusy
	case errors.Is(err, snapshot.ErrOutOfBounds), errors.Is(err, snapshot.ErrRotation), errors.Is(err, snapshot.ErrNonFinite):
		return protocol.ResultInvalid
	}
	return protocol.ResultInvalid
}

// handle registers a typed handler. A non-nil error is answered with an
// ActionResult carrying code(err); a nil code drops the error after logging.
func handle[T protocol.Message](s *server, t protocol.MsgType, code func(error) protocol.ResultCode, fn func(p *connection.Peer, msg T, nowMs uint64) error) {
	s.peers.Handle(t, func(p *connection.Peer, msg protocol.Message, nowMs uint64) {
		m, ok := msg.(T)
		if !ok {
			return
		}
		err := fn(p, m, nowMs)
		if err == nil {
			return
		}
		if code == nil {
			s.logger.Debug("message rejected", logging.Uint32("peer_id", p.ID()), logging.Int("type", int(t)), logging.Error(err))
			return
		}
		if sendErr := s.peers.Send(p.ID(), &protocol.ActionResult{Request: t, Code: code(err)}); sendErr != nil {
			s.logger.Debug("action result dropped", logging.Uint32("peer_id", p.ID()), logging.Error(sendErr))
		}
	})
}

func samePhase(p *connection.Peer, phaseID uint32) error {
	if p.PhaseID() != phaseID {
		return fmt.Errorf("%w: %d != %d", errWrongPhase, phaseID, p.PhaseID())
	}
	return nil
}

func samePeer(p *connection.Peer, peerID uint32) error {
	if peerID != 0 && peerID != p.ID() {
		return fmt.Errorf("%w: %d", errNotSelf, peerID)
	}
	return nil
}

func (s *server) registerHandlers() {
	s.registerCoreHandlers()
	s.registerQuestHandlers()
	s.registerVehicleHandlers()
	s.registerWorldHandlers()
	s.registerInventoryHandlers()
	s.registerControllerHandlers()
	s.registerStreamingHandlers()
}

func (s *server) registerCoreHandlers() {
	handle(s, protocol.MsgSnapshotAck, nil, func(p *connection.Peer, m *protocol.SnapshotAck, _ uint64) error {
		s.replicator.ProcessAck(p.ID(), m.ID)
		return nil
	})
	handle(s, protocol.MsgAvatarUpdate, resultCode, s.avatarUpdate)
	handle(s, protocol.MsgNatCandidate, resultCode, func(p *connection.Peer, m *protocol.NatCandidate, _ uint64) error {
		return s.nat.OnCandidate(p.ID(), m)
	})
}

// avatarUpdate stores the peer's authoritative transform. Health and armour
// stay server-owned; sequence regressions are stale and dropped.
func (s *server) avatarUpdate(p *connection.Peer, m *protocol.AvatarUpdate, _ uint64) error {
	prev, known := s.avatar(p.ID())
	if known && int16(m.Seq-prev.Seq) <= 0 {
		return nil
	}
	t := protocol.TransformSnap{Pos: m.Pos, Vel: m.Vel, Rot: m.Rot, OwnerID: p.ID(), Seq: m.Seq, Health: 100}
	if known {
		t.Health, t.Armor = prev.Health, prev.Armor
	}
	if err := snapshot.ValidateTransform(t, worldBound); err != nil {
		return err
	}
	s.setAvatar(p.ID(), t)
	p.SetAvatar(m.Pos)
	if p.SetSector(m.SectorHash) {
		s.crowd.EnterSector(p.ID(), m.SectorHash)
	}
	return nil
}

func (s *server) registerQuestHandlers() {
	handle(s, protocol.MsgQuestStage, resultCode, func(p *connection.Peer, m *protocol.QuestStage, _ uint64) error {
		if err := samePhase(p, m.PhaseID); err != nil {
			return err
		}
		if !s.quests.Record(m.PhaseID, p.ID(), m.QuestHash, m.Stage) {
			return nil
		}
		advanced, err := s.phases.AdvanceQuest(m.PhaseID, m.QuestHash, m.Stage, s.clock.CurrentTick())
		if err != nil || !advanced {
			return err
		}
		s.peers.BroadcastPhaseExcept(m.PhaseID, p.ID(), &protocol.QuestStage{PhaseID: m.PhaseID, QuestHash: m.QuestHash, Stage: m.Stage})
		return nil
	})
	handle(s, protocol.MsgQuestResyncRequest, resultCode, func(p *connection.Peer, m *protocol.QuestResyncRequest, _ uint64) error {
		if err := samePhase(p, m.PhaseID); err != nil {
			return err
		}
		entries := s.quests.BuildFullSync(m.PhaseID)
		s.quests.ApplyFullSync(m.PhaseID, p.ID(), entries)
		return s.peers.Send(p.ID(), &protocol.QuestFullSync{Entries: entries})
	})
	handle(s, protocol.MsgCriticalVoteStart, resultCode, func(p *connection.Peer, m *protocol.CriticalVoteStart, nowMs uint64) error {
		if err := samePhase(p, m.PhaseID); err != nil {
			return err
		}
		return s.quests.StartCriticalVote(m.PhaseID, m.QuestHash, nowMs)
	})
	handle(s, protocol.MsgCriticalVoteCast, resultCode, func(p *connection.Peer, m *protocol.CriticalVoteCast, _ uint64) error {
		return s.quests.CastVote(p.PhaseID(), p.ID(), m.Yes)
	})
	handle(s, protocol.MsgPhaseJoin, resultCode, s.phaseJoin)
}

// phaseJoin moves the peer into an existing phase, back to the shared world
// or, for newPhaseRequest, into a freshly created interior.
func (s *server) phaseJoin(p *connection.Peer, m *protocol.PhaseJoin, _ uint64) error {
	tick := s.clock.CurrentTick()
	target := m.PhaseID
	if target == newPhaseRequest {
		target = s.phases.Create(hash.Fnv1a32(strconv.FormatUint(uint64(p.ID()), 10)+":"+strconv.FormatUint(tick, 10)), tick)
	}
	if err := s.phases.Join(p.ID(), target, tick); err != nil {
		return err
	}
	p.SetPhase(target)
	s.quests.RemovePeer(p.ID())
	blob, err := s.phases.Bundle(target)
	if err != nil {
		return err
	}
	if err := s.peers.Send(p.ID(), &protocol.PhaseBundle{PhaseID: target, Blob: blob}); err != nil {
		return err
	}
	entries := s.quests.BuildFullSync(target)
	s.quests.ApplyFullSync(target, p.ID(), entries)
	s.replicator.ForceKeyframes(p.ID())
	s.logger.Info("peer changed phase", logging.Uint32("peer_id", p.ID()), logging.Uint32("phase_id", target))
	return s.peers.Send(p.ID(), &protocol.QuestFullSync{Entries: entries})
}

func (s *server) registerVehicleHandlers() {
	handle(s, protocol.MsgSeatRequest, vehicles.Code, func(p *connection.Peer, m *protocol.SeatRequest, nowMs uint64) error {
		return s.vehicles.RequestSeat(p.ID(), p.PhaseID(), m.VehicleID, m.Seat, nowMs)
	})
	handle(s, protocol.MsgSeatLeave, vehicles.Code, func(p *connection.Peer, m *protocol.SeatLeave, nowMs uint64) error {
		return s.vehicles.LeaveSeat(p.ID(), m.VehicleID, nowMs)
	})
	handle(s, protocol.MsgVehicleHit, vehicles.Code, func(p *connection.Peer, m *protocol.VehicleHit, nowMs uint64) error {
		return s.vehicles.Hit(m.VehicleID, m.Damage, m.Side, nowMs)
	})
	handle(s, protocol.MsgVehicleIntent, nil, func(p *connection.Peer, m *protocol.VehicleIntent, _ uint64) error {
		return s.vehicles.Intent(p.ID(), *m)
	})
	handle(s, protocol.MsgDriverTransfer, vehicles.Code, func(p *connection.Peer, m *protocol.DriverTransfer, _ uint64) error {
		return s.vehicles.TransferDriver(p.ID(), m.VehicleID, m.NewDriver)
	})
	handle(s, protocol.MsgVehicleSummonRequest, vehicles.Code, func(p *connection.Peer, m *protocol.VehicleSummonRequest, nowMs uint64) error {
		_, err := s.vehicles.Summon(p.ID(), p.PhaseID(), m.Archetype, m.Pos, nowMs)
		return err
	})
	handle(s, protocol.MsgVehicleTowRequest, vehicles.Code, func(p *connection.Peer, m *protocol.VehicleTowRequest, nowMs uint64) error {
		return s.vehicles.Tow(p.ID(), p.PhaseID(), m.Pos, nowMs)
	})
}

func (s *server) registerWorldHandlers() {
	handle(s, protocol.MsgSectorChange, nil, func(p *connection.Peer, m *protocol.SectorChange, _ uint64) error {
		if p.SetSector(m.SectorHash) {
			s.crowd.EnterSector(p.ID(), m.SectorHash)
		}
		return nil
	})
	handle(s, protocol.MsgElevatorCall, gameplay.Code, func(p *connection.Peer, m *protocol.ElevatorCall, _ uint64) error {
		s.elevators.Call(p.ID(), m.ElevatorID, m.Floor)
		return nil
	})
	handle(s, protocol.MsgElevatorArrive, gameplay.Code, func(p *connection.Peer, m *protocol.ElevatorArrive, _ uint64) error {
		elevatorID := m.ElevatorID
		s.elevators.Arrive(elevatorID, m.SectorHash, m.Pos, s.phases.Members(p.PhaseID()), func(ok bool) {
			if !ok {
				s.logger.Warn("elevator arrival not acknowledged", logging.Uint32("elevator_id", elevatorID))
			}
		})
		return nil
	})
	handle(s, protocol.MsgElevatorAck, gameplay.Code, func(p *connection.Peer, m *protocol.ElevatorAck, _ uint64) error {
		return s.elevators.Ack(p.ID(), m.ElevatorID)
	})
	handle(s, protocol.MsgMetroBoard, gameplay.Code, func(p *connection.Peer, m *protocol.MetroBoard, _ uint64) error {
		if err := samePeer(p, m.PeerID); err != nil {
			return err
		}
		_, err := s.transit.Board(p.ID(), m.LineID, p.Avatar())
		return err
	})
	handle(s, protocol.MsgMetroArrive, gameplay.Code, func(p *connection.Peer, m *protocol.MetroArrive, _ uint64) error {
		if err := samePeer(p, m.PeerID); err != nil {
			return err
		}
		return s.transit.Alight(p.ID())
	})
	handle(s, protocol.MsgCombatState, nil, func(p *connection.Peer, m *protocol.CombatState, _ uint64) error {
		if err := samePeer(p, m.PeerID); err != nil {
			return err
		}
		s.doors.SetCombat(p.ID(), m.InCombat)
		return nil
	})
}

func (s *server) registerInventoryHandlers() {
	handle(s, protocol.MsgCraftRequest, nil, func(p *connection.Peer, m *protocol.CraftRequest, _ uint64) error {
		_, err := s.store.Craft(p.ID(), m.RecipeID)
		return err
	})
	handle(s, protocol.MsgAttachModRequest, nil, func(p *connection.Peer, m *protocol.AttachModRequest, _ uint64) error {
		_, err := s.store.AttachMod(p.ID(), m.ItemID, m.Slot, m.ModID)
		return err
	})
	handle(s, protocol.MsgRerollRequest, nil, func(p *connection.Peer, m *protocol.RerollRequest, _ uint64) error {
		_, err := s.store.Reroll(p.ID(), m.ItemID, m.Nonce)
		return err
	})
	handle(s, protocol.MsgTransferRequest, nil, func(p *connection.Peer, m *protocol.TransferRequest, _ uint64) error {
		return s.peers.Send(p.ID(), s.ledger.HandleTransfer(p.ID(), m))
	})
	handle(s, protocol.MsgTradeInit, inventory.Code, func(p *connection.Peer, m *protocol.TradeInit, _ uint64) error {
		if err := samePeer(p, m.FromPeer); err != nil {
			return err
		}
		if m.ToPeer == p.ID() {
			return inventory.ErrInvalid
		}
		if err := s.trades.Init(p.ID(), m.ToPeer); err != nil {
			return err
		}
		return s.peers.Send(m.ToPeer, &protocol.TradeInit{FromPeer: p.ID(), ToPeer: m.ToPeer})
	})
	handle(s, protocol.MsgTradeOffer, inventory.Code, func(p *connection.Peer, m *protocol.TradeOffer, _ uint64) error {
		if err := samePeer(p, m.FromPeer); err != nil {
			return err
		}
		return s.trades.Offer(p.ID(), m.Items, m.Eddies)
	})
	handle(s, protocol.MsgTradeAccept, inventory.Code, func(p *connection.Peer, m *protocol.TradeAccept, _ uint64) error {
		if err := samePeer(p, m.PeerID); err != nil {
			return err
		}
		// Finalize failures are announced through TradeFinalize.
		if _, err := s.trades.Accept(p.ID(), m.Accept); errors.Is(err, inventory.ErrNoTrade) {
			return err
		}
		return nil
	})
	handle(s, protocol.MsgVendorStockRequest, inventory.Code, func(p *connection.Peer, m *protocol.VendorStockRequest, _ uint64) error {
		return s.market.SendStock(p.ID(), m.VendorID, p.PhaseID())
	})
	handle(s, protocol.MsgPurchaseRequest, nil, func(p *connection.Peer, m *protocol.PurchaseRequest, _ uint64) error {
		_, err := s.market.Purchase(inventory.Buyer{PeerID: p.ID(), PhaseID: p.PhaseID()}, m.VendorID, m.Tpl, m.Nonce)
		return err
	})
}

func (s *server) registerControllerHandlers() {
	handle(s, protocol.MsgBreachStart, gameplay.Code, func(p *connection.Peer, m *protocol.BreachStart, _ uint64) error {
		if err := samePeer(p, m.PeerID); err != nil {
			return err
		}
		_, err := s.breaches.Start(p.ID(), m.Width, m.Height)
		return err
	})
	handle(s, protocol.MsgBreachInput, gameplay.Code, func(p *connection.Peer, m *protocol.BreachInput, _ uint64) error {
		if err := samePeer(p, m.PeerID); err != nil {
			return err
		}
		return s.breaches.Input(p.ID(), m.Index)
	})
	handle(s, protocol.MsgBreachResult, gameplay.Code, func(p *connection.Peer, m *protocol.BreachResult, _ uint64) error {
		if err := samePeer(p, m.PeerID); err != nil {
			return err
		}
		return s.breaches.Finish(p.ID(), m.DaemonMask)
	})
	handle(s, protocol.MsgDoorBreachStart, gameplay.Code, func(p *connection.Peer, m *protocol.DoorBreachStart, _ uint64) error {
		if err := samePeer(p, m.PeerID); err != nil {
			return err
		}
		if err := samePhase(p, m.PhaseID); err != nil {
			return err
		}
		return s.doors.Start(m.DoorID, m.PhaseID, p.ID(), 0)
	})
	handle(s, protocol.MsgCarryBegin, gameplay.Code, func(p *connection.Peer, m *protocol.CarryBegin, _ uint64) error {
		if err := samePeer(p, m.CarrierID); err != nil {
			return err
		}
		return s.carries.Begin(p.ID(), m.EntityID, p.Avatar())
	})
	handle(s, protocol.MsgCarrySnap, nil, func(p *connection.Peer, m *protocol.CarrySnap, _ uint64) error {
		return s.carries.Update(p.ID(), m.EntityID, m.Pos, m.Vel)
	})
	handle(s, protocol.MsgCarryEnd, gameplay.Code, func(p *connection.Peer, m *protocol.CarryEnd, _ uint64) error {
		if err := samePeer(p, m.CarrierID); err != nil {
			return err
		}
		return s.carries.End(p.ID(), m.EntityID, m.Pos, m.Vel)
	})
	handle(s, protocol.MsgGrenadePrime, gameplay.Code, func(p *connection.Peer, m *protocol.GrenadePrime, _ uint64) error {
		if err := samePeer(p, m.OwnerID); err != nil {
			return err
		}
		t, _ := s.avatar(p.ID())
		return s.grenades.Prime(m.EntityID, p.ID(), m.StartTick, t.Pos, t.Vel)
	})
	handle(s, protocol.MsgGrenadeSnap, nil, func(p *connection.Peer, m *protocol.GrenadeSnap, _ uint64) error {
		return s.grenades.Correct(p.ID(), m.EntityID, m.Pos, m.Vel)
	})
	handle(s, protocol.MsgGrenadeRemove, nil, func(p *connection.Peer, m *protocol.GrenadeRemove, _ uint64) error {
		return s.grenades.Remove(m.EntityID)
	})
	handle(s, protocol.MsgArcadeStart, gameplay.Code, func(p *connection.Peer, m *protocol.ArcadeStart, _ uint64) error {
		if err := samePeer(p, m.PeerID); err != nil {
			return err
		}
		return s.arcade.Start(m.CabinetID, p.ID(), m.Seed)
	})
	handle(s, protocol.MsgArcadeInput, nil, func(p *connection.Peer, m *protocol.ArcadeInput, _ uint64) error {
		return s.arcade.Input(p.ID(), m.CabinetID, m.Frame, m.Buttons)
	})
	handle(s, protocol.MsgArcadeEnd, gameplay.Code, func(p *connection.Peer, m *protocol.ArcadeEnd, _ uint64) error {
		prev, _ := s.arcade.HighScore(m.CabinetID)
		score, err := s.arcade.End(p.ID(), m.CabinetID)
		if err != nil {
			return err
		}
		if best, ok := s.arcade.HighScore(m.CabinetID); ok && best.PeerID == p.ID() && best.Score == score && score > prev.Score {
			s.audit.Recordf(events.KindArcadeHighScore, p.ID(), uint64(m.CabinetID), "score %d", score)
		}
		return nil
	})
	handle(s, protocol.MsgCamHijack, gameplay.Code, func(p *connection.Peer, m *protocol.CamHijack, _ uint64) error {
		if err := samePeer(p, m.PeerID); err != nil {
			return err
		}
		return s.cameras.Hijack(m.CamID, p.ID())
	})
	handle(s, protocol.MsgCamStop, gameplay.Code, func(p *connection.Peer, m *protocol.CamStop, _ uint64) error {
		if err := samePeer(p, m.PeerID); err != nil {
			return err
		}
		return s.cameras.Stop(m.CamID, p.ID())
	})
	handle(s, protocol.MsgSmartCamStart, nil, func(p *connection.Peer, m *protocol.SmartCamStart, _ uint64) error {
		s.cameras.SmartCamStart(m.ProjectileID)
		return nil
	})
	handle(s, protocol.MsgSmartCamEnd, nil, func(p *connection.Peer, m *protocol.SmartCamEnd, _ uint64) error {
		return s.cameras.SmartCamEnd(m.ProjectileID)
	})
}

func (s *server) registerStreamingHandlers() {
	handle(s, protocol.MsgVoice, nil, func(p *connection.Peer, m *protocol.Voice, nowMs uint64) error {
		return s.relay.Submit(p, m, nowMs)
	})
	handle(s, protocol.MsgAssetRequest, nil, func(p *connection.Peer, m *protocol.AssetRequest, _ uint64) error {
		s.assets.HandleRequest(p.ID(), m)
		return nil
	})
	handle(s, protocol.MsgAssetCancel, nil, func(p *connection.Peer, m *protocol.AssetCancel, _ uint64) error {
		s.assets.HandleCancel(p.ID(), m)
		return nil
	})
	handle(s, protocol.MsgAssetAvailable, nil, func(p *connection.Peer, m *protocol.AssetAvailable, _ uint64) error {
		s.assets.HandleAvailable(p.ID(), m)
		return nil
	})
	handle(s, protocol.MsgAssetResponse, nil, func(p *connection.Peer, m *protocol.AssetResponse, _ uint64) error {
		s.assets.HandleResponse(p.ID(), m)
		return nil
	})
	handle(s, protocol.MsgAssetChunk, nil, func(p *connection.Peer, m *protocol.AssetChunk, _ uint64) error {
		return s.assets.HandleChunk(p.ID(), m)
	})
	handle(s, protocol.MsgSaveBegin, nil, func(p *connection.Peer, m *protocol.SaveBegin, _ uint64) error {
		s.saves.HandleBegin(p.ID(), m)
		return nil
	})
	handle(s, protocol.MsgSaveResponse, resultCode, func(p *connection.Peer, m *protocol.SaveResponse, _ uint64) error {
		return s.saves.HandleResponse(p.ID(), m)
	})
	handle(s, protocol.MsgPlayerSaveData, resultCode, func(p *connection.Peer, m *protocol.PlayerSaveData, _ uint64) error {
		return s.saves.HandlePlayerData(p.ID(), m)
	})
}

// command runs a console line from a privileged peer or stdin. World verbs
// are handled here; moderation verbs go to the admin console.
func (s *server) command(peerID uint32, line string) string {
	fields := strings.Fields(strings.TrimPrefix(strings.TrimSpace(line), "/"))
	if len(fields) == 0 {
		return s.console.Execute(peerID, line)
	}
	switch strings.ToLower(fields[0]) {
	case "weather":
		if len(fields) != 2 {
			return "usage: weather <id>"
		}
		id, err := strconv.ParseUint(fields[1], 10, 8)
		if err != nil || !s.world.SetWeather(uint8(id)) {
			return fmt.Sprintf("weather id must be 0-%d", weatherCount-1)
		}
		s.audit.Log(peerID, "weather", id, 0)
		return fmt.Sprintf("weather set to %d", id)
	case "snapshot":
		if s.state == nil {
			return "state file disabled"
		}
		if err := s.checkpoint(); err != nil {
			return "snapshot failed: " + err.Error()
		}
		return "world state saved"
	case "reset":
		if s.state == nil {
			return "state file disabled"
		}
		var world worldRecord
		ok, err := s.state.Section(stateWorld, &world)
		if err != nil {
			return "reset failed: " + err.Error()
		}
		if !ok {
			return "no saved world state"
		}
		s.world.restore(world)
		s.peers.Broadcast(&protocol.WorldStateMsg{World: s.world.State()})
		return "world state restored"
	case "load":
		if len(fields) != 2 {
			return "usage: load <slot>"
		}
		slot, err := strconv.ParseUint(fields[1], 10, 32)
		if err != nil {
			return "usage: load <slot>"
		}
		d, err := s.loadSave(uint32(slot))
		if err != nil {
			return "load failed: " + err.Error()
		}
		s.audit.Log(peerID, "load", slot, int64(len(d.Players)))
		return fmt.Sprintf("slot %d loaded with %d players", slot, len(d.Players))
	}
	return s.console.Execute(peerID, line)
}
