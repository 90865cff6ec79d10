package main

import (
	"cp2077coop/server/internal/connection"
	"cp2077coop/server/internal/events"
	"cp2077coop/server/internal/logging"
	"cp2077coop/server/internal/nat"
	"cp2077coop/server/internal/phase"
	"cp2077coop/server/internal/protocol"
	"cp2077coop/server/internal/save"
	"cp2077coop/server/internal/snapshot"
	"cp2077coop/server/internal/vehicles"
)

// onJoin places a new in-game peer in the shared world and primes its view.
func (s *server) onJoin(info connection.PeerInfo) {
	tick := s.clock.CurrentTick()
	if err := s.phases.Join(info.ID, phase.DefaultID, tick); err != nil {
		s.logger.Error("default phase join failed", logging.Peer(info.ID), logging.Error(err))
	}
	s.crowd.EnterSector(info.ID, info.Sector)
	bal := s.ledger.Open(info.ID, info.Name)
	for _, msg := range s.quality.Current() {
		if err := s.peers.Send(info.ID, msg); err != nil {
			s.logger.Debug("quality state dropped", logging.Peer(info.ID), logging.Error(err))
		}
	}
	s.audit.Record(events.KindPeerJoined, info.ID, 0, 0, info.Name)
	s.logger.Info("peer joined", logging.Peer(info.ID), logging.String("name", info.Name), logging.String("addr", info.Addr), logging.Uint64("eddies", bal))
}

// onLeave releases everything the peer held.
func (s *server) onLeave(info connection.PeerInfo, reason string) {
	id := info.ID
	nowMs := s.clock.TimeMs()
	s.phases.Leave(id, s.clock.CurrentTick())
	s.quests.RemovePeer(id)
	s.replicator.RemovePeer(id)
	s.vehicles.RemovePeer(id, nowMs)
	s.elevators.RemovePeer(id)
	s.breaches.RemovePeer(id)
	s.doors.RemovePeer(id)
	s.cameras.RemovePeer(id)
	s.carries.RemovePeer(id)
	s.transit.RemovePeer(id)
	s.arcade.RemovePeer(id)
	s.trades.RemovePeer(id)
	s.ledger.Park(id, info.Name)
	s.relay.Forget(id)
	s.assets.RemovePeer(id)
	s.nat.RemovePeer(id)
	s.saves.RemovePeer(id)
	s.dropAvatar(id)
	if info.State == connection.StateInGame || info.State == connection.StateDisconnecting {
		s.audit.Record(events.KindPeerLeft, id, 0, 0, reason)
	}
	s.logger.Info("peer left", logging.Peer(id), logging.String("reason", reason))
}

func (s *server) onResync(phaseID uint32, peers []uint32) {
	for _, id := range peers {
		s.audit.Recordf(events.KindQuestResync, id, uint64(phaseID), "phase %d", phaseID)
	}
}

func (s *server) onVote(phaseID, questHash uint32, passed bool) {
	s.audit.Recordf(events.KindCriticalVote, 0, uint64(questHash), "phase %d passed=%t", phaseID, passed)
}

func (s *server) onExplode(v vehicles.Vehicle) {
	s.audit.Recordf(events.KindVehicleDestroyed, v.OwnerID, snapshot.EntityKey(snapshot.ClassVehicle, uint64(v.ID)), "archetype %d phase %d", v.Archetype, v.PhaseID)
}

func (s *server) onBreach(peerID uint32, mask uint8, timedOut bool) {
	s.logger.Debug("breach finished", logging.Peer(peerID), logging.Int("daemons", int(mask)), logging.Bool("timed_out", timedOut))
}

func (s *server) onNatResult(peerID uint32, res nat.Result) {
	if res.Err != nil {
		s.logger.Warn("nat traversal failed", logging.Peer(peerID), logging.Error(res.Err))
		return
	}
	s.logger.Info("nat traversal complete", logging.Peer(peerID), logging.String("method", res.Method.String()), logging.Duration("rtt", res.RTT))
}

func (s *server) onSave(res save.Result) {
	detail := res.RequestID.String()
	if !res.OK {
		detail += " " + res.Reason
	}
	s.audit.Record(events.KindSave, 0, uint64(res.Slot), int64(res.Players), detail)
}

// onBiasChange frees a tenth of the asset cache whenever textures coarsen.
func (s *server) onBiasChange(bias uint8) {
	if bias == 0 {
		return
	}
	freed := s.assets.EvictLowPriorityAssets(s.assets.MemoryUsage() / 10)
	s.logger.Info("texture bias raised", logging.Int("bias", int(bias)), logging.Uint64("evicted_bytes", freed))
}

// broadcastWorld pushes the world state to every peer.
func (s *server) broadcastWorld(w protocol.WorldState) {
	s.peers.Broadcast(&protocol.WorldStateMsg{World: w})
}
