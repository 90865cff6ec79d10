package main

import (
	"time"

	"cp2077coop/server/internal/connection"
	"cp2077coop/server/internal/logging"
	"cp2077coop/server/internal/networking"
	"cp2077coop/server/internal/phase"
	"cp2077coop/server/internal/protocol"
	"cp2077coop/server/internal/snapshot"
	"cp2077coop/server/internal/voice"
)

const (
	// memCheckMs is the cadence of the snapshot history memory guard.
	memCheckMs = 60000
	// maintainMs is the cadence of replication baseline maintenance.
	maintainMs = 60000
)

// step runs one fixed tick: drain the socket, advance the world and every
// controller, then replicate and adapt.
func (s *server) step(tick uint64, tickMs int) {
	started := s.now()
	dt := uint32(tickMs)
	nowMs := s.clock.TimeMs()

	//1.- Inbound traffic is applied before anything moves.
	if s.sock != nil {
		for _, d := range s.sock.Poll(maxDatagramsPerTick) {
			s.peers.HandleDatagram(d, nowMs)
		}
	}
	infos := s.peers.Peers()
	viewers := s.viewers(infos)

	if w, ok := s.world.Advance(dt); ok {
		s.broadcastWorld(w)
	}

	//2.- Controllers step unless an elevator transition holds the world.
	s.elevators.Tick(dt)
	if !s.elevators.Paused() {
		s.vehicles.Step(float64(tickMs), nowMs)
		s.crowd.Tick(dt)
		s.breaches.Tick(dt)
		s.doors.Tick(dt)
		s.cameras.Tick(dt)
		s.carries.Tick(dt)
		s.grenades.Tick(dt)
		s.transit.Tick(dt)
		s.market.Tick(dt)
	}
	s.saves.Tick(s.now())
	s.quests.Tick(nowMs)
	for _, id := range s.phases.GC(tick) {
		s.quests.ForgetPhase(id)
		s.market.ForgetPhase(id)
	}

	//3.- Replicate and adapt.
	stats := s.replicator.Broadcast(viewers, s.entities(infos), nowMs)
	if stats.Keyframes > 0 {
		s.logger.Debug("keyframes sent", logging.Int("keyframes", stats.Keyframes), logging.Int("bytes", stats.Bytes))
	}
	s.quality.Tick(dt)
	s.checkLinks(dt, infos)
	s.peers.Tick(nowMs)
	s.adaptRate(dt, infos, tickMs, s.now().Sub(started))
	s.maintain(dt, nowMs)
	s.checkIdle(len(infos))
}

// viewers lists in-game peers with their party: the members of a private phase.
func (s *server) viewers(infos []connection.PeerInfo) []networking.Viewer {
	out := make([]networking.Viewer, 0, len(infos))
	party := make(map[uint32][]uint32)
	for _, info := range infos {
		if info.State != connection.StateInGame {
			continue
		}
		v := networking.Viewer{PeerID: info.ID, PhaseID: info.PhaseID, Sector: info.Sector, Pos: info.Avatar}
		if info.PhaseID != phase.DefaultID {
			members, ok := party[info.PhaseID]
			if !ok {
				members = s.phases.Members(info.PhaseID)
				party[info.PhaseID] = members
			}
			v.Party = members
		}
		out = append(out, v)
	}
	return out
}

// entities gathers the replicated world: avatars, vehicles and each peer's
// private wallet summary.
func (s *server) entities(infos []connection.PeerInfo) []networking.Entity {
	var out []networking.Entity
	for _, info := range infos {
		if info.State != connection.StateInGame {
			continue
		}
		if t, ok := s.avatar(info.ID); ok {
			f := snapshot.NewFields()
			snapshot.EncodeAvatar(f, info.ID, t)
			out = append(out, networking.Entity{
				Key:     snapshot.EntityKey(snapshot.ClassAvatar, uint64(info.ID)),
				PhaseID: info.PhaseID,
				Sector:  info.Sector,
				Pos:     t.Pos,
				OwnerID: info.ID,
				Fields:  f,
			})
		}
		f := snapshot.NewFields()
		snapshot.EncodeInventory(f, info.ID, s.ledger.Balance(info.ID), uint16(len(s.store.Owned(info.ID))))
		out = append(out, networking.Entity{
			Key:     snapshot.EntityKey(snapshot.ClassInventory, uint64(info.ID)),
			PhaseID: info.PhaseID,
			OwnerID: info.ID,
			Private: true,
			Fields:  f,
		})
	}
	out = append(out, s.crowd.Entities()...)
	for _, v := range s.vehicles.States() {
		f := snapshot.NewFields()
		snapshot.EncodeVehicle(f, v)
		out = append(out, networking.Entity{
			Key:     snapshot.EntityKey(snapshot.ClassVehicle, uint64(v.ID)),
			PhaseID: v.PhaseID,
			Pos:     v.Transform.Pos,
			OwnerID: v.Occupants[0],
			Fields:  f,
		})
	}
	return out
}

// checkLinks feeds the voice low-bandwidth monitor and mirrors its verdict
// into the outbound bandwidth budget.
func (s *server) checkLinks(dt uint32, infos []connection.PeerInfo) {
	links := make([]voice.Link, 0, len(infos))
	for _, info := range infos {
		if info.State != connection.StateInGame {
			continue
		}
		if p, ok := s.peers.Peer(info.ID); ok {
			links = append(links, p)
		}
	}
	for _, id := range s.lowbw.Tick(dt, links) {
		if p, ok := s.peers.Peer(id); ok {
			s.bandwidth.SetLowBandwidth(connection.ThrottleKey(id), p.LowBW())
		}
	}
}

// adaptRate applies latency and frame-cost driven tick-rate changes.
func (s *server) adaptRate(dt uint32, infos []connection.PeerInfo, tickMs int, frame time.Duration) {
	var rttSum float64
	n := 0
	for _, info := range infos {
		if info.State == connection.StateInGame {
			rttSum += info.RTTMs
			n++
		}
	}
	avg := 0.0
	if n > 0 {
		avg = rttSum / float64(n)
	}
	next := s.rate.ObserveLatency(float64(dt)/1000, avg, n, tickMs)
	if f := s.rate.ObserveFrame(float64(frame)/float64(time.Millisecond), tickMs); next == 0 {
		next = f
	}
	if next == 0 || next == tickMs {
		return
	}
	applied := s.clock.SetTickMs(next)
	s.phases.SetTickMs(applied)
	s.monitor.SetBudget(applied)
	s.peers.Broadcast(&protocol.TickRateChange{TickMs: uint16(applied)})
	s.logger.Info("tick rate changed", logging.Int("from_ms", tickMs), logging.Int("to_ms", applied), logging.Float64("avg_rtt_ms", avg))
}

// maintain runs the slow housekeeping timers.
func (s *server) maintain(dt uint32, nowMs uint64) {
	s.memCheckMs += dt
	if s.memCheckMs >= memCheckMs {
		s.memCheckMs = 0
		if evicted := s.replicator.History().MemCheck(); evicted > 0 {
			s.logger.Warn("snapshot history trimmed", logging.Int("evicted", evicted), logging.Int("retained", s.replicator.History().Len()))
		}
	}
	s.maintainMs += dt
	if s.maintainMs >= maintainMs {
		s.maintainMs = 0
		if purged, evicted := s.replicator.Maintain(nowMs); purged+evicted > 0 {
			s.logger.Debug("replication maintenance", logging.Int("purged", purged), logging.Int("evicted", evicted))
		}
	}
}

// checkIdle signals shutdown after the configured number of empty ticks.
func (s *server) checkIdle(peers int) {
	limit := s.cfg.IdleShutdownTicks
	if limit <= 0 {
		return
	}
	if peers > 0 {
		s.idleTicks = 0
		return
	}
	s.idleTicks++
	if s.idleTicks >= limit {
		s.idleOnce.Do(func() {
			s.logger.Info("idle limit reached", logging.Int("ticks", s.idleTicks))
			close(s.idle)
		})
	}
}

// Idle is closed once the server has been empty for the idle limit.
func (s *server) Idle() <-chan struct{} { return s.idle }
