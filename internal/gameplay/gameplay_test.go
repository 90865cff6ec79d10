package gameplay

import (
	"errors"
	"testing"

	"cp2077coop/server/internal/logging"
	"cp2077coop/server/internal/networking"
	"cp2077coop/server/internal/physics"
	"cp2077coop/server/internal/protocol"
	"cp2077coop/server/internal/protocol/protocoltest"
	"cp2077coop/server/internal/snapshot"
)

func quiet() Option { return WithLogger(logging.NewTestLogger()) }

func newCrowdReplicator() (*networking.Replicator, *protocoltest.Recorder) {
	rec := &protocoltest.Recorder{}
	r := networking.NewReplicator(rec,
		networking.WithReplicatorLogger(logging.NewTestLogger()),
		networking.WithMetrics(networking.NewSnapshotMetrics()),
	)
	return r, rec
}

func crowdStep(c *Crowd, r *networking.Replicator, viewers ...networking.Viewer) networking.BroadcastStats {
	c.Tick(32)
	return r.Broadcast(viewers, c.Entities(), 0)
}

func inScope(r *networking.Replicator, peerID uint32, key uint64) bool {
	for _, k := range r.Scope(peerID) {
		if k == key {
			return true
		}
	}
	return false
}

func TestCrowdInterestFollowsRadiusAndCombat(t *testing.T) {
	r, rec := newCrowdReplicator()
	c := NewCrowd(nil, 1, quiet())
	id := c.Spawn(3, 0, physics.Vec3{}, 9)
	key := snapshot.EntityKey(snapshot.ClassNpc, uint64(id))

	near := networking.Viewer{PeerID: 1, Pos: physics.Vec3{X: 10}}
	far := networking.Viewer{PeerID: 2, Pos: physics.Vec3{X: 500}}
	crowdStep(c, r, near, far)

	if !inScope(r, 1, key) || inScope(r, 2, key) {
		t.Fatalf("expected only the nearby viewer subscribed")
	}
	if got := rec.Count(protocol.MsgInterestAdd); got != 1 {
		t.Fatalf("expected one InterestAdd, got %d", got)
	}
	if snap, ok := rec.Last(protocol.MsgSnapshot); !ok || snap.PeerID != 1 {
		t.Fatalf("expected the NPC keyframe to reach peer 1, got %+v", snap)
	}
	if got := rec.Count(protocol.MsgNpcSnapshot); got != 0 {
		t.Fatalf("expected NPC state to travel as snapshots only, got %d NpcSnapshot", got)
	}

	//1.- Combat pulls the NPC into every same-phase interest set.
	if err := c.SetState(id, protocol.NpcCombat); err != nil {
		t.Fatalf("set state: %v", err)
	}
	crowdStep(c, r, near, far)
	if !inScope(r, 2, key) {
		t.Fatalf("expected combat NPC to reach the far viewer")
	}

	//2.- Leaving the radius after combat ends removes the NPC again.
	if err := c.SetState(id, protocol.NpcIdle); err != nil {
		t.Fatalf("set state: %v", err)
	}
	rec.Reset()
	crowdStep(c, r, near, far)
	if inScope(r, 2, key) || rec.Count(protocol.MsgInterestRemove) != 1 {
		t.Fatalf("expected one InterestRemove for the far viewer")
	}
}

func TestCrowdSendsDeltasAgainstAckedBaseline(t *testing.T) {
	r, rec := newCrowdReplicator()
	c := NewCrowd(nil, 1, quiet())
	c.Spawn(3, 0, physics.Vec3{}, 9)
	viewer := networking.Viewer{PeerID: 1}

	crowdStep(c, r, viewer)
	first, _ := rec.Last(protocol.MsgSnapshot)
	keyframe, err := snapshot.Decode(first.Msg.(*protocol.Snapshot).Data, nil)
	if err != nil {
		t.Fatalf("decode keyframe: %v", err)
	}
	if !keyframe.Fields.Flags.Has(snapshot.BitNpcTemplate) {
		t.Fatalf("expected the keyframe to carry the template")
	}
	if !r.ProcessAck(1, keyframe.ID) {
		t.Fatalf("expected the keyframe ack to be accepted")
	}

	//1.- The wandering NPC moved, so the next record is a delta without spawn-time fields.
	stats := crowdStep(c, r, viewer)
	if stats.Deltas != 1 {
		t.Fatalf("expected one delta, got %+v", stats)
	}
	last, _ := rec.Last(protocol.MsgSnapshot)
	delta, err := snapshot.Decode(last.Msg.(*protocol.Snapshot).Data, nil)
	if err != nil {
		t.Fatalf("decode delta: %v", err)
	}
	if delta.BaseID != keyframe.ID {
		t.Fatalf("expected base %d, got %d", keyframe.ID, delta.BaseID)
	}
	if delta.Fields.Flags.Has(snapshot.BitNpcTemplate) || delta.Fields.Flags.Has(snapshot.BitNpcAppearance) {
		t.Fatalf("expected template and appearance to be omitted from deltas")
	}
	if !delta.Fields.Flags.Has(snapshot.BitPos) {
		t.Fatalf("expected the walked position in the delta")
	}
}

func TestCrowdWalkIsDeterministic(t *testing.T) {
	a := NewCrowd(nil, 77, quiet())
	b := NewCrowd(nil, 77, quiet())
	ida := a.Spawn(1, 0, physics.Vec3{}, 0)
	idb := b.Spawn(1, 0, physics.Vec3{}, 0)

	a.Tick(1000)
	first, _ := a.Get(ida)
	if first.Pos.X != 0.5 || first.Pos.Y != 0 {
		t.Fatalf("expected half a metre along the initial heading, got %+v", first.Pos)
	}
	b.Tick(1000)
	for i := 0; i < 10; i++ {
		a.Tick(1000)
		b.Tick(1000)
	}
	sa, _ := a.Get(ida)
	sb, _ := b.Get(idb)
	if sa.Pos != sb.Pos || sa.SectorHash != sb.SectorHash {
		t.Fatalf("expected identical walks, got %+v vs %+v", sa.Pos, sb.Pos)
	}
}

func TestCrowdSeedPerSector(t *testing.T) {
	rec := &protocoltest.Recorder{}
	c := NewCrowd(rec, 0, quiet())
	seed := c.EnterSector(4, 0x1234)
	if seed != 0x1234^CrowdSeedMask {
		t.Fatalf("unexpected crowd seed %#x", seed)
	}
	msg, ok := rec.Last(protocol.MsgCrowdSeed)
	if !ok || msg.Msg.(*protocol.CrowdSeed).Seed != seed {
		t.Fatalf("expected CrowdSeed broadcast, got %+v", msg)
	}
	if c.SectorSeed(0x1234) != seed {
		t.Fatalf("expected the sector seed to be stable")
	}
}

func TestCrowdZeroHealthDespawns(t *testing.T) {
	r, rec := newCrowdReplicator()
	c := NewCrowd(nil, 1, quiet())
	id := c.Spawn(1, 0, physics.Vec3{}, 0)
	viewer := networking.Viewer{PeerID: 1}
	crowdStep(c, r, viewer)
	if err := c.Damage(id, 500); err != nil {
		t.Fatalf("damage: %v", err)
	}
	rec.Reset()
	crowdStep(c, r, viewer)

	last, ok := rec.Last(protocol.MsgSnapshot)
	if !ok {
		t.Fatalf("expected a final snapshot")
	}
	snap, err := snapshot.Decode(last.Msg.(*protocol.Snapshot).Data, nil)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if health, ok := snap.Fields.U16(snapshot.BitHealth); !ok || health != 0 {
		t.Fatalf("expected a final zero-health record, got %d", health)
	}

	//1.- The next tick reaps the NPC and the replicator drops it from scope.
	rec.Reset()
	crowdStep(c, r, viewer)
	if c.Len() != 0 {
		t.Fatalf("expected the NPC to be removed")
	}
	if rec.Count(protocol.MsgInterestRemove) != 1 {
		t.Fatalf("expected the despawned NPC to leave the interest set")
	}
	if err := c.Damage(id, 1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected despawned NPC to be unknown, got %v", err)
	}
}

func TestElevatorArrivalCompletesOnAllAcks(t *testing.T) {
	rec := &protocoltest.Recorder{}
	e := NewElevators(rec, quiet())
	var results []bool
	e.Arrive(1, 99, physics.Vec3{}, []uint32{1, 2}, func(ok bool) { results = append(results, ok) })
	if err := e.Ack(1, 1); err != nil {
		t.Fatalf("ack: %v", err)
	}

	e.Tick(ElevatorAckTimeoutMs)
	if got := rec.Count(protocol.MsgElevatorArrive); got != 2 {
		t.Fatalf("expected one retry broadcast, got %d arrivals", got)
	}
	if !e.Paused() {
		t.Fatalf("expected the simulation paused while retrying")
	}

	if err := e.Ack(2, 1); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if e.Paused() {
		t.Fatalf("expected pause lifted once every peer acked")
	}
	e.Tick(32)
	if len(results) != 1 || !results[0] {
		t.Fatalf("expected one successful callback, got %v", results)
	}
	if err := e.Ack(2, 1); !errors.Is(err, ErrInactive) {
		t.Fatalf("expected ack after completion to be refused, got %v", err)
	}
}

func TestElevatorArrivalExpiresAfterRetries(t *testing.T) {
	rec := &protocoltest.Recorder{}
	e := NewElevators(rec, quiet())
	var results []bool
	e.Arrive(7, 0, physics.Vec3{}, []uint32{1}, func(ok bool) { results = append(results, ok) })
	for i := 0; i < ElevatorMaxRetries+1; i++ {
		e.Tick(ElevatorAckTimeoutMs)
	}
	if got := rec.Count(protocol.MsgElevatorArrive); got != 1+ElevatorMaxRetries {
		t.Fatalf("expected %d arrival broadcasts, got %d", 1+ElevatorMaxRetries, got)
	}
	if len(results) != 1 || results[0] {
		t.Fatalf("expected one failed callback, got %v", results)
	}
	if e.Paused() || len(e.Pending()) != 0 {
		t.Fatalf("expected the abandoned arrival cleared")
	}
}

func TestBreachTimeoutReportsAllDaemons(t *testing.T) {
	rec := &protocoltest.Recorder{}
	b := NewBreaches(rec, 42, quiet())
	var timedOut bool
	b.OnResult(func(peerID uint32, mask uint8, expired bool) { timedOut = expired })

	if _, err := b.Start(1, 4, 4); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := b.Start(1, 4, 4); !errors.Is(err, ErrActive) {
		t.Fatalf("expected duplicate start refused, got %v", err)
	}
	if err := b.Input(1, 3); err != nil {
		t.Fatalf("input: %v", err)
	}
	if err := b.Input(1, 16); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected out-of-grid input refused, got %v", err)
	}
	if rec.Count(protocol.MsgBreachInput) != 1 {
		t.Fatalf("expected one relayed input")
	}

	b.Tick(BreachTimeoutMs - 1)
	if rec.Count(protocol.MsgBreachResult) != 0 {
		t.Fatalf("expected no result before the deadline")
	}
	b.Tick(1)
	res, ok := rec.Last(protocol.MsgBreachResult)
	if !ok || res.Msg.(*protocol.BreachResult).DaemonMask != BreachTimeoutMask || !timedOut {
		t.Fatalf("expected timeout result with mask 7, got %+v", res)
	}
	if err := b.Input(1, 0); !errors.Is(err, ErrInactive) {
		t.Fatalf("expected input after timeout refused, got %v", err)
	}
}

func TestDoorBreachDuration(t *testing.T) {
	cases := []struct {
		perks int
		want  uint32
	}{{0, 1000}, {2, 800}, {7, 300}, {20, 300}}
	for _, tc := range cases {
		if got := DoorBreachDuration(tc.perks); got != tc.want {
			t.Fatalf("perks %d: expected %d, got %d", tc.perks, tc.want, got)
		}
	}
}

func TestDoorBreachProgressAndAbort(t *testing.T) {
	rec := &protocoltest.Recorder{}
	d := NewDoors(rec, quiet())
	if err := d.Start(5, 2, 1, 0); err != nil {
		t.Fatalf("start: %v", err)
	}
	for i := 0; i < 4; i++ {
		d.Tick(DoorBreachTickMs)
	}
	ticks := rec.OfType(protocol.MsgDoorBreachTick)
	if len(ticks) != 4 || ticks[3].Msg.(*protocol.DoorBreachTick).Percent != 100 {
		t.Fatalf("expected four progress ticks ending at 100, got %d", len(ticks))
	}
	res, ok := rec.Last(protocol.MsgDoorBreachResult)
	if !ok || !res.Msg.(*protocol.DoorBreachResult).Success || res.PhaseID != 2 {
		t.Fatalf("expected success in phase 2, got %+v", res)
	}

	//1.- Entering combat aborts a running breach.
	rec.Reset()
	if err := d.Start(6, 2, 1, 0); err != nil {
		t.Fatalf("start: %v", err)
	}
	d.SetCombat(1, true)
	d.Tick(32)
	res, ok = rec.Last(protocol.MsgDoorBreachResult)
	if !ok || res.Msg.(*protocol.DoorBreachResult).Success {
		t.Fatalf("expected aborted breach")
	}
	if rec.Count(protocol.MsgCombatState) != 1 || d.Active(6) {
		t.Fatalf("expected combat broadcast and breach cleared")
	}
}

func TestCarrySnapsEveryHundredMs(t *testing.T) {
	rec := &protocoltest.Recorder{}
	c := NewCarries(rec, quiet())
	if err := c.Begin(1, 10, physics.Vec3{X: 1}); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := c.Begin(2, 10, physics.Vec3{}); !errors.Is(err, ErrActive) {
		t.Fatalf("expected a second carrier refused, got %v", err)
	}
	if err := c.Update(2, 10, physics.Vec3{}, physics.Vec3{}); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("expected non-carrier update refused, got %v", err)
	}
	c.Tick(50)
	if rec.Count(protocol.MsgCarrySnap) != 0 {
		t.Fatalf("expected no snap before 100 ms")
	}
	c.Tick(50)
	if rec.Count(protocol.MsgCarrySnap) != 1 {
		t.Fatalf("expected one snap at 100 ms")
	}
	if err := c.End(1, 10, physics.Vec3{}, physics.Vec3{Z: 2}); err != nil {
		t.Fatalf("end: %v", err)
	}
	c.Tick(100)
	if rec.Count(protocol.MsgCarrySnap) != 1 || rec.Count(protocol.MsgCarryEnd) != 1 {
		t.Fatalf("expected snaps to stop after CarryEnd")
	}
}

func TestGrenadeStreamsUntilRemoved(t *testing.T) {
	rec := &protocoltest.Recorder{}
	g := NewGrenades(rec, quiet())
	if err := g.Prime(7, 1, 100, physics.Vec3{Z: 10}, physics.Vec3{X: 4}); err != nil {
		t.Fatalf("prime: %v", err)
	}
	g.Tick(GrenadeSnapMs)
	snap, ok := rec.Last(protocol.MsgGrenadeSnap)
	if !ok {
		t.Fatalf("expected a grenade snap")
	}
	gs := snap.Msg.(*protocol.GrenadeSnap)
	if gs.Pos.X <= 0 || gs.Vel.Z >= 0 {
		t.Fatalf("expected ballistic motion, got %+v", gs)
	}
	if err := g.Correct(2, 7, physics.Vec3{}, physics.Vec3{}); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("expected correction by another peer refused, got %v", err)
	}
	if err := g.Remove(7); err != nil {
		t.Fatalf("remove: %v", err)
	}
	g.Tick(GrenadeSnapMs)
	if rec.Count(protocol.MsgGrenadeSnap) != 1 || rec.Count(protocol.MsgGrenadeRemove) != 1 {
		t.Fatalf("expected snaps to stop after removal")
	}
}

func TestMetroAnnouncesStations(t *testing.T) {
	rec := &protocoltest.Recorder{}
	tr := NewTransit(rec, quiet())
	err := tr.AddLine(1, []Station{{ID: 100}, {ID: 101, Pos: physics.Vec3{X: 100}}, {ID: 102, Pos: physics.Vec3{X: 200}}})
	if err != nil {
		t.Fatalf("add line: %v", err)
	}
	station, err := tr.Board(9, 1, physics.Vec3{X: 3})
	if err != nil || station != 100 {
		t.Fatalf("expected boarding at the first station, got %d %v", station, err)
	}
	tr.Tick(5000)
	arrive, ok := rec.Last(protocol.MsgMetroArrive)
	if !ok || arrive.Msg.(*protocol.MetroArrive).StationID != 101 {
		t.Fatalf("expected arrival at 101, got %+v", arrive)
	}
	if pos, ok := tr.Position(9); !ok || pos.X != 100 {
		t.Fatalf("expected rider at the second station, got %+v", pos)
	}
	tr.Tick(5000)
	if rec.Count(protocol.MsgMetroArrive) != 2 {
		t.Fatalf("expected two arrivals")
	}
	if _, ok := tr.Position(9); ok {
		t.Fatalf("expected the rider to leave at the terminus")
	}
	if _, err := tr.Board(9, 5, physics.Vec3{}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected unknown line refused, got %v", err)
	}
}

func TestArcadeKeepsHighScore(t *testing.T) {
	rec := &protocoltest.Recorder{}
	a := NewArcade(rec, quiet())
	if err := a.Start(1, 9, 42); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := a.Input(9, 1, 1, 0b101); err != nil {
		t.Fatalf("input: %v", err)
	}
	if err := a.Input(9, 1, 1, 0xFF); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected a replayed frame refused, got %v", err)
	}
	if err := a.Input(9, 1, 2, 0xFF); err != nil {
		t.Fatalf("input: %v", err)
	}
	score, err := a.End(9, 1)
	if err != nil || score != 10 {
		t.Fatalf("expected score 10, got %d %v", score, err)
	}
	if hs, ok := a.HighScore(1); !ok || hs.Score != 10 || hs.PeerID != 9 {
		t.Fatalf("unexpected high score %+v", hs)
	}

	//1.- A weaker run keeps the record.
	if err := a.Start(1, 4, 43); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := a.End(4, 1); err != nil {
		t.Fatalf("end: %v", err)
	}
	if rec.Count(protocol.MsgArcadeHigh) != 1 || rec.Count(protocol.MsgArcadeScore) != 2 {
		t.Fatalf("expected one high score and two final scores")
	}
	restored := NewArcade(nil, quiet())
	restored.LoadHighScores(a.HighScores())
	if hs, _ := restored.HighScore(1); hs.Score != 10 {
		t.Fatalf("expected high scores to survive a reload")
	}
}

type audience struct{ low map[uint32]bool }

func (a audience) Peers() []uint32                 { return []uint32{1, 2, 3} }
func (a audience) LowBandwidth(peerID uint32) bool { return a.low[peerID] }

func TestCamerasFrameAndSmartCamSuppression(t *testing.T) {
	rec := &protocoltest.Recorder{}
	c := NewCameras(rec, audience{low: map[uint32]bool{2: true}}, quiet())
	if err := c.Hijack(11, 1); err != nil {
		t.Fatalf("hijack: %v", err)
	}
	if err := c.Hijack(11, 3); !errors.Is(err, ErrActive) {
		t.Fatalf("expected a held camera refused, got %v", err)
	}
	c.Tick(CamFrameMs)
	if rec.Count(protocol.MsgCamFrameStart) != 1 {
		t.Fatalf("expected a frame start after 500 ms")
	}
	if err := c.Stop(11, 3); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("expected stop by another peer refused, got %v", err)
	}

	c.SmartCamStart(70)
	starts := rec.OfType(protocol.MsgSmartCamStart)
	if len(starts) != 2 {
		t.Fatalf("expected smart cam for the two full-bandwidth peers, got %d", len(starts))
	}
	for _, s := range starts {
		if s.PeerID == 2 {
			t.Fatalf("expected the low-bandwidth peer skipped")
		}
	}
	if err := c.SmartCamEnd(70); err != nil {
		t.Fatalf("smart cam end: %v", err)
	}
	if err := c.SmartCamEnd(70); !errors.Is(err, ErrInactive) {
		t.Fatalf("expected second end refused, got %v", err)
	}
}
