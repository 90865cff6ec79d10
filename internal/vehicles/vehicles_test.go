package vehicles

import (
	"errors"
	"testing"

	"cp2077coop/server/internal/logging"
	"cp2077coop/server/internal/physics"
	"cp2077coop/server/internal/protocol"
	"cp2077coop/server/internal/protocol/protocoltest"
)

var quadra = ArchetypeID("quadra_type66")

func newController(t *testing.T) (*Controller, *protocoltest.Recorder) {
	t.Helper()
	rec := &protocoltest.Recorder{}
	return NewController(rec, WithLogger(logging.NewTestLogger())), rec
}

func spawn(t *testing.T, c *Controller, owner uint32) uint32 {
	t.Helper()
	id, err := c.Spawn(quadra, 3, 0, owner, protocol.TransformSnap{Rot: physics.IdentityQuat}, 0)
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	return id
}

func TestArchetypeTableLoads(t *testing.T) {
	list := Archetypes()
	if len(list) < 3 {
		t.Fatalf("expected embedded archetypes, got %d", len(list))
	}
	a, ok := LookupArchetype(quadra)
	if !ok || a.Stats.Seats != 2 || a.Stats.MassKg <= 0 {
		t.Fatalf("unexpected quadra archetype %+v", a)
	}
	for _, a := range list {
		if peak := a.Stats.BrakeDecelMps2 + a.Stats.DragPerSecond*a.Stats.MaxSpeedMps; peak >= EjectDecelMps2 {
			t.Fatalf("%s brakes at %.1f m/s², braking alone would eject the driver", a.Name, peak)
		}
	}
}

func TestExplosionIsEmittedOnce(t *testing.T) {
	c, rec := newController(t)
	explodes := 0
	c.onExplode = func(Vehicle) { explodes++ }
	id := spawn(t, c, 0)

	if err := c.Hit(id, 600, false, 1000); err != nil {
		t.Fatalf("first hit: %v", err)
	}
	if err := c.Hit(id, 500, false, 1200); err != nil {
		t.Fatalf("second hit: %v", err)
	}
	if err := c.Hit(id, 500, false, 1250); !errors.Is(err, ErrDestroyed) {
		t.Fatalf("expected third hit on a wreck to be refused, got %v", err)
	}
	if n := rec.Count(protocol.MsgVehicleExplode); n != 1 || explodes != 1 {
		t.Fatalf("expected exactly one explode, got %d messages and %d callbacks", n, explodes)
	}
	msg, _ := rec.Last(protocol.MsgVehicleExplode)
	explode := msg.Msg.(*protocol.VehicleExplode)
	if explode.VehicleID != id || explode.VfxID != ExplosionVfx {
		t.Fatalf("unexpected explode %+v", explode)
	}
	v, _ := c.Get(id)
	if v.Damage != MaxDamage || !v.Destroyed {
		t.Fatalf("expected damage capped at %d, got %+v", MaxDamage, v.Damage)
	}
}

func TestHitsAreRateLimited(t *testing.T) {
	c, _ := newController(t)
	id := spawn(t, c, 0)
	if err := c.Hit(id, 100, false, 0); err != nil {
		t.Fatalf("hit: %v", err)
	}
	if err := c.Hit(id, 100, false, HitCooldownMs-1); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected rate limit, got %v", err)
	}
	if v, _ := c.Get(id); v.Damage != 100 {
		t.Fatalf("expected refused hit to leave damage at 100, got %d", v.Damage)
	}
	if err := c.Hit(99, 10, false, 1000); !errors.Is(err, ErrUnknownVehicle) || Code(err) != protocol.ResultNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestSideHitDetachesPart(t *testing.T) {
	c, rec := newController(t)
	id := spawn(t, c, 0)
	c.Hit(id, 350, true, 0)
	c.Hit(id, 200, true, 500)
	if n := rec.Count(protocol.MsgVehiclePartDetach); n != 1 {
		t.Fatalf("expected one detached part, got %d", n)
	}
}

func TestWreckDespawnsAfterTimer(t *testing.T) {
	c, rec := newController(t)
	id := spawn(t, c, 7)
	c.Hit(id, 1000, false, 0)
	c.Step(32, DespawnMs-1)
	if c.Len() != 1 {
		t.Fatal("expected wreck to remain before the despawn timer")
	}
	c.Step(32, DespawnMs)
	if c.Len() != 0 || rec.Count(protocol.MsgTrafficDespawn) != 1 {
		t.Fatal("expected wreck removal after the despawn timer")
	}
}

func TestSeatAssignment(t *testing.T) {
	c, rec := newController(t)
	id := spawn(t, c, 0)
	if err := c.RequestSeat(1, 0, id, 0, 0); err != nil {
		t.Fatalf("seat: %v", err)
	}
	if err := c.RequestSeat(2, 0, id, 0, 0); !errors.Is(err, ErrSeatTaken) {
		t.Fatalf("expected seat taken, got %v", err)
	}
	if err := c.RequestSeat(2, 0, id, 2, 0); !errors.Is(err, ErrSeatRange) {
		t.Fatalf("expected seat range error on a two seater, got %v", err)
	}
	if err := c.RequestSeat(2, 5, id, 1, 0); !errors.Is(err, ErrWrongPhase) {
		t.Fatalf("expected wrong phase, got %v", err)
	}
	if err := c.RequestSeat(1, 0, id, 1, 0); err != nil {
		t.Fatalf("move seat: %v", err)
	}
	v, _ := c.Get(id)
	if v.Occupants[0] != 0 || v.Occupants[1] != 1 {
		t.Fatalf("expected peer to move seats, got %v", v.Occupants)
	}
	last, _ := rec.Last(protocol.MsgSeatAssign)
	if assign := last.Msg.(*protocol.SeatAssign); assign.Seat != 1 || assign.PeerID != 1 {
		t.Fatalf("unexpected final assignment %+v", assign)
	}
	c.RemovePeer(1, 100)
	if _, _, ok := c.SeatOf(1); ok {
		t.Fatal("expected departing peer to lose the seat")
	}
}

func TestDriverTransferRequiresOccupant(t *testing.T) {
	c, rec := newController(t)
	id := spawn(t, c, 0)
	c.RequestSeat(1, 0, id, 0, 0)
	c.RequestSeat(2, 0, id, 1, 0)
	if err := c.TransferDriver(2, id, 1); !errors.Is(err, ErrNotDriver) {
		t.Fatalf("expected passenger transfer to be refused, got %v", err)
	}
	if err := c.TransferDriver(1, id, 3); !errors.Is(err, ErrNotOccupant) {
		t.Fatalf("expected non occupant to be refused, got %v", err)
	}
	if err := c.TransferDriver(1, id, 2); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	v, _ := c.Get(id)
	if v.Occupants[0] != 2 || v.Occupants[1] != 1 {
		t.Fatalf("expected seats swapped, got %v", v.Occupants)
	}
	if rec.Count(protocol.MsgDriverTransfer) != 1 {
		t.Fatal("expected driver transfer broadcast")
	}
}

func TestHardStopEjectsDriver(t *testing.T) {
	c, rec := newController(t)
	id := spawn(t, c, 0)
	c.RequestSeat(1, 0, id, 0, 0)
	mass := float32(1600)
	if err := c.Collide(id, physics.Vec3{Y: 30 * mass}); err != nil {
		t.Fatalf("collide: %v", err)
	}
	c.Step(32, 32)
	if rec.Count(protocol.MsgEjectOccupant) != 0 {
		t.Fatal("expected no eject while accelerating")
	}
	c.Collide(id, physics.Vec3{Y: -30 * mass})
	c.Step(32, 64)
	eject, ok := rec.Last(protocol.MsgEjectOccupant)
	if !ok || eject.Msg.(*protocol.EjectOccupant).PeerID != 1 {
		t.Fatalf("expected driver ejected, got %+v", eject)
	}
	if v, _ := c.Get(id); v.Occupants[0] != 0 {
		t.Fatal("expected driver seat freed")
	}
}

func TestIntentOnlyFromDriver(t *testing.T) {
	c, rec := newController(t)
	id := spawn(t, c, 0)
	c.RequestSeat(1, 0, id, 0, 0)
	if err := c.Intent(2, protocol.VehicleIntent{VehicleID: id, Throttle: 1}); !errors.Is(err, ErrNotDriver) {
		t.Fatalf("expected non driver intent refused, got %v", err)
	}
	if err := c.Intent(1, protocol.VehicleIntent{VehicleID: id, Throttle: 5}); err != nil {
		t.Fatalf("intent: %v", err)
	}
	c.Step(32, 32)
	snap, ok := rec.Last(protocol.MsgVehicleSnapshot)
	if !ok || snap.Msg.(*protocol.VehicleSnapshot).Vel.Y <= 0 {
		t.Fatalf("expected vehicle to accelerate forward, got %+v", snap)
	}
}

func TestIdleTrafficDespawns(t *testing.T) {
	c, _ := newController(t)
	spawn(t, c, 0)
	owned := spawn(t, c, 4)
	c.Step(32, TrafficIdleMs)
	if c.Len() != 1 {
		t.Fatalf("expected only the owned vehicle to remain, got %d", c.Len())
	}
	if _, ok := c.Get(owned); !ok {
		t.Fatal("expected owned vehicle to stay parked")
	}
}

func TestSummonReusesOwnedVehicle(t *testing.T) {
	c, rec := newController(t)
	first, err := c.Summon(4, 0, quadra, physics.Vec3{X: 10}, 0)
	if err != nil {
		t.Fatalf("summon: %v", err)
	}
	second, err := c.Summon(4, 0, quadra, physics.Vec3{X: 50}, 1000)
	if err != nil {
		t.Fatalf("summon again: %v", err)
	}
	if first != second || rec.Count(protocol.MsgVehicleSpawn) != 1 {
		t.Fatalf("expected the owned vehicle to be moved, got %d and %d", first, second)
	}
	v, _ := c.Get(first)
	if v.Body.Pos.X != 50+SummonOffset {
		t.Fatalf("expected vehicle beside the owner, got %v", v.Body.Pos)
	}
}

func TestTowAfterDestruction(t *testing.T) {
	c, rec := newController(t)
	if err := c.Tow(4, 0, physics.Vec3{}, 0); !errors.Is(err, ErrNothingToTow) {
		t.Fatalf("expected nothing to tow, got %v", err)
	}
	id := spawn(t, c, 4)
	if err := c.Tow(4, 0, physics.Vec3{}, 0); !errors.Is(err, ErrNothingToTow) {
		t.Fatalf("expected live vehicle to block tow, got %v", err)
	}
	c.Hit(id, 1000, false, 0)
	if err := c.Tow(4, 0, physics.Vec3{X: 3}, 100); err != nil {
		t.Fatalf("tow: %v", err)
	}
	ack, _ := rec.Last(protocol.MsgVehicleTowAck)
	if ack.PeerID != 4 || !ack.Msg.(*protocol.VehicleTowAck).OK {
		t.Fatalf("expected positive tow ack to owner, got %+v", ack)
	}
	c.Step(32, DespawnMs)
	for _, state := range c.States() {
		if state.Destroyed {
			continue
		}
		c.Hit(state.ID, 1000, false, DespawnMs)
	}
	if err := c.Tow(4, 0, physics.Vec3{}, DespawnMs+100); !errors.Is(err, ErrTowCooldown) {
		t.Fatalf("expected cooldown, got %v", err)
	}
}

func TestSeatSwitchKeepsIdleTimerOfVehicleLeft(t *testing.T) {
	c, rec := newController(t)
	a := spawn(t, c, 0)
	b := spawn(t, c, 0)
	const start uint64 = 1_000_000
	if err := c.RequestSeat(1, 0, a, 0, start); err != nil {
		t.Fatalf("seat in a: %v", err)
	}
	if err := c.RequestSeat(1, 0, b, 0, start+100); err != nil {
		t.Fatalf("switch to b: %v", err)
	}
	c.Step(16, start+116)
	if _, ok := c.Get(a); !ok {
		t.Fatal("expected the vehicle just left to wait out the idle timer")
	}
	c.Step(16, start+100+TrafficIdleMs)
	if _, ok := c.Get(a); ok {
		t.Fatal("expected the idle vehicle to despawn after the timer")
	}
	if _, ok := c.Get(b); !ok {
		t.Fatal("expected the occupied vehicle to stay")
	}
	if rec.Count(protocol.MsgTrafficDespawn) != 1 {
		t.Fatalf("expected one despawn, got %d", rec.Count(protocol.MsgTrafficDespawn))
	}
}

func TestDriverTransferRefusedOnWreck(t *testing.T) {
	c, _ := newController(t)
	id := spawn(t, c, 0)
	c.RequestSeat(1, 0, id, 0, 0)
	c.RequestSeat(2, 0, id, 1, 0)
	if err := c.Hit(id, MaxDamage, false, 0); err != nil {
		t.Fatalf("hit: %v", err)
	}
	if err := c.TransferDriver(1, id, 2); !errors.Is(err, ErrDestroyed) {
		t.Fatalf("expected wreck to refuse a driver transfer, got %v", err)
	}
}
