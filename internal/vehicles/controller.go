package vehicles

import (
	"errors"
	"sort"
	"sync"

	"cp2077coop/server/internal/hash"
	"cp2077coop/server/internal/logging"
	"cp2077coop/server/internal/physics"
	"cp2077coop/server/internal/protocol"
	"cp2077coop/server/internal/snapshot"
)

const (
	// MaxDamage destroys a vehicle.
	MaxDamage = 1000
	// HitCooldownMs is the minimum spacing between accepted hits on one vehicle.
	HitCooldownMs = 200
	// DespawnMs removes a destroyed vehicle.
	DespawnMs = 10000
	// TowCooldownMs spaces tow requests per owner.
	TowCooldownMs = 300000
	// PartDetachDamage is the side hit above which a body part breaks off.
	PartDetachDamage = 300
	// EjectDecelMps2 throws the driver out on a harder stop.
	EjectDecelMps2 = 12
	// TrafficIdleMs despawns unowned, empty vehicles.
	TrafficIdleMs = 10000
	// MaxSeats is the seat array size.
	MaxSeats = 4
	// MaxParts is the number of detachable parts.
	MaxParts = 4
	// SeatNone in a SeatAssign marks a vacated seat.
	SeatNone uint8 = 0xFF
	// SummonOffset places summoned vehicles beside their owner.
	SummonOffset float32 = 5
)

// ExplosionVfx is the effect id carried by VehicleExplode.
var ExplosionVfx = hash.Fnv1a32("veh_explosion_big.ent")

var (
	ErrUnknownVehicle   = errors.New("vehicles: unknown vehicle")
	ErrUnknownArchetype = errors.New("vehicles: unknown archetype")
	ErrSeatTaken        = errors.New("vehicles: seat taken")
	ErrSeatRange        = errors.New("vehicles: seat out of range")
	ErrNotDriver        = errors.New("vehicles: sender is not the driver")
	ErrNotOccupant      = errors.New("vehicles: target is not an occupant")
	ErrDestroyed        = errors.New("vehicles: vehicle destroyed")
	ErrRateLimited      = errors.New("vehicles: hit rate limited")
	ErrTowCooldown      = errors.New("vehicles: tow on cooldown")
	ErrNothingToTow     = errors.New("vehicles: no vehicle to tow")
	ErrWrongPhase       = errors.New("vehicles: vehicle in another phase")
)

// Code maps a controller error onto the wire result code.
func Code(err error) protocol.ResultCode {
	switch {
	case err == nil:
		return protocol.ResultOK
	case errors.Is(err, ErrUnknownVehicle), errors.Is(err, ErrUnknownArchetype), errors.Is(err, ErrNothingToTow):
		return protocol.ResultNotFound
	case errors.Is(err, ErrSeatTaken):
		return protocol.ResultSeatTaken
	case errors.Is(err, ErrNotDriver), errors.Is(err, ErrNotOccupant), errors.Is(err, ErrWrongPhase):
		return protocol.ResultDenied
	case errors.Is(err, ErrRateLimited), errors.Is(err, ErrTowCooldown):
		return protocol.ResultRateLimited
	}
	return protocol.ResultInvalid
}

// Outbox delivers vehicle messages.
type Outbox interface {
	Send(peerID uint32, msg protocol.Message) error
	BroadcastPhase(phaseID uint32, msg protocol.Message)
}

// Vehicle is the authoritative record of one spawned vehicle.
type Vehicle struct {
	ID        uint32
	Archetype uint32
	Paint     uint32
	PhaseID   uint32
	OwnerID   uint32
	Body      physics.Body
	Damage    uint16
	Occupants [MaxSeats]uint32
	Destroyed bool
	Detached  uint8

	stats       physics.Stats
	intent      physics.Intent
	exploded    bool
	despawnAtMs uint64
	lastHitMs   uint64
	hit         bool
	emptySince  uint64
	lastSent    physics.Body
	lastVel     physics.Vec3
}

func (v *Vehicle) seatOf(peerID uint32) int {
	for i, id := range v.Occupants {
		if id == peerID && id != 0 {
			return i
		}
	}
	return -1
}

func (v *Vehicle) empty() bool {
	for _, id := range v.Occupants {
		if id != 0 {
			return false
		}
	}
	return true
}

// Option customises a Controller.
type Option func(*Controller)

// WithLogger attaches a logger.
func WithLogger(logger *logging.Logger) Option {
	return func(c *Controller) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// OnExplode is called once per destroyed vehicle.
func OnExplode(fn func(v Vehicle)) Option {
	return func(c *Controller) { c.onExplode = fn }
}

// Controller owns every vehicle. Handlers validate, mutate then broadcast.
type Controller struct {
	mu        sync.Mutex
	out       Outbox
	logger    *logging.Logger
	vehicles  map[uint32]*Vehicle
	nextID    uint32
	towReady  map[uint32]uint64
	lastModel map[uint32]uint32
	onExplode func(Vehicle)
}

// NewController constructs an empty vehicle registry.
func NewController(out Outbox, opts ...Option) *Controller {
	c := &Controller{
		out:       out,
		logger:    logging.L(),
		vehicles:  make(map[uint32]*Vehicle),
		towReady:  make(map[uint32]uint64),
		lastModel: make(map[uint32]uint32),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

type outMsg struct {
	phaseID uint32
	peerID  uint32
	direct  bool
	msg     protocol.Message
}

func (c *Controller) flush(queue []outMsg) {
	for _, m := range queue {
		if m.direct {
			if err := c.out.Send(m.peerID, m.msg); err != nil {
				c.logger.Debug("vehicle send failed", logging.Uint32("peer_id", m.peerID), logging.Error(err))
			}
			continue
		}
		c.out.BroadcastPhase(m.phaseID, m.msg)
	}
}

// Spawn creates a vehicle and announces it to its phase.
func (c *Controller) Spawn(archetype, paint, phaseID, ownerID uint32, t protocol.TransformSnap, nowMs uint64) (uint32, error) {
	c.mu.Lock()
	v, err := c.spawnLocked(archetype, paint, phaseID, ownerID, t, nowMs)
	c.mu.Unlock()
	if err != nil {
		return 0, err
	}
	c.flush([]outMsg{{phaseID: phaseID, msg: spawnMsg(v)}})
	return v.ID, nil
}

func (c *Controller) spawnLocked(archetype, paint, phaseID, ownerID uint32, t protocol.TransformSnap, nowMs uint64) (*Vehicle, error) {
	model, ok := LookupArchetype(archetype)
	if !ok {
		return nil, ErrUnknownArchetype
	}
	rot := t.Rot
	if !rot.IsUnit(snapshot.RotationTolerance) {
		rot = physics.IdentityQuat
	}
	c.nextID++
	v := &Vehicle{
		ID:         c.nextID,
		Archetype:  archetype,
		Paint:      paint,
		PhaseID:    phaseID,
		OwnerID:    ownerID,
		Body:       physics.Body{Pos: t.Pos, Vel: t.Vel, Rot: rot},
		stats:      model.Stats,
		emptySince: nowMs,
	}
	v.lastSent = v.Body
	v.lastVel = v.Body.Vel
	c.vehicles[v.ID] = v
	if ownerID != 0 {
		c.lastModel[ownerID] = archetype
	}
	return v, nil
}

func spawnMsg(v *Vehicle) *protocol.VehicleSpawn {
	return &protocol.VehicleSpawn{
		VehicleID: v.ID,
		Archetype: v.Archetype,
		Paint:     v.Paint,
		PhaseID:   v.PhaseID,
		Transform: protocol.TransformSnap{Pos: v.Body.Pos, Vel: v.Body.Vel, Rot: v.Body.Rot, Health: MaxDamage - v.Damage, OwnerID: v.OwnerID},
	}
}

// RequestSeat assigns seat to peerID when it is free. A peer holds one seat at
// a time; a vehicle left behind starts its idle timer at nowMs.
func (c *Controller) RequestSeat(peerID, phaseID, vehicleID uint32, seat uint8, nowMs uint64) error {
	c.mu.Lock()
	v, ok := c.vehicles[vehicleID]
	var queue []outMsg
	switch {
	case !ok:
		c.mu.Unlock()
		return ErrUnknownVehicle
	case v.Destroyed:
		c.mu.Unlock()
		return ErrDestroyed
	case v.PhaseID != phaseID:
		c.mu.Unlock()
		return ErrWrongPhase
	case int(seat) >= v.stats.Seats || int(seat) >= MaxSeats:
		c.mu.Unlock()
		return ErrSeatRange
	case v.Occupants[seat] != 0 && v.Occupants[seat] != peerID:
		c.mu.Unlock()
		return ErrSeatTaken
	}
	//1.- Vacate any seat the peer already holds, in this vehicle or another.
	queue = append(queue, c.vacateLocked(peerID, nowMs)...)
	v.Occupants[seat] = peerID
	queue = append(queue, outMsg{phaseID: v.PhaseID, msg: &protocol.SeatAssign{PeerID: peerID, VehicleID: v.ID, Seat: seat}})
	c.mu.Unlock()
	c.flush(queue)
	return nil
}

// LeaveSeat frees the seat peerID holds in vehicleID.
func (c *Controller) LeaveSeat(peerID, vehicleID uint32, nowMs uint64) error {
	c.mu.Lock()
	v, ok := c.vehicles[vehicleID]
	if !ok {
		c.mu.Unlock()
		return ErrUnknownVehicle
	}
	if v.seatOf(peerID) < 0 {
		c.mu.Unlock()
		return ErrNotOccupant
	}
	queue := c.vacateLocked(peerID, nowMs)
	c.mu.Unlock()
	c.flush(queue)
	return nil
}

func (c *Controller) vacateLocked(peerID uint32, nowMs uint64) []outMsg {
	var queue []outMsg
	for _, v := range c.vehicles {
		seat := v.seatOf(peerID)
		if seat < 0 {
			continue
		}
		v.Occupants[seat] = 0
		if seat == 0 {
			v.intent = physics.Intent{}
		}
		if v.empty() {
			v.emptySince = nowMs
		}
		queue = append(queue, outMsg{phaseID: v.PhaseID, msg: &protocol.SeatAssign{PeerID: peerID, VehicleID: v.ID, Seat: SeatNone}})
	}
	return queue
}

// RemovePeer clears every seat held by a departing peer.
func (c *Controller) RemovePeer(peerID uint32, nowMs uint64) {
	c.mu.Lock()
	queue := c.vacateLocked(peerID, nowMs)
	delete(c.towReady, peerID)
	c.mu.Unlock()
	c.flush(queue)
}

// Hit applies damage. At most one hit per HitCooldownMs is accepted per vehicle
// and the explosion is emitted exactly once.
func (c *Controller) Hit(vehicleID uint32, damage uint16, side bool, nowMs uint64) error {
	c.mu.Lock()
	v, ok := c.vehicles[vehicleID]
	if !ok {
		c.mu.Unlock()
		return ErrUnknownVehicle
	}
	if v.Destroyed {
		c.mu.Unlock()
		return ErrDestroyed
	}
	if v.hit && nowMs < v.lastHitMs+HitCooldownMs {
		c.mu.Unlock()
		return ErrRateLimited
	}
	v.hit = true
	v.lastHitMs = nowMs

	var queue []outMsg
	total := uint32(v.Damage) + uint32(damage)
	if total > MaxDamage {
		total = MaxDamage
	}
	v.Damage = uint16(total)

	//1.- Heavy side impacts break off the next intact part.
	if side && damage > PartDetachDamage {
		for part := uint8(0); part < MaxParts; part++ {
			if v.Detached&(1<<part) == 0 {
				v.Detached |= 1 << part
				queue = append(queue, outMsg{phaseID: v.PhaseID, msg: &protocol.VehiclePartDetach{VehicleID: v.ID, PartID: part}})
				break
			}
		}
	}

	var exploded *Vehicle
	if v.Damage >= MaxDamage && !v.exploded {
		v.exploded = true
		v.Destroyed = true
		v.despawnAtMs = nowMs + DespawnMs
		v.intent = physics.Intent{}
		for seat, occupant := range v.Occupants {
			if occupant != 0 {
				v.Occupants[seat] = 0
				queue = append(queue, outMsg{phaseID: v.PhaseID, msg: &protocol.SeatAssign{PeerID: occupant, VehicleID: v.ID, Seat: SeatNone}})
			}
		}
		queue = append(queue, outMsg{phaseID: v.PhaseID, msg: &protocol.VehicleExplode{VehicleID: v.ID, VfxID: ExplosionVfx, Seed: hash.ExplodeSeed(v.Damage)}})
		snapshotCopy := *v
		exploded = &snapshotCopy
	}
	c.mu.Unlock()

	c.flush(queue)
	if exploded != nil {
		c.logger.Info("vehicle destroyed", logging.Uint32("vehicle_id", exploded.ID), logging.Uint32("owner_id", exploded.OwnerID))
		if c.onExplode != nil {
			c.onExplode(*exploded)
		}
	}
	return nil
}

// Intent stores the driver's controls for the next Step.
func (c *Controller) Intent(peerID uint32, in protocol.VehicleIntent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.vehicles[in.VehicleID]
	if !ok {
		return ErrUnknownVehicle
	}
	if v.Destroyed {
		return ErrDestroyed
	}
	if v.Occupants[0] != peerID || peerID == 0 {
		return ErrNotDriver
	}
	v.intent = physics.Intent{Throttle: in.Throttle, Brake: in.Brake, Steer: in.Steer}.Clamp()
	return nil
}

// TransferDriver hands seat 0 to another occupant atomically.
func (c *Controller) TransferDriver(peerID, vehicleID, newDriver uint32) error {
	c.mu.Lock()
	v, ok := c.vehicles[vehicleID]
	if !ok {
		c.mu.Unlock()
		return ErrUnknownVehicle
	}
	if v.Destroyed {
		c.mu.Unlock()
		return ErrDestroyed
	}
	if v.Occupants[0] != peerID || peerID == 0 {
		c.mu.Unlock()
		return ErrNotDriver
	}
	seat := v.seatOf(newDriver)
	if seat <= 0 {
		c.mu.Unlock()
		return ErrNotOccupant
	}
	v.Occupants[0], v.Occupants[seat] = newDriver, peerID
	v.intent = physics.Intent{}
	phaseID := v.PhaseID
	c.mu.Unlock()
	c.out.BroadcastPhase(phaseID, &protocol.DriverTransfer{VehicleID: vehicleID, NewDriver: newDriver})
	return nil
}

// Summon brings the owner's vehicle next to pos, spawning one when none is alive.
func (c *Controller) Summon(ownerID, phaseID, archetype uint32, pos physics.Vec3, nowMs uint64) (uint32, error) {
	target := pos.Add(physics.Vec3{X: SummonOffset})
	c.mu.Lock()
	var queue []outMsg
	var chosen *Vehicle
	for _, id := range c.sortedIDsLocked() {
		v := c.vehicles[id]
		if v.OwnerID == ownerID && !v.Destroyed && v.empty() && v.PhaseID == phaseID {
			chosen = v
			break
		}
	}
	if chosen == nil {
		v, err := c.spawnLocked(archetype, 0, phaseID, ownerID, protocol.TransformSnap{Pos: target, Rot: physics.IdentityQuat}, nowMs)
		if err != nil {
			c.mu.Unlock()
			return 0, err
		}
		chosen = v
		queue = append(queue, outMsg{phaseID: phaseID, msg: spawnMsg(v)})
	} else {
		chosen.Body = physics.Body{Pos: target, Rot: chosen.Body.Rot}
		chosen.lastVel = physics.Vec3{}
		chosen.emptySince = nowMs
	}
	queue = append(queue, outMsg{phaseID: phaseID, msg: &protocol.VehicleSummon{VehicleID: chosen.ID, OwnerID: ownerID, Pos: target}})
	id := chosen.ID
	c.mu.Unlock()
	c.flush(queue)
	return id, nil
}

// Tow respawns the owner's last destroyed vehicle at pos, once per TowCooldownMs.
func (c *Controller) Tow(ownerID, phaseID uint32, pos physics.Vec3, nowMs uint64) error {
	c.mu.Lock()
	var queue []outMsg
	err := func() error {
		if ready, ok := c.towReady[ownerID]; ok && nowMs < ready {
			return ErrTowCooldown
		}
		model, ok := c.lastModel[ownerID]
		if !ok {
			return ErrNothingToTow
		}
		for _, v := range c.vehicles {
			if v.OwnerID == ownerID && !v.Destroyed {
				return ErrNothingToTow
			}
		}
		v, err := c.spawnLocked(model, 0, phaseID, ownerID, protocol.TransformSnap{Pos: pos, Rot: physics.IdentityQuat}, nowMs)
		if err != nil {
			return err
		}
		c.towReady[ownerID] = nowMs + TowCooldownMs
		queue = append(queue, outMsg{phaseID: phaseID, msg: spawnMsg(v)})
		return nil
	}()
	queue = append(queue, outMsg{peerID: ownerID, direct: true, msg: &protocol.VehicleTowAck{OwnerID: ownerID, OK: err == nil}})
	c.mu.Unlock()
	c.flush(queue)
	return err
}

// Step integrates every driven vehicle over dtMs, applies the eject rule,
// broadcasts moved bodies and despawns expired wrecks and idle traffic.
func (c *Controller) Step(dtMs float64, nowMs uint64) {
	dt := float32(dtMs / 1000)
	c.mu.Lock()
	var queue []outMsg
	for _, id := range c.sortedIDsLocked() {
		v := c.vehicles[id]
		if v.Destroyed {
			if nowMs >= v.despawnAtMs {
				delete(c.vehicles, id)
				queue = append(queue, outMsg{phaseID: v.PhaseID, msg: &protocol.TrafficDespawn{VehicleID: id}})
			}
			continue
		}
		if v.OwnerID == 0 && v.empty() && nowMs >= v.emptySince+TrafficIdleMs {
			delete(c.vehicles, id)
			queue = append(queue, outMsg{phaseID: v.PhaseID, msg: &protocol.TrafficDespawn{VehicleID: id}})
			continue
		}

		//1.- Integrate driver intent. Deceleration is measured from the previous
		// step so impulses applied between steps count.
		prevVel := v.lastVel
		physics.Step(&v.Body, v.intent, v.stats, dt)
		decel := physics.LongitudinalDecel(prevVel, v.Body.Vel, dt)
		v.lastVel = v.Body.Vel
		if decel > EjectDecelMps2 && v.Occupants[0] != 0 {
			driver := v.Occupants[0]
			v.Occupants[0] = 0
			v.intent = physics.Intent{}
			if v.empty() {
				v.emptySince = nowMs
			}
			launch := prevVel.Add(physics.Vec3{Z: 3})
			queue = append(queue, outMsg{phaseID: v.PhaseID, msg: &protocol.EjectOccupant{PeerID: driver, LaunchVel: launch}})
		}

		//2.- Broadcast only bodies that changed since the last snapshot.
		if v.Body != v.lastSent {
			v.lastSent = v.Body
			queue = append(queue, outMsg{phaseID: v.PhaseID, msg: &protocol.VehicleSnapshot{
				VehicleID: v.ID, Pos: v.Body.Pos, Vel: v.Body.Vel, Rot: v.Body.Rot, AngVel: v.Body.AngVel,
			}})
		}
	}
	c.mu.Unlock()
	c.flush(queue)
}

// Collide applies an impulse reported by the physics proxy of the driver.
func (c *Controller) Collide(vehicleID uint32, impulse physics.Vec3) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.vehicles[vehicleID]
	if !ok {
		return ErrUnknownVehicle
	}
	physics.ApplyImpulse(&v.Body, impulse, v.stats.MassKg)
	return nil
}

func (c *Controller) sortedIDsLocked() []uint32 {
	ids := make([]uint32, 0, len(c.vehicles))
	for id := range c.vehicles {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Get returns a copy of the vehicle.
func (c *Controller) Get(vehicleID uint32) (Vehicle, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.vehicles[vehicleID]
	if !ok {
		return Vehicle{}, false
	}
	return *v, true
}

// SeatOf reports the vehicle and seat a peer occupies.
func (c *Controller) SeatOf(peerID uint32) (uint32, int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, v := range c.vehicles {
		if seat := v.seatOf(peerID); seat >= 0 {
			return v.ID, seat, true
		}
	}
	return 0, 0, false
}

// States returns the replicated view of every vehicle sorted by id.
func (c *Controller) States() []snapshot.VehicleState {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]snapshot.VehicleState, 0, len(c.vehicles))
	for _, id := range c.sortedIDsLocked() {
		v := c.vehicles[id]
		out = append(out, snapshot.VehicleState{
			ID:        v.ID,
			Archetype: v.Archetype,
			Paint:     v.Paint,
			Damage:    v.Damage,
			Occupants: v.Occupants,
			Destroyed: v.Destroyed,
			AngVel:    v.Body.AngVel,
			PhaseID:   v.PhaseID,
			Transform: protocol.TransformSnap{
				Pos: v.Body.Pos, Vel: v.Body.Vel, Rot: v.Body.Rot,
				Health: MaxDamage - v.Damage, OwnerID: v.OwnerID,
			},
		})
	}
	return out
}

// Len returns the number of live vehicles.
func (c *Controller) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.vehicles)
}
