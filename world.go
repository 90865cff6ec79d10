package main

import (
	"sync"

	"cp2077coop/server/internal/gameplay"
	"cp2077coop/server/internal/hash"
	"cp2077coop/server/internal/physics"
	"cp2077coop/server/internal/protocol"
)

const (
	// worldBroadcastMs forces a WorldState broadcast even when nothing moved.
	worldBroadcastMs = 30000
	// sunBroadcastDeg is the sun travel that triggers an early broadcast.
	sunBroadcastDeg = 5
	sunCentiPerTurn = 36000
	// weatherCount bounds the weather ids accepted from operators.
	weatherCount = 8
)

// worldRecord is the persisted form of the world clock.
type worldRecord struct {
	SunCenti     uint32 `msgpack:"sun"`
	Weather      uint8  `msgpack:"weather"`
	ParticleSeed uint16 `msgpack:"particles"`
	GameTimeMs   uint64 `msgpack:"game_time_ms"`
}

// worldClock moves the sun, holds the weather and decides when peers need a
// fresh WorldState.
type worldClock struct {
	mu           sync.Mutex
	rng          *hash.Rand
	sunCenti     uint32
	weather      uint8
	particleSeed uint16
	gameTimeMs   uint64
	sinceSentMs  uint64
	lastSentDeg  uint16
	dirty        bool
}

func newWorldClock(seed uint32) *worldClock {
	w := &worldClock{rng: hash.NewRand(seed)}
	w.particleSeed = uint16(w.rng.Next())
	return w
}

func sunDegrees(centi uint32) uint16 {
	return uint16(((centi + 50) / 100) % 360)
}

func arcDistance(a, b uint16) uint16 {
	d := int(a) - int(b)
	if d < 0 {
		d = -d
	}
	if d > 180 {
		d = 360 - d
	}
	return uint16(d)
}

// Advance moves the sun by dtMs centidegrees. It returns the state to
// broadcast when the interval elapsed, the sun moved far enough or the
// weather changed since the last broadcast.
func (w *worldClock) Advance(dtMs uint32) (protocol.WorldState, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.sunCenti = (w.sunCenti + dtMs) % sunCentiPerTurn
	w.gameTimeMs += uint64(dtMs)
	w.sinceSentMs += uint64(dtMs)
	deg := sunDegrees(w.sunCenti)
	if !w.dirty && w.sinceSentMs < worldBroadcastMs && arcDistance(deg, w.lastSentDeg) < sunBroadcastDeg {
		return protocol.WorldState{}, false
	}
	w.dirty = false
	w.sinceSentMs = 0
	w.lastSentDeg = deg
	return w.stateLocked(), true
}

func (w *worldClock) stateLocked() protocol.WorldState {
	return protocol.WorldState{SunDeg: sunDegrees(w.sunCenti), Weather: w.weather, ParticleSeed: w.particleSeed}
}

// State is the current world for Welcome and status pages.
func (w *worldClock) State() protocol.WorldState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stateLocked()
}

// GameTimeMs is the simulated time recorded into saves.
func (w *worldClock) GameTimeMs() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.gameTimeMs
}

// SetWeather switches the weather and draws a new particle seed. It reports
// false for ids outside the weather table.
func (w *worldClock) SetWeather(id uint8) bool {
	if id >= weatherCount {
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if id != w.weather {
		w.weather = id
		w.particleSeed = uint16(w.rng.Next())
	}
	w.dirty = true
	return true
}

func (w *worldClock) record() worldRecord {
	w.mu.Lock()
	defer w.mu.Unlock()
	return worldRecord{SunCenti: w.sunCenti, Weather: w.weather, ParticleSeed: w.particleSeed, GameTimeMs: w.gameTimeMs}
}

// restore applies a persisted record and schedules a broadcast.
func (w *worldClock) restore(r worldRecord) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.sunCenti = r.SunCenti % sunCentiPerTurn
	w.weather = r.Weather % weatherCount
	w.particleSeed = r.ParticleSeed
	if r.GameTimeMs > w.gameTimeMs {
		w.gameTimeMs = r.GameTimeMs
	}
	w.dirty = true
}

type metroLine struct {
	id       uint32
	stations []gameplay.Station
}

// metroLines are the lines every session starts with.
var metroLines = []metroLine{
	{id: 1, stations: []gameplay.Station{
		{ID: hash.Fnv1a32("little_china"), Pos: physics.Vec3{X: -1200, Y: 800}},
		{ID: hash.Fnv1a32("kabuki"), Pos: physics.Vec3{X: -600, Y: 1500}},
		{ID: hash.Fnv1a32("corpo_plaza"), Pos: physics.Vec3{X: 200, Y: 300}},
		{ID: hash.Fnv1a32("vista_del_rey"), Pos: physics.Vec3{X: 900, Y: -700}},
	}},
	{id: 2, stations: []gameplay.Station{
		{ID: hash.Fnv1a32("arroyo"), Pos: physics.Vec3{X: 1800, Y: -2200}},
		{ID: hash.Fnv1a32("rancho_coronado"), Pos: physics.Vec3{X: 2600, Y: -1400}},
		{ID: hash.Fnv1a32("pacifica"), Pos: physics.Vec3{X: -2500, Y: -2600}},
	}},
}

const (
	crowdRadius    = 120
	crowdTemplates = 16
	crowdLooks     = 8
)

// crowdLayout scatters ambient NPCs around the origin from the world seed.
type crowdLayout struct {
	rng *hash.Rand
}

func newCrowdLayout(seed uint32) *crowdLayout {
	return &crowdLayout{rng: hash.NewRand(seed ^ 0xA5A5A5A5)}
}

func (c *crowdLayout) next() (uint16, physics.Vec3, uint8) {
	tpl := uint16(c.rng.Intn(crowdTemplates) + 1)
	pos := physics.Vec3{
		X: (c.rng.Float01()*2 - 1) * crowdRadius,
		Y: (c.rng.Float01()*2 - 1) * crowdRadius,
	}
	return tpl, pos, uint8(c.rng.Intn(crowdLooks))
}
