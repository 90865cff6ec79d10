package gameplay

import (
	"sort"
	"sync"

	"cp2077coop/server/internal/physics"
	"cp2077coop/server/internal/protocol"
)

// MetroSpeedMps is the cruise speed of every metro car.
const MetroSpeedMps float32 = 20

// Station is one stop along a metro line.
type Station struct {
	ID  uint32
	Pos physics.Vec3
}

type metroLine struct {
	stations []Station
	marks    []float32
	route    *physics.Route
}

type rider struct {
	lineID   uint32
	distance float32
	next     int
}

// Transit moves boarded peers along metro lines and announces each station.
type Transit struct {
	base
	mu     sync.Mutex
	lines  map[uint32]*metroLine
	riders map[uint32]*rider
}

// NewTransit constructs the metro controller.
func NewTransit(out Outbox, opts ...Option) *Transit {
	return &Transit{base: newBase(out, "metro", opts), lines: make(map[uint32]*metroLine), riders: make(map[uint32]*rider)}
}

// AddLine registers a line through at least two stations.
func (t *Transit) AddLine(lineID uint32, stations []Station) error {
	nodes := make([]physics.Vec3, len(stations))
	for i, s := range stations {
		nodes[i] = s.Pos
	}
	route := physics.NewRoute(nodes)
	if route == nil {
		return ErrInvalidInput
	}
	//1.- Record the arc length at which each station sits.
	marks := make([]float32, len(stations))
	for i := 1; i < len(stations); i++ {
		marks[i] = marks[i-1] + physics.Distance(stations[i-1].Pos, stations[i].Pos)
	}
	t.mu.Lock()
	t.lines[lineID] = &metroLine{stations: append([]Station(nil), stations...), marks: marks, route: route}
	t.mu.Unlock()
	return nil
}

// Board puts peerID on lineID at the station nearest pos.
func (t *Transit) Board(peerID, lineID uint32, pos physics.Vec3) (uint32, error) {
	t.mu.Lock()
	line, ok := t.lines[lineID]
	if !ok {
		t.mu.Unlock()
		return 0, ErrNotFound
	}
	best := 0
	for i, s := range line.stations {
		if physics.DistanceSq(s.Pos, pos) < physics.DistanceSq(line.stations[best].Pos, pos) {
			best = i
		}
	}
	t.riders[peerID] = &rider{lineID: lineID, distance: line.marks[best], next: best + 1}
	station := line.stations[best].ID
	t.mu.Unlock()
	var q outbound
	q.all(&protocol.MetroBoard{PeerID: peerID, LineID: lineID})
	q.flush(t.out, t.logger)
	return station, nil
}

// Alight removes peerID from its car.
func (t *Transit) Alight(peerID uint32) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.riders[peerID]; !ok {
		return ErrInactive
	}
	delete(t.riders, peerID)
	return nil
}

// Position returns where a rider currently is.
func (t *Transit) Position(peerID uint32) (physics.Vec3, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.riders[peerID]
	if !ok {
		return physics.Vec3{}, false
	}
	pos, _ := t.lines[r.lineID].route.Sample(r.distance)
	return pos, true
}

// RemovePeer drops a departed rider.
func (t *Transit) RemovePeer(peerID uint32) {
	t.mu.Lock()
	delete(t.riders, peerID)
	t.mu.Unlock()
}

// Tick advances every rider and broadcasts MetroArrive per station passed.
// Riders leave the car at the terminus.
func (t *Transit) Tick(dtMs uint32) {
	var q outbound
	step := MetroSpeedMps * float32(dtMs) / 1000
	t.mu.Lock()
	ids := make([]uint32, 0, len(t.riders))
	for id := range t.riders {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, peerID := range ids {
		r := t.riders[peerID]
		line := t.lines[r.lineID]
		r.distance += step
		for r.next < len(line.stations) && r.distance >= line.marks[r.next] {
			q.all(&protocol.MetroArrive{PeerID: peerID, StationID: line.stations[r.next].ID})
			r.next++
		}
		if r.next >= len(line.stations) {
			delete(t.riders, peerID)
		}
	}
	t.mu.Unlock()
	q.flush(t.out, t.logger)
}
