package gameplay

import (
	"sort"
	"sync"

	"cp2077coop/server/internal/logging"
	"cp2077coop/server/internal/physics"
	"cp2077coop/server/internal/protocol"
)

const (
	// ElevatorAckTimeoutMs is the wait before an arrival is re-broadcast.
	ElevatorAckTimeoutMs = 8000
	// ElevatorMaxRetries bounds re-broadcasts before the arrival is abandoned.
	ElevatorMaxRetries = 3
)

type arrival struct {
	msg       protocol.ElevatorArrive
	expected  map[uint32]struct{}
	acks      map[uint32]struct{}
	remaining int64
	retries   int
	done      func(ok bool)
}

func (a *arrival) complete() bool {
	for peerID := range a.expected {
		if _, ok := a.acks[peerID]; !ok {
			return false
		}
	}
	return true
}

// Elevators relays calls and tracks arrival acknowledgements. While an arrival
// is being retried without every ack the simulation is paused.
type Elevators struct {
	base
	mu       sync.Mutex
	arrivals map[uint32]*arrival
}

// NewElevators constructs the elevator controller.
func NewElevators(out Outbox, opts ...Option) *Elevators {
	return &Elevators{base: newBase(out, "elevator", opts), arrivals: make(map[uint32]*arrival)}
}

// Call broadcasts a floor request.
func (e *Elevators) Call(peerID, elevatorID uint32, floor uint8) {
	var q outbound
	q.all(&protocol.ElevatorCall{PeerID: peerID, ElevatorID: elevatorID, Floor: floor})
	q.flush(e.out, e.logger)
}

// Arrive broadcasts an arrival that every peer in expect must acknowledge.
// done is called exactly once: true when all acks arrive, false when retries run out.
func (e *Elevators) Arrive(elevatorID uint32, sectorHash uint64, pos physics.Vec3, expect []uint32, done func(ok bool)) {
	a := &arrival{
		msg:       protocol.ElevatorArrive{ElevatorID: elevatorID, SectorHash: sectorHash, Pos: pos},
		expected:  make(map[uint32]struct{}, len(expect)),
		acks:      make(map[uint32]struct{}),
		remaining: ElevatorAckTimeoutMs,
		done:      done,
	}
	for _, id := range expect {
		a.expected[id] = struct{}{}
	}
	e.mu.Lock()
	prev := e.arrivals[elevatorID]
	e.arrivals[elevatorID] = a
	e.mu.Unlock()
	//1.- A superseded arrival resolves as failed so its caller is not left waiting.
	if prev != nil && prev.done != nil {
		prev.done(false)
	}
	msg := a.msg
	var q outbound
	q.all(&msg)
	q.flush(e.out, e.logger)
}

// Ack records one peer's acknowledgement.
func (e *Elevators) Ack(peerID, elevatorID uint32) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	a, ok := e.arrivals[elevatorID]
	if !ok {
		return ErrInactive
	}
	a.acks[peerID] = struct{}{}
	return nil
}

// RemovePeer stops waiting on a departed peer.
func (e *Elevators) RemovePeer(peerID uint32) {
	e.mu.Lock()
	for _, a := range e.arrivals {
		delete(a.expected, peerID)
	}
	e.mu.Unlock()
}

// Paused reports whether any arrival is being retried without every ack.
func (e *Elevators) Paused() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, a := range e.arrivals {
		if a.retries > 0 && !a.complete() {
			return true
		}
	}
	return false
}

// Pending returns the elevators awaiting acknowledgement.
func (e *Elevators) Pending() []uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]uint32, 0, len(e.arrivals))
	for id := range e.arrivals {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Tick resolves completed arrivals, re-broadcasts timed-out ones and abandons
// those past ElevatorMaxRetries.
func (e *Elevators) Tick(dtMs uint32) {
	type result struct {
		fn func(bool)
		ok bool
	}
	var (
		q       outbound
		results []result
	)
	e.mu.Lock()
	for id, a := range e.arrivals {
		//1.- Every expected peer acknowledged.
		if a.complete() {
			delete(e.arrivals, id)
			results = append(results, result{fn: a.done, ok: true})
			continue
		}
		a.remaining -= int64(dtMs)
		if a.remaining > 0 {
			continue
		}
		//2.- Out of retries: give up and report failure.
		if a.retries >= ElevatorMaxRetries {
			delete(e.arrivals, id)
			results = append(results, result{fn: a.done, ok: false})
			e.logger.Warn("elevator arrival unacknowledged", logging.Uint32("elevator_id", id), logging.Int("acks", len(a.acks)), logging.Int("expected", len(a.expected)))
			continue
		}
		//3.- Re-broadcast and restart the timer.
		a.retries++
		a.remaining = ElevatorAckTimeoutMs
		msg := a.msg
		q.all(&msg)
	}
	e.mu.Unlock()
	q.flush(e.out, e.logger)
	for _, r := range results {
		if r.fn != nil {
			r.fn(r.ok)
		}
	}
}
