package networking

import (
	"errors"
	"sort"

	"cp2077coop/server/internal/snapshot"
)

// DefaultReorderWindow bounds snapshots buffered while their baseline is missing.
const DefaultReorderWindow = 32

// ErrStale marks a snapshot superseded by a newer one for the same entity.
var ErrStale = errors.New("networking: stale snapshot")

// Applied is one snapshot resolved against its baseline chain.
type Applied struct {
	ID     uint32
	Key    uint64
	Fields *snapshot.Fields
}

// Reorder is the receiving side of replication: it buffers snapshots whose
// baseline has not arrived yet and applies them in id order.
type Reorder struct {
	window  int
	history *snapshot.History
	pending map[uint32]*snapshot.Snapshot
	latest  map[uint64]uint32
	dropped int
}

// NewReorder constructs a buffer; window <= 0 selects DefaultReorderWindow.
func NewReorder(window int, history *snapshot.History) *Reorder {
	if window <= 0 {
		window = DefaultReorderWindow
	}
	if history == nil {
		history = snapshot.NewHistory()
	}
	return &Reorder{
		window:  window,
		history: history,
		pending: make(map[uint32]*snapshot.Snapshot),
		latest:  make(map[uint64]uint32),
	}
}

// Push decodes data and returns every snapshot that became applicable, in id order.
func (r *Reorder) Push(data []byte, nowMs uint64) ([]Applied, error) {
	snap, err := snapshot.Decode(data, nil)
	if err != nil {
		return nil, err
	}
	if snap.ID == 0 {
		return nil, snapshot.ErrShort
	}
	if r.history.Has(snap.ID) {
		return nil, nil
	}
	r.pending[snap.ID] = snap

	//1.- Bound the buffer; the oldest waiting snapshots are discarded.
	if len(r.pending) > r.window {
		ids := r.pendingIDs()
		for _, id := range ids[:len(ids)-r.window] {
			delete(r.pending, id)
			r.dropped++
		}
	}
	return r.drain(nowMs), nil
}

func (r *Reorder) pendingIDs() []uint32 {
	ids := make([]uint32, 0, len(r.pending))
	for id := range r.pending {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (r *Reorder) drain(nowMs uint64) []Applied {
	var applied []Applied
	for progress := true; progress; {
		progress = false
		for _, id := range r.pendingIDs() {
			snap := r.pending[id]
			if snap.BaseID != 0 && !r.history.Has(snap.BaseID) {
				continue
			}
			delete(r.pending, id)
			progress = true
			fields, err := r.history.Materialize(snap)
			if err != nil {
				r.dropped++
				continue
			}
			r.history.Put(snap, nowMs)
			key, _ := snapshot.KeyOf(fields)
			//1.- A later snapshot for the entity already won; keep this one only as a baseline.
			if latest, ok := r.latest[key]; ok && latest > id {
				continue
			}
			r.latest[key] = id
			applied = append(applied, Applied{ID: id, Key: key, Fields: fields})
		}
	}
	return applied
}

// Forget drops the entity from the superseding index after an InterestRemove.
func (r *Reorder) Forget(key uint64) { delete(r.latest, key) }

// Pending returns how many snapshots wait for a baseline.
func (r *Reorder) Pending() int { return len(r.pending) }

// Dropped returns how many snapshots were discarded.
func (r *Reorder) Dropped() int { return r.dropped }
