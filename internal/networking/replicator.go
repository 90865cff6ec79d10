package networking

import (
	"sort"
	"sync"

	"cp2077coop/server/internal/logging"
	"cp2077coop/server/internal/protocol"
	"cp2077coop/server/internal/snapshot"
)

const (
	// MaxChainDepth forces a keyframe once a delta would extend the chain past it.
	MaxChainDepth = 8
	// DeltaThresholdBytes forces a keyframe when a delta encodes larger than this.
	DeltaThresholdBytes = 512
	// MaxSnapshotBytes keeps one sealed snapshot inside a single datagram.
	MaxSnapshotBytes = 1150
	// maxPending bounds unacknowledged snapshots remembered per entity.
	maxPending = 64
)

// Outbox delivers composed messages to a peer.
type Outbox interface {
	Send(peerID uint32, msg protocol.Message) error
}

type sentSnapshot struct {
	fields *snapshot.Fields
	depth  int
}

type entityTrack struct {
	ackedID     uint32
	ackedFields *snapshot.Fields
	ackedDepth  int
	sent        map[uint32]sentSnapshot
	order       []uint32
}

type peerTrack struct {
	entities map[uint64]*entityTrack
	pending  map[uint32]uint64
	scope    map[uint64]struct{}
	lastAck  uint32
}

// ReplicatorOption customises a Replicator.
type ReplicatorOption func(*Replicator)

// WithReplicatorLogger attaches a logger.
func WithReplicatorLogger(logger *logging.Logger) ReplicatorOption {
	return func(r *Replicator) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithHistory shares a snapshot history.
func WithHistory(h *snapshot.History) ReplicatorOption {
	return func(r *Replicator) {
		if h != nil {
			r.history = h
		}
	}
}

// WithMetrics records per peer bytes and drops.
func WithMetrics(m *SnapshotMetrics) ReplicatorOption {
	return func(r *Replicator) { r.metrics = m }
}

// WithInterestRadius overrides the proximity radius.
func WithInterestRadius(radius float32) ReplicatorOption {
	return func(r *Replicator) {
		if radius > 0 {
			r.radius = radius
		}
	}
}

// Replicator composes per-peer delta snapshots against each peer's
// acknowledged baseline. One snapshot describes one entity.
type Replicator struct {
	mu      sync.Mutex
	out     Outbox
	history *snapshot.History
	metrics *SnapshotMetrics
	logger  *logging.Logger
	radius  float32
	peers   map[uint32]*peerTrack
	nextID  uint32
}

// NewReplicator constructs a replicator sending through out.
func NewReplicator(out Outbox, opts ...ReplicatorOption) *Replicator {
	r := &Replicator{
		out:     out,
		history: snapshot.NewHistory(),
		logger:  logging.L(),
		radius:  DefaultInterestRadius,
		peers:   make(map[uint32]*peerTrack),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// History exposes the retained snapshot store.
func (r *Replicator) History() *snapshot.History { return r.history }

type outgoing struct {
	peerID uint32
	msg    protocol.Message
}

// BroadcastStats summarises one Broadcast pass.
type BroadcastStats struct {
	Keyframes int
	Deltas    int
	Unchanged int
	Bytes     int
	Added     int
	Removed   int
}

// Broadcast composes and sends snapshots for every viewer. Entities outside
// a viewer's scope are never referenced in its stream.
func (r *Replicator) Broadcast(viewers []Viewer, entities []Entity, nowMs uint64) BroadcastStats {
	var stats BroadcastStats
	var queue []outgoing

	r.mu.Lock()
	for _, v := range viewers {
		pt := r.peers[v.PeerID]
		if pt == nil {
			pt = &peerTrack{
				entities: make(map[uint64]*entityTrack),
				pending:  make(map[uint32]uint64),
				scope:    make(map[uint64]struct{}),
			}
			r.peers[v.PeerID] = pt
		}

		//1.- Resolve the scope and announce interest changes first.
		visible := make([]Entity, 0, len(entities))
		scope := make(map[uint64]struct{}, len(pt.scope))
		for _, e := range entities {
			if e.Fields == nil || !InScope(v, e, r.radius) {
				continue
			}
			visible = append(visible, e)
			scope[e.Key] = struct{}{}
		}
		added, removed := scopeDiff(pt.scope, scope)
		for _, key := range removed {
			r.dropTrackLocked(pt, key)
			queue = append(queue, outgoing{peerID: v.PeerID, msg: &protocol.InterestRemove{Key: key}})
		}
		for _, key := range added {
			queue = append(queue, outgoing{peerID: v.PeerID, msg: &protocol.InterestAdd{Key: key}})
		}
		pt.scope = scope
		stats.Added += len(added)
		stats.Removed += len(removed)

		//2.- Compose one snapshot per visible entity in key order.
		sort.Slice(visible, func(i, j int) bool { return visible[i].Key < visible[j].Key })
		peerBytes, peerKeys, peerDeltas := 0, 0, 0
		for _, e := range visible {
			data, keyframe, ok := r.composeLocked(pt, e, nowMs)
			if !ok {
				stats.Unchanged++
				continue
			}
			if keyframe {
				peerKeys++
			} else {
				peerDeltas++
			}
			peerBytes += len(data)
			queue = append(queue, outgoing{peerID: v.PeerID, msg: &protocol.Snapshot{Data: data}})
		}
		stats.Keyframes += peerKeys
		stats.Deltas += peerDeltas
		stats.Bytes += peerBytes
		r.metrics.Observe(v.PeerID, peerBytes, peerKeys, peerDeltas)
	}
	r.releaseLocked()
	r.mu.Unlock()

	//3.- Send outside the lock.
	for _, o := range queue {
		if err := r.out.Send(o.peerID, o.msg); err != nil {
			r.metrics.Drop(DropSend)
			r.logger.Debug("snapshot send failed", logging.Uint32("peer_id", o.peerID), logging.Error(err))
		}
	}
	return stats
}

func (r *Replicator) composeLocked(pt *peerTrack, e Entity, nowMs uint64) ([]byte, bool, bool) {
	track := pt.entities[e.Key]
	if track == nil {
		track = &entityTrack{sent: make(map[uint32]sentSnapshot)}
		pt.entities[e.Key] = track
	}
	current := e.Fields.Clone()
	current.PutU64(snapshot.BitEntityKey, e.Key)

	//1.- A baseline that left the history can no longer be resolved by the client.
	keyframe := track.ackedID == 0 || !r.history.Has(track.ackedID) || track.ackedDepth+1 > MaxChainDepth
	var delta *snapshot.Fields
	if !keyframe {
		delta = diffFields(track.ackedFields, current)
		if delta.Flags.Count() == 1 {
			return nil, false, false
		}
	}

	id := r.allocIDLocked()
	var data []byte
	var err error
	depth := 0
	if !keyframe {
		data, err = snapshot.Encode(snapshot.Header{ID: id, BaseID: track.ackedID}, delta, nil)
		depth = track.ackedDepth + 1
		//2.- Oversized deltas fall back to a keyframe that resets the chain.
		if err == nil && len(data) > DeltaThresholdBytes {
			keyframe = true
		}
	}
	if keyframe {
		data, err = snapshot.Encode(snapshot.Header{ID: id}, current, nil)
		depth = 0
	}
	if err != nil {
		r.metrics.Drop(DropEncode)
		r.logger.Warn("snapshot encode failed", logging.Uint64("entity", e.Key), logging.Error(err))
		return nil, false, false
	}
	if len(data) > MaxSnapshotBytes {
		r.metrics.Drop(DropOversize)
		r.logger.Warn("snapshot exceeds datagram", logging.Uint64("entity", e.Key), logging.Int("bytes", len(data)))
		return nil, false, false
	}

	base := uint32(0)
	if !keyframe {
		base = track.ackedID
	}
	r.history.Put(&snapshot.Snapshot{Header: snapshot.Header{ID: id, BaseID: base}, Fields: current, Size: len(data)}, nowMs)
	track.sent[id] = sentSnapshot{fields: current, depth: depth}
	track.order = append(track.order, id)
	pt.pending[id] = e.Key
	if len(track.order) > maxPending {
		stale := track.order[0]
		track.order = track.order[1:]
		delete(track.sent, stale)
		delete(pt.pending, stale)
	}
	return data, keyframe, true
}

func (r *Replicator) allocIDLocked() uint32 {
	r.nextID++
	if r.nextID == 0 {
		r.nextID = 1
	}
	return r.nextID
}

// diffFields returns the entity key plus every field of next that differs from base.
func diffFields(base, next *snapshot.Fields) *snapshot.Fields {
	out := snapshot.NewFields()
	next.Flags.Each(func(bit int) {
		raw, _ := next.Raw(bit)
		if bit == snapshot.BitEntityKey || base == nil || !base.Equal(next, bit) {
			out.PutRaw(bit, raw)
		}
	})
	return out
}

func (r *Replicator) dropTrackLocked(pt *peerTrack, key uint64) {
	track := pt.entities[key]
	if track == nil {
		return
	}
	for id := range track.sent {
		delete(pt.pending, id)
	}
	delete(pt.entities, key)
}

// ProcessAck advances the baseline of the entity snapshot id belongs to.
// Acks for older or unknown snapshots never move a baseline backwards.
func (r *Replicator) ProcessAck(peerID, id uint32) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	pt := r.peers[peerID]
	if pt == nil {
		return false
	}
	key, ok := pt.pending[id]
	if !ok {
		return false
	}
	track := pt.entities[key]
	if track == nil || id <= track.ackedID {
		return false
	}
	sent := track.sent[id]
	track.ackedID = id
	track.ackedFields = sent.fields
	track.ackedDepth = sent.depth
	//1.- Everything composed before the new baseline is obsolete.
	keep := track.order[:0]
	for _, sid := range track.order {
		if sid <= id {
			delete(track.sent, sid)
			delete(pt.pending, sid)
			continue
		}
		keep = append(keep, sid)
	}
	track.order = keep
	if id > pt.lastAck {
		pt.lastAck = id
	}
	return true
}

// LastAck returns the newest snapshot id the peer acknowledged.
func (r *Replicator) LastAck(peerID uint32) uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if pt := r.peers[peerID]; pt != nil {
		return pt.lastAck
	}
	return 0
}

// Scope returns the entity keys currently replicated to peerID.
func (r *Replicator) Scope(peerID uint32) []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	pt := r.peers[peerID]
	if pt == nil {
		return nil
	}
	keys := make([]uint64, 0, len(pt.scope))
	for key := range pt.scope {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// ForceKeyframes drops every baseline of peerID so the next broadcast is self-contained.
func (r *Replicator) ForceKeyframes(peerID uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if pt := r.peers[peerID]; pt != nil {
		pt.entities = make(map[uint64]*entityTrack)
		pt.pending = make(map[uint32]uint64)
	}
}

// RemovePeer forgets a disconnected peer.
func (r *Replicator) RemovePeer(peerID uint32) {
	r.mu.Lock()
	delete(r.peers, peerID)
	r.releaseLocked()
	r.mu.Unlock()
	r.metrics.ForgetPeer(peerID)
}

// releaseLocked drops history below the oldest id any peer may still reference.
func (r *Replicator) releaseLocked() {
	floor := r.nextID + 1
	for _, pt := range r.peers {
		for _, track := range pt.entities {
			if track.ackedID != 0 && track.ackedID < floor {
				floor = track.ackedID
			}
			if len(track.order) > 0 && track.order[0] < floor {
				floor = track.order[0]
			}
		}
	}
	r.history.Release(floor)
}

// Maintain purges aged history and enforces the memory guard.
func (r *Replicator) Maintain(nowMs uint64) (purged, evicted int) {
	purged = r.history.Purge(nowMs)
	evicted = r.history.MemCheck()
	if evicted > 0 {
		r.logger.Warn("snapshot history over memory guard", logging.Int("evicted", evicted), logging.Int64("bytes", r.history.Bytes()))
	}
	return purged, evicted
}
