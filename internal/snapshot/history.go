package snapshot

import (
	"errors"
	"sort"
	"sync"
)

const (
	// DefaultRetentionMs keeps snapshots for five minutes.
	DefaultRetentionMs = 5 * 60 * 1000
	// DefaultMemoryLimit bounds retained snapshot bytes.
	DefaultMemoryLimit int64 = 2 << 30
)

// ErrMissingBase marks a delta whose baseline chain is no longer retained.
var ErrMissingBase = errors.New("snapshot: baseline not retained")

type historyEntry struct {
	snap     *Snapshot
	storedMs uint64
}

// History retains decoded snapshots by id so deltas can be resolved.
type History struct {
	mu          sync.Mutex
	entries     map[uint32]historyEntry
	bytes       int64
	retentionMs uint64
	memLimit    int64
}

// HistoryOption customises retention.
type HistoryOption func(*History)

// WithRetention overrides the age limit.
func WithRetention(ms uint64) HistoryOption {
	return func(h *History) {
		if ms > 0 {
			h.retentionMs = ms
		}
	}
}

// WithMemoryLimit overrides the byte guard used by MemCheck.
func WithMemoryLimit(limit int64) HistoryOption {
	return func(h *History) {
		if limit > 0 {
			h.memLimit = limit
		}
	}
}

// NewHistory constructs an empty store.
func NewHistory(opts ...HistoryOption) *History {
	h := &History{
		entries:     make(map[uint32]historyEntry),
		retentionMs: DefaultRetentionMs,
		memLimit:    DefaultMemoryLimit,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Put stores snap; an existing id is replaced.
func (h *History) Put(snap *Snapshot, nowMs uint64) {
	if h == nil || snap == nil || snap.ID == 0 {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if old, ok := h.entries[snap.ID]; ok {
		h.bytes -= int64(old.snap.Size)
	}
	h.entries[snap.ID] = historyEntry{snap: snap, storedMs: nowMs}
	h.bytes += int64(snap.Size)
}

// Get returns the retained snapshot for id.
func (h *History) Get(id uint32) (*Snapshot, bool) {
	if h == nil {
		return nil, false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	e, ok := h.entries[id]
	return e.snap, ok
}

// Has reports whether id is retained.
func (h *History) Has(id uint32) bool {
	_, ok := h.Get(id)
	return ok
}

// Resolve returns the value of bit from snap, walking baseId links until a
// snapshot carries it. ok is false when the chain ends without the bit.
func (h *History) Resolve(snap *Snapshot, bit int) ([]byte, bool) {
	if snap == nil {
		return nil, false
	}
	if h == nil {
		return snap.Fields.Raw(bit)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	current := snap
	//1.- Bound the walk by the number of entries so a corrupt cycle terminates.
	for hops := 0; hops <= len(h.entries); hops++ {
		if raw, ok := current.Fields.Raw(bit); ok {
			return raw, true
		}
		if current.BaseID == 0 {
			return nil, false
		}
		next, ok := h.entries[current.BaseID]
		if !ok {
			return nil, false
		}
		current = next.snap
	}
	return nil, false
}

// Materialize returns every field visible from snap, filling unset bits from its chain.
func (h *History) Materialize(snap *Snapshot) (*Fields, error) {
	if snap == nil {
		return nil, ErrMissingBase
	}
	out := snap.Fields.Clone()
	if h == nil {
		if snap.BaseID != 0 {
			return nil, ErrMissingBase
		}
		return out, nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	base := snap.BaseID
	for hops := 0; base != 0; hops++ {
		if hops > len(h.entries) {
			return nil, ErrMissingBase
		}
		entry, ok := h.entries[base]
		if !ok {
			return nil, ErrMissingBase
		}
		out.Fill(entry.snap.Fields)
		base = entry.snap.BaseID
	}
	return out, nil
}

// Purge drops entries older than the retention window and returns how many were removed.
func (h *History) Purge(nowMs uint64) int {
	if h == nil {
		return 0
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	removed := 0
	for id, e := range h.entries {
		if nowMs >= e.storedMs && nowMs-e.storedMs > h.retentionMs {
			h.bytes -= int64(e.snap.Size)
			delete(h.entries, id)
			removed++
		}
	}
	return removed
}

// Release drops every id below keep; the keep id itself stays as the live baseline.
func (h *History) Release(keep uint32) int {
	if h == nil {
		return 0
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	removed := 0
	for id, e := range h.entries {
		if id < keep {
			h.bytes -= int64(e.snap.Size)
			delete(h.entries, id)
			removed++
		}
	}
	return removed
}

// MemCheck evicts the oldest entries while retained bytes exceed the memory guard.
func (h *History) MemCheck() int {
	if h == nil {
		return 0
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.bytes <= h.memLimit {
		return 0
	}
	//1.- Evict in id order so the newest baselines survive.
	ids := make([]uint32, 0, len(h.entries))
	for id := range h.entries {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	removed := 0
	for _, id := range ids {
		if h.bytes <= h.memLimit {
			break
		}
		h.bytes -= int64(h.entries[id].snap.Size)
		delete(h.entries, id)
		removed++
	}
	return removed
}

// Len returns the number of retained snapshots.
func (h *History) Len() int {
	if h == nil {
		return 0
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.entries)
}

// Bytes returns the retained encoded size.
func (h *History) Bytes() int64 {
	if h == nil {
		return 0
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.bytes
}
