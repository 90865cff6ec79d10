package networking

import (
	"sync"
)

// DropReason labels why a composed snapshot never left the server.
type DropReason string

const (
	DropOversize DropReason = "oversize"
	DropEncode   DropReason = "encode"
	DropSend     DropReason = "send"
)

// SnapshotMetrics tracks size and drop counters for snapshot replication.
type SnapshotMetrics struct {
	mu        sync.RWMutex
	bytes     map[uint32]int64
	total     map[uint32]int64
	drops     map[DropReason]int64
	keyframes int64
	deltas    int64
}

// NewSnapshotMetrics constructs an empty metrics tracker.
func NewSnapshotMetrics() *SnapshotMetrics {
	return &SnapshotMetrics{
		bytes: make(map[uint32]int64),
		total: make(map[uint32]int64),
		drops: make(map[DropReason]int64),
	}
}

// Observe records the bytes composed for a peer in one broadcast plus the
// number of keyframes and deltas in it.
func (m *SnapshotMetrics) Observe(peerID uint32, payloadBytes, keyframes, deltas int) {
	if m == nil {
		return
	}
	size := int64(payloadBytes)
	if size < 0 {
		size = 0
	}
	m.mu.Lock()
	m.bytes[peerID] = size
	m.total[peerID] += size
	m.keyframes += int64(keyframes)
	m.deltas += int64(deltas)
	m.mu.Unlock()
}

// Drop counts one snapshot discarded for reason.
func (m *SnapshotMetrics) Drop(reason DropReason) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.drops[reason]++
	m.mu.Unlock()
}

// ForgetPeer removes the tracked gauges for a disconnected peer.
func (m *SnapshotMetrics) ForgetPeer(peerID uint32) {
	if m == nil {
		return
	}
	m.mu.Lock()
	delete(m.bytes, peerID)
	delete(m.total, peerID)
	m.mu.Unlock()
}

// BytesPerPeer returns a copy of the latest broadcast size per peer.
func (m *SnapshotMetrics) BytesPerPeer() map[uint32]int64 {
	if m == nil {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[uint32]int64, len(m.bytes))
	for id, size := range m.bytes {
		out[id] = size
	}
	return out
}

// TotalBytes returns the cumulative bytes composed per peer.
func (m *SnapshotMetrics) TotalBytes() map[uint32]int64 {
	if m == nil {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[uint32]int64, len(m.total))
	for id, size := range m.total {
		out[id] = size
	}
	return out
}

// DropCounts returns the cumulative number of dropped snapshots per reason.
func (m *SnapshotMetrics) DropCounts() map[DropReason]int64 {
	if m == nil {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[DropReason]int64, len(m.drops))
	for reason, count := range m.drops {
		out[reason] = count
	}
	return out
}

// Frames returns how many keyframes and deltas were composed.
func (m *SnapshotMetrics) Frames() (keyframes, deltas int64) {
	if m == nil {
		return 0, 0
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.keyframes, m.deltas
}
