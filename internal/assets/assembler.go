package assets

import (
	"time"

	"cp2077coop/server/internal/logging"
	"cp2077coop/server/internal/protocol"
)

const (
	// MaxUploadBytes bounds a peer supplied asset.
	MaxUploadBytes = 64 << 20
	// UploadTimeout drops an upload that stalls.
	UploadTimeout = 60 * time.Second
)

// ChunkAssembler reassembles the fragments of one compressed chunk.
type ChunkAssembler struct {
	buf      []byte
	spans    map[uint32]uint32 // fragment offset to end
	received int
	hash     uint64
	size     uint32
}

// NewChunkAssembler prepares a buffer for a chunk announced by its first fragment.
func NewChunkAssembler(first *protocol.AssetChunk) (*ChunkAssembler, error) {
	if first == nil || first.CompressedSize == 0 || first.CompressedSize > DefaultChunkSize*2 || first.Size > DefaultChunkSize {
		return nil, ErrBadFragment
	}
	return &ChunkAssembler{
		buf:   make([]byte, first.CompressedSize),
		spans: make(map[uint32]uint32),
		hash:  first.Hash,
		size:  first.Size,
	}, nil
}

// Add copies a fragment into place and reports whether the chunk is complete.
func (a *ChunkAssembler) Add(msg *protocol.AssetChunk) (bool, error) {
	if msg.CompressedSize != uint32(len(a.buf)) || msg.Hash != a.hash || msg.Size != a.size {
		return false, ErrBadFragment
	}
	end := uint64(msg.Offset) + uint64(len(msg.Data))
	if len(msg.Data) == 0 || end > uint64(len(a.buf)) {
		return false, ErrBadFragment
	}
	//1.- An exact repeat is a resend; any other overlap is refused.
	if prev, ok := a.spans[msg.Offset]; ok {
		if uint64(prev) != end {
			return false, ErrBadFragment
		}
		return a.received >= len(a.buf), nil
	}
	for start, stop := range a.spans {
		if uint64(msg.Offset) < uint64(stop) && end > uint64(start) {
			return false, ErrBadFragment
		}
	}
	a.spans[msg.Offset] = uint32(end)
	copy(a.buf[msg.Offset:], msg.Data)
	a.received += len(msg.Data)
	return a.received >= len(a.buf), nil
}

// Verify checks the digest and that the payload inflates to the announced size.
func (a *ChunkAssembler) Verify(comp Compression) error {
	if ChunkHash(a.buf) != a.hash {
		return ErrHashMismatch
	}
	codec, err := CodecFor(comp)
	if err != nil {
		return err
	}
	raw, err := codec.Decompress(a.buf, int(a.size))
	if err != nil {
		return err
	}
	if len(raw) != int(a.size) {
		return ErrHashMismatch
	}
	return nil
}

// Bytes returns the compressed chunk.
func (a *ChunkAssembler) Bytes() []byte { return a.buf }

type upload struct {
	peerID      uint32
	assetID     uint64
	reqID       uint64
	typ         Type
	prio        Priority
	version     uint32
	size        uint64
	totalChunks uint32
	comp        Compression
	compSet     bool
	chunks      [][]byte
	sizes       []uint32
	hashes      []uint64
	done        uint32
	partial     map[uint32]*ChunkAssembler
	rerequested bool
	deadline    time.Time
}

func (u *upload) reset() {
	u.totalChunks = 0
	u.compSet = false
	u.chunks = nil
	u.sizes = nil
	u.hashes = nil
	u.done = 0
	u.partial = make(map[uint32]*ChunkAssembler)
}

// chunksFor is the number of DefaultChunkSize chunks covering size bytes.
func chunksFor(size uint64) uint64 {
	return (size + DefaultChunkSize - 1) / DefaultChunkSize
}

func (m *Manager) uploadRequest(up *upload) *protocol.AssetRequest {
	return &protocol.AssetRequest{
		RequestID: up.reqID,
		AssetID:   up.assetID,
		Priority:  uint8(up.prio),
		Timestamp: uint64(m.clock().UnixMilli()),
	}
}

// HandleAvailable pulls an announced custom asset from the announcing peer.
func (m *Manager) HandleAvailable(peerID uint32, msg *protocol.AssetAvailable) {
	if msg == nil || msg.FileSize == 0 || msg.FileSize > MaxUploadBytes {
		return
	}
	prio := Priority(msg.Priority)
	if !prio.valid() {
		prio = PriorityBackground
	}
	m.mu.Lock()
	if _, known := m.infos[msg.AssetID]; known {
		m.mu.Unlock()
		return
	}
	if _, pending := m.uploads[msg.AssetID]; pending {
		m.mu.Unlock()
		return
	}
	m.nextReq++
	up := &upload{
		peerID:   peerID,
		assetID:  msg.AssetID,
		reqID:    m.nextReq,
		typ:      Type(msg.AssetType),
		prio:     prio,
		version:  msg.Version,
		size:     msg.FileSize,
		deadline: m.clock().Add(UploadTimeout),
	}
	up.reset()
	m.uploads[msg.AssetID] = up
	m.states[msg.AssetID] = StateDownloading
	req := m.uploadRequest(up)
	m.mu.Unlock()
	if err := m.send(peerID, req); err != nil {
		m.RemovePeer(peerID)
	}
}

// HandleResponse accepts the header of an upload.
func (m *Manager) HandleResponse(peerID uint32, msg *protocol.AssetResponse) {
	if msg == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	up := m.uploads[msg.AssetID]
	if up == nil || up.peerID != peerID || up.reqID != msg.RequestID {
		return
	}
	if msg.Code != uint8(protocol.ResultOK) || msg.TotalSize != up.size || msg.TotalChunks == 0 || uint64(msg.TotalChunks) > chunksFor(up.size) {
		delete(m.uploads, msg.AssetID)
		m.states[msg.AssetID] = StateFailed
		return
	}
	up.totalChunks = msg.TotalChunks
	up.chunks = make([][]byte, msg.TotalChunks)
	up.sizes = make([]uint32, msg.TotalChunks)
	up.hashes = make([]uint64, msg.TotalChunks)
}

// HandleChunk stores an upload fragment. A chunk failing verification is
// requested again once; a second failure marks the asset failed.
func (m *Manager) HandleChunk(peerID uint32, msg *protocol.AssetChunk) error {
	if msg == nil {
		return ErrBadFragment
	}
	m.mu.Lock()
	up := m.uploads[msg.AssetID]
	if up == nil || up.peerID != peerID {
		m.mu.Unlock()
		return ErrUploadUnknown
	}
	if up.totalChunks == 0 || msg.Index >= up.totalChunks {
		m.mu.Unlock()
		return ErrBadFragment
	}
	if up.chunks[msg.Index] != nil {
		m.mu.Unlock()
		return nil
	}
	comp := Compression(msg.Compression)
	if up.compSet && comp != up.comp {
		m.mu.Unlock()
		return ErrBadFragment
	}
	up.comp, up.compSet = comp, true
	part := up.partial[msg.Index]
	if part == nil {
		var err error
		if part, err = NewChunkAssembler(msg); err != nil {
			m.mu.Unlock()
			return err
		}
		up.partial[msg.Index] = part
	}
	complete, err := part.Add(msg)
	if err != nil || !complete {
		m.mu.Unlock()
		return err
	}
	if verr := part.Verify(comp); verr != nil {
		//1.- One fresh attempt per upload, then give up on the asset.
		if up.rerequested {
			delete(m.uploads, msg.AssetID)
			m.states[msg.AssetID] = StateFailed
			m.stats.Failed++
			m.mu.Unlock()
			m.logger.Warn("asset upload failed", logging.Uint64("asset_id", msg.AssetID), logging.Uint32("peer_id", peerID), logging.Error(verr))
			return verr
		}
		up.rerequested = true
		up.reset()
		m.nextReq++
		up.reqID = m.nextReq
		req := m.uploadRequest(up)
		m.mu.Unlock()
		m.logger.Info("asset chunk rejected; requesting again", logging.Uint64("asset_id", msg.AssetID), logging.Uint32("chunk", msg.Index))
		_ = m.send(peerID, req)
		return verr
	}
	up.chunks[msg.Index] = part.Bytes()
	up.sizes[msg.Index] = part.size
	up.hashes[msg.Index] = part.hash
	delete(up.partial, msg.Index)
	up.done++
	if up.done < up.totalChunks {
		m.mu.Unlock()
		return nil
	}
	delete(m.uploads, msg.AssetID)
	m.mu.Unlock()
	return m.completeUpload(up)
}

func (m *Manager) completeUpload(up *upload) error {
	var raw, compressed uint64
	for i, ch := range up.chunks {
		raw += uint64(up.sizes[i])
		compressed += uint64(len(ch))
	}
	if raw != up.size {
		m.mu.Lock()
		m.states[up.assetID] = StateFailed
		m.stats.Failed++
		m.mu.Unlock()
		return ErrBadFragment
	}
	info := Info{
		ID:             up.assetID,
		Type:           up.typ,
		Priority:       up.prio,
		SyncMode:       SyncOptional,
		Size:           raw,
		CompressedSize: compressed,
		Compression:    up.comp,
		Version:        up.version,
		ChunkCount:     up.totalChunks,
		ChunkSizes:     up.sizes,
		ChunkHashes:    up.hashes,
		IsCustom:       true,
	}
	if err := writeDiskCache(m.cfg.CacheDir, info.ID, up.chunks); err != nil {
		m.logger.Warn("asset upload not persisted", logging.Uint64("asset_id", info.ID), logging.Error(err))
	}
	now := m.clock()
	m.mu.Lock()
	m.infos[info.ID] = &info
	m.stats.Registered++
	m.cache.put(info.ID, up.chunks, info.Priority, false, now)
	m.states[info.ID] = StateLoaded
	if m.cache.overThreshold() {
		m.evictLocked(uint64(float64(m.cache.limit) * EvictionFraction))
	}
	m.mu.Unlock()
	m.logger.Info("custom asset received", logging.Uint64("asset_id", info.ID), logging.Uint32("peer_id", up.peerID), logging.Uint64("bytes", raw))
	if m.out != nil {
		m.out.Broadcast(&protocol.AssetAvailable{
			AssetID:   info.ID,
			AssetType: uint8(info.Type),
			Priority:  uint8(info.Priority),
			FileSize:  info.Size,
			Version:   info.Version,
			Timestamp: uint64(now.UnixMilli()),
		})
	}
	return nil
}
