package assets

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/sasha-s/go-deadlock"

	"cp2077coop/server/internal/hash"
	"cp2077coop/server/internal/logging"
	"cp2077coop/server/internal/protocol"
)

// Sender delivers asset traffic.
type Sender interface {
	Send(peerID uint32, msg protocol.Message) error
	Broadcast(msg protocol.Message)
}

// Config are the streaming limits.
type Config struct {
	CacheDir       string
	MemoryLimit    uint64
	ChunkSize      int
	BandwidthBps   uint64
	RequestTimeout time.Duration
	MaxRetries     int
	PumpInterval   time.Duration
}

func (c *Config) normalise() {
	if c.ChunkSize <= 0 || c.ChunkSize > DefaultChunkSize {
		c.ChunkSize = DefaultChunkSize
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeoutMs * time.Millisecond
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.PumpInterval <= 0 {
		c.PumpInterval = DefaultPumpMs * time.Millisecond
	}
}

// Stats summarise streaming activity.
type Stats struct {
	Registered     uint64
	Loaded         uint64
	Failed         uint64
	Completed      uint64
	TimedOut       uint64
	Evictions      uint64
	BytesStreamed  uint64
	CacheHits      uint64
	CacheMisses    uint64
	MemoryUsage    uint64
	PeakMemory     uint64
	MemoryLimit    uint64
	ActiveRequests int
	Uploads        int
	BandwidthUsage uint64
}

type request struct {
	id        uint64
	clientReq uint64
	assetID   uint64
	playerID  uint32
	prio      Priority
	deadline  time.Time
	cb        func(bool)
	started   bool
	chunk     uint32
	offset    uint32
}

type outgoing struct {
	peerID uint32
	reqID  uint64
	msg    protocol.Message
}

type loaded struct {
	assetID uint64
	chunks  [][]byte
	err     error
}

// Option customises a Manager.
type Option func(*Manager)

// WithLogger attaches a logger.
func WithLogger(logger *logging.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithClock overrides the wall clock.
func WithClock(clock func() time.Time) Option {
	return func(m *Manager) {
		if clock != nil {
			m.clock = clock
		}
	}
}

// Manager owns the asset registry, the chunk cache and the request queue.
type Manager struct {
	out    Sender
	cfg    Config
	logger *logging.Logger
	clock  func() time.Time

	mu       deadlock.Mutex
	infos    map[uint64]*Info
	states   map[uint64]State
	retries  map[uint64]int
	cache    *cache
	requests map[uint64]*request
	active   map[uint64]uint64
	nextReq  uint64
	bw       *Bandwidth
	lastPump time.Time
	uploads  map[uint64]*upload
	stats    Stats

	runMu   sync.Mutex
	stop    chan struct{}
	done    chan struct{}
	running bool
}

// NewManager constructs an idle manager; call Start to launch the pump worker.
func NewManager(out Sender, cfg Config, opts ...Option) *Manager {
	cfg.normalise()
	m := &Manager{
		out:      out,
		cfg:      cfg,
		logger:   logging.L(),
		clock:    time.Now,
		infos:    make(map[uint64]*Info),
		states:   make(map[uint64]State),
		retries:  make(map[uint64]int),
		cache:    newCache(cfg.MemoryLimit),
		requests: make(map[uint64]*request),
		active:   make(map[uint64]uint64),
		bw:       NewBandwidth(cfg.BandwidthBps),
		uploads:  make(map[uint64]*upload),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// Register chunks, compresses and hashes data, persists it to the disk cache
// and records info. The completed info is returned.
func (m *Manager) Register(info Info, data []byte) (Info, error) {
	if len(data) == 0 {
		return Info{}, ErrEmptyAsset
	}
	chunks, sizes, hashes, compressed, err := split(data, info.Compression, m.cfg.ChunkSize)
	if err != nil {
		return Info{}, err
	}
	info.Size = uint64(len(data))
	info.CompressedSize = compressed
	info.ChunkCount = uint32(len(chunks))
	info.ChunkSizes = sizes
	info.ChunkHashes = hashes
	if err := writeDiskCache(m.cfg.CacheDir, info.ID, chunks); err != nil {
		return Info{}, err
	}
	stored := info.clone()
	m.mu.Lock()
	if _, known := m.infos[info.ID]; !known {
		m.stats.Registered++
	}
	m.infos[info.ID] = &stored
	m.states[info.ID] = StateUnloaded
	delete(m.retries, info.ID)
	//1.- Without a disk cache the chunks can only live in memory.
	if m.cfg.CacheDir == "" && info.Path == "" {
		m.cache.put(info.ID, chunks, info.Priority, false, m.clock())
		m.states[info.ID] = StateLoaded
	}
	m.mu.Unlock()
	return info, nil
}

// RegisterFile registers the file at path. A zero id derives one from the path.
func (m *Manager) RegisterFile(info Info) (Info, error) {
	data, err := os.ReadFile(info.Path)
	if err != nil {
		return Info{}, fmt.Errorf("read asset: %w", err)
	}
	if info.ID == 0 {
		info.ID = hash.Fnv1a64(info.Path)
	}
	return m.Register(info, data)
}

// LoadMods scans dir and registers every mod file as an optional custom asset.
func (m *Manager) LoadMods(dir string) (int, error) {
	files, err := ScanMods(dir)
	count := 0
	for _, f := range files {
		t := TypeForPath(f.Path)
		info := Info{
			ID:          f.AssetID(),
			Path:        f.Path,
			Type:        t,
			Priority:    PriorityBackground,
			SyncMode:    SyncOptional,
			Compression: CompressionFor(t),
			Version:     uint32(f.ModTime),
			IsCustom:    true,
			Mod:         f.Mod,
		}
		if f.Size == 0 {
			continue
		}
		if _, regErr := m.RegisterFile(info); regErr != nil {
			m.logger.Warn("mod asset skipped", logging.String("mod", f.Mod), logging.String("path", f.RelPath), logging.Error(regErr))
			continue
		}
		count++
	}
	if count > 0 {
		m.logger.Info("mod assets registered", logging.Int("assets", count))
	}
	return count, err
}

// Info returns a copy of a registered asset.
func (m *Manager) Info(assetID uint64) (Info, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, ok := m.infos[assetID]
	if !ok {
		return Info{}, false
	}
	return info.clone(), true
}

// Assets lists registered assets ordered by id.
func (m *Manager) Assets() []Info {
	m.mu.Lock()
	out := make([]Info, 0, len(m.infos))
	for _, info := range m.infos {
		out = append(out, info.clone())
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// State reports the streaming state of an asset.
func (m *Manager) State(assetID uint64) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cache.slot(assetID) != nil {
		return StateLoaded
	}
	return m.states[assetID]
}

// Entry returns a copy of the resident cache entry.
func (m *Manager) Entry(assetID uint64) (CacheEntry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cache.entry(assetID)
}

// Pin keeps an asset resident regardless of memory pressure.
func (m *Manager) Pin(assetID uint64, pinned bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.cache.slot(assetID)
	if s == nil {
		return false
	}
	s.pinned = pinned
	return true
}

// SetPriority changes the eviction and streaming class of an asset.
func (m *Manager) SetPriority(assetID uint64, p Priority) bool {
	if !p.valid() {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	info, ok := m.infos[assetID]
	if !ok {
		return false
	}
	info.Priority = p
	if s := m.cache.slot(assetID); s != nil {
		s.priority = p
	}
	return true
}

// Preload makes an asset resident now, reading it from the disk cache.
func (m *Manager) Preload(assetID uint64) error {
	m.mu.Lock()
	info, ok := m.infos[assetID]
	var snapshot Info
	if ok {
		snapshot = info.clone()
	}
	resident := m.cache.slot(assetID) != nil
	m.mu.Unlock()
	if !ok {
		return ErrUnknownAsset
	}
	if resident {
		return nil
	}
	res := m.load(snapshot)
	m.mu.Lock()
	m.applyLoadLocked(res)
	m.mu.Unlock()
	return res.err
}

// EvictLowPriorityAssets frees at least target bytes or, failing that, every
// non-pinned non-critical entry. It returns the bytes freed.
func (m *Manager) EvictLowPriorityAssets(target uint64) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.evictLocked(target)
}

func (m *Manager) evictLocked(target uint64) uint64 {
	freed, evicted := m.cache.evict(target)
	for _, id := range evicted {
		m.states[id] = StateEvicted
	}
	m.stats.Evictions += uint64(len(evicted))
	if len(evicted) > 0 {
		m.logger.Info("asset cache evicted", logging.Int("assets", len(evicted)), logging.Uint64("bytes", freed))
	}
	return freed
}

// SetMemoryLimit changes the cache budget, evicting immediately when over it.
func (m *Manager) SetMemoryLimit(limit uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache.limit = limit
	if limit > 0 && m.cache.used > limit {
		m.evictLocked(m.cache.used - limit)
	}
}

// MemoryUsage returns the resident bytes.
func (m *Manager) MemoryUsage() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cache.used
}

// Request queues assetID for playerID. cb, when set, runs exactly once.
func (m *Manager) Request(assetID uint64, playerID uint32, prio Priority, cb func(bool)) (uint64, error) {
	return m.request(assetID, playerID, prio, 0, cb)
}

func (m *Manager) request(assetID uint64, playerID uint32, prio Priority, clientReq uint64, cb func(bool)) (uint64, error) {
	if !prio.valid() {
		prio = PriorityBackground
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.infos[assetID]; !ok {
		return 0, ErrUnknownAsset
	}
	if m.states[assetID] == StateFailed {
		//1.- A fresh request gives a failed asset another round of retries.
		delete(m.retries, assetID)
		m.states[assetID] = StateUnloaded
	}
	m.nextReq++
	req := &request{
		id:        m.nextReq,
		clientReq: clientReq,
		assetID:   assetID,
		playerID:  playerID,
		prio:      prio,
		deadline:  m.clock().Add(m.cfg.RequestTimeout),
		cb:        cb,
	}
	m.requests[req.id] = req
	if m.cache.slot(assetID) == nil && m.states[assetID] != StateLoading {
		m.states[assetID] = StateRequested
	}
	return req.id, nil
}

// Cancel aborts a request; its callback receives false.
func (m *Manager) Cancel(requestID uint64) bool {
	m.mu.Lock()
	req, ok := m.requests[requestID]
	var fire []func()
	if ok {
		fire = m.finishLocked(req, false, fire)
	}
	m.mu.Unlock()
	runAll(fire)
	return ok
}

func (m *Manager) finishLocked(req *request, ok bool, fire []func()) []func() {
	delete(m.requests, req.id)
	if m.active[req.assetID] == req.id {
		delete(m.active, req.assetID)
	}
	if ok {
		m.stats.Completed++
	}
	if cb := req.cb; cb != nil {
		req.cb = nil
		fire = append(fire, func() { cb(ok) })
	}
	return fire
}

func runAll(fire []func()) {
	for _, fn := range fire {
		fn()
	}
}

// HandleRequest serves a peer's AssetRequest.
func (m *Manager) HandleRequest(peerID uint32, msg *protocol.AssetRequest) {
	if msg == nil {
		return
	}
	if _, err := m.request(msg.AssetID, peerID, Priority(msg.Priority), msg.RequestID, nil); err != nil {
		m.send(peerID, &protocol.AssetResponse{
			RequestID: msg.RequestID,
			AssetID:   msg.AssetID,
			Code:      uint8(protocol.ResultNotFound),
			Timestamp: uint64(m.clock().UnixMilli()),
		})
	}
}

// HandleCancel drops a peer's pending request.
func (m *Manager) HandleCancel(peerID uint32, msg *protocol.AssetCancel) {
	if msg == nil {
		return
	}
	m.mu.Lock()
	var fire []func()
	for _, req := range m.requests {
		if req.playerID == peerID && req.clientReq == msg.RequestID {
			fire = m.finishLocked(req, false, fire)
		}
	}
	m.mu.Unlock()
	runAll(fire)
}

// RemovePeer cancels every request and upload of a departed peer.
func (m *Manager) RemovePeer(peerID uint32) {
	m.mu.Lock()
	var fire []func()
	for _, req := range m.requests {
		if req.playerID == peerID {
			fire = m.finishLocked(req, false, fire)
		}
	}
	for id, up := range m.uploads {
		if up.peerID == peerID {
			delete(m.uploads, id)
		}
	}
	m.mu.Unlock()
	runAll(fire)
}

func (m *Manager) send(peerID uint32, msg protocol.Message) error {
	if m.out == nil {
		return nil
	}
	return m.out.Send(peerID, msg)
}

// load reads the disk cache, falling back to re-chunking the source file.
func (m *Manager) load(info Info) loaded {
	if m.cfg.CacheDir != "" {
		chunks, err := readDiskCache(m.cfg.CacheDir, info)
		if err == nil {
			return loaded{assetID: info.ID, chunks: chunks}
		}
		m.logger.Debug("asset disk cache miss", logging.Uint64("asset_id", info.ID), logging.Error(err))
	}
	if info.Path == "" {
		return loaded{assetID: info.ID, err: ErrCorruptCache}
	}
	data, err := os.ReadFile(info.Path)
	if err != nil {
		return loaded{assetID: info.ID, err: err}
	}
	chunks, _, hashes, _, err := split(data, info.Compression, m.cfg.ChunkSize)
	if err != nil {
		return loaded{assetID: info.ID, err: err}
	}
	if len(hashes) != len(info.ChunkHashes) {
		return loaded{assetID: info.ID, err: ErrHashMismatch}
	}
	for i := range hashes {
		if hashes[i] != info.ChunkHashes[i] {
			return loaded{assetID: info.ID, err: ErrHashMismatch}
		}
	}
	if err := writeDiskCache(m.cfg.CacheDir, info.ID, chunks); err != nil {
		m.logger.Warn("asset disk cache rewrite failed", logging.Uint64("asset_id", info.ID), logging.Error(err))
	}
	return loaded{assetID: info.ID, chunks: chunks}
}

func (m *Manager) applyLoadLocked(res loaded) []func() {
	var fire []func()
	info, ok := m.infos[res.assetID]
	if !ok {
		return nil
	}
	if res.err != nil {
		m.retries[res.assetID]++
		limit := m.cfg.MaxRetries
		if errors.Is(res.err, ErrHashMismatch) {
			limit = MismatchAttempts
		}
		if m.retries[res.assetID] < limit {
			return nil
		}
		//1.- Out of retries: fail the asset and every request waiting on it.
		m.states[res.assetID] = StateFailed
		m.stats.Failed++
		m.logger.Warn("asset load failed", logging.Uint64("asset_id", res.assetID), logging.Error(res.err))
		for _, req := range m.requests {
			if req.assetID == res.assetID {
				fire = m.finishLocked(req, false, fire)
			}
		}
		return fire
	}
	delete(m.retries, res.assetID)
	m.cache.put(res.assetID, res.chunks, info.Priority, false, m.clock())
	m.states[res.assetID] = StateLoaded
	m.stats.Loaded++
	if m.cache.overThreshold() {
		m.evictLocked(uint64(float64(m.cache.limit) * EvictionFraction))
	}
	return fire
}

// Pump runs one worker step: timeouts, loads and chunk streaming within the
// bandwidth budget.
func (m *Manager) Pump(now time.Time) {
	m.mu.Lock()
	dt := m.cfg.PumpInterval
	if !m.lastPump.IsZero() {
		dt = now.Sub(m.lastPump)
		if dt > time.Second {
			dt = time.Second
		}
	}
	m.lastPump = now

	//1.- Expire overdue requests.
	var fire []func()
	for _, req := range m.requests {
		if now.After(req.deadline) {
			m.stats.TimedOut++
			fire = m.finishLocked(req, false, fire)
		}
	}
	for id, up := range m.uploads {
		if now.After(up.deadline) {
			delete(m.uploads, id)
			m.states[id] = StateFailed
		}
	}
	queue := make([]*request, 0, len(m.requests))
	for _, req := range m.requests {
		queue = append(queue, req)
	}
	sort.Slice(queue, func(i, j int) bool {
		if queue[i].prio != queue[j].prio {
			return queue[i].prio < queue[j].prio
		}
		return queue[i].id < queue[j].id
	})

	//2.- Decide which assets must be read before streaming, one reader per asset.
	var toLoad []Info
	seen := make(map[uint64]bool)
	for _, req := range queue {
		if seen[req.assetID] {
			continue
		}
		seen[req.assetID] = true
		if m.cache.slot(req.assetID) != nil {
			m.stats.CacheHits++
			continue
		}
		m.stats.CacheMisses++
		if info, ok := m.infos[req.assetID]; ok {
			m.states[req.assetID] = StateLoading
			toLoad = append(toLoad, info.clone())
		}
	}
	m.mu.Unlock()

	results := make([]loaded, 0, len(toLoad))
	for _, info := range toLoad {
		results = append(results, m.load(info))
	}

	m.mu.Lock()
	for _, res := range results {
		fire = append(fire, m.applyLoadLocked(res)...)
	}
	prios := make([]Priority, 0, len(queue))
	for _, req := range queue {
		prios = append(prios, req.prio)
	}
	budgets := m.bw.Budgets(dt, prios)
	var sends []outgoing
	for _, req := range queue {
		if _, live := m.requests[req.id]; !live {
			continue
		}
		if owner, busy := m.active[req.assetID]; busy && owner != req.id {
			continue
		}
		info := m.infos[req.assetID]
		if info == nil || m.cache.slot(req.assetID) == nil || budgets[req.prio] <= 0 {
			continue
		}
		m.active[req.assetID] = req.id
		if !req.started {
			req.started = true
			sends = append(sends, outgoing{peerID: req.playerID, reqID: req.id, msg: &protocol.AssetResponse{
				RequestID:   req.clientReq,
				AssetID:     req.assetID,
				TotalChunks: info.ChunkCount,
				TotalSize:   info.Size,
				Timestamp:   uint64(now.UnixMilli()),
			}})
		}
		//3.- Cut the current chunk into datagram sized fragments until the class budget is spent.
		for budgets[req.prio] > 0 && req.chunk < info.ChunkCount {
			data, ok := m.cache.chunk(req.assetID, req.chunk, now)
			if !ok {
				break
			}
			end := req.offset + protocol.MaxChunkBytes
			if end > uint32(len(data)) {
				end = uint32(len(data))
			}
			frag := data[req.offset:end]
			sends = append(sends, outgoing{peerID: req.playerID, reqID: req.id, msg: &protocol.AssetChunk{
				AssetID:        req.assetID,
				Index:          req.chunk,
				Offset:         req.offset,
				Size:           info.ChunkSizes[req.chunk],
				CompressedSize: uint32(len(data)),
				Hash:           info.ChunkHashes[req.chunk],
				Compression:    uint8(info.Compression),
				Data:           frag,
			}})
			budgets[req.prio] -= len(frag)
			m.stats.BytesStreamed += uint64(len(frag))
			m.bw.Record(now, len(frag))
			req.offset = end
			if req.offset >= uint32(len(data)) {
				req.chunk++
				req.offset = 0
			}
		}
		if req.chunk >= info.ChunkCount {
			fire = m.finishLocked(req, true, fire)
		}
	}
	m.mu.Unlock()

	//4.- Deliver outside the lock; a dead recipient cancels its request.
	failed := make(map[uint64]bool)
	for _, s := range sends {
		if failed[s.reqID] {
			continue
		}
		if err := m.send(s.peerID, s.msg); err != nil {
			failed[s.reqID] = true
			m.logger.Debug("asset send failed", logging.Uint32("peer_id", s.peerID), logging.Error(err))
		}
	}
	for id := range failed {
		m.Cancel(id)
	}
	runAll(fire)
}

// Start launches the pump worker.
func (m *Manager) Start() {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.running {
		return
	}
	m.running = true
	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	go m.run(m.stop, m.done)
}

func (m *Manager) run(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(m.cfg.PumpInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.Pump(m.clock())
		}
	}
}

// Stop signals the worker and waits for it, then fails outstanding requests.
func (m *Manager) Stop() {
	m.runMu.Lock()
	if m.running {
		close(m.stop)
		<-m.done
		m.running = false
	}
	m.runMu.Unlock()
	m.mu.Lock()
	var fire []func()
	for _, req := range m.requests {
		fire = m.finishLocked(req, false, fire)
	}
	m.mu.Unlock()
	runAll(fire)
}

// Stats returns a copy of the counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.stats
	st.MemoryUsage = m.cache.used
	st.PeakMemory = m.cache.peak
	st.MemoryLimit = m.cache.limit
	st.ActiveRequests = len(m.requests)
	st.Uploads = len(m.uploads)
	st.BandwidthUsage = m.bw.Usage()
	return st
}
