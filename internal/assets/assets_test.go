package assets

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"cp2077coop/server/internal/hash"
	"cp2077coop/server/internal/logging"
	"cp2077coop/server/internal/protocol"
	"cp2077coop/server/internal/protocol/protocoltest"
)

func pattern(n int, seed byte) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = seed + byte(i%251)
	}
	return out
}

func newTestManager(t *testing.T, cfg Config) (*Manager, *protocoltest.Recorder, *time.Time) {
	t.Helper()
	rec := &protocoltest.Recorder{}
	now := time.Unix(1_700_000_000, 0)
	m := NewManager(rec, cfg, WithLogger(logging.NewTestLogger()), WithClock(func() time.Time { return now }))
	return m, rec, &now
}

func TestEvictLowPriorityAssetsKeepsPinnedCritical(t *testing.T) {
	const limit = 100_000
	m, _, _ := newTestManager(t, Config{MemoryLimit: limit})
	if _, err := m.Register(Info{ID: 1, Priority: PriorityCritical}, pattern(30_000, 1)); err != nil {
		t.Fatalf("register critical: %v", err)
	}
	if !m.Pin(1, true) {
		t.Fatalf("expected critical asset to be resident")
	}
	for i := uint64(0); i < 6; i++ {
		if _, err := m.Register(Info{ID: 10 + i, Priority: PriorityLow}, pattern(10_000, byte(i))); err != nil {
			t.Fatalf("register %d: %v", i, err)
		}
	}
	if got := m.MemoryUsage(); got != 90_000 {
		t.Fatalf("expected cache at 0.9 of the limit, got %d", got)
	}

	freed := m.EvictLowPriorityAssets(limit / 10)
	if freed < limit/10 {
		t.Fatalf("expected at least %d bytes freed, got %d", limit/10, freed)
	}
	entry, ok := m.Entry(1)
	if !ok || !entry.Pinned || entry.Priority != PriorityCritical {
		t.Fatalf("pinned critical entry must survive: %+v ok=%v", entry, ok)
	}
	if m.Stats().Evictions == 0 {
		t.Fatalf("expected eviction to be counted")
	}
}

func TestEvictionNeverTouchesCriticalEvenWhenShort(t *testing.T) {
	m, _, _ := newTestManager(t, Config{MemoryLimit: 50_000})
	m.Register(Info{ID: 1, Priority: PriorityCritical}, pattern(20_000, 1))
	m.Register(Info{ID: 2, Priority: PriorityHigh}, pattern(10_000, 2))
	m.Register(Info{ID: 3, Priority: PriorityBackground}, pattern(10_000, 3))

	freed := m.EvictLowPriorityAssets(45_000)
	if freed != 20_000 {
		t.Fatalf("expected high and background evicted, freed %d", freed)
	}
	if _, ok := m.Entry(1); !ok {
		t.Fatalf("critical entry evicted")
	}
	if m.State(3) != StateEvicted {
		t.Fatalf("expected evicted state, got %v", m.State(3))
	}
}

func TestCodecsRoundTrip(t *testing.T) {
	data := bytes.Repeat([]byte("night city asset payload "), 400)
	for _, comp := range []Compression{CompressionNone, CompressionLZ4, CompressionZSTD, CompressionCustom} {
		t.Run(comp.String(), func(t *testing.T) {
			codec, err := CodecFor(comp)
			if err != nil {
				t.Fatalf("codec: %v", err)
			}
			packed, err := codec.Compress(data)
			if err != nil {
				t.Fatalf("compress: %v", err)
			}
			raw, err := codec.Decompress(packed, len(data))
			if err != nil {
				t.Fatalf("decompress: %v", err)
			}
			if !bytes.Equal(raw, data) {
				t.Fatalf("round trip mismatch")
			}
			if comp != CompressionNone {
				if _, err := codec.Decompress(packed, len(data)/2); !errors.Is(err, ErrTooLarge) {
					t.Fatalf("expected limit error, got %v", err)
				}
			}
		})
	}
	if _, err := CodecFor(Compression(9)); !errors.Is(err, ErrUnknownCodec) {
		t.Fatalf("expected unknown codec, got %v", err)
	}
}

func TestDiskCacheRoundTripAndTamper(t *testing.T) {
	dir := t.TempDir()
	data := pattern(150_000, 7)
	chunks, sizes, hashes, _, err := split(data, CompressionZSTD, DefaultChunkSize)
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	if len(chunks) != 3 || sizes[2] != uint32(150_000-2*DefaultChunkSize) {
		t.Fatalf("unexpected chunking: %d chunks sizes=%v", len(chunks), sizes)
	}
	if err := writeDiskCache(dir, 42, chunks); err != nil {
		t.Fatalf("write: %v", err)
	}
	info := Info{ID: 42, ChunkCount: 3, ChunkHashes: hashes}
	back, err := readDiskCache(dir, info)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	for i := range chunks {
		if !bytes.Equal(back[i], chunks[i]) {
			t.Fatalf("chunk %d differs", i)
		}
	}

	info.ChunkHashes = append([]uint64(nil), hashes...)
	info.ChunkHashes[1] ^= 1
	if _, err := readDiskCache(dir, info); !errors.Is(err, ErrHashMismatch) {
		t.Fatalf("expected hash mismatch, got %v", err)
	}
	info.ChunkCount = 4
	if _, err := readDiskCache(dir, info); !errors.Is(err, ErrCorruptCache) {
		t.Fatalf("expected corrupt cache, got %v", err)
	}
}

func TestLoadModsRegistersOptionalCustomAssets(t *testing.T) {
	dir := t.TempDir()
	texDir := filepath.Join(dir, "neon", "textures")
	if err := os.MkdirAll(texDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(texDir, "sign.dds"), pattern(4000, 3), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "neon", "mod.json"), []byte(`{"name":"neon"}`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	m, _, _ := newTestManager(t, Config{CacheDir: t.TempDir()})
	n, err := m.LoadMods(dir)
	if err != nil || n != 2 {
		t.Fatalf("expected two mod assets, got %d err=%v", n, err)
	}
	info, ok := m.Info(hash.Fnv1a64("neon/textures/sign.dds"))
	if !ok {
		t.Fatalf("texture not registered")
	}
	if !info.IsCustom || info.SyncMode != SyncOptional || info.Priority != PriorityBackground || info.Mod != "neon" {
		t.Fatalf("unexpected mod info: %+v", info)
	}
	if info.Type != TypeTexture || info.Compression != CompressionLZ4 {
		t.Fatalf("unexpected type or codec: %v %v", info.Type, info.Compression)
	}
	if n, err := m.LoadMods(filepath.Join(dir, "missing")); n != 0 || err != nil {
		t.Fatalf("missing mods dir should be empty, got %d %v", n, err)
	}
}

func TestPumpStreamsFragmentsAndCompletes(t *testing.T) {
	m, rec, now := newTestManager(t, Config{})
	data := pattern(3000, 9)
	if _, err := m.Register(Info{ID: 5, Priority: PriorityHigh}, data); err != nil {
		t.Fatalf("register: %v", err)
	}
	var results []bool
	if _, err := m.Request(5, 2, PriorityHigh, func(ok bool) { results = append(results, ok) }); err != nil {
		t.Fatalf("request: %v", err)
	}
	m.Pump(*now)

	if len(results) != 1 || !results[0] {
		t.Fatalf("expected one successful callback, got %v", results)
	}
	resp, ok := rec.Last(protocol.MsgAssetResponse)
	if !ok || resp.PeerID != 2 || resp.Msg.(*protocol.AssetResponse).TotalChunks != 1 {
		t.Fatalf("unexpected response: %+v", resp)
	}
	frags := rec.OfType(protocol.MsgAssetChunk)
	if len(frags) != 3 {
		t.Fatalf("expected 3 fragments, got %d", len(frags))
	}
	var asm *ChunkAssembler
	for _, s := range frags {
		msg := s.Msg.(*protocol.AssetChunk)
		if len(msg.Data) > protocol.MaxChunkBytes {
			t.Fatalf("fragment of %d bytes exceeds datagram bound", len(msg.Data))
		}
		if asm == nil {
			var err error
			if asm, err = NewChunkAssembler(msg); err != nil {
				t.Fatalf("assembler: %v", err)
			}
		}
		if _, err := asm.Add(msg); err != nil {
			t.Fatalf("add: %v", err)
		}
	}
	if err := asm.Verify(CompressionNone); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !bytes.Equal(asm.Bytes(), data) {
		t.Fatalf("reassembled chunk differs")
	}
}

func TestPumpHonoursBandwidthBudget(t *testing.T) {
	m, rec, now := newTestManager(t, Config{BandwidthBps: 20_000})
	m.Register(Info{ID: 5}, pattern(3000, 1))
	m.Request(5, 2, PriorityMedium, nil)

	m.Pump(*now)
	if got := rec.Count(protocol.MsgAssetChunk); got != 1 {
		t.Fatalf("expected a single fragment in the first slice, got %d", got)
	}
	*now = now.Add(50 * time.Millisecond)
	m.Pump(*now)
	if got := rec.Count(protocol.MsgAssetChunk); got != 2 {
		t.Fatalf("expected a second fragment, got %d", got)
	}
	if rec.Count(protocol.MsgAssetResponse) != 1 {
		t.Fatalf("response must be sent once")
	}
}

func TestRequestTimeoutAndCancelFireOnce(t *testing.T) {
	m, _, now := newTestManager(t, Config{CacheDir: t.TempDir()})
	m.Register(Info{ID: 8}, pattern(500, 2))

	calls := 0
	var last bool
	id, err := m.Request(8, 3, PriorityLow, func(ok bool) { calls++; last = ok })
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	*now = now.Add(31 * time.Second)
	m.Pump(*now)
	if calls != 1 || last {
		t.Fatalf("expected one failed callback after timeout, got calls=%d ok=%v", calls, last)
	}
	if m.Cancel(id) {
		t.Fatalf("expired request should be gone")
	}

	calls = 0
	id, _ = m.Request(8, 3, PriorityLow, func(ok bool) { calls++; last = ok })
	if !m.Cancel(id) || m.Cancel(id) {
		t.Fatalf("cancel should succeed exactly once")
	}
	m.Pump(*now)
	if calls != 1 || last {
		t.Fatalf("expected one failed callback after cancel, got calls=%d", calls)
	}
	if _, err := m.Request(404, 3, PriorityLow, nil); !errors.Is(err, ErrUnknownAsset) {
		t.Fatalf("expected unknown asset, got %v", err)
	}
}

func TestLoadFailuresAreBounded(t *testing.T) {
	dir := t.TempDir()
	m, rec, now := newTestManager(t, Config{CacheDir: dir})
	if _, err := m.Register(Info{ID: 9}, pattern(800, 4)); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := os.Remove(cachePath(dir, 9)); err != nil {
		t.Fatalf("remove: %v", err)
	}
	var results []bool
	m.Request(9, 1, PriorityHigh, func(ok bool) { results = append(results, ok) })
	for i := 0; i < DefaultMaxRetries; i++ {
		m.Pump(*now)
		*now = now.Add(50 * time.Millisecond)
	}
	if m.State(9) != StateFailed {
		t.Fatalf("expected failed state, got %v", m.State(9))
	}
	if len(results) != 1 || results[0] {
		t.Fatalf("expected one failed callback, got %v", results)
	}
	if rec.Count(protocol.MsgAssetChunk) != 0 {
		t.Fatalf("nothing should stream for a failed asset")
	}
}

func TestHandleRequestAnswersUnknownAsset(t *testing.T) {
	m, rec, _ := newTestManager(t, Config{})
	m.HandleRequest(4, &protocol.AssetRequest{RequestID: 77, AssetID: 1234})
	sent, ok := rec.Last(protocol.MsgAssetResponse)
	if !ok {
		t.Fatalf("expected a response")
	}
	resp := sent.Msg.(*protocol.AssetResponse)
	if resp.RequestID != 77 || resp.Code != uint8(protocol.ResultNotFound) {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func uploadChunk(t *testing.T, data []byte) *protocol.AssetChunk {
	t.Helper()
	codec, _ := CodecFor(CompressionCustom)
	packed, err := codec.Compress(data)
	if err != nil {
		t.Fatalf("compress: %v", err)
	}
	return &protocol.AssetChunk{
		AssetID:        99,
		Size:           uint32(len(data)),
		CompressedSize: uint32(len(packed)),
		Hash:           ChunkHash(packed),
		Compression:    uint8(CompressionCustom),
		Data:           packed,
	}
}

func announce(t *testing.T, m *Manager, rec *protocoltest.Recorder, size int) uint64 {
	t.Helper()
	m.HandleAvailable(7, &protocol.AssetAvailable{AssetID: 99, AssetType: uint8(TypeCustom), Priority: uint8(PriorityLow), FileSize: uint64(size), Version: 1})
	sent, ok := rec.Last(protocol.MsgAssetRequest)
	if !ok || sent.PeerID != 7 {
		t.Fatalf("expected a request to the announcing peer")
	}
	return sent.Msg.(*protocol.AssetRequest).RequestID
}

func TestUploadHashMismatchRequestsOnceThenFails(t *testing.T) {
	m, rec, _ := newTestManager(t, Config{})
	data := pattern(2000, 5)

	for round := 1; round <= 2; round++ {
		reqID := announceOrLast(t, m, rec, len(data), round)
		m.HandleResponse(7, &protocol.AssetResponse{RequestID: reqID, AssetID: 99, TotalChunks: 1, TotalSize: uint64(len(data))})
		bad := uploadChunk(t, data)
		bad.Hash++
		if err := m.HandleChunk(7, bad); !errors.Is(err, ErrHashMismatch) {
			t.Fatalf("round %d: expected hash mismatch, got %v", round, err)
		}
	}
	if got := rec.Count(protocol.MsgAssetRequest); got != 2 {
		t.Fatalf("expected exactly one re-request, got %d requests", got)
	}
	if m.State(99) != StateFailed {
		t.Fatalf("expected failed upload, got %v", m.State(99))
	}
	if err := m.HandleChunk(7, uploadChunk(t, data)); !errors.Is(err, ErrUploadUnknown) {
		t.Fatalf("failed upload should be forgotten, got %v", err)
	}
}

func announceOrLast(t *testing.T, m *Manager, rec *protocoltest.Recorder, size, round int) uint64 {
	if round == 1 {
		return announce(t, m, rec, size)
	}
	sent, ok := rec.Last(protocol.MsgAssetRequest)
	if !ok {
		t.Fatalf("expected a re-request")
	}
	return sent.Msg.(*protocol.AssetRequest).RequestID
}

func TestUploadCompletesAndAnnounces(t *testing.T) {
	m, rec, _ := newTestManager(t, Config{CacheDir: t.TempDir()})
	data := pattern(2000, 6)
	reqID := announce(t, m, rec, len(data))
	m.HandleResponse(7, &protocol.AssetResponse{RequestID: reqID, AssetID: 99, TotalChunks: 1, TotalSize: uint64(len(data))})

	whole := uploadChunk(t, data)
	half := len(whole.Data) / 2
	first, second := *whole, *whole
	first.Data = whole.Data[:half]
	second.Offset = uint32(half)
	second.Data = whole.Data[half:]
	if err := m.HandleChunk(7, &first); err != nil {
		t.Fatalf("first fragment: %v", err)
	}
	if err := m.HandleChunk(7, &second); err != nil {
		t.Fatalf("second fragment: %v", err)
	}
	if m.State(99) != StateLoaded {
		t.Fatalf("expected loaded, got %v", m.State(99))
	}
	info, ok := m.Info(99)
	if !ok || !info.IsCustom || info.SyncMode != SyncOptional || info.Size != uint64(len(data)) {
		t.Fatalf("unexpected info: %+v", info)
	}
	avail, ok := rec.Last(protocol.MsgAssetAvailable)
	if !ok || avail.Scope != protocoltest.ScopeAll {
		t.Fatalf("expected broadcast announcement, got %+v", avail)
	}
	if _, err := m.Request(99, 3, PriorityLow, nil); err != nil {
		t.Fatalf("uploaded asset should be requestable: %v", err)
	}
}

func TestBandwidthBudgetsFollowWeights(t *testing.T) {
	b := NewBandwidth(1250)
	budgets := b.Budgets(time.Second, []Priority{PriorityCritical, PriorityLow, PriorityLow})
	if budgets[PriorityCritical] != 1000 || budgets[PriorityLow] != 250 {
		t.Fatalf("unexpected budgets: %v", budgets)
	}
	if _, ok := budgets[PriorityHigh]; ok {
		t.Fatalf("idle classes get no budget")
	}
	start := time.Unix(10, 0)
	b.Record(start, 400)
	b.Record(start.Add(500*time.Millisecond), 100)
	b.Record(start.Add(1100*time.Millisecond), 1)
	if b.Usage() != 500 {
		t.Fatalf("expected 500 bytes in the closed window, got %d", b.Usage())
	}
}

func TestSourceHashMismatchRetriedOnce(t *testing.T) {
	modDir := t.TempDir()
	cacheDir := t.TempDir()
	src := filepath.Join(modDir, "neon", "sign.dds")
	if err := os.MkdirAll(filepath.Dir(src), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(src, pattern(4000, 3), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	m, _, now := newTestManager(t, Config{CacheDir: cacheDir})
	if n, err := m.LoadMods(modDir); err != nil || n != 1 {
		t.Fatalf("expected one mod asset, got %d err=%v", n, err)
	}
	id := hash.Fnv1a64("neon/sign.dds")
	//1.- Drop the cache and change the source so every load mismatches.
	if err := os.Remove(cachePath(cacheDir, id)); err != nil {
		t.Fatalf("remove cache: %v", err)
	}
	if err := os.WriteFile(src, pattern(4000, 8), 0o644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	var results []bool
	if _, err := m.Request(id, 1, PriorityHigh, func(ok bool) { results = append(results, ok) }); err != nil {
		t.Fatalf("request: %v", err)
	}
	m.Pump(*now)
	if m.State(id) == StateFailed {
		t.Fatalf("expected the first mismatch to be retried")
	}
	*now = now.Add(50 * time.Millisecond)
	m.Pump(*now)
	if m.State(id) != StateFailed {
		t.Fatalf("expected failure after one retry, got %v", m.State(id))
	}
	if len(results) != 1 || results[0] {
		t.Fatalf("expected one failed callback, got %v", results)
	}
}

func TestUploadHeaderChunkCountBounded(t *testing.T) {
	m, _, _ := newTestManager(t, Config{})
	m.HandleAvailable(7, &protocol.AssetAvailable{AssetID: 99, AssetType: uint8(TypeCustom), FileSize: MaxUploadBytes, Version: 1})
	m.mu.Lock()
	reqID := m.uploads[99].reqID
	m.mu.Unlock()
	m.HandleResponse(7, &protocol.AssetResponse{RequestID: reqID, AssetID: 99, TotalChunks: MaxUploadBytes, TotalSize: MaxUploadBytes})
	if m.State(99) != StateFailed {
		t.Fatalf("expected oversized chunk table to fail the upload, got %v", m.State(99))
	}
	m.mu.Lock()
	_, pending := m.uploads[99]
	m.mu.Unlock()
	if pending {
		t.Fatal("expected the upload to be dropped")
	}

	m.HandleAvailable(7, &protocol.AssetAvailable{AssetID: 100, AssetType: uint8(TypeCustom), FileSize: MaxUploadBytes, Version: 1})
	m.mu.Lock()
	up := m.uploads[100]
	m.mu.Unlock()
	m.HandleResponse(7, &protocol.AssetResponse{RequestID: up.reqID, AssetID: 100, TotalChunks: MaxUploadBytes / DefaultChunkSize, TotalSize: MaxUploadBytes})
	m.mu.Lock()
	defer m.mu.Unlock()
	if up.totalChunks != MaxUploadBytes/DefaultChunkSize || len(up.chunks) != int(up.totalChunks) {
		t.Fatalf("expected %d chunks accepted, got %d", MaxUploadBytes/DefaultChunkSize, up.totalChunks)
	}
}

func TestOverlappingFragmentsRejected(t *testing.T) {
	whole := uploadChunk(t, pattern(2000, 2))
	first := *whole
	first.Data = whole.Data[:100]
	asm, err := NewChunkAssembler(&first)
	if err != nil {
		t.Fatalf("assembler: %v", err)
	}
	if _, err := asm.Add(&first); err != nil {
		t.Fatalf("first: %v", err)
	}
	if _, err := asm.Add(&first); err != nil {
		t.Fatalf("exact resend should be ignored: %v", err)
	}
	overlap := *whole
	overlap.Offset = 50
	overlap.Data = whole.Data[50:150]
	if _, err := asm.Add(&overlap); !errors.Is(err, ErrBadFragment) {
		t.Fatalf("expected overlap refused, got %v", err)
	}
	longer := *whole
	longer.Data = whole.Data[:200]
	if _, err := asm.Add(&longer); !errors.Is(err, ErrBadFragment) {
		t.Fatalf("expected longer fragment at a stored offset refused, got %v", err)
	}
	rest := *whole
	rest.Offset = 100
	rest.Data = whole.Data[100:]
	done, err := asm.Add(&rest)
	if err != nil || !done {
		t.Fatalf("expected completion from disjoint fragments, got %t %v", done, err)
	}
	if err := asm.Verify(CompressionCustom); err != nil {
		t.Fatalf("verify: %v", err)
	}
}
