package phase

import (
	"errors"
	"fmt"
	"sort"

	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"
)

// MaxBundleBytes bounds a decompressed bundle.
const MaxBundleBytes = 10 << 20

// ErrBundleTooLarge marks a bundle whose decompressed size exceeds MaxBundleBytes.
var ErrBundleTooLarge = errors.New("phase: bundle exceeds size cap")

// QuestStage is one quest entry of a bundle.
type QuestStage struct {
	Hash  uint32 `msgpack:"h"`
	Stage uint16 `msgpack:"s"`
}

// Bundle is the portable state of a phase sent to joining peers.
type Bundle struct {
	PhaseID      uint32       `msgpack:"phase_id"`
	Quests       []QuestStage `msgpack:"quests"`
	InteriorSeed uint32       `msgpack:"interior_seed"`
}

type bundleCodec struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

func newBundleCodec() (*bundleCodec, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	if err != nil {
		return nil, fmt.Errorf("phase: zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxBundleBytes))
	if err != nil {
		encoder.Close()
		return nil, fmt.Errorf("phase: zstd decoder: %w", err)
	}
	return &bundleCodec{encoder: encoder, decoder: decoder}, nil
}

func (c *bundleCodec) Close() error {
	c.decoder.Close()
	return c.encoder.Close()
}

// Bundle encodes phaseID as msgpack compressed with zstd.
func (m *Manager) Bundle(phaseID uint32) ([]byte, error) {
	m.mu.RLock()
	p, ok := m.phases[phaseID]
	if !ok {
		m.mu.RUnlock()
		return nil, fmt.Errorf("%w: %d", ErrUnknownPhase, phaseID)
	}
	b := Bundle{PhaseID: p.ID, InteriorSeed: p.InteriorSeed, Quests: make([]QuestStage, 0, len(p.QuestStages))}
	for h, s := range p.QuestStages {
		b.Quests = append(b.Quests, QuestStage{Hash: h, Stage: s})
	}
	m.mu.RUnlock()

	//1.- Sort so identical phases always produce identical bytes.
	sort.Slice(b.Quests, func(i, j int) bool { return b.Quests[i].Hash < b.Quests[j].Hash })
	raw, err := msgpack.Marshal(&b)
	if err != nil {
		return nil, fmt.Errorf("phase: encode bundle: %w", err)
	}
	return m.bundles.encoder.EncodeAll(raw, nil), nil
}

// DecodeBundle reverses Bundle, refusing payloads that inflate beyond MaxBundleBytes.
func (m *Manager) DecodeBundle(blob []byte) (Bundle, error) {
	var b Bundle
	raw, err := m.bundles.decoder.DecodeAll(blob, nil)
	if err != nil {
		if errors.Is(err, zstd.ErrDecoderSizeExceeded) || errors.Is(err, zstd.ErrWindowSizeExceeded) {
			return b, ErrBundleTooLarge
		}
		return b, fmt.Errorf("phase: decompress bundle: %w", err)
	}
	if len(raw) > MaxBundleBytes {
		return b, ErrBundleTooLarge
	}
	if err := msgpack.Unmarshal(raw, &b); err != nil {
		return b, fmt.Errorf("phase: decode bundle: %w", err)
	}
	return b, nil
}

// ApplyBundle installs a decoded bundle, creating the phase when missing.
func (m *Manager) ApplyBundle(blob []byte, tick uint64) (Bundle, error) {
	b, err := m.DecodeBundle(blob)
	if err != nil {
		return b, err
	}
	stages := make(map[uint32]uint16, len(b.Quests))
	for _, q := range b.Quests {
		stages[q.Hash] = q.Stage
	}
	m.mu.Lock()
	p, ok := m.phases[b.PhaseID]
	if !ok {
		p = newPhase(b.PhaseID, b.InteriorSeed, tick)
		m.phases[b.PhaseID] = p
		if b.PhaseID > m.nextID {
			m.nextID = b.PhaseID
		}
	}
	p.InteriorSeed = b.InteriorSeed
	p.QuestStages = stages
	p.LastActiveTick = tick
	m.mu.Unlock()
	return b, nil
}
