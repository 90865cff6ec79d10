package phase

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"cp2077coop/server/internal/hash"
	"cp2077coop/server/internal/logging"
)

const (
	// DefaultID is the shared world; it is never collected.
	DefaultID uint32 = 0
	// IdleTimeoutMs is how long an empty phase survives before collection.
	IdleTimeoutMs = 600000
)

var (
	// ErrUnknownPhase marks a phase id that does not exist.
	ErrUnknownPhase = errors.New("phase: unknown phase")
)

// Phase is a party-scoped partition of mutable world state.
type Phase struct {
	ID             uint32
	QuestStages    map[uint32]uint16
	LastActiveTick uint64
	Members        map[uint32]struct{}
	VendorSeeds    map[uint32]uint32
	InteriorSeed   uint32

	marked bool
}

func newPhase(id, interiorSeed uint32, tick uint64) *Phase {
	return &Phase{
		ID:             id,
		QuestStages:    make(map[uint32]uint16),
		LastActiveTick: tick,
		Members:        make(map[uint32]struct{}),
		VendorSeeds:    make(map[uint32]uint32),
		InteriorSeed:   interiorSeed,
	}
}

// Info is a copy of a phase for readers outside the tick.
type Info struct {
	ID             uint32
	Members        []uint32
	Quests         int
	LastActiveTick uint64
	InteriorSeed   uint32
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

// Manager owns every phase and the peer to phase membership.
type Manager struct {
	mu         sync.RWMutex
	phases     map[uint32]*Phase
	membership map[uint32]uint32
	nextID     uint32
	idleTicks  uint64
	logger     *logging.Logger
	bundles    *bundleCodec
}

// NewManager creates the manager with the default phase seeded from worldSeed.
func NewManager(tickMs int, worldSeed uint32, opts ...Option) (*Manager, error) {
	codec, err := newBundleCodec()
	if err != nil {
		return nil, err
	}
	m := &Manager{
		phases:     make(map[uint32]*Phase),
		membership: make(map[uint32]uint32),
		logger:     logging.L(),
		bundles:    codec,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	m.SetTickMs(tickMs)
	m.phases[DefaultID] = newPhase(DefaultID, worldSeed, 0)
	return m, nil
}

// Close releases the bundle codec.
func (m *Manager) Close() error {
	if m == nil || m.bundles == nil {
		return nil
	}
	return m.bundles.Close()
}

// SetTickMs recomputes the idle threshold in ticks.
func (m *Manager) SetTickMs(tickMs int) {
	if tickMs <= 0 {
		tickMs = 32
	}
	m.mu.Lock()
	m.idleTicks = uint64(IdleTimeoutMs / tickMs)
	m.mu.Unlock()
}

// Create opens a new phase and returns its id.
func (m *Manager) Create(interiorSeed uint32, tick uint64) uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	for {
		if _, taken := m.phases[m.nextID]; !taken && m.nextID != DefaultID {
			break
		}
		m.nextID++
	}
	m.phases[m.nextID] = newPhase(m.nextID, interiorSeed, tick)
	m.logger.Debug("phase created", logging.Uint32("phase_id", m.nextID))
	return m.nextID
}

// Exists reports whether phaseID is live.
func (m *Manager) Exists(phaseID uint32) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.phases[phaseID]
	return ok
}

// Join moves peerID into phaseID, leaving its previous phase.
func (m *Manager) Join(peerID, phaseID uint32, tick uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	target, ok := m.phases[phaseID]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownPhase, phaseID)
	}
	//1.- Leaving refreshes the old phase so its idle timer starts now.
	if prev, ok := m.membership[peerID]; ok {
		if old := m.phases[prev]; old != nil {
			delete(old.Members, peerID)
			old.LastActiveTick = tick
		}
	}
	target.Members[peerID] = struct{}{}
	target.LastActiveTick = tick
	target.marked = false
	m.membership[peerID] = phaseID
	return nil
}

// Leave removes peerID from its phase.
func (m *Manager) Leave(peerID uint32, tick uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev, ok := m.membership[peerID]
	if !ok {
		return
	}
	delete(m.membership, peerID)
	if p := m.phases[prev]; p != nil {
		delete(p.Members, peerID)
		p.LastActiveTick = tick
	}
}

// PhaseOf returns the phase of peerID, the default phase when unknown.
func (m *Manager) PhaseOf(peerID uint32) uint32 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if id, ok := m.membership[peerID]; ok {
		return id
	}
	return DefaultID
}

// Members returns the sorted members of phaseID.
func (m *Manager) Members(phaseID uint32) []uint32 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.phases[phaseID]
	if !ok {
		return nil
	}
	out := make([]uint32, 0, len(p.Members))
	for id := range p.Members {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Touch marks phaseID as active at tick.
func (m *Manager) Touch(phaseID uint32, tick uint64) {
	m.mu.Lock()
	if p := m.phases[phaseID]; p != nil {
		p.LastActiveTick = tick
		p.marked = false
	}
	m.mu.Unlock()
}

// AdvanceQuest records the authoritative stage of a quest and reports whether it moved forward.
func (m *Manager) AdvanceQuest(phaseID, questHash uint32, stage uint16, tick uint64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.phases[phaseID]
	if !ok {
		return false, fmt.Errorf("%w: %d", ErrUnknownPhase, phaseID)
	}
	p.LastActiveTick = tick
	p.marked = false
	if current, seen := p.QuestStages[questHash]; seen && current >= stage {
		return false, nil
	}
	p.QuestStages[questHash] = stage
	return true, nil
}

// ResetQuests replaces the quest map; only a full resync may move stages backwards.
func (m *Manager) ResetQuests(phaseID uint32, stages map[uint32]uint16) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.phases[phaseID]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownPhase, phaseID)
	}
	p.QuestStages = make(map[uint32]uint16, len(stages))
	for k, v := range stages {
		p.QuestStages[k] = v
	}
	return nil
}

// QuestStages copies the quest map of phaseID.
func (m *Manager) QuestStages(phaseID uint32) map[uint32]uint16 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.phases[phaseID]
	if !ok {
		return nil
	}
	out := make(map[uint32]uint16, len(p.QuestStages))
	for k, v := range p.QuestStages {
		out[k] = v
	}
	return out
}

// VendorSeed returns the stock seed of vendorID inside phaseID, deriving it on first use.
func (m *Manager) VendorSeed(phaseID, vendorID uint32) uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.phases[phaseID]
	if !ok {
		return vendorID
	}
	if seed, ok := p.VendorSeeds[vendorID]; ok {
		return seed
	}
	seed := p.InteriorSeed ^ hash.Fnv1a32(fmt.Sprintf("vendor:%d", vendorID))
	p.VendorSeeds[vendorID] = seed
	return seed
}

// RerollVendor replaces the seed of vendorID, used by the hourly restock.
func (m *Manager) RerollVendor(phaseID, vendorID, seed uint32) {
	m.mu.Lock()
	if p := m.phases[phaseID]; p != nil {
		p.VendorSeeds[vendorID] = seed
	}
	m.mu.Unlock()
}

// GC marks empty phases idle longer than the timeout and deletes those marked by
// the previous pass. It returns the deleted ids.
func (m *Manager) GC(tick uint64) []uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var deleted []uint32
	for id, p := range m.phases {
		if id == DefaultID {
			continue
		}
		idle := len(p.Members) == 0 && tick > p.LastActiveTick && tick-p.LastActiveTick > m.idleTicks
		if !idle {
			p.marked = false
			continue
		}
		//1.- First pass marks, second pass reclaims.
		if p.marked {
			delete(m.phases, id)
			deleted = append(deleted, id)
			continue
		}
		p.marked = true
	}
	sort.Slice(deleted, func(i, j int) bool { return deleted[i] < deleted[j] })
	for _, id := range deleted {
		m.logger.Info("phase collected", logging.Uint32("phase_id", id))
	}
	return deleted
}

// List returns copies of every phase ordered by id.
func (m *Manager) List() []Info {
	m.mu.RLock()
	ids := make([]uint32, 0, len(m.phases))
	for id := range m.phases {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]Info, 0, len(ids))
	for _, id := range ids {
		m.mu.RLock()
		p, ok := m.phases[id]
		if ok {
			out = append(out, Info{
				ID:             p.ID,
				Quests:         len(p.QuestStages),
				LastActiveTick: p.LastActiveTick,
				InteriorSeed:   p.InteriorSeed,
			})
		}
		m.mu.RUnlock()
		if ok {
			out[len(out)-1].Members = m.Members(id)
		}
	}
	return out
}

// Len returns the number of live phases.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.phases)
}
