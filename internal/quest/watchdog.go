package quest

import (
	"sort"
	"sync"

	"cp2077coop/server/internal/logging"
	"cp2077coop/server/internal/protocol"
)

const (
	// CheckIntervalMs is how often divergence is evaluated.
	CheckIntervalMs = 3000
	// DivergenceMs is how long a spread above one stage is tolerated.
	DivergenceMs = 15000
	// ResyncWindowMs is the window in which at most MaxResyncs are sent per phase.
	ResyncWindowMs = 300000
	// MaxResyncs bounds forced resyncs per phase per window.
	MaxResyncs = 2
)

// Outbox delivers watchdog messages.
type Outbox interface {
	Send(peerID uint32, msg protocol.Message) error
	BroadcastPhase(phaseID uint32, msg protocol.Message)
}

// Membership lists the peers currently inside a phase.
type Membership interface {
	Members(phaseID uint32) []uint32
}

type divergenceKey struct {
	phase uint32
	quest uint32
}

// Option customises a Watchdog.
type Option func(*Watchdog)

// WithLogger attaches a logger.
func WithLogger(logger *logging.Logger) Option {
	return func(w *Watchdog) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// OnResync is invoked after a forced resync with the lagging peers.
func OnResync(fn func(phaseID uint32, peers []uint32)) Option {
	return func(w *Watchdog) { w.onResync = fn }
}

// OnVote is invoked when a critical vote resolves.
func OnVote(fn func(phaseID, questHash uint32, passed bool)) Option {
	return func(w *Watchdog) { w.onVote = fn }
}

// Watchdog tracks the quest stage every peer reports inside its phase and
// forces a full resync on peers left behind.
type Watchdog struct {
	mu          sync.Mutex
	out         Outbox
	members     Membership
	logger      *logging.Logger
	stages      map[uint32]map[uint32]map[uint32]uint16
	divergence  map[divergenceKey]uint64
	resyncs     map[uint32][]uint64
	votes       map[uint32]*vote
	started     bool
	lastCheckMs uint64
	regressions uint64
	resyncTotal uint64
	onResync    func(uint32, []uint32)
	onVote      func(uint32, uint32, bool)
}

// NewWatchdog constructs a watchdog that reads membership from members.
func NewWatchdog(out Outbox, members Membership, opts ...Option) *Watchdog {
	w := &Watchdog{
		out:        out,
		members:    members,
		logger:     logging.L(),
		stages:     make(map[uint32]map[uint32]map[uint32]uint16),
		divergence: make(map[divergenceKey]uint64),
		resyncs:    make(map[uint32][]uint64),
		votes:      make(map[uint32]*vote),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(w)
		}
	}
	return w
}

// Record stores the stage a peer reported. Regressions are ignored and counted.
func (w *Watchdog) Record(phaseID, peerID, questHash uint32, stage uint16) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	peers := w.stages[phaseID]
	if peers == nil {
		peers = make(map[uint32]map[uint32]uint16)
		w.stages[phaseID] = peers
	}
	quests := peers[peerID]
	if quests == nil {
		quests = make(map[uint32]uint16)
		peers[peerID] = quests
	}
	if current, ok := quests[questHash]; ok && stage < current {
		w.regressions++
		return false
	}
	quests[questHash] = stage
	return true
}

// Stage returns the stage peerID last reported for questHash in phaseID.
func (w *Watchdog) Stage(phaseID, peerID, questHash uint32) (uint16, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	s, ok := w.stages[phaseID][peerID][questHash]
	return s, ok
}

// RemovePeer forgets every record of peerID.
func (w *Watchdog) RemovePeer(peerID uint32) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for phaseID, peers := range w.stages {
		delete(peers, peerID)
		if len(peers) == 0 {
			delete(w.stages, phaseID)
		}
	}
	for _, v := range w.votes {
		delete(v.ballots, peerID)
	}
}

// ForgetPhase drops the records of a collected phase.
func (w *Watchdog) ForgetPhase(phaseID uint32) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.stages, phaseID)
	delete(w.resyncs, phaseID)
	delete(w.votes, phaseID)
	for key := range w.divergence {
		if key.phase == phaseID {
			delete(w.divergence, key)
		}
	}
}

// BuildFullSync returns the authoritative stage per quest in phaseID, at most
// protocol.MaxQuestEntries entries, quests listed in priority first.
func (w *Watchdog) BuildFullSync(phaseID uint32, priority ...uint32) []protocol.QuestEntry {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buildFullSyncLocked(phaseID, priority)
}

func (w *Watchdog) buildFullSyncLocked(phaseID uint32, priority []uint32) []protocol.QuestEntry {
	best := make(map[uint32]uint16)
	for _, quests := range w.stages[phaseID] {
		for q, s := range quests {
			if s >= best[q] {
				best[q] = s
			}
		}
	}
	first := make(map[uint32]bool, len(priority))
	for _, q := range priority {
		first[q] = true
	}
	entries := make([]protocol.QuestEntry, 0, len(best))
	for q, s := range best {
		entries = append(entries, protocol.QuestEntry{NameHash: q, Stage: s})
	}
	//1.- Diverged quests lead so truncation never drops the quest being repaired.
	sort.Slice(entries, func(i, j int) bool {
		pi, pj := first[entries[i].NameHash], first[entries[j].NameHash]
		if pi != pj {
			return pi
		}
		return entries[i].NameHash < entries[j].NameHash
	})
	if len(entries) > protocol.MaxQuestEntries {
		entries = entries[:protocol.MaxQuestEntries]
	}
	return entries
}

// ApplyFullSync sets peerID's stages to entries. Applying the same sync twice is a no-op.
func (w *Watchdog) ApplyFullSync(phaseID, peerID uint32, entries []protocol.QuestEntry) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.applyLocked(phaseID, peerID, entries)
}

func (w *Watchdog) applyLocked(phaseID, peerID uint32, entries []protocol.QuestEntry) {
	peers := w.stages[phaseID]
	if peers == nil {
		peers = make(map[uint32]map[uint32]uint16)
		w.stages[phaseID] = peers
	}
	quests := peers[peerID]
	if quests == nil {
		quests = make(map[uint32]uint16)
		peers[peerID] = quests
	}
	for _, e := range entries {
		quests[e.NameHash] = e.Stage
	}
}

// Tick evaluates divergence every CheckIntervalMs of simulation time.
func (w *Watchdog) Tick(nowMs uint64) {
	w.mu.Lock()
	if !w.started {
		w.started = true
		w.lastCheckMs = nowMs
	}
	results := w.expireVotesLocked(nowMs)
	if nowMs < w.lastCheckMs+CheckIntervalMs {
		w.mu.Unlock()
		w.announceVotes(results)
		return
	}
	elapsed := nowMs - w.lastCheckMs
	w.lastCheckMs = nowMs
	phases := make([]uint32, 0, len(w.stages))
	for phaseID := range w.stages {
		phases = append(phases, phaseID)
	}
	w.mu.Unlock()
	w.announceVotes(results)

	sort.Slice(phases, func(i, j int) bool { return phases[i] < phases[j] })
	for _, phaseID := range phases {
		//1.- Membership is read outside the lock; the phase manager has its own.
		members := w.members.Members(phaseID)
		w.evaluate(phaseID, members, elapsed, nowMs)
	}
}

type resync struct {
	peerID  uint32
	entries []protocol.QuestEntry
}

func (w *Watchdog) evaluate(phaseID uint32, members []uint32, elapsed, nowMs uint64) {
	w.mu.Lock()
	peers := w.stages[phaseID]
	quests := make(map[uint32]struct{})
	for _, id := range members {
		for q := range peers[id] {
			quests[q] = struct{}{}
		}
	}

	//1.- Accumulate divergence per quest; convergence resets the timer.
	var overdue []uint32
	for q := range quests {
		key := divergenceKey{phase: phaseID, quest: q}
		lo, hi := stageSpread(peers, members, q)
		if hi-lo <= 1 {
			delete(w.divergence, key)
			continue
		}
		w.divergence[key] += elapsed
		if w.divergence[key] > DivergenceMs {
			overdue = append(overdue, q)
		}
	}
	for key := range w.divergence {
		if key.phase != phaseID {
			continue
		}
		if _, ok := quests[key.quest]; !ok {
			delete(w.divergence, key)
		}
	}
	if len(overdue) == 0 {
		w.mu.Unlock()
		return
	}
	sort.Slice(overdue, func(i, j int) bool { return overdue[i] < overdue[j] })

	//2.- Respect the resync budget of the phase.
	window := w.resyncs[phaseID][:0]
	for _, at := range w.resyncs[phaseID] {
		if nowMs < at+ResyncWindowMs {
			window = append(window, at)
		}
	}
	w.resyncs[phaseID] = window
	if len(window) >= MaxResyncs {
		w.mu.Unlock()
		w.logger.Warn("quest resync budget exhausted", logging.Uint32("phase_id", phaseID), logging.Int("overdue", len(overdue)))
		return
	}

	//3.- Send the authoritative map to every peer behind the leader on an overdue quest.
	entries := w.buildFullSyncLocked(phaseID, overdue)
	target := make(map[uint32]uint16, len(entries))
	for _, e := range entries {
		target[e.NameHash] = e.Stage
	}
	var sends []resync
	for _, id := range members {
		behind := false
		for _, q := range overdue {
			if peers[id][q] < target[q] {
				behind = true
				break
			}
		}
		if !behind {
			continue
		}
		w.applyLocked(phaseID, id, entries)
		sends = append(sends, resync{peerID: id, entries: entries})
	}
	for _, q := range overdue {
		delete(w.divergence, divergenceKey{phase: phaseID, quest: q})
	}
	if len(sends) > 0 {
		w.resyncs[phaseID] = append(w.resyncs[phaseID], nowMs)
		w.resyncTotal++
	}
	w.mu.Unlock()

	lagging := make([]uint32, 0, len(sends))
	for _, s := range sends {
		if err := w.out.Send(s.peerID, &protocol.QuestFullSync{Entries: s.entries}); err != nil {
			w.logger.Warn("quest resync send failed", logging.Uint32("peer_id", s.peerID), logging.Error(err))
			continue
		}
		lagging = append(lagging, s.peerID)
	}
	if len(lagging) > 0 {
		w.logger.Info("quest resync forced", logging.Uint32("phase_id", phaseID), logging.Int("peers", len(lagging)))
		if w.onResync != nil {
			w.onResync(phaseID, lagging)
		}
	}
}

func stageSpread(peers map[uint32]map[uint32]uint16, members []uint32, quest uint32) (uint16, uint16) {
	lo, hi := uint16(0xFFFF), uint16(0)
	for _, id := range members {
		s := peers[id][quest]
		if s < lo {
			lo = s
		}
		if s > hi {
			hi = s
		}
	}
	if lo > hi {
		return 0, 0
	}
	return lo, hi
}

// Stats reports watchdog counters.
type Stats struct {
	Regressions uint64
	Resyncs     uint64
	Diverging   int
	ActiveVotes int
}

// Stats copies the counters.
func (w *Watchdog) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return Stats{Regressions: w.regressions, Resyncs: w.resyncTotal, Diverging: len(w.divergence), ActiveVotes: len(w.votes)}
}
