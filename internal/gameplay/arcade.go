package gameplay

import (
	"math/bits"
	"sync"

	"cp2077coop/server/internal/logging"
	"cp2077coop/server/internal/protocol"
)

// HighScore is the best finished run on one cabinet.
type HighScore struct {
	PeerID uint32 `msgpack:"peer"`
	Score  uint32 `msgpack:"score"`
}

type arcadeRun struct {
	peerID    uint32
	seed      uint32
	score     uint32
	lastFrame uint32
	started   bool
}

// Arcade runs cabinet sessions and keeps the high score table.
type Arcade struct {
	base
	mu     sync.Mutex
	runs   map[uint32]*arcadeRun
	scores map[uint32]HighScore
}

// NewArcade constructs the arcade controller.
func NewArcade(out Outbox, opts ...Option) *Arcade {
	return &Arcade{base: newBase(out, "arcade", opts), runs: make(map[uint32]*arcadeRun), scores: make(map[uint32]HighScore)}
}

// Start opens a run on cabinetID.
func (a *Arcade) Start(cabinetID, peerID, seed uint32) error {
	a.mu.Lock()
	if _, ok := a.runs[cabinetID]; ok {
		a.mu.Unlock()
		return ErrActive
	}
	a.runs[cabinetID] = &arcadeRun{peerID: peerID, seed: seed}
	a.mu.Unlock()
	var q outbound
	q.all(&protocol.ArcadeStart{CabinetID: cabinetID, PeerID: peerID, Seed: seed})
	q.flush(a.out, a.logger)
	return nil
}

// Input scores one frame: every pressed button earns a point. Frames must advance.
func (a *Arcade) Input(peerID, cabinetID, frame uint32, buttons uint8) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	run, ok := a.runs[cabinetID]
	if !ok {
		return ErrInactive
	}
	if run.peerID != peerID {
		return ErrNotOwner
	}
	if run.started && frame <= run.lastFrame {
		return ErrInvalidInput
	}
	run.started = true
	run.lastFrame = frame
	run.score += uint32(bits.OnesCount8(buttons))
	return nil
}

// Score returns the running score on a cabinet.
func (a *Arcade) Score(cabinetID uint32) (uint32, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	run, ok := a.runs[cabinetID]
	if !ok {
		return 0, false
	}
	return run.score, true
}

// End closes the run, broadcasts the final score and records a new high score.
func (a *Arcade) End(peerID, cabinetID uint32) (uint32, error) {
	var q outbound
	a.mu.Lock()
	run, ok := a.runs[cabinetID]
	if !ok {
		a.mu.Unlock()
		return 0, ErrInactive
	}
	if run.peerID != peerID {
		a.mu.Unlock()
		return 0, ErrNotOwner
	}
	delete(a.runs, cabinetID)
	q.all(&protocol.ArcadeEnd{CabinetID: cabinetID})
	q.all(&protocol.ArcadeScore{CabinetID: cabinetID, PeerID: peerID, Score: run.score})
	if best, ok := a.scores[cabinetID]; !ok || run.score > best.Score {
		a.scores[cabinetID] = HighScore{PeerID: peerID, Score: run.score}
		q.all(&protocol.ArcadeHighScore{CabinetID: cabinetID, PeerID: peerID, Score: run.score})
		a.logger.Info("arcade high score", logging.Uint32("cabinet_id", cabinetID), logging.Uint32("peer_id", peerID), logging.Uint32("score", run.score))
	}
	a.mu.Unlock()
	q.flush(a.out, a.logger)
	return run.score, nil
}

// HighScore returns the best run on a cabinet.
func (a *Arcade) HighScore(cabinetID uint32) (HighScore, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	hs, ok := a.scores[cabinetID]
	return hs, ok
}

// HighScores copies the table for persistence.
func (a *Arcade) HighScores() map[uint32]HighScore {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[uint32]HighScore, len(a.scores))
	for k, v := range a.scores {
		out[k] = v
	}
	return out
}

// LoadHighScores replaces the table with persisted entries.
func (a *Arcade) LoadHighScores(scores map[uint32]HighScore) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.scores = make(map[uint32]HighScore, len(scores))
	for k, v := range scores {
		a.scores[k] = v
	}
}

// RemovePeer abandons runs of a departed peer without scoring them.
func (a *Arcade) RemovePeer(peerID uint32) {
	a.mu.Lock()
	for id, run := range a.runs {
		if run.peerID == peerID {
			delete(a.runs, id)
		}
	}
	a.mu.Unlock()
}
