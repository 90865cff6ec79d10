package quest

import (
	"errors"

	"cp2077coop/server/internal/logging"
	"cp2077coop/server/internal/protocol"
)

// VoteTimeoutMs resolves a critical vote with the ballots cast so far.
const VoteTimeoutMs = 30000

var (
	// ErrVoteActive marks a phase that already runs a critical vote.
	ErrVoteActive = errors.New("quest: critical vote already running")
	// ErrNoVote marks a ballot cast outside a vote.
	ErrNoVote = errors.New("quest: no critical vote running")
)

type vote struct {
	questHash uint32
	startedMs uint64
	ballots   map[uint32]bool
}

type voteResult struct {
	phaseID   uint32
	questHash uint32
	passed    bool
}

// StartCriticalVote asks every member of phaseID to confirm a story-critical step.
func (w *Watchdog) StartCriticalVote(phaseID, questHash uint32, nowMs uint64) error {
	w.mu.Lock()
	if _, busy := w.votes[phaseID]; busy {
		w.mu.Unlock()
		return ErrVoteActive
	}
	w.votes[phaseID] = &vote{questHash: questHash, startedMs: nowMs, ballots: make(map[uint32]bool)}
	w.mu.Unlock()
	w.out.BroadcastPhase(phaseID, &protocol.CriticalVoteStart{PhaseID: phaseID, QuestHash: questHash})
	return nil
}

// CastVote records a ballot and resolves the vote once a majority is certain.
func (w *Watchdog) CastVote(phaseID, peerID uint32, yes bool) error {
	members := w.members.Members(phaseID)
	w.mu.Lock()
	v, ok := w.votes[phaseID]
	if !ok {
		w.mu.Unlock()
		return ErrNoVote
	}
	v.ballots[peerID] = yes
	yesCount, noCount := 0, 0
	for _, id := range members {
		ballot, cast := v.ballots[id]
		if !cast {
			continue
		}
		if ballot {
			yesCount++
		} else {
			noCount++
		}
	}
	//1.- A strict majority either way settles the outcome early.
	var results []voteResult
	switch {
	case yesCount*2 > len(members):
		results = append(results, voteResult{phaseID: phaseID, questHash: v.questHash, passed: true})
	case noCount*2 >= len(members) && len(members) > 0:
		results = append(results, voteResult{phaseID: phaseID, questHash: v.questHash, passed: false})
	}
	if len(results) > 0 {
		delete(w.votes, phaseID)
	}
	w.mu.Unlock()
	w.announceVotes(results)
	return nil
}

func (w *Watchdog) expireVotesLocked(nowMs uint64) []voteResult {
	var results []voteResult
	for phaseID, v := range w.votes {
		if nowMs < v.startedMs+VoteTimeoutMs {
			continue
		}
		yes, no := 0, 0
		for _, ballot := range v.ballots {
			if ballot {
				yes++
			} else {
				no++
			}
		}
		results = append(results, voteResult{phaseID: phaseID, questHash: v.questHash, passed: yes > no})
		delete(w.votes, phaseID)
	}
	return results
}

func (w *Watchdog) announceVotes(results []voteResult) {
	for _, r := range results {
		w.out.BroadcastPhase(r.phaseID, &protocol.CriticalVoteResult{QuestHash: r.questHash, Passed: r.passed})
		w.logger.Info("critical vote resolved", logging.Uint32("phase_id", r.phaseID), logging.Uint32("quest", r.questHash), logging.Bool("passed", r.passed))
		if w.onVote != nil {
			w.onVote(r.phaseID, r.questHash, r.passed)
		}
	}
}
