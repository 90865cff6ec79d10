package quest

import (
	"testing"

	"cp2077coop/server/internal/logging"
	"cp2077coop/server/internal/protocol"
	"cp2077coop/server/internal/protocol/protocoltest"
)

type staticMembers map[uint32][]uint32

func (m staticMembers) Members(phaseID uint32) []uint32 { return m[phaseID] }

func newWatchdog(members staticMembers) (*Watchdog, *protocoltest.Recorder) {
	rec := &protocoltest.Recorder{}
	return NewWatchdog(rec, members, WithLogger(logging.NewTestLogger())), rec
}

func advance(w *Watchdog, from, to uint64) {
	for now := from; now <= to; now += CheckIntervalMs {
		w.Tick(now)
	}
}

func TestRecordIgnoresRegressions(t *testing.T) {
	w, _ := newWatchdog(staticMembers{0: {1}})
	if !w.Record(0, 1, 77, 4) {
		t.Fatal("expected first report to be accepted")
	}
	if w.Record(0, 1, 77, 2) {
		t.Fatal("expected regression to be rejected")
	}
	if stage, _ := w.Stage(0, 1, 77); stage != 4 {
		t.Fatalf("expected stage to stay at 4, got %d", stage)
	}
	if w.Stats().Regressions != 1 {
		t.Fatalf("expected one regression counted, got %d", w.Stats().Regressions)
	}
}

func TestLaggingPeerReceivesFullSyncAfterDivergence(t *testing.T) {
	const quest = 0xBEEF
	w, rec := newWatchdog(staticMembers{0: {1, 2}})
	var resynced []uint32
	w.onResync = func(_ uint32, peers []uint32) { resynced = append(resynced, peers...) }

	w.Record(0, 1, quest, 5)
	w.Record(0, 2, quest, 3)
	advance(w, 0, 15000)
	if rec.Count(protocol.MsgQuestFullSync) != 0 {
		t.Fatal("expected no resync before the divergence window elapsed")
	}

	w.Tick(18000)
	syncs := rec.OfType(protocol.MsgQuestFullSync)
	if len(syncs) != 1 || syncs[0].PeerID != 2 {
		t.Fatalf("expected one full sync to peer 2, got %+v", syncs)
	}
	entries := syncs[0].Msg.(*protocol.QuestFullSync).Entries
	if len(entries) != 1 || entries[0] != (protocol.QuestEntry{NameHash: quest, Stage: 5}) {
		t.Fatalf("unexpected entries %+v", entries)
	}
	if stage, _ := w.Stage(0, 2, quest); stage != 5 {
		t.Fatalf("expected lagging peer to be recorded at 5, got %d", stage)
	}
	if len(resynced) != 1 || resynced[0] != 2 {
		t.Fatalf("expected resync callback for peer 2, got %v", resynced)
	}
}

func TestSingleStageSpreadIsTolerated(t *testing.T) {
	w, rec := newWatchdog(staticMembers{0: {1, 2}})
	w.Record(0, 1, 9, 4)
	w.Record(0, 2, 9, 3)
	advance(w, 0, 60000)
	if rec.Count(protocol.MsgQuestFullSync) != 0 {
		t.Fatal("expected a spread of one stage to be tolerated")
	}
}

func TestResyncBudgetPerPhase(t *testing.T) {
	const quest = 5
	w, rec := newWatchdog(staticMembers{0: {1, 2}})
	w.Record(0, 2, quest, 0)

	stage := uint16(3)
	now := uint64(0)
	for round := 0; round < 3; round++ {
		w.Record(0, 1, quest, stage)
		next := now + 18000
		advance(w, now, next)
		now = next + CheckIntervalMs
		stage += 3
	}
	if got := rec.Count(protocol.MsgQuestFullSync); got != MaxResyncs {
		t.Fatalf("expected %d resyncs inside the window, got %d", MaxResyncs, got)
	}
}

func TestApplyFullSyncIsIdempotent(t *testing.T) {
	w, _ := newWatchdog(staticMembers{0: {1}})
	entries := []protocol.QuestEntry{{NameHash: 1, Stage: 2}, {NameHash: 3, Stage: 4}}
	w.ApplyFullSync(0, 1, entries)
	w.ApplyFullSync(0, 1, entries)
	first := w.BuildFullSync(0)
	if len(first) != 2 || first[0].Stage != 2 || first[1].Stage != 4 {
		t.Fatalf("unexpected state after apply: %+v", first)
	}
}

func TestBuildFullSyncCapsEntries(t *testing.T) {
	w, _ := newWatchdog(staticMembers{0: {1}})
	for q := uint32(0); q < 40; q++ {
		w.Record(0, 1, q, 1)
	}
	entries := w.BuildFullSync(0, 39)
	if len(entries) != protocol.MaxQuestEntries {
		t.Fatalf("expected %d entries, got %d", protocol.MaxQuestEntries, len(entries))
	}
	if entries[0].NameHash != 39 {
		t.Fatalf("expected priority quest first, got %d", entries[0].NameHash)
	}
}

func TestCriticalVoteMajority(t *testing.T) {
	w, rec := newWatchdog(staticMembers{2: {1, 2, 3}})
	var passed []bool
	w.onVote = func(_, _ uint32, ok bool) { passed = append(passed, ok) }

	if err := w.StartCriticalVote(2, 44, 1000); err != nil {
		t.Fatalf("start vote: %v", err)
	}
	if err := w.StartCriticalVote(2, 45, 1000); err != ErrVoteActive {
		t.Fatalf("expected ErrVoteActive, got %v", err)
	}
	if err := w.CastVote(2, 1, true); err != nil {
		t.Fatalf("cast: %v", err)
	}
	if len(passed) != 0 {
		t.Fatal("expected vote to stay open with one ballot")
	}
	if err := w.CastVote(2, 2, true); err != nil {
		t.Fatalf("cast: %v", err)
	}
	if len(passed) != 1 || !passed[0] {
		t.Fatalf("expected vote to pass, got %v", passed)
	}
	last, ok := rec.Last(protocol.MsgCriticalVoteResult)
	if !ok || last.PhaseID != 2 || !last.Msg.(*protocol.CriticalVoteResult).Passed {
		t.Fatalf("expected passed result broadcast to phase 2, got %+v", last)
	}
	if err := w.CastVote(2, 3, false); err != ErrNoVote {
		t.Fatalf("expected ErrNoVote after resolution, got %v", err)
	}
}

func TestCriticalVoteTimesOut(t *testing.T) {
	w, rec := newWatchdog(staticMembers{0: {1, 2, 3, 4}})
	w.Tick(0)
	if err := w.StartCriticalVote(0, 7, 100); err != nil {
		t.Fatalf("start vote: %v", err)
	}
	if err := w.CastVote(0, 1, false); err != nil {
		t.Fatalf("cast: %v", err)
	}
	w.Tick(100 + VoteTimeoutMs - 1)
	if rec.Count(protocol.MsgCriticalVoteResult) != 0 {
		t.Fatal("expected vote to remain open before the timeout")
	}
	w.Tick(100 + VoteTimeoutMs)
	last, ok := rec.Last(protocol.MsgCriticalVoteResult)
	if !ok || last.Msg.(*protocol.CriticalVoteResult).Passed {
		t.Fatalf("expected failed result on timeout, got %+v", last)
	}
}
