package save

import (
	"errors"
	"os"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"

	"cp2077coop/server/internal/logging"
	"cp2077coop/server/internal/physics"
	"cp2077coop/server/internal/protocol"
	"cp2077coop/server/internal/protocol/protocoltest"
)

type fixture struct {
	c       *Coordinator
	rec     *protocoltest.Recorder
	now     time.Time
	dir     string
	results []Result
	game    uint64
}

func newFixture(t *testing.T, peers ...uint32) *fixture {
	t.Helper()
	f := &fixture{rec: &protocoltest.Recorder{}, now: time.Unix(1_700_000_000, 0), dir: t.TempDir(), game: 1000}
	f.c = NewCoordinator(f.dir, f.rec, func() []uint32 { return peers },
		WithLogger(logging.NewTestLogger()),
		WithClock(func() time.Time { return f.now }),
		WithWorld(func() WorldState { return WorldState{GameTimeMs: f.game, Weather: 2} }),
		OnComplete(func(r Result) { f.results = append(f.results, r) }),
	)
	return f
}

func player(peerID uint32) protocol.PlayerSaveState {
	return protocol.PlayerSaveState{PeerID: peerID, Level: 20, StreetCred: 10, Eddies: 5000, Pos: physics.Vec3{X: 10, Y: 20, Z: 1}, Health: 100}
}

func (f *fixture) contribute(t *testing.T, id ulid.ULID, peerID uint32) {
	t.Helper()
	if err := f.c.HandleResponse(peerID, &protocol.SaveResponse{RequestID: id, OK: true}); err != nil {
		t.Fatalf("response from %d: %v", peerID, err)
	}
	if err := f.c.HandlePlayerData(peerID, &protocol.PlayerSaveData{RequestID: id, State: player(peerID)}); err != nil {
		t.Fatalf("player data from %d: %v", peerID, err)
	}
}

func lastCompletion(t *testing.T, rec *protocoltest.Recorder) *protocol.SaveCompletion {
	t.Helper()
	sent, ok := rec.Last(protocol.MsgSaveCompletion)
	if !ok {
		t.Fatal("expected a SaveCompletion broadcast")
	}
	if sent.Scope != protocoltest.ScopeAll {
		t.Fatalf("expected completion to be broadcast, got scope %d", sent.Scope)
	}
	return sent.Msg.(*protocol.SaveCompletion)
}

func TestQuorumSaveWritesSlot(t *testing.T) {
	f := newFixture(t, 1, 2)
	id, err := f.c.Begin(1, 3)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if got := f.rec.Count(protocol.MsgSaveRequest); got != 2 {
		t.Fatalf("expected a SaveRequest per peer, got %d", got)
	}
	f.contribute(t, id, 1)
	if !f.c.InProgress() {
		t.Fatal("expected save to wait for the second peer")
	}
	f.contribute(t, id, 2)

	done := lastCompletion(t, f.rec)
	if !done.OK || ulid.ULID(done.RequestID) != id {
		t.Fatalf("expected successful completion for %s, got %+v", id, done)
	}
	data, err := f.c.Load(3)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(data.Players) != 2 || data.Players[0].PeerID != 1 || data.Players[1].PeerID != 2 {
		t.Fatalf("unexpected player states %+v", data.Players)
	}
	if data.SessionID != f.c.SessionID() || data.World.GameTimeMs != 1000 || data.Version != Version {
		t.Fatalf("unexpected save header %+v", data)
	}
	if len(f.results) != 1 || !f.results[0].OK || f.results[0].Players != 2 {
		t.Fatalf("unexpected results %+v", f.results)
	}
}

func TestDeclineFailsSave(t *testing.T) {
	f := newFixture(t, 1, 2)
	id, _ := f.c.Begin(1, 0)
	f.contribute(t, id, 1)
	if err := f.c.HandleResponse(2, &protocol.SaveResponse{RequestID: id, OK: false, Reason: "in combat"}); err != nil {
		t.Fatalf("decline: %v", err)
	}
	done := lastCompletion(t, f.rec)
	if done.OK || done.Reason != "in combat" {
		t.Fatalf("expected failure carrying the reason, got %+v", done)
	}
	if _, err := os.Stat(SlotPath(f.dir, 0)); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected no save file, stat err %v", err)
	}
}

func TestTimeoutFailsSave(t *testing.T) {
	f := newFixture(t, 1, 2)
	id, _ := f.c.Begin(1, 0)
	f.contribute(t, id, 1)
	f.now = f.now.Add(59 * time.Second)
	f.c.Tick(f.now)
	if !f.c.InProgress() {
		t.Fatal("expected save to survive until the deadline")
	}
	f.now = f.now.Add(2 * time.Second)
	f.c.Tick(f.now)
	if f.c.InProgress() {
		t.Fatal("expected save to expire")
	}
	if done := lastCompletion(t, f.rec); done.OK || done.Reason != "save timed out" {
		t.Fatalf("unexpected completion %+v", done)
	}
	if err := f.c.HandleResponse(2, &protocol.SaveResponse{RequestID: id, OK: true}); !errors.Is(err, ErrUnknownSave) {
		t.Fatalf("expected late response to be rejected, got %v", err)
	}
}

func TestConcurrentBeginRejected(t *testing.T) {
	f := newFixture(t, 1)
	if _, err := f.c.Begin(1, 0); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if _, err := f.c.Begin(1, 1); !errors.Is(err, ErrInProgress) {
		t.Fatalf("expected ErrInProgress, got %v", err)
	}
	f.c.HandleBegin(1, &protocol.SaveBegin{Slot: 99})
	sent, ok := f.rec.Last(protocol.MsgSaveCompletion)
	if !ok || sent.Scope != protocoltest.ScopePeer || sent.Msg.(*protocol.SaveCompletion).OK {
		t.Fatalf("expected failure sent to initiator only, got %+v", sent)
	}
}

func TestInvalidPlayerStateFailsSave(t *testing.T) {
	f := newFixture(t, 1)
	id, _ := f.c.Begin(1, 0)
	_ = f.c.HandleResponse(1, &protocol.SaveResponse{RequestID: id, OK: true})
	bad := player(1)
	bad.Level = 51
	if err := f.c.HandlePlayerData(1, &protocol.PlayerSaveData{RequestID: id, State: bad}); !errors.Is(err, ErrInvalidPlayer) {
		t.Fatalf("expected ErrInvalidPlayer, got %v", err)
	}
	if done := lastCompletion(t, f.rec); done.OK {
		t.Fatal("expected failed completion")
	}
}

func TestDisconnectFailsSave(t *testing.T) {
	f := newFixture(t, 1, 2)
	f.c.Begin(1, 0)
	f.c.RemovePeer(2)
	if done := lastCompletion(t, f.rec); done.OK {
		t.Fatal("expected failure when a participant disconnects")
	}
}

func TestGameTimeMustNotRegress(t *testing.T) {
	f := newFixture(t, 1)
	id, _ := f.c.Begin(1, 0)
	f.contribute(t, id, 1)
	if !lastCompletion(t, f.rec).OK {
		t.Fatal("expected first save to succeed")
	}

	f.game = 500
	id, _ = f.c.Begin(1, 1)
	f.contribute(t, id, 1)
	if done := lastCompletion(t, f.rec); done.OK {
		t.Fatalf("expected regression to fail validation, got %+v", done)
	}

	// A fresh coordinator recovers the watermark from disk.
	g := NewCoordinator(f.dir, f.rec, func() []uint32 { return []uint32{1} }, WithLogger(logging.NewTestLogger()),
		WithWorld(func() WorldState { return WorldState{GameTimeMs: 10} }))
	id, _ = g.Begin(1, 2)
	_ = g.HandleResponse(1, &protocol.SaveResponse{RequestID: id, OK: true})
	_ = g.HandlePlayerData(1, &protocol.PlayerSaveData{RequestID: id, State: player(1)})
	if done := lastCompletion(t, f.rec); done.OK {
		t.Fatal("expected watermark to survive restart")
	}
}

func TestValidatePlayerBounds(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*protocol.PlayerSaveState)
		ok     bool
	}{
		{"valid", func(*protocol.PlayerSaveState) {}, true},
		{"level", func(p *protocol.PlayerSaveState) { p.Level = 51 }, false},
		{"eddies", func(p *protocol.PlayerSaveState) { p.Eddies = 1_000_000_000 }, false},
		{"position", func(p *protocol.PlayerSaveState) { p.Pos = physics.Vec3{X: 10_001} }, false},
		{"peer", func(p *protocol.PlayerSaveState) { p.PeerID = 0 }, false},
	}
	for _, tc := range cases {
		st := player(1)
		tc.mutate(&st)
		if err := ValidatePlayer(st); (err == nil) != tc.ok {
			t.Fatalf("%s: unexpected result %v", tc.name, err)
		}
	}
}

func TestEnvelopeDetectsCorruption(t *testing.T) {
	dir := t.TempDir()
	d := &Data{Slot: 4, Timestamp: 99, Version: Version, Players: []protocol.PlayerSaveState{player(7)}, World: WorldState{GameTimeMs: 5}}
	d.Checksum = d.Sum()
	if err := Write(dir, d); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := Read(dir, 4)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if err := Validate(&got, 0); err != nil {
		t.Fatalf("validate: %v", err)
	}

	raw, _ := os.ReadFile(SlotPath(dir, 4))
	raw[len(raw)-1] ^= 0xFF
	if err := os.WriteFile(SlotPath(dir, 4), raw, 0o644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	if _, err := Read(dir, 4); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("expected ErrCorrupt, got %v", err)
	}
	if _, err := Read(dir, 5); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestChecksumCoversPlayers(t *testing.T) {
	d := &Data{Players: []protocol.PlayerSaveState{player(1)}}
	d.Checksum = d.Sum()
	d.Players[0].Eddies++
	if err := Validate(d, 0); !errors.Is(err, ErrChecksum) {
		t.Fatalf("expected ErrChecksum, got %v", err)
	}
}

func TestWalletsOverrideReportedEddies(t *testing.T) {
	dir := t.TempDir()
	rec := &protocoltest.Recorder{}
	c := NewCoordinator(dir, rec, func() []uint32 { return []uint32{4} },
		WithLogger(logging.NewTestLogger()),
		WithWallets(func(peerID uint32) uint64 { return uint64(peerID) * 100 }),
	)
	id, err := c.Begin(4, 1)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := c.HandleResponse(4, &protocol.SaveResponse{RequestID: id, OK: true}); err != nil {
		t.Fatalf("response: %v", err)
	}
	if err := c.HandlePlayerData(4, &protocol.PlayerSaveData{RequestID: id, State: player(4)}); err != nil {
		t.Fatalf("player data: %v", err)
	}
	data, err := c.Load(1)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if data.Players[0].Eddies != 400 {
		t.Fatalf("expected ledger balance 400 in the save, got %d", data.Players[0].Eddies)
	}
}
