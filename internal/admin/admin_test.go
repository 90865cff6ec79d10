package admin

import (
	"bytes"
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"cp2077coop/server/internal/auth"
	"cp2077coop/server/internal/connection"
	"cp2077coop/server/internal/journal"
	"cp2077coop/server/internal/logging"
)

type fakeTarget struct {
	peers        map[uint32]*connection.PeerInfo
	disconnected map[uint32]string
}

func newFakeTarget() *fakeTarget {
	return &fakeTarget{
		peers: map[uint32]*connection.PeerInfo{
			1: {ID: 1, Name: "V", Addr: "198.51.100.4:5000"},
			2: {ID: 2, Name: "Jackie", Addr: "198.51.100.9:5001"},
		},
		disconnected: make(map[uint32]string),
	}
}

func (f *fakeTarget) PeerInfo(id uint32) (connection.PeerInfo, bool) {
	p, ok := f.peers[id]
	if !ok {
		return connection.PeerInfo{}, false
	}
	return *p, true
}

func (f *fakeTarget) Peers() []connection.PeerInfo {
	var out []connection.PeerInfo
	for id := uint32(1); id <= 2; id++ {
		if p, ok := f.peers[id]; ok {
			out = append(out, *p)
		}
	}
	return out
}

func (f *fakeTarget) SetMuteUntil(id uint32, ms uint64) bool {
	p, ok := f.peers[id]
	if ok {
		p.MuteUntil = ms
	}
	return ok
}

func (f *fakeTarget) Disconnect(id uint32, reason string) {
	delete(f.peers, id)
	f.disconnected[id] = reason
}

type memJournal struct{ actions []string }

func (m *memJournal) Log(peerID uint32, action string, entityID uint64, delta int64) {
	m.actions = append(m.actions, action)
}

func newConsole(target *fakeTarget, j *memJournal) *Console {
	return NewConsole(target, NewBanList(), WithLogger(logging.NewTestLogger()), WithJournal(j), WithNowMs(func() uint64 { return 10_000 }))
}

func TestConsoleCommands(t *testing.T) {
	target := newFakeTarget()
	j := &memJournal{}
	c := newConsole(target, j)

	if got := c.Execute(ConsoleActor, "mute 2 5"); got != "muted 2 for 5 min" {
		t.Fatalf("unexpected mute reply %q", got)
	}
	if target.peers[2].MuteUntil != 10_000+5*60_000 {
		t.Fatalf("unexpected mute deadline %d", target.peers[2].MuteUntil)
	}
	if got := c.Execute(ConsoleActor, "/unmute 2"); got != "unmuted 2" || target.peers[2].MuteUntil != 0 {
		t.Fatalf("unmute failed: %q", got)
	}
	if got := c.Execute(ConsoleActor, "kick 1"); got != "kicked 1" || target.disconnected[1] != KickReason {
		t.Fatalf("kick failed: %q %v", got, target.disconnected)
	}
	if got := c.Execute(ConsoleActor, "kick 1"); got != "no peer 1" {
		t.Fatalf("expected unknown peer reply, got %q", got)
	}
	for _, line := range []string{"", "dance", "mute 2", "mute 2 0", "kick x", "kick 1 2"} {
		if got := c.Execute(ConsoleActor, line); got != Usage {
			t.Fatalf("%q: expected usage, got %q", line, got)
		}
	}
	if strings.Join(j.actions, ",") != "mute,unmute,kick" {
		t.Fatalf("unexpected journal %v", j.actions)
	}
}

func TestBanKicksAndBlocksRejoin(t *testing.T) {
	target := newFakeTarget()
	c := newConsole(target, &memJournal{})
	if got := c.Execute(ConsoleActor, "ban 2"); got != "banned 2" {
		t.Fatalf("unexpected ban reply %q", got)
	}
	if target.disconnected[2] != KickReason {
		t.Fatalf("ban must kick")
	}
	bans := c.Bans()
	if !bans.Banned(nil, "jackie") {
		t.Fatalf("name ban should be case insensitive")
	}
	addr := &net.UDPAddr{IP: net.ParseIP("198.51.100.9"), Port: 6000}
	if !bans.Banned(addr, "someone-else") {
		t.Fatalf("host ban should match any port")
	}
	if bans.Banned(&net.UDPAddr{IP: net.ParseIP("198.51.100.4"), Port: 5000}, "V") {
		t.Fatalf("unbanned peer matched")
	}
	if got := c.Execute(ConsoleActor, "unban Jackie"); got != "unbanned Jackie" {
		t.Fatalf("unexpected unban reply %q", got)
	}
	if bans.Banned(addr, "Jackie") {
		t.Fatalf("unban should clear name and host")
	}
}

func TestConsoleRunReadsLines(t *testing.T) {
	c := newConsole(newFakeTarget(), &memJournal{})
	var out bytes.Buffer
	err := c.Run(context.Background(), strings.NewReader("list\n\nbogus\n"), &out)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 3 || !strings.HasPrefix(lines[0], "1 V ") || lines[2] != Usage {
		t.Fatalf("unexpected console output %q", out.String())
	}
}

func TestStateFilePersistsSections(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "server.msgpack")
	s, err := OpenStateFile(path, time.Hour, WithStateLogger(logging.NewTestLogger()))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	bans := NewBanList()
	bans.Add(Ban{Name: "Dex", Host: "203.0.113.1", AtMs: 5})
	s.Track(SectionBans, func() any { return bans.List() })
	if err := s.Record(SectionArcade, map[uint32]uint32{7: 9001}); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := OpenStateFile(path, time.Hour)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	var restored []Ban
	if ok, err := reopened.Section(SectionBans, &restored); !ok || err != nil {
		t.Fatalf("bans section missing: %v", err)
	}
	if len(restored) != 1 || restored[0].Name != "Dex" || restored[0].Host != "203.0.113.1" {
		t.Fatalf("unexpected bans %+v", restored)
	}
	var scores map[uint32]uint32
	if ok, _ := reopened.Section(SectionArcade, &scores); !ok || scores[7] != 9001 {
		t.Fatalf("unexpected scores %v", scores)
	}
	if ok, _ := reopened.Section(SectionWorld, &scores); ok {
		t.Fatalf("absent section reported present")
	}
}

type chanSource struct{ ch chan journal.Entry }

func (c chanSource) Subscribe(int) (<-chan journal.Entry, func()) { return c.ch, func() {} }

func TestFeedRequiresTokenAndStreamsEntries(t *testing.T) {
	signer, err := auth.NewSigner("dash-secret", time.Second)
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	src := chanSource{ch: make(chan journal.Entry, 1)}
	server := httptest.NewServer(NewFeed(signer, src, logging.NewTestLogger()))
	defer server.Close()
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")

	if _, resp, err := websocket.DefaultDialer.Dial(wsURL, nil); err == nil || resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got err=%v", err)
	}

	token, err := signer.Issue("operator", time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	header := http.Header{"Authorization": []string{"Bearer " + token}}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	src.ch <- journal.Entry{Tick: 3, PeerID: 1, Action: "kick", EntityID: 2}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got journal.Entry
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.Action != "kick" || got.EntityID != 2 || got.Tick != 3 {
		t.Fatalf("unexpected entry %+v", got)
	}
}
