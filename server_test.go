package main

import (
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"cp2077coop/server/internal/admin"
	"cp2077coop/server/internal/config"
	"cp2077coop/server/internal/logging"
	"cp2077coop/server/internal/phase"
	"cp2077coop/server/internal/physics"
	"cp2077coop/server/internal/protocol"
	"cp2077coop/server/internal/quality"
	"cp2077coop/server/internal/transport"
)

type fakeSocket struct {
	mu      sync.Mutex
	sent    map[string][][]byte
	inbound []transport.Datagram
}

func newFakeSocket() *fakeSocket { return &fakeSocket{sent: make(map[string][][]byte)} }

func (s *fakeSocket) Send(addr net.Addr, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent[addr.String()] = append(s.sent[addr.String()], append([]byte(nil), data...))
	return nil
}

func (s *fakeSocket) Poll(max int) []transport.Datagram {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.inbound)
	if n > max {
		n = max
	}
	out := s.inbound[:n]
	s.inbound = s.inbound[n:]
	return out
}

func (s *fakeSocket) push(d transport.Datagram) {
	s.mu.Lock()
	s.inbound = append(s.inbound, d)
	s.mu.Unlock()
}

func (s *fakeSocket) take(addr net.Addr) [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.sent[addr.String()]
	delete(s.sent, addr.String())
	return out
}

type testClient struct {
	addr net.Addr
	keys *transport.KeyPair
	link *transport.Link
	id   uint32
}

func newTestClient(t *testing.T, port int) *testClient {
	t.Helper()
	keys, err := transport.GenerateKeyPair(nil)
	if err != nil {
		t.Fatalf("client keys: %v", err)
	}
	return &testClient{
		addr: &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port},
		keys: keys,
		link: transport.NewLink(0),
	}
}

func (c *testClient) datagram(t *testing.T, msg protocol.Message) transport.Datagram {
	t.Helper()
	payload, err := protocol.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal %s: %v", msg.Type(), err)
	}
	data, err := c.link.Encode(msg.Type(), payload, 0)
	if err != nil {
		t.Fatalf("encode %s: %v", msg.Type(), err)
	}
	return transport.Datagram{Addr: c.addr, Data: data}
}

func (c *testClient) receive(t *testing.T, sock *fakeSocket) []protocol.Message {
	t.Helper()
	var out []protocol.Message
	for _, data := range sock.take(c.addr) {
		frames, err := c.link.Decode(data)
		if err != nil {
			t.Fatalf("client decode: %v", err)
		}
		for _, f := range frames {
			msg, err := protocol.Unmarshal(f.Type, f.Payload)
			if err != nil {
				t.Fatalf("client unmarshal %s: %v", f.Type, err)
			}
			if w, ok := msg.(*protocol.Welcome); ok {
				session, err := transport.NewSession(c.keys, w.Nonce, c.keys.Public, w.Nonce, false)
				if err != nil {
					t.Fatalf("client session: %v", err)
				}
				c.link.Establish(session)
			}
			out = append(out, msg)
		}
	}
	return out
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return &config.Config{
		ServerName:      "test",
		Mode:            "Coop",
		MaxPeers:        4,
		TickMs:          32,
		WorldSeed:       42,
		SaveDir:         filepath.Join(dir, "saves"),
		JournalDir:      filepath.Join(dir, "journal"),
		JournalMaxBytes: 1 << 20,
		AssetCacheDir:   filepath.Join(dir, "assets"),
		AssetMemoryMB:   16,
		VoiceFrameBytes: 256,
		BandwidthBPS:    1 << 20,
		AdminWindow:     time.Minute,
		AdminBurst:      10,
	}
}

func newTestServer(t *testing.T, cfg *config.Config) (*server, *fakeSocket) {
	t.Helper()
	sock := newFakeSocket()
	s, err := newServer(cfg, sock, logging.NewTestLogger())
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	t.Cleanup(func() {
		s.nat.Close()
		_ = s.journal.Close()
		_ = s.phases.Close()
	})
	return s, sock
}

func join(t *testing.T, s *server, sock *fakeSocket, c *testClient) {
	t.Helper()
	s.peers.HandleDatagram(transport.Datagram{Addr: c.addr, Data: mustEncode(t, c, &protocol.Hello{Version: protocol.Version, Nonce: c.keys.Public})}, 0)
	c.receive(t, sock)
	s.peers.HandleDatagram(c.datagram(t, &protocol.JoinRequest{Name: "v"}), 0)
	for _, msg := range c.receive(t, sock) {
		if accept, ok := msg.(*protocol.JoinAccept); ok {
			c.id = accept.PeerID
			return
		}
	}
	t.Fatalf("expected JoinAccept")
}

func mustEncode(t *testing.T, c *testClient, msg protocol.Message) []byte {
	t.Helper()
	return c.datagram(t, msg).Data
}

func TestJoinPlacesPeerInSharedWorld(t *testing.T) {
	s, sock := newTestServer(t, testConfig(t))
	client := newTestClient(t, 6000)
	join(t, s, sock, client)

	if n := s.inGameCount(); n != 1 {
		t.Fatalf("expected one in-game peer, got %d", n)
	}
	members := s.phases.Members(phase.DefaultID)
	if len(members) != 1 || members[0] != client.id {
		t.Fatalf("expected peer %d in the shared phase, got %v", client.id, members)
	}
	if info := s.info(); info.Cur != 1 || info.Max != 4 || info.Password {
		t.Fatalf("unexpected info %+v", info)
	}
}

func TestAvatarUpdateValidation(t *testing.T) {
	s, sock := newTestServer(t, testConfig(t))
	client := newTestClient(t, 6001)
	join(t, s, sock, client)

	update := func(seq uint16, x float32) {
		s.peers.HandleDatagram(client.datagram(t, &protocol.AvatarUpdate{
			Pos: physics.Vec3{X: x},
			Rot: physics.Quat{W: 1},
			Seq: seq,
		}), 0)
	}

	update(1, worldBound*2)
	if _, ok := s.avatar(client.id); ok {
		t.Fatalf("expected out of bounds avatar to be rejected")
	}
	update(2, 10)
	got, ok := s.avatar(client.id)
	if !ok || got.Pos.X != 10 || got.Health != 100 {
		t.Fatalf("expected avatar at x=10 with full health, got %+v ok=%t", got, ok)
	}
	update(2, 50)
	if got, _ := s.avatar(client.id); got.Pos.X != 10 {
		t.Fatalf("expected repeated sequence to be ignored, got x=%v", got.Pos.X)
	}
	update(3, 20)
	if got, _ := s.avatar(client.id); got.Pos.X != 20 {
		t.Fatalf("expected newer sequence to apply, got x=%v", got.Pos.X)
	}
}

func TestWeatherCommand(t *testing.T) {
	s, _ := newTestServer(t, testConfig(t))
	if reply := s.command(1, "weather 5"); reply != "weather set to 5" {
		t.Fatalf("unexpected reply %q", reply)
	}
	if w := s.world.State().Weather; w != 5 {
		t.Fatalf("expected weather 5, got %d", w)
	}
	if reply := s.command(1, "weather 12"); reply != "weather id must be 0-7" {
		t.Fatalf("unexpected reply %q", reply)
	}
	if reply := s.command(1, "snapshot"); reply != "state file disabled" {
		t.Fatalf("unexpected reply %q", reply)
	}
}

func TestSnapshotAndResetCommands(t *testing.T) {
	s, _ := newTestServer(t, testConfig(t))
	state, err := admin.OpenStateFile(filepath.Join(t.TempDir(), "state.msgpack"), time.Hour, admin.WithStateLogger(logging.NewTestLogger()))
	if err != nil {
		t.Fatalf("open state: %v", err)
	}
	defer state.Close()
	if err := s.restore(state); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if reply := s.command(1, "reset"); reply != "no saved world state" {
		t.Fatalf("unexpected reply %q", reply)
	}

	s.world.SetWeather(2)
	if reply := s.command(1, "snapshot"); reply != "world state saved" {
		t.Fatalf("unexpected reply %q", reply)
	}
	s.world.SetWeather(6)
	if reply := s.command(1, "reset"); reply != "world state restored" {
		t.Fatalf("unexpected reply %q", reply)
	}
	if w := s.world.State().Weather; w != 2 {
		t.Fatalf("expected weather 2 after reset, got %d", w)
	}
}

func TestPopulateSeedsWorld(t *testing.T) {
	s, _ := newTestServer(t, testConfig(t))
	if err := s.populate(); err != nil {
		t.Fatalf("populate: %v", err)
	}
	if n := s.crowd.Len(); n != ambientCrowd {
		t.Fatalf("expected %d ambient npcs, got %d", ambientCrowd, n)
	}
	if n := s.vehicles.Len(); n != 1 {
		t.Fatalf("expected the default vehicle, got %d vehicles", n)
	}
}

func TestStepDrainsSocketAndSignalsIdle(t *testing.T) {
	cfg := testConfig(t)
	cfg.IdleShutdownTicks = 3
	s, sock := newTestServer(t, cfg)

	client := newTestClient(t, 6002)
	sock.push(transport.Datagram{Addr: client.addr, Data: mustEncode(t, client, &protocol.Hello{Version: protocol.Version, Nonce: client.keys.Public})})
	s.loop.Advance(32)
	if len(s.peers.Peers()) != 1 {
		t.Fatalf("expected the hello to be drained into a handshaking peer")
	}
	select {
	case <-s.Idle():
		t.Fatalf("expected server with a peer to stay up")
	default:
	}

	s.peers.Close("test")
	s.loop.Advance(32 * 3)
	select {
	case <-s.Idle():
	default:
		t.Fatalf("expected idle channel to close after three empty ticks")
	}
}

func TestWalletParkedOnLeaveAndPersisted(t *testing.T) {
	s, sock := newTestServer(t, testConfig(t))
	state, err := admin.OpenStateFile(filepath.Join(t.TempDir(), "state.msgpack"), time.Hour, admin.WithStateLogger(logging.NewTestLogger()))
	if err != nil {
		t.Fatalf("open state: %v", err)
	}
	defer state.Close()
	if err := s.restore(state); err != nil {
		t.Fatalf("restore: %v", err)
	}

	first := newTestClient(t, 6010)
	join(t, s, sock, first)
	s.ledger.SetBalance(first.id, 1500)
	s.peers.Disconnect(first.id, "quit")
	if got := s.ledger.Parked()["v"]; got != 1500 {
		t.Fatalf("expected wallet parked under the player name, got %d", got)
	}
	if err := state.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	var wallets map[string]uint64
	if ok, err := state.Section(stateWallets, &wallets); err != nil || !ok || wallets["v"] != 1500 {
		t.Fatalf("expected wallet in the state file, got %v ok=%t err=%v", wallets, ok, err)
	}

	second := newTestClient(t, 6011)
	join(t, s, sock, second)
	if second.id == first.id {
		t.Fatalf("expected a fresh peer id")
	}
	if bal := s.ledger.Balance(second.id); bal != 1500 {
		t.Fatalf("expected rejoining player to reclaim 1500, got %d", bal)
	}
}

func TestCoopSaveCarriesLedgerBalance(t *testing.T) {
	s, sock := newTestServer(t, testConfig(t))
	client := newTestClient(t, 6012)
	join(t, s, sock, client)
	s.ledger.SetBalance(client.id, 4200)

	id, err := s.saves.Begin(client.id, 2)
	if err != nil {
		t.Fatalf("begin save: %v", err)
	}
	if err := s.saves.HandleResponse(client.id, &protocol.SaveResponse{RequestID: id, OK: true}); err != nil {
		t.Fatalf("save response: %v", err)
	}
	//1.- The client claims a fortune; the ledger decides what is written.
	claim := protocol.PlayerSaveState{Level: 10, Eddies: 900_000_000, Pos: physics.Vec3{X: 1}, Health: 100}
	if err := s.saves.HandlePlayerData(client.id, &protocol.PlayerSaveData{RequestID: id, State: claim}); err != nil {
		t.Fatalf("player data: %v", err)
	}

	s.ledger.SetBalance(client.id, 0)
	s.world.SetWeather(7)
	if reply := s.command(1, "load 2"); reply != "slot 2 loaded with 1 players" {
		t.Fatalf("unexpected reply %q", reply)
	}
	if bal := s.ledger.Balance(client.id); bal != 4200 {
		t.Fatalf("expected saved balance 4200 restored, got %d", bal)
	}
	if reply := s.command(1, "load 9"); reply == "" || reply[:11] != "load failed" {
		t.Fatalf("expected empty slot to fail, got %q", reply)
	}
}

func TestHeapPressureLowersSectorLOD(t *testing.T) {
	sock := newFakeSocket()
	pressure := quality.SamplerFunc(func() quality.Sample {
		return quality.Sample{HeapUsed: 90, HeapLimit: 100}
	})
	s, err := newServer(testConfig(t), sock, logging.NewTestLogger(), withMemorySampler(pressure))
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	t.Cleanup(func() {
		s.nat.Close()
		_ = s.journal.Close()
		_ = s.phases.Close()
	})

	s.quality.Tick(quality.CheckIntervalMs)
	if got := s.quality.Status(); got.LODTier != 1 || got.Density != quality.DensityReduced {
		t.Fatalf("expected reduced LOD under heap pressure, got %+v", got)
	}
}
