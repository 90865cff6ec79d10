package main

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sasha-s/go-deadlock"

	"cp2077coop/server/internal/admin"
	"cp2077coop/server/internal/assets"
	"cp2077coop/server/internal/config"
	"cp2077coop/server/internal/connection"
	"cp2077coop/server/internal/events"
	"cp2077coop/server/internal/gameplay"
	"cp2077coop/server/internal/inventory"
	"cp2077coop/server/internal/journal"
	"cp2077coop/server/internal/logging"
	"cp2077coop/server/internal/nat"
	"cp2077coop/server/internal/networking"
	"cp2077coop/server/internal/phase"
	"cp2077coop/server/internal/physics"
	"cp2077coop/server/internal/protocol"
	"cp2077coop/server/internal/quality"
	"cp2077coop/server/internal/quest"
	"cp2077coop/server/internal/save"
	"cp2077coop/server/internal/simulation"
	"cp2077coop/server/internal/transport"
	"cp2077coop/server/internal/vehicles"
	"cp2077coop/server/internal/voice"
)

const (
	// worldBound is the playable half-extent in metres on every axis.
	worldBound float32 = 10000
	// maxDatagramsPerTick bounds the socket drain of one step.
	maxDatagramsPerTick = 1024
	// defaultVehicle is spawned at the origin of the shared world on boot.
	defaultVehicle = "quadra_type66"
	// ambientCrowd is the number of NPCs seeded around the origin.
	ambientCrowd = 8

	stateWorld   = "world"
	stateBans    = "bans"
	stateArcade  = "arcade"
	stateWallets = "wallets"
)

// socket is the datagram endpoint drained once per step.
type socket interface {
	Send(addr net.Addr, data []byte) error
	Poll(max int) []transport.Datagram
}

// serverOption customises a server.
type serverOption func(*server)

// withWallClock overrides the wall clock used for rate limits, saves and uptime.
func withWallClock(now func() time.Time) serverOption {
	return func(s *server) {
		if now != nil {
			s.now = now
		}
	}
}

// withGameAddr advertises addr as the host NAT candidate.
func withGameAddr(addr *net.UDPAddr) serverOption {
	return func(s *server) { s.gameAddr = addr }
}

// withMemorySampler replaces the runtime memory sampler of the quality controller.
func withMemorySampler(sampler quality.MemorySampler) serverOption {
	return func(s *server) {
		if sampler != nil {
			s.sampler = sampler
		}
	}
}

// server composes every authoritative component and owns the step pipeline.
type server struct {
	cfg      *config.Config
	logger   *logging.Logger
	sock     socket
	now      func() time.Time
	started  time.Time
	gameAddr *net.UDPAddr
	sampler  quality.MemorySampler

	clock   *simulation.Clock
	monitor *simulation.TickMonitor
	loop    *simulation.Loop
	rate    simulation.RateAdapter
	world   *worldClock

	bandwidth  *networking.BandwidthRegulator
	snapStats  *networking.SnapshotMetrics
	peers      *connection.Manager
	phases     *phase.Manager
	quests     *quest.Watchdog
	replicator *networking.Replicator

	vehicles  *vehicles.Controller
	crowd     *gameplay.Crowd
	elevators *gameplay.Elevators
	breaches  *gameplay.Breaches
	doors     *gameplay.Doors
	carries   *gameplay.Carries
	grenades  *gameplay.Grenades
	transit   *gameplay.Transit
	arcade    *gameplay.Arcade
	cameras   *gameplay.Cameras

	ledger *inventory.Ledger
	store  *inventory.Store
	trades *inventory.Trades
	market *inventory.Market

	relay   *voice.Relay
	lowbw   *voice.Monitor
	assets  *assets.Manager
	nat     *nat.Manager
	saves   *save.Coordinator
	quality *quality.Controller

	bans    *admin.BanList
	console *admin.Console
	journal *journal.Journal
	events  *events.Stream
	audit   *auditTrail
	state   *admin.StateFile

	avatarMu deadlock.Mutex
	avatars  map[uint32]protocol.TransformSnap

	// step-local timers, only touched from the tick goroutine
	idleTicks  int
	memCheckMs uint32
	maintainMs uint32

	idleOnce sync.Once
	idle     chan struct{}
}

// newServer wires the components around sock. Nothing runs until start.
func newServer(cfg *config.Config, sock socket, logger *logging.Logger, opts ...serverOption) (*server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("server: nil config")
	}
	if logger == nil {
		logger = logging.L()
	}
	s := &server{
		cfg:     cfg,
		logger:  logger,
		sock:    sock,
		now:     time.Now,
		sampler: quality.RuntimeSampler{},
		avatars: make(map[uint32]protocol.TransformSnap),
		idle:    make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.started = s.now()
	s.clock = simulation.NewClock(cfg.TickMs)
	logger = logger.WithTick(s.clock.CurrentTick)
	s.logger = logger
	s.monitor = simulation.NewTickMonitor()
	s.monitor.SetBudget(s.clock.TickMs())
	s.world = newWorldClock(cfg.WorldSeed)

	//1.- Persistence and audit sinks come first so every component can record.
	phases, err := phase.NewManager(s.clock.TickMs(), cfg.WorldSeed, phase.WithLogger(logger.Named("phase")))
	if err != nil {
		return nil, fmt.Errorf("phase manager: %w", err)
	}
	s.phases = phases
	s.events = events.NewStream(events.Config{Clock: s.now})
	j, err := journal.Open(cfg.JournalDir,
		journal.WithLogger(logger.Named("journal")),
		journal.WithMaxBytes(cfg.JournalMaxBytes),
		journal.WithTick(s.clock.CurrentTick),
	)
	if err != nil {
		phases.Close()
		return nil, fmt.Errorf("open journal: %w", err)
	}
	s.journal = j
	s.audit = newAuditTrail(j, s.events, s.clock.CurrentTick, logger.Named("audit"))

	//2.- The peer table is the outbox of every controller.
	s.bans = admin.NewBanList()
	s.bandwidth = networking.NewBandwidthRegulator(float64(cfg.BandwidthBPS), s.now)
	s.snapStats = networking.NewSnapshotMetrics()
	s.peers = connection.NewManager(sock, connection.Options{
		MaxPeers:        cfg.MaxPeers,
		Password:        cfg.Password,
		AdminToken:      cfg.AdminToken,
		WorldSeed:       cfg.WorldSeed,
		VoiceFrameBytes: cfg.VoiceFrameBytes,
	},
		connection.WithLogger(logger.Named("connection")),
		connection.WithThrottle(s.bandwidth),
		connection.WithClock(s.now),
		connection.WithWorld(s.world.State),
		connection.WithTickMs(func() uint16 { return uint16(s.clock.TickMs()) }),
		connection.WithPhaseBundle(s.phases.Bundle),
		connection.WithBanCheck(s.bans.Banned),
		connection.WithCommandHandler(s.command),
		connection.OnJoin(s.onJoin),
		connection.OnLeave(s.onLeave),
	)
	s.console = admin.NewConsole(s.peers, s.bans,
		admin.WithLogger(logger.Named("console")),
		admin.WithJournal(s.audit),
		admin.WithNowMs(s.clock.TimeMs),
	)
	s.replicator = networking.NewReplicator(s.peers,
		networking.WithReplicatorLogger(logger.Named("replication")),
		networking.WithMetrics(s.snapStats),
	)
	s.quests = quest.NewWatchdog(s.peers, s.phases,
		quest.WithLogger(logger.Named("quest")),
		quest.OnResync(s.onResync),
		quest.OnVote(s.onVote),
	)

	//3.- Gameplay controllers.
	s.vehicles = vehicles.NewController(s.peers, vehicles.WithLogger(logger.Named("vehicles")), vehicles.OnExplode(s.onExplode))
	gl := gameplay.WithLogger(logger)
	s.crowd = gameplay.NewCrowd(s.peers, cfg.WorldSeed, gl)
	s.elevators = gameplay.NewElevators(s.peers, gl)
	s.breaches = gameplay.NewBreaches(s.peers, cfg.WorldSeed, gl)
	s.breaches.OnResult(s.onBreach)
	s.doors = gameplay.NewDoors(s.peers, gl)
	s.carries = gameplay.NewCarries(s.peers, gl)
	s.grenades = gameplay.NewGrenades(s.peers, gl)
	s.transit = gameplay.NewTransit(s.peers, gl)
	s.arcade = gameplay.NewArcade(s.peers, gl)
	s.cameras = gameplay.NewCameras(s.peers, audience{peers: s.peers}, gl)

	s.ledger = inventory.NewLedger(inventory.WithLedgerLogger(logger.Named("ledger")), inventory.WithLedgerJournal(s.audit))
	s.store = inventory.NewStore(s.peers, s.ledger, inventory.WithLogger(logger.Named("inventory")), inventory.WithJournal(s.audit))
	s.trades = inventory.NewTrades(s.store)
	s.market = inventory.NewMarket(s.store, s.phases)

	//4.- Streaming and background services.
	s.relay = voice.NewRelay(s.peers, s, voice.WithLogger(logger.Named("voice")))
	s.lowbw = voice.NewMonitor(s.peers, logger.Named("lowbw"))
	s.assets = assets.NewManager(s.peers, assets.Config{
		CacheDir:    cfg.AssetCacheDir,
		MemoryLimit: uint64(cfg.AssetMemoryMB) << 20,
	}, assets.WithLogger(logger.Named("assets")), assets.WithClock(s.now))
	s.nat = nat.NewManager(s.peers, s.traversal, nat.WithLogger(logger.Named("nat")), nat.OnResult(s.onNatResult))
	s.saves = save.NewCoordinator(cfg.SaveDir, s.peers, s.inGamePeers,
		save.WithLogger(logger.Named("save")),
		save.WithClock(s.now),
		save.WithWorld(s.saveWorld),
		save.WithWallets(s.ledger.Balance),
		save.OnComplete(s.onSave),
	)
	s.quality = quality.NewController(s.peers, s.sampler, quality.WithLogger(logger.Named("quality")), quality.OnBiasChange(s.onBiasChange))

	s.loop = simulation.NewLoop(s.clock, s.step, simulation.WithTickMonitor(s.monitor))
	s.registerHandlers()
	return s, nil
}

// restore loads the persisted world, bans and arcade table. Bans and scores
// are tracked on every flush; the world is only written by checkpoint.
func (s *server) restore(state *admin.StateFile) error {
	if state == nil {
		return nil
	}
	s.state = state
	var world worldRecord
	if ok, err := state.Section(stateWorld, &world); err != nil {
		return fmt.Errorf("load world state: %w", err)
	} else if ok {
		s.world.restore(world)
	}
	var bans []admin.Ban
	if ok, err := state.Section(stateBans, &bans); err != nil {
		return fmt.Errorf("load bans: %w", err)
	} else if ok {
		s.bans.Replace(bans)
	}
	var scores map[uint32]gameplay.HighScore
	if ok, err := state.Section(stateArcade, &scores); err != nil {
		return fmt.Errorf("load arcade scores: %w", err)
	} else if ok {
		s.arcade.LoadHighScores(scores)
	}
	var wallets map[string]uint64
	if ok, err := state.Section(stateWallets, &wallets); err != nil {
		return fmt.Errorf("load wallets: %w", err)
	} else if ok {
		s.ledger.LoadParked(wallets)
	}
	state.Track(stateBans, func() any { return s.bans.List() })
	state.Track(stateArcade, func() any { return s.arcade.HighScores() })
	state.Track(stateWallets, func() any { return s.ledger.Parked() })
	s.logger.Info("server state restored", logging.Strings("sections", state.Sections()))
	return nil
}

// populate seeds the shared world: metro lines, an ambient crowd and the
// default vehicle.
func (s *server) populate() error {
	for _, line := range metroLines {
		if err := s.transit.AddLine(line.id, line.stations); err != nil {
			return fmt.Errorf("metro line %d: %w", line.id, err)
		}
	}
	rng := newCrowdLayout(s.cfg.WorldSeed)
	for i := 0; i < ambientCrowd; i++ {
		tpl, pos, look := rng.next()
		s.crowd.Spawn(tpl, phase.DefaultID, pos, look)
	}
	spawn := protocol.TransformSnap{Rot: physics.Quat{W: 1}, Health: 1000}
	id, err := s.vehicles.Spawn(vehicles.ArchetypeID(defaultVehicle), 0, phase.DefaultID, 0, spawn, s.clock.TimeMs())
	if err != nil {
		return fmt.Errorf("spawn %s: %w", defaultVehicle, err)
	}
	s.logger.Info("default vehicle spawned", logging.String("archetype", defaultVehicle), logging.Uint32("vehicle_id", id))
	return nil
}

// Listeners lists the in-game peers of a phase for the voice relay.
func (s *server) Listeners(phaseID uint32) []voice.Listener {
	var out []voice.Listener
	for _, info := range s.peers.Peers() {
		if info.State == connection.StateInGame && info.PhaseID == phaseID {
			out = append(out, voice.Listener{PeerID: info.ID, VoiceCap: info.VoiceCap})
		}
	}
	return out
}

func (s *server) inGamePeers() []uint32 {
	var out []uint32
	for _, info := range s.peers.Peers() {
		if info.State == connection.StateInGame {
			out = append(out, info.ID)
		}
	}
	return out
}

func (s *server) traversal(peerID uint32) nat.Traversal {
	return nat.NewHostTraversal(s.gameAddr)
}

func (s *server) saveWorld() save.WorldState {
	w := s.world.State()
	return save.WorldState{
		GameTimeMs: s.world.GameTimeMs(),
		Weather:    uint32(w.Weather),
		Timestamp:  uint64(s.now().UnixMilli()),
	}
}

// loadSave applies a co-op save: world time and weather immediately, wallets
// to in-game peers now and to the others when they join.
func (s *server) loadSave(slot uint32) (save.Data, error) {
	d, err := s.saves.Load(slot)
	if err != nil {
		return save.Data{}, err
	}
	rec := s.world.record()
	rec.GameTimeMs = d.World.GameTimeMs
	rec.Weather = uint8(d.World.Weather)
	s.world.restore(rec)

	pending := make(map[uint32]uint64, len(d.Players))
	for _, p := range d.Players {
		pending[p.PeerID] = p.Eddies
	}
	for _, id := range s.inGamePeers() {
		if bal, ok := pending[id]; ok {
			s.ledger.SetBalance(id, bal)
			delete(pending, id)
		}
	}
	s.ledger.Seed(pending)
	s.peers.Broadcast(&protocol.WorldStateMsg{World: s.world.State()})
	s.logger.Info("co-op save loaded", logging.Uint32("slot", slot), logging.Int("players", len(d.Players)), logging.String("session_id", d.SessionID.String()))
	return d, nil
}

// checkpoint records the world section and writes the state file.
func (s *server) checkpoint() error {
	if s.state == nil {
		return nil
	}
	if err := s.state.Record(stateWorld, s.world.record()); err != nil {
		return err
	}
	return s.state.Flush()
}

func (s *server) avatar(peerID uint32) (protocol.TransformSnap, bool) {
	s.avatarMu.Lock()
	defer s.avatarMu.Unlock()
	t, ok := s.avatars[peerID]
	return t, ok
}

func (s *server) setAvatar(peerID uint32, t protocol.TransformSnap) {
	s.avatarMu.Lock()
	s.avatars[peerID] = t
	s.avatarMu.Unlock()
}

func (s *server) dropAvatar(peerID uint32) {
	s.avatarMu.Lock()
	delete(s.avatars, peerID)
	s.avatarMu.Unlock()
}

// audience adapts the peer table for the camera controller.
type audience struct {
	peers *connection.Manager
}

func (a audience) Peers() []uint32 {
	list := a.peers.Peers()
	out := make([]uint32, 0, len(list))
	for _, info := range list {
		if info.State == connection.StateInGame {
			out = append(out, info.ID)
		}
	}
	return out
}

func (a audience) LowBandwidth(peerID uint32) bool {
	p, ok := a.peers.Peer(peerID)
	return ok && p.LowBW()
}
