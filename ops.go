package main

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"

	"cp2077coop/server/internal/admin"
	"cp2077coop/server/internal/auth"
	"cp2077coop/server/internal/connection"
	opsgrpc "cp2077coop/server/internal/grpc"
	httpapi "cp2077coop/server/internal/http"
	"cp2077coop/server/internal/logging"
)

const (
	httpReadHeaderTimeout = 5 * time.Second
	dashLeeway            = 30 * time.Second
)

// info is the public /info summary.
func (s *server) info() httpapi.Info {
	return httpapi.Info{
		Name:     s.cfg.ServerName,
		Cur:      s.inGameCount(),
		Max:      s.peers.MaxPeers(),
		Password: s.cfg.Password != "",
		Mode:     s.cfg.Mode,
	}
}

func (s *server) inGameCount() int {
	n := 0
	for _, info := range s.peers.Peers() {
		if info.State == connection.StateInGame {
			n++
		}
	}
	return n
}

// session is the body announced to the master server.
func (s *server) session() sessionAnnounce {
	return sessionAnnounce{
		ID:       s.saves.SessionID().String(),
		Cur:      s.inGameCount(),
		Max:      s.peers.MaxPeers(),
		Password: s.cfg.Password != "",
		Mode:     s.cfg.Mode,
	}
}

// PeerCounts reports in-game and handshaking peers for /readyz.
func (s *server) PeerCounts() (inGame, handshaking int) {
	for _, info := range s.peers.Peers() {
		switch info.State {
		case connection.StateInGame:
			inGame++
		case connection.StateHandshaking, connection.StateLobby:
			handshaking++
		}
	}
	return inGame, handshaking
}

// StartupError is always nil once the server is constructed.
func (s *server) StartupError() error { return nil }

// Uptime is the wall time since construction.
func (s *server) Uptime() time.Duration { return s.now().Sub(s.started) }

// metrics gathers the /metrics counters.
func (s *server) metrics() httpapi.Metrics {
	tick := s.monitor.Snapshot()
	drops := s.peers.Drops()
	q := s.quality.Status()
	voice := s.relay.Stats()
	a := s.assets.Stats()
	j := s.journal.Stats()
	return httpapi.Metrics{
		Tick:            s.clock.CurrentTick(),
		TickMs:          s.clock.TickMs(),
		AvgTickMs:       float64(tick.Average) / float64(time.Millisecond),
		MaxTickMs:       float64(tick.Max) / float64(time.Millisecond),
		Peers:           s.inGameCount(),
		Phases:          s.phases.Len(),
		Vehicles:        s.vehicles.Len(),
		NPCs:            s.crowd.Len(),
		DecodeDrops:     drops.Decode + drops.Decrypt + drops.Protocol,
		ReplayDrops:     drops.Replay,
		RateDrops:       drops.RateLimited,
		QuestResyncs:    s.quests.Stats().Resyncs,
		TextureBias:     q.Bias,
		LODTier:         q.LODTier,
		VoiceRelayed:    voice.Relayed,
		VoiceDropped:    voice.Dropped,
		AssetCacheBytes: a.MemoryUsage,
		AssetCacheLimit: a.MemoryLimit,
		AssetRequests:   a.ActiveRequests,
		AssetFailures:   a.Failed,
		JournalWritten:  j.Written,
		JournalDropped:  j.Dropped,
		JournalRotation: j.Rotations,
		SnapshotHistory: s.replicator.History().Len(),
	}
}

// status renders the operator status document. Values stay within the types
// structpb accepts.
func (s *server) status() map[string]any {
	tick := s.monitor.Snapshot()
	world := s.world.State()
	q := s.quality.Status()
	n := s.nat.Stats()
	peers := make([]any, 0)
	for _, info := range s.peers.Peers() {
		peers = append(peers, map[string]any{
			"id":       info.ID,
			"name":     info.Name,
			"addr":     info.Addr,
			"state":    info.State.String(),
			"phase_id": info.PhaseID,
			"rtt_ms":   info.RTTMs,
			"loss":     info.Loss,
			"low_bw":   info.LowBW,
		})
	}
	phases := make([]any, 0)
	for _, p := range s.phases.List() {
		phases = append(phases, map[string]any{
			"id":       p.ID,
			"members":  len(p.Members),
			"quests":   p.Quests,
			"interior": p.InteriorSeed,
		})
	}
	return map[string]any{
		"name":        s.cfg.ServerName,
		"session_id":  s.saves.SessionID().String(),
		"uptime_s":    s.Uptime().Seconds(),
		"tick":        s.clock.CurrentTick(),
		"tick_ms":     s.clock.TickMs(),
		"tick_avg_ms": float64(tick.Average) / float64(time.Millisecond),
		"overruns":    tick.Overruns,
		"world": map[string]any{
			"sun_deg":       int(world.SunDeg),
			"weather":       int(world.Weather),
			"particle_seed": int(world.ParticleSeed),
		},
		"quality": map[string]any{
			"texture_bias": int(q.Bias),
			"lod_tier":     int(q.LODTier),
			"density":      int(q.Density),
		},
		"nat": map[string]any{
			"attempts":    n.Attempts,
			"direct":      n.Direct,
			"relay":       n.Relay,
			"failed":      n.Failed,
			"mean_rtt_ms": n.MeanRTTMs,
		},
		"vehicles": s.vehicles.Len(),
		"npcs":     s.crowd.Len(),
		"items":    s.store.Len(),
		"bans":     len(s.bans.List()),
		"peers":    peers,
		"phases":   phases,
	}
}

// opsServers are the public info listener and the operator listeners.
type opsServers struct {
	http   *http.Server
	admin  *http.Server
	grpc   *grpc.Server
	health *health.Server
}

// serveHTTP binds addr and serves mux until shutdown.
func (s *server) serveHTTP(name, addr string, mux *http.ServeMux) (*http.Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s %s: %w", name, addr, err)
	}
	logger := s.logger.Named(name)
	srv := &http.Server{Handler: logging.HTTPTraceMiddleware(logger)(mux), ReadHeaderTimeout: httpReadHeaderTimeout}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server stopped", logging.Error(err))
		}
	}()
	logger.Info("http listening", logging.String("url", listenerURL("http", ln.Addr().String())))
	return srv, nil
}

// startOps serves /info on InfoAddr, the operator handlers on AdminAddr and,
// when GRPCAddr is set, the gRPC ops service.
func (s *server) startOps() (*opsServers, error) {
	ops := &opsServers{}
	var feed http.Handler
	if s.cfg.DashSecret != "" {
		signer, err := auth.NewSigner(s.cfg.DashSecret, dashLeeway)
		if err != nil {
			return nil, fmt.Errorf("dashboard signer: %w", err)
		}
		feed = admin.NewFeed(signer, s.journal, s.logger.Named("feed"))
	}
	handlers := httpapi.NewHandlerSet(httpapi.Options{
		Logger:      s.logger.Named("http"),
		Info:        s.info,
		Readiness:   s,
		Metrics:     s.metrics,
		Snapshots:   s.snapStats,
		Bandwidth:   s.bandwidth,
		Status:      s.status,
		Feed:        feed,
		AdminToken:  s.cfg.AdminToken,
		RateLimiter: httpapi.NewWindowLimiter(s.cfg.AdminWindow, s.cfg.AdminBurst, s.now),
		TimeSource:  s.now,
	})
	public := http.NewServeMux()
	handlers.RegisterPublic(public)
	srv, err := s.serveHTTP("http", s.cfg.InfoAddr, public)
	if err != nil {
		return nil, err
	}
	ops.http = srv
	if s.cfg.AdminAddr != "" {
		adminMux := http.NewServeMux()
		handlers.RegisterAdmin(adminMux)
		if ops.admin, err = s.serveHTTP("admin", s.cfg.AdminAddr, adminMux); err != nil {
			return ops, err
		}
	}

	if s.cfg.GRPCAddr == "" {
		return ops, nil
	}
	var opts []grpc.ServerOption
	if s.cfg.GRPCSharedSecret != "" {
		opts = opsgrpc.ServerOptions(s.cfg.GRPCSharedSecret, s.logger.Named("grpc"))
	}
	ops.grpc = grpc.NewServer(opts...)
	svc := opsgrpc.NewService(s.status, s.console, s.events, opsgrpc.WithLogger(s.logger.Named("grpc")))
	ops.health = opsgrpc.Register(ops.grpc, svc)
	gln, err := net.Listen("tcp", s.cfg.GRPCAddr)
	if err != nil {
		return ops, fmt.Errorf("listen grpc %s: %w", s.cfg.GRPCAddr, err)
	}
	go func() {
		if err := ops.grpc.Serve(gln); err != nil {
			s.logger.Error("grpc server stopped", logging.Error(err))
		}
	}()
	s.logger.Info("grpc listening", logging.String("url", listenerURL("grpc", gln.Addr().String())))
	return ops, nil
}
