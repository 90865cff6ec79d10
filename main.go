package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cp2077coop/server/internal/admin"
	"cp2077coop/server/internal/config"
	"cp2077coop/server/internal/logging"
	"cp2077coop/server/internal/transport"
)

const shutdownTimeout = 5 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()
	logging.ReplaceGlobals(logger)

	//1.- Refuse to start when the cipher suite is broken.
	if err := transport.SelfCheck(); err != nil {
		return fmt.Errorf("transport self-check: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ep, err := transport.Listen(cfg.UDPAddr, transport.WithEndpointLogger(logger.Named("transport")))
	if err != nil {
		return fmt.Errorf("listen udp %s: %w", cfg.UDPAddr, err)
	}
	defer func() { _ = ep.Close() }()
	ep.Start(ctx)

	udpAddr, _ := ep.LocalAddr().(*net.UDPAddr)
	s, err := newServer(cfg, ep, logger, withGameAddr(udpAddr))
	if err != nil {
		return err
	}

	//2.- Persistent state is loaded before the world is populated.
	state, err := admin.OpenStateFile(cfg.StatePath, cfg.StateInterval, admin.WithStateLogger(logger.Named("state")), admin.WithStateClock(s.now))
	if err != nil {
		return fmt.Errorf("open state file: %w", err)
	}
	if err := s.restore(state); err != nil {
		_ = state.Close()
		return err
	}
	state.Start()
	if err := s.populate(); err != nil {
		_ = state.Close()
		return err
	}

	//3.- Workers and operator surfaces.
	s.relay.Start()
	if cfg.ModsDir != "" {
		n, err := s.assets.LoadMods(cfg.ModsDir)
		if err != nil {
			logger.Warn("mod scan failed", logging.String("dir", cfg.ModsDir), logging.Error(err))
		} else {
			logger.Info("mods loaded", logging.Int("count", n))
		}
	}
	s.assets.Start()

	ops, err := s.startOps()
	if err != nil {
		s.shutdown(state, ops, nil)
		return err
	}

	var hb *heartbeat
	if cfg.MasterURL != "" {
		hb = newHeartbeat(cfg.MasterURL, cfg.HeartbeatInterval, s.session, s.nat.SetTurn, logger.Named("heartbeat"))
		go hb.Run(ctx)
	}
	go func() {
		if err := s.console.Run(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("console stopped", logging.Error(err))
		}
	}()

	logger.Info("server listening",
		logging.String("url", listenerURL("udp", ep.LocalAddr().String())),
		logging.String("name", cfg.ServerName),
		logging.Int("tick_ms", cfg.TickMs),
		logging.Int("max_peers", cfg.MaxPeers),
	)
	s.loop.Start(ctx)

	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case <-s.Idle():
		logger.Info("shutting down idle server")
	}
	s.shutdown(state, ops, hb)
	return nil
}

// shutdown stops the tick loop first so no component is touched concurrently,
// then releases workers, persists state and closes the listeners.
func (s *server) shutdown(state *admin.StateFile, ops *opsServers, hb *heartbeat) {
	s.loop.Stop()
	s.peers.Close("server shutdown")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if hb != nil {
		if err := hb.Disconnect(ctx); err != nil {
			s.logger.Warn("master disconnect failed", logging.Error(err))
		}
	}
	s.nat.Close()
	s.relay.Stop()
	s.assets.Stop()

	if err := s.checkpoint(); err != nil {
		s.logger.Error("final checkpoint failed", logging.Error(err))
	}
	if state != nil {
		if err := state.Close(); err != nil {
			s.logger.Error("state file close failed", logging.Error(err))
		}
	}
	if err := s.journal.Close(); err != nil {
		s.logger.Error("journal close failed", logging.Error(err))
	}
	if err := s.phases.Close(); err != nil {
		s.logger.Error("phase manager close failed", logging.Error(err))
	}

	if ops == nil {
		return
	}
	if ops.health != nil {
		ops.health.Shutdown()
	}
	for _, srv := range []*http.Server{ops.http, ops.admin} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(ctx); err != nil {
			s.logger.Warn("http shutdown", logging.Error(err))
		}
	}
	if ops.grpc != nil {
		ops.grpc.GracefulStop()
	}
}
