package config

import (
	"strings"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"COOP_UDP_ADDR", "COOP_INFO_ADDR", "COOP_ADMIN_ADDR", "COOP_GRPC_ADDR", "COOP_GRPC_SECRET",
		"COOP_MAX_PEERS", "COOP_TICK_MS", "COOP_WORLD_SEED", "COOP_PASSWORD",
		"COOP_JOURNAL_MAX_BYTES", "COOP_LOG_COMPRESS", "COOP_STATE_INTERVAL",
		"COOP_IDLE_SHUTDOWN_TICKS", "COOP_VOICE_FRAME_BYTES",
	} {
		t.Setenv(key, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.UDPAddr != DefaultUDPAddr {
		t.Fatalf("expected default udp addr %q, got %q", DefaultUDPAddr, cfg.UDPAddr)
	}
	if cfg.InfoAddr != DefaultInfoAddr {
		t.Fatalf("expected default info addr %q, got %q", DefaultInfoAddr, cfg.InfoAddr)
	}
	if cfg.AdminAddr != DefaultAdminAddr || cfg.AdminAddr == cfg.InfoAddr {
		t.Fatalf("expected operator routes on %q, got %q", DefaultAdminAddr, cfg.AdminAddr)
	}
	if cfg.MaxPeers != DefaultMaxPeers {
		t.Fatalf("expected default max peers %d, got %d", DefaultMaxPeers, cfg.MaxPeers)
	}
	if cfg.TickMs != DefaultTickMs {
		t.Fatalf("expected default tick %d, got %d", DefaultTickMs, cfg.TickMs)
	}
	if cfg.JournalMaxBytes != 10<<20 {
		t.Fatalf("expected journal rotation at 10 MiB, got %d", cfg.JournalMaxBytes)
	}
	if cfg.HasPassword() {
		t.Fatal("expected no password by default")
	}
}

func TestLoadOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("COOP_UDP_ADDR", "127.0.0.1:9000")
	t.Setenv("COOP_MAX_PEERS", "8")
	t.Setenv("COOP_TICK_MS", "25")
	t.Setenv("COOP_WORLD_SEED", "1234")
	t.Setenv("COOP_PASSWORD", "hunter2")
	t.Setenv("COOP_STATE_INTERVAL", "45s")
	t.Setenv("COOP_GRPC_ADDR", ":9090")
	t.Setenv("COOP_GRPC_SECRET", "s3cret")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.UDPAddr != "127.0.0.1:9000" {
		t.Fatalf("unexpected address: %q", cfg.UDPAddr)
	}
	if cfg.MaxPeers != 8 {
		t.Fatalf("expected max peers 8, got %d", cfg.MaxPeers)
	}
	if cfg.TickMs != 25 {
		t.Fatalf("expected tick 25, got %d", cfg.TickMs)
	}
	if cfg.WorldSeed != 1234 {
		t.Fatalf("expected world seed 1234, got %d", cfg.WorldSeed)
	}
	if !cfg.HasPassword() {
		t.Fatal("expected password to be reported")
	}
	if cfg.StateInterval != 45*time.Second {
		t.Fatalf("expected state interval 45s, got %v", cfg.StateInterval)
	}
}

func TestLoadReturnsValidationErrors(t *testing.T) {
	clearEnv(t)
	t.Setenv("COOP_MAX_PEERS", "0")
	t.Setenv("COOP_TICK_MS", "999")
	t.Setenv("COOP_WORLD_SEED", "-3")
	t.Setenv("COOP_JOURNAL_MAX_BYTES", "abc")
	t.Setenv("COOP_GRPC_ADDR", ":9090")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error from invalid configuration, got nil")
	}

	for _, want := range []string{
		"COOP_MAX_PEERS",
		"COOP_TICK_MS",
		"COOP_WORLD_SEED",
		"COOP_JOURNAL_MAX_BYTES",
		"COOP_GRPC_SECRET",
	} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected error to mention %s, got %q", want, err.Error())
		}
	}
}

func TestLoadAllowsDisabledIdleShutdown(t *testing.T) {
	clearEnv(t)
	t.Setenv("COOP_IDLE_SHUTDOWN_TICKS", "0")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}
	if cfg.IdleShutdownTicks != 0 {
		t.Fatalf("expected zero to disable idle shutdown, got %d", cfg.IdleShutdownTicks)
	}
}
