package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultUDPAddr is the default datagram address the game transport binds to.
	DefaultUDPAddr = ":7788"
	// DefaultInfoAddr serves the public /info endpoint.
	DefaultInfoAddr = ":7777"
	// DefaultAdminAddr serves health, metrics, status and the dashboard feed.
	DefaultAdminAddr = "127.0.0.1:7779"
	// DefaultMaxPeers bounds concurrent players in one session.
	DefaultMaxPeers = 4
	// DefaultTickMs is the fixed simulation step.
	DefaultTickMs = 32
	// DefaultWorldSeed seeds deterministic world events when no override is given.
	DefaultWorldSeed = 42
	// DefaultServerName is advertised through /info and the heartbeat.
	DefaultServerName = "Co-op"
	// DefaultMode is advertised through /info.
	DefaultMode = "Coop"

	// DefaultSaveDir stores co-op save envelopes.
	DefaultSaveDir = "saves"
	// DefaultJournalDir holds the append-only audit log.
	DefaultJournalDir = "logs/journal"
	// DefaultJournalMaxBytes triggers journal rotation.
	DefaultJournalMaxBytes int64 = 10 << 20
	// DefaultAssetCacheDir stores streamed asset chunks.
	DefaultAssetCacheDir = "cache/assets"
	// DefaultModsDir is scanned for custom assets.
	DefaultModsDir = "mods"
	// DefaultAssetMemoryMB caps the in-memory asset cache.
	DefaultAssetMemoryMB = 2048
	// DefaultVoiceFrameBytes caps a single relayed voice frame.
	DefaultVoiceFrameBytes = 256
	// DefaultBandwidthBytesPerSecond caps outbound non-voice traffic per peer.
	DefaultBandwidthBytesPerSecond = 64 * 1024
	// DefaultIdleShutdownTicks stops the server after this many empty ticks. Zero disables it.
	DefaultIdleShutdownTicks = 0
	// DefaultHeartbeatInterval controls how often the master server is notified.
	DefaultHeartbeatInterval = 6 * time.Minute

	// DefaultAdminWindow bounds how frequently admin mutations may be requested.
	DefaultAdminWindow = time.Minute
	// DefaultAdminBurst sets how many admin mutations may be made per window.
	DefaultAdminBurst = 10

	// DefaultLogLevel controls verbosity for server logs.
	DefaultLogLevel = "info"
	// DefaultLogPath is where structured logs are written.
	DefaultLogPath = "logs/server.log"
	// DefaultLogMaxSizeMB caps the size of a single log file before rotation.
	DefaultLogMaxSizeMB = 100
	// DefaultLogMaxBackups limits retained rotated log files.
	DefaultLogMaxBackups = 10
	// DefaultLogMaxAgeDays controls how long rotated log files are kept on disk.
	DefaultLogMaxAgeDays = 7
	// DefaultLogCompress toggles gzip compression for rotated log files.
	DefaultLogCompress = true

	// DefaultStatePath persists world state, bans and arcade scores between runs.
	DefaultStatePath = "saves/server_state.msgpack"
	// DefaultStateInterval controls how frequently persisted state is flushed.
	DefaultStateInterval = 30 * time.Second
)

// Config captures all runtime tunables for the dedicated server.
type Config struct {
	UDPAddr          string
	InfoAddr         string
	AdminAddr        string
	GRPCAddr         string
	GRPCSharedSecret string
	ServerName       string
	Mode             string
	Password         string
	MaxPeers         int
	TickMs           int
	WorldSeed        uint32

	AdminToken  string
	DashSecret  string
	AdminWindow time.Duration
	AdminBurst  int

	SaveDir         string
	JournalDir      string
	JournalMaxBytes int64
	AssetCacheDir   string
	ModsDir         string
	AssetMemoryMB   int

	VoiceFrameBytes   int
	BandwidthBPS      int
	IdleShutdownTicks int

	MasterURL         string
	HeartbeatInterval time.Duration

	StatePath     string
	StateInterval time.Duration

	Logging LoggingConfig
}

// LoggingConfig captures structured logging configuration options.
type LoggingConfig struct {
	Level      string
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Load reads the server configuration from environment variables, applying sane defaults
// and returning descriptive errors for invalid overrides.
func Load() (*Config, error) {
	cfg := &Config{
		UDPAddr:           getString("COOP_UDP_ADDR", DefaultUDPAddr),
		InfoAddr:          getString("COOP_INFO_ADDR", DefaultInfoAddr),
		AdminAddr:         getString("COOP_ADMIN_ADDR", DefaultAdminAddr),
		GRPCAddr:          strings.TrimSpace(os.Getenv("COOP_GRPC_ADDR")),
		GRPCSharedSecret:  strings.TrimSpace(os.Getenv("COOP_GRPC_SECRET")),
		ServerName:        getString("COOP_SERVER_NAME", DefaultServerName),
		Mode:              getString("COOP_MODE", DefaultMode),
		Password:          strings.TrimSpace(os.Getenv("COOP_PASSWORD")),
		MaxPeers:          DefaultMaxPeers,
		TickMs:            DefaultTickMs,
		WorldSeed:         DefaultWorldSeed,
		AdminToken:        strings.TrimSpace(os.Getenv("COOP_ADMIN_TOKEN")),
		DashSecret:        strings.TrimSpace(os.Getenv("COOP_DASH_SECRET")),
		AdminWindow:       DefaultAdminWindow,
		AdminBurst:        DefaultAdminBurst,
		SaveDir:           getString("COOP_SAVE_DIR", DefaultSaveDir),
		JournalDir:        getString("COOP_JOURNAL_DIR", DefaultJournalDir),
		JournalMaxBytes:   DefaultJournalMaxBytes,
		AssetCacheDir:     getString("COOP_ASSET_CACHE_DIR", DefaultAssetCacheDir),
		ModsDir:           getString("COOP_MODS_DIR", DefaultModsDir),
		AssetMemoryMB:     DefaultAssetMemoryMB,
		VoiceFrameBytes:   DefaultVoiceFrameBytes,
		BandwidthBPS:      DefaultBandwidthBytesPerSecond,
		IdleShutdownTicks: DefaultIdleShutdownTicks,
		MasterURL:         strings.TrimSpace(os.Getenv("COOP_MASTER_URL")),
		HeartbeatInterval: DefaultHeartbeatInterval,
		StatePath:         getString("COOP_STATE_PATH", DefaultStatePath),
		StateInterval:     DefaultStateInterval,
		Logging: LoggingConfig{
			Level:      strings.TrimSpace(getString("COOP_LOG_LEVEL", DefaultLogLevel)),
			Path:       strings.TrimSpace(getString("COOP_LOG_PATH", DefaultLogPath)),
			MaxSizeMB:  DefaultLogMaxSizeMB,
			MaxBackups: DefaultLogMaxBackups,
			MaxAgeDays: DefaultLogMaxAgeDays,
			Compress:   DefaultLogCompress,
		},
	}

	var problems []string

	parseInt("COOP_MAX_PEERS", 1, &cfg.MaxPeers, &problems)
	parseInt("COOP_ASSET_MEMORY_MB", 1, &cfg.AssetMemoryMB, &problems)
	parseInt("COOP_VOICE_FRAME_BYTES", 1, &cfg.VoiceFrameBytes, &problems)
	parseInt("COOP_BANDWIDTH_BPS", 1, &cfg.BandwidthBPS, &problems)
	parseInt("COOP_IDLE_SHUTDOWN_TICKS", 0, &cfg.IdleShutdownTicks, &problems)
	parseInt("COOP_ADMIN_BURST", 1, &cfg.AdminBurst, &problems)
	parseInt("COOP_LOG_MAX_SIZE_MB", 1, &cfg.Logging.MaxSizeMB, &problems)
	parseInt("COOP_LOG_MAX_BACKUPS", 0, &cfg.Logging.MaxBackups, &problems)
	parseInt("COOP_LOG_MAX_AGE_DAYS", 0, &cfg.Logging.MaxAgeDays, &problems)
	parseDuration("COOP_ADMIN_WINDOW", &cfg.AdminWindow, &problems)
	parseDuration("COOP_HEARTBEAT_INTERVAL", &cfg.HeartbeatInterval, &problems)
	parseDuration("COOP_STATE_INTERVAL", &cfg.StateInterval, &problems)

	if raw := strings.TrimSpace(os.Getenv("COOP_TICK_MS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 20 || value > 50 {
			problems = append(problems, fmt.Sprintf("COOP_TICK_MS must be an integer within [20,50], got %q", raw))
		} else {
			cfg.TickMs = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("COOP_WORLD_SEED")); raw != "" {
		value, err := strconv.ParseUint(raw, 10, 32)
		if err != nil {
			problems = append(problems, fmt.Sprintf("COOP_WORLD_SEED must be an unsigned 32-bit integer, got %q", raw))
		} else {
			cfg.WorldSeed = uint32(value)
		}
	}

	if raw := strings.TrimSpace(os.Getenv("COOP_JOURNAL_MAX_BYTES")); raw != "" {
		value, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("COOP_JOURNAL_MAX_BYTES must be a positive integer, got %q", raw))
		} else {
			cfg.JournalMaxBytes = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("COOP_LOG_COMPRESS")); raw != "" {
		value, err := strconv.ParseBool(raw)
		if err != nil {
			problems = append(problems, fmt.Sprintf("COOP_LOG_COMPRESS must be a boolean value, got %q", raw))
		} else {
			cfg.Logging.Compress = value
		}
	}

	if cfg.GRPCAddr != "" && cfg.GRPCSharedSecret == "" {
		problems = append(problems, "COOP_GRPC_SECRET must be provided when COOP_GRPC_ADDR is set")
	}

	if len(problems) > 0 {
		return nil, fmt.Errorf("%s", strings.Join(problems, "; "))
	}

	return cfg, nil
}

// HasPassword reports whether joining requires a password.
func (c *Config) HasPassword() bool {
	return c != nil && c.Password != ""
}

func parseInt(key string, minimum int, dst *int, problems *[]string) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < minimum {
		*problems = append(*problems, fmt.Sprintf("%s must be an integer >= %d, got %q", key, minimum, raw))
		return
	}
	*dst = value
}

func parseDuration(key string, dst *time.Duration, problems *[]string) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return
	}
	duration, err := time.ParseDuration(raw)
	if err != nil || duration <= 0 {
		*problems = append(*problems, fmt.Sprintf("%s must be a positive duration, got %q", key, raw))
		return
	}
	*dst = duration
}

func getString(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}
