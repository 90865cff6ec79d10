package httpapi

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"cp2077coop/server/internal/logging"
	"cp2077coop/server/internal/networking"
)

// Info is the public server summary served by /info.
type Info struct {
	Name     string `json:"name"`
	Cur      int    `json:"cur"`
	Max      int    `json:"max"`
	Password bool   `json:"password"`
	Mode     string `json:"mode"`
}

// ReadinessProvider exposes server state required for readiness checks.
type ReadinessProvider interface {
	PeerCounts() (inGame, handshaking int)
	StartupError() error
	Uptime() time.Duration
}

// Metrics is the server-wide counter set rendered by /metrics.
type Metrics struct {
	Tick            uint64
	TickMs          int
	AvgTickMs       float64
	MaxTickMs       float64
	Peers           int
	Phases          int
	Vehicles        int
	NPCs            int
	DecodeDrops     uint64
	ReplayDrops     uint64
	RateDrops       uint64
	QuestResyncs    uint64
	TextureBias     uint8
	LODTier         uint8
	VoiceRelayed    uint64
	VoiceDropped    uint64
	AssetCacheBytes uint64
	AssetCacheLimit uint64
	AssetRequests   int
	AssetFailures   uint64
	JournalWritten  uint64
	JournalDropped  uint64
	JournalRotation uint64
	SnapshotHistory int
}

// RateLimiter gates how frequently sensitive operations may be invoked.
type RateLimiter interface {
	Allow() bool
}

// Options configures the HandlerSet.
type Options struct {
	Logger      *logging.Logger
	Info        func() Info
	Readiness   ReadinessProvider
	Metrics     func() Metrics
	Snapshots   *networking.SnapshotMetrics
	Bandwidth   *networking.BandwidthRegulator
	Status      func() map[string]any
	Feed        http.Handler
	AdminToken  string
	RateLimiter RateLimiter
	TimeSource  func() time.Time
}

// HandlerSet bundles the public info endpoint and the operator handlers.
type HandlerSet struct {
	logger      *logging.Logger
	info        func() Info
	readiness   ReadinessProvider
	metrics     func() Metrics
	snapshots   *networking.SnapshotMetrics
	bandwidth   *networking.BandwidthRegulator
	status      func() map[string]any
	feed        http.Handler
	adminToken  string
	rateLimiter RateLimiter
	now         func() time.Time
}

// NewHandlerSet constructs a HandlerSet using the provided options.
func NewHandlerSet(opts Options) *HandlerSet {
	logger := opts.Logger
	if logger == nil {
		logger = logging.L()
	}
	now := opts.TimeSource
	if now == nil {
		now = time.Now
	}
	return &HandlerSet{
		logger:      logger,
		info:        opts.Info,
		readiness:   opts.Readiness,
		metrics:     opts.Metrics,
		snapshots:   opts.Snapshots,
		bandwidth:   opts.Bandwidth,
		status:      opts.Status,
		feed:        opts.Feed,
		adminToken:  strings.TrimSpace(opts.AdminToken),
		rateLimiter: opts.RateLimiter,
		now:         now,
	}
}

// RegisterPublic attaches the browser-facing /info endpoint. Every other path
// falls through to the mux's 404.
func (h *HandlerSet) RegisterPublic(mux *http.ServeMux) {
	if mux == nil {
		return
	}
	mux.HandleFunc("/info", h.InfoHandler())
}

// RegisterAdmin attaches the operator handlers served on the admin listener.
func (h *HandlerSet) RegisterAdmin(mux *http.ServeMux) {
	if mux == nil {
		return
	}
	mux.HandleFunc("/livez", h.LivenessHandler())
	mux.HandleFunc("/readyz", h.ReadinessHandler())
	mux.HandleFunc("/metrics", h.MetricsHandler())
	mux.HandleFunc("/ops/status", h.StatusHandler())
	if h.feed != nil {
		mux.Handle("/ws", h.feed)
	}
}

// InfoHandler serves the browser-facing summary. Only GET is allowed and the
// body is never compressed.
func (h *HandlerSet) InfoHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/info" {
			http.NotFound(w, r)
			return
		}
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		info := Info{Name: "Co-op", Mode: "Coop"}
		if h.info != nil {
			info = h.info()
		}
		w.Header().Set("Cache-Control", "no-store")
		writeJSON(w, http.StatusOK, info)
	}
}

// LivenessHandler reports that the HTTP server is reachable.
func (h *HandlerSet) LivenessHandler() http.HandlerFunc {
	type response struct {
		Status    string `json:"status"`
		Timestamp string `json:"timestamp"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, response{
			Status:    "alive",
			Timestamp: h.now().UTC().Format(time.RFC3339Nano),
		})
	}
}

// ReadinessHandler reports server readiness, including peer counts and startup status.
func (h *HandlerSet) ReadinessHandler() http.HandlerFunc {
	type response struct {
		Status        string  `json:"status"`
		Message       string  `json:"message,omitempty"`
		UptimeSeconds float64 `json:"uptime_seconds"`
		Peers         int     `json:"peers"`
		Handshaking   int     `json:"handshaking"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		status := http.StatusOK
		resp := response{Status: "ok"}
		if h.readiness != nil {
			resp.Peers, resp.Handshaking = h.readiness.PeerCounts()
			resp.UptimeSeconds = h.readiness.Uptime().Seconds()
			if err := h.readiness.StartupError(); err != nil {
				status = http.StatusServiceUnavailable
				resp.Status = "error"
				resp.Message = err.Error()
			}
		}
		writeJSON(w, status, resp)
	}
}

func metric(w http.ResponseWriter, name, kind, help string, value any) {
	fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(w, "# TYPE %s %s\n", name, kind)
	fmt.Fprintf(w, "%s %v\n", name, value)
}

// MetricsHandler emits Prometheus compatible text metrics.
func (h *HandlerSet) MetricsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var m Metrics
		if h.metrics != nil {
			m = h.metrics()
		}
		uptime := 0.0
		if h.readiness != nil {
			uptime = h.readiness.Uptime().Seconds()
		}

		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		metric(w, "coop_uptime_seconds", "gauge", "Server uptime in seconds.", fmt.Sprintf("%.0f", uptime))
		metric(w, "coop_tick", "counter", "Simulation ticks executed.", m.Tick)
		metric(w, "coop_tick_ms", "gauge", "Current fixed step in milliseconds.", m.TickMs)
		metric(w, "coop_tick_duration_avg_ms", "gauge", "Average tick processing time.", fmt.Sprintf("%.3f", m.AvgTickMs))
		metric(w, "coop_tick_duration_max_ms", "gauge", "Slowest tick processing time.", fmt.Sprintf("%.3f", m.MaxTickMs))
		metric(w, "coop_peers", "gauge", "Peers in game.", m.Peers)
		metric(w, "coop_phases", "gauge", "Live phases.", m.Phases)
		metric(w, "coop_vehicles", "gauge", "Spawned vehicles.", m.Vehicles)
		metric(w, "coop_npcs", "gauge", "Simulated NPCs.", m.NPCs)
		metric(w, "coop_frames_dropped_decode_total", "counter", "Frames dropped because they failed to decode or decrypt.", m.DecodeDrops)
		metric(w, "coop_frames_dropped_replay_total", "counter", "Frames dropped by the nonce window.", m.ReplayDrops)
		metric(w, "coop_frames_dropped_rate_total", "counter", "Frames dropped by the inbound rate limit.", m.RateDrops)
		metric(w, "coop_quest_resyncs_total", "counter", "Forced quest resyncs.", m.QuestResyncs)
		metric(w, "coop_texture_bias", "gauge", "Global texture mip bias.", m.TextureBias)
		metric(w, "coop_sector_lod_tier", "gauge", "Sector LOD tier.", m.LODTier)
		metric(w, "coop_voice_relayed_total", "counter", "Voice frames relayed.", m.VoiceRelayed)
		metric(w, "coop_voice_dropped_total", "counter", "Voice frames dropped.", m.VoiceDropped)
		metric(w, "coop_asset_cache_bytes", "gauge", "Asset cache memory usage.", m.AssetCacheBytes)
		metric(w, "coop_asset_cache_limit_bytes", "gauge", "Asset cache memory limit.", m.AssetCacheLimit)
		metric(w, "coop_asset_requests", "gauge", "Outstanding asset requests.", m.AssetRequests)
		metric(w, "coop_asset_failures_total", "counter", "Asset requests that failed.", m.AssetFailures)
		metric(w, "coop_journal_entries_total", "counter", "Journal entries written.", m.JournalWritten)
		metric(w, "coop_journal_dropped_total", "counter", "Journal entries dropped on a full queue.", m.JournalDropped)
		metric(w, "coop_journal_rotations_total", "counter", "Journal rotations.", m.JournalRotation)
		metric(w, "coop_snapshot_history", "gauge", "Snapshots retained for delta baselines.", m.SnapshotHistory)

		if h.snapshots != nil {
			bytes := h.snapshots.BytesPerPeer()
			fmt.Fprintf(w, "# HELP coop_snapshot_bytes_per_peer Snapshot bytes composed for each peer in the last broadcast.\n")
			fmt.Fprintf(w, "# TYPE coop_snapshot_bytes_per_peer gauge\n")
			for _, id := range sortedKeys(bytes) {
				fmt.Fprintf(w, "coop_snapshot_bytes_per_peer{peer=\"%d\"} %d\n", id, bytes[id])
			}
			keyframes, deltas := h.snapshots.Frames()
			metric(w, "coop_snapshot_keyframes_total", "counter", "Keyframe snapshots sent.", keyframes)
			metric(w, "coop_snapshot_deltas_total", "counter", "Delta snapshots sent.", deltas)
			drops := h.snapshots.DropCounts()
			fmt.Fprintf(w, "# HELP coop_snapshot_dropped_total Snapshots that never left the server.\n")
			fmt.Fprintf(w, "# TYPE coop_snapshot_dropped_total counter\n")
			reasons := make([]string, 0, len(drops))
			for reason := range drops {
				reasons = append(reasons, string(reason))
			}
			sort.Strings(reasons)
			for _, reason := range reasons {
				fmt.Fprintf(w, "coop_snapshot_dropped_total{reason=%q} %d\n", reason, drops[networking.DropReason(reason)])
			}
		}
		if h.bandwidth != nil {
			usage := h.bandwidth.SnapshotUsage()
			if len(usage) > 0 {
				keys := make([]string, 0, len(usage))
				for key := range usage {
					keys = append(keys, key)
				}
				sort.Strings(keys)
				fmt.Fprintf(w, "# HELP coop_bandwidth_bytes_per_second Observed outbound bandwidth per peer in bytes per second.\n")
				fmt.Fprintf(w, "# TYPE coop_bandwidth_bytes_per_second gauge\n")
				for _, key := range keys {
					fmt.Fprintf(w, "coop_bandwidth_bytes_per_second{peer=%q} %.2f\n", key, usage[key].BytesPerSecond)
				}
				fmt.Fprintf(w, "# HELP coop_bandwidth_denied_total Total throttled deliveries per peer.\n")
				fmt.Fprintf(w, "# TYPE coop_bandwidth_denied_total counter\n")
				for _, key := range keys {
					fmt.Fprintf(w, "coop_bandwidth_denied_total{peer=%q} %d\n", key, usage[key].Denied)
				}
			}
		}
	}
}

// StatusHandler renders the operator status document as protojson. It is
// token-authenticated and rate limited.
func (h *HandlerSet) StatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		reqLogger := h.logger.With(
			logging.String("handler", "ops_status"),
			logging.String("remote_addr", r.RemoteAddr),
		)
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if h.adminToken == "" {
			reqLogger.Warn("status denied: admin auth disabled")
			http.Error(w, "admin authentication not configured", http.StatusForbidden)
			return
		}
		if !h.authorise(r) {
			reqLogger.Warn("status denied: unauthorized request")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if h.rateLimiter != nil && !h.rateLimiter.Allow() {
			reqLogger.Warn("status denied: rate limit exceeded")
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}
		fields := map[string]any{}
		if h.status != nil {
			fields = h.status()
		}
		doc, err := structpb.NewStruct(fields)
		if err != nil {
			reqLogger.Error("status document invalid", logging.Error(err))
			http.Error(w, "status unavailable", http.StatusInternalServerError)
			return
		}
		body, err := protojson.MarshalOptions{UseProtoNames: true}.Marshal(doc)
		if err != nil {
			reqLogger.Error("status encode failed", logging.Error(err))
			http.Error(w, "status unavailable", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(body)
	}
}

func (h *HandlerSet) authorise(r *http.Request) bool {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	var token string
	if len(header) > 7 && strings.EqualFold(header[:7], "Bearer ") {
		token = strings.TrimSpace(header[7:])
	} else if header != "" {
		token = header
	}
	if token == "" {
		token = strings.TrimSpace(r.Header.Get("X-Admin-Token"))
	}
	if token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(h.adminToken)) == 1
}

func sortedKeys(m map[uint32]int64) []uint32 {
	keys := make([]uint32, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	_ = json.NewEncoder(w).Encode(payload)
}
