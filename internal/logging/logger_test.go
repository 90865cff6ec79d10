package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"cp2077coop/server/internal/config"
)

func TestWriterLoggerRendersFieldsAndErrors(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewWriterLogger(&buf, "info")
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}

	logger.Named("transport").Warn("frame dropped", Uint32("peer_id", 7), Error(errors.New("bad nonce")))
	logger.Debug("suppressed")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected one line above the level threshold, got %d", len(lines))
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &payload); err != nil {
		t.Fatalf("decode line: %v", err)
	}
	if payload["component"] != "transport" || payload["level"] != "warn" {
		t.Fatalf("unexpected payload %#v", payload)
	}
	if payload["error"] != "bad nonce" {
		t.Fatalf("expected error rendered as string, got %#v", payload["error"])
	}
	if payload["peer_id"].(float64) != 7 {
		t.Fatalf("expected peer id 7, got %#v", payload["peer_id"])
	}
}

func TestRotatingWriterRotatesAtSizeLimit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "server.log")
	writer, err := openRotatingFile(config.LoggingConfig{Path: path, MaxSizeMB: 1, MaxBackups: 2, Compress: false})
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	chunk := bytes.Repeat([]byte("x"), 600*1024)
	if _, err := writer.Write(chunk); err != nil {
		t.Fatalf("first write: %v", err)
	}
	if _, err := writer.Write(chunk); err != nil {
		t.Fatalf("second write: %v", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected active file plus one rotated file, got %d", len(entries))
	}
}

func TestHTTPTraceMiddlewarePropagatesHeader(t *testing.T) {
	var seen string
	handler := HTTPTraceMiddleware(NewTestLogger())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = TraceIDFromContext(r.Context())
	}))
	req := httptest.NewRequest(http.MethodGet, "/info", nil)
	req.Header.Set(TraceIDHeader, "abc123")
	rr := httptest.NewRecorder()

	handler.ServeHTTP(rr, req)

	if seen != "abc123" {
		t.Fatalf("expected trace id to reach the handler, got %q", seen)
	}
	if rr.Header().Get(TraceIDHeader) != "abc123" {
		t.Fatalf("expected trace id echoed in response")
	}
	if LoggerFromContext(context.Background()) == nil {
		t.Fatal("expected global fallback logger")
	}
}

func TestTickStampAndFieldOverride(t *testing.T) {
	var buf bytes.Buffer
	base, err := NewWriterLogger(&buf, "debug")
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	tick := uint64(41)
	logger := base.WithTick(func() uint64 { return tick }).Named("phase").Named("quest")
	tick++
	logger.Info("stage recorded", Peer(3), Phase(9))

	line := strings.TrimSpace(buf.String())
	if !strings.HasPrefix(line, `{"timestamp":`) {
		t.Fatalf("expected timestamp first, got %s", line)
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(line), &payload); err != nil {
		t.Fatalf("decode line: %v", err)
	}
	if payload["tick"].(float64) != 42 {
		t.Fatalf("expected tick read at write time, got %#v", payload["tick"])
	}
	if payload["component"] != "quest" {
		t.Fatalf("expected later component to win, got %#v", payload["component"])
	}
	if payload["peer_id"].(float64) != 3 || payload["phase_id"].(float64) != 9 {
		t.Fatalf("unexpected ids %#v", payload)
	}
}

func TestParseLevel(t *testing.T) {
	for raw, want := range map[string]Level{"": InfoLevel, "DEBUG": DebugLevel, "warning": WarnLevel, "error": ErrorLevel} {
		got, err := parseLevel(raw)
		if err != nil || got != want {
			t.Fatalf("parseLevel(%q) = %v, %v", raw, got, err)
		}
	}
	if _, err := parseLevel("loud"); err == nil {
		t.Fatal("expected unknown level to fail")
	}
}
