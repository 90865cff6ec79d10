package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"cp2077coop/server/internal/config"
)

const serviceName = "coop-server"

var (
	globalMu     sync.RWMutex
	globalLogger = newNopLogger()
)

// Level represents log verbosity ordering.
type Level int

const (
	DebugLevel Level = iota
	InfoLevel
	WarnLevel
	ErrorLevel
	FatalLevel
)

var levelNames = [...]string{"debug", "info", "warn", "error", "fatal"}

func (l Level) String() string {
	if l < DebugLevel || l > FatalLevel {
		return "info"
	}
	return levelNames[l]
}

func parseLevel(raw string) (Level, error) {
	name := strings.ToLower(strings.TrimSpace(raw))
	switch name {
	case "":
		return InfoLevel, nil
	case "warning":
		return WarnLevel, nil
	}
	for i, candidate := range levelNames {
		if candidate == name {
			return Level(i), nil
		}
	}
	return InfoLevel, fmt.Errorf("unknown log level %q", raw)
}

// Field represents a structured logging attribute.
type Field struct {
	Key   string
	Value any
}

// String returns a string field.
func String(key, value string) Field { return Field{Key: key, Value: value} }

// Strings returns a string slice field.
func Strings(key string, values []string) Field { return Field{Key: key, Value: values} }

// Int returns an int field.
func Int(key string, value int) Field { return Field{Key: key, Value: value} }

// Int64 returns an int64 field.
func Int64(key string, value int64) Field { return Field{Key: key, Value: value} }

// Uint32 returns an unsigned 32-bit field.
func Uint32(key string, value uint32) Field { return Field{Key: key, Value: value} }

// Uint64 returns an unsigned 64-bit field.
func Uint64(key string, value uint64) Field { return Field{Key: key, Value: value} }

// Float64 returns a float field.
func Float64(key string, value float64) Field { return Field{Key: key, Value: value} }

// Duration returns a duration field rendered as a Go duration string.
func Duration(key string, value time.Duration) Field {
	return Field{Key: key, Value: value.String()}
}

// Bool returns a bool field.
func Bool(key string, value bool) Field { return Field{Key: key, Value: value} }

// Error returns an error field.
func Error(err error) Field { return Field{Key: "error", Value: err} }

// Peer tags a line with the peer it concerns.
func Peer(id uint32) Field { return Field{Key: "peer_id", Value: id} }

// Phase tags a line with a phase id.
func Phase(id uint32) Field { return Field{Key: "phase_id", Value: id} }

// Logger writes one JSON object per line. Lines carry the simulation tick when
// a tick source is attached, so log output lines up with journal entries.
type Logger struct {
	level  Level
	out    *sink
	tick   func() uint64
	fields []Field
}

// sink serialises writes from every logger derived from the same root.
type sink struct {
	mu sync.Mutex
	w  syncWriter
}

func (s *sink) write(p []byte) {
	s.mu.Lock()
	_, _ = s.w.Write(p)
	s.mu.Unlock()
}

func (s *sink) sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Sync()
}

type syncWriter interface {
	io.Writer
	Sync() error
}

type teeWriter []syncWriter

func (t teeWriter) Write(p []byte) (int, error) {
	for _, w := range t {
		if _, err := w.Write(p); err != nil {
			return 0, err
		}
	}
	return len(p), nil
}

func (t teeWriter) Sync() error {
	var errs []error
	for _, w := range t {
		if err := w.Sync(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// New builds the process logger: a rotating file mirrored to stdout.
func New(cfg config.LoggingConfig) (*Logger, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("logging path must be specified")
	}
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	file, err := openRotatingFile(cfg)
	if err != nil {
		return nil, err
	}
	tee := teeWriter{file}
	if os.Stdout != nil {
		tee = append(tee, os.Stdout)
	}
	logger := &Logger{level: level, out: &sink{w: tee}, fields: []Field{String("service", serviceName)}}
	ReplaceGlobals(logger)
	return logger, nil
}

// NewWriterLogger builds a logger that writes JSON lines to w without rotation.
func NewWriterLogger(w io.Writer, level string) (*Logger, error) {
	if w == nil {
		return nil, errors.New("writer must be provided")
	}
	parsed, err := parseLevel(level)
	if err != nil {
		return nil, err
	}
	return &Logger{
		level:  parsed,
		out:    &sink{w: nopSync{w}},
		fields: []Field{String("service", serviceName)},
	}, nil
}

// NewTestLogger returns a logger that discards output.
func NewTestLogger() *Logger {
	return newNopLogger()
}

func newNopLogger() *Logger {
	return &Logger{level: DebugLevel, out: &sink{w: nopSync{io.Discard}}}
}

// ReplaceGlobals swaps the fallback logger returned by L.
func ReplaceGlobals(logger *Logger) {
	if logger == nil {
		return
	}
	globalMu.Lock()
	globalLogger = logger
	globalMu.Unlock()
}

// L returns the current global logger.
func L() *Logger {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalLogger
}

// Named returns a child logger tagged with the owning component.
func (l *Logger) Named(component string) *Logger {
	return l.With(String("component", component))
}

// WithTick returns a child logger that stamps every line with tick().
func (l *Logger) WithTick(tick func() uint64) *Logger {
	if l == nil {
		l = L()
	}
	clone := *l
	clone.tick = tick
	return &clone
}

// With returns a child logger carrying fields on every line. A later field
// replaces an earlier one with the same key.
func (l *Logger) With(fields ...Field) *Logger {
	if l == nil {
		return L().With(fields...)
	}
	clone := *l
	clone.fields = mergeFields(l.fields, fields)
	return &clone
}

func mergeFields(base, extra []Field) []Field {
	out := make([]Field, 0, len(base)+len(extra))
	out = append(out, base...)
	for _, f := range extra {
		replaced := false
		for i := range out {
			if out[i].Key == f.Key {
				out[i] = f
				replaced = true
				break
			}
		}
		if !replaced {
			out = append(out, f)
		}
	}
	return out
}

// Sync flushes buffered output to durable storage.
func (l *Logger) Sync() error {
	if l == nil || l.out == nil {
		return nil
	}
	return l.out.sync()
}

// Debug logs a debug message.
func (l *Logger) Debug(message string, fields ...Field) { l.log(DebugLevel, message, fields) }

// Info logs an informational message.
func (l *Logger) Info(message string, fields ...Field) { l.log(InfoLevel, message, fields) }

// Warn logs a warning message.
func (l *Logger) Warn(message string, fields ...Field) { l.log(WarnLevel, message, fields) }

// Error logs an error message.
func (l *Logger) Error(message string, fields ...Field) { l.log(ErrorLevel, message, fields) }

// Fatal logs a fatal message and exits the process.
func (l *Logger) Fatal(message string, fields ...Field) { l.log(FatalLevel, message, fields) }

func (l *Logger) log(level Level, message string, fields []Field) {
	if l == nil {
		L().log(level, message, fields)
		return
	}
	if level < l.level {
		return
	}
	line := l.render(level, message, fields)
	l.out.write(line)
	if level == FatalLevel {
		_ = l.out.sync()
		os.Exit(1)
	}
}

// render writes the fixed header keys first and the remaining fields in key
// order, so lines diff cleanly.
func (l *Logger) render(level Level, message string, fields []Field) []byte {
	var buf bytes.Buffer
	buf.WriteByte('{')
	writeKV(&buf, "timestamp", time.Now().UTC().Format(time.RFC3339Nano), true)
	writeKV(&buf, "level", level.String(), false)
	if l.tick != nil {
		writeKV(&buf, "tick", l.tick(), false)
	}
	writeKV(&buf, "message", message, false)
	merged := mergeFields(l.fields, fields)
	sort.SliceStable(merged, func(i, j int) bool { return merged[i].Key < merged[j].Key })
	for _, f := range merged {
		switch f.Key {
		case "timestamp", "level", "tick", "message":
			continue
		}
		writeKV(&buf, f.Key, renderValue(f.Value), false)
	}
	buf.WriteString("}\n")
	return buf.Bytes()
}

func writeKV(buf *bytes.Buffer, key string, value any, first bool) {
	if !first {
		buf.WriteByte(',')
	}
	k, _ := json.Marshal(key)
	buf.Write(k)
	buf.WriteByte(':')
	v, err := json.Marshal(value)
	if err != nil {
		v, _ = json.Marshal(fmt.Sprint(value))
	}
	buf.Write(v)
}

// renderValue keeps error values readable; encoding/json renders them as {}.
func renderValue(value any) any {
	switch v := value.(type) {
	case nil:
		return nil
	case error:
		return v.Error()
	case fmt.Stringer:
		return v.String()
	}
	return value
}

type nopSync struct{ io.Writer }

func (nopSync) Sync() error { return nil }
