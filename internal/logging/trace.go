package logging

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// TraceIDHeader carries trace ids across operator HTTP calls.
const TraceIDHeader = "X-Trace-ID"

// TraceIDField is the structured field holding the trace id.
const TraceIDField = "trace_id"

type contextKey int

const (
	loggerKey contextKey = iota
	traceKey
)

// ContextWithLogger stores a logger in ctx.
func ContextWithLogger(ctx context.Context, logger *Logger) context.Context {
	if logger == nil {
		return ctx
	}
	return context.WithValue(ctx, loggerKey, logger)
}

// LoggerFromContext returns the request logger or the global fallback.
func LoggerFromContext(ctx context.Context) *Logger {
	if ctx != nil {
		if logger, ok := ctx.Value(loggerKey).(*Logger); ok && logger != nil {
			return logger
		}
	}
	return L()
}

// ContextWithTraceID stores a trace id in ctx.
func ContextWithTraceID(ctx context.Context, traceID string) context.Context {
	if traceID == "" {
		return ctx
	}
	return context.WithValue(ctx, traceKey, traceID)
}

// TraceIDFromContext extracts the trace id, if any.
func TraceIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(traceKey).(string)
	return id
}

// GenerateTraceID returns 16 random bytes as hex.
func GenerateTraceID() string {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return fmt.Sprintf("%032x", time.Now().UnixNano())
	}
	return hex.EncodeToString(buf[:])
}

// WithTrace derives a logger and context bound to traceID, generating one
// when it is blank.
func WithTrace(ctx context.Context, base *Logger, traceID string) (context.Context, *Logger, string) {
	id := strings.TrimSpace(traceID)
	if id == "" {
		id = GenerateTraceID()
	}
	if base == nil {
		base = L()
	}
	derived := base.With(String(TraceIDField, id))
	ctx = ContextWithLogger(ContextWithTraceID(ctx, id), derived)
	return ctx, derived, id
}

// HTTPTraceMiddleware tags every operator request with a trace id and echoes
// it in the response header.
func HTTPTraceMiddleware(base *Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, logger, id := WithTrace(r.Context(), base, r.Header.Get(TraceIDHeader))
			w.Header().Set(TraceIDHeader, id)
			logger.Debug("request received", String("method", r.Method), String("path", r.URL.Path), String("remote", r.RemoteAddr))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
