package transport

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"cp2077coop/server/internal/protocol"
)

const (
	// DefaultInboundRate is the sustained packets per second accepted from one address.
	DefaultInboundRate = 20
	// DefaultInboundBurst is the burst allowance on top of the sustained rate.
	DefaultInboundBurst = 30
)

// InboundLimiter throttles packets per remote address. Voice frames are exempt
// because they are already capped by the per-peer frame budget.
type InboundLimiter struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	limiters map[string]*rate.Limiter
	dropped  uint64
}

// NewInboundLimiter builds a limiter; non-positive values select the defaults.
func NewInboundLimiter(perSecond float64, burst int) *InboundLimiter {
	if perSecond <= 0 {
		perSecond = DefaultInboundRate
	}
	if burst <= 0 {
		burst = DefaultInboundBurst
	}
	return &InboundLimiter{limit: rate.Limit(perSecond), burst: burst, limiters: make(map[string]*rate.Limiter)}
}

// Allow reports whether a frame of type t from key may be processed at now.
func (l *InboundLimiter) Allow(key string, t protocol.MsgType, now time.Time) bool {
	if l == nil || t == protocol.MsgVoice || t == protocol.MsgAck {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.limiters[key]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.limiters[key] = lim
	}
	if lim.AllowN(now, 1) {
		return true
	}
	l.dropped++
	return false
}

// Forget releases the state kept for key.
func (l *InboundLimiter) Forget(key string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	delete(l.limiters, key)
	l.mu.Unlock()
}

// Dropped returns the number of throttled frames.
func (l *InboundLimiter) Dropped() uint64 {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dropped
}
