package httpapi

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// WindowLimiter allows limit admin operations per window, refilling evenly
// across the window.
type WindowLimiter struct {
	now func() time.Time

	mu      sync.Mutex
	limiter *rate.Limiter
}

// NewWindowLimiter constructs a limiter allowing up to limit events per window.
// A non-positive window or limit disables limiting.
func NewWindowLimiter(window time.Duration, limit int, timeSource func() time.Time) *WindowLimiter {
	if window <= 0 || limit <= 0 {
		return &WindowLimiter{}
	}
	if timeSource == nil {
		timeSource = time.Now
	}
	return &WindowLimiter{
		now:     timeSource,
		limiter: rate.NewLimiter(rate.Every(window/time.Duration(limit)), limit),
	}
}

// Allow reports whether the caller may proceed under the current rate limits.
func (l *WindowLimiter) Allow() bool {
	if l == nil || l.limiter == nil {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.limiter.AllowN(l.now(), 1)
}
