package simulation

import "sync"

const (
	// MinTickMs is the fastest permitted simulation step.
	MinTickMs = 20
	// MaxTickMs is the slowest permitted simulation step.
	MaxTickMs = 50
	// DefaultTickMs is the step used until the server adapts it.
	DefaultTickMs = 32
)

// Clock is the single authoritative fixed-step clock. The scheduler is its only
// writer; replication and controllers sample it under the read lock.
type Clock struct {
	mu          sync.RWMutex
	tickMs      float64
	accumulator float64
	tick        uint64
	timeMs      uint64
}

// NewClock constructs a clock at the clamped step size.
func NewClock(tickMs int) *Clock {
	return &Clock{tickMs: float64(ClampTickMs(tickMs))}
}

// ClampTickMs bounds a requested step to [MinTickMs, MaxTickMs].
func ClampTickMs(ms int) int {
	if ms < MinTickMs {
		return MinTickMs
	}
	if ms > MaxTickMs {
		return MaxTickMs
	}
	return ms
}

// Tick accumulates dtMs of wall time and advances whole steps, returning how many
// steps were taken. The partial remainder stays in the accumulator.
func (c *Clock) Tick(dtMs float64) int {
	if c == nil || dtMs <= 0 {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accumulator += dtMs
	steps := 0
	for c.accumulator >= c.tickMs {
		c.accumulator -= c.tickMs
		c.tick++
		c.timeMs += uint64(c.tickMs)
		steps++
	}
	return steps
}

// SetTickMs changes the step size and returns the applied, clamped value that
// callers broadcast as a tick-rate change.
func (c *Clock) SetTickMs(ms int) int {
	applied := ClampTickMs(ms)
	if c == nil {
		return applied
	}
	c.mu.Lock()
	c.tickMs = float64(applied)
	c.mu.Unlock()
	return applied
}

// TickMs reports the current step size.
func (c *Clock) TickMs() int {
	if c == nil {
		return DefaultTickMs
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return int(c.tickMs)
}

// CurrentTick reports the number of completed steps.
func (c *Clock) CurrentTick() uint64 {
	if c == nil {
		return 0
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tick
}

// TimeMs reports simulated milliseconds since start.
func (c *Clock) TimeMs() uint64 {
	if c == nil {
		return 0
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.timeMs
}

// GetTickAlpha returns the interpolation fraction in [0,1] for a render sample
// taken sinceTickMs after the last Tick call.
func (c *Clock) GetTickAlpha(sinceTickMs float64) float32 {
	if c == nil {
		return 0
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	total := c.accumulator + sinceTickMs
	if total < 0 {
		total = 0
	}
	if total > c.tickMs {
		total = c.tickMs
	}
	return float32(total / c.tickMs)
}

// TicksFor converts a wall duration in milliseconds to whole ticks at the current step.
func (c *Clock) TicksFor(ms uint64) uint64 {
	step := uint64(c.TickMs())
	if step == 0 {
		return 0
	}
	return ms / step
}
