package assets

import "time"

// DefaultBandwidthBps is the streaming budget shared by all requests.
const DefaultBandwidthBps = 10 << 20

// priorityWeights split the budget from Critical to Background.
var priorityWeights = [...]uint64{100, 75, 50, 25, 10}

// Bandwidth divides a byte rate between the priorities that currently have
// work so idle classes do not strand budget.
type Bandwidth struct {
	limitBps uint64
	used     uint64
	window   time.Time
	last     uint64
}

// NewBandwidth constructs a manager for limitBps bytes per second.
func NewBandwidth(limitBps uint64) *Bandwidth {
	if limitBps == 0 {
		limitBps = DefaultBandwidthBps
	}
	return &Bandwidth{limitBps: limitBps}
}

// Budgets returns the bytes each active priority may send during dt.
func (b *Bandwidth) Budgets(dt time.Duration, active []Priority) map[Priority]int {
	var total uint64
	seen := make(map[Priority]bool, len(active))
	for _, p := range active {
		if p.valid() && !seen[p] {
			seen[p] = true
			total += priorityWeights[p]
		}
	}
	out := make(map[Priority]int, len(seen))
	if total == 0 || dt <= 0 {
		return out
	}
	slice := b.limitBps * uint64(dt) / uint64(time.Second)
	for p := range seen {
		share := int(slice * priorityWeights[p] / total)
		if share < 1 {
			share = 1
		}
		out[p] = share
	}
	return out
}

// Record charges sent bytes to the current one second window.
func (b *Bandwidth) Record(now time.Time, n int) {
	if now.Sub(b.window) >= time.Second {
		b.last = b.used
		b.used = 0
		b.window = now
	}
	b.used += uint64(n)
}

// Usage reports bytes sent in the last complete window.
func (b *Bandwidth) Usage() uint64 { return b.last }

// SetLimit changes the budget.
func (b *Bandwidth) SetLimit(limitBps uint64) {
	if limitBps > 0 {
		b.limitBps = limitBps
	}
}
