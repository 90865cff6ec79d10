package hash

// Rand is the linear congruential stream used for world events that every
// client must reproduce from a shared seed. It is not safe for concurrent use.
type Rand struct {
	state uint32
}

// NewRand seeds a deterministic stream.
func NewRand(seed uint32) *Rand {
	return &Rand{state: seed}
}

// Seed returns the current state so it can be broadcast.
func (r *Rand) Seed() uint32 {
	if r == nil {
		return 0
	}
	return r.state
}

// Next advances the stream and returns the new state.
func (r *Rand) Next() uint32 {
	if r == nil {
		return 0
	}
	r.state = Step(r.state)
	return r.state
}

// Float01 returns a value in [0,1] derived from the low 16 bits of the next state.
func (r *Rand) Float01() float32 {
	return float32(r.Next()&0xFFFF) / 65535
}

// Intn returns a value in [0,n). n <= 0 yields 0.
func (r *Rand) Intn(n int) int {
	if n <= 0 {
		return 0
	}
	return int(r.Next() % uint32(n))
}

// Step applies one LCG iteration.
func Step(seed uint32) uint32 {
	return seed*1664525 + 1013904223
}

// ExplodeSeed derives the particle seed attached to a vehicle explosion.
func ExplodeSeed(damage uint16) uint32 {
	return Step(uint32(damage))
}
