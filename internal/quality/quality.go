// Package quality degrades world fidelity under memory pressure. Texture mip
// bias follows VRAM usage with long hysteresis windows, sector LOD and crowd
// density follow heap and VRAM ratios, and every change is broadcast so all
// clients degrade together.
package quality

import (
	"runtime"
	"runtime/debug"
	"sync"

	"cp2077coop/server/internal/logging"
	"cp2077coop/server/internal/protocol"
)

const (
	// CheckIntervalMs is how often memory is sampled.
	CheckIntervalMs = 30_000
	// MaxBias caps the global texture mip offset.
	MaxBias = 3

	vramHigh       = 0.90
	vramLow        = 0.75
	vramHighHoldMs = 60_000
	vramLowHoldMs  = 120_000

	lodHeapHigh = 0.80
	lodVRAMHigh = 0.95
	lodHeapLow  = 0.70
	lodVRAMLow  = 0.85

	// DensityFull and DensityReduced are the crowd densities sent per LOD tier.
	DensityFull    uint8 = 100
	DensityReduced uint8 = 50
)

// Sample is one reading of the memory samplers. A zero limit disables the ratio.
type Sample struct {
	HeapUsed  uint64
	HeapLimit uint64
	VRAMUsed  uint64
	VRAMLimit uint64
}

func ratio(used, limit uint64) float64 {
	if limit == 0 {
		return 0
	}
	return float64(used) / float64(limit)
}

// HeapRatio returns heap usage over its limit.
func (s Sample) HeapRatio() float64 { return ratio(s.HeapUsed, s.HeapLimit) }

// VRAMRatio returns video memory usage over its budget.
func (s Sample) VRAMRatio() float64 { return ratio(s.VRAMUsed, s.VRAMLimit) }

// MemorySampler samples heap and video memory.
type MemorySampler interface {
	Sample() Sample
}

// SamplerFunc adapts a function into a MemorySampler.
type SamplerFunc func() Sample

// Sample implements MemorySampler.
func (f SamplerFunc) Sample() Sample { return f() }

// RuntimeSampler reads the Go heap against the soft memory limit, or against
// Fallback when no limit is configured. Video memory is reported by the host
// adapter through VRAM.
type RuntimeSampler struct {
	Fallback uint64
	VRAM     func() (used, limit uint64)
}

// Sample implements MemorySampler.
func (p RuntimeSampler) Sample() Sample {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)
	limit := uint64(0)
	if l := debug.SetMemoryLimit(-1); l > 0 && l < 1<<62 {
		limit = uint64(l)
	} else {
		limit = p.Fallback
	}
	s := Sample{HeapUsed: stats.HeapAlloc, HeapLimit: limit}
	if p.VRAM != nil {
		s.VRAMUsed, s.VRAMLimit = p.VRAM()
	}
	return s
}

// Outbox delivers quality changes to every peer.
type Outbox interface {
	Broadcast(msg protocol.Message)
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger overrides the controller logger.
func WithLogger(logger *logging.Logger) Option {
	return func(c *Controller) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// OnBiasChange registers a local hook invoked after the texture bias moves.
func OnBiasChange(fn func(bias uint8)) Option {
	return func(c *Controller) { c.onBias = fn }
}

// Status is a copy of the controller's current decisions.
type Status struct {
	Bias    uint8
	LODTier uint8
	Density uint8
	Last    Sample
	Checks  uint64
}

// Controller evaluates the samplers on a fixed cadence.
type Controller struct {
	out     Outbox
	sampler MemorySampler
	logger  *logging.Logger
	onBias  func(uint8)

	mu       sync.Mutex
	elapsed  uint32
	highMs   uint32
	lowMs    uint32
	bias     uint8
	lod      uint8
	density  uint8
	last     Sample
	checks   uint64
	pressure int
}

// NewController constructs a controller reading sampler every CheckIntervalMs.
func NewController(out Outbox, sampler MemorySampler, opts ...Option) *Controller {
	c := &Controller{
		out:     out,
		sampler: sampler,
		logger:  logging.L(),
		density: DensityFull,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Tick advances the check timer and evaluates the samplers when it fires.
func (c *Controller) Tick(dtMs uint32) {
	c.mu.Lock()
	c.elapsed += dtMs
	if c.elapsed < CheckIntervalMs {
		c.mu.Unlock()
		return
	}
	c.elapsed = 0
	c.mu.Unlock()
	if c.sampler == nil {
		return
	}
	c.Evaluate(c.sampler.Sample())
}

// Evaluate applies one sample as if a full check interval had elapsed.
func (c *Controller) Evaluate(s Sample) {
	var msgs []protocol.Message
	biasChanged := false

	c.mu.Lock()
	c.last = s
	c.checks++
	vram := s.VRAMRatio()
	heap := s.HeapRatio()

	//1.- Texture bias needs the pressure to persist across several checks.
	switch {
	case s.VRAMLimit > 0 && vram > vramHigh:
		c.highMs += CheckIntervalMs
		c.lowMs = 0
		if c.highMs > vramHighHoldMs && c.bias < MaxBias {
			c.bias++
			biasChanged = true
		}
	case s.VRAMLimit > 0 && vram < vramLow:
		c.lowMs += CheckIntervalMs
		c.highMs = 0
		if c.lowMs > vramLowHoldMs && c.bias > 0 {
			c.bias--
			biasChanged = true
		}
	default:
		c.highMs = 0
		c.lowMs = 0
	}
	if biasChanged {
		msgs = append(msgs, &protocol.TextureBiasChange{Bias: c.bias})
	}

	//2.- Sector LOD keeps its tier inside the hysteresis band.
	tier := c.lod
	if heap > lodHeapHigh || vram > lodVRAMHigh {
		tier = 1
	} else if heap < lodHeapLow && vram < lodVRAMLow {
		tier = 0
	}
	if tier != c.lod {
		c.lod = tier
		msgs = append(msgs, &protocol.SectorLOD{Tier: tier})
		density := DensityFull
		if tier > 0 {
			density = DensityReduced
		}
		if density != c.density {
			c.density = density
			msgs = append(msgs, &protocol.CrowdCfg{Density: density})
		}
	}

	//3.- Persistent pressure is surfaced to operators, not treated as an error.
	if tier > 0 || c.bias > 0 {
		c.pressure++
	} else {
		c.pressure = 0
	}
	pressure := c.pressure
	bias := c.bias
	c.mu.Unlock()

	if biasChanged {
		c.logger.Info("texture mip bias changed", logging.Int("bias", int(bias)), logging.Float64("vram_ratio", vram))
		if c.onBias != nil {
			c.onBias(bias)
		}
	}
	if pressure > 0 && pressure%4 == 0 {
		c.logger.Warn("memory pressure persists",
			logging.Float64("heap_ratio", heap),
			logging.Float64("vram_ratio", vram),
			logging.Int("lod_tier", int(tier)),
			logging.Int("bias", int(bias)),
		)
	}
	if c.out == nil {
		return
	}
	for _, msg := range msgs {
		c.out.Broadcast(msg)
	}
}

// Status returns the current decisions.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{Bias: c.bias, LODTier: c.lod, Density: c.density, Last: c.last, Checks: c.checks}
}

// Current returns the messages a newly joined peer needs to match everyone else.
func (c *Controller) Current() []protocol.Message {
	st := c.Status()
	return []protocol.Message{
		&protocol.TextureBiasChange{Bias: st.Bias},
		&protocol.SectorLOD{Tier: st.LODTier},
		&protocol.CrowdCfg{Density: st.Density},
	}
}
