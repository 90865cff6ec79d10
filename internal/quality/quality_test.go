package quality

import (
	"testing"

	"cp2077coop/server/internal/logging"
	"cp2077coop/server/internal/protocol"
	"cp2077coop/server/internal/protocol/protocoltest"
)

func newController(sampler MemorySampler) (*Controller, *protocoltest.Recorder) {
	rec := &protocoltest.Recorder{}
	return NewController(rec, sampler, WithLogger(logging.NewTestLogger())), rec
}

func vram(ratio float64) Sample {
	return Sample{HeapUsed: 10, HeapLimit: 100, VRAMUsed: uint64(ratio * 1000), VRAMLimit: 1000}
}

func TestBiasRisesAfterSustainedPressure(t *testing.T) {
	c, rec := newController(nil)
	c.Evaluate(vram(0.92))
	c.Evaluate(vram(0.92))
	if rec.Count(protocol.MsgTextureBiasChange) != 0 {
		t.Fatal("expected no bias change before 60s of pressure")
	}
	c.Evaluate(vram(0.92))
	sent, ok := rec.Last(protocol.MsgTextureBiasChange)
	if !ok || sent.Msg.(*protocol.TextureBiasChange).Bias != 1 {
		t.Fatalf("expected bias 1 broadcast, got %+v", sent)
	}
	if sent.Scope != protocoltest.ScopeAll {
		t.Fatalf("expected bias change to reach every peer")
	}
}

func TestBiasIsCapped(t *testing.T) {
	c, _ := newController(nil)
	for i := 0; i < 20; i++ {
		c.Evaluate(vram(0.93))
	}
	if got := c.Status().Bias; got != MaxBias {
		t.Fatalf("expected bias capped at %d, got %d", MaxBias, got)
	}
}

func TestBiasFallsAfterLongCalm(t *testing.T) {
	var hooked []uint8
	rec := &protocoltest.Recorder{}
	c := NewController(rec, nil, WithLogger(logging.NewTestLogger()), OnBiasChange(func(b uint8) { hooked = append(hooked, b) }))
	for i := 0; i < 3; i++ {
		c.Evaluate(vram(0.95))
	}
	for i := 0; i < 4; i++ {
		c.Evaluate(vram(0.5))
	}
	if got := c.Status().Bias; got != 1 {
		t.Fatalf("expected bias to stay at 1 within 120s of calm, got %d", got)
	}
	c.Evaluate(vram(0.5))
	if got := c.Status().Bias; got != 0 {
		t.Fatalf("expected bias to drop after 120s of calm, got %d", got)
	}
	if len(hooked) != 2 || hooked[0] != 1 || hooked[1] != 0 {
		t.Fatalf("unexpected bias hook calls %v", hooked)
	}
}

func TestMidBandResetsTimers(t *testing.T) {
	c, _ := newController(nil)
	c.Evaluate(vram(0.92))
	c.Evaluate(vram(0.92))
	c.Evaluate(vram(0.8))
	c.Evaluate(vram(0.92))
	c.Evaluate(vram(0.92))
	if got := c.Status().Bias; got != 0 {
		t.Fatalf("expected mid-band sample to reset the pressure window, got bias %d", got)
	}
}

func TestSectorLODHysteresis(t *testing.T) {
	c, rec := newController(nil)
	c.Evaluate(Sample{HeapUsed: 85, HeapLimit: 100})
	lod, ok := rec.Last(protocol.MsgSectorLOD)
	if !ok || lod.Msg.(*protocol.SectorLOD).Tier != 1 {
		t.Fatalf("expected tier 1 under heap pressure, got %+v", lod)
	}
	crowd, ok := rec.Last(protocol.MsgCrowdCfg)
	if !ok || crowd.Msg.(*protocol.CrowdCfg).Density != DensityReduced {
		t.Fatalf("expected reduced crowd density, got %+v", crowd)
	}

	c.Evaluate(Sample{HeapUsed: 75, HeapLimit: 100})
	if c.Status().LODTier != 1 {
		t.Fatal("expected tier to hold inside the hysteresis band")
	}
	c.Evaluate(Sample{HeapUsed: 60, HeapLimit: 100})
	if c.Status().LODTier != 0 || c.Status().Density != DensityFull {
		t.Fatalf("expected full quality once heap dropped, got %+v", c.Status())
	}
	if rec.Count(protocol.MsgSectorLOD) != 2 {
		t.Fatalf("expected two LOD broadcasts, got %d", rec.Count(protocol.MsgSectorLOD))
	}
}

func TestVRAMSpikeForcesReducedLOD(t *testing.T) {
	c, _ := newController(nil)
	c.Evaluate(vram(0.96))
	if c.Status().LODTier != 1 {
		t.Fatal("expected vram above 0.95 to force tier 1")
	}
}

func TestTickSamplesOnCadence(t *testing.T) {
	calls := 0
	sampler := SamplerFunc(func() Sample {
		calls++
		return Sample{}
	})
	c, _ := newController(sampler)
	for i := 0; i < 937; i++ {
		c.Tick(32)
	}
	if calls != 0 {
		t.Fatalf("expected no sample before 30s, got %d", calls)
	}
	c.Tick(32)
	if calls != 1 || c.Status().Checks != 1 {
		t.Fatalf("expected one sample at 30s, got %d", calls)
	}
}

func TestCurrentDescribesState(t *testing.T) {
	c, _ := newController(nil)
	msgs := c.Current()
	if len(msgs) != 3 || msgs[2].(*protocol.CrowdCfg).Density != DensityFull {
		t.Fatalf("unexpected join-time quality messages %+v", msgs)
	}
}
