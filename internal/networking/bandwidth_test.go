package networking

import (
	"math"
	"testing"
	"time"
)

func TestBandwidthRegulatorEnforcesRate(t *testing.T) {
	current := time.Unix(0, 0)
	clock := func() time.Time { return current }
	regulator := NewBandwidthRegulator(100, clock)

	if !regulator.Allow("10.0.0.1:7000", 60) {
		t.Fatalf("expected initial burst to be allowed")
	}
	if regulator.Allow("10.0.0.1:7000", 50) {
		t.Fatalf("expected payload to be throttled while tokens depleted")
	}

	current = current.Add(500 * time.Millisecond)
	if !regulator.Allow("10.0.0.1:7000", 50) {
		t.Fatalf("expected payload to pass after partial refill")
	}

	current = current.Add(time.Second)
	sample, ok := regulator.SnapshotUsage()["10.0.0.1:7000"]
	if !ok {
		t.Fatalf("missing usage sample for peer")
	}
	if sample.Denied != 1 {
		t.Fatalf("expected one denied delivery, got %d", sample.Denied)
	}
	if sample.AvailableBytes <= 0 || sample.ObservedSeconds <= 0 {
		t.Fatalf("expected positive budget and window, got %+v", sample)
	}
	expectedRate := float64(110) / sample.ObservedSeconds
	if math.Abs(sample.BytesPerSecond-expectedRate) > 1e-6 {
		t.Fatalf("unexpected throughput: got %.6f want %.6f", sample.BytesPerSecond, expectedRate)
	}

	regulator.Forget("10.0.0.1:7000")
	if usage := regulator.SnapshotUsage(); len(usage) != 0 {
		t.Fatalf("expected usage map cleared after forget, got %d entries", len(usage))
	}
}

func TestBandwidthRegulatorLowBandwidthScalesBudget(t *testing.T) {
	current := time.Unix(0, 0)
	regulator := NewBandwidthRegulator(1000, func() time.Time { return current })

	regulator.SetLowBandwidth("peer", true)
	if regulator.Allow("peer", 300) {
		t.Fatal("expected low bandwidth budget of 250 bytes to refuse 300")
	}
	if !regulator.Allow("peer", 200) {
		t.Fatal("expected 200 bytes to fit the reduced budget")
	}
	regulator.SetLowBandwidth("peer", false)
	current = current.Add(time.Second)
	if !regulator.Allow("peer", 900) {
		t.Fatal("expected full budget after leaving low bandwidth mode")
	}
	if limit := regulator.SnapshotUsage()["peer"].LimitBytes; limit != 1000 {
		t.Fatalf("expected limit restored to 1000, got %f", limit)
	}
}
