package simulation

import "testing"

func TestRateAdapterLatencyWindow(t *testing.T) {
	var adapter RateAdapter
	if got := adapter.ObserveLatency(5, 300, 2, 32); got != 0 {
		t.Fatalf("expected no change before the window closes, got %d", got)
	}
	if got := adapter.ObserveLatency(5, 300, 2, 32); got != 40 {
		t.Fatalf("expected slow rate on high latency, got %d", got)
	}
	if got := adapter.ObserveLatency(10, 80, 2, 40); got != 25 {
		t.Fatalf("expected fast rate on low latency, got %d", got)
	}
	if got := adapter.ObserveLatency(10, 80, 0, 40); got != 0 {
		t.Fatalf("expected no change without peers, got %d", got)
	}
}

func TestRateAdapterFrameCost(t *testing.T) {
	var adapter RateAdapter
	changed := 0
	for i := 0; i < 40; i++ {
		if got := adapter.ObserveFrame(30, 32); got != 0 {
			changed = got
		}
	}
	if changed != 40 {
		t.Fatalf("expected slow frames to select 40ms, got %d", changed)
	}

	changed = 0
	for i := 0; i < 250; i++ {
		if got := adapter.ObserveFrame(10, 40); got != 0 {
			changed = got
			break
		}
	}
	if changed != 25 {
		t.Fatalf("expected two fast windows to select 25ms, got %d", changed)
	}
}
