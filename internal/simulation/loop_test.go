package simulation

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestLoopRunsAtLeastOneTick(t *testing.T) {
	var ticks int32
	loop := NewLoop(NewClock(20), func(uint64, int) {
		atomic.AddInt32(&ticks, 1)
	})
	ctx, cancel := context.WithCancel(context.Background())
	loop.Start(ctx)
	time.Sleep(80 * time.Millisecond)
	cancel()
	loop.Stop()
	if atomic.LoadInt32(&ticks) == 0 {
		t.Fatalf("expected loop to tick at least once")
	}
}

func TestLoopStopWithoutCancel(t *testing.T) {
	loop := NewLoop(NewClock(20), nil)
	loop.Start(context.Background())
	done := make(chan struct{})
	go func() {
		loop.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("stop did not return")
	}
}

func TestLoopAdvanceRunsEveryCompletedStep(t *testing.T) {
	var seen []uint64
	monitor := NewTickMonitor()
	loop := NewLoop(NewClock(32), func(tick uint64, tickMs int) {
		if tickMs != 32 {
			t.Fatalf("unexpected step %d", tickMs)
		}
		seen = append(seen, tick)
	}, WithTickMonitor(monitor))

	if steps := loop.Advance(100); steps != 3 {
		t.Fatalf("expected three steps from 100ms, got %d", steps)
	}
	if steps := loop.Advance(30); steps != 1 {
		t.Fatalf("expected the 4ms remainder plus 30ms to complete one step, got %d", steps)
	}
	if len(seen) != 4 || seen[0] != 1 || seen[3] != 4 {
		t.Fatalf("unexpected tick sequence %v", seen)
	}
}
