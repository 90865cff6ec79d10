package simulation

import (
	"context"
	"time"
)

// StepFunc runs one fixed simulation step of tickMs milliseconds.
type StepFunc func(tick uint64, tickMs int)

// Loop drives the authoritative clock from a wall-clock ticker and invokes the
// step pipeline once per advanced tick.
type Loop struct {
	clock    *Clock
	stepFunc StepFunc
	monitor  *TickMonitor
	now      func() time.Time
	ticker   *time.Ticker
	stop     chan struct{}
	done     chan struct{}
}

// LoopOption customises a Loop.
type LoopOption func(*Loop)

// WithTickMonitor records the wall time spent in each step.
func WithTickMonitor(monitor *TickMonitor) LoopOption {
	return func(l *Loop) {
		l.monitor = monitor
	}
}

// WithLoopClock overrides the wall-clock source; tests use it to measure deterministic frames.
func WithLoopClock(now func() time.Time) LoopOption {
	return func(l *Loop) {
		if now != nil {
			l.now = now
		}
	}
}

// NewLoop binds the pipeline to the shared clock.
func NewLoop(clock *Clock, step StepFunc, opts ...LoopOption) *Loop {
	if clock == nil {
		clock = NewClock(DefaultTickMs)
	}
	if step == nil {
		step = func(uint64, int) {}
	}
	loop := &Loop{clock: clock, stepFunc: step, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(loop)
		}
	}
	return loop
}

// Start begins ticking until the context is cancelled or Stop is invoked.
func (l *Loop) Start(ctx context.Context) {
	if l == nil || l.stepFunc == nil {
		return
	}

	l.ticker = time.NewTicker(time.Duration(l.clock.TickMs()) * time.Millisecond)
	l.done = make(chan struct{})
	l.stop = make(chan struct{})
	stop, done := l.stop, l.done
	go func() {
		defer close(done)
		defer l.ticker.Stop()
		last := l.now()
		period := l.clock.TickMs()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-l.ticker.C:
				now := l.now()
				l.Advance(float64(now.Sub(last)) / float64(time.Millisecond))
				last = now
				//1.- Follow tick-rate changes applied by the pipeline.
				if current := l.clock.TickMs(); current != period {
					period = current
					l.ticker.Reset(time.Duration(period) * time.Millisecond)
				}
			}
		}
	}()
}

// Advance feeds elapsed wall time into the clock and runs every completed step.
func (l *Loop) Advance(elapsedMs float64) int {
	if l == nil {
		return 0
	}
	steps := l.clock.Tick(elapsedMs)
	first := l.clock.CurrentTick() - uint64(steps)
	for i := 1; i <= steps; i++ {
		started := l.now()
		l.stepFunc(first+uint64(i), l.clock.TickMs())
		if l.monitor != nil {
			l.monitor.Observe(l.now().Sub(started))
		}
	}
	return steps
}

// Stop cancels the loop and waits for the goroutine to exit.
func (l *Loop) Stop() {
	if l == nil {
		return
	}
	if l.stop != nil {
		close(l.stop)
		l.stop = nil
	}
	if l.done != nil {
		<-l.done
		l.done = nil
	}
}

// Clock exposes the driven clock.
func (l *Loop) Clock() *Clock {
	if l == nil {
		return nil
	}
	return l.clock
}
