package simulation

// RateAdapter lowers or raises the simulation rate in response to peer latency
// and measured frame cost. Callers feed it samples; a non-zero return is the new
// step to apply and broadcast.
type RateAdapter struct {
	latencyTimer float64
	frameAccum   float64
	frameCount   int
	frameTimer   float64
	goodWindows  int
}

const (
	slowTickMs = 40
	fastTickMs = 25

	latencyWindowSec = 10
	highRTTMs        = 200
	lowRTTMs         = 120

	slowFrameMs = 25
	fastFrameMs = 12
)

// ObserveLatency accumulates elapsed seconds and, once per window, compares the
// average peer RTT against the latency bounds.
func (a *RateAdapter) ObserveLatency(elapsedSec float64, avgRTTMs float64, peers int, currentTickMs int) int {
	if a == nil {
		return 0
	}
	a.latencyTimer += elapsedSec
	if a.latencyTimer < latencyWindowSec {
		return 0
	}
	a.latencyTimer = 0
	if peers == 0 {
		return 0
	}
	switch {
	case avgRTTMs > highRTTMs && currentTickMs < slowTickMs:
		return slowTickMs
	case avgRTTMs < lowRTTMs && currentTickMs > fastTickMs:
		return fastTickMs
	}
	return 0
}

// ObserveFrame records the cost of one scheduler frame. Every second of frames
// the average is checked: slow frames drop to the slow rate immediately, two
// consecutive fast windows restore the fast rate.
func (a *RateAdapter) ObserveFrame(frameMs float64, currentTickMs int) int {
	if a == nil || frameMs < 0 {
		return 0
	}
	a.frameAccum += frameMs
	a.frameCount++
	a.frameTimer += frameMs
	if a.frameTimer < 1000 {
		return 0
	}
	avg := a.frameAccum / float64(a.frameCount)
	a.frameAccum, a.frameCount, a.frameTimer = 0, 0, 0
	if avg > slowFrameMs && currentTickMs < slowTickMs {
		a.goodWindows = 0
		return slowTickMs
	}
	if avg < fastFrameMs {
		a.goodWindows++
	} else {
		a.goodWindows = 0
	}
	if a.goodWindows >= 2 && currentTickMs > fastTickMs {
		a.goodWindows = 0
		return fastTickMs
	}
	return 0
}
