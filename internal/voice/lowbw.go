package voice

import (
	"cp2077coop/server/internal/logging"
	"cp2077coop/server/internal/protocol"
)

const (
	// LowBWCheckMs is how often link quality is evaluated.
	LowBWCheckMs = 30_000
	// LowBWRTTMs enables low-bandwidth mode above this mean round trip.
	LowBWRTTMs = 250
	// LowBWLoss enables low-bandwidth mode above this loss ratio.
	LowBWLoss = 0.15
	// LowBWBacklog enables low-bandwidth mode above this queued datagram count.
	LowBWBacklog = 48
)

// Link is the quality view of one peer; *connection.Peer satisfies it.
type Link interface {
	ID() uint32
	RTT() float64
	Loss() float64
	UnreliableBacklog() int
	SetLowBW(enabled bool) bool
}

// Degraded reports whether a link's measurements call for low-bandwidth mode.
func Degraded(rttMs, loss float64, backlog int) bool {
	return rttMs > LowBWRTTMs || loss > LowBWLoss || backlog > LowBWBacklog
}

// Monitor toggles per-peer low-bandwidth mode and notifies the peer on change.
type Monitor struct {
	out     Sender
	logger  *logging.Logger
	elapsed uint32
}

// NewMonitor constructs a monitor sending LowBWMode through out.
func NewMonitor(out Sender, logger *logging.Logger) *Monitor {
	if logger == nil {
		logger = logging.L()
	}
	return &Monitor{out: out, logger: logger}
}

// Tick advances the check timer and evaluates links when it fires. It returns
// the peers whose mode changed.
func (m *Monitor) Tick(dtMs uint32, links []Link) []uint32 {
	m.elapsed += dtMs
	if m.elapsed < LowBWCheckMs {
		return nil
	}
	m.elapsed = 0
	return m.Evaluate(links)
}

// Evaluate applies the thresholds immediately.
func (m *Monitor) Evaluate(links []Link) []uint32 {
	var changed []uint32
	for _, l := range links {
		enabled := Degraded(l.RTT(), l.Loss(), l.UnreliableBacklog())
		if !l.SetLowBW(enabled) {
			continue
		}
		changed = append(changed, l.ID())
		m.logger.Info("voice low bandwidth mode", logging.Uint32("peer_id", l.ID()), logging.Bool("enabled", enabled))
		if m.out != nil {
			_ = m.out.Send(l.ID(), &protocol.LowBWMode{Enabled: enabled})
		}
	}
	return changed
}
