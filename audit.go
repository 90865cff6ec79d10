package main

import (
	"fmt"

	"cp2077coop/server/internal/events"
	"cp2077coop/server/internal/journal"
	"cp2077coop/server/internal/logging"
)

// actionKinds maps journal action names onto dashboard event kinds.
var actionKinds = map[string]events.Kind{
	"craft":        events.KindCraft,
	"attach":       events.KindCraft,
	"reroll":       events.KindCraft,
	"purchase":     events.KindPurchase,
	"trade":        events.KindTrade,
	"trade_eddies": events.KindTrade,
	"transfer":     events.KindTransfer,
	"kick":         events.KindAdmin,
	"ban":          events.KindAdmin,
	"mute":         events.KindAdmin,
	"unmute":       events.KindAdmin,
	"unban":        events.KindAdmin,
	"weather":      events.KindAdmin,
}

// auditTrail is the single sink for authoritative actions: every entry lands
// in the journal and, when it has a kind, on the event stream.
type auditTrail struct {
	journal *journal.Journal
	stream  *events.Stream
	tick    func() uint64
	logger  *logging.Logger
}

func newAuditTrail(j *journal.Journal, stream *events.Stream, tick func() uint64, logger *logging.Logger) *auditTrail {
	if logger == nil {
		logger = logging.L()
	}
	if tick == nil {
		tick = func() uint64 { return 0 }
	}
	return &auditTrail{journal: j, stream: stream, tick: tick, logger: logger}
}

// Log satisfies the journal interfaces of the inventory, ledger and console.
func (a *auditTrail) Log(peerID uint32, action string, entityID uint64, delta int64) {
	if a == nil {
		return
	}
	a.journal.Log(peerID, action, entityID, delta)
	kind, ok := actionKinds[action]
	if !ok {
		return
	}
	a.publish(events.Event{Kind: kind, PeerID: peerID, EntityID: entityID, Delta: delta, Detail: action})
}

// Record journals an event under its kind name and publishes it.
func (a *auditTrail) Record(kind events.Kind, peerID uint32, entityID uint64, delta int64, detail string) {
	if a == nil {
		return
	}
	a.journal.Log(peerID, kind.String(), entityID, delta)
	a.publish(events.Event{Kind: kind, PeerID: peerID, EntityID: entityID, Delta: delta, Detail: detail})
}

// Recordf is Record with a formatted detail.
func (a *auditTrail) Recordf(kind events.Kind, peerID uint32, entityID uint64, format string, args ...any) {
	a.Record(kind, peerID, entityID, 0, fmt.Sprintf(format, args...))
}

func (a *auditTrail) publish(ev events.Event) {
	if a.stream == nil {
		return
	}
	ev.Tick = a.tick()
	if _, err := a.stream.Publish(ev); err != nil {
		a.logger.Warn("event publish failed", logging.String("kind", ev.Kind.String()), logging.Error(err))
	}
}
