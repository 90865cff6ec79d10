// Package gameplay hosts the small authoritative controllers that sit beside
// the vehicle registry: NPC crowds, elevators, breach mini-games, door
// breaches, carried bodies, grenades, metro rides, arcade cabinets and
// security cameras. Every handler validates, mutates under its own lock and
// then emits messages once the lock is released.
package gameplay

import (
	"errors"

	"cp2077coop/server/internal/logging"
	"cp2077coop/server/internal/protocol"
)

var (
	ErrNotFound     = errors.New("gameplay: unknown entity")
	ErrActive       = errors.New("gameplay: already active")
	ErrInactive     = errors.New("gameplay: not active")
	ErrNotOwner     = errors.New("gameplay: sender does not control the entity")
	ErrInvalidInput = errors.New("gameplay: invalid input")
)

// Code maps a controller error onto the wire result code.
func Code(err error) protocol.ResultCode {
	switch {
	case err == nil:
		return protocol.ResultOK
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrInactive):
		return protocol.ResultNotFound
	case errors.Is(err, ErrNotOwner):
		return protocol.ResultNotOwner
	case errors.Is(err, ErrActive):
		return protocol.ResultBusy
	}
	return protocol.ResultInvalid
}

// Outbox delivers controller messages.
type Outbox interface {
	Send(peerID uint32, msg protocol.Message) error
	Broadcast(msg protocol.Message)
	BroadcastPhase(phaseID uint32, msg protocol.Message)
}

type scope uint8

const (
	toAll scope = iota
	toPhase
	toPeer
)

type envelope struct {
	scope scope
	id    uint32
	msg   protocol.Message
}

// outbound collects messages while a controller lock is held.
type outbound []envelope

func (o *outbound) all(msg protocol.Message) { *o = append(*o, envelope{scope: toAll, msg: msg}) }

func (o *outbound) phase(phaseID uint32, msg protocol.Message) {
	*o = append(*o, envelope{scope: toPhase, id: phaseID, msg: msg})
}

func (o *outbound) peer(peerID uint32, msg protocol.Message) {
	*o = append(*o, envelope{scope: toPeer, id: peerID, msg: msg})
}

func (o outbound) flush(out Outbox, logger *logging.Logger) {
	if out == nil {
		return
	}
	for _, e := range o {
		switch e.scope {
		case toAll:
			out.Broadcast(e.msg)
		case toPhase:
			out.BroadcastPhase(e.id, e.msg)
		case toPeer:
			if err := out.Send(e.id, e.msg); err != nil && logger != nil {
				logger.Debug("gameplay send failed", logging.Uint32("peer_id", e.id), logging.String("type", e.msg.Type().String()), logging.Error(err))
			}
		}
	}
}

// interval accumulates elapsed milliseconds and fires once per period.
type interval struct {
	periodMs uint32
	elapsed  uint32
}

func (i *interval) advance(dtMs uint32) bool {
	i.elapsed += dtMs
	if i.elapsed < i.periodMs {
		return false
	}
	i.elapsed = 0
	return true
}
