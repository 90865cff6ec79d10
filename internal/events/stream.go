package events

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Config controls the retention policy for the stream log and subscriber buffers.
type Config struct {
	Retain int
	Clock  func() time.Time
}

const (
	defaultRetention = 512
	defaultBuffer    = 32
	// hardCapFactor bounds the log relative to Retain when a subscriber stops acking.
	hardCapFactor = 4
)

var (
	// ErrOutOfOrderAck signals an ack that skips the next pending event.
	ErrOutOfOrderAck = errors.New("ack sequence must match the next pending event")
	errNilStream     = errors.New("nil stream")
)

// Stream is the operator-facing log of authoritative actions. Each named
// subscriber receives every wanted event at least once: anything delivered
// but not acked is replayed when the subscriber reconnects.
type Stream struct {
	mu      sync.Mutex
	nextSeq uint64
	retain  int
	clock   func() time.Time
	log     []Event
	subs    map[string]*subscriber
}

// subscriber outlives its connections so acks survive reconnects.
type subscriber struct {
	pending []uint64
	lastAck uint64
	ch      chan Event
	kinds   map[Kind]struct{}
}

func (s *subscriber) wants(k Kind) bool {
	if len(s.kinds) == 0 {
		return true
	}
	_, ok := s.kinds[k]
	return ok
}

func (s *subscriber) detach() {
	if s.ch != nil {
		close(s.ch)
		s.ch = nil
	}
}

// Subscription is one live connection of a named subscriber.
type Subscription struct {
	id     string
	stream *Stream
	events <-chan Event
	once   sync.Once
}

// NewStream constructs a stream using the provided configuration.
func NewStream(cfg Config) *Stream {
	if cfg.Retain <= 0 {
		cfg.Retain = defaultRetention
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Stream{retain: cfg.Retain, clock: cfg.Clock, subs: make(map[string]*subscriber)}
}

// Subscribe attaches subscriberID, replacing any previous connection, and
// replays its unacked events first. A non-empty kinds list restricts delivery.
func (s *Stream) Subscribe(ctx context.Context, subscriberID string, buffer int, kinds ...Kind) (*Subscription, error) {
	if s == nil {
		return nil, errNilStream
	}
	if subscriberID == "" {
		return nil, errors.New("subscriber id must be provided")
	}
	if buffer <= 0 {
		buffer = defaultBuffer
	}

	s.mu.Lock()
	sub, ok := s.subs[subscriberID]
	if !ok {
		sub = &subscriber{}
		s.subs[subscriberID] = sub
	}
	if len(kinds) > 0 {
		sub.kinds = make(map[Kind]struct{}, len(kinds))
		for _, k := range kinds {
			sub.kinds[k] = struct{}{}
		}
	}
	//1.- Everything after the last ack that the subscriber wants is pending again.
	sub.pending = sub.pending[:0]
	var replay []Event
	for _, ev := range s.log[s.indexAfter(sub.lastAck):] {
		if sub.wants(ev.Kind) {
			sub.pending = append(sub.pending, ev.Sequence)
			replay = append(replay, ev)
		}
	}
	if len(replay) > buffer {
		buffer = len(replay)
	}
	sub.detach()
	ch := make(chan Event, buffer)
	for _, ev := range replay {
		ch <- ev
	}
	sub.ch = ch
	s.mu.Unlock()

	out := &Subscription{id: subscriberID, stream: s, events: ch}
	if ctx != nil && ctx.Done() != nil {
		go func() {
			<-ctx.Done()
			out.Close()
		}()
	}
	return out, nil
}

// Events is the ordered delivery channel. It closes when the subscription
// ends or the subscriber reconnects elsewhere.
func (s *Subscription) Events() <-chan Event {
	if s == nil {
		return nil
	}
	return s.events
}

// Ack confirms the oldest pending event. Acks at or below the last confirmed
// sequence are ignored.
func (s *Subscription) Ack(sequence uint64) error {
	if s == nil || s.stream == nil {
		return errors.New("subscription closed")
	}
	return s.stream.ack(s.id, sequence)
}

// Close ends this connection; the subscriber's ack position is kept.
func (s *Subscription) Close() {
	if s == nil || s.stream == nil {
		return
	}
	s.once.Do(func() {
		s.stream.mu.Lock()
		if sub, ok := s.stream.subs[s.id]; ok && sub.ch != nil && (<-chan Event)(sub.ch) == s.events {
			sub.detach()
		}
		s.stream.mu.Unlock()
	})
}

// Forget drops a subscriber and its ack position.
func (s *Stream) Forget(subscriberID string) {
	if s == nil {
		return
	}
	s.mu.Lock()
	if sub, ok := s.subs[subscriberID]; ok {
		sub.detach()
		delete(s.subs, subscriberID)
	}
	s.trimLocked()
	s.mu.Unlock()
}

// Publish stamps ev with the next sequence and fans it out. Slow subscribers
// never block the publisher; what they miss is replayed on reconnect.
func (s *Stream) Publish(ev Event) (uint64, error) {
	if s == nil {
		return 0, errNilStream
	}
	if _, ok := kindNames[ev.Kind]; !ok {
		return 0, fmt.Errorf("unsupported event kind %d", ev.Kind)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSeq++
	ev.Sequence = s.nextSeq
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = s.clock()
	}
	s.log = append(s.log, ev)
	for _, sub := range s.subs {
		if !sub.wants(ev.Kind) {
			//1.- Unwanted kinds count as acked while nothing is outstanding.
			if len(sub.pending) == 0 && sub.lastAck == ev.Sequence-1 {
				sub.lastAck = ev.Sequence
			}
			continue
		}
		sub.pending = append(sub.pending, ev.Sequence)
		if sub.ch != nil {
			select {
			case sub.ch <- ev:
			default:
			}
		}
	}
	s.trimLocked()
	return ev.Sequence, nil
}

// Recent returns up to limit retained events, oldest first.
func (s *Stream) Recent(limit int) []Event {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	log := s.log
	if limit > 0 && len(log) > limit {
		log = log[len(log)-limit:]
	}
	return append([]Event(nil), log...)
}

// indexAfter is the position of the first logged event above seq.
func (s *Stream) indexAfter(seq uint64) int {
	return sort.Search(len(s.log), func(i int) bool { return s.log[i].Sequence > seq })
}

// trimLocked keeps Retain events plus whatever some subscriber has not acked,
// but never more than hardCapFactor times Retain. Subscribers that fall off
// the hard cap lose the dropped events.
func (s *Stream) trimLocked() {
	if len(s.log) <= s.retain {
		return
	}
	floor := s.log[len(s.log)-s.retain-1].Sequence
	for _, sub := range s.subs {
		if sub.lastAck < floor {
			floor = sub.lastAck
		}
	}
	if len(s.log) > s.retain*hardCapFactor {
		floor = s.log[len(s.log)-s.retain-1].Sequence
	}
	cut := s.indexAfter(floor)
	if cut == 0 {
		return
	}
	s.log = append([]Event(nil), s.log[cut:]...)
	for _, sub := range s.subs {
		if sub.lastAck >= floor {
			continue
		}
		sub.lastAck = floor
		keep := sub.pending[:0]
		for _, seq := range sub.pending {
			if seq > floor {
				keep = append(keep, seq)
			}
		}
		sub.pending = keep
	}
}

func (s *Stream) ack(subscriberID string, sequence uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[subscriberID]
	if !ok {
		return fmt.Errorf("unknown subscriber %q", subscriberID)
	}
	if sequence <= sub.lastAck {
		return nil
	}
	if len(sub.pending) == 0 || sub.pending[0] != sequence {
		return ErrOutOfOrderAck
	}
	sub.pending = sub.pending[1:]
	sub.lastAck = sequence
	s.trimLocked()
	return nil
}
