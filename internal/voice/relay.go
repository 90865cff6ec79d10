// Package voice relays Opus frames between peers of the same phase on a
// dedicated worker, enforcing per-peer frame caps, mutes and sequence order.
package voice

import (
	"errors"
	"sync"
	"sync/atomic"

	"cp2077coop/server/internal/logging"
	"cp2077coop/server/internal/protocol"
)

const (
	// SampleRate is the Opus sampling rate used by clients.
	SampleRate = 48000
	// FrameMs is the duration of one voice frame.
	FrameMs = 20
	// FrameSamples is the PCM length of one mono frame.
	FrameSamples = SampleRate * FrameMs / 1000
	// DefaultQueueDepth bounds the frames waiting for the relay worker.
	DefaultQueueDepth = 256
)

var (
	ErrTooLarge  = errors.New("voice: frame exceeds peer cap")
	ErrMuted     = errors.New("voice: speaker muted")
	ErrStale     = errors.New("voice: sequence regression")
	ErrQueueFull = errors.New("voice: relay queue full")
	ErrStopped   = errors.New("voice: relay stopped")
	ErrFrameLen  = errors.New("voice: decoded frame has wrong length")
)

// Speaker is the sending side of a frame; *connection.Peer satisfies it.
type Speaker interface {
	ID() uint32
	PhaseID() uint32
	Muted(nowMs uint64) bool
	VoiceCap() int
}

// Listener is one candidate recipient.
type Listener struct {
	PeerID   uint32
	VoiceCap int
}

// Directory lists the recipients of a phase.
type Directory interface {
	Listeners(phaseID uint32) []Listener
}

// Sender delivers a frame to one peer.
type Sender interface {
	Send(peerID uint32, msg protocol.Message) error
}

// Codec transcodes Opus frames; it is only consulted for recipients whose cap
// is below the submitted frame.
type Codec interface {
	Decode(frame []byte) ([]int16, error)
	Encode(pcm []int16, maxBytes int) ([]byte, error)
}

// Stats are the relay counters.
type Stats struct {
	Relayed     uint64
	Transcoded  uint64
	Dropped     uint64
	QueueLength int
}

type job struct {
	from    uint32
	phaseID uint32
	frame   protocol.Voice
}

// Option customises a Relay.
type Option func(*Relay)

// WithLogger attaches a logger.
func WithLogger(logger *logging.Logger) Option {
	return func(r *Relay) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithCodec enables down-transcoding for capped recipients.
func WithCodec(c Codec) Option {
	return func(r *Relay) { r.codec = c }
}

// WithQueueDepth overrides DefaultQueueDepth.
func WithQueueDepth(n int) Option {
	return func(r *Relay) {
		if n > 0 {
			r.depth = n
		}
	}
}

// Relay validates frames on the caller's goroutine and fans them out on its own.
type Relay struct {
	out    Sender
	dir    Directory
	codec  Codec
	logger *logging.Logger
	depth  int

	mu      sync.Mutex
	lastSeq map[uint32]uint16
	queue   chan job
	stop    chan struct{}
	done    chan struct{}
	started bool
	stopped bool

	relayed    atomic.Uint64
	transcoded atomic.Uint64
	dropped    atomic.Uint64
}

// NewRelay constructs an idle relay; call Start to launch the worker.
func NewRelay(out Sender, dir Directory, opts ...Option) *Relay {
	r := &Relay{
		out:     out,
		dir:     dir,
		logger:  logging.L(),
		depth:   DefaultQueueDepth,
		lastSeq: make(map[uint32]uint16),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	r.queue = make(chan job, r.depth)
	return r
}

// Start launches the relay worker once.
func (r *Relay) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started || r.stopped {
		return
	}
	r.started = true
	go r.run()
}

// Stop signals the worker and waits for it to drain the queue.
func (r *Relay) Stop() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	started := r.started
	close(r.stop)
	r.mu.Unlock()
	if started {
		<-r.done
	}
}

// Submit accepts one frame from sp. The sender id in the frame is replaced by
// the authenticated speaker.
func (r *Relay) Submit(sp Speaker, v *protocol.Voice, nowMs uint64) error {
	if sp == nil || v == nil {
		return ErrStale
	}
	if len(v.Data) == 0 || len(v.Data) > sp.VoiceCap() || len(v.Data) > protocol.MaxVoiceBytes {
		r.dropped.Add(1)
		return ErrTooLarge
	}
	if sp.Muted(nowMs) {
		r.dropped.Add(1)
		return ErrMuted
	}
	id := sp.ID()
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return ErrStopped
	}
	//1.- Sequence numbers wrap; anything not strictly ahead of the last one is dropped.
	if last, seen := r.lastSeq[id]; seen && int16(v.Seq-last) <= 0 {
		r.mu.Unlock()
		r.dropped.Add(1)
		return ErrStale
	}
	r.lastSeq[id] = v.Seq
	r.mu.Unlock()

	j := job{from: id, phaseID: sp.PhaseID(), frame: protocol.Voice{PeerID: id, Seq: v.Seq, Data: append([]byte(nil), v.Data...)}}
	select {
	case r.queue <- j:
		return nil
	default:
		r.dropped.Add(1)
		return ErrQueueFull
	}
}

// Forget drops a departed peer's sequence state.
func (r *Relay) Forget(peerID uint32) {
	r.mu.Lock()
	delete(r.lastSeq, peerID)
	r.mu.Unlock()
}

// Stats returns the relay counters.
func (r *Relay) Stats() Stats {
	return Stats{
		Relayed:     r.relayed.Load(),
		Transcoded:  r.transcoded.Load(),
		Dropped:     r.dropped.Load(),
		QueueLength: len(r.queue),
	}
}

func (r *Relay) run() {
	defer close(r.done)
	for {
		select {
		case j := <-r.queue:
			r.deliver(j)
		case <-r.stop:
			//1.- Drain what was accepted before the stop signal.
			for {
				select {
				case j := <-r.queue:
					r.deliver(j)
				default:
					return
				}
			}
		}
	}
}

func (r *Relay) deliver(j job) {
	if r.dir == nil || r.out == nil {
		return
	}
	var reduced map[int]*protocol.Voice
	for _, l := range r.dir.Listeners(j.phaseID) {
		if l.PeerID == j.from {
			continue
		}
		msg := &j.frame
		if len(j.frame.Data) > l.VoiceCap {
			if reduced == nil {
				reduced = make(map[int]*protocol.Voice)
			}
			small, ok := reduced[l.VoiceCap]
			if !ok {
				small = r.transcode(j.frame, l.VoiceCap)
				reduced[l.VoiceCap] = small
			}
			if small == nil {
				r.dropped.Add(1)
				continue
			}
			msg = small
		}
		if err := r.out.Send(l.PeerID, msg); err != nil {
			r.logger.Debug("voice relay send failed", logging.Uint32("peer_id", l.PeerID), logging.Error(err))
			continue
		}
		r.relayed.Add(1)
	}
}

func (r *Relay) transcode(v protocol.Voice, maxBytes int) *protocol.Voice {
	if r.codec == nil || maxBytes <= 0 {
		return nil
	}
	pcm, err := r.codec.Decode(v.Data)
	if err == nil && len(pcm) != FrameSamples {
		err = ErrFrameLen
	}
	var data []byte
	if err == nil {
		data, err = r.codec.Encode(pcm, maxBytes)
	}
	if err != nil || len(data) == 0 || len(data) > maxBytes {
		r.logger.Debug("voice transcode failed", logging.Uint32("peer_id", v.PeerID), logging.Error(err))
		return nil
	}
	r.transcoded.Add(1)
	return &protocol.Voice{PeerID: v.PeerID, Seq: v.Seq, Data: data}
}
