package transport

import (
	"encoding/binary"
	"sort"

	"cp2077coop/server/internal/protocol"
)

const (
	// DefaultResendMs is the retransmit interval for unacknowledged reliable frames.
	DefaultResendMs = 500
	// ackMaskBits is the selective-ack window following the cumulative sequence.
	ackMaskBits = 32
	// maxReorder bounds how far ahead of the expected sequence frames are buffered.
	maxReorder = 256
	// seqSize prefixes reliable plaintexts.
	seqSize = 4
)

type pendingFrame struct {
	msgType    protocol.MsgType
	body       []byte
	lastSentMs uint64
	attempts   int
}

// Reliable sequences outbound frames, retransmits them until acknowledged and
// releases inbound frames strictly in sender order.
type Reliable struct {
	resendMs uint64

	nextSeq uint32
	pending map[uint32]*pendingFrame

	recvNext   uint32
	recvBuffer map[uint32]Frame
	ackDirty   bool

	retransmits uint64
	sent        uint64
}

// NewReliable constructs a channel with the given resend interval; zero selects the default.
func NewReliable(resendMs uint64) *Reliable {
	if resendMs == 0 {
		resendMs = DefaultResendMs
	}
	return &Reliable{
		resendMs:   resendMs,
		nextSeq:    1,
		pending:    make(map[uint32]*pendingFrame),
		recvNext:   1,
		recvBuffer: make(map[uint32]Frame),
	}
}

// Stamp assigns the next sequence number and returns the body to seal.
func (r *Reliable) Stamp(t protocol.MsgType, payload []byte, nowMs uint64) []byte {
	seq := r.nextSeq
	r.nextSeq++
	body := binary.LittleEndian.AppendUint32(make([]byte, 0, seqSize+len(payload)), seq)
	body = append(body, payload...)
	r.pending[seq] = &pendingFrame{msgType: t, body: body, lastSentMs: nowMs, attempts: 1}
	r.sent++
	return body
}

// Resend is a frame body due for retransmission.
type Resend struct {
	Type protocol.MsgType
	Body []byte
}

// Due returns bodies whose resend interval elapsed, oldest first.
func (r *Reliable) Due(nowMs uint64) []Resend {
	if len(r.pending) == 0 {
		return nil
	}
	seqs := make([]uint32, 0, len(r.pending))
	for seq, p := range r.pending {
		if nowMs >= p.lastSentMs+r.resendMs {
			seqs = append(seqs, seq)
		}
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	out := make([]Resend, 0, len(seqs))
	for _, seq := range seqs {
		p := r.pending[seq]
		p.lastSentMs = nowMs
		p.attempts++
		r.retransmits++
		out = append(out, Resend{Type: p.msgType, Body: p.body})
	}
	return out
}

// OnAck releases every frame covered by the cumulative sequence or the selective mask.
func (r *Reliable) OnAck(ack protocol.Ack) {
	for seq := range r.pending {
		if seq <= ack.Seq {
			delete(r.pending, seq)
			continue
		}
		offset := seq - ack.Seq - 1
		if offset < ackMaskBits && ack.Mask&(1<<offset) != 0 {
			delete(r.pending, seq)
		}
	}
}

// Receive accepts a reliable body and returns the frames now deliverable in order.
// Duplicates and frames too far ahead are dropped but still trigger an ack.
func (r *Reliable) Receive(t protocol.MsgType, body []byte) ([]Frame, error) {
	if len(body) < seqSize {
		return nil, ErrShortFrame
	}
	seq := binary.LittleEndian.Uint32(body)
	r.ackDirty = true
	//1.- Drop frames already delivered or outside the reorder window.
	if seq < r.recvNext || seq >= r.recvNext+maxReorder {
		return nil, nil
	}
	if _, dup := r.recvBuffer[seq]; dup {
		return nil, nil
	}
	r.recvBuffer[seq] = Frame{Type: t, Payload: body[seqSize:]}
	//2.- Release the contiguous run starting at the expected sequence.
	var out []Frame
	for {
		f, ok := r.recvBuffer[r.recvNext]
		if !ok {
			break
		}
		delete(r.recvBuffer, r.recvNext)
		out = append(out, f)
		r.recvNext++
	}
	return out, nil
}

// AckState describes what has been received: everything up to Seq plus the mask.
func (r *Reliable) AckState() protocol.Ack {
	ack := protocol.Ack{Seq: r.recvNext - 1}
	for seq := range r.recvBuffer {
		offset := seq - r.recvNext
		if offset < ackMaskBits {
			ack.Mask |= 1 << offset
		}
	}
	return ack
}

// TakeAck returns the ack state once per batch of received frames.
func (r *Reliable) TakeAck() (protocol.Ack, bool) {
	if !r.ackDirty {
		return protocol.Ack{}, false
	}
	r.ackDirty = false
	return r.AckState(), true
}

// Outstanding returns the number of unacknowledged frames.
func (r *Reliable) Outstanding() int { return len(r.pending) }

// LossRatio estimates loss as retransmits over sends.
func (r *Reliable) LossRatio() float64 {
	if r.sent == 0 {
		return 0
	}
	return float64(r.retransmits) / float64(r.sent+r.retransmits)
}
