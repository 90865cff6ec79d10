package transport

import (
	"fmt"

	"cp2077coop/server/internal/protocol"
)

// Link owns the per-peer transport state: the AEAD session once the handshake
// completes and the reliable channel. It is driven by a single goroutine.
type Link struct {
	session  *Session
	reliable *Reliable
}

// NewLink constructs a link without a session; only Hello and Welcome pass until Establish.
func NewLink(resendMs uint64) *Link {
	return &Link{reliable: NewReliable(resendMs)}
}

// Establish installs the session derived from the handshake.
func (l *Link) Establish(s *Session) { l.session = s }

// Established reports whether frames are sealed.
func (l *Link) Established() bool { return l.session != nil }

// Reliable exposes channel statistics.
func (l *Link) Reliable() *Reliable { return l.reliable }

// Encode turns a message payload into a datagram, sequencing and sealing it as required.
func (l *Link) Encode(t protocol.MsgType, payload []byte, nowMs uint64) ([]byte, error) {
	//1.- The handshake pair travels in the clear.
	if t.Plaintext() {
		return AppendFrame(nil, t, payload)
	}
	if l.session == nil {
		return nil, ErrNoSession
	}
	overhead := SealOverhead
	if !t.Unreliable() {
		overhead += seqSize
	}
	if overhead+len(payload) > MaxPayload {
		return nil, fmt.Errorf("%w: %s with %d bytes", ErrOversize, t, len(payload))
	}
	//2.- Reliable bodies are stamped before sealing so retransmits can be re-sealed with fresh nonces.
	body := payload
	if !t.Unreliable() {
		body = l.reliable.Stamp(t, payload, nowMs)
	}
	return l.seal(t, body), nil
}

func (l *Link) seal(t protocol.MsgType, body []byte) []byte {
	hdr := header(t, SealOverhead+len(body))
	return append(hdr, l.session.Seal(hdr, body)...)
}

// Decode opens a datagram and returns the frames ready for dispatch in sender order.
func (l *Link) Decode(datagram []byte) ([]Frame, error) {
	frame, err := ParseFrame(datagram)
	if err != nil {
		return nil, err
	}
	if frame.Type.Plaintext() {
		return []Frame{frame}, nil
	}
	if l.session == nil {
		return nil, ErrNoSession
	}
	plain, err := l.session.Open(datagram[:HeaderSize], frame.Payload)
	if err != nil {
		return nil, err
	}
	//1.- Acks are consumed by the reliable channel and never surface.
	if frame.Type == protocol.MsgAck {
		msg, err := protocol.Unmarshal(protocol.MsgAck, plain)
		if err != nil {
			return nil, err
		}
		l.reliable.OnAck(*msg.(*protocol.Ack))
		return nil, nil
	}
	if frame.Type.Unreliable() {
		return []Frame{{Type: frame.Type, Payload: plain}}, nil
	}
	return l.reliable.Receive(frame.Type, plain)
}

// Resends re-seals every reliable frame whose resend interval elapsed.
func (l *Link) Resends(nowMs uint64) [][]byte {
	if l.session == nil {
		return nil
	}
	due := l.reliable.Due(nowMs)
	out := make([][]byte, 0, len(due))
	for _, r := range due {
		out = append(out, l.seal(r.Type, r.Body))
	}
	return out
}

// AckDatagram returns a sealed Ack when reliable frames arrived since the last call.
func (l *Link) AckDatagram() ([]byte, bool) {
	if l.session == nil {
		return nil, false
	}
	ack, ok := l.reliable.TakeAck()
	if !ok {
		return nil, false
	}
	payload, err := protocol.Marshal(&ack)
	if err != nil {
		return nil, false
	}
	return l.seal(protocol.MsgAck, payload), true
}
