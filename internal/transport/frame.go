package transport

import (
	"encoding/binary"
	"errors"
	"fmt"

	"cp2077coop/server/internal/protocol"
)

const (
	// HeaderSize is the frame header: type u16 and size u16.
	HeaderSize = 4
	// MaxDatagram is the per-datagram budget that keeps frames under common MTUs.
	MaxDatagram = 1200
	// MaxPayload bounds the frame payload.
	MaxPayload = MaxDatagram - HeaderSize
)

var (
	// ErrShortFrame marks a datagram smaller than the header or its declared size.
	ErrShortFrame = errors.New("transport: short frame")
	// ErrOversize marks a payload above MaxPayload.
	ErrOversize = errors.New("transport: frame exceeds payload budget")
)

// Frame is one decoded datagram.
type Frame struct {
	Type    protocol.MsgType
	Payload []byte
}

// AppendFrame writes {type, size, payload} to dst.
func AppendFrame(dst []byte, t protocol.MsgType, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayload {
		return dst, fmt.Errorf("%w: %d bytes", ErrOversize, len(payload))
	}
	dst = binary.LittleEndian.AppendUint16(dst, uint16(t))
	dst = binary.LittleEndian.AppendUint16(dst, uint16(len(payload)))
	return append(dst, payload...), nil
}

// ParseFrame splits a datagram. The declared size must match the bytes received.
func ParseFrame(data []byte) (Frame, error) {
	if len(data) < HeaderSize {
		return Frame{}, ErrShortFrame
	}
	t := protocol.MsgType(binary.LittleEndian.Uint16(data))
	size := int(binary.LittleEndian.Uint16(data[2:]))
	if size > MaxPayload {
		return Frame{}, fmt.Errorf("%w: %d bytes", ErrOversize, size)
	}
	if len(data)-HeaderSize != size {
		return Frame{}, fmt.Errorf("%w: declared %d, have %d", ErrShortFrame, size, len(data)-HeaderSize)
	}
	return Frame{Type: t, Payload: data[HeaderSize:]}, nil
}

func header(t protocol.MsgType, size int) []byte {
	out := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint16(out, uint16(t))
	binary.LittleEndian.PutUint16(out[2:], uint16(size))
	return out
}
