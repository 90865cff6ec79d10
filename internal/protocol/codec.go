package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"cp2077coop/server/internal/physics"
)

var (
	// ErrUnknownType marks a frame whose type has no decoder.
	ErrUnknownType = errors.New("protocol: unknown message type")
	// ErrSize marks a payload whose length does not match the message layout.
	ErrSize = errors.New("protocol: payload size mismatch")
	// ErrTruncated marks a variable-length payload that ended early.
	ErrTruncated = errors.New("protocol: truncated payload")
	// ErrTooLong marks a length prefix above the field's bound.
	ErrTooLong = errors.New("protocol: field exceeds bound")
)

// Message is implemented by every packet body.
type Message interface {
	Type() MsgType
}

// variable is implemented by messages with length-prefixed fields. Fixed
// layouts are packed with encoding/binary instead.
type variable interface {
	encode(b *Buffer)
	decode(c *Cursor)
}

// Marshal packs the message little-endian without padding.
func Marshal(m Message) ([]byte, error) {
	if m == nil {
		return nil, fmt.Errorf("protocol: nil message")
	}
	//1.- Variable messages write themselves field by field.
	if v, ok := m.(variable); ok {
		var b Buffer
		v.encode(&b)
		return b.Bytes(), nil
	}
	//2.- Fixed layouts rely on encoding/binary which zero-fills blank padding fields.
	var out bytes.Buffer
	if err := binary.Write(&out, binary.LittleEndian, m); err != nil {
		return nil, fmt.Errorf("protocol: marshal %s: %w", m.Type(), err)
	}
	return out.Bytes(), nil
}

// Unmarshal decodes a payload for the given type.
func Unmarshal(t MsgType, payload []byte) (Message, error) {
	factory, ok := registry[t]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownType, uint16(t))
	}
	m := factory()
	if v, ok := m.(variable); ok {
		c := NewCursor(payload)
		v.decode(c)
		if err := c.Finish(); err != nil {
			return nil, fmt.Errorf("protocol: decode %s: %w", t, err)
		}
		return m, nil
	}
	//1.- Fixed layouts must match exactly so stray bytes are treated as corruption.
	if size := binary.Size(m); size < 0 || size != len(payload) {
		return nil, fmt.Errorf("%w: %s wants %d bytes, got %d", ErrSize, t, binary.Size(m), len(payload))
	}
	if err := binary.Read(bytes.NewReader(payload), binary.LittleEndian, m); err != nil {
		return nil, fmt.Errorf("protocol: decode %s: %w", t, err)
	}
	return m, nil
}

// Buffer accumulates little-endian fields for variable messages.
type Buffer struct {
	data []byte
}

// Bytes returns the encoded payload.
func (b *Buffer) Bytes() []byte { return b.data }

func (b *Buffer) U8(v uint8) { b.data = append(b.data, v) }

func (b *Buffer) U16(v uint16) { b.data = binary.LittleEndian.AppendUint16(b.data, v) }

func (b *Buffer) U32(v uint32) { b.data = binary.LittleEndian.AppendUint32(b.data, v) }

func (b *Buffer) U64(v uint64) { b.data = binary.LittleEndian.AppendUint64(b.data, v) }

func (b *Buffer) F32(v float32) { b.U32(math.Float32bits(v)) }

func (b *Buffer) Vec3(v physics.Vec3) {
	b.F32(v.X)
	b.F32(v.Y)
	b.F32(v.Z)
}

func (b *Buffer) Quat(q physics.Quat) {
	b.F32(q.X)
	b.F32(q.Y)
	b.F32(q.Z)
	b.F32(q.W)
}

// Raw appends bytes without a prefix.
func (b *Buffer) Raw(p []byte) { b.data = append(b.data, p...) }

// Bytes16 appends a u16 length prefix then the bytes; oversize input is truncated.
func (b *Buffer) Bytes16(p []byte) {
	if len(p) > math.MaxUint16 {
		p = p[:math.MaxUint16]
	}
	b.U16(uint16(len(p)))
	b.Raw(p)
}

// String16 appends a u16-prefixed UTF-8 string.
func (b *Buffer) String16(s string) { b.Bytes16([]byte(s)) }

// Cursor reads little-endian fields with a sticky error so decoders stay linear.
type Cursor struct {
	data []byte
	off  int
	err  error
}

// NewCursor wraps a payload.
func NewCursor(p []byte) *Cursor { return &Cursor{data: p} }

// Err returns the first decode error.
func (c *Cursor) Err() error { return c.err }

// Remaining returns unread bytes.
func (c *Cursor) Remaining() int { return len(c.data) - c.off }

// Fail records err unless an earlier error exists.
func (c *Cursor) Fail(err error) {
	if c.err == nil {
		c.err = err
	}
}

// Finish reports the sticky error or trailing garbage.
func (c *Cursor) Finish() error {
	if c.err != nil {
		return c.err
	}
	if c.off != len(c.data) {
		return fmt.Errorf("%w: %d trailing bytes", ErrSize, len(c.data)-c.off)
	}
	return nil
}

func (c *Cursor) take(n int) []byte {
	if c.err != nil {
		return nil
	}
	if n < 0 || c.off+n > len(c.data) {
		c.err = ErrTruncated
		return nil
	}
	out := c.data[c.off : c.off+n]
	c.off += n
	return out
}

func (c *Cursor) U8() uint8 {
	if p := c.take(1); p != nil {
		return p[0]
	}
	return 0
}

func (c *Cursor) U16() uint16 {
	if p := c.take(2); p != nil {
		return binary.LittleEndian.Uint16(p)
	}
	return 0
}

func (c *Cursor) U32() uint32 {
	if p := c.take(4); p != nil {
		return binary.LittleEndian.Uint32(p)
	}
	return 0
}

func (c *Cursor) U64() uint64 {
	if p := c.take(8); p != nil {
		return binary.LittleEndian.Uint64(p)
	}
	return 0
}

func (c *Cursor) F32() float32 { return math.Float32frombits(c.U32()) }

func (c *Cursor) Vec3() physics.Vec3 {
	return physics.Vec3{X: c.F32(), Y: c.F32(), Z: c.F32()}
}

func (c *Cursor) Quat() physics.Quat {
	return physics.Quat{X: c.F32(), Y: c.F32(), Z: c.F32(), W: c.F32()}
}

// Raw copies n bytes.
func (c *Cursor) Raw(n int) []byte {
	p := c.take(n)
	if p == nil {
		return nil
	}
	out := make([]byte, n)
	copy(out, p)
	return out
}

// Rest copies every remaining byte.
func (c *Cursor) Rest() []byte { return c.Raw(c.Remaining()) }

// Bytes16 reads a u16-prefixed byte slice bounded by limit.
func (c *Cursor) Bytes16(limit int) []byte {
	n := int(c.U16())
	if c.err != nil {
		return nil
	}
	if n > limit {
		c.Fail(fmt.Errorf("%w: %d > %d", ErrTooLong, n, limit))
		return nil
	}
	return c.Raw(n)
}

// String16 reads a u16-prefixed string bounded by limit.
func (c *Cursor) String16(limit int) string {
	return string(c.Bytes16(limit))
}
