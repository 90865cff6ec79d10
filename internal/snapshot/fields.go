package snapshot

import (
	"bytes"
	"encoding/binary"
	"math"

	"cp2077coop/server/internal/physics"
)

// Fields holds encoded field values keyed by bit. Values are stored exactly
// as they appear in the payload so diffing is a byte comparison.
type Fields struct {
	Flags  Flags
	values map[int][]byte
}

// NewFields returns an empty set.
func NewFields() *Fields {
	return &Fields{values: make(map[int][]byte)}
}

func (f *Fields) put(bit int, raw []byte) {
	if bit < 0 || bit >= MaxFields {
		return
	}
	if f.values == nil {
		f.values = make(map[int][]byte)
	}
	f.values[bit] = raw
	f.Flags.Set(bit)
}

// Raw returns the encoded value of bit.
func (f *Fields) Raw(bit int) ([]byte, bool) {
	if f == nil || !f.Flags.Has(bit) {
		return nil, false
	}
	v, ok := f.values[bit]
	return v, ok
}

// PutRaw stores an already encoded value.
func (f *Fields) PutRaw(bit int, raw []byte) {
	cp := make([]byte, len(raw))
	copy(cp, raw)
	f.put(bit, cp)
}

// Equal reports whether bit holds identical bytes in both sets.
func (f *Fields) Equal(other *Fields, bit int) bool {
	a, okA := f.Raw(bit)
	b, okB := other.Raw(bit)
	return okA == okB && bytes.Equal(a, b)
}

// Clone deep-copies the set.
func (f *Fields) Clone() *Fields {
	out := NewFields()
	if f == nil {
		return out
	}
	f.Flags.Each(func(bit int) {
		out.PutRaw(bit, f.values[bit])
	})
	return out
}

// Fill copies every bit present in base but missing from f.
func (f *Fields) Fill(base *Fields) {
	if f == nil || base == nil {
		return
	}
	base.Flags.Each(func(bit int) {
		if !f.Flags.Has(bit) {
			f.PutRaw(bit, base.values[bit])
		}
	})
}

// Size returns the payload bytes the set would occupy.
func (f *Fields) Size() int {
	if f == nil {
		return 0
	}
	total := 0
	for _, v := range f.values {
		total += len(v)
	}
	return total
}

func (f *Fields) PutU8(bit int, v uint8) { f.put(bit, []byte{v}) }

func (f *Fields) PutBool(bit int, v bool) {
	if v {
		f.PutU8(bit, 1)
		return
	}
	f.PutU8(bit, 0)
}

func (f *Fields) PutU16(bit int, v uint16) {
	f.put(bit, binary.LittleEndian.AppendUint16(nil, v))
}

func (f *Fields) PutU32(bit int, v uint32) {
	f.put(bit, binary.LittleEndian.AppendUint32(nil, v))
}

func (f *Fields) PutU64(bit int, v uint64) {
	f.put(bit, binary.LittleEndian.AppendUint64(nil, v))
}

func (f *Fields) PutF32(bit int, v float32) { f.PutU32(bit, math.Float32bits(v)) }

func (f *Fields) PutVec3(bit int, v physics.Vec3) {
	out := make([]byte, 0, 12)
	for _, c := range [3]float32{v.X, v.Y, v.Z} {
		out = binary.LittleEndian.AppendUint32(out, math.Float32bits(c))
	}
	f.put(bit, out)
}

func (f *Fields) PutQuat(bit int, q physics.Quat) {
	out := make([]byte, 0, 16)
	for _, c := range [4]float32{q.X, q.Y, q.Z, q.W} {
		out = binary.LittleEndian.AppendUint32(out, math.Float32bits(c))
	}
	f.put(bit, out)
}

func (f *Fields) PutU32x4(bit int, v [4]uint32) {
	out := make([]byte, 0, 16)
	for _, c := range v {
		out = binary.LittleEndian.AppendUint32(out, c)
	}
	f.put(bit, out)
}

// PutBytes stores a length-prefixed blob; blobs above 65535 bytes are truncated.
func (f *Fields) PutBytes(bit int, p []byte) {
	if len(p) > math.MaxUint16 {
		p = p[:math.MaxUint16]
	}
	out := binary.LittleEndian.AppendUint16(make([]byte, 0, 2+len(p)), uint16(len(p)))
	f.put(bit, append(out, p...))
}

func (f *Fields) U8(bit int) (uint8, bool) {
	raw, ok := f.Raw(bit)
	if !ok || len(raw) != 1 {
		return 0, false
	}
	return raw[0], true
}

func (f *Fields) Bool(bit int) (bool, bool) {
	v, ok := f.U8(bit)
	return v != 0, ok
}

func (f *Fields) U16(bit int) (uint16, bool) {
	raw, ok := f.Raw(bit)
	if !ok || len(raw) != 2 {
		return 0, false
	}
	return binary.LittleEndian.Uint16(raw), true
}

func (f *Fields) U32(bit int) (uint32, bool) {
	raw, ok := f.Raw(bit)
	if !ok || len(raw) != 4 {
		return 0, false
	}
	return binary.LittleEndian.Uint32(raw), true
}

func (f *Fields) U64(bit int) (uint64, bool) {
	raw, ok := f.Raw(bit)
	if !ok || len(raw) != 8 {
		return 0, false
	}
	return binary.LittleEndian.Uint64(raw), true
}

func (f *Fields) F32(bit int) (float32, bool) {
	v, ok := f.U32(bit)
	return math.Float32frombits(v), ok
}

func (f *Fields) Vec3(bit int) (physics.Vec3, bool) {
	raw, ok := f.Raw(bit)
	if !ok || len(raw) != 12 {
		return physics.Vec3{}, false
	}
	return physics.Vec3{X: f32At(raw, 0), Y: f32At(raw, 4), Z: f32At(raw, 8)}, true
}

func (f *Fields) Quat(bit int) (physics.Quat, bool) {
	raw, ok := f.Raw(bit)
	if !ok || len(raw) != 16 {
		return physics.IdentityQuat, false
	}
	return physics.Quat{X: f32At(raw, 0), Y: f32At(raw, 4), Z: f32At(raw, 8), W: f32At(raw, 12)}, true
}

func (f *Fields) U32x4(bit int) ([4]uint32, bool) {
	var out [4]uint32
	raw, ok := f.Raw(bit)
	if !ok || len(raw) != 16 {
		return out, false
	}
	for i := range out {
		out[i] = binary.LittleEndian.Uint32(raw[4*i:])
	}
	return out, true
}

// Bytes returns the blob stored under bit without its length prefix.
func (f *Fields) Bytes(bit int) ([]byte, bool) {
	raw, ok := f.Raw(bit)
	if !ok || len(raw) < 2 {
		return nil, false
	}
	return raw[2:], true
}

func f32At(raw []byte, off int) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(raw[off:]))
}
