package snapshot

import (
	"encoding/binary"
	"math/bits"
)

const (
	// MaxFields is the number of addressable field bits.
	MaxFields = 128
	// HeaderSize is the encoded size of Header.
	HeaderSize = 8
	// FlagsSize is the encoded size of Flags.
	FlagsSize = 16
)

// Header identifies a snapshot and the baseline it was diffed against. BaseID 0 marks a keyframe.
type Header struct {
	ID     uint32
	BaseID uint32
}

// Keyframe reports whether the snapshot is self-contained.
func (h Header) Keyframe() bool { return h.BaseID == 0 }

// Flags is the 128-bit field presence set.
type Flags [4]uint32

// Set marks bit as present. Out of range bits are ignored.
func (f *Flags) Set(bit int) {
	if bit < 0 || bit >= MaxFields {
		return
	}
	f[bit/32] |= 1 << (uint(bit) % 32)
}

// Clear removes bit.
func (f *Flags) Clear(bit int) {
	if bit < 0 || bit >= MaxFields {
		return
	}
	f[bit/32] &^= 1 << (uint(bit) % 32)
}

// Has reports whether bit is present.
func (f Flags) Has(bit int) bool {
	if bit < 0 || bit >= MaxFields {
		return false
	}
	return f[bit/32]&(1<<(uint(bit)%32)) != 0
}

// Count returns the number of set bits.
func (f Flags) Count() int {
	return bits.OnesCount32(f[0]) + bits.OnesCount32(f[1]) + bits.OnesCount32(f[2]) + bits.OnesCount32(f[3])
}

// Each calls fn for every set bit in ascending order.
func (f Flags) Each(fn func(bit int)) {
	for word := 0; word < 4; word++ {
		w := f[word]
		for w != 0 {
			b := bits.TrailingZeros32(w)
			fn(word*32 + b)
			w &^= 1 << uint(b)
		}
	}
}

func putHeader(dst []byte, h Header, f Flags) {
	binary.LittleEndian.PutUint32(dst[0:], h.ID)
	binary.LittleEndian.PutUint32(dst[4:], h.BaseID)
	for i := 0; i < 4; i++ {
		binary.LittleEndian.PutUint32(dst[HeaderSize+4*i:], f[i])
	}
}
