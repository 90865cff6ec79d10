// Package hash provides the stable identifiers and deterministic random streams
// shared by every client in a session.
package hash

import (
	"encoding/binary"
	"hash/fnv"
	"math"
)

const (
	offset64 = 14695981039346656037
	prime64  = 1099511628211
)

// Fnv1a32 hashes a name such as a vfx resource or vehicle template.
func Fnv1a32(name string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(name))
	return h.Sum32()
}

// Fnv1a64 hashes a sector or quest name.
func Fnv1a64(name string) uint64 {
	return Fnv1a64Bytes([]byte(name))
}

// Fnv1a64Bytes hashes raw bytes.
func Fnv1a64Bytes(data []byte) uint64 {
	h := fnv.New64a()
	_, _ = h.Write(data)
	return h.Sum64()
}

// Fnv1a64Pos derives a sector hash from a planar position. The float32 bytes
// are hashed little-endian, x first, so every client computes the same sector.
func Fnv1a64Pos(x, y float32) uint64 {
	var buf [4]byte
	value := uint64(offset64)
	for _, component := range [2]float32{x, y} {
		binary.LittleEndian.PutUint32(buf[:], math.Float32bits(component))
		for _, b := range buf {
			value ^= uint64(b)
			value *= prime64
		}
	}
	return value
}
