// Package assets registers streamable assets, keeps a memory bounded cache of
// their chunks and streams them to peers by priority within a bandwidth budget.
package assets

import (
	"encoding/binary"
	"errors"

	"lukechampine.com/blake3"
)

const (
	// DefaultChunkSize is the raw size of one asset chunk.
	DefaultChunkSize = 64 << 10
	// EvictionThreshold triggers eviction when used/limit exceeds it.
	EvictionThreshold = 0.85
	// EvictionFraction of the limit is freed by a threshold eviction.
	EvictionFraction = 0.10
	// DefaultRequestTimeoutMs fails a request that has not completed in time.
	DefaultRequestTimeoutMs = 30_000
	// DefaultMaxRetries bounds how often a failing load is retried.
	DefaultMaxRetries = 3
	// MismatchAttempts bounds loads of a chunk whose hash does not match: the
	// first failure is retried once, the second fails the asset.
	MismatchAttempts = 2
	// DefaultPumpMs is the worker cadence.
	DefaultPumpMs = 50
)

var (
	ErrUnknownAsset  = errors.New("assets: unknown asset")
	ErrUnknownCodec  = errors.New("assets: unknown compression")
	ErrHashMismatch  = errors.New("assets: chunk hash mismatch")
	ErrCorruptCache  = errors.New("assets: corrupt disk cache")
	ErrTooLarge      = errors.New("assets: decoded chunk too large")
	ErrUnknownReq    = errors.New("assets: unknown request")
	ErrStopped       = errors.New("assets: manager stopped")
	ErrEmptyAsset    = errors.New("assets: empty asset")
	ErrBadFragment   = errors.New("assets: fragment outside chunk")
	ErrUploadUnknown = errors.New("assets: no upload pending for asset")
)

// Type classifies an asset.
type Type uint8

const (
	TypeTexture Type = iota
	TypeMesh
	TypeAudio
	TypeAnimation
	TypeMaterial
	TypeScript
	TypeWorld
	TypeCharacter
	TypeVehicle
	TypeWeapon
	TypeEffect
	TypeUI
	TypeConfig
	TypeCustom
	TypeUnknown Type = 255
)

// Priority orders requests and eviction; lower values are more important.
type Priority uint8

const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityMedium
	PriorityLow
	PriorityBackground
)

var priorityNames = [...]string{"critical", "high", "medium", "low", "background"}

func (p Priority) String() string {
	if int(p) < len(priorityNames) {
		return priorityNames[p]
	}
	return "disabled"
}

func (p Priority) valid() bool { return p <= PriorityBackground }

// State is the streaming state of an asset on this server.
type State uint8

const (
	StateUnloaded State = iota
	StateRequested
	StateDownloading
	StateLoading
	StateLoaded
	StateFailed
	StateEvicted
)

var stateNames = [...]string{"unloaded", "requested", "downloading", "loading", "loaded", "failed", "evicted"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// SyncMode tells peers whether an asset is required to play.
type SyncMode uint8

const (
	SyncMandatory SyncMode = iota
	SyncOptional
	SyncConditional
	SyncClientSide
)

// Info describes one registered asset.
type Info struct {
	ID             uint64
	Path           string
	Type           Type
	Priority       Priority
	SyncMode       SyncMode
	Size           uint64
	CompressedSize uint64
	Compression    Compression
	Version        uint32
	ChunkCount     uint32
	ChunkSizes     []uint32
	ChunkHashes    []uint64
	IsCustom       bool
	Mod            string
}

// ChunkHash is the first 64 bits of the BLAKE3 digest of a delivered chunk.
func ChunkHash(data []byte) uint64 {
	sum := blake3.Sum256(data)
	return binary.LittleEndian.Uint64(sum[:8])
}

func (i Info) clone() Info {
	i.ChunkSizes = append([]uint32(nil), i.ChunkSizes...)
	i.ChunkHashes = append([]uint64(nil), i.ChunkHashes...)
	return i
}
