package assets

import (
	"bytes"
	"fmt"
	"io"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression selects the chunk codec.
type Compression uint8

const (
	CompressionNone Compression = iota
	CompressionLZ4
	CompressionZSTD
	CompressionCustom
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZSTD:
		return "zstd"
	case CompressionCustom:
		return "snappy"
	}
	return "unknown"
}

// Compressor applies symmetric compression to chunk payloads.
type Compressor interface {
	Name() string
	Compress(data []byte) ([]byte, error)
	// Decompress restores at most limit bytes.
	Decompress(data []byte, limit int) ([]byte, error)
}

var (
	zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	zstdDecoder, _ = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0), zstd.WithDecoderMaxMemory(DefaultChunkSize*4))
)

// CodecFor returns the compressor for c.
func CodecFor(c Compression) (Compressor, error) {
	switch c {
	case CompressionNone:
		return noneCodec{}, nil
	case CompressionLZ4:
		return lz4Codec{}, nil
	case CompressionZSTD:
		return zstdCodec{}, nil
	case CompressionCustom:
		return snappyCodec{}, nil
	}
	return nil, fmt.Errorf("%w: %d", ErrUnknownCodec, c)
}

// CompressionFor picks the codec by asset type: already compressed media is
// stored as is, bulk geometry favours lz4 speed, text favours zstd ratio.
func CompressionFor(t Type) Compression {
	switch t {
	case TypeAudio:
		return CompressionNone
	case TypeTexture, TypeMesh, TypeAnimation, TypeWorld, TypeCharacter, TypeVehicle, TypeWeapon:
		return CompressionLZ4
	case TypeScript, TypeConfig, TypeUI, TypeMaterial:
		return CompressionZSTD
	}
	return CompressionCustom
}

type noneCodec struct{}

func (noneCodec) Name() string { return "none" }

func (noneCodec) Compress(data []byte) ([]byte, error) {
	return append([]byte(nil), data...), nil
}

func (noneCodec) Decompress(data []byte, limit int) ([]byte, error) {
	if len(data) > limit {
		return nil, ErrTooLarge
	}
	return append([]byte(nil), data...), nil
}

type lz4Codec struct{}

func (lz4Codec) Name() string { return "lz4" }

func (lz4Codec) Compress(data []byte) ([]byte, error) {
	//1.- Frame format keeps the raw length and checksum alongside the blocks.
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		w.Close()
		return nil, fmt.Errorf("lz4 write: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("lz4 close: %w", err)
	}
	return buf.Bytes(), nil
}

func (lz4Codec) Decompress(data []byte, limit int) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("lz4 decompress: empty payload")
	}
	r := lz4.NewReader(bytes.NewReader(data))
	var buf bytes.Buffer
	n, err := io.Copy(&buf, io.LimitReader(r, int64(limit)+1))
	if err != nil {
		return nil, fmt.Errorf("lz4 copy: %w", err)
	}
	if n > int64(limit) {
		return nil, ErrTooLarge
	}
	return buf.Bytes(), nil
}

type zstdCodec struct{}

func (zstdCodec) Name() string { return "zstd" }

func (zstdCodec) Compress(data []byte) ([]byte, error) {
	return zstdEncoder.EncodeAll(data, nil), nil
}

func (zstdCodec) Decompress(data []byte, limit int) ([]byte, error) {
	out, err := zstdDecoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decode: %w", err)
	}
	if len(out) > limit {
		return nil, ErrTooLarge
	}
	return out, nil
}

type snappyCodec struct{}

func (snappyCodec) Name() string { return "snappy" }

func (snappyCodec) Compress(data []byte) ([]byte, error) {
	return snappy.Encode(nil, data), nil
}

func (snappyCodec) Decompress(data []byte, limit int) ([]byte, error) {
	//1.- Check the declared length before allocating.
	n, err := snappy.DecodedLen(data)
	if err != nil {
		return nil, fmt.Errorf("snappy header: %w", err)
	}
	if n > limit {
		return nil, ErrTooLarge
	}
	out, err := snappy.Decode(nil, data)
	if err != nil {
		return nil, fmt.Errorf("snappy decode: %w", err)
	}
	return out, nil
}
