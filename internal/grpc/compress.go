package grpc

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"google.golang.org/grpc/encoding"
)

// CompressorName is the grpc-encoding advertised for zstd frames.
const CompressorName = "zstd"

// maxDecodedMessage bounds a single decompressed ops message.
const maxDecodedMessage = 4 << 20

var (
	zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	zstdDecoder, _ = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0), zstd.WithDecoderMaxMemory(maxDecodedMessage))
)

func init() {
	encoding.RegisterCompressor(zstdCompressor{})
}

// zstdCompressor lets ops clients request zstd with grpc.UseCompressor.
type zstdCompressor struct{}

// Name reports the identifier negotiated through grpc-encoding.
func (zstdCompressor) Name() string { return CompressorName }

// Compress buffers the message and encodes it in one block on Close.
func (zstdCompressor) Compress(w io.Writer) (io.WriteCloser, error) {
	return &zstdWriter{dst: w}, nil
}

// Decompress decodes the whole frame up front.
func (zstdCompressor) Decompress(r io.Reader) (io.Reader, error) {
	//1.- Read the compressed frame fully so the shared decoder is not held across calls.
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("zstd read: %w", err)
	}
	//2.- Decode into a fresh buffer handed back to the transport.
	out, err := zstdDecoder.DecodeAll(raw, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decode: %w", err)
	}
	return bytes.NewReader(out), nil
}

type zstdWriter struct {
	dst io.Writer
	buf bytes.Buffer
}

func (w *zstdWriter) Write(p []byte) (int, error) { return w.buf.Write(p) }

func (w *zstdWriter) Close() error {
	if _, err := w.dst.Write(zstdEncoder.EncodeAll(w.buf.Bytes(), nil)); err != nil {
		return fmt.Errorf("zstd write: %w", err)
	}
	return nil
}
