package wire

import (
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"
)

// Frame flags prefix every encoded envelope.
const (
	framePlain      byte = 0
	frameCompressed byte = 1
)

// DefaultCompressThreshold is the encoded size above which frames are compressed.
const DefaultCompressThreshold = 4096

// DefaultMaxMessageSize bounds a decoded frame when no limit is given.
const DefaultMaxMessageSize = 64 << 20

var errEmptyFrame = errors.New("empty frame")

// Codec encodes envelopes as msgpack, compressing large frames with zstd.
// A Codec is safe for concurrent use.
type Codec struct {
	threshold int
	maxSize   int64
	encoder   *zstd.Encoder
	decoder   *zstd.Decoder
}

// NewCodec creates a codec. A threshold <= 0 disables compression. Frames
// larger than maxSize once decompressed are rejected; maxSize <= 0 selects
// DefaultMaxMessageSize.
func NewCodec(threshold int, maxSize int64) (*Codec, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxMessageSize
	}

	encoder, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}

	// Cache decompressors; a nil reader is fine for DecodeAll.
	decoder, err := zstd.NewReader(nil,
		zstd.WithDecoderConcurrency(0),
		zstd.WithDecoderMaxMemory(uint64(maxSize)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}

	return &Codec{threshold: threshold, maxSize: maxSize, encoder: encoder, decoder: decoder}, nil
}

// Encode serializes env into a single frame.
func (c *Codec) Encode(env *Envelope) ([]byte, error) {
	body, err := msgpack.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode envelope %d: %w", env.RequestID, err)
	}

	if c.threshold <= 0 || len(body) <= c.threshold {
		frame := make([]byte, 0, len(body)+1)
		frame = append(frame, framePlain)
		return append(frame, body...), nil
	}

	frame := make([]byte, 1, len(body)/2+1)
	frame[0] = frameCompressed
	return c.encoder.EncodeAll(body, frame), nil
}

// Decode parses a frame produced by Encode.
func (c *Codec) Decode(frame []byte) (*Envelope, error) {
	if len(frame) == 0 {
		return nil, errEmptyFrame
	}

	body := frame[1:]
	switch frame[0] {
	case framePlain:
		if int64(len(body)) > c.maxSize {
			return nil, fmt.Errorf("frame of %d bytes exceeds limit of %d", len(body), c.maxSize)
		}
	case frameCompressed:
		var err error
		body, err = c.decoder.DecodeAll(body, nil)
		if err != nil {
			return nil, fmt.Errorf("decompress frame: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown frame flag %d", frame[0])
	}

	env := new(Envelope)
	if err := msgpack.Unmarshal(body, env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Kind == 0 || env.Operation == 0 {
		return nil, fmt.Errorf("envelope %d missing kind or operation", env.RequestID)
	}
	return env, nil
}

// Close releases the compressor resources.
func (c *Codec) Close() {
	c.encoder.Close()
	c.decoder.Close()
}
