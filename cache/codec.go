package cache

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// Codec converts values to and from their stored byte form. The cache
// itself is compression-agnostic; it only calls a Codec for values at or
// above Policy.CompressThreshold, and for persistence.
//
// Contract:
// - Concurrency: implementations must be safe for concurrent use.
// - Decompress(Compress(v)) must equal v.
type Codec[T any] interface {
	Compress(v T) ([]byte, error)
	Decompress(data []byte) (T, error)
}

// JSONCodec stores values as plain JSON.
type JSONCodec[T any] struct{}

func (JSONCodec[T]) Compress(v T) ([]byte, error) {
	return json.Marshal(v)
}

func (JSONCodec[T]) Decompress(data []byte) (T, error) {
	var v T
	err := json.Unmarshal(data, &v)
	return v, err
}

var (
	zstdOnce sync.Once
	zstdEnc  *zstd.Encoder
	zstdDec  *zstd.Decoder
	zstdErr  error
)

// zstd encoders and decoders are safe for concurrent EncodeAll/DecodeAll
// and expensive to build, so one pair is shared.
func zstdCoders() (*zstd.Encoder, *zstd.Decoder, error) {
	zstdOnce.Do(func() {
		zstdEnc, zstdErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if zstdErr != nil {
			return
		}
		zstdDec, zstdErr = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	})
	return zstdEnc, zstdDec, zstdErr
}

// ZstdCodec stores values as zstd-compressed JSON.
type ZstdCodec[T any] struct{}

func (ZstdCodec[T]) Compress(v T) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	enc, _, err := zstdCoders()
	if err != nil {
		return nil, fmt.Errorf("cache: zstd: %w", err)
	}
	return enc.EncodeAll(raw, make([]byte, 0, len(raw)/2)), nil
}

func (ZstdCodec[T]) Decompress(data []byte) (T, error) {
	var v T
	_, dec, err := zstdCoders()
	if err != nil {
		return v, fmt.Errorf("cache: zstd: %w", err)
	}
	raw, err := dec.DecodeAll(data, nil)
	if err != nil {
		return v, fmt.Errorf("cache: zstd: %w", err)
	}
	err = json.Unmarshal(raw, &v)
	return v, err
}

// Sizer estimates the in-memory size of an uncompressed value.
type Sizer[T any] func(v T) (int64, error)

// JSONSizer sizes a value by its JSON encoding.
func JSONSizer[T any](v T) (int64, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return 0, err
	}
	return int64(len(b)), nil
}

var (
	_ Codec[map[string]any] = JSONCodec[map[string]any]{}
	_ Codec[map[string]any] = ZstdCodec[map[string]any]{}
)
