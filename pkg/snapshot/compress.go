package snapshot

import (
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

var (
	codecOnce sync.Once
	encoder   *zstd.Encoder
	decoder   *zstd.Decoder
	codecErr  error
)

// Full-sync bodies must fit one datagram; decoded output is capped to keep a hostile
// frame from expanding without bound.
const maxDecodedFullSize = 64 << 20

func codec() (*zstd.Encoder, *zstd.Decoder, error) {
	codecOnce.Do(func() {
		encoder, codecErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
		if codecErr != nil {
			return
		}
		decoder, codecErr = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxDecodedFullSize))
	})
	return encoder, decoder, codecErr
}

// EncodeFull encodes and compresses a snapshot for a full resync.
func EncodeFull(s WorldSnapshot) ([]byte, error) {
	enc, _, err := codec()
	if err != nil {
		return nil, fmt.Errorf("init zstd: %w", err)
	}
	return enc.EncodeAll(s.Encode(), nil), nil
}

func DecodeFull(raw []byte) (WorldSnapshot, error) {
	_, dec, err := codec()
	if err != nil {
		return WorldSnapshot{}, fmt.Errorf("init zstd: %w", err)
	}
	plain, err := dec.DecodeAll(raw, nil)
	if err != nil {
		return WorldSnapshot{}, fmt.Errorf("decompress full snapshot: %w", err)
	}
	return Decode(plain)
}
