package persistence

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
)

// State blobs are CBOR with core deterministic encoding, so the same
// state always yields the same bytes, then zstd-compressed.
var (
	encMode     cbor.EncMode
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("persistence: CBOR encoder initialization failed: " + err.Error())
	}
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("persistence: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("persistence: zstd decoder initialization failed: " + err.Error())
	}
}

func encodeState(v any) ([]byte, error) {
	raw, err := encMode.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode state: %w", err)
	}
	return zstdEncoder.EncodeAll(raw, make([]byte, 0, len(raw)/2)), nil
}

func decodeState(blob []byte, v any) error {
	raw, err := zstdDecoder.DecodeAll(blob, nil)
	if err != nil {
		return fmt.Errorf("decompress state: %w", err)
	}
	if err := cbor.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode state: %w", err)
	}
	return nil
}
