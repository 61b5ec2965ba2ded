package frame

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

const compressionThreshold = 1024 // only compress payloads > 1KB

var (
	encoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	decoder, _ = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(4*MaxPayloadLen))
)

// Compress compresses payload with zstd if it exceeds the threshold.
// Returns (compressed data, true) if compression helped, or (original, false).
func Compress(payload []byte) ([]byte, bool) {
	if len(payload) <= compressionThreshold {
		return payload, false
	}

	compressed := encoder.EncodeAll(payload, make([]byte, 0, len(payload)))
	if len(compressed) >= len(payload) {
		return payload, false
	}
	return compressed, true
}

// Decompress decompresses a zstd-compressed payload.
func Decompress(data []byte) ([]byte, error) {
	return decoder.DecodeAll(data, nil)
}

// Pack encodes a frame, compressing the payload when that makes it smaller.
func Pack(h Header, payload []byte) ([]byte, error) {
	if body, ok := Compress(payload); ok {
		h.Flags |= FlagCompressed
		payload = body
	} else {
		h.Flags &^= FlagCompressed
	}
	return Encode(h, payload)
}

// Unpack decodes a frame and returns its payload decompressed.
func Unpack(data []byte) (Header, []byte, error) {
	h, payload, err := Decode(data)
	if err != nil {
		return Header{}, nil, err
	}
	if !h.IsCompressed() {
		return h, payload, nil
	}
	plain, err := Decompress(payload)
	if err != nil {
		return Header{}, nil, fmt.Errorf("frame: decompress %s: %w", TypeName(h.Type), err)
	}
	if len(plain) > MaxPayloadLen {
		return Header{}, nil, ErrPayloadTooLarge
	}
	return h, plain, nil
}
