package wire

import (
	"fmt"

	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"
)

// Compression codes carried in Send.Compression. Values match
// pulsarp.CompressionType exactly so the actor can pass its option through
// as a plain int32 without either package depending on the other's type.
// klauspost's S2 plays the fast-and-cheap role LZ4 plays in the real
// Pulsar client, and ZSTD plays the higher-ratio role.
const (
	compressionNone int32 = iota
	compressionS2
	compressionZSTD
)

// compressPayload encodes the serialized metadata+payload section with the
// codec named by compression. Called once per batch, never per message,
// matching the real protocol's whole-batch compression.
func compressPayload(compression int32, b []byte) ([]byte, error) {
	switch compression {
	case compressionNone:
		return b, nil
	case compressionS2:
		return s2.Encode(nil, b), nil
	case compressionZSTD:
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, fmt.Errorf("wire: failed to create zstd encoder: %w", err)
		}
		defer enc.Close()
		return enc.EncodeAll(b, nil), nil
	default:
		return nil, fmt.Errorf("wire: unknown compression type %d", compression)
	}
}

// decompressPayload reverses compressPayload. uncompressedSize is the size
// recorded in the Send command at encode time, used to pre-size the
// output buffer.
func decompressPayload(compression int32, b []byte, uncompressedSize int) ([]byte, error) {
	switch compression {
	case compressionNone:
		return b, nil
	case compressionS2:
		dst := make([]byte, 0, uncompressedSize)
		return s2.Decode(dst, b)
	case compressionZSTD:
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, fmt.Errorf("wire: failed to create zstd decoder: %w", err)
		}
		defer dec.Close()
		out := make([]byte, 0, uncompressedSize)
		return dec.DecodeAll(b, out)
	default:
		return nil, fmt.Errorf("wire: unknown compression type %d", compression)
	}
}
