package pulsarp

// CompressionType selects the codec applied to a coalesced batch payload
// before it is framed onto the wire. The actual encode/decode lives in
// package wire (wire/compression.go) since it is a wire-format concern;
// this type is the public knob the actor threads through as a plain int32
// on wire.Send.Compression. Values must stay aligned with the compression
// codes wire/compression.go interprets.
type CompressionType int32

const (
	NoCompression CompressionType = iota
	CompressionS2
	CompressionZSTD
)

func (t CompressionType) String() string {
	switch t {
	case NoCompression:
		return "none"
	case CompressionS2:
		return "s2"
	case CompressionZSTD:
		return "zstd"
	default:
		return "unknown"
	}
}
