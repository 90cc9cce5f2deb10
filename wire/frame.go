// Package wire implements the Pulsar binary frame protocol: a
// length-prefixed command, an optional checksum-guarded metadata+payload
// section, and the small command set a partition producer actually needs.
// The producer actor depends only on the FrameCodec interface below, never
// on this package's concrete encoding, so an alternate codec (e.g. one
// generated from Pulsar's real .proto definitions) can be substituted
// without touching the actor.
package wire

import (
	"io"
	"time"
)

// CommandType enumerates the frames this core emits or handles. Consumer-
// and admin-only commands are out of scope.
type CommandType int

const (
	CommandConnect CommandType = iota + 1
	CommandConnected
	CommandProducer
	CommandProducerSuccess
	CommandSend
	CommandSendReceipt
	CommandPing
	CommandPong
	CommandCloseProducer
)

// Connect is sent once per TCP connection to begin the handshake.
type Connect struct {
	ClientVersion   string
	ProtocolVersion int32
}

// Connected is the broker's handshake acknowledgement.
type Connected struct {
	ServerVersion   string
	ProtocolVersion int32
}

// Producer requests creation of a named producer on a topic.
type Producer struct {
	RequestID  uint64
	ProducerID uint64
	Topic      string
}

// ProducerSuccess confirms producer creation and assigns its broker name.
type ProducerSuccess struct {
	RequestID    uint64
	ProducerName string
	LastSequenceID uint64
}

// SingleMessage is one message within a (possibly multi-message) batch.
type SingleMessage struct {
	Key        []byte
	Properties map[string]string
	EventTime  time.Time
	Payload    []byte
}

// Send carries a batch of one or more messages under one sequence_id.
// Compression, when non-zero, selects the codec EncodeSend applies to the
// serialized metadata+payload section before framing; the uncompressed
// size is computed and recorded by EncodeSend itself, not
// supplied by the caller.
type Send struct {
	ProducerID  uint64
	SequenceID  uint64
	NumMessages int
	Compression int32
	Messages    []SingleMessage
}

// SendReceipt confirms persistence of the batch identified by SequenceID.
type SendReceipt struct {
	ProducerID uint64
	SequenceID uint64
	MessageID  string
}

// CloseProducer is broker-initiated; the actor must terminate on receipt.
type CloseProducer struct {
	ProducerID uint64
}

// Frame is the decoded envelope handed from the reader goroutine to the
// producer actor's mailbox. Exactly one of the typed fields is non-nil,
// selected by Type.
type Frame struct {
	Type            CommandType
	Connect         *Connect
	Connected       *Connected
	Producer        *Producer
	ProducerSuccess *ProducerSuccess
	Send            *Send
	SendReceipt     *SendReceipt
	CloseProducer   *CloseProducer
	// Ping/Pong carry no payload.
}

// FrameCodec is the seam between the producer actor and the wire format.
// EncodeX marshals a command (and for Send, its batch) into a ready-to-write
// frame. Decode reads exactly one frame from r, blocking until a full frame
// is available or r returns an error.
type FrameCodec interface {
	EncodeConnect(Connect) ([]byte, error)
	EncodeProducer(Producer) ([]byte, error)
	EncodeSend(Send) ([]byte, error)
	EncodePing() ([]byte, error)
	EncodePong() ([]byte, error)

	// Decode reads and parses the next frame from r.
	Decode(r io.Reader) (*Frame, error)
}
