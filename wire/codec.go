package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"time"
)

// payloadMagic marks the optional checksum-guarded metadata+payload section
// that follows a Send command, matching the magic Pulsar's own protocol
// uses (0x0e01) so a packet capture of this codec's output is recognizable
// against the real wire format even though the surrounding command encoding
// below is this package's own rather than a generated protobuf one.
const payloadMagic uint16 = 0x0e01

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// BinaryCodec is the default FrameCodec: fixed-width tag + length-prefixed
// fields, framed behind a 4-byte total length and a 4-byte command length.
type BinaryCodec struct{}

var _ FrameCodec = BinaryCodec{}

func putUint32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func putUint64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

func putInt32(buf *bytes.Buffer, v int32) { putUint32(buf, uint32(v)) }

func putString(buf *bytes.Buffer, s string) {
	putUint32(buf, uint32(len(s)))
	buf.WriteString(s)
}

func putBytes(buf *bytes.Buffer, b []byte) {
	putUint32(buf, uint32(len(b)))
	buf.Write(b)
}

func frameFromCommand(cmd []byte) []byte {
	out := make([]byte, 4+4+len(cmd))
	binary.BigEndian.PutUint32(out[0:4], uint32(4+len(cmd)))
	binary.BigEndian.PutUint32(out[4:8], uint32(len(cmd)))
	copy(out[8:], cmd)
	return out
}

func (BinaryCodec) EncodeConnect(c Connect) ([]byte, error) {
	var cmd bytes.Buffer
	cmd.WriteByte(byte(CommandConnect))
	putString(&cmd, c.ClientVersion)
	putInt32(&cmd, c.ProtocolVersion)
	return frameFromCommand(cmd.Bytes()), nil
}

func (BinaryCodec) EncodeProducer(p Producer) ([]byte, error) {
	var cmd bytes.Buffer
	cmd.WriteByte(byte(CommandProducer))
	putUint64(&cmd, p.RequestID)
	putUint64(&cmd, p.ProducerID)
	putString(&cmd, p.Topic)
	return frameFromCommand(cmd.Bytes()), nil
}

func encodeMessageMetadata(buf *bytes.Buffer, m SingleMessage) {
	putBytes(buf, m.Key)
	putUint32(buf, uint32(len(m.Properties)))
	for k, v := range m.Properties {
		putString(buf, k)
		putString(buf, v)
	}
	putUint64(buf, uint64(m.EventTime.UnixNano()))
}

// encodeSingleMessage writes one SingleMessageMetadata-prefixed,
// length-prefixed message as used in a multi-message batch.
func encodeSingleMessage(buf *bytes.Buffer, m SingleMessage) {
	encodeMessageMetadata(buf, m)
	putBytes(buf, m.Payload)
}

// encodeBatch writes the metadata+payload section of a Send command.
// Batch framing distinguishes the single-message case, which writes the
// message directly (metadata followed by the raw payload with no further
// length prefix or leading batch count), from the multi-message case,
// where a batch count is followed by one SingleMessageMetadata plus
// length-prefixed payload per message.
func encodeBatch(buf *bytes.Buffer, msgs []SingleMessage) {
	if len(msgs) == 1 {
		encodeMessageMetadata(buf, msgs[0])
		buf.Write(msgs[0].Payload)
		return
	}
	putUint32(buf, uint32(len(msgs)))
	for _, m := range msgs {
		encodeSingleMessage(buf, m)
	}
}

// EncodeMessages serializes a batch's messages into an opaque blob a
// durable queue can hold onto and hand back verbatim later, always using
// the multi-message layout regardless of count, since a recovered backlog
// item is re-batched fresh on replay rather than re-sent as the exact
// frame it originally belonged to.
func EncodeMessages(msgs []SingleMessage) []byte {
	var buf bytes.Buffer
	putUint32(&buf, uint32(len(msgs)))
	for _, m := range msgs {
		encodeSingleMessage(&buf, m)
	}
	return buf.Bytes()
}

// DecodeMessages is the inverse of EncodeMessages.
func DecodeMessages(b []byte) ([]SingleMessage, error) {
	if len(b) < 4 {
		return nil, fmt.Errorf("wire: truncated message batch")
	}
	count := int(getUint32(b))
	return decodeMultiMessageList(b, 4, count)
}

func decodeMultiMessageList(b []byte, off int, count int) ([]SingleMessage, error) {
	msgs := make([]SingleMessage, 0, count)
	for i := 0; i < count; i++ {
		key, o2 := getBytes(b, off)
		off = o2
		nProps := int(getUint32(b[off:]))
		off += 4
		props := make(map[string]string, nProps)
		for j := 0; j < nProps; j++ {
			var k, v string
			k, off = getString(b, off)
			v, off = getString(b, off)
			props[k] = v
		}
		evNano := int64(getUint64(b[off:]))
		off += 8
		payload, o3 := getBytes(b, off)
		off = o3
		msgs = append(msgs, SingleMessage{Key: key, Properties: props, EventTime: time.Unix(0, evNano), Payload: payload})
	}
	return msgs, nil
}

// decodeBatch is the inverse of encodeBatch; numMessages comes from the
// Send command header since the single-message layout carries no count of
// its own.
func decodeBatch(mp []byte, numMessages int) ([]SingleMessage, error) {
	if numMessages == 1 {
		key, off := getBytes(mp, 0)
		nProps := int(getUint32(mp[off:]))
		off += 4
		props := make(map[string]string, nProps)
		for j := 0; j < nProps; j++ {
			var k, v string
			k, off = getString(mp, off)
			v, off = getString(mp, off)
			props[k] = v
		}
		evNano := int64(getUint64(mp[off:]))
		off += 8
		return []SingleMessage{{Key: key, Properties: props, EventTime: time.Unix(0, evNano), Payload: mp[off:]}}, nil
	}
	if len(mp) < 4 {
		return nil, fmt.Errorf("wire: truncated message batch")
	}
	count := int(getUint32(mp))
	return decodeMultiMessageList(mp, 4, count)
}

func (BinaryCodec) EncodeSend(s Send) ([]byte, error) {
	var mp bytes.Buffer
	encodeBatch(&mp, s.Messages)
	uncompressedSize := mp.Len()

	payload, err := compressPayload(s.Compression, mp.Bytes())
	if err != nil {
		return nil, fmt.Errorf("wire: failed to compress batch: %w", err)
	}

	var cmd bytes.Buffer
	cmd.WriteByte(byte(CommandSend))
	putUint64(&cmd, s.ProducerID)
	putUint64(&cmd, s.SequenceID)
	putInt32(&cmd, int32(s.NumMessages))
	putInt32(&cmd, s.Compression)
	putInt32(&cmd, int32(uncompressedSize))

	checksum := crc32.Checksum(payload, crcTable)

	frame := frameFromCommand(cmd.Bytes())
	var trailer bytes.Buffer
	var magicBuf [2]byte
	binary.BigEndian.PutUint16(magicBuf[:], payloadMagic)
	trailer.Write(magicBuf[:])
	putUint32(&trailer, checksum)
	putUint32(&trailer, uint32(len(payload)))
	trailer.Write(payload)

	// Patch the 4-byte total length to cover the trailer too.
	out := append(frame, trailer.Bytes()...)
	binary.BigEndian.PutUint32(out[0:4], uint32(len(out)-4))
	return out, nil
}

func (BinaryCodec) EncodePing() ([]byte, error) {
	var cmd bytes.Buffer
	cmd.WriteByte(byte(CommandPing))
	return frameFromCommand(cmd.Bytes()), nil
}

func (BinaryCodec) EncodePong() ([]byte, error) {
	var cmd bytes.Buffer
	cmd.WriteByte(byte(CommandPong))
	return frameFromCommand(cmd.Bytes()), nil
}

func readFull(r io.Reader, n int) ([]byte, error) {
	buf := make([]byte, n)
	_, err := io.ReadFull(r, buf)
	return buf, err
}

func getUint32(b []byte) uint32 { return binary.BigEndian.Uint32(b) }
func getUint64(b []byte) uint64 { return binary.BigEndian.Uint64(b) }

func getString(b []byte, off int) (string, int) {
	n := int(getUint32(b[off:]))
	off += 4
	return string(b[off : off+n]), off + n
}

func getBytes(b []byte, off int) ([]byte, int) {
	n := int(getUint32(b[off:]))
	off += 4
	return b[off : off+n], off + n
}

// Decode reads one frame. The broker->client commands a producer actor
// handles are parsed, and so are Connect, Producer and Send so a test broker
// can read what the client wrote; anything else comes back as an
// unrecognized Frame with Type 0 so the caller can log and ignore it.
func (BinaryCodec) Decode(r io.Reader) (*Frame, error) {
	lenBuf, err := readFull(r, 4)
	if err != nil {
		return nil, fmt.Errorf("wire: failed to read frame length: %w", err)
	}
	total := getUint32(lenBuf)
	if total < 4 || total > 64*1024*1024 {
		return nil, fmt.Errorf("wire: implausible frame length %d", total)
	}
	body, err := readFull(r, int(total))
	if err != nil {
		return nil, fmt.Errorf("wire: failed to read frame body: %w", err)
	}
	cmdLen := getUint32(body[0:4])
	cmd := body[4 : 4+cmdLen]
	if len(cmd) == 0 {
		return nil, fmt.Errorf("wire: empty command")
	}

	switch CommandType(cmd[0]) {
	case CommandConnect:
		cv, off := getString(cmd, 1)
		pv := int32(getUint32(cmd[off:]))
		return &Frame{Type: CommandConnect, Connect: &Connect{ClientVersion: cv, ProtocolVersion: pv}}, nil
	case CommandProducer:
		reqID := getUint64(cmd[1:9])
		prodID := getUint64(cmd[9:17])
		topic, _ := getString(cmd, 17)
		return &Frame{Type: CommandProducer, Producer: &Producer{RequestID: reqID, ProducerID: prodID, Topic: topic}}, nil
	case CommandSend:
		prodID := getUint64(cmd[1:9])
		seqID := getUint64(cmd[9:17])
		numMessages := int(int32(getUint32(cmd[17:21])))
		compression := int32(getUint32(cmd[21:25]))
		uncompressedSize := int(int32(getUint32(cmd[25:29])))
		trailer := body[4+cmdLen:]
		// trailer: 2-byte magic, 4-byte checksum, 4-byte payload length, payload
		payloadLen := getUint32(trailer[6:10])
		payload := trailer[10 : 10+payloadLen]
		computed := crc32.Checksum(payload, crcTable)
		wantChecksum := getUint32(trailer[2:6])
		if computed != wantChecksum {
			return nil, fmt.Errorf("wire: checksum mismatch on Send frame")
		}
		mp, err := decompressPayload(compression, payload, uncompressedSize)
		if err != nil {
			return nil, fmt.Errorf("wire: failed to decompress batch: %w", err)
		}
		msgs, err := decodeBatch(mp, numMessages)
		if err != nil {
			return nil, err
		}
		return &Frame{Type: CommandSend, Send: &Send{
			ProducerID: prodID, SequenceID: seqID, NumMessages: numMessages,
			Compression: compression, Messages: msgs,
		}}, nil
	case CommandConnected:
		sv, off := getString(cmd, 1)
		pv := int32(getUint32(cmd[off:]))
		return &Frame{Type: CommandConnected, Connected: &Connected{ServerVersion: sv, ProtocolVersion: pv}}, nil
	case CommandProducerSuccess:
		reqID := getUint64(cmd[1:9])
		name, off := getString(cmd, 9)
		lastSeq := getUint64(cmd[off:])
		return &Frame{Type: CommandProducerSuccess, ProducerSuccess: &ProducerSuccess{
			RequestID: reqID, ProducerName: name, LastSequenceID: lastSeq,
		}}, nil
	case CommandSendReceipt:
		prodID := getUint64(cmd[1:9])
		seqID := getUint64(cmd[9:17])
		msgID, _ := getString(cmd, 17)
		return &Frame{Type: CommandSendReceipt, SendReceipt: &SendReceipt{
			ProducerID: prodID, SequenceID: seqID, MessageID: msgID,
		}}, nil
	case CommandCloseProducer:
		prodID := getUint64(cmd[1:9])
		return &Frame{Type: CommandCloseProducer, CloseProducer: &CloseProducer{ProducerID: prodID}}, nil
	case CommandPing:
		return &Frame{Type: CommandPing}, nil
	case CommandPong:
		return &Frame{Type: CommandPong}, nil
	default:
		return &Frame{Type: 0}, nil
	}
}

// EncodeConnected / EncodeProducerSuccess / EncodeSendReceipt /
// EncodeCloseProducer are used only by tests (the test broker in
// producer_test.go and wire/codec_test.go) to play the server side of the
// handshake without a real Pulsar broker.
func EncodeConnected(c Connected) []byte {
	var cmd bytes.Buffer
	cmd.WriteByte(byte(CommandConnected))
	putString(&cmd, c.ServerVersion)
	putInt32(&cmd, c.ProtocolVersion)
	return frameFromCommand(cmd.Bytes())
}

func EncodeProducerSuccess(p ProducerSuccess) []byte {
	var cmd bytes.Buffer
	cmd.WriteByte(byte(CommandProducerSuccess))
	putUint64(&cmd, p.RequestID)
	putString(&cmd, p.ProducerName)
	putUint64(&cmd, p.LastSequenceID)
	return frameFromCommand(cmd.Bytes())
}

func EncodeSendReceipt(s SendReceipt) []byte {
	var cmd bytes.Buffer
	cmd.WriteByte(byte(CommandSendReceipt))
	putUint64(&cmd, s.ProducerID)
	putUint64(&cmd, s.SequenceID)
	putString(&cmd, s.MessageID)
	return frameFromCommand(cmd.Bytes())
}

func EncodeCloseProducer(c CloseProducer) []byte {
	var cmd bytes.Buffer
	cmd.WriteByte(byte(CommandCloseProducer))
	putUint64(&cmd, c.ProducerID)
	return frameFromCommand(cmd.Bytes())
}

func EncodePing() []byte {
	var cmd bytes.Buffer
	cmd.WriteByte(byte(CommandPing))
	return frameFromCommand(cmd.Bytes())
}

func EncodePong() []byte {
	var cmd bytes.Buffer
	cmd.WriteByte(byte(CommandPong))
	return frameFromCommand(cmd.Bytes())
}
