package pulsarp

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/ntons/pulsarp/wire"
)

const clientVersion = "pulsarp-go/0.1"
const protocolVersion = 13

// brokerConn is the actor's exclusive handle to one TCP connection: the
// socket itself, a buffered reader feeding a dedicated goroutine, and the
// codec used to speak the wire protocol. Owned entirely by the producer
// actor that created it; never shared across actors.
type brokerConn struct {
	nc    net.Conn
	w     *bufio.Writer
	codec wire.FrameCodec

	frames chan *wire.Frame
	closed chan struct{}
}

// parseBrokerURL resolves a pulsar://host:port URL to a dial address,
// falling back to 127.0.0.1:6650 for anything else.
func parseBrokerURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme != "pulsar" || u.Host == "" {
		return "127.0.0.1:6650"
	}
	if !strings.Contains(u.Host, ":") {
		return u.Host + ":6650"
	}
	return u.Host
}

// dial opens the TCP socket, applies TCPOpts, writes the Connect command and
// starts the reader goroutine. It does not wait for the broker's Connected
// reply: that frame, and the Producer / ProducerSuccess exchange it
// triggers, are handled in the actor's state machine since they need the
// actor's request_id counter.
func dial(ctx context.Context, opts *ProducerOptions, codec wire.FrameCodec) (*brokerConn, error) {
	addr := parseBrokerURL(opts.BrokerURL)

	dialer := &net.Dialer{Timeout: opts.ConnectTimeout}
	nc, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("pulsarp: dial %s: %w", addr, err)
	}
	if tcp, ok := nc.(*net.TCPConn); ok {
		tcp.SetNoDelay(opts.TCPOpts.NoDelay)
		if opts.TCPOpts.SendBufBytes > 0 {
			tcp.SetWriteBuffer(opts.TCPOpts.SendBufBytes)
		}
		if opts.TCPOpts.RecvBufBytes > 0 {
			tcp.SetReadBuffer(opts.TCPOpts.RecvBufBytes)
		}
	}

	bc := &brokerConn{
		nc:     nc,
		w:      bufio.NewWriter(nc),
		codec:  codec,
		frames: make(chan *wire.Frame, 64),
		closed: make(chan struct{}),
	}

	connectFrame, err := codec.EncodeConnect(wire.Connect{
		ClientVersion:   clientVersion,
		ProtocolVersion: protocolVersion,
	})
	if err != nil {
		nc.Close()
		return nil, err
	}
	if err := bc.write(opts.SendTimeout, connectFrame); err != nil {
		nc.Close()
		return nil, err
	}

	go bc.readLoop()

	return bc, nil
}

// readLoop decodes frames off the socket and posts them to bc.frames until
// the connection fails, at which point it closes bc.closed and returns.
// This is the only goroutine that reads the socket; the actor goroutine is
// the only one that writes it, so neither needs to lock against the other.
func (bc *brokerConn) readLoop() {
	defer close(bc.closed)
	r := bufio.NewReader(bc.nc)
	for {
		f, err := bc.codec.Decode(r)
		if err != nil {
			return
		}
		select {
		case bc.frames <- f:
		case <-bc.closed:
			return
		}
	}
}

func (bc *brokerConn) write(timeout time.Duration, frame []byte) error {
	if timeout > 0 {
		bc.nc.SetWriteDeadline(time.Now().Add(timeout))
	}
	if _, err := bc.w.Write(frame); err != nil {
		return fmt.Errorf("pulsarp: write failed: %w", err)
	}
	return bc.w.Flush()
}

func (bc *brokerConn) close() {
	bc.nc.Close()
}
