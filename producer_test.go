package pulsarp

import (
	"bufio"
	"context"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ntons/log-go/config"
	"github.com/ntons/pulsarp/wire"
)

// TestMain installs a std logger so package code that logs via
// github.com/ntons/log-go doesn't panic on a nil logger.
func TestMain(m *testing.M) {
	config.DefaultZapConsoleConfig.Use()
	os.Exit(m.Run())
}

// fakeBroker plays just enough of the broker side of the handshake to
// exercise a producer actor end to end: it accepts one connection at a
// time, answers Connect/Producer with Connected/ProducerSuccess, and hands
// every decoded Send frame back to the test over sends so the test can
// decide when (and whether) to answer with a SendReceipt.
type fakeBroker struct {
	ln   net.Listener
	sends chan *wire.Send

	connMu sync.Mutex
	conn   net.Conn
	w      *bufio.Writer
}

func newFakeBroker(t *testing.T) *fakeBroker {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	b := &fakeBroker{ln: ln, sends: make(chan *wire.Send, 16)}
	go b.acceptLoop()
	return b
}

func (b *fakeBroker) addr() string { return "pulsar://" + b.ln.Addr().String() }

func (b *fakeBroker) acceptLoop() {
	for {
		c, err := b.ln.Accept()
		if err != nil {
			return
		}
		b.connMu.Lock()
		b.conn = c
		b.w = bufio.NewWriter(c)
		b.connMu.Unlock()
		go b.serve(c)
	}
}

func (b *fakeBroker) serve(c net.Conn) {
	var codec wire.BinaryCodec
	r := bufio.NewReader(c)
	for {
		f, err := codec.Decode(r)
		if err != nil {
			return
		}
		switch f.Type {
		case wire.CommandConnect:
			b.write(wire.EncodeConnected(wire.Connected{ServerVersion: "test", ProtocolVersion: 13}))
		case wire.CommandProducer:
			b.write(wire.EncodeProducerSuccess(wire.ProducerSuccess{
				RequestID: f.Producer.RequestID, ProducerName: "fake-producer",
			}))
		case wire.CommandSend:
			select {
			case b.sends <- f.Send:
			default:
			}
		case wire.CommandPing:
			b.write(wire.EncodePong())
		}
	}
}

func (b *fakeBroker) write(frame []byte) {
	b.connMu.Lock()
	defer b.connMu.Unlock()
	if b.w == nil {
		return
	}
	b.w.Write(frame)
	b.w.Flush()
}

// ackSeq sends a SendReceipt for sequenceID to whichever connection is
// currently live.
func (b *fakeBroker) ackSeq(sequenceID uint64, messageID string) {
	b.write(wire.EncodeSendReceipt(wire.SendReceipt{SequenceID: sequenceID, MessageID: messageID}))
}

// dropConn forcibly closes the broker's end of the current connection to
// simulate tcp_closed without tearing down the listener.
func (b *fakeBroker) dropConn() {
	b.connMu.Lock()
	defer b.connMu.Unlock()
	if b.conn != nil {
		b.conn.Close()
		b.conn = nil
		b.w = nil
	}
}

func (b *fakeBroker) close() { b.ln.Close() }

func newTestProducer(t *testing.T, broker *fakeBroker, opts ...ProducerOption) *PartitionProducer {
	// Registered before the p.Close cleanup below so it runs after (t.Cleanup
	// unwinds LIFO): the actor goroutine must have exited before we check
	// for leaks.
	ignore := goleak.IgnoreCurrent()
	t.Cleanup(func() { goleak.VerifyNone(t, ignore) })

	o := append([]ProducerOption{WithReconnectDelay(50 * time.Millisecond)}, opts...)
	p, err := NewPartitionProducer(NewProducerOptions("test-topic-partition-0", broker.addr(), o...))
	require.NoError(t, err)
	t.Cleanup(p.Close)
	return p
}

func waitForSend(t *testing.T, broker *fakeBroker) *wire.Send {
	select {
	case s := <-broker.sends:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for broker to receive a Send frame")
		return nil
	}
}

// Scenario 1: batch of one, sync.
func TestSendSyncBatchOfOne(t *testing.T) {
	broker := newFakeBroker(t)
	defer broker.close()

	p := newTestProducer(t, broker)

	type result struct {
		receipt SendReceipt
		err     error
	}
	resultCh := make(chan result, 1)
	go func() {
		r, err := p.SendSync(context.Background(), &ProducerMessage{XKey: []byte("a"), XValue: []byte("1")})
		resultCh <- result{r, err}
	}()

	send := waitForSend(t, broker)
	require.Equal(t, 1, send.NumMessages)
	require.Equal(t, uint64(1), send.SequenceID)

	broker.ackSeq(send.SequenceID, "1:0:0")

	r := <-resultCh
	require.NoError(t, r.err)
	require.Equal(t, uint64(1), r.receipt.SequenceID)
}

// Scenario 2: async coalescing — three casts land in one batch.
func TestSendAsyncCoalescing(t *testing.T) {
	broker := newFakeBroker(t)
	defer broker.close()

	var callbacks int32
	var lastReceipt SendReceipt
	p := newTestProducer(t, broker,
		WithBatchSize(100),
		WithCallback(func(r SendReceipt, err error) {
			atomic.AddInt32(&callbacks, 1)
			lastReceipt = r
		}),
	)

	require.NoError(t, p.Send(&ProducerMessage{XValue: []byte("1")}))
	require.NoError(t, p.Send(&ProducerMessage{XValue: []byte("2")}))
	require.NoError(t, p.Send(&ProducerMessage{XValue: []byte("3")}))

	send := waitForSend(t, broker)
	require.Equal(t, 3, send.NumMessages)

	broker.ackSeq(send.SequenceID, "1:0:0")

	require.Eventually(t, func() bool { return atomic.LoadInt32(&callbacks) == 1 }, time.Second, 10*time.Millisecond)
	require.Equal(t, 3, lastReceipt.BatchSize)
}

// Scenario 3: disconnect mid-flight; reconnect re-sends the same sequence_id.
func TestReconnectRedrivesInFlight(t *testing.T) {
	broker := newFakeBroker(t)
	defer broker.close()

	p := newTestProducer(t, broker)

	resultCh := make(chan SendReceiptOrError, 1)
	go func() {
		r, err := p.SendSync(context.Background(), &ProducerMessage{XValue: []byte("x")})
		resultCh <- SendReceiptOrError{Receipt: r, Err: err}
	}()

	first := waitForSend(t, broker)
	require.Equal(t, uint64(1), first.SequenceID)

	// Simulate tcp_closed before any receipt arrives.
	broker.dropConn()

	// The actor reconnects and must replay the same sequence_id.
	second := waitForSend(t, broker)
	require.Equal(t, uint64(1), second.SequenceID)

	broker.ackSeq(second.SequenceID, "1:0:0")

	select {
	case r := <-resultCh:
		require.NoError(t, r.Err)
		require.Equal(t, uint64(1), r.Receipt.SequenceID)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for SendSync to return after reconnect")
	}
}

// Scenario 6: a late SendReceipt for a caller that already timed out must
// not crash the actor and must still ack the durable queue.
func TestReceiptForVanishedCallerIsHarmless(t *testing.T) {
	broker := newFakeBroker(t)
	defer broker.close()

	p := newTestProducer(t, broker)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := p.SendSync(ctx, &ProducerMessage{XValue: []byte("late")})
	require.ErrorIs(t, err, context.DeadlineExceeded)

	send := waitForSend(t, broker)

	// Ack arrives after the caller has already given up; the actor must
	// not panic and must still make forward progress on a later send.
	broker.ackSeq(send.SequenceID, "1:0:0")

	resultCh := make(chan SendReceiptOrError, 1)
	go func() {
		r, err := p.SendSync(context.Background(), &ProducerMessage{XValue: []byte("next")})
		resultCh <- SendReceiptOrError{Receipt: r, Err: err}
	}()
	next := waitForSend(t, broker)
	require.Equal(t, send.SequenceID+1, next.SequenceID)
	broker.ackSeq(next.SequenceID, "1:0:1")

	select {
	case r := <-resultCh:
		require.NoError(t, r.Err)
		require.Equal(t, send.SequenceID+1, r.Receipt.SequenceID)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for follow-up SendSync")
	}
}
