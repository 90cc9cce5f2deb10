package pulsarp

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/ntons/log-go"
	"github.com/ntons/pulsarp/queue"
	"github.com/ntons/pulsarp/wire"
)

type producerState int

const (
	stateIdle producerState = iota
	stateConnecting
	stateConnected
)

// messagesToWire converts a batch's Message values into the shape the wire
// codec encodes, used both for the live Send frame and for the durable
// queue's serialized record.
func messagesToWire(msgs []Message) []wire.SingleMessage {
	sm := make([]wire.SingleMessage, 0, len(msgs))
	for _, m := range msgs {
		sm = append(sm, wire.SingleMessage{
			Key:        m.Key(),
			Properties: m.Properties(),
			EventTime:  m.EventTime(),
			Payload:    m.Value(),
		})
	}
	return sm
}

// toSingleMessages flattens every entry's messages into one wire-ready
// batch, in entry order.
func toSingleMessages(entries []entry) []wire.SingleMessage {
	var sm []wire.SingleMessage
	for _, e := range entries {
		sm = append(sm, messagesToWire(e.messages)...)
	}
	return sm
}

func (s producerState) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateConnecting:
		return "connecting"
	case stateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// backlogReplayLimit caps how many unacked durable-queue items are pulled
// into memory on actor start; a backlog this deep means something else is
// already badly wrong (broker unreachable for a very long time).
const backlogReplayLimit = 1 << 20

type castCmd struct {
	msgs []Message
}

type syncCmd struct {
	ctx   context.Context
	msgs  []Message
	reply syncReply
}

type closeCmd struct {
	done chan struct{}
}

type snapshotCmd struct {
	reply chan ProducerState
}

type reconfigureCmd struct {
	opts  *ProducerOptions
	reply chan error
}

// PartitionProducer is the single-threaded actor that owns one broker
// connection for one partition topic: it batches messages, assigns
// sequence ids, tracks in-flight requests, and durably spools everything
// through queue.Queue so publishes survive restarts and disconnects. The
// dispatch loop below is a single-goroutine, select-over-channels state
// machine: one mailbox feeding one TCP connection.
type PartitionProducer struct {
	opts  *ProducerOptions
	codec wire.FrameCodec
	q     queue.Queue

	producerID uint64

	castCh        chan castCmd
	syncCh        chan syncCmd
	closeCh       chan closeCmd
	snapshotCh    chan snapshotCmd
	reconfigureCh chan reconfigureCmd

	doneCh chan struct{}
}

// NewPartitionProducer constructs and starts a producer actor. The caller
// must Close it when done.
func NewPartitionProducer(opts *ProducerOptions) (*PartitionProducer, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}

	q, err := queue.Open(queue.Config{
		Dir:             opts.ReplayDir,
		SegBytes:        opts.ReplaySegBytes,
		OffloadMode:     opts.ReplayOffloadMode,
		MaxTotalBytes:   opts.ReplayMaxTotalBytes,
		RetentionPeriod: opts.RetentionPeriod,
	})
	if err != nil {
		return nil, fmt.Errorf("pulsarp: failed to open durable queue: %w", err)
	}

	id := uuid.New()
	p := &PartitionProducer{
		opts:          opts,
		codec:         wire.BinaryCodec{},
		q:             q,
		producerID:    binary.BigEndian.Uint64(id[:8]),
		castCh:        make(chan castCmd, 64),
		syncCh:        make(chan syncCmd, 64),
		closeCh:       make(chan closeCmd, 1),
		snapshotCh:    make(chan snapshotCmd, 1),
		reconfigureCh: make(chan reconfigureCmd, 1),
		doneCh:        make(chan struct{}),
	}

	go p.run()

	return p, nil
}

// Send enqueues msgs for asynchronous delivery; the result (if any) arrives
// via opts.Callback. Never blocks on the network.
func (p *PartitionProducer) Send(msgs ...Message) error {
	if len(msgs) == 0 {
		return nil
	}
	select {
	case p.castCh <- castCmd{msgs: msgs}:
		return nil
	case <-p.doneCh:
		return errProducerClosed
	}
}

// SendSync enqueues msgs as their own batch and blocks until the broker
// acknowledges them or ctx is done.
func (p *PartitionProducer) SendSync(ctx context.Context, msgs ...Message) (SendReceipt, error) {
	if len(msgs) == 0 {
		return SendReceipt{}, newInvalidArgumentError("pulsarp: SendSync requires at least one message")
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, deadlineForCall())
		defer cancel()
	}

	reply := make(syncReply, 1)
	select {
	case p.syncCh <- syncCmd{ctx: ctx, msgs: msgs, reply: reply}:
	case <-p.doneCh:
		return SendReceipt{}, errProducerClosed
	case <-ctx.Done():
		return SendReceipt{}, ctx.Err()
	}

	select {
	case r := <-reply:
		return r.Receipt, r.Err
	case <-ctx.Done():
		return SendReceipt{}, ctx.Err()
	case <-p.doneCh:
		return SendReceipt{}, errProducerClosed
	}
}

// Done returns a channel closed once the actor has fully terminated,
// whether via Close or an unrecoverable failure. Used by supervisor to
// detect when a partition producer needs restarting.
func (p *PartitionProducer) Done() <-chan struct{} { return p.doneCh }

// Close flushes and tears down the producer, closing the durable queue.
func (p *PartitionProducer) Close() {
	done := make(chan struct{})
	select {
	case p.closeCh <- closeCmd{done: done}:
		select {
		case <-done:
		case <-p.doneCh:
		}
	case <-p.doneCh:
	}
}

// Snapshot captures the actor's current identity, sequencing, queue, and
// in-flight state, for a code upgrade/downgrade round-trip via
// DowngradeState/UpgradeState.
func (p *PartitionProducer) Snapshot() (ProducerState, error) {
	reply := make(chan ProducerState, 1)
	select {
	case p.snapshotCh <- snapshotCmd{reply: reply}:
	case <-p.doneCh:
		return ProducerState{}, errProducerClosed
	}
	select {
	case s := <-reply:
		return s, nil
	case <-p.doneCh:
		return ProducerState{}, errProducerClosed
	}
}

// Reconfigure swaps in new options on the running actor without tearing it
// down: the durable queue, in-flight requests, and connection all survive.
// This is the in-place code-upgrade path; PartitionTopic and BrokerURL may
// not change since both identify which broker/topic the existing queue and
// connection belong to.
func (p *PartitionProducer) Reconfigure(opts *ProducerOptions) error {
	if err := opts.validate(); err != nil {
		return err
	}
	reply := make(chan error, 1)
	select {
	case p.reconfigureCh <- reconfigureCmd{opts: opts, reply: reply}:
	case <-p.doneCh:
		return errProducerClosed
	}
	select {
	case err := <-reply:
		return err
	case <-p.doneCh:
		return errProducerClosed
	}
}

// run is the actor's dispatch loop: exactly one goroutine mutates
// PartitionProducer state, selecting over the mailbox channels plus
// whichever connection/timer channels are live for the current state.
func (p *PartitionProducer) run() {
	defer close(p.doneCh)
	defer p.q.Close()

	var (
		state        = stateIdle
		conn         *brokerConn
		requests     = newRequestTable()
		requestID    uint64
		sequenceID   uint64
		producerName string

		reconnectTimer  *time.Timer
		keepaliveTicker *time.Ticker
	)

	// Fold any unacked items left in the durable queue by a previous
	// incarnation of this actor into requests, so they get replayed
	// alongside the (empty, on a fresh process) in-memory in-flight set
	// once the actor reaches connected. Each recovered item is given a
	// fresh sequence_id since the old one may already be reused, but keeps
	// its original AckRef so acking it still releases the right durable
	// record.
	if items, err := p.q.Peek(backlogReplayLimit); err != nil {
		log.Warnf("pulsarp: %s: failed to read durable backlog: %v", p.opts.PartitionTopic, err)
	} else if len(items) > 0 {
		recovered := 0
		for _, it := range items {
			sm, err := wire.DecodeMessages(it.Value)
			if err != nil {
				log.Warnf("pulsarp: %s: failed to decode durable backlog item seq=%d: %v", p.opts.PartitionTopic, it.Seq, err)
				continue
			}
			next, err := nextSequenceID(sequenceID, requests)
			if err != nil {
				log.Warnf("pulsarp: %s: %v", p.opts.PartitionTopic, err)
				break
			}
			sequenceID = next

			msgs := make([]Message, 0, len(sm))
			for _, m := range sm {
				msgs = append(msgs, &ProducerMessage{
					XKey:        m.Key,
					XValue:      m.Payload,
					XProperties: m.Properties,
					XEventTime:  m.EventTime,
				})
			}
			requests.insert(&InflightRequest{
				SequenceID: sequenceID,
				AckRef:     it.Ref(),
				Entries:    []entry{{enqueuedAt: it.EnqueuedAt, messages: msgs}},
			})
			recovered++
		}
		if recovered > 0 {
			log.Infof("pulsarp: %s: recovered %d unacked batch(es) from durable queue", p.opts.PartitionTopic, recovered)
			metricInflightRequests.WithLabelValues(p.opts.PartitionTopic).Set(float64(requests.len()))
		}
	}

	scheduleReconnect := func() {
		if reconnectTimer != nil {
			reconnectTimer.Stop()
		}
		reconnectTimer = time.NewTimer(p.opts.ReconnectDelay)
		state = stateIdle
	}

	teardownConn := func() {
		if conn != nil {
			conn.close()
			conn = nil
		}
		if keepaliveTicker != nil {
			keepaliveTicker.Stop()
			keepaliveTicker = nil
		}
	}

	tryConnect := func() {
		ctx, cancel := context.WithTimeout(context.Background(), p.opts.ConnectTimeout)
		defer cancel()
		c, err := dial(ctx, p.opts, p.codec)
		if err != nil {
			log.Warnf("pulsarp: %s: connect failed: %v", p.opts.PartitionTopic, err)
			metricReconnects.WithLabelValues(p.opts.PartitionTopic).Inc()
			scheduleReconnect()
			return
		}
		conn = c
		state = stateConnecting
	}

	sendProducerCreate := func() {
		requestID = nextRequestID(requestID)
		frame, err := p.codec.EncodeProducer(wire.Producer{
			RequestID:  requestID,
			ProducerID: p.producerID,
			Topic:      p.opts.PartitionTopic,
		})
		if err != nil {
			log.Warnf("pulsarp: %s: failed to encode Producer command: %v", p.opts.PartitionTopic, err)
			return
		}
		if err := conn.write(p.opts.SendTimeout, frame); err != nil {
			log.Warnf("pulsarp: %s: failed to send Producer command: %v", p.opts.PartitionTopic, err)
			teardownConn()
			scheduleReconnect()
		}
	}

	writeBatch := func(req *InflightRequest) error {
		sm := toSingleMessages(req.Entries)
		frame, err := p.codec.EncodeSend(wire.Send{
			ProducerID:  p.producerID,
			SequenceID:  req.SequenceID,
			NumMessages: len(sm),
			Compression: int32(p.opts.Compression),
			Messages:    sm,
		})
		if err != nil {
			return err
		}
		return conn.write(p.opts.SendTimeout, frame)
	}

	// replayInFlight re-sends every unacked batch right after the producer
	// reaches connected, in ascending sequence_id order, before any newly
	// queued message is sent.
	replayInFlight := func() {
		for _, req := range requests.iterSorted() {
			if err := writeBatch(req); err != nil {
				log.Warnf("pulsarp: %s: failed to replay batch seq=%d: %v", p.opts.PartitionTopic, req.SequenceID, err)
				teardownConn()
				scheduleReconnect()
				return
			}
			metricBatchesSent.WithLabelValues(p.opts.PartitionTopic).Inc()
		}
	}

	makeBatch := func(msgs []Message) *InflightRequest {
		next, err := nextSequenceID(sequenceID, requests)
		if err != nil {
			log.Warnf("pulsarp: %s: %v", p.opts.PartitionTopic, err)
			return nil
		}

		ref, err := p.q.Append(wire.EncodeMessages(messagesToWire(msgs)))
		if err != nil {
			log.Warnf("pulsarp: %s: durable queue append failed: %v", p.opts.PartitionTopic, err)
			return nil
		}
		sequenceID = next

		req := &InflightRequest{
			SequenceID: sequenceID,
			AckRef:     ref,
			Entries:    []entry{{enqueuedAt: time.Now(), messages: msgs}},
		}
		requests.insert(req)
		metricInflightRequests.WithLabelValues(p.opts.PartitionTopic).Set(float64(requests.len()))
		return req
	}

	handleSendReceipt := func(sr *wire.SendReceipt) {
		req, ok := requests.take(sr.SequenceID)
		if !ok {
			return
		}
		receipt := SendReceipt{SequenceID: sr.SequenceID, MessageID: sr.MessageID, BatchSize: req.messageCount()}
		for _, reply := range req.Replies {
			select {
			case reply <- SendReceiptOrError{Receipt: receipt}:
			default:
			}
		}
		if len(req.Replies) == 0 && p.opts.Callback != nil {
			p.opts.Callback(receipt, nil)
		}
		if err := p.q.Ack(req.AckRef); err != nil {
			log.Warnf("pulsarp: %s: failed to ack durable queue: %v", p.opts.PartitionTopic, err)
		}
		metricBatchesAcked.WithLabelValues(p.opts.PartitionTopic).Inc()
		metricInflightRequests.WithLabelValues(p.opts.PartitionTopic).Set(float64(requests.len()))
		metricQueueDepth.WithLabelValues(p.opts.PartitionTopic).Set(float64(p.q.Depth()))
	}

	captureState := func() ProducerState {
		var dir string
		if !p.q.IsMemOnly() {
			dir = p.opts.ReplayDir
		}
		inflight := make([]InFlightSnapshot, 0, requests.len())
		for _, r := range requests.iterSorted() {
			entries := make([]InFlightEntry, 0, len(r.Entries))
			for _, e := range r.Entries {
				entries = append(entries, InFlightEntry{EnqueuedAt: e.enqueuedAt, MessageCount: e.count()})
			}
			inflight = append(inflight, InFlightSnapshot{SequenceID: r.SequenceID, Entries: entries})
		}
		return ProducerState{
			PartitionTopic:  p.opts.PartitionTopic,
			BrokerURL:       p.opts.BrokerURL,
			ProducerID:      p.producerID,
			ProducerName:    producerName,
			RequestID:       requestID,
			SequenceID:      sequenceID,
			DurableQueueDir: dir,
			RetentionPeriod: p.opts.RetentionPeriod,
			InFlight:        inflight,
		}
	}

	drainCasts := func(first []Message) []Message {
		msgs := append([]Message{}, first...)
		for len(msgs) < p.opts.BatchSize {
			select {
			case c := <-p.castCh:
				msgs = append(msgs, c.msgs...)
			default:
				return msgs
			}
		}
		return msgs
	}

	shuttingDown := false
	var pendingClose *closeCmd

	for {
		var framesCh <-chan *wire.Frame
		var connClosedCh <-chan struct{}
		var reconnectCh <-chan time.Time
		var keepaliveCh <-chan time.Time

		if conn != nil {
			framesCh = conn.frames
			connClosedCh = conn.closed
		}
		if reconnectTimer != nil {
			reconnectCh = reconnectTimer.C
		}
		if keepaliveTicker != nil {
			keepaliveCh = keepaliveTicker.C
		}

		select {
		case sc := <-p.snapshotCh:
			sc.reply <- captureState()

		case rc := <-p.reconfigureCh:
			if rc.opts.PartitionTopic != p.opts.PartitionTopic || rc.opts.BrokerURL != p.opts.BrokerURL {
				rc.reply <- newInvalidArgumentError("pulsarp: Reconfigure cannot change PartitionTopic or BrokerURL")
				continue
			}
			p.opts = rc.opts
			rc.reply <- nil

		case cmd := <-p.closeCh:
			shuttingDown = true
			pendingClose = &cmd
			if requests.len() == 0 {
				teardownConn()
				close(pendingClose.done)
				return
			}
			// In-flight requests remain; wait for their receipts (or the
			// connection dying) before tearing down, handled below.

		case f := <-framesCh:
			switch f.Type {
			case wire.CommandConnected:
				sendProducerCreate()
			case wire.CommandProducerSuccess:
				producerName = f.ProducerSuccess.ProducerName
				state = stateConnected
				keepaliveTicker = time.NewTicker(p.opts.KeepAliveInterval)
				replayInFlight()
				log.Infof("pulsarp: %s: producer %q connected", p.opts.PartitionTopic, producerName)
			case wire.CommandSendReceipt:
				handleSendReceipt(f.SendReceipt)
				if shuttingDown && requests.len() == 0 {
					teardownConn()
					close(pendingClose.done)
					return
				}
			case wire.CommandPing:
				if conn != nil {
					if frame, err := p.codec.EncodePong(); err == nil {
						conn.write(p.opts.SendTimeout, frame)
					}
				}
			case wire.CommandPong:
				// keepalive acknowledged; nothing further to do.
			case wire.CommandCloseProducer:
				log.Warnf("pulsarp: %s: broker closed producer", p.opts.PartitionTopic)
				teardownConn()
				if shuttingDown {
					close(pendingClose.done)
				}
				return
			default:
				log.Warnf("pulsarp: %s: ignoring unknown command type %d", p.opts.PartitionTopic, f.Type)
			}

		case <-connClosedCh:
			log.Warnf("pulsarp: %s: connection lost", p.opts.PartitionTopic)
			teardownConn()
			if shuttingDown {
				close(pendingClose.done)
				return
			}
			scheduleReconnect()

		case <-reconnectCh:
			reconnectTimer = nil
			tryConnect()

		case <-keepaliveCh:
			if conn != nil {
				frame, _ := p.codec.EncodePing()
				if err := conn.write(p.opts.SendTimeout, frame); err != nil {
					teardownConn()
					scheduleReconnect()
				}
			}

		case cc := <-p.castCh:
			if shuttingDown {
				continue
			}
			msgs := drainCasts(cc.msgs)
			req := makeBatch(msgs)
			if req == nil {
				continue
			}
			if state == stateConnected {
				if err := writeBatch(req); err != nil {
					log.Warnf("pulsarp: %s: send failed: %v", p.opts.PartitionTopic, err)
					teardownConn()
					scheduleReconnect()
				} else {
					metricBatchesSent.WithLabelValues(p.opts.PartitionTopic).Inc()
				}
			} else if state == stateIdle && conn == nil && reconnectTimer == nil {
				tryConnect()
			}

		case sc := <-p.syncCh:
			if shuttingDown {
				sc.reply <- SendReceiptOrError{Err: errProducerClosed}
				continue
			}
			req := makeBatch(sc.msgs)
			if req == nil {
				sc.reply <- SendReceiptOrError{Err: newUnavailableError("pulsarp: failed to enqueue batch")}
				continue
			}
			req.Replies = append(req.Replies, sc.reply)
			if state == stateConnected {
				if err := writeBatch(req); err != nil {
					log.Warnf("pulsarp: %s: send failed: %v", p.opts.PartitionTopic, err)
					teardownConn()
					scheduleReconnect()
				} else {
					metricBatchesSent.WithLabelValues(p.opts.PartitionTopic).Inc()
				}
			} else if state == stateIdle && conn == nil && reconnectTimer == nil {
				tryConnect()
			}
		}
	}
}
