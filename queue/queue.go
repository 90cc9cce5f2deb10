// Package queue implements the durable spool that backs a PartitionProducer:
// an append-only sequence of items with an ack-cursor, surviving restarts
// when configured with a disk directory, falling back to an in-memory ring
// when not. A queue is never shared between producer actors, so neither
// implementation needs to guard against concurrent callers beyond what
// badger itself requires internally.
package queue

import (
	"errors"
	"sync"
	"time"
)

// AckRef identifies an appended item (or a contiguous prefix ending at it)
// for later release via Ack. Its concrete representation is
// implementation-specific; callers treat it as opaque.
type AckRef struct {
	seq uint64
}

// Item is one durably-spooled record.
type Item struct {
	Seq       uint64
	Value     []byte
	EnqueuedAt time.Time
}

// Ref returns the AckRef that releases this item (and everything before it)
// when passed to Ack. Used by a producer replaying a Peek'd backlog after
// restart, where the original AckRef returned from Append is long gone.
func (it Item) Ref() AckRef { return AckRef{seq: it.Seq} }

var ErrClosed = errors.New("queue: closed")

// Queue is the contract a PartitionProducer needs from its spool.
// Implementations never reorder items; Ack never moves the cursor backward.
type Queue interface {
	// Append adds value to the tail and returns an AckRef for it.
	Append(value []byte) (AckRef, error)

	// Peek returns up to n unacked items starting just after the last
	// acked position, in append order.
	Peek(n int) ([]Item, error)

	// Ack releases every item up to and including ref.
	Ack(ref AckRef) error

	// IsMemOnly reports whether this queue is memory-backed.
	IsMemOnly() bool

	// Depth returns the number of unacked items currently held.
	Depth() int

	// Close flushes and releases any resources.
	Close() error
}

// Config configures either backend uniformly; Dir selects DiskQueue when
// non-empty and MemQueue otherwise.
type Config struct {
	Dir             string
	SegBytes        int64
	OffloadMode     bool
	MaxTotalBytes   int64
	RetentionPeriod time.Duration
}

// Open returns a MemQueue when cfg.Dir is empty, else a DiskQueue rooted at
// cfg.Dir.
func Open(cfg Config) (Queue, error) {
	if cfg.Dir == "" {
		return NewMemQueue(), nil
	}
	return NewDiskQueue(cfg)
}

// MemQueue is a ring of items held entirely in process memory. Used when no
// ReplayDir is configured; semantically identical to DiskQueue on the hot
// path but loses its contents on crash.
type MemQueue struct {
	mu      sync.Mutex
	items   []Item
	nextSeq uint64
	ackedTo uint64
	closed  bool
}

var _ Queue = (*MemQueue)(nil)

func NewMemQueue() *MemQueue {
	return &MemQueue{nextSeq: 1}
}

func (q *MemQueue) Append(value []byte) (AckRef, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return AckRef{}, ErrClosed
	}
	seq := q.nextSeq
	q.nextSeq++
	q.items = append(q.items, Item{Seq: seq, Value: value, EnqueuedAt: time.Now()})
	return AckRef{seq: seq}, nil
}

func (q *MemQueue) Peek(n int) ([]Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, ErrClosed
	}
	out := make([]Item, 0, n)
	for _, it := range q.items {
		if it.Seq <= q.ackedTo {
			continue
		}
		out = append(out, it)
		if len(out) == n {
			break
		}
	}
	return out, nil
}

func (q *MemQueue) Ack(ref AckRef) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	if ref.seq > q.ackedTo {
		q.ackedTo = ref.seq
	}
	// compact: drop a contiguous acked prefix
	i := 0
	for i < len(q.items) && q.items[i].Seq <= q.ackedTo {
		i++
	}
	q.items = q.items[i:]
	return nil
}

func (q *MemQueue) IsMemOnly() bool { return true }

func (q *MemQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *MemQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.items = nil
	return nil
}
