package queue

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/ntons/log-go"
)

// DiskQueue is a Queue backed by an embedded badger store. Keys are an
// 8-byte big-endian sequence number so badger's own key-order iteration
// equals append order; Ack issues a single range-delete up to and
// including the acked key. No external service is required.
type DiskQueue struct {
	mu      sync.Mutex
	db      *badger.DB
	nextSeq uint64
	ackedTo uint64
	closed  bool

	retention time.Duration
	stopJanitor context.CancelFunc
	janitorDone chan struct{}
}

var _ Queue = (*DiskQueue)(nil)

func seqKey(seq uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], seq)
	return b[:]
}

func seqFromKey(k []byte) uint64 {
	return binary.BigEndian.Uint64(k)
}

func NewDiskQueue(cfg Config) (*DiskQueue, error) {
	opts := badger.DefaultOptions(cfg.Dir).WithLogger(nil)
	if cfg.SegBytes > 0 {
		opts = opts.WithValueLogFileSize(cfg.SegBytes)
	}
	if cfg.OffloadMode {
		// Bypass RAM fronting: keep values out of the LSM tree itself so
		// reads go straight to the value log instead of block cache.
		opts = opts.WithValueThreshold(1)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("queue: failed to open disk queue at %s: %w", cfg.Dir, err)
	}

	q := &DiskQueue{db: db, nextSeq: 1}

	if err := q.recoverCursor(); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.RetentionPeriod > 0 {
		q.retention = cfg.RetentionPeriod
		ctx, cancel := context.WithCancel(context.Background())
		q.stopJanitor = cancel
		q.janitorDone = make(chan struct{})
		go q.runJanitor(ctx)
	}

	return q, nil
}

func (q *DiskQueue) recoverCursor() error {
	return q.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Reverse: true})
		defer it.Close()
		it.Rewind()
		if it.Valid() {
			q.nextSeq = seqFromKey(it.Item().Key()) + 1
		}
		return nil
	})
}

func (q *DiskQueue) Append(value []byte) (AckRef, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return AckRef{}, ErrClosed
	}
	seq := q.nextSeq
	q.nextSeq++
	key := seqKey(seq)
	err := q.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, value)
	})
	if err != nil {
		return AckRef{}, fmt.Errorf("queue: append failed: %w", err)
	}
	return AckRef{seq: seq}, nil
}

func (q *DiskQueue) Peek(n int) ([]Item, error) {
	q.mu.Lock()
	ackedTo := q.ackedTo
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	out := make([]Item, 0, n)
	err := q.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		start := seqKey(ackedTo + 1)
		for it.Seek(start); it.Valid() && len(out) < n; it.Next() {
			item := it.Item()
			seq := seqFromKey(item.Key())
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			out = append(out, Item{Seq: seq, Value: val})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("queue: peek failed: %w", err)
	}
	return out, nil
}

func (q *DiskQueue) Ack(ref AckRef) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	if ref.seq <= q.ackedTo {
		return nil
	}
	wb := q.db.NewWriteBatch()
	defer wb.Cancel()
	for s := q.ackedTo + 1; s <= ref.seq; s++ {
		if err := wb.Delete(seqKey(s)); err != nil {
			return fmt.Errorf("queue: ack failed: %w", err)
		}
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("queue: ack flush failed: %w", err)
	}
	q.ackedTo = ref.seq
	return nil
}

func (q *DiskQueue) IsMemOnly() bool { return false }

func (q *DiskQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	var n int
	q.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{PrefetchValues: false})
		defer it.Close()
		start := seqKey(q.ackedTo + 1)
		for it.Seek(start); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	return n
}

// runJanitor runs badger's value-log GC every retention/4 to reclaim space
// left by acked (deleted) items. It does not drop items by age: an unacked
// item stays in the queue however old it is.
func (q *DiskQueue) runJanitor(ctx context.Context) {
	defer close(q.janitorDone)
	ticker := time.NewTicker(q.retention / 4)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := q.db.RunValueLogGC(0.5); err != nil && err != badger.ErrNoRewrite {
				log.Warnf("queue: value log gc failed: %v", err)
			}
		}
	}
}

func (q *DiskQueue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.mu.Unlock()

	if q.stopJanitor != nil {
		q.stopJanitor()
		<-q.janitorDone
	}
	return q.db.Close()
}
