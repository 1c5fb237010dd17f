package persist

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"
)

var keyLastView = []byte("last_view")

const maxBatch = 64

type request struct {
	done func(error)
	rec  Record
}

// BoltLog appends records to a BoltDB-backed log. Each record becomes one
// raft.Log entry: Index is the log position, Term the view the message was
// delivered in, and Data the msgpack-encoded record.
//
// A single writer goroutine drains submissions in order and writes them in
// batches.
type BoltLog struct {
	store  *raftboltdb.BoltStore
	log    *zap.Logger
	reqs   chan request
	wg     sync.WaitGroup
	next   uint64
	mu     sync.RWMutex
	closed bool
}

var _ Sink = (*BoltLog)(nil)

// OpenBoltLog opens (or creates) the log at path and starts its writer.
func OpenBoltLog(path string, logger *zap.Logger) (*BoltLog, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	store, err := raftboltdb.NewBoltStore(path)
	if err != nil {
		return nil, fmt.Errorf("open persistence log %s: %w", path, err)
	}
	last, err := store.LastIndex()
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("read persistence log %s: %w", path, err)
	}

	l := &BoltLog{
		store: store,
		log:   logger.With(zap.String("path", path)),
		reqs:  make(chan request, 1024),
		next:  last + 1,
	}
	l.wg.Add(1)
	go l.writeLoop()
	l.log.Info("persistence log opened", zap.Uint64("entries", last))
	return l, nil
}

// Persist implements Sink.
func (l *BoltLog) Persist(rec Record, done func(error)) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		done(ErrClosed)
		return
	}
	l.reqs <- request{rec: rec, done: done}
}

func (l *BoltLog) writeLoop() {
	defer l.wg.Done()
	batch := make([]request, 0, maxBatch)
	for req := range l.reqs {
		batch = append(batch[:0], req)
	fill:
		for len(batch) < maxBatch {
			select {
			case more, ok := <-l.reqs:
				if !ok {
					break fill
				}
				batch = append(batch, more)
			default:
				break fill
			}
		}
		l.writeBatch(batch)
	}
}

func (l *BoltLog) writeBatch(batch []request) {
	logs := make([]*raft.Log, 0, len(batch))
	ok := make([]request, 0, len(batch))
	now := time.Now()
	for _, req := range batch {
		data, err := msgpack.Marshal(&req.rec)
		if err != nil {
			req.done(fmt.Errorf("encode record: %w", err))
			continue
		}
		logs = append(logs, &raft.Log{
			Index:      l.next + uint64(len(logs)),
			Term:       uint64(uint32(req.rec.ViewID)),
			Type:       raft.LogCommand,
			Data:       data,
			AppendedAt: now,
		})
		ok = append(ok, req)
	}
	if len(logs) == 0 {
		return
	}

	err := l.store.StoreLogs(logs)
	if err == nil {
		l.next += uint64(len(logs))
		err = l.store.SetUint64(keyLastView, logs[len(logs)-1].Term)
	}
	if err != nil {
		l.log.Error("persistence write failed", zap.Int("records", len(ok)), zap.Error(err))
	}
	for _, req := range ok {
		req.done(err)
	}
}

// Get returns the record stored at log position i (starting at 1).
func (l *BoltLog) Get(i uint64) (Record, error) {
	var entry raft.Log
	if err := l.store.GetLog(i, &entry); err != nil {
		return Record{}, err
	}
	var rec Record
	if err := msgpack.Unmarshal(entry.Data, &rec); err != nil {
		return Record{}, fmt.Errorf("decode record %d: %w", i, err)
	}
	return rec, nil
}

// Count returns the number of records in the log.
func (l *BoltLog) Count() (uint64, error) {
	first, err := l.store.FirstIndex()
	if err != nil {
		return 0, err
	}
	last, err := l.store.LastIndex()
	if err != nil {
		return 0, err
	}
	if last == 0 {
		return 0, nil
	}
	return last - first + 1, nil
}

// LastView returns the view id of the most recently written record.
func (l *BoltLog) LastView() (int32, error) {
	v, err := l.store.GetUint64(keyLastView)
	if err != nil {
		if errors.Is(err, raftboltdb.ErrKeyNotFound) {
			return 0, nil
		}
		return 0, err
	}
	return int32(uint32(v)), nil
}

// Close flushes pending records and closes the underlying store.
func (l *BoltLog) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	close(l.reqs)
	l.mu.Unlock()

	l.wg.Wait()
	l.log.Info("persistence log closed")
	return l.store.Close()
}
