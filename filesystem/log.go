package filesystem

import (
	"bytes"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/brettbedarf/kernfs/internal/util"
	"github.com/brettbedarf/kernfs/store"
	"github.com/google/uuid"
)

// Log groups the inode writes of concurrent transactions and commits
// them to the store together once the last open transaction ends.
// Until then the writes are visible to readers through the log, the
// way a buffer cache holds dirty blocks.
type Log struct {
	mu          sync.Mutex
	cond        *sync.Cond
	store       store.Store
	size        int // records one commit may carry
	maxOpBlocks int // records reserved per transaction
	outstanding int // transactions begun and not yet ended
	committing  bool
	pending     []store.Record
	index       map[store.Key]int
	commits     atomic.Uint64
}

func NewLog(st store.Store, size, maxOpBlocks int) *Log {
	l := &Log{
		store:       st,
		size:        size,
		maxOpBlocks: maxOpBlocks,
		index:       make(map[store.Key]int),
	}
	l.cond = sync.NewCond(&l.mu)
	return l
}

// Tx is an open write transaction. Every inode update happens inside
// one, and End must be called exactly once.
type Tx struct {
	ID    uuid.UUID
	log   *Log
	ended atomic.Bool
}

// Begin opens a transaction. It blocks while a commit is running or
// while the log could not absorb another transaction's worth of writes.
func (l *Log) Begin() *Tx {
	l.mu.Lock()
	for l.committing || len(l.pending)+(l.outstanding+1)*l.maxOpBlocks > l.size {
		l.cond.Wait()
	}
	l.outstanding++
	l.mu.Unlock()

	tx := &Tx{ID: uuid.New(), log: l}
	logger := util.GetLogger("Log.Begin")
	logger.Trace().Str("tx", tx.ID.String()).Msg("transaction begun")
	return tx
}

// End closes tx. The transaction that brings the outstanding count to
// zero commits every pending write before returning.
func (tx *Tx) End() {
	if !tx.ended.CompareAndSwap(false, true) {
		panic("log: transaction ended twice")
	}
	l := tx.log

	l.mu.Lock()
	l.outstanding--
	if l.committing {
		panic("log: end during commit")
	}
	doCommit := l.outstanding == 0
	if doCommit {
		l.committing = true
	} else {
		// Begin may be waiting for the space this transaction reserved.
		l.cond.Broadcast()
	}
	l.mu.Unlock()

	if doCommit {
		l.commit(tx.ID)
		l.mu.Lock()
		l.committing = false
		l.cond.Broadcast()
		l.mu.Unlock()
	}
}

// Ended reports whether End has been called.
func (tx *Tx) Ended() bool { return tx.ended.Load() }

// commit runs with committing set and no transaction outstanding, so
// pending cannot change underneath it.
func (l *Log) commit(id uuid.UUID) {
	logger := util.GetLogger("Log.commit")
	batch := l.pending
	if len(batch) > 0 {
		if err := l.store.Commit(batch); err != nil {
			panic(fmt.Sprintf("log: commit: %v", err))
		}
		n := l.commits.Add(1)
		logger.Debug().Str("tx", id.String()).Int("records", len(batch)).Uint64("commit", n).Msg("committed")
	}

	l.mu.Lock()
	l.pending = nil
	clear(l.index)
	l.mu.Unlock()
}

// Commits returns the number of non-empty commits made so far.
func (l *Log) Commits() uint64 { return l.commits.Load() }

// write records data for k in tx, absorbing an earlier pending write
// of the same record.
func (l *Log) write(tx *Tx, k store.Key, data []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if tx.Ended() {
		panic("log: write outside of transaction")
	}
	if i, ok := l.index[k]; ok {
		l.pending[i].Data = data
		return
	}
	if len(l.pending) >= l.size {
		panic("log: too big a transaction")
	}
	l.index[k] = len(l.pending)
	l.pending = append(l.pending, store.Record{Key: k, Data: data})
}

// read returns the newest contents of k, pending or committed. A
// failing store is fatal.
func (l *Log) read(k store.Key) []byte {
	l.mu.Lock()
	if i, ok := l.index[k]; ok {
		data := bytes.Clone(l.pending[i].Data)
		l.mu.Unlock()
		return data
	}
	l.mu.Unlock()

	data, err := l.store.Get(k)
	if err != nil {
		panic(fmt.Sprintf("log: read %s: %v", k, err))
	}
	return data
}
