package store

import (
	"bytes"
	"sync"

	"github.com/puzpuzpuz/xsync/v4"
)

// Mem is a Store kept entirely in memory.
type Mem struct {
	mu      sync.Mutex // serializes commits
	records *xsync.Map[Key, []byte]
}

var _ Store = (*Mem)(nil)

func NewMem() *Mem {
	return &Mem{records: xsync.NewMap[Key, []byte]()}
}

func (m *Mem) Get(k Key) ([]byte, error) {
	if data, ok := m.records.Load(k); ok {
		return bytes.Clone(data), nil
	}
	return nil, nil
}

func (m *Mem) Commit(batch []Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range batch {
		if rec.Data == nil {
			m.records.Delete(rec.Key)
			continue
		}
		m.records.Store(rec.Key, bytes.Clone(rec.Data))
	}
	return nil
}

func (m *Mem) Stats() (Stats, error) {
	var st Stats
	m.records.Range(func(_ Key, data []byte) bool {
		st.Records++
		st.Bytes += int64(len(data))
		return true
	})
	return st, nil
}

func (m *Mem) Close() error { return nil }
