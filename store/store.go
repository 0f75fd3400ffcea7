// Package store persists committed inode records. It stands in for the
// block cache and disk driver below the transaction log.
package store

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrCorrupt is returned when a stored record fails its checksum.
var ErrCorrupt = errors.New("store: record checksum mismatch")

// Key addresses one inode record.
type Key struct {
	Dev  uint32
	Inum uint32
}

func (k Key) String() string { return fmt.Sprintf("%d:%d", k.Dev, k.Inum) }

// bytes encodes k big endian so records sort by device then inode.
func (k Key) bytes() []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint32(b[:4], k.Dev)
	binary.BigEndian.PutUint32(b[4:], k.Inum)
	return b
}

// Record is one inode's encoded state. A nil Data removes the record.
type Record struct {
	Key
	Data []byte
}

// Stats summarizes what a store holds.
type Stats struct {
	Records int
	Bytes   int64
}

// Store holds committed records. Commit applies a batch atomically and
// in order; Get returns nil for an absent key.
type Store interface {
	Get(k Key) ([]byte, error)
	Commit(batch []Record) error
	Stats() (Stats, error)
	Close() error
}
