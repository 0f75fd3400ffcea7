package store

import (
	"bytes"
	"fmt"

	"github.com/zeebo/blake3"
	bolt "go.etcd.io/bbolt"
)

var inodesBucket = []byte("inodes")

const sumSize = 32

// Bolt is a Store backed by a bbolt file. Each value is prefixed with
// the blake3 sum of its data, checked on every read.
type Bolt struct {
	db *bolt.DB
}

var _ Store = (*Bolt)(nil)

// OpenBolt opens or creates the store file at path.
func OpenBolt(path string) (*Bolt, error) {
	const op = "store.OpenBolt"

	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(inodesBucket)
		return err
	}); err != nil {
		db.Close() // nolint:errcheck
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &Bolt{db: db}, nil
}

func (s *Bolt) Get(k Key) ([]byte, error) {
	const op = "store.Bolt.Get"

	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(inodesBucket).Get(k.bytes())
		if v == nil {
			return nil
		}
		d, err := unseal(v)
		if err != nil {
			return fmt.Errorf("%w: %s", err, k)
		}
		data = bytes.Clone(d)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return data, nil
}

func (s *Bolt) Commit(batch []Record) error {
	const op = "store.Bolt.Commit"

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(inodesBucket)
		for _, rec := range batch {
			if rec.Data == nil {
				if err := b.Delete(rec.bytes()); err != nil {
					return err
				}
				continue
			}
			if err := b.Put(rec.bytes(), seal(rec.Data)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (s *Bolt) Stats() (Stats, error) {
	var st Stats
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(inodesBucket).ForEach(func(_, v []byte) error {
			st.Records++
			st.Bytes += int64(len(v) - sumSize)
			return nil
		})
	})
	return st, err
}

func (s *Bolt) Close() error {
	return s.db.Close()
}

func seal(data []byte) []byte {
	sum := blake3.Sum256(data)
	out := make([]byte, 0, sumSize+len(data))
	out = append(out, sum[:]...)
	return append(out, data...)
}

func unseal(v []byte) ([]byte, error) {
	if len(v) < sumSize {
		return nil, ErrCorrupt
	}
	data := v[sumSize:]
	sum := blake3.Sum256(data)
	if !bytes.Equal(sum[:], v[:sumSize]) {
		return nil, ErrCorrupt
	}
	return data, nil
}
