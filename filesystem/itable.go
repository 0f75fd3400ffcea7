package filesystem

import (
	"fmt"
	"sync"

	"github.com/brettbedarf/kernfs"
	"github.com/brettbedarf/kernfs/internal/util"
	"github.com/brettbedarf/kernfs/store"
)

// Itable caches in-memory inodes and hands out references to them.
// An entry lives while at least one RcInode refers to it.
type Itable struct {
	mu          sync.Mutex
	inodes      map[store.Key]*Inode
	allocMu     sync.Mutex // serializes the free-inode scan
	log         *Log
	ninode      int
	maxFileSize int
}

func NewItable(log *Log, ninode, maxFileSize int) *Itable {
	return &Itable{
		inodes:      make(map[store.Key]*Inode),
		log:         log,
		ninode:      ninode,
		maxFileSize: maxFileSize,
	}
}

// Get returns a reference to inode inum on dev without locking or
// reading it.
func (t *Itable) Get(dev, inum uint32) *RcInode {
	k := store.Key{Dev: dev, Inum: inum}
	t.mu.Lock()
	defer t.mu.Unlock()
	ip, ok := t.inodes[k]
	if !ok {
		ip = &Inode{key: k}
		t.inodes[k] = ip
	}
	ip.ref++
	return &RcInode{t: t, ip: ip}
}

// Alloc claims a free inode on dev, marks it with typ in tx and returns
// a reference to it. The new inode has no links.
func (t *Itable) Alloc(dev uint32, typ kernfs.InodeType, tx *Tx) (*RcInode, error) {
	const op = "filesystem.Itable.Alloc"
	logger := util.GetLogger("Itable.Alloc")

	t.allocMu.Lock()
	defer t.allocMu.Unlock()
	for inum := uint32(1); inum < uint32(t.ninode); inum++ {
		k := store.Key{Dev: dev, Inum: inum}
		cur, _, _, err := decodeDinode(t.log.read(k))
		if err != nil {
			panic(fmt.Sprintf("ialloc %s: %v", k, err))
		}
		if cur.Kind != kernfs.KindNone {
			continue
		}
		t.log.write(tx, k, encodeDinode(typ, 0, nil))
		logger.Trace().Stringer("inode", k).Stringer("type", typ).Msg("allocated inode")
		return t.Get(dev, inum), nil
	}
	return nil, fmt.Errorf("%s: no free inode on device %d: %w", op, dev, kernfs.ErrExhausted)
}

// Cached returns the number of inodes currently referenced.
func (t *Itable) Cached() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.inodes)
}

// put drops one reference to ip. When it is the last reference and the
// inode has no links left, the inode is truncated and freed in tx.
func (t *Itable) put(ip *Inode, tx *Tx) {
	t.mu.Lock()
	if ip.ref == 1 && ip.valid && ip.nlink == 0 {
		// Sole reference to an unlinked inode: nothing else can lock it
		// or find it by name, so its lock is free.
		t.mu.Unlock()

		ip.mu.Lock()
		ip.typ = kernfs.InodeType{}
		ip.data = nil
		t.log.write(tx, ip.key, encodeDinode(ip.typ, 0, nil))
		ip.valid = false
		ip.mu.Unlock()

		logger := util.GetLogger("Itable.put")
		logger.Trace().Stringer("inode", ip.key).Msg("freed inode")

		t.mu.Lock()
	}
	ip.ref--
	if ip.ref == 0 {
		delete(t.inodes, ip.key)
	}
	t.mu.Unlock()
}
