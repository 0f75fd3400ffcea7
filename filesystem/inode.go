package filesystem

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/brettbedarf/kernfs"
	"github.com/brettbedarf/kernfs/store"
)

// dinodeSize is the encoded header that precedes an inode's content.
const dinodeSize = 12

// Inode is the cached in-memory copy of one on-disk inode.
type Inode struct {
	key store.Key
	ref int // guarded by Itable.mu

	mu    sync.Mutex // held by the InodeGuard; guards the fields below
	valid bool       // fields below were loaded from the log
	typ   kernfs.InodeType
	nlink int16
	data  []byte
}

func encodeDinode(typ kernfs.InodeType, nlink int16, data []byte) []byte {
	b := make([]byte, dinodeSize+len(data))
	binary.LittleEndian.PutUint16(b[0:], uint16(typ.Kind))
	binary.LittleEndian.PutUint16(b[2:], typ.Major)
	binary.LittleEndian.PutUint16(b[4:], typ.Minor)
	binary.LittleEndian.PutUint16(b[6:], uint16(nlink))
	binary.LittleEndian.PutUint32(b[8:], uint32(len(data)))
	copy(b[dinodeSize:], data)
	return b
}

// decodeDinode parses an encoded inode. Missing or short records read
// as a free inode.
func decodeDinode(b []byte) (typ kernfs.InodeType, nlink int16, data []byte, err error) {
	if len(b) < dinodeSize {
		return kernfs.InodeType{}, 0, nil, nil
	}
	typ = kernfs.InodeType{
		Kind:  kernfs.Kind(binary.LittleEndian.Uint16(b[0:])),
		Major: binary.LittleEndian.Uint16(b[2:]),
		Minor: binary.LittleEndian.Uint16(b[4:]),
	}
	nlink = int16(binary.LittleEndian.Uint16(b[6:]))
	size := binary.LittleEndian.Uint32(b[8:])
	if int(size) != len(b)-dinodeSize {
		return typ, nlink, nil, fmt.Errorf("inode size %d does not match %d content bytes", size, len(b)-dinodeSize)
	}
	return typ, nlink, b[dinodeSize:], nil
}

// RcInode is a counted reference to a cached inode. Every RcInode must
// be released exactly once with Release, inside a transaction, since
// dropping the last reference to an unlinked inode frees it on disk.
type RcInode struct {
	t        *Itable
	ip       *Inode
	released atomic.Bool
}

func (h *RcInode) Dev() uint32  { return h.ip.key.Dev }
func (h *RcInode) Inum() uint32 { return h.ip.key.Inum }

// Same reports whether h and o refer to the same inode.
func (h *RcInode) Same(o *RcInode) bool { return h.ip == o.ip }

func (h *RcInode) String() string { return h.ip.key.String() }

// Clone returns a new reference to the same inode.
func (h *RcInode) Clone() *RcInode {
	h.t.mu.Lock()
	h.ip.ref++
	h.t.mu.Unlock()
	return &RcInode{t: h.t, ip: h.ip}
}

// Release drops the reference. The caller must not hold the inode's lock.
func (h *RcInode) Release(tx *Tx) {
	if tx == nil {
		panic("inode: release outside transaction")
	}
	if !h.released.CompareAndSwap(false, true) {
		panic("inode: released twice")
	}
	h.t.put(h.ip, tx)
}

// Lock acquires the inode's exclusive lock, loading it from the log if
// needed. Loading an inode with no type is a fatal inconsistency.
func (h *RcInode) Lock() *InodeGuard {
	if h.released.Load() {
		panic("inode: lock after release")
	}
	ip := h.ip
	ip.mu.Lock()
	if !ip.valid {
		typ, nlink, data, err := decodeDinode(h.t.log.read(ip.key))
		if err != nil {
			panic(fmt.Sprintf("ilock %s: %v", ip.key, err))
		}
		if typ.Kind == kernfs.KindNone {
			panic(fmt.Sprintf("ilock %s: no type", ip.key))
		}
		ip.typ, ip.nlink, ip.data = typ, nlink, data
		ip.valid = true
	}
	return &InodeGuard{h: h, ip: ip}
}
