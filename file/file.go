// Package file implements open file objects: the system-wide file table
// and the inode, device and pipe files it hands out.
package file

import (
	"fmt"
	"sync"

	"github.com/brettbedarf/kernfs"
	"github.com/brettbedarf/kernfs/filesystem"
	"github.com/hanwen/go-fuse/v2/fuse"
)

type Kind int

const (
	KindNone Kind = iota
	KindPipe
	KindInode
	KindDevice
)

func (k Kind) String() string {
	switch k {
	case KindPipe:
		return "pipe"
	case KindInode:
		return "inode"
	case KindDevice:
		return "device"
	default:
		return "none"
	}
}

// TxSource opens the transactions a file needs when it drops its inode
// or writes content.
type TxSource interface {
	BeginTx() *filesystem.Tx
}

// Table is the system-wide table of open files, bounded at nfile.
type Table struct {
	mu         sync.Mutex
	nfile      int
	open       int
	txs        TxSource
	devsw      *Devsw
	pipeSize   int
	writeChunk int
}

// NewTable creates a file table. Inode writes larger than writeChunk
// bytes are split across transactions.
func NewTable(nfile int, txs TxSource, devsw *Devsw, pipeSize, writeChunk int) *Table {
	return &Table{
		nfile:      nfile,
		txs:        txs,
		devsw:      devsw,
		pipeSize:   pipeSize,
		writeChunk: max(1, writeChunk),
	}
}

// Devsw returns the device switch device files dispatch through.
func (t *Table) Devsw() *Devsw { return t.devsw }

// Open returns the number of file objects in use.
func (t *Table) Open() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.open
}

func (t *Table) alloc(kind Kind, readable, writable bool) (*File, error) {
	const op = "file.Table.alloc"

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.open >= t.nfile {
		return nil, fmt.Errorf("%s: %d files open: %w", op, t.open, kernfs.ErrNoFile)
	}
	t.open++
	return &File{t: t, ref: 1, kind: kind, readable: readable, writable: writable}, nil
}

// OpenInode allocates a file reading and writing ip's content from
// offset 0. On success the file owns ip.
func (t *Table) OpenInode(ip *filesystem.RcInode, readable, writable bool) (*File, error) {
	f, err := t.alloc(KindInode, readable, writable)
	if err != nil {
		return nil, err
	}
	f.ip = ip
	return f, nil
}

// OpenDevice allocates a file dispatching to the driver for major. On
// success the file owns ip.
func (t *Table) OpenDevice(ip *filesystem.RcInode, major uint16, readable, writable bool) (*File, error) {
	f, err := t.alloc(KindDevice, readable, writable)
	if err != nil {
		return nil, err
	}
	f.ip = ip
	f.major = major
	return f, nil
}

// File is one open file. It is shared by every descriptor duplicated
// from the one that opened it.
type File struct {
	t        *Table
	ref      int // guarded by Table.mu
	kind     Kind
	readable bool
	writable bool
	pipe     *Pipe
	ip       *filesystem.RcInode
	off      int // guarded by the inode lock
	major    uint16
}

func (f *File) Kind() Kind                 { return f.kind }
func (f *File) Readable() bool             { return f.readable }
func (f *File) Writable() bool             { return f.writable }
func (f *File) Inode() *filesystem.RcInode { return f.ip }

// Dup adds a reference to f.
func (f *File) Dup() *File {
	f.t.mu.Lock()
	defer f.t.mu.Unlock()
	if f.ref < 1 {
		panic("file: dup of closed file")
	}
	f.ref++
	return f
}

// Close drops a reference, opening a transaction if the last reference
// releases an inode.
func (f *File) Close() {
	f.close(nil)
}

// CloseIn is Close for callers already inside tx.
func (f *File) CloseIn(tx *filesystem.Tx) {
	f.close(tx)
}

func (f *File) close(tx *filesystem.Tx) {
	t := f.t
	t.mu.Lock()
	if f.ref < 1 {
		t.mu.Unlock()
		panic("file: close of closed file")
	}
	f.ref--
	if f.ref > 0 {
		t.mu.Unlock()
		return
	}
	kind, pipe, ip := f.kind, f.pipe, f.ip
	f.kind, f.pipe, f.ip = KindNone, nil, nil
	t.open--
	t.mu.Unlock()

	switch kind {
	case KindPipe:
		pipe.Close(f.writable)
	case KindInode, KindDevice:
		if tx == nil {
			tx = t.txs.BeginTx()
			defer tx.End()
		}
		ip.Release(tx)
	}
}

// Read reads into dst from the file's current position.
func (f *File) Read(dst []byte) (int, error) {
	return f.ReadKillable(dst, nil)
}

// ReadKillable is Read for a caller that can be killed: a pipe read
// blocked on an empty pipe returns ErrInterrupted once killed reports
// true and the pipe is woken.
func (f *File) ReadKillable(dst []byte, killed func() bool) (int, error) {
	const op = "file.File.Read"

	if !f.readable {
		return 0, fmt.Errorf("%s: not open for reading: %w", op, kernfs.ErrBadFD)
	}
	switch f.kind {
	case KindPipe:
		return f.pipe.Read(dst, killed)
	case KindDevice:
		dev, ok := f.t.devsw.Get(f.major)
		if !ok {
			return 0, fmt.Errorf("%s: major %d: %w", op, f.major, kernfs.ErrExhausted)
		}
		return dev.Read(dst)
	case KindInode:
		g := f.ip.Lock()
		n := g.ReadAt(dst, f.off)
		f.off += n
		g.Unlock()
		return n, nil
	}
	panic("file: read of " + f.kind.String())
}

// Write writes src at the file's current position. Inode writes are
// committed in chunks, so a failure may leave a prefix written; the
// returned count says how much.
func (f *File) Write(src []byte) (int, error) {
	return f.WriteKillable(src, nil)
}

// WriteKillable is Write for a caller that can be killed. See ReadKillable.
func (f *File) WriteKillable(src []byte, killed func() bool) (int, error) {
	const op = "file.File.Write"

	if !f.writable {
		return 0, fmt.Errorf("%s: not open for writing: %w", op, kernfs.ErrBadFD)
	}
	switch f.kind {
	case KindPipe:
		return f.pipe.Write(src, killed)
	case KindDevice:
		dev, ok := f.t.devsw.Get(f.major)
		if !ok {
			return 0, fmt.Errorf("%s: major %d: %w", op, f.major, kernfs.ErrExhausted)
		}
		return dev.Write(src)
	case KindInode:
		written := 0
		for written < len(src) {
			n := min(len(src)-written, f.t.writeChunk)
			tx := f.t.txs.BeginTx()
			g := f.ip.Lock()
			w, err := g.WriteAt(tx, src[written:written+n], f.off)
			f.off += w
			g.Unlock()
			tx.End()
			written += w
			if err != nil {
				return written, fmt.Errorf("%s: %w", op, err)
			}
		}
		return written, nil
	}
	panic("file: write of " + f.kind.String())
}

// Wake rouses anything blocked on the file's pipe. Other kinds never block.
func (f *File) Wake() {
	f.t.mu.Lock()
	pipe := f.pipe
	f.t.mu.Unlock()
	if pipe != nil {
		pipe.Wake()
	}
}

// Stat describes the file's inode. Pipes have none.
func (f *File) Stat() (fuse.Attr, error) {
	const op = "file.File.Stat"

	if f.kind != KindInode && f.kind != KindDevice {
		return fuse.Attr{}, fmt.Errorf("%s: %s: %w", op, f.kind, kernfs.ErrInvalid)
	}
	g := f.ip.Lock()
	defer g.Unlock()
	return g.Stat(), nil
}
