package filesystem

import (
	"fmt"
	"syscall"

	"github.com/brettbedarf/kernfs"
	"github.com/hanwen/go-fuse/v2/fuse"
)

// InodeGuard is the exclusive lock on one inode. It gives access to the
// inode's metadata and content until Unlock.
type InodeGuard struct {
	h        *RcInode
	ip       *Inode
	unlocked bool
}

// Unlock releases the lock. The guard must not be used afterwards.
func (g *InodeGuard) Unlock() {
	if g.unlocked {
		panic("inode: unlock of unlocked guard")
	}
	g.unlocked = true
	g.ip.mu.Unlock()
}

// Handle returns the reference the guard was taken through.
func (g *InodeGuard) Handle() *RcInode { return g.h }

func (g *InodeGuard) Dev() uint32            { return g.ip.key.Dev }
func (g *InodeGuard) Inum() uint32           { return g.ip.key.Inum }
func (g *InodeGuard) Type() kernfs.InodeType { return g.ip.typ }
func (g *InodeGuard) Nlink() int16           { return g.ip.nlink }
func (g *InodeGuard) Size() int              { return len(g.ip.data) }

// SetNlink changes the in-memory link count; Update persists it.
func (g *InodeGuard) SetNlink(n int16) { g.ip.nlink = n }

// Update writes the inode's metadata and content into tx.
func (g *InodeGuard) Update(tx *Tx) {
	g.h.t.log.write(tx, g.ip.key, encodeDinode(g.ip.typ, g.ip.nlink, g.ip.data))
}

// Truncate discards the inode's content and persists the result.
func (g *InodeGuard) Truncate(tx *Tx) {
	g.ip.data = nil
	g.Update(tx)
}

// ReadAt copies content starting at off into dst and returns the count
// copied. Reads at or past the end return 0.
func (g *InodeGuard) ReadAt(dst []byte, off int) int {
	if off < 0 || off >= len(g.ip.data) {
		return 0
	}
	return copy(dst, g.ip.data[off:])
}

// WriteAt writes src at off, growing the content as needed, and
// persists the inode. off may not be past the current end.
func (g *InodeGuard) WriteAt(tx *Tx, src []byte, off int) (int, error) {
	const op = "filesystem.InodeGuard.WriteAt"

	if off < 0 || off > len(g.ip.data) {
		return 0, fmt.Errorf("%s: offset %d beyond size %d: %w", op, off, len(g.ip.data), kernfs.ErrInvalid)
	}
	end := off + len(src)
	if end > g.h.t.maxFileSize {
		return 0, fmt.Errorf("%s: %d bytes: %w", op, end, kernfs.ErrFileTooLarge)
	}
	if end > len(g.ip.data) {
		grown := make([]byte, end)
		copy(grown, g.ip.data)
		g.ip.data = grown
	}
	copy(g.ip.data[off:], src)
	g.Update(tx)
	return len(src), nil
}

// Stat describes the inode in FUSE attribute form.
func (g *InodeGuard) Stat() fuse.Attr {
	attr := fuse.Attr{
		Ino:    uint64(g.ip.key.Inum),
		Size:   uint64(len(g.ip.data)),
		Blocks: (uint64(len(g.ip.data)) + 511) / 512,
		Nlink:  uint32(g.ip.nlink),
	}
	typ := g.ip.typ
	switch typ.Kind {
	case kernfs.KindDir:
		attr.Mode = syscall.S_IFDIR | 0o755
	case kernfs.KindFile:
		attr.Mode = syscall.S_IFREG | 0o644
	case kernfs.KindDevice:
		attr.Mode = syscall.S_IFCHR | 0o666
		attr.Rdev = uint32(typ.Major)<<8 | uint32(typ.Minor)
	}
	return attr
}
