package filesystem

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/brettbedarf/kernfs"
	"github.com/brettbedarf/kernfs/fspath"
)

// DirentSize is the encoded size of one directory entry: a 2 byte inode
// number followed by a NUL padded name.
const DirentSize = 2 + fspath.DirSiz

// Dirent is one directory entry. Inum 0 marks a free slot.
type Dirent struct {
	Inum uint16
	Name [fspath.DirSiz]byte
}

func newDirent(inum uint32, name fspath.FileName) Dirent {
	if inum > math.MaxUint16 {
		panic(fmt.Sprintf("dirent: inum %d does not fit", inum))
	}
	de := Dirent{Inum: uint16(inum)}
	copy(de.Name[:], name.Bytes())
	return de
}

// FileName returns the entry's name without padding.
func (de Dirent) FileName() fspath.FileName {
	n := 0
	for n < len(de.Name) && de.Name[n] != 0 {
		n++
	}
	return fspath.NewFileName(de.Name[:n])
}

func (de Dirent) encode() []byte {
	b := make([]byte, DirentSize)
	binary.LittleEndian.PutUint16(b, de.Inum)
	copy(b[2:], de.Name[:])
	return b
}

func decodeDirent(b []byte) Dirent {
	var de Dirent
	de.Inum = binary.LittleEndian.Uint16(b)
	copy(de.Name[:], b[2:DirentSize])
	return de
}

func (g *InodeGuard) mustDir(op string) {
	if !g.ip.typ.IsDir() {
		panic(fmt.Sprintf("%s: inode %s is %s, not a directory", op, g.ip.key, g.ip.typ))
	}
}

// DecodeDirents returns the live entries of raw directory content, as
// read from a directory descriptor, in slot order. A trailing partial
// entry is ignored.
func DecodeDirents(b []byte) []Dirent {
	var out []Dirent
	for off := 0; off+DirentSize <= len(b); off += DirentSize {
		if de := decodeDirent(b[off:]); de.Inum != 0 {
			out = append(out, de)
		}
	}
	return out
}

// Entries returns every live entry of the directory in slot order.
func (g *InodeGuard) Entries() []Dirent {
	g.mustDir("entries")
	return DecodeDirents(g.ip.data)
}

// lookup finds name's live entry without taking a reference.
func (g *InodeGuard) lookup(name fspath.FileName) (inum uint32, off int, ok bool) {
	for off := 0; off+DirentSize <= len(g.ip.data); off += DirentSize {
		de := decodeDirent(g.ip.data[off:])
		if de.Inum != 0 && name.EqualBytes(de.Name[:]) {
			return uint32(de.Inum), off, true
		}
	}
	return 0, 0, false
}

// DirLookup finds name in the directory and returns a reference to its
// inode along with the entry's byte offset.
func (g *InodeGuard) DirLookup(name fspath.FileName) (*RcInode, int, error) {
	const op = "filesystem.InodeGuard.DirLookup"

	g.mustDir("dirlookup")
	inum, off, ok := g.lookup(name)
	if !ok {
		return nil, 0, fmt.Errorf("%s: %q: %w", op, name, kernfs.ErrNotFound)
	}
	return g.h.t.Get(g.ip.key.Dev, inum), off, nil
}

// DirLink adds the entry name -> inum, reusing the first free slot. It
// fails with ErrExists when name is already present.
func (g *InodeGuard) DirLink(name fspath.FileName, inum uint32, tx *Tx) error {
	const op = "filesystem.InodeGuard.DirLink"

	g.mustDir("dirlink")
	if _, _, ok := g.lookup(name); ok {
		return fmt.Errorf("%s: %q: %w", op, name, kernfs.ErrExists)
	}
	off := 0
	for ; off+DirentSize <= len(g.ip.data); off += DirentSize {
		if decodeDirent(g.ip.data[off:]).Inum == 0 {
			break
		}
	}
	de := newDirent(inum, name)
	if _, err := g.WriteAt(tx, de.encode(), off); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// ClearDirent zeroes the entry at off.
func (g *InodeGuard) ClearDirent(off int, tx *Tx) error {
	g.mustDir("cleardirent")
	_, err := g.WriteAt(tx, make([]byte, DirentSize), off)
	return err
}

// IsDirEmpty reports whether the directory holds nothing but "." and "..".
func (g *InodeGuard) IsDirEmpty() bool {
	g.mustDir("isdirempty")
	for off := 2 * DirentSize; off+DirentSize <= len(g.ip.data); off += DirentSize {
		if decodeDirent(g.ip.data[off:]).Inum != 0 {
			return false
		}
	}
	return true
}
