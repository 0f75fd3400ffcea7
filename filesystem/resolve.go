package filesystem

import (
	"fmt"

	"github.com/brettbedarf/kernfs"
	"github.com/brettbedarf/kernfs/fspath"
)

// Namei resolves path to the inode it names. Relative paths start at
// cwd, which stays owned by the caller.
func (fs *FileSystem) Namei(path fspath.Path, cwd *RcInode, tx *Tx) (*RcInode, error) {
	ip, _, err := fs.namex(path, false, cwd, tx)
	return ip, err
}

// NameiParent resolves path to the directory holding its final element
// and returns that element's name. A path with no element, such as "/",
// fails with ErrNotFound.
func (fs *FileSystem) NameiParent(path fspath.Path, cwd *RcInode, tx *Tx) (*RcInode, fspath.FileName, error) {
	return fs.namex(path, true, cwd, tx)
}

// namex walks path one element at a time. At most one inode lock is
// held at any point, and every reference taken is released on every
// error path.
func (fs *FileSystem) namex(path fspath.Path, parent bool, cwd *RcInode, tx *Tx) (*RcInode, fspath.FileName, error) {
	const op = "filesystem.FileSystem.namex"

	var ip *RcInode
	if path.IsAbsolute() {
		ip = fs.Root(kernfs.RootDev)
	} else {
		ip = cwd.Clone()
	}

	for rest, name := range path.Elems() {
		g := ip.Lock()
		if !g.Type().IsDir() {
			g.Unlock()
			ip.Release(tx)
			return nil, fspath.FileName{}, fmt.Errorf("%s: %q before %q: %w", op, path, name, kernfs.ErrNotDir)
		}
		if parent && rest.IsEmpty() {
			g.Unlock()
			return ip, name, nil
		}
		next, _, err := g.DirLookup(name)
		g.Unlock()
		ip.Release(tx)
		if err != nil {
			return nil, fspath.FileName{}, fmt.Errorf("%s: %q: %w", op, path, err)
		}
		ip = next
	}

	if parent {
		ip.Release(tx)
		return nil, fspath.FileName{}, fmt.Errorf("%s: %q has no final element: %w", op, path, kernfs.ErrNotFound)
	}
	return ip, fspath.FileName{}, nil
}
