// Package kernel implements the file system system calls: the pluggable
// backend that performs path-based mutations and the Kernel that opens
// transactions and binds descriptors around them.
package kernel

import (
	"fmt"

	"github.com/brettbedarf/kernfs"
	"github.com/brettbedarf/kernfs/file"
	"github.com/brettbedarf/kernfs/filesystem"
	"github.com/brettbedarf/kernfs/fspath"
	"github.com/brettbedarf/kernfs/proc"
	"github.com/puzpuzpuz/xsync/v4"
)

// Backend is a file system implementation. Every method taking a Tx
// must run inside that open transaction.
type Backend interface {
	// Init brings device dev online, formatting it if it is blank.
	Init(dev uint32) error
	BeginTx() *filesystem.Tx
	// Root returns a reference to the root directory of the root device.
	Root() *filesystem.RcInode
	Namei(path fspath.Path, p *proc.Proc, tx *filesystem.Tx) (*filesystem.RcInode, error)
	Link(oldname, newname fspath.Path, p *proc.Proc, tx *filesystem.Tx) error
	Unlink(path fspath.Path, p *proc.Proc, tx *filesystem.Tx) error
	// Create returns the inode named by path, creating it with typ if
	// absent. fn, if not nil, runs while the new inode is locked.
	Create(path fspath.Path, typ kernfs.InodeType, p *proc.Proc, tx *filesystem.Tx, fn func(*filesystem.InodeGuard)) (*filesystem.RcInode, error)
	Open(path fspath.Path, mode kernfs.OpenMode, p *proc.Proc, tx *filesystem.Tx) (int, error)
	Chdir(path fspath.Path, p *proc.Proc, tx *filesystem.Tx) error
}

// Factory builds a backend over an inode layer and a file table.
type Factory func(fs *filesystem.FileSystem, files *file.Table) Backend

// UfsBackend is the registered name of the Ufs backend.
const UfsBackend = "ufs"

// Registry maps backend names to factories.
type Registry struct {
	factories *xsync.Map[string, Factory]
}

func NewRegistry() *Registry {
	return &Registry{factories: xsync.NewMap[string, Factory]()}
}

// NewDefaultRegistry returns a registry holding every built-in backend.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(UfsBackend, func(fs *filesystem.FileSystem, files *file.Table) Backend {
		return NewUfs(fs, files)
	})
	return r
}

// Register ties a factory to name. The first registration of a name wins.
func (r *Registry) Register(name string, f Factory) {
	r.factories.LoadOrStore(name, f)
}

// Get returns the factory registered under name.
func (r *Registry) Get(name string) (Factory, error) {
	f, ok := r.factories.Load(name)
	if !ok {
		return nil, fmt.Errorf("no backend registered as %q", name)
	}
	return f, nil
}
