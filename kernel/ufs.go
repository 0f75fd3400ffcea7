package kernel

import (
	"fmt"

	"github.com/brettbedarf/kernfs"
	"github.com/brettbedarf/kernfs/file"
	"github.com/brettbedarf/kernfs/filesystem"
	"github.com/brettbedarf/kernfs/fspath"
	"github.com/brettbedarf/kernfs/internal/util"
	"github.com/brettbedarf/kernfs/proc"
)

// Ufs is the Unix-style backend: directories are files of fixed-size
// entries, and "." and ".." are ordinary entries.
type Ufs struct {
	fs    *filesystem.FileSystem
	files *file.Table
}

var _ Backend = (*Ufs)(nil)

func NewUfs(fs *filesystem.FileSystem, files *file.Table) *Ufs {
	return &Ufs{fs: fs, files: files}
}

func (u *Ufs) Init(dev uint32) error {
	_, err := u.fs.Format(dev)
	return err
}

func (u *Ufs) BeginTx() *filesystem.Tx { return u.fs.BeginTx() }

func (u *Ufs) Root() *filesystem.RcInode { return u.fs.Root(kernfs.RootDev) }

func (u *Ufs) Namei(path fspath.Path, p *proc.Proc, tx *filesystem.Tx) (*filesystem.RcInode, error) {
	return u.fs.Namei(path, p.Cwd(), tx)
}

// create returns the inode at path locked, creating it with typ when
// absent. An existing regular file or device satisfies a request for a
// regular file; anything else already present fails with ErrExists.
func (u *Ufs) create(path fspath.Path, typ kernfs.InodeType, p *proc.Proc, tx *filesystem.Tx) (*filesystem.RcInode, *filesystem.InodeGuard, error) {
	const op = "kernel.Ufs.create"
	logger := util.GetLogger("Ufs.create")

	dp, name, err := u.fs.NameiParent(path, p.Cwd(), tx)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", op, err)
	}
	dg := dp.Lock()

	if ip, _, err := dg.DirLookup(name); err == nil {
		// Drop the parent first: name may be "." and ip the parent itself.
		dg.Unlock()
		dp.Release(tx)
		g := ip.Lock()
		if typ.IsFile() && (g.Type().IsFile() || g.Type().IsDevice()) {
			return ip, g, nil
		}
		g.Unlock()
		ip.Release(tx)
		return nil, nil, fmt.Errorf("%s: %q: %w", op, path, kernfs.ErrExists)
	}

	ip, err := u.fs.Itable().Alloc(dp.Dev(), typ, tx)
	if err != nil {
		dg.Unlock()
		dp.Release(tx)
		return nil, nil, fmt.Errorf("%s: %w", op, err)
	}
	g := ip.Lock()
	g.SetNlink(1)
	g.Update(tx)

	if typ.IsDir() {
		// ".." links to the parent; "." does not count toward the new
		// directory's own link count.
		dg.SetNlink(dg.Nlink() + 1)
		dg.Update(tx)
		if g.DirLink(fspath.Name("."), ip.Inum(), tx) != nil || g.DirLink(fspath.Name(".."), dp.Inum(), tx) != nil {
			panic("create dots")
		}
	}
	if err := dg.DirLink(name, ip.Inum(), tx); err != nil {
		panic(fmt.Sprintf("create: dirlink: %v", err))
	}
	dg.Unlock()
	dp.Release(tx)

	logger.Debug().Str("path", path.String()).Stringer("type", typ).Stringer("inode", ip).Msg("created inode")
	return ip, g, nil
}

func (u *Ufs) Create(path fspath.Path, typ kernfs.InodeType, p *proc.Proc, tx *filesystem.Tx, fn func(*filesystem.InodeGuard)) (*filesystem.RcInode, error) {
	ip, g, err := u.create(path, typ, p, tx)
	if err != nil {
		return nil, err
	}
	if fn != nil {
		fn(g)
	}
	g.Unlock()
	return ip, nil
}

// Link adds newname as another name for the non-directory oldname. On
// failure the link count of oldname is put back.
func (u *Ufs) Link(oldname, newname fspath.Path, p *proc.Proc, tx *filesystem.Tx) error {
	const op = "kernel.Ufs.Link"
	logger := util.GetLogger("Ufs.Link")

	ip, err := u.fs.Namei(oldname, p.Cwd(), tx)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	g := ip.Lock()
	if g.Type().IsDir() {
		g.Unlock()
		ip.Release(tx)
		return fmt.Errorf("%s: %q: %w", op, oldname, kernfs.ErrPermission)
	}
	g.SetNlink(g.Nlink() + 1)
	g.Update(tx)
	g.Unlock()

	if err := u.linkInto(newname, ip, p, tx); err != nil {
		g = ip.Lock()
		g.SetNlink(g.Nlink() - 1)
		g.Update(tx)
		g.Unlock()
		ip.Release(tx)
		logger.Debug().Err(err).Str("old", oldname.String()).Str("new", newname.String()).Msg("link undone")
		return fmt.Errorf("%s: %w", op, err)
	}
	ip.Release(tx)
	logger.Debug().Str("old", oldname.String()).Str("new", newname.String()).Msg("linked")
	return nil
}

// linkInto adds the final element of path as a name for ip.
func (u *Ufs) linkInto(path fspath.Path, ip *filesystem.RcInode, p *proc.Proc, tx *filesystem.Tx) error {
	dp, name, err := u.fs.NameiParent(path, p.Cwd(), tx)
	if err != nil {
		return err
	}
	dg := dp.Lock()
	defer dp.Release(tx)
	defer dg.Unlock()
	if dp.Dev() != ip.Dev() {
		return fmt.Errorf("%q on device %d, inode on device %d: %w", path, dp.Dev(), ip.Dev(), kernfs.ErrCrossDevice)
	}
	return dg.DirLink(name, ip.Inum(), tx)
}

// Unlink removes the directory entry named by path. Directories must be
// empty, and "." and ".." cannot be removed.
func (u *Ufs) Unlink(path fspath.Path, p *proc.Proc, tx *filesystem.Tx) error {
	const op = "kernel.Ufs.Unlink"
	logger := util.GetLogger("Ufs.Unlink")

	dp, name, err := u.fs.NameiParent(path, p.Cwd(), tx)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	dg := dp.Lock()

	if name.IsDot() || name.IsDotDot() {
		dg.Unlock()
		dp.Release(tx)
		return fmt.Errorf("%s: %q: %w", op, path, kernfs.ErrInvalidName)
	}

	ip, off, err := dg.DirLookup(name)
	if err != nil {
		dg.Unlock()
		dp.Release(tx)
		return fmt.Errorf("%s: %w", op, err)
	}
	g := ip.Lock()
	if g.Nlink() < 1 {
		panic(fmt.Sprintf("unlink: nlink < 1 on %s", ip))
	}
	if g.Type().IsDir() && !g.IsDirEmpty() {
		g.Unlock()
		ip.Release(tx)
		dg.Unlock()
		dp.Release(tx)
		return fmt.Errorf("%s: %q: %w", op, path, kernfs.ErrNotEmpty)
	}

	if err := dg.ClearDirent(off, tx); err != nil {
		panic(fmt.Sprintf("unlink: writei: %v", err))
	}
	if g.Type().IsDir() {
		dg.SetNlink(dg.Nlink() - 1)
		dg.Update(tx)
	}
	dg.Unlock()
	dp.Release(tx)

	g.SetNlink(g.Nlink() - 1)
	g.Update(tx)
	g.Unlock()
	ip.Release(tx)

	logger.Debug().Str("path", path.String()).Msg("unlinked")
	return nil
}

// Open binds a new descriptor in p to the file at path.
func (u *Ufs) Open(path fspath.Path, mode kernfs.OpenMode, p *proc.Proc, tx *filesystem.Tx) (int, error) {
	const op = "kernel.Ufs.Open"
	logger := util.GetLogger("Ufs.Open")

	var (
		ip  *filesystem.RcInode
		g   *filesystem.InodeGuard
		err error
	)
	if mode.Has(kernfs.O_CREATE) {
		ip, g, err = u.create(path, kernfs.File(), p, tx)
		if err != nil {
			return -1, fmt.Errorf("%s: %w", op, err)
		}
	} else {
		ip, err = u.fs.Namei(path, p.Cwd(), tx)
		if err != nil {
			return -1, fmt.Errorf("%s: %w", op, err)
		}
		g = ip.Lock()
		if g.Type().IsDir() && !mode.ReadOnly() {
			g.Unlock()
			ip.Release(tx)
			return -1, fmt.Errorf("%s: %q: %w", op, path, kernfs.ErrIsDir)
		}
	}

	typ := g.Type()
	var f *file.File
	if typ.IsDevice() {
		if _, ok := u.files.Devsw().Get(typ.Major); !ok {
			g.Unlock()
			ip.Release(tx)
			return -1, fmt.Errorf("%s: no driver for major %d: %w", op, typ.Major, kernfs.ErrExhausted)
		}
		f, err = u.files.OpenDevice(ip, typ.Major, mode.Readable(), mode.Writable())
	} else {
		f, err = u.files.OpenInode(ip, mode.Readable(), mode.Writable())
	}
	if err != nil {
		g.Unlock()
		ip.Release(tx)
		return -1, fmt.Errorf("%s: %w", op, err)
	}

	fd, err := p.FdAlloc(f)
	if err != nil {
		g.Unlock()
		f.CloseIn(tx)
		return -1, fmt.Errorf("%s: %w", op, err)
	}
	if mode.Has(kernfs.O_TRUNC) && typ.IsFile() {
		g.Truncate(tx)
	}
	g.Unlock()

	logger.Debug().Str("path", path.String()).Int("fd", fd).Int("pid", p.Pid).Msg("opened")
	return fd, nil
}

// Chdir makes the directory at path the working directory of p.
func (u *Ufs) Chdir(path fspath.Path, p *proc.Proc, tx *filesystem.Tx) error {
	const op = "kernel.Ufs.Chdir"

	ip, err := u.fs.Namei(path, p.Cwd(), tx)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	g := ip.Lock()
	if !g.Type().IsDir() {
		g.Unlock()
		ip.Release(tx)
		return fmt.Errorf("%s: %q: %w", op, path, kernfs.ErrNotDir)
	}
	g.Unlock()
	p.SetCwd(ip, tx)
	return nil
}
