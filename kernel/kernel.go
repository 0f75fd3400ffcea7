package kernel

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/brettbedarf/kernfs"
	"github.com/brettbedarf/kernfs/config"
	"github.com/brettbedarf/kernfs/file"
	"github.com/brettbedarf/kernfs/filesystem"
	"github.com/brettbedarf/kernfs/fspath"
	"github.com/brettbedarf/kernfs/internal/util"
	"github.com/brettbedarf/kernfs/proc"
	"github.com/brettbedarf/kernfs/store"
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/puzpuzpuz/xsync/v4"
)

// Kernel is the syscall layer. Each mutating call runs in its own
// transaction on the configured backend.
type Kernel struct {
	cfg     *config.Config
	fs      *filesystem.FileSystem
	backend Backend
	files   *file.Table
	procs   *xsync.Map[int, *proc.Proc]
	lastPid atomic.Int64
}

// New boots a kernel over st with the backend cfg names in reg. The
// root device is formatted if blank and the null device is registered.
func New(cfg *config.Config, st store.Store, reg *Registry) (*Kernel, error) {
	const op = "kernel.New"
	logger := util.GetLogger("Kernel.New")

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	factory, err := reg.Get(cfg.Backend)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	fs := filesystem.NewFS(cfg, st)
	devsw := file.NewDevsw(cfg.NDev)
	if err := devsw.Register(file.NullMajor, file.Null{}); err != nil {
		logger.Warn().Err(err).Msg("null device not registered")
	}
	// Each chunk rewrites one inode record; keep a chunk well inside
	// what a single transaction may carry.
	writeChunk := max(1, (cfg.MaxOpBlocks-4)/2) * 1024
	files := file.NewTable(cfg.NFile, fs, devsw, cfg.PipeSize, writeChunk)

	k := &Kernel{
		cfg:     cfg,
		fs:      fs,
		backend: factory(fs, files),
		files:   files,
		procs:   xsync.NewMap[int, *proc.Proc](),
	}
	if err := k.backend.Init(kernfs.RootDev); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	logger.Info().Str("backend", cfg.Backend).Msg("kernel booted")
	return k, nil
}

func (k *Kernel) Config() *config.Config          { return k.cfg }
func (k *Kernel) FS() *filesystem.FileSystem      { return k.fs }
func (k *Kernel) Backend() Backend                { return k.backend }
func (k *Kernel) Files() *file.Table              { return k.files }
func (k *Kernel) Devsw() *file.Devsw              { return k.files.Devsw() }
func (k *Kernel) Proc(pid int) (*proc.Proc, bool) { return k.procs.Load(pid) }

// Spawn creates a process whose working directory is the root.
func (k *Kernel) Spawn(name string, mem proc.Memory) *proc.Proc {
	pid := int(k.lastPid.Add(1))
	p := proc.New(pid, name, k.backend.Root(), k.cfg.NOFile, mem)
	k.procs.Store(pid, p)
	return p
}

// Exit closes every descriptor of p and drops its working directory.
func (k *Kernel) Exit(p *proc.Proc) {
	for _, fd := range p.Fds() {
		if f, err := p.Unbind(fd); err == nil {
			f.Close()
		}
	}
	tx := k.backend.BeginTx()
	p.SetCwd(nil, tx)
	tx.End()
	k.procs.Delete(p.Pid)
}

// Kill marks p killed and wakes any pipe read or write it is blocked
// in. The process still has to be reaped with Exit.
func (k *Kernel) Kill(p *proc.Proc) {
	p.Kill()
	for _, fd := range p.Fds() {
		if f, err := p.File(fd); err == nil {
			f.Wake()
		}
	}
	logger := util.GetLogger("Kernel.Kill")
	logger.Debug().Int("pid", p.Pid).Msg("killed")
}

// Open opens path and returns the new descriptor.
func (k *Kernel) Open(p *proc.Proc, path fspath.Path, mode kernfs.OpenMode) (int, error) {
	tx := k.backend.BeginTx()
	defer tx.End()
	return k.backend.Open(path, mode, p, tx)
}

// Mkdir creates a directory at path.
func (k *Kernel) Mkdir(p *proc.Proc, path fspath.Path) error {
	return k.mknode(p, path, kernfs.Dir())
}

// Mknod creates a device inode at path.
func (k *Kernel) Mknod(p *proc.Proc, path fspath.Path, major, minor uint16) error {
	return k.mknode(p, path, kernfs.Device(major, minor))
}

func (k *Kernel) mknode(p *proc.Proc, path fspath.Path, typ kernfs.InodeType) error {
	tx := k.backend.BeginTx()
	defer tx.End()
	ip, err := k.backend.Create(path, typ, p, tx, nil)
	if err != nil {
		return err
	}
	ip.Release(tx)
	return nil
}

func (k *Kernel) Chdir(p *proc.Proc, path fspath.Path) error {
	tx := k.backend.BeginTx()
	defer tx.End()
	return k.backend.Chdir(path, p, tx)
}

func (k *Kernel) Link(p *proc.Proc, oldname, newname fspath.Path) error {
	tx := k.backend.BeginTx()
	defer tx.End()
	return k.backend.Link(oldname, newname, p, tx)
}

func (k *Kernel) Unlink(p *proc.Proc, path fspath.Path) error {
	tx := k.backend.BeginTx()
	defer tx.End()
	return k.backend.Unlink(path, p, tx)
}

// Pipe creates a pipe and writes its read and write descriptors to user
// memory at fdarray as two little-endian int32s. On failure no
// descriptor stays bound and both ends are closed.
func (k *Kernel) Pipe(p *proc.Proc, fdarray uint64) error {
	const op = "kernel.Kernel.Pipe"
	logger := util.GetLogger("Kernel.Pipe")

	rf, wf, err := k.files.NewPipe()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	fd0, err := p.FdAlloc(rf)
	if err != nil {
		rf.Close()
		wf.Close()
		return fmt.Errorf("%s: %w", op, err)
	}
	fd1, err := p.FdAlloc(wf)
	if err != nil {
		p.Unbind(fd0) // nolint:errcheck
		rf.Close()
		wf.Close()
		return fmt.Errorf("%s: %w", op, err)
	}

	var fds [8]byte
	binary.LittleEndian.PutUint32(fds[0:], uint32(int32(fd0)))
	binary.LittleEndian.PutUint32(fds[4:], uint32(int32(fd1)))
	err = p.Mem.CopyOut(fdarray, fds[0:4])
	if err == nil {
		err = p.Mem.CopyOut(fdarray+4, fds[4:8])
	}
	if err != nil {
		p.Unbind(fd0) // nolint:errcheck
		p.Unbind(fd1) // nolint:errcheck
		rf.Close()
		wf.Close()
		if !errors.Is(err, kernfs.ErrFault) {
			err = fmt.Errorf("%w: %w", kernfs.ErrFault, err)
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	logger.Debug().Int("pid", p.Pid).Int("read", fd0).Int("write", fd1).Msg("pipe created")
	return nil
}

// Dup binds a second descriptor to the file behind fd.
func (k *Kernel) Dup(p *proc.Proc, fd int) (int, error) {
	f, err := p.File(fd)
	if err != nil {
		return -1, err
	}
	f = f.Dup()
	nfd, err := p.FdAlloc(f)
	if err != nil {
		f.Close()
		return -1, err
	}
	return nfd, nil
}

// Close unbinds fd and drops its reference to the file.
func (k *Kernel) Close(p *proc.Proc, fd int) error {
	f, err := p.Unbind(fd)
	if err != nil {
		return err
	}
	f.Close()
	return nil
}

func (k *Kernel) Read(p *proc.Proc, fd int, dst []byte) (int, error) {
	f, err := p.File(fd)
	if err != nil {
		return -1, err
	}
	return f.ReadKillable(dst, p.Killed)
}

func (k *Kernel) Write(p *proc.Proc, fd int, src []byte) (int, error) {
	f, err := p.File(fd)
	if err != nil {
		return -1, err
	}
	return f.WriteKillable(src, p.Killed)
}

// Stat describes the inode path names without opening it, so devices
// with no driver can be described too.
func (k *Kernel) Stat(p *proc.Proc, path fspath.Path) (fuse.Attr, error) {
	tx := k.backend.BeginTx()
	defer tx.End()
	ip, err := k.backend.Namei(path, p, tx)
	if err != nil {
		return fuse.Attr{}, err
	}
	defer ip.Release(tx)
	g := ip.Lock()
	defer g.Unlock()
	return g.Stat(), nil
}

func (k *Kernel) Fstat(p *proc.Proc, fd int) (fuse.Attr, error) {
	f, err := p.File(fd)
	if err != nil {
		return fuse.Attr{}, err
	}
	return f.Stat()
}
