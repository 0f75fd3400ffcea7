// Package mount serves a kernel over FUSE. Every request runs as one
// kernel process, so the host sees the same name resolution, link
// counts and transactions a script does.
package mount

import (
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/brettbedarf/kernfs"
	"github.com/brettbedarf/kernfs/filesystem"
	"github.com/brettbedarf/kernfs/fspath"
	"github.com/brettbedarf/kernfs/internal/util"
	"github.com/brettbedarf/kernfs/kernel"
	"github.com/brettbedarf/kernfs/proc"
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/puzpuzpuz/xsync/v4"
	"golang.org/x/sys/unix"
)

// ProcName names the kernel process FUSE requests run as.
const ProcName = "fuse"

// dirChunk is how much directory content one read syscall asks for.
const dirChunk = 32 * filesystem.DirentSize

// FuseRaw implements the low-level FUSE wire protocol over a kernel.
// Node IDs are inode numbers; the root inode is FUSE's root node. The
// kernel only resolves paths, so FuseRaw remembers a path per node.
// See https://www.man7.org/linux//man-pages/man4/fuse.4.html
type FuseRaw struct {
	fuse.RawFileSystem
	k       *kernel.Kernel
	p       *proc.Proc
	owner   fuse.Owner
	timeout time.Duration
	paths   *xsync.Map[uint64, string]
	handles *xsync.Map[uint64, *handle]
	lastFh  atomic.Uint64
	server  *fuse.Server
}

// handle is an open file. Kernel descriptors only move forward, so the
// handle tracks the offset and reopens the file to rewind.
type handle struct {
	mu       sync.Mutex
	path     string
	mode     kernfs.OpenMode
	fd       int
	off      uint64
	seekable bool
}

// NewFuseRaw spawns the process requests run as. Close reaps it.
func NewFuseRaw(k *kernel.Kernel, timeout time.Duration) *FuseRaw {
	r := &FuseRaw{
		RawFileSystem: fuse.NewDefaultRawFileSystem(),
		k:             k,
		p:             k.Spawn(ProcName, proc.NewSliceMemory(0)),
		owner:         fuse.Owner{Uid: uint32(os.Getuid()), Gid: uint32(os.Getgid())},
		timeout:       timeout,
		paths:         xsync.NewMap[uint64, string](),
		handles:       xsync.NewMap[uint64, *handle](),
	}
	r.paths.Store(fuse.FUSE_ROOT_ID, "/")
	return r
}

// Close drops every handle still open and exits the process.
func (r *FuseRaw) Close() {
	r.handles.Clear()
	r.k.Exit(r.p)
}

func (r *FuseRaw) Init(s *fuse.Server) {
	logger := util.GetLogger("Fuse.Init")
	logger.Debug().Int("pid", r.p.Pid).Msg("FUSE initialized")
	r.server = s
}

func (r *FuseRaw) OnUnmount() {
	logger := util.GetLogger("Fuse.OnUnmount")
	logger.Info().Msg("FUSE unmounted")
}

func (r *FuseRaw) String() string {
	return "kernfs"
}

func status(err error) fuse.Status {
	return fuse.Status(kernfs.Errno(err))
}

func child(dir, name string) string {
	if dir == "/" {
		return "/" + name
	}
	return dir + "/" + name
}

func kpath(s string) (fspath.Path, fuse.Status) {
	p, err := fspath.NewPath([]byte(s))
	if err != nil {
		return fspath.Path{}, status(err)
	}
	return p, fuse.OK
}

func (r *FuseRaw) nodePath(nodeID uint64) (string, fuse.Status) {
	s, ok := r.paths.Load(nodeID)
	if !ok {
		return "", fuse.ENOENT
	}
	return s, fuse.OK
}

func (r *FuseRaw) stat(path string) (fuse.Attr, fuse.Status) {
	kp, st := kpath(path)
	if !st.Ok() {
		return fuse.Attr{}, st
	}
	attr, err := r.k.Stat(r.p, kp)
	if err != nil {
		return fuse.Attr{}, status(err)
	}
	attr.Owner = r.owner
	return attr, fuse.OK
}

// entry describes path in out and remembers it as the path of its node.
func (r *FuseRaw) entry(path string, out *fuse.EntryOut) fuse.Status {
	attr, st := r.stat(path)
	if !st.Ok() {
		return st
	}
	r.paths.Store(attr.Ino, path)
	out.NodeId = attr.Ino
	out.Attr = attr
	out.SetEntryTimeout(r.timeout)
	out.SetAttrTimeout(r.timeout)
	return fuse.OK
}

// Access allows everything: the kernel has no permission bits.
func (r *FuseRaw) Access(cancel <-chan struct{}, input *fuse.AccessIn) fuse.Status {
	_, st := r.nodePath(input.NodeId)
	return st
}

func (r *FuseRaw) Lookup(cancel <-chan struct{}, header *fuse.InHeader, name string, out *fuse.EntryOut) fuse.Status {
	dir, st := r.nodePath(header.NodeId)
	if !st.Ok() {
		return st
	}
	return r.entry(child(dir, name), out)
}

func (r *FuseRaw) GetAttr(cancel <-chan struct{}, input *fuse.GetAttrIn, out *fuse.AttrOut) fuse.Status {
	path, st := r.nodePath(input.NodeId)
	if !st.Ok() {
		return st
	}
	attr, st := r.stat(path)
	if !st.Ok() {
		return st
	}
	out.Attr = attr
	out.SetTimeout(r.timeout)
	return fuse.OK
}

// SetAttr supports truncation to zero, the only size change open can
// make. Mode, owner and time changes are accepted and ignored.
func (r *FuseRaw) SetAttr(cancel <-chan struct{}, input *fuse.SetAttrIn, out *fuse.AttrOut) fuse.Status {
	path, st := r.nodePath(input.NodeId)
	if !st.Ok() {
		return st
	}
	attr, st := r.stat(path)
	if !st.Ok() {
		return st
	}
	if size, ok := input.GetSize(); ok && size != attr.Size {
		if size != 0 {
			return fuse.Status(syscall.EOPNOTSUPP)
		}
		kp, _ := kpath(path)
		fd, err := r.k.Open(r.p, kp, kernfs.O_WRONLY|kernfs.O_TRUNC)
		if err != nil {
			return status(err)
		}
		r.k.Close(r.p, fd) // nolint:errcheck
		if attr, st = r.stat(path); !st.Ok() {
			return st
		}
	}
	out.Attr = attr
	out.SetTimeout(r.timeout)
	return fuse.OK
}

func (r *FuseRaw) Mkdir(cancel <-chan struct{}, input *fuse.MkdirIn, name string, out *fuse.EntryOut) fuse.Status {
	dir, st := r.nodePath(input.NodeId)
	if !st.Ok() {
		return st
	}
	path := child(dir, name)
	kp, st := kpath(path)
	if !st.Ok() {
		return st
	}
	if err := r.k.Mkdir(r.p, kp); err != nil {
		return status(err)
	}
	return r.entry(path, out)
}

// Mknod makes character devices and regular files. Other node types
// have no inode kind to live in.
func (r *FuseRaw) Mknod(cancel <-chan struct{}, input *fuse.MknodIn, name string, out *fuse.EntryOut) fuse.Status {
	dir, st := r.nodePath(input.NodeId)
	if !st.Ok() {
		return st
	}
	path := child(dir, name)
	kp, st := kpath(path)
	if !st.Ok() {
		return st
	}
	switch input.Mode & syscall.S_IFMT {
	case syscall.S_IFCHR:
		major, minor := unix.Major(uint64(input.Rdev)), unix.Minor(uint64(input.Rdev))
		if major > 0xffff || minor > 0xffff {
			return fuse.EINVAL
		}
		if err := r.k.Mknod(r.p, kp, uint16(major), uint16(minor)); err != nil {
			return status(err)
		}
	case syscall.S_IFREG, 0:
		fd, err := r.k.Open(r.p, kp, kernfs.O_CREATE|kernfs.O_RDONLY)
		if err != nil {
			return status(err)
		}
		r.k.Close(r.p, fd) // nolint:errcheck
	default:
		return fuse.Status(syscall.EPERM)
	}
	return r.entry(path, out)
}

func (r *FuseRaw) Unlink(cancel <-chan struct{}, header *fuse.InHeader, name string) fuse.Status {
	dir, st := r.nodePath(header.NodeId)
	if !st.Ok() {
		return st
	}
	kp, st := kpath(child(dir, name))
	if !st.Ok() {
		return st
	}
	return status(r.k.Unlink(r.p, kp))
}

// Rmdir is Unlink: the kernel refuses to unlink a non-empty directory.
func (r *FuseRaw) Rmdir(cancel <-chan struct{}, header *fuse.InHeader, name string) fuse.Status {
	return r.Unlink(cancel, header, name)
}

func (r *FuseRaw) Link(cancel <-chan struct{}, input *fuse.LinkIn, name string, out *fuse.EntryOut) fuse.Status {
	oldpath, st := r.nodePath(input.Oldnodeid)
	if !st.Ok() {
		return st
	}
	dir, st := r.nodePath(input.NodeId)
	if !st.Ok() {
		return st
	}
	newpath := child(dir, name)
	oldname, st := kpath(oldpath)
	if !st.Ok() {
		return st
	}
	newname, st := kpath(newpath)
	if !st.Ok() {
		return st
	}
	if err := r.k.Link(r.p, oldname, newname); err != nil {
		return status(err)
	}
	return r.entry(newpath, out)
}

// openMode converts open(2) flags. A writable handle is opened for
// reading too so it can skip forward to a write offset.
func openMode(flags uint32) kernfs.OpenMode {
	var mode kernfs.OpenMode
	switch flags & syscall.O_ACCMODE {
	case syscall.O_WRONLY, syscall.O_RDWR:
		mode = kernfs.O_RDWR
	default:
		mode = kernfs.O_RDONLY
	}
	if flags&syscall.O_TRUNC != 0 {
		mode |= kernfs.O_TRUNC
	}
	return mode
}

func (r *FuseRaw) open(path string, mode kernfs.OpenMode) (uint64, *handle, fuse.Status) {
	kp, st := kpath(path)
	if !st.Ok() {
		return 0, nil, st
	}
	fd, err := r.k.Open(r.p, kp, mode)
	if err != nil {
		return 0, nil, status(err)
	}
	attr, err := r.k.Fstat(r.p, fd)
	if err != nil {
		r.k.Close(r.p, fd) // nolint:errcheck
		return 0, nil, status(err)
	}
	h := &handle{
		path:     path,
		mode:     mode &^ (kernfs.O_TRUNC | kernfs.O_CREATE),
		fd:       fd,
		seekable: attr.Mode&syscall.S_IFMT != syscall.S_IFCHR,
	}
	fh := r.lastFh.Add(1)
	r.handles.Store(fh, h)
	return fh, h, fuse.OK
}

func (r *FuseRaw) Create(cancel <-chan struct{}, input *fuse.CreateIn, name string, out *fuse.CreateOut) fuse.Status {
	dir, st := r.nodePath(input.NodeId)
	if !st.Ok() {
		return st
	}
	path := child(dir, name)
	fh, h, st := r.open(path, openMode(input.Flags)|kernfs.O_CREATE)
	if !st.Ok() {
		return st
	}
	if st := r.entry(path, &out.EntryOut); !st.Ok() {
		r.release(fh)
		return st
	}
	out.OpenOut.Fh = fh
	if !h.seekable {
		out.OpenOut.OpenFlags = fuse.FOPEN_DIRECT_IO
	}
	return fuse.OK
}

func (r *FuseRaw) Open(cancel <-chan struct{}, input *fuse.OpenIn, out *fuse.OpenOut) fuse.Status {
	path, st := r.nodePath(input.NodeId)
	if !st.Ok() {
		return st
	}
	fh, h, st := r.open(path, openMode(input.Flags))
	if !st.Ok() {
		return st
	}
	out.Fh = fh
	if !h.seekable {
		out.OpenFlags = fuse.FOPEN_DIRECT_IO
	}
	return fuse.OK
}

// seek moves h to off. Past the end of the file it stops at the end.
func (r *FuseRaw) seek(h *handle, off uint64) error {
	if !h.seekable || off == h.off {
		return nil
	}
	if off < h.off {
		kp, err := fspath.NewPath([]byte(h.path))
		if err != nil {
			return err
		}
		fd, err := r.k.Open(r.p, kp, h.mode)
		if err != nil {
			return err
		}
		r.k.Close(r.p, h.fd) // nolint:errcheck
		h.fd, h.off = fd, 0
	}
	buf := make([]byte, min(off-h.off, dirChunk))
	for h.off < off {
		n, err := r.k.Read(r.p, h.fd, buf[:min(uint64(len(buf)), off-h.off)])
		if err != nil {
			return err
		}
		if n == 0 {
			break
		}
		h.off += uint64(n)
	}
	return nil
}

func (r *FuseRaw) Read(cancel <-chan struct{}, input *fuse.ReadIn, buf []byte) (fuse.ReadResult, fuse.Status) {
	h, ok := r.handles.Load(input.Fh)
	if !ok {
		return nil, fuse.Status(syscall.EBADF)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := r.seek(h, input.Offset); err != nil {
		return nil, status(err)
	}
	if h.seekable && h.off < input.Offset {
		return fuse.ReadResultData(nil), fuse.OK
	}
	n, err := r.k.Read(r.p, h.fd, buf[:min(len(buf), int(input.Size))])
	if err != nil {
		return nil, status(err)
	}
	h.off += uint64(n)
	return fuse.ReadResultData(buf[:n]), fuse.OK
}

func (r *FuseRaw) Write(cancel <-chan struct{}, input *fuse.WriteIn, data []byte) (uint32, fuse.Status) {
	h, ok := r.handles.Load(input.Fh)
	if !ok {
		return 0, fuse.Status(syscall.EBADF)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := r.seek(h, input.Offset); err != nil {
		return 0, status(err)
	}
	if h.seekable && h.off < input.Offset {
		return 0, fuse.EINVAL
	}
	n, err := r.k.Write(r.p, h.fd, data)
	h.off += uint64(n)
	if err != nil && n == 0 {
		return 0, status(err)
	}
	return uint32(n), fuse.OK
}

func (r *FuseRaw) release(fh uint64) {
	if h, ok := r.handles.LoadAndDelete(fh); ok {
		h.mu.Lock()
		r.k.Close(r.p, h.fd) // nolint:errcheck
		h.mu.Unlock()
	}
}

func (r *FuseRaw) Release(cancel <-chan struct{}, input *fuse.ReleaseIn) {
	r.release(input.Fh)
}

func (r *FuseRaw) OpenDir(cancel <-chan struct{}, input *fuse.OpenIn, out *fuse.OpenOut) fuse.Status {
	path, st := r.nodePath(input.NodeId)
	if !st.Ok() {
		return st
	}
	attr, st := r.stat(path)
	if !st.Ok() {
		return st
	}
	if attr.Mode&syscall.S_IFMT != syscall.S_IFDIR {
		return fuse.ENOTDIR
	}
	return fuse.OK
}

// readDir reads the raw content of the directory at path the way a
// process would, through a read-only descriptor.
func (r *FuseRaw) readDir(path string) ([]filesystem.Dirent, fuse.Status) {
	kp, st := kpath(path)
	if !st.Ok() {
		return nil, st
	}
	fd, err := r.k.Open(r.p, kp, kernfs.O_RDONLY)
	if err != nil {
		return nil, status(err)
	}
	defer r.k.Close(r.p, fd) // nolint:errcheck

	var raw []byte
	buf := make([]byte, dirChunk)
	for {
		n, err := r.k.Read(r.p, fd, buf)
		if err != nil {
			return nil, status(err)
		}
		if n == 0 {
			break
		}
		raw = append(raw, buf[:n]...)
	}
	return filesystem.DecodeDirents(raw), fuse.OK
}

// listDir hands add the entries of the directory from the index in
// input.Offset on, until add reports the reply is full. The list numbers
// each added entry with the next offset, so entry i is resumed from
// offset i+1.
func (r *FuseRaw) listDir(input *fuse.ReadIn, add func(dir string, e fuse.DirEntry) bool) fuse.Status {
	logger := util.GetLogger("Fuse.ReadDir")
	dir, st := r.nodePath(input.NodeId)
	if !st.Ok() {
		return st
	}
	ents, st := r.readDir(dir)
	if !st.Ok() {
		return st
	}
	for i := int(input.Offset); i < len(ents); i++ {
		de := ents[i]
		name := de.FileName().String()
		mode := uint32(syscall.S_IFDIR)
		if name != "." && name != ".." {
			// A vanished entry is listed with an unknown type; skipping
			// it would shift the offsets of the rest.
			attr, st := r.stat(child(dir, name))
			if !st.Ok() {
				logger.Debug().Str("dir", dir).Str("name", name).Msg("entry vanished")
			}
			mode = attr.Mode
		}
		if !add(dir, fuse.DirEntry{Name: name, Ino: uint64(de.Inum), Mode: mode}) {
			break
		}
	}
	return fuse.OK
}

func (r *FuseRaw) ReadDir(cancel <-chan struct{}, input *fuse.ReadIn, out *fuse.DirEntryList) fuse.Status {
	return r.listDir(input, func(_ string, e fuse.DirEntry) bool {
		return out.AddDirEntry(e)
	})
}

// ReadDirPlus also looks each entry up. The dot entries are left without
// a lookup so the host makes no dentries for them.
func (r *FuseRaw) ReadDirPlus(cancel <-chan struct{}, input *fuse.ReadIn, out *fuse.DirEntryList) fuse.Status {
	return r.listDir(input, func(dir string, e fuse.DirEntry) bool {
		eo := out.AddDirLookupEntry(e)
		if eo == nil {
			return false
		}
		if e.Name != "." && e.Name != ".." {
			r.entry(child(dir, e.Name), eo)
		}
		return true
	})
}

func (r *FuseRaw) ReleaseDir(input *fuse.ReleaseIn) {}
