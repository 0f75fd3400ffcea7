// Package proc holds the per-process state the file system syscalls
// use: the working directory, the descriptor table and user memory.
package proc

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/brettbedarf/kernfs"
	"github.com/brettbedarf/kernfs/file"
	"github.com/brettbedarf/kernfs/filesystem"
)

// Proc is one process. Its descriptor table has a fixed number of slots.
type Proc struct {
	Pid  int
	Name string
	Mem  Memory

	killed atomic.Bool
	mu     sync.Mutex
	cwd    *filesystem.RcInode
	ofile  []*file.File
}

// New creates a process with nofile descriptor slots. The process owns cwd.
func New(pid int, name string, cwd *filesystem.RcInode, nofile int, mem Memory) *Proc {
	return &Proc{
		Pid:   pid,
		Name:  name,
		Mem:   mem,
		cwd:   cwd,
		ofile: make([]*file.File, nofile),
	}
}

// Cwd returns the working directory. The process keeps ownership.
func (p *Proc) Cwd() *filesystem.RcInode {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cwd
}

// SetCwd makes ip the working directory and releases the previous one in tx.
func (p *Proc) SetCwd(ip *filesystem.RcInode, tx *filesystem.Tx) {
	p.mu.Lock()
	old := p.cwd
	p.cwd = ip
	p.mu.Unlock()
	if old != nil {
		old.Release(tx)
	}
}

// FdAlloc binds f to the lowest free descriptor. When every slot is in
// use it fails and f stays owned by the caller.
func (p *Proc) FdAlloc(f *file.File) (int, error) {
	const op = "proc.Proc.FdAlloc"

	p.mu.Lock()
	defer p.mu.Unlock()
	for fd, slot := range p.ofile {
		if slot == nil {
			p.ofile[fd] = f
			return fd, nil
		}
	}
	return -1, fmt.Errorf("%s: pid %d: %w", op, p.Pid, kernfs.ErrNoFD)
}

// File returns the file bound to fd.
func (p *Proc) File(fd int) (*file.File, error) {
	const op = "proc.Proc.File"

	p.mu.Lock()
	defer p.mu.Unlock()
	if fd < 0 || fd >= len(p.ofile) || p.ofile[fd] == nil {
		return nil, fmt.Errorf("%s: fd %d: %w", op, fd, kernfs.ErrBadFD)
	}
	return p.ofile[fd], nil
}

// Unbind clears fd and returns the file that was bound there. The
// caller takes over the descriptor's reference.
func (p *Proc) Unbind(fd int) (*file.File, error) {
	const op = "proc.Proc.Unbind"

	p.mu.Lock()
	defer p.mu.Unlock()
	if fd < 0 || fd >= len(p.ofile) || p.ofile[fd] == nil {
		return nil, fmt.Errorf("%s: fd %d: %w", op, fd, kernfs.ErrBadFD)
	}
	f := p.ofile[fd]
	p.ofile[fd] = nil
	return f, nil
}

// Fds lists the bound descriptors in increasing order.
func (p *Proc) Fds() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	var fds []int
	for fd, f := range p.ofile {
		if f != nil {
			fds = append(fds, fd)
		}
	}
	return fds
}

// Kill marks the process killed. Blocking calls it makes afterwards, or
// is woken from, give up with ErrInterrupted.
func (p *Proc) Kill() { p.killed.Store(true) }

func (p *Proc) Killed() bool { return p.killed.Load() }
