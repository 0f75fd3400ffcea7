package file

import (
	"fmt"
	"sync"

	"github.com/brettbedarf/kernfs"
)

// Pipe is a fixed-size byte ring shared by one reading and one writing file.
type Pipe struct {
	mu        sync.Mutex
	cond      *sync.Cond
	buf       []byte
	nread     int
	nwrite    int
	readOpen  bool
	writeOpen bool
}

// NewPipe allocates a connected pair of files: the first reads, the
// second writes. Both count against the file table.
func (t *Table) NewPipe() (*File, *File, error) {
	p := &Pipe{buf: make([]byte, t.pipeSize), readOpen: true, writeOpen: true}
	p.cond = sync.NewCond(&p.mu)

	rf, err := t.alloc(KindPipe, true, false)
	if err != nil {
		return nil, nil, err
	}
	wf, err := t.alloc(KindPipe, false, true)
	if err != nil {
		rf.pipe = p
		rf.Close()
		return nil, nil, err
	}
	rf.pipe, wf.pipe = p, p
	return rf, wf, nil
}

// Write copies all of src into the pipe, blocking while it is full.
// A wait gives up with ErrInterrupted once killed, if not nil, reports
// true.
func (p *Pipe) Write(src []byte, killed func() bool) (int, error) {
	const op = "file.Pipe.Write"

	p.mu.Lock()
	defer p.mu.Unlock()
	for i := 0; i < len(src); i++ {
		for p.nwrite == p.nread+len(p.buf) {
			if !p.readOpen {
				return i, fmt.Errorf("%s: %w", op, kernfs.ErrBrokenPipe)
			}
			if killed != nil && killed() {
				return i, fmt.Errorf("%s: %w", op, kernfs.ErrInterrupted)
			}
			p.cond.Broadcast()
			p.cond.Wait()
		}
		if !p.readOpen {
			return i, fmt.Errorf("%s: %w", op, kernfs.ErrBrokenPipe)
		}
		p.buf[p.nwrite%len(p.buf)] = src[i]
		p.nwrite++
	}
	p.cond.Broadcast()
	return len(src), nil
}

// Read blocks until data is available or the write end is closed, then
// copies what it can into dst. It returns 0 at end of file. Like Write
// it stops waiting once killed reports true.
func (p *Pipe) Read(dst []byte, killed func() bool) (int, error) {
	const op = "file.Pipe.Read"

	p.mu.Lock()
	defer p.mu.Unlock()
	for p.nread == p.nwrite && p.writeOpen {
		if killed != nil && killed() {
			return 0, fmt.Errorf("%s: %w", op, kernfs.ErrInterrupted)
		}
		p.cond.Wait()
	}
	n := 0
	for n < len(dst) && p.nread < p.nwrite {
		dst[n] = p.buf[p.nread%len(p.buf)]
		p.nread++
		n++
	}
	p.cond.Broadcast()
	return n, nil
}

// Close shuts the writing end when writable is set, else the reading end.
func (p *Pipe) Close(writable bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if writable {
		p.writeOpen = false
	} else {
		p.readOpen = false
	}
	p.cond.Broadcast()
}

// Wake rouses every reader and writer waiting on the pipe so they
// recheck whether they were killed.
func (p *Pipe) Wake() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cond.Broadcast()
}

// Closed reports whether both ends are closed.
func (p *Pipe) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.readOpen && !p.writeOpen
}
