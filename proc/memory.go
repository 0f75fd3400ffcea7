package proc

import (
	"fmt"
	"sync"

	"github.com/brettbedarf/kernfs"
)

// Memory is a process's user address space as seen by syscalls.
type Memory interface {
	CopyOut(addr uint64, src []byte) error
	CopyIn(dst []byte, addr uint64) error
}

// SliceMemory is a flat user address space starting at address 0.
type SliceMemory struct {
	mu  sync.Mutex
	buf []byte
}

var _ Memory = (*SliceMemory)(nil)

func NewSliceMemory(size int) *SliceMemory {
	return &SliceMemory{buf: make([]byte, size)}
}

func (m *SliceMemory) bounds(addr uint64, n int) (int, int, error) {
	end := addr + uint64(n)
	if end < addr || end > uint64(len(m.buf)) {
		return 0, 0, fmt.Errorf("[%#x, %#x) outside %d byte space: %w", addr, end, len(m.buf), kernfs.ErrFault)
	}
	return int(addr), int(end), nil
}

func (m *SliceMemory) CopyOut(addr uint64, src []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	lo, hi, err := m.bounds(addr, len(src))
	if err != nil {
		return err
	}
	copy(m.buf[lo:hi], src)
	return nil
}

func (m *SliceMemory) CopyIn(dst []byte, addr uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	lo, hi, err := m.bounds(addr, len(dst))
	if err != nil {
		return err
	}
	copy(dst, m.buf[lo:hi])
	return nil
}
