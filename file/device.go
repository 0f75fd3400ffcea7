package file

import (
	"fmt"
	"io"
	"sync"

	"github.com/brettbedarf/kernfs"
	"github.com/puzpuzpuz/xsync/v4"
)

// Well-known device majors.
const (
	ConsoleMajor uint16 = 1
	NullMajor    uint16 = 2
)

// Device is a character device driver.
type Device interface {
	Read(dst []byte) (int, error)
	Write(src []byte) (int, error)
}

// Devsw maps device majors to drivers. Majors range over [0, n).
type Devsw struct {
	n       int
	drivers *xsync.Map[uint16, Device]
}

func NewDevsw(n int) *Devsw {
	return &Devsw{n: n, drivers: xsync.NewMap[uint16, Device]()}
}

// Register installs dev as the driver for major, replacing any other.
func (d *Devsw) Register(major uint16, dev Device) error {
	const op = "file.Devsw.Register"

	if int(major) >= d.n {
		return fmt.Errorf("%s: major %d of %d: %w", op, major, d.n, kernfs.ErrExhausted)
	}
	d.drivers.Store(major, dev)
	return nil
}

// Get returns the driver for major, if any.
func (d *Devsw) Get(major uint16) (Device, bool) {
	return d.drivers.Load(major)
}

// Console is a device over a reader and a writer, such as a terminal.
type Console struct {
	mu sync.Mutex
	r  io.Reader
	w  io.Writer
}

func NewConsole(r io.Reader, w io.Writer) *Console {
	return &Console{r: r, w: w}
}

func (c *Console) Read(dst []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, err := c.r.Read(dst)
	if err == io.EOF {
		err = nil
	}
	return n, err
}

func (c *Console) Write(src []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.w.Write(src)
}

// Null discards writes and reads as empty.
type Null struct{}

func (Null) Read([]byte) (int, error)      { return 0, nil }
func (Null) Write(src []byte) (int, error) { return len(src), nil }
