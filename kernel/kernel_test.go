package kernel

import (
	"testing"

	"github.com/brettbedarf/kernfs"
	"github.com/brettbedarf/kernfs/config"
	"github.com/brettbedarf/kernfs/filesystem"
	"github.com/brettbedarf/kernfs/fspath"
	"github.com/brettbedarf/kernfs/proc"
	"github.com/brettbedarf/kernfs/store"
	"github.com/stretchr/testify/require"
)

// newTestKernel boots a kernel on a memory store and spawns one process.
func newTestKernel(t *testing.T, override *config.ConfigOverride) (*Kernel, *proc.Proc) {
	t.Helper()
	k, err := New(config.NewConfig(override), store.NewMem(), NewDefaultRegistry())
	require.NoError(t, err)
	return k, k.Spawn("test", proc.NewSliceMemory(64))
}

func path(s string) fspath.Path { return fspath.MustPath(s) }

// createFile makes an empty regular file at s.
func createFile(t *testing.T, k *Kernel, p *proc.Proc, s string) {
	t.Helper()
	fd, err := k.Open(p, path(s), kernfs.O_CREATE|kernfs.O_RDWR)
	require.NoError(t, err)
	require.NoError(t, k.Close(p, fd))
}

// lookup resolves s and locks the result for fn.
func lookup(t *testing.T, k *Kernel, p *proc.Proc, s string, fn func(g *filesystem.InodeGuard)) {
	t.Helper()
	tx := k.Backend().BeginTx()
	defer tx.End()
	ip, err := k.Backend().Namei(path(s), p, tx)
	require.NoError(t, err)
	g := ip.Lock()
	fn(g)
	g.Unlock()
	ip.Release(tx)
}

func nlink(t *testing.T, k *Kernel, p *proc.Proc, s string) int16 {
	t.Helper()
	var n int16
	lookup(t, k, p, s, func(g *filesystem.InodeGuard) { n = g.Nlink() })
	return n
}

func inum(t *testing.T, k *Kernel, p *proc.Proc, s string) uint32 {
	t.Helper()
	var n uint32
	lookup(t, k, p, s, func(g *filesystem.InodeGuard) { n = g.Inum() })
	return n
}

func entryNames(t *testing.T, k *Kernel, p *proc.Proc, s string) []string {
	t.Helper()
	var out []string
	lookup(t, k, p, s, func(g *filesystem.InodeGuard) {
		for _, de := range g.Entries() {
			out = append(out, de.FileName().String())
		}
	})
	return out
}

func exists(k *Kernel, p *proc.Proc, s string) bool {
	tx := k.Backend().BeginTx()
	defer tx.End()
	ip, err := k.Backend().Namei(path(s), p, tx)
	if err != nil {
		return false
	}
	ip.Release(tx)
	return true
}

// requireNoLeaks checks that only the processes' working directories
// are still referenced.
func requireNoLeaks(t *testing.T, k *Kernel, cached int) {
	t.Helper()
	require.Equal(t, cached, k.FS().Itable().Cached(), "inode references leaked")
	require.Equal(t, 0, k.Files().Open(), "file objects leaked")
}
