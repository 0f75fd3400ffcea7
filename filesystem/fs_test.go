package filesystem

import (
	"testing"

	"github.com/brettbedarf/kernfs"
	"github.com/brettbedarf/kernfs/config"
	"github.com/brettbedarf/kernfs/fspath"
	"github.com/brettbedarf/kernfs/internal/util"
	"github.com/brettbedarf/kernfs/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestFS returns a formatted file system over a memory store.
func newTestFS(t *testing.T, override *config.ConfigOverride) *FileSystem {
	t.Helper()
	fs := NewFS(config.NewConfig(override), store.NewMem())
	formatted, err := fs.Format(kernfs.RootDev)
	require.NoError(t, err)
	require.True(t, formatted)
	return fs
}

// mkdirAt creates directory name under parent the way the kernel does.
func mkdirAt(t *testing.T, fs *FileSystem, parent *RcInode, name string) *RcInode {
	t.Helper()
	tx := fs.BeginTx()
	defer tx.End()

	ip, err := fs.Itable().Alloc(parent.Dev(), kernfs.Dir(), tx)
	require.NoError(t, err)
	dg := parent.Lock()
	g := ip.Lock()
	g.SetNlink(1)
	g.Update(tx)
	dg.SetNlink(dg.Nlink() + 1)
	dg.Update(tx)
	require.NoError(t, g.DirLink(fspath.Name("."), ip.Inum(), tx))
	require.NoError(t, g.DirLink(fspath.Name(".."), parent.Inum(), tx))
	require.NoError(t, dg.DirLink(fspath.Name(name), ip.Inum(), tx))
	g.Unlock()
	dg.Unlock()
	return ip
}

// mkfileAt creates an empty regular file name under parent.
func mkfileAt(t *testing.T, fs *FileSystem, parent *RcInode, name string) *RcInode {
	t.Helper()
	tx := fs.BeginTx()
	defer tx.End()

	ip, err := fs.Itable().Alloc(parent.Dev(), kernfs.File(), tx)
	require.NoError(t, err)
	dg := parent.Lock()
	g := ip.Lock()
	g.SetNlink(1)
	g.Update(tx)
	require.NoError(t, dg.DirLink(fspath.Name(name), ip.Inum(), tx))
	g.Unlock()
	dg.Unlock()
	return ip
}

func release(fs *FileSystem, handles ...*RcInode) {
	tx := fs.BeginTx()
	defer tx.End()
	for _, h := range handles {
		h.Release(tx)
	}
}

func TestFormat(t *testing.T) {
	t.Parallel()

	fs := newTestFS(t, nil)
	again, err := fs.Format(kernfs.RootDev)
	require.NoError(t, err)
	assert.False(t, again, "formatting twice must keep the existing root")

	root := fs.Root(kernfs.RootDev)
	g := root.Lock()
	assert.Equal(t, kernfs.Dir(), g.Type())
	assert.Equal(t, int16(1), g.Nlink())
	entries := g.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, ".", entries[0].FileName().String())
	assert.Equal(t, uint16(kernfs.RootIno), entries[0].Inum)
	assert.Equal(t, "..", entries[1].FileName().String())
	assert.Equal(t, uint16(kernfs.RootIno), entries[1].Inum)
	g.Unlock()
	release(fs, root)
	assert.Equal(t, 0, fs.Itable().Cached())
}

func TestFormat_NoRoomForRoot(t *testing.T) {
	t.Parallel()

	fs := NewFS(config.NewConfig(&config.ConfigOverride{NInode: util.Pointer(1)}), store.NewMem())
	_, err := fs.Format(kernfs.RootDev)
	require.ErrorIs(t, err, kernfs.ErrExhausted)
}

func TestFormat_SecondDevice(t *testing.T) {
	t.Parallel()

	fs := newTestFS(t, nil)
	formatted, err := fs.Format(2)
	require.NoError(t, err)
	require.True(t, formatted)

	root2 := fs.Root(2)
	sub := mkdirAt(t, fs, root2, "sub")
	assert.Equal(t, uint32(2), sub.Dev(), "inodes are allocated on the parent's device")
	release(fs, sub, root2)
}
