package filesystem

import (
	"testing"

	"github.com/brettbedarf/kernfs"
	"github.com/brettbedarf/kernfs/fspath"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// tree builds /d/f and /d/e/ and returns the handles to release.
func tree(t *testing.T, fs *FileSystem) (root, d, f, e *RcInode) {
	t.Helper()
	root = fs.Root(kernfs.RootDev)
	d = mkdirAt(t, fs, root, "d")
	f = mkfileAt(t, fs, d, "f")
	e = mkdirAt(t, fs, d, "e")
	return root, d, f, e
}

func TestNamei(t *testing.T) {
	t.Parallel()

	fs := newTestFS(t, nil)
	root, d, f, e := tree(t, fs)
	baseline := fs.Itable().Cached()

	tests := []struct {
		path string
		cwd  *RcInode
		want *RcInode
	}{
		{"/", root, root},
		{"/d/f", root, f},
		{"//d///f", e, f},
		{"f", d, f},
		{"e/..", d, d},
		{"./e/../f", d, f},
		{"..", d, root},
		{"/..", d, root},
		{"", d, d},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			tx := fs.BeginTx()
			defer tx.End()

			ip, err := fs.Namei(fspath.MustPath(tt.path), tt.cwd, tx)
			require.NoError(t, err)
			assert.True(t, ip.Same(tt.want), "got inode %s", ip)
			ip.Release(tx)
		})
	}
	assert.Equal(t, baseline, fs.Itable().Cached(), "resolution must not leak references")

	release(fs, e, f, d, root)
}

func TestNamei_Errors(t *testing.T) {
	t.Parallel()

	fs := newTestFS(t, nil)
	root, d, f, e := tree(t, fs)
	baseline := fs.Itable().Cached()

	tests := []struct {
		path string
		want error
	}{
		{"/missing", kernfs.ErrNotFound},
		{"/d/missing/x", kernfs.ErrNotFound},
		{"/d/f/x", kernfs.ErrNotDir},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			tx := fs.BeginTx()
			defer tx.End()

			ip, err := fs.Namei(fspath.MustPath(tt.path), root, tx)
			require.ErrorIs(t, err, tt.want)
			assert.Nil(t, ip)
		})
	}
	assert.Equal(t, baseline, fs.Itable().Cached(), "failed resolution must release every reference")

	release(fs, e, f, d, root)
}

func TestNameiParent(t *testing.T) {
	t.Parallel()

	fs := newTestFS(t, nil)
	root, d, f, e := tree(t, fs)
	baseline := fs.Itable().Cached()

	tx := fs.BeginTx()
	parent, name, err := fs.NameiParent(fspath.MustPath("/d/f"), root, tx)
	require.NoError(t, err)
	assert.True(t, parent.Same(d))
	assert.Equal(t, "f", name.String())
	parent.Release(tx)

	parent, name, err = fs.NameiParent(fspath.MustPath("/d/nonexistent"), root, tx)
	require.NoError(t, err, "the final element need not exist")
	assert.True(t, parent.Same(d))
	assert.Equal(t, "nonexistent", name.String())
	parent.Release(tx)

	parent, name, err = fs.NameiParent(fspath.MustPath("e"), d, tx)
	require.NoError(t, err)
	assert.True(t, parent.Same(d))
	assert.Equal(t, "e", name.String())
	parent.Release(tx)

	for _, p := range []string{"/", "///", ""} {
		parent, _, err = fs.NameiParent(fspath.MustPath(p), d, tx)
		require.ErrorIs(t, err, kernfs.ErrNotFound, "path %q has no final element", p)
		assert.Nil(t, parent)
	}

	_, _, err = fs.NameiParent(fspath.MustPath("/d/f/x"), root, tx)
	require.ErrorIs(t, err, kernfs.ErrNotDir)
	tx.End()

	assert.Equal(t, baseline, fs.Itable().Cached())
	release(fs, e, f, d, root)
}
