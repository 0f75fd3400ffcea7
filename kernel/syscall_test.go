package kernel

import (
	"bytes"
	"encoding/binary"
	"errors"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/brettbedarf/kernfs"
	"github.com/brettbedarf/kernfs/config"
	"github.com/brettbedarf/kernfs/file"
	"github.com/brettbedarf/kernfs/filesystem"
	"github.com/brettbedarf/kernfs/internal/mocks"
	"github.com/brettbedarf/kernfs/internal/util"
	"github.com/brettbedarf/kernfs/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestPipe(t *testing.T) {
	t.Parallel()

	k, p := newTestKernel(t, nil)
	require.NoError(t, k.Pipe(p, 8))

	var fds [8]byte
	require.NoError(t, p.Mem.CopyIn(fds[:], 8))
	rfd := int(int32(binary.LittleEndian.Uint32(fds[0:])))
	wfd := int(int32(binary.LittleEndian.Uint32(fds[4:])))
	assert.Equal(t, []int{rfd, wfd}, p.Fds())

	n, err := k.Write(p, wfd, []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	require.NoError(t, k.Close(p, wfd))

	buf := make([]byte, 16)
	n, err = k.Read(p, rfd, buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf[:n]))
	n, err = k.Read(p, rfd, buf)
	require.NoError(t, err)
	assert.Zero(t, n, "closed write end reads as end of file")

	_, err = k.Fstat(p, rfd)
	require.ErrorIs(t, err, kernfs.ErrInvalid)
	require.NoError(t, k.Close(p, rfd))
	requireNoLeaks(t, k, 1)
}

func TestPipe_WriteAfterReaderCloses(t *testing.T) {
	t.Parallel()

	k, p := newTestKernel(t, nil)
	require.NoError(t, k.Pipe(p, 0))
	require.NoError(t, k.Close(p, 0))

	_, err := k.Write(p, 1, []byte("x"))
	require.ErrorIs(t, err, kernfs.ErrBrokenPipe)
	require.NoError(t, k.Close(p, 1))
}

func TestPipe_CopyOutFailureBindsNothing(t *testing.T) {
	t.Parallel()

	k, _ := newTestKernel(t, nil)
	mem := &mocks.MockMemory{}
	mem.On("CopyOut", uint64(100), mock.Anything).Return(nil).Once()
	mem.On("CopyOut", uint64(104), mock.Anything).Return(errors.New("page not mapped")).Once()
	p := k.Spawn("faulty", mem)

	err := k.Pipe(p, 100)
	require.ErrorIs(t, err, kernfs.ErrFault)
	assert.Empty(t, p.Fds(), "no descriptor may stay bound")
	assert.Zero(t, k.Files().Open(), "both pipe ends are closed")
	mem.AssertExpectations(t)

	// The slots are free again.
	fd, err := k.Open(p, path("/f"), kernfs.O_CREATE|kernfs.O_RDWR)
	require.NoError(t, err)
	assert.Equal(t, 0, fd)
}

func TestPipe_OutOfSlots(t *testing.T) {
	t.Parallel()

	t.Run("descriptors", func(t *testing.T) {
		k, p := newTestKernel(t, &config.ConfigOverride{NOFile: util.Pointer(1)})
		require.ErrorIs(t, k.Pipe(p, 0), kernfs.ErrNoFD)
		assert.Empty(t, p.Fds())
		assert.Zero(t, k.Files().Open())
	})
	t.Run("files", func(t *testing.T) {
		k, p := newTestKernel(t, &config.ConfigOverride{NFile: util.Pointer(1)})
		require.ErrorIs(t, k.Pipe(p, 0), kernfs.ErrNoFile)
		assert.Empty(t, p.Fds())
		assert.Zero(t, k.Files().Open())
	})
	t.Run("bad address", func(t *testing.T) {
		k, p := newTestKernel(t, nil)
		require.ErrorIs(t, k.Pipe(p, 60), kernfs.ErrFault)
		assert.Empty(t, p.Fds())
		assert.Zero(t, k.Files().Open())
	})
}

func TestDupSharesOffset(t *testing.T) {
	t.Parallel()

	k, p := newTestKernel(t, nil)
	fd, err := k.Open(p, path("/f"), kernfs.O_CREATE|kernfs.O_RDWR)
	require.NoError(t, err)
	dfd, err := k.Dup(p, fd)
	require.NoError(t, err)
	assert.NotEqual(t, fd, dfd)

	_, err = k.Write(p, fd, []byte("ab"))
	require.NoError(t, err)
	_, err = k.Write(p, dfd, []byte("cd"))
	require.NoError(t, err)
	require.NoError(t, k.Close(p, fd))

	attr, err := k.Fstat(p, dfd)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), attr.Size, "writes through both descriptors append")
	assert.Equal(t, 1, k.Files().Open())
	require.NoError(t, k.Close(p, dfd))

	_, err = k.Dup(p, dfd)
	require.ErrorIs(t, err, kernfs.ErrBadFD)
	requireNoLeaks(t, k, 1)
}

func TestBadDescriptor(t *testing.T) {
	t.Parallel()

	k, p := newTestKernel(t, nil)
	for _, fd := range []int{-1, 0, 3, 1 << 20} {
		_, err := k.Read(p, fd, make([]byte, 1))
		require.ErrorIs(t, err, kernfs.ErrBadFD)
		_, err = k.Write(p, fd, []byte("x"))
		require.ErrorIs(t, err, kernfs.ErrBadFD)
		_, err = k.Fstat(p, fd)
		require.ErrorIs(t, err, kernfs.ErrBadFD)
		require.ErrorIs(t, k.Close(p, fd), kernfs.ErrBadFD)
		assert.Equal(t, -int(syscall.EBADF), kernfs.Ret(-1, k.Close(p, fd)))
	}
}

func TestWrite_SpansTransactions(t *testing.T) {
	t.Parallel()

	k, p := newTestKernel(t, &config.ConfigOverride{MaxOpBlocks: util.Pointer(6)})
	fd, err := k.Open(p, path("/big"), kernfs.O_CREATE|kernfs.O_RDWR)
	require.NoError(t, err)

	before := k.FS().Log().Commits()
	data := bytes.Repeat([]byte("0123456789"), 500)
	n, err := k.Write(p, fd, data)
	require.NoError(t, err)
	assert.Equal(t, len(data), n)
	assert.GreaterOrEqual(t, k.FS().Log().Commits()-before, uint64(5), "one 1KiB chunk per transaction")

	require.NoError(t, k.Close(p, fd))
	fd, err = k.Open(p, path("/big"), kernfs.O_RDONLY)
	require.NoError(t, err)
	got := make([]byte, len(data)+10)
	n, err = k.Read(p, fd, got)
	require.NoError(t, err)
	assert.Equal(t, data, got[:n])
	require.NoError(t, k.Close(p, fd))
}

func TestWrite_FileTooLarge(t *testing.T) {
	t.Parallel()

	k, p := newTestKernel(t, &config.ConfigOverride{MaxFileSize: util.Pointer(1024)})
	fd, err := k.Open(p, path("/f"), kernfs.O_CREATE|kernfs.O_WRONLY)
	require.NoError(t, err)
	n, err := k.Write(p, fd, make([]byte, 1500))
	require.ErrorIs(t, err, kernfs.ErrFileTooLarge)
	assert.Less(t, n, 1500)
	require.NoError(t, k.Close(p, fd))
}

func TestConsoleDevice(t *testing.T) {
	t.Parallel()

	k, p := newTestKernel(t, nil)
	var out bytes.Buffer
	require.NoError(t, k.Devsw().Register(file.ConsoleMajor, file.NewConsole(strings.NewReader("typed"), &out)))
	require.NoError(t, k.Mknod(p, path("/console"), file.ConsoleMajor, 0))

	fd, err := k.Open(p, path("/console"), kernfs.O_RDWR)
	require.NoError(t, err)
	_, err = k.Write(p, fd, []byte("printed\n"))
	require.NoError(t, err)
	assert.Equal(t, "printed\n", out.String())

	buf := make([]byte, 16)
	n, err := k.Read(p, fd, buf)
	require.NoError(t, err)
	assert.Equal(t, "typed", string(buf[:n]))

	attr, err := k.Fstat(p, fd)
	require.NoError(t, err)
	assert.Equal(t, uint32(file.ConsoleMajor)<<8, attr.Rdev)
	require.NoError(t, k.Close(p, fd))
}

func TestStat(t *testing.T) {
	t.Parallel()

	k, p := newTestKernel(t, nil)
	require.NoError(t, k.Mkdir(p, path("/d")))
	require.NoError(t, k.Mknod(p, path("/d/nodriver"), 7, 3))

	attr, err := k.Stat(p, path("/d"))
	require.NoError(t, err)
	assert.Equal(t, uint32(syscall.S_IFDIR), attr.Mode&syscall.S_IFMT)
	assert.Equal(t, uint32(1), attr.Nlink, "\".\" does not count")

	attr, err = k.Stat(p, path("/d/nodriver"))
	require.NoError(t, err, "no driver is registered for major 7")
	assert.Equal(t, uint32(7)<<8|3, attr.Rdev)

	_, err = k.Stat(p, path("/d/missing"))
	assert.ErrorIs(t, err, kernfs.ErrNotFound)
	requireNoLeaks(t, k, 1)
}

func TestExitReleasesEverything(t *testing.T) {
	t.Parallel()

	k, p := newTestKernel(t, nil)
	require.NoError(t, k.Mkdir(p, path("/home")))
	require.NoError(t, k.Chdir(p, path("/home")))
	_, err := k.Open(p, path("notes"), kernfs.O_CREATE|kernfs.O_RDWR)
	require.NoError(t, err)
	require.NoError(t, k.Pipe(p, 0))

	_, ok := k.Proc(p.Pid)
	require.True(t, ok)
	k.Exit(p)

	_, ok = k.Proc(p.Pid)
	assert.False(t, ok)
	assert.Nil(t, p.Cwd())
	assert.Empty(t, p.Fds())
	requireNoLeaks(t, k, 0)
}

func TestRegistry(t *testing.T) {
	t.Parallel()

	r := NewDefaultRegistry()
	_, err := r.Get(UfsBackend)
	require.NoError(t, err)
	_, err = r.Get("lfs")
	require.Error(t, err)

	called := false
	r.Register(UfsBackend, func(fs *filesystem.FileSystem, files *file.Table) Backend {
		called = true
		return NewUfs(fs, files)
	})
	_, err = New(config.NewDefaultConfig(), store.NewMem(), r)
	require.NoError(t, err)
	assert.False(t, called, "the first registration of a name wins")

	_, err = New(config.NewConfig(&config.ConfigOverride{Backend: util.Pointer("lfs")}), store.NewMem(), r)
	require.Error(t, err)
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	for name, override := range map[string]*config.ConfigOverride{
		"no descriptors":        {NOFile: util.Pointer(0)},
		"inums past 16 bits":    {NInode: util.Pointer(70000)},
		"zero pipe":             {PipeSize: util.Pointer(0)},
		"directory cannot grow": {MaxFileSize: util.Pointer(2*filesystem.DirentSize - 1)},
	} {
		_, err := New(config.NewConfig(override), store.NewMem(), NewDefaultRegistry())
		require.Error(t, err, name)
	}
}

func TestPersistsAcrossReopen(t *testing.T) {
	t.Parallel()

	dbPath := filepath.Join(t.TempDir(), "kernfs.db")
	cfg := config.NewConfig(&config.ConfigOverride{Store: util.Pointer(config.StoreBolt), StorePath: &dbPath})

	st, err := store.OpenBolt(dbPath)
	require.NoError(t, err)
	k, err := New(cfg, st, NewDefaultRegistry())
	require.NoError(t, err)
	p := k.Spawn("writer", nil)
	require.NoError(t, k.Mkdir(p, path("/d")))
	fd, err := k.Open(p, path("/d/f"), kernfs.O_CREATE|kernfs.O_WRONLY)
	require.NoError(t, err)
	_, err = k.Write(p, fd, []byte("durable"))
	require.NoError(t, err)
	require.NoError(t, k.Link(p, path("/d/f"), path("/g")))
	k.Exit(p)
	require.NoError(t, st.Close())

	st, err = store.OpenBolt(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	k, err = New(cfg, st, NewDefaultRegistry())
	require.NoError(t, err)
	p = k.Spawn("reader", nil)

	assert.Equal(t, int16(2), nlink(t, k, p, "/d/f"))
	assert.Equal(t, inum(t, k, p, "/d/f"), inum(t, k, p, "/g"))
	fd, err = k.Open(p, path("/g"), kernfs.O_RDONLY)
	require.NoError(t, err)
	buf := make([]byte, 16)
	n, err := k.Read(p, fd, buf)
	require.NoError(t, err)
	assert.Equal(t, "durable", string(buf[:n]))
	require.NoError(t, k.Close(p, fd))
}

func TestKill_WakesBlockedPipeRead(t *testing.T) {
	t.Parallel()

	k, p := newTestKernel(t, nil)
	require.NoError(t, k.Pipe(p, 0))

	done := make(chan error, 1)
	go func() {
		_, err := k.Read(p, 0, make([]byte, 8))
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	k.Kill(p)
	select {
	case err := <-done:
		require.ErrorIs(t, err, kernfs.ErrInterrupted)
		assert.Equal(t, -int(syscall.EINTR), kernfs.Ret(-1, err))
	case <-time.After(5 * time.Second):
		t.Fatal("read on an empty pipe did not return after kill")
	}

	// A killed process does not block again, but a ready pipe still works.
	_, err := k.Read(p, 0, make([]byte, 8))
	require.ErrorIs(t, err, kernfs.ErrInterrupted)
	n, err := k.Write(p, 1, []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	k.Exit(p)
	requireNoLeaks(t, k, 0)
}
