package kernfs

import (
	"errors"
	"fmt"
	"syscall"

	"github.com/brettbedarf/kernfs/fspath"
)

var (
	ErrNotFound     = errors.New("no such file or directory")
	ErrNotDir       = errors.New("not a directory")
	ErrExists       = errors.New("file exists")
	ErrCrossDevice  = errors.New("cross-device link")
	ErrNotEmpty     = errors.New("directory not empty")
	ErrInvalidName  = errors.New("invalid name")
	ErrInvalid      = errors.New("invalid argument")
	ErrExhausted    = errors.New("resource exhausted")
	ErrPermission   = errors.New("operation not permitted")
	ErrBadFD        = errors.New("bad file descriptor")
	ErrFault        = errors.New("bad address")
	ErrBrokenPipe   = errors.New("broken pipe")
	ErrFileTooLarge = errors.New("file too large")
	ErrInterrupted  = errors.New("interrupted by kill")

	// ErrIsDir refuses write access to a directory. It is a kind of
	// ErrNotDir but reports EISDIR.
	ErrIsDir = fmt.Errorf("%w: is a directory", ErrNotDir)

	// Exhaustion of a specific table. Both match ErrExhausted with errors.Is.
	ErrNoFD   = fmt.Errorf("%w: descriptor table full", ErrExhausted)
	ErrNoFile = fmt.Errorf("%w: file table full", ErrExhausted)
)

// errnos is checked in order, so errors that wrap another sentinel
// come before it.
var errnos = []struct {
	err   error
	errno syscall.Errno
}{
	{ErrNotFound, syscall.ENOENT},
	{ErrIsDir, syscall.EISDIR},
	{ErrNotDir, syscall.ENOTDIR},
	{ErrExists, syscall.EEXIST},
	{ErrCrossDevice, syscall.EXDEV},
	{ErrNotEmpty, syscall.ENOTEMPTY},
	{ErrInvalidName, syscall.EINVAL},
	{ErrInvalid, syscall.EINVAL},
	{fspath.ErrNul, syscall.EINVAL},
	{ErrNoFD, syscall.EMFILE},
	{ErrNoFile, syscall.ENFILE},
	{ErrExhausted, syscall.ENOSPC},
	{ErrPermission, syscall.EPERM},
	{ErrBadFD, syscall.EBADF},
	{ErrFault, syscall.EFAULT},
	{ErrBrokenPipe, syscall.EPIPE},
	{ErrFileTooLarge, syscall.EFBIG},
	{ErrInterrupted, syscall.EINTR},
}

// Errno maps err to the errno a syscall reports for it. Unknown errors
// map to EIO and nil maps to 0.
func Errno(err error) syscall.Errno {
	if err == nil {
		return 0
	}
	for _, e := range errnos {
		if errors.Is(err, e.err) {
			return e.errno
		}
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno
	}
	return syscall.EIO
}

// Ret converts a Go result into the integer a syscall returns: n on
// success, the negated errno on failure.
func Ret(n int, err error) int {
	if err != nil {
		return -int(Errno(err))
	}
	return n
}
