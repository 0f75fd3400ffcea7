package script

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/brettbedarf/kernfs"
	"github.com/brettbedarf/kernfs/fspath"
	"github.com/brettbedarf/kernfs/internal/util"
	"github.com/brettbedarf/kernfs/kernel"
	"github.com/brettbedarf/kernfs/proc"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

// ErrUnexpected reports a step whose outcome differs from its expect field.
var ErrUnexpected = errors.New("unexpected result")

// pipeArgAddr is where the runner asks pipe to store its descriptors in
// each process's user memory.
const pipeArgAddr = 0

// Result is the outcome of one step.
type Result struct {
	ID   uuid.UUID
	Proc string
	Pid  int
	Step int
	Op   OpType
	// Ret is the syscall return: a count or descriptor, or a negative errno.
	Ret int
	// Out carries what the step produced beyond Ret: read data, pipe
	// descriptors or stat fields.
	Out string
	Err error
}

// Runner runs scripts against one kernel.
type Runner struct {
	k *kernel.Kernel
}

func NewRunner(k *kernel.Kernel) *Runner {
	return &Runner{k: k}
}

// Run starts one process per script entry and runs them concurrently.
// It returns the results of each process in script order. The first
// failed expectation cancels the remaining steps of every process.
// Cancellation kills the processes, so a step blocked on a pipe returns
// ErrInterrupted and the run ends.
func (r *Runner) Run(ctx context.Context, s *Script) ([][]Result, error) {
	const op = "script.Runner.Run"
	logger := util.GetLogger("Runner.Run")

	results := make([][]Result, len(s.Procs))
	g, ctx := errgroup.WithContext(ctx)
	for i, pd := range s.Procs {
		g.Go(func() error {
			p := r.k.Spawn(pd.Name, proc.NewSliceMemory(8))
			defer r.k.Exit(p)
			stopKill := context.AfterFunc(ctx, func() { r.k.Kill(p) })
			defer stopKill()
			for j, st := range pd.Steps {
				if err := ctx.Err(); err != nil {
					return err
				}
				res := r.step(p, st)
				res.Step = j
				results[i] = append(results[i], res)

				logger.Debug().
					Stringer("id", res.ID).
					Str("proc", pd.Name).
					Int("pid", p.Pid).
					Str("op", string(st.Op)).
					Int("ret", res.Ret).
					Err(res.Err).
					Msg("step")

				if errors.Is(res.Err, kernfs.ErrInterrupted) {
					return fmt.Errorf("%s: proc %s step %d: %w", op, pd.Name, j, ctx.Err())
				}
				if err := checkExpect(st, res); err != nil {
					return fmt.Errorf("%s: proc %s step %d: %w", op, pd.Name, j, err)
				}
			}
			return nil
		})
	}
	err := g.Wait()
	return results, err
}

func checkExpect(st StepDTO, res Result) error {
	if st.Expect == nil {
		return nil
	}
	want := strings.ToUpper(strings.TrimSpace(*st.Expect))
	got := ErrnoName(res.Err)
	if want != got {
		return fmt.Errorf("%s: want %s, got %s: %w", st.Op, want, got, ErrUnexpected)
	}
	return nil
}

// ErrnoName returns the errno name err maps to, or "OK" for nil.
func ErrnoName(err error) string {
	if err == nil {
		return "OK"
	}
	return unix.ErrnoName(kernfs.Errno(err))
}

func (r *Runner) step(p *proc.Proc, st StepDTO) Result {
	res := Result{ID: uuid.New(), Proc: p.Name, Pid: p.Pid, Op: st.Op}
	n, err := r.call(p, st, &res)
	res.Ret, res.Err = kernfs.Ret(n, err), err
	return res
}

func (r *Runner) call(p *proc.Proc, st StepDTO, res *Result) (int, error) {
	k := r.k
	switch st.Op {
	case OpMkdir:
		return 0, withPath(st.Path, func(path fspath.Path) error { return k.Mkdir(p, path) })
	case OpMknod:
		return 0, withPath(st.Path, func(path fspath.Path) error { return k.Mknod(p, path, st.Major, st.Minor) })
	case OpUnlink:
		return 0, withPath(st.Path, func(path fspath.Path) error { return k.Unlink(p, path) })
	case OpChdir:
		return 0, withPath(st.Path, func(path fspath.Path) error { return k.Chdir(p, path) })
	case OpOpen:
		mode, err := ParseMode(st.Mode)
		if err != nil {
			return -1, fmt.Errorf("%w: %w", kernfs.ErrInvalid, err)
		}
		path, err := argPath(st.Path)
		if err != nil {
			return -1, err
		}
		return k.Open(p, path, mode)
	case OpLink:
		oldname, err := argPath(st.Path)
		if err != nil {
			return -1, err
		}
		newname, err := argPath(st.Target)
		if err != nil {
			return -1, err
		}
		return 0, k.Link(p, oldname, newname)
	case OpClose:
		return 0, k.Close(p, st.Fd)
	case OpDup:
		return k.Dup(p, st.Fd)
	case OpRead:
		buf := make([]byte, st.Count)
		n, err := k.Read(p, st.Fd, buf)
		if n > 0 {
			res.Out = string(buf[:n])
		}
		return n, err
	case OpWrite:
		return k.Write(p, st.Fd, []byte(st.Data))
	case OpFstat:
		attr, err := k.Fstat(p, st.Fd)
		if err != nil {
			return -1, err
		}
		res.Out = fmt.Sprintf("ino=%d nlink=%d size=%d mode=%#o", attr.Ino, attr.Nlink, attr.Size, attr.Mode)
		return 0, nil
	case OpPipe:
		if err := k.Pipe(p, pipeArgAddr); err != nil {
			return -1, err
		}
		var fds [8]byte
		if err := p.Mem.CopyIn(fds[:], pipeArgAddr); err != nil {
			return -1, err
		}
		res.Out = fmt.Sprintf("%d %d", int32(binary.LittleEndian.Uint32(fds[0:])), int32(binary.LittleEndian.Uint32(fds[4:])))
		return 0, nil
	}
	return -1, fmt.Errorf("op %q: %w", st.Op, kernfs.ErrInvalid)
}

func withPath(s string, fn func(fspath.Path) error) error {
	path, err := argPath(s)
	if err != nil {
		return err
	}
	return fn(path)
}

// argPath checks a path argument the way syscall dispatch does: it must
// fit in MaxPath bytes with its terminating NUL.
func argPath(s string) (fspath.Path, error) {
	if len(s) >= fspath.MaxPath {
		return fspath.Path{}, fmt.Errorf("path of %d bytes, limit %d: %w", len(s), fspath.MaxPath-1, kernfs.ErrInvalid)
	}
	return fspath.NewPath([]byte(s))
}
