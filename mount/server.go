package mount

import (
	"sync"

	"github.com/brettbedarf/kernfs/config"
	"github.com/brettbedarf/kernfs/internal/util"
	"github.com/brettbedarf/kernfs/kernel"
	"github.com/hanwen/go-fuse/v2/fuse"
)

// Server wraps the underlying fuse.Server and the process it serves as.
type Server struct {
	raw    *FuseRaw
	server *fuse.Server
	reaped sync.Once
}

// Mount mounts k at mountPoint according to opts.
// Returns a Server you can Serve() and Unmount().
func Mount(k *kernel.Kernel, mountPoint string, opts *config.MountOptions) (*Server, error) {
	if opts == nil {
		opts = config.NewDefaultMountOptions()
	}
	raw := NewFuseRaw(k, opts.EntryTimeout)
	lvl := util.DebugLevel
	if opts.Debug {
		lvl = util.TraceLevel
	}
	srv, err := fuse.NewServer(raw, mountPoint, &fuse.MountOptions{
		FsName: opts.FsName,
		Name:   opts.Name,
		Debug:  opts.Debug,
		Logger: util.NewLogLogger("FuseServer", lvl),
	})
	if err != nil {
		raw.Close()
		return nil, err
	}
	return &Server{raw: raw, server: srv}, nil
}

// Serve starts serving and waits until the filesystem is mounted.
func (s *Server) Serve() error {
	go s.server.Serve()
	return s.server.WaitMount()
}

// Wait blocks until the filesystem is unmounted, from here or the host,
// then reaps the process requests ran as.
func (s *Server) Wait() {
	s.server.Wait()
	s.reaped.Do(s.raw.Close)
}

// Unmount cleanly unmounts the filesystem and waits for serving to stop.
// A busy mount stays mounted and serving.
func (s *Server) Unmount() error {
	if err := s.server.Unmount(); err != nil {
		return err
	}
	s.Wait()
	return nil
}
