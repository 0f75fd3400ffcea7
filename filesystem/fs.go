package filesystem

import (
	"fmt"

	"github.com/brettbedarf/kernfs"
	"github.com/brettbedarf/kernfs/config"
	"github.com/brettbedarf/kernfs/fspath"
	"github.com/brettbedarf/kernfs/internal/util"
	"github.com/brettbedarf/kernfs/store"
)

// FileSystem ties the inode table and the transaction log to a store.
type FileSystem struct {
	cfg    *config.Config
	store  store.Store
	log    *Log
	itable *Itable
}

func NewFS(cfg *config.Config, st store.Store) *FileSystem {
	log := NewLog(st, cfg.LogSize, cfg.MaxOpBlocks)
	return &FileSystem{
		cfg:    cfg,
		store:  st,
		log:    log,
		itable: NewItable(log, cfg.NInode, cfg.MaxFileSize),
	}
}

func (fs *FileSystem) Config() *config.Config { return fs.cfg }
func (fs *FileSystem) Itable() *Itable        { return fs.itable }
func (fs *FileSystem) Log() *Log              { return fs.log }

// BeginTx opens a write transaction.
func (fs *FileSystem) BeginTx() *Tx { return fs.log.Begin() }

// Root returns a reference to the root directory of dev.
func (fs *FileSystem) Root(dev uint32) *RcInode {
	return fs.itable.Get(dev, kernfs.RootIno)
}

// Format writes an empty root directory to dev unless one exists. The
// root's "." and ".." both name the root, and its link count is 1.
// It reports whether anything was written.
func (fs *FileSystem) Format(dev uint32) (bool, error) {
	const op = "filesystem.FileSystem.Format"
	logger := util.GetLogger("FS.Format")

	if fs.cfg.NInode <= int(kernfs.RootIno) {
		return false, fmt.Errorf("%s: ninode %d leaves no room for the root: %w", op, fs.cfg.NInode, kernfs.ErrExhausted)
	}

	tx := fs.BeginTx()
	defer tx.End()

	k := store.Key{Dev: dev, Inum: kernfs.RootIno}
	typ, _, _, err := decodeDinode(fs.log.read(k))
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	if typ.Kind != kernfs.KindNone {
		logger.Debug().Uint32("dev", dev).Msg("root already present")
		return false, nil
	}

	var data []byte
	data = append(data, newDirent(kernfs.RootIno, fspath.Name(".")).encode()...)
	data = append(data, newDirent(kernfs.RootIno, fspath.Name("..")).encode()...)
	fs.log.write(tx, k, encodeDinode(kernfs.Dir(), 1, data))
	logger.Info().Uint32("dev", dev).Msg("formatted device")
	return true, nil
}
