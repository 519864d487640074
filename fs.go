package fat32

import (
	"errors"
	"fmt"
	"path"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// FileSystem is a mounted FAT32 volume. It owns the block cache and the FAT
// table and hands out VirtFile handles.
type FileSystem struct {
	dev    BlockDevice
	layout *Layout
	cache  *BlockCacheManager
	fat    *FATTable
	opts   options
	log    logrus.FieldLogger

	rootMu    sync.RWMutex
	rootEntry ShortDirEntry

	// nsMu serializes directory mutations (create, remove, rename) so that
	// two of them never claim the same free slots.
	nsMu sync.Mutex

	closed atomic.Bool
}

type syncer interface {
	Sync() error
}

type sizer interface {
	NumBlocks() uint64
}

// Mount reads the boot sector of dev and prepares the volume for use.
func Mount(dev BlockDevice, opts ...Option) (*FileSystem, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	boot := make([]byte, BlockSize)
	if err := dev.ReadBlock(0, boot); err != nil {
		return nil, fmt.Errorf("failed to read boot sector: %w", err)
	}

	layout, err := ParseBootSector(boot)
	if err != nil {
		return nil, fmt.Errorf("failed to parse boot sector: %w", err)
	}

	if s, ok := dev.(sizer); ok && s.NumBlocks() < uint64(layout.TotalSectors) {
		return nil, fmt.Errorf("device has %d blocks, volume needs %d", s.NumBlocks(), layout.TotalSectors)
	}

	fs := &FileSystem{
		dev:       dev,
		layout:    layout,
		opts:      o,
		log:       o.log,
		rootEntry: NewShortDirEntry(layout.RootDirCluster, nil, nil, FileTypeDir),
	}
	fs.cache = NewBlockCacheManager(dev, o.cacheLimit, o.log)
	fs.fat = NewFATTable(fs.cache, layout, o.log)

	if sector := layout.FSInfoSector(); sector != 0 {
		var info fsInfo
		var perr error
		err := fs.cache.ReadAt(sector, 0, BlockSize, func(b []byte) {
			info, perr = parseFSInfo(b)
		})
		switch {
		case err != nil:
			return nil, fmt.Errorf("failed to read FSInfo sector: %w", err)
		case perr != nil:
			fs.log.WithError(perr).Warn("ignoring FSInfo sector")
		case info.nextFree != fsInfoUnknown:
			fs.fat.setHint(info.nextFree)
		}
	}

	fs.log.WithFields(logrus.Fields{
		"cluster": layout.RootDirCluster,
		"count":   layout.ClusterCount() - firstDataCluster,
	}).Debug("mounted FAT32 volume")

	return fs, nil
}

// Root returns a handle to the root directory.
func (fs *FileSystem) Root() (*VirtFile, error) {
	if fs.closed.Load() {
		return nil, ErrClosed
	}

	chain, err := NewClusterChain(fs.fat, fs.layout.RootDirCluster)
	if err != nil {
		return nil, fmt.Errorf("failed to read root directory chain: %w", err)
	}

	return newVirtFile(fs, "/", RootEntryPos(), nil, chain, FileTypeDir), nil
}

// Open walks a slash separated path from the root. ".." components are
// resolved lexically.
func (fs *FileSystem) Open(p string) (*VirtFile, error) {
	cur, err := fs.Root()
	if err != nil {
		return nil, err
	}

	for _, name := range splitPath(path.Clean("/" + p)) {
		if !cur.IsDir() {
			return nil, fmt.Errorf("%q: %w", p, ErrNotDir)
		}

		next, err := cur.Lookup(name)
		if err != nil {
			return nil, fmt.Errorf("%q: %w", p, err)
		}
		cur = next
	}

	return cur, nil
}

// Layout returns the volume geometry.
func (fs *FileSystem) Layout() *Layout {
	return fs.layout
}

// Geometry returns the volume geometry as the engine uses it.
func (fs *FileSystem) Geometry() Geometry {
	return fs.layout
}

// ClusterSize is the allocation unit in bytes.
func (fs *FileSystem) ClusterSize() int {
	return fs.layout.BytesPerCluster()
}

// FreeClusters returns the number of unallocated clusters.
func (fs *FileSystem) FreeClusters() (uint32, error) {
	return fs.fat.FreeCount()
}

// Sync records the free-cluster count in FSInfo and writes every dirty block
// back to the device.
func (fs *FileSystem) Sync() error {
	var errs []error

	if sector := fs.layout.FSInfoSector(); sector != 0 {
		if err := fs.writeFSInfo(sector); err != nil {
			errs = append(errs, err)
		}
	}

	if err := fs.cache.SyncAll(); err != nil {
		errs = append(errs, fmt.Errorf("failed to flush block cache: %w", err))
	}

	if s, ok := fs.dev.(syncer); ok {
		if err := s.Sync(); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

func (fs *FileSystem) writeFSInfo(sector uint64) error {
	free, err := fs.fat.FreeCount()
	if err != nil {
		return err
	}

	info := fsInfo{freeCount: free, nextFree: fs.fat.NextFree()}
	if err := fs.cache.ModifyAt(sector, 0, BlockSize, info.encode); err != nil {
		return fmt.Errorf("failed to update FSInfo sector: %w", err)
	}

	// The backup boot region carries its own FSInfo copy at the same offset.
	if backup := fs.layout.BackupBoot; backup != 0 && backup != 0xFFFF {
		if err := fs.cache.ModifyAt(uint64(backup)+sector, 0, BlockSize, info.encode); err != nil {
			return fmt.Errorf("failed to update backup FSInfo sector: %w", err)
		}
	}

	return nil
}

// Close flushes the volume. The device itself is left open.
func (fs *FileSystem) Close() error {
	if fs.closed.Swap(true) {
		return ErrClosed
	}

	return fs.Sync()
}

func (fs *FileSystem) now() time.Time {
	return fs.opts.clock()
}

// zeroClusters clears freshly allocated clusters through the cache.
func (fs *FileSystem) zeroClusters(ids []uint32) error {
	spc := uint64(fs.layout.SectorsPerCluster())

	for _, c := range ids {
		base := fs.layout.Offset(c) / BlockSize
		for i := uint64(0); i < spc; i++ {
			err := fs.cache.ModifyAt(base+i, 0, BlockSize, func(b []byte) { clear(b) })
			if err != nil {
				return fmt.Errorf("failed to zero cluster %d: %w", c, err)
			}
		}
	}

	return nil
}
