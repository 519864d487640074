package fat32

import (
	"fmt"
	"io"
	"math"
	"time"
	"unicode/utf16"

	"github.com/sirupsen/logrus"
)

// DirEntryPos locates a 32-byte directory record: the cluster holding it and
// the byte offset inside that cluster. The root directory has no record of
// its own and is represented by the root variant.
type DirEntryPos struct {
	root    bool
	Cluster uint32
	Offset  int
}

// RootEntryPos is the position of the root directory's synthetic entry.
func RootEntryPos() DirEntryPos {
	return DirEntryPos{root: true}
}

// OnDiskEntryPos is the position of a record stored in a directory cluster.
func OnDiskEntryPos(cluster uint32, offset int) DirEntryPos {
	return DirEntryPos{Cluster: cluster, Offset: offset}
}

// IsRoot reports the position of the root directory, which has no entry.
func (p DirEntryPos) IsRoot() bool {
	return p.root
}

// String formats the position as cluster+offset.
func (p DirEntryPos) String() string {
	if p.root {
		return "root"
	}
	return fmt.Sprintf("%d+%d", p.Cluster, p.Offset)
}

// VirtFile is a handle to a file or directory. Two handles to the same file
// share no memory, only the cached on-disk bytes; every size or cluster
// change goes through the directory entry in the block cache.
type VirtFile struct {
	name   string
	sdePos DirEntryPos
	ldePos []DirEntryPos
	fs     *FileSystem
	chain  *ClusterChain
	kind   FileType
}

func newVirtFile(fs *FileSystem, name string, sde DirEntryPos, lde []DirEntryPos, chain *ClusterChain, kind FileType) *VirtFile {
	return &VirtFile{
		name:   name,
		sdePos: sde,
		ldePos: lde,
		fs:     fs,
		chain:  chain,
		kind:   kind,
	}
}

// Name returns the name the file was opened or created under.
func (f *VirtFile) Name() string {
	return f.name
}

// Type reports whether the handle is a file or a directory.
func (f *VirtFile) Type() FileType {
	return f.kind
}

// IsDir reports a directory handle.
func (f *VirtFile) IsDir() bool {
	return f.kind == FileTypeDir
}

// IsFile reports a regular file handle.
func (f *VirtFile) IsFile() bool {
	return f.kind == FileTypeFile
}

// IsRoot reports the root directory handle.
func (f *VirtFile) IsRoot() bool {
	return f.sdePos.IsRoot()
}

// EntryPos returns the position of the short entry.
func (f *VirtFile) EntryPos() DirEntryPos {
	return f.sdePos
}

// LongEntryPos returns the positions of the long-name entries.
func (f *VirtFile) LongEntryPos() []DirEntryPos {
	out := make([]DirEntryPos, len(f.ldePos))
	copy(out, f.ldePos)
	return out
}

// Chain returns the handle's cluster chain.
func (f *VirtFile) Chain() *ClusterChain {
	return f.chain
}

func (f *VirtFile) blockPos(p DirEntryPos) (uint64, int) {
	if p.IsRoot() {
		panic("fat32: root directory has no on-disk entry")
	}

	off := f.fs.layout.Offset(p.Cluster) + uint64(p.Offset)
	return off / BlockSize, int(off % BlockSize)
}

// ReadShortEntry returns a copy of the short entry. For the root directory
// this is the in-memory synthetic entry.
func (f *VirtFile) ReadShortEntry() (ShortDirEntry, error) {
	if f.sdePos.IsRoot() {
		f.fs.rootMu.RLock()
		defer f.fs.rootMu.RUnlock()

		return f.fs.rootEntry, nil
	}

	block, off := f.blockPos(f.sdePos)

	var e ShortDirEntry
	err := f.fs.cache.ReadAt(block, off, DirEntrySize, func(b []byte) {
		e = ParseShortDirEntry(b)
	})

	return e, err
}

// ModifyShortEntry applies fn to the short entry in place.
func (f *VirtFile) ModifyShortEntry(fn func(e *ShortDirEntry)) error {
	if f.sdePos.IsRoot() {
		f.fs.rootMu.Lock()
		defer f.fs.rootMu.Unlock()

		fn(&f.fs.rootEntry)
		return nil
	}

	block, off := f.blockPos(f.sdePos)

	return f.fs.cache.ModifyAt(block, off, DirEntrySize, func(b []byte) {
		e := ParseShortDirEntry(b)
		fn(&e)
		e.Encode(b)
	})
}

// ReadLongEntry returns a copy of the i-th long entry.
func (f *VirtFile) ReadLongEntry(i int) (LongDirEntry, error) {
	block, off := f.blockPos(f.ldePos[i])

	var e LongDirEntry
	err := f.fs.cache.ReadAt(block, off, DirEntrySize, func(b []byte) {
		e = ParseLongDirEntry(b)
	})

	return e, err
}

// ModifyLongEntry applies fn to the i-th long entry in place.
func (f *VirtFile) ModifyLongEntry(i int, fn func(e *LongDirEntry)) error {
	block, off := f.blockPos(f.ldePos[i])

	return f.fs.cache.ModifyAt(block, off, DirEntrySize, func(b []byte) {
		e := ParseLongDirEntry(b)
		fn(&e)
		e.Encode(b)
	})
}

// FileSize returns the stored size field. Directories store 0.
func (f *VirtFile) FileSize() (uint32, error) {
	e, err := f.ReadShortEntry()
	return e.FileSize(), err
}

// FirstCluster reads the starting cluster from the short entry.
func (f *VirtFile) FirstCluster() (uint32, error) {
	e, err := f.ReadShortEntry()
	return e.FirstCluster(), err
}

// SetFirstCluster updates the starting cluster in the short entry.
func (f *VirtFile) SetFirstCluster(c uint32) error {
	return f.ModifyShortEntry(func(e *ShortDirEntry) { e.SetFirstCluster(c) })
}

// SetFileSize updates only the size field. The chain is left alone.
func (f *VirtFile) SetFileSize(size uint32) error {
	return f.ModifyShortEntry(func(e *ShortDirEntry) { e.SetFileSize(size) })
}

// locate maps a byte offset of this file's content to its cluster and the
// offset inside it, walking the FAT from the stored first cluster.
func (f *VirtFile) locate(offset int) (uint32, int, error) {
	first, err := f.FirstCluster()
	if err != nil {
		return 0, 0, err
	}

	cs := f.fs.ClusterSize()
	cluster, ok, err := f.fs.fat.GetClusterAt(first, offset/cs)
	if err != nil {
		return 0, 0, err
	}
	if !ok {
		return 0, 0, fmt.Errorf("offset %d is past the end of %q", offset, f.name)
	}

	return cluster, offset % cs, nil
}

// DirentBlockPos returns the block and in-block offset of the record at
// offset within this directory's content.
func (f *VirtFile) DirentBlockPos(offset int) (uint64, int, error) {
	cluster, inCluster, err := f.locate(offset)
	if err != nil {
		return 0, 0, err
	}

	base := f.fs.layout.Offset(cluster) / BlockSize
	return base + uint64(inCluster/BlockSize), inCluster % BlockSize, nil
}

// DirentClusterPos returns the DirEntryPos of the record at offset within
// this directory's content.
func (f *VirtFile) DirentClusterPos(offset int) (DirEntryPos, error) {
	cluster, inCluster, err := f.locate(offset)
	if err != nil {
		return DirEntryPos{}, err
	}

	return OnDiskEntryPos(cluster, inCluster), nil
}

// GenerateClusterChain builds the chain of the child whose short entry sits
// at sdeOffset within this directory's content.
func (f *VirtFile) GenerateClusterChain(sdeOffset int) (*ClusterChain, error) {
	block, off, err := f.DirentBlockPos(sdeOffset)
	if err != nil {
		return nil, err
	}

	var first uint32
	err = f.fs.cache.ReadAt(block, off, DirEntrySize, func(b []byte) {
		e := ParseShortDirEntry(b)
		first = e.FirstCluster()
	})
	if err != nil {
		return nil, err
	}

	return NewClusterChain(f.fs.fat, first)
}

// staleLocked reports whether another handle restructured the file since
// the chain was built. Called with the chain lock held.
func (f *VirtFile) staleLocked() (bool, error) {
	e, err := f.ReadShortEntry()
	if err != nil {
		return false, err
	}

	if e.FirstCluster() != f.chain.start {
		return true, nil
	}

	if f.IsFile() {
		need := ceilDiv(int(e.FileSize()), f.fs.ClusterSize())
		return len(f.chain.clusters) < need, nil
	}

	// Directories store no size; another handle may have linked a cluster
	// past our tail.
	if n := len(f.chain.clusters); n > 0 {
		_, grown, err := f.fs.fat.GetClusterAt(f.chain.clusters[n-1], 1)
		return grown, err
	}

	return false, nil
}

func (f *VirtFile) regenerateLocked() error {
	first, err := f.FirstCluster()
	if err != nil {
		return err
	}
	return f.chain.refreshLocked(first)
}

// transferLocked copies between buf and the file content starting at offset,
// one block at a time through the cache. It stops at the end of the chain.
// Called with the chain lock held.
func (f *VirtFile) transferLocked(offset int, buf []byte, write bool) (int, error) {
	cs := f.fs.ClusterSize()
	clusters := f.chain.clusters

	done := 0
	inCluster := offset % cs
	for idx := offset / cs; idx < len(clusters) && done < len(buf); idx++ {
		base := f.fs.layout.Offset(clusters[idx]) / BlockSize

		for inCluster < cs && done < len(buf) {
			block := base + uint64(inCluster/BlockSize)
			bo := inCluster % BlockSize
			n := min(BlockSize-bo, len(buf)-done)
			chunk := buf[done : done+n]

			var err error
			if write {
				err = f.fs.cache.ModifyAt(block, bo, n, func(b []byte) { copy(b, chunk) })
			} else {
				err = f.fs.cache.ReadAt(block, bo, n, func(b []byte) { copy(chunk, b) })
			}
			if err != nil {
				return done, err
			}

			done += n
			inCluster += n
		}

		inCluster = 0
	}

	return done, nil
}

// ReadAt reads up to len(buf) bytes of content starting at offset. A short
// count without error means the cluster chain ended.
func (f *VirtFile) ReadAt(offset int, buf []byte) (int, error) {
	if offset < 0 {
		return 0, fmt.Errorf("negative offset %d", offset)
	}
	if len(buf) == 0 {
		return 0, nil
	}

	cc := f.chain
	cc.mu.RLock()

	stale, err := f.staleLocked()
	if err != nil {
		cc.mu.RUnlock()
		return 0, err
	}

	if stale {
		cc.mu.RUnlock()

		cc.mu.Lock()
		err := f.regenerateLocked()
		cc.mu.Unlock()
		if err != nil {
			return 0, err
		}

		cc.mu.RLock()
	}
	defer cc.mu.RUnlock()

	return f.transferLocked(offset, buf, false)
}

// coversLocked reports whether a write ending at end needs no growth.
func (f *VirtFile) coversLocked(end int) (bool, error) {
	e, err := f.ReadShortEntry()
	if err != nil {
		return false, err
	}

	if e.FirstCluster() != f.chain.start {
		return false, nil
	}
	if f.IsFile() && end > int(e.FileSize()) {
		return false, nil
	}

	return len(f.chain.clusters)*f.fs.ClusterSize() >= end, nil
}

// WriteAt writes buf at offset, growing the file first when the write ends
// past the current size. When the device has too few free clusters, nothing
// is written, the size is left unchanged and ErrNoSpace is returned.
func (f *VirtFile) WriteAt(offset int, buf []byte) (int, error) {
	if offset < 0 {
		return 0, fmt.Errorf("negative offset %d", offset)
	}
	if len(buf) == 0 {
		return 0, nil
	}

	end := offset + len(buf)
	if f.IsFile() && end > math.MaxUint32 {
		return 0, fmt.Errorf("%w: write ends at %d", ErrFileTooLarge, end)
	}

	cc := f.chain
	cc.mu.RLock()

	ok, err := f.coversLocked(end)
	if err != nil {
		cc.mu.RUnlock()
		return 0, err
	}

	if !ok {
		cc.mu.RUnlock()

		cc.mu.Lock()
		err := f.increaseSizeLocked(end)
		cc.mu.Unlock()
		if err != nil {
			return 0, err
		}

		cc.mu.RLock()
	}

	n, err := f.transferLocked(offset, buf, true)
	cc.mu.RUnlock()

	if err != nil {
		return n, err
	}
	if n < len(buf) {
		return n, io.ErrShortWrite
	}

	if !f.IsRoot() {
		now := f.fs.now()
		if err := f.ModifyShortEntry(func(e *ShortDirEntry) { e.SetModified(now) }); err != nil {
			return n, err
		}
	}

	return n, nil
}

// increaseSizeLocked makes the chain cover newSize bytes and, for files,
// raises the size field. Clusters are allocated and zeroed before the entry
// is touched, so a failed allocation leaves the file as it was. Stale bytes
// between the old size and the end of its last cluster are zeroed as well.
// Directories keep a stored size of 0. Called with the chain lock held exclusively.
func (f *VirtFile) increaseSizeLocked(newSize int) error {
	e, err := f.ReadShortEntry()
	if err != nil {
		return err
	}

	// A handle that outlived a truncation elsewhere must not append to a
	// tail that was already released.
	if err := f.chain.refreshLocked(e.FirstCluster()); err != nil {
		return err
	}

	cs := f.fs.ClusterSize()
	have := len(f.chain.clusters)
	want := ceilDiv(newSize, cs)

	if want > have {
		last := UnallocatedCluster
		if have > 0 {
			last = f.chain.clusters[have-1]
		}

		ids, err := f.fs.fat.allocClusters(want-have, last)
		if err != nil {
			return fmt.Errorf("failed to grow %q to %d bytes: %w", f.name, newSize, err)
		}

		if err := f.fs.zeroClusters(ids); err != nil {
			return err
		}

		if have == 0 {
			if err := f.SetFirstCluster(ids[0]); err != nil {
				return err
			}
			f.chain.start = ids[0]
		}

		f.chain.clusters = append(f.chain.clusters, ids...)
	}

	if f.IsFile() && newSize > int(e.FileSize()) {
		// Bytes left in the old clusters past the old end, for example by a
		// shrink, must read back as zeros.
		oldSize := int(e.FileSize())
		if end := min(newSize, have*cs); end > oldSize {
			if _, err := f.transferLocked(oldSize, make([]byte, end-oldSize), true); err != nil {
				return fmt.Errorf("failed to zero %q past %d bytes: %w", f.name, oldSize, err)
			}
		}

		return f.SetFileSize(uint32(newSize))
	}

	return nil
}

// ModifySize grows or shrinks the file to newSize. Shrinking releases the
// clusters past the new end and terminates the chain; zero releases them all
// and marks the entry unallocated. Growing a directory only adds clusters.
func (f *VirtFile) ModifySize(newSize int) error {
	if newSize < 0 {
		return fmt.Errorf("negative size %d", newSize)
	}
	if f.IsFile() && newSize > math.MaxUint32 {
		return fmt.Errorf("%w: %d", ErrFileTooLarge, newSize)
	}

	cc := f.chain
	cc.mu.Lock()
	defer cc.mu.Unlock()

	if newSize == 0 {
		_, err := f.clearContentLocked()
		return err
	}

	e, err := f.ReadShortEntry()
	if err != nil {
		return err
	}

	if f.IsDir() || newSize >= int(e.FileSize()) {
		return f.increaseSizeLocked(newSize)
	}

	if err := f.chain.refreshLocked(e.FirstCluster()); err != nil {
		return err
	}

	keep := ceilDiv(newSize, f.fs.ClusterSize())
	if keep < len(f.chain.clusters) {
		release := append([]uint32(nil), f.chain.clusters[keep:]...)

		if err := f.fs.fat.SetNextCluster(f.chain.clusters[keep-1], EndOfCluster); err != nil {
			return err
		}
		if err := f.fs.fat.DeallocCluster(release); err != nil {
			return err
		}

		f.chain.truncateLocked(keep)
	}

	now := f.fs.now()
	return f.ModifyShortEntry(func(e *ShortDirEntry) {
		e.SetFileSize(uint32(newSize))
		e.SetModified(now)
	})
}

// clearContentLocked releases every cluster and resets the entry to an empty,
// unallocated file. It returns the number of clusters released.
func (f *VirtFile) clearContentLocked() (int, error) {
	if f.IsRoot() {
		return 0, ErrRootDir
	}

	if err := f.regenerateLocked(); err != nil {
		return 0, err
	}
	ids := f.chain.clusters

	err := f.ModifyShortEntry(func(e *ShortDirEntry) {
		e.SetFileSize(0)
		e.SetFirstCluster(UnallocatedCluster)
	})
	if err != nil {
		return 0, err
	}

	if err := f.fs.fat.DeallocCluster(ids); err != nil {
		return 0, err
	}

	f.chain.truncateLocked(0)
	return len(ids), nil
}

// ClearContent releases the file's clusters without touching its directory
// entries beyond resetting size and first cluster.
func (f *VirtFile) ClearContent() (int, error) {
	f.chain.mu.Lock()
	defer f.chain.mu.Unlock()

	return f.clearContentLocked()
}

// ClearDirEntry tombstones every long entry, then the short entry. The
// clusters stay allocated.
func (f *VirtFile) ClearDirEntry() error {
	if f.IsRoot() {
		return ErrRootDir
	}

	for i := range f.ldePos {
		if err := f.ModifyLongEntry(i, func(e *LongDirEntry) { e.Delete() }); err != nil {
			return err
		}
	}

	return f.ModifyShortEntry(func(e *ShortDirEntry) { e.Delete() })
}

// Clear deletes the file: its entry set is tombstoned and its clusters are
// released. It returns the number of clusters released.
func (f *VirtFile) Clear() (int, error) {
	if f.IsRoot() {
		return 0, ErrRootDir
	}

	f.chain.mu.Lock()
	defer f.chain.mu.Unlock()

	if err := f.regenerateLocked(); err != nil {
		return 0, err
	}
	ids := f.chain.clusters

	if err := f.ClearDirEntry(); err != nil {
		return 0, err
	}

	if err := f.fs.fat.DeallocCluster(ids); err != nil {
		return 0, err
	}

	f.chain.truncateLocked(0)

	f.fs.log.WithFields(logrus.Fields{
		"name":  f.name,
		"count": len(ids),
	}).Debug("removed entry")

	return len(ids), nil
}

// Stat describes a file the way a stat call reports it.
type Stat struct {
	Size         int64
	BlockSize    int
	Blocks       int64 // in BlockSize units
	IsDir        bool
	Attr         uint8
	FirstCluster uint32
	ModTime      time.Time
	CreateTime   time.Time
}

// Stat reports size and allocation. A directory's size is its cluster count
// times the cluster size, since FAT32 stores 0 for directories.
func (f *VirtFile) Stat() (Stat, error) {
	e, err := f.ReadShortEntry()
	if err != nil {
		return Stat{}, err
	}

	n, err := f.fs.fat.ClusterChainLen(e.FirstCluster())
	if err != nil {
		return Stat{}, err
	}

	st := Stat{
		Size:         int64(e.FileSize()),
		BlockSize:    BlockSize,
		Blocks:       int64(n) * int64(f.fs.layout.SectorsPerCluster()),
		IsDir:        f.IsDir(),
		Attr:         e.Attr(),
		FirstCluster: e.FirstCluster(),
		ModTime:      e.ModTime(),
		CreateTime:   e.CreateTime(),
	}
	if f.IsDir() {
		st.Size = int64(n) * int64(f.fs.ClusterSize())
	}

	return st, nil
}

// DirInfo is one directory listing record as returned by VirtFile.DirInfo.
type DirInfo struct {
	Name         string
	ShortName    string
	NextOffset   int // offset of the record after the short entry
	EntryOffset  int // offset of the short entry
	LongEntries  int // long records directly preceding the short entry
	FirstCluster uint32
	Attr         uint8
	Size         uint32

	rawName [11]byte
}

// IsDir reports the directory attribute.
func (d DirInfo) IsDir() bool {
	return d.Attr&AttrDirectory != 0
}

func (d DirInfo) isVolumeLabel() bool {
	return d.Attr&AttrVolumeID != 0
}

func (d DirInfo) isDot() bool {
	return d.ShortName == "." || d.ShortName == ".."
}

// DirInfo reads the directory starting at offset and returns the next entry.
// Tombstoned records are skipped and long-name fragments are gathered until
// the short entry that closes the set. ok is false at the end of the
// directory.
func (f *VirtFile) DirInfo(offset int) (DirInfo, bool, error) {
	if !f.IsDir() {
		return DirInfo{}, false, ErrNotDir
	}

	var (
		frags     [][]uint16 // on-disk order
		wantOrder int
		sum       uint8
		coherent  bool
		rec       [DirEntrySize]byte
	)

	for off := offset; ; off += DirEntrySize {
		n, err := f.ReadAt(off, rec[:])
		if err != nil {
			return DirInfo{}, false, err
		}
		if n < DirEntrySize || rec[0] == dirEntryEnd {
			return DirInfo{}, false, nil
		}

		if rec[0] == dirEntryDeleted {
			frags = nil
			continue
		}

		if rec[0x0B]&0x3F == AttrLongName {
			lde := ParseLongDirEntry(rec[:])
			switch {
			case lde.IsLast():
				frags = nil
				coherent = lde.Order() >= 1 && lde.Order() <= ceilDiv(maxLongNameLen, longNameCharsPerEntry)
				wantOrder = lde.Order() - 1
				sum = lde.CheckSum()
			case len(frags) == 0 || lde.Order() < 1 || lde.Order() != wantOrder || lde.CheckSum() != sum:
				coherent = false
			default:
				wantOrder--
			}
			frags = append(frags, lde.Units())
			continue
		}

		sde := ParseShortDirEntry(rec[:])
		info := DirInfo{
			ShortName:    sde.Name(),
			NextOffset:   off + DirEntrySize,
			EntryOffset:  off,
			LongEntries:  len(frags),
			FirstCluster: sde.FirstCluster(),
			Attr:         sde.Attr(),
			Size:         sde.FileSize(),
			rawName:      sde.RawName(),
		}
		info.Name = f.fs.longName(&sde, frags, coherent && wantOrder == 0 && sum == sde.GenCheckSum())

		return info, true, nil
	}
}

// longName joins the fragments gathered for sde. An inconsistent set falls
// back to the short name unless strict checking is off.
func (fs *FileSystem) longName(sde *ShortDirEntry, frags [][]uint16, ok bool) string {
	if len(frags) == 0 {
		return sde.LowerName()
	}

	if !ok && fs.opts.strictLongNames {
		fs.log.WithFields(logrus.Fields{
			"name":  sde.Name(),
			"count": len(frags),
		}).Warn("long name does not match its short entry, using short name")

		return sde.LowerName()
	}

	var units []uint16
	for i := len(frags) - 1; i >= 0; i-- {
		units = append(units, frags[i]...)
	}

	return string(utf16.Decode(units))
}
