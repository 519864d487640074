package fat32

import (
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
)

// A FAT32 directory holds at most 65536 records.
const maxDirSize = 65536 * DirEntrySize

// Lookup finds the child called name. Long and short names both match,
// ignoring case.
func (f *VirtFile) Lookup(name string) (*VirtFile, error) {
	if !f.IsDir() {
		return nil, ErrNotDir
	}

	info, err := f.find(name)
	if err != nil {
		return nil, err
	}

	return f.child(info)
}

func (f *VirtFile) find(name string) (DirInfo, error) {
	for off := 0; ; {
		info, ok, err := f.DirInfo(off)
		if err != nil {
			return DirInfo{}, fmt.Errorf("failed to read directory %q: %w", f.name, err)
		}
		if !ok {
			return DirInfo{}, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		off = info.NextOffset

		if info.isDot() || info.isVolumeLabel() {
			continue
		}

		if strings.EqualFold(info.Name, name) || strings.EqualFold(info.ShortName, name) {
			return info, nil
		}
	}
}

// child builds a handle for the entry described by info.
func (f *VirtFile) child(info DirInfo) (*VirtFile, error) {
	sde, err := f.DirentClusterPos(info.EntryOffset)
	if err != nil {
		return nil, err
	}

	lde := make([]DirEntryPos, 0, info.LongEntries)
	for i := info.LongEntries; i >= 1; i-- {
		p, err := f.DirentClusterPos(info.EntryOffset - i*DirEntrySize)
		if err != nil {
			return nil, err
		}
		lde = append(lde, p)
	}

	chain, err := f.GenerateClusterChain(info.EntryOffset)
	if err != nil {
		return nil, fmt.Errorf("failed to read cluster chain of %q: %w", info.Name, err)
	}

	kind := FileTypeFile
	if info.IsDir() {
		kind = FileTypeDir
	}

	return newVirtFile(f.fs, info.Name, sde, lde, chain, kind), nil
}

// ReadDir lists the directory, without "." and ".." or the volume label.
func (f *VirtFile) ReadDir() ([]DirInfo, error) {
	if !f.IsDir() {
		return nil, ErrNotDir
	}

	var out []DirInfo
	for off := 0; ; {
		info, ok, err := f.DirInfo(off)
		if err != nil {
			return nil, err
		}
		if !ok {
			return out, nil
		}
		off = info.NextOffset

		if info.isDot() || info.isVolumeLabel() {
			continue
		}
		out = append(out, info)
	}
}

func (f *VirtFile) isEmptyDir() (bool, error) {
	for off := 0; ; {
		info, ok, err := f.DirInfo(off)
		if err != nil {
			return false, err
		}
		if !ok {
			return true, nil
		}
		off = info.NextOffset

		if !info.isDot() && !info.isVolumeLabel() {
			return false, nil
		}
	}
}

// Create adds a new empty file or directory called name. A directory
// receives its first cluster with "." and ".." records.
func (f *VirtFile) Create(name string, kind FileType) (*VirtFile, error) {
	if !f.IsDir() {
		return nil, ErrNotDir
	}
	if err := validateName(name); err != nil {
		return nil, err
	}

	f.fs.nsMu.Lock()
	defer f.fs.nsMu.Unlock()

	if _, err := f.find(name); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrExist, name)
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	now := f.fs.now()
	sde := NewShortDirEntry(UnallocatedCluster, nil, nil, kind)
	sde.SetCreated(now)

	var dirCluster uint32
	if kind == FileTypeDir {
		parent, err := f.dotDotCluster()
		if err != nil {
			return nil, err
		}

		ids, err := f.fs.fat.allocClusters(1, UnallocatedCluster)
		if err != nil {
			return nil, fmt.Errorf("failed to allocate directory %q: %w", name, err)
		}
		dirCluster = ids[0]

		if err := f.fs.initDirCluster(dirCluster, parent, &sde); err != nil {
			_ = f.fs.fat.DeallocCluster(ids)
			return nil, err
		}
		sde.SetFirstCluster(dirCluster)
	}

	off, nLong, err := f.insertEntrySet(name, &sde)
	if err != nil {
		if dirCluster != 0 {
			_ = f.fs.fat.DeallocCluster([]uint32{dirCluster})
		}
		return nil, fmt.Errorf("failed to create %q: %w", name, err)
	}

	f.fs.log.WithFields(logrus.Fields{
		"name":    name,
		"cluster": dirCluster,
		"count":   nLong,
	}).Debug("created entry")

	return f.child(DirInfo{
		Name:         name,
		EntryOffset:  off,
		NextOffset:   off + DirEntrySize,
		LongEntries:  nLong,
		FirstCluster: dirCluster,
		Attr:         sde.Attr(),
	})
}

// dotDotCluster is the value a child directory's ".." record carries: 0 when
// the parent is the root.
func (f *VirtFile) dotDotCluster() (uint32, error) {
	if f.IsRoot() {
		return 0, nil
	}
	return f.FirstCluster()
}

// initDirCluster writes "." and ".." into a zeroed directory cluster.
func (fs *FileSystem) initDirCluster(cluster, parent uint32, like *ShortDirEntry) error {
	if err := fs.zeroClusters([]uint32{cluster}); err != nil {
		return err
	}

	dot := NewShortDirEntry(cluster, []byte("."), nil, FileTypeDir)
	dot.copyTimes(like)
	dotDot := NewShortDirEntry(parent, []byte(".."), nil, FileTypeDir)
	dotDot.copyTimes(like)

	block := fs.layout.Offset(cluster) / BlockSize
	return fs.cache.ModifyAt(block, 0, 2*DirEntrySize, func(b []byte) {
		dot.Encode(b[0:DirEntrySize])
		dotDot.Encode(b[DirEntrySize:])
	})
}

// insertEntrySet picks the short alias for name, then writes the long
// entries followed by sde into the first run of free slots that fits. Without
// such a run the set goes to the end of the directory, which grows as needed.
// It returns the offset of the short entry and the number of long entries.
func (f *VirtFile) insertEntrySet(name string, sde *ShortDirEntry) (int, int, error) {
	taken := make(map[[11]byte]bool)
	var free []bool

	var rec [DirEntrySize]byte
	ended := false
	for off := 0; ; off += DirEntrySize {
		n, err := f.ReadAt(off, rec[:])
		if err != nil {
			return 0, 0, err
		}
		if n < DirEntrySize {
			break
		}

		switch {
		case ended || rec[0] == dirEntryEnd:
			ended = true
			free = append(free, true)
		case rec[0] == dirEntryDeleted:
			free = append(free, true)
		default:
			free = append(free, false)
			if rec[0x0B]&0x3F != AttrLongName {
				e := ParseShortDirEntry(rec[:])
				taken[e.RawName()] = true
			}
		}
	}

	base, ext, needsLong, err := shortAlias(name, func(raw [11]byte) bool { return taken[raw] })
	if err != nil {
		return 0, 0, err
	}
	sde.setShortName(base, ext)

	var lfn []LongDirEntry
	if needsLong {
		lfn = longEntriesFor(name, sde.GenCheckSum())
	}
	need := len(lfn) + 1

	start, run := -1, 0
	for i, ok := range free {
		if !ok {
			run = 0
			continue
		}
		run++
		if run == need {
			start = i - need + 1
			break
		}
	}
	if start < 0 {
		start = len(free) - run
	}

	off := start * DirEntrySize
	if off+need*DirEntrySize > maxDirSize {
		return 0, 0, fmt.Errorf("%w: directory %q is full", ErrNoSpace, f.name)
	}

	buf := make([]byte, need*DirEntrySize)
	for i := range lfn {
		lfn[i].Encode(buf[i*DirEntrySize:])
	}
	sde.Encode(buf[len(lfn)*DirEntrySize:])

	if _, err := f.WriteAt(off, buf); err != nil {
		return 0, 0, err
	}

	return off + len(lfn)*DirEntrySize, len(lfn), nil
}

// Remove deletes the file or empty directory called name.
func (f *VirtFile) Remove(name string) error {
	if !f.IsDir() {
		return ErrNotDir
	}

	f.fs.nsMu.Lock()
	defer f.fs.nsMu.Unlock()

	child, err := f.Lookup(name)
	if err != nil {
		return err
	}

	if child.IsDir() {
		empty, err := child.isEmptyDir()
		if err != nil {
			return err
		}
		if !empty {
			return fmt.Errorf("%w: %s", ErrDirNotEmpty, name)
		}
	}

	_, err = child.Clear()
	return err
}

// Rename moves oldName in this directory to newName in dst, which may be the
// same directory. A new entry set pointing at the same clusters is written
// before the old one is tombstoned. Moving a directory rewrites its "..".
func (f *VirtFile) Rename(oldName string, dst *VirtFile, newName string) error {
	if !f.IsDir() || !dst.IsDir() {
		return ErrNotDir
	}
	if err := validateName(newName); err != nil {
		return err
	}

	f.fs.nsMu.Lock()
	defer f.fs.nsMu.Unlock()

	info, err := f.find(oldName)
	if err != nil {
		return err
	}

	src, err := f.child(info)
	if err != nil {
		return err
	}

	srcDir, err := f.FirstCluster()
	if err != nil {
		return err
	}
	dstDir, err := dst.FirstCluster()
	if err != nil {
		return err
	}
	sameDir := srcDir == dstDir

	caseOnly := false
	if existing, err := dst.find(newName); err == nil {
		if !sameDir || existing.EntryOffset != info.EntryOffset {
			return fmt.Errorf("%w: %s", ErrExist, newName)
		}
		if existing.Name == newName {
			return nil
		}
		caseOnly = true
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}

	old, err := src.ReadShortEntry()
	if err != nil {
		return err
	}

	if src.IsDir() && !sameDir {
		inside, err := dst.within(old.FirstCluster())
		if err != nil {
			return err
		}
		if inside {
			return fmt.Errorf("%w: cannot move %q into itself", ErrInvalidName, oldName)
		}
	}

	sde := NewShortDirEntry(old.FirstCluster(), nil, nil, src.kind)
	sde.SetAttr(old.Attr())
	sde.SetFileSize(old.FileSize())
	sde.copyTimes(&old)

	// A case-only rename frees the old slots first so the new set may reuse
	// them. The raw records are kept to put the entry back if that fails.
	var saved [][DirEntrySize]byte
	if caseOnly {
		if saved, err = src.entryRecords(); err != nil {
			return err
		}
		if err := src.ClearDirEntry(); err != nil {
			return err
		}
	}

	if _, _, err := dst.insertEntrySet(newName, &sde); err != nil {
		if caseOnly {
			if rerr := src.restoreEntryRecords(saved); rerr != nil {
				err = errors.Join(err, fmt.Errorf("failed to restore %q: %w", oldName, rerr))
			}
		}
		return fmt.Errorf("failed to rename %q to %q: %w", oldName, newName, err)
	}

	if !caseOnly {
		if err := src.ClearDirEntry(); err != nil {
			return err
		}
	}

	if src.IsDir() && !sameDir && old.FirstCluster() >= firstDataCluster {
		parent, err := dst.dotDotCluster()
		if err != nil {
			return err
		}

		block := f.fs.layout.Offset(old.FirstCluster()) / BlockSize
		err = f.fs.cache.ModifyAt(block, DirEntrySize, DirEntrySize, func(b []byte) {
			e := ParseShortDirEntry(b)
			e.SetFirstCluster(parent)
			e.Encode(b)
		})
		if err != nil {
			return fmt.Errorf("failed to update '..' of %q: %w", newName, err)
		}
	}

	f.fs.log.WithFields(logrus.Fields{
		"name":    newName,
		"cluster": old.FirstCluster(),
	}).Debug("renamed entry")

	return nil
}

// entryRecords returns the raw long records followed by the short record.
func (f *VirtFile) entryRecords() ([][DirEntrySize]byte, error) {
	positions := append(f.LongEntryPos(), f.sdePos)
	out := make([][DirEntrySize]byte, len(positions))

	for i, p := range positions {
		block, off := f.blockPos(p)
		err := f.fs.cache.ReadAt(block, off, DirEntrySize, func(b []byte) {
			copy(out[i][:], b)
		})
		if err != nil {
			return nil, err
		}
	}

	return out, nil
}

// restoreEntryRecords writes back records saved by entryRecords.
func (f *VirtFile) restoreEntryRecords(recs [][DirEntrySize]byte) error {
	positions := append(f.LongEntryPos(), f.sdePos)

	for i, p := range positions {
		block, off := f.blockPos(p)
		err := f.fs.cache.ModifyAt(block, off, DirEntrySize, func(b []byte) {
			copy(b, recs[i][:])
		})
		if err != nil {
			return err
		}
	}

	return nil
}

// within reports whether this directory is the directory starting at
// ancestor or lies below it, following ".." records up to the root.
func (f *VirtFile) within(ancestor uint32) (bool, error) {
	if f.IsRoot() {
		return false, nil
	}

	c, err := f.FirstCluster()
	if err != nil {
		return false, err
	}

	for steps := uint32(0); c >= firstDataCluster; steps++ {
		if c == ancestor {
			return true, nil
		}
		if c == f.fs.layout.RootDirCluster || steps > f.fs.layout.ClusterCount() {
			return false, nil
		}

		block := f.fs.layout.Offset(c) / BlockSize
		err := f.fs.cache.ReadAt(block, DirEntrySize, DirEntrySize, func(b []byte) {
			e := ParseShortDirEntry(b)
			c = e.FirstCluster()
		})
		if err != nil {
			return false, err
		}
	}

	return false, nil
}
