// Package fat32 provides a pure Go FAT32 filesystem engine that works directly
// on a raw block device. It decodes and encodes the on-disk directory entry
// formats, tracks cluster chains through the File Allocation Table, caches
// block-sized I/O with reference-counted eviction, and exposes file and
// directory handles (VirtFile) for a host to build open/read/write/stat/rename/
// unlink on top of.
//
// The main entry point is Mount, which reads the boot sector of a formatted
// device. Format writes a fresh FAT32 layout, and Image wraps both around an
// image file with path-level helpers.
//
// Example usage:
//
//	img, err := fat32.CreateImage("disk.img", fat32.FormatOptions{SizeBytes: 64 << 20})
//	if err != nil {
//		panic(err)
//	}
//	defer img.Close()
//
//	if err := img.Mkdir("/etc"); err != nil {
//		panic(err)
//	}
//	if err := img.WriteFile("/etc/hostname", []byte("myhost\n")); err != nil {
//		panic(err)
//	}
//	if err := img.Save(); err != nil {
//		panic(err)
//	}
package fat32

import "errors"

const (
	// BlockSize is the device I/O unit and the only supported sector size.
	BlockSize = 512

	// DirEntrySize is the size of one short or long directory record.
	DirEntrySize = 32

	// DefaultCacheLimit is the resident block count used when no
	// WithCacheLimit option is given.
	DefaultCacheLimit = 64

	longNameCharsPerEntry = 13
	maxLongNameLen        = 255
)

// Directory entry attributes (offset 0x0B of a short entry).
const (
	AttrReadOnly  = 0x01
	AttrHidden    = 0x02
	AttrSystem    = 0x04
	AttrVolumeID  = 0x08
	AttrDirectory = 0x10
	AttrArchive   = 0x20
	AttrLongName  = AttrReadOnly | AttrHidden | AttrSystem | AttrVolumeID
)

const (
	dirEntryEnd     = 0x00 // name[0]: unused, no entries follow
	dirEntryDeleted = 0xE5 // name[0] / order: tombstone
	dirEntryE5Alias = 0x05 // name[0]: real first byte is 0xE5
	lastLongEntry   = 0x40 // order: entry closest to the short entry
	space           = 0x20
)

// FAT entry values. FAT32 entries are 28 bits wide; the top nibble is
// reserved and preserved on write.
const (
	fatEntryMask = 0x0FFFFFFF

	// EndOfCluster terminates every cluster chain.
	EndOfCluster uint32 = 0x0FFFFFFF

	// UnallocatedCluster is the first-cluster value of an entry that owns no
	// data yet.
	UnallocatedCluster uint32 = 0

	freeCluster      uint32 = 0x00000000
	badCluster       uint32 = 0x0FFFFFF7
	endOfChainMin    uint32 = 0x0FFFFFF8
	firstDataCluster uint32 = 2
)

// FileType tags a VirtFile as a regular file or a directory. The values are
// the attribute bits written for newly created entries.
type FileType uint8

const (
	FileTypeFile FileType = AttrArchive
	FileTypeDir  FileType = AttrDirectory
)

// String returns "dir" or "file".
func (t FileType) String() string {
	if t == FileTypeDir {
		return "dir"
	}
	return "file"
}

var (
	ErrNotFound     = errors.New("fat32: no such file or directory")
	ErrExist        = errors.New("fat32: file already exists")
	ErrNotDir       = errors.New("fat32: not a directory")
	ErrIsDir        = errors.New("fat32: is a directory")
	ErrDirNotEmpty  = errors.New("fat32: directory not empty")
	ErrNoSpace      = errors.New("fat32: no free clusters left on device")
	ErrFileTooLarge = errors.New("fat32: file size exceeds 4 GiB - 1")
	ErrInvalidName  = errors.New("fat32: invalid file name")
	ErrNotFAT32     = errors.New("fat32: not a FAT32 filesystem")
	ErrCorrupt      = errors.New("fat32: corrupt cluster chain")
	ErrRootDir      = errors.New("fat32: operation not permitted on root directory")
	ErrClosed       = errors.New("fat32: filesystem is closed")
	ErrOutOfRange   = errors.New("fat32: block out of device range")
	ErrInvalidBlock = errors.New("fat32: buffer is not exactly one block")
)
