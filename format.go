package fat32

import (
	"encoding/binary"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// FormatOptions configures Format. Zero values select defaults.
type FormatOptions struct {
	// SizeBytes is the volume size. Zero uses the whole device when its
	// capacity is known.
	SizeBytes         uint64
	SectorsPerCluster uint8
	ReservedSectors   uint16
	NumFATs           uint8
	VolumeLabel       string
	// VolumeID is the volume serial number. Zero picks a random one.
	VolumeID uint32
	// CreatedAt stamps the volume label entry. Zero uses the current time.
	CreatedAt time.Time
}

// Format writes an empty FAT32 volume to dev: boot sector and its backup,
// FSInfo, zeroed FAT copies with the reserved entries and the root directory
// cluster, and an empty root directory.
func Format(dev BlockDevice, opts FormatOptions) (*Layout, error) {
	size := opts.SizeBytes
	if size == 0 {
		s, ok := dev.(sizer)
		if !ok {
			return nil, fmt.Errorf("volume size is required for a device of unknown capacity")
		}
		size = s.NumBlocks() * BlockSize
	}

	if s, ok := dev.(sizer); ok && s.NumBlocks()*BlockSize < size {
		return nil, fmt.Errorf("device holds %d bytes, volume needs %d", s.NumBlocks()*BlockSize, size)
	}

	label := strings.ToUpper(opts.VolumeLabel)
	if len(label) > 11 {
		return nil, fmt.Errorf("%w: volume label %q is longer than 11 bytes", ErrInvalidName, opts.VolumeLabel)
	}
	for i := 0; i < len(label); i++ {
		if c := label[i]; c != ' ' && !validShortNameChars.Contains(c) {
			return nil, fmt.Errorf("%w: volume label %q", ErrInvalidName, opts.VolumeLabel)
		}
	}

	l, err := CalculateLayout(size, opts.SectorsPerCluster, opts.ReservedSectors, opts.NumFATs)
	if err != nil {
		return nil, fmt.Errorf("failed to calculate layout: %w", err)
	}

	l.VolumeLabel = label
	l.VolumeID = opts.VolumeID
	if l.VolumeID == 0 {
		id := uuid.New()
		l.VolumeID = binary.LittleEndian.Uint32(id[:4])
	}

	w := &formatter{dev: dev, layout: l, zero: make([]byte, BlockSize)}

	createdAt := opts.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	steps := []struct {
		what string
		fn   func() error
	}{
		{"reserved region", w.writeReserved},
		{"FAT", w.writeFATs},
		{"root directory", func() error { return w.writeRoot(createdAt) }},
	}
	for _, s := range steps {
		if err := s.fn(); err != nil {
			return nil, fmt.Errorf("failed to write %s: %w", s.what, err)
		}
	}

	if s, ok := dev.(syncer); ok {
		if err := s.Sync(); err != nil {
			return nil, err
		}
	}

	return l, nil
}

type formatter struct {
	dev    BlockDevice
	layout *Layout
	zero   []byte
}

func (w *formatter) zeroRange(first, count uint64) error {
	for i := first; i < first+count; i++ {
		if err := w.dev.WriteBlock(i, w.zero); err != nil {
			return err
		}
	}
	return nil
}

// writeReserved writes the boot sector, FSInfo and their backups.
func (w *formatter) writeReserved() error {
	l := w.layout

	if err := w.zeroRange(0, uint64(l.ReservedSectors)); err != nil {
		return err
	}

	boot := l.encodeBootSector()

	info := make([]byte, BlockSize)
	fsInfo{
		freeCount: l.ClusterCount() - firstDataCluster - 1,
		nextFree:  l.RootDirCluster + 1,
	}.encode(info)

	for _, base := range []uint64{0, uint64(l.BackupBoot)} {
		if err := w.dev.WriteBlock(base, boot); err != nil {
			return fmt.Errorf("boot sector at %d: %w", base, err)
		}
		if err := w.dev.WriteBlock(base+uint64(l.FSInfo), info); err != nil {
			return fmt.Errorf("FSInfo at %d: %w", base+uint64(l.FSInfo), err)
		}
	}

	return nil
}

// writeFATs zeroes each FAT copy and sets the media entry, the reserved
// entry and the end of the root directory chain.
func (w *formatter) writeFATs() error {
	l := w.layout

	first := make([]byte, BlockSize)
	binary.LittleEndian.PutUint32(first[0:], 0x0FFFFF00|uint32(l.Media))
	binary.LittleEndian.PutUint32(first[4:], EndOfCluster)
	binary.LittleEndian.PutUint32(first[l.RootDirCluster*4:], EndOfCluster)

	for _, off := range l.FATOffsets() {
		start := off / BlockSize
		if err := w.dev.WriteBlock(start, first); err != nil {
			return err
		}
		if err := w.zeroRange(start+1, uint64(l.FATSize)-1); err != nil {
			return err
		}
	}

	return nil
}

// writeRoot clears the root cluster and records the volume label in it.
func (w *formatter) writeRoot(createdAt time.Time) error {
	l := w.layout
	start := l.Offset(l.RootDirCluster) / BlockSize

	if err := w.zeroRange(start, uint64(l.SectorsPerClus)); err != nil {
		return err
	}

	if l.VolumeLabel == "" {
		return nil
	}

	raw := padRight(l.VolumeLabel, 11)
	e := NewShortDirEntry(0, raw[:8], raw[8:], FileTypeFile)
	e.SetAttr(AttrVolumeID)
	e.SetCreated(createdAt)

	block := make([]byte, BlockSize)
	e.Encode(block)

	return w.dev.WriteBlock(start, block)
}
