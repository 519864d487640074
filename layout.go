package fat32

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// Geometry supplies the on-disk positions the engine needs. Offsets are in
// bytes from the start of the device.
type Geometry interface {
	RootCluster() uint32
	FAT1Offset() uint64
	Offset(cluster uint32) uint64
	SectorsPerCluster() int
	BytesPerCluster() int

	// ClusterCount is the highest valid cluster number plus one.
	ClusterCount() uint32
	// FATOffsets lists the start of every FAT copy, FAT1 first.
	FATOffsets() []uint64
	// FSInfoSector is the block holding the FSInfo structure, 0 if absent.
	FSInfoSector() uint64
}

// Layout contains the FAT32 geometry decoded from (or destined for) the BIOS
// Parameter Block. It implements Geometry.
type Layout struct {
	BytesPerSector  uint16
	SectorsPerClus  uint8
	ReservedSectors uint16
	NumFATs         uint8
	TotalSectors    uint32
	FATSize         uint32 // sectors per FAT copy
	RootDirCluster  uint32
	FSInfo          uint16
	BackupBoot      uint16
	Media           uint8
	VolumeID        uint32
	VolumeLabel     string
	OEMName         string
}

var _ Geometry = (*Layout)(nil)

const (
	bootSignatureOffset = 0x1FE
	extBootSignature    = 0x29
	mediaFixed          = 0xF8
	sectorsPerTrack     = 63
	numHeads            = 255

	defaultReservedSectors = 32
	defaultNumFATs         = 2
	defaultBackupBoot      = 6
	defaultFSInfoSector    = 1
)

// ParseBootSector decodes the BPB in block 0 of a FAT32 volume.
// FAT12/16 volumes (a non-zero root entry count or 16-bit FAT size) are
// rejected with ErrNotFAT32. Only 512-byte sectors are supported.
func ParseBootSector(b []byte) (*Layout, error) {
	if len(b) < BlockSize {
		return nil, fmt.Errorf("boot sector too short: %d bytes", len(b))
	}

	if b[bootSignatureOffset] != 0x55 || b[bootSignatureOffset+1] != 0xAA {
		return nil, fmt.Errorf("%w: missing boot signature", ErrNotFAT32)
	}

	l := &Layout{
		OEMName:         strings.TrimRight(string(b[0x03:0x0B]), " \x00"),
		BytesPerSector:  binary.LittleEndian.Uint16(b[0x0B:]),
		SectorsPerClus:  b[0x0D],
		ReservedSectors: binary.LittleEndian.Uint16(b[0x0E:]),
		NumFATs:         b[0x10],
		Media:           b[0x15],
		FATSize:         binary.LittleEndian.Uint32(b[0x24:]),
		RootDirCluster:  binary.LittleEndian.Uint32(b[0x2C:]),
		FSInfo:          binary.LittleEndian.Uint16(b[0x30:]),
		BackupBoot:      binary.LittleEndian.Uint16(b[0x32:]),
	}

	rootEntCnt := binary.LittleEndian.Uint16(b[0x11:])
	fatSz16 := binary.LittleEndian.Uint16(b[0x16:])
	if rootEntCnt != 0 || fatSz16 != 0 || l.FATSize == 0 {
		return nil, ErrNotFAT32
	}

	if l.BytesPerSector != BlockSize {
		return nil, fmt.Errorf("unsupported sector size %d, only %d is supported", l.BytesPerSector, BlockSize)
	}

	spc := l.SectorsPerClus
	if spc == 0 || spc&(spc-1) != 0 {
		return nil, fmt.Errorf("%w: invalid sectors per cluster %d", ErrNotFAT32, spc)
	}

	if l.ReservedSectors == 0 || l.NumFATs == 0 {
		return nil, fmt.Errorf("%w: reserved sectors %d, FAT count %d", ErrNotFAT32, l.ReservedSectors, l.NumFATs)
	}

	l.TotalSectors = uint32(binary.LittleEndian.Uint16(b[0x13:]))
	if l.TotalSectors == 0 {
		l.TotalSectors = binary.LittleEndian.Uint32(b[0x20:])
	}

	if l.TotalSectors <= l.DataStartSector() {
		return nil, fmt.Errorf("%w: %d sectors leave no data region", ErrNotFAT32, l.TotalSectors)
	}

	if l.RootDirCluster < firstDataCluster || l.RootDirCluster >= l.ClusterCount() {
		return nil, fmt.Errorf("%w: root cluster %d out of range", ErrNotFAT32, l.RootDirCluster)
	}

	if b[0x42] == extBootSignature {
		l.VolumeID = binary.LittleEndian.Uint32(b[0x43:])
		l.VolumeLabel = strings.TrimRight(string(b[0x47:0x52]), " ")
	}

	return l, nil
}

// CalculateLayout computes the geometry of a new volume of sizeBytes.
// A zero sectorsPerCluster picks the cluster size Microsoft's format tool
// uses for the volume size. The FAT size is iterated to a fixed point so
// that it covers every data cluster.
func CalculateLayout(sizeBytes uint64, sectorsPerCluster uint8, reserved uint16, numFATs uint8) (*Layout, error) {
	if sectorsPerCluster == 0 {
		sectorsPerCluster = defaultSectorsPerCluster(sizeBytes)
	}
	if sectorsPerCluster&(sectorsPerCluster-1) != 0 {
		return nil, fmt.Errorf("sectors per cluster must be a power of two, got %d", sectorsPerCluster)
	}
	if reserved == 0 {
		reserved = defaultReservedSectors
	}
	if reserved <= defaultBackupBoot+1 {
		return nil, fmt.Errorf("need more than %d reserved sectors, got %d", defaultBackupBoot+1, reserved)
	}
	if numFATs == 0 {
		numFATs = defaultNumFATs
	}

	total := sizeBytes / BlockSize
	if total > 0xFFFFFFFF {
		return nil, fmt.Errorf("volume too large: %d sectors", total)
	}

	l := &Layout{
		BytesPerSector:  BlockSize,
		SectorsPerClus:  sectorsPerCluster,
		ReservedSectors: reserved,
		NumFATs:         numFATs,
		TotalSectors:    uint32(total),
		RootDirCluster:  firstDataCluster,
		FSInfo:          defaultFSInfoSector,
		BackupBoot:      defaultBackupBoot,
		Media:           mediaFixed,
		OEMName:         "GOFAT32",
	}

	fatSize := uint32(1)
	for {
		meta := uint64(reserved) + uint64(numFATs)*uint64(fatSize)
		if meta >= total {
			return nil, fmt.Errorf("volume too small: %d bytes", sizeBytes)
		}

		clusters := (total - meta) / uint64(sectorsPerCluster)
		need := uint32(ceilDiv(int((clusters+2)*4), BlockSize))
		if need <= fatSize {
			break
		}
		fatSize = need
	}
	l.FATSize = fatSize

	if clusters := l.ClusterCount() - firstDataCluster; clusters < 2 {
		return nil, fmt.Errorf("volume too small: %d bytes give %d clusters", sizeBytes, clusters)
	}

	return l, nil
}

func defaultSectorsPerCluster(size uint64) uint8 {
	const mb = 1 << 20
	switch {
	case size <= 260*mb:
		return 1
	case size <= 8192*mb:
		return 8
	case size <= 16384*mb:
		return 16
	case size <= 32768*mb:
		return 32
	default:
		return 64
	}
}

// RootCluster returns the first cluster of the root directory.
func (l *Layout) RootCluster() uint32 {
	return l.RootDirCluster
}

// FAT1Offset is the byte offset of the first FAT copy.
func (l *Layout) FAT1Offset() uint64 {
	return uint64(l.ReservedSectors) * uint64(l.BytesPerSector)
}

// FATOffsets returns the byte offset of every FAT copy, primary first.
func (l *Layout) FATOffsets() []uint64 {
	out := make([]uint64, l.NumFATs)
	for i := range out {
		out[i] = l.FAT1Offset() + uint64(i)*uint64(l.FATSize)*uint64(l.BytesPerSector)
	}
	return out
}

// DataStartSector is the first sector of cluster 2.
func (l *Layout) DataStartSector() uint32 {
	return uint32(l.ReservedSectors) + uint32(l.NumFATs)*l.FATSize
}

// Offset returns the byte offset of the first sector of cluster.
func (l *Layout) Offset(cluster uint32) uint64 {
	if cluster < firstDataCluster {
		panic(fmt.Sprintf("fat32: cluster %d has no data region", cluster))
	}

	sector := uint64(l.DataStartSector()) + uint64(cluster-firstDataCluster)*uint64(l.SectorsPerClus)
	return sector * uint64(l.BytesPerSector)
}

// SectorsPerCluster returns the cluster size in sectors.
func (l *Layout) SectorsPerCluster() int {
	return int(l.SectorsPerClus)
}

// BytesPerCluster returns the cluster size in bytes.
func (l *Layout) BytesPerCluster() int {
	return int(l.SectorsPerClus) * int(l.BytesPerSector)
}

// ClusterCount is one past the highest addressable cluster, capped by the
// FAT size and the largest valid FAT32 cluster number.
func (l *Layout) ClusterCount() uint32 {
	dataClusters := (l.TotalSectors - l.DataStartSector()) / uint32(l.SectorsPerClus)
	count := dataClusters + firstDataCluster

	// The FAT may not describe every sector of the data region.
	if entries := l.FATSize * uint32(l.BytesPerSector) / 4; count > entries {
		count = entries
	}
	if count > fatEntryMask-0xF {
		count = fatEntryMask - 0xF
	}

	return count
}

// FSInfoSector returns the FSInfo sector, or 0 when the volume has none.
func (l *Layout) FSInfoSector() uint64 {
	if l.FSInfo == 0 || l.FSInfo == 0xFFFF {
		return 0
	}
	return uint64(l.FSInfo)
}

// encodeBootSector renders the layout as a boot sector.
func (l *Layout) encodeBootSector() []byte {
	b := make([]byte, BlockSize)

	copy(b[0x00:], []byte{0xEB, 0x58, 0x90})
	copy(b[0x03:0x0B], padRight(l.OEMName, 8))
	binary.LittleEndian.PutUint16(b[0x0B:], l.BytesPerSector)
	b[0x0D] = l.SectorsPerClus
	binary.LittleEndian.PutUint16(b[0x0E:], l.ReservedSectors)
	b[0x10] = l.NumFATs
	b[0x15] = l.Media
	binary.LittleEndian.PutUint16(b[0x18:], sectorsPerTrack)
	binary.LittleEndian.PutUint16(b[0x1A:], numHeads)
	binary.LittleEndian.PutUint32(b[0x20:], l.TotalSectors)
	binary.LittleEndian.PutUint32(b[0x24:], l.FATSize)
	binary.LittleEndian.PutUint32(b[0x2C:], l.RootDirCluster)
	binary.LittleEndian.PutUint16(b[0x30:], l.FSInfo)
	binary.LittleEndian.PutUint16(b[0x32:], l.BackupBoot)
	b[0x40] = 0x80
	b[0x42] = extBootSignature
	binary.LittleEndian.PutUint32(b[0x43:], l.VolumeID)

	label := l.VolumeLabel
	if label == "" {
		label = "NO NAME"
	}
	copy(b[0x47:0x52], padRight(strings.ToUpper(label), 11))
	copy(b[0x52:0x5A], "FAT32   ")

	b[bootSignatureOffset] = 0x55
	b[bootSignatureOffset+1] = 0xAA

	return b
}

func padRight(s string, n int) []byte {
	out := []byte(strings.Repeat(" ", n))
	copy(out, s)
	return out
}

// String returns a human-readable summary of the geometry.
func (l *Layout) String() string {
	return fmt.Sprintf("FAT32 Layout:\n"+
		"  Total Sectors: %d (%d bytes)\n"+
		"  Cluster Size: %d bytes (%d sectors)\n"+
		"  Reserved Sectors: %d\n"+
		"  FATs: %d x %d sectors\n"+
		"  Data Clusters: %d\n"+
		"  Root Cluster: %d\n"+
		"  Volume ID: %08X\n"+
		"  Volume Label: %q",
		l.TotalSectors, uint64(l.TotalSectors)*uint64(l.BytesPerSector),
		l.BytesPerCluster(), l.SectorsPerClus,
		l.ReservedSectors,
		l.NumFATs, l.FATSize,
		l.ClusterCount()-firstDataCluster,
		l.RootDirCluster,
		l.VolumeID,
		l.VolumeLabel)
}
