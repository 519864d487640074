package fat32

import (
	"encoding/binary"
	"fmt"
	"strings"
	"time"
	"unicode/utf16"

	"github.com/elliotwutingfeng/asciiset"
)

// Characters a FAT short name may never contain.
var invalidShortNameChars, _ = asciiset.MakeASCIISet(`"*./:<>?[\]|`)

// ShortDirEntry is the 32-byte 8.3 directory record that describes a file or
// subdirectory. Multi-byte fields are little-endian on disk.
//
//	0x00 name[8]    0x0B attr      0x0C ntRes      0x0D crtTimeTenth
//	0x0E crtTime    0x10 crtDate   0x12 lstAccDate 0x14 fstClusHI
//	0x16 wrtTime    0x18 wrtDate   0x1A fstClusLO  0x1C fileSize
//	0x08 ext[3]
type ShortDirEntry struct {
	name         [8]byte
	ext          [3]byte
	attr         uint8
	ntRes        uint8
	crtTimeTenth uint8
	crtTime      uint16
	crtDate      uint16
	lstAccDate   uint16
	fstClusHI    uint16
	wrtTime      uint16
	wrtDate      uint16
	fstClusLO    uint16
	fileSize     uint32
}

// NewShortDirEntry builds a record for a new file or directory. name (at most
// 8 bytes) and ext (at most 3 bytes) are upper-cased and space padded.
func NewShortDirEntry(cluster uint32, name, ext []byte, kind FileType) ShortDirEntry {
	if len(name) > 8 || len(ext) > 3 {
		panic(fmt.Sprintf("fat32: short name %q.%q does not fit 8.3", name, ext))
	}

	var e ShortDirEntry
	padUpper(e.name[:], name)
	padUpper(e.ext[:], ext)
	if e.name[0] == dirEntryDeleted {
		e.name[0] = dirEntryE5Alias
	}

	e.attr = uint8(kind)
	e.SetFirstCluster(cluster)

	return e
}

func padUpper(dst, src []byte) {
	for i := range dst {
		if i < len(src) {
			c := src[i]
			if 'a' <= c && c <= 'z' {
				c -= 'a' - 'A'
			}
			dst[i] = c
		} else {
			dst[i] = space
		}
	}
}

func (e *ShortDirEntry) setShortName(base, ext string) {
	padUpper(e.name[:], []byte(base))
	padUpper(e.ext[:], []byte(ext))
	if e.name[0] == dirEntryDeleted {
		e.name[0] = dirEntryE5Alias
	}
}

// ParseShortDirEntry decodes a 32-byte record.
func ParseShortDirEntry(b []byte) ShortDirEntry {
	_ = b[DirEntrySize-1]

	var e ShortDirEntry
	copy(e.name[:], b[0x00:0x08])
	copy(e.ext[:], b[0x08:0x0B])
	e.attr = b[0x0B]
	e.ntRes = b[0x0C]
	e.crtTimeTenth = b[0x0D]
	e.crtTime = binary.LittleEndian.Uint16(b[0x0E:])
	e.crtDate = binary.LittleEndian.Uint16(b[0x10:])
	e.lstAccDate = binary.LittleEndian.Uint16(b[0x12:])
	e.fstClusHI = binary.LittleEndian.Uint16(b[0x14:])
	e.wrtTime = binary.LittleEndian.Uint16(b[0x16:])
	e.wrtDate = binary.LittleEndian.Uint16(b[0x18:])
	e.fstClusLO = binary.LittleEndian.Uint16(b[0x1A:])
	e.fileSize = binary.LittleEndian.Uint32(b[0x1C:])

	return e
}

// Encode writes the record into b, which must hold at least 32 bytes.
func (e *ShortDirEntry) Encode(b []byte) {
	_ = b[DirEntrySize-1]

	copy(b[0x00:0x08], e.name[:])
	copy(b[0x08:0x0B], e.ext[:])
	b[0x0B] = e.attr
	b[0x0C] = e.ntRes
	b[0x0D] = e.crtTimeTenth
	binary.LittleEndian.PutUint16(b[0x0E:], e.crtTime)
	binary.LittleEndian.PutUint16(b[0x10:], e.crtDate)
	binary.LittleEndian.PutUint16(b[0x12:], e.lstAccDate)
	binary.LittleEndian.PutUint16(b[0x14:], e.fstClusHI)
	binary.LittleEndian.PutUint16(b[0x16:], e.wrtTime)
	binary.LittleEndian.PutUint16(b[0x18:], e.wrtDate)
	binary.LittleEndian.PutUint16(b[0x1A:], e.fstClusLO)
	binary.LittleEndian.PutUint32(b[0x1C:], e.fileSize)
}

// Bytes returns the encoded record.
func (e *ShortDirEntry) Bytes() [DirEntrySize]byte {
	var b [DirEntrySize]byte
	e.Encode(b[:])
	return b
}

// RawName returns the 11 on-disk name bytes the checksum is computed over.
func (e *ShortDirEntry) RawName() [11]byte {
	var raw [11]byte
	copy(raw[:8], e.name[:])
	copy(raw[8:], e.ext[:])
	return raw
}

// Name returns "NAME" or "NAME.EXT" with the padding stripped.
func (e *ShortDirEntry) Name() string {
	name := e.name
	if name[0] == dirEntryE5Alias {
		name[0] = dirEntryDeleted
	}

	base := strings.TrimRight(string(name[:]), " ")
	ext := strings.TrimRight(string(e.ext[:]), " ")
	if ext == "" {
		return base
	}

	return base + "." + ext
}

// LowerName is Name in lower case, the display form of an entry that has no
// long name.
func (e *ShortDirEntry) LowerName() string {
	return strings.ToLower(e.Name())
}

// Attr returns the raw attribute byte.
func (e *ShortDirEntry) Attr() uint8 {
	return e.attr
}

// SetAttr replaces the attribute byte.
func (e *ShortDirEntry) SetAttr(attr uint8) {
	e.attr = attr
}

// IsDir reports the directory attribute.
func (e *ShortDirEntry) IsDir() bool {
	return e.attr&AttrDirectory != 0
}

// IsLongName reports whether the slot actually holds a long entry.
func (e *ShortDirEntry) IsLongName() bool {
	return e.attr&AttrLongName == AttrLongName
}

// IsVolumeLabel reports the root directory record holding the volume label.
func (e *ShortDirEntry) IsVolumeLabel() bool {
	return !e.IsLongName() && e.attr&AttrVolumeID != 0
}

// IsDeleted reports a tombstoned slot.
func (e *ShortDirEntry) IsDeleted() bool {
	return e.name[0] == dirEntryDeleted
}

// IsEmpty reports the end-of-directory marker.
func (e *ShortDirEntry) IsEmpty() bool {
	return e.name[0] == dirEntryEnd
}

// IsDotEntry reports the "." and ".." records of a subdirectory.
func (e *ShortDirEntry) IsDotEntry() bool {
	return e.name[0] == '.'
}

// FirstCluster joins the high and low halves of the starting cluster.
func (e *ShortDirEntry) FirstCluster() uint32 {
	return uint32(e.fstClusHI)<<16 | uint32(e.fstClusLO)
}

// SetFirstCluster splits cluster across the high and low fields.
func (e *ShortDirEntry) SetFirstCluster(cluster uint32) {
	e.fstClusHI = uint16(cluster >> 16)
	e.fstClusLO = uint16(cluster)
}

// FileSize returns the size in bytes. Directories record 0.
func (e *ShortDirEntry) FileSize() uint32 {
	return e.fileSize
}

// SetFileSize records the size in bytes.
func (e *ShortDirEntry) SetFileSize(size uint32) {
	e.fileSize = size
}

// Delete tombstones the record and drops its cluster and size.
func (e *ShortDirEntry) Delete() {
	e.fileSize = 0
	e.SetFirstCluster(0)
	e.name[0] = dirEntryDeleted
}

// GenCheckSum computes the rotate-and-add checksum over the 11 raw name
// bytes that ties long entries to this record.
func (e *ShortDirEntry) GenCheckSum() uint8 {
	return shortNameChecksum(e.RawName())
}

func shortNameChecksum(raw [11]byte) uint8 {
	var sum uint8
	for _, b := range raw {
		sum = (sum&1)<<7 + sum>>1 + b
	}
	return sum
}

// IsValidName rejects control bytes (other than the 0x05 lead alias) and the
// characters forbidden in short names. Space padding is accepted.
func (e *ShortDirEntry) IsValidName() bool {
	raw := e.RawName()
	for i, b := range raw {
		if b < space {
			if i == 0 && b == dirEntryE5Alias {
				continue
			}
			return false
		}
		if invalidShortNameChars.Contains(b) {
			return false
		}
	}
	return true
}

// SetCreated stamps creation, last access and last write with t.
func (e *ShortDirEntry) SetCreated(t time.Time) {
	e.crtDate, e.crtTime = timeToDateTime(t)
	e.crtTimeTenth = uint8(t.Second()%2*100 + t.Nanosecond()/10_000_000)
	e.lstAccDate = e.crtDate
	e.wrtDate, e.wrtTime = e.crtDate, e.crtTime
}

// SetModified stamps last write and last access with t.
func (e *ShortDirEntry) SetModified(t time.Time) {
	e.wrtDate, e.wrtTime = timeToDateTime(t)
	e.lstAccDate = e.wrtDate
}

// ModTime returns the last write time, at two-second resolution.
func (e *ShortDirEntry) ModTime() time.Time {
	return dateTimeToTime(e.wrtDate, e.wrtTime)
}

// CreateTime returns the creation time including the tenths field.
func (e *ShortDirEntry) CreateTime() time.Time {
	t := dateTimeToTime(e.crtDate, e.crtTime)
	return t.Add(time.Duration(e.crtTimeTenth) * 10 * time.Millisecond)
}

// copyTimes carries timestamps over to a re-created record (rename).
func (e *ShortDirEntry) copyTimes(from *ShortDirEntry) {
	e.crtTimeTenth = from.crtTimeTenth
	e.crtTime, e.crtDate = from.crtTime, from.crtDate
	e.lstAccDate = from.lstAccDate
	e.wrtTime, e.wrtDate = from.wrtTime, from.wrtDate
}

// LongDirEntry is a 32-byte long-name fragment carrying 13 UTF-16 units.
//
//	0x00 order      0x01 name1[5]  0x0B attr(0x0F) 0x0C type(0)
//	0x0D checksum   0x0E name2[6]  0x1A fstClusLO(0) 0x1C name3[2]
type LongDirEntry struct {
	order    uint8
	name1    [5]uint16
	attr     uint8
	typ      uint8
	checksum uint8
	name2    [6]uint16
	name3    [2]uint16
}

// NewLongDirEntry encodes one fragment of at most 13 UTF-16 units. A short
// fragment is terminated by 0x0000 and padded with 0xFFFF.
func NewLongDirEntry(order, checksum uint8, name string) LongDirEntry {
	return newLongDirEntryUnits(order, checksum, utf16.Encode([]rune(name)))
}

func newLongDirEntryUnits(order, checksum uint8, units []uint16) LongDirEntry {
	if len(units) > longNameCharsPerEntry {
		panic(fmt.Sprintf("fat32: long name fragment of %d units exceeds %d", len(units), longNameCharsPerEntry))
	}

	var all [longNameCharsPerEntry]uint16
	for i := range all {
		switch {
		case i < len(units):
			all[i] = units[i]
		case i == len(units):
			all[i] = 0x0000
		default:
			all[i] = 0xFFFF
		}
	}

	e := LongDirEntry{
		order:    order,
		attr:     AttrLongName,
		checksum: checksum,
	}
	copy(e.name1[:], all[0:5])
	copy(e.name2[:], all[5:11])
	copy(e.name3[:], all[11:13])

	return e
}

// ParseLongDirEntry decodes a 32-byte record.
func ParseLongDirEntry(b []byte) LongDirEntry {
	_ = b[DirEntrySize-1]

	e := LongDirEntry{
		order:    b[0x00],
		attr:     b[0x0B],
		typ:      b[0x0C],
		checksum: b[0x0D],
	}
	for i := range e.name1 {
		e.name1[i] = binary.LittleEndian.Uint16(b[0x01+2*i:])
	}
	for i := range e.name2 {
		e.name2[i] = binary.LittleEndian.Uint16(b[0x0E+2*i:])
	}
	for i := range e.name3 {
		e.name3[i] = binary.LittleEndian.Uint16(b[0x1C+2*i:])
	}

	return e
}

// Encode writes the record into b, which must hold at least 32 bytes.
func (e *LongDirEntry) Encode(b []byte) {
	_ = b[DirEntrySize-1]

	b[0x00] = e.order
	for i, u := range e.name1 {
		binary.LittleEndian.PutUint16(b[0x01+2*i:], u)
	}
	b[0x0B] = e.attr
	b[0x0C] = e.typ
	b[0x0D] = e.checksum
	for i, u := range e.name2 {
		binary.LittleEndian.PutUint16(b[0x0E+2*i:], u)
	}
	binary.LittleEndian.PutUint16(b[0x1A:], 0)
	for i, u := range e.name3 {
		binary.LittleEndian.PutUint16(b[0x1C+2*i:], u)
	}
}

// Bytes returns the encoded 32-byte record.
func (e *LongDirEntry) Bytes() [DirEntrySize]byte {
	var b [DirEntrySize]byte
	e.Encode(b[:])
	return b
}

// Units returns the fragment's UTF-16 units up to the first 0x0000.
func (e *LongDirEntry) Units() []uint16 {
	units := make([]uint16, 0, longNameCharsPerEntry)
	for _, part := range [][]uint16{e.name1[:], e.name2[:], e.name3[:]} {
		for _, u := range part {
			if u == 0x0000 {
				return units
			}
			units = append(units, u)
		}
	}
	return units
}

// Name decodes the fragment. Unpaired surrogates become U+FFFD.
func (e *LongDirEntry) Name() string {
	return string(utf16.Decode(e.Units()))
}

// Order returns the fragment index without the last-entry marker.
func (e *LongDirEntry) Order() int {
	return int(e.order & (lastLongEntry - 1))
}

// IsLast reports the marker on the fragment closest to the short entry.
func (e *LongDirEntry) IsLast() bool {
	return e.order&lastLongEntry == lastLongEntry
}

// IsDeleted reports a tombstoned slot.
func (e *LongDirEntry) IsDeleted() bool {
	return e.order == dirEntryDeleted
}

// Delete tombstones the fragment.
func (e *LongDirEntry) Delete() {
	e.order = dirEntryDeleted
}

// CheckSum returns the short-name checksum stored in the fragment.
func (e *LongDirEntry) CheckSum() uint8 {
	return e.checksum
}

// longEntriesFor splits name into long entries in on-disk order: the
// fragment carrying the end of the name (flagged last) comes first and the
// first fragment sits right before the short entry.
func longEntriesFor(name string, checksum uint8) []LongDirEntry {
	units := utf16.Encode([]rune(name))
	n := ceilDiv(len(units), longNameCharsPerEntry)

	out := make([]LongDirEntry, 0, n)
	for ord := n; ord >= 1; ord-- {
		lo := (ord - 1) * longNameCharsPerEntry
		hi := min(lo+longNameCharsPerEntry, len(units))

		o := uint8(ord)
		if ord == n {
			o |= lastLongEntry
		}
		out = append(out, newLongDirEntryUnits(o, checksum, units[lo:hi]))
	}

	return out
}
