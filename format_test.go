package fat32

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCalculateLayout(t *testing.T) {
	testCases := []struct {
		name    string
		size    uint64
		spc     uint8
		wantSPC uint8
	}{
		{name: "64 MiB default", size: 64 << 20, wantSPC: 1},
		{name: "512 MiB default", size: 512 << 20, wantSPC: 8},
		{name: "explicit cluster size", size: 64 << 20, spc: 8, wantSPC: 8},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			l, err := CalculateLayout(tc.size, tc.spc, 0, 0)
			require.NoError(t, err)

			assert.Equal(t, tc.wantSPC, l.SectorsPerClus)
			assert.Equal(t, uint16(32), l.ReservedSectors)
			assert.Equal(t, uint8(2), l.NumFATs)
			assert.Equal(t, uint32(tc.size/BlockSize), l.TotalSectors)
			assert.Equal(t, uint32(2), l.RootDirCluster)

			dataClusters := (l.TotalSectors - l.DataStartSector()) / uint32(l.SectorsPerClus)
			assert.GreaterOrEqual(t, l.FATSize*BlockSize/4, dataClusters+2, "every data cluster has a FAT entry")
			assert.Equal(t, dataClusters+2, l.ClusterCount())
		})
	}

	_, err := CalculateLayout(64<<20, 3, 0, 0)
	assert.Error(t, err, "cluster size must be a power of two")

	_, err = CalculateLayout(16<<10, 1, 0, 0)
	assert.Error(t, err, "too small for the reserved region and two clusters")

	_, err = CalculateLayout(64<<20, 1, 4, 0)
	assert.Error(t, err, "reserved region must hold the backup boot sector")
}

func TestFormatWritesBootSector(t *testing.T) {
	dev := NewMemDevice(8 << 20)
	l, err := Format(dev, FormatOptions{
		VolumeLabel: "boot disk",
		VolumeID:    0x1234ABCD,
		CreatedAt:   testClock,
	})
	require.NoError(t, err)

	raw := dev.Bytes()
	boot := raw[:BlockSize]
	assert.Equal(t, []byte{0x55, 0xAA}, boot[510:512])
	assert.Equal(t, "FAT32   ", string(boot[0x52:0x5A]))
	assert.Equal(t, boot, raw[6*BlockSize:7*BlockSize], "backup boot sector matches")

	parsed, err := ParseBootSector(boot)
	require.NoError(t, err)
	assert.Equal(t, l.SectorsPerClus, parsed.SectorsPerClus)
	assert.Equal(t, l.ReservedSectors, parsed.ReservedSectors)
	assert.Equal(t, l.NumFATs, parsed.NumFATs)
	assert.Equal(t, l.TotalSectors, parsed.TotalSectors)
	assert.Equal(t, l.FATSize, parsed.FATSize)
	assert.Equal(t, uint32(2), parsed.RootDirCluster)
	assert.Equal(t, uint32(0x1234ABCD), parsed.VolumeID)
	assert.Equal(t, "BOOT DISK", parsed.VolumeLabel)
	assert.Equal(t, uint8(mediaFixed), parsed.Media)

	info, err := parseFSInfo(raw[BlockSize : 2*BlockSize])
	require.NoError(t, err)
	assert.Equal(t, l.ClusterCount()-3, info.freeCount)
	assert.Equal(t, uint32(3), info.nextFree)

	backupInfo, err := parseFSInfo(raw[7*BlockSize : 8*BlockSize])
	require.NoError(t, err)
	assert.Equal(t, info, backupInfo)

	for i, off := range l.FATOffsets() {
		fat := raw[off:]
		assert.Equal(t, uint32(0x0FFFFFF8), binary.LittleEndian.Uint32(fat[0:]), "FAT%d media entry", i+1)
		assert.Equal(t, EndOfCluster, binary.LittleEndian.Uint32(fat[4:]), "FAT%d reserved entry", i+1)
		assert.Equal(t, EndOfCluster, binary.LittleEndian.Uint32(fat[8:]), "FAT%d root chain", i+1)
		assert.Equal(t, uint32(0), binary.LittleEndian.Uint32(fat[12:]), "FAT%d first free entry", i+1)
	}

	// The root directory holds only the volume label.
	rootOff := l.Offset(l.RootDirCluster)
	label := ParseShortDirEntry(raw[rootOff:])
	assert.True(t, label.IsVolumeLabel())
	assert.Equal(t, "BOOT DIS.K", label.Name(), "the label spans the name and extension fields")
	assert.Equal(t, "BOOT DISK  ", string(raw[rootOff:rootOff+11]))
	assert.Equal(t, testClock, label.CreateTime())
	assert.Equal(t, byte(0), raw[rootOff+DirEntrySize])
}

func TestFormatValidatesOptions(t *testing.T) {
	dev := NewMemDevice(1 << 20)

	_, err := Format(dev, FormatOptions{SizeBytes: 2 << 20})
	assert.Error(t, err, "volume larger than the device")

	_, err = Format(dev, FormatOptions{VolumeLabel: "a label that is far too long"})
	assert.ErrorIs(t, err, ErrInvalidName)

	_, err = Format(dev, FormatOptions{VolumeLabel: "BAD*LABEL"})
	assert.ErrorIs(t, err, ErrInvalidName)
}

func TestFormatPicksVolumeID(t *testing.T) {
	a := NewMemDevice(1 << 20)
	b := NewMemDevice(1 << 20)

	la, err := Format(a, FormatOptions{})
	require.NoError(t, err)
	lb, err := Format(b, FormatOptions{})
	require.NoError(t, err)

	assert.NotZero(t, la.VolumeID)
	assert.NotEqual(t, la.VolumeID, lb.VolumeID)
}

func TestParseBootSectorRejects(t *testing.T) {
	dev := NewMemDevice(1 << 20)
	_, err := Format(dev, FormatOptions{})
	require.NoError(t, err)
	good := dev.Bytes()[:BlockSize]

	mutate := func(fn func(b []byte)) []byte {
		b := append([]byte(nil), good...)
		fn(b)
		return b
	}

	testCases := []struct {
		name string
		boot []byte
	}{
		{"missing signature", mutate(func(b []byte) { b[511] = 0 })},
		{"FAT16 root entries", mutate(func(b []byte) { binary.LittleEndian.PutUint16(b[0x11:], 512) })},
		{"FAT16 table size", mutate(func(b []byte) { binary.LittleEndian.PutUint16(b[0x16:], 8) })},
		{"no FAT32 table size", mutate(func(b []byte) { binary.LittleEndian.PutUint32(b[0x24:], 0) })},
		{"cluster size not a power of two", mutate(func(b []byte) { b[0x0D] = 3 })},
		{"root cluster out of range", mutate(func(b []byte) { binary.LittleEndian.PutUint32(b[0x2C:], 1) })},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseBootSector(tc.boot)
			assert.ErrorIs(t, err, ErrNotFAT32)
		})
	}

	_, err = ParseBootSector(mutate(func(b []byte) { binary.LittleEndian.PutUint16(b[0x0B:], 4096) }))
	assert.Error(t, err, "only 512-byte sectors are supported")
}

func TestDateTimeConversion(t *testing.T) {
	ts := time.Date(2020, 9, 13, 12, 26, 40, 0, time.UTC)
	d, tm := timeToDateTime(ts)
	assert.Equal(t, ts, dateTimeToTime(d, tm))

	// Odd seconds round down to the two-second resolution.
	d, tm = timeToDateTime(ts.Add(time.Second))
	assert.Equal(t, ts, dateTimeToTime(d, tm))

	d, tm = timeToDateTime(time.Date(1970, 1, 1, 0, 0, 0, 0, time.UTC))
	assert.Equal(t, time.Date(1980, 1, 1, 0, 0, 0, 0, time.UTC), dateTimeToTime(d, tm))

	assert.True(t, dateTimeToTime(0, 0).IsZero())
}
