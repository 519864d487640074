package fat32

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestImage(t *testing.T) (*Image, string) {
	t.Helper()

	p := filepath.Join(t.TempDir(), "nested", "disk.img")
	img, err := CreateImage(p, FormatOptions{
		SizeBytes:   8 << 20,
		VolumeLabel: "IMAGE",
		VolumeID:    0xDEADBEEF,
		CreatedAt:   testClock,
	}, WithLogger(quietLogger()))
	require.NoError(t, err)

	return img, p
}

func TestImageRoundTrip(t *testing.T) {
	img, p := newTestImage(t)

	require.NoError(t, img.MkdirAll("/home/user/docs"))
	require.NoError(t, img.WriteFile("/home/user/docs/hello world.txt", []byte("hello from the image\n")))
	big := bytes.Repeat([]byte("0123456789"), 10_000)
	require.NoError(t, img.WriteFile("/big.bin", big))
	require.NoError(t, img.Close())

	st, err := os.Stat(p)
	require.NoError(t, err)
	assert.Equal(t, int64(8<<20), st.Size())

	img, err = OpenImage(p, WithLogger(quietLogger()))
	require.NoError(t, err)
	defer img.Close()

	assert.Equal(t, "IMAGE", img.FS().Layout().VolumeLabel)

	data, err := img.ReadFile("/home/user/docs/hello world.txt")
	require.NoError(t, err)
	assert.Equal(t, "hello from the image\n", string(data))

	data, err = img.ReadFile("/BIG.BIN")
	require.NoError(t, err)
	assert.Equal(t, big, data)

	entries, err := img.ReadDir("/")
	require.NoError(t, err)
	require.Len(t, entries, 2, "the volume label is not listed")
	assert.Equal(t, "home", entries[0].Name)
	assert.Equal(t, "big.bin", entries[1].Name)

	fst, err := img.Stat("/big.bin")
	require.NoError(t, err)
	assert.Equal(t, int64(len(big)), fst.Size)
}

func TestImageWriteFileReplaces(t *testing.T) {
	img, _ := newTestImage(t)
	defer img.Close()

	free, err := img.FS().FreeClusters()
	require.NoError(t, err)

	require.NoError(t, img.WriteFile("/config.txt", bytes.Repeat([]byte("a"), 4000)))
	require.NoError(t, img.WriteFile("/config.txt", []byte("short")))

	data, err := img.ReadFile("/config.txt")
	require.NoError(t, err)
	assert.Equal(t, "short", string(data))

	after, err := img.FS().FreeClusters()
	require.NoError(t, err)
	assert.Equal(t, free-1, after, "old clusters are released on replace")
}

func TestImageErrors(t *testing.T) {
	img, _ := newTestImage(t)
	defer img.Close()

	require.NoError(t, img.Mkdir("/dir"))
	require.NoError(t, img.WriteFile("/file", []byte("x")))

	assert.ErrorIs(t, img.Mkdir("/missing/child"), ErrNotFound)
	assert.ErrorIs(t, img.Mkdir("/dir"), ErrExist)
	assert.ErrorIs(t, img.MkdirAll("/file/sub"), ErrNotDir)
	assert.ErrorIs(t, img.WriteFile("/", []byte("x")), ErrRootDir)
	assert.ErrorIs(t, img.WriteFile("/dir", []byte("x")), ErrIsDir)
	assert.ErrorIs(t, img.WriteFile("/file/x", []byte("x")), ErrNotDir)

	_, err := img.ReadFile("/dir")
	assert.ErrorIs(t, err, ErrIsDir)
	_, err = img.ReadFile("/nope")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, img.Remove("/"), ErrRootDir)
	assert.NoError(t, img.RemoveAll("/never/existed/x"), "RemoveAll of a missing path is a no-op")
}

func TestImageRemoveAll(t *testing.T) {
	img, _ := newTestImage(t)
	defer img.Close()

	free, err := img.FS().FreeClusters()
	require.NoError(t, err)

	require.NoError(t, img.MkdirAll("/tree/a/b"))
	require.NoError(t, img.MkdirAll("/tree/c"))
	require.NoError(t, img.WriteFile("/tree/a/b/leaf.txt", bytes.Repeat([]byte("z"), 3000)))
	require.NoError(t, img.WriteFile("/tree/c/other file.txt", []byte("other")))
	require.NoError(t, img.WriteFile("/tree/top.txt", []byte("top")))

	assert.ErrorIs(t, img.Remove("/tree"), ErrDirNotEmpty)
	require.NoError(t, img.RemoveAll("/tree"))

	_, err = img.Stat("/tree")
	assert.ErrorIs(t, err, ErrNotFound)

	after, err := img.FS().FreeClusters()
	require.NoError(t, err)
	assert.Equal(t, free, after)
}

func TestImageRename(t *testing.T) {
	img, p := newTestImage(t)

	require.NoError(t, img.MkdirAll("/src/project"))
	require.NoError(t, img.MkdirAll("/dst"))
	require.NoError(t, img.WriteFile("/src/project/main.go", []byte("package main\n")))

	require.NoError(t, img.Rename("/src/project", "/dst/project renamed"))
	require.NoError(t, img.Close())

	img, err := OpenImage(p, WithLogger(quietLogger()))
	require.NoError(t, err)
	defer img.Close()

	data, err := img.ReadFile("/dst/project renamed/main.go")
	require.NoError(t, err)
	assert.Equal(t, "package main\n", string(data))

	// ".." of the moved directory resolves to its new parent.
	up, err := img.FS().Open("/dst/project renamed")
	require.NoError(t, err)
	var rec [DirEntrySize]byte
	_, err = up.ReadAt(DirEntrySize, rec[:])
	require.NoError(t, err)
	dotDot := ParseShortDirEntry(rec[:])

	dst, err := img.FS().Open("/dst")
	require.NoError(t, err)
	dstCluster, err := dst.FirstCluster()
	require.NoError(t, err)
	assert.Equal(t, dstCluster, dotDot.FirstCluster())

	entries, err := img.ReadDir("/src")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestImageCloseTwice(t *testing.T) {
	img, _ := newTestImage(t)
	require.NoError(t, img.Close())
	assert.Error(t, img.Close(), "the image file is already closed")
}
