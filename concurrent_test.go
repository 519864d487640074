package fat32

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func workerData(w, size int) []byte {
	return bytes.Repeat([]byte{byte('a' + w)}, size)
}

func TestConcurrentWritersDistinctFiles(t *testing.T) {
	const (
		workers = 8
		chunk   = 100
		chunks  = 30
	)

	fs, dev := newTestFS(t, 2<<20, 1, WithCacheLimit(8))
	root := mustRoot(t, fs)

	var g errgroup.Group
	for w := 0; w < workers; w++ {
		w := w
		g.Go(func() error {
			f, err := root.Create(fmt.Sprintf("worker-%d.bin", w), FileTypeFile)
			if err != nil {
				return err
			}

			data := workerData(w, chunk)
			for i := 0; i < chunks; i++ {
				if _, err := f.WriteAt(i*chunk, data); err != nil {
					return fmt.Errorf("worker %d chunk %d: %w", w, i, err)
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	require.NoError(t, fs.Sync())

	remount, err := Mount(dev, WithLogger(quietLogger()))
	require.NoError(t, err)

	owner := map[uint32]int{}
	for w := 0; w < workers; w++ {
		f, err := remount.Open(fmt.Sprintf("/worker-%d.bin", w))
		require.NoError(t, err)

		got := make([]byte, chunk*chunks)
		n, err := f.ReadAt(0, got)
		require.NoError(t, err)
		require.Equal(t, len(got), n)
		assert.Equal(t, workerData(w, chunk*chunks), got, "worker %d content", w)

		for _, c := range f.Chain().Clusters() {
			prev, taken := owner[c]
			require.False(t, taken, "cluster %d owned by workers %d and %d", c, prev, w)
			owner[c] = w
		}
	}
}

func TestConcurrentReaders(t *testing.T) {
	fs, _ := newTestFS(t, 1<<20, 1, WithCacheLimit(4))
	root := mustRoot(t, fs)

	f := newFile(t, root, "shared.bin")
	data := pattern(20 * 512)
	_, err := f.WriteAt(0, data)
	require.NoError(t, err)

	var g errgroup.Group
	for r := 0; r < 8; r++ {
		r := r
		g.Go(func() error {
			h, err := root.Lookup("shared.bin")
			if err != nil {
				return err
			}

			buf := make([]byte, 700)
			for off := r * 37; off+len(buf) <= len(data); off += 911 {
				if _, err := h.ReadAt(off, buf); err != nil {
					return err
				}
				if !bytes.Equal(buf, data[off:off+len(buf)]) {
					return fmt.Errorf("reader %d: mismatch at offset %d", r, off)
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
}

func TestConcurrentCreateAndRemove(t *testing.T) {
	fs, _ := newTestFS(t, 1<<20, 1)
	root := mustRoot(t, fs)

	free, err := fs.FreeClusters()
	require.NoError(t, err)

	var g errgroup.Group
	for w := 0; w < 6; w++ {
		w := w
		g.Go(func() error {
			for i := 0; i < 5; i++ {
				name := fmt.Sprintf("temporary file %d-%d.txt", w, i)
				f, err := root.Create(name, FileTypeFile)
				if err != nil {
					return err
				}
				if _, err := f.WriteAt(0, []byte(name)); err != nil {
					return err
				}
				if i%2 == 0 {
					if err := root.Remove(name); err != nil {
						return err
					}
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	entries, err := root.ReadDir()
	require.NoError(t, err)
	assert.Len(t, entries, 6*2)

	for _, e := range entries {
		f, err := root.Lookup(e.Name)
		require.NoError(t, err)

		got := make([]byte, e.Size)
		_, err = f.ReadAt(0, got)
		require.NoError(t, err)
		assert.Equal(t, e.Name, string(got))
	}

	// One cluster per surviving file plus whatever the root grew by.
	grown := mustRoot(t, fs).Chain().Len() - 1
	after, err := fs.FreeClusters()
	require.NoError(t, err)
	assert.Equal(t, free-12-uint32(grown), after)
}
