package fat32

import (
	"fmt"
	"os"
	"path/filepath"
)

// FileDevice implements BlockDevice on top of a regular image file (or a raw
// device node opened as a file). Provides Sync and Close for durability and
// resource cleanup.
type FileDevice struct {
	f      *os.File
	blocks uint64
}

// CreateImageFile creates (or truncates) the image file at path and sizes it
// to size bytes, rounded down to whole blocks. Missing parent directories are
// created.
func CreateImageFile(path string, size int64) (*FileDevice, error) {
	if size < BlockSize {
		return nil, fmt.Errorf("image size must be at least %d bytes, got %d", BlockSize, size)
	}

	size = size / BlockSize * BlockSize

	dir := filepath.Dir(path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating directory for image %q: %w", path, err)
		}
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening image file %q: %w", path, err)
	}

	if err := f.Truncate(size); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("truncating image file %q to %d bytes: %w", path, size, err)
	}

	return &FileDevice{f: f, blocks: uint64(size / BlockSize)}, nil
}

// OpenImageFile opens an existing image file for reading and writing.
func OpenImageFile(path string) (*FileDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("opening image file %q: %w", path, err)
	}

	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("stat image file %q: %w", path, err)
	}

	return &FileDevice{f: f, blocks: uint64(st.Size() / BlockSize)}, nil
}

// ReadBlock reads block id into buf, which must be BlockSize long.
func (fd *FileDevice) ReadBlock(id uint64, buf []byte) error {
	if err := fd.check(id, buf); err != nil {
		return err
	}

	if _, err := fd.f.ReadAt(buf, int64(id)*BlockSize); err != nil {
		return fmt.Errorf("disk read error at block %d: %w", id, err)
	}

	return nil
}

// WriteBlock writes buf to block id.
func (fd *FileDevice) WriteBlock(id uint64, buf []byte) error {
	if err := fd.check(id, buf); err != nil {
		return err
	}

	if _, err := fd.f.WriteAt(buf, int64(id)*BlockSize); err != nil {
		return fmt.Errorf("disk write error at block %d: %w", id, err)
	}

	return nil
}

// NumBlocks returns the image capacity in blocks.
func (fd *FileDevice) NumBlocks() uint64 {
	return fd.blocks
}

// Sync flushes the image file to stable storage.
func (fd *FileDevice) Sync() error {
	if err := fd.f.Sync(); err != nil {
		return fmt.Errorf("disk sync error: %w", err)
	}

	return nil
}

// Close closes the image file.
func (fd *FileDevice) Close() error {
	if err := fd.f.Close(); err != nil {
		return fmt.Errorf("disk close error: %w", err)
	}

	return nil
}

func (fd *FileDevice) check(id uint64, buf []byte) error {
	if len(buf) != BlockSize {
		return fmt.Errorf("block %d: %w (got %d bytes)", id, ErrInvalidBlock, len(buf))
	}
	if id >= fd.blocks {
		return fmt.Errorf("block %d: %w (image has %d blocks)", id, ErrOutOfRange, fd.blocks)
	}
	return nil
}
