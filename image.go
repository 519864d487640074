package fat32

import (
	"errors"
	"fmt"
	"path"
)

// Image provides path-level access to a FAT32 volume stored in an image file.
// It wraps a FileSystem mounted on a FileDevice and provides high-level
// methods for building and inspecting the tree.
type Image struct {
	fs  *FileSystem
	dev *FileDevice
}

// CreateImage creates the image file at imagePath, formats it and mounts it.
// FormatOptions.SizeBytes must be set.
//
// Example:
//
//	img, err := fat32.CreateImage("boot.img", fat32.FormatOptions{SizeBytes: 64 << 20, VolumeLabel: "BOOT"})
//	if err != nil {
//	    return err
//	}
//	defer img.Close()
//
//	if err := img.WriteFile("/config.txt", data); err != nil {
//	    return err
//	}
//	return img.Save()
func CreateImage(imagePath string, fo FormatOptions, opts ...Option) (*Image, error) {
	if fo.SizeBytes == 0 {
		return nil, errors.New("image size is required")
	}

	dev, err := CreateImageFile(imagePath, int64(fo.SizeBytes))
	if err != nil {
		return nil, err
	}

	if _, err := Format(dev, fo); err != nil {
		_ = dev.Close()
		return nil, fmt.Errorf("failed to format image: %w", err)
	}

	return mountImage(dev, opts)
}

// OpenImage mounts an existing FAT32 image file for modification.
func OpenImage(imagePath string, opts ...Option) (*Image, error) {
	dev, err := OpenImageFile(imagePath)
	if err != nil {
		return nil, err
	}

	return mountImage(dev, opts)
}

func mountImage(dev *FileDevice, opts []Option) (*Image, error) {
	fs, err := Mount(dev, opts...)
	if err != nil {
		_ = dev.Close()
		return nil, fmt.Errorf("failed to mount image: %w", err)
	}

	return &Image{fs: fs, dev: dev}, nil
}

// FS returns the mounted filesystem.
func (img *Image) FS() *FileSystem {
	return img.fs
}

// parent opens the directory holding p and returns the final component.
func (img *Image) parent(p string) (*VirtFile, string, error) {
	clean := path.Clean("/" + p)
	if clean == "/" {
		return nil, "", ErrRootDir
	}

	dir, name := path.Split(clean)
	d, err := img.fs.Open(dir)
	if err != nil {
		return nil, "", err
	}
	if !d.IsDir() {
		return nil, "", fmt.Errorf("%q: %w", dir, ErrNotDir)
	}

	return d, name, nil
}

// Mkdir creates a directory. The parent must exist.
func (img *Image) Mkdir(p string) error {
	d, name, err := img.parent(p)
	if err != nil {
		return err
	}

	_, err = d.Create(name, FileTypeDir)
	return err
}

// MkdirAll creates a directory along with any missing parents.
func (img *Image) MkdirAll(p string) error {
	cur, err := img.fs.Root()
	if err != nil {
		return err
	}

	for _, name := range splitPath(path.Clean("/" + p)) {
		next, err := cur.Lookup(name)
		if errors.Is(err, ErrNotFound) {
			next, err = cur.Create(name, FileTypeDir)
		}
		if err != nil {
			return fmt.Errorf("mkdir %q: %w", p, err)
		}
		if !next.IsDir() {
			return fmt.Errorf("mkdir %q: %s: %w", p, name, ErrNotDir)
		}
		cur = next
	}

	return nil
}

// WriteFile writes data to the file at p, creating it or replacing its
// content.
func (img *Image) WriteFile(p string, data []byte) error {
	d, name, err := img.parent(p)
	if err != nil {
		return err
	}

	f, err := d.Lookup(name)
	switch {
	case errors.Is(err, ErrNotFound):
		f, err = d.Create(name, FileTypeFile)
		if err != nil {
			return err
		}
	case err != nil:
		return err
	case f.IsDir():
		return fmt.Errorf("%q: %w", p, ErrIsDir)
	default:
		if err := f.ModifySize(0); err != nil {
			return fmt.Errorf("failed to truncate %q: %w", p, err)
		}
	}

	if _, err := f.WriteAt(0, data); err != nil {
		return fmt.Errorf("failed to write %q: %w", p, err)
	}

	return nil
}

// ReadFile returns the content of the file at p.
func (img *Image) ReadFile(p string) ([]byte, error) {
	f, err := img.fs.Open(p)
	if err != nil {
		return nil, err
	}
	if f.IsDir() {
		return nil, fmt.Errorf("%q: %w", p, ErrIsDir)
	}

	size, err := f.FileSize()
	if err != nil {
		return nil, err
	}

	buf := make([]byte, size)
	n, err := f.ReadAt(0, buf)
	if err != nil {
		return nil, fmt.Errorf("failed to read %q: %w", p, err)
	}
	if n < len(buf) {
		return nil, fmt.Errorf("%q: %w: chain holds %d of %d bytes", p, ErrCorrupt, n, len(buf))
	}

	return buf, nil
}

// Remove deletes a file or an empty directory.
func (img *Image) Remove(p string) error {
	d, name, err := img.parent(p)
	if err != nil {
		return err
	}

	return d.Remove(name)
}

// RemoveAll deletes p and everything below it. A missing path is not an
// error.
func (img *Image) RemoveAll(p string) error {
	d, name, err := img.parent(p)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	target, err := d.Lookup(name)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	if target.IsDir() {
		if err := removeTree(target); err != nil {
			return err
		}
	}

	return d.Remove(name)
}

func removeTree(dir *VirtFile) error {
	entries, err := dir.ReadDir()
	if err != nil {
		return err
	}

	for _, e := range entries {
		if e.IsDir() {
			sub, err := dir.Lookup(e.Name)
			if err != nil {
				return err
			}
			if err := removeTree(sub); err != nil {
				return err
			}
		}

		if err := dir.Remove(e.Name); err != nil {
			return err
		}
	}

	return nil
}

// Rename moves oldPath to newPath. The destination must not exist.
func (img *Image) Rename(oldPath, newPath string) error {
	from, oldName, err := img.parent(oldPath)
	if err != nil {
		return err
	}

	to, newName, err := img.parent(newPath)
	if err != nil {
		return err
	}

	return from.Rename(oldName, to, newName)
}

// Stat describes the file or directory at p.
func (img *Image) Stat(p string) (Stat, error) {
	f, err := img.fs.Open(p)
	if err != nil {
		return Stat{}, err
	}

	return f.Stat()
}

// ReadDir lists the directory at p.
func (img *Image) ReadDir(p string) ([]DirInfo, error) {
	d, err := img.fs.Open(p)
	if err != nil {
		return nil, err
	}

	return d.ReadDir()
}

// Save flushes all pending changes to the image file.
func (img *Image) Save() error {
	if err := img.fs.Sync(); err != nil {
		return fmt.Errorf("failed to sync image: %w", err)
	}

	return nil
}

// Close flushes the filesystem and closes the image file.
func (img *Image) Close() error {
	syncErr := img.fs.Close()
	if errors.Is(syncErr, ErrClosed) {
		syncErr = nil
	}

	return errors.Join(syncErr, img.dev.Close())
}
