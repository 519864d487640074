package fat32

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// BlockDevice abstracts the storage the filesystem lives on. The engine only
// ever transfers whole BlockSize blocks addressed by absolute block id, so any
// random-access medium (image files, memory, a raw disk) can back it.
// Calls are synchronous; retries are the device's business.
type BlockDevice interface {
	ReadBlock(id uint64, buf []byte) error
	WriteBlock(id uint64, buf []byte) error
}

// MemDevice is an in-memory BlockDevice. It counts block transfers, which
// makes it convenient for exercising the cache.
type MemDevice struct {
	mu     sync.RWMutex
	data   []byte
	reads  atomic.Int64
	writes atomic.Int64
}

// NewMemDevice returns a zero-filled device of size bytes rounded down to a
// whole number of blocks.
func NewMemDevice(size int64) *MemDevice {
	return &MemDevice{data: make([]byte, size/BlockSize*BlockSize)}
}

// ReadBlock copies block id into buf.
func (m *MemDevice) ReadBlock(id uint64, buf []byte) error {
	off, err := m.span(id, buf)
	if err != nil {
		return err
	}

	m.mu.RLock()
	copy(buf, m.data[off:off+BlockSize])
	m.mu.RUnlock()
	m.reads.Add(1)

	return nil
}

// WriteBlock copies buf over block id.
func (m *MemDevice) WriteBlock(id uint64, buf []byte) error {
	off, err := m.span(id, buf)
	if err != nil {
		return err
	}

	m.mu.Lock()
	copy(m.data[off:off+BlockSize], buf)
	m.mu.Unlock()
	m.writes.Add(1)

	return nil
}

// NumBlocks returns the device capacity in blocks.
func (m *MemDevice) NumBlocks() uint64 {
	return uint64(len(m.data) / BlockSize)
}

// Stats returns the number of block reads and writes served so far.
func (m *MemDevice) Stats() (reads, writes int64) {
	return m.reads.Load(), m.writes.Load()
}

// Bytes returns a copy of the device contents.
func (m *MemDevice) Bytes() []byte {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]byte, len(m.data))
	copy(out, m.data)
	return out
}

func (m *MemDevice) span(id uint64, buf []byte) (int, error) {
	if len(buf) != BlockSize {
		return 0, fmt.Errorf("block %d: %w (got %d bytes)", id, ErrInvalidBlock, len(buf))
	}
	if id >= m.NumBlocks() {
		return 0, fmt.Errorf("block %d: %w (device has %d blocks)", id, ErrOutOfRange, m.NumBlocks())
	}
	return int(id) * BlockSize, nil
}
