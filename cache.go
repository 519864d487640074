package fat32

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/sirupsen/logrus"
)

// blockCache is one resident block. mu guards data and dirty; refs is owned
// by the manager and only touched under BlockCacheManager.mu.
type blockCache struct {
	mu    sync.RWMutex
	id    uint64
	dev   BlockDevice
	data  [BlockSize]byte
	dirty bool

	loadErr error
	prev    *blockCache // evicted predecessor still being written back

	refs int
}

// load fills the block. A predecessor that failed to write back still owns
// the newest bytes, so they are taken over instead of re-reading the device.
// Called with c.mu held exclusively.
func (c *blockCache) load() error {
	if p := c.prev; p != nil {
		c.prev = nil

		p.mu.Lock()
		dirty := p.dirty
		if dirty {
			c.data = p.data
			c.dirty = true
			p.dirty = false
		}
		p.mu.Unlock()

		if dirty {
			return nil
		}
	}

	if err := c.dev.ReadBlock(c.id, c.data[:]); err != nil {
		return fmt.Errorf("failed to load block %d: %w", c.id, err)
	}

	return nil
}

// syncLocked writes the block back if dirty. Called with c.mu held
// exclusively.
func (c *blockCache) syncLocked() error {
	if !c.dirty {
		return nil
	}

	if err := c.dev.WriteBlock(c.id, c.data[:]); err != nil {
		return fmt.Errorf("failed to write back block %d: %w", c.id, err)
	}

	c.dirty = false
	return nil
}

func checkSpan(id uint64, off, size int) {
	if off < 0 || size < 0 || off+size > BlockSize {
		panic(fmt.Sprintf("fat32: access [%d, %d) out of bounds of block %d", off, off+size, id))
	}
}

// BlockHandle is a checked-out reference to a cached block. While a handle is
// held the block stays resident. Release must be called exactly once.
type BlockHandle struct {
	c *blockCache
	m *BlockCacheManager
}

// ID returns the absolute block id.
func (h *BlockHandle) ID() uint64 {
	return h.c.id
}

// Read calls fn with a read-only view of size bytes at off. Concurrent Reads
// of the same block run in parallel. fn must not retain the slice.
func (h *BlockHandle) Read(off, size int, fn func(b []byte)) {
	checkSpan(h.c.id, off, size)

	h.c.mu.RLock()
	defer h.c.mu.RUnlock()

	fn(h.c.data[off : off+size])
}

// Modify calls fn with a mutable view of size bytes at off and marks the
// block dirty.
func (h *BlockHandle) Modify(off, size int, fn func(b []byte)) {
	checkSpan(h.c.id, off, size)

	h.c.mu.Lock()
	defer h.c.mu.Unlock()

	fn(h.c.data[off : off+size])
	h.c.dirty = true
}

// Sync writes the block to the device if it has unsaved modifications.
func (h *BlockHandle) Sync() error {
	h.c.mu.Lock()
	defer h.c.mu.Unlock()

	return h.c.syncLocked()
}

// Release returns the reference to the manager.
func (h *BlockHandle) Release() {
	if h.c == nil {
		panic("fat32: block handle released twice")
	}

	h.m.release(h.c)
	h.c = nil
}

// BlockCacheManager is the single in-memory source of truth for device
// blocks. Every block id maps to at most one resident entry. Entries live in
// recency order; when the resident limit is reached, the least recently used
// entry is evicted and written back, unless a handle still references it, in
// which case the cache grows past the limit instead.
type BlockCacheManager struct {
	mu       sync.Mutex
	dev      BlockDevice
	limit    int
	flushing map[uint64]*blockCache
	log      logrus.FieldLogger

	// lru is sized so that it never evicts on its own; entries leave only
	// through pickVictim.
	lru *simplelru.LRU[uint64, *blockCache]
}

// NewBlockCacheManager creates a cache over dev holding up to limit blocks.
// A nil logger falls back to the logrus standard logger.
func NewBlockCacheManager(dev BlockDevice, limit int, log logrus.FieldLogger) *BlockCacheManager {
	if limit < 1 {
		limit = DefaultCacheLimit
	}
	if log == nil {
		log = logrus.StandardLogger()
	}

	lru, err := simplelru.NewLRU[uint64, *blockCache](math.MaxInt32, nil)
	if err != nil {
		panic(fmt.Sprintf("fat32: block cache: %v", err))
	}

	return &BlockCacheManager{
		dev:      dev,
		limit:    limit,
		lru:      lru,
		flushing: make(map[uint64]*blockCache),
		log:      log,
	}
}

// Get returns a handle to block id, loading it from the device on a miss.
// The manager lock is only held for the lookup and eviction decision; device
// I/O happens outside it.
func (m *BlockCacheManager) Get(id uint64) (*BlockHandle, error) {
	m.mu.Lock()

	if c, ok := m.lru.Get(id); ok {
		c.refs++
		m.mu.Unlock()

		// Waits for an in-flight load.
		c.mu.RLock()
		err := c.loadErr
		c.mu.RUnlock()

		if err != nil {
			m.release(c)
			return nil, err
		}

		return &BlockHandle{c: c, m: m}, nil
	}

	victim := m.pickVictim()

	c := &blockCache{id: id, dev: m.dev, refs: 1, prev: m.flushing[id]}
	c.mu.Lock()
	m.lru.Add(id, c)

	if victim != nil {
		m.flushing[victim.id] = victim
	}

	m.mu.Unlock()

	if victim != nil {
		m.writeBack(victim)
	}

	if err := c.load(); err != nil {
		c.loadErr = err
		c.mu.Unlock()

		m.mu.Lock()
		if cur, ok := m.lru.Peek(id); ok && cur == c {
			m.lru.Remove(id)
		}
		c.refs--
		m.mu.Unlock()

		return nil, err
	}

	c.mu.Unlock()

	return &BlockHandle{c: c, m: m}, nil
}

// pickVictim unlinks the LRU entry if the cache is full and nobody holds it.
// The victim is returned locked. Called with m.mu held.
func (m *BlockCacheManager) pickVictim() *blockCache {
	if m.lru.Len() < m.limit {
		return nil
	}

	_, v, ok := m.lru.GetOldest()
	if !ok || v.refs > 0 || !v.mu.TryLock() {
		return nil
	}

	m.lru.Remove(v.id)

	return v
}

// writeBack flushes an evicted entry. If the write fails and no newer entry
// for the same block has taken over its bytes, the victim is reinserted so the
// modification is not lost.
func (m *BlockCacheManager) writeBack(v *blockCache) {
	err := v.syncLocked()
	v.mu.Unlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.flushing[v.id] == v {
		delete(m.flushing, v.id)
	}

	if err == nil {
		m.log.WithField("block", v.id).Debug("evicted block")
		return
	}

	m.log.WithError(err).WithField("block", v.id).Warn("write-back of evicted block failed")

	if !m.lru.Contains(v.id) {
		m.lru.Add(v.id, v)
	}
}

func (m *BlockCacheManager) release(c *blockCache) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c.refs <= 0 {
		panic(fmt.Sprintf("fat32: block %d reference count underflow", c.id))
	}

	c.refs--
}

// ReadAt is shorthand for Get, Read and Release.
func (m *BlockCacheManager) ReadAt(id uint64, off, size int, fn func(b []byte)) error {
	h, err := m.Get(id)
	if err != nil {
		return err
	}
	defer h.Release()

	h.Read(off, size, fn)
	return nil
}

// ModifyAt is shorthand for Get, Modify and Release.
func (m *BlockCacheManager) ModifyAt(id uint64, off, size int, fn func(b []byte)) error {
	h, err := m.Get(id)
	if err != nil {
		return err
	}
	defer h.Release()

	h.Modify(off, size, fn)
	return nil
}

// SyncAll writes back every resident dirty block. All blocks are attempted;
// the returned error joins the individual failures.
func (m *BlockCacheManager) SyncAll() error {
	snapshot := m.resident()

	var errs []error
	for _, c := range snapshot {
		c.mu.Lock()
		if c.loadErr == nil {
			if err := c.syncLocked(); err != nil {
				errs = append(errs, err)
			}
		}
		c.mu.Unlock()
	}

	return errors.Join(errs...)
}

// resident returns the resident entries, least recently used first.
func (m *BlockCacheManager) resident() []*blockCache {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*blockCache, 0, m.lru.Len())
	for _, id := range m.lru.Keys() {
		if c, ok := m.lru.Peek(id); ok {
			out = append(out, c)
		}
	}
	return out
}

// Len returns the number of resident blocks.
func (m *BlockCacheManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.lru.Len()
}

// DirtyCount returns the number of resident blocks with unsaved changes.
func (m *BlockCacheManager) DirtyCount() int {
	snapshot := m.resident()

	n := 0
	for _, c := range snapshot {
		c.mu.RLock()
		if c.dirty {
			n++
		}
		c.mu.RUnlock()
	}

	return n
}
