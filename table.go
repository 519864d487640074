package fat32

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// FATTable maintains cluster chain linkage and the free-cluster pool. All
// reads go to FAT1; every write is mirrored into each FAT copy. The table
// lock is always taken before any block lock.
type FATTable struct {
	mu      sync.RWMutex
	cache   *BlockCacheManager
	offsets []uint64
	total   uint32 // highest valid cluster + 1
	hint    uint32 // where the next free scan starts
	free    int64  // cached free count, -1 until counted
	log     logrus.FieldLogger
}

// NewFATTable creates a table over the FAT region described by geo.
func NewFATTable(cache *BlockCacheManager, geo Geometry, log logrus.FieldLogger) *FATTable {
	if log == nil {
		log = logrus.StandardLogger()
	}

	return &FATTable{
		cache:   cache,
		offsets: geo.FATOffsets(),
		total:   geo.ClusterCount(),
		hint:    firstDataCluster,
		free:    -1,
		log:     log,
	}
}

func isEndOfChain(v uint32) bool {
	return v >= endOfChainMin
}

func (t *FATTable) valid(c uint32) bool {
	return c >= firstDataCluster && c < t.total
}

func (t *FATTable) entryPos(fat int, cluster uint32) (uint64, int) {
	off := t.offsets[fat] + uint64(cluster)*4
	return off / BlockSize, int(off % BlockSize)
}

func (t *FATTable) readEntry(cluster uint32) (uint32, error) {
	block, off := t.entryPos(0, cluster)

	var v uint32
	err := t.cache.ReadAt(block, off, 4, func(b []byte) {
		v = binary.LittleEndian.Uint32(b) & fatEntryMask
	})
	if err != nil {
		return 0, fmt.Errorf("failed to read FAT entry %d: %w", cluster, err)
	}

	return v, nil
}

// writeEntry stores value in every FAT copy, keeping the reserved top nibble.
func (t *FATTable) writeEntry(cluster, value uint32) error {
	for fat := range t.offsets {
		block, off := t.entryPos(fat, cluster)

		err := t.cache.ModifyAt(block, off, 4, func(b []byte) {
			old := binary.LittleEndian.Uint32(b)
			binary.LittleEndian.PutUint32(b, old&^fatEntryMask|value&fatEntryMask)
		})
		if err != nil {
			return fmt.Errorf("failed to write FAT%d entry %d: %w", fat+1, cluster, err)
		}
	}

	return nil
}

// next follows one link. ok is false at the end of the chain.
func (t *FATTable) next(cluster uint32) (uint32, bool, error) {
	v, err := t.readEntry(cluster)
	if err != nil {
		return 0, false, err
	}

	if isEndOfChain(v) {
		return 0, false, nil
	}

	if !t.valid(v) {
		return 0, false, fmt.Errorf("%w: cluster %d links to %#x", ErrCorrupt, cluster, v)
	}

	return v, true, nil
}

// GetClusterAt walks index links from start. ok is false if the chain ends
// first.
func (t *FATTable) GetClusterAt(start uint32, index int) (uint32, bool, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if !t.valid(start) || index < 0 {
		return 0, false, nil
	}

	cur := start
	for i := 0; i < index; i++ {
		if i >= int(t.total) {
			return 0, false, fmt.Errorf("%w: cycle in chain starting at %d", ErrCorrupt, start)
		}

		next, ok, err := t.next(cur)
		if err != nil || !ok {
			return 0, false, err
		}
		cur = next
	}

	return cur, true, nil
}

// GetAllClusterID materializes the chain starting at start. An unallocated
// start yields an empty chain.
func (t *FATTable) GetAllClusterID(start uint32) ([]uint32, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.chain(start)
}

func (t *FATTable) chain(start uint32) ([]uint32, error) {
	if start == UnallocatedCluster {
		return nil, nil
	}
	if !t.valid(start) {
		return nil, fmt.Errorf("%w: invalid first cluster %#x", ErrCorrupt, start)
	}

	out := []uint32{start}
	for cur := start; ; {
		next, ok, err := t.next(cur)
		if err != nil {
			return nil, err
		}
		if !ok {
			return out, nil
		}

		if len(out) >= int(t.total) {
			return nil, fmt.Errorf("%w: cycle in chain starting at %d", ErrCorrupt, start)
		}

		out = append(out, next)
		cur = next
	}
}

// ClusterChainLen counts the clusters of the chain starting at start.
func (t *FATTable) ClusterChainLen(start uint32) (int, error) {
	ids, err := t.GetAllClusterID(start)
	return len(ids), err
}

// SetNextCluster writes the link for cluster.
func (t *FATTable) SetNextCluster(cluster, next uint32) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.valid(cluster) {
		panic(fmt.Sprintf("fat32: set link of invalid cluster %d", cluster))
	}

	return t.writeEntry(cluster, next)
}

// scan visits FAT entries starting at from and wrapping around to cluster 2,
// until fn returns false or every cluster was seen.
func (t *FATTable) scan(from uint32, fn func(cluster, value uint32) bool) error {
	if !t.valid(from) {
		from = firstDataCluster
	}

	ranges := [][2]uint32{{from, t.total}, {firstDataCluster, from}}
	for _, r := range ranges {
		c := r[0]
		for c < r[1] {
			block, off := t.entryPos(0, c)

			stop := false
			err := t.cache.ReadAt(block, 0, BlockSize, func(b []byte) {
				for ; off < BlockSize && c < r[1]; off, c = off+4, c+1 {
					if !fn(c, binary.LittleEndian.Uint32(b[off:])&fatEntryMask) {
						stop = true
						return
					}
				}
			})
			if err != nil {
				return fmt.Errorf("failed to scan FAT block %d: %w", block, err)
			}
			if stop {
				return nil
			}
		}
	}

	return nil
}

// AllocClusterChain links count free clusters into a chain. When last is an
// allocated cluster the new chain is appended to it; otherwise the caller
// records the returned head as the file's first cluster. If fewer than count
// clusters are free nothing is modified and ErrNoSpace is returned.
func (t *FATTable) AllocClusterChain(count int, last uint32) (uint32, error) {
	ids, err := t.allocClusters(count, last)
	if err != nil {
		return 0, err
	}
	return ids[0], nil
}

func (t *FATTable) allocClusters(count int, last uint32) ([]uint32, error) {
	if count <= 0 {
		panic(fmt.Sprintf("fat32: allocate %d clusters", count))
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.free >= 0 && t.free < int64(count) {
		return nil, fmt.Errorf("%w: need %d clusters, %d free", ErrNoSpace, count, t.free)
	}

	found := make([]uint32, 0, count)
	err := t.scan(t.hint, func(c, v uint32) bool {
		if v == freeCluster {
			found = append(found, c)
		}
		return len(found) < count
	})
	if err != nil {
		return nil, err
	}

	if len(found) < count {
		return nil, fmt.Errorf("%w: need %d clusters, %d free", ErrNoSpace, count, len(found))
	}

	for i, c := range found {
		next := EndOfCluster
		if i+1 < len(found) {
			next = found[i+1]
		}
		if err := t.writeEntry(c, next); err != nil {
			return nil, err
		}
	}

	if t.valid(last) {
		if err := t.writeEntry(last, found[0]); err != nil {
			return nil, err
		}
	}

	t.hint = found[len(found)-1] + 1
	if t.free >= 0 {
		t.free -= int64(count)
	}

	t.log.WithFields(logrus.Fields{
		"cluster": found[0],
		"count":   count,
	}).Debug("allocated clusters")

	return found, nil
}

// DeallocCluster marks every cluster in list free.
func (t *FATTable) DeallocCluster(list []uint32) error {
	if len(list) == 0 {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	for _, c := range list {
		if !t.valid(c) {
			panic(fmt.Sprintf("fat32: free invalid cluster %d", c))
		}

		if err := t.writeEntry(c, freeCluster); err != nil {
			return err
		}

		if c < t.hint {
			t.hint = c
		}
	}

	if t.free >= 0 {
		t.free += int64(len(list))
	}

	t.log.WithFields(logrus.Fields{
		"cluster": list[0],
		"count":   len(list),
	}).Debug("released clusters")

	return nil
}

// FreeCount returns the number of free clusters, scanning the FAT once.
func (t *FATTable) FreeCount() (uint32, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.free >= 0 {
		return uint32(t.free), nil
	}

	var n int64
	err := t.scan(firstDataCluster, func(_, v uint32) bool {
		if v == freeCluster {
			n++
		}
		return true
	})
	if err != nil {
		return 0, err
	}

	t.free = n
	return uint32(n), nil
}

// NextFree returns the allocation hint.
func (t *FATTable) NextFree() uint32 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.hint
}

// setHint seeds the allocation hint, typically from FSInfo.
func (t *FATTable) setHint(c uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.valid(c) {
		t.hint = c
	}
}
