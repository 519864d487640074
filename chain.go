package fat32

import "sync"

// ClusterChain is the materialized list of clusters owned by one file or
// directory. It is guarded by its own lock, which callers acquire before the
// FAT table lock and any block lock.
type ClusterChain struct {
	mu       sync.RWMutex
	start    uint32
	clusters []uint32
	fat      *FATTable
}

// NewClusterChain walks the FAT from start. An unallocated start produces an
// empty chain.
func NewClusterChain(fat *FATTable, start uint32) (*ClusterChain, error) {
	cc := &ClusterChain{fat: fat}
	if err := cc.refreshLocked(start); err != nil {
		return nil, err
	}
	return cc, nil
}

// refreshLocked re-reads the chain from a (possibly new) first cluster.
// Called with cc.mu held exclusively, or before the chain is shared.
func (cc *ClusterChain) refreshLocked(start uint32) error {
	ids, err := cc.fat.GetAllClusterID(start)
	if err != nil {
		return err
	}

	cc.start = start
	cc.clusters = ids
	return nil
}

// Generate re-reads the chain from its current first cluster.
func (cc *ClusterChain) Generate() error {
	cc.mu.Lock()
	defer cc.mu.Unlock()

	return cc.refreshLocked(cc.start)
}

// Refresh re-reads the chain from start.
func (cc *ClusterChain) Refresh(start uint32) error {
	cc.mu.Lock()
	defer cc.mu.Unlock()

	return cc.refreshLocked(start)
}

func (cc *ClusterChain) truncateLocked(n int) {
	if n < len(cc.clusters) {
		cc.clusters = cc.clusters[:n]
	}
	if n == 0 {
		cc.start = UnallocatedCluster
	}
}

// Start returns the first cluster.
func (cc *ClusterChain) Start() uint32 {
	cc.mu.RLock()
	defer cc.mu.RUnlock()

	return cc.start
}

// Len returns the number of clusters in the cached chain.
func (cc *ClusterChain) Len() int {
	cc.mu.RLock()
	defer cc.mu.RUnlock()

	return len(cc.clusters)
}

// Clusters returns a copy of the cluster ids in chain order.
func (cc *ClusterChain) Clusters() []uint32 {
	cc.mu.RLock()
	defer cc.mu.RUnlock()

	out := make([]uint32, len(cc.clusters))
	copy(out, cc.clusters)
	return out
}
