package snapshot

import (
	"sync"

	"github.com/cordonlabs/cordon/pkg/ca"
	"github.com/cordonlabs/cordon/pkg/errdef"
	"github.com/cordonlabs/cordon/pkg/log"
	"github.com/cordonlabs/cordon/pkg/metrics"
	"github.com/cordonlabs/cordon/pkg/storage"
)

// Cache is the per-cluster versioned snapshot cache. The current
// version is always resident; older versions stay as long as at least
// one subscriber holds a reference, then they are collected.
type Cache struct {
	store     storage.Store
	authority *ca.Authority

	// MaxResources caps the total resource count of a built snapshot;
	// zero means unlimited. Set once before the cache is shared.
	MaxResources int

	mu       sync.RWMutex
	clusters map[string]*clusterVersions
}

type clusterVersions struct {
	current  string
	versions map[string]*Snapshot
	refs     map[string]int
}

// NewCache creates a snapshot cache over the given state.
func NewCache(store storage.Store, authority *ca.Authority) *Cache {
	return &Cache{
		store:     store,
		authority: authority,
		clusters:  make(map[string]*clusterVersions),
	}
}

// Rebuild recomputes the cluster's snapshot from persisted state and
// installs it as current. Rebuilding unchanged state yields the same
// version and is a no-op beyond the build itself.
func (c *Cache) Rebuild(clusterID string) (*Snapshot, error) {
	snap, err := build(c.store, c.authority, clusterID)
	if err != nil {
		return nil, err
	}
	if c.MaxResources > 0 {
		if n := snap.Resources.Count(); n > c.MaxResources {
			return nil, errdef.Newf(errdef.KindOverload,
				"cluster %s snapshot holds %d resources, limit is %d", clusterID, n, c.MaxResources)
		}
	}
	metrics.SnapshotBuildsTotal.Inc()

	c.mu.Lock()
	defer c.mu.Unlock()

	cv := c.clusters[clusterID]
	if cv == nil {
		cv = &clusterVersions{
			versions: make(map[string]*Snapshot),
			refs:     make(map[string]int),
		}
		c.clusters[clusterID] = cv
	}
	if cv.current == snap.Version {
		return cv.versions[cv.current], nil
	}
	cv.versions[snap.Version] = snap
	cv.current = snap.Version
	c.collect(cv)

	log.WithComponent("snapshot").Debug().
		Str("cluster_id", clusterID).
		Str("version", snap.Version).
		Msg("snapshot rebuilt")
	return snap, nil
}

// Current returns the cluster's current snapshot, building it on
// first access.
func (c *Cache) Current(clusterID string) (*Snapshot, error) {
	c.mu.RLock()
	if cv, ok := c.clusters[clusterID]; ok && cv.current != "" {
		snap := cv.versions[cv.current]
		c.mu.RUnlock()
		return snap, nil
	}
	c.mu.RUnlock()
	return c.Rebuild(clusterID)
}

// Acquire pins a version on behalf of a subscriber so it survives
// collection. Returns false if the version is no longer resident.
func (c *Cache) Acquire(clusterID, version string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	cv, ok := c.clusters[clusterID]
	if !ok {
		return false
	}
	if _, ok := cv.versions[version]; !ok {
		return false
	}
	cv.refs[version]++
	return true
}

// Release drops a subscriber's pin and collects versions nobody holds.
func (c *Cache) Release(clusterID, version string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cv, ok := c.clusters[clusterID]
	if !ok {
		return
	}
	if cv.refs[version] > 0 {
		cv.refs[version]--
	}
	c.collect(cv)
}

// Drop removes every snapshot of a deleted cluster.
func (c *Cache) Drop(clusterID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.clusters, clusterID)
}

// collect removes versions that are neither current nor referenced.
// Caller holds the write lock.
func (c *Cache) collect(cv *clusterVersions) {
	for v := range cv.versions {
		if v != cv.current && cv.refs[v] == 0 {
			delete(cv.versions, v)
			delete(cv.refs, v)
		}
	}
}

// Resident reports the number of resident versions for a cluster.
func (c *Cache) Resident(clusterID string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if cv, ok := c.clusters[clusterID]; ok {
		return len(cv.versions)
	}
	return 0
}
