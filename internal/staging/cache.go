package staging

import (
	"hash/fnv"
	"sync"
	"time"
)

const cacheShards = 64

// Cache holds the active staging of each region. Regions hash onto a fixed
// set of shards, each with its own lock, so lookups for different regions
// rarely contend.
//
// The zero value is not usable; call [NewCache].
type Cache struct {
	shards [cacheShards]cacheShard
}

type cacheShard struct {
	mu sync.RWMutex
	m  map[RegionKey]Staging
}

// NewCache creates an empty cache.
func NewCache() *Cache {
	c := &Cache{}
	for i := range c.shards {
		c.shards[i].m = make(map[RegionKey]Staging)
	}
	return c
}

func (c *Cache) shard(k RegionKey) *cacheShard {
	h := fnv.New32a()
	h.Write([]byte(k.WorldID))
	h.Write([]byte{0})
	h.Write([]byte(k.RegionID))
	return &c.shards[h.Sum32()%cacheShards]
}

// Get returns the cached staging of k, expired or not.
func (c *Cache) Get(k RegionKey) (Staging, bool) {
	s := c.shard(k)
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.m[k]
	return st, ok
}

// GetValid returns the cached staging of k if it has not expired at gameNow.
func (c *Cache) GetValid(k RegionKey, gameNow time.Time) (Staging, bool) {
	st, ok := c.Get(k)
	if !ok || st.ExpiredAt(gameNow) {
		return Staging{}, false
	}
	return st, true
}

// Put makes st the cached staging of its region unless a staging approved
// later is already cached. It reports whether st was stored and returns the
// staging it replaced, if any.
func (c *Cache) Put(st Staging) (prev Staging, replaced, stored bool) {
	k := st.Key()
	s := c.shard(k)
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, replaced = s.m[k]
	if replaced && prev.ApprovedAt.After(st.ApprovedAt) {
		return prev, false, false
	}
	s.m[k] = st
	return prev, replaced, true
}

// Invalidate drops the cached staging of k.
func (c *Cache) Invalidate(k RegionKey) {
	s := c.shard(k)
	s.mu.Lock()
	delete(s.m, k)
	s.mu.Unlock()
}

// Len returns the number of cached regions.
func (c *Cache) Len() int {
	n := 0
	for i := range c.shards {
		s := &c.shards[i]
		s.mu.RLock()
		n += len(s.m)
		s.mu.RUnlock()
	}
	return n
}
