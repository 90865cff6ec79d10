package assets

import (
	"sort"
	"time"
)

type entryID uint32

// CacheEntry is a copy of one resident cache slot.
type CacheEntry struct {
	AssetID     uint64
	Chunks      int
	MemoryUsage uint64
	State       State
	Pinned      bool
	Priority    Priority
	LastAccess  time.Time
	AccessCount uint32
}

type slot struct {
	live        bool
	assetID     uint64
	chunks      [][]byte
	memory      uint64
	state       State
	pinned      bool
	priority    Priority
	lastAccess  time.Time
	accessCount uint32
}

// cache stores resident chunks in an arena indexed by entry id. It is not
// safe for concurrent use; the manager guards it.
type cache struct {
	slots []slot
	free  []entryID
	index map[uint64]entryID
	used  uint64
	peak  uint64
	limit uint64
}

func newCache(limit uint64) *cache {
	return &cache{index: make(map[uint64]entryID), limit: limit}
}

func (c *cache) put(assetID uint64, chunks [][]byte, prio Priority, pinned bool, now time.Time) {
	c.remove(assetID)
	var mem uint64
	for _, ch := range chunks {
		mem += uint64(len(ch))
	}
	s := slot{live: true, assetID: assetID, chunks: chunks, memory: mem, state: StateLoaded, pinned: pinned, priority: prio, lastAccess: now}
	//1.- Reuse a freed slot before growing the arena.
	var id entryID
	if n := len(c.free); n > 0 {
		id = c.free[n-1]
		c.free = c.free[:n-1]
		c.slots[id] = s
	} else {
		id = entryID(len(c.slots))
		c.slots = append(c.slots, s)
	}
	c.index[assetID] = id
	c.used += mem
	if c.used > c.peak {
		c.peak = c.used
	}
}

func (c *cache) slot(assetID uint64) *slot {
	id, ok := c.index[assetID]
	if !ok {
		return nil
	}
	return &c.slots[id]
}

// chunk returns one resident chunk and records the access.
func (c *cache) chunk(assetID uint64, index uint32, now time.Time) ([]byte, bool) {
	s := c.slot(assetID)
	if s == nil || int(index) >= len(s.chunks) {
		return nil, false
	}
	s.lastAccess = now
	s.accessCount++
	return s.chunks[index], true
}

func (c *cache) entry(assetID uint64) (CacheEntry, bool) {
	s := c.slot(assetID)
	if s == nil {
		return CacheEntry{}, false
	}
	return CacheEntry{
		AssetID:     s.assetID,
		Chunks:      len(s.chunks),
		MemoryUsage: s.memory,
		State:       s.state,
		Pinned:      s.pinned,
		Priority:    s.priority,
		LastAccess:  s.lastAccess,
		AccessCount: s.accessCount,
	}, true
}

func (c *cache) remove(assetID uint64) uint64 {
	id, ok := c.index[assetID]
	if !ok {
		return 0
	}
	freed := c.slots[id].memory
	c.slots[id] = slot{}
	c.free = append(c.free, id)
	delete(c.index, assetID)
	c.used -= freed
	return freed
}

func (c *cache) overThreshold() bool {
	return c.limit > 0 && float64(c.used) > float64(c.limit)*EvictionThreshold
}

// evict frees at least target bytes, oldest access first. Medium and lower
// priorities go first; if that is not enough High entries follow. Pinned and
// Critical entries are never evicted.
func (c *cache) evict(target uint64) (uint64, []uint64) {
	var freed uint64
	var evicted []uint64
	for _, floor := range []Priority{PriorityMedium, PriorityHigh} {
		if freed >= target {
			break
		}
		var ids []entryID
		for _, id := range c.index {
			s := &c.slots[id]
			if !s.pinned && s.priority >= floor && s.priority != PriorityCritical {
				ids = append(ids, id)
			}
		}
		sort.Slice(ids, func(i, j int) bool {
			a, b := &c.slots[ids[i]], &c.slots[ids[j]]
			if !a.lastAccess.Equal(b.lastAccess) {
				return a.lastAccess.Before(b.lastAccess)
			}
			return a.assetID < b.assetID
		})
		for _, id := range ids {
			if freed >= target {
				break
			}
			assetID := c.slots[id].assetID
			freed += c.remove(assetID)
			evicted = append(evicted, assetID)
		}
	}
	return freed, evicted
}
