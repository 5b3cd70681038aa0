package transport

import "sync"

// RemoteSlot is a memoized destination learned from a rendezvous-reply:
// where to write, with what rkey, and which slot index to carry as the
// write's immediate data.
type RemoteSlot struct {
	Addr uint64
	RKey uint32
	Idx  uint32
}

type cacheKey struct {
	key  uint64
	peer uint32
	push bool
}

// RemoteCache memoizes (key, peer, direction) -> RemoteSlot. Direction
// is push-vs-pull, not request-vs-response: a push-request and its
// push-response share the push direction's rendezvous, matching the
// spec's two-cache data model (separate push and pull caches, not four).
type RemoteCache struct {
	mu      sync.RWMutex
	entries map[cacheKey]RemoteSlot
}

func NewRemoteCache() *RemoteCache {
	return &RemoteCache{entries: make(map[cacheKey]RemoteSlot)}
}

func (c *RemoteCache) Lookup(key uint64, peer uint32, push bool) (RemoteSlot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.entries[cacheKey{key, peer, push}]
	return s, ok
}

func (c *RemoteCache) Store(key uint64, peer uint32, push bool, slot RemoteSlot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[cacheKey{key, peer, push}] = slot
}

func (c *RemoteCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
