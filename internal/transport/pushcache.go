package transport

import (
	"sync"

	"github.com/bytedance/ps-lite/internal/message"
)

type pushKey struct {
	key  uint64
	peer uint32
}

// PushAddrCache remembers, per (key, peer), the worker's value-buffer
// address/length/rkey stashed in a push-request's meta so a later
// pull-response can be RDMA-written straight into it without a
// bounce-buffer copy. Distinct from RemoteCache, which memoizes
// rendezvous slots rather than application buffers.
type PushAddrCache struct {
	mu      sync.RWMutex
	entries map[pushKey]message.MemRef
}

func NewPushAddrCache() *PushAddrCache {
	return &PushAddrCache{entries: make(map[pushKey]message.MemRef)}
}

func (c *PushAddrCache) Store(key uint64, peer uint32, ref message.MemRef) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[pushKey{key, peer}] = ref
}

func (c *PushAddrCache) Lookup(key uint64, peer uint32) (message.MemRef, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ref, ok := c.entries[pushKey{key, peer}]
	return ref, ok
}

// SentValueCache remembers, per (key, peer), the sender's own value
// segment from a push-request. The matching pull-response never
// carries its payload back over the wire into the receiver's
// BufferContext — the server RDMA-writes it straight into this same
// buffer (see PushAddrCache, which holds the other end of that same
// address) — so reconstructing that pull-response on the push's
// sender has to hand back a reference to these bytes, not anything
// decoded from the receive buffer.
type SentValueCache struct {
	mu      sync.RWMutex
	entries map[pushKey]message.Segment
}

func NewSentValueCache() *SentValueCache {
	return &SentValueCache{entries: make(map[pushKey]message.Segment)}
}

func (c *SentValueCache) Store(key uint64, peer uint32, seg message.Segment) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[pushKey{key, peer}] = seg
}

func (c *SentValueCache) Lookup(key uint64, peer uint32) (message.Segment, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	seg, ok := c.entries[pushKey{key, peer}]
	return seg, ok
}
