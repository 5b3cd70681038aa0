package pool

import (
	"fmt"
	"sync"
	"unsafe"
)

// Handle is a registration record for a caller-owned buffer.
type Handle struct {
	Addr uintptr
	Len  int
	Lkey uint32
	Rkey uint32
}

func addrOf(buf []byte) uintptr {
	if len(buf) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&buf[0]))
}

// MRCache registers caller-owned payload buffers on first sight and
// remembers them by starting address. Entries are never evicted: the
// protocol's correctness does not depend on an LRU, and an evicted,
// still-referenced MR would be a use-after-deregister bug waiting to
// happen.
type MRCache struct {
	mu        sync.RWMutex
	byAddr    map[uintptr]*Handle
	registrar Registrar
}

func NewMRCache(r Registrar) *MRCache {
	return &MRCache{byAddr: make(map[uintptr]*Handle), registrar: r}
}

// EnsureRegistered idempotently registers [addr(buf), addr(buf)+len(buf))
// and returns the handle. The first registration's length is
// authoritative; callers must never grow a buffer in place after it has
// been seen here.
func (c *MRCache) EnsureRegistered(buf []byte) (*Handle, error) {
	addr := addrOf(buf)

	c.mu.RLock()
	if h, ok := c.byAddr[addr]; ok {
		c.mu.RUnlock()
		return h, nil
	}
	c.mu.RUnlock()

	lkey, rkey, err := c.registrar.Register(buf)
	if err != nil {
		return nil, fmt.Errorf("pool: registering buffer at %#x (%d bytes): %w", addr, len(buf), err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if h, ok := c.byAddr[addr]; ok {
		// Another goroutine won the race; keep its registration and drop ours.
		_ = c.registrar.Deregister(buf)
		return h, nil
	}
	h := &Handle{Addr: addr, Len: len(buf), Lkey: lkey, Rkey: rkey}
	c.byAddr[addr] = h
	return h, nil
}

// Lookup returns the handle for a previously-registered buffer, if any.
func (c *MRCache) Lookup(buf []byte) (*Handle, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	h, ok := c.byAddr[addrOf(buf)]
	return h, ok
}

// Len reports how many distinct buffers are currently registered.
func (c *MRCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.byAddr)
}
