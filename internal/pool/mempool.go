// Package pool implements the size-classed slab allocator used for send
// buffers (Mempool) and the registration cache used for caller-owned
// payload buffers (MRCache). Mempool blocks are power-of-two size classes
// starting at ChunkSize, carved in order from one slab; a block's address
// is not aligned to a page boundary in general.
package pool

import (
	"fmt"
	"sync"
)

// PageSize mirrors sysconf(_SC_PAGESIZE) on the overwhelming majority of
// Linux hosts this transport targets; it is not probed at runtime because
// nothing in the protocol depends on the exact value beyond "a page".
const PageSize = 4096

// ChunkSize is the memory pool's allocation granularity: the larger of
// the two rendezvous wire structs, rounded trivially (both are well
// under a page already).
const ChunkSize = 64

// Registrar registers and deregisters a region of host memory with the
// fabric, yielding local/remote access keys. internal/verbs and
// internal/fabric each provide one; Mempool and MRCache are agnostic to
// which.
type Registrar interface {
	Register(buf []byte) (lkey, rkey uint32, err error)
	Deregister(buf []byte) error
}

type slabKeys struct {
	lkey, rkey uint32
}

// Mempool is a single pre-registered slab with a free-list per size
// class. All allocations share one lkey/rkey pair.
type Mempool struct {
	mu       sync.Mutex
	slab     []byte
	next     int
	classes  map[int][][]byte
	keys     slabKeys
	registrar Registrar
}

// NewMempool allocates and registers a slab of the given size.
func NewMempool(size int, r Registrar) (*Mempool, error) {
	slab := make([]byte, size)
	lkey, rkey, err := r.Register(slab)
	if err != nil {
		return nil, fmt.Errorf("pool: registering %d-byte slab: %w", size, err)
	}
	return &Mempool{
		slab:      slab,
		classes:   make(map[int][][]byte),
		keys:      slabKeys{lkey, rkey},
		registrar: r,
	}, nil
}

func sizeClass(size int) int {
	c := ChunkSize
	for c < size {
		c *= 2
	}
	return c
}

// Alloc returns a zeroed region of at least size bytes, carved from the
// slab's free-list for its size class, or bump-allocated from the slab
// tail if the class is empty. Host-OOM (slab exhausted with no free
// block of the right class) is reported to the caller, who treats it as
// fatal per the error-handling design.
func (m *Mempool) Alloc(size int) ([]byte, error) {
	class := sizeClass(size)
	m.mu.Lock()
	defer m.mu.Unlock()

	if free := m.classes[class]; len(free) > 0 {
		buf := free[len(free)-1]
		m.classes[class] = free[:len(free)-1]
		for i := range buf {
			buf[i] = 0
		}
		return buf[:size], nil
	}

	if m.next+class > len(m.slab) {
		return nil, fmt.Errorf("pool: out of memory allocating %d bytes (class %d)", size, class)
	}
	buf := m.slab[m.next : m.next+class : m.next+class]
	m.next += class
	return buf[:size], nil
}

// Free returns buf to its size class's free-list.
func (m *Mempool) Free(buf []byte) {
	class := sizeClass(cap(buf))
	full := buf[:cap(buf)]
	m.mu.Lock()
	m.classes[class] = append(m.classes[class], full)
	m.mu.Unlock()
}

// LocalKey and RemoteKey return the slab-wide lkey/rkey: every allocation
// from this pool shares one registration.
func (m *Mempool) LocalKey() uint32  { return m.keys.lkey }
func (m *Mempool) RemoteKey() uint32 { return m.keys.rkey }

// Deregister releases the slab's registration. Called once, at Van
// shutdown.
func (m *Mempool) Deregister() error {
	return m.registrar.Deregister(m.slab)
}
