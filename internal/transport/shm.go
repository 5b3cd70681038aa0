package transport

import (
	"fmt"
	"os"
	"sync"
	"syscall"
)

// ShmSegment is one shm_open+mmap mapping, keyed by base key.
type ShmSegment struct {
	Name string
	Data []byte
}

// ShmTable maps base keys to their shared-memory segment, mapped once
// and reused for every sub-key that falls in it.
type ShmTable struct {
	mu             sync.Mutex
	segments       map[uint64]*ShmSegment
	prefix         string
	partitionBytes int64
}

// EffectivePartitionBytes rounds partitionBytes up to a multiple of
// localWorkerCount * pageSize, the sizing rule the spec gives for
// BYTEPS_PARTITION_BYTES.
func EffectivePartitionBytes(partitionBytes int64, localWorkerCount int, pageSize int64) int64 {
	unit := int64(localWorkerCount) * pageSize
	if unit <= 0 {
		return partitionBytes
	}
	return (partitionBytes + unit - 1) / unit * unit
}

func NewShmTable(prefix string, partitionBytes int64) *ShmTable {
	return &ShmTable{segments: make(map[uint64]*ShmSegment), prefix: prefix, partitionBytes: partitionBytes}
}

// baseKey and subKey implement the addressing scheme: sub-key
// seq_num = key mod 2^16 selects an offset of seq_num*partitionBytes
// into the mapping named by the base key.
func baseKey(key uint64) uint64 { return key >> 16 }
func subKey(key uint64) uint64  { return key & 0xffff }

// Open maps (or returns the already-mapped) segment for key's base key,
// sized to hold 2^16 partitions.
func (t *ShmTable) Open(key uint64) (*ShmSegment, error) {
	base := baseKey(key)
	t.mu.Lock()
	defer t.mu.Unlock()
	if seg, ok := t.segments[base]; ok {
		return seg, nil
	}

	name := fmt.Sprintf("%s%d", t.prefix, base)
	size := t.partitionBytes << 16
	f, err := os.OpenFile("/dev/shm/"+name, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, fmt.Errorf("transport: shm_open %s: %w", name, err)
	}
	defer f.Close()
	if err := f.Truncate(size); err != nil {
		return nil, fmt.Errorf("transport: truncate shm %s to %d: %w", name, size, err)
	}
	data, err := syscall.Mmap(int(f.Fd()), 0, int(size), syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("transport: mmap shm %s: %w", name, err)
	}
	seg := &ShmSegment{Name: name, Data: data}
	t.segments[base] = seg
	return seg, nil
}

// Offset returns the byte offset of key's partition within its base
// key's segment.
func (t *ShmTable) Offset(key uint64) int64 {
	return int64(subKey(key)) * t.partitionBytes
}

// Close unmaps every open segment.
func (t *ShmTable) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	var firstErr error
	for base, seg := range t.segments {
		if err := syscall.Munmap(seg.Data); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(t.segments, base)
	}
	return firstErr
}
