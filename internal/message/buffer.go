package message

// MemRef names the local/remote keys covering a region of memory,
// without binding this package to any particular verbs/fabric library.
type MemRef struct {
	Addr uintptr
	Len  int
	Lkey uint32
	Rkey uint32
}

// MessageBuffer pairs a packed meta block (pinned from the send pool
// until the owning work completion fires) with the original payload
// segments and their memory registrations. Payload MemRefs are weakly
// held: the MR cache, not the MessageBuffer, owns the registration.
type MessageBuffer struct {
	Meta    []byte
	MetaRef MemRef
	Segs    []Segment
	SegRefs []MemRef
}

// ClearMRs drops the payload registrations without releasing the
// segments themselves. Used by the IPC transport's push-request path:
// the values already live in shared memory, so the base Send must only
// write meta and must not attempt to RDMA-write a payload segment.
func (b *MessageBuffer) ClearMRs() {
	b.SegRefs = nil
}

// BufferContext describes a single inbound receive slot: where the bytes
// landed, and how to split them back into meta and payload segments.
// Created when a rendezvous-start arrives; consumed when the paired
// RDMA-write-with-immediate completes.
type BufferContext struct {
	Buf     []byte
	Addr    uintptr
	MetaLen uint64
	DataNum uint64
	DataLen [4]uint64
}

// PageAlign rounds n up to the next multiple of pageSize.
func PageAlign(n uint64, pageSize uint64) uint64 {
	if pageSize == 0 {
		return n
	}
	return (n + pageSize - 1) / pageSize * pageSize
}
