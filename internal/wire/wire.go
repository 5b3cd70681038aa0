// Package wire encodes and decodes the fixed little-endian structures that
// travel as send-with-immediate payloads and CM private data.
package wire

import (
	"encoding/binary"
	"fmt"
)

// Immediate-data values carried by a SEND-WITH-IMM to classify it at the
// receiver before any bytes are inspected.
const (
	ImmRendezvousStart uint32 = 0
	ImmRendezvousReply uint32 = 1
)

// Depth tuple and derived limits, fixed for the lifetime of a Van.
const (
	StartDepth = 128
	ReplyDepth = 128
	WriteDepth = 128
	RxDepth    = 256

	MaxConcurrentWR = StartDepth + ReplyDepth + WriteDepth + RxDepth // 640
	SGECount        = 4
	MaxHostnameLen  = 16
	MaxSegments     = 4
	AddressPoolSize = 512
)

// RendezvousStartSize is 56 bytes: the field list in the spec (meta_len,
// data_num, data_len[4], origin_addr) sums to 56, not the 48 quoted in the
// prose alongside it. The field list is authoritative; see DESIGN.md.
const RendezvousStartSize = 8 + 8 + 8*MaxSegments + 8

const RendezvousReplySize = 8 + 8 + 4 + 4

const RequestContextSize = 4 + 2 + MaxHostnameLen

// RendezvousStart is the body of the first SEND-WITH-IMM in a rendezvous.
type RendezvousStart struct {
	MetaLen    uint64
	DataNum    uint64
	DataLen    [MaxSegments]uint64
	OriginAddr uint64
}

// Encode writes r in wire order and returns the bytes.
func (r RendezvousStart) Encode() []byte {
	buf := make([]byte, RendezvousStartSize)
	off := 0
	binary.LittleEndian.PutUint64(buf[off:], r.MetaLen)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], r.DataNum)
	off += 8
	for _, l := range r.DataLen {
		binary.LittleEndian.PutUint64(buf[off:], l)
		off += 8
	}
	binary.LittleEndian.PutUint64(buf[off:], r.OriginAddr)
	return buf
}

// DecodeRendezvousStart parses a RendezvousStart from buf.
func DecodeRendezvousStart(buf []byte) (RendezvousStart, error) {
	var r RendezvousStart
	if len(buf) < RendezvousStartSize {
		return r, fmt.Errorf("wire: short RendezvousStart buffer: %d bytes", len(buf))
	}
	off := 0
	r.MetaLen = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	r.DataNum = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	for i := range r.DataLen {
		r.DataLen[i] = binary.LittleEndian.Uint64(buf[off:])
		off += 8
	}
	r.OriginAddr = binary.LittleEndian.Uint64(buf[off:])
	return r, nil
}

// RendezvousReply is the body of the reply SEND-WITH-IMM.
type RendezvousReply struct {
	Addr       uint64
	OriginAddr uint64
	RKey       uint32
	Idx        uint32
}

func (r RendezvousReply) Encode() []byte {
	buf := make([]byte, RendezvousReplySize)
	binary.LittleEndian.PutUint64(buf[0:], r.Addr)
	binary.LittleEndian.PutUint64(buf[8:], r.OriginAddr)
	binary.LittleEndian.PutUint32(buf[16:], r.RKey)
	binary.LittleEndian.PutUint32(buf[20:], r.Idx)
	return buf
}

func DecodeRendezvousReply(buf []byte) (RendezvousReply, error) {
	var r RendezvousReply
	if len(buf) < RendezvousReplySize {
		return r, fmt.Errorf("wire: short RendezvousReply buffer: %d bytes", len(buf))
	}
	r.Addr = binary.LittleEndian.Uint64(buf[0:])
	r.OriginAddr = binary.LittleEndian.Uint64(buf[8:])
	r.RKey = binary.LittleEndian.Uint32(buf[16:])
	r.Idx = binary.LittleEndian.Uint32(buf[20:])
	return r, nil
}

// RequestContext is carried as rdma_cm private data on a connect request.
type RequestContext struct {
	Node     uint32
	Port     uint16
	Hostname [MaxHostnameLen]byte
}

func (r RequestContext) Encode() []byte {
	buf := make([]byte, RequestContextSize)
	binary.LittleEndian.PutUint32(buf[0:], r.Node)
	binary.LittleEndian.PutUint16(buf[4:], r.Port)
	copy(buf[6:], r.Hostname[:])
	return buf
}

func DecodeRequestContext(buf []byte) (RequestContext, error) {
	var r RequestContext
	if len(buf) < RequestContextSize {
		return r, fmt.Errorf("wire: short RequestContext buffer: %d bytes", len(buf))
	}
	r.Node = binary.LittleEndian.Uint32(buf[0:])
	r.Port = binary.LittleEndian.Uint16(buf[4:])
	copy(r.Hostname[:], buf[6:6+MaxHostnameLen])
	return r, nil
}

// NewRequestContext truncates/pads hostname to MaxHostnameLen bytes.
func NewRequestContext(node uint32, port uint16, hostname string) RequestContext {
	var r RequestContext
	r.Node = node
	r.Port = port
	copy(r.Hostname[:], hostname)
	return r
}
