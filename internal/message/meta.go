package message

import (
	"encoding/binary"
	"fmt"
)

// CoreMeta is the slice of the framework's opaque meta blob the
// transport core actually reads and writes: the tensor key, and for
// push-requests the worker's value-buffer address/length/rkey so the
// server can write a later pull-response directly into it. Everything
// else the framework packs into meta travels in Extra, untouched.
type CoreMeta struct {
	Key    uint64
	Addr   uint64
	ValLen uint64
	Option uint32
	Extra  []byte
}

const coreMetaFixedSize = 8 + 8 + 8 + 4

func (m CoreMeta) Encode() []byte {
	buf := make([]byte, coreMetaFixedSize+len(m.Extra))
	binary.LittleEndian.PutUint64(buf[0:], m.Key)
	binary.LittleEndian.PutUint64(buf[8:], m.Addr)
	binary.LittleEndian.PutUint64(buf[16:], m.ValLen)
	binary.LittleEndian.PutUint32(buf[24:], m.Option)
	copy(buf[coreMetaFixedSize:], m.Extra)
	return buf
}

func DecodeCoreMeta(buf []byte) (CoreMeta, error) {
	var m CoreMeta
	if len(buf) < coreMetaFixedSize {
		return m, fmt.Errorf("message: short meta buffer: %d bytes", len(buf))
	}
	m.Key = binary.LittleEndian.Uint64(buf[0:])
	m.Addr = binary.LittleEndian.Uint64(buf[8:])
	m.ValLen = binary.LittleEndian.Uint64(buf[16:])
	m.Option = binary.LittleEndian.Uint32(buf[24:])
	if len(buf) > coreMetaFixedSize {
		m.Extra = append([]byte(nil), buf[coreMetaFixedSize:]...)
	}
	return m, nil
}
