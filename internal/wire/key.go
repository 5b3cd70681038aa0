package wire

import "encoding/binary"

// KeySize is the width of a tensor key on the wire.
const KeySize = 8

// EncodeKey renders k as little-endian base-256, i.e. 8 bytes.
func EncodeKey(k uint64) []byte {
	buf := make([]byte, KeySize)
	binary.LittleEndian.PutUint64(buf, k)
	return buf
}

// DecodeKey is the inverse of EncodeKey. Shorter inputs are treated as
// zero-padded on the high end, matching how a truncated key segment from
// a caller-supplied payload should still decode deterministically.
func DecodeKey(b []byte) uint64 {
	var buf [KeySize]byte
	n := len(b)
	if n > KeySize {
		n = KeySize
	}
	copy(buf[:n], b[:n])
	return binary.LittleEndian.Uint64(buf[:])
}
