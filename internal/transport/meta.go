package transport

import (
	"github.com/bytedance/ps-lite/internal/message"
	"github.com/bytedance/ps-lite/internal/wire"
)

// ExtractKey decodes the key from a message's Keys segment, the way the
// base Transport pulls meta.key out of every outgoing request.
func ExtractKey(msg message.Message) uint64 {
	if msg.Keys.Len() == 0 {
		return 0
	}
	return wire.DecodeKey(msg.Keys.Data)
}

// BuildMeta augments the core meta fields for an outgoing message. For a
// push-request it also stashes the worker's value-buffer address, length
// and rkey so the server can later write a pull-response straight into
// it without a bounce-buffer copy.
func BuildMeta(msg message.Message, valRef message.MemRef) message.CoreMeta {
	cm := message.CoreMeta{Key: ExtractKey(msg), Extra: msg.Meta}
	if msg.Kind() == message.KindPushRequest {
		cm.Addr = uint64(valRef.Addr)
		cm.ValLen = uint64(valRef.Len)
		cm.Option = uint32(valRef.Rkey)
	}
	return cm
}

// Reconstruct rebuilds the boundary Message for the receive side, given
// the decoded core meta, the delivered BufferContext, and the peer the
// completion came from, per the per-kind segment table.
func (t *Transport) Reconstruct(kind message.Kind, cm message.CoreMeta, bc *message.BufferContext, peer uint32) message.Message {
	msg := message.NewMessage(cm.Extra, kind.IsPush(), kind.IsRequest())

	switch kind {
	case message.KindPushRequest:
		off := message.PageAlign(bc.MetaLen, t.pageSize)
		length := bc.DataLen[1]
		msg.Keys = message.NewSegment(wire.EncodeKey(cm.Key), nil)
		msg.Values = message.NewSegment(bc.Buf[off:off+length], nil)
		msg.Lens = message.NewSegment(wire.EncodeKey(length), nil)
	case message.KindPushResponse:
		// No segments: an acknowledgement carries meta only.
	case message.KindPullRequest:
		msg.Keys = message.NewSegment(wire.EncodeKey(cm.Key), nil)
	case message.KindPullResponse:
		// The payload was RDMA-written straight into the buffer this
		// same process stashed when it sent the matching push-request
		// (see SentValueCache), never into bc.Buf: a pull-response's
		// rendezvous only ever carries meta through the receive slot.
		msg.Keys = message.NewSegment(wire.EncodeKey(cm.Key), nil)
		if seg, ok := t.sentValues.Lookup(cm.Key, peer); ok {
			msg.Values = seg
			msg.Lens = message.NewSegment(wire.EncodeKey(uint64(seg.Len())), nil)
		}
	}
	return msg
}
