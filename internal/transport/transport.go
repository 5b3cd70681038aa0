// Package transport implements the rendezvous protocol and the
// four-message-kind send/receive tables described for the base RDMA
// transport; ipc.go overrides two of those paths for same-host peers.
package transport

import (
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/bytedance/ps-lite/internal/addrpool"
	"github.com/bytedance/ps-lite/internal/endpoint"
	"github.com/bytedance/ps-lite/internal/message"
	"github.com/bytedance/ps-lite/internal/pool"
	"github.com/bytedance/ps-lite/internal/wire"
)

type opKind int

const (
	opStartSend opKind = iota
	opReplySend
	opWriteSend
)

type pendingOp struct {
	kind opKind
	ep   *endpoint.Endpoint
	ctx  *endpoint.SendContext
	mb   *message.MessageBuffer
}

type rendezvousState struct {
	mb   *message.MessageBuffer
	key  uint64
	peer uint32
	push bool
	kind message.Kind
}

// Transport drives the rendezvous state machine for one Van. It borrows
// its Endpoints and shares the Van's memory pool, MR cache, and remote
// address cache rather than owning them.
type Transport struct {
	mem         *pool.Mempool
	mrcache     *pool.MRCache
	pool        *addrpool.AddressPool[message.BufferContext]
	remote      *RemoteCache
	pushTargets *PushAddrCache
	sentValues  *SentValueCache
	poster      Poster
	pageSize    uint64
	isServer    bool

	wrID uint64

	mu                sync.Mutex
	pending           map[uint64]*pendingOp
	pendingRendezvous map[uint64]*rendezvousState
}

// New builds a Transport. isServer controls whether a rendezvous-start's
// receive buffer is sized for meta only (worker side) or meta plus the
// aggregate page-aligned payload (server side).
func New(mem *pool.Mempool, mrcache *pool.MRCache, pageSize uint64, poster Poster, isServer bool) *Transport {
	return &Transport{
		mem:               mem,
		mrcache:           mrcache,
		pool:              addrpool.New[message.BufferContext](),
		remote:            NewRemoteCache(),
		pushTargets:       NewPushAddrCache(),
		sentValues:        NewSentValueCache(),
		poster:            poster,
		pageSize:          pageSize,
		isServer:          isServer,
		pending:           make(map[uint64]*pendingOp),
		pendingRendezvous: make(map[uint64]*rendezvousState),
	}
}

func (t *Transport) RemoteCache() *RemoteCache { return t.remote }

// RecordPushTarget is called by the Van after reconstructing an incoming
// push-request, registering the worker's value buffer so a later
// pull-response can write straight into it.
func (t *Transport) RecordPushTarget(key uint64, peer uint32, ref message.MemRef) {
	t.pushTargets.Store(key, peer, ref)
}

func (t *Transport) nextWRID() uint64 { return atomic.AddUint64(&t.wrID, 1) }

func (t *Transport) track(wrID uint64, op *pendingOp) {
	t.mu.Lock()
	t.pending[wrID] = op
	t.mu.Unlock()
}

func (t *Transport) takePending(wrID uint64) *pendingOp {
	t.mu.Lock()
	defer t.mu.Unlock()
	op := t.pending[wrID]
	delete(t.pending, wrID)
	return op
}

func addrOf(buf []byte) uintptr {
	if len(buf) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&buf[0]))
}

// Send either begins a rendezvous (first message for this key/peer in
// this direction) or writes directly to a cached remote slot.
func (t *Transport) Send(ep *endpoint.Endpoint, key uint64, peer uint32, kind message.Kind, mb *message.MessageBuffer) error {
	if kind == message.KindPushRequest && len(mb.Segs) > 1 {
		t.sentValues.Store(key, peer, mb.Segs[1])
	}
	push := kind.IsPush()
	if slot, ok := t.remote.Lookup(key, peer, push); ok {
		return t.write(ep, peer, push, key, mb, slot, kind)
	}
	return t.begin(ep, key, peer, push, kind, mb)
}

func (t *Transport) begin(ep *endpoint.Endpoint, key uint64, peer uint32, push bool, kind message.Kind, mb *message.MessageBuffer) error {
	startCtx, ok := <-ep.FreeStartCtx
	if !ok {
		return fmt.Errorf("transport: endpoint %d free start-context list closed", ep.PeerID)
	}

	var dataLen [wire.MaxSegments]uint64
	for i, s := range mb.Segs {
		if i >= wire.MaxSegments {
			break
		}
		dataLen[i] = uint64(len(s.Data))
	}
	rs := wire.RendezvousStart{
		MetaLen:    uint64(len(mb.Meta)),
		DataNum:    uint64(len(mb.Segs)),
		DataLen:    dataLen,
		OriginAddr: uint64(mb.MetaRef.Addr),
	}
	buf := rs.Encode()
	copy(startCtx.Buf, buf)

	t.mu.Lock()
	t.pendingRendezvous[rs.OriginAddr] = &rendezvousState{mb: mb, key: key, peer: peer, push: push, kind: kind}
	t.mu.Unlock()

	wrID := t.nextWRID()
	t.track(wrID, &pendingOp{kind: opStartSend, ep: ep, ctx: startCtx})
	if err := t.poster.SendImm(ep, startCtx.Buf[:len(buf)], startCtx.Lkey, wire.ImmRendezvousStart, wrID); err != nil {
		return fmt.Errorf("transport: post rendezvous-start: %w", err)
	}
	return nil
}

// OnRendezvousStart is invoked by the Van's CQ dispatch on the receive
// completion of a SEND-WITH-IMM carrying ImmRendezvousStart.
func (t *Transport) OnRendezvousStart(ep *endpoint.Endpoint, buf []byte) error {
	rs, err := wire.DecodeRendezvousStart(buf)
	if err != nil {
		return fmt.Errorf("transport: decode rendezvous-start: %w", err)
	}

	// Only the server ever receives a payload into this buffer: a
	// push-request's value segment lands here via the ordinary
	// rendezvous slot, but a pull-response's value segment bypasses it
	// entirely (see write()'s asymmetric write-to-stashed-target path),
	// so sizing this allocation off the sender's declared lengths for a
	// worker would reserve space nothing ever writes into.
	totalLen := rs.MetaLen
	if t.isServer {
		var sum uint64
		for i := uint64(0); i < rs.DataNum && i < wire.MaxSegments; i++ {
			sum += rs.DataLen[i]
		}
		if sum > 0 {
			totalLen = message.PageAlign(rs.MetaLen, t.pageSize) + sum
		}
	}

	recvBuf, err := t.mem.Alloc(int(totalLen))
	if err != nil {
		return fmt.Errorf("transport: alloc receive buffer: %w", err)
	}
	bc := &message.BufferContext{
		Buf:     recvBuf,
		Addr:    addrOf(recvBuf),
		MetaLen: rs.MetaLen,
		DataNum: rs.DataNum,
		DataLen: rs.DataLen,
	}
	idx, err := t.pool.Store(bc)
	if err != nil {
		return fmt.Errorf("transport: store buffer context: %w", err)
	}

	replyCtx, ok := <-ep.FreeReplyCtx
	if !ok {
		return fmt.Errorf("transport: endpoint %d free reply-context list closed", ep.PeerID)
	}
	rr := wire.RendezvousReply{Addr: uint64(bc.Addr), OriginAddr: rs.OriginAddr, RKey: t.mem.RemoteKey(), Idx: idx}
	reply := rr.Encode()
	copy(replyCtx.Buf, reply)

	wrID := t.nextWRID()
	t.track(wrID, &pendingOp{kind: opReplySend, ep: ep, ctx: replyCtx})
	if err := t.poster.SendImm(ep, replyCtx.Buf[:len(reply)], replyCtx.Lkey, wire.ImmRendezvousReply, wrID); err != nil {
		return fmt.Errorf("transport: post rendezvous-reply: %w", err)
	}
	return nil
}

// OnRendezvousReply is invoked on the receive completion of a
// SEND-WITH-IMM carrying ImmRendezvousReply.
func (t *Transport) OnRendezvousReply(ep *endpoint.Endpoint, buf []byte) error {
	rr, err := wire.DecodeRendezvousReply(buf)
	if err != nil {
		return fmt.Errorf("transport: decode rendezvous-reply: %w", err)
	}

	t.mu.Lock()
	state, ok := t.pendingRendezvous[rr.OriginAddr]
	if ok {
		delete(t.pendingRendezvous, rr.OriginAddr)
	}
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("transport: rendezvous-reply for unknown origin %#x", rr.OriginAddr)
	}

	slot := RemoteSlot{Addr: rr.Addr, RKey: rr.RKey, Idx: rr.Idx}
	t.remote.Store(state.key, state.peer, state.push, slot)
	return t.write(ep, state.peer, state.push, state.key, state.mb, slot, state.kind)
}

// write issues the one-sided write path: for a push-request, a prior
// unsignaled plain write of the values segment, then the signaled
// write-with-immediate carrying the meta and the remote slot index.
func (t *Transport) write(ep *endpoint.Endpoint, peer uint32, push bool, key uint64, mb *message.MessageBuffer, slot RemoteSlot, kind message.Kind) error {
	switch {
	case kind == message.KindPushRequest && len(mb.Segs) > 1 && len(mb.SegRefs) > 1 && mb.SegRefs[1].Len > 0:
		seg := mb.Segs[1]
		ref := mb.SegRefs[1]
		remoteAddr := slot.Addr + message.PageAlign(uint64(len(mb.Meta)), t.pageSize)
		payloadWRID := t.nextWRID()
		if err := t.poster.Write(ep, seg.Data, ref.Lkey, remoteAddr, slot.RKey, false, nil, payloadWRID); err != nil {
			return fmt.Errorf("transport: post payload write: %w", err)
		}

	case kind == message.KindPullResponse && len(mb.Segs) > 1 && len(mb.SegRefs) > 1:
		// Asymmetric path: write straight into the worker's
		// application-supplied buffer stashed from its push-request,
		// not into a slot belonging to this rendezvous.
		target, ok := t.pushTargets.Lookup(key, peer)
		if !ok {
			return fmt.Errorf("transport: no stashed pull target for key %d peer %d", key, peer)
		}
		seg := mb.Segs[1]
		ref := mb.SegRefs[1]
		payloadWRID := t.nextWRID()
		if err := t.poster.Write(ep, seg.Data, ref.Lkey, uint64(target.Addr), target.Rkey, false, nil, payloadWRID); err != nil {
			return fmt.Errorf("transport: post pull-response payload write: %w", err)
		}
	}

	writeCtx, ok := <-ep.FreeWriteCtx
	if !ok {
		return fmt.Errorf("transport: endpoint %d free write-context list closed", ep.PeerID)
	}
	copy(writeCtx.Buf, mb.Meta)

	wrID := t.nextWRID()
	t.track(wrID, &pendingOp{kind: opWriteSend, ep: ep, ctx: writeCtx, mb: mb})
	imm := slot.Idx
	if err := t.poster.Write(ep, writeCtx.Buf[:len(mb.Meta)], writeCtx.Lkey, slot.Addr, slot.RKey, true, &imm, wrID); err != nil {
		return fmt.Errorf("transport: post meta write: %w", err)
	}
	return nil
}

// OnSendCompletion releases the send context for a completed SEND
// (either leg of the rendezvous handshake) back to its free-list.
func (t *Transport) OnSendCompletion(wrID uint64) error {
	op := t.takePending(wrID)
	if op == nil {
		return fmt.Errorf("transport: send completion for unknown wr_id %d", wrID)
	}
	switch op.kind {
	case opStartSend:
		op.ep.FreeStartCtx <- op.ctx
	case opReplySend:
		op.ep.FreeReplyCtx <- op.ctx
	default:
		return fmt.Errorf("transport: unexpected op kind %d on send completion", op.kind)
	}
	return nil
}

// OnWriteCompletion frees the meta buffer and the MessageBuffer and
// releases the write context for a completed signaled RDMA-WRITE.
func (t *Transport) OnWriteCompletion(wrID uint64) error {
	op := t.takePending(wrID)
	if op == nil {
		return fmt.Errorf("transport: write completion for unknown wr_id %d", wrID)
	}
	if op.kind != opWriteSend {
		return fmt.Errorf("transport: unexpected op kind %d on write completion", op.kind)
	}
	op.ep.FreeWriteCtx <- op.ctx
	t.mem.Free(op.mb.Meta)
	op.mb.Segs = nil
	return nil
}

// OnWriteImmCompletion looks up the slot delivered by a
// RECV-RDMA-WITH-IMM completion and releases it from the address pool.
func (t *Transport) OnWriteImmCompletion(idx uint32) (*message.BufferContext, error) {
	return t.pool.GetAndRelease(idx)
}
