package transport

import (
	"sync"
	"testing"

	"github.com/bytedance/ps-lite/internal/endpoint"
	"github.com/bytedance/ps-lite/internal/message"
	"github.com/bytedance/ps-lite/internal/pool"
	"github.com/bytedance/ps-lite/internal/wire"
)

type fakeRegistrar struct{}

func (fakeRegistrar) Register(buf []byte) (uint32, uint32, error) { return 0xaaaa, 0xbbbb, nil }
func (fakeRegistrar) Deregister(buf []byte) error                 { return nil }

type writeCall struct {
	remoteAddr uint64
	rkey       uint32
	signaled   bool
	imm        *uint32
	n          int
}

// fakePoster records every SendImm/Write call instead of touching real
// hardware, the seam the Poster interface exists to provide.
type fakePoster struct {
	mu       sync.Mutex
	sends    [][]byte
	sendImms []uint32
	writes   []writeCall
}

func (p *fakePoster) SendImm(ep *endpoint.Endpoint, buf []byte, lkey, imm uint32, wrID uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := append([]byte(nil), buf...)
	p.sends = append(p.sends, cp)
	p.sendImms = append(p.sendImms, imm)
	return nil
}

func (p *fakePoster) Write(ep *endpoint.Endpoint, buf []byte, lkey uint32, remoteAddr uint64, rkey uint32, signaled bool, imm *uint32, wrID uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writes = append(p.writes, writeCall{remoteAddr: remoteAddr, rkey: rkey, signaled: signaled, imm: imm, n: len(buf)})
	return nil
}

func (p *fakePoster) lastSend() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sends[len(p.sends)-1]
}

// newTestEndpoint builds an Endpoint with its free-list channels filled by
// hand, bypassing Init (which needs real verbs hardware to create a QP).
func newTestEndpoint(t *testing.T, peer uint32) *endpoint.Endpoint {
	t.Helper()
	ep := endpoint.New(peer)
	for i := 0; i < wire.StartDepth; i++ {
		ep.FreeStartCtx <- &endpoint.SendContext{Buf: make([]byte, wire.RendezvousStartSize), Lkey: 1}
	}
	for i := 0; i < wire.ReplyDepth; i++ {
		ep.FreeReplyCtx <- &endpoint.SendContext{Buf: make([]byte, wire.RendezvousReplySize), Lkey: 1}
	}
	for i := 0; i < wire.WriteDepth; i++ {
		ep.FreeWriteCtx <- &endpoint.SendContext{Buf: make([]byte, wire.RendezvousStartSize), Lkey: 1}
	}
	return ep
}

func newTestMempool(t *testing.T) *pool.Mempool {
	t.Helper()
	m, err := pool.NewMempool(1<<20, fakeRegistrar{})
	if err != nil {
		t.Fatalf("NewMempool: %v", err)
	}
	return m
}

func pushRequestBuffer(meta []byte, values []byte) *message.MessageBuffer {
	return &message.MessageBuffer{
		Meta: meta,
		Segs: []message.Segment{
			message.NewSegment(nil, nil),
			message.NewSegment(values, nil),
		},
		SegRefs: []message.MemRef{
			{},
			{Lkey: 0xcccc, Len: len(values)},
		},
	}
}

// TestRendezvousRoundTrip drives a push-request through begin, the
// server's reply, and the worker's resulting writes, checking that the
// remote slot learned from the reply ends up cached for reuse.
func TestRendezvousRoundTrip(t *testing.T) {
	workerMem := newTestMempool(t)
	serverMem := newTestMempool(t)
	workerPoster := &fakePoster{}
	serverPoster := &fakePoster{}

	worker := New(workerMem, pool.NewMRCache(fakeRegistrar{}), pool.PageSize, workerPoster, false)
	server := New(serverMem, pool.NewMRCache(fakeRegistrar{}), pool.PageSize, serverPoster, true)

	workerEP := newTestEndpoint(t, 1)
	serverEP := newTestEndpoint(t, 0)

	values := []byte("abcdefgh")
	mb := pushRequestBuffer([]byte("metabytes"), values)

	const key, peer = 42, 0
	if err := worker.Send(workerEP, key, peer, message.KindPushRequest, mb); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(workerPoster.sends) != 1 || workerPoster.sendImms[0] != wire.ImmRendezvousStart {
		t.Fatalf("expected exactly one rendezvous-start SEND, got %+v", workerPoster.sendImms)
	}

	startBuf := workerPoster.lastSend()
	if err := server.OnRendezvousStart(serverEP, startBuf); err != nil {
		t.Fatalf("OnRendezvousStart: %v", err)
	}
	if len(serverPoster.sends) != 1 || serverPoster.sendImms[0] != wire.ImmRendezvousReply {
		t.Fatalf("expected exactly one rendezvous-reply SEND, got %+v", serverPoster.sendImms)
	}
	if server.pool.InUse() != 1 {
		t.Fatalf("server should have one buffer context in flight, got %d", server.pool.InUse())
	}

	replyBuf := serverPoster.lastSend()
	if err := worker.OnRendezvousReply(workerEP, replyBuf); err != nil {
		t.Fatalf("OnRendezvousReply: %v", err)
	}

	if len(workerPoster.writes) != 2 {
		t.Fatalf("expected a payload write and a meta write, got %d writes", len(workerPoster.writes))
	}
	payloadWrite := workerPoster.writes[0]
	if payloadWrite.signaled {
		t.Fatal("payload write must be unsignaled")
	}
	if payloadWrite.n != len(values) {
		t.Fatalf("payload write carried %d bytes, want %d", payloadWrite.n, len(values))
	}
	metaWrite := workerPoster.writes[1]
	if !metaWrite.signaled || metaWrite.imm == nil {
		t.Fatal("meta write must be signaled and carry an immediate slot index")
	}

	if slot, ok := worker.remote.Lookup(key, peer, true); !ok {
		t.Fatal("reply should populate the worker's remote cache")
	} else if slot.Addr != metaWrite.remoteAddr {
		t.Fatalf("cached slot addr %#x does not match the meta write's remote addr %#x", slot.Addr, metaWrite.remoteAddr)
	}

	// A second send for the same key/peer/direction must skip rendezvous
	// entirely and go straight to write.
	mb2 := pushRequestBuffer([]byte("metabytes2"), values)
	if err := worker.Send(workerEP, key, peer, message.KindPushRequest, mb2); err != nil {
		t.Fatalf("cached Send: %v", err)
	}
	if len(workerPoster.sends) != 1 {
		t.Fatal("cached send must not re-issue a rendezvous-start")
	}
	if len(workerPoster.writes) != 4 {
		t.Fatalf("cached send should add two more writes, got %d total", len(workerPoster.writes))
	}
}

// TestOnRendezvousStartSizesReceiveBufferByRole checks that only the
// server's receive buffer grows to hold a declared payload: a worker
// only ever receives a pull-response's payload through the asymmetric
// write-to-stashed-target path, never through this buffer, so sizing
// it for one would reserve space nothing writes into.
func TestOnRendezvousStartSizesReceiveBufferByRole(t *testing.T) {
	rs := wire.RendezvousStart{MetaLen: 8, DataNum: 2, DataLen: [wire.MaxSegments]uint64{0, 4096}}
	buf := rs.Encode()

	serverMem := newTestMempool(t)
	server := New(serverMem, pool.NewMRCache(fakeRegistrar{}), pool.PageSize, &fakePoster{}, true)
	serverEP := newTestEndpoint(t, 1)
	if err := server.OnRendezvousStart(serverEP, buf); err != nil {
		t.Fatalf("OnRendezvousStart: %v", err)
	}
	serverBC, err := server.pool.GetAndRelease(0)
	if err != nil {
		t.Fatalf("GetAndRelease: %v", err)
	}
	if len(serverBC.Buf) <= int(rs.MetaLen) {
		t.Fatalf("server receive buffer should hold the declared payload, got %d bytes", len(serverBC.Buf))
	}

	workerMem := newTestMempool(t)
	worker := New(workerMem, pool.NewMRCache(fakeRegistrar{}), pool.PageSize, &fakePoster{}, false)
	workerEP := newTestEndpoint(t, 2)
	if err := worker.OnRendezvousStart(workerEP, buf); err != nil {
		t.Fatalf("OnRendezvousStart: %v", err)
	}
	workerBC, err := worker.pool.GetAndRelease(0)
	if err != nil {
		t.Fatalf("GetAndRelease: %v", err)
	}
	if len(workerBC.Buf) != int(rs.MetaLen) {
		t.Fatalf("worker receive buffer = %d bytes, want exactly MetaLen (%d)", len(workerBC.Buf), rs.MetaLen)
	}
}

// TestPullResponseWritesToStashedTarget exercises the asymmetric path: a
// pull-response writes into the worker's application buffer recorded from
// an earlier push-request, not into the rendezvous slot's own address.
func TestPullResponseWritesToStashedTarget(t *testing.T) {
	serverMem := newTestMempool(t)
	poster := &fakePoster{}
	server := New(serverMem, pool.NewMRCache(fakeRegistrar{}), pool.PageSize, poster, true)
	ep := newTestEndpoint(t, 1)

	const key, peer = 7, 1
	target := message.MemRef{Addr: 0xdead0000, Len: 64, Rkey: 0x2222}
	server.RecordPushTarget(key, peer, target)

	// Pretend a pull-request/response rendezvous already completed and
	// learned a slot; only the payload destination should come from the
	// stashed push target, not from this slot.
	slot := RemoteSlot{Addr: 0x9999, RKey: 0x1111, Idx: 3}
	server.remote.Store(key, peer, false, slot)

	values := make([]byte, 32)
	mb := &message.MessageBuffer{
		Meta: []byte("pullmeta"),
		Segs: []message.Segment{
			message.NewSegment(nil, nil),
			message.NewSegment(values, nil),
		},
		SegRefs: []message.MemRef{
			{},
			{Lkey: 0x3333, Len: len(values)},
		},
	}

	if err := server.Send(ep, key, peer, message.KindPullResponse, mb); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(poster.writes) != 2 {
		t.Fatalf("expected payload write + meta write, got %d", len(poster.writes))
	}
	payloadWrite := poster.writes[0]
	if payloadWrite.remoteAddr != uint64(target.Addr) || payloadWrite.rkey != target.Rkey {
		t.Fatalf("pull-response payload went to %#x/%d, want stashed target %#x/%d",
			payloadWrite.remoteAddr, payloadWrite.rkey, target.Addr, target.Rkey)
	}
	metaWrite := poster.writes[1]
	if metaWrite.remoteAddr != slot.Addr {
		t.Fatalf("meta write went to %#x, want the rendezvous slot %#x", metaWrite.remoteAddr, slot.Addr)
	}
}

// TestReconstructPullResponseUsesSentValue checks the receive side of
// the asymmetric path: a pull-response's Values segment must come from
// the buffer this Transport stashed when it sent the matching
// push-request, not from the (meta-only) BufferContext the rendezvous
// allocated for the pull-response itself.
func TestReconstructPullResponseUsesSentValue(t *testing.T) {
	mem := newTestMempool(t)
	poster := &fakePoster{}
	tr := New(mem, pool.NewMRCache(fakeRegistrar{}), pool.PageSize, poster, false)
	ep := newTestEndpoint(t, 9)

	const key, peer = 5, 9
	values := []byte("my own application buffer")
	mb := pushRequestBuffer([]byte("metabytes"), values)
	if err := tr.Send(ep, key, peer, message.KindPushRequest, mb); err != nil {
		t.Fatalf("Send: %v", err)
	}

	cm := message.CoreMeta{Key: key}
	bc := &message.BufferContext{MetaLen: 8}
	msg := tr.Reconstruct(message.KindPullResponse, cm, bc, peer)

	if msg.Values.Len() != len(values) {
		t.Fatalf("Values length = %d, want %d", msg.Values.Len(), len(values))
	}
	if &msg.Values.Data[0] != &values[0] {
		t.Fatal("Values should reference the exact buffer stashed at send time, not a copy")
	}
}

// TestReconstructPullResponseUnknownKeyYieldsNoValues checks that a
// pull-response for a key this Transport never pushed comes back with
// an empty Values segment rather than panicking on a missing entry.
func TestReconstructPullResponseUnknownKeyYieldsNoValues(t *testing.T) {
	mem := newTestMempool(t)
	poster := &fakePoster{}
	tr := New(mem, pool.NewMRCache(fakeRegistrar{}), pool.PageSize, poster, false)

	cm := message.CoreMeta{Key: 123}
	bc := &message.BufferContext{MetaLen: 8}
	msg := tr.Reconstruct(message.KindPullResponse, cm, bc, 1)
	if msg.Values.Len() != 0 {
		t.Fatalf("expected no Values for an unknown key, got %d bytes", msg.Values.Len())
	}
}

// TestOnSendCompletionReleasesFreeList checks that a SEND completion
// returns its context to the right free-list rather than leaking it.
func TestOnSendCompletionReleasesFreeList(t *testing.T) {
	mem := newTestMempool(t)
	poster := &fakePoster{}
	tr := New(mem, pool.NewMRCache(fakeRegistrar{}), pool.PageSize, poster, false)
	ep := newTestEndpoint(t, 2)

	startCtx := <-ep.FreeStartCtx
	wrID := tr.nextWRID()
	tr.track(wrID, &pendingOp{kind: opStartSend, ep: ep, ctx: startCtx})

	if err := tr.OnSendCompletion(wrID); err != nil {
		t.Fatalf("OnSendCompletion: %v", err)
	}
	select {
	case got := <-ep.FreeStartCtx:
		if got != startCtx {
			t.Fatal("wrong context returned to free-list")
		}
	default:
		t.Fatal("start context was not returned to the free-list")
	}

	if err := tr.OnSendCompletion(wrID); err == nil {
		t.Fatal("completing an already-completed wr_id should error, not panic")
	}
}

// TestOnWriteCompletionFreesMeta checks that a completed signaled write
// returns its context and frees the MessageBuffer's meta allocation.
func TestOnWriteCompletionFreesMeta(t *testing.T) {
	mem := newTestMempool(t)
	poster := &fakePoster{}
	tr := New(mem, pool.NewMRCache(fakeRegistrar{}), pool.PageSize, poster, false)
	ep := newTestEndpoint(t, 3)

	meta, err := mem.Alloc(16)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	mb := &message.MessageBuffer{Meta: meta, Segs: []message.Segment{{}, {Data: []byte("x")}}}

	writeCtx := <-ep.FreeWriteCtx
	wrID := tr.nextWRID()
	tr.track(wrID, &pendingOp{kind: opWriteSend, ep: ep, ctx: writeCtx, mb: mb})

	if err := tr.OnWriteCompletion(wrID); err != nil {
		t.Fatalf("OnWriteCompletion: %v", err)
	}
	select {
	case got := <-ep.FreeWriteCtx:
		if got != writeCtx {
			t.Fatal("wrong context returned to free-list")
		}
	default:
		t.Fatal("write context was not returned to the free-list")
	}
	if mb.Segs != nil {
		t.Fatal("completed write should clear the MessageBuffer's segments")
	}
}

// TestOnWriteImmCompletionReleasesBufferContext checks the receive-side
// address-pool handoff from a RECV-RDMA-WITH-IMM completion.
func TestOnWriteImmCompletionReleasesBufferContext(t *testing.T) {
	mem := newTestMempool(t)
	poster := &fakePoster{}
	tr := New(mem, pool.NewMRCache(fakeRegistrar{}), pool.PageSize, poster, true)

	bc := &message.BufferContext{MetaLen: 9}
	idx, err := tr.pool.Store(bc)
	if err != nil {
		t.Fatalf("Store: %v", err)
	}

	got, err := tr.OnWriteImmCompletion(idx)
	if err != nil {
		t.Fatalf("OnWriteImmCompletion: %v", err)
	}
	if got != bc {
		t.Fatal("expected the same BufferContext back")
	}
	if tr.pool.InUse() != 0 {
		t.Fatal("slot should be released after OnWriteImmCompletion")
	}
}
