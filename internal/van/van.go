// Package van implements the connection manager that owns a node's CM
// event loop and completion-queue poller, and exposes the send_msg/
// recv_msg contract the rest of the framework calls. fabric.go provides
// the EFA/libfabric variant over the same Transport/Poster seam.
package van

import (
	"context"
	"fmt"
	"sync"
	"time"
	"unsafe"

	digest "github.com/opencontainers/go-digest"
	"github.com/sirupsen/logrus"

	"github.com/bytedance/ps-lite/internal/config"
	"github.com/bytedance/ps-lite/internal/endpoint"
	"github.com/bytedance/ps-lite/internal/message"
	"github.com/bytedance/ps-lite/internal/pool"
	"github.com/bytedance/ps-lite/internal/transport"
	"github.com/bytedance/ps-lite/internal/verbs"
	"github.com/bytedance/ps-lite/internal/wire"
)

// mempoolSize is the slab size backing every meta allocation a Van
// makes; meta blocks are small and short-lived, so one slab per Van is
// plenty even under many concurrent rendezvous handshakes.
const mempoolSize = 64 << 20

// maxConnectRetry bounds the REJECTED -> backoff -> retry loop Connect
// runs. spec.md describes the backoff but not a retry cap for this
// path; without one a persistently unreachable peer would spin
// Connect forever, so a generous fixed bound is used instead.
const maxConnectRetry = 10

// Delivery is one reconstructed message handed from the CQ thread to a
// RecvMsg caller.
type Delivery struct {
	Peer  uint32
	Msg   message.Message
	Bytes int
}

// Van is a node's RDMA connection manager: one CM event channel, one
// listening id, one completion queue and transport shared by every
// endpoint it owns.
type Van struct {
	cfg      config.Config
	nodeID   uint32
	isServer bool
	log      *logrus.Logger

	ech      *verbs.EventChannel
	listenID *verbs.CMID
	listenPort int

	initOnce sync.Once
	pd       *verbs.PD
	cq       *verbs.CQ
	mem      *pool.Mempool
	mrcache  *pool.MRCache
	tr       *transport.Transport
	sender   transport.Sender
	shm      *transport.ShmTable
	ipc      *transport.IPCTransport

	cmOnce sync.Once
	cqOnce sync.Once
	wg     sync.WaitGroup

	epMu     sync.Mutex
	byPeer   map[uint32]*endpoint.Endpoint
	byHandle map[uintptr]*endpoint.Endpoint

	deliveries chan Delivery
	stopCh     chan struct{}
	stopOnce   sync.Once
}

// New builds a Van for the given node id; cfg.Role determines whether
// rendezvous-start sizing assumes the server's aggregate-payload
// receive buffer or the worker's meta-only one.
func New(cfg config.Config, nodeID uint32) (*Van, error) {
	ech, err := verbs.CreateEventChannel()
	if err != nil {
		return nil, fmt.Errorf("van: create event channel: %w", err)
	}
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if cfg.EnableLog {
		log.SetLevel(logrus.DebugLevel)
	} else {
		log.SetLevel(logrus.InfoLevel)
	}
	return &Van{
		cfg:        cfg,
		nodeID:     nodeID,
		isServer:   cfg.Role == config.RoleServer,
		log:        log,
		ech:        ech,
		byPeer:     make(map[uint32]*endpoint.Endpoint),
		byHandle:   make(map[uintptr]*endpoint.Endpoint),
		deliveries: make(chan Delivery, 1024),
		stopCh:     make(chan struct{}),
	}, nil
}

func addrOf(buf []byte) uintptr {
	if len(buf) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&buf[0]))
}

// ensureInit lazily builds the PD/CQ/Mempool/Transport the first time a
// verbs context becomes available, whichever connection resolves
// first.
func (v *Van) ensureInit(ctx *verbs.Context) error {
	var err error
	v.initOnce.Do(func() {
		pd, e := verbs.AllocPD(ctx)
		if e != nil {
			err = fmt.Errorf("van: alloc pd: %w", e)
			return
		}
		cq, e := verbs.CreateCQ(ctx, wire.MaxConcurrentWR)
		if e != nil {
			err = fmt.Errorf("van: create cq: %w", e)
			return
		}
		mem, e := pool.NewMempool(mempoolSize, pd)
		if e != nil {
			err = fmt.Errorf("van: mempool: %w", e)
			return
		}
		v.pd = pd
		v.cq = cq
		v.mem = mem
		v.mrcache = pool.NewMRCache(pd)
		v.tr = transport.New(mem, v.mrcache, pool.PageSize, transport.VerbsPoster{}, v.isServer)
		v.sender = v.tr
		if v.cfg.EnableIPC {
			partition := transport.EffectivePartitionBytes(v.cfg.PartitionBytes, v.cfg.LocalWorkerCount, int64(pool.PageSize))
			v.shm = transport.NewShmTable(fmt.Sprintf("psrdma_%d_", v.nodeID), partition)
			workers := 0
			if v.cfg.IPCAsyncCopy {
				workers = v.cfg.IPCCopyThreads
			}
			v.ipc = transport.NewIPC(v.tr, v.shm, workers)
			v.sender = v.ipc
		}
	})
	return err
}

func (v *Van) allocChunk(size int) ([]byte, uint32, error) {
	buf, err := v.mem.Alloc(size)
	if err != nil {
		return nil, 0, err
	}
	return buf, v.mem.LocalKey(), nil
}

func (v *Van) startCMLoop() {
	v.cmOnce.Do(func() {
		v.wg.Add(1)
		go v.cmEventLoop()
	})
}

func (v *Van) startCQLoop() {
	v.cqOnce.Do(func() {
		v.wg.Add(1)
		go v.cqPollLoop()
	})
}

func (v *Van) getOrCreateEndpoint(peer uint32) *endpoint.Endpoint {
	v.epMu.Lock()
	defer v.epMu.Unlock()
	if ep, ok := v.byPeer[peer]; ok {
		return ep
	}
	ep := endpoint.New(peer)
	v.byPeer[peer] = ep
	return ep
}

func (v *Van) getConnectedEndpoint(peer uint32) (*endpoint.Endpoint, bool) {
	v.epMu.Lock()
	ep, ok := v.byPeer[peer]
	v.epMu.Unlock()
	if !ok || ep.Status() != endpoint.StatusConnected {
		return nil, false
	}
	return ep, true
}

func (v *Van) registerHandle(id *verbs.CMID, ep *endpoint.Endpoint) {
	v.epMu.Lock()
	v.byHandle[id.Handle()] = ep
	v.epMu.Unlock()
}

func (v *Van) endpointForHandle(id *verbs.CMID) (*endpoint.Endpoint, bool) {
	v.epMu.Lock()
	defer v.epMu.Unlock()
	ep, ok := v.byHandle[id.Handle()]
	return ep, ok
}

// Bind listens on host:port, retrying on successive ports up to
// maxRetry times, the way the original reports -1 on exhaustion rather
// than blocking forever on a busy port.
func (v *Van) Bind(host string, port, maxRetry int) (int, error) {
	id, err := verbs.CreateID(v.ech)
	if err != nil {
		return -1, fmt.Errorf("van: create listen id: %w", err)
	}
	p := port
	for attempt := 0; attempt <= maxRetry; attempt++ {
		if err := id.BindAddr(host, uint16(p)); err != nil {
			v.log.Warnf("van: bind %s:%d failed (attempt %d): %v", host, p, attempt, err)
			p++
			continue
		}
		if err := id.Listen(16); err != nil {
			return -1, fmt.Errorf("van: listen: %w", err)
		}
		v.listenID = id
		v.listenPort = p
		v.startCMLoop()
		return p, nil
	}
	return -1, fmt.Errorf("van: bind %s starting at port %d: exhausted %d retries", host, port, maxRetry)
}

// Connect establishes (or reuses) the connection to peer at host:port,
// retrying with the endpoint's backoff on REJECTED.
func (v *Van) Connect(peer uint32, host string, port int) (*endpoint.Endpoint, error) {
	ep := v.getOrCreateEndpoint(peer)
	if ep.Status() == endpoint.StatusConnected {
		return ep, nil
	}

	for attempt := 0; attempt < maxConnectRetry; attempt++ {
		id, err := verbs.CreateID(v.ech)
		if err != nil {
			return nil, fmt.Errorf("van: create id for peer %d: %w", peer, err)
		}
		v.registerHandle(id, ep)
		ep.SetStatus(endpoint.StatusConnecting)
		if err := id.ResolveAddr(host, uint16(port), 2*time.Second); err != nil {
			return nil, fmt.Errorf("van: resolve addr %s:%d: %w", host, port, err)
		}

		switch ep.WaitFor(endpoint.StatusConnected, endpoint.StatusRejected) {
		case endpoint.StatusConnected:
			return ep, nil
		case endpoint.StatusRejected:
			v.log.Warnf("van: connect to peer %d rejected, retrying in %s", peer, endpoint.RejectBackoff)
			time.Sleep(endpoint.RejectBackoff)
			id.Destroy()
		}
	}
	return nil, fmt.Errorf("van: connect to peer %d: exceeded %d retries", peer, maxConnectRetry)
}

// Start ensures the CM event loop is running for a Van that only
// connects out and never called Bind.
func (v *Van) Start() error {
	v.startCMLoop()
	return nil
}

// Stop tears down the event channel and listen id, unblocking the CM
// and CQ loops, and calls the memory pool's Deregister; with the verbs
// registrar that call releases no registration (see verbs.PD.Deregister).
func (v *Van) Stop() error {
	v.stopOnce.Do(func() {
		close(v.stopCh)
		if v.listenID != nil {
			v.listenID.Destroy()
		}
		v.ech.Destroy()
		close(v.deliveries)
	})
	v.wg.Wait()
	if v.ipc != nil {
		v.ipc.Close()
	}
	if v.shm != nil {
		if err := v.shm.Close(); err != nil {
			return fmt.Errorf("van: close shm table: %w", err)
		}
	}
	if v.mem != nil {
		if err := v.mem.Deregister(); err != nil {
			return fmt.Errorf("van: deregister mempool: %w", err)
		}
	}
	return nil
}

// cmEventLoop is the Van's CM thread: it blocks on the event channel
// and dispatches by event kind until the channel is destroyed by Stop.
func (v *Van) cmEventLoop() {
	defer v.wg.Done()
	for {
		ev, err := v.ech.GetEvent()
		if err != nil {
			select {
			case <-v.stopCh:
			default:
				v.log.Errorf("van: cm event channel: %v", err)
			}
			return
		}
		v.handleCMEvent(ev)
	}
}

func (v *Van) handleCMEvent(ev *verbs.CMEvent) {
	switch ev.Kind {
	case verbs.EventAddrResolved:
		if err := ev.ID.ResolveRoute(2 * time.Second); err != nil {
			v.log.Errorf("van: resolve route: %v", err)
			if ep, ok := v.endpointForHandle(ev.ID); ok {
				ep.SetStatus(endpoint.StatusRejected)
			}
		}

	case verbs.EventRouteResolved:
		ep, ok := v.endpointForHandle(ev.ID)
		if !ok {
			v.log.Errorf("van: route resolved for unknown connection")
			return
		}
		if err := v.ensureInit(ev.ID.VerbsContext()); err != nil {
			v.log.Errorf("van: %v", err)
			ep.SetStatus(endpoint.StatusRejected)
			return
		}
		if err := ep.Init(ev.ID, v.pd, v.cq, wire.RxDepth, v.allocChunk); err != nil {
			v.log.Errorf("van: init endpoint for peer %d: %v", ep.PeerID, err)
			ep.SetStatus(endpoint.StatusRejected)
			return
		}
		rc := wire.NewRequestContext(v.nodeID, uint16(v.listenPort), v.cfg.NodeHost)
		if err := ev.ID.Connect(rc.Encode()); err != nil {
			v.log.Errorf("van: connect: %v", err)
			ep.SetStatus(endpoint.StatusRejected)
		}

	case verbs.EventConnectRequest:
		rc, err := wire.DecodeRequestContext(ev.PrivateData)
		if err != nil {
			v.log.Errorf("van: decode connect request: %v", err)
			ev.ID.Reject()
			return
		}
		ep := v.getOrCreateEndpoint(rc.Node)
		v.registerHandle(ev.ID, ep)
		ep.SetStatus(endpoint.StatusConnecting)
		if err := v.ensureInit(ev.ID.VerbsContext()); err != nil {
			v.log.Errorf("van: %v", err)
			ev.ID.Reject()
			return
		}
		if err := ep.Init(ev.ID, v.pd, v.cq, wire.RxDepth, v.allocChunk); err != nil {
			v.log.Errorf("van: init endpoint for peer %d: %v", rc.Node, err)
			ev.ID.Reject()
			return
		}
		if err := ev.ID.Accept(nil); err != nil {
			v.log.Errorf("van: accept peer %d: %v", rc.Node, err)
		}

	case verbs.EventEstablished:
		if ep, ok := v.endpointForHandle(ev.ID); ok {
			ep.SetStatus(endpoint.StatusConnected)
		}
		v.startCQLoop()

	case verbs.EventRejected:
		if ep, ok := v.endpointForHandle(ev.ID); ok {
			ep.SetStatus(endpoint.StatusRejected)
		}

	case verbs.EventDisconnected:
		if ep, ok := v.endpointForHandle(ev.ID); ok {
			ep.SetStatus(endpoint.StatusIdle)
		}
	}
}

// cqPollLoop is the Van's CQ thread: it busy-polls the shared
// completion queue and dispatches by opcode. It never suspends under
// load, matching the fixed-thread model the protocol's backpressure
// (the endpoint free-lists) assumes.
func (v *Van) cqPollLoop() {
	defer v.wg.Done()
	for {
		select {
		case <-v.stopCh:
			return
		default:
		}
		wc, ok, err := v.cq.Poll()
		if err != nil {
			v.log.Fatalf("van: completion error: %v", err)
		}
		if !ok {
			continue
		}
		switch wc.Opcode {
		case verbs.OpSend:
			if err := v.tr.OnSendCompletion(wc.WRID); err != nil {
				v.log.Errorf("van: %v", err)
			}
		case verbs.OpRDMAWrite:
			if err := v.tr.OnWriteCompletion(wc.WRID); err != nil {
				v.log.Errorf("van: %v", err)
			}
		case verbs.OpRecvSendImm:
			v.handleSendImm(wc)
		case verbs.OpRecvWriteImm:
			v.handleWriteImm(wc)
		default:
			v.log.Warnf("van: unhandled completion opcode %d", wc.Opcode)
		}
	}
}

// handleSendImm dispatches a received SEND-WITH-IMM: the consumed
// receive buffer holds an encoded RendezvousStart or RendezvousReply,
// distinguished by the immediate data.
func (v *Van) handleSendImm(wc verbs.WC) {
	peer, idx, ok := endpoint.DecodeRecvWRID(wc.WRID)
	if !ok {
		v.log.Errorf("van: send-imm completion with non-recv wr_id %#x", wc.WRID)
		return
	}
	ep, ok := v.getConnectedEndpointAny(peer)
	if !ok {
		return
	}
	rc, ok := ep.RecvCtxByIndex(idx)
	if !ok {
		v.log.Errorf("van: no recv context at index %d for peer %d", idx, peer)
		return
	}
	buf := append([]byte(nil), rc.Buf[:wc.ByteLen]...)
	if err := ep.PostRecv(rc); err != nil {
		v.log.Errorf("van: re-post recv: %v", err)
	}

	switch wc.ImmData {
	case wire.ImmRendezvousStart:
		if err := v.tr.OnRendezvousStart(ep, buf); err != nil {
			v.log.Errorf("van: %v", err)
		}
	case wire.ImmRendezvousReply:
		if err := v.tr.OnRendezvousReply(ep, buf); err != nil {
			v.log.Errorf("van: %v", err)
		}
	default:
		v.log.Errorf("van: unknown rendezvous immediate %d from peer %d", wc.ImmData, peer)
	}
}

// handleWriteImm dispatches a received RDMA-WRITE-WITH-IMM: the
// immediate data is the slot index the matching rendezvous-reply
// handed out, and the bytes already landed at that slot's address.
func (v *Van) handleWriteImm(wc verbs.WC) {
	bc, err := v.tr.OnWriteImmCompletion(wc.ImmData)
	if err != nil {
		v.log.Errorf("van: %v", err)
		return
	}
	peer, idx, ok := endpoint.DecodeRecvWRID(wc.WRID)
	if !ok {
		v.log.Errorf("van: write-imm completion with non-recv wr_id %#x", wc.WRID)
		return
	}
	if ep, ok := v.getConnectedEndpointAny(peer); ok {
		if rc, ok := ep.RecvCtxByIndex(idx); ok {
			if err := ep.PostRecv(rc); err != nil {
				v.log.Errorf("van: re-post recv: %v", err)
			}
		}
	}

	meta := bc.Buf[:bc.MetaLen]
	cm, err := message.DecodeCoreMeta(meta)
	if err != nil {
		v.log.Errorf("van: decode meta from peer %d: %v", peer, err)
		return
	}

	kind := v.inferKind(bc)
	msg := v.tr.Reconstruct(kind, cm, bc, peer)
	if kind == message.KindPushRequest {
		v.tr.RecordPushTarget(cm.Key, peer, message.MemRef{
			Addr: uintptr(cm.Addr),
			Len:  int(cm.ValLen),
			Rkey: cm.Option,
		})
	}
	if v.cfg.EnableLog && msg.Values.Len() > 0 {
		v.log.Debugf("van: received %s key=%d peer=%d bytes=%d digest=%s",
			kind, cm.Key, peer, msg.Values.Len(), digest.FromBytes(msg.Values.Data))
	}

	select {
	case v.deliveries <- Delivery{Peer: peer, Msg: msg, Bytes: msg.TotalBytes()}:
	case <-v.stopCh:
	}
}

// getConnectedEndpointAny looks up an endpoint purely by peer id,
// without the connected-status check SendMsg requires: a completion
// for an endpoint mid-teardown still needs its recv context re-posted.
func (v *Van) getConnectedEndpointAny(peer uint32) (*endpoint.Endpoint, bool) {
	v.epMu.Lock()
	defer v.epMu.Unlock()
	ep, ok := v.byPeer[peer]
	return ep, ok
}

// inferKind recovers the message Kind a receive completion must carry,
// since CoreMeta itself has no Kind field: this Van's role restricts
// the inbound message to one of two kinds, and BufferContext.DataNum
// (0 for a meta-only acknowledgement, >=2 once a values segment rides
// along) picks between them.
func (v *Van) inferKind(bc *message.BufferContext) message.Kind {
	if v.isServer {
		if bc.DataNum >= 2 {
			return message.KindPushRequest
		}
		return message.KindPullRequest
	}
	if bc.DataNum == 0 {
		return message.KindPushResponse
	}
	return message.KindPullResponse
}

// buildSendBuffer packs msg into the MessageBuffer Send expects:
// meta (key, and for push-requests the worker's value-buffer
// address/length/rkey) in a pool-allocated block, plus the values
// segment at Segs[1] for the two kinds that carry one.
func (v *Van) buildSendBuffer(msg message.Message) (*message.MessageBuffer, uint64, error) {
	var valRef message.MemRef
	if msg.Values.Len() > 0 {
		h, err := v.mrcache.EnsureRegistered(msg.Values.Data)
		if err != nil {
			return nil, 0, fmt.Errorf("van: register value buffer: %w", err)
		}
		valRef = message.MemRef{Addr: h.Addr, Len: h.Len, Lkey: h.Lkey, Rkey: h.Rkey}
	}

	cm := transport.BuildMeta(msg, valRef)
	metaBytes := cm.Encode()
	metaBuf, err := v.mem.Alloc(len(metaBytes))
	if err != nil {
		return nil, 0, fmt.Errorf("van: alloc meta buffer: %w", err)
	}
	copy(metaBuf, metaBytes)

	mb := &message.MessageBuffer{
		Meta:    metaBuf,
		MetaRef: message.MemRef{Addr: addrOf(metaBuf), Len: len(metaBuf), Lkey: v.mem.LocalKey()},
	}
	switch msg.Kind() {
	case message.KindPushRequest, message.KindPullResponse:
		mb.Segs = []message.Segment{{}, msg.Values}
		mb.SegRefs = []message.MemRef{{}, valRef}
	}
	return mb, cm.Key, nil
}

// SendMsg encodes and posts msg to peer, returning the total byte
// count (meta plus every carried segment) the caller reports.
func (v *Van) SendMsg(peer uint32, msg message.Message) (int, error) {
	ep, ok := v.getConnectedEndpoint(peer)
	if !ok {
		return 0, fmt.Errorf("van: no connected endpoint for peer %d", peer)
	}
	mb, key, err := v.buildSendBuffer(msg)
	if err != nil {
		return 0, err
	}
	if err := v.sender.Send(ep, key, peer, msg.Kind(), mb); err != nil {
		return 0, fmt.Errorf("van: send to peer %d: %w", peer, err)
	}
	return msg.TotalBytes(), nil
}

// RecvMsg blocks until a message is delivered, the context is
// cancelled, or the Van is stopped.
func (v *Van) RecvMsg(ctx context.Context) (uint32, message.Message, int, error) {
	select {
	case d, ok := <-v.deliveries:
		if !ok {
			return 0, message.Message{}, 0, fmt.Errorf("van: receive queue closed")
		}
		return d.Peer, d.Msg, d.Bytes, nil
	case <-ctx.Done():
		return 0, message.Message{}, 0, ctx.Err()
	case <-v.stopCh:
		return 0, message.Message{}, 0, fmt.Errorf("van: stopped")
	}
}
