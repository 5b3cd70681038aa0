package van

import (
	"context"
	"fmt"
	"os"
	"sync"

	digest "github.com/opencontainers/go-digest"
	"github.com/sirupsen/logrus"

	"github.com/bytedance/ps-lite/internal/config"
	"github.com/bytedance/ps-lite/internal/endpoint"
	"github.com/bytedance/ps-lite/internal/fabric"
	"github.com/bytedance/ps-lite/internal/message"
	"github.com/bytedance/ps-lite/internal/pool"
	"github.com/bytedance/ps-lite/internal/transport"
	"github.com/bytedance/ps-lite/internal/wire"
)

// fabricMaxPayload bounds the single posted payload receive buffer.
// The verbs path sizes its receive buffer per rendezvous-start from
// the sender's own declared length; libfabric's tagged completions
// here carry no matching sender context (see fabricPoster below), so
// this variant instead posts one buffer generous enough for any
// tensor partition and truncates on overflow rather than negotiate a
// size per message.
const fabricMaxPayload = 4 << 20

// FabricVan is the AWS EFA variant of Van: a FI_EP_RDM endpoint and a
// tagged completion queue stand in for the CM/verbs event and
// completion queues, address-vector entries stand in for rdma_cm_id
// connections, and tagged sends stand in for the one-sided RDMA write
// (see fabricPoster). Peer addresses are exchanged over the bootstrap
// channel rather than resolved through librdmacm.
type FabricVan struct {
	cfg      config.Config
	isServer bool
	log      *logrus.Logger

	fc      *fabric.Context
	mem     *pool.Mempool
	mrcache *pool.MRCache
	tr      *transport.Transport
	sender  transport.Sender
	shm     *transport.ShmTable
	ipc     *transport.IPCTransport

	epMu       sync.Mutex
	byPeer     map[uint32]*endpoint.Endpoint
	destByPeer map[uint32]uint64
	peerByAddr map[uint64]uint32

	deliveries chan Delivery
	stopCh     chan struct{}
	stopOnce   sync.Once
	wg         sync.WaitGroup

	// ctrlBuf/dataBuf are the buffers currently posted against
	// AddrUnspec. Both are only ever touched from pollLoop, which
	// reads a completion and re-posts its buffer before reading the
	// next one, so there is never more than one outstanding buffer of
	// each kind to track.
	ctrlBuf []byte
	dataBuf []byte
}

// fabricRegistrar implements pool.Registrar as a no-op: this variant
// never issues RMA, only tagged sends/receives, so buffers need no MR.
type fabricRegistrar struct{}

func (fabricRegistrar) Register(buf []byte) (uint32, uint32, error) { return 0, 0, nil }
func (fabricRegistrar) Deregister(buf []byte) error                { return nil }

// NewFabric builds a FabricVan bound to the named libfabric provider
// ("efa" on AWS instances with EFA devices; "" lets fi_getinfo pick).
func NewFabric(cfg config.Config, provider string) (*FabricVan, error) {
	fc, err := fabric.Init(provider)
	if err != nil {
		return nil, fmt.Errorf("van: fabric init: %w", err)
	}
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if cfg.EnableLog {
		log.SetLevel(logrus.DebugLevel)
	} else {
		log.SetLevel(logrus.InfoLevel)
	}

	fv := &FabricVan{
		cfg:        cfg,
		isServer:   cfg.Role == config.RoleServer,
		log:        log,
		fc:         fc,
		byPeer:     make(map[uint32]*endpoint.Endpoint),
		destByPeer: make(map[uint32]uint64),
		peerByAddr: make(map[uint64]uint32),
		deliveries: make(chan Delivery, 1024),
		stopCh:     make(chan struct{}),
	}

	mem, err := pool.NewMempool(mempoolSize, fabricRegistrar{})
	if err != nil {
		return nil, fmt.Errorf("van: mempool: %w", err)
	}
	fv.mem = mem
	fv.mrcache = pool.NewMRCache(fabricRegistrar{})
	poster := &fabricPoster{fv: fv, pending: make(map[uint32][]byte)}
	fv.tr = transport.New(mem, fv.mrcache, pool.PageSize, poster, fv.isServer)
	fv.sender = fv.tr
	if cfg.EnableIPC {
		partition := transport.EffectivePartitionBytes(cfg.PartitionBytes, cfg.LocalWorkerCount, int64(pool.PageSize))
		fv.shm = transport.NewShmTable(fmt.Sprintf("psrdma_fabric_%d_", os.Getpid()), partition)
		workers := 0
		if cfg.IPCAsyncCopy {
			workers = cfg.IPCCopyThreads
		}
		fv.ipc = transport.NewIPC(fv.tr, fv.shm, workers)
		fv.sender = fv.ipc
	}
	return fv, nil
}

func (fv *FabricVan) allocChunk(size int) ([]byte, uint32, error) {
	buf, err := fv.mem.Alloc(size)
	if err != nil {
		return nil, 0, err
	}
	return buf, fv.mem.LocalKey(), nil
}

// LocalName is this node's fabric endpoint address, exchanged over the
// bootstrap channel the way host/port is exchanged for the verbs Van.
func (fv *FabricVan) LocalName() []byte { return fv.fc.LocalName() }

// AddPeer inserts a remote endpoint name into the address vector and
// creates its Endpoint; there is no CM handshake to wait on, so the
// endpoint is connected immediately.
func (fv *FabricVan) AddPeer(peer uint32, name []byte) (*endpoint.Endpoint, error) {
	dest, err := fv.fc.InsertPeer(name)
	if err != nil {
		return nil, fmt.Errorf("van: insert peer %d: %w", peer, err)
	}
	ep := endpoint.New(peer)
	if err := ep.FillSendContexts(fv.allocChunk); err != nil {
		return nil, fmt.Errorf("van: fill send contexts for peer %d: %w", peer, err)
	}
	ep.SetStatus(endpoint.StatusConnected)

	fv.epMu.Lock()
	fv.byPeer[peer] = ep
	fv.destByPeer[peer] = dest
	fv.peerByAddr[dest] = peer
	fv.epMu.Unlock()
	return ep, nil
}

func (fv *FabricVan) getConnectedEndpoint(peer uint32) (*endpoint.Endpoint, bool) {
	fv.epMu.Lock()
	ep, ok := fv.byPeer[peer]
	fv.epMu.Unlock()
	if !ok || ep.Status() != endpoint.StatusConnected {
		return nil, false
	}
	return ep, true
}

func (fv *FabricVan) destFor(peer uint32) (uint64, bool) {
	fv.epMu.Lock()
	defer fv.epMu.Unlock()
	d, ok := fv.destByPeer[peer]
	return d, ok
}

func (fv *FabricVan) peerFor(addr uint64) (uint32, bool) {
	fv.epMu.Lock()
	defer fv.epMu.Unlock()
	p, ok := fv.peerByAddr[addr]
	return p, ok
}

// Start posts the persistent control and payload receive buffers and
// launches the tagged-completion poll loop.
func (fv *FabricVan) Start() error {
	fv.ctrlBuf = make([]byte, wire.RendezvousStartSize)
	if err := fv.fc.RecvTagged(fv.ctrlBuf, fabric.AddrUnspec, true); err != nil {
		return fmt.Errorf("van: post control recv: %w", err)
	}
	fv.dataBuf = make([]byte, fabricMaxPayload)
	if err := fv.fc.RecvTagged(fv.dataBuf, fabric.AddrUnspec, false); err != nil {
		return fmt.Errorf("van: post payload recv: %w", err)
	}
	fv.wg.Add(1)
	go fv.pollLoop()
	return nil
}

// Stop unblocks the poll loop and deregisters the memory pool.
func (fv *FabricVan) Stop() error {
	fv.stopOnce.Do(func() {
		close(fv.stopCh)
		close(fv.deliveries)
	})
	fv.wg.Wait()
	fv.fc.Close()
	if fv.ipc != nil {
		fv.ipc.Close()
	}
	if fv.shm != nil {
		if err := fv.shm.Close(); err != nil {
			return fmt.Errorf("van: close shm table: %w", err)
		}
	}
	return fv.mem.Deregister()
}

func (fv *FabricVan) pollLoop() {
	defer fv.wg.Done()
	for {
		select {
		case <-fv.stopCh:
			return
		default:
		}
		c, ok, err := fv.fc.Poll()
		if err != nil {
			fv.log.Fatalf("van: fabric completion error: %v", err)
		}
		if !ok {
			continue
		}
		fv.handleCompletion(c)
	}
}

// handleCompletion dispatches a tagged completion. The control/payload
// split mirrors the verbs path's SEND-WITH-IMM vs. WRITE-WITH-IMM
// split: a control completion carries an encoded RendezvousStart or
// RendezvousReply; a payload completion carries one reconstructed
// message's meta plus values, matching the write() path's layout
// (values placed after the page-aligned meta, see fabricPoster.Write).
func (fv *FabricVan) handleCompletion(c fabric.Completion) {
	peer, known := fv.peerFor(c.From)

	if c.IsCtrl {
		buf := append([]byte(nil), fv.ctrlBuf[:c.Len]...)
		if err := fv.fc.RecvTagged(fv.ctrlBuf, fabric.AddrUnspec, true); err != nil {
			fv.log.Errorf("van: re-post control recv: %v", err)
		}
		if !known {
			fv.log.Errorf("van: control completion from unregistered fabric address %#x", c.From)
			return
		}
		ep, ok := fv.getConnectedEndpoint(peer)
		if !ok {
			fv.log.Errorf("van: no endpoint for peer %d", peer)
			return
		}
		switch c.Slot {
		case wire.ImmRendezvousStart:
			if err := fv.tr.OnRendezvousStart(ep, buf); err != nil {
				fv.log.Errorf("van: %v", err)
			}
		case wire.ImmRendezvousReply:
			if err := fv.tr.OnRendezvousReply(ep, buf); err != nil {
				fv.log.Errorf("van: %v", err)
			}
		default:
			fv.log.Errorf("van: unknown rendezvous tag %d from peer %d", c.Slot, peer)
		}
		return
	}

	buf := append([]byte(nil), fv.dataBuf[:c.Len]...)
	if err := fv.fc.RecvTagged(fv.dataBuf, fabric.AddrUnspec, false); err != nil {
		fv.log.Errorf("van: re-post payload recv: %v", err)
	}
	if !known {
		fv.log.Errorf("van: payload completion from unregistered fabric address %#x", c.From)
		return
	}

	bc, err := fv.tr.OnWriteImmCompletion(c.Slot)
	if err != nil {
		fv.log.Errorf("van: %v", err)
		return
	}
	copy(bc.Buf, buf)

	cm, err := message.DecodeCoreMeta(bc.Buf[:bc.MetaLen])
	if err != nil {
		fv.log.Errorf("van: decode meta from peer %d: %v", peer, err)
		return
	}
	kind := fv.inferKind(bc)
	msg := fv.tr.Reconstruct(kind, cm, bc, peer)
	if kind == message.KindPushRequest {
		fv.tr.RecordPushTarget(cm.Key, peer, message.MemRef{
			Addr: uintptr(cm.Addr),
			Len:  int(cm.ValLen),
			Rkey: cm.Option,
		})
	}
	if fv.cfg.EnableLog && msg.Values.Len() > 0 {
		fv.log.Debugf("van: received %s key=%d peer=%d bytes=%d digest=%s",
			kind, cm.Key, peer, msg.Values.Len(), digest.FromBytes(msg.Values.Data))
	}

	select {
	case fv.deliveries <- Delivery{Peer: peer, Msg: msg, Bytes: msg.TotalBytes()}:
	case <-fv.stopCh:
	}
}

// inferKind mirrors Van.inferKind for the fabric path.
func (fv *FabricVan) inferKind(bc *message.BufferContext) message.Kind {
	if fv.isServer {
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

func (fv *FabricVan) buildSendBuffer(msg message.Message) (*message.MessageBuffer, uint64, error) {
	var valRef message.MemRef
	if msg.Values.Len() > 0 {
		h, err := fv.mrcache.EnsureRegistered(msg.Values.Data)
		if err != nil {
			return nil, 0, fmt.Errorf("van: register value buffer: %w", err)
		}
		valRef = message.MemRef{Addr: h.Addr, Len: h.Len, Lkey: h.Lkey, Rkey: h.Rkey}
	}
	cm := transport.BuildMeta(msg, valRef)
	metaBytes := cm.Encode()
	metaBuf, err := fv.mem.Alloc(len(metaBytes))
	if err != nil {
		return nil, 0, fmt.Errorf("van: alloc meta buffer: %w", err)
	}
	copy(metaBuf, metaBytes)

	mb := &message.MessageBuffer{
		Meta:    metaBuf,
		MetaRef: message.MemRef{Addr: addrOf(metaBuf), Len: len(metaBuf), Lkey: fv.mem.LocalKey()},
	}
	switch msg.Kind() {
	case message.KindPushRequest, message.KindPullResponse:
		mb.Segs = []message.Segment{{}, msg.Values}
		mb.SegRefs = []message.MemRef{{}, valRef}
	}
	return mb, cm.Key, nil
}

// SendMsg mirrors Van.SendMsg over the fabric transport.
func (fv *FabricVan) SendMsg(peer uint32, msg message.Message) (int, error) {
	ep, ok := fv.getConnectedEndpoint(peer)
	if !ok {
		return 0, fmt.Errorf("van: no connected endpoint for peer %d", peer)
	}
	mb, key, err := fv.buildSendBuffer(msg)
	if err != nil {
		return 0, err
	}
	if err := fv.sender.Send(ep, key, peer, msg.Kind(), mb); err != nil {
		return 0, fmt.Errorf("van: send to peer %d: %w", peer, err)
	}
	return msg.TotalBytes(), nil
}

// RecvMsg mirrors Van.RecvMsg.
func (fv *FabricVan) RecvMsg(ctx context.Context) (uint32, message.Message, int, error) {
	select {
	case d, ok := <-fv.deliveries:
		if !ok {
			return 0, message.Message{}, 0, fmt.Errorf("van: receive queue closed")
		}
		return d.Peer, d.Msg, d.Bytes, nil
	case <-ctx.Done():
		return 0, message.Message{}, 0, ctx.Err()
	case <-fv.stopCh:
		return 0, message.Message{}, 0, fmt.Errorf("van: stopped")
	}
}

// fabricPoster implements transport.Poster over tagged sends: a
// SEND-WITH-IMM becomes a control-tagged send carrying the immediate
// as the tag's slot bits, and an RDMA-WRITE(-WITH-IMM) pair becomes one
// payload-tagged send to the same peer. write() issues the payload leg
// unsignaled, then the meta leg signaled; since tagged messages can't
// place bytes at a chosen remote address the way one-sided RDMA can,
// this poster holds the payload leg back and sends it concatenated
// after the aligned meta leg, landing both in the receiver's single
// BufferContext exactly where Reconstruct expects them.
type fabricPoster struct {
	fv *FabricVan

	mu      sync.Mutex
	pending map[uint32][]byte
}

func (p *fabricPoster) SendImm(ep *endpoint.Endpoint, buf []byte, lkey, imm uint32, wrID uint64) error {
	dest, ok := p.fv.destFor(ep.PeerID)
	if !ok {
		return fmt.Errorf("van: no fabric address for peer %d", ep.PeerID)
	}
	if err := p.fv.fc.SendTagged(buf, dest, imm, true); err != nil {
		return err
	}
	return p.fv.tr.OnSendCompletion(wrID)
}

func (p *fabricPoster) Write(ep *endpoint.Endpoint, buf []byte, lkey uint32, remoteAddr uint64, rkey uint32, signaled bool, imm *uint32, wrID uint64) error {
	if !signaled {
		p.mu.Lock()
		p.pending[ep.PeerID] = append([]byte(nil), buf...)
		p.mu.Unlock()
		return nil
	}

	dest, ok := p.fv.destFor(ep.PeerID)
	if !ok {
		return fmt.Errorf("van: no fabric address for peer %d", ep.PeerID)
	}
	var slot uint32
	if imm != nil {
		slot = *imm
	}

	p.mu.Lock()
	payload := p.pending[ep.PeerID]
	delete(p.pending, ep.PeerID)
	p.mu.Unlock()

	out := buf
	if len(payload) > 0 {
		off := message.PageAlign(uint64(len(buf)), pool.PageSize)
		out = make([]byte, int(off)+len(payload))
		copy(out, buf)
		copy(out[off:], payload)
	}
	if err := p.fv.fc.SendTagged(out, dest, slot, false); err != nil {
		return err
	}
	return p.fv.tr.OnWriteCompletion(wrID)
}

var _ transport.Poster = (*fabricPoster)(nil)
