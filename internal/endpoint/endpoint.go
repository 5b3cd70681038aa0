// Package endpoint implements the per-peer connection object: its
// connection state machine, queue pair, and the bounded free-lists that
// provide the protocol's only admission control.
package endpoint

import (
	"fmt"
	"sync"
	"time"

	"github.com/bytedance/ps-lite/internal/verbs"
	"github.com/bytedance/ps-lite/internal/wire"
)

// Status is the endpoint connection state.
type Status int32

const (
	StatusIdle Status = iota
	StatusConnecting
	StatusConnected
	StatusRejected
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusRejected:
		return "rejected"
	default:
		return "idle"
	}
}

// RejectBackoff is how long a REJECTED endpoint waits before the Connect
// loop returns it to CONNECTING.
const RejectBackoff = 500 * time.Millisecond

// recvWRFlag marks a wr_id as belonging to a pre-posted receive context
// rather than the Transport's own send/write wr_id counter, so the two
// numbering spaces can share one CQ without collision even for peer id 0.
const recvWRFlag = uint64(1) << 63

// RecvWRID packs a peer id and a local receive-slot index into a wr_id
// unique across every endpoint sharing one Van's completion queue.
func RecvWRID(peer uint32, idx int) uint64 {
	return recvWRFlag | (uint64(peer&0xffffff) << 8) | uint64(idx&0xff)
}

// DecodeRecvWRID reverses RecvWRID; ok is false for a send/write wr_id.
func DecodeRecvWRID(wrID uint64) (peer uint32, idx int, ok bool) {
	if wrID&recvWRFlag == 0 {
		return 0, 0, false
	}
	return uint32((wrID >> 8) & 0xffffff), int(wrID & 0xff), true
}

// SendContext is a reservation from one of the three send-context
// free-lists; Buf/Lkey name the inline buffer the context owns.
type SendContext struct {
	Buf  []byte
	Lkey uint32
}

// RecvContext is a pre-posted receive slot.
type RecvContext struct {
	Buf  []byte
	Lkey uint32
	WRID uint64
}

// Endpoint is a peer connection: its CM id/QP plus the three send-context
// free-lists and the pre-posted receive contexts the spec requires.
type Endpoint struct {
	PeerID uint32

	mu     sync.Mutex
	cond   *sync.Cond
	status Status

	ID *verbs.CMID
	QP *verbs.QP

	FreeStartCtx chan *SendContext
	FreeReplyCtx chan *SendContext
	FreeWriteCtx chan *SendContext

	recvMu   sync.Mutex
	recvCtxs map[int]*RecvContext
	rxDepth  int
}

func New(peerID uint32) *Endpoint {
	e := &Endpoint{PeerID: peerID, status: StatusIdle, recvCtxs: make(map[int]*RecvContext)}
	e.cond = sync.NewCond(&e.mu)
	e.FreeStartCtx = make(chan *SendContext, wire.StartDepth)
	e.FreeReplyCtx = make(chan *SendContext, wire.ReplyDepth)
	e.FreeWriteCtx = make(chan *SendContext, wire.WriteDepth)
	return e
}

// Init builds the QP over the Van's shared CQ/PD, fills the three
// send-context free-lists from the given pool allocator, and pre-posts
// rxDepth receive contexts.
func (e *Endpoint) Init(id *verbs.CMID, pd *verbs.PD, cq *verbs.CQ, rxDepth int, allocChunk func(size int) ([]byte, uint32, error)) error {
	qp, err := id.CreateQP(pd, cq, wire.MaxConcurrentWR, wire.SGECount)
	if err != nil {
		return fmt.Errorf("endpoint: create qp: %w", err)
	}
	e.ID = id
	e.QP = qp
	e.rxDepth = rxDepth

	if err := e.FillSendContexts(allocChunk); err != nil {
		return err
	}

	for i := 0; i < rxDepth; i++ {
		buf, lkey, err := allocChunk(wire.RendezvousStartSize)
		if err != nil {
			return fmt.Errorf("endpoint: alloc recv context: %w", err)
		}
		rc := &RecvContext{Buf: buf, Lkey: lkey, WRID: RecvWRID(e.PeerID, i)}
		if err := e.PostRecv(rc); err != nil {
			return fmt.Errorf("endpoint: initial post_recv: %w", err)
		}
	}
	return nil
}

// FillSendContexts stocks the three send-context free-lists from
// allocChunk. Split out of Init so a transport with no queue pair (the
// libfabric variant) can still reuse the rendezvous free-list model.
func (e *Endpoint) FillSendContexts(allocChunk func(size int) ([]byte, uint32, error)) error {
	for i := 0; i < wire.StartDepth; i++ {
		buf, lkey, err := allocChunk(wire.RendezvousStartSize)
		if err != nil {
			return fmt.Errorf("endpoint: alloc start context: %w", err)
		}
		e.FreeStartCtx <- &SendContext{Buf: buf, Lkey: lkey}
	}
	for i := 0; i < wire.ReplyDepth; i++ {
		buf, lkey, err := allocChunk(wire.RendezvousReplySize)
		if err != nil {
			return fmt.Errorf("endpoint: alloc reply context: %w", err)
		}
		e.FreeReplyCtx <- &SendContext{Buf: buf, Lkey: lkey}
	}
	for i := 0; i < wire.WriteDepth; i++ {
		buf, lkey, err := allocChunk(wire.RendezvousStartSize)
		if err != nil {
			return fmt.Errorf("endpoint: alloc write context: %w", err)
		}
		e.FreeWriteCtx <- &SendContext{Buf: buf, Lkey: lkey}
	}
	return nil
}

// PostRecv re-arms a receive slot.
func (e *Endpoint) PostRecv(ctx *RecvContext) error {
	if err := e.QP.PostRecv(ctx.Buf, ctx.Lkey, ctx.WRID); err != nil {
		return err
	}
	if _, idx, ok := DecodeRecvWRID(ctx.WRID); ok {
		e.recvMu.Lock()
		e.recvCtxs[idx] = ctx
		e.recvMu.Unlock()
	}
	return nil
}

// RecvCtxByIndex returns the receive context at the given local index, for
// the Van's CQ dispatch to re-post after a completion.
func (e *Endpoint) RecvCtxByIndex(idx int) (*RecvContext, bool) {
	e.recvMu.Lock()
	defer e.recvMu.Unlock()
	ctx, ok := e.recvCtxs[idx]
	return ctx, ok
}

func (e *Endpoint) SetStatus(s Status) {
	e.mu.Lock()
	e.status = s
	e.mu.Unlock()
	e.cond.Broadcast()
}

func (e *Endpoint) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// WaitFor blocks until the endpoint reaches one of the target statuses
// and returns which one.
func (e *Endpoint) WaitFor(targets ...Status) Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	for {
		for _, t := range targets {
			if e.status == t {
				return e.status
			}
		}
		e.cond.Wait()
	}
}

// Disconnect initiates graceful teardown and blocks until the CM
// reports IDLE.
func (e *Endpoint) Disconnect() error {
	if e.ID != nil {
		if err := e.ID.Disconnect(); err != nil {
			return fmt.Errorf("endpoint: disconnect: %w", err)
		}
	}
	e.WaitFor(StatusIdle)
	return nil
}
