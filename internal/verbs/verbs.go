// Package verbs binds the real libibverbs/librdmacm calls the Van and
// Endpoint need: CM event handling, queue-pair lifecycle, memory
// registration, and completion polling. The binding style (a small set
// of C helper functions alongside thin Go wrappers) follows the
// teacher's rdma.go almost verbatim; only the call surface is
// generalized from a one-shot blob fetch to the rendezvous protocol.
package verbs

/*
#cgo CFLAGS: -I/usr/include/infiniband
#cgo LDFLAGS: -libverbs -lrdmacm
#include <infiniband/verbs.h>
#include <rdma/rdma_cma.h>
#include <rdma/rdma_verbs.h>
#include <stdint.h>
#include <stdlib.h>
#include <string.h>

static int post_send_with_imm(struct ibv_qp *qp, void *addr, uint32_t length,
                               uint32_t lkey, uint32_t imm, uint64_t wr_id) {
	struct ibv_sge sge = {.addr = (uintptr_t)addr, .length = length, .lkey = lkey};
	struct ibv_send_wr wr, *bad;
	memset(&wr, 0, sizeof(wr));
	wr.wr_id = wr_id;
	wr.opcode = IBV_WR_SEND_WITH_IMM;
	wr.send_flags = IBV_SEND_SIGNALED;
	wr.imm_data = imm;
	wr.sg_list = &sge;
	wr.num_sge = 1;
	return ibv_post_send(qp, &wr, &bad);
}

static int post_recv_wr(struct ibv_qp *qp, void *addr, uint32_t length,
                         uint32_t lkey, uint64_t wr_id) {
	struct ibv_sge sge = {.addr = (uintptr_t)addr, .length = length, .lkey = lkey};
	struct ibv_recv_wr wr, *bad;
	memset(&wr, 0, sizeof(wr));
	wr.wr_id = wr_id;
	wr.sg_list = &sge;
	wr.num_sge = 1;
	return ibv_post_recv(qp, &wr, &bad);
}

static int post_write(struct ibv_qp *qp, void *addr, uint32_t length, uint32_t lkey,
                       uint64_t remote_addr, uint32_t rkey, int signaled,
                       int with_imm, uint32_t imm, uint64_t wr_id) {
	struct ibv_sge sge = {.addr = (uintptr_t)addr, .length = length, .lkey = lkey};
	struct ibv_send_wr wr, *bad;
	memset(&wr, 0, sizeof(wr));
	wr.wr_id = wr_id;
	wr.opcode = with_imm ? IBV_WR_RDMA_WRITE_WITH_IMM : IBV_WR_RDMA_WRITE;
	if (signaled) wr.send_flags = IBV_SEND_SIGNALED;
	wr.imm_data = imm;
	wr.sg_list = &sge;
	wr.num_sge = 1;
	wr.wr.rdma.remote_addr = remote_addr;
	wr.wr.rdma.rkey = rkey;
	return ibv_post_send(qp, &wr, &bad);
}
*/
import "C"

import (
	"fmt"
	"sync"
	"time"
	"unsafe"
)

// EventChannel wraps an rdma_event_channel.
type EventChannel struct {
	ptr *C.struct_rdma_event_channel
}

func CreateEventChannel() (*EventChannel, error) {
	ch := C.rdma_create_event_channel()
	if ch == nil {
		return nil, fmt.Errorf("verbs: rdma_create_event_channel failed")
	}
	return &EventChannel{ptr: ch}, nil
}

func (e *EventChannel) Destroy() {
	if e.ptr != nil {
		C.rdma_destroy_event_channel(e.ptr)
		e.ptr = nil
	}
}

func (e *EventChannel) FD() int { return int(e.ptr.fd) }

// EventKind classifies a CM event for Van dispatch.
type EventKind int

const (
	EventOther EventKind = iota
	EventAddrResolved
	EventRouteResolved
	EventConnectRequest
	EventEstablished
	EventRejected
	EventDisconnected
)

func classify(ev C.enum_rdma_cm_event_type) EventKind {
	switch ev {
	case C.RDMA_CM_EVENT_ADDR_RESOLVED:
		return EventAddrResolved
	case C.RDMA_CM_EVENT_ROUTE_RESOLVED:
		return EventRouteResolved
	case C.RDMA_CM_EVENT_CONNECT_REQUEST:
		return EventConnectRequest
	case C.RDMA_CM_EVENT_ESTABLISHED:
		return EventEstablished
	case C.RDMA_CM_EVENT_REJECTED:
		return EventRejected
	case C.RDMA_CM_EVENT_DISCONNECTED:
		return EventDisconnected
	default:
		return EventOther
	}
}

// CMEvent is an acked, detached copy of an rdma_cm_event.
type CMEvent struct {
	Kind        EventKind
	ID          *CMID
	PrivateData []byte
}

// GetEvent blocks until a CM event arrives, acks it, and returns a
// detached copy. The CM-event thread calls this in a loop; Go's runtime
// handles the blocking read on the event-channel fd without a manual
// poll(2) timeout, unlike the original's 10ms-timeout poll loop.
func (e *EventChannel) GetEvent() (*CMEvent, error) {
	var cev *C.struct_rdma_cm_event
	if rc := C.rdma_get_cm_event(e.ptr, &cev); rc != 0 {
		return nil, fmt.Errorf("verbs: rdma_get_cm_event: %d", rc)
	}
	out := &CMEvent{
		Kind: classify(cev.event),
		ID:   &CMID{ptr: cev.id},
	}
	if cev.param.conn.private_data != nil && cev.param.conn.private_data_len > 0 {
		out.PrivateData = C.GoBytes(cev.param.conn.private_data, C.int(cev.param.conn.private_data_len))
	}
	C.rdma_ack_cm_event(cev)
	return out, nil
}

// CMID wraps an rdma_cm_id; once resolved it also owns a verbs context.
type CMID struct {
	ptr *C.struct_rdma_cm_id
	mu  sync.Mutex
}

func CreateID(ch *EventChannel) (*CMID, error) {
	var id *C.struct_rdma_cm_id
	if rc := C.rdma_create_id(ch.ptr, &id, nil, C.RDMA_PS_TCP); rc != 0 {
		return nil, fmt.Errorf("verbs: rdma_create_id: %d", rc)
	}
	return &CMID{ptr: id}, nil
}

// Handle returns the underlying rdma_cm_id pointer as an opaque,
// comparable value so callers can key a map by connection identity
// across the several *CMID wrapper values the event channel hands back
// for the same underlying id.
func (id *CMID) Handle() uintptr { return uintptr(unsafe.Pointer(id.ptr)) }

func (id *CMID) Destroy() {
	if id.ptr != nil {
		C.rdma_destroy_id(id.ptr)
		id.ptr = nil
	}
}

func sockaddrIn(host string, port uint16) C.struct_sockaddr_in {
	var addr C.struct_sockaddr_in
	addr.sin_family = C.AF_INET
	addr.sin_port = C.htons(C.uint16_t(port))
	cHost := C.CString(host)
	defer C.free(unsafe.Pointer(cHost))
	if host == "" {
		addr.sin_addr.s_addr = C.INADDR_ANY
	} else {
		C.inet_pton(C.AF_INET, cHost, unsafe.Pointer(&addr.sin_addr))
	}
	return addr
}

func (id *CMID) BindAddr(host string, port uint16) error {
	addr := sockaddrIn(host, port)
	if rc := C.rdma_bind_addr(id.ptr, (*C.struct_sockaddr)(unsafe.Pointer(&addr))); rc != 0 {
		return fmt.Errorf("verbs: rdma_bind_addr: %d", rc)
	}
	return nil
}

func (id *CMID) Listen(backlog int) error {
	if rc := C.rdma_listen(id.ptr, C.int(backlog)); rc != 0 {
		return fmt.Errorf("verbs: rdma_listen: %d", rc)
	}
	return nil
}

func (id *CMID) ResolveAddr(host string, port uint16, timeout time.Duration) error {
	addr := sockaddrIn(host, port)
	rc := C.rdma_resolve_addr(id.ptr, nil, (*C.struct_sockaddr)(unsafe.Pointer(&addr)), C.int(timeout.Milliseconds()))
	if rc != 0 {
		return fmt.Errorf("verbs: rdma_resolve_addr: %d", rc)
	}
	return nil
}

func (id *CMID) ResolveRoute(timeout time.Duration) error {
	if rc := C.rdma_resolve_route(id.ptr, C.int(timeout.Milliseconds())); rc != 0 {
		return fmt.Errorf("verbs: rdma_resolve_route: %d", rc)
	}
	return nil
}

func privateDataPtr(pd []byte) (unsafe.Pointer, C.uint8_t) {
	if len(pd) == 0 {
		return nil, 0
	}
	return unsafe.Pointer(&pd[0]), C.uint8_t(len(pd))
}

func (id *CMID) Connect(privateData []byte) error {
	var params C.struct_rdma_conn_param
	ptr, n := privateDataPtr(privateData)
	params.private_data = ptr
	params.private_data_len = n
	params.retry_count = 7
	params.rnr_retry_count = 7
	if rc := C.rdma_connect(id.ptr, &params); rc != 0 {
		return fmt.Errorf("verbs: rdma_connect: %d", rc)
	}
	return nil
}

func (id *CMID) Accept(privateData []byte) error {
	var params C.struct_rdma_conn_param
	ptr, n := privateDataPtr(privateData)
	params.private_data = ptr
	params.private_data_len = n
	params.rnr_retry_count = 7
	if rc := C.rdma_accept(id.ptr, &params); rc != 0 {
		return fmt.Errorf("verbs: rdma_accept: %d", rc)
	}
	return nil
}

func (id *CMID) Reject() error {
	if rc := C.rdma_reject(id.ptr, nil, 0); rc != 0 {
		return fmt.Errorf("verbs: rdma_reject: %d", rc)
	}
	return nil
}

func (id *CMID) Disconnect() error {
	if rc := C.rdma_disconnect(id.ptr); rc != 0 {
		return fmt.Errorf("verbs: rdma_disconnect: %d", rc)
	}
	return nil
}

// Context wraps the ibv_context a CMID acquires once its route resolves.
type Context struct {
	ptr *C.struct_ibv_context
}

func (id *CMID) VerbsContext() *Context {
	return &Context{ptr: id.ptr.verbs}
}

// PD wraps an ibv_pd.
type PD struct{ ptr *C.struct_ibv_pd }

func AllocPD(ctx *Context) (*PD, error) {
	pd := C.ibv_alloc_pd(ctx.ptr)
	if pd == nil {
		return nil, fmt.Errorf("verbs: ibv_alloc_pd failed")
	}
	return &PD{ptr: pd}, nil
}

// CQ wraps an ibv_cq, the single completion queue shared by a Van's
// endpoints.
type CQ struct{ ptr *C.struct_ibv_cq }

func CreateCQ(ctx *Context, depth int) (*CQ, error) {
	cq := C.ibv_create_cq(ctx.ptr, C.int(depth), nil, nil, 0)
	if cq == nil {
		return nil, fmt.Errorf("verbs: ibv_create_cq failed")
	}
	return &CQ{ptr: cq}, nil
}

// Opcode classifies a completion for the CQ thread's dispatch table.
type Opcode int

const (
	OpSend Opcode = iota
	OpRDMAWrite
	OpRecv
	OpRecvSendImm
	OpRecvWriteImm
	OpUnknown
)

// WC is a detached work completion.
type WC struct {
	WRID    uint64
	Opcode  Opcode
	ImmData uint32
	Status  uint32
	ByteLen uint32
}

// Poll drains up to one completion. ok is false when the CQ is empty;
// the CQ thread spins on that rather than blocking.
func (cq *CQ) Poll() (WC, bool, error) {
	var wc C.struct_ibv_wc
	n := C.ibv_poll_cq(cq.ptr, 1, &wc)
	if n == 0 {
		return WC{}, false, nil
	}
	if n < 0 {
		return WC{}, false, fmt.Errorf("verbs: ibv_poll_cq: %d", n)
	}
	out := WC{WRID: uint64(wc.wr_id), Status: uint32(wc.status), ByteLen: uint32(wc.byte_len)}
	switch wc.opcode {
	case C.IBV_WC_SEND:
		out.Opcode = OpSend
	case C.IBV_WC_RDMA_WRITE:
		out.Opcode = OpRDMAWrite
	case C.IBV_WC_RECV:
		// A received SEND or SEND-WITH-IMM: the posted receive buffer
		// holds the sender's payload (our rendezvous-start/-reply).
		out.Opcode = OpRecv
		if wc.wc_flags&C.IBV_WC_WITH_IMM != 0 {
			out.Opcode = OpRecvSendImm
			out.ImmData = uint32(wc.imm_data)
		}
	case C.IBV_WC_RECV_RDMA_WITH_IMM:
		// An incoming RDMA-WRITE-WITH-IMM: a notification only, the
		// written bytes already landed at the address we handed out in
		// our rendezvous-reply, not in the consumed recv buffer.
		out.Opcode = OpRecvWriteImm
		out.ImmData = uint32(wc.imm_data)
	default:
		out.Opcode = OpUnknown
	}
	if out.Status != C.IBV_WC_SUCCESS {
		return out, true, fmt.Errorf("verbs: completion error, status=%d opcode=%d", out.Status, wc.opcode)
	}
	return out, true, nil
}

// MR wraps an ibv_mr registration.
type MR struct {
	ptr        *C.struct_ibv_mr
	Lkey, Rkey uint32
}

const mrAccessFlags = C.IBV_ACCESS_LOCAL_WRITE | C.IBV_ACCESS_REMOTE_WRITE | C.IBV_ACCESS_REMOTE_READ

// Register implements pool.Registrar.
func (pd *PD) Register(buf []byte) (uint32, uint32, error) {
	mr, err := pd.RegisterMemory(buf)
	if err != nil {
		return 0, 0, err
	}
	return mr.Lkey, mr.Rkey, nil
}

// Deregister implements pool.Registrar as a no-op that returns nil.
// Register does not keep the *MR it creates, so registrations made
// through it are not released here or anywhere else in this module.
func (pd *PD) Deregister(buf []byte) error { return nil }

func (pd *PD) RegisterMemory(buf []byte) (*MR, error) {
	var addr unsafe.Pointer
	if len(buf) > 0 {
		addr = unsafe.Pointer(&buf[0])
	}
	mr := C.ibv_reg_mr(pd.ptr, addr, C.size_t(len(buf)), mrAccessFlags)
	if mr == nil {
		return nil, fmt.Errorf("verbs: ibv_reg_mr failed for %d bytes", len(buf))
	}
	return &MR{ptr: mr, Lkey: uint32(mr.lkey), Rkey: uint32(mr.rkey)}, nil
}

func (mr *MR) Close() error {
	if mr.ptr == nil {
		return nil
	}
	if rc := C.ibv_dereg_mr(mr.ptr); rc != 0 {
		return fmt.Errorf("verbs: ibv_dereg_mr: %d", rc)
	}
	mr.ptr = nil
	return nil
}

// QP wraps an ibv_qp, created over the Van's shared CQ.
type QP struct{ ptr *C.struct_ibv_qp }

func (id *CMID) CreateQP(pd *PD, cq *CQ, maxWR, maxSGE int) (*QP, error) {
	var attr C.struct_ibv_qp_init_attr
	attr.qp_type = C.IBV_QPT_RC
	attr.send_cq = cq.ptr
	attr.recv_cq = cq.ptr
	attr.cap.max_send_wr = C.uint32_t(maxWR)
	attr.cap.max_recv_wr = C.uint32_t(maxWR)
	attr.cap.max_send_sge = C.uint32_t(maxSGE)
	attr.cap.max_recv_sge = C.uint32_t(maxSGE)
	if rc := C.rdma_create_qp(id.ptr, pd.ptr, &attr); rc != 0 {
		return nil, fmt.Errorf("verbs: rdma_create_qp: %d", rc)
	}
	return &QP{ptr: id.ptr.qp}, nil
}

func bufAddr(buf []byte) unsafe.Pointer {
	if len(buf) == 0 {
		return nil
	}
	return unsafe.Pointer(&buf[0])
}

func (qp *QP) PostSendImm(buf []byte, lkey, imm uint32, wrID uint64) error {
	rc := C.post_send_with_imm(qp.ptr, bufAddr(buf), C.uint32_t(len(buf)), C.uint32_t(lkey), C.uint32_t(imm), C.uint64_t(wrID))
	if rc != 0 {
		return fmt.Errorf("verbs: post_send_with_imm: %d", rc)
	}
	return nil
}

func (qp *QP) PostRecv(buf []byte, lkey uint32, wrID uint64) error {
	rc := C.post_recv_wr(qp.ptr, bufAddr(buf), C.uint32_t(len(buf)), C.uint32_t(lkey), C.uint64_t(wrID))
	if rc != 0 {
		return fmt.Errorf("verbs: post_recv_wr: %d", rc)
	}
	return nil
}

// PostWrite issues an RDMA write, optionally carrying immediate data and
// optionally signaled, matching the two write variants the rendezvous
// protocol needs (unsignaled plain write for payload, signaled
// write-with-imm for meta).
func (qp *QP) PostWrite(buf []byte, lkey uint32, remoteAddr uint64, rkey uint32, signaled bool, imm *uint32, wrID uint64) error {
	withImm := 0
	var immVal uint32
	if imm != nil {
		withImm = 1
		immVal = *imm
	}
	sig := 0
	if signaled {
		sig = 1
	}
	rc := C.post_write(qp.ptr, bufAddr(buf), C.uint32_t(len(buf)), C.uint32_t(lkey),
		C.uint64_t(remoteAddr), C.uint32_t(rkey), C.int(sig), C.int(withImm), C.uint32_t(immVal), C.uint64_t(wrID))
	if rc != 0 {
		return fmt.Errorf("verbs: post_write: %d", rc)
	}
	return nil
}
