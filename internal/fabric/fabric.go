// Package fabric binds libfabric for the AWS EFA variant: a FI_EP_RDM
// endpoint addressed via an address-vector, with a tagged CQ standing in
// for the verbs completion queue. Endpoint addresses are exchanged over
// the bootstrap channel rather than the CM, per the fabric variant's
// design. The binding style mirrors internal/verbs (small C helpers
// alongside thin Go wrappers), generalized from the call sequence in the
// original FabricContext::Init.
package fabric

/*
#cgo LDFLAGS: -lfabric
#include <rdma/fabric.h>
#include <rdma/fi_domain.h>
#include <rdma/fi_endpoint.h>
#include <rdma/fi_cm.h>
#include <rdma/fi_tagged.h>
#include <rdma/fi_errno.h>
#include <stdlib.h>
#include <string.h>

static int tagged_send(struct fid_ep *ep, void *buf, size_t len, void *desc,
                        uint64_t tag, fi_addr_t dest, void *ctx) {
	return (int)fi_tsend(ep, buf, len, desc, dest, tag, ctx);
}

static int tagged_recv(struct fid_ep *ep, void *buf, size_t len, void *desc,
                        fi_addr_t src, uint64_t tag, uint64_t ignore, void *ctx) {
	return (int)fi_trecv(ep, buf, len, desc, src, tag, ignore, ctx);
}
*/
import "C"

import (
	"fmt"
	"unsafe"
)

// AddrNameMax is the 56-byte endpoint-name budget the spec allows for
// exchange over the bootstrap channel, 8 bits of which are reserved in
// the tag space for control-vs-payload classification.
const AddrNameMax = 56

// ControlTagBit marks a tagged message as a rendezvous control message
// rather than a payload write-equivalent; the remaining 63 bits carry
// the slot index, mirroring how the verbs path packs opcode and slot
// into 32-bit immediate data.
const ControlTagBit = uint64(1) << 63

// Depths match the verbs-mode tuple so the two Van variants behave
// identically from the protocol's point of view.
const (
	StartDepth = 128
	ReplyDepth = 128
	WriteDepth = 128
	RxDepth    = 256
)

// AddrUnspec matches a tagged receive against any source, mirroring
// FI_ADDR_UNSPEC; the sender of a completion is then identified by the
// source address Poll reports in Completion.From.
const AddrUnspec = ^uint64(0)

type Context struct {
	fabric *C.struct_fid_fabric
	domain *C.struct_fid_domain
	av     *C.struct_fid_av
	cq     *C.struct_fid_cq
	ep     *C.struct_fid_ep
	name   [AddrNameMax]byte
	nameLen int
}

// Init performs the fi_getinfo -> fi_fabric -> fi_domain -> fi_av_open ->
// fi_cq_open -> fi_endpoint -> fi_ep_bind -> fi_enable -> fi_getname
// sequence from the original FabricContext::Init.
func Init(provider string) (*Context, error) {
	var hints *C.struct_fi_info
	hints = C.fi_allocinfo()
	if hints == nil {
		return nil, fmt.Errorf("fabric: fi_allocinfo failed")
	}
	defer C.fi_freeinfo(hints)
	hints.ep_attr.typ = C.FI_EP_RDM
	hints.caps = C.FI_TAGGED | C.FI_RMA | C.FI_SOURCE
	hints.mode = C.FI_CONTEXT
	if provider != "" {
		hints.fabric_attr.prov_name = C.CString(provider)
	}

	var info *C.struct_fi_info
	if rc := C.fi_getinfo(C.FI_VERSION(1, 6), nil, nil, 0, hints, &info); rc != 0 {
		return nil, fmt.Errorf("fabric: fi_getinfo: %d", rc)
	}
	defer C.fi_freeinfo(info)

	c := &Context{}
	if rc := C.fi_fabric(info.fabric_attr, &c.fabric, nil); rc != 0 {
		return nil, fmt.Errorf("fabric: fi_fabric: %d", rc)
	}
	if rc := C.fi_domain(c.fabric, info, &c.domain, nil); rc != 0 {
		return nil, fmt.Errorf("fabric: fi_domain: %d", rc)
	}

	var avAttr C.struct_fi_av_attr
	avAttr.typ = C.FI_AV_MAP
	if rc := C.fi_av_open(c.domain, &avAttr, &c.av, nil); rc != 0 {
		return nil, fmt.Errorf("fabric: fi_av_open: %d", rc)
	}

	var cqAttr C.struct_fi_cq_attr
	cqAttr.format = C.FI_CQ_FORMAT_TAGGED
	cqAttr.size = C.size_t(RxDepth + WriteDepth)
	if rc := C.fi_cq_open(c.domain, &cqAttr, &c.cq, nil); rc != 0 {
		return nil, fmt.Errorf("fabric: fi_cq_open: %d", rc)
	}

	if rc := C.fi_endpoint(c.domain, info, &c.ep, nil); rc != 0 {
		return nil, fmt.Errorf("fabric: fi_endpoint: %d", rc)
	}
	if rc := C.fi_ep_bind(c.ep, &c.cq.fid, C.FI_SEND|C.FI_RECV); rc != 0 {
		return nil, fmt.Errorf("fabric: fi_ep_bind(cq): %d", rc)
	}
	if rc := C.fi_ep_bind(c.ep, &c.av.fid, 0); rc != 0 {
		return nil, fmt.Errorf("fabric: fi_ep_bind(av): %d", rc)
	}
	if rc := C.fi_enable(c.ep); rc != 0 {
		return nil, fmt.Errorf("fabric: fi_enable: %d", rc)
	}

	nameLen := C.size_t(AddrNameMax)
	if rc := C.fi_getname(&c.ep.fid, unsafe.Pointer(&c.name[0]), &nameLen); rc != 0 {
		return nil, fmt.Errorf("fabric: fi_getname: %d", rc)
	}
	c.nameLen = int(nameLen)
	return c, nil
}

// LocalName is the endpoint-address blob to exchange over the bootstrap
// channel with a peer.
func (c *Context) LocalName() []byte { return c.name[:c.nameLen] }

// InsertPeer registers a remote endpoint name with the address vector
// and returns the fi_addr_t handle future sends target.
func (c *Context) InsertPeer(name []byte) (uint64, error) {
	var fiAddr C.fi_addr_t
	n := C.fi_av_insert(c.av, unsafe.Pointer(&name[0]), 1, &fiAddr, 0, nil)
	if n != 1 {
		return 0, fmt.Errorf("fabric: fi_av_insert inserted %d entries, want 1", n)
	}
	return uint64(fiAddr), nil
}

// SendTagged posts a tagged send; ctrl distinguishes a rendezvous
// control message from a payload write-equivalent in the shared tag
// space.
func (c *Context) SendTagged(buf []byte, dest uint64, slot uint32, ctrl bool) error {
	tag := uint64(slot)
	if ctrl {
		tag |= ControlTagBit
	}
	rc := C.tagged_send(c.ep, unsafe.Pointer(&buf[0]), C.size_t(len(buf)), nil, C.uint64_t(tag), C.fi_addr_t(dest), nil)
	if rc != 0 {
		return fmt.Errorf("fabric: fi_tsend: %d", rc)
	}
	return nil
}

// RecvTagged posts a receive matching any slot but a fixed control bit:
// the ignore mask covers the slot bits, so one posted buffer of each
// kind takes the next control or payload message whatever its slot.
func (c *Context) RecvTagged(buf []byte, src uint64, ctrl bool) error {
	tag := uint64(0)
	ignore := ^ControlTagBit
	if ctrl {
		tag = ControlTagBit
	}
	rc := C.tagged_recv(c.ep, unsafe.Pointer(&buf[0]), C.size_t(len(buf)), nil, C.fi_addr_t(src), C.uint64_t(tag), C.uint64_t(ignore), nil)
	if rc != 0 {
		return fmt.Errorf("fabric: fi_trecv: %d", rc)
	}
	return nil
}

// Completion is a detached tagged CQ entry.
type Completion struct {
	Tag    uint64
	Len    int
	IsCtrl bool
	Slot   uint32
	From   uint64
}

// Poll drains up to one completion from the tagged CQ, reading the
// source address alongside it: with every receive posted against
// AddrUnspec, From is the only way the Van can tell which peer a
// control or payload message came from.
func (c *Context) Poll() (Completion, bool, error) {
	var entry C.struct_fi_cq_tagged_entry
	var from C.fi_addr_t
	n := C.fi_cq_readfrom(c.cq, unsafe.Pointer(&entry), 1, &from)
	if n == 0 || n == C.int(-C.FI_EAGAIN) {
		return Completion{}, false, nil
	}
	if n < 0 {
		return Completion{}, false, fmt.Errorf("fabric: fi_cq_readfrom: %d", n)
	}
	tag := uint64(entry.tag)
	return Completion{
		Tag:    tag,
		Len:    int(entry.len),
		IsCtrl: tag&ControlTagBit != 0,
		Slot:   uint32(tag &^ ControlTagBit),
		From:   uint64(from),
	}, true, nil
}

func (c *Context) Close() {
	if c.ep != nil {
		C.fi_close(&c.ep.fid)
	}
	if c.cq != nil {
		C.fi_close(&c.cq.fid)
	}
	if c.av != nil {
		C.fi_close(&c.av.fid)
	}
	if c.domain != nil {
		C.fi_close(&c.domain.fid)
	}
	if c.fabric != nil {
		C.fi_close(&c.fabric.fid)
	}
}
