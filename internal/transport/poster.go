package transport

import (
	"github.com/bytedance/ps-lite/internal/endpoint"
)

// Poster is the narrow seam between the portable rendezvous protocol
// logic in this package and the hardware-specific posting calls in
// internal/verbs (or internal/fabric, behind the Van's fabric-mode
// adapter). Keeping it this small lets the protocol state machine run
// under go test without RDMA hardware.
type Poster interface {
	SendImm(ep *endpoint.Endpoint, buf []byte, lkey, imm uint32, wrID uint64) error
	Write(ep *endpoint.Endpoint, buf []byte, lkey uint32, remoteAddr uint64, rkey uint32, signaled bool, imm *uint32, wrID uint64) error
}

// VerbsPoster implements Poster directly against an Endpoint's queue
// pair.
type VerbsPoster struct{}

func (VerbsPoster) SendImm(ep *endpoint.Endpoint, buf []byte, lkey, imm uint32, wrID uint64) error {
	return ep.QP.PostSendImm(buf, lkey, imm, wrID)
}

func (VerbsPoster) Write(ep *endpoint.Endpoint, buf []byte, lkey uint32, remoteAddr uint64, rkey uint32, signaled bool, imm *uint32, wrID uint64) error {
	return ep.QP.PostWrite(buf, lkey, remoteAddr, rkey, signaled, imm, wrID)
}

var _ Poster = VerbsPoster{}
