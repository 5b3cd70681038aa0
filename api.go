// Package psrdma is the public API a parameter-server framework links
// against: two connection-manager backends (verbs for InfiniBand/RoCE,
// libfabric for AWS EFA) behind one send_msg/recv_msg contract.
package psrdma

import (
	"context"
	"fmt"

	"github.com/bytedance/ps-lite/internal/config"
	"github.com/bytedance/ps-lite/internal/message"
	"github.com/bytedance/ps-lite/internal/van"
)

// Config re-exports internal/config.Config; FromEnv reads the same
// DMLC_*/BYTEPS_* environment variables the framework sets today.
type Config = config.Config

func ConfigFromEnv() Config { return config.FromEnv() }

// Message re-exports internal/message.Message, the boundary type
// SendMsg/RecvMsg exchange.
type Message = message.Message

func NewMessage(meta []byte, push, request bool) Message {
	return message.NewMessage(meta, push, request)
}

// Van is this node's connection manager. Exactly one of its two
// backends is active, selected at construction by NewVerbsVan or
// NewFabricVan; Bind is only meaningful in verbs mode, and LocalName
// only in fabric mode, since the two backends resolve peers
// differently (CM address resolution vs. an exchanged endpoint name).
type Van struct {
	verbs  *van.Van
	fabric *van.FabricVan
}

// NewVerbsVan builds a Van over real libibverbs/librdmacm hardware.
func NewVerbsVan(cfg Config, nodeID uint32) (*Van, error) {
	v, err := van.New(cfg, nodeID)
	if err != nil {
		return nil, err
	}
	return &Van{verbs: v}, nil
}

// NewFabricVan builds a Van over libfabric, for AWS EFA. provider
// selects the libfabric provider ("efa", or "" to let fi_getinfo
// choose).
func NewFabricVan(cfg Config, provider string) (*Van, error) {
	fv, err := van.NewFabric(cfg, provider)
	if err != nil {
		return nil, err
	}
	return &Van{fabric: fv}, nil
}

// Bind listens for incoming connections on node.Hostname:node.Port,
// retrying on later ports up to maxRetry times. Verbs-mode only: the
// fabric variant has no listener, since peers are added by exchanging
// endpoint names out of band (see LocalName, Connect).
func (v *Van) Bind(node *Node, maxRetry int) (int, error) {
	if v.verbs == nil {
		return -1, fmt.Errorf("psrdma: Bind requires verbs mode")
	}
	return v.verbs.Bind(node.Hostname, node.Port, maxRetry)
}

// Connect establishes (or reuses) the connection to node. In verbs
// mode this runs the CM resolve/connect/accept handshake; in fabric
// mode it inserts node.EndpointName into the address vector, which
// completes immediately since there is no handshake to wait on.
func (v *Van) Connect(node *Node) error {
	if v.verbs != nil {
		_, err := v.verbs.Connect(node.ID, node.Hostname, node.Port)
		return err
	}
	_, err := v.fabric.AddPeer(node.ID, node.EndpointName)
	return err
}

// LocalName is this node's fabric endpoint address, to be carried in
// Node.EndpointName and exchanged with peers before they call Connect.
// Verbs mode has no equivalent (peers resolve each other by host/port
// through the CM instead), so this returns nil there.
func (v *Van) LocalName() []byte {
	if v.fabric == nil {
		return nil
	}
	return v.fabric.LocalName()
}

// Start launches the connection manager's background loops.
func (v *Van) Start() error {
	if v.verbs != nil {
		return v.verbs.Start()
	}
	return v.fabric.Start()
}

// Stop tears down the connection manager. In verbs mode the memory
// registrations it made are not released.
func (v *Van) Stop() error {
	if v.verbs != nil {
		return v.verbs.Stop()
	}
	return v.fabric.Stop()
}

// SendMsg encodes and posts msg to peer, returning the total byte
// count reported back to the caller.
func (v *Van) SendMsg(peer uint32, msg Message) (int, error) {
	if v.verbs != nil {
		return v.verbs.SendMsg(peer, msg)
	}
	return v.fabric.SendMsg(peer, msg)
}

// RecvMsg blocks until a message is delivered, ctx is cancelled, or
// the Van is stopped.
func (v *Van) RecvMsg(ctx context.Context) (uint32, Message, int, error) {
	if v.verbs != nil {
		return v.verbs.RecvMsg(ctx)
	}
	return v.fabric.RecvMsg(ctx)
}
