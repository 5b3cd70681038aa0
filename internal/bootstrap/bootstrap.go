// Package bootstrap is the peer-identity exchange the demo binary uses
// to find other nodes and learn their Node records before calling into
// the transport core: a libp2p host plus a Kademlia DHT for discovery,
// and the DHT's own key/value store to publish and look up each peer's
// serialized Node.
package bootstrap

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/routing"
	"github.com/multiformats/go-multiaddr"
	"github.com/sirupsen/logrus"
)

// DHT is a libp2p host plus the Kademlia DHT layered on it for peer
// discovery and key/value storage.
type DHT struct {
	host   host.Host
	kadDHT *dht.IpfsDHT
	log    *logrus.Logger
	mu     sync.Mutex
}

// NewDHT creates a libp2p host listening on listenAddrs and bootstraps
// a Kademlia DHT over it.
func NewDHT(ctx context.Context, listenAddrs []string) (*DHT, error) {
	maddrs := make([]multiaddr.Multiaddr, 0, len(listenAddrs))
	for _, addr := range listenAddrs {
		ma, err := multiaddr.NewMultiaddr(addr)
		if err != nil {
			return nil, fmt.Errorf("bootstrap: invalid multiaddress %s: %w", addr, err)
		}
		maddrs = append(maddrs, ma)
	}

	h, err := libp2p.New(libp2p.ListenAddrs(maddrs...))
	if err != nil {
		return nil, fmt.Errorf("bootstrap: create libp2p host: %w", err)
	}

	kadDHT, err := dht.New(ctx, h)
	if err != nil {
		h.Close()
		return nil, fmt.Errorf("bootstrap: create DHT: %w", err)
	}
	if err := kadDHT.Bootstrap(ctx); err != nil {
		h.Close()
		return nil, fmt.Errorf("bootstrap: bootstrap DHT: %w", err)
	}

	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	return &DHT{host: h, kadDHT: kadDHT, log: log}, nil
}

// SelfID is this node's libp2p peer id, the key its own Node record is
// published under.
func (d *DHT) SelfID() peer.ID { return d.host.ID() }

// ConnectToPeers dials a fixed set of bootstrap peer multiaddresses.
func (d *DHT) ConnectToPeers(ctx context.Context, bootstrapPeers []string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, peerAddr := range bootstrapPeers {
		addr, err := multiaddr.NewMultiaddr(peerAddr)
		if err != nil {
			return fmt.Errorf("bootstrap: invalid peer address %s: %w", peerAddr, err)
		}
		info, err := peer.AddrInfoFromP2pAddr(addr)
		if err != nil {
			return fmt.Errorf("bootstrap: parse peer info: %w", err)
		}
		if err := d.host.Connect(ctx, *info); err != nil {
			return fmt.Errorf("bootstrap: connect to peer %s: %w", info.ID, err)
		}
		d.log.Infof("bootstrap: connected to bootstrap peer %s", info.ID)
	}
	return nil
}

// AdvertiseAndFindPeers advertises this node under serviceTag and
// returns a channel of peers discovered doing the same; the caller
// (cmd/psrdma-demo) uses each discovered peer.ID as the key under
// which to look up that peer's published Node record.
func (d *DHT) AdvertiseAndFindPeers(ctx context.Context, serviceTag string) <-chan peer.AddrInfo {
	out := make(chan peer.AddrInfo, 16)
	routingDiscovery := routing.NewRoutingDiscovery(d.kadDHT)
	routingDiscovery.Advertise(ctx, serviceTag)
	d.log.Infof("bootstrap: advertising service %q", serviceTag)

	go func() {
		defer close(out)
		for {
			peerChan, err := routingDiscovery.FindPeers(ctx, serviceTag)
			if err != nil {
				d.log.Errorf("bootstrap: find peers: %v", err)
				return
			}
			for p := range peerChan {
				if p.ID == d.host.ID() {
					continue
				}
				if err := d.host.Connect(ctx, p); err != nil {
					d.log.Warnf("bootstrap: connect to discovered peer %s: %v", p.ID, err)
					continue
				}
				select {
				case out <- p:
				case <-ctx.Done():
					return
				}
			}

			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Minute):
			}
		}
	}()
	return out
}

// PutValue and GetValue expose the DHT's key/value store directly so
// the demo binary can publish and fetch a JSON-encoded Node under a
// peer-id-derived key without this package needing to know the Node
// type (avoiding an import cycle with the root psrdma package).
func (d *DHT) PutValue(ctx context.Context, key string, value []byte) error {
	return d.kadDHT.PutValue(ctx, key, value)
}

func (d *DHT) GetValue(ctx context.Context, key string) ([]byte, error) {
	return d.kadDHT.GetValue(ctx, key)
}

// GetHostAddresses returns this host's full dialable multiaddresses
// (listen address plus /p2p/<id> suffix).
func (d *DHT) GetHostAddresses() []string {
	addrs := d.host.Addrs()
	id := d.host.ID()
	out := make([]string, 0, len(addrs))
	for _, addr := range addrs {
		out = append(out, fmt.Sprintf("%s/p2p/%s", addr.String(), id.String()))
	}
	return out
}

// Close shuts down the DHT and the underlying host.
func (d *DHT) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var err error
	if e := d.kadDHT.Close(); e != nil {
		err = e
	}
	if e := d.host.Close(); e != nil && err == nil {
		err = e
	}
	return err
}

// NodeKey builds the DHT key a peer's Node record is published under.
func NodeKey(id peer.ID) string {
	return fmt.Sprintf("/psrdma/node/%s", id.String())
}
