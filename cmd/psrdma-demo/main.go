// Command psrdma-demo stands up one node of a two-node RDMA exchange:
// it finds its peer via the libp2p/DHT bootstrap layer, connects the
// transport core to it, and issues a push followed by a pull so both
// directions of the rendezvous protocol run at least once.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	psrdma "github.com/bytedance/ps-lite"
	"github.com/bytedance/ps-lite/internal/bootstrap"
	"github.com/bytedance/ps-lite/internal/message"
	"github.com/bytedance/ps-lite/internal/wire"
)

var log = func() *logrus.Logger {
	l := logrus.New()
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return l
}()

func run(ctx context.Context) error {
	listenAddrs := flag.String("listen", "/ip4/0.0.0.0/tcp/0", "comma-separated multiaddresses for the bootstrap host to listen on")
	bootstrapAddrs := flag.String("bootstrap", "", "comma-separated bootstrap peer multiaddresses")
	serviceTag := flag.String("service", "psrdma-demo", "service tag peers advertise under")
	backend := flag.String("backend", "verbs", "transport backend: verbs or fabric")
	provider := flag.String("provider", "", "libfabric provider name (fabric backend only, empty lets fi_getinfo choose)")
	nodeID := flag.Uint("id", 0, "this node's numeric id")
	role := flag.String("role", "worker", "this node's role: scheduler, worker, or server")
	host := flag.String("rdma-host", "0.0.0.0", "host to bind the verbs listener on")
	port := flag.Int("rdma-port", 18515, "port to bind the verbs listener on")
	flag.Parse()

	cfg := psrdma.ConfigFromEnv()
	cfg.Role = psrdma.Role(*role)

	self := &psrdma.Node{ID: uint32(*nodeID), Role: cfg.Role, Hostname: *host, Port: *port}

	var van *psrdma.Van
	var err error
	switch *backend {
	case "verbs":
		van, err = psrdma.NewVerbsVan(cfg, self.ID)
	case "fabric":
		van, err = psrdma.NewFabricVan(cfg, *provider)
	default:
		return fmt.Errorf("unknown backend %q", *backend)
	}
	if err != nil {
		return fmt.Errorf("build van: %w", err)
	}

	if *backend == "verbs" {
		boundPort, err := van.Bind(self, 16)
		if err != nil {
			return fmt.Errorf("bind: %w", err)
		}
		self.Port = boundPort
	} else {
		self.EndpointName = van.LocalName()
	}
	if err := van.Start(); err != nil {
		return fmt.Errorf("start: %w", err)
	}
	defer van.Stop()

	dht, err := bootstrap.NewDHT(ctx, strings.Split(*listenAddrs, ","))
	if err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}
	defer dht.Close()

	log.Infof("listening at:")
	for _, addr := range dht.GetHostAddresses() {
		log.Infof("  %s", addr)
	}

	if *bootstrapAddrs != "" {
		if err := dht.ConnectToPeers(ctx, strings.Split(*bootstrapAddrs, ",")); err != nil {
			return fmt.Errorf("connect to bootstrap peers: %w", err)
		}
	}

	selfJSON, err := json.Marshal(self)
	if err != nil {
		return fmt.Errorf("marshal node record: %w", err)
	}
	if err := dht.PutValue(ctx, bootstrap.NodeKey(dht.SelfID()), selfJSON); err != nil {
		return fmt.Errorf("publish node record: %w", err)
	}

	discovered := dht.AdvertiseAndFindPeers(ctx, *serviceTag)
	log.Info("waiting for a peer...")

	select {
	case p, ok := <-discovered:
		if !ok {
			return fmt.Errorf("discovery channel closed before finding a peer")
		}
		peerJSON, err := fetchNodeRecord(ctx, dht, bootstrap.NodeKey(p.ID))
		if err != nil {
			return fmt.Errorf("fetch peer node record: %w", err)
		}
		var peerNode psrdma.Node
		if err := json.Unmarshal(peerJSON, &peerNode); err != nil {
			return fmt.Errorf("unmarshal peer node record: %w", err)
		}
		log.Infof("found peer %d at %s:%d", peerNode.ID, peerNode.Hostname, peerNode.Port)

		if err := van.Connect(&peerNode); err != nil {
			return fmt.Errorf("connect to peer %d: %w", peerNode.ID, err)
		}
		return exchange(ctx, van, peerNode.ID, self.Role)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// fetchNodeRecord retries GetValue a few times: the record may not
// have propagated through the DHT by the time discovery surfaces the
// peer.
func fetchNodeRecord(ctx context.Context, dht *bootstrap.DHT, key string) ([]byte, error) {
	var data []byte
	condition := func(ctx context.Context) (bool, error) {
		v, err := dht.GetValue(ctx, key)
		if err != nil {
			return false, nil
		}
		data = v
		return true, nil
	}
	err := bootstrap.UntilWithContext(ctx, condition, bootstrap.WaitOptions{Interval: 500 * time.Millisecond, Timeout: 20 * time.Second})
	return data, err
}

// exchange drives one push and one pull against peer, just enough to
// exercise every step of the rendezvous protocol in both directions.
// The worker initiates both; the server answers whatever it receives.
func exchange(ctx context.Context, van *psrdma.Van, peer uint32, role psrdma.Role) error {
	if role != psrdma.RoleServer {
		return workerSide(ctx, van, peer)
	}
	return serverSide(ctx, van)
}

func workerSide(ctx context.Context, van *psrdma.Van, peer uint32) error {
	const key = uint64(1)
	values := make([]byte, 256)
	for i := range values {
		values[i] = byte(i)
	}

	push := message.NewMessage(nil, true, true)
	push.Keys = message.NewSegment(wire.EncodeKey(key), nil)
	push.Values = message.NewSegment(values, nil)
	if _, err := van.SendMsg(peer, push); err != nil {
		return fmt.Errorf("send push-request: %w", err)
	}
	log.Infof("sent push-request key=%d bytes=%d", key, len(values))

	recvPeer, resp, n, err := van.RecvMsg(ctx)
	if err != nil {
		return fmt.Errorf("recv push-response: %w", err)
	}
	log.Infof("received %s from peer %d (%d bytes)", resp.Kind(), recvPeer, n)

	pull := message.NewMessage(nil, false, true)
	pull.Keys = message.NewSegment(wire.EncodeKey(key), nil)
	if _, err := van.SendMsg(peer, pull); err != nil {
		return fmt.Errorf("send pull-request: %w", err)
	}
	log.Infof("sent pull-request key=%d", key)

	recvPeer, pullResp, n, err := van.RecvMsg(ctx)
	if err != nil {
		return fmt.Errorf("recv pull-response: %w", err)
	}
	log.Infof("received %s from peer %d (%d bytes)", pullResp.Kind(), recvPeer, n)
	return nil
}

func serverSide(ctx context.Context, van *psrdma.Van) error {
	for i := 0; i < 2; i++ {
		recvPeer, msg, n, err := van.RecvMsg(ctx)
		if err != nil {
			return fmt.Errorf("recv: %w", err)
		}
		log.Infof("received %s from peer %d (%d bytes)", msg.Kind(), recvPeer, n)

		switch msg.Kind() {
		case message.KindPushRequest:
			ack := message.NewMessage(nil, true, false)
			if _, err := van.SendMsg(recvPeer, ack); err != nil {
				return fmt.Errorf("send push-response: %w", err)
			}
		case message.KindPullRequest:
			resp := message.NewMessage(nil, false, false)
			resp.Keys = msg.Keys
			resp.Values = message.NewSegment(make([]byte, 256), nil)
			if _, err := van.SendMsg(recvPeer, resp); err != nil {
				return fmt.Errorf("send pull-response: %w", err)
			}
		}
	}
	return nil
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Infof("received signal: %s", sig)
		cancel()
	}()

	if err := run(ctx); err != nil {
		log.Errorf("%v", err)
		os.Exit(1)
	}
}
