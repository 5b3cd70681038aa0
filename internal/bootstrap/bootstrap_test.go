package bootstrap

import (
	"context"
	"testing"
	"time"
)

// TestConnectAndExchangeValue brings up two local nodes, connects them
// directly (skipping DHT-based discovery, which needs more peers than
// a two-node test can usefully exercise), and round-trips a value
// through the DHT's key/value store the way cmd/psrdma-demo publishes
// and looks up a peer's Node record.
func TestConnectAndExchangeValue(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	nodeA, err := NewDHT(ctx, []string{"/ip4/127.0.0.1/tcp/0"})
	if err != nil {
		t.Fatalf("NewDHT (a): %v", err)
	}
	defer nodeA.Close()

	nodeB, err := NewDHT(ctx, []string{"/ip4/127.0.0.1/tcp/0"})
	if err != nil {
		t.Fatalf("NewDHT (b): %v", err)
	}
	defer nodeB.Close()

	addrsA := nodeA.GetHostAddresses()
	if len(addrsA) == 0 {
		t.Fatal("node a has no addresses to dial")
	}

	if err := nodeB.ConnectToPeers(ctx, addrsA); err != nil {
		t.Fatalf("ConnectToPeers: %v", err)
	}

	key := NodeKey(nodeA.SelfID())
	value := []byte("hello from node a")
	if err := nodeA.PutValue(ctx, key, value); err != nil {
		t.Fatalf("PutValue: %v", err)
	}

	var got []byte
	condition := func(ctx context.Context) (bool, error) {
		v, err := nodeB.GetValue(ctx, key)
		if err != nil {
			return false, nil
		}
		got = v
		return true, nil
	}
	if err := UntilWithContext(ctx, condition, WaitOptions{Interval: 500 * time.Millisecond, Timeout: 15 * time.Second}); err != nil {
		t.Fatalf("waiting for value to propagate: %v", err)
	}
	if string(got) != string(value) {
		t.Fatalf("got value %q, want %q", got, value)
	}
}

// TestNodeKeyIsStableForSamePeer checks the key derivation that
// AdvertiseAndFindPeers results feed into PutValue/GetValue.
func TestNodeKeyIsStableForSamePeer(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	node, err := NewDHT(ctx, []string{"/ip4/127.0.0.1/tcp/0"})
	if err != nil {
		t.Fatalf("NewDHT: %v", err)
	}
	defer node.Close()

	k1 := NodeKey(node.SelfID())
	k2 := NodeKey(node.SelfID())
	if k1 != k2 {
		t.Fatalf("NodeKey should be stable for the same peer id: %q != %q", k1, k2)
	}
}
