package van

import (
	"testing"

	"github.com/bytedance/ps-lite/internal/endpoint"
	"github.com/bytedance/ps-lite/internal/message"
	"github.com/bytedance/ps-lite/internal/pool"
	"github.com/bytedance/ps-lite/internal/wire"
)

type fakeRegistrar struct{}

func (fakeRegistrar) Register(buf []byte) (uint32, uint32, error) { return 0xaaaa, 0xbbbb, nil }
func (fakeRegistrar) Deregister(buf []byte) error                 { return nil }

func newTestVan(t *testing.T, isServer bool) *Van {
	t.Helper()
	mem, err := pool.NewMempool(1<<20, fakeRegistrar{})
	if err != nil {
		t.Fatalf("NewMempool: %v", err)
	}
	return &Van{
		isServer: isServer,
		mem:      mem,
		mrcache:  pool.NewMRCache(fakeRegistrar{}),
	}
}

// TestInferKindServer checks the role+DataNum disambiguation a server
// applies to its two possible inbound kinds.
func TestInferKindServer(t *testing.T) {
	v := newTestVan(t, true)
	cases := []struct {
		dataNum uint64
		want    message.Kind
	}{
		{0, message.KindPullRequest},
		{1, message.KindPullRequest},
		{2, message.KindPushRequest},
		{3, message.KindPushRequest},
	}
	for _, c := range cases {
		bc := &message.BufferContext{DataNum: c.dataNum}
		if got := v.inferKind(bc); got != c.want {
			t.Errorf("DataNum=%d: got %s, want %s", c.dataNum, got, c.want)
		}
	}
}

// TestInferKindWorker checks the worker-side disambiguation, the mirror
// of TestInferKindServer.
func TestInferKindWorker(t *testing.T) {
	v := newTestVan(t, false)
	cases := []struct {
		dataNum uint64
		want    message.Kind
	}{
		{0, message.KindPushResponse},
		{2, message.KindPullResponse},
	}
	for _, c := range cases {
		bc := &message.BufferContext{DataNum: c.dataNum}
		if got := v.inferKind(bc); got != c.want {
			t.Errorf("DataNum=%d: got %s, want %s", c.dataNum, got, c.want)
		}
	}
}

func pushRequestMessage(values []byte) message.Message {
	msg := message.NewMessage([]byte("meta"), true, true)
	msg.Keys = message.NewSegment(wire.EncodeKey(42), nil)
	msg.Values = message.NewSegment(values, nil)
	return msg
}

// TestBuildSendBufferPushRequestStashesValueRef checks that a
// push-request's meta carries the value buffer's address/length/rkey so
// the peer can later write a pull-response straight into it.
func TestBuildSendBufferPushRequestStashesValueRef(t *testing.T) {
	v := newTestVan(t, false)
	values := []byte("abcdefgh")
	mb, key, err := v.buildSendBuffer(pushRequestMessage(values))
	if err != nil {
		t.Fatalf("buildSendBuffer: %v", err)
	}
	if key != 42 {
		t.Fatalf("key = %d, want 42", key)
	}
	if len(mb.Segs) != 2 || len(mb.SegRefs) != 2 {
		t.Fatalf("expected meta plus one value segment, got %d segs", len(mb.Segs))
	}
	if mb.SegRefs[1].Len != len(values) {
		t.Fatalf("value segment ref len = %d, want %d", mb.SegRefs[1].Len, len(values))
	}

	cm, err := message.DecodeCoreMeta(mb.Meta)
	if err != nil {
		t.Fatalf("DecodeCoreMeta: %v", err)
	}
	if cm.Key != 42 {
		t.Fatalf("meta key = %d, want 42", cm.Key)
	}
	if cm.ValLen != uint64(len(values)) {
		t.Fatalf("meta ValLen = %d, want %d", cm.ValLen, len(values))
	}
	if cm.Addr == 0 {
		t.Fatal("push-request meta must carry the value buffer's address")
	}
}

// TestBuildSendBufferPullRequestCarriesNoValues checks that a
// pull-request, which has no values to send, gets no Segs at all.
func TestBuildSendBufferPullRequestCarriesNoValues(t *testing.T) {
	v := newTestVan(t, false)
	msg := message.NewMessage([]byte("meta"), false, true)
	msg.Keys = message.NewSegment(wire.EncodeKey(7), nil)

	mb, key, err := v.buildSendBuffer(msg)
	if err != nil {
		t.Fatalf("buildSendBuffer: %v", err)
	}
	if key != 7 {
		t.Fatalf("key = %d, want 7", key)
	}
	if len(mb.Segs) != 0 {
		t.Fatalf("pull-request should carry no segments, got %d", len(mb.Segs))
	}

	cm, err := message.DecodeCoreMeta(mb.Meta)
	if err != nil {
		t.Fatalf("DecodeCoreMeta: %v", err)
	}
	if cm.Addr != 0 || cm.ValLen != 0 {
		t.Fatal("pull-request meta must not carry a value-buffer address")
	}
}

// TestBuildSendBufferPullResponseCarriesValues checks that a
// pull-response (the server's answer) carries its values segment but
// does not stash an address in its own meta — the asymmetric write
// target for this kind comes from the earlier push-request instead.
func TestBuildSendBufferPullResponseCarriesValues(t *testing.T) {
	v := newTestVan(t, true)
	values := []byte("0123456789")
	msg := message.NewMessage([]byte("meta"), false, false)
	msg.Keys = message.NewSegment(wire.EncodeKey(9), nil)
	msg.Values = message.NewSegment(values, nil)

	mb, _, err := v.buildSendBuffer(msg)
	if err != nil {
		t.Fatalf("buildSendBuffer: %v", err)
	}
	if len(mb.Segs) != 2 {
		t.Fatalf("pull-response should carry one value segment, got %d segs", len(mb.Segs))
	}
	cm, err := message.DecodeCoreMeta(mb.Meta)
	if err != nil {
		t.Fatalf("DecodeCoreMeta: %v", err)
	}
	if cm.Addr != 0 {
		t.Fatal("pull-response meta must not carry a value-buffer address")
	}
}

// TestGetOrCreateEndpointReusesExisting checks the endpoint-map
// bookkeeping SendMsg/Connect rely on, independent of any real CM
// handshake.
func TestGetOrCreateEndpointReusesExisting(t *testing.T) {
	v := &Van{byPeer: make(map[uint32]*endpoint.Endpoint)}
	first := v.getOrCreateEndpoint(5)
	second := v.getOrCreateEndpoint(5)
	if first != second {
		t.Fatal("getOrCreateEndpoint should return the same Endpoint for a repeated peer id")
	}
	if _, ok := v.getConnectedEndpoint(5); ok {
		t.Fatal("a freshly created endpoint should not report as connected")
	}
	first.SetStatus(endpoint.StatusConnected)
	got, ok := v.getConnectedEndpoint(5)
	if !ok || got != first {
		t.Fatal("getConnectedEndpoint should find the endpoint once its status is Connected")
	}
}
