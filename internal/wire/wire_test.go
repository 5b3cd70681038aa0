package wire

import (
	"math/rand"
	"testing"
)

func TestRendezvousStartRoundTrip(t *testing.T) {
	in := RendezvousStart{
		MetaLen:    128,
		DataNum:    3,
		DataLen:    [MaxSegments]uint64{8, 4096, 8, 0},
		OriginAddr: 0x7f00000001234,
	}
	buf := in.Encode()
	if len(buf) != RendezvousStartSize {
		t.Fatalf("encoded size = %d, want %d", len(buf), RendezvousStartSize)
	}
	out, err := DecodeRendezvousStart(buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out != in {
		t.Fatalf("round trip mismatch: got %+v, want %+v", out, in)
	}
}

func TestRendezvousStartShortBuffer(t *testing.T) {
	if _, err := DecodeRendezvousStart(make([]byte, RendezvousStartSize-1)); err == nil {
		t.Fatal("expected error on short buffer")
	}
}

func TestRendezvousReplyRoundTrip(t *testing.T) {
	in := RendezvousReply{Addr: 0xdeadbeef, OriginAddr: 0x1, RKey: 42, Idx: 511}
	out, err := DecodeRendezvousReply(in.Encode())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out != in {
		t.Fatalf("round trip mismatch: got %+v, want %+v", out, in)
	}
}

func TestRequestContextRoundTrip(t *testing.T) {
	in := NewRequestContext(7, 12345, "worker-07")
	out, err := DecodeRequestContext(in.Encode())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out != in {
		t.Fatalf("round trip mismatch: got %+v, want %+v", out, in)
	}
}

func TestEncodeDecodeKeyRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 10000; i++ {
		k := rng.Uint64()
		if got := DecodeKey(EncodeKey(k)); got != k {
			t.Fatalf("round trip failed for %d: got %d", k, got)
		}
	}
}

func TestEncodeKeyFixedWidth(t *testing.T) {
	if len(EncodeKey(0)) != KeySize {
		t.Fatalf("EncodeKey should always produce %d bytes", KeySize)
	}
	if len(EncodeKey(^uint64(0))) != KeySize {
		t.Fatalf("EncodeKey should always produce %d bytes", KeySize)
	}
}
