package message

import "testing"

func TestCoreMetaRoundTrip(t *testing.T) {
	in := CoreMeta{Key: 42, Addr: 0xabc, ValLen: 4096, Option: 7, Extra: []byte("framework-opaque-bytes")}
	out, err := DecodeCoreMeta(in.Encode())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Key != in.Key || out.Addr != in.Addr || out.ValLen != in.ValLen || out.Option != in.Option {
		t.Fatalf("fixed fields mismatch: got %+v, want %+v", out, in)
	}
	if string(out.Extra) != string(in.Extra) {
		t.Fatalf("extra mismatch: got %q, want %q", out.Extra, in.Extra)
	}
}

func TestCoreMetaNoExtra(t *testing.T) {
	in := CoreMeta{Key: 1}
	out, err := DecodeCoreMeta(in.Encode())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Extra) != 0 {
		t.Fatalf("expected no extra bytes, got %d", len(out.Extra))
	}
}
