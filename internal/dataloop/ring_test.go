package dataloop

import (
	"bytes"
	"testing"
)

func TestRingWrapItemSizeMatchesBytesWritten(t *testing.T) {
	r := NewRing(16)

	// Push a 10-byte payload, consume it, so ridx/widx sit at 10. Then
	// push a 12-byte payload: 6 bytes fit before the end of the
	// buffer, 6 wrap to the start. itemSize must equal exactly 12,
	// never 13 (the off-by-one this ring intentionally avoids).
	if ok := r.Push(nil, 1, bytes.Repeat([]byte{0xAA}, 10), nil); !ok {
		t.Fatalf("expected first push to succeed")
	}
	if _, _, _, _, ok := r.Pop(); !ok {
		t.Fatalf("expected to pop first item")
	}

	payload := bytes.Repeat([]byte{0xBB}, 12)
	if ok := r.Push(nil, 2, payload, nil); !ok {
		t.Fatalf("expected wrapping push to succeed")
	}
	if got := r.pending[0].itemSize; got != 12 {
		t.Fatalf("expected itemSize 12, got %d", got)
	}

	_, seq, _, out, ok := r.Pop()
	if !ok || seq != 2 {
		t.Fatalf("expected to pop seq 2, got seq=%d ok=%v", seq, ok)
	}
	if !bytes.Equal(out, payload) {
		t.Fatalf("expected wrapped payload to read back intact, got %x want %x", out, payload)
	}
}

func TestRingOverflowReturnsFalseWithoutAdvancing(t *testing.T) {
	r := NewRing(8)
	if ok := r.Push(nil, 1, bytes.Repeat([]byte{1}, 8), nil); !ok {
		t.Fatalf("expected push filling the ring exactly to succeed")
	}
	if ok := r.Push(nil, 2, []byte{1}, nil); ok {
		t.Fatalf("expected overflow push to fail")
	}
	if !r.Empty() {
		// first item still pending, ring not empty; but widx must not
		// have moved for the rejected push — verify next legitimate
		// push after draining lands correctly.
	}
	if _, _, _, _, ok := r.Pop(); !ok {
		t.Fatalf("expected to drain the first item")
	}
	if ok := r.Push(nil, 3, []byte{9, 9}, nil); !ok {
		t.Fatalf("expected push after drain to succeed")
	}
}

func TestRingFIFOOrder(t *testing.T) {
	r := NewRing(64)
	for i := uint64(1); i <= 3; i++ {
		if !r.Push(nil, i, []byte{byte(i)}, nil) {
			t.Fatalf("push %d failed", i)
		}
	}
	for want := uint64(1); want <= 3; want++ {
		_, seq, _, _, ok := r.Pop()
		if !ok || seq != want {
			t.Fatalf("expected seq %d, got %d ok=%v", want, seq, ok)
		}
	}
}
