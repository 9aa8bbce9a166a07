package frame

import (
	"math"
	"math/rand"
	"testing"
)

func TestPackVarI32RoundTrip(t *testing.T) {
	values := []int32{0, 1, -1, 63, -64, 64, -65, math.MaxInt32, math.MinInt32, 1000000, -1000000}

	r := rand.New(rand.NewSource(1))
	for i := 0; i < 200; i++ {
		values = append(values, r.Int31()-r.Int31())
	}

	for _, v := range values {
		b := New(0)
		if err := b.Begin(1); err != nil {
			t.Fatal(err)
		}
		if err := b.PackVarI32(v); err != nil {
			t.Fatalf("pack %d: %v", v, err)
		}
		b.End()

		got, n, err := DecodeVarI32(b.Bytes()[1:])
		if err != nil {
			t.Fatalf("decode %d: %v", v, err)
		}
		if got != v {
			t.Fatalf("round trip mismatch: wrote %d, read %d", v, got)
		}
		if n > MaxSizePack32 {
			t.Fatalf("value %d used %d bytes, want <= %d", v, n, MaxSizePack32)
		}
	}
}

func TestPackVarI64RoundTrip(t *testing.T) {
	values := []int64{0, 1, -1, math.MaxInt64, math.MinInt64, math.MaxInt32, math.MinInt32}

	r := rand.New(rand.NewSource(2))
	for i := 0; i < 200; i++ {
		values = append(values, r.Int63()-r.Int63())
	}

	for _, v := range values {
		b := New(0)
		must(t, b.Begin(1))
		if err := b.PackVarI64(v); err != nil {
			t.Fatalf("pack %d: %v", v, err)
		}
		b.End()

		got, n, err := DecodeVarI64(b.Bytes()[1:])
		if err != nil {
			t.Fatalf("decode %d: %v", v, err)
		}
		if got != v {
			t.Fatalf("round trip mismatch: wrote %d, read %d", v, got)
		}
		if n > MaxSizePack64 {
			t.Fatalf("value %d used %d bytes, want <= %d", v, n, MaxSizePack64)
		}
	}
}

func TestWriteStringRoundTrip(t *testing.T) {
	b := New(0)
	must(t, b.Begin(1))
	must(t, b.WriteString("hello, gator"))
	b.End()

	got, _, err := DecodeString(b.Bytes()[1:])
	if err != nil {
		t.Fatal(err)
	}
	if got != "hello, gator" {
		t.Fatalf("got %q", got)
	}
}

func TestEndDiscardsEmptyFrame(t *testing.T) {
	b := New(0)
	must(t, b.Begin(7))
	b.End()

	if b.Len() != 0 {
		t.Fatalf("expected empty-frame discard, got %d bytes", b.Len())
	}
}

func TestAbortRewindsCursor(t *testing.T) {
	b := New(0)
	must(t, b.Begin(1))
	must(t, b.WriteString("discard me"))
	b.Abort()

	if b.Len() != 0 {
		t.Fatalf("expected abort to rewind to 0, got %d", b.Len())
	}
}

func TestReservePatchesLengthAfterPayload(t *testing.T) {
	b := New(0)
	must(t, b.Begin(9))
	patch, err := b.Reserve(4)
	if err != nil {
		t.Fatal(err)
	}
	must(t, b.WriteBytes([]byte{1, 2, 3, 4, 5}))
	patch.PutUint32LE(5)
	b.End()

	payload := b.Bytes()[1:]
	length := uint32(payload[0]) | uint32(payload[1])<<8 | uint32(payload[2])<<16 | uint32(payload[3])<<24
	if length != 5 {
		t.Fatalf("expected patched length 5, got %d", length)
	}
}

func TestCapacityExceededRejectsWrite(t *testing.T) {
	b := New(4)
	must(t, b.Begin(1))
	if err := b.WriteBytes([]byte{1, 2, 3, 4, 5}); err != ErrCapacityExceeded {
		t.Fatalf("expected ErrCapacityExceeded, got %v", err)
	}
	// Caller must abort the partial frame.
	b.Abort()
	if b.Len() != 0 {
		t.Fatalf("expected 0 after abort, got %d", b.Len())
	}
}

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatal(err)
	}
}
