package ring

import (
	"bytes"
	"math/rand"
	"testing"
)

// TestReadAtConcatenatesWrappedSpans checks that for any offset and
// length up to the buffer size, the pair of spans produced by ReadAt
// concatenates bitwise to the bytes at that logical offset, regardless
// of wrap.
func TestReadAtConcatenatesWrappedSpans(t *testing.T) {
	const size = 64
	buf := make([]byte, size)
	r := rand.New(rand.NewSource(42))
	r.Read(buf)

	v, err := NewView(buf)
	if err != nil {
		t.Fatal(err)
	}

	for trial := 0; trial < 500; trial++ {
		off := uint64(r.Intn(1 << 20))
		n := r.Intn(size + 1)

		first, second := v.ReadAt(off, n)
		got := Concat(first, second)

		// Build the expected bytes by indexing buf modulo size directly.
		want := make([]byte, n)
		for i := 0; i < n; i++ {
			want[i] = buf[(off+uint64(i))%size]
		}

		if !bytes.Equal(got, want) {
			t.Fatalf("trial %d: off=%d n=%d: got %v want %v", trial, off, n, got, want)
		}
	}
}

func TestReadAtNoWrapReturnsSingleSpan(t *testing.T) {
	buf := make([]byte, 16)
	for i := range buf {
		buf[i] = byte(i)
	}
	v, _ := NewView(buf)

	first, second := v.ReadAt(2, 4)
	if len(second) != 0 {
		t.Fatalf("expected no wrap, got second span of len %d", len(second))
	}
	if !bytes.Equal(first, []byte{2, 3, 4, 5}) {
		t.Fatalf("got %v", first)
	}
}

func TestReadAtWrapSplitsAtBoundary(t *testing.T) {
	buf := make([]byte, 8)
	for i := range buf {
		buf[i] = byte(i)
	}
	v, _ := NewView(buf)

	first, second := v.ReadAt(6, 4) // wraps: bytes at 6,7,0,1
	if !bytes.Equal(first, []byte{6, 7}) {
		t.Fatalf("first = %v", first)
	}
	if !bytes.Equal(second, []byte{0, 1}) {
		t.Fatalf("second = %v", second)
	}
}

func TestNewViewRejectsNonPowerOfTwo(t *testing.T) {
	if _, err := NewView(make([]byte, 10)); err == nil {
		t.Fatal("expected error for non-power-of-two length")
	}
}

func TestRoundUp8(t *testing.T) {
	cases := map[uint32]uint32{0: 0, 1: 8, 7: 8, 8: 8, 9: 16, 16: 16, 17: 24}
	for in, want := range cases {
		if got := RoundUp8(in); got != want {
			t.Fatalf("RoundUp8(%d) = %d, want %d", in, got, want)
		}
	}
}
