// Package ring implements the ring-buffer monitor: the per-leader-FD
// consumer for the mmap'd data and AUX perf rings, including the
// wrap-aware span extraction everything else builds on.
package ring

import "github.com/ARM-software/gator-sub002/internal/gatorerr"

// RoundUp8 rounds size up to the next 8-byte multiple, as the consumer
// must when advancing past a perf record.
func RoundUp8(size uint32) uint32 {
	return (size + 7) &^ 7
}

// View is a fixed-size power-of-two ring buffer region plus the
// wrap-aware read primitive every higher-level extractor builds on.
// It holds no cursor state of its own; callers pass tail/head
// explicitly, which keeps it trivially testable without any mmap or
// unsafe pointer involved.
type View struct {
	buf  []byte
	mask uint64
}

// NewView wraps buf, whose length must be a power of two, as a ring
// View.
func NewView(buf []byte) (*View, error) {
	n := uint64(len(buf))
	if n == 0 || n&(n-1) != 0 {
		return nil, gatorerr.Newf(gatorerr.Configuration, "ring buffer length %d is not a positive power of two", n)
	}
	return &View{buf: buf, mask: n - 1}, nil
}

// Size returns the ring's byte capacity.
func (v *View) Size() uint64 { return v.mask + 1 }

// ReadAt returns the n bytes starting at logical offset off (mod ring
// size) as one or two spans: a span pair rather than a copy, since the
// caller (the APC encoder) copies them into its own frame buffer exactly
// once. If the read would wrap past the end of buf, first covers
// [off, size) and second covers the wrapped remainder; otherwise second
// is empty. Concatenating first and second bitwise reproduces the n
// bytes at that logical offset, regardless of wrap.
func (v *View) ReadAt(off uint64, n int) (first, second []byte) {
	if n <= 0 {
		return nil, nil
	}
	start := off & v.mask
	size := v.mask + 1

	if uint64(n) > size {
		// Never requested in practice (callers clamp to ring capacity
		// before calling), but keep the contract well-defined.
		n = int(size)
	}

	remainder := size - start
	if uint64(n) <= remainder {
		return v.buf[start : start+uint64(n)], nil
	}
	return v.buf[start:size], v.buf[0 : uint64(n)-remainder]
}

// Concat is a test/debug helper that materialises the span pair
// returned by ReadAt into a single contiguous slice.
func Concat(first, second []byte) []byte {
	if len(second) == 0 {
		return first
	}
	out := make([]byte, len(first)+len(second))
	copy(out, first)
	copy(out[len(first):], second)
	return out
}
