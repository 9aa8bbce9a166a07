// Package frame implements the APC frame builder: a growable byte
// container with a write cursor, frame-start tracking, and the
// var-int/string/reserve-and-patch primitives the APC encoder needs.
package frame

import "github.com/pkg/errors"

// Maximum bytes a var-int encoding may occupy.
const (
	MaxSizePack32 = 5
	MaxSizePack64 = 10
)

// ErrCapacityExceeded is returned by any write that would grow the
// builder past its configured maximum capacity.
var ErrCapacityExceeded = errors.New("frame: write would exceed maximum capacity")

// Builder packs typed fields into a growable byte buffer and tracks the
// start offset of the frame currently being built.
//
// A zero-value Builder is not usable; use New.
type Builder struct {
	buf     []byte
	maxCap  int
	frameAt int
	inFrame bool
}

// New creates a Builder backed by an empty buffer that will never grow
// past maxCap bytes. A maxCap of 0 means unbounded.
func New(maxCap int) *Builder {
	return &Builder{maxCap: maxCap}
}

// Reset discards all buffered bytes, preparing the Builder for reuse.
func (b *Builder) Reset() {
	b.buf = b.buf[:0]
	b.frameAt = 0
	b.inFrame = false
}

// Len returns the number of committed bytes currently buffered.
func (b *Builder) Len() int { return len(b.buf) }

// Bytes returns the committed buffer. The slice is invalidated by the
// next call to a mutating method.
func (b *Builder) Bytes() []byte { return b.buf }

func (b *Builder) grow(n int) error {
	if b.maxCap > 0 && len(b.buf)+n > b.maxCap {
		return ErrCapacityExceeded
	}
	return nil
}

// Begin records the current write cursor as the frame start and emits
// the single-byte frame-type prefix.
func (b *Builder) Begin(frameType uint8) error {
	if err := b.grow(1); err != nil {
		return err
	}
	b.frameAt = len(b.buf)
	b.inFrame = true
	b.buf = append(b.buf, frameType)
	return nil
}

// WriteBytes raw-copies span into the buffer.
func (b *Builder) WriteBytes(span []byte) error {
	if err := b.grow(len(span)); err != nil {
		return err
	}
	b.buf = append(b.buf, span...)
	return nil
}

// WriteByte writes a single byte. It satisfies io.ByteWriter.
func (b *Builder) WriteByte(c byte) error {
	if err := b.grow(1); err != nil {
		return err
	}
	b.buf = append(b.buf, c)
	return nil
}

// PackVarI32 writes x using a self-describing variable-length encoding:
// 7 bits per byte, continuation bit in the MSB, sign-extended on decode.
// Uses at most MaxSizePack32 bytes.
func (b *Builder) PackVarI32(x int32) error {
	return b.packVar(int64(x))
}

// PackVarI64 writes x using the same encoding as PackVarI32, using at
// most MaxSizePack64 bytes.
func (b *Builder) PackVarI64(x int64) error {
	return b.packVar(x)
}

// packVar is the shared signed LEB128 encoder. Encoding stops once the
// remaining bits are a pure sign extension of the last payload bit
// written, so a 32-bit value never needs more than 5 bytes and a 64-bit
// value never more than 10.
func (b *Builder) packVar(v int64) error {
	var tmp [MaxSizePack64]byte
	n := 0
	for {
		b7 := byte(v & 0x7f)
		v >>= 7
		if (v == 0 && b7&0x40 == 0) || (v == -1 && b7&0x40 != 0) {
			tmp[n] = b7
			n++
			break
		}
		tmp[n] = b7 | 0x80
		n++
	}
	return b.WriteBytes(tmp[:n])
}

// WriteString writes str as a var-int length prefix followed by its raw
// bytes. It does not null-terminate except where a specific frame schema
// requires it (the caller appends a NUL explicitly in that case).
func (b *Builder) WriteString(str string) error {
	if err := b.PackVarI32(int32(len(str))); err != nil {
		return err
	}
	return b.WriteBytes([]byte(str))
}

// Patch is a handle to a reserved byte range, returned by Reserve, used
// to populate a field (typically a length prefix) once its value is
// known after writing the payload that follows it.
type Patch struct {
	b      *Builder
	offset int
	length int
}

// Reserve advances the cursor by n bytes, returning a Patch over that
// range for later population.
func (b *Builder) Reserve(n int) (Patch, error) {
	if err := b.grow(n); err != nil {
		return Patch{}, err
	}
	offset := len(b.buf)
	b.buf = append(b.buf, make([]byte, n)...)
	return Patch{b: b, offset: offset, length: n}, nil
}

// PutUint32LE patches a 4-byte reservation with v in little-endian form.
func (p Patch) PutUint32LE(v uint32) {
	buf := p.b.buf[p.offset : p.offset+p.length]
	buf[0] = byte(v)
	buf[1] = byte(v >> 8)
	buf[2] = byte(v >> 16)
	buf[3] = byte(v >> 24)
}

// Span returns the raw bytes backing the reservation, for patches whose
// shape doesn't fit PutUint32LE.
func (p Patch) Span() []byte {
	return p.b.buf[p.offset : p.offset+p.length]
}

// End commits the current frame. If no bytes were written after the type
// prefix, the frame is discarded and the cursor rewinds to the frame
// start instead.
func (b *Builder) End() {
	if !b.inFrame {
		return
	}
	if len(b.buf) == b.frameAt+1 {
		b.buf = b.buf[:b.frameAt]
	}
	b.inFrame = false
}

// Abort unconditionally rewinds the cursor to the frame start, discarding
// any bytes written since Begin.
func (b *Builder) Abort() {
	if !b.inFrame {
		return
	}
	b.buf = b.buf[:b.frameAt]
	b.inFrame = false
}
