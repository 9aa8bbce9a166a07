package apc

import "github.com/ARM-software/gator-sub002/internal/frame"

// DataRecordEncoder incrementally builds one PERF_DATA frame: CPU index,
// a reserved 4-byte length placeholder, then the raw bytes of as many
// whole perf records as fit. Records never span two PERF_DATA frames;
// when a record does not fit, the caller ends the current frame and
// opens a fresh one for it.
type DataRecordEncoder struct {
	b       *frame.Builder
	patch   frame.Patch
	written int
}

// OpenDataFrame begins a new PERF_DATA frame for cpu.
func OpenDataFrame(b *frame.Builder, cpu int32) (*DataRecordEncoder, error) {
	if err := b.Begin(uint8(FramePerfData)); err != nil {
		return nil, err
	}
	if err := b.PackVarI32(cpu); err != nil {
		b.Abort()
		return nil, err
	}
	patch, err := b.Reserve(4)
	if err != nil {
		b.Abort()
		return nil, err
	}
	return &DataRecordEncoder{b: b, patch: patch}, nil
}

// Remaining reports how many more raw payload bytes this frame can hold
// before hitting DataMaxPayloadSize.
func (e *DataRecordEncoder) Remaining() int {
	return DataMaxPayloadSize - e.written
}

// TryAppend attempts to append one record's bytes (first and, for a
// wrapped record, second span concatenated) to the frame. It returns
// false without mutating the frame if the record does not fit in the
// remaining space; the caller must then Close this frame and open a new
// one containing only the oversized record.
func (e *DataRecordEncoder) TryAppend(first, second []byte) (bool, error) {
	total := len(first) + len(second)
	if total > e.Remaining() {
		return false, nil
	}
	if len(first) > 0 {
		if err := e.b.WriteBytes(first); err != nil {
			return false, err
		}
	}
	if len(second) > 0 {
		if err := e.b.WriteBytes(second); err != nil {
			return false, err
		}
	}
	e.written += total
	return true, nil
}

// Close patches the reserved length field with the number of payload
// bytes written and commits the frame.
func (e *DataRecordEncoder) Close() {
	e.patch.PutUint32LE(uint32(e.written))
	e.b.End()
}

// EncodeAux builds one PERF_AUX frame: CPU index, the ring's tail
// offset, the byte count, then the raw AUX bytes (truncated at the
// frame maximum on a byte, not record, boundary).
func EncodeAux(b *frame.Builder, cpu int32, tailOffset uint64, first, second []byte) (consumed int, err error) {
	total := len(first) + len(second)
	if total > AuxMaxPayloadSize {
		total = AuxMaxPayloadSize
	}

	if err := b.Begin(uint8(FramePerfAux)); err != nil {
		return 0, err
	}
	if err := encodeAuxBody(b, cpu, tailOffset, total, first, second); err != nil {
		b.Abort()
		return 0, err
	}
	b.End()
	return total, nil
}

func encodeAuxBody(b *frame.Builder, cpu int32, tailOffset uint64, total int, first, second []byte) error {
	if err := b.PackVarI32(cpu); err != nil {
		return err
	}
	if err := b.PackVarI64(int64(tailOffset)); err != nil {
		return err
	}
	if err := b.PackVarI32(int32(total)); err != nil {
		return err
	}

	remaining := total
	if len(first) > 0 {
		n := len(first)
		if n > remaining {
			n = remaining
		}
		if err := b.WriteBytes(first[:n]); err != nil {
			return err
		}
		remaining -= n
	}
	if remaining > 0 && len(second) > 0 {
		n := len(second)
		if n > remaining {
			n = remaining
		}
		if err := b.WriteBytes(second[:n]); err != nil {
			return err
		}
		remaining -= n
	}
	return nil
}
