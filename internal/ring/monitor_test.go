package ring

import (
	"encoding/binary"
	"testing"
)

// fakeMetadata is an in-process Metadata that needs no mmap.
type fakeMetadata struct {
	dataHead, dataTail uint64
	auxHead, auxTail   uint64
}

func (f *fakeMetadata) LoadDataHead() uint64   { return f.dataHead }
func (f *fakeMetadata) StoreDataTail(v uint64) { f.dataTail = v }
func (f *fakeMetadata) LoadAuxHead() uint64    { return f.auxHead }
func (f *fakeMetadata) StoreAuxTail(v uint64)  { f.auxTail = v }

// collectingSink records every committed frame and can be told to
// refuse the next N commits, to exercise back-pressure.
type collectingSink struct {
	frames [][]byte
	refuse int
}

func (s *collectingSink) TryCommit(payload []byte) (bool, error) {
	if s.refuse > 0 {
		s.refuse--
		return false, nil
	}
	cp := append([]byte(nil), payload...)
	s.frames = append(s.frames, cp)
	return true, nil
}

// writeRecord writes one perf record {type, misc, size} at byte offset
// off in buf (buf length must be a power of two; off is a raw, non-
// wrapping offset used only by these tests to build simple fixtures).
func writeRecord(buf []byte, off int, recType uint32, body []byte) int {
	size := RoundUp8(uint32(8 + len(body)))
	binary.LittleEndian.PutUint32(buf[off:], recType)
	binary.LittleEndian.PutUint16(buf[off+4:], 0)
	binary.LittleEndian.PutUint16(buf[off+6:], uint16(size))
	copy(buf[off+8:], body)
	return off + int(size)
}

func TestPollOnceForwardsSingleRecord(t *testing.T) {
	buf := make([]byte, 256)
	end := writeRecord(buf, 0, RecordSample, []byte("hello!!!"))

	view, err := NewView(buf)
	if err != nil {
		t.Fatal(err)
	}
	meta := &fakeMetadata{dataHead: uint64(end)}
	sink := &collectingSink{}
	mon := NewMonitor(0, meta, view, nil, sink)

	n, err := mon.PollOnce()
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected 1 record forwarded, got %d", n)
	}
	if len(sink.frames) != 1 {
		t.Fatalf("expected 1 frame committed, got %d", len(sink.frames))
	}
	if meta.dataTail != uint64(end) {
		t.Fatalf("expected tail advanced to %d, got %d", end, meta.dataTail)
	}
}

func TestPollOnceSkipsIncompleteTrailingRecord(t *testing.T) {
	buf := make([]byte, 256)
	end := writeRecord(buf, 0, RecordSample, []byte("hello!!!"))

	view, _ := NewView(buf)
	// Head only covers part of a second record's header: the monitor
	// must not attempt to read a record that hasn't fully landed yet.
	meta := &fakeMetadata{dataHead: uint64(end) + 4}
	sink := &collectingSink{}
	mon := NewMonitor(0, meta, view, nil, sink)

	n, err := mon.PollOnce()
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected exactly the one complete record, got %d", n)
	}
	if meta.dataTail != uint64(end) {
		t.Fatalf("tail should stop at the last complete record, got %d", meta.dataTail)
	}
}

func TestPollOnceDoesNotAdvanceTailWhenSinkRefuses(t *testing.T) {
	buf := make([]byte, 256)
	end := writeRecord(buf, 0, RecordSample, []byte("hello!!!"))

	view, _ := NewView(buf)
	meta := &fakeMetadata{dataHead: uint64(end)}
	sink := &collectingSink{refuse: 1}
	mon := NewMonitor(0, meta, view, nil, sink)

	n, err := mon.PollOnce()
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("expected 0 forwarded when sink refuses, got %d", n)
	}
	if meta.dataTail != 0 {
		t.Fatalf("expected tail untouched on refusal, got %d", meta.dataTail)
	}

	// Retry succeeds once the sink stops refusing.
	n, err = mon.PollOnce()
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected retry to forward the record, got %d", n)
	}
}

func TestPollOnceFlagsZeroSizeRecordAsDegraded(t *testing.T) {
	buf := make([]byte, 256)
	// A well-formed header with Size = 0 must never be looped on.
	binary.LittleEndian.PutUint32(buf[0:], RecordSample)
	binary.LittleEndian.PutUint16(buf[6:], 0)

	view, _ := NewView(buf)
	meta := &fakeMetadata{dataHead: 64}
	sink := &collectingSink{}
	mon := NewMonitor(0, meta, view, nil, sink)

	_, err := mon.PollOnce()
	if err != ErrDegraded {
		t.Fatalf("expected ErrDegraded, got %v", err)
	}
}

func TestPollOnceSkipsLostRecordsWithoutForwarding(t *testing.T) {
	buf := make([]byte, 256)
	off := writeRecord(buf, 0, RecordLost, make([]byte, 16))
	end := writeRecord(buf, off, RecordSample, []byte("payload!"))

	view, _ := NewView(buf)
	meta := &fakeMetadata{dataHead: uint64(end)}
	sink := &collectingSink{}
	mon := NewMonitor(0, meta, view, nil, sink)

	n, err := mon.PollOnce()
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected only the sample record counted, got %d", n)
	}
	if meta.dataTail != uint64(end) {
		t.Fatalf("expected tail to advance past the lost record too, got %d", meta.dataTail)
	}
}
