package ring

import (
	"sync/atomic"

	"github.com/ARM-software/gator-sub002/internal/apc"
	"github.com/ARM-software/gator-sub002/internal/frame"
	"github.com/ARM-software/gator-sub002/internal/gatorerr"
)

// Sink is the narrow interface the monitor needs from the arena sink.
// TryCommit attempts to reserve len(payload) bytes and write payload in,
// committing immediately; it returns false (not an error) when no space
// is currently available, which is the monitor's back-pressure signal:
// the monitor must not advance its tail and will retry on the next poll.
type Sink interface {
	TryCommit(payload []byte) (bool, error)
}

// Metadata exposes the producer-written cursors the monitor reads with
// acquire/release ordering.
type Metadata interface {
	LoadDataHead() uint64
	StoreDataTail(uint64)
	LoadAuxHead() uint64
	StoreAuxTail(uint64)
}

// AtomicMetadata is a Metadata backed by the real mmap'd cursors,
// loaded and stored through sync/atomic directly over the mapped
// struct fields.
type AtomicMetadata struct {
	DataHead *uint64
	DataTail *uint64
	AuxHead  *uint64
	AuxTail  *uint64
}

func (m *AtomicMetadata) LoadDataHead() uint64   { return atomic.LoadUint64(m.DataHead) }
func (m *AtomicMetadata) StoreDataTail(v uint64) { atomic.StoreUint64(m.DataTail, v) }
func (m *AtomicMetadata) LoadAuxHead() uint64 {
	if m.AuxHead == nil {
		return 0
	}
	return atomic.LoadUint64(m.AuxHead)
}
func (m *AtomicMetadata) StoreAuxTail(v uint64) {
	if m.AuxTail != nil {
		atomic.StoreUint64(m.AuxTail, v)
	}
}

// Monitor owns one leader FD's pair of mmap'd rings plus the
// last-observed tails and a cached size mask (carried implicitly by
// View).
type Monitor struct {
	CPU  int
	meta Metadata
	data *View
	aux  *View

	dataTail uint64
	auxTail  uint64

	sink Sink
}

// NewMonitor builds a Monitor for one leader FD's rings. aux may be nil
// when no AUX region was mapped for this group.
func NewMonitor(cpu int, meta Metadata, data, aux *View, sink Sink) *Monitor {
	return &Monitor{CPU: cpu, meta: meta, data: data, aux: aux, sink: sink}
}

// ErrDegraded is returned by PollOnce when the ring itself is no longer
// trustworthy (a zero or impossible record size). The capture
// orchestrator marks this CPU degraded and stops polling its ring; the
// ring stays mapped until the CPU goes offline or the capture shuts down.
var ErrDegraded = gatorerr.New(gatorerr.RingInconsistency, "ring buffer record framing is inconsistent")

// PollOnce drains as many complete records as are currently available
// and as the sink will accept. It returns the number of records
// successfully forwarded to the sink.
func (m *Monitor) PollOnce() (int, error) {
	forwarded, err := m.pollData()
	if err != nil {
		return forwarded, err
	}
	if m.aux != nil {
		if err := m.pollAux(); err != nil {
			return forwarded, err
		}
	}
	return forwarded, nil
}

// pendingFrame accumulates whole records into one not-yet-committed
// PERF_DATA frame, so the tail only advances once the frame carrying
// those records is actually accepted by the sink.
type pendingFrame struct {
	b       *frame.Builder
	enc     *apc.DataRecordEncoder
	size    uint64 // sum of record byte sizes (post round-up-8) held so far
	records int
}

func newPendingFrame(cpu int) (*pendingFrame, error) {
	b := frame.New(apc.MaxFramePayload)
	enc, err := apc.OpenDataFrame(b, int32(cpu))
	if err != nil {
		return nil, err
	}
	return &pendingFrame{b: b, enc: enc}, nil
}

func (m *Monitor) pollData() (int, error) {
	head := m.meta.LoadDataHead()
	forwarded := 0

	pf, err := newPendingFrame(m.CPU)
	if err != nil {
		return 0, err
	}

	commitPending := func() (bool, error) {
		if pf.size == 0 {
			return true, nil
		}
		pf.enc.Close()
		committed, err := m.sink.TryCommit(pf.b.Bytes())
		if err != nil {
			return false, err
		}
		if !committed {
			return false, nil
		}
		m.dataTail += pf.size
		m.meta.StoreDataTail(m.dataTail)
		forwarded += pf.records
		return true, nil
	}

	for m.dataTail+pf.size < head {
		recordOffset := m.dataTail + pf.size
		if recordOffset+headerSize > head {
			// Not even a full header has landed yet; retry next poll.
			break
		}
		hdrFirst, hdrSecond := m.data.ReadAt(recordOffset, headerSize)
		header := decodeHeader(Concat(hdrFirst, hdrSecond))

		if header.Size == 0 {
			return forwarded, ErrDegraded
		}

		recordSize := RoundUp8(uint32(header.Size))
		if recordOffset+uint64(recordSize) > head {
			// Incomplete record; retry on the next poll.
			break
		}

		if header.Type == RecordLost {
			// Lost-record markers are skipped: they still occupy ring
			// space and are consumed like any other record, but they are
			// neither handed to the encoder nor reported.
			if ok, err := commitPending(); err != nil || !ok {
				return forwarded, err
			}
			m.dataTail += uint64(recordSize)
			m.meta.StoreDataTail(m.dataTail)
			pf, err = newPendingFrame(m.CPU)
			if err != nil {
				return forwarded, err
			}
			continue
		}

		first, second := m.data.ReadAt(recordOffset, int(recordSize))

		ok, err := pf.enc.TryAppend(first, second)
		if err != nil {
			return forwarded, err
		}
		if !ok {
			// Frame is full on a record boundary: commit what we have
			// and start a fresh frame for this record.
			committed, err := commitPending()
			if err != nil {
				return forwarded, err
			}
			if !committed {
				return forwarded, nil
			}
			pf, err = newPendingFrame(m.CPU)
			if err != nil {
				return forwarded, err
			}

			ok, err = pf.enc.TryAppend(first, second)
			if err != nil {
				return forwarded, err
			}
			if !ok {
				// A single record larger than one frame can hold is a
				// ring-level impossibility this monitor cannot service.
				return forwarded, ErrDegraded
			}
		}

		pf.size += uint64(recordSize)
		pf.records++

		// Commit eagerly once the frame is exactly full, so later
		// records aren't blocked behind a half-empty frame.
		if pf.enc.Remaining() == 0 {
			committed, err := commitPending()
			if err != nil {
				return forwarded, err
			}
			if !committed {
				return forwarded, nil
			}
			pf, err = newPendingFrame(m.CPU)
			if err != nil {
				return forwarded, err
			}
		}
	}

	if ok, err := commitPending(); err != nil || !ok {
		return forwarded, err
	}
	return forwarded, nil
}

func (m *Monitor) pollAux() error {
	head := m.meta.LoadAuxHead()
	for m.auxTail < head {
		available := int(head - m.auxTail)
		if available > apc.AuxMaxPayloadSize {
			available = apc.AuxMaxPayloadSize
		}

		first, second := m.aux.ReadAt(m.auxTail, available)

		b := frame.New(apc.MaxFramePayload)
		consumed, err := apc.EncodeAux(b, int32(m.CPU), m.auxTail, first, second)
		if err != nil {
			return err
		}

		committed, err := m.sink.TryCommit(b.Bytes())
		if err != nil {
			return err
		}
		if !committed {
			return nil
		}

		m.auxTail += uint64(consumed)
		m.meta.StoreAuxTail(m.auxTail)
	}
	return nil
}
