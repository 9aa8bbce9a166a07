package apc

import (
	"github.com/ARM-software/gator-sub002/internal/attr"
	"github.com/ARM-software/gator-sub002/internal/frame"
)

// NewlineCanary is the fixed string the SUMMARY frame leads with so the
// host can detect whether the transport has normalised '\n' to '\r\n'.
const NewlineCanary = "\nGATOR_SUMMARY\n"

// Clocks bundles the four clock readings the SUMMARY frame reports.
type Clocks struct {
	Realtime     int64
	Boottime     int64
	MonotonicRaw int64
	Monotonic    int64
}

// EncodeSummary appends a SUMMARY frame to b. attrs is an ordered list of
// key/value system-probe attributes (e.g. "uname", "PAGESIZE", the
// optional "nosync"); it is terminated on the wire by an empty-string
// key.
func EncodeSummary(b *frame.Builder, clocks Clocks, attrs [][2]string) error {
	if err := b.Begin(uint8(FrameSummary)); err != nil {
		return err
	}
	if err := writeSummaryBody(b, clocks, attrs); err != nil {
		b.Abort()
		return err
	}
	b.End()
	return nil
}

func writeSummaryBody(b *frame.Builder, clocks Clocks, attrs [][2]string) error {
	if err := b.WriteString(NewlineCanary); err != nil {
		return err
	}
	for _, v := range []int64{clocks.Realtime, clocks.Boottime, clocks.MonotonicRaw, clocks.Monotonic} {
		if err := b.PackVarI64(v); err != nil {
			return err
		}
	}
	for _, kv := range attrs {
		if err := b.WriteString(kv[0]); err != nil {
			return err
		}
		if err := b.WriteString(kv[1]); err != nil {
			return err
		}
	}
	return b.WriteString("")
}

// EncodePEA appends a PERF_ATTRS/PEA frame describing one event
// attribute: sub-code, raw kernel attribute bytes, then the counter key.
func EncodePEA(b *frame.Builder, a attr.EventAttribute, key attr.CounterKey) error {
	if err := b.Begin(uint8(FramePerfAttrs)); err != nil {
		return err
	}
	if err := b.WriteByte(byte(SubCodePEA)); err != nil {
		b.Abort()
		return err
	}
	if err := b.WriteBytes(a.Raw); err != nil {
		b.Abort()
		return err
	}
	if err := b.PackVarI32(int32(key)); err != nil {
		b.Abort()
		return err
	}
	b.End()
	return nil
}

// KeyedSampleID correlates one kernel-generated sample ID with a counter
// key, the payload of a single entry in a KEYS frame.
type KeyedSampleID struct {
	SampleID int64
	Key      attr.CounterKey
}

// EncodeKeys appends a PERF_ATTRS/KEYS frame: sub-code, var-int count,
// then that many {sample_id, key} pairs.
func EncodeKeys(b *frame.Builder, entries []KeyedSampleID) error {
	if err := b.Begin(uint8(FramePerfAttrs)); err != nil {
		return err
	}
	if err := encodeKeysBody(b, entries); err != nil {
		b.Abort()
		return err
	}
	b.End()
	return nil
}

func encodeKeysBody(b *frame.Builder, entries []KeyedSampleID) error {
	if err := b.WriteByte(byte(SubCodeKeys)); err != nil {
		return err
	}
	if err := b.PackVarI32(int32(len(entries))); err != nil {
		return err
	}
	for _, e := range entries {
		if err := b.PackVarI64(e.SampleID); err != nil {
			return err
		}
		if err := b.PackVarI32(int32(e.Key)); err != nil {
			return err
		}
	}
	return nil
}

// EncodeOnlineCPU appends a PERF_ATTRS/ONLINE_CPU frame.
func EncodeOnlineCPU(b *frame.Builder, monotonicDeltaNs int64, cpu int) error {
	return encodeCPUEvent(b, SubCodeOnlineCPU, monotonicDeltaNs, cpu)
}

// EncodeOfflineCPU appends a PERF_ATTRS/OFFLINE_CPU frame.
func EncodeOfflineCPU(b *frame.Builder, monotonicDeltaNs int64, cpu int) error {
	return encodeCPUEvent(b, SubCodeOfflineCPU, monotonicDeltaNs, cpu)
}

func encodeCPUEvent(b *frame.Builder, sub PerfAttrsSubCode, monotonicDeltaNs int64, cpu int) error {
	if err := b.Begin(uint8(FramePerfAttrs)); err != nil {
		return err
	}
	if err := b.WriteByte(byte(sub)); err != nil {
		b.Abort()
		return err
	}
	if err := b.PackVarI64(monotonicDeltaNs); err != nil {
		b.Abort()
		return err
	}
	if err := b.PackVarI32(int32(cpu)); err != nil {
		b.Abort()
		return err
	}
	b.End()
	return nil
}

// EncodeMaps appends a PERF_ATTRS/MAPS frame carrying the raw contents
// of /proc/<pid>/maps for one pid/tid.
func EncodeMaps(b *frame.Builder, pid, tid int32, mapsContent string) error {
	if err := b.Begin(uint8(FramePerfAttrs)); err != nil {
		return err
	}
	if err := encodeMapsBody(b, pid, tid, mapsContent); err != nil {
		b.Abort()
		return err
	}
	b.End()
	return nil
}

func encodeMapsBody(b *frame.Builder, pid, tid int32, mapsContent string) error {
	if err := b.WriteByte(byte(SubCodeMaps)); err != nil {
		return err
	}
	if err := b.PackVarI32(pid); err != nil {
		return err
	}
	if err := b.PackVarI32(tid); err != nil {
		return err
	}
	return b.WriteString(mapsContent)
}

// EncodeComm appends a PERF_ATTRS/COMM frame.
func EncodeComm(b *frame.Builder, pid, tid int32, imagePath, commName string) error {
	if err := b.Begin(uint8(FramePerfAttrs)); err != nil {
		return err
	}
	if err := encodeCommBody(b, pid, tid, imagePath, commName); err != nil {
		b.Abort()
		return err
	}
	b.End()
	return nil
}

func encodeCommBody(b *frame.Builder, pid, tid int32, imagePath, commName string) error {
	if err := b.WriteByte(byte(SubCodeComm)); err != nil {
		return err
	}
	if err := b.PackVarI32(pid); err != nil {
		return err
	}
	if err := b.PackVarI32(tid); err != nil {
		return err
	}
	if err := b.WriteString(imagePath); err != nil {
		return err
	}
	return b.WriteString(commName)
}

// EncodeKallsyms appends a PERF_ATTRS/KALLSYMS frame carrying the raw
// contents of /proc/kallsyms.
func EncodeKallsyms(b *frame.Builder, symbols string) error {
	if err := b.Begin(uint8(FramePerfAttrs)); err != nil {
		return err
	}
	if err := b.WriteByte(byte(SubCodeKallsyms)); err != nil {
		b.Abort()
		return err
	}
	if err := b.WriteString(symbols); err != nil {
		b.Abort()
		return err
	}
	b.End()
	return nil
}

// CoreValue is one {core, key, value} triple inside a COUNTERS frame.
type CoreValue struct {
	Core  int32
	Key   attr.CounterKey
	Value int64
}

// EncodeCounters appends a periodic PERF_ATTRS/COUNTERS frame: sub-code,
// monotonic-delta timestamp, then a sequence of {core, key, value}
// triples terminated by a sentinel core = -1.
func EncodeCounters(b *frame.Builder, monotonicDeltaNs int64, values []CoreValue) error {
	if err := b.Begin(uint8(FramePerfAttrs)); err != nil {
		return err
	}
	if err := encodeCountersBody(b, monotonicDeltaNs, values); err != nil {
		b.Abort()
		return err
	}
	b.End()
	return nil
}

func encodeCountersBody(b *frame.Builder, monotonicDeltaNs int64, values []CoreValue) error {
	if err := b.WriteByte(byte(SubCodeCounters)); err != nil {
		return err
	}
	if err := b.PackVarI64(monotonicDeltaNs); err != nil {
		return err
	}
	for _, v := range values {
		if err := b.PackVarI32(v.Core); err != nil {
			return err
		}
		if err := b.PackVarI32(int32(v.Key)); err != nil {
			return err
		}
		if err := b.PackVarI64(v.Value); err != nil {
			return err
		}
	}
	return b.PackVarI32(-1)
}

// EncodeCoreName appends a PERF_ATTRS/CORE_NAME frame.
func EncodeCoreName(b *frame.Builder, core int32, cpuID uint32, display string) error {
	if err := b.Begin(uint8(FramePerfAttrs)); err != nil {
		return err
	}
	if err := encodeCoreNameBody(b, core, cpuID, display); err != nil {
		b.Abort()
		return err
	}
	b.End()
	return nil
}

func encodeCoreNameBody(b *frame.Builder, core int32, cpuID uint32, display string) error {
	if err := b.WriteByte(byte(SubCodeCoreName)); err != nil {
		return err
	}
	if err := b.PackVarI32(core); err != nil {
		return err
	}
	if err := b.PackVarI32(int32(cpuID)); err != nil {
		return err
	}
	return b.WriteString(display)
}

// EncodeSync appends a PERF_SYNC frame. The CPU field is always 0 and
// ignored by the host.
func EncodeSync(b *frame.Builder, pid, tid int32, frequency uint64, monotonicRawNs int64, archTimerValue uint64) error {
	if err := b.Begin(uint8(FramePerfSync)); err != nil {
		return err
	}
	if err := encodeSyncBody(b, pid, tid, frequency, monotonicRawNs, archTimerValue); err != nil {
		b.Abort()
		return err
	}
	b.End()
	return nil
}

func encodeSyncBody(b *frame.Builder, pid, tid int32, frequency uint64, monotonicRawNs int64, archTimerValue uint64) error {
	if err := b.PackVarI32(0); err != nil { // cpu, ignored
		return err
	}
	if err := b.PackVarI32(pid); err != nil {
		return err
	}
	if err := b.PackVarI32(tid); err != nil {
		return err
	}
	if err := b.PackVarI64(int64(frequency)); err != nil {
		return err
	}
	if err := b.PackVarI64(monotonicRawNs); err != nil {
		return err
	}
	return b.PackVarI64(int64(archTimerValue))
}
