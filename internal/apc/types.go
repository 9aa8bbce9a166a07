// Package apc implements the APC wire-frame encoder: the schema for
// every outbound frame kind, built on top of internal/frame.
package apc

import "github.com/ARM-software/gator-sub002/internal/frame"

// FrameType is the one-byte frame-type prefix of an APC frame.
type FrameType uint8

// Frame types understood by the host.
const (
	FrameSummary      FrameType = 1
	FrameName         FrameType = 2
	FrameCounter      FrameType = 3
	FrameBlockCounter FrameType = 4
	FrameSchedTrace   FrameType = 5
	FrameExternal     FrameType = 6
	FramePerfAttrs    FrameType = 7
	FramePerfData     FrameType = 8
	FramePerfAux      FrameType = 9
	FramePerfSync     FrameType = 10
	// FrameRaw frames omit the length prefix on the transport.
	FrameRaw FrameType = 11
)

// PerfAttrsSubCode distinguishes the sub-frames multiplexed inside a
// PERF_ATTRS frame.
type PerfAttrsSubCode uint8

const (
	SubCodePEA         PerfAttrsSubCode = 1
	SubCodeKeys        PerfAttrsSubCode = 2
	SubCodeFormat      PerfAttrsSubCode = 3
	SubCodeMaps        PerfAttrsSubCode = 4
	SubCodeComm        PerfAttrsSubCode = 5
	SubCodeCoreName    PerfAttrsSubCode = 6
	SubCodeOnlineCPU   PerfAttrsSubCode = 7
	SubCodeOfflineCPU  PerfAttrsSubCode = 8
	SubCodeKallsyms    PerfAttrsSubCode = 9
	SubCodeCounters    PerfAttrsSubCode = 10
	SubCodeHeaderPage  PerfAttrsSubCode = 11
	SubCodeHeaderEvent PerfAttrsSubCode = 12
)

// MaxFramePayload is the hard cap on a single frame's payload.
const MaxFramePayload = 1 << 20

// HeaderOverhead is the worst-case bytes consumed by a frame's
// non-payload prefix on the transport (1-byte type + 4-byte length).
const HeaderOverhead = 5

// DataMaxHeaderSize is the worst-case header of a PERF_DATA frame
// (frame type + cpu var-int + reserved 4-byte length).
const DataMaxHeaderSize = 1 + frame.MaxSizePack32 + 4

// DataMaxPayloadSize is the largest payload a single PERF_DATA frame
// may carry.
const DataMaxPayloadSize = MaxFramePayload - DataMaxHeaderSize

// AuxMaxHeaderSize is the worst-case header of a PERF_AUX frame
// (frame type + cpu var-int + tail var-int64 + size var-int).
const AuxMaxHeaderSize = 1 + frame.MaxSizePack32 + frame.MaxSizePack64 + frame.MaxSizePack32

// AuxMaxPayloadSize is the largest AUX byte range a single PERF_AUX
// frame may carry: 1 MiB minus the worst-case header.
const AuxMaxPayloadSize = MaxFramePayload - AuxMaxHeaderSize
