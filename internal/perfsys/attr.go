package perfsys

import (
	"encoding/binary"
	"unsafe"

	"github.com/ARM-software/gator-sub002/internal/attr"
)

// kernelAttr mirrors the kernel's perf_event_attr ABI layout closely
// enough to exercise perf_event_open; the field order and sizes follow
// include/uapi/linux/perf_event.h (PERF_ATTR_SIZE_VER5, 112 bytes).
type kernelAttr struct {
	perfType    uint32
	size        uint32
	config      uint64
	sampleUnion uint64 // sample_period or sample_freq, selected by flags
	sampleType  uint64
	readFormat  uint64

	flags uint64

	wakeupUnion uint32
	bpType      uint32
	config1     uint64
	config2     uint64

	branchSampleType uint64

	sampleRegsUser  uint64
	sampleStackUser uint32
	clockID         int32

	sampleRegsIntr uint64

	auxWatermark   uint32
	sampleMaxStack uint16
	_pad           uint16
}

// Flag bit positions, include/uapi/linux/perf_event.h.
const (
	flagDisabled      = 1 << 0
	flagInherit       = 1 << 1
	flagExcludeKernel = 1 << 5
	flagMmap          = 1 << 8
	flagComm          = 1 << 9
	flagFreq          = 1 << 10
	flagEnableOnExec  = 1 << 12
	flagTask          = 1 << 13
	flagSampleIDAll   = 1 << 18
	flagMmap2         = 1 << 23
	flagCommExec      = 1 << 24
	flagUseClockID    = 1 << 25
	flagContextSwitch = 1 << 26
)

// Marshal converts a, a target-agnostic EventAttribute, into the raw
// kernel ABI bytes perf_event_open expects, and stashes the result in
// a.Raw for the PEA frame encoder. The attribute's size field is always
// recomputed.
func Marshal(a *attr.EventAttribute) []byte {
	var k kernelAttr
	k.perfType = a.Type
	k.size = uint32(unsafe.Sizeof(k))
	k.config = a.Config
	k.config1 = a.Config1
	k.config2 = a.Config2
	k.sampleType = uint64(a.SampleType)

	if a.UseFrequency {
		k.sampleUnion = a.SampleFrequency
		k.flags |= flagFreq
	} else {
		k.sampleUnion = a.SamplePeriod
	}

	if !a.Flags.EnableAtOpen {
		k.flags |= flagDisabled
	}
	if a.Flags.CountOnExec {
		k.flags |= flagEnableOnExec
	}
	if a.Flags.InheritToChildren {
		k.flags |= flagInherit
	}
	if a.Flags.ExcludesKernel {
		k.flags |= flagExcludeKernel
	}
	if a.Flags.EmitContextSwitch {
		k.flags |= flagContextSwitch
	}
	if a.Flags.EmitMmap {
		k.flags |= flagMmap
		if a.Mmap2 {
			k.flags |= flagMmap2
		}
	}
	if a.Flags.EmitComm {
		k.flags |= flagComm
		if a.CommExec {
			k.flags |= flagCommExec
		}
	}
	if a.Flags.EmitTaskEvents {
		k.flags |= flagTask
	}
	if a.SampleType != 0 {
		// Interleaved group records need the sample id appended to every
		// record so the host can tell members apart.
		k.flags |= flagSampleIDAll
	}
	if a.UseClockID {
		k.flags |= flagUseClockID
		k.clockID = a.ClockID
	}

	raw := make([]byte, unsafe.Sizeof(k))
	native := nativeByteOrder()
	native.PutUint32(raw[0:4], k.perfType)
	native.PutUint32(raw[4:8], k.size)
	native.PutUint64(raw[8:16], k.config)
	native.PutUint64(raw[16:24], k.sampleUnion)
	native.PutUint64(raw[24:32], k.sampleType)
	native.PutUint64(raw[32:40], k.readFormat)
	native.PutUint64(raw[40:48], k.flags)
	native.PutUint32(raw[48:52], k.wakeupUnion)
	native.PutUint32(raw[52:56], k.bpType)
	native.PutUint64(raw[56:64], k.config1)
	native.PutUint64(raw[64:72], k.config2)
	native.PutUint64(raw[72:80], k.branchSampleType)
	native.PutUint64(raw[80:88], k.sampleRegsUser)
	native.PutUint32(raw[88:92], k.sampleStackUser)
	native.PutUint32(raw[92:96], uint32(k.clockID))
	native.PutUint64(raw[96:104], k.sampleRegsIntr)
	native.PutUint32(raw[104:108], k.auxWatermark)
	native.PutUint16(raw[108:110], k.sampleMaxStack)

	a.Raw = raw
	return raw
}

func nativeByteOrder() binary.ByteOrder {
	var x uint16 = 1
	b := (*[2]byte)(unsafe.Pointer(&x))
	if b[0] == 1 {
		return binary.LittleEndian
	}
	return binary.BigEndian
}
