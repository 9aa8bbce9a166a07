package binding

import (
	"unsafe"

	"github.com/ARM-software/gator-sub002/internal/ring"
)

// Kernel ABI offsets into the perf_event_mmap_page metadata page
// (include/uapi/linux/perf_event.h): 1024 bytes of version/lock/time
// fields precede the cursor words the monitor actually reads.
const (
	offsetDataHead  = 1024
	offsetDataTail  = 1032
	offsetAuxHead   = 1056
	offsetAuxTail   = 1064
	offsetAuxOffset = 1072
	offsetAuxSize   = 1080
)

// regionMetadata builds a ring.Metadata directly over the mmap'd
// region's cursor words; loads and stores go through sync/atomic
// against pointers into the mapped page.
func regionMetadata(region []byte) *ring.AtomicMetadata {
	return &ring.AtomicMetadata{
		DataHead: (*uint64)(unsafe.Pointer(&region[offsetDataHead])),
		DataTail: (*uint64)(unsafe.Pointer(&region[offsetDataTail])),
		AuxHead:  (*uint64)(unsafe.Pointer(&region[offsetAuxHead])),
		AuxTail:  (*uint64)(unsafe.Pointer(&region[offsetAuxTail])),
	}
}

// setAuxPlacement writes the aux_offset/aux_size words of the metadata
// page. The kernel requires both before the AUX region may be mapped.
func setAuxPlacement(region []byte, auxOffset, auxSize uint64) {
	*(*uint64)(unsafe.Pointer(&region[offsetAuxOffset])) = auxOffset
	*(*uint64)(unsafe.Pointer(&region[offsetAuxSize])) = auxSize
}
